// Package registers implements the fixed-width register protocol used to
// drive the device array. Every command and every response is one 64-bit
// frame packing seven fields, MSB first:
//
//	B0(4) B1(4) C0(8) C1(8) C2(8) D0(16) D1(16)
//
// B0/B1 are status fields echoed back by the device, C0 is the opcode,
// C1/C2 are opcode-dependent operands, and D0/D1 carry 16-bit operands
// such as sector and block numbers or the probe bitmap.
package registers

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/tbuckley/nimbus"
)

// Frame is the packed 64-bit register word exchanged with the device array.
type Frame uint64

// Opcode occupies the C0 field of a frame.
type Opcode uint8

const (
	PowerOn Opcode = iota
	DevProbe
	DevInit
	BlockXfer
	PowerOff
)

// C2 values for BlockXfer, selecting the transfer direction.
const (
	XferRead  uint8 = 0
	XferWrite uint8 = 1
)

func (op Opcode) String() string {
	switch op {
	case PowerOn:
		return "POWER_ON"
	case DevProbe:
		return "DEVPROBE"
	case DevInit:
		return "DEVINIT"
	case BlockXfer:
		return "BLOCK_XFER"
	case PowerOff:
		return "POWER_OFF"
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// Registers holds the seven unpacked fields of a frame.
type Registers struct {
	B0, B1 uint8
	C0     Opcode
	C1, C2 uint8
	D0, D1 uint16
}

// Pack shifts the seven fields into their frame positions. Values wider
// than their field are truncated by masking, never rejected.
func Pack(r Registers) Frame {
	return Frame(uint64(r.B0&0xf))<<60 |
		Frame(uint64(r.B1&0xf))<<56 |
		Frame(uint64(uint8(r.C0)))<<48 |
		Frame(uint64(r.C1))<<40 |
		Frame(uint64(r.C2))<<32 |
		Frame(uint64(r.D0))<<16 |
		Frame(uint64(r.D1))
}

// Unpack is the exact inverse of Pack.
func Unpack(f Frame) Registers {
	return Registers{
		B0: uint8(f>>60) & 0xf,
		B1: uint8(f>>56) & 0xf,
		C0: Opcode(uint8(f >> 48)),
		C1: uint8(f >> 40),
		C2: uint8(f >> 32),
		D0: uint16(f >> 16),
		D1: uint16(f),
	}
}

// Command builds a command frame for the given opcode. Commands always go
// out with zeroed status fields; the device fills those in on the way back.
func Command(op Opcode, c1, c2 uint8, d0, d1 uint16) Frame {
	return Pack(Registers{C0: op, C1: c1, C2: c2, D0: d0, D1: d1})
}

// ReadBlock builds the command frame fetching one block from a device.
func ReadBlock(addr nimbus.BlockAddr) Frame {
	return Command(BlockXfer, uint8(addr.Device), XferRead, addr.Sector, addr.Block)
}

// WriteBlock builds the command frame storing one block on a device.
func WriteBlock(addr nimbus.BlockAddr) Frame {
	return Command(BlockXfer, uint8(addr.Device), XferWrite, addr.Sector, addr.Block)
}

// VerifyResponse unpacks a response frame and checks the device's success
// contract: B0 and B1 must both be 1 and the opcode must echo the command
// that was issued. Every violated field is reported, not just the first.
func VerifyResponse(f Frame, want Opcode) (Registers, error) {
	r := Unpack(f)

	var violations error
	if r.B0 != 1 {
		violations = multierror.Append(
			violations, fmt.Errorf("B0 is %d, expected 1", r.B0))
	}
	if r.B1 != 1 {
		violations = multierror.Append(
			violations, fmt.Errorf("B1 is %d, expected 1", r.B1))
	}
	if r.C0 != want {
		violations = multierror.Append(
			violations,
			fmt.Errorf("opcode echo is %s, expected %s", r.C0, want))
	}

	if violations != nil {
		return r, nimbus.ErrInvalidResponse.Wrap(violations)
	}
	return r, nil
}
