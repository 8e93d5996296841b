// Package sim provides an in-memory device array that implements the
// transport.Bus contract. It honors the same register protocol as real
// hardware would: probe bitmaps, per-device geometry reported at init, and
// zero-filled blocks before their first write. Tests drive it directly;
// the CLI can host it over TCP with transport.Serve.
package sim

import (
	"fmt"
	"io"

	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/geometry"
	"github.com/tbuckley/nimbus/registers"
	"github.com/tbuckley/nimbus/transport"
	"github.com/xaionaro-go/bytesextra"
)

type device struct {
	profile geometry.Profile
	storage io.ReadWriteSeeker
}

// Array is a simulated device array. The zero value is unusable; construct
// one with New or NewSparse.
type Array struct {
	devs    [nimbus.MaxDevices]*device
	powered bool

	// Fault, when non-nil, is returned by the next request and cleared.
	// Tests use it to simulate a dropped connection mid-session.
	Fault error
}

// New builds an array with the given profiles occupying device ids 0..n-1.
func New(profiles ...geometry.Profile) (*Array, error) {
	byID := make(map[nimbus.DeviceID]geometry.Profile, len(profiles))
	for i, profile := range profiles {
		byID[nimbus.DeviceID(i)] = profile
	}
	return NewSparse(byID)
}

// NewSparse builds an array with devices at explicit ids, leaving the rest
// of the probe bitmap clear.
func NewSparse(byID map[nimbus.DeviceID]geometry.Profile) (*Array, error) {
	array := &Array{}
	for id, profile := range byID {
		if int(id) >= nimbus.MaxDevices {
			return nil, fmt.Errorf("device id %d not in range [0, %d)", id, nimbus.MaxDevices)
		}
		if profile.Sectors == 0 || profile.Blocks == 0 {
			return nil, fmt.Errorf("profile %q has degenerate geometry", profile.Slug)
		}
		array.devs[id] = &device{
			profile: profile,
			storage: bytesextra.NewReadWriteSeeker(make([]byte, profile.CapacityBytes())),
		}
	}
	return array, nil
}

// ok builds the success response for a command: status fields set, opcode
// echoed, D0/D1 carrying the response operands.
func ok(op registers.Opcode, d0, d1 uint16) registers.Frame {
	return registers.Pack(registers.Registers{B0: 1, B1: 1, C0: op, D0: d0, D1: d1})
}

// fail echoes the opcode with zeroed status fields, which response
// verification on the client side rejects.
func fail(op registers.Opcode) registers.Frame {
	return registers.Pack(registers.Registers{C0: op})
}

func (a *Array) takeFault() error {
	err := a.Fault
	a.Fault = nil
	return err
}

func (a *Array) Request(cmd registers.Frame) (registers.Frame, error) {
	if err := a.takeFault(); err != nil {
		return 0, err
	}
	r := registers.Unpack(cmd)

	switch r.C0 {
	case registers.PowerOn:
		a.powered = true
		return ok(registers.PowerOn, 0, 0), nil

	case registers.DevProbe:
		if !a.powered {
			return fail(r.C0), nil
		}
		var presence uint16
		for id, dev := range a.devs {
			if dev != nil {
				presence |= 1 << id
			}
		}
		return ok(registers.DevProbe, presence, 0), nil

	case registers.DevInit:
		if !a.powered || int(r.C1) >= nimbus.MaxDevices {
			return fail(r.C0), nil
		}
		dev := a.devs[r.C1]
		if dev == nil {
			return fail(r.C0), nil
		}
		return ok(registers.DevInit, dev.profile.Sectors, dev.profile.Blocks), nil

	case registers.PowerOff:
		a.powered = false
		return ok(registers.PowerOff, 0, 0), nil
	}

	return fail(r.C0), nil
}

// seekBlock positions a device's storage at the block named by the frame's
// C1/D0/D1 operands, or returns nil if the address is out of range.
func (a *Array) seekBlock(r registers.Registers) io.ReadWriteSeeker {
	if !a.powered || int(r.C1) >= nimbus.MaxDevices {
		return nil
	}
	dev := a.devs[r.C1]
	if dev == nil || r.D0 >= dev.profile.Sectors || r.D1 >= dev.profile.Blocks {
		return nil
	}

	offset := (int64(r.D0)*int64(dev.profile.Blocks) + int64(r.D1)) * nimbus.BlockSize
	if _, err := dev.storage.Seek(offset, io.SeekStart); err != nil {
		return nil
	}
	return dev.storage
}

func (a *Array) RequestWrite(cmd registers.Frame, payload []byte) (registers.Frame, error) {
	if err := a.takeFault(); err != nil {
		return 0, err
	}
	r := registers.Unpack(cmd)
	if r.C0 != registers.BlockXfer || r.C2 != registers.XferWrite ||
		len(payload) != nimbus.BlockSize {
		return fail(r.C0), nil
	}

	storage := a.seekBlock(r)
	if storage == nil {
		return fail(r.C0), nil
	}
	if _, err := storage.Write(payload); err != nil {
		return fail(r.C0), nil
	}
	return ok(registers.BlockXfer, r.D0, r.D1), nil
}

func (a *Array) RequestRead(cmd registers.Frame) (registers.Frame, []byte, error) {
	if err := a.takeFault(); err != nil {
		return 0, nil, err
	}
	r := registers.Unpack(cmd)
	if r.C0 != registers.BlockXfer || r.C2 != registers.XferRead {
		return fail(r.C0), nil, nil
	}

	storage := a.seekBlock(r)
	if storage == nil {
		return fail(r.C0), nil, nil
	}
	payload := make([]byte, nimbus.BlockSize)
	if _, err := io.ReadFull(storage, payload); err != nil {
		return fail(r.C0), nil, nil
	}
	return ok(registers.BlockXfer, r.D0, r.D1), payload, nil
}

// Close implements transport.Bus. The array has no connection to drop.
func (a *Array) Close() error {
	return nil
}

// Powered reports whether the array has seen POWER_ON without a later
// POWER_OFF.
func (a *Array) Powered() bool {
	return a.powered
}

var _ transport.Bus = (*Array)(nil)
