package registers_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/registers"
)

func TestRegisters__Pack__KnownLayout(t *testing.T) {
	frame := registers.Pack(registers.Registers{
		B0: 0x1,
		B1: 0x2,
		C0: registers.Opcode(0x34),
		C1: 0x56,
		C2: 0x78,
		D0: 0x9abc,
		D1: 0xdef0,
	})
	assert.EqualValues(t, 0x1234_5678_9abc_def0, uint64(frame))
}

func TestRegisters__RoundTrip__AllFieldsExercised(t *testing.T) {
	tests := []registers.Registers{
		{},
		{B0: 1, B1: 1, C0: registers.PowerOn},
		{B0: 0xf, B1: 0xf, C0: registers.Opcode(0xff), C1: 0xff, C2: 0xff, D0: 0xffff, D1: 0xffff},
		{C0: registers.BlockXfer, C1: 7, C2: registers.XferWrite, D0: 12, D1: 409},
		{C0: registers.DevInit, C1: 15, D0: 10, D1: 64},
	}

	for _, want := range tests {
		got := registers.Unpack(registers.Pack(want))
		assert.Equal(t, want, got, "round trip changed field values")
	}
}

func TestRegisters__RoundTrip__Random(t *testing.T) {
	rng := rand.New(rand.NewSource(0x5eed))
	for i := 0; i < 1000; i++ {
		want := registers.Registers{
			B0: uint8(rng.Intn(16)),
			B1: uint8(rng.Intn(16)),
			C0: registers.Opcode(rng.Intn(256)),
			C1: uint8(rng.Intn(256)),
			C2: uint8(rng.Intn(256)),
			D0: uint16(rng.Intn(65536)),
			D1: uint16(rng.Intn(65536)),
		}
		got := registers.Unpack(registers.Pack(want))
		require.Equal(t, want, got)
	}
}

// Out-of-range status fields are truncated to their width by masking.
func TestRegisters__Pack__MasksOversizedFields(t *testing.T) {
	frame := registers.Pack(registers.Registers{B0: 0x7f, B1: 0x3a})
	got := registers.Unpack(frame)
	assert.EqualValues(t, 0xf, got.B0)
	assert.EqualValues(t, 0xa, got.B1)
}

func TestRegisters__Command__StatusFieldsZeroed(t *testing.T) {
	frame := registers.Command(registers.BlockXfer, 3, registers.XferRead, 5, 9)
	r := registers.Unpack(frame)

	assert.Zero(t, r.B0)
	assert.Zero(t, r.B1)
	assert.Equal(t, registers.BlockXfer, r.C0)
	assert.EqualValues(t, 3, r.C1)
	assert.EqualValues(t, registers.XferRead, r.C2)
	assert.EqualValues(t, 5, r.D0)
	assert.EqualValues(t, 9, r.D1)
}

func TestRegisters__VerifyResponse__Success(t *testing.T) {
	frame := registers.Pack(registers.Registers{
		B0: 1, B1: 1, C0: registers.DevProbe, D0: 0b101,
	})
	r, err := registers.VerifyResponse(frame, registers.DevProbe)
	require.NoError(t, err)
	assert.EqualValues(t, 0b101, r.D0)
}

func TestRegisters__VerifyResponse__ReportsEveryViolation(t *testing.T) {
	// B0, B1 and the opcode echo are all wrong at once.
	frame := registers.Command(registers.PowerOff, 0, 0, 0, 0)
	_, err := registers.VerifyResponse(frame, registers.PowerOn)
	require.Error(t, err)
	assert.ErrorIs(t, err, nimbus.ErrInvalidResponse)
	assert.Contains(t, err.Error(), "B0")
	assert.Contains(t, err.Error(), "B1")
	assert.Contains(t, err.Error(), "POWER_ON")
}

func TestRegisters__BlockXferHelpers(t *testing.T) {
	addr := nimbus.BlockAddr{Device: 5, Sector: 3, Block: 250}

	r := registers.Unpack(registers.ReadBlock(addr))
	assert.Equal(t, registers.BlockXfer, r.C0)
	assert.EqualValues(t, 5, r.C1)
	assert.Equal(t, registers.XferRead, r.C2)
	assert.EqualValues(t, 3, r.D0)
	assert.EqualValues(t, 250, r.D1)

	w := registers.Unpack(registers.WriteBlock(addr))
	assert.Equal(t, registers.XferWrite, w.C2)
}
