package devices_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/devices"
	"github.com/tbuckley/nimbus/geometry"
	"github.com/tbuckley/nimbus/sim"
)

func mustProfile(t *testing.T, slug string) geometry.Profile {
	profile, err := geometry.Get(slug)
	require.NoError(t, err)
	return profile
}

func newTable(t *testing.T, slugs ...string) *devices.Table {
	profiles := make([]geometry.Profile, len(slugs))
	for i, slug := range slugs {
		profiles[i] = mustProfile(t, slug)
	}
	array, err := sim.New(profiles...)
	require.NoError(t, err)
	table, err := devices.ProbeAndInit(array)
	require.NoError(t, err)
	return table
}

func TestTable__ProbeAndInit__LearnsGeometry(t *testing.T) {
	table := newTable(t, "pocket-10x64", "micro-2x8")

	assert.Equal(
		t, []nimbus.DeviceID{0, 1}, table.Present(), "wrong devices present")

	sectors, blocks := table.Device(0).Geometry()
	assert.EqualValues(t, 10, sectors)
	assert.EqualValues(t, 64, blocks)

	sectors, blocks = table.Device(1).Geometry()
	assert.EqualValues(t, 2, sectors)
	assert.EqualValues(t, 8, blocks)

	assert.Nil(t, table.Device(2), "device 2 was never probed")
	assert.EqualValues(t, 10*64+2*8, table.FreeBlocks())
}

func TestTable__ProbeAndInit__SparseBitmap(t *testing.T) {
	array, err := sim.NewSparse(map[nimbus.DeviceID]geometry.Profile{
		3:  mustProfile(t, "micro-1x4"),
		11: mustProfile(t, "micro-2x8"),
	})
	require.NoError(t, err)

	table, err := devices.ProbeAndInit(array)
	require.NoError(t, err)
	assert.Equal(t, []nimbus.DeviceID{3, 11}, table.Present())
	assert.Nil(t, table.Device(0))
}

func TestTable__ProbeAndInit__TransportFailureAborts(t *testing.T) {
	array, err := sim.New(mustProfile(t, "micro-1x4"))
	require.NoError(t, err)
	array.Fault = assert.AnError

	_, err = devices.ProbeAndInit(array)
	require.Error(t, err)
	assert.ErrorIs(t, err, nimbus.ErrTransportFailure)
}

func TestTable__Allocate__FirstFitOrder(t *testing.T) {
	table := newTable(t, "micro-2x8")

	first, err := table.Allocate()
	require.NoError(t, err)
	assert.Equal(t, nimbus.BlockAddr{Device: 0, Sector: 0, Block: 0}, first)

	second, err := table.Allocate()
	require.NoError(t, err)
	assert.Equal(t, nimbus.BlockAddr{Device: 0, Sector: 0, Block: 1}, second)

	// Burn the rest of sector 0; the next grant moves to sector 1.
	for i := 0; i < 6; i++ {
		_, err = table.Allocate()
		require.NoError(t, err)
	}
	ninth, err := table.Allocate()
	require.NoError(t, err)
	assert.Equal(t, nimbus.BlockAddr{Device: 0, Sector: 1, Block: 0}, ninth)
}

func TestTable__Allocate__SpillsToNextDevice(t *testing.T) {
	table := newTable(t, "micro-1x4", "micro-1x4")

	for i := 0; i < 4; i++ {
		addr, err := table.Allocate()
		require.NoError(t, err)
		assert.EqualValues(t, 0, addr.Device)
	}
	addr, err := table.Allocate()
	require.NoError(t, err)
	assert.Equal(t, nimbus.BlockAddr{Device: 1, Sector: 0, Block: 0}, addr)
}

func TestTable__Allocate__ExhaustionLeavesTableUnchanged(t *testing.T) {
	table := newTable(t, "micro-1x4")

	for i := 0; i < 4; i++ {
		_, err := table.Allocate()
		require.NoError(t, err)
	}
	require.Zero(t, table.FreeBlocks())

	_, err := table.Allocate()
	require.Error(t, err)
	assert.ErrorIs(t, err, nimbus.ErrStorageExhausted)
	assert.Zero(t, table.FreeBlocks(), "failed allocation must not alter the table")

	// Failing again behaves the same.
	_, err = table.Allocate()
	assert.ErrorIs(t, err, nimbus.ErrStorageExhausted)
}

func TestTable__Walk__FollowsChainAcrossDevices(t *testing.T) {
	table := newTable(t, "micro-1x4", "micro-1x4")

	// Build a 5-block chain by hand; block 5 lands on device 1.
	first, err := table.Allocate()
	require.NoError(t, err)
	chain := nimbus.LinkTo(first)

	addrs := []nimbus.BlockAddr{first}
	for size := int64(256); len(addrs) < 5; size += 256 {
		addr, err := table.Extend(chain, size)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	assert.EqualValues(t, 1, addrs[4].Device, "fifth block should spill to device 1")

	for i, want := range addrs {
		got, err := table.Walk(chain, int64(i)*256)
		require.NoError(t, err)
		assert.Equal(t, want, got, "walk to block %d landed wrong", i)

		// Any offset inside the same block resolves identically.
		got, err = table.Walk(chain, int64(i)*256+255)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTable__Walk__MissingLinkIsCorruption(t *testing.T) {
	table := newTable(t, "micro-2x8")

	first, err := table.Allocate()
	require.NoError(t, err)

	_, err = table.Walk(nimbus.LinkTo(first), 256)
	require.Error(t, err)
	assert.ErrorIs(t, err, nimbus.ErrChainCorruption)

	_, err = table.Walk(nimbus.Link{}, 0)
	assert.ErrorIs(t, err, nimbus.ErrChainCorruption, "absent first link must fail")
}

func TestTable__Extend__ExhaustionPropagates(t *testing.T) {
	table := newTable(t, "micro-1x4")

	first, err := table.Allocate()
	require.NoError(t, err)
	chain := nimbus.LinkTo(first)

	for size := int64(256); size <= 3*256; size += 256 {
		_, err = table.Extend(chain, size)
		require.NoError(t, err)
	}

	_, err = table.Extend(chain, 4*256)
	assert.ErrorIs(t, err, nimbus.ErrStorageExhausted)
}

func TestTable__Release__Idempotent(t *testing.T) {
	table := newTable(t, "micro-1x4")
	table.Release()
	assert.Empty(t, table.Present())
	assert.Zero(t, table.FreeBlocks())
	table.Release()
}
