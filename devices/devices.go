// Package devices maintains the in-memory table of probed devices and the
// block allocation state on top of them. Each device is a sectors-by-blocks
// grid of 256-byte blocks; a file's contents are a singly-linked chain of
// blocks that may hop between devices, so every link carries all three
// coordinates.
package devices

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/registers"
	"github.com/tbuckley/nimbus/transport"
)

// Device is one initialized device: its geometry, a used-block bitmap, and
// the outgoing chain link of every block. Links are addressed by the flat
// index sector*blocks+block so records are plain values, never aliased
// pointers.
type Device struct {
	id      nimbus.DeviceID
	sectors uint16
	blocks  uint16

	used bitmap.Bitmap
	next []nimbus.Link
}

func (dev *Device) index(sector, block uint16) int {
	return int(sector)*int(dev.blocks) + int(block)
}

// Geometry returns the device's sector and block counts.
func (dev *Device) Geometry() (sectors, blocks uint16) {
	return dev.sectors, dev.blocks
}

// Table is the set of devices learned from one probe. Absent device slots
// hold nil. The table is not safe for concurrent use.
type Table struct {
	devs [nimbus.MaxDevices]*Device
}

// ProbeAndInit powers on the device array, probes for present devices, and
// initializes each one, learning its geometry from the DEVINIT response.
// Any transport failure or malformed response aborts initialization; there
// is no partial retry.
func ProbeAndInit(bus transport.Bus) (*Table, error) {
	resp, err := bus.Request(registers.Command(registers.PowerOn, 0, 0, 0, 0))
	if err != nil {
		return nil, nimbus.ErrTransportFailure.WithMessage("powering on").Wrap(err)
	}
	if _, err = registers.VerifyResponse(resp, registers.PowerOn); err != nil {
		return nil, err
	}

	resp, err = bus.Request(registers.Command(registers.DevProbe, 0, 0, 0, 0))
	if err != nil {
		return nil, nimbus.ErrTransportFailure.WithMessage("probing devices").Wrap(err)
	}
	probe, err := registers.VerifyResponse(resp, registers.DevProbe)
	if err != nil {
		return nil, err
	}

	// D0 carries the 16-bit presence bitmap, device 0 in the lowest bit.
	presence := bitmap.Bitmap([]byte{byte(probe.D0), byte(probe.D0 >> 8)})

	table := &Table{}
	for id := 0; id < nimbus.MaxDevices; id++ {
		if !presence.Get(id) {
			continue
		}

		resp, err = bus.Request(registers.Command(registers.DevInit, uint8(id), 0, 0, 0))
		if err != nil {
			return nil, nimbus.ErrTransportFailure.WithMessage(
				fmt.Sprintf("initializing device %d", id)).Wrap(err)
		}
		initResp, err := registers.VerifyResponse(resp, registers.DevInit)
		if err != nil {
			return nil, err
		}
		if initResp.D0 == 0 || initResp.D1 == 0 {
			return nil, nimbus.ErrInvalidResponse.WithMessage(fmt.Sprintf(
				"device %d reported degenerate geometry [%d:%d]",
				id, initResp.D0, initResp.D1))
		}

		total := int(initResp.D0) * int(initResp.D1)
		table.devs[id] = &Device{
			id:      nimbus.DeviceID(id),
			sectors: initResp.D0,
			blocks:  initResp.D1,
			used:    bitmap.New(total),
			next:    make([]nimbus.Link, total),
		}
	}
	return table, nil
}

// Device returns the device with the given id, or nil if absent.
func (t *Table) Device(id nimbus.DeviceID) *Device {
	if int(id) >= len(t.devs) {
		return nil
	}
	return t.devs[id]
}

// Present returns the ids of all initialized devices, ascending.
func (t *Table) Present() []nimbus.DeviceID {
	var ids []nimbus.DeviceID
	for id, dev := range t.devs {
		if dev != nil {
			ids = append(ids, nimbus.DeviceID(id))
		}
	}
	return ids
}

// FreeBlocks counts unallocated blocks across the whole table.
func (t *Table) FreeBlocks() uint {
	var free uint
	for _, dev := range t.devs {
		if dev == nil {
			continue
		}
		for i := range dev.next {
			if !dev.used.Get(i) {
				free++
			}
		}
	}
	return free
}

// Allocate hands out the first free block in device, then sector, then
// block order, marking it used. It fails with ErrStorageExhausted when no
// device has a free block, leaving the table unchanged.
func (t *Table) Allocate() (nimbus.BlockAddr, error) {
	for id, dev := range t.devs {
		if dev == nil {
			continue
		}
		for sector := uint16(0); sector < dev.sectors; sector++ {
			for block := uint16(0); block < dev.blocks; block++ {
				i := dev.index(sector, block)
				if dev.used.Get(i) {
					continue
				}
				dev.used.Set(i, true)
				dev.next[i] = nimbus.Link{}
				return nimbus.BlockAddr{
					Device: nimbus.DeviceID(id),
					Sector: sector,
					Block:  block,
				}, nil
			}
		}
	}
	return nimbus.BlockAddr{}, nimbus.ErrStorageExhausted
}

// record resolves addr to its device and flat index, failing on links that
// point at absent devices or outside their grid.
func (t *Table) record(addr nimbus.BlockAddr) (*Device, int, error) {
	dev := t.Device(addr.Device)
	if dev == nil {
		return nil, 0, nimbus.ErrChainCorruption.WithMessage(
			fmt.Sprintf("link points at absent device %d", addr.Device))
	}
	if addr.Sector >= dev.sectors || addr.Block >= dev.blocks {
		return nil, 0, nimbus.ErrChainCorruption.WithMessage(fmt.Sprintf(
			"link [%d/%d/%d] outside device grid [%d:%d]",
			addr.Device, addr.Sector, addr.Block, dev.sectors, dev.blocks))
	}
	return dev, dev.index(addr.Sector, addr.Block), nil
}

// Walk follows a file's chain from its first block to the block covering
// byte offset pos: one hop per 256 bytes. A missing link before the final
// hop means the chain is shorter than the caller believes, which is a
// corruption-class failure.
func (t *Table) Walk(first nimbus.Link, pos int64) (nimbus.BlockAddr, error) {
	cur := first
	hops := pos / nimbus.BlockSize
	for walked := int64(0); ; walked++ {
		if !cur.Ok {
			return nimbus.BlockAddr{}, nimbus.ErrChainCorruption.WithMessage(fmt.Sprintf(
				"chain ended after %d of %d hops resolving offset %d",
				walked, hops, pos))
		}
		if walked == hops {
			return cur.Addr, nil
		}
		dev, i, err := t.record(cur.Addr)
		if err != nil {
			return nimbus.BlockAddr{}, err
		}
		cur = dev.next[i]
	}
}

// Extend grows a file's chain by one block: it resolves the last allocated
// block of a file of the given size, allocates a fresh block, and links the
// two. Called exactly when a write leaves the position on a 256-byte
// boundary at the new end of file, so the next write always has a block
// waiting.
func (t *Table) Extend(first nimbus.Link, size int64) (nimbus.BlockAddr, error) {
	if size < 1 {
		return nimbus.BlockAddr{}, nimbus.ErrChainCorruption.WithMessage(
			"cannot extend a chain with no allocated blocks")
	}

	last, err := t.Walk(first, size-1)
	if err != nil {
		return nimbus.BlockAddr{}, err
	}

	fresh, err := t.Allocate()
	if err != nil {
		return nimbus.BlockAddr{}, err
	}

	dev, i, err := t.record(last)
	if err != nil {
		return nimbus.BlockAddr{}, err
	}
	dev.next[i] = nimbus.LinkTo(fresh)
	return fresh, nil
}

// Release frees every device's allocation state. The table is unusable
// afterwards; releasing twice is a no-op.
func (t *Table) Release() {
	for id, dev := range t.devs {
		if dev == nil {
			continue
		}
		dev.used = nil
		dev.next = nil
		t.devs[id] = nil
	}
}
