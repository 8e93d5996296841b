// Package nimbus implements a virtual block-storage engine that presents a
// POSIX-like file API on top of an array of network-attached block devices.
//
// The root package defines the addressing types shared by every layer. The
// actual machinery lives in the subpackages: registers (the 64-bit command
// word codec), transport (the bus contract plus a TCP client/server pair),
// blockcache (an LRU cache of device blocks), devices (the device table and
// block allocator), and filesys (the file translation layer tying it all
// together).
package nimbus

// BlockSize is the payload capacity of a single device block, in bytes.
// Every block transfer on the bus moves exactly this many bytes.
const BlockSize = 256

// MaxDevices is the width of the probe bitmap, and therefore the highest
// number of devices a single bus can expose.
const MaxDevices = 16

// DeviceID identifies one device on the bus, in the range [0, MaxDevices).
type DeviceID uint8

// BlockAddr identifies one block on one device.
type BlockAddr struct {
	Device DeviceID
	Sector uint16
	Block  uint16
}

// Link is a "maybe a BlockAddr" value, used for chain links and for a
// file's first-block address. The zero value is an absent link.
type Link struct {
	Addr BlockAddr
	Ok   bool
}

// LinkTo returns a present link to addr.
func LinkTo(addr BlockAddr) Link {
	return Link{Addr: addr, Ok: true}
}
