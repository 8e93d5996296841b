// Package filesys is the file translation layer: it maps file handles and
// byte offsets onto block-chain traversal, growing chains through the
// allocator and routing block transfers through the cache and the bus.
//
// A FileSystem session is single-threaded by design: every call completes
// its bus exchanges before returning, and the device table, file table and
// cache carry no internal locking. A concurrent caller must serialize
// access itself.
package filesys

import (
	"fmt"

	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/blockcache"
	"github.com/tbuckley/nimbus/devices"
	"github.com/tbuckley/nimbus/registers"
	"github.com/tbuckley/nimbus/transport"
)

// DefaultCacheLines is the cache capacity used when the session is not
// configured otherwise.
const DefaultCacheLines = 64

// Handle identifies an open or previously-open file. Handles start at 1
// and are assigned monotonically; 0 is never a valid handle.
type Handle int

type file struct {
	path   string
	pos    int64
	size   int64
	opened bool
	first  nimbus.Link
}

// FileSystem owns one session against a device array: the device table,
// the file table, and the block cache. Construct it with New; the device
// array is powered on and probed lazily, on the first Open.
type FileSystem struct {
	bus        transport.Bus
	table      *devices.Table
	cache      *blockcache.Cache
	files      []*file
	cacheLines int
	powered    bool
}

// Option configures a FileSystem at construction time.
type Option func(*FileSystem)

// WithCacheLines sets the block cache capacity, in 256-byte lines.
func WithCacheLines(n int) Option {
	return func(fs *FileSystem) {
		fs.cacheLines = n
	}
}

// New creates a session on the given bus. Nothing touches the bus until
// the first Open.
func New(bus transport.Bus, opts ...Option) *FileSystem {
	fs := &FileSystem{
		bus:        bus,
		cacheLines: DefaultCacheLines,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// powerOn probes the device array and sets up the cache. Runs once per
// session, triggered by the first Open.
func (fs *FileSystem) powerOn() error {
	table, err := devices.ProbeAndInit(fs.bus)
	if err != nil {
		return err
	}
	cache, err := blockcache.New(fs.cacheLines)
	if err != nil {
		return err
	}
	fs.table = table
	fs.cache = cache
	fs.powered = true
	return nil
}

// lookup validates a handle and requires the file to be open.
func (fs *FileSystem) lookup(fh Handle) (*file, error) {
	if fh < 1 || int(fh) > len(fs.files) {
		return nil, nimbus.ErrInvalidHandle.WithMessage(fmt.Sprintf("handle %d", fh))
	}
	f := fs.files[fh-1]
	if !f.opened {
		return nil, nimbus.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("handle %d (%s) is not open", fh, f.path))
	}
	return f, nil
}

// Open returns a handle for path, creating the file on first open. A path
// that is already open cannot be opened again; a closed path is reopened
// under its original handle with the position reset and size preserved.
func (fs *FileSystem) Open(path string) (Handle, error) {
	if !fs.powered {
		if err := fs.powerOn(); err != nil {
			return 0, err
		}
	}

	for i, f := range fs.files {
		if f.path != path {
			continue
		}
		if f.opened {
			return 0, nimbus.ErrAlreadyOpen.WithMessage(path)
		}
		f.pos = 0
		f.opened = true
		return Handle(i + 1), nil
	}

	fs.files = append(fs.files, &file{path: path, opened: true})
	return Handle(len(fs.files)), nil
}

// fetchBlock returns the 256-byte content of addr, consulting the cache
// first and populating it on a miss.
func (fs *FileSystem) fetchBlock(addr nimbus.BlockAddr) ([]byte, error) {
	if payload, hit := fs.cache.Lookup(addr); hit {
		return payload, nil
	}

	resp, payload, err := fs.bus.RequestRead(registers.ReadBlock(addr))
	if err != nil {
		return nil, nimbus.ErrTransportFailure.WithMessage(fmt.Sprintf(
			"reading block [%d/%d/%d]", addr.Device, addr.Sector, addr.Block)).Wrap(err)
	}
	if _, err = registers.VerifyResponse(resp, registers.BlockXfer); err != nil {
		return nil, err
	}
	if len(payload) != nimbus.BlockSize {
		return nil, nimbus.ErrTransportFailure.WithMessage(fmt.Sprintf(
			"short block payload: %d of %d bytes", len(payload), nimbus.BlockSize))
	}

	fs.cache.Insert(addr, payload)
	return payload, nil
}

// storeBlock writes a full block through the bus and updates the cache
// with the same content.
func (fs *FileSystem) storeBlock(addr nimbus.BlockAddr, payload []byte) error {
	resp, err := fs.bus.RequestWrite(registers.WriteBlock(addr), payload)
	if err != nil {
		return nimbus.ErrTransportFailure.WithMessage(fmt.Sprintf(
			"writing block [%d/%d/%d]", addr.Device, addr.Sector, addr.Block)).Wrap(err)
	}
	if _, err = registers.VerifyResponse(resp, registers.BlockXfer); err != nil {
		return err
	}
	fs.cache.Insert(addr, payload)
	return nil
}

// Read copies up to len(buf) bytes from the file's current position into
// buf, advancing the position. Reads are clamped to the end of the file;
// a position at end of file reads zero bytes.
func (fs *FileSystem) Read(fh Handle, buf []byte) (int, error) {
	f, err := fs.lookup(fh)
	if err != nil {
		return 0, err
	}

	if f.size == 0 {
		return 0, nil
	}
	length := int64(len(buf))
	if f.pos+length > f.size {
		length = f.size - f.pos
	}
	if length <= 0 {
		return 0, nil
	}

	var copied int64
	for copied < length {
		posInBlock := f.pos % nimbus.BlockSize

		addr, err := fs.table.Walk(f.first, f.pos)
		if err != nil {
			return int(copied), err
		}
		payload, err := fs.fetchBlock(addr)
		if err != nil {
			return int(copied), err
		}

		n := nimbus.BlockSize - posInBlock
		if remaining := length - copied; n > remaining {
			n = remaining
		}
		copy(buf[copied:copied+n], payload[posInBlock:posInBlock+n])
		f.pos += n
		copied += n
	}
	return int(copied), nil
}

// Write stores data at the file's current position, advancing it. Blocks
// touched partially are read first so bytes outside the written range
// survive; every touched block goes out over the bus and into the cache
// (write-through). Growing the file past a block boundary pre-allocates
// the next block, so the chain always stays one block ahead of the size.
func (fs *FileSystem) Write(fh Handle, data []byte) (int, error) {
	f, err := fs.lookup(fh)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}

	if !f.first.Ok {
		addr, err := fs.table.Allocate()
		if err != nil {
			return 0, err
		}
		f.first = nimbus.LinkTo(addr)
	}

	length := int64(len(data))
	var copied int64
	for copied < length {
		posInBlock := f.pos % nimbus.BlockSize

		addr, err := fs.table.Walk(f.first, f.pos)
		if err != nil {
			return int(copied), err
		}
		payload, err := fs.fetchBlock(addr)
		if err != nil {
			return int(copied), err
		}

		n := nimbus.BlockSize - posInBlock
		if remaining := length - copied; n > remaining {
			n = remaining
		}
		copy(payload[posInBlock:posInBlock+n], data[copied:copied+n])

		if err = fs.storeBlock(addr, payload); err != nil {
			return int(copied), err
		}

		f.pos += n
		copied += n

		if f.pos >= f.size {
			f.size = f.pos
			if f.pos%nimbus.BlockSize == 0 {
				if _, err = fs.table.Extend(f.first, f.size); err != nil {
					return int(copied), err
				}
			}
		}
	}
	return int(copied), nil
}

// Seek moves the file position to off, which must lie inside [0, size].
// It returns the new position.
func (fs *FileSystem) Seek(fh Handle, off int64) (int64, error) {
	f, err := fs.lookup(fh)
	if err != nil {
		return 0, err
	}
	if off < 0 || off > f.size {
		return 0, nimbus.ErrOutOfRange.WithMessage(fmt.Sprintf(
			"offset %d not in [0, %d]", off, f.size))
	}
	f.pos = off
	return f.pos, nil
}

// Close marks the file closed. Its handle, size, and blocks survive for
// the rest of the session; reopening the path picks them back up.
func (fs *FileSystem) Close(fh Handle) error {
	f, err := fs.lookup(fh)
	if err != nil {
		return err
	}
	f.opened = false
	return nil
}

// Size reports the file's size in bytes. The handle must be open.
func (fs *FileSystem) Size(fh Handle) (int64, error) {
	f, err := fs.lookup(fh)
	if err != nil {
		return 0, err
	}
	return f.size, nil
}

// CacheStats returns the cache counters accumulated so far.
func (fs *FileSystem) CacheStats() blockcache.Stats {
	if fs.cache == nil {
		return blockcache.Stats{}
	}
	return fs.cache.Stats()
}

// Shutdown closes every still-open handle, releases the device table,
// powers the array off, and closes the cache, returning its final
// counters. Any failure closing a file or completing the power-off
// exchange aborts the remaining steps.
func (fs *FileSystem) Shutdown() (blockcache.Stats, error) {
	if !fs.powered {
		return blockcache.Stats{}, nil
	}

	for i, f := range fs.files {
		if !f.opened {
			continue
		}
		if err := fs.Close(Handle(i + 1)); err != nil {
			return fs.CacheStats(), err
		}
	}

	fs.table.Release()

	resp, err := fs.bus.Request(registers.Command(registers.PowerOff, 0, 0, 0, 0))
	if err != nil {
		return fs.CacheStats(), nimbus.ErrTransportFailure.WithMessage("powering off").Wrap(err)
	}
	if _, err = registers.VerifyResponse(resp, registers.PowerOff); err != nil {
		return fs.CacheStats(), err
	}

	stats := fs.cache.Close()
	fs.powered = false
	return stats, nil
}
