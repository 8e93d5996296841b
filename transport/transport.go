// Package transport defines the bus contract between the storage engine and
// the device array, plus a TCP client and server speaking the wire protocol:
// an 8-byte big-endian frame, optionally followed (writes) or preceded
// (read responses) by one 256-byte block payload.
package transport

import (
	"github.com/tbuckley/nimbus/registers"
)

// FrameWireSize is the size of one frame on the wire, in bytes.
const FrameWireSize = 8

// Bus delivers command frames to the device array and returns its response
// frames. Implementations own the connection lifecycle: a TCP client
// connects lazily on the first request and hangs up after a POWER_OFF
// exchange; an in-memory implementation may ignore lifecycle entirely.
//
// Callers pick the method matching the opcode's payload contract:
//
//   - Request for frame-only exchanges (power-on/off, probe, device-init)
//   - RequestWrite for BLOCK_XFER writes (payload follows the command)
//   - RequestRead for BLOCK_XFER reads (payload follows the response)
type Bus interface {
	Request(cmd registers.Frame) (registers.Frame, error)
	RequestWrite(cmd registers.Frame, payload []byte) (registers.Frame, error)
	RequestRead(cmd registers.Frame) (registers.Frame, []byte, error)

	// Close tears down any live connection without a POWER_OFF exchange.
	// It is a no-op on an already-closed bus.
	Close() error
}
