package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/registers"
)

// Serve hosts a device array (any Bus implementation, typically a
// simulator) on the given listener. Sessions are handled one at a time:
// the engine drives exactly one connection for its powered-on lifetime.
// Serve returns only when the listener fails.
//
// The response shape always matches the command's payload contract, even
// when the backing bus reports an error; in that case a frame with zeroed
// status fields is sent so the client's response verification fails.
func Serve(listener net.Listener, bus Bus) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		serveConn(conn, bus)
	}
}

func serveConn(conn net.Conn, bus Bus) {
	defer conn.Close()

	frameBuf := make([]byte, FrameWireSize)
	for {
		_, err := io.ReadFull(conn, frameBuf)
		if err != nil {
			// EOF here is the client hanging up between commands.
			return
		}
		cmd := registers.Frame(binary.BigEndian.Uint64(frameBuf))
		r := registers.Unpack(cmd)

		switch {
		case r.C0 == registers.BlockXfer && r.C2 == registers.XferWrite:
			payload := make([]byte, nimbus.BlockSize)
			if _, err = io.ReadFull(conn, payload); err != nil {
				return
			}
			resp, busErr := bus.RequestWrite(cmd, payload)
			if err = reply(conn, resp, busErr, r.C0, nil); err != nil {
				return
			}

		case r.C0 == registers.BlockXfer && r.C2 == registers.XferRead:
			resp, payload, busErr := bus.RequestRead(cmd)
			if payload == nil {
				payload = make([]byte, nimbus.BlockSize)
			}
			if err = reply(conn, resp, busErr, r.C0, payload); err != nil {
				return
			}

		default:
			resp, busErr := bus.Request(cmd)
			if err = reply(conn, resp, busErr, r.C0, nil); err != nil {
				return
			}
			if r.C0 == registers.PowerOff {
				// Session over; hang up and wait for the next client.
				return
			}
		}
	}
}

// reply writes the response frame, substituting a zero-status frame when
// the bus failed, followed by the payload when the contract requires one.
func reply(
	conn net.Conn,
	resp registers.Frame,
	busErr error,
	op registers.Opcode,
	payload []byte,
) error {
	if busErr != nil {
		resp = registers.Pack(registers.Registers{C0: op})
	}

	buf := make([]byte, FrameWireSize)
	putFrame(buf, resp)
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	if payload != nil {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ListenLocal opens a listener on 127.0.0.1 with an OS-assigned port and
// returns it along with its address. Intended for tests and local tooling.
func ListenLocal() (net.Listener, string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	return listener, listener.Addr().String(), nil
}

// IsClosedListener reports whether err is the error returned by Accept on
// a deliberately closed listener, which Serve surfaces at shutdown.
func IsClosedListener(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
