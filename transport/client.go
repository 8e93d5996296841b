package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/noxer/bytewriter"
	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/registers"
)

// DefaultAddress is where a locally hosted device array listens.
const DefaultAddress = "127.0.0.1:19700"

// Client is a Bus backed by a single TCP connection. The connection is
// established lazily on the first request and closed after a POWER_OFF
// command completes its exchange, mirroring the device array's session
// model: one connection for the powered-on lifetime.
type Client struct {
	address string
	conn    net.Conn
}

// NewClient returns a client for the device array at the given TCP address.
// No connection is made until the first request.
func NewClient(address string) *Client {
	if address == "" {
		address = DefaultAddress
	}
	return &Client{address: address}
}

func (c *Client) ensureConnected() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nimbus.ErrTransportFailure.Wrap(err)
	}
	c.conn = conn
	return nil
}

// putFrame serializes a frame into an 8-byte wire buffer.
func putFrame(buf []byte, frame registers.Frame) {
	w := bytewriter.New(buf)
	binary.Write(w, binary.BigEndian, uint64(frame))
}

func (c *Client) writeFrame(frame registers.Frame) error {
	buf := make([]byte, FrameWireSize)
	putFrame(buf, frame)
	if _, err := c.conn.Write(buf); err != nil {
		return nimbus.ErrTransportFailure.WithMessage("writing command frame").Wrap(err)
	}
	return nil
}

func (c *Client) readFrame() (registers.Frame, error) {
	buf := make([]byte, FrameWireSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return 0, nimbus.ErrTransportFailure.WithMessage("reading response frame").Wrap(err)
	}
	return registers.Frame(binary.BigEndian.Uint64(buf)), nil
}

// exchange runs one command/response cycle. payloadOut, if non-nil, is sent
// immediately after the command frame; if wantPayload is true, a 256-byte
// payload is read immediately after the response frame.
func (c *Client) exchange(
	cmd registers.Frame,
	payloadOut []byte,
	wantPayload bool,
) (registers.Frame, []byte, error) {
	err := c.ensureConnected()
	if err != nil {
		return 0, nil, err
	}

	if err = c.writeFrame(cmd); err != nil {
		return 0, nil, err
	}

	if payloadOut != nil {
		if _, err = c.conn.Write(payloadOut); err != nil {
			return 0, nil, nimbus.ErrTransportFailure.WithMessage("writing block payload").Wrap(err)
		}
	}

	resp, err := c.readFrame()
	if err != nil {
		return 0, nil, err
	}

	var payloadIn []byte
	if wantPayload {
		payloadIn = make([]byte, nimbus.BlockSize)
		if _, err = io.ReadFull(c.conn, payloadIn); err != nil {
			return 0, nil, nimbus.ErrTransportFailure.WithMessage("reading block payload").Wrap(err)
		}
	}

	// A completed POWER_OFF exchange ends the session; the server hangs up
	// on its side as well.
	if registers.Unpack(cmd).C0 == registers.PowerOff {
		c.Close()
	}
	return resp, payloadIn, nil
}

func (c *Client) Request(cmd registers.Frame) (registers.Frame, error) {
	resp, _, err := c.exchange(cmd, nil, false)
	return resp, err
}

func (c *Client) RequestWrite(cmd registers.Frame, payload []byte) (registers.Frame, error) {
	if len(payload) != nimbus.BlockSize {
		return 0, nimbus.ErrTransportFailure.WithMessage(
			fmt.Sprintf("payload must be %d bytes, got %d", nimbus.BlockSize, len(payload)))
	}
	resp, _, err := c.exchange(cmd, payload, false)
	return resp, err
}

func (c *Client) RequestRead(cmd registers.Frame) (registers.Frame, []byte, error) {
	return c.exchange(cmd, nil, true)
}

// Close drops the connection, if any. The next request reconnects.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return nimbus.ErrTransportFailure.Wrap(err)
	}
	return nil
}
