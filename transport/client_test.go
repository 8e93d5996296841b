package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbuckley/nimbus"
	"github.com/tbuckley/nimbus/filesys"
	"github.com/tbuckley/nimbus/geometry"
	"github.com/tbuckley/nimbus/registers"
	"github.com/tbuckley/nimbus/sim"
	"github.com/tbuckley/nimbus/transport"
)

// startServer hosts a simulated device array on a loopback listener and
// returns its address. The server winds down with the test.
func startServer(t *testing.T, slugs ...string) string {
	profiles := make([]geometry.Profile, len(slugs))
	for i, slug := range slugs {
		profile, err := geometry.Get(slug)
		require.NoError(t, err)
		profiles[i] = profile
	}
	array, err := sim.New(profiles...)
	require.NoError(t, err)

	listener, address, err := transport.ListenLocal()
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		err := transport.Serve(listener, array)
		if err != nil && !transport.IsClosedListener(err) {
			t.Errorf("server stopped unexpectedly: %s", err)
		}
	}()
	return address
}

func TestClient__Request__PowerOnOverTCP(t *testing.T) {
	address := startServer(t, "micro-2x8")
	client := transport.NewClient(address)
	defer client.Close()

	resp, err := client.Request(registers.Command(registers.PowerOn, 0, 0, 0, 0))
	require.NoError(t, err)
	_, err = registers.VerifyResponse(resp, registers.PowerOn)
	assert.NoError(t, err)
}

func TestClient__Request__ConnectionRefused(t *testing.T) {
	// Nothing listens here; the lazy connect must surface the failure.
	client := transport.NewClient("127.0.0.1:1")
	_, err := client.Request(registers.Command(registers.PowerOn, 0, 0, 0, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, nimbus.ErrTransportFailure)
}

func TestClient__RequestWrite__RejectsShortPayload(t *testing.T) {
	client := transport.NewClient("127.0.0.1:1")
	_, err := client.RequestWrite(
		registers.WriteBlock(nimbus.BlockAddr{}), make([]byte, 10))
	assert.ErrorIs(t, err, nimbus.ErrTransportFailure)
}

func TestClient__BlockXfer__RoundTripOverTCP(t *testing.T) {
	address := startServer(t, "micro-2x8")
	client := transport.NewClient(address)
	defer client.Close()

	_, err := client.Request(registers.Command(registers.PowerOn, 0, 0, 0, 0))
	require.NoError(t, err)

	addr := nimbus.BlockAddr{Device: 0, Sector: 0, Block: 2}
	want := make([]byte, nimbus.BlockSize)
	for i := range want {
		want[i] = byte(i)
	}

	resp, err := client.RequestWrite(registers.WriteBlock(addr), want)
	require.NoError(t, err)
	_, err = registers.VerifyResponse(resp, registers.BlockXfer)
	require.NoError(t, err)

	resp, payload, err := client.RequestRead(registers.ReadBlock(addr))
	require.NoError(t, err)
	_, err = registers.VerifyResponse(resp, registers.BlockXfer)
	require.NoError(t, err)
	assert.Equal(t, want, payload)
}

// The whole stack, end to end: file layer -> allocator -> cache -> TCP
// client -> server -> simulated devices.
func TestClient__FullSession__FileRoundTripOverTCP(t *testing.T) {
	address := startServer(t, "pocket-10x64", "micro-2x8")
	client := transport.NewClient(address)
	fs := filesys.New(client, filesys.WithCacheLines(8))

	fh, err := fs.Open("/net/hello.bin")
	require.NoError(t, err)

	want := make([]byte, 600)
	for i := range want {
		want[i] = byte(i * 7)
	}
	n, err := fs.Write(fh, want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)

	_, err = fs.Seek(fh, 0)
	require.NoError(t, err)
	got := make([]byte, len(want))
	n, err = fs.Read(fh, got)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	assert.Equal(t, want, got)

	stats, err := fs.Shutdown()
	require.NoError(t, err)
	assert.NotZero(t, stats.Misses, "cold blocks had to come over the wire")
}
