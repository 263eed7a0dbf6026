package btsocket

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestEndpoint wraps one end of a fresh pair; the other end is returned
// raw and closed at cleanup.
func newTestEndpoint(t *testing.T, typ int) (*Endpoint, int) {
	t.Helper()
	a, b := socketPair(t, typ)
	closeOnCleanup(t, b)
	ep := NewEndpoint(a)
	t.Cleanup(func() { ep.Close() })
	return ep, b
}

// TestEndpointReadExact covers complete, empty and truncated fixed reads.
func TestEndpointReadExact(t *testing.T) {
	tests := []struct {
		name    string
		send    []byte
		want    int
		wantErr error
	}{
		{name: "complete", send: seq(20), want: 20},
		{name: "eof before first byte", send: nil, want: 20, wantErr: io.EOF},
		{name: "eof partway", send: seq(7), want: 20, wantErr: ErrShortRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, peer := newTestEndpoint(t, unix.SOCK_STREAM)

			if len(tt.send) > 0 {
				_, err := unix.Write(peer, tt.send)
				require.NoError(t, err)
			}
			require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))

			buf := make([]byte, tt.want)
			err := ep.ReadExact(buf)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.send, buf)
		})
	}
}

// TestEndpointReadExactAcrossWrites verifies ReadExact loops over short reads.
func TestEndpointReadExactAcrossWrites(t *testing.T) {
	ep, peer := newTestEndpoint(t, unix.SOCK_STREAM)

	go func() {
		for _, chunk := range [][]byte{{1, 2}, {3}, {4, 5, 6}} {
			unix.Write(peer, chunk)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	buf := make([]byte, 6)
	require.NoError(t, ep.ReadExact(buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, buf)
}

// TestEndpointReadSome verifies single reads on a packet descriptor.
func TestEndpointReadSome(t *testing.T) {
	ep, peer := newTestEndpoint(t, unix.SOCK_SEQPACKET)

	_, err := unix.Write(peer, seq(30))
	require.NoError(t, err)
	_, err = unix.Write(peer, seq(5))
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := ep.ReadSome(buf)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	n, err = ep.ReadSome(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = ep.ReadSome(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	unix.Shutdown(peer, unix.SHUT_WR)
	_, err = ep.ReadSome(buf)
	assert.ErrorIs(t, err, io.EOF)
}

// TestEndpointWriteAll verifies a large write arrives intact.
func TestEndpointWriteAll(t *testing.T) {
	ep, peer := newTestEndpoint(t, unix.SOCK_STREAM)

	payload := seq(256 * 1024)
	errc := make(chan error, 1)
	go func() { errc <- ep.WriteAll(payload) }()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 32*1024)
	for len(got) < len(payload) {
		n, err := unix.Read(peer, buf)
		require.NoError(t, err)
		require.NotZero(t, n)
		got = append(got, buf[:n]...)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, payload, got)
}

// TestEndpointWriteAfterPeerClose verifies EPIPE surfaces as ErrIO without
// raising SIGPIPE.
func TestEndpointWriteAfterPeerClose(t *testing.T) {
	a, b := socketPair(t, unix.SOCK_STREAM)
	ep := NewEndpoint(a)
	defer ep.Close()
	unix.Close(b)

	err := ep.WriteAll([]byte("hello"))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, unix.EPIPE)
}

// TestEndpointReadTimeout verifies the receive timeout and its reset.
func TestEndpointReadTimeout(t *testing.T) {
	ep, peer := newTestEndpoint(t, unix.SOCK_STREAM)

	require.NoError(t, ep.SetReadTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := ep.ReadSome(make([]byte, 4))
	require.Error(t, err)

	var te *TimeoutError
	assert.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, ep.SetReadTimeout(0))
	go func() {
		time.Sleep(100 * time.Millisecond)
		unix.Write(peer, []byte{9})
	}()
	buf := make([]byte, 1)
	n, err := ep.ReadSome(buf)
	require.NoError(t, err, "reset timeout must block until data arrives")
	assert.Equal(t, 1, n)
}

// TestEndpointCloseUnblocksReader verifies Close wakes a blocked read with
// end-of-stream and later operations fail.
func TestEndpointCloseUnblocksReader(t *testing.T) {
	ep, _ := newTestEndpoint(t, unix.SOCK_STREAM)

	errc := make(chan error, 1)
	go func() {
		_, err := ep.ReadSome(make([]byte, 8))
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ep.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock the reader")
	}

	_, err := ep.ReadSome(make([]byte, 8))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.ErrorIs(t, ep.WriteAll([]byte{1}), net.ErrClosed)
	_, err = ep.Available()
	assert.ErrorIs(t, err, net.ErrClosed)

	assert.NoError(t, ep.Close(), "Close is idempotent")
}

// TestEndpointAvailable verifies the kernel queue length is reported.
func TestEndpointAvailable(t *testing.T) {
	ep, peer := newTestEndpoint(t, unix.SOCK_STREAM)

	n, err := ep.Available()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = unix.Write(peer, seq(13))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := ep.Available()
		return err == nil && n == 13
	}, time.Second, 10*time.Millisecond)
}

// TestEndpointReadExactWithRights verifies a passed descriptor is received
// and usable.
func TestEndpointReadExactWithRights(t *testing.T) {
	ep, peer := newTestEndpoint(t, unix.SOCK_SEQPACKET)

	x, y := socketPair(t, unix.SOCK_STREAM)
	closeOnCleanup(t, y)

	sig := Signal{Address: testPeer, Channel: 4, MaxTxPacketSize: 10, MaxRxPacketSize: 20}
	stackSendSignal(t, peer, sig, x)
	unix.Close(x)

	buf := make([]byte, SignalSize)
	fds, err := ep.ReadExactWithRights(buf)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	defer closeAll(fds)

	got, err := DecodeSignal(buf)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = unix.Write(fds[0], []byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	n, err := unix.Read(y, reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply[:n]))
}

// TestEndpointReadExactWithoutRights verifies a plain record yields no descriptors.
func TestEndpointReadExactWithoutRights(t *testing.T) {
	ep, peer := newTestEndpoint(t, unix.SOCK_SEQPACKET)

	stackSendSignal(t, peer, Signal{Address: testPeer})

	fds, err := ep.ReadExactWithRights(make([]byte, SignalSize))
	require.NoError(t, err)
	assert.Empty(t, fds)
}
