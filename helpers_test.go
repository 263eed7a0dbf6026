package btsocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testPeer is a remote address used across tests.
var testPeer = MustParseAddress("AA:BB:CC:DD:EE:FF")

// socketPair returns a connected pair of raw descriptors of the given type.
// Both are closed when the test ends unless the caller hands one off with
// detach.
func socketPair(t *testing.T, typ int) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err, "socketpair")
	return fds[0], fds[1]
}

// closeOnCleanup closes fd when the test ends, ignoring errors.
func closeOnCleanup(t *testing.T, fd int) {
	t.Cleanup(func() { unix.Close(fd) })
}

// sockType picks the pair type a stack would use for transport tt.
func sockType(tt TransportType) int {
	if tt == StreamChannel {
		return unix.SOCK_STREAM
	}
	return unix.SOCK_SEQPACKET
}

// stackWriteChannel writes a channel prefix into fd as the stack does.
func stackWriteChannel(t *testing.T, fd int, ch int32) {
	t.Helper()
	_, err := unix.Write(fd, DefaultSignalCodec.EncodeChannel(ch))
	require.NoError(t, err, "write channel prefix")
}

// stackSendSignal writes a signal into fd, optionally passing rights.
func stackSendSignal(t *testing.T, fd int, sig Signal, rights ...int) {
	t.Helper()
	var oob []byte
	if len(rights) > 0 {
		oob = unix.UnixRights(rights...)
	}
	err := unix.Sendmsg(fd, DefaultSignalCodec.Encode(sig), oob, nil, 0)
	require.NoError(t, err, "send signal")
}

// connectCall records one ConnectSocket invocation.
type connectCall struct {
	peer    Address
	t       TransportType
	id      uuid.UUID
	channel int
	flags   SecurityFlags
}

// fakeService is a Service whose answers are supplied by the test.
type fakeService struct {
	mu sync.Mutex

	connectFn func() (int, error)
	listenFn  func() (int, error)

	connects []connectCall
	listens  int
}

func (f *fakeService) ConnectSocket(ctx context.Context, peer Address, t TransportType, id uuid.UUID, channel int, flags SecurityFlags) (int, error) {
	f.mu.Lock()
	f.connects = append(f.connects, connectCall{peer: peer, t: t, id: id, channel: channel, flags: flags})
	fn := f.connectFn
	f.mu.Unlock()
	if fn == nil {
		return -1, nil
	}
	return fn()
}

func (f *fakeService) CreateSocketChannel(ctx context.Context, t TransportType, serviceName string, id uuid.UUID, channel int, flags SecurityFlags) (int, error) {
	f.mu.Lock()
	f.listens++
	fn := f.listenFn
	f.mu.Unlock()
	if fn == nil {
		return -1, nil
	}
	return fn()
}

// returnsFd makes a service answer with fd.
func returnsFd(fd int) func() (int, error) {
	return func() (int, error) { return fd, nil }
}

// returnsErr makes a service answer with err.
func returnsErr(err error) func() (int, error) {
	return func() (int, error) { return -1, err }
}

// waitFor fails the test if done is not closed within d.
func waitFor(t *testing.T, done <-chan struct{}, d time.Duration, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for %s", what)
	}
}
