package btsocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type transition struct {
	from, to State
}

// recordingObserver collects transitions.
type recordingObserver struct {
	mu   sync.Mutex
	seen []transition
}

func (r *recordingObserver) OnStateChange(_ *Socket, from, to State) {
	r.mu.Lock()
	r.seen = append(r.seen, transition{from, to})
	r.mu.Unlock()
}

func (r *recordingObserver) transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.seen...)
}

func newTestAdapter(t *testing.T, svc Service) *Adapter {
	t.Helper()
	a, err := NewAdapter(svc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// TestNewAdapter verifies argument validation.
func TestNewAdapter(t *testing.T) {
	_, err := NewAdapter(nil, nil)
	assert.Error(t, err)

	_, err = NewAdapter(&fakeService{}, &Config{ByteOrder: "middle"})
	assert.Error(t, err)

	a, err := NewAdapter(&fakeService{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), a.Config())
	assert.NotNil(t, a.Service())
}

// TestAdapterFactories verifies the transport and flags each factory picks.
func TestAdapterFactories(t *testing.T) {
	a := newTestAdapter(t, &fakeService{})

	tests := []struct {
		name    string
		create  func() (*Socket, error)
		typ     TransportType
		flags   SecurityFlags
		channel int
	}{
		{"rfcomm", func() (*Socket, error) { return a.CreateRfcommSocket(testPeer, SerialPortUUID) }, StreamChannel, FlagAuth | FlagEncrypt, ChannelAuto},
		{"insecure rfcomm", func() (*Socket, error) { return a.CreateInsecureRfcommSocket(testPeer, SerialPortUUID) }, StreamChannel, 0, ChannelAuto},
		{"l2cap", func() (*Socket, error) { return a.CreateL2capChannel(testPeer, 0x1001) }, PacketChannel, FlagAuth | FlagEncrypt, 0x1001},
		{"insecure l2cap", func() (*Socket, error) { return a.CreateInsecureL2capChannel(testPeer, 0x1003) }, PacketChannel, 0, 0x1003},
		{"sco", func() (*Socket, error) { return a.CreateScoSocket(testPeer) }, VoiceChannel, FlagAuth | FlagEncrypt, ChannelAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.create()
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, tt.typ, s.ConnectionType())
			assert.Equal(t, tt.flags, s.SecurityFlags())
			assert.Equal(t, tt.channel, s.Channel())
			assert.Equal(t, testPeer, s.RemoteDevice())
			assert.Equal(t, StateInit, s.State())
		})
	}
}

// TestAdapterTracksSockets verifies open sockets are counted and closed
// together.
func TestAdapterTracksSockets(t *testing.T) {
	a := newTestAdapter(t, &fakeService{})

	s1, err := a.CreateInsecureRfcommSocket(testPeer, SerialPortUUID)
	require.NoError(t, err)
	s2, err := a.CreateScoSocket(testPeer)
	require.NoError(t, err)
	assert.Equal(t, 2, a.OpenSockets())

	s1.Close()
	assert.Equal(t, 1, a.OpenSockets())

	require.NoError(t, a.Close())
	assert.Equal(t, StateClosed, s2.State())
	assert.Zero(t, a.OpenSockets())

	_, err = a.CreateScoSocket(testPeer)
	assert.ErrorIs(t, err, ErrAdapterClosed)
	assert.NoError(t, a.Close(), "Close is idempotent")
}

// TestAdapterObservers verifies observers see every transition until they
// unregister.
func TestAdapterObservers(t *testing.T) {
	app, stack := socketPair(t, unix.SOCK_STREAM)
	closeOnCleanup(t, stack)
	a := newTestAdapter(t, &fakeService{connectFn: returnsFd(app)})

	obs := &recordingObserver{}
	unregister := a.RegisterObserver(obs)

	var funcCalls int
	unregisterFunc := a.RegisterObserver(StateObserverFunc(func(*Socket, State, State) { funcCalls++ }))

	s, err := a.CreateInsecureRfcommSocket(testPeer, SerialPortUUID)
	require.NoError(t, err)

	stackWriteChannel(t, stack, 4)
	stackSendSignal(t, stack, Signal{Address: testPeer, Channel: 4})
	require.NoError(t, s.Connect(context.Background()))

	unregisterFunc()
	unregisterFunc()
	s.Close()

	assert.Equal(t, []transition{
		{StateInit, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateClosed},
	}, obs.transitions())
	assert.Equal(t, 2, funcCalls)

	unregister()
	s2, err := a.CreateScoSocket(testPeer)
	require.NoError(t, err)
	s2.Close()
	assert.Len(t, obs.transitions(), 3)
}

// TestAdapterListen verifies a successful listen and the accepted socket's
// registration.
func TestAdapterListen(t *testing.T) {
	app, stack := socketPair(t, unix.SOCK_SEQPACKET)
	closeOnCleanup(t, stack)
	stackWriteChannel(t, stack, 9)

	a := newTestAdapter(t, &fakeService{listenFn: returnsFd(app)})
	obs := &recordingObserver{}
	a.RegisterObserver(obs)

	ss, err := a.ListenUsingRfcomm(context.Background(), "chat", testUUID)
	require.NoError(t, err)
	assert.Equal(t, 9, ss.Channel())
	assert.Equal(t, 9, ss.PSM())
	assert.Equal(t, "chat", ss.ServiceName())
	assert.Equal(t, testUUID, ss.ServiceUUID())
	assert.Equal(t, StateListening, ss.Socket().State())
	assert.Contains(t, ss.String(), "chat")

	x, y := socketPair(t, unix.SOCK_STREAM)
	closeOnCleanup(t, y)
	stackSendSignal(t, stack, Signal{Address: testPeer, Channel: 9}, x)
	unix.Close(x)

	c, err := ss.AcceptTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, a.OpenSockets())
	assert.Contains(t, obs.transitions(), transition{StateInit, StateConnected})

	require.NoError(t, ss.Close())
	require.NoError(t, ss.Close())
	assert.Equal(t, StateConnected, c.State(), "accepted sockets outlive the server socket")

	a.Close()
	assert.Equal(t, StateClosed, c.State())
}

// TestAdapterListenFailure verifies a failed bind closes the socket and
// reports the service status.
func TestAdapterListenFailure(t *testing.T) {
	svc := &fakeService{listenFn: returnsErr(&ServiceError{Op: "listen", Status: StatusAddrInUse})}
	a := newTestAdapter(t, svc)

	_, err := a.ListenUsingInsecureL2capChannel(context.Background())
	require.Error(t, err)

	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StatusAddrInUse, se.Status)
	assert.Equal(t, 1, svc.listens)
	assert.Zero(t, a.OpenSockets(), "the failed socket is closed")
}

// TestNewServerSocket verifies only Listening sockets are wrapped.
func TestNewServerSocket(t *testing.T) {
	s, err := NewSocket(&fakeService{}, SocketOptions{Type: StreamChannel})
	require.NoError(t, err)

	_, err = NewServerSocket(s)
	assert.ErrorIs(t, err, ErrNotListening)
}
