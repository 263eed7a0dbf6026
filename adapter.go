package btsocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StateObserver is notified of every socket state transition made through
// an Adapter. Callbacks run synchronously on the goroutine that made the
// transition, never with a socket lock held, and must not block.
type StateObserver interface {
	OnStateChange(s *Socket, from, to State)
}

// StateObserverFunc adapts a function to StateObserver.
type StateObserverFunc func(s *Socket, from, to State)

// OnStateChange calls f.
func (f StateObserverFunc) OnStateChange(s *Socket, from, to State) { f(s, from, to) }

// Adapter is the explicit context a process uses to reach the Bluetooth
// service. It creates sockets, keeps track of the ones still open so they
// can be torn down together, and fans state transitions out to observers.
//
// There is no package-level adapter; create one per Service.
type Adapter struct {
	svc Service
	cfg *Config

	// Open sockets
	sockets sync.Map // map[uint64]*Socket
	nextID  atomic.Uint64

	obsMu     sync.RWMutex
	observers map[uint64]StateObserver
	nextObs   uint64

	mu     sync.Mutex
	closed bool
}

// NewAdapter creates an adapter for svc. A nil cfg means DefaultConfig.
func NewAdapter(svc Service, cfg *Config) (*Adapter, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Adapter{
		svc:       svc,
		cfg:       cfg,
		observers: make(map[uint64]StateObserver),
	}, nil
}

// Service returns the service the adapter talks to.
func (a *Adapter) Service() Service {
	return a.svc
}

// Config returns the adapter's configuration. It must not be modified.
func (a *Adapter) Config() *Config {
	return a.cfg
}

// RegisterObserver adds o and returns a function that removes it again.
// The returned function is idempotent.
func (a *Adapter) RegisterObserver(o StateObserver) (unregister func()) {
	a.obsMu.Lock()
	a.nextObs++
	id := a.nextObs
	a.observers[id] = o
	a.obsMu.Unlock()

	log.Debug().Uint64("observer", id).Msg("registered state observer")

	var once sync.Once
	return func() {
		once.Do(func() {
			a.obsMu.Lock()
			delete(a.observers, id)
			a.obsMu.Unlock()
			log.Debug().Uint64("observer", id).Msg("unregistered state observer")
		})
	}
}

// notifyState delivers one transition to every observer.
func (a *Adapter) notifyState(s *Socket, from, to State) {
	a.obsMu.RLock()
	observers := make([]StateObserver, 0, len(a.observers))
	for _, o := range a.observers {
		observers = append(observers, o)
	}
	a.obsMu.RUnlock()

	for _, o := range observers {
		o.OnStateChange(s, from, to)
	}
}

// register tracks s until it closes. Sockets created after Close are
// closed immediately.
func (a *Adapter) register(s *Socket) {
	s.id = a.nextID.Add(1)
	a.sockets.Store(s.id, s)

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		s.Close()
		return
	}

	log.Debug().
		Uint64("socket", s.id).
		Str("type", s.typ.String()).
		Msg("registered socket")
}

// unregister stops tracking s.
func (a *Adapter) unregister(s *Socket) {
	a.sockets.Delete(s.id)
	log.Debug().Uint64("socket", s.id).Msg("unregistered socket")
}

// OpenSockets returns the number of sockets created through the adapter
// that have not been closed yet.
func (a *Adapter) OpenSockets() int {
	count := 0
	a.sockets.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// NewSocket creates a socket with explicit options.
func (a *Adapter) NewSocket(opts SocketOptions) (*Socket, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, ErrAdapterClosed
	}

	s, err := newSocket(a, a.svc, a.cfg, opts)
	if err != nil {
		return nil, err
	}
	a.register(s)
	return s, nil
}

// CreateRfcommSocket creates an authenticated, encrypted stream socket to
// the service identified by id on dev. The channel is resolved by the
// stack during Connect.
func (a *Adapter) CreateRfcommSocket(dev Address, id uuid.UUID) (*Socket, error) {
	return a.NewSocket(SocketOptions{
		Type:     StreamChannel,
		Remote:   dev,
		Channel:  ChannelAuto,
		UUID:     id,
		Security: SecureOptions(),
	})
}

// CreateInsecureRfcommSocket is CreateRfcommSocket without authentication
// or encryption.
func (a *Adapter) CreateInsecureRfcommSocket(dev Address, id uuid.UUID) (*Socket, error) {
	return a.NewSocket(SocketOptions{
		Type:     StreamChannel,
		Remote:   dev,
		Channel:  ChannelAuto,
		UUID:     id,
		Security: InsecureOptions(),
	})
}

// CreateL2capChannel creates an authenticated, encrypted packet socket to
// psm on dev.
func (a *Adapter) CreateL2capChannel(dev Address, psm int) (*Socket, error) {
	return a.NewSocket(SocketOptions{
		Type:     PacketChannel,
		Remote:   dev,
		Channel:  psm,
		Security: SecureOptions(),
	})
}

// CreateInsecureL2capChannel is CreateL2capChannel without authentication
// or encryption.
func (a *Adapter) CreateInsecureL2capChannel(dev Address, psm int) (*Socket, error) {
	return a.NewSocket(SocketOptions{
		Type:     PacketChannel,
		Remote:   dev,
		Channel:  psm,
		Security: InsecureOptions(),
	})
}

// CreateScoSocket creates a voice socket to dev.
func (a *Adapter) CreateScoSocket(dev Address) (*Socket, error) {
	return a.NewSocket(SocketOptions{
		Type:     VoiceChannel,
		Remote:   dev,
		Channel:  ChannelAuto,
		Security: SecureOptions(),
	})
}

// ListenUsingRfcomm registers an authenticated, encrypted stream service
// record named name with class id and returns a listening server socket.
func (a *Adapter) ListenUsingRfcomm(ctx context.Context, name string, id uuid.UUID) (*ServerSocket, error) {
	return a.Listen(ctx, SocketOptions{
		Type:        StreamChannel,
		Channel:     ChannelAuto,
		UUID:        id,
		ServiceName: name,
		Security:    SecureOptions(),
	})
}

// ListenUsingInsecureRfcomm is ListenUsingRfcomm without authentication or
// encryption.
func (a *Adapter) ListenUsingInsecureRfcomm(ctx context.Context, name string, id uuid.UUID) (*ServerSocket, error) {
	return a.Listen(ctx, SocketOptions{
		Type:        StreamChannel,
		Channel:     ChannelAuto,
		UUID:        id,
		ServiceName: name,
		Security:    InsecureOptions(),
	})
}

// ListenUsingL2capChannel listens on a packet channel. The PSM is assigned
// by the stack; read it back with ServerSocket.Channel.
func (a *Adapter) ListenUsingL2capChannel(ctx context.Context) (*ServerSocket, error) {
	return a.Listen(ctx, SocketOptions{
		Type:     PacketChannel,
		Channel:  ChannelAuto,
		Security: SecureOptions(),
	})
}

// ListenUsingInsecureL2capChannel is ListenUsingL2capChannel without
// authentication or encryption.
func (a *Adapter) ListenUsingInsecureL2capChannel(ctx context.Context) (*ServerSocket, error) {
	return a.Listen(ctx, SocketOptions{
		Type:     PacketChannel,
		Channel:  ChannelAuto,
		Security: InsecureOptions(),
	})
}

// Listen creates a socket from opts and binds it. On a nonzero bind status
// the socket is closed and a *ServiceError carrying the status is returned.
func (a *Adapter) Listen(ctx context.Context, opts SocketOptions) (*ServerSocket, error) {
	s, err := a.NewSocket(opts)
	if err != nil {
		return nil, err
	}
	if status := s.BindListen(ctx); status != StatusOK {
		s.Close()
		return nil, &ServiceError{Op: "listen", Status: status, Msg: opts.ServiceName}
	}
	return &ServerSocket{sock: s, acceptTimeout: a.cfg.AcceptTimeout}, nil
}

// Close closes every socket still open through the adapter and drops all
// observers. It is idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	log.Info().Msg("closing adapter")

	a.sockets.Range(func(_, value interface{}) bool {
		if s, ok := value.(*Socket); ok {
			s.Close()
		}
		return true
	})

	a.obsMu.Lock()
	a.observers = make(map[uint64]StateObserver)
	a.obsMu.Unlock()
	return nil
}
