package btsocket

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener is the part of a ServerSocket the Acceptor drives.
type Listener interface {
	Accept() (*Socket, error)
	Close() error
}

// Handler serves one accepted connection.
type Handler interface {
	ServeSocket(s *Socket)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Socket)

// ServeSocket calls f.
func (f HandlerFunc) ServeSocket(s *Socket) { f(s) }

// Acceptor runs an accept loop on a listener and serves each connection on
// its own goroutine. The socket is closed when the handler returns.
type Acceptor struct {
	Listener Listener
	Handler  Handler

	// Access, if set, rejects connections from filtered devices.
	Access *AccessList
	// Limits bounds admitted connections. The zero value is unlimited.
	Limits ConnectionLimitsConfig

	limiterOnce sync.Once
	limiter     *connectionLimiter

	wg sync.WaitGroup
}

// NewAcceptor returns an Acceptor with the access list and limits from cfg.
// A nil cfg uses DefaultConfig.
func NewAcceptor(l Listener, h Handler, cfg *Config) (*Acceptor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	a := &Acceptor{Listener: l, Handler: h, Limits: cfg.Limits}
	if cfg.Access.Mode != AccessListDisabled {
		al, err := NewAccessList(cfg.Access)
		if err != nil {
			return nil, err
		}
		a.Access = al
	}
	return a, nil
}

// Serve accepts until the listener is closed or ctx is done; cancelling ctx
// closes the listener. Timeouts from the listener are retried. It returns
// nil after a clean shutdown and the accept error otherwise. Handlers may
// still be running when Serve returns; use Wait to drain them.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		a.Listener.Close()
	})
	defer stop()

	for {
		s, err := a.Listener.Accept()
		if err != nil {
			var te *TimeoutError
			switch {
			case errors.As(err, &te):
				continue
			case ctx.Err() != nil, errors.Is(err, ErrNotListening):
				log.Info().Msg("accept loop stopped")
				return nil
			case errors.Is(err, ErrHandshakeStatus), errors.Is(err, ErrHandshakeCorrupt), errors.Is(err, ErrConnectFailed):
				// One bad incoming connection; the listener is still usable.
				log.Warn().Err(err).Msg("rejected incoming connection")
				continue
			default:
				log.Error().Err(err).Msg("accept failed")
				return err
			}
		}

		if !a.admit(s) {
			s.Close()
			continue
		}

		a.wg.Add(1)
		go a.serve(s)
	}
}

// admit applies the access list and limits to an accepted socket.
func (a *Acceptor) admit(s *Socket) bool {
	peer := s.RemoteDevice()
	if err := a.Access.Check(peer); err != nil {
		return false
	}
	if l := a.connLimiter(); l != nil {
		if err := l.CheckAndRecord(peer); err != nil {
			return false
		}
	}
	return true
}

func (a *Acceptor) connLimiter() *connectionLimiter {
	a.limiterOnce.Do(func() {
		if a.Limits.enabled() {
			a.limiter = newConnectionLimiter(a.Limits)
		}
	})
	return a.limiter
}

func (a *Acceptor) serve(s *Socket) {
	defer a.wg.Done()
	defer s.Close()
	if l := a.connLimiter(); l != nil {
		defer l.Closed()
	}

	a.Handler.ServeSocket(s)
}

// Wait blocks until every handler started by Serve has returned.
func (a *Acceptor) Wait() {
	a.wg.Wait()
}
