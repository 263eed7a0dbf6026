package btsocket

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ServerSocket is a listening socket. It is created by the Adapter's
// ListenUsing* methods, or with NewServerSocket around a socket that
// already passed BindListen.
type ServerSocket struct {
	sock          *Socket
	acceptTimeout time.Duration
}

// NewServerSocket wraps a Listening socket.
func NewServerSocket(s *Socket) (*ServerSocket, error) {
	if s.State() != StateListening {
		return nil, ErrNotListening
	}
	return &ServerSocket{sock: s}, nil
}

// Accept waits for the next incoming connection, bounded by the adapter's
// configured accept timeout (zero blocks until a connection arrives or the
// server socket is closed).
func (ss *ServerSocket) Accept() (*Socket, error) {
	return ss.sock.Accept(ss.acceptTimeout)
}

// AcceptTimeout waits at most timeout for the next connection.
// A non-positive timeout blocks.
func (ss *ServerSocket) AcceptTimeout(timeout time.Duration) (*Socket, error) {
	return ss.sock.Accept(timeout)
}

// Close stops listening. A blocked Accept returns an error matching
// ErrNotListening. Already accepted sockets stay open.
func (ss *ServerSocket) Close() error {
	if ss.sock.State() == StateClosed {
		return nil
	}
	log.Info().
		Str("service", ss.sock.ServiceName()).
		Int("channel", ss.sock.Channel()).
		Msg("closed server socket")
	return ss.sock.Close()
}

// Channel returns the RFCOMM channel or L2CAP PSM assigned during bind.
func (ss *ServerSocket) Channel() int {
	return ss.sock.Channel()
}

// PSM is Channel, named for L2CAP listeners.
func (ss *ServerSocket) PSM() int {
	return ss.sock.Channel()
}

// ServiceName returns the registered service record name.
func (ss *ServerSocket) ServiceName() string {
	return ss.sock.ServiceName()
}

// ServiceUUID returns the registered service class.
func (ss *ServerSocket) ServiceUUID() uuid.UUID {
	return ss.sock.ServiceUUID()
}

// Socket returns the underlying listening socket.
func (ss *ServerSocket) Socket() *Socket {
	return ss.sock
}

func (ss *ServerSocket) String() string {
	return fmt.Sprintf("ServerSocket{type=%s channel=%d name=%q}", ss.sock.ConnectionType(), ss.sock.Channel(), ss.sock.ServiceName())
}
