// Package btsocket implements the client side of Bluetooth sockets whose
// connections are brokered by a privileged system service.
//
// The service hands the application a socket descriptor. Before any data
// flows the stack writes a channel number and a fixed 20-byte "socket
// signal" carrying the peer address, a status code and the negotiated
// packet sizes. This package reads that handshake, preserves packet
// boundaries on packet-oriented (L2CAP-like) channels, and runs the
// INIT -> CONNECTING/LISTENING -> CONNECTED -> CLOSED state machine so that
// Close is safe from any goroutine at any time.
//
// Architecture:
//   - Signal / SignalCodec: the wire handshake
//   - Endpoint: one owned descriptor, exact and single reads, full writes
//   - framer: packet buffer and MTU chunking for PacketChannel
//   - Socket: the state machine
//   - ServerSocket / Acceptor: the listening side
//   - Adapter: explicit process-wide context owning the Service, the open
//     sockets and the state observers
package btsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SocketOptions describe the endpoint identity of a new socket.
type SocketOptions struct {
	// Type is the transport. Required.
	Type TransportType
	// Remote is the peer for client sockets; NoAddress for listening sockets.
	Remote Address
	// Channel is the RFCOMM channel or L2CAP PSM. ChannelAuto lets the
	// service pick one during bind or resolve one from UUID on connect.
	Channel int
	// UUID is the service class to connect to or register; uuid.Nil for none.
	UUID uuid.UUID
	// ServiceName is the record name registered for listening sockets.
	ServiceName string
	// Security holds the constructor booleans the security flags are built from.
	Security SecurityOptions
}

// Socket is one Bluetooth socket. Client sockets are created in StateInit
// and become Connected through Connect; listening sockets become Listening
// through BindListen and produce Connected sockets from Accept.
//
// A Socket supports one reader and one writer goroutine at a time. Close
// may be called from any goroutine, concurrently with a blocked Connect,
// Accept or Read, and makes them fail promptly.
type Socket struct {
	adapter *Adapter // nil for sockets built without an adapter
	id      uint64
	svc     Service
	codec   SignalCodec

	// Immutable endpoint identity
	typ         TransportType
	remote      Address
	uuid        uuid.UUID
	serviceName string
	flags       SecurityFlags

	// Everything below is guarded by mu
	mu      sync.Mutex
	state   State
	channel int
	ep      *Endpoint
	fr      *framer
	maxTx   int
	maxRx   int
}

// NewSocket creates a socket that talks to svc directly, using
// DefaultConfig. Most callers should use an Adapter instead.
func NewSocket(svc Service, opts SocketOptions) (*Socket, error) {
	return newSocket(nil, svc, DefaultConfig(), opts)
}

func newSocket(a *Adapter, svc Service, cfg *Config, opts SocketOptions) (*Socket, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if !opts.Type.IsValid() {
		return nil, fmt.Errorf("invalid transport type %d", int(opts.Type))
	}
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	flags := opts.Security.Flags()
	if cfg.StrictSecurity {
		if err := flags.Validate(); err != nil {
			return nil, err
		}
	}

	s := &Socket{
		adapter:     a,
		svc:         svc,
		codec:       codec,
		typ:         opts.Type,
		remote:      opts.Remote,
		uuid:        opts.UUID,
		serviceName: opts.ServiceName,
		flags:       flags,
		state:       StateInit,
		channel:     opts.Channel,
	}

	log.Debug().
		Str("type", s.typ.String()).
		Str("remote", s.remote.String()).
		Int("channel", s.channel).
		Str("flags", s.flags.String()).
		Msg("created socket")

	return s, nil
}

// setStateLocked transitions the socket to a new state with logging.
// Must be called with s.mu held.
func (s *Socket) setStateLocked(newState State) State {
	oldState := s.state
	if !canTransition(oldState, newState) {
		log.Error().
			Str("from", oldState.String()).
			Str("to", newState.String()).
			Msg("illegal state transition")
	}
	s.state = newState

	log.Info().
		Str("type", s.typ.String()).
		Str("remote", s.remote.String()).
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("state transition")

	return oldState
}

// notify forwards a transition to the adapter's observers.
// Must be called without s.mu held.
func (s *Socket) notify(from, to State) {
	if s.adapter != nil {
		s.adapter.notifyState(s, from, to)
	}
}

// Connect establishes a client connection. It blocks until the stack has
// delivered the handshake, the handshake failed, or Close was called from
// another goroutine. ctx bounds only the request to the service; after the
// descriptor is handed over, Close is the way to abort.
//
// Any failure leaves the socket Closed.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	if s.remote.IsZero() {
		s.mu.Unlock()
		return ErrNoRemoteDevice
	}
	if s.state != StateInit {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrInvalidState, state)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.notify(StateInit, StateConnecting)

	fd, err := s.svc.ConnectSocket(ctx, s.remote, s.typ, s.uuid, s.channel, s.flags)
	if err != nil {
		return s.abortConnect(fmt.Errorf("%w: %w", ErrConnectFailed, err))
	}
	if fd < 0 {
		return s.abortConnect(fmt.Errorf("%w: service returned no descriptor", ErrConnectFailed))
	}

	ep, err := s.attachEndpoint(fd)
	if err != nil {
		return s.abortConnect(err)
	}

	channel, err := s.readChannel(ep)
	if err != nil {
		return s.abortConnect(fmt.Errorf("%w: read channel: %w", ErrConnectFailed, err))
	}
	if channel <= 0 {
		return s.abortConnect(fmt.Errorf("%w: invalid channel %d", ErrConnectFailed, channel))
	}

	sig, err := s.waitSignal(ep)
	if err != nil {
		return s.abortConnect(err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.channel = int(channel)
	s.applySignalLocked(sig)
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.notify(StateConnecting, StateConnected)

	log.Info().
		Str("remote", s.remote.String()).
		Int32("channel", channel).
		Uint16("maxTx", sig.MaxTxPacketSize).
		Uint16("maxRx", sig.MaxRxPacketSize).
		Msg("connection established")

	return nil
}

// attachEndpoint wraps fd and publishes it so that a concurrent Close can
// shut it down. If Close already won, fd is released immediately.
func (s *Socket) attachEndpoint(fd int) (*Endpoint, error) {
	ep := NewEndpoint(fd)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		ep.Close()
		return nil, ErrAlreadyClosed
	}
	s.ep = ep
	return ep, nil
}

// abortConnect closes the socket after a failed Connect. If a concurrent
// Close caused the failure, the error also matches ErrAlreadyClosed.
func (s *Socket) abortConnect(err error) error {
	s.mu.Lock()
	raced := s.state == StateClosed
	s.mu.Unlock()

	if !errors.Is(err, ErrAlreadyClosed) {
		log.Warn().
			Err(err).
			Str("remote", s.remote.String()).
			Msg("connect failed")
	}

	s.Close()
	if raced && !errors.Is(err, ErrAlreadyClosed) {
		return fmt.Errorf("%w: %w", ErrAlreadyClosed, err)
	}
	return err
}

// readChannel reads the channel prefix the stack writes first.
func (s *Socket) readChannel(ep *Endpoint) (int32, error) {
	var buf [ChannelPrefixSize]byte
	if err := ep.ReadExact(buf[:]); err != nil {
		return 0, err
	}
	return s.codec.DecodeChannel(buf[:])
}

// waitSignal reads and validates one socket signal.
func (s *Socket) waitSignal(ep *Endpoint) (Signal, error) {
	buf := make([]byte, SignalSize)
	if err := ep.ReadExact(buf); err != nil {
		return Signal{}, fmt.Errorf("wait for signal: %w", err)
	}
	return s.checkSignal(buf)
}

// checkSignal decodes buf and turns a nonzero status into an error.
func (s *Socket) checkSignal(buf []byte) (Signal, error) {
	sig, err := s.codec.Decode(buf)
	if err != nil {
		return Signal{}, err
	}
	if err := sig.Err(); err != nil {
		return Signal{}, err
	}

	log.Debug().
		Str("address", sig.Address.String()).
		Int32("channel", sig.Channel).
		Uint16("maxTx", sig.MaxTxPacketSize).
		Uint16("maxRx", sig.MaxRxPacketSize).
		Msg("received socket signal")

	return sig, nil
}

// applySignalLocked stores the negotiated sizes and builds the framer.
// Must be called with s.mu held.
func (s *Socket) applySignalLocked(sig Signal) {
	s.maxTx = int(sig.MaxTxPacketSize)
	s.maxRx = int(sig.MaxRxPacketSize)
	s.fr = newFramer(s.ep, s.typ, s.maxTx, s.maxRx)
}

// BindListen asks the service for a listening channel and moves the socket
// to StateListening. It blocks until the stack reports the assigned channel.
//
// It returns StatusOK on success and a nonzero status otherwise: the status
// from a *ServiceError when the service supplied one (for example
// StatusAddrInUse), StatusBadFD when the socket is not in StateInit, and
// StatusFailed for anything else. A failed bind leaves the socket in
// StateInit with no descriptor; callers normally Close it.
func (s *Socket) BindListen(ctx context.Context) int {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return StatusBadFD
	}
	s.mu.Unlock()

	fd, err := s.svc.CreateSocketChannel(ctx, s.typ, s.serviceName, s.uuid, s.channel, s.flags)
	if err != nil || fd < 0 {
		status := bindStatus(err)
		log.Warn().
			Err(err).
			Str("service", s.serviceName).
			Int("status", status).
			Msg("bind failed")
		return status
	}

	ep := NewEndpoint(fd)
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		ep.Close()
		return StatusBadFD
	}
	s.ep = ep
	s.mu.Unlock()

	channel, err := s.readChannel(ep)
	if err != nil {
		log.Warn().
			Err(err).
			Str("service", s.serviceName).
			Msg("bind failed: read channel")
		s.detachEndpoint(ep)
		return StatusFailed
	}

	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return StatusBadFD
	}
	if s.channel <= 0 {
		s.channel = int(channel)
	}
	s.setStateLocked(StateListening)
	s.mu.Unlock()
	s.notify(StateInit, StateListening)

	log.Info().
		Str("service", s.serviceName).
		Str("type", s.typ.String()).
		Int32("channel", channel).
		Msg("listening for connections")

	return StatusOK
}

// detachEndpoint releases ep if it is still the socket's endpoint.
func (s *Socket) detachEndpoint(ep *Endpoint) {
	s.mu.Lock()
	if s.ep == ep {
		s.ep = nil
	}
	s.mu.Unlock()
	ep.Close()
}

// Accept waits for the next incoming connection on a listening socket.
// A positive timeout bounds the wait and yields a *TimeoutError when it
// expires; zero or negative waits indefinitely. Close from another
// goroutine makes a blocked Accept return an error matching ErrNotListening.
//
// The returned socket copies the listener's transport parameters, owns its
// own descriptor and starts out Connected.
func (s *Socket) Accept(timeout time.Duration) (*Socket, error) {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil, ErrNotListening
	}
	ep := s.ep
	s.mu.Unlock()

	if timeout > 0 {
		if err := ep.SetReadTimeout(timeout); err != nil {
			return nil, s.acceptError(err)
		}
		defer func() {
			if err := ep.SetReadTimeout(0); err != nil {
				log.Debug().Err(err).Msg("reset accept timeout failed")
			}
		}()
	}

	buf := make([]byte, SignalSize)
	fds, err := ep.ReadExactWithRights(buf)
	if err != nil {
		return nil, s.acceptError(err)
	}
	sig, err := s.checkSignal(buf)
	if err != nil {
		closeAll(fds)
		return nil, err
	}
	if len(fds) != 1 {
		closeAll(fds)
		return nil, fmt.Errorf("%w: accept received %d descriptors, want 1", ErrConnectFailed, len(fds))
	}

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		closeAll(fds)
		return nil, ErrNotListening
	}
	s.maxTx = int(sig.MaxTxPacketSize)
	s.maxRx = int(sig.MaxRxPacketSize)
	child := s.acceptedLocked(fds[0], sig.Address)
	s.mu.Unlock()

	if s.adapter != nil {
		s.adapter.register(child)
	}
	child.notify(StateInit, StateConnected)

	log.Info().
		Str("service", s.serviceName).
		Str("remote", child.remote.String()).
		Int("maxTx", child.maxTx).
		Int("maxRx", child.maxRx).
		Msg("accepted connection")

	return child, nil
}

// acceptError maps a failed wait on the listening descriptor. Once the
// listener is gone the failure is reported as ErrNotListening.
func (s *Socket) acceptError(err error) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	if s.State() != StateListening {
		return fmt.Errorf("%w: %w", ErrNotListening, err)
	}
	return fmt.Errorf("accept: %w", err)
}

// acceptedLocked builds the socket for an accepted connection, copying the
// listener's immutable transport parameters. Must be called with s.mu held.
func (s *Socket) acceptedLocked(fd int, remote Address) *Socket {
	child := &Socket{
		adapter:     s.adapter,
		svc:         s.svc,
		codec:       s.codec,
		typ:         s.typ,
		remote:      remote,
		uuid:        s.uuid,
		serviceName: s.serviceName,
		flags:       s.flags,
		state:       StateConnected,
		channel:     s.channel,
		ep:          NewEndpoint(fd),
		maxTx:       s.maxTx,
		maxRx:       s.maxRx,
	}
	child.fr = newFramer(child.ep, child.typ, child.maxTx, child.maxRx)
	return child
}

// connectedFramer returns the framer if the socket is Connected.
func (s *Socket) connectedFramer() (*framer, *Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return nil, nil, ErrNotConnected
	}
	return s.fr, s.ep, nil
}

// Read reads from the connection. On packet channels a single Read never
// returns bytes from more than one packet. It returns io.EOF when the peer
// closed the connection or Close was called.
func (s *Socket) Read(p []byte) (int, error) {
	fr, _, err := s.connectedFramer()
	if err != nil {
		return 0, err
	}
	return fr.Read(p)
}

// Write writes p to the connection. On packet channels writes larger than
// MaxTransmitPacketSize are split into packets of at most that size.
func (s *Socket) Write(p []byte) (int, error) {
	fr, _, err := s.connectedFramer()
	if err != nil {
		return 0, err
	}
	return fr.Write(p)
}

// Available returns the number of bytes that can be read without blocking.
func (s *Socket) Available() (int, error) {
	fr, ep, err := s.connectedFramer()
	if err != nil {
		return 0, err
	}
	n, err := ep.Available()
	if err != nil {
		return 0, err
	}
	return fr.Buffered() + n, nil
}

// Flush is a no-op on a connected socket; writes are not buffered.
func (s *Socket) Flush() error {
	_, _, err := s.connectedFramer()
	return err
}

// InputStream returns the read side of the socket as an io.Reader.
func (s *Socket) InputStream() io.Reader {
	return inputStream{s}
}

// OutputStream returns the write side of the socket as an io.Writer.
func (s *Socket) OutputStream() io.Writer {
	return outputStream{s}
}

type inputStream struct{ s *Socket }

func (in inputStream) Read(p []byte) (int, error) { return in.s.Read(p) }
func (in inputStream) Available() (int, error)    { return in.s.Available() }

type outputStream struct{ s *Socket }

func (out outputStream) Write(p []byte) (int, error) { return out.s.Write(p) }
func (out outputStream) Flush() error                { return out.s.Flush() }

// Close closes the socket and releases its descriptor. It is idempotent,
// safe from any goroutine and always returns nil. A concurrent Connect,
// Accept or Read fails promptly.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	from := s.setStateLocked(StateClosed)
	if s.ep != nil {
		s.ep.Close()
	}
	s.mu.Unlock()

	s.notify(from, StateClosed)
	if s.adapter != nil {
		s.adapter.unregister(s)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the socket is in StateConnected.
func (s *Socket) IsConnected() bool {
	return s.State() == StateConnected
}

// ConnectionType returns the socket's transport.
func (s *Socket) ConnectionType() TransportType {
	return s.typ
}

// RemoteDevice returns the peer address, or NoAddress for listening sockets.
func (s *Socket) RemoteDevice() Address {
	return s.remote
}

// Channel returns the channel or PSM. For listening sockets created with
// ChannelAuto it is the channel assigned during BindListen.
func (s *Socket) Channel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// ServiceUUID returns the service class the socket was created with.
func (s *Socket) ServiceUUID() uuid.UUID {
	return s.uuid
}

// ServiceName returns the registered service name of a listening socket
// or of a socket it accepted.
func (s *Socket) ServiceName() string {
	return s.serviceName
}

// SecurityFlags returns the flags sent to the service.
func (s *Socket) SecurityFlags() SecurityFlags {
	return s.flags
}

// MaxTransmitPacketSize returns the negotiated maximum outgoing packet size,
// or 0 before the handshake.
func (s *Socket) MaxTransmitPacketSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTx
}

// MaxReceivePacketSize returns the negotiated maximum incoming packet size,
// or 0 before the handshake.
func (s *Socket) MaxReceivePacketSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRx
}

// String describes the socket for logs.
func (s *Socket) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Socket{type=%s remote=%s channel=%d state=%s}", s.typ, s.remote, s.channel, s.state)
}
