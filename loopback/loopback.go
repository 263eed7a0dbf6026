// Package loopback provides an in-process btsocket.Service that connects
// local client sockets to local listening sockets, as if both ends were on
// the same radio. Connections run through real socket pairs with the same
// preamble and descriptor passing a system stack uses, so everything above
// the Service boundary behaves as it does against hardware.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/armon/circbuf"
	"github.com/go-i2p/go-btsocket"
	"github.com/go-i2p/go-btsocket/stack"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Channel ranges handed out for ChannelAuto listeners.
const (
	firstChannel = 1
	lastChannel  = 30
	firstPSM     = 0x1001
	lastPSM      = 0x10FF
)

// ErrClosed is returned by a Service after Close.
var ErrClosed = errors.New("loopback: service closed")

// Config tunes the simulated link.
type Config struct {
	// Address is reported as the remote device on both ends of every link.
	Address btsocket.Address `yaml:"address"`
	// StreamMTU is the packet size advertised for stream channels.
	StreamMTU int `yaml:"stream_mtu"`
	// PacketMTU is the packet size advertised for packet channels.
	PacketMTU int `yaml:"packet_mtu"`
	// VoiceMTU is the packet size advertised for voice channels.
	VoiceMTU int `yaml:"voice_mtu"`
	// TapSize is how many trailing bytes of traffic each link keeps for
	// inspection. Zero disables the tail.
	TapSize int64 `yaml:"tap_size"`
}

// DefaultConfig returns MTUs matching common controller defaults.
func DefaultConfig() Config {
	return Config{
		Address:   btsocket.MustParseAddress("00:00:00:00:00:01"),
		StreamMTU: 990,
		PacketMTU: 672,
		VoiceMTU:  60,
		TapSize:   4096,
	}
}

func (c Config) mtu(t btsocket.TransportType) uint16 {
	switch t {
	case btsocket.PacketChannel:
		return uint16(c.PacketMTU)
	case btsocket.VoiceChannel:
		return uint16(c.VoiceMTU)
	default:
		return uint16(c.StreamMTU)
	}
}

type listenKey struct {
	t       btsocket.TransportType
	channel int
}

type listener struct {
	key  listenKey
	uuid uuid.UUID
	name string
	conn *stack.Conn
}

// Service is the loopback btsocket.Service.
type Service struct {
	cfg   Config
	codec btsocket.SignalCodec

	mu        sync.Mutex
	closed    bool
	listeners map[listenKey]*listener
	links     map[uint64]*Link
	nextLink  uint64

	wg sync.WaitGroup
}

var _ btsocket.Service = (*Service)(nil)

// New creates a loopback service writing handshakes with codec.
func New(cfg Config, codec btsocket.SignalCodec) *Service {
	return &Service{
		cfg:       cfg,
		codec:     codec,
		listeners: make(map[listenKey]*listener),
		links:     make(map[uint64]*Link),
	}
}

// ConnectSocket implements btsocket.Service. A connect to a channel with
// no listener is refused through the handshake status; a connect by UUID
// that matches no listener ends the descriptor before the channel prefix.
func (s *Service) ConnectSocket(ctx context.Context, peer btsocket.Address, t btsocket.TransportType, id uuid.UUID, channel int, flags btsocket.SecurityFlags) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	app, conn, err := stack.Pair(t, s.codec)
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stack.CloseFd(app)
		conn.Close()
		return -1, ErrClosed
	}
	l := s.lookupLocked(t, id, channel)
	s.mu.Unlock()

	if l == nil {
		s.refuse(conn, channel)
		log.Info().
			Str("peer", peer.String()).
			Str("type", t.String()).
			Int("channel", channel).
			Str("uuid", id.String()).
			Msg("no listener, refusing connection")
		return app, nil
	}

	if err := s.link(conn, l, peer); err != nil {
		stack.CloseFd(app)
		conn.Close()
		return -1, &btsocket.ServiceError{Op: "connect", Status: int(unix.ECONNREFUSED), Msg: err.Error()}
	}

	log.Info().
		Str("peer", peer.String()).
		Str("type", t.String()).
		Int("channel", l.key.channel).
		Str("flags", flags.String()).
		Msg("connected to local listener")

	return app, nil
}

// lookupLocked finds the listener for a connect request. An explicit
// channel wins over the UUID. Must be called with s.mu held.
func (s *Service) lookupLocked(t btsocket.TransportType, id uuid.UUID, channel int) *listener {
	if channel > 0 {
		return s.listeners[listenKey{t: t, channel: channel}]
	}
	if id == uuid.Nil {
		return nil
	}
	for _, l := range s.listeners {
		if l.key.t == t && l.uuid == id {
			return l
		}
	}
	return nil
}

// refuse fails a connect the way a stack does: with a status signal when
// the channel is known, or by ending the descriptor when it is not.
func (s *Service) refuse(conn *stack.Conn, channel int) {
	defer conn.Close()
	if channel <= 0 {
		return
	}
	if err := conn.WriteChannel(channel); err != nil {
		log.Debug().Err(err).Msg("refuse: write channel failed")
		return
	}
	sig := btsocket.Signal{
		Address: s.cfg.Address,
		Channel: int32(channel),
		Status:  int32(unix.ECONNREFUSED),
	}
	if err := conn.SendSignal(sig); err != nil {
		log.Debug().Err(err).Msg("refuse: send signal failed")
	}
}

// link completes a connect against l: it writes the client preamble into
// conn, hands l a fresh descriptor for the accepted side and relays
// between the two stack ends.
func (s *Service) link(conn *stack.Conn, l *listener, peer btsocket.Address) error {
	t := l.key.t
	mtu := s.cfg.mtu(t)

	accApp, accConn, err := stack.Pair(t, s.codec)
	if err != nil {
		return err
	}

	if err := conn.WriteChannel(l.key.channel); err != nil {
		stack.CloseFd(accApp)
		accConn.Close()
		return err
	}
	clientSig := btsocket.Signal{
		Address:         peer,
		Channel:         int32(l.key.channel),
		MaxTxPacketSize: mtu,
		MaxRxPacketSize: mtu,
	}
	if err := conn.SendSignal(clientSig); err != nil {
		stack.CloseFd(accApp)
		accConn.Close()
		return err
	}

	acceptSig := btsocket.Signal{
		Address:         s.cfg.Address,
		Channel:         int32(l.key.channel),
		MaxTxPacketSize: mtu,
		MaxRxPacketSize: mtu,
	}
	err = l.conn.SendSignalWithRights(acceptSig, accApp)
	stack.CloseFd(accApp)
	if err != nil {
		accConn.Close()
		return fmt.Errorf("listener gone: %w", err)
	}

	lk, err := s.addLink(t, l.key.channel, conn, accConn)
	if err != nil {
		accConn.Close()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := stack.Relay(conn, accConn, lk)
		s.removeLink(lk)

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Uint64("link", lk.ID).
			Int64("bytes", lk.TotalWritten()).
			Hex("tail", lk.Tail()).
			Msg("link closed")
	}()
	return nil
}

// CreateSocketChannel implements btsocket.Service. ChannelAuto picks the
// first free channel (or dynamic PSM for packet channels). A channel or
// UUID already in use is refused with btsocket.StatusAddrInUse.
func (s *Service) CreateSocketChannel(ctx context.Context, t btsocket.TransportType, serviceName string, id uuid.UUID, channel int, flags btsocket.SecurityFlags) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return -1, ErrClosed
	}
	if channel <= 0 {
		channel = s.allocLocked(t)
		if channel < 0 {
			return -1, &btsocket.ServiceError{Op: "listen", Status: btsocket.StatusAddrInUse, Msg: "no free channel"}
		}
	}
	key := listenKey{t: t, channel: channel}
	if _, taken := s.listeners[key]; taken {
		return -1, &btsocket.ServiceError{Op: "listen", Status: btsocket.StatusAddrInUse, Msg: fmt.Sprintf("channel %d in use", channel)}
	}
	if id != uuid.Nil && s.lookupLocked(t, id, 0) != nil {
		return -1, &btsocket.ServiceError{Op: "listen", Status: btsocket.StatusAddrInUse, Msg: "uuid " + id.String() + " in use"}
	}

	app, conn, err := stack.ListenPair(s.codec)
	if err != nil {
		return -1, err
	}
	if err := conn.WriteChannel(channel); err != nil {
		stack.CloseFd(app)
		conn.Close()
		return -1, err
	}

	l := &listener{key: key, uuid: id, name: serviceName, conn: conn}
	s.listeners[key] = l

	s.wg.Add(1)
	go s.watch(l)

	log.Info().
		Str("service", serviceName).
		Str("type", t.String()).
		Int("channel", channel).
		Str("flags", flags.String()).
		Msg("registered listener")

	return app, nil
}

// allocLocked returns the first free channel for t, or -1.
// Must be called with s.mu held.
func (s *Service) allocLocked(t btsocket.TransportType) int {
	first, last, step := firstChannel, lastChannel, 1
	if t == btsocket.PacketChannel {
		first, last, step = firstPSM, lastPSM, 2
	}
	for ch := first; ch <= last; ch += step {
		if _, taken := s.listeners[listenKey{t: t, channel: ch}]; !taken {
			return ch
		}
	}
	return -1
}

// watch unregisters l once the application closes its listening socket.
func (s *Service) watch(l *listener) {
	defer s.wg.Done()

	if err := l.conn.WaitClosed(); err != nil {
		log.Debug().Err(err).Msg("listener watch failed")
	}

	s.mu.Lock()
	if s.listeners[l.key] == l {
		delete(s.listeners, l.key)
	}
	s.mu.Unlock()
	l.conn.Close()

	log.Info().
		Str("service", l.name).
		Int("channel", l.key.channel).
		Msg("listener closed")
}

// Listeners returns the number of registered listeners.
func (s *Service) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Links returns the links currently relaying traffic.
func (s *Service) Links() []*Link {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Link, 0, len(s.links))
	for _, lk := range s.links {
		out = append(out, lk)
	}
	return out
}

func (s *Service) addLink(t btsocket.TransportType, channel int, a, b *stack.Conn) (*Link, error) {
	var tail *circbuf.Buffer
	if s.cfg.TapSize > 0 {
		var err error
		if tail, err = circbuf.NewBuffer(s.cfg.TapSize); err != nil {
			return nil, fmt.Errorf("create link tail: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLink++
	lk := &Link{
		ID:        s.nextLink,
		Transport: t,
		Channel:   channel,
		ends:      [2]*stack.Conn{a, b},
		tail:      tail,
	}
	s.links[lk.ID] = lk
	return lk, nil
}

func (s *Service) removeLink(lk *Link) {
	s.mu.Lock()
	delete(s.links, lk.ID)
	s.mu.Unlock()
}

// Close refuses new requests, closes every listener and link, and waits
// for the relays to finish. Application descriptors already handed out
// see end of stream.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	links := make([]*Link, 0, len(s.links))
	for _, lk := range s.links {
		links = append(links, lk)
	}
	s.mu.Unlock()

	log.Info().
		Int("listeners", len(listeners)).
		Int("links", len(links)).
		Msg("closing loopback service")

	for _, l := range listeners {
		l.conn.Close()
	}
	for _, lk := range links {
		lk.close()
	}
	s.wg.Wait()
	return nil
}

// Link is one relayed connection between a client and an accepted socket.
type Link struct {
	ID        uint64
	Transport btsocket.TransportType
	Channel   int

	ends [2]*stack.Conn

	mu   sync.Mutex
	tail *circbuf.Buffer
}

// Write records relayed traffic in the link's tail.
func (lk *Link) Write(p []byte) (int, error) {
	if lk.tail == nil {
		return len(p), nil
	}
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return lk.tail.Write(p)
}

// Tail returns a copy of the most recent traffic in both directions.
func (lk *Link) Tail() []byte {
	if lk.tail == nil {
		return nil
	}
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return append([]byte(nil), lk.tail.Bytes()...)
}

// TotalWritten returns how many bytes the link relayed.
func (lk *Link) TotalWritten() int64 {
	if lk.tail == nil {
		return 0
	}
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return lk.tail.TotalWritten()
}

func (lk *Link) close() {
	for _, c := range lk.ends {
		c.Close()
	}
}
