//go:build linux

// Package bluez implements btsocket.Service on top of BlueZ over D-Bus.
//
// BlueZ hands RFCOMM connections to registered org.bluez.Profile1 objects
// as raw descriptors. The service exports one profile per request, relays
// each delivered descriptor through a stack socket pair, and writes the
// channel prefix and socket signals into that pair, so applications see
// exactly what a system stack would give them.
//
// Only StreamChannel is supported; BlueZ does not broker L2CAP or SCO
// descriptors through profiles.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/go-i2p/go-btsocket"
	"github.com/go-i2p/go-btsocket/stack"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bluez: service closed")

var pathCounter uint64

// Config selects the controller and defaults.
type Config struct {
	// AdapterPath is the controller's object path.
	AdapterPath string `yaml:"adapter_path"`
	// DefaultChannel is registered for listeners created with ChannelAuto.
	DefaultChannel int `yaml:"default_channel"`
	// ObjectPrefix is where profile objects are exported.
	ObjectPrefix string `yaml:"object_prefix"`
}

// DefaultConfig returns settings for the first controller.
func DefaultConfig() Config {
	return Config{
		AdapterPath:    "/org/bluez/hci0",
		DefaultChannel: 22,
		ObjectPrefix:   "/org/btsocket/profile",
	}
}

// Service is the BlueZ-backed btsocket.Service.
type Service struct {
	cfg   Config
	codec btsocket.SignalCodec
	bus   *dbus.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cleanup map[dbus.ObjectPath]func()

	wg sync.WaitGroup
}

var _ btsocket.Service = (*Service)(nil)

// New connects to the system bus.
func New(cfg Config, codec btsocket.SignalCodec) (*Service, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		codec:   codec,
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(map[dbus.ObjectPath]func()),
	}, nil
}

// profile implements org.bluez.Profile1 and forwards delivered
// descriptors to onConnect.
type profile struct {
	onConnect func(dev dbus.ObjectPath, fd int) *dbus.Error
}

// Release is called by BlueZ when it drops the profile.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel is called when a pending request is aborted.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the application closes its socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection receives one RFCOMM descriptor.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	return p.onConnect(dev, int(fd))
}

func rejected(msg string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{msg}}
}

// register exports p and registers it with BlueZ. The returned path is
// released with unregister.
func (s *Service) register(p *profile, id uuid.UUID, opts map[string]dbus.Variant) (dbus.ObjectPath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	n := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath(s.cfg.ObjectPrefix + "/p" + strconv.FormatUint(n, 10))
	if err := s.bus.Export(p, path, profileIface); err != nil {
		return "", fmt.Errorf("bluez: export profile: %w", err)
	}

	pm := s.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, id.String(), opts); call.Err != nil {
		s.bus.Export(nil, path, profileIface)
		return "", fmt.Errorf("bluez: RegisterProfile: %w", call.Err)
	}

	s.cleanup[path] = func() {
		if err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err; err != nil {
			log.Debug().Err(err).Str("path", string(path)).Msg("UnregisterProfile failed")
		}
		s.bus.Export(nil, path, profileIface)
	}
	return path, nil
}

// unregister releases a profile registered with register.
func (s *Service) unregister(path dbus.ObjectPath) {
	s.mu.Lock()
	fn := s.cleanup[path]
	delete(s.cleanup, path)
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func profileOptions(role string, channel int, flags btsocket.SecurityFlags) map[string]dbus.Variant {
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant(role),
		"RequireAuthentication": dbus.MakeVariant(flags.Has(btsocket.FlagAuth) || flags.Has(btsocket.FlagAuthMITM)),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	if channel > 0 {
		// BlueZ expects Channel as a uint16.
		opts["Channel"] = dbus.MakeVariant(uint16(channel))
	}
	return opts
}

func profileUUID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return btsocket.SerialPortUUID
	}
	return id
}

func unsupported(op string, t btsocket.TransportType) error {
	return &btsocket.ServiceError{
		Op:     op,
		Status: int(unix.EPROTONOSUPPORT),
		Msg:    t.String() + " channels are not supported by bluez",
	}
}

// ConnectSocket implements btsocket.Service. It returns as soon as the
// request is issued; the preamble is written once BlueZ delivers the
// connection, and a failed connect is reported through the signal status.
func (s *Service) ConnectSocket(ctx context.Context, peer btsocket.Address, t btsocket.TransportType, id uuid.UUID, channel int, flags btsocket.SecurityFlags) (int, error) {
	if t != btsocket.StreamChannel {
		return -1, unsupported("connect", t)
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	svcUUID := profileUUID(id)
	delivered := make(chan int, 1)
	p := &profile{onConnect: func(_ dbus.ObjectPath, fd int) *dbus.Error {
		select {
		case delivered <- fd:
			return nil
		default:
			stack.CloseFd(fd)
			return rejected("already connected")
		}
	}}

	path, err := s.register(p, svcUUID, profileOptions("client", channel, flags))
	if err != nil {
		return -1, err
	}

	app, conn, err := stack.Pair(t, s.codec)
	if err != nil {
		s.unregister(path)
		return -1, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(path)
		s.connect(conn, peer, svcUUID, channel, delivered)
	}()

	return app, nil
}

// connect drives one outgoing connection and then relays it.
func (s *Service) connect(conn *stack.Conn, peer btsocket.Address, id uuid.UUID, channel int, delivered <-chan int) {
	dev := s.bus.Object(bluezService, devicePath(s.cfg.AdapterPath, peer))
	call := dev.CallWithContext(s.ctx, deviceIface+".ConnectProfile", 0, id.String())
	if call.Err != nil {
		log.Warn().
			Err(call.Err).
			Str("peer", peer.String()).
			Str("uuid", id.String()).
			Msg("ConnectProfile failed")
		s.refuse(conn, channel)
		return
	}

	var fd int
	select {
	case fd = <-delivered:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	remote, rchan := peerInfo(fd)
	if remote.IsZero() {
		remote = peer
	}
	if rchan <= 0 {
		rchan = channel
	}

	if err := s.preamble(conn, remote, rchan); err != nil {
		log.Warn().Err(err).Msg("write preamble failed")
		stack.CloseFd(fd)
		conn.Close()
		return
	}

	log.Info().
		Str("peer", remote.String()).
		Int("channel", rchan).
		Msg("rfcomm connected")

	s.relay(conn, fd)
}

// preamble writes the channel prefix and a success signal.
func (s *Service) preamble(conn *stack.Conn, remote btsocket.Address, channel int) error {
	if err := conn.WriteChannel(channel); err != nil {
		return err
	}
	return conn.SendSignal(btsocket.Signal{Address: remote, Channel: int32(channel)})
}

// refuse reports a failed connect through the handshake.
func (s *Service) refuse(conn *stack.Conn, channel int) {
	defer conn.Close()
	if channel <= 0 {
		return
	}
	if err := conn.WriteChannel(channel); err != nil {
		return
	}
	conn.SendSignal(btsocket.Signal{Channel: int32(channel), Status: int32(unix.ECONNREFUSED)})
}

// relay pumps bytes between the stack end and the RFCOMM descriptor.
func (s *Service) relay(conn *stack.Conn, fd int) {
	rfcomm, err := rfcommFile(fd)
	if err != nil {
		log.Warn().Err(err).Msg("wrap rfcomm descriptor")
		conn.Close()
		return
	}
	if err := stack.Relay(conn, rfcomm, nil); err != nil {
		log.Debug().Err(err).Msg("rfcomm relay ended")
	}
}

// CreateSocketChannel implements btsocket.Service by registering a server
// profile. Each connection BlueZ delivers is passed to the listening
// socket as a signal with its own descriptor.
func (s *Service) CreateSocketChannel(ctx context.Context, t btsocket.TransportType, serviceName string, id uuid.UUID, channel int, flags btsocket.SecurityFlags) (int, error) {
	if t != btsocket.StreamChannel {
		return -1, unsupported("listen", t)
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if channel <= 0 {
		channel = s.cfg.DefaultChannel
	}

	app, lconn, err := stack.ListenPair(s.codec)
	if err != nil {
		return -1, err
	}

	p := &profile{onConnect: func(dev dbus.ObjectPath, fd int) *dbus.Error {
		if err := s.deliver(lconn, dev, fd, channel); err != nil {
			log.Warn().Err(err).Str("device", string(dev)).Msg("rejecting connection")
			return rejected(err.Error())
		}
		return nil
	}}

	opts := profileOptions("server", channel, flags)
	if serviceName != "" {
		opts["Name"] = dbus.MakeVariant(serviceName)
	}
	if flags.Has(btsocket.FlagNoSDP) {
		opts["ServiceRecord"] = dbus.MakeVariant("")
	}

	path, err := s.register(p, profileUUID(id), opts)
	if err != nil {
		stack.CloseFd(app)
		lconn.Close()
		if strings.Contains(err.Error(), "AlreadyExists") {
			return -1, &btsocket.ServiceError{Op: "listen", Status: btsocket.StatusAddrInUse, Msg: err.Error()}
		}
		return -1, err
	}

	if err := lconn.WriteChannel(channel); err != nil {
		s.unregister(path)
		stack.CloseFd(app)
		lconn.Close()
		return -1, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		lconn.WaitClosed()
		s.unregister(path)
		lconn.Close()
		log.Info().Str("service", serviceName).Int("channel", channel).Msg("listener closed")
	}()

	log.Info().
		Str("service", serviceName).
		Int("channel", channel).
		Msg("registered rfcomm listener")

	return app, nil
}

// deliver hands one incoming RFCOMM connection to the listening socket.
func (s *Service) deliver(lconn *stack.Conn, dev dbus.ObjectPath, fd, channel int) error {
	remote, _ := peerInfo(fd)
	if remote.IsZero() {
		remote = addressFromPath(dev)
	}

	accApp, accConn, err := stack.Pair(btsocket.StreamChannel, s.codec)
	if err != nil {
		stack.CloseFd(fd)
		return err
	}
	sig := btsocket.Signal{Address: remote, Channel: int32(channel)}
	err = lconn.SendSignalWithRights(sig, accApp)
	stack.CloseFd(accApp)
	if err != nil {
		stack.CloseFd(fd)
		accConn.Close()
		return err
	}

	log.Info().Str("peer", remote.String()).Int("channel", channel).Msg("rfcomm accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relay(accConn, fd)
	}()
	return nil
}

// Close unregisters every profile, stops pending connects and waits for
// the relays to end. It is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = make(map[dbus.ObjectPath]func())
	s.mu.Unlock()

	s.cancel()
	for _, fn := range cleanup {
		fn()
	}
	err := s.bus.Close()
	s.wg.Wait()
	return err
}

// devicePath returns the Device1 object path for addr under adapter.
func devicePath(adapter string, addr btsocket.Address) dbus.ObjectPath {
	return dbus.ObjectPath(adapter + "/dev_" + strings.ReplaceAll(addr.String(), ":", "_"))
}

// addressFromPath parses the address out of .../dev_XX_XX_XX_XX_XX_XX.
func addressFromPath(p dbus.ObjectPath) btsocket.Address {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return btsocket.NoAddress
	}
	addr, err := btsocket.ParseAddress(strings.ReplaceAll(s[idx+5:], "_", ":"))
	if err != nil {
		return btsocket.NoAddress
	}
	return addr
}

// peerInfo reads the remote address and channel of an RFCOMM descriptor.
func peerInfo(fd int) (btsocket.Address, int) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return btsocket.NoAddress, 0
	}
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return btsocket.NoAddress, 0
	}
	// The kernel stores the address little-endian.
	var addr btsocket.Address
	for i := range addr {
		addr[i] = rc.Addr[len(rc.Addr)-1-i]
	}
	return addr, int(rc.Channel)
}

// rfcommFile wraps fd so that closing it wakes a blocked read.
func rfcommFile(fd int) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		stack.CloseFd(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}
