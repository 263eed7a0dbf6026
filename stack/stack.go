// Package stack implements the service side of the socket descriptor
// protocol: it creates the socket pairs handed to applications, writes the
// channel prefix and socket signals into them, passes accepted connections
// as SCM_RIGHTS, and relays bytes between a stack-held end and a real
// transport.
//
// Every Service backend in this module (loopback, bluez) is built on it.
package stack

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/go-i2p/go-btsocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// relayBufferSize bounds one relayed read. It is larger than any L2CAP
// MTU so packet records are never split.
const relayBufferSize = 64 * 1024

// SocketType returns the socket type an application descriptor for t uses.
// Stream channels are byte streams; voice and packet channels keep record
// boundaries.
func SocketType(t btsocket.TransportType) int {
	if t == btsocket.StreamChannel {
		return unix.SOCK_STREAM
	}
	return unix.SOCK_SEQPACKET
}

// Conn is the stack-held end of a socket pair. The other end belongs to
// the application.
type Conn struct {
	uc    *net.UnixConn
	codec btsocket.SignalCodec
	once  sync.Once
}

// Pair creates a connected socket pair for a connection of transport t.
// app is the raw descriptor for the application; the caller owns it.
func Pair(t btsocket.TransportType, codec btsocket.SignalCodec) (app int, c *Conn, err error) {
	return pair(SocketType(t), codec)
}

// ListenPair creates the pair backing a listening socket. Signals and the
// descriptors attached to them are records, so it is always seqpacket.
func ListenPair(codec btsocket.SignalCodec) (app int, c *Conn, err error) {
	return pair(unix.SOCK_SEQPACKET, codec)
}

func pair(typ int, codec btsocket.SignalCodec) (int, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socketpair: %w", err)
	}
	c, err := NewConn(fds[1], codec)
	if err != nil {
		CloseFd(fds[0])
		return -1, nil, err
	}
	return fds[0], c, nil
}

// NewConn takes ownership of fd, which must be a connected Unix socket.
func NewConn(fd int, codec btsocket.SignalCodec) (*Conn, error) {
	f := os.NewFile(uintptr(fd), "btsocket-stack")
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("wrap stack descriptor: %w", err)
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("stack descriptor is %T, want a unix socket", nc)
	}
	return &Conn{uc: uc, codec: codec}, nil
}

// WriteChannel writes the channel prefix as its own record.
func (c *Conn) WriteChannel(channel int) error {
	if _, err := c.uc.Write(c.codec.EncodeChannel(int32(channel))); err != nil {
		return fmt.Errorf("write channel: %w", err)
	}
	return nil
}

// SendSignal writes one socket signal.
func (c *Conn) SendSignal(sig btsocket.Signal) error {
	return c.SendSignalWithRights(sig, -1)
}

// SendSignalWithRights writes one socket signal with fd attached as
// SCM_RIGHTS. The kernel duplicates fd; the caller still owns its copy.
// A negative fd sends the signal alone.
func (c *Conn) SendSignalWithRights(sig btsocket.Signal, fd int) error {
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	b := c.codec.Encode(sig)
	n, oobn, err := c.uc.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	if n != len(b) || oobn != len(oob) {
		return fmt.Errorf("send signal: short write %d/%d bytes, %d/%d oob", n, len(b), oobn, len(oob))
	}

	log.Debug().
		Str("address", sig.Address.String()).
		Int32("channel", sig.Channel).
		Int32("status", sig.Status).
		Bool("rights", fd >= 0).
		Msg("sent socket signal")
	return nil
}

// Read reads from the stack end.
func (c *Conn) Read(p []byte) (int, error) {
	return c.uc.Read(p)
}

// Write writes to the stack end.
func (c *Conn) Write(p []byte) (int, error) {
	return c.uc.Write(p)
}

// WaitClosed blocks until the application closes its end or c is closed,
// discarding anything the application writes.
func (c *Conn) WaitClosed() error {
	var buf [256]byte
	for {
		_, err := c.uc.Read(buf[:])
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// Close closes the stack end. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.uc.Close()
	})
	return err
}

// CloseFd closes a raw descriptor, logging failures at debug level.
func CloseFd(fd int) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil {
		log.Debug().Err(err).Int("fd", fd).Msg("close descriptor failed")
	}
}

// Relay copies bytes in both directions between a and b until either side
// ends, then closes both. Each Read result is forwarded with one Write, so
// record boundaries survive between seqpacket ends. Every relayed chunk is
// also written to tap when it is non-nil; tap must be safe for concurrent
// use. Relay returns the first error other than end of stream.
func Relay(a, b io.ReadWriteCloser, tap io.Writer) error {
	errc := make(chan error, 2)
	go func() { errc <- pipe(b, a, tap) }()
	go func() { errc <- pipe(a, b, tap) }()

	err := <-errc
	a.Close()
	b.Close()
	<-errc

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func pipe(dst io.Writer, src io.Reader, tap io.Writer) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if tap != nil {
				tap.Write(buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
