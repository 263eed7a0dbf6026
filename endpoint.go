package btsocket

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// maxPassedDescriptors bounds how many SCM_RIGHTS descriptors a single
// signal may carry. The stack sends exactly one; the extra room lets us
// notice and close strays instead of leaking them on truncation.
const maxPassedDescriptors = 4

// Endpoint owns one socket descriptor handed over by the service.
//
// Reads, writes and Close may run on different goroutines. Close shuts both
// directions down first, which makes any blocked read return end-of-stream,
// and releases the descriptor once the last in-flight operation returns,
// so a descriptor number is never reused underneath a running syscall.
type Endpoint struct {
	mu       sync.Mutex
	fd       int
	closed   bool
	released bool
	inflight int
}

// NewEndpoint takes ownership of fd.
func NewEndpoint(fd int) *Endpoint {
	return &Endpoint{fd: fd}
}

// acquire pins the descriptor for one operation.
func (e *Endpoint) acquire() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return -1, errEndpointClosed
	}
	e.inflight++
	return e.fd, nil
}

// release unpins the descriptor and performs a deferred release if Close
// ran while the operation was in flight.
func (e *Endpoint) release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inflight--
	if e.closed && e.inflight == 0 {
		e.releaseLocked()
	}
}

// releaseLocked closes the descriptor. Must be called with e.mu held.
func (e *Endpoint) releaseLocked() {
	if e.released {
		return
	}
	e.released = true
	if err := unix.Close(e.fd); err != nil {
		log.Debug().Err(err).Int("fd", e.fd).Msg("endpoint release failed")
	}
	e.fd = -1
}

// ReadSome performs a single read of at most len(buf) bytes.
// It returns io.EOF when the peer has closed (or Close shut the descriptor
// down) and a *TimeoutError when the receive timeout expires. It never
// returns (0, nil) for a non-empty buf.
func (e *Endpoint) ReadSome(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	fd, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer e.release()

	return readOnce(fd, buf)
}

func readOnce(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, &TimeoutError{Op: "read"}
		case err != nil:
			return 0, ioError("read", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// ReadExact reads exactly len(buf) bytes. It returns io.EOF if the stream
// ended before the first byte and ErrShortRead if it ended partway.
func (e *Endpoint) ReadExact(buf []byte) error {
	fd, err := e.acquire()
	if err != nil {
		return err
	}
	defer e.release()

	for read := 0; read < len(buf); {
		n, err := readOnce(fd, buf[read:])
		if err != nil {
			return shortReadError(err, read, len(buf))
		}
		read += n
	}
	return nil
}

// ReadExactWithRights is ReadExact for records that may carry descriptors
// as SCM_RIGHTS ancillary data. The caller owns the returned descriptors.
func (e *Endpoint) ReadExactWithRights(buf []byte) ([]int, error) {
	fd, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer e.release()

	var fds []int
	oob := make([]byte, unix.CmsgSpace(4*maxPassedDescriptors))
	for read := 0; read < len(buf); {
		n, oobn, err := recvOnce(fd, buf[read:], oob)
		got, perr := parseRights(oob[:oobn])
		fds = append(fds, got...)
		if err != nil {
			closeAll(fds)
			return nil, shortReadError(err, read, len(buf))
		}
		if perr != nil {
			closeAll(fds)
			return nil, ioError("parse rights", perr)
		}
		read += n
	}
	return fds, nil
}

func recvOnce(fd int, buf, oob []byte) (int, int, error) {
	for {
		n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, 0, &TimeoutError{Op: "read"}
		case err != nil:
			return 0, 0, ioError("recvmsg", err)
		case n == 0:
			return 0, oobn, io.EOF
		}
		return n, oobn, nil
	}
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func shortReadError(err error, read, want int) error {
	if errors.Is(err, io.EOF) {
		if read == 0 {
			return io.EOF
		}
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, read, want)
	}
	return err
}

// WriteAll writes the whole buffer, looping over partial writes.
func (e *Endpoint) WriteAll(buf []byte) error {
	fd, err := e.acquire()
	if err != nil {
		return err
	}
	defer e.release()

	for len(buf) > 0 {
		n, err := unix.SendmsgN(fd, buf, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return ioError("write", err)
		}
		buf = buf[n:]
	}
	return nil
}

// SetReadTimeout bounds every following read. Zero or negative blocks
// indefinitely.
func (e *Endpoint) SetReadTimeout(d time.Duration) error {
	fd, err := e.acquire()
	if err != nil {
		return err
	}
	defer e.release()

	var tv unix.Timeval
	if d > 0 {
		tv = unix.NsecToTimeval(d.Nanoseconds())
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return ioError("set read timeout", err)
	}
	return nil
}

// Available returns the number of bytes queued for reading in the kernel.
func (e *Endpoint) Available() (int, error) {
	fd, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer e.release()

	n, err := unix.IoctlGetInt(fd, unix.SIOCINQ)
	if err != nil {
		return 0, ioError("available", err)
	}
	return n, nil
}

// Close shuts down both directions and releases the descriptor. It is
// idempotent and never fails; teardown errors are logged at debug level.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if err := unix.Shutdown(e.fd, unix.SHUT_RDWR); err != nil {
		log.Debug().Err(err).Int("fd", e.fd).Msg("endpoint shutdown failed")
	}
	if e.inflight == 0 {
		e.releaseLocked()
	}
	return nil
}

// closeAll closes descriptors the caller no longer wants.
func closeAll(fds []int) {
	for _, fd := range fds {
		if err := unix.Close(fd); err != nil {
			log.Debug().Err(err).Int("fd", fd).Msg("close passed descriptor failed")
		}
	}
}
