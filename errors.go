package btsocket

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by sockets and endpoints.
// Use errors.Is to test for them; most are wrapped with extra context.
var (
	// ErrConnectFailed means the service refused the request or handed back
	// no usable descriptor, or the stack reported an invalid channel.
	ErrConnectFailed = errors.New("btsocket: connect failed")

	// ErrHandshakeCorrupt means the socket signal had the wrong size.
	ErrHandshakeCorrupt = errors.New("btsocket: handshake signal corrupt")

	// ErrHandshakeStatus matches any *HandshakeStatusError.
	ErrHandshakeStatus = errors.New("btsocket: handshake status")

	// ErrShortRead means the peer closed the descriptor partway through a
	// fixed-size read.
	ErrShortRead = errors.New("btsocket: short read")

	// ErrNotConnected is returned by data operations outside the Connected state.
	ErrNotConnected = errors.New("btsocket: socket not connected")

	// ErrNotListening is returned by Accept outside the Listening state.
	ErrNotListening = errors.New("btsocket: socket not in listen state")

	// ErrAlreadyClosed is returned by Connect on a closed socket, and by a
	// Connect that lost the race against a concurrent Close.
	ErrAlreadyClosed = errors.New("btsocket: socket closed")

	// ErrNoRemoteDevice is returned by Connect on a socket built without a peer.
	ErrNoRemoteDevice = errors.New("btsocket: no remote device")

	// ErrInvalidState is returned by Connect or BindListen on a socket that
	// already left the Init state.
	ErrInvalidState = errors.New("btsocket: socket already in use")

	// ErrInvalidSecurityFlags is returned when strict security checking is
	// enabled and a socket requests MITM protection or a 16 digit PIN
	// without requesting authentication.
	ErrInvalidSecurityFlags = errors.New("btsocket: inconsistent security flags")

	// ErrIO wraps generic descriptor failures.
	ErrIO = errors.New("btsocket: i/o error")

	// ErrAdapterClosed is returned by Adapter factories after Close.
	ErrAdapterClosed = errors.New("btsocket: adapter closed")
)

// Bind status codes returned by BindListen.
// Service-supplied statuses (see ServiceError) are propagated unchanged.
const (
	StatusOK     = 0
	StatusFailed = -1
	// StatusBadFD is returned when BindListen is called on a socket that is
	// closed or already left the Init state.
	StatusBadFD = int(unix.EBADFD)
	// StatusAddrInUse is the conventional status for a channel already taken.
	StatusAddrInUse = int(unix.EADDRINUSE)
)

// errEndpointClosed is returned by endpoint operations started after Close.
var errEndpointClosed = fmt.Errorf("%w: %w", ErrIO, net.ErrClosed)

// HandshakeStatusError reports a signal that decoded correctly but carried
// a nonzero status from the stack or the peer.
type HandshakeStatusError struct {
	Code int32
}

func (e *HandshakeStatusError) Error() string {
	return fmt.Sprintf("btsocket: connection failure, status: %d", e.Code)
}

// Is reports whether target is ErrHandshakeStatus.
func (e *HandshakeStatusError) Is(target error) bool {
	return target == ErrHandshakeStatus
}

// TimeoutError implements net.Error for reads that hit the receive timeout.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return "btsocket: i/o timeout"
	}
	return "btsocket: " + e.Op + ": i/o timeout"
}

func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// Is lets callers match timeouts with os.ErrDeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}

// ServiceError is returned by Service implementations that can explain a
// refusal with a numeric status. BindListen propagates Status to its caller.
type ServiceError struct {
	Op     string
	Status int
	Msg    string
}

func (e *ServiceError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("btsocket: service %s failed: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("btsocket: service %s failed: status %d: %s", e.Op, e.Status, e.Msg)
}

// ioError wraps a syscall failure so it matches both ErrIO and the errno.
func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// bindStatus extracts the status a bind failure should report.
func bindStatus(err error) int {
	var se *ServiceError
	if errors.As(err, &se) && se.Status != StatusOK {
		return se.Status
	}
	return StatusFailed
}
