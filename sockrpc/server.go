package sockrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/go-i2p/go-btsocket"
	"github.com/go-i2p/go-btsocket/stack"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("sockrpc: server closed")

// Server exposes a btsocket.Service on a Unix seqpacket socket.
type Server struct {
	svc btsocket.Service

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     *net.UnixListener
	conns  map[*net.UnixConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server for svc.
func NewServer(svc btsocket.Service) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		svc:    svc,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*net.UnixConn]struct{}),
	}
}

// ListenAndServe removes a stale socket file at path, listens there with
// owner-only permissions and serves until Close.
func (s *Server) ListenAndServe(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It takes ownership of ln.
func (s *Server) Serve(ln *net.UnixListener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("service rpc listening")

	for {
		uc, err := ln.AcceptUnix()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(uc) {
			uc.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go s.serveConn(uc)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(uc *net.UnixConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[uc] = struct{}{}
	return true
}

func (s *Server) untrack(uc *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, uc)
	s.mu.Unlock()
}

// serveConn answers requests on uc until the client hangs up.
func (s *Server) serveConn(uc *net.UnixConn) {
	defer s.wg.Done()
	defer s.untrack(uc)
	defer uc.Close()

	buf := make([]byte, maxMessageSize)
	for {
		n, err := uc.Read(buf)
		if err != nil || n == 0 {
			return
		}

		var req request
		if err := unmarshal(buf[:n], &req); err != nil {
			log.Warn().Err(err).Msg("malformed request")
			s.reply(uc, &reply{Status: btsocket.StatusFailed, Error: "malformed request"}, -1)
			continue
		}

		fd, err := s.dispatch(&req)
		if err != nil {
			s.reply(uc, failure(err), -1)
			continue
		}
		s.reply(uc, &reply{Status: btsocket.StatusOK}, fd)
		stack.CloseFd(fd)
	}
}

// dispatch runs one request against the service.
func (s *Server) dispatch(req *request) (int, error) {
	p, err := req.params()
	if err != nil {
		return -1, err
	}

	log.Debug().
		Str("op", req.Op).
		Str("type", p.transport.String()).
		Int("channel", p.channel).
		Str("service", p.serviceName).
		Msg("service request")

	var fd int
	switch req.Op {
	case OpConnect:
		fd, err = s.svc.ConnectSocket(s.ctx, p.peer, p.transport, p.uuid, p.channel, p.flags)
	case OpListen:
		fd, err = s.svc.CreateSocketChannel(s.ctx, p.transport, p.serviceName, p.uuid, p.channel, p.flags)
	default:
		return -1, fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		return -1, err
	}
	if fd < 0 {
		return -1, fmt.Errorf("service returned no descriptor")
	}
	return fd, nil
}

// failure turns a service error into a reply, keeping its status.
func failure(err error) *reply {
	status := btsocket.StatusFailed
	var se *btsocket.ServiceError
	if errors.As(err, &se) && se.Status != btsocket.StatusOK {
		status = se.Status
	}
	return &reply{Status: status, Error: err.Error()}
}

// reply sends rep with fd attached when fd >= 0.
func (s *Server) reply(uc *net.UnixConn, rep *reply, fd int) {
	b, err := marshal(rep)
	if err != nil {
		log.Error().Err(err).Msg("encode reply")
		return
	}
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	if _, _, err := uc.WriteMsgUnix(b, oob, nil); err != nil {
		log.Debug().Err(err).Msg("send reply failed")
	}
}

// Close stops accepting, hangs up on every client and waits for in-flight
// requests to finish. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for uc := range s.conns {
		uc.Close()
	}
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()

	log.Info().Msg("service rpc closed")
	return nil
}
