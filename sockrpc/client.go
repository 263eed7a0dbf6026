package sockrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-i2p/go-btsocket"
	"github.com/go-i2p/go-btsocket/stack"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Client implements btsocket.Service against a Server. Every call dials a
// fresh connection, so a Client is safe for concurrent use.
type Client struct {
	path string
}

var _ btsocket.Service = (*Client)(nil)

// NewClient returns a client for the server listening at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// ConnectSocket implements btsocket.Service.
func (c *Client) ConnectSocket(ctx context.Context, peer btsocket.Address, t btsocket.TransportType, id uuid.UUID, channel int, flags btsocket.SecurityFlags) (int, error) {
	return c.call(ctx, &request{
		Op:        OpConnect,
		Peer:      peer.String(),
		Transport: int(t),
		UUID:      uuidText(id),
		Channel:   channel,
		Flags:     uint32(flags),
	})
}

// CreateSocketChannel implements btsocket.Service.
func (c *Client) CreateSocketChannel(ctx context.Context, t btsocket.TransportType, serviceName string, id uuid.UUID, channel int, flags btsocket.SecurityFlags) (int, error) {
	return c.call(ctx, &request{
		Op:          OpListen,
		Transport:   int(t),
		UUID:        uuidText(id),
		Channel:     channel,
		Flags:       uint32(flags),
		ServiceName: serviceName,
	})
}

// call sends one request and waits for the reply and its descriptor.
func (c *Client) call(ctx context.Context, req *request) (int, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unixpacket", c.path)
	if err != nil {
		return -1, fmt.Errorf("dial %s: %w", c.path, err)
	}
	uc := nc.(*net.UnixConn)
	defer uc.Close()

	stop := context.AfterFunc(ctx, func() {
		uc.SetDeadline(time.Now())
	})
	defer stop()

	b, err := marshal(req)
	if err != nil {
		return -1, fmt.Errorf("encode request: %w", err)
	}
	if _, err := uc.Write(b); err != nil {
		return -1, c.ctxErr(ctx, fmt.Errorf("send request: %w", err))
	}

	buf := make([]byte, maxMessageSize)
	oob := make([]byte, rightsSpace)
	n, oobn, flags, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, c.ctxErr(ctx, fmt.Errorf("read reply: %w", err))
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		closeFds(fds)
		return -1, fmt.Errorf("parse reply rights: %w", err)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeFds(fds)
		return -1, fmt.Errorf("reply rights truncated")
	}

	var rep reply
	if err := unmarshal(buf[:n], &rep); err != nil {
		closeFds(fds)
		return -1, fmt.Errorf("decode reply: %w", err)
	}
	if rep.Status != btsocket.StatusOK {
		closeFds(fds)
		return -1, &btsocket.ServiceError{Op: req.Op, Status: rep.Status, Msg: rep.Error}
	}
	if len(fds) != 1 {
		closeFds(fds)
		return -1, fmt.Errorf("reply carried %d descriptors, want 1", len(fds))
	}

	log.Debug().
		Str("op", req.Op).
		Int("channel", req.Channel).
		Msg("service call completed")

	return fds[0], nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func closeFds(fds []int) {
	for _, fd := range fds {
		stack.CloseFd(fd)
	}
}
