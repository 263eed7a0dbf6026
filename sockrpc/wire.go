// Package sockrpc carries btsocket.Service requests across a process
// boundary. A Server exposes any Service on a Unix seqpacket socket; a
// Client implements btsocket.Service by talking to it.
//
// Each request and reply is one seqpacket record holding a CBOR map
// (Core Deterministic Encoding). A successful reply carries the socket
// descriptor as SCM_RIGHTS; the client owns the descriptor it receives.
package sockrpc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-i2p/go-btsocket"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Request operations.
const (
	OpConnect = "connect"
	OpListen  = "listen"
)

// maxMessageSize bounds one encoded request or reply.
const maxMessageSize = 4096

// request is the wire form of a Service call. Addresses and UUIDs travel as
// their text forms so a capture can be read with any CBOR diagnostic tool.
type request struct {
	Op          string `cbor:"op"`
	Peer        string `cbor:"peer,omitempty"`
	Transport   int    `cbor:"transport"`
	UUID        string `cbor:"uuid,omitempty"`
	Channel     int    `cbor:"channel"`
	Flags       uint32 `cbor:"flags"`
	ServiceName string `cbor:"service_name,omitempty"`
}

// reply is the wire form of a Service result. Status 0 means success and a
// descriptor is attached.
type reply struct {
	Status int    `cbor:"status"`
	Error  string `cbor:"error,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sockrpc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sockrpc: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// params is a decoded request.
type params struct {
	peer        btsocket.Address
	transport   btsocket.TransportType
	uuid        uuid.UUID
	channel     int
	flags       btsocket.SecurityFlags
	serviceName string
}

func (r *request) params() (params, error) {
	p := params{
		transport:   btsocket.TransportType(r.Transport),
		channel:     r.Channel,
		flags:       btsocket.SecurityFlags(r.Flags),
		serviceName: r.ServiceName,
	}
	if !p.transport.IsValid() {
		return p, fmt.Errorf("invalid transport %d", r.Transport)
	}
	if r.Peer != "" {
		addr, err := btsocket.ParseAddress(r.Peer)
		if err != nil {
			return p, err
		}
		p.peer = addr
	}
	if r.UUID != "" {
		id, err := uuid.Parse(r.UUID)
		if err != nil {
			return p, fmt.Errorf("invalid uuid: %w", err)
		}
		p.uuid = id
	}
	return p, nil
}

func uuidText(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// rightsSpace is the ancillary buffer size for one reply.
var rightsSpace = unix.CmsgSpace(4 * 4)

// parseRights extracts every SCM_RIGHTS descriptor from oob.
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

// DefaultPath is where btsockd listens unless configured otherwise.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "btsockd.sock")
}
