package btsocket

import (
	"context"

	"github.com/google/uuid"
)

// Service is the privileged system service that owns the radio. It admits
// connections and hands back a socket descriptor the caller owns.
//
// On a connect descriptor the service writes the assigned channel
// (ChannelPrefixSize bytes) followed by one Signal. On a listen descriptor
// it writes the assigned channel, then one Signal per incoming connection,
// each carrying the connection's descriptor as SCM_RIGHTS.
//
// A refusal is any non-nil error or a negative descriptor. Implementations
// can return *ServiceError to report a status code to BindListen.
type Service interface {
	ConnectSocket(ctx context.Context, peer Address, t TransportType, id uuid.UUID, channel int, flags SecurityFlags) (int, error)
	CreateSocketChannel(ctx context.Context, t TransportType, serviceName string, id uuid.UUID, channel int, flags SecurityFlags) (int, error)
}

// Well-known service UUIDs.
var (
	// SerialPortUUID is the Serial Port Profile service class.
	SerialPortUUID = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")
)
