package btsocket

import (
	"fmt"
	"strings"
)

// TransportType selects the kind of channel a socket rides on.
// The numeric values match the stack's socket type codes.
type TransportType int

const (
	// StreamChannel is a byte stream with no packet boundaries (RFCOMM).
	StreamChannel TransportType = 1
	// VoiceChannel is a synchronous voice link (SCO). Reads and writes
	// pass straight through like a stream.
	VoiceChannel TransportType = 2
	// PacketChannel is a datagram-like channel with a negotiated maximum
	// packet size in each direction (L2CAP).
	PacketChannel TransportType = 3
)

// ChannelAuto asks the service to assign a channel or PSM during bind.
const ChannelAuto = -1

// String returns a human-readable name for the transport.
func (t TransportType) String() string {
	switch t {
	case StreamChannel:
		return "stream"
	case VoiceChannel:
		return "voice"
	case PacketChannel:
		return "packet"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// IsValid reports whether t is one of the known transports.
func (t TransportType) IsValid() bool {
	return t == StreamChannel || t == VoiceChannel || t == PacketChannel
}

// isPacketOriented reports whether reads and writes must respect the
// negotiated packet sizes.
func (t TransportType) isPacketOriented() bool {
	return t == PacketChannel
}

// ParseTransportType accepts the String form or the classic protocol name
// ("rfcomm", "sco", "l2cap").
func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stream", "rfcomm":
		return StreamChannel, nil
	case "voice", "sco":
		return VoiceChannel, nil
	case "packet", "l2cap":
		return PacketChannel, nil
	default:
		return 0, fmt.Errorf("unknown transport type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t TransportType) MarshalText() ([]byte, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("invalid transport type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TransportType) UnmarshalText(text []byte) error {
	parsed, err := ParseTransportType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
