package btsocket

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes of the records the stack writes on a socket descriptor.
const (
	// SignalSize is the size of the socket signal, and the value its
	// leading size field must carry.
	SignalSize = 20

	// ChannelPrefixSize is the size of the channel number the stack writes
	// before anything else on a new connect or bind descriptor.
	ChannelPrefixSize = 4
)

// Signal is the fixed-size record the stack sends once per established
// connection.
//
// Layout (stack byte order, normally the host's native order):
//   - size: 2 bytes, always SignalSize
//   - address: 6 bytes, display order
//   - channel: 4 bytes, signed
//   - status: 4 bytes, signed, 0 on success
//   - maxTx: 2 bytes, largest packet the peer accepts
//   - maxRx: 2 bytes, largest packet we may receive
type Signal struct {
	Address         Address
	Channel         int32
	Status          int32
	MaxTxPacketSize uint16
	MaxRxPacketSize uint16
}

// Err returns a *HandshakeStatusError when the signal carries a nonzero
// status, nil otherwise.
func (s Signal) Err() error {
	if s.Status != 0 {
		return &HandshakeStatusError{Code: s.Status}
	}
	return nil
}

// SignalCodec encodes and decodes signals and channel prefixes with a
// fixed byte order. The zero value uses the host's native order, which is
// what deployed stacks write.
type SignalCodec struct {
	Order binary.ByteOrder
}

// DefaultSignalCodec uses the native byte order.
var DefaultSignalCodec = SignalCodec{}

func (c SignalCodec) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.NativeEndian
	}
	return c.Order
}

// Encode serializes s. The size field is always SignalSize.
func (c SignalCodec) Encode(s Signal) []byte {
	o := c.order()
	buf := make([]byte, SignalSize)
	o.PutUint16(buf[0:2], SignalSize)
	copy(buf[2:8], s.Address[:])
	o.PutUint32(buf[8:12], uint32(s.Channel))
	o.PutUint32(buf[12:16], uint32(s.Status))
	o.PutUint16(buf[16:18], s.MaxTxPacketSize)
	o.PutUint16(buf[18:20], s.MaxRxPacketSize)
	return buf
}

// Decode parses a signal. It fails with ErrHandshakeCorrupt when b is too
// short or the size field is not SignalSize. A nonzero status is not a
// decode failure; check Signal.Err.
func (c SignalCodec) Decode(b []byte) (Signal, error) {
	var s Signal
	if len(b) < SignalSize {
		return s, fmt.Errorf("%w: got %d bytes, want %d", ErrHandshakeCorrupt, len(b), SignalSize)
	}
	o := c.order()
	if size := o.Uint16(b[0:2]); size != SignalSize {
		return s, fmt.Errorf("%w: wrong signal size %d", ErrHandshakeCorrupt, size)
	}
	copy(s.Address[:], b[2:8])
	s.Channel = int32(o.Uint32(b[8:12]))
	s.Status = int32(o.Uint32(b[12:16]))
	s.MaxTxPacketSize = o.Uint16(b[16:18])
	s.MaxRxPacketSize = o.Uint16(b[18:20])
	return s, nil
}

// EncodeChannel serializes the channel prefix.
func (c SignalCodec) EncodeChannel(channel int32) []byte {
	buf := make([]byte, ChannelPrefixSize)
	c.order().PutUint32(buf, uint32(channel))
	return buf
}

// DecodeChannel parses the channel prefix.
func (c SignalCodec) DecodeChannel(b []byte) (int32, error) {
	if len(b) < ChannelPrefixSize {
		return 0, fmt.Errorf("%w: channel prefix is %d bytes, want %d", ErrHandshakeCorrupt, len(b), ChannelPrefixSize)
	}
	return int32(c.order().Uint32(b[:ChannelPrefixSize])), nil
}

// EncodeSignal encodes s with DefaultSignalCodec.
func EncodeSignal(s Signal) []byte {
	return DefaultSignalCodec.Encode(s)
}

// DecodeSignal decodes b with DefaultSignalCodec.
func DecodeSignal(b []byte) (Signal, error) {
	return DefaultSignalCodec.Decode(b)
}
