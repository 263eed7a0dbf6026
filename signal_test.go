package btsocket

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSignalDecode verifies that a well-formed signal decodes field by field.
func TestSignalDecode(t *testing.T) {
	want := Signal{
		Address:         testPeer,
		Channel:         5,
		Status:          0,
		MaxTxPacketSize: 100,
		MaxRxPacketSize: 200,
	}

	b := EncodeSignal(want)
	require.Len(t, b, SignalSize)

	got, err := DecodeSignal(b)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got.Address.String())
	assert.NoError(t, got.Err())
}

// TestSignalLayout pins the byte offsets of every field.
func TestSignalLayout(t *testing.T) {
	codec := SignalCodec{Order: binary.BigEndian}
	b := codec.Encode(Signal{
		Address:         testPeer,
		Channel:         0x01020304,
		Status:          -1,
		MaxTxPacketSize: 0x0506,
		MaxRxPacketSize: 0x0708,
	})

	assert.Equal(t, []byte{
		0x00, 0x14,
		0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF,
		0x01, 0x02, 0x03, 0x04,
		0xFF, 0xFF, 0xFF, 0xFF,
		0x05, 0x06,
		0x07, 0x08,
	}, b)
}

// TestSignalDecodeCorrupt covers inputs that must be rejected as corrupt.
func TestSignalDecodeCorrupt(t *testing.T) {
	valid := EncodeSignal(Signal{Address: testPeer, Channel: 1})

	wrongSize := append([]byte(nil), valid...)
	binary.NativeEndian.PutUint16(wrongSize[0:2], 19)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short", valid[:SignalSize-1]},
		{"size field 19", wrongSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSignal(tt.in)
			assert.ErrorIs(t, err, ErrHandshakeCorrupt)
		})
	}
}

// TestSignalStatus verifies that a nonzero status decodes and then surfaces
// through Err as a HandshakeStatusError.
func TestSignalStatus(t *testing.T) {
	b := EncodeSignal(Signal{Address: testPeer, Channel: 5, Status: 111})

	sig, err := DecodeSignal(b)
	require.NoError(t, err, "a nonzero status is not a decode failure")

	err = sig.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeStatus)

	var se *HandshakeStatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, int32(111), se.Code)
	assert.Contains(t, err.Error(), "111")
}

// TestSignalCodecByteOrder verifies that decoding with the wrong order
// catches the size field.
func TestSignalCodecByteOrder(t *testing.T) {
	little := SignalCodec{Order: binary.LittleEndian}
	big := SignalCodec{Order: binary.BigEndian}

	b := little.Encode(Signal{Address: testPeer, Channel: 3})

	_, err := little.Decode(b)
	assert.NoError(t, err)

	_, err = big.Decode(b)
	assert.ErrorIs(t, err, ErrHandshakeCorrupt)
}

// TestChannelPrefix verifies channel prefix encoding, including negative values.
func TestChannelPrefix(t *testing.T) {
	for _, ch := range []int32{1, 30, 0x1001, -1} {
		b := DefaultSignalCodec.EncodeChannel(ch)
		require.Len(t, b, ChannelPrefixSize)

		got, err := DefaultSignalCodec.DecodeChannel(b)
		require.NoError(t, err)
		assert.Equal(t, ch, got)
	}

	_, err := DefaultSignalCodec.DecodeChannel([]byte{1, 2})
	assert.ErrorIs(t, err, ErrHandshakeCorrupt)
}
