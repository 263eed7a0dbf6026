package btsocket

import (
	"github.com/rs/zerolog/log"
)

// packetConn is the part of an Endpoint the framer drives.
type packetConn interface {
	ReadSome(buf []byte) (int, error)
	WriteAll(buf []byte) error
}

// framer mediates reads and writes between a socket and its endpoint.
//
// For packet transports reads are served from one received packet at a
// time: the buffer is refilled with a single ReadSome only when it is
// exhausted, so packet boundaries set by the peer are never merged or split
// further. Writes larger than maxTx are cut into maxTx-sized chunks, one
// WriteAll per chunk, since the transport drops oversized packets.
//
// Stream and voice transports pass through untouched.
//
// A framer is not safe for concurrent readers or concurrent writers; one
// of each is fine.
type framer struct {
	conn   packetConn
	packet bool
	maxTx  int

	// Receive packet buffer; fixed capacity, never resized.
	buf    []byte
	cursor int
	valid  int
}

// newFramer builds a framer for the given transport and negotiated sizes.
// A zero maxRx on a packet transport falls back to pass-through reads,
// and a zero maxTx disables write chunking.
func newFramer(conn packetConn, t TransportType, maxTx, maxRx int) *framer {
	f := &framer{
		conn:   conn,
		packet: t.isPacketOriented(),
		maxTx:  maxTx,
	}
	if f.packet && maxRx > 0 {
		f.buf = make([]byte, maxRx)
	}
	return f
}

// Read copies bytes from the current packet into p, refilling the packet
// buffer with exactly one ReadSome when it is empty.
func (f *framer) Read(p []byte) (int, error) {
	if f.buf == nil {
		return f.conn.ReadSome(p)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.cursor == f.valid {
		if err := f.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.buf[f.cursor:f.valid])
	f.cursor += n
	return n, nil
}

// fill replaces the buffer contents with the next packet.
func (f *framer) fill() error {
	f.cursor, f.valid = 0, 0
	n, err := f.conn.ReadSome(f.buf)
	if err != nil {
		return err
	}
	f.valid = n

	log.Debug().
		Int("bytes", n).
		Int("capacity", len(f.buf)).
		Msg("received packet")
	return nil
}

// Buffered returns the number of unread bytes in the current packet.
func (f *framer) Buffered() int {
	return f.valid - f.cursor
}

// Write sends p, chunked to maxTx on packet transports.
// It returns the number of bytes handed to the endpoint before any error.
func (f *framer) Write(p []byte) (int, error) {
	if !f.packet || f.maxTx <= 0 || len(p) <= f.maxTx {
		if err := f.conn.WriteAll(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return f.writeChunks(p)
}

// writeChunks writes p in maxTx-sized pieces, in order.
func (f *framer) writeChunks(p []byte) (int, error) {
	total := len(p)

	log.Debug().
		Int("bytes", total).
		Int("maxTx", f.maxTx).
		Msg("fragmenting write")

	for len(p) > 0 {
		chunk := p
		if len(chunk) > f.maxTx {
			chunk = p[:f.maxTx]
		}
		if err := f.conn.WriteAll(chunk); err != nil {
			return total - len(p), err
		}
		p = p[len(chunk):]
	}
	return total, nil
}
