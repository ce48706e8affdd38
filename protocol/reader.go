package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// ErrReadPastEnd is returned by Reader getters once the payload is exhausted.
var ErrReadPastEnd = errors.New("read past end of payload")

// Reader is a cursor over a received payload. It optionally owns the backing
// packet: Recycle returns the packet to its pool, after which the Reader
// must not be used.
type Reader struct {
	data []byte
	pos  int

	pool *PacketPool
	pkt  *Packet
}

// NewReader wraps a plain byte slice (no backing packet).
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// NewPacketReader wraps the payload of pkt and takes ownership of it.
// Recycling the reader returns pkt to pool.
func NewPacketReader(pkt *Packet, pool *PacketPool) *Reader {
	return &Reader{data: pkt.Payload(), pool: pool, pkt: pkt}
}

// Recycle releases the backing packet, if any.
func (r *Reader) Recycle() {
	if r.pkt != nil {
		r.pool.Recycle(r.pkt)
		r.pkt = nil
	}
	r.data = nil
	r.pos = 0
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrReadPastEnd
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// GetByte reads one byte.
func (r *Reader) GetByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetBool reads one byte as a boolean.
func (r *Reader) GetBool() (bool, error) {
	b, err := r.GetByte()
	return b != 0, err
}

// GetUint16 reads a big-endian uint16.
func (r *Reader) GetUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// GetUint32 reads a big-endian uint32.
func (r *Reader) GetUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// GetUint64 reads a big-endian uint64.
func (r *Reader) GetUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// GetString reads a string with a 2-byte length prefix.
func (r *Reader) GetString() (string, error) {
	n, err := r.GetUint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetAddrPort reads a wire-encoded endpoint.
func (r *Reader) GetAddrPort() (netip.AddrPort, error) {
	ep, rest, err := ConsumeAddrPort(r.data[r.pos:])
	if err != nil {
		return netip.AddrPort{}, err
	}
	r.pos = len(r.data) - len(rest)
	return ep, nil
}

// GetRemainingBytes copies and returns all unread bytes. The copy survives
// recycling the reader.
func (r *Reader) GetRemainingBytes() []byte {
	out := make([]byte, r.Remaining())
	copy(out, r.data[r.pos:])
	r.pos = len(r.data)
	return out
}

// PeekRemaining returns the unread bytes without copying; the slice aliases
// the backing packet and dies with Recycle.
func (r *Reader) PeekRemaining() []byte { return r.data[r.pos:] }
