package protocol

import (
	"encoding/binary"
	"net/netip"
)

// Writer accumulates a payload for sending. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with a small preallocated buffer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the accumulated length.
func (w *Writer) Len() int { return len(w.buf) }

// Reset clears the writer for reuse.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// PutByte appends one byte.
func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

// PutBool appends a boolean as one byte.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
}

// PutUint16 appends a big-endian uint16.
func (w *Writer) PutUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// PutUint32 appends a big-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// PutUint64 appends a big-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// PutString appends a string with a 2-byte length prefix.
func (w *Writer) PutString(s string) {
	w.PutUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes appends raw bytes with no prefix.
func (w *Writer) PutBytes(b []byte) { w.buf = append(w.buf, b...) }

// PutAddrPort appends a wire-encoded endpoint.
func (w *Writer) PutAddrPort(ep netip.AddrPort) {
	w.buf = AppendAddrPort(w.buf, ep)
}
