package handshake

import (
	"encoding/binary"

	"github.com/multiformats/go-varint"
)

// Writer builds a message body. Fixed fields are little-endian and byte
// strings carry a uvarint length prefix.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with capacity hint n.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded body.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) PutUint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) PutUint16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) PutUint32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) PutUint64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) PutBool(v bool) *Writer {
	if v {
		return w.PutUint8(1)
	}
	return w.PutUint8(0)
}

// PutBytes appends a length-prefixed byte string.
func (w *Writer) PutBytes(b []byte) *Writer {
	w.buf = append(w.buf, varint.ToUvarint(uint64(len(b)))...)
	w.buf = append(w.buf, b...)
	return w
}

// PutUint32List appends a counted list of uint32 values.
func (w *Writer) PutUint32List(vs []uint32) *Writer {
	w.buf = append(w.buf, varint.ToUvarint(uint64(len(vs)))...)
	for _, v := range vs {
		w.PutUint32(v)
	}
	return w
}

// Reader decodes a message body written by Writer. The first decoding
// failure is sticky and reported by Err.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader returns a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns ErrInvalidMessage if any read ran past the data.
func (r *Reader) Err() error {
	return r.err
}

// Done returns Err, or ErrInvalidMessage if unread bytes remain.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return Errorf(ErrInvalidMessage, "%d trailing bytes", len(r.data)-r.off)
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = ErrInvalidMessage
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

func (r *Reader) length() int {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.FromUvarint(r.data[r.off:])
	if err != nil || v > uint64(len(r.data)) {
		r.err = ErrInvalidMessage
		return 0
	}
	r.off += n
	return int(v)
}

// Bytes reads a length-prefixed byte string. The result is a copy.
func (r *Reader) Bytes() []byte {
	n := r.length()
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Uint32List reads a counted list of uint32 values.
func (r *Reader) Uint32List() []uint32 {
	n := r.length()
	if r.err != nil {
		return nil
	}
	vs := make([]uint32, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		vs = append(vs, r.Uint32())
	}
	return vs
}
