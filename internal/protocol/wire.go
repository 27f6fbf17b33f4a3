package protocol

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// Wire primitives shared by the frame codec and the packet tables. A varint
// is at most five bytes of seven payload bits each, low group first.

const maxVarIntBytes = 5

// AppendVarInt appends the varint encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for {
		b := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if u == 0 {
			return dst
		}
	}
}

// VarIntLen reports how many bytes AppendVarInt would write for v.
func VarIntLen(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// ReadVarInt decodes a varint from the front of buf. It returns the value
// and the number of bytes consumed. n == 0 means buf holds an incomplete
// varint; ErrMalformedLength means the prefix can never be valid.
func ReadVarInt(buf []byte) (v int32, n int, err error) {
	var u uint32
	for i := 0; i < len(buf); i++ {
		if i >= maxVarIntBytes {
			return 0, 0, ErrMalformedLength
		}
		b := buf[i]
		u |= uint32(b&0x7f) << (7 * uint(i))
		if b&0x80 == 0 {
			return int32(u), i + 1, nil
		}
	}
	if len(buf) >= maxVarIntBytes {
		return 0, 0, ErrMalformedLength
	}
	return 0, 0, nil
}

// Reader decodes packet fields from a single frame payload.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrMalformedLength
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) VarInt() (int32, error) {
	v, n, err := ReadVarInt(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrMalformedLength
	}
	r.pos += n
	return v, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Uint8()
	return b != 0, err
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) Int64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) Float32() (float32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) Float64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// String reads a varint-prefixed UTF-8 string of at most max bytes.
func (r *Reader) String(max int) (string, error) {
	n, err := r.VarInt()
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > max {
		return "", ErrMalformedLength
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ByteSlice reads a varint-prefixed byte slice of at most max bytes.
func (r *Reader) ByteSlice(max int) ([]byte, error) {
	n, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > max {
		return nil, ErrMalformedLength
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) UUID() (uuid.UUID, error) {
	b, err := r.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// Writer encodes packet fields into a frame payload.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 64)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) VarInt(v int32)  { w.buf = AppendVarInt(w.buf, v) }
func (w *Writer) Uint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) Raw(b []byte)    { w.buf = append(w.buf, b...) }
func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) Int32(v int32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *Writer) Int64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func (w *Writer) Float32(v float32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *Writer) Float64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *Writer) String(s string) {
	w.VarInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) ByteSlice(b []byte) {
	w.VarInt(int32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) UUID(u uuid.UUID) { w.buf = append(w.buf, u[:]...) }
