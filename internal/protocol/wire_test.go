package protocol

import (
	"bytes"
	"testing"
)

func TestVarIntRoundTrip(t *testing.T) {
	cases := []int32{0, 1, 127, 128, 255, 300, 25565, 2097151, 2147483647, -1, -2147483648}
	for _, v := range cases {
		buf := AppendVarInt(nil, v)
		if len(buf) != VarIntLen(v) {
			t.Fatalf("VarIntLen(%d) = %d, encoded %d bytes", v, VarIntLen(v), len(buf))
		}
		got, n, err := ReadVarInt(buf)
		if err != nil {
			t.Fatalf("ReadVarInt(%d): %v", v, err)
		}
		if n != len(buf) || got != v {
			t.Fatalf("ReadVarInt(%d) = %d (%d bytes), want %d (%d bytes)", v, got, n, v, len(buf))
		}
	}
}

func TestVarIntIncomplete(t *testing.T) {
	buf := AppendVarInt(nil, 2097151)
	_, n, err := ReadVarInt(buf[:2])
	if err != nil || n != 0 {
		t.Fatalf("expected incomplete varint, got n=%d err=%v", n, err)
	}
}

func TestVarIntMalformed(t *testing.T) {
	// Six continuation bytes can never terminate inside five.
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80}
	if _, _, err := ReadVarInt(buf); err != ErrMalformedLength {
		t.Fatalf("expected ErrMalformedLength, got %v", err)
	}
}

func TestReaderWriterFields(t *testing.T) {
	w := NewWriter()
	w.VarInt(300)
	w.Uint16(25565)
	w.Int64(-42)
	w.Float64(12.5)
	w.Float32(-3.5)
	w.Bool(true)
	w.String("steve")
	w.ByteSlice([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	if v, err := r.VarInt(); err != nil || v != 300 {
		t.Fatalf("VarInt = %d, %v", v, err)
	}
	if v, err := r.Uint16(); err != nil || v != 25565 {
		t.Fatalf("Uint16 = %d, %v", v, err)
	}
	if v, err := r.Int64(); err != nil || v != -42 {
		t.Fatalf("Int64 = %d, %v", v, err)
	}
	if v, err := r.Float64(); err != nil || v != 12.5 {
		t.Fatalf("Float64 = %v, %v", v, err)
	}
	if v, err := r.Float32(); err != nil || v != -3.5 {
		t.Fatalf("Float32 = %v, %v", v, err)
	}
	if v, err := r.Bool(); err != nil || !v {
		t.Fatalf("Bool = %v, %v", v, err)
	}
	if v, err := r.String(16); err != nil || v != "steve" {
		t.Fatalf("String = %q, %v", v, err)
	}
	if v, err := r.ByteSlice(16); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("ByteSlice = %v, %v", v, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected empty reader, %d bytes left", r.Remaining())
	}
}

func TestReaderStringTooLong(t *testing.T) {
	w := NewWriter()
	w.String("too long for the limit")
	r := NewReader(w.Bytes())
	if _, err := r.String(4); err == nil {
		t.Fatalf("expected length error")
	}
}
