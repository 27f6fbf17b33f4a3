package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Frame layout on the wire:
//
//	varint frameLen | frame bytes
//
// With compression negotiated, the frame bytes start with a varint
// uncompressed size; 0 means the packet is stored raw (it was below the
// threshold), anything else is the inflated size of the zlib body. The
// whole stream is run through AES/CFB8 once encryption is active.
//
// The Decoder owns inbound direction state, the Encoder outbound; a
// connection's reader and writer goroutines each own exactly one of them.

// Decoder turns an append-only byte stream into frame payloads.
type Decoder struct {
	maxFrame   int
	compressed bool
	cipher     *cfb8

	buf []byte
	pos int
}

func NewDecoder(maxFrame int) *Decoder {
	return &Decoder{maxFrame: maxFrame}
}

// EnableEncryption installs the stream cipher. Bytes fed afterwards are
// decrypted before framing.
func (d *Decoder) EnableEncryption(secret []byte) error {
	c, err := newCFB8(secret, true)
	if err != nil {
		return err
	}
	d.cipher = c
	return nil
}

// EnableCompression marks subsequent frames as carrying the uncompressed
// size prefix.
func (d *Decoder) EnableCompression() { d.compressed = true }

// Feed appends raw socket bytes, decrypting them if encryption is active.
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	start := len(d.buf)
	d.buf = append(d.buf, p...)
	if d.cipher != nil {
		d.cipher.XORKeyStream(d.buf[start:], d.buf[start:])
	}
}

// Next returns the next complete frame payload, or nil when no complete
// frame is buffered. Consumed bytes are dropped; partial trailing bytes
// stay for the next Feed. Calling Next again without new bytes returns
// nil without consuming anything.
func (d *Decoder) Next() ([]byte, error) {
	pending := d.buf[d.pos:]
	frameLen, n, err := ReadVarInt(pending)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if frameLen <= 0 {
		return nil, ErrMalformedLength
	}
	if int(frameLen) > d.maxFrame {
		return nil, ErrFrameTooLarge
	}
	if len(pending) < n+int(frameLen) {
		return nil, nil
	}
	// Copy before consuming: compact may slide the tail over these bytes.
	frame := make([]byte, int(frameLen))
	copy(frame, pending[n:])
	d.pos += n + int(frameLen)
	d.compact()

	if !d.compressed {
		return frame, nil
	}

	size, m, err := ReadVarInt(frame)
	if err != nil || m == 0 {
		return nil, ErrCompression
	}
	body := frame[m:]
	if size == 0 {
		return body, nil
	}
	if int(size) > d.maxFrame {
		return nil, ErrFrameTooLarge
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	defer zr.Close()
	out := make([]byte, int(size))
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	// Trailing garbage after the declared size also indicates a broken peer.
	if n, _ := zr.Read(make([]byte, 1)); n != 0 {
		return nil, ErrCompression
	}
	return out, nil
}

func (d *Decoder) compact() {
	if d.pos == 0 {
		return
	}
	if d.pos == len(d.buf) {
		d.buf = d.buf[:0]
		d.pos = 0
		return
	}
	// Only slide the tail down once the consumed prefix dominates.
	if d.pos > 4096 && d.pos > len(d.buf)/2 {
		d.buf = append(d.buf[:0], d.buf[d.pos:]...)
		d.pos = 0
	}
}

// Encoder frames packet payloads for the wire.
type Encoder struct {
	threshold int // -1: compression off
	cipher    *cfb8
}

func NewEncoder() *Encoder { return &Encoder{threshold: -1} }

func (e *Encoder) EnableEncryption(secret []byte) error {
	c, err := newCFB8(secret, false)
	if err != nil {
		return err
	}
	e.cipher = c
	return nil
}

func (e *Encoder) EnableCompression(threshold int) {
	if threshold < 0 {
		threshold = 0
	}
	e.threshold = threshold
}

// Encode frames (and compresses/encrypts as negotiated) one packet payload.
func (e *Encoder) Encode(payload []byte) ([]byte, error) {
	var frame []byte
	if e.threshold < 0 {
		frame = payload
	} else if len(payload) < e.threshold {
		frame = make([]byte, 0, len(payload)+1)
		frame = AppendVarInt(frame, 0)
		frame = append(frame, payload...)
	} else {
		var body bytes.Buffer
		zw := zlib.NewWriter(&body)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompression, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompression, err)
		}
		frame = AppendVarInt(nil, int32(len(payload)))
		frame = append(frame, body.Bytes()...)
	}

	out := make([]byte, 0, VarIntLen(int32(len(frame)))+len(frame))
	out = AppendVarInt(out, int32(len(frame)))
	out = append(out, frame...)
	if e.cipher != nil {
		e.cipher.XORKeyStream(out, out)
	}
	return out, nil
}
