package protocol

import (
	"crypto/aes"
	"crypto/cipher"
)

// cfb8 implements AES/CFB8: cipher feedback with an 8-bit shift register.
// The session key doubles as the IV; both directions keep independent
// register state. This is an interoperability constant of the wire
// protocol, not a tunable.
type cfb8 struct {
	block   cipher.Block
	reg     []byte
	tmp     []byte
	decrypt bool
}

func newCFB8(key []byte, decrypt bool) (*cfb8, error) {
	if len(key) != 16 {
		return nil, ErrCryptoFailure
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	c := &cfb8{
		block:   block,
		reg:     make([]byte, aes.BlockSize),
		tmp:     make([]byte, aes.BlockSize),
		decrypt: decrypt,
	}
	copy(c.reg, key)
	return c, nil
}

// XORKeyStream transforms src into dst in place-compatible fashion.
func (c *cfb8) XORKeyStream(dst, src []byte) {
	for i := 0; i < len(src); i++ {
		c.block.Encrypt(c.tmp, c.reg)
		in := src[i]
		out := in ^ c.tmp[0]
		copy(c.reg, c.reg[1:])
		if c.decrypt {
			c.reg[aes.BlockSize-1] = in
		} else {
			c.reg[aes.BlockSize-1] = out
		}
		dst[i] = out
	}
}
