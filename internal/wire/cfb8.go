package wire

import "crypto/cipher"

// cfb8 implements AES-256-CFB8 (8-bit segment feedback): a shift-register
// stream cipher that consumes the underlying block cipher one byte of
// keystream at a time. The standard library's crypto/cipher only offers
// full block-width CFB (CFB-128); the original distadm wire format fixes
// CFB-8 (ccstream.h / cryptkey.h), which this encoding predates and which
// gnutls exposes directly but Go does not, so the feedback loop is
// hand-rolled here over a stdlib crypto/aes block — there is no
// ecosystem CFB-8 implementation in the examples pack to wire in its
// place (see DESIGN.md).
type cfb8 struct {
	block cipher.Block
	shift []byte
	tmp   []byte
}

func newCFB8(block cipher.Block, iv []byte) *cfb8 {
	bs := block.BlockSize()
	shift := make([]byte, bs)
	copy(shift, iv)
	return &cfb8{block: block, shift: shift, tmp: make([]byte, bs)}
}

// keystreamByte returns the keystream byte for the register's current
// state; advance then shifts fb into the register. fb is the ciphertext
// byte, for both encryption and decryption.
func (c *cfb8) keystreamByte() byte {
	c.block.Encrypt(c.tmp, c.shift)
	return c.tmp[0]
}

func (c *cfb8) advance(fb byte) {
	copy(c.shift, c.shift[1:])
	c.shift[len(c.shift)-1] = fb
}

// encryptByte encrypts a single plaintext byte and advances the register.
func (c *cfb8) encryptByte(p byte) byte {
	ct := p ^ c.keystreamByte()
	c.advance(ct)
	return ct
}

// decryptByte decrypts a single ciphertext byte and advances the register.
func (c *cfb8) decryptByte(ct byte) byte {
	pt := ct ^ c.keystreamByte()
	c.advance(ct)
	return pt
}
