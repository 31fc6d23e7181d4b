package wire

import (
	"crypto/aes"
	"fmt"

	"github.com/distadm/distadm/internal/ids"
)

// EncryptCFB8 and DecryptCFB8 expose the AES-256-CFB8 primitive for the
// small, fixed-size, non-streamed UDP HELO datagram outside the
// framed-stream world (spec.md §4.5), which carries no running hash
// checkpoint and does not go through compression. The TCP handshake record
// (internal/gossip's tcphelo.go) does not use them and is sent without
// encryption.
func EncryptCFB8(key ids.Key, nonce ids.Nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("wire: aes cipher: %w", err)
	}
	c := newCFB8(block, nonce[:])
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = c.encryptByte(b)
	}
	return out, nil
}

// DecryptCFB8 is the counterpart of EncryptCFB8.
func DecryptCFB8(key ids.Key, nonce ids.Nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("wire: aes cipher: %w", err)
	}
	c := newCFB8(block, nonce[:])
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		out[i] = c.decryptByte(b)
	}
	return out, nil
}
