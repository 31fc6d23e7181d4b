package wire

import (
	"crypto/aes"
	"crypto/sha1"
	"fmt"
	"hash"

	"github.com/distadm/distadm/internal/ids"
)

const (
	sha1Size = sha1.Size
	ivSize   = aes.BlockSize // 16 bytes, also the CFB-8 shift register size
)

// EncStream is the encrypted layer: AES-256-CFB8 over a BufferedStream,
// maintaining a running SHA-1 hash of the plaintext that passes through it
// (which, for this wire format, is the compressed byte stream produced by
// the layer above — see cfb8.go and compressed.go). Grounded on
// _examples/original_source/ccstream.h's ICstream/OCstream.
type EncStream struct {
	buf    *BufferedStream
	cipher *cfb8
	h      hash.Hash
}

// NewEncWriter starts a fresh encrypted session: it writes a random 128-bit
// nonce (the CFB-8 IV) and a random 128-bit discriminator, neither hash
// accumulated, so that cribbing against a fixed header is not free.
func NewEncWriter(buf *BufferedStream, key ids.Key) (*EncStream, error) {
	nonce, err := ids.NewNonce()
	if err != nil {
		return nil, err
	}
	discriminator, err := ids.NewNonce()
	if err != nil {
		return nil, err
	}
	if _, err := buf.Write(nonce[:]); err != nil {
		return nil, err
	}
	if _, err := buf.Write(discriminator[:]); err != nil {
		return nil, err
	}
	return newEncStream(buf, key, nonce)
}

// NewEncReader reads the nonce and discriminator written by NewEncWriter.
func NewEncReader(buf *BufferedStream, key ids.Key) (*EncStream, error) {
	var nonce ids.Nonce
	if _, err := buf.Read(nonce[:]); err != nil {
		return nil, err
	}
	var discriminator ids.Nonce
	if _, err := buf.Read(discriminator[:]); err != nil {
		return nil, err
	}
	return newEncStream(buf, key, nonce)
}

func newEncStream(buf *BufferedStream, key ids.Key, nonce ids.Nonce) (*EncStream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("wire: aes cipher: %w", err)
	}
	return &EncStream{
		buf:    buf,
		cipher: newCFB8(block, nonce[:]),
		h:      sha1.New(),
	}, nil
}

// Write encrypts p and folds the plaintext into the running hash.
func (e *EncStream) Write(p []byte) (int, error) {
	return e.write(p, true)
}

// WriteNC encrypts p without accumulating it into the hash — used only to
// emit the hash-checkpoint bytes themselves.
func (e *EncStream) WriteNC(p []byte) (int, error) {
	return e.write(p, false)
}

func (e *EncStream) write(p []byte, accumulate bool) (int, error) {
	ct := make([]byte, len(p))
	for i, b := range p {
		ct[i] = e.cipher.encryptByte(b)
	}
	if accumulate {
		e.h.Write(p)
	}
	if _, err := e.buf.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts len(p) bytes and folds the plaintext into the running hash.
func (e *EncStream) Read(p []byte) (int, error) {
	return e.read(p, true)
}

// ReadNH decrypts len(p) bytes without accumulating them into the hash —
// the counterpart of WriteNC, used only to read a checkpoint's hash bytes.
func (e *EncStream) ReadNH(p []byte) (int, error) {
	return e.read(p, false)
}

func (e *EncStream) read(p []byte, accumulate bool) (int, error) {
	ct := make([]byte, len(p))
	if _, err := e.buf.Read(ct); err != nil {
		return 0, err
	}
	for i, c := range ct {
		p[i] = e.cipher.decryptByte(c)
	}
	if accumulate {
		e.h.Write(p)
	}
	return len(p), nil
}

// ReadByte decrypts and hash-accumulates a single byte. It satisfies
// io.ByteReader so that compress/flate reads exactly as many bytes as its
// deflate stream needs, never over-buffering into bytes belonging to a
// later logical record (see buffered.go's BufferedStream.ReadByte doc).
func (e *EncStream) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := e.buf.Read(buf[:]); err != nil {
		return 0, err
	}
	p := e.cipher.decryptByte(buf[0])
	e.h.Write([]byte{p})
	return p, nil
}

// WriteHash emits the current hash state (bypassing accumulation) and
// reseeds the hash with that checkpoint value so the next checkpoint
// chains from it instead of restarting from zero.
func (e *EncStream) WriteHash() error {
	sum := e.h.Sum(nil)
	if _, err := e.WriteNC(sum); err != nil {
		return err
	}
	e.rekey(sum)
	return nil
}

// CheckHash reads a peer-emitted checkpoint and compares it against the
// locally accumulated hash, returning ErrCorruptStream on mismatch. On
// success it reseeds identically to WriteHash so both sides' chains match.
func (e *EncStream) CheckHash() error {
	want := e.h.Sum(nil)
	got := make([]byte, sha1Size)
	if _, err := e.ReadNH(got); err != nil {
		return err
	}
	if !hashEqual(want, got) {
		return fmt.Errorf("%w: hash checkpoint mismatch", ErrCorruptStream)
	}
	e.rekey(got)
	return nil
}

func (e *EncStream) rekey(checkpoint []byte) {
	e.h = sha1.New()
	e.h.Write(checkpoint)
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
