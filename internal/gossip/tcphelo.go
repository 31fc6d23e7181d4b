package gossip

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/distadm/distadm/internal/ids"
)

// maxTrash bounds the padding a TCPHelo carries, per spec.md §4.5's
// "trash_size, trash[0..1024]".
const maxTrash = 1024

// TCPHelo is the handshake record exchanged in both directions when a TCP
// anti-entropy session opens, before either side's matrix is sent.
type TCPHelo struct {
	Nonce       ids.Nonce
	Random      [16]byte
	NodeID      ids.NodeId
	NodeHash    [32]byte
	MsgCount    uint64
	Version     uint16
	Initialized bool
	Trash       []byte
}

// msgPlainSize is node_id(16) + node_hash(32) + msg_cnt(8) + version(2) +
// initialized(1), the fields inside TCPHelo's inner "msg" struct.
const msgPlainSize = 16 + 32 + 8 + 2 + 1

func (h TCPHelo) signedPayload() []byte {
	buf := make([]byte, 16+msgPlainSize)
	copy(buf[0:16], h.Random[:])
	off := 16
	copy(buf[off:off+16], h.NodeID[:])
	off += 16
	copy(buf[off:off+32], h.NodeHash[:])
	off += 32
	binary.BigEndian.PutUint64(buf[off:off+8], h.MsgCount)
	off += 8
	binary.BigEndian.PutUint16(buf[off:off+2], h.Version)
	off += 2
	if h.Initialized {
		buf[off] = 1
	}
	return buf
}

// NewTCPHelo builds a handshake record for self, padded with trashLen random
// bytes (trashLen must be <= maxTrash).
func NewTCPHelo(self ids.NodeId, nodeHash [32]byte, msgCount uint64, initialized bool, trashLen int) (TCPHelo, error) {
	if trashLen > maxTrash {
		return TCPHelo{}, fmt.Errorf("gossip: trash length %d exceeds max %d", trashLen, maxTrash)
	}
	nonce, err := ids.NewNonce()
	if err != nil {
		return TCPHelo{}, err
	}
	var random [16]byte
	if _, err := rand.Read(random[:]); err != nil {
		return TCPHelo{}, fmt.Errorf("gossip: random handshake bytes: %w", err)
	}
	trash := make([]byte, trashLen)
	if _, err := rand.Read(trash); err != nil {
		return TCPHelo{}, fmt.Errorf("gossip: random trash: %w", err)
	}
	return TCPHelo{
		Nonce:       nonce,
		Random:      random,
		NodeID:      self,
		NodeHash:    nodeHash,
		MsgCount:    msgCount,
		Version:     UDPVersion,
		Initialized: initialized,
		Trash:       trash,
	}, nil
}

// WriteTCPHelo encodes h to w as:
// nonce(16) || keyed-hash(20) || random(16) || msg(59) || trash_size(8) || trash.
// The keyed SHA-1 covers random||msg, matching spec.md's "hash:SHA1 keyed
// integrity" description; the record is not otherwise encrypted, since the
// TCP session's subsequent matrix/command exchange is what actually needs
// confidentiality and that goes through internal/wire's framed stream.
func WriteTCPHelo(w io.Writer, key ids.Key, h TCPHelo) error {
	payload := h.signedPayload()
	mac := hmac.New(sha1.New, key[:])
	mac.Write(payload)
	sum := mac.Sum(nil)

	buf := make([]byte, 0, 16+sha1.Size+len(payload)+8+len(h.Trash))
	buf = append(buf, h.Nonce[:]...)
	buf = append(buf, sum...)
	buf = append(buf, payload...)
	var trashSize [8]byte
	binary.BigEndian.PutUint64(trashSize[:], uint64(len(h.Trash)))
	buf = append(buf, trashSize[:]...)
	buf = append(buf, h.Trash...)

	_, err := w.Write(buf)
	return err
}

// ReadTCPHelo decodes a record written by WriteTCPHelo.
func ReadTCPHelo(r io.Reader, key ids.Key) (TCPHelo, error) {
	var h TCPHelo
	head := make([]byte, 16+sha1.Size+16+msgPlainSize+8)
	if _, err := io.ReadFull(r, head); err != nil {
		return h, fmt.Errorf("gossip: read handshake head: %w", err)
	}

	copy(h.Nonce[:], head[:16])
	gotMAC := head[16 : 16+sha1.Size]
	rest := head[16+sha1.Size:]

	copy(h.Random[:], rest[:16])
	msg := rest[16 : 16+msgPlainSize]

	mac := hmac.New(sha1.New, key[:])
	mac.Write(rest)
	if !hmac.Equal(mac.Sum(nil), gotMAC) {
		return h, fmt.Errorf("gossip: handshake integrity check failed")
	}

	copy(h.NodeID[:], msg[0:16])
	copy(h.NodeHash[:], msg[16:48])
	h.MsgCount = binary.BigEndian.Uint64(msg[48:56])
	h.Version = binary.BigEndian.Uint16(msg[56:58])
	h.Initialized = msg[58] != 0

	trashSize := binary.BigEndian.Uint64(rest[16+msgPlainSize:])
	if trashSize > maxTrash {
		return h, fmt.Errorf("gossip: handshake trash_size %d exceeds max %d", trashSize, maxTrash)
	}
	h.Trash = make([]byte, trashSize)
	if _, err := io.ReadFull(r, h.Trash); err != nil {
		return h, fmt.Errorf("gossip: read handshake trash: %w", err)
	}
	return h, nil
}
