// Package gossip implements the UDP discovery beacon and TCP anti-entropy
// session that replicate state between nodes. Grounded on
// _examples/original_source/corenet.h/corenet.cpp (broadcast_helo, ips,
// addr_to_connect, request_message_from_node, downloading_msgs) and the
// teacher's client2/connection.go (retry/backoff shape, worker-goroutine
// connection lifecycle).
package gossip

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/wire"
)

// UDPCommand is the HELO datagram's command byte.
type UDPCommand byte

const (
	CmdHelo           UDPCommand = 1
	CmdBye            UDPCommand = 2
	CmdNotInitialized UDPCommand = 3
)

// UDPVersion is the current discovery datagram version.
const UDPVersion uint16 = 1

// udpPlainSize is the size of the plaintext HELO payload, before the
// keyed SHA-1 integrity field: version(2) + command(1) + counter(8) +
// group_id(16) + node_id(16) + node_hash(32).
const udpPlainSize = 2 + 1 + 8 + 16 + 16 + 32

// Helo is a decoded UDP discovery datagram (spec.md §4.5's UDPv1).
type Helo struct {
	Version  uint16
	Command  UDPCommand
	Counter  uint64
	GroupID  ids.GroupId
	NodeID   ids.NodeId
	NodeHash [32]byte // SHA-256 digest of NodeID's own matrix row
}

func (h Helo) plaintext() []byte {
	buf := make([]byte, udpPlainSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = byte(h.Command)
	binary.BigEndian.PutUint64(buf[3:11], h.Counter)
	copy(buf[11:27], h.GroupID[:])
	copy(buf[27:43], h.NodeID[:])
	copy(buf[43:75], h.NodeHash[:])
	return buf
}

// EncodeHelo serializes and encrypts h under key: the keyed SHA-1 over the
// plaintext fields is appended, the whole buffer is AES-256-CFB8 encrypted
// under a fresh nonce, and the datagram is nonce||ciphertext.
func EncodeHelo(key ids.Key, h Helo) ([]byte, error) {
	plain := h.plaintext()
	mac := hmac.New(sha1.New, key[:])
	mac.Write(plain)
	plain = append(plain, mac.Sum(nil)...)

	nonce, err := ids.NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := wire.EncryptCFB8(key, nonce, plain)
	if err != nil {
		return nil, err
	}
	return append(nonce[:], ct...), nil
}

// DecodeHelo decrypts and validates a datagram written by EncodeHelo. A
// failed integrity check returns an error; per spec.md §4.5 the caller
// should treat that as "silently dropped" rather than logged.
func DecodeHelo(key ids.Key, datagram []byte) (Helo, error) {
	var h Helo
	if len(datagram) != 16+udpPlainSize+sha1.Size {
		return h, fmt.Errorf("gossip: bad HELO datagram length %d", len(datagram))
	}
	var nonce ids.Nonce
	copy(nonce[:], datagram[:16])
	plain, err := wire.DecryptCFB8(key, nonce, datagram[16:])
	if err != nil {
		return h, err
	}
	body, gotMAC := plain[:udpPlainSize], plain[udpPlainSize:]
	mac := hmac.New(sha1.New, key[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), gotMAC) {
		return h, fmt.Errorf("gossip: HELO integrity check failed")
	}

	h.Version = binary.BigEndian.Uint16(body[0:2])
	h.Command = UDPCommand(body[2])
	h.Counter = binary.BigEndian.Uint64(body[3:11])
	copy(h.GroupID[:], body[11:27])
	copy(h.NodeID[:], body[27:43])
	copy(h.NodeHash[:], body[43:75])
	return h, nil
}

// MulticastGroup derives the deterministic IPv6 multicast address for a
// group: ff12:: followed by the group id's first 14 bytes (all that fit
// after the two-byte prefix), per spec.md §4.5.
func MulticastGroup(groupID ids.GroupId) [16]byte {
	var addr [16]byte
	addr[0] = 0xff
	addr[1] = 0x12
	copy(addr[2:], groupID[:15])
	return addr
}

// NodeHash summarizes a node's own matrix row for the HELO's node_hash
// field — a cheap staleness signal peers can compare without a full
// matrix exchange.
func NodeHash(id ids.NodeId, row map[ids.NodeId]uint64) [32]byte {
	h := sha256.New()
	h.Write(id[:])
	keys := make([]ids.NodeId, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	ids.SortNodeIds(keys)
	for _, k := range keys {
		h.Write(k[:])
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], row[k])
		h.Write(buf[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
