// Package ids defines the 128-bit and 256-bit opaque identifiers used
// throughout the replication engine (node, group, invitation, nonce, the
// symmetric group key, and the matrix digest), plus the PBKDF2 password
// stretch used to wrap online/offline invitations.
package ids

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// InviteKDFIterations is the PBKDF2-HMAC-SHA256 iteration count used to
// stretch an invitation password into a wrapping key. Named rather than
// inlined so §8.8's reference test vector has a stable symbol to pin to.
const InviteKDFIterations = 200

// NodeId identifies a member of the replication group.
type NodeId [16]byte

// GroupId identifies the replication group itself.
type GroupId [16]byte

// InviteId identifies a single in-flight offline invitation, letting the
// inviter reject an acknowledgment packet belonging to a different invite.
type InviteId [16]byte

// Nonce is a 128-bit value used to seed stream ciphers and KDFs. It must
// never be reused under the same key.
type Nonce [16]byte

// Key is a 256-bit symmetric key: the group key, or the key derived from an
// invitation password.
type Key [32]byte

// MatrixDigest summarizes a Matrix snapshot (SHA-256 of NodeId‖row,
// concatenated in NodeId order).
type MatrixDigest [32]byte

func newRandom16() (out [16]byte) {
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

// NewNodeId returns a fresh random node identifier.
func NewNodeId() NodeId { return NodeId(newRandom16()) }

// NewGroupId returns a fresh random group identifier.
func NewGroupId() GroupId { return GroupId(newRandom16()) }

// NewInviteId returns a fresh random invitation identifier.
func NewInviteId() InviteId { return InviteId(newRandom16()) }

// NewNonce returns a fresh random nonce. Every stream construction and every
// invitation wrapping must call this exactly once per key use.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("ids: generate nonce: %w", err)
	}
	return n, nil
}

// NewKey returns a fresh random 256-bit symmetric key, used as a new group's
// shared secret.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("ids: generate key: %w", err)
	}
	return k, nil
}

// DeriveInviteKey stretches an invitation password into a wrapping Key via
// PBKDF2-HMAC-SHA256, at the fixed InviteKDFIterations count.
func DeriveInviteKey(password string, nonce Nonce) Key {
	raw := pbkdf2.Key([]byte(password), nonce[:], InviteKDFIterations, 32, sha256.New)
	var k Key
	copy(k[:], raw)
	return k
}

// MarshalBinary/UnmarshalBinary let github.com/fxamacker/cbor/v2 encode
// these fixed-size arrays as compact byte strings instead of CBOR arrays
// of integers.
func (id NodeId) MarshalBinary() ([]byte, error) { return append([]byte(nil), id[:]...), nil }
func (id *NodeId) UnmarshalBinary(b []byte) error {
	if len(b) != len(id) {
		return fmt.Errorf("ids: bad NodeId length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

func (id GroupId) MarshalBinary() ([]byte, error) { return append([]byte(nil), id[:]...), nil }
func (id *GroupId) UnmarshalBinary(b []byte) error {
	if len(b) != len(id) {
		return fmt.Errorf("ids: bad GroupId length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

func (id InviteId) MarshalBinary() ([]byte, error) { return append([]byte(nil), id[:]...), nil }
func (id *InviteId) UnmarshalBinary(b []byte) error {
	if len(b) != len(id) {
		return fmt.Errorf("ids: bad InviteId length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

func (n Nonce) MarshalBinary() ([]byte, error) { return append([]byte(nil), n[:]...), nil }
func (n *Nonce) UnmarshalBinary(b []byte) error {
	if len(b) != len(n) {
		return fmt.Errorf("ids: bad Nonce length %d", len(b))
	}
	copy(n[:], b)
	return nil
}

func (k Key) MarshalBinary() ([]byte, error) { return append([]byte(nil), k[:]...), nil }
func (k *Key) UnmarshalBinary(b []byte) error {
	if len(b) != len(k) {
		return fmt.Errorf("ids: bad Key length %d", len(b))
	}
	copy(k[:], b)
	return nil
}

func (d MatrixDigest) MarshalBinary() ([]byte, error) { return append([]byte(nil), d[:]...), nil }
func (d *MatrixDigest) UnmarshalBinary(b []byte) error {
	if len(b) != len(d) {
		return fmt.Errorf("ids: bad MatrixDigest length %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// MarshalJSON/UnmarshalJSON render identifiers as hex strings in the local
// state document and the group-identity file, both of which are plain JSON
// per spec.md §4.7/§3 rather than CBOR.
func (id NodeId) MarshalJSON() ([]byte, error) { return jsonHexString(id[:]) }
func (id *NodeId) UnmarshalJSON(b []byte) error { return jsonHexParse(b, id[:]) }

// MarshalText/UnmarshalText let NodeId serve as a JSON object key (e.g.
// state.Document.StateNodes), which encoding/json requires TextMarshaler
// for on any non-string-kind key type.
func (id NodeId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *NodeId) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("ids: decode NodeId text: %w", err)
	}
	if len(decoded) != len(id) {
		return fmt.Errorf("ids: bad NodeId text length %d", len(decoded))
	}
	copy(id[:], decoded)
	return nil
}

func (id GroupId) MarshalJSON() ([]byte, error) { return jsonHexString(id[:]) }
func (id *GroupId) UnmarshalJSON(b []byte) error { return jsonHexParse(b, id[:]) }

func (id InviteId) MarshalJSON() ([]byte, error) { return jsonHexString(id[:]) }
func (id *InviteId) UnmarshalJSON(b []byte) error { return jsonHexParse(b, id[:]) }

func jsonHexString(b []byte) ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(b) + `"`), nil
}

func jsonHexParse(b []byte, out []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("ids: malformed hex string %q", s)
	}
	decoded, err := hex.DecodeString(s[1 : len(s)-1])
	if err != nil {
		return fmt.Errorf("ids: decode hex string: %w", err)
	}
	if len(decoded) != len(out) {
		return fmt.Errorf("ids: bad decoded length %d, want %d", len(decoded), len(out))
	}
	copy(out, decoded)
	return nil
}

func (id NodeId) String() string   { return hex.EncodeToString(id[:]) }
func (id GroupId) String() string  { return hex.EncodeToString(id[:]) }
func (id InviteId) String() string { return hex.EncodeToString(id[:]) }

// Less gives NodeId a total, stable order independent of map iteration —
// the canonical row/column ordering the matrix and wire formats rely on.
func (id NodeId) Less(other NodeId) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// SortNodeIds sorts ids in place by the canonical NodeId ordering.
func SortNodeIds(ids []NodeId) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
