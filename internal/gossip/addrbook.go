package gossip

import (
	"math/rand/v2"
	"time"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
)

// retryMin and retryMax bound the uniform-random reconnect backoff of
// spec.md §4.5 ("uniform random in [1s, 8s]").
const (
	retryMin = 1 * time.Second
	retryMax = 8 * time.Second
)

// RetryDelay returns a uniformly random backoff in [retryMin, retryMax].
func RetryDelay() time.Duration {
	span := int64(retryMax - retryMin)
	return retryMin + time.Duration(rand.Int64N(span+1))
}

// peerInfo is what the address book remembers about one discovered peer.
type peerInfo struct {
	addr     string
	nodeID   ids.NodeId
	nodeHash [32]byte
	lastSeen time.Time
}

// AddrBook tracks peers discovered via UDP HELO beacons and classifies them
// by Interest (spec.md SUPPLEMENTED FEATURES #2 / original_source/core.h's
// Node::Interesting cache), picking a uniformly random address to connect
// to among the interesting-or-unknown set, excluding whichever address is
// already the current server-side partner.
type AddrBook struct {
	peers map[string]*peerInfo
}

// NewAddrBook returns an empty address book.
func NewAddrBook() *AddrBook {
	return &AddrBook{peers: make(map[string]*peerInfo)}
}

// Observe records (or refreshes) a peer seen via a HELO beacon.
func (b *AddrBook) Observe(addr string, nodeID ids.NodeId, nodeHash [32]byte) {
	b.peers[addr] = &peerInfo{addr: addr, nodeID: nodeID, nodeHash: nodeHash, lastSeen: time.Now()}
}

// Forget drops addr — called on any connection failure, per spec.md §4.5
// ("forgetting the address on any failure and awaiting UDP rediscovery").
func (b *AddrBook) Forget(addr string) {
	delete(b.peers, addr)
}

// Classify reports whether peer is worth connecting to: either self has no
// cached row for the peer at all (unknown, always worth a look), or the
// peer's freshly-announced NodeHash differs from the hash self last cached
// for that peer's row and is non-zero (stale cache, worth resyncing).
// Grounded on original_source/core.h's Node::Interesting cache (SUPPLEMENTED
// FEATURES #2).
func Classify(self *matrix.Matrix, peerID ids.NodeId, peerHash [32]byte) matrix.Interest {
	row := self.Node(peerID)
	if row == nil {
		return matrix.InterestUnknown
	}
	cached := [32]byte(row.Hash)
	if cached == peerHash {
		return matrix.InterestNo
	}
	if peerHash == ([32]byte{}) {
		return matrix.InterestNo
	}
	return matrix.InterestYes
}

// Pick uniformly selects an address worth connecting to among every peer
// classified InterestYes or InterestUnknown, excluding exclude (the
// current server-side partner, so a node never dials the peer that is
// already dialing it). Returns ("", false) if nothing qualifies.
func (b *AddrBook) Pick(self *matrix.Matrix, exclude string) (string, bool) {
	var candidates []string
	for addr, p := range b.peers {
		if addr == exclude {
			continue
		}
		switch Classify(self, p.nodeID, p.nodeHash) {
		case matrix.InterestYes, matrix.InterestUnknown:
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// Len reports how many peers are currently tracked.
func (b *AddrBook) Len() int { return len(b.peers) }
