// Package matrix implements the knowledge matrix: for every ordered pair of
// nodes (R, A) the sequence number up to which R is known to have seen
// commands authored by A. Grounded on
// _examples/original_source/core.h's Matrix/Node (lines 64-160).
package matrix

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/distadm/distadm/internal/ids"
)

// Interest is the "is it worth connecting to this peer" tri-state from
// _examples/original_source/core.h's Node::Intersting, restored per
// SPEC_FULL.md's supplemented feature #2. internal/gossip's Classify
// computes it afresh on every address pick; it is never serialized.
type Interest int

const (
	InterestUnknown Interest = iota
	InterestYes
	InterestNo
)

// Node is one row of the matrix: node P's knowledge about every other
// node's authored sequence, plus P's own bookkeeping fields.
type Node struct {
	// Row[K] is the smallest sequence number not yet known by this node to
	// have been authored by K.
	Row map[ids.NodeId]uint64

	// CommandToExec is this node's own pointer into its authored stream —
	// "next to execute locally". Only meaningful for the local node; a
	// remote row carries the value observed at snapshot time.
	CommandToExec uint64

	// NetMsgCnt is carried with the row and merged by maximum in Update.
	// No code increments it, and internal/gossip does not check received
	// counters against it.
	NetMsgCnt uint64

	// ProtoVer is the maximum protocol version this node understands.
	ProtoVer uint16

	// Hash is a cached digest of this node's own matrix.
	Hash ids.MatrixDigest

	// Initialized is true once this node has completed its invitation
	// handshake.
	Initialized bool

	// Interest is gossip-local bookkeeping, never serialized.
	Interest Interest `cbor:"-"`
}

func newNode(protoVer uint16) *Node {
	return &Node{Row: make(map[ids.NodeId]uint64), ProtoVer: protoVer, Initialized: true}
}

// Known returns this row's floor for author; zero if author is unknown to
// this row.
func (n *Node) Known(author ids.NodeId) uint64 {
	return n.Row[author]
}

func (n *Node) setKnown(author ids.NodeId, v uint64) {
	if n.Row == nil {
		n.Row = make(map[ids.NodeId]uint64)
	}
	n.Row[author] = v
}

// SetKnown sets this row's floor for author. Exported for internal/command,
// which advances a node's self-column as it authors new commands.
func (n *Node) SetKnown(author ids.NodeId, v uint64) {
	n.setKnown(author, v)
}

// Clone deep-copies a Node (used by Resize's template row).
func (n *Node) Clone() *Node {
	row := make(map[ids.NodeId]uint64, len(n.Row))
	for k, v := range n.Row {
		row[k] = v
	}
	return &Node{
		Row:           row,
		CommandToExec: n.CommandToExec,
		NetMsgCnt:     n.NetMsgCnt,
		ProtoVer:      n.ProtoVer,
		Hash:          n.Hash,
		Initialized:   n.Initialized,
	}
}

// Matrix is an ordered mapping from NodeId to Node. The canonical column
// order is the NodeId sort order (invariant M1); a map alone cannot
// guarantee that in Go, so order is tracked explicitly.
type Matrix struct {
	order []ids.NodeId
	nodes map[ids.NodeId]*Node
}

// New returns an empty matrix.
func New() *Matrix {
	return &Matrix{nodes: make(map[ids.NodeId]*Node)}
}

// Create initializes a fresh 1x1 matrix for a brand new group — used on
// group creation.
func Create(self ids.NodeId) *Matrix {
	m := New()
	n := newNode(1)
	n.setKnown(self, 0)
	m.order = []ids.NodeId{self}
	m.nodes[self] = n
	return m
}

// Ids returns the canonical, NodeId-sorted node order.
func (m *Matrix) Ids() []ids.NodeId {
	out := make([]ids.NodeId, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of nodes in the matrix.
func (m *Matrix) Len() int { return len(m.order) }

// Node returns the row for id, or nil if id is not present.
func (m *Matrix) Node(id ids.NodeId) *Node {
	return m.nodes[id]
}

// NodeOffset returns the column/row index for id in the canonical order.
func (m *Matrix) NodeOffset(id ids.NodeId) (int, bool) {
	for i, candidate := range m.order {
		if candidate == id {
			return i, true
		}
	}
	return -1, false
}

func (m *Matrix) insertSorted(id ids.NodeId) {
	i := 0
	for i < len(m.order) && m.order[i].Less(id) {
		i++
	}
	m.order = append(m.order, ids.NodeId{})
	copy(m.order[i+1:], m.order[i:])
	m.order[i] = id
}

// Resize extends the matrix with newIds. Each new row is a clone of
// template (or a zero row when template is nil); pre-existing rows gain a
// zero-valued column for each new id implicitly (a Node.Row lookup for an
// id absent from the map returns zero). newIds are inserted at their
// NodeId sort position so the global ordering invariant holds, and ids
// already present in the matrix are skipped.
func (m *Matrix) Resize(newIds []ids.NodeId, template *Node, protoVer uint16) {
	sorted := append([]ids.NodeId(nil), newIds...)
	ids.SortNodeIds(sorted)
	for _, id := range sorted {
		if _, exists := m.nodes[id]; exists {
			continue
		}
		var n *Node
		if template != nil {
			n = template.Clone()
		} else {
			n = newNode(protoVer)
		}
		n.ProtoVer = protoVer
		m.nodes[id] = n
		m.insertSorted(id)
	}
}

// Delete removes id's row, and implicitly its column from every remaining
// row (a map lookup for a removed author simply returns zero from then on,
// since Known is keyed by NodeId rather than positional index).
func (m *Matrix) Delete(id ids.NodeId) {
	delete(m.nodes, id)
	for i, candidate := range m.order {
		if candidate == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for _, n := range m.nodes {
		delete(n.Row, id)
	}
}

// Update merges rows present in both matrices: for each matching row,
// self[i][j] = max(self[i][j], other[i][j]) over every column key other
// carries, and NetMsgCnt/ProtoVer take the max too. Non-overlapping rows or
// columns are left unchanged. Returns whether any cell advanced.
func (m *Matrix) Update(other *Matrix) bool {
	advanced := false
	for id, otherNode := range other.nodes {
		selfNode, ok := m.nodes[id]
		if !ok {
			continue
		}
		for author, otherVal := range otherNode.Row {
			if otherVal > selfNode.Known(author) {
				selfNode.setKnown(author, otherVal)
				advanced = true
			}
		}
		if otherNode.NetMsgCnt > selfNode.NetMsgCnt {
			selfNode.NetMsgCnt = otherNode.NetMsgCnt
			advanced = true
		}
		if otherNode.ProtoVer > selfNode.ProtoVer {
			selfNode.ProtoVer = otherNode.ProtoVer
			advanced = true
		}
	}
	return advanced
}

// Digest computes SHA-256 of (NodeId‖row) concatenation in NodeId order —
// the cached Node.Hash value a node publishes about its own matrix.
func (m *Matrix) Digest() ids.MatrixDigest {
	h := sha256.New()
	for _, id := range m.order {
		h.Write(id[:])
		row := m.nodes[id]
		for _, col := range m.order {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], row.Known(col))
			h.Write(buf[:])
		}
	}
	var out ids.MatrixDigest
	copy(out[:], h.Sum(nil))
	return out
}

// Clone deep-copies the matrix.
func (m *Matrix) Clone() *Matrix {
	out := New()
	out.order = append(out.order, m.order...)
	for id, n := range m.nodes {
		out.nodes[id] = n.Clone()
	}
	return out
}
