package matrix

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/ids"
)

func buildMatrix(t *testing.T, a, b, c ids.NodeId) *Matrix {
	t.Helper()
	m := Create(a)
	m.Resize([]ids.NodeId{b, c}, nil, 1)
	m.nodes[a].setKnown(a, 5)
	m.nodes[a].setKnown(b, 2)
	m.nodes[b].setKnown(a, 1)
	return m
}

func matricesEqual(t *testing.T, m1, m2 *Matrix) bool {
	t.Helper()
	if m1.Len() != m2.Len() {
		return false
	}
	for _, id := range m1.Ids() {
		n2 := m2.Node(id)
		if n2 == nil {
			return false
		}
		n1 := m1.Node(id)
		for _, col := range m1.Ids() {
			if n1.Known(col) != n2.Known(col) {
				return false
			}
		}
	}
	return true
}

func TestMergeIdempotentAndCommutative(t *testing.T) {
	a, b, c := ids.NewNodeId(), ids.NewNodeId(), ids.NewNodeId()
	ids.SortNodeIds([]ids.NodeId{a, b, c})

	base := buildMatrix(t, a, b, c)
	other := buildMatrix(t, a, b, c)
	other.nodes[a].setKnown(c, 9)
	other.nodes[c].setKnown(a, 4)

	merged1 := base.Clone()
	merged1.Update(other)
	mergedTwice := merged1.Clone()
	mergedTwice.Update(other)
	require.True(t, matricesEqual(t, merged1, mergedTwice), "merge must be idempotent")

	ba := other.Clone()
	ba.Update(base)
	require.True(t, matricesEqual(t, merged1, ba), "merge must be commutative")
}

func TestResizePreservesExistingKnowledge(t *testing.T) {
	a, b := ids.NewNodeId(), ids.NewNodeId()
	m := Create(a)
	m.nodes[a].setKnown(a, 7)
	snapshot := m.Clone()

	c := ids.NewNodeId()
	m.Resize([]ids.NodeId{b, c}, nil, 1)

	require.Equal(t, snapshot.Node(a).Known(a), m.Node(a).Known(a))
	require.Equal(t, 3, m.Len())
}

func TestResizeSkipsExistingIds(t *testing.T) {
	a, b := ids.NewNodeId(), ids.NewNodeId()
	m := Create(a)
	m.Resize([]ids.NodeId{b}, nil, 1)
	m.nodes[b].setKnown(a, 3)
	m.Resize([]ids.NodeId{a, b}, nil, 1)
	require.Equal(t, 2, m.Len())
	require.Equal(t, uint64(3), m.Node(b).Known(a))
}

func TestDeleteRemovesRowAndColumn(t *testing.T) {
	a, b, c := ids.NewNodeId(), ids.NewNodeId(), ids.NewNodeId()
	m := buildMatrix(t, a, b, c)
	m.Delete(b)
	require.Equal(t, 2, m.Len())
	_, found := m.NodeOffset(b)
	require.False(t, found)
	require.Equal(t, uint64(0), m.Node(a).Known(b))
}

func TestDigestStableUnderOrdering(t *testing.T) {
	a, b := ids.NewNodeId(), ids.NewNodeId()
	m1 := Create(a)
	m1.Resize([]ids.NodeId{b}, nil, 1)
	m2 := m1.Clone()
	require.Equal(t, m1.Digest(), m2.Digest())

	m2.nodes[a].setKnown(b, 1)
	require.NotEqual(t, m1.Digest(), m2.Digest())
}
