package gossip

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
)

func mustKey(t *testing.T) ids.Key {
	t.Helper()
	k, err := ids.NewKey()
	require.NoError(t, err)
	return k
}

func TestHeloRoundTrip(t *testing.T) {
	key := mustKey(t)
	h := Helo{
		Version:  UDPVersion,
		Command:  CmdHelo,
		Counter:  42,
		GroupID:  ids.NewGroupId(),
		NodeID:   ids.NewNodeId(),
		NodeHash: [32]byte{1, 2, 3},
	}

	datagram, err := EncodeHelo(key, h)
	require.NoError(t, err)

	got, err := DecodeHelo(key, datagram)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeloWrongKeyFailsIntegrityCheck(t *testing.T) {
	h := Helo{Version: UDPVersion, Command: CmdHelo, GroupID: ids.NewGroupId(), NodeID: ids.NewNodeId()}
	datagram, err := EncodeHelo(mustKey(t), h)
	require.NoError(t, err)

	_, err = DecodeHelo(mustKey(t), datagram)
	require.Error(t, err)
}

func TestHeloTamperedDatagramRejected(t *testing.T) {
	key := mustKey(t)
	h := Helo{Version: UDPVersion, Command: CmdHelo, GroupID: ids.NewGroupId(), NodeID: ids.NewNodeId()}
	datagram, err := EncodeHelo(key, h)
	require.NoError(t, err)

	datagram[len(datagram)-1] ^= 0xff
	_, err = DecodeHelo(key, datagram)
	require.Error(t, err)
}

func TestMulticastGroupDerivation(t *testing.T) {
	gid := ids.NewGroupId()
	addr := MulticastGroup(gid)
	require.Equal(t, byte(0xff), addr[0])
	require.Equal(t, byte(0x12), addr[1])
	require.Equal(t, gid[:14], addr[2:])
}

func TestTCPHeloRoundTrip(t *testing.T) {
	key := mustKey(t)
	h, err := NewTCPHelo(ids.NewNodeId(), [32]byte{9, 9, 9}, 7, true, 16)
	require.NoError(t, err)

	pr, pw := io.Pipe()
	go func() {
		require.NoError(t, WriteTCPHelo(pw, key, h))
		pw.Close()
	}()

	got, err := ReadTCPHelo(pr, key)
	require.NoError(t, err)
	require.Equal(t, h.NodeID, got.NodeID)
	require.Equal(t, h.NodeHash, got.NodeHash)
	require.Equal(t, h.MsgCount, got.MsgCount)
	require.Equal(t, h.Version, got.Version)
	require.Equal(t, h.Initialized, got.Initialized)
	require.Equal(t, h.Trash, got.Trash)
}

func TestTCPHeloTrashTooLarge(t *testing.T) {
	_, err := NewTCPHelo(ids.NewNodeId(), [32]byte{}, 0, false, maxTrash+1)
	require.Error(t, err)
}

func TestAddrBookClassifiesAndPicks(t *testing.T) {
	self := ids.NewNodeId()
	known := ids.NewNodeId()
	stranger := ids.NewNodeId()

	m := matrix.Create(self)
	m.Resize([]ids.NodeId{known}, nil, 1)
	m.Node(known).Hash = ids.MatrixDigest{9, 9, 9}

	book := NewAddrBook()
	book.Observe("peer-known-fresh:1", known, [32]byte{9, 9, 9})  // matches our cache -> not interesting
	book.Observe("peer-known-stale:1", known, [32]byte{1, 2, 3}) // differs from our cache -> interesting
	book.Observe("peer-stranger:1", stranger, [32]byte{1})       // no cached row at all -> unknown

	require.Equal(t, matrix.InterestNo, Classify(m, known, [32]byte{9, 9, 9}))
	require.Equal(t, matrix.InterestYes, Classify(m, known, [32]byte{1, 2, 3}))
	require.Equal(t, matrix.InterestUnknown, Classify(m, stranger, [32]byte{1}))

	addr, ok := book.Pick(m, "peer-known-fresh:1")
	require.True(t, ok)
	require.Contains(t, []string{"peer-known-stale:1", "peer-stranger:1"}, addr)
}

func TestAddrBookForgetRemovesPeer(t *testing.T) {
	book := NewAddrBook()
	book.Observe("a:1", ids.NewNodeId(), [32]byte{})
	require.Equal(t, 1, book.Len())
	book.Forget("a:1")
	require.Equal(t, 0, book.Len())
}

func TestAddrBookPickExcludesCurrentPartner(t *testing.T) {
	self := ids.NewNodeId()
	m := matrix.Create(self)

	book := NewAddrBook()
	book.Observe("only:1", ids.NewNodeId(), [32]byte{1})

	_, ok := book.Pick(m, "only:1")
	require.False(t, ok)
}

func TestRetryDelayWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := RetryDelay()
		require.GreaterOrEqual(t, d, retryMin)
		require.LessOrEqual(t, d, retryMax)
	}
}
