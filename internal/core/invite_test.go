package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/packet"
	"github.com/distadm/distadm/internal/wire"
)

func TestWriteOnlineThenOfflineInviteAndReadInviteFile(t *testing.T) {
	inviter := newTestGroup(t)

	invitePath := filepath.Join(t.TempDir(), "invite.bin")
	require.NoError(t, inviter.WriteOnlineInvite(invitePath, "correct horse"))
	require.NoError(t, inviter.WriteOfflineInviteFile(invitePath))

	joinerDir := t.TempDir()
	joiner, err := ReadInviteFile(invitePath, "correct horse", Options{Workdir: joinerDir, Granularity: 1 << 20})
	require.NoError(t, err)

	require.True(t, joiner.Initialized())
	require.Equal(t, inviter.GroupID(), joiner.GroupID())
	require.Equal(t, inviter.GroupKey(), joiner.GroupKey())
	require.NotEqual(t, inviter.SelfID(), joiner.SelfID())
	require.NotEmpty(t, joiner.ListNodes())
}

func TestReadInviteFileWrongPasswordFails(t *testing.T) {
	inviter := newTestGroup(t)

	invitePath := filepath.Join(t.TempDir(), "invite.bin")
	require.NoError(t, inviter.WriteOnlineInvite(invitePath, "right password"))
	require.NoError(t, inviter.WriteOfflineInviteFile(invitePath))

	_, err := ReadInviteFile(invitePath, "wrong password", Options{Workdir: t.TempDir(), Granularity: 1 << 20})
	require.Error(t, err)
}

func TestCancelInviteFileRemovesFile(t *testing.T) {
	c := newTestGroup(t)
	path := filepath.Join(t.TempDir(), "invite.bin")
	require.NoError(t, c.WriteOnlineInvite(path, "pw"))

	require.NoError(t, c.CancelInviteFile(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// Cancelling an already-gone file is not an error.
	require.NoError(t, c.CancelInviteFile(path))
}

func TestFinalizeInviteFileRejectsKnownCandidate(t *testing.T) {
	inviter := newTestGroup(t)

	path := filepath.Join(t.TempDir(), "invite.bin")
	require.NoError(t, inviter.WriteOnlineInvite(path, "pw"))
	require.NoError(t, inviter.WriteOfflineInviteFile(path))

	// Simulate the joiner side appending a trailer claiming an id the
	// inviter's matrix already holds.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	buf := wire.NewBuffered(f, false)
	claimed := inviter.Matrix().Ids()[0] // self or the seed's candidate, both already known
	require.NoError(t, packet.WriteTrailer(buf, inviter.GroupKey(), []ids.NodeId{claimed}))
	require.NoError(t, f.Close())

	err = inviter.FinalizeInviteFile(path, "pw")
	require.Error(t, err) // claimed id already present in the matrix
}

func TestReadWritePacketFile(t *testing.T) {
	c := newTestGroup(t)
	require.NoError(t, c.Exec("echo hi"))

	path := filepath.Join(t.TempDir(), "packet.bin")
	require.NoError(t, c.WritePacketFile(path))

	summary, err := c.ReadPacketFile(path)
	require.NoError(t, err)
	require.Contains(t, summary, "nodes=1")
}

func TestIfaces(t *testing.T) {
	c := newTestGroup(t)
	names, err := c.Ifaces()
	require.NoError(t, err)
	require.NotNil(t, names)
}
