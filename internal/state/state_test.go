package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
)

func TestDocumentRoundTrip(t *testing.T) {
	a, b := ids.NewNodeId(), ids.NewNodeId()
	m := matrix.Create(a)
	m.Resize([]ids.NodeId{b}, nil, 1)
	cmds := []*command.Command{
		{ID: command.ID{Author: a, Seq: 0}, Value: command.Value{"name": "online"}},
	}
	info := map[ids.NodeId]NodeInfo{a: {Hostname: "node-a", OnlineAt: 100}}
	invite := ids.NewInviteId()

	doc := BuildDocument(a, true, StatusWork, m, info, cmds, []string{"alice"}, []string{"motd.txt"}, &invite)
	body, err := doc.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(body)
	require.NoError(t, err)
	require.Equal(t, a, got.LocalID)
	require.True(t, got.ValidNode)
	require.Equal(t, StatusWork, got.Status)
	require.Equal(t, m.Digest(), got.Matrix().Digest())
	require.Equal(t, "node-a", got.State[a].Hostname)
	require.Equal(t, []string{"alice"}, got.Users)
	require.Equal(t, []string{"motd.txt"}, got.Filenames)
	require.NotNil(t, got.InviteID)
	require.Equal(t, invite, *got.InviteID)

	log := got.CommandLog()
	require.Equal(t, 1, log.Len())
	stored, ok := log.Get(command.ID{Author: a, Seq: 0})
	require.True(t, ok)
	require.Equal(t, command.Value{"name": "online"}, stored.Value)
}

func TestLoadFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	a := ids.NewNodeId()
	m := matrix.Create(a)
	doc1 := BuildDocument(a, true, StatusWork, m, nil, nil, nil, nil, nil)
	body1, err := doc1.Marshal()
	require.NoError(t, err)
	require.NoError(t, writeAtomic(path, body1))

	m.Node(a).SetKnown(a, 5)
	doc2 := BuildDocument(a, true, StatusWork, m, nil, nil, nil, nil, nil)
	body2, err := doc2.Marshal()
	require.NoError(t, err)
	require.NoError(t, writeAtomic(path, body2))

	// Corrupt the primary; the backup generation must still parse.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	got, fromBackup, err := Load(path)
	require.NoError(t, err)
	require.True(t, fromBackup)
	require.Equal(t, doc1.Nodes, got.Nodes, "backup generation is the write immediately before the corrupted one")
}

func TestGroupIdentityRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "group.json")

	key, err := ids.NewKey()
	require.NoError(t, err)
	want := GroupIdentity{GroupId: ids.NewGroupId(), Key: key}
	require.NoError(t, SaveGroupIdentity(path, want))

	got, err := LoadGroupIdentity(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRegistryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files.db")

	reg, err := OpenRegistry(path)
	require.NoError(t, err)
	defer reg.Close()

	entry := FileEntry{Size: 42, UpdatedAt: 123, Author: ids.NewNodeId()}
	require.NoError(t, reg.Put("motd.txt", entry))

	got, found, err := reg.Get("motd.txt")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry, got)

	names, err := reg.List()
	require.NoError(t, err)
	require.Equal(t, []string{"motd.txt"}, names)

	require.NoError(t, reg.Delete("motd.txt"))
	_, found, err = reg.Get("motd.txt")
	require.NoError(t, err)
	require.False(t, found)
}
