package packet_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
	"github.com/distadm/distadm/internal/packet"
	"github.com/distadm/distadm/internal/packettest"
	"github.com/distadm/distadm/internal/wire"
	"github.com/distadm/distadm/internal/wiretest"
)

func TestPacketRoundTrip(t *testing.T) {
	key, err := ids.NewKey()
	require.NoError(t, err)

	a, b := ids.NewNodeId(), ids.NewNodeId()
	m := matrix.Create(a)
	m.Resize([]ids.NodeId{b}, nil, 1)

	cmds := []*command.Command{
		{ID: command.ID{Author: a, Seq: 0}, Value: command.Value{"name": "adduser", "user": "alice"}},
		{ID: command.ID{Author: a, Seq: 1}, Value: command.Value{"name": "addfile", "filename": "motd.txt"}, HasPayload: true},
	}
	files := packettest.NewMemFiles()
	files.Content["motd.txt"] = []byte("welcome to the group")

	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)
	require.NoError(t, packet.WritePacket(buf, key, m, cmds, files))

	readDesc := wiretest.NewMemDescriptorFrom(desc.Bytes())
	readBuf := wire.NewBuffered(readDesc, false)
	gotMatrix, gotCmds, err := packet.ReadPacket(readBuf, key, files)
	require.NoError(t, err)

	require.Equal(t, m.Digest(), gotMatrix.Digest())
	require.Len(t, gotCmds, 2)
	require.Equal(t, cmds[0].Value, gotCmds[0].Value)
	require.Equal(t, cmds[1].Value, gotCmds[1].Value)

	content, ok := files.Written("motd.txt")
	require.True(t, ok)
	require.Equal(t, "welcome to the group", string(content))
}

func TestPacketRoundTripEmptyLog(t *testing.T) {
	key, err := ids.NewKey()
	require.NoError(t, err)
	a := ids.NewNodeId()
	m := matrix.Create(a)

	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)
	require.NoError(t, packet.WritePacket(buf, key, m, nil, packettest.NewMemFiles()))

	readBuf := wire.NewBuffered(wiretest.NewMemDescriptorFrom(desc.Bytes()), false)
	gotMatrix, gotCmds, err := packet.ReadPacket(readBuf, key, packettest.NewMemFiles())
	require.NoError(t, err)
	require.Empty(t, gotCmds)
	require.Equal(t, m.Digest(), gotMatrix.Digest())
}

func TestOnlineInviteRoundTrip(t *testing.T) {
	groupID := ids.NewGroupId()
	key, err := ids.NewKey()
	require.NoError(t, err)

	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)
	_, err = packet.WriteOnlineInvite(buf, "correct horse", groupID, key)
	require.NoError(t, err)

	readBuf := wire.NewBuffered(wiretest.NewMemDescriptorFrom(desc.Bytes()), false)
	gotGroup, gotKey, err := packet.ReadOnlineInvite(readBuf, "correct horse")
	require.NoError(t, err)
	require.Equal(t, groupID, gotGroup)
	require.Equal(t, key, gotKey)
}

func TestOnlineInviteWrongPasswordFails(t *testing.T) {
	groupID := ids.NewGroupId()
	key, err := ids.NewKey()
	require.NoError(t, err)

	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)
	_, err = packet.WriteOnlineInvite(buf, "correct horse", groupID, key)
	require.NoError(t, err)

	readBuf := wire.NewBuffered(wiretest.NewMemDescriptorFrom(desc.Bytes()), false)
	_, _, err = packet.ReadOnlineInvite(readBuf, "wrong password")
	require.Error(t, err)
}

func TestOfflineInviteRoundTripAndTrailer(t *testing.T) {
	groupKey, err := ids.NewKey()
	require.NoError(t, err)

	a := ids.NewNodeId()
	m := matrix.Create(a)
	seed := packet.Seed{
		InviteID:   ids.NewInviteId(),
		SelfID:     a,
		Matrix:     m,
		StateNodes: []byte(`{"nodes":[]}`),
		State:      []byte(`{}`),
		Users:      []byte(`[]`),
		Filenames:  []string{"motd.txt"},
	}
	cmds := []*command.Command{
		{ID: command.ID{Author: a, Seq: 0}, Value: command.Value{"name": "addfile", "filename": "motd.txt"}, HasPayload: true},
	}
	files := packettest.NewMemFiles()
	files.Content["motd.txt"] = []byte("hello")

	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)
	require.NoError(t, packet.WriteOfflineInvite(buf, groupKey, seed, cmds, files))

	candidate := ids.NewNodeId()
	require.NoError(t, packet.WriteTrailer(buf, groupKey, []ids.NodeId{candidate}))

	readBuf := wire.NewBuffered(wiretest.NewMemDescriptorFrom(desc.Bytes()), false)
	gotSeed, gotCmds, err := packet.ReadOfflineInvite(readBuf, groupKey, files)
	require.NoError(t, err)
	require.Equal(t, seed.InviteID, gotSeed.InviteID)
	require.Equal(t, seed.SelfID, gotSeed.SelfID)
	require.Equal(t, []string{"motd.txt"}, gotSeed.Filenames)
	require.Len(t, gotCmds, 1)

	gotCandidates, err := packet.ReadTrailer(readBuf, groupKey)
	require.NoError(t, err)
	require.Equal(t, []ids.NodeId{candidate}, gotCandidates)

	require.NoError(t, packet.ValidateCandidate(gotSeed.Matrix, gotCandidates, ids.NewNodeId()))
	require.Error(t, packet.ValidateCandidate(gotSeed.Matrix, gotCandidates, a), "colliding with an existing matrix row is rejected")
	require.Error(t, packet.ValidateCandidate(gotSeed.Matrix, gotCandidates, candidate), "colliding with an already-claimed candidate is rejected")
}
