package supervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/ids"
)

type fakeHandler struct {
	delNodeErr error
	gotDelNode ids.NodeId
	gotAddUser string
	gotExec    string
	exited     bool
}

func (f *fakeHandler) StatusLine() string       { return "status=work id=abc" }
func (f *fakeHandler) LocalID() string          { return "local-abc" }
func (f *fakeHandler) ListNodes() []string      { return []string{"node-a", "node-b"} }
func (f *fakeHandler) NodesInfo() []string      { return []string{"node-a hostname=a"} }
func (f *fakeHandler) Queue() []string          { return nil }
func (f *fakeHandler) StoredCommands() []string { return []string{"1.adduser"} }
func (f *fakeHandler) ShowExec() []string       { return []string{"1.exec: ok"} }
func (f *fakeHandler) ShowLog() []string        { return []string{"1.exec: echo hi"} }

func (f *fakeHandler) DelNode(id ids.NodeId) error {
	f.gotDelNode = id
	return f.delNodeErr
}
func (f *fakeHandler) AddUser(name string) error { f.gotAddUser = name; return nil }
func (f *fakeHandler) DelUser(name string) error { return nil }
func (f *fakeHandler) Exec(cmdline string) error { f.gotExec = cmdline; return nil }
func (f *fakeHandler) AddFile(sourcePath, name string) error { return nil }
func (f *fakeHandler) DelFile(name string) error             { return nil }

func (f *fakeHandler) WriteOnlineInvite(path, password string) error { return nil }
func (f *fakeHandler) WriteOfflineInviteFile(path string) error      { return nil }
func (f *fakeHandler) FinalizeInviteFile(path, password string) error { return nil }
func (f *fakeHandler) CancelInviteFile(path string) error            { return nil }
func (f *fakeHandler) ReadPacketFile(path string) (string, error)    { return "nodes=1 commands=0", nil }
func (f *fakeHandler) WritePacketFile(path string) error             { return nil }

func (f *fakeHandler) Ifaces() ([]string, error) { return []string{"lo0"}, nil }

func TestDispatchStatusAndListnodes(t *testing.T) {
	h := &fakeHandler{}
	reply, exit := DispatchCommand(h, "status", nil)
	require.False(t, exit)
	require.Equal(t, "status=work id=abc", reply)

	reply, exit = DispatchCommand(h, "listnodes", nil)
	require.False(t, exit)
	require.Equal(t, "node-a\nnode-b", reply)
}

func TestDispatchAddUserPassesArgument(t *testing.T) {
	h := &fakeHandler{}
	reply, exit := DispatchCommand(h, "adduser alice", nil)
	require.False(t, exit)
	require.Equal(t, "ok", reply)
	require.Equal(t, "alice", h.gotAddUser)
}

func TestDispatchExecJoinsRemainingArgsWithSpaces(t *testing.T) {
	h := &fakeHandler{}
	reply, exit := DispatchCommand(h, `exec "echo hi"`, nil)
	require.False(t, exit)
	require.Equal(t, "ok", reply)
	require.Equal(t, "echo hi", h.gotExec)
}

func TestDispatchMissingArgumentReportsError(t *testing.T) {
	h := &fakeHandler{}
	reply, exit := DispatchCommand(h, "adduser", nil)
	require.False(t, exit)
	require.Contains(t, reply, "error:")
}

func TestDispatchDelNodeBadIDReportsError(t *testing.T) {
	h := &fakeHandler{}
	reply, exit := DispatchCommand(h, "delnode not-an-id", nil)
	require.False(t, exit)
	require.Contains(t, reply, "error:")
}

func TestDispatchDelNodePropagatesHandlerError(t *testing.T) {
	h := &fakeHandler{delNodeErr: errors.New("no such node")}
	id := ids.NewNodeId()
	reply, exit := DispatchCommand(h, "delnode "+id.String(), nil)
	require.False(t, exit)
	require.Equal(t, "error: no such node", reply)
	require.Equal(t, id, h.gotDelNode)
}

func TestDispatchUnknownVerb(t *testing.T) {
	h := &fakeHandler{}
	reply, exit := DispatchCommand(h, "bogus", nil)
	require.False(t, exit)
	require.Equal(t, "unknown command: bogus", reply)
}

func TestDispatchEmptyLine(t *testing.T) {
	h := &fakeHandler{}
	reply, exit := DispatchCommand(h, "   ", nil)
	require.False(t, exit)
	require.Equal(t, "", reply)
}

func TestDispatchExitInvokesCallback(t *testing.T) {
	h := &fakeHandler{}
	var called bool
	reply, exit := DispatchCommand(h, "exit", func() { called = true })
	require.True(t, exit)
	require.Equal(t, "bye", reply)
	require.True(t, called)
}

func TestSplitQuotedHonorsQuotedSpans(t *testing.T) {
	require.Equal(t, []string{"exec", "echo hi there"}, splitQuoted(`exec "echo hi there"`))
	require.Equal(t, []string{"addfile", "/tmp/a b", "name"}, splitQuoted(`addfile "/tmp/a b" name`))
	require.Equal(t, []string{"status"}, splitQuoted("  status  "))
	require.Nil(t, splitQuoted(""))
}
