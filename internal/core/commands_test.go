package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/state"
)

func newTestGroup(t *testing.T) *Core {
	t.Helper()
	dir := t.TempDir()
	c, err := NewGroup(Options{Workdir: dir, Granularity: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, c.EnsureDirs())
	reg, err := state.OpenRegistry(filepath.Join(dir, "files.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	c.AttachPersistence(nil, reg)
	return c
}

func TestAddUserDelUser(t *testing.T) {
	c := newTestGroup(t)
	require.NoError(t, c.AddUser("alice"))
	require.Contains(t, c.Users(), "alice")

	require.NoError(t, c.DelUser("alice"))
	require.NotContains(t, c.Users(), "alice")

	// A second maintenance pass with nothing new ready is a no-op.
	c.RunMaintenance()
}

func TestExecAuthorsCommand(t *testing.T) {
	c := newTestGroup(t)
	_, _, err := c.PrepareSeed() // see TestAddFileSegmentsAboveGranularity below
	require.NoError(t, err)

	require.NoError(t, c.Exec("echo hi"))
	var found bool
	for _, line := range c.ShowLog() {
		if strings.Contains(line, "echo hi") {
			found = true
		}
	}
	require.True(t, found)
}

func TestSetHostnameAndReportOnline(t *testing.T) {
	c := newTestGroup(t)
	require.NoError(t, c.SetHostname("node-a"))
	require.NoError(t, c.ReportOnline(12345))

	info := c.NodeInfo(c.SelfID())
	require.Equal(t, "node-a", info.Hostname)
	require.Equal(t, int64(12345), info.OnlineAt)
}

func TestReportAntivirusAndSmart(t *testing.T) {
	c := newTestGroup(t)
	require.NoError(t, c.ReportAntivirus("clean"))
	require.NoError(t, c.ReportSmart("ok"))

	info := c.NodeInfo(c.SelfID())
	require.Equal(t, "clean", info.Antivirus)
	require.Equal(t, "ok", info.Smart)
}

func TestAddFileSmallAndDelFile(t *testing.T) {
	c := newTestGroup(t)

	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0600))

	require.NoError(t, c.AddFile(src, "payload.bin"))
	files, err := c.Files()
	require.NoError(t, err)
	require.Contains(t, files, "payload.bin")

	body, err := os.ReadFile(filepath.Join(c.filesDir(), "payload.bin"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))

	require.NoError(t, c.DelFile("payload.bin"))
}

func TestAddFileSegmentsAboveGranularity(t *testing.T) {
	dir := t.TempDir()
	c, err := NewGroup(Options{Workdir: dir, Granularity: 4})
	require.NoError(t, err)
	require.NoError(t, c.EnsureDirs())
	reg, err := state.OpenRegistry(filepath.Join(dir, "files.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	c.AttachPersistence(nil, reg)

	// Keep GC from retiring the segment commands the instant they
	// execute — see the comment in control_test.go's
	// TestQueueAndStoredCommands for why a lone node needs this.
	_, _, err = c.PrepareSeed()
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0600))

	require.NoError(t, c.AddFile(src, "big.bin"))

	var addfileCount int
	for _, line := range c.StoredCommands() {
		if strings.Contains(line, "addfile") {
			addfileCount++
		}
	}
	require.Equal(t, 3, addfileCount) // [0,4) [4,8) [8,10)

	// The authoring node never assembles its own segments (it wrote the
	// whole file directly), so registration must happen independently of
	// that path — regression coverage for that gap.
	files, err := c.Files()
	require.NoError(t, err)
	require.Contains(t, files, "big.bin")
}
