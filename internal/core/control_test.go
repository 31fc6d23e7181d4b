package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusLineAndLocalID(t *testing.T) {
	c := newTestGroup(t)
	require.Contains(t, c.StatusLine(), "status=work")
	require.Equal(t, c.SelfID().String(), c.LocalID())
}

func TestListNodesAndNodesInfo(t *testing.T) {
	c := newTestGroup(t)
	ids := c.ListNodes()
	require.Len(t, ids, 1)
	require.Equal(t, c.SelfID().String(), ids[0])

	require.NoError(t, c.SetHostname("solo"))
	info := c.NodesInfo()
	require.Len(t, info, 1)
	require.Contains(t, info[0], "solo")
}

func TestQueueAndStoredCommands(t *testing.T) {
	c := newTestGroup(t)
	// PrepareSeed adds a second (candidate) row to the matrix with no
	// knowledge of anything yet, which keeps garbage collection from
	// immediately retiring commands authored afterward — otherwise a
	// single-node group's own floor equals its own total authored
	// count and every command is GC-eligible the instant it executes.
	_, _, err := c.PrepareSeed()
	require.NoError(t, err)

	require.NoError(t, c.AddUser("bob"))

	// AddUser's command executes immediately (no unmet dependency), so
	// it is absent from Queue but still present in StoredCommands.
	require.Empty(t, c.Queue())
	require.NotEmpty(t, c.StoredCommands())
}

func TestQueryRows(t *testing.T) {
	c := newTestGroup(t)
	require.NoError(t, c.SetHostname("q-node"))
	require.NoError(t, c.ReportOnline(42))

	rows := c.QueryRows()
	require.Len(t, rows, 1)
	line := rows[0].String()
	require.Contains(t, line, "q-node")
	require.Contains(t, line, "1") // online=1
}

func TestShowExecAndShowLog(t *testing.T) {
	c := newTestGroup(t)
	_, _, err := c.PrepareSeed() // see TestQueueAndStoredCommands
	require.NoError(t, err)

	require.NoError(t, c.Exec("true"))
	require.NotEmpty(t, c.ShowLog())
	require.NotEmpty(t, c.ShowExec())
}
