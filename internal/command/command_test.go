package command

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
)

// fakeExecutor records execution order and deletions, with no real effects —
// enough to assert the engine's ordering and GC guarantees independent of
// any concrete Core wiring.
type fakeExecutor struct {
	order    []ID
	deleted  []ID
	failSeqs map[uint64]bool
}

func (f *fakeExecutor) Execute(cmd *Command) error {
	f.order = append(f.order, cmd.ID)
	if f.failSeqs != nil && f.failSeqs[cmd.Seq] {
		return fmt.Errorf("synthetic failure")
	}
	return nil
}

func (f *fakeExecutor) BeforeDelete(cmd *Command) {
	f.deleted = append(f.deleted, cmd.ID)
}

func setup3(t *testing.T) (a, b, c ids.NodeId, m *matrix.Matrix) {
	t.Helper()
	a, b, c = ids.NewNodeId(), ids.NewNodeId(), ids.NewNodeId()
	m = matrix.Create(a)
	m.Resize([]ids.NodeId{b, c}, nil, 1)
	return
}

func TestCausalExecutionOrder(t *testing.T) {
	a, b, _, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{}
	eng := NewEngine(log, m, a, exec)

	// b authors seq 0 depending on a's seq 0, which does not exist yet —
	// b's command must not execute until a's does.
	log.Add(&Command{ID: ID{Author: b, Seq: 0}, Depends: map[ids.NodeId]uint64{a: 1}, Value: Value{"name": "online"}})
	require.Equal(t, 0, eng.ExecutePending(), "b's command is blocked on a's missing seq 0")

	log.Add(&Command{ID: ID{Author: a, Seq: 0}, Value: Value{"name": "online"}})
	executed := eng.ExecutePending()
	require.Equal(t, 2, executed)
	require.Equal(t, ID{Author: a, Seq: 0}, exec.order[0], "a's dependency must execute before b's command")
	require.Equal(t, ID{Author: b, Seq: 0}, exec.order[1])
}

func TestAtMostOnceExecution(t *testing.T) {
	a, _, _, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{}
	eng := NewEngine(log, m, a, exec)

	log.Add(&Command{ID: ID{Author: a, Seq: 0}, Value: Value{"name": "online"}})
	require.Equal(t, 1, eng.ExecutePending())
	require.Equal(t, 0, eng.ExecutePending(), "no command is ready twice")
	require.Len(t, exec.order, 1)
	require.Equal(t, uint64(1), m.Node(a).CommandToExec)
}

func TestSemanticFailureStillAdvancesPointer(t *testing.T) {
	a, _, _, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{failSeqs: map[uint64]bool{0: true}}
	eng := NewEngine(log, m, a, exec)

	var warned string
	eng.Warn = func(format string, args ...interface{}) { warned = fmt.Sprintf(format, args...) }

	log.Add(&Command{ID: ID{Author: a, Seq: 0}, Value: Value{"name": "exec"}})
	require.Equal(t, 1, eng.ExecutePending())
	require.NotEmpty(t, warned, "a failing command logs a warning")
	require.Equal(t, uint64(1), m.Node(a).CommandToExec, "the sequence slot still counts as executed")
}

func TestBadMessageSentinelHasNoEffect(t *testing.T) {
	a, _, _, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{}
	eng := NewEngine(log, m, a, exec)

	log.Add(&Command{ID: ID{Author: a, Seq: 0}, Value: Value{"name": string(KindBadMessage)}})
	require.Equal(t, 1, eng.ExecutePending())
	require.Empty(t, exec.order, "a BAD MESSAGE sentinel never reaches Execute")
	require.Equal(t, uint64(1), m.Node(a).CommandToExec)
}

func TestRemoveOldCommandsHonorsMinimumAcrossRows(t *testing.T) {
	a, b, c, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{}
	eng := NewEngine(log, m, a, exec)

	// a has authored 5 commands; b has only seen up to 2, c up to 4.
	for seq := uint64(0); seq < 5; seq++ {
		log.Add(&Command{ID: ID{Author: a, Seq: seq}, Value: Value{"name": "online"}})
	}
	m.Node(a).SetKnown(a, 5)
	m.Node(b).SetKnown(a, 2)
	m.Node(c).SetKnown(a, 4)

	removed := eng.RemoveOldCommands(nil)
	require.Equal(t, 2, removed, "only seqs 0 and 1 are known by every row")
	require.Len(t, exec.deleted, 2)
	for _, id := range exec.deleted {
		require.Less(t, id.Seq, uint64(2))
	}
	_, stillThere := log.Get(ID{Author: a, Seq: 2})
	require.True(t, stillThere)
}

func TestRemoveOldCommandsIgnoresExcludedRows(t *testing.T) {
	a, b, c, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{}
	eng := NewEngine(log, m, a, exec)

	for seq := uint64(0); seq < 3; seq++ {
		log.Add(&Command{ID: ID{Author: a, Seq: seq}, Value: Value{"name": "online"}})
	}
	m.Node(a).SetKnown(a, 3)
	m.Node(b).SetKnown(a, 0) // b is stuck, but will be ignored (e.g. removed/offline node)
	m.Node(c).SetKnown(a, 3)

	removed := eng.RemoveOldCommands(map[ids.NodeId]bool{b: true})
	require.Equal(t, 3, removed, "ignoring b's stale row lets GC proceed to c's floor")
}

func TestCreateCommandRequiresWorkOrInviterStatus(t *testing.T) {
	a, _, _, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{}
	eng := NewEngine(log, m, a, exec)

	_, err := eng.CreateCommand(StatusOther, Value{"name": "online"}, false)
	require.Error(t, err)

	cmd, err := eng.CreateCommand(StatusWork, Value{"name": "online"}, false)
	require.NoError(t, err)
	require.Equal(t, a, cmd.Author)
	require.Equal(t, uint64(0), cmd.Seq)
	require.Equal(t, uint64(1), m.Node(a).Known(a), "authoring advances the self column")

	cmd2, err := eng.CreateCommand(StatusWork, Value{"name": "online"}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cmd2.Seq)
	require.NotNil(t, cmd2.Depends)
}

func TestExecutePendingTieBreakCoversAllCandidates(t *testing.T) {
	a, b, c, m := setup3(t)
	log := NewLog()
	exec := &fakeExecutor{}
	eng := NewEngine(log, m, a, exec)

	// All three authors have an independently-ready first command: no
	// dependency forces an order between them, so repeated runs should not
	// always pick the same author first.
	seen := map[ids.NodeId]int{}
	for trial := 0; trial < 40; trial++ {
		log2 := NewLog()
		log2.Add(&Command{ID: ID{Author: a, Seq: 0}, Value: Value{"name": "online"}})
		log2.Add(&Command{ID: ID{Author: b, Seq: 0}, Value: Value{"name": "online"}})
		log2.Add(&Command{ID: ID{Author: c, Seq: 0}, Value: Value{"name": "online"}})
		m2 := matrix.Create(a)
		m2.Resize([]ids.NodeId{b, c}, nil, 1)
		exec2 := &fakeExecutor{}
		eng2 := NewEngine(log2, m2, a, exec2)
		eng2.ExecutePending()
		seen[exec2.order[0].Author]++
	}
	require.Greater(t, len(seen), 1, "over many trials the first-executed author should vary")
}
