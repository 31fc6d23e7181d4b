// Package command implements the replicated command log: creation,
// dependency tracking, dependency-ordered pending-set execution (with a
// random tie-break among ready commands), before-delete hooks, and garbage
// collection. Grounded on
// _examples/original_source/core.h (Msg, MsgId, the exec_*/bdm_* method
// table) and corenet.cpp's pending_commands.
package command

import (
	"fmt"
	"math/rand/v2"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
)

// Kind names the command's effect, stored as value["name"] on the wire —
// see spec.md §4.3.
type Kind string

const (
	KindAddNode       Kind = "addnode"
	KindDelNode       Kind = "delnode"
	KindDelNodeRecord Kind = "delnoderecord"
	KindSetHostname   Kind = "sethostname"
	KindOnline        Kind = "online"
	KindAddFile       Kind = "addfile"
	KindDelFile       Kind = "delfile"
	KindDelDir        Kind = "deldir"
	KindExec          Kind = "exec"
	KindExecuted      Kind = "executed"
	KindDelExec       Kind = "delexec"
	KindDelLog        Kind = "dellog"
	KindAntivirus     Kind = "antivirus"
	KindSmart         Kind = "smart"
	KindAddUser       Kind = "adduser"
	KindDelUser       Kind = "deluser"

	// KindBadMessage is the sentinel filling a gap left by an undecodable
	// or semantically invalid message. It has no effect when executed.
	KindBadMessage Kind = "BAD MESSAGE"
)

// ID identifies a command by its author and per-author sequence number.
type ID struct {
	Author ids.NodeId
	Seq    uint64
}

// Value is the command's JSON-shaped (CBOR-encoded on the wire) payload.
// "name" selects the Kind.
type Value map[string]interface{}

// Name returns the command kind named by Value["name"].
func (v Value) Name() Kind {
	if n, ok := v["name"].(string); ok {
		return Kind(n)
	}
	return ""
}

// Command is one log entry: an author, a dense per-author sequence number,
// causal dependencies, and an effect value. HasPayload marks commands
// (addfile) that carry a trailing file segment on the wire, streamed
// separately from the envelope by internal/packet.
type Command struct {
	ID
	Depends    map[ids.NodeId]uint64
	Value      Value
	HasPayload bool
}

// Valid reports whether this command is well-formed enough to store and
// execute (invariant C1's escape hatch is the BAD MESSAGE sentinel, which
// is always "valid" in this sense — it just has no effect).
func (c *Command) Valid() bool {
	return c.Value.Name() != ""
}

// Log stores commands keyed by (author, seq). It is not internally
// synchronized: like the rest of this package, callers serialize access
// through the single mutex-guarded Core handle described in spec.md §9.
type Log struct {
	commands map[ID]*Command
}

// NewLog returns an empty command log.
func NewLog() *Log {
	return &Log{commands: make(map[ID]*Command)}
}

// Add inserts or replaces a command.
func (l *Log) Add(cmd *Command) {
	l.commands[cmd.ID] = cmd
}

// Get looks up a command by id.
func (l *Log) Get(id ID) (*Command, bool) {
	c, ok := l.commands[id]
	return c, ok
}

// Delete removes and returns the command at id, if present.
func (l *Log) Delete(id ID) (*Command, bool) {
	c, ok := l.commands[id]
	if ok {
		delete(l.commands, id)
	}
	return c, ok
}

// Len returns the number of stored commands.
func (l *Log) Len() int { return len(l.commands) }

// All returns every stored command, in no particular order.
func (l *Log) All() []*Command {
	out := make([]*Command, 0, len(l.commands))
	for _, c := range l.commands {
		out = append(out, c)
	}
	return out
}

// Executor applies a command's effect to the rest of Core's state
// (matrix, file registry, users, host executor, ...) and runs a command's
// before-delete hook. Concrete effects live in internal/core, which
// implements this interface — command.Engine itself only knows about
// ordering, dependencies, and garbage collection.
type Executor interface {
	// Execute applies cmd's effect. A returned error is logged as a
	// semantic warning by the engine; the command still counts as
	// executed (invariant C2/C3 are about ordering, not success).
	Execute(cmd *Command) error

	// BeforeDelete fires exactly once, immediately before cmd is retired
	// from the log by garbage collection.
	BeforeDelete(cmd *Command)
}

// Status gates CreateCommand: new commands may only be authored in the
// "work" or "inviter" states (spec.md §3 Node lifecycle state table).
type Status int

const (
	StatusOther Status = iota
	StatusWork
	StatusInviter
)

// Engine ties a Log to a knowledge matrix and an Executor, implementing
// create_command, execute_pending, and remove_old_commands from
// _examples/original_source/core.h.
type Engine struct {
	Log    *Log
	Matrix *matrix.Matrix
	Self   ids.NodeId
	Exec   Executor

	// Warn receives a message for every semantic error encountered; may be
	// nil.
	Warn func(format string, args ...interface{})
}

// NewEngine constructs an Engine over an existing log and matrix.
func NewEngine(log *Log, m *matrix.Matrix, self ids.NodeId, exec Executor) *Engine {
	return &Engine{Log: log, Matrix: m, Self: self, Exec: exec}
}

func (e *Engine) warn(format string, args ...interface{}) {
	if e.Warn != nil {
		e.Warn(format, args...)
	}
}

// CreateCommand appends a new command authored by the local node. depends
// is the current self-row projected to a map when includeDepends is true,
// or empty otherwise.
func (e *Engine) CreateCommand(status Status, value Value, includeDepends bool) (*Command, error) {
	if status != StatusWork && status != StatusInviter {
		return nil, fmt.Errorf("command: create_command not permitted outside work/inviter state")
	}
	self := e.Matrix.Node(e.Self)
	if self == nil {
		return nil, fmt.Errorf("command: local node missing from matrix")
	}
	seq := self.Known(e.Self)
	var depends map[ids.NodeId]uint64
	if includeDepends {
		depends = make(map[ids.NodeId]uint64, e.Matrix.Len())
		for _, id := range e.Matrix.Ids() {
			depends[id] = self.Known(id)
		}
	}
	cmd := &Command{
		ID:         ID{Author: e.Self, Seq: seq},
		Depends:    depends,
		Value:      value,
		HasPayload: value.Name() == KindAddFile,
	}
	self.SetKnown(e.Self, seq+1)
	e.Log.Add(cmd)
	return cmd, nil
}

// ready reports whether cmd's dependencies are satisfied: for every
// referenced author K, command_to_exec[K] >= depends[K] (invariant C2).
func (e *Engine) ready(cmd *Command) bool {
	authorRow := e.Matrix.Node(cmd.Author)
	if authorRow == nil {
		return false
	}
	if authorRow.CommandToExec != cmd.Seq {
		return false
	}
	for k, need := range cmd.Depends {
		kn := e.Matrix.Node(k)
		if kn == nil || kn.CommandToExec < need {
			return false
		}
	}
	return true
}

// ExecutePending executes every command that becomes ready, looping until
// none remain. Among multiple simultaneously-ready commands the choice is
// uniformly random, preventing deterministic starvation under adversarial
// dependency graphs (spec.md §4.3, §9 second Open Question).
func (e *Engine) ExecutePending() int {
	executed := 0
	for {
		candidates := e.readyCommands()
		if len(candidates) == 0 {
			return executed
		}
		pick := candidates[rand.N(len(candidates))]
		e.executeOne(pick)
		executed++
	}
}

func (e *Engine) readyCommands() []*Command {
	var out []*Command
	for _, cmd := range e.Log.All() {
		if e.ready(cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

func (e *Engine) executeOne(cmd *Command) {
	if cmd.Value.Name() != KindBadMessage {
		if err := e.Exec.Execute(cmd); err != nil {
			e.warn("command: %s (%s/%d) failed: %v — continuing as a no-op", cmd.Value.Name(), cmd.Author, cmd.Seq, err)
		}
	}
	row := e.Matrix.Node(cmd.Author)
	row.CommandToExec++
}

// RemoveOldCommands deletes every command whose seq is strictly less than
// the minimum, across all matrix rows excluding ignored authors, of that
// row's entry for the command's author (invariant C3). Before each
// deletion the Executor's before-delete hook fires exactly once.
func (e *Engine) RemoveOldCommands(ignored map[ids.NodeId]bool) int {
	floors := make(map[ids.NodeId]uint64)
	for _, author := range e.Matrix.Ids() {
		floors[author] = e.floorFor(author, ignored)
	}
	removed := 0
	for _, cmd := range e.Log.All() {
		floor, known := floors[cmd.Author]
		if !known || cmd.Seq < floor {
			e.Exec.BeforeDelete(cmd)
			e.Log.Delete(cmd.ID)
			removed++
		}
	}
	return removed
}

func (e *Engine) floorFor(author ids.NodeId, ignored map[ids.NodeId]bool) uint64 {
	var floor uint64
	first := true
	for _, rowID := range e.Matrix.Ids() {
		if ignored != nil && ignored[rowID] {
			continue
		}
		v := e.Matrix.Node(rowID).Known(author)
		if first || v < floor {
			floor = v
			first = false
		}
	}
	return floor
}
