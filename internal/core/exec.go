package core

import (
	"fmt"
	"path/filepath"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/state"
)

// Execute applies cmd's effect, implementing command.Executor. Called only
// from within command.Engine.ExecutePending, itself only ever invoked while
// c.mu is held (runMaintenanceLocked, or a Handler method that locks around
// its own call into the engine) — see spec.md §5.
func (c *Core) Execute(cmd *command.Command) error {
	switch cmd.Value.Name() {
	case command.KindAddNode:
		return c.execAddNode(cmd)
	case command.KindDelNode:
		return c.execDelNode(cmd)
	case command.KindDelNodeRecord:
		return c.execDelNodeRecord(cmd)
	case command.KindSetHostname:
		return c.execSetHostname(cmd)
	case command.KindOnline:
		return c.execOnline(cmd)
	case command.KindAddFile:
		return c.execAddFile(cmd)
	case command.KindDelFile, command.KindDelDir:
		// Effect deferred to BeforeDelete, per spec.md §4.3.
		return nil
	case command.KindExec:
		return c.execExec(cmd)
	case command.KindExecuted:
		c.log.Debugf("core: %s/%d reports exec result for %v", cmd.Author, cmd.Seq, cmd.Value["ref"])
		return nil
	case command.KindDelExec, command.KindDelLog:
		c.log.Debugf("core: %s/%d retires exec/log bookkeeping", cmd.Author, cmd.Seq)
		return nil
	case command.KindAntivirus:
		return c.execAntivirus(cmd)
	case command.KindSmart:
		return c.execSmart(cmd)
	case command.KindAddUser:
		return c.execAddUser(cmd)
	case command.KindDelUser:
		return c.execDelUser(cmd)
	case command.KindBadMessage:
		return nil
	default:
		return fmt.Errorf("core: unknown command kind %q", cmd.Value.Name())
	}
}

// BeforeDelete fires exactly once, immediately before cmd retires from the
// log via garbage collection (command.Executor).
func (c *Core) BeforeDelete(cmd *command.Command) {
	switch cmd.Value.Name() {
	case command.KindDelNode:
		c.beforeDeleteDelNode(cmd)
	case command.KindDelFile:
		c.beforeDeleteDelFile(cmd)
	case command.KindDelDir:
		c.beforeDeleteDelDir(cmd)
	}
}

func valueString(v command.Value, key string) (string, bool) {
	s, ok := v[key].(string)
	return s, ok
}

// valueNodeID recovers a NodeId from a command.Value field, handling both
// the CBOR-decoded ([]byte-backed) and JSON-decoded (hex string) shapes a
// value might arrive in depending on whether it crossed the wire or the
// local state document.
func valueNodeID(v command.Value, key string) (ids.NodeId, bool) {
	switch raw := v[key].(type) {
	case ids.NodeId:
		return raw, true
	case []byte:
		if len(raw) != 16 {
			return ids.NodeId{}, false
		}
		var n ids.NodeId
		copy(n[:], raw)
		return n, true
	case string:
		var n ids.NodeId
		if err := n.UnmarshalText([]byte(raw)); err != nil {
			return ids.NodeId{}, false
		}
		return n, true
	default:
		return ids.NodeId{}, false
	}
}

func valueInt64(v command.Value, key string) (int64, bool) {
	switch n := v[key].(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// execAddNode ensures the target id is present in the matrix. A collision
// with an already-initialized self resets self to uninitialized with
// valid_node=false, per spec.md §9's Open Question and DESIGN.md's chosen
// "full reset" resolution.
func (c *Core) execAddNode(cmd *command.Command) error {
	target, ok := valueNodeID(cmd.Value, "id")
	if !ok {
		return fmt.Errorf("core: addnode missing id")
	}
	if target == c.self && c.validNode && c.status != state.StatusUninitialized {
		c.log.Warningf("core: addnode collision with local id %s — resetting to uninitialized", target)
		c.status = state.StatusUninitialized
		c.validNode = false
		return nil
	}
	if c.matrix.Node(target) == nil {
		c.matrix.Resize([]ids.NodeId{target}, nil, 1)
	}
	return nil
}

// execDelNode marks target for deletion. Targeting self transitions to
// "deleting" rather than removing anything immediately (spec.md §3); the
// actual matrix removal happens later, via the delnoderecord this
// command's own BeforeDelete hook authors.
func (c *Core) execDelNode(cmd *command.Command) error {
	target, ok := valueNodeID(cmd.Value, "id")
	if !ok {
		return fmt.Errorf("core: delnode missing id")
	}
	if target == c.self {
		if c.status != state.StatusDeleting && c.status != state.StatusDeleted {
			c.status = state.StatusDeleting
		}
		return nil
	}
	c.pendingDelete[target] = true
	return nil
}

// beforeDeleteDelNode authors the delnoderecord that actually performs the
// removal, once the delnode command itself is safe to retire.
func (c *Core) beforeDeleteDelNode(cmd *command.Command) {
	target, ok := valueNodeID(cmd.Value, "id")
	if !ok {
		return
	}
	status := c.status.ToCommandStatus()
	if status == command.StatusOther {
		return
	}
	if _, err := c.engine.CreateCommand(status, command.Value{"name": string(command.KindDelNodeRecord), "id": target}, false); err != nil {
		c.log.Warningf("core: could not author delnoderecord for %s: %v", target, err)
	}
}

// execDelNodeRecord actually removes a node from the matrix (invariant
// M1/M2 preserved by matrix.Delete). Removing self triggers del_self.
func (c *Core) execDelNodeRecord(cmd *command.Command) error {
	target, ok := valueNodeID(cmd.Value, "id")
	if !ok {
		return fmt.Errorf("core: delnoderecord missing id")
	}
	delete(c.pendingDelete, target)
	c.matrix.Delete(target)
	if target == c.self {
		c.delSelfLocked()
	}
	return nil
}

// delSelfLocked transitions to the terminal "deleted" state and persists.
// The daemon entrypoint checks Status() after each periodic maintenance
// pass and shuts down once it observes state.StatusDeleted.
func (c *Core) delSelfLocked() {
	c.status = state.StatusDeleted
	if c.writer != nil {
		c.writer.Save(c.documentLocked())
	}
}

func (c *Core) execSetHostname(cmd *command.Command) error {
	name, ok := valueString(cmd.Value, "hostname")
	if !ok {
		return fmt.Errorf("core: sethostname missing hostname")
	}
	info := c.nodeInfo[cmd.Author]
	info.Hostname = name
	c.nodeInfo[cmd.Author] = info
	if cmd.Author == c.self {
		return c.host.SetHostname(name)
	}
	return nil
}

func (c *Core) execOnline(cmd *command.Command) error {
	at, _ := valueInt64(cmd.Value, "at")
	info := c.nodeInfo[cmd.Author]
	info.OnlineAt = at
	c.nodeInfo[cmd.Author] = info
	return nil
}

func (c *Core) execAntivirus(cmd *command.Command) error {
	report, _ := valueString(cmd.Value, "report")
	info := c.nodeInfo[cmd.Author]
	info.Antivirus = report
	c.nodeInfo[cmd.Author] = info
	return nil
}

func (c *Core) execSmart(cmd *command.Command) error {
	report, _ := valueString(cmd.Value, "report")
	info := c.nodeInfo[cmd.Author]
	info.Smart = report
	c.nodeInfo[cmd.Author] = info
	return nil
}

func (c *Core) execAddUser(cmd *command.Command) error {
	name, ok := valueString(cmd.Value, "user")
	if !ok {
		return fmt.Errorf("core: adduser missing user")
	}
	c.users[name] = true
	if cmd.Author == c.self {
		return c.host.AddUser(name)
	}
	return nil
}

func (c *Core) execDelUser(cmd *command.Command) error {
	name, ok := valueString(cmd.Value, "user")
	if !ok {
		return fmt.Errorf("core: deluser missing user")
	}
	delete(c.users, name)
	if cmd.Author == c.self {
		return c.host.DelUser(name)
	}
	return nil
}

// execExec runs cmdline through the host executor on whichever node
// executes this command, then authors a follow-up "executed" command
// carrying this node's own output so peers learn the result without
// re-running it themselves.
func (c *Core) execExec(cmd *command.Command) error {
	cmdline, ok := valueString(cmd.Value, "cmdline")
	if !ok {
		return fmt.Errorf("core: exec missing cmdline")
	}
	output, runErr := c.host.Exec(cmdline)
	status := c.status.ToCommandStatus()
	if status == command.StatusOther {
		return runErr
	}
	value := command.Value{
		"name":   string(command.KindExecuted),
		"ref":    map[string]interface{}{"author": cmd.Author, "seq": cmd.Seq},
		"output": output,
	}
	if runErr != nil {
		value["error"] = runErr.Error()
	}
	if _, err := c.engine.CreateCommand(status, value, false); err != nil {
		c.log.Warningf("core: could not author executed result: %v", err)
	}
	return runErr
}

func (c *Core) beforeDeleteDelFile(cmd *command.Command) {
	name, ok := valueString(cmd.Value, "filename")
	if !ok {
		return
	}
	c.removeRegisteredFile(name)
}

func (c *Core) beforeDeleteDelDir(cmd *command.Command) {
	name, ok := valueString(cmd.Value, "dirname")
	if !ok {
		return
	}
	c.removeRegisteredDir(name)
}

func (c *Core) removeRegisteredFile(name string) {
	path := filepath.Join(c.filesDir(), filepath.Clean("/"+name))
	if err := removeIfExists(path); err != nil {
		c.log.Warningf("core: delete file %s: %v", name, err)
	}
	if c.registry != nil {
		if err := c.registry.Delete(name); err != nil {
			c.log.Warningf("core: delete registry entry %s: %v", name, err)
		}
	}
}

func (c *Core) removeRegisteredDir(name string) {
	path := filepath.Join(c.filesDir(), filepath.Clean("/"+name))
	if err := removeAllIfExists(path); err != nil {
		c.log.Warningf("core: delete directory %s: %v", name, err)
	}
	if c.registry == nil {
		return
	}
	entries, err := c.registry.List()
	if err != nil {
		return
	}
	prefix := name + "/"
	for _, entry := range entries {
		if entry == name || (len(entry) > len(prefix) && entry[:len(prefix)] == prefix) {
			_ = c.registry.Delete(entry)
		}
	}
}
