// control.go adapts Core to internal/supervisor's ControlHandler and
// QueryHandler interfaces: the text-protocol verbs spec.md §6 lists for
// the privileged control socket, and the read-only per-node summary rows
// the query socket streams on connect. Grounded on
// original_source/cmd_local.cpp/commands.cpp's command-table shape.
package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/supervisor"
)

// StatusLine renders the current lifecycle status plus identity for the
// "status" control verb.
func (c *Core) StatusLine() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("status=%s self=%s group=%s nodes=%d", c.status, c.self, c.groupID, c.matrix.Len())
}

// LocalID renders the local node id for the "local-id" control verb.
func (c *Core) LocalID() string {
	return c.SelfID().String()
}

// ListNodes renders every known node id, one per line, for "listnodes".
func (c *Core) ListNodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.matrix.Len())
	for _, id := range c.matrix.Ids() {
		out = append(out, id.String())
	}
	return out
}

// NodesInfo renders one line per node with the cached bookkeeping
// (hostname, last-online, antivirus/S.M.A.R.T.) for "nodesinfo".
func (c *Core) NodesInfo() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.matrix.Len())
	for _, id := range c.matrix.Ids() {
		info := c.nodeInfo[id]
		out = append(out, fmt.Sprintf("%s\t%s\t%d\t%s\t%s", id, info.Hostname, info.OnlineAt, info.Antivirus, info.Smart))
	}
	return out
}

// Queue renders every stored command not yet executed locally, for
// "queue" — the commands still waiting on a dependency or their turn in
// the random tie-break.
func (c *Core) Queue() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.engine.Log.All() {
		row := c.matrix.Node(cmd.Author)
		if row == nil || row.CommandToExec > cmd.Seq {
			continue
		}
		out = append(out, fmt.Sprintf("%s/%d %s", cmd.Author, cmd.Seq, cmd.Value.Name()))
	}
	sort.Strings(out)
	return out
}

// StoredCommands renders every command currently held in the log
// (executed-but-not-GC'd as well as pending), for "stored-commands".
func (c *Core) StoredCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.engine.Log.Len())
	for _, cmd := range c.engine.Log.All() {
		out = append(out, fmt.Sprintf("%s/%d %s", cmd.Author, cmd.Seq, cmd.Value.Name()))
	}
	sort.Strings(out)
	return out
}

// ShowExec renders every "executed" command's recorded output, for
// "showexec".
func (c *Core) ShowExec() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.engine.Log.All() {
		if cmd.Value.Name() != command.KindExecuted {
			continue
		}
		output, _ := valueString(cmd.Value, "output")
		out = append(out, fmt.Sprintf("%s/%d %s", cmd.Author, cmd.Seq, output))
	}
	sort.Strings(out)
	return out
}

// ShowLog renders every exec command's invocation line, for "showlog".
func (c *Core) ShowLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.engine.Log.All() {
		if cmd.Value.Name() != command.KindExec {
			continue
		}
		cmdline, _ := valueString(cmd.Value, "cmdline")
		out = append(out, fmt.Sprintf("%s/%d %s", cmd.Author, cmd.Seq, cmdline))
	}
	sort.Strings(out)
	return out
}

// FinalizeInvite completes a file-based offline invitation exchange: it
// takes the candidate ids read from a joiner's trailer (FinalizeInviteFile
// does the reading), validates each against the current matrix, and
// authors the addnode commands admitting them, for "finalize-invite".
func (c *Core) FinalizeInvite(candidates []ids.NodeId) error {
	c.mu.Lock()
	status := c.status.ToCommandStatus()
	if status == command.StatusOther {
		c.mu.Unlock()
		return fmt.Errorf("core: cannot finalize an invitation while %s", c.status)
	}
	var claimed []ids.NodeId
	for _, candidate := range candidates {
		if c.matrix.Node(candidate) != nil {
			c.mu.Unlock()
			return fmt.Errorf("core: candidate %s already present", candidate)
		}
		for _, claim := range claimed {
			if claim == candidate {
				c.mu.Unlock()
				return fmt.Errorf("core: candidate %s claimed twice", candidate)
			}
		}
		claimed = append(claimed, candidate)
		if _, err := c.engine.CreateCommand(status, command.Value{"name": string(command.KindAddNode), "id": candidate}, false); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.runMaintenanceLocked()
	doc := c.documentLocked()
	c.mu.Unlock()
	if c.writer != nil {
		c.writer.Save(doc)
	}
	return nil
}

// QueryRow is one line of the read-only query socket's per-node stream:
// "name online updated scanned found smart" (spec.md §6).
type QueryRow struct {
	Name    string
	Online  bool
	Updated int64
	Scanned string
	Found   string
	Smart   string
}

// QueryRows renders the full set of per-node rows the query socket streams
// on connect, boxed as supervisor.QueryRow values.
func (c *Core) QueryRows() []supervisor.QueryRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]supervisor.QueryRow, 0, c.matrix.Len())
	for _, id := range c.matrix.Ids() {
		info := c.nodeInfo[id]
		name := info.Hostname
		if name == "" {
			name = id.String()
		}
		out = append(out, QueryRow{
			Name:    name,
			Online:  info.OnlineAt > 0,
			Updated: info.OnlineAt,
			Scanned: info.Antivirus,
			Found:   info.Antivirus,
			Smart:   info.Smart,
		})
	}
	return out
}

// String renders a QueryRow as the tab-separated line the query socket
// writes.
func (r QueryRow) String() string {
	online := "0"
	if r.Online {
		online = "1"
	}
	return strings.Join([]string{r.Name, online, fmt.Sprint(r.Updated), r.Scanned, r.Found, r.Smart}, "\t")
}
