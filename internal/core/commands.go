// Package core (commands.go) exposes the daemon's user-facing operations —
// the ones spec.md §6's control-socket table and §4.3's command-kind list
// name — as locking wrappers around command.Engine.CreateCommand followed
// by a maintenance pass (execute-then-garbage-collect) and a persistence
// save. DelNode, AddUser, DelUser, Exec, AddFile and DelFile back the
// control-socket verbs of the same names, handled by internal/supervisor
// via the ControlHandler Core implements; SetHostname, the Report* methods
// and DelDir have no control verb, and Users, NodeInfo and Files are
// read-only accessors.
package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/state"
)

// createLocked authors a command under the local node's current status
// gate, then runs one maintenance pass (execute ready commands, garbage
// collect retired ones). It does not persist. Callers must hold c.mu (use
// createAndPersist for the normal unlocked entry point, which also saves).
func (c *Core) createLocked(value command.Value) (*command.Command, error) {
	status := c.status.ToCommandStatus()
	cmd, err := c.engine.CreateCommand(status, value, false)
	if err != nil {
		return nil, err
	}
	c.runMaintenanceLocked()
	return cmd, nil
}

func (c *Core) createAndPersist(value command.Value) (*command.Command, error) {
	c.mu.Lock()
	cmd, err := c.createLocked(value)
	doc := c.documentLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c.writer != nil {
		c.writer.Save(doc)
	}
	return cmd, nil
}

// DelNode authors a delnode command targeting id (spec.md §6 "delnode").
func (c *Core) DelNode(target ids.NodeId) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindDelNode), "id": target})
	return err
}

// AddUser authors an adduser command (spec.md §6 "adduser").
func (c *Core) AddUser(name string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindAddUser), "user": name})
	return err
}

// DelUser authors a deluser command (spec.md §6 "deluser").
func (c *Core) DelUser(name string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindDelUser), "user": name})
	return err
}

// Exec authors an exec command, to be run by every node's host executor as
// it is applied (spec.md §6 "exec").
func (c *Core) Exec(cmdline string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindExec), "cmdline": cmdline})
	return err
}

// SetHostname authors a sethostname command for the local node.
func (c *Core) SetHostname(name string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindSetHostname), "hostname": name})
	return err
}

// ReportOnline authors an online command carrying a timestamp, used by the
// daemon's periodic self-announcement.
func (c *Core) ReportOnline(at int64) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindOnline), "at": at})
	return err
}

// ReportAntivirus authors an antivirus command carrying a probe report.
func (c *Core) ReportAntivirus(report string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindAntivirus), "report": report})
	return err
}

// ReportSmart authors a smart command carrying a probe report.
func (c *Core) ReportSmart(report string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindSmart), "report": report})
	return err
}

// DelFile authors a delfile command; the actual unlink happens later, when
// the command itself retires (BeforeDelete), per spec.md §4.3.
func (c *Core) DelFile(name string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindDelFile), "filename": name})
	return err
}

// DelDir authors a deldir command (recursive delete deferred to retirement).
func (c *Core) DelDir(name string) error {
	_, err := c.createAndPersist(command.Value{"name": string(command.KindDelDir), "dirname": name})
	return err
}

// AddFile registers sourcePath under name, copying its content into the
// managed files directory and authoring one addfile command for the whole
// file, or — when the file exceeds the configured granularity — one
// addfile command per [from, to) segment, per spec.md §4.3/§8.6 ("Addfile
// with granularity").
func (c *Core) AddFile(sourcePath, name string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("core: open %s: %w", sourcePath, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("core: stat %s: %w", sourcePath, err)
	}

	c.mu.Lock()
	destPath := filepath.Join(c.filesDir(), filepath.Clean("/"+name))
	granularity := c.granularity
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return err
	}
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("core: create %s: %w", destPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("core: copy %s: %w", sourcePath, err)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	// The whole file already sits at destPath regardless of whether it gets
	// authored as one command or split into granularity segments below, so
	// register it here rather than relying on execAddFile's segmented branch
	// to notice completion — that branch only ever observes assembly state
	// populated by incoming segments from FileSink, which the authoring node
	// itself never populates for its own file.
	c.mu.Lock()
	regErr := c.registerFile(name, c.self)
	c.mu.Unlock()
	if regErr != nil {
		return regErr
	}

	size := info.Size()
	if size <= granularity {
		_, err := c.createAndPersist(command.Value{"name": string(command.KindAddFile), "filename": name})
		return err
	}

	c.mu.Lock()
	status := c.status.ToCommandStatus()
	for from := int64(0); from < size; from += granularity {
		to := from + granularity
		if to > size {
			to = size
		}
		if _, err := c.engine.CreateCommand(status, command.Value{
			"name":     string(command.KindAddFile),
			"filename": name,
			"from":     from,
			"to":       to,
		}, false); err != nil {
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

// Users returns the currently-known user table, sorted by name.
func (c *Core) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.users))
	for u := range c.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// NodeInfo returns the cached per-node bookkeeping (hostname, last-online,
// antivirus/S.M.A.R.T. reports) for id.
func (c *Core) NodeInfo(id ids.NodeId) state.NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeInfo[id]
}

// Files returns every currently-registered filename.
func (c *Core) Files() ([]string, error) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	if reg == nil {
		return nil, nil
	}
	return reg.List()
}
