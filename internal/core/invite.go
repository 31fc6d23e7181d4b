// invite.go implements internal/gossip's Handler interface on *Core (the
// live-TCP side of bootstrapping an uninitialized peer) plus the
// control-socket invitation verbs that operate on standalone invitation
// files (write-online-invite, write-offline-invite, finalize-invite,
// cancel-invite, read-packet, write-packet), grounded on
// original_source/core.h's write_online_invite/write_offline_invite/
// read_packet/write_packet and spec.md §4.4.
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/packet"
	"github.com/distadm/distadm/internal/state"
	"github.com/distadm/distadm/internal/wire"
)

// Initialized reports whether this node has a usable identity yet
// (gossip.Handler).
func (c *Core) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validNode
}

// MarkInitialized flips the node into "work" once AcceptSeed has installed
// a bootstrap seed from an inviter (gossip.Handler).
func (c *Core) MarkInitialized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validNode = true
	if c.status == state.StatusUninitialized || c.status == state.StatusPartiallyInitialized {
		c.status = state.StatusWork
	}
	if c.writer != nil {
		c.writer.Save(c.documentLocked())
	}
}

// Deleting reports whether this node is currently announcing its own
// pending removal (gossip.Handler), per spec.md §4.5 session protocol step
// 2 and the §3 deleting→deleted lifecycle.
func (c *Core) Deleting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == state.StatusDeleting
}

// MarkDeleted finalizes a pending self-removal once a peer's node_alive
// report confirms it no longer considers this node part of the group
// (gossip.Handler). Idempotent: the ordinarily-replicated delnoderecord
// command reaching execDelNodeRecord's own target-is-self check is the
// other, independent path to the same terminal state.
func (c *Core) MarkDeleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == state.StatusDeleted {
		return
	}
	c.delSelfLocked()
}

// AddCommand folds a command fetched from a peer into the log
// (gossip.Handler). The engine's own ready-set/GC passes run separately,
// driven by the session loop.
func (c *Core) AddCommand(cmd *command.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.Log.Add(cmd)
}

// ExecutePending runs the command engine's ready-set loop (gossip.Handler).
func (c *Core) ExecutePending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.ExecutePending()
}

// RemoveOldCommands runs the command engine's garbage collector
// (gossip.Handler).
func (c *Core) RemoveOldCommands() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.RemoveOldCommands(c.pendingDelete)
}

// seedBlobsLocked marshals the auxiliary bookkeeping a seed carries alongside the
// matrix and command log: per-node info (the original's state_nodes), the
// generic exec/log scratch state (the original's separate "state" field —
// not otherwise modeled by this package, so an empty object round-trips
// here), and the user table.
func (c *Core) seedBlobsLocked() (stateNodes, scratch, users []byte, err error) {
	stateNodes, err = json.Marshal(c.nodeInfo)
	if err != nil {
		return nil, nil, nil, err
	}
	scratch = []byte("{}")
	names := make([]string, 0, len(c.users))
	for u := range c.users {
		names = append(names, u)
	}
	users, err = json.Marshal(names)
	if err != nil {
		return nil, nil, nil, err
	}
	return stateNodes, scratch, users, nil
}

// PrepareSeed builds the full bootstrap seed pushed to an uninitialized
// peer encountered over TCP (gossip.Handler). Any already-initialized
// work/inviter node can onboard a newcomer this way — there is no single
// designated inviter once the group key has been shared (spec.md §4.4).
// A fresh candidate NodeId is minted for the peer and installed via an
// addnode command authored by the local node, so the new id is already
// present in the matrix the seed carries.
func (c *Core) PrepareSeed() (packet.Seed, []*command.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status.ToCommandStatus()
	if status == command.StatusOther {
		return packet.Seed{}, nil, fmt.Errorf("core: cannot onboard a peer while %s", c.status)
	}

	candidate := ids.NewNodeId()
	for c.matrix.Node(candidate) != nil {
		candidate = ids.NewNodeId()
	}
	if _, err := c.engine.CreateCommand(status, command.Value{"name": string(command.KindAddNode), "id": candidate}, false); err != nil {
		return packet.Seed{}, nil, fmt.Errorf("core: author addnode for new peer: %w", err)
	}
	c.runMaintenanceLocked()

	stateNodes, scratch, users, err := c.seedBlobsLocked()
	if err != nil {
		return packet.Seed{}, nil, err
	}
	var filenames []string
	if c.registry != nil {
		filenames, _ = c.registry.List()
	}

	seed := packet.Seed{
		SelfID:     candidate,
		Matrix:     c.matrix.Clone(),
		StateNodes: stateNodes,
		State:      scratch,
		Users:      users,
		Filenames:  filenames,
	}
	return seed, c.engine.Log.All(), nil
}

// AcceptSeed installs a seed received from an already-initialized peer
// (gossip.Handler). It adopts the candidate id the inviter minted, the
// inviter's matrix and command log snapshot, and the node/user bookkeeping
// carried alongside — every addfile command's payload has already been
// streamed to FileSink by packet.ReadOfflineInvite by the time this is
// called, so only registry bookkeeping (via ExecutePending) remains.
func (c *Core) AcceptSeed(seed packet.Seed, cmds []*command.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.validNode {
		return fmt.Errorf("core: already initialized, refusing to accept a second seed")
	}

	var nodeInfo map[ids.NodeId]state.NodeInfo
	if len(seed.StateNodes) > 0 {
		if err := json.Unmarshal(seed.StateNodes, &nodeInfo); err != nil {
			return fmt.Errorf("core: decode seed state-nodes: %w", err)
		}
	}
	var users []string
	if len(seed.Users) > 0 {
		if err := json.Unmarshal(seed.Users, &users); err != nil {
			return fmt.Errorf("core: decode seed users: %w", err)
		}
	}

	c.self = seed.SelfID
	c.matrix = seed.Matrix
	if c.nodeInfo = nodeInfo; c.nodeInfo == nil {
		c.nodeInfo = make(map[ids.NodeId]state.NodeInfo)
	}
	c.users = make(map[string]bool, len(users))
	for _, u := range users {
		c.users[u] = true
	}
	c.engine = command.NewEngine(command.NewLog(), c.matrix, c.self, c)
	c.engine.Warn = func(format string, args ...interface{}) { c.log.Warningf(format, args...) }
	for _, cmd := range cmds {
		c.engine.Log.Add(cmd)
	}
	c.validNode = true
	c.status = state.StatusWork
	if c.registry != nil {
		_ = c.registry.Rebuild(seed.Filenames)
	}
	c.runMaintenanceLocked()
	if c.writer != nil {
		c.writer.Save(c.documentLocked())
	}
	return nil
}

// WriteOnlineInvite password-wraps the group id and key into an invitation
// file at path, for out-of-band delivery (spec.md §6 "write-online-invite").
func (c *Core) WriteOnlineInvite(path, password string) error {
	c.mu.Lock()
	groupID, key := c.groupID, c.groupKey
	c.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := wire.NewBuffered(f, false)
	_, err = packet.WriteOnlineInvite(buf, password, groupID, key)
	return err
}

// WriteOfflineInviteFile continues an online invitation file with the full
// bootstrap seed, under the already-shared group key (spec.md §6
// "write-offline-invite"). Appends to the file written by WriteOnlineInvite
// (or to a fresh file when the group key was shared by some other
// out-of-band channel).
func (c *Core) WriteOfflineInviteFile(path string) error {
	seed, cmds, err := c.PrepareSeed()
	if err != nil {
		return err
	}
	c.mu.Lock()
	groupKey := c.groupKey
	c.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := wire.NewBuffered(f, false)
	return packet.WriteOfflineInvite(buf, groupKey, seed, cmds, c.FileSource())
}

// ReadInviteFile reads a full online+offline invitation file written by
// another node's WriteOnlineInvite followed by WriteOfflineInvite, and
// installs it exactly as AcceptSeed would for a live TCP exchange (used by
// the daemon's -J/--join startup flow, when the joiner side drives the
// exchange entirely through files).
func ReadInviteFile(path, password string, opts Options) (*Core, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := wire.NewBuffered(f, false)

	groupID, key, err := packet.ReadOnlineInvite(buf, password)
	if err != nil {
		return nil, fmt.Errorf("core: read online invite: %w", err)
	}
	c := NewUninitialized(opts, groupID, key)
	if err := c.EnsureDirs(); err != nil {
		return nil, err
	}

	seed, cmds, err := packet.ReadOfflineInvite(buf, key, c.FileSink())
	if err != nil {
		return nil, fmt.Errorf("core: read offline invite: %w", err)
	}
	if err := c.AcceptSeed(seed, cmds); err != nil {
		return nil, err
	}
	return c, nil
}

// CancelInviteFile discards an in-progress invitation file (spec.md §6
// "cancel-invite") by removing the file. It does not undo the addnode
// command that write-offline-invite's PrepareSeed authored for the
// candidate id; that command stays in the log and the id stays in the
// matrix.
func (c *Core) CancelInviteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FinalizeInviteFile re-reads an invitation file this node wrote (online
// invite followed by offline invite), reads the trailer a joiner appended
// after claiming candidate id(s), and admits them via FinalizeInvite
// (spec.md §6 "finalize-invite").
func (c *Core) FinalizeInviteFile(path, password string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := wire.NewBuffered(f, false)

	if _, _, err := packet.ReadOnlineInvite(buf, password); err != nil {
		return fmt.Errorf("core: re-read online invite: %w", err)
	}
	c.mu.Lock()
	groupKey := c.groupKey
	c.mu.Unlock()
	if _, _, err := packet.ReadOfflineInvite(buf, groupKey, discardSink{}); err != nil {
		return fmt.Errorf("core: re-read offline invite: %w", err)
	}
	candidates, err := packet.ReadTrailer(buf, groupKey)
	if err != nil {
		return fmt.Errorf("core: read invitation trailer: %w", err)
	}
	return c.FinalizeInvite(candidates)
}

// discardSink implements packet.FileSink by throwing away any addfile
// payload bytes it is handed — used when FinalizeInviteFile re-reads an
// offline invite this node already wrote, purely to advance past it to the
// trailer.
type discardSink struct{}

func (discardSink) Create(*command.Command) (io.Writer, error) { return io.Discard, nil }

// ReadPacketFile loads a packet file's matrix and command log and renders
// a one-line summary, for the "read-packet" diagnostic control verb
// (spec.md §6, original_source/core.h's read_packet).
func (c *Core) ReadPacketFile(path string) (string, error) {
	c.mu.Lock()
	key := c.groupKey
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	m, cmds, err := packet.ReadPacket(wire.NewBuffered(f, false), key, c.FileSink())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("nodes=%d commands=%d", m.Len(), len(cmds)), nil
}

// WritePacketFile dumps the current matrix and full command log to path,
// for the "write-packet" control verb (spec.md §6).
func (c *Core) WritePacketFile(path string) error {
	c.mu.Lock()
	m := c.matrix.Clone()
	cmds := c.engine.Log.All()
	src := c.FileSource()
	key := c.groupKey
	c.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return packet.WritePacket(wire.NewBuffered(f, false), key, m, cmds, src)
}

// Ifaces lists the local machine's network interface names, for the
// supplemented "ifaces" diagnostic control verb (SPEC_FULL.md item 8).
func (c *Core) Ifaces() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, iface.Name)
	}
	return out, nil
}
