// Package state implements the node's local persistence: the compact JSON
// state document (atomic rename with one backup generation) and a
// supplementary bbolt-backed file registry side-index. Grounded on
// _examples/xendarboh-katzenpost/disk.go's StateWriter (writeState's
// rename sequence, the worker-goroutine shape) and
// _examples/original_source/core.h's save_nodes/save_commands/
// save_filenames and the `nodes`/`state_nodes`/`state` field layout.
package state

import (
	"encoding/json"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
)

// Status mirrors spec.md §3's node lifecycle.
type Status string

const (
	StatusUninitialized        Status = "uninitialized"
	StatusPartiallyInitialized Status = "partially initialized"
	StatusWork                 Status = "work"
	StatusInviter              Status = "inviter"
	StatusDeleting             Status = "deleting"
	StatusDeleted              Status = "deleted"
)

// ToCommandStatus maps Status to the narrower command.Status gate used by
// internal/command.CreateCommand.
func (s Status) ToCommandStatus() command.Status {
	switch s {
	case StatusWork:
		return command.StatusWork
	case StatusInviter:
		return command.StatusInviter
	default:
		return command.StatusOther
	}
}

// NodeInfo is the human-readable per-node bookkeeping the original calls
// state_nodes: last known hostname, last-seen online timestamp, and the
// latest antivirus/S.M.A.R.T. report summaries (SUPPLEMENTED FEATURES #6).
type NodeInfo struct {
	Hostname  string `json:"hostname,omitempty"`
	OnlineAt  int64  `json:"online_at,omitempty"`
	Antivirus string `json:"antivirus,omitempty"`
	Smart     string `json:"smart,omitempty"`
}

// commandRecord is the local-document JSON form of a command.Command —
// distinct from internal/packet's CBOR envelope, matching the "JSON dump"
// wording of spec.md §4.7 for the on-disk state file specifically.
type commandRecord struct {
	Author  ids.NodeId             `json:"author"`
	Seq     uint64                 `json:"seq"`
	Depends map[ids.NodeId]uint64  `json:"depends,omitempty"`
	Value   command.Value          `json:"value"`
}

func toRecord(cmd *command.Command) commandRecord {
	return commandRecord{Author: cmd.Author, Seq: cmd.Seq, Depends: cmd.Depends, Value: cmd.Value}
}

func (r commandRecord) toCommand() *command.Command {
	return &command.Command{
		ID:         command.ID{Author: r.Author, Seq: r.Seq},
		Depends:    r.Depends,
		Value:      r.Value,
		HasPayload: r.Value.Name() == command.KindAddFile,
	}
}

// Document is the exact content of the local node-state file: "{local-id,
// valid-node, status, nodes, state, commands, users, filenames,
// invite-id?}" (spec.md §4.7), with "nodes" holding the knowledge matrix
// (the original's `Matrix nodes` field) and "state" holding the per-node
// info the original separately calls state_nodes.
type Document struct {
	LocalID   ids.NodeId              `json:"local_id"`
	ValidNode bool                    `json:"valid_node"`
	Status    Status                  `json:"status"`
	Nodes     matrix.Wire             `json:"nodes"`
	State     map[ids.NodeId]NodeInfo `json:"state"`
	Commands  []commandRecord         `json:"commands"`
	Users     []string                `json:"users"`
	Filenames []string                `json:"filenames"`
	InviteID  *ids.InviteId           `json:"invite_id,omitempty"`
}

// BuildDocument assembles a Document from live in-memory state.
func BuildDocument(localID ids.NodeId, validNode bool, status Status, m *matrix.Matrix, info map[ids.NodeId]NodeInfo, cmds []*command.Command, users, filenames []string, inviteID *ids.InviteId) Document {
	records := make([]commandRecord, 0, len(cmds))
	for _, cmd := range cmds {
		records = append(records, toRecord(cmd))
	}
	return Document{
		LocalID:   localID,
		ValidNode: validNode,
		Status:    status,
		Nodes:     m.ToWire(),
		State:     info,
		Commands:  records,
		Users:     users,
		Filenames: filenames,
		InviteID:  inviteID,
	}
}

// Matrix reconstructs the knowledge matrix carried by this document.
func (d Document) Matrix() *matrix.Matrix { return matrix.FromWire(d.Nodes) }

// CommandLog reconstructs the command log carried by this document.
func (d Document) CommandLog() *command.Log {
	log := command.NewLog()
	for _, r := range d.Commands {
		log.Add(r.toCommand())
	}
	return log
}

// Marshal renders the document as compact JSON, as spec.md §4.7 requires
// ("Save writes a compact JSON dump").
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal parses a document written by Marshal.
func Unmarshal(b []byte) (Document, error) {
	var d Document
	err := json.Unmarshal(b, &d)
	return d, err
}
