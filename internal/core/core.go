// Package core wires every leaf package (ids, matrix, command, packet,
// state, gossip) into the single mutex-guarded handle spec.md §9 calls
// for: "a single Core struct exposing its state to named modules ... the
// 'thread-safe wrapper' dissolves into a mutex-guarded handle type whose
// methods are the public core API." Every exported method takes Core's
// single lock for the duration of its state access and releases it before
// any blocking I/O, per spec.md §5.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
	"github.com/distadm/distadm/internal/state"
)

// HostExecutor is the opaque host-OS capability spec.md §1 puts out of
// scope: invocation of adduser/passwd/smartctl/systemctl-shaped programs.
// Callers inject a real implementation; tests and non-privileged modes use
// NoopHostExecutor.
type HostExecutor interface {
	AddUser(name string) error
	DelUser(name string) error
	SetHostname(name string) error
	Exec(cmdline string) (output string, err error)
}

// EnvironmentProbe is the opaque antivirus/S.M.A.R.T. status collaborator
// spec.md §1 puts out of scope.
type EnvironmentProbe interface {
	Antivirus() (report string, err error)
	Smart() (report string, err error)
}

// NoopHostExecutor rejects every operation — the safe default when no real
// host-OS collaborator has been wired in.
type NoopHostExecutor struct{}

func (NoopHostExecutor) AddUser(string) error          { return fmt.Errorf("core: no host executor configured") }
func (NoopHostExecutor) DelUser(string) error          { return fmt.Errorf("core: no host executor configured") }
func (NoopHostExecutor) SetHostname(string) error      { return fmt.Errorf("core: no host executor configured") }
func (NoopHostExecutor) Exec(string) (string, error) { return "", fmt.Errorf("core: no host executor configured") }

// NoopEnvironmentProbe reports no findings — the safe default when no real
// antivirus/S.M.A.R.T. probe has been wired in.
type NoopEnvironmentProbe struct{}

func (NoopEnvironmentProbe) Antivirus() (string, error) { return "", nil }
func (NoopEnvironmentProbe) Smart() (string, error)     { return "", nil }

// Core is the daemon's entire mutable state plus the collaborators needed
// to give it effect. All fields below the mutex are guarded by it.
type Core struct {
	mu sync.Mutex

	workdir     string
	granularity int64

	log *logging.Logger

	host  HostExecutor
	probe EnvironmentProbe

	writer   *state.Writer
	registry *state.Registry

	self      ids.NodeId
	groupID   ids.GroupId
	groupKey  ids.Key
	status    state.Status
	validNode bool
	inviteID  *ids.InviteId

	matrix *matrix.Matrix
	engine *command.Engine

	nodeInfo map[ids.NodeId]state.NodeInfo
	users    map[string]bool

	// pendingDelete holds authors a forced delnode has nominated for
	// removal but whose delnoderecord has not yet retired; RemoveOldCommands
	// excludes them from its per-author floor computation (spec.md §4.3).
	pendingDelete map[ids.NodeId]bool

	// assembling tracks in-progress addfile segment assembly: filename ->
	// the byte ranges received so far plus the presumed total size (the
	// largest "to" observed), per spec.md §4.3's "assembles segments into
	// the final file via a temp sparse file".
	assembling map[string]*assemblyState
}

// Options bundles the collaborators and paths New needs.
type Options struct {
	Workdir     string
	Granularity int64
	Logger      *logging.Logger
	Host        HostExecutor
	Probe       EnvironmentProbe
}

func (o Options) withDefaults() Options {
	if o.Host == nil {
		o.Host = NoopHostExecutor{}
	}
	if o.Probe == nil {
		o.Probe = NoopEnvironmentProbe{}
	}
	if o.Granularity <= 0 {
		o.Granularity = 1 << 20
	}
	return o
}

// NewGroup creates a brand-new single-node group: a fresh group id and key,
// self initialized into a 1x1 matrix, status "work" (spec.md §3's "Create a
// new group on this node").
func NewGroup(opts Options) (*Core, error) {
	opts = opts.withDefaults()
	key, err := ids.NewKey()
	if err != nil {
		return nil, err
	}
	self := ids.NewNodeId()
	c := newCore(opts, self, ids.NewGroupId(), key)
	c.status = state.StatusWork
	c.validNode = true
	c.matrix = matrix.Create(self)
	c.engine = command.NewEngine(command.NewLog(), c.matrix, self, c)
	c.engine.Warn = func(format string, args ...interface{}) { c.log.Warningf(format, args...) }
	return c, nil
}

// NewUninitialized constructs a Core with a group key but no identity yet —
// the "uninitialized" lifecycle state, seeking an inviter (spec.md §3).
func NewUninitialized(opts Options, groupID ids.GroupId, key ids.Key) *Core {
	opts = opts.withDefaults()
	c := newCore(opts, ids.NodeId{}, groupID, key)
	c.status = state.StatusUninitialized
	c.validNode = false
	c.matrix = matrix.New()
	c.engine = command.NewEngine(command.NewLog(), c.matrix, c.self, c)
	c.engine.Warn = func(format string, args ...interface{}) { c.log.Warningf(format, args...) }
	return c
}

// FromDocument reconstructs a Core from a persisted state.Document (daemon
// restart path).
func FromDocument(opts Options, groupID ids.GroupId, key ids.Key, doc state.Document) *Core {
	opts = opts.withDefaults()
	c := newCore(opts, doc.LocalID, groupID, key)
	c.status = doc.Status
	c.validNode = doc.ValidNode
	c.inviteID = doc.InviteID
	c.matrix = doc.Matrix()
	c.nodeInfo = doc.State
	if c.nodeInfo == nil {
		c.nodeInfo = make(map[ids.NodeId]state.NodeInfo)
	}
	for _, u := range doc.Users {
		c.users[u] = true
	}
	c.engine = command.NewEngine(doc.CommandLog(), c.matrix, c.self, c)
	c.engine.Warn = func(format string, args ...interface{}) { c.log.Warningf(format, args...) }
	if c.registry != nil {
		_ = c.registry.Rebuild(doc.Filenames)
	}
	return c
}

func newCore(opts Options, self ids.NodeId, groupID ids.GroupId, key ids.Key) *Core {
	l := opts.Logger
	if l == nil {
		l = logging.MustGetLogger("core")
	}
	return &Core{
		workdir:       opts.Workdir,
		granularity:   opts.Granularity,
		log:           l,
		host:          opts.Host,
		probe:         opts.Probe,
		self:          self,
		groupID:       groupID,
		groupKey:      key,
		nodeInfo:      make(map[ids.NodeId]state.NodeInfo),
		users:         make(map[string]bool),
		pendingDelete: make(map[ids.NodeId]bool),
		assembling:    make(map[string]*assemblyState),
	}
}

// AttachPersistence wires a state.Writer and file registry. Called once at
// startup, after workdir/workdir-files/workdir-tmp exist.
func (c *Core) AttachPersistence(w *state.Writer, reg *state.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer = w
	c.registry = reg
}

func (c *Core) filesDir() string { return filepath.Join(c.workdir, "files") }
func (c *Core) tmpDir() string   { return filepath.Join(c.workdir, "tmp") }

// EnsureDirs creates the workdir's files/ and tmp/ subdirectories.
func (c *Core) EnsureDirs() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(c.filesDir(), 0700); err != nil {
		return fmt.Errorf("core: create files dir: %w", err)
	}
	if err := os.MkdirAll(c.tmpDir(), 0700); err != nil {
		return fmt.Errorf("core: create tmp dir: %w", err)
	}
	return nil
}

// SelfID returns the local node's identifier.
func (c *Core) SelfID() ids.NodeId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// GroupID returns the group identifier.
func (c *Core) GroupID() ids.GroupId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupID
}

// GroupKey returns the shared symmetric group key.
func (c *Core) GroupKey() ids.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupKey
}

// Status returns the current lifecycle state.
func (c *Core) Status() state.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Matrix returns the live matrix pointer. Callers outside this package
// (internal/gossip via the Handler interface) must not retain it across a
// call back into Core without re-acquiring through an exported method —
// in practice gossip only reads it inside one RunSession call, which Core
// itself does not hold its lock across (spec.md §5).
func (c *Core) Matrix() *matrix.Matrix {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matrix
}

// Log returns the live command log pointer, same caveat as Matrix.
func (c *Core) Log() *command.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Log
}

// Document snapshots the current state into a persistable Document.
func (c *Core) Document() state.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentLocked()
}

func (c *Core) documentLocked() state.Document {
	var filenames []string
	if c.registry != nil {
		filenames, _ = c.registry.List()
	}
	users := make([]string, 0, len(c.users))
	for u := range c.users {
		users = append(users, u)
	}
	return state.BuildDocument(c.self, c.validNode, c.status, c.matrix, c.nodeInfo, c.engine.Log.All(), users, filenames, c.inviteID)
}

// Persist snapshots and enqueues the document for the state writer.
func (c *Core) Persist() {
	doc := c.Document()
	if c.writer != nil {
		c.writer.Save(doc)
	}
}

// runMaintenanceLocked executes every ready command then garbage-collects
// retired ones, honoring pendingDelete as the GC's ignored-author set
// (spec.md §4.3). Callers must hold c.mu.
func (c *Core) runMaintenanceLocked() {
	c.engine.ExecutePending()
	c.engine.RemoveOldCommands(c.pendingDelete)
}

// RunMaintenance is the exported, locking form used by callers outside a
// larger already-locked operation (e.g. a periodic ticker).
func (c *Core) RunMaintenance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runMaintenanceLocked()
}
