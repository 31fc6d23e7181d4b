package state

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/op/go-logging.v1"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/worker"
)

// GroupIdentity is the group-identity blob: the shared symmetric key and
// group id, saved without encryption (filesystem permissions are the only
// protection — spec.md §3's "group-identity blob"), grounded on
// disk.go's save_group_id naming in the original.
type GroupIdentity struct {
	GroupId ids.GroupId `json:"group_id"`
	Key     ids.Key     `json:"key"`
}

func (g GroupIdentity) marshal() ([]byte, error) { return json.MarshalIndent(g, "", "  ") }

// SaveGroupIdentity writes the group identity to path with owner-only
// permissions.
func SaveGroupIdentity(path string, g GroupIdentity) error {
	body, err := g.marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0600)
}

// LoadGroupIdentity reads a group identity written by SaveGroupIdentity.
func LoadGroupIdentity(path string) (GroupIdentity, error) {
	var g GroupIdentity
	body, err := os.ReadFile(path)
	if err != nil {
		return g, err
	}
	err = json.Unmarshal(body, &g)
	return g, err
}

// writeAtomic performs the rename sequence from
// _examples/xendarboh-katzenpost/disk.go's writeState: write to a ".tmp"
// sibling, retire the previous generation to a "~backup" sibling, then
// swap the tmp file into place. Exactly one backup generation is ever
// kept.
func writeAtomic(path string, payload []byte) error {
	tmp := path + ".tmp"
	backup := path + "~"
	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return fmt.Errorf("state: write tmp: %w", err)
	}
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state: remove stale backup: %w", err)
	}
	if err := os.Rename(path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state: retire current to backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("state: install new state: %w", err)
	}
	return nil
}

// Load reads the document at path, falling back to its backup generation
// if the primary file is missing or fails to parse — spec.md §4.7: "On
// next start, if the primary fails to parse the backup is read."
func Load(path string) (doc Document, loadedFromBackup bool, err error) {
	body, readErr := os.ReadFile(path)
	if readErr == nil {
		if doc, err = Unmarshal(body); err == nil {
			return doc, false, nil
		}
	}
	backupBody, backupErr := os.ReadFile(path + "~")
	if backupErr != nil {
		if readErr != nil {
			return Document{}, false, fmt.Errorf("state: load %s: %w", path, readErr)
		}
		return Document{}, false, fmt.Errorf("state: parse %s: %w", path, err)
	}
	doc, err = Unmarshal(backupBody)
	if err != nil {
		return Document{}, false, fmt.Errorf("state: parse backup of %s: %w", path, err)
	}
	return doc, true, nil
}

// Writer owns the statefile and persists documents handed to it on a
// worker goroutine, matching disk.go's StateWriter shape: a save returns
// once the worker has taken the document, without waiting for it to be
// written, and Halt stops the worker without writing documents not yet
// taken.
type Writer struct {
	worker.Worker

	log  *logging.Logger
	path string

	saveCh chan Document
	errCh  chan error
}

// NewWriter constructs a Writer for the statefile at path.
func NewWriter(log *logging.Logger, path string) *Writer {
	return &Writer{
		log:    log,
		path:   path,
		saveCh: make(chan Document),
		errCh:  make(chan error, 1),
	}
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.log.Debug("state: writer starting")
	w.Go(w.loop)
}

// Save enqueues doc for persistence. It blocks until the worker takes doc,
// which waits for any write already in progress, but not until doc itself
// is written.
func (w *Writer) Save(doc Document) {
	select {
	case w.saveCh <- doc:
	case <-w.HaltCh():
	}
}

// LastError returns the most recent write error, if any is pending, and
// clears it. Writers that ignore errors still see them surface via log.
func (w *Writer) LastError() error {
	select {
	case err := <-w.errCh:
		return err
	default:
		return nil
	}
}

func (w *Writer) loop() {
	for {
		select {
		case <-w.HaltCh():
			w.log.Debug("state: writer terminating")
			return
		case doc := <-w.saveCh:
			body, err := doc.Marshal()
			if err == nil {
				err = writeAtomic(w.path, body)
			}
			if err != nil {
				w.log.Errorf("state: failed to persist document: %v", err)
				select {
				case w.errCh <- err:
				default:
				}
			}
		}
	}
}
