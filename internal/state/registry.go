package state

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/distadm/distadm/internal/ids"
)

var filesBucket = []byte("files")

// FileEntry is the registry's metadata about one replicated file, kept as
// a fast side-index alongside the authoritative addfile/delfile commands
// in the log (SPEC_FULL.md DOMAIN STACK: go.etcd.io/bbolt).
type FileEntry struct {
	Size      int64       `json:"size"`
	UpdatedAt int64       `json:"updated_at"`
	Author    ids.NodeId  `json:"author"`
}

// Registry is a bbolt-backed index from filename to FileEntry. It is
// strictly a lookup accelerator: the command log remains the source of
// truth, and the registry can always be rebuilt by replaying it.
type Registry struct {
	db *bolt.DB
}

// OpenRegistry opens (creating if needed) the bbolt file registry at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("state: open registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: init registry bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying bbolt database.
func (r *Registry) Close() error { return r.db.Close() }

// Put records or overwrites filename's entry.
func (r *Registry) Put(filename string, entry FileEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(filename), body)
	})
}

// Get looks up filename's entry.
func (r *Registry) Get(filename string) (entry FileEntry, found bool, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		body := tx.Bucket(filesBucket).Get([]byte(filename))
		if body == nil {
			return nil
		}
		found = true
		return json.Unmarshal(body, &entry)
	})
	return entry, found, err
}

// Delete removes filename's entry, if present.
func (r *Registry) Delete(filename string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(filename))
	})
}

// List returns every registered filename, in bbolt's key-sorted order.
func (r *Registry) List() ([]string, error) {
	var out []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Rebuild clears and repopulates the registry from filenames, using a
// zero-valued entry for each — used after loading a Document whose
// Filenames list is authoritative but whose per-file size/author details
// live only in the addfile commands that created them.
func (r *Registry) Rebuild(filenames []string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(filesBucket); err != nil {
			return err
		}
		newBucket, err := tx.CreateBucket(filesBucket)
		if err != nil {
			return err
		}
		for _, name := range filenames {
			body, err := json.Marshal(FileEntry{})
			if err != nil {
				return err
			}
			if err := newBucket.Put([]byte(name), body); err != nil {
				return err
			}
		}
		return nil
	})
}
