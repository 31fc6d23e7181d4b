package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/packet"
	"github.com/distadm/distadm/internal/state"
)

// interval is a half-open byte range [From, To) received for a file being
// assembled from segments.
type interval struct{ From, To int64 }

// assemblyState tracks the byte ranges an in-progress addfile has received
// so far, per spec.md §4.3's "the command engine assembles segments into
// the final file via a temp sparse file".
type assemblyState struct {
	total   int64 // presumed total size: the largest "to" seen so far
	covered []interval
}

// segmentWriter streams exactly one addfile segment's bytes into the
// shared temp sparse file at the right offset.
type segmentWriter struct {
	f *os.File
}

func (w *segmentWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

// fileSource implements packet.FileSource by reading registered files back
// off disk for outgoing packet/invitation/session writes.
type fileSource struct{ c *Core }

func (c *Core) FileSource() packet.FileSource { return fileSource{c: c} }

func (s fileSource) Open(cmd *command.Command) (io.Reader, int64, error) {
	name, ok := valueString(cmd.Value, "filename")
	if !ok {
		return nil, 0, fmt.Errorf("core: addfile command missing filename")
	}
	from, hasFrom := valueInt64(cmd.Value, "from")
	to, hasTo := valueInt64(cmd.Value, "to")
	path := filepath.Join(s.c.filesDir(), filepath.Clean("/"+name))
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("core: open %s for sending: %w", name, err)
	}
	if hasFrom && hasTo {
		if _, err := f.Seek(from, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, err
		}
		return &closingReader{r: io.LimitReader(f, to-from), c: f}, to - from, nil
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return &closingReader{r: f, c: f}, info.Size(), nil
}

// closingReader closes the backing file once its content has been fully
// consumed (or on a read error), so FileSource.Open doesn't leak descriptors
// even though the packet.FileSource interface gives it no explicit Close
// hook.
type closingReader struct {
	r      io.Reader
	c      io.Closer
	closed bool
}

func (r *closingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !r.closed {
		r.closed = true
		r.c.Close()
	}
	return n, err
}

// fileSink implements packet.FileSink by writing incoming addfile payloads
// into the shared temp sparse file (segments) or straight into place
// (whole-file), tracking assembly progress on Core.
type fileSink struct{ c *Core }

func (c *Core) FileSink() packet.FileSink { return fileSink{c: c} }

func (s fileSink) Create(cmd *command.Command) (io.Writer, error) {
	return s.c.createIncomingFile(cmd)
}

func (c *Core) createIncomingFile(cmd *command.Command) (io.Writer, error) {
	name, ok := valueString(cmd.Value, "filename")
	if !ok {
		return nil, fmt.Errorf("core: addfile command missing filename")
	}
	from, hasFrom := valueInt64(cmd.Value, "from")
	to, hasTo := valueInt64(cmd.Value, "to")

	c.mu.Lock()
	defer c.mu.Unlock()

	if !hasFrom || !hasTo {
		// Whole-file payload: write straight to its final location.
		path := filepath.Join(c.filesDir(), filepath.Clean("/"+name))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return nil, fmt.Errorf("core: create %s: %w", name, err)
		}
		return &segmentWriter{f: f}, nil
	}

	tmpPath := filepath.Join(c.tmpDir(), sparseFileName(name))
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("core: open assembly file for %s: %w", name, err)
	}
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	as := c.assembling[name]
	if as == nil {
		as = &assemblyState{}
		c.assembling[name] = as
	}
	if to > as.total {
		as.total = to
	}
	as.covered = mergeInterval(as.covered, interval{From: from, To: to})
	return &segmentWriter{f: f}, nil
}

// sparseFileName derives the temp-assembly filename for a registered file,
// flattening path separators so nested registered paths don't collide with
// the tmp directory's own layout.
func sparseFileName(name string) string {
	flat := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			flat = append(flat, '_')
		} else {
			flat = append(flat, name[i])
		}
	}
	return string(flat) + ".assembling"
}

func mergeInterval(existing []interval, add interval) []interval {
	existing = append(existing, add)
	sort.Slice(existing, func(i, j int) bool { return existing[i].From < existing[j].From })
	merged := existing[:0]
	for _, iv := range existing {
		if len(merged) > 0 && iv.From <= merged[len(merged)-1].To {
			if iv.To > merged[len(merged)-1].To {
				merged[len(merged)-1].To = iv.To
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

func isComplete(as *assemblyState) bool {
	if as.total == 0 {
		return false
	}
	return len(as.covered) == 1 && as.covered[0].From == 0 && as.covered[0].To == as.total
}

// execAddFile finalizes registry bookkeeping for an addfile command on a
// receiving peer. For segmented files, it promotes the temp assembly file
// into place and registers it only once every segment has arrived — the
// last segment's Execute call is the one that observes completion, since a
// node only reaches this point once it has received every earlier seq for
// the same author in order. The authoring node never populates assembling
// state for its own file (AddFile writes it whole and registers it
// directly), so the segmented branch below is always a no-op there.
func (c *Core) execAddFile(cmd *command.Command) error {
	name, ok := valueString(cmd.Value, "filename")
	if !ok {
		return fmt.Errorf("core: addfile missing filename")
	}
	_, hasFrom := valueInt64(cmd.Value, "from")
	_, hasTo := valueInt64(cmd.Value, "to")

	if !hasFrom || !hasTo {
		return c.registerFile(name, cmd.Author)
	}

	as := c.assembling[name]
	if as == nil || !isComplete(as) {
		// Not yet complete from this node's point of view (e.g. a gap
		// filled by a BAD MESSAGE sentinel upstream); nothing to finalize
		// yet.
		return nil
	}
	tmpPath := filepath.Join(c.tmpDir(), sparseFileName(name))
	finalPath := filepath.Join(c.filesDir(), filepath.Clean("/"+name))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0700); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("core: finalize assembled file %s: %w", name, err)
	}
	delete(c.assembling, name)
	return c.registerFile(name, cmd.Author)
}

func (c *Core) registerFile(name string, author ids.NodeId) error {
	if c.registry == nil {
		return nil
	}
	path := filepath.Join(c.filesDir(), filepath.Clean("/"+name))
	info, err := os.Stat(path)
	var size int64
	if err == nil {
		size = info.Size()
	}
	return c.registry.Put(name, state.FileEntry{Size: size, Author: author})
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func removeAllIfExists(path string) error {
	return os.RemoveAll(path)
}
