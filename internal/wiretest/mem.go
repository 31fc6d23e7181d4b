// Package wiretest provides an in-memory wire.Descriptor for tests that
// exercise the framed-stream layers without a real file or socket.
package wiretest

import "bytes"

// MemDescriptor is a bytes.Buffer-backed wire.Descriptor: Write appends,
// Read consumes from the front, Close is a no-op. Writing the full
// session before reading it back (as a packet file test would) works
// exactly like a file would.
type MemDescriptor struct {
	buf bytes.Buffer
}

func (m *MemDescriptor) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *MemDescriptor) Read(p []byte) (int, error)  { return m.buf.Read(p) }
func (m *MemDescriptor) Close() error                { return nil }

// Bytes returns the bytes currently queued (written but not yet read).
func (m *MemDescriptor) Bytes() []byte { return m.buf.Bytes() }

// NewMemDescriptorFrom builds a MemDescriptor preloaded with raw bytes,
// useful for corrupt-stream tests that mutate a captured wire trace.
func NewMemDescriptorFrom(raw []byte) *MemDescriptor {
	m := &MemDescriptor{}
	m.buf.Write(raw)
	return m
}
