// Package wire implements the daemon's three-layer framed stream: buffered
// bytes, an AES-256-CFB8 encrypted layer with a chained SHA-1 running hash,
// and an outer deflate/inflate layer. Every packet file, invitation file,
// and TCP session is built atop these three layers. Grounded on
// _examples/original_source/ccstream.h (Istream/Ostream, ICstream/OCstream,
// ICCstream/OCCstream) and the framing concept in the teacher's
// stream/stream.go.
package wire

import (
	"bufio"
	"fmt"
	"io"
)

const bufferSize = 64 * 1024

// Descriptor is anything a BufferedStream can sit on top of: a regular file
// or a network socket. Seek support is optional (sockets don't have it).
type Descriptor interface {
	io.Reader
	io.Writer
	io.Closer
}

// Seeker is implemented by file-backed descriptors; used to repoint the
// descriptor after a partial read so the next session/read can resume
// cleanly.
type Seeker interface {
	Seek(offset int64, whence int) (int64, error)
}

// BufferedStream is the innermost layer: 64 KiB buffered I/O over a
// Descriptor, with forced flush-after-write when Network is true so a TCP
// peer unblocks promptly instead of waiting for a full buffer.
type BufferedStream struct {
	desc    Descriptor
	Network bool

	r *bufio.Reader
	w *bufio.Writer
}

// NewBuffered wraps desc. Set network to true for sockets: every Write
// triggers an immediate flush of the write buffer.
func NewBuffered(desc Descriptor, network bool) *BufferedStream {
	return &BufferedStream{
		desc:    desc,
		Network: network,
		r:       bufio.NewReaderSize(desc, bufferSize),
		w:       bufio.NewWriterSize(desc, bufferSize),
	}
}

// Read fills p entirely or returns ErrCorruptStream on a short read.
func (b *BufferedStream) Read(p []byte) (int, error) {
	n, err := io.ReadFull(b.r, p)
	if err != nil {
		return n, fmt.Errorf("%w: short read (%d/%d): %v", ErrCorruptStream, n, len(p), err)
	}
	return n, nil
}

// ReadByte lets upper layers (the CFB-8 cipher, in turn the flate reader)
// consume exactly one byte at a time without over-reading into bytes that
// belong to a later logical record — this is what lets a trailing region
// written after a compressed section (e.g. an invitation's joiner trailer)
// be read intact by a later call on the same BufferedStream.
func (b *BufferedStream) ReadByte() (byte, error) {
	c, err := b.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptStream, err)
	}
	return c, nil
}

// Peek returns the next n buffered bytes without consuming them. n must not
// exceed the buffer size.
func (b *BufferedStream) Peek(n int) ([]byte, error) {
	p, err := b.r.Peek(n)
	if err != nil {
		return nil, fmt.Errorf("%w: peek %d: %v", ErrCorruptStream, n, err)
	}
	return p, nil
}

// Write buffers p, flushing immediately if Network is set.
func (b *BufferedStream) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if err != nil {
		return n, err
	}
	if b.Network {
		if err := b.w.Flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush drops the write cache to the descriptor unconditionally.
func (b *BufferedStream) Flush() error {
	return b.w.Flush()
}

// Tell returns the current read-side buffered offset, valid only when desc
// is seekable; used for diagnostics and tests.
func (b *BufferedStream) Tell() (int64, error) {
	s, ok := b.desc.(Seeker)
	if !ok {
		return 0, fmt.Errorf("wire: descriptor not seekable")
	}
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return cur - int64(b.r.Buffered()), nil
}

// Close flushes pending writes. If the descriptor is seekable and partial
// reads were left buffered, it repoints the descriptor to the last
// consumed byte before closing so a subsequent open resumes cleanly.
func (b *BufferedStream) Close() error {
	if err := b.w.Flush(); err != nil {
		return err
	}
	if s, ok := b.desc.(Seeker); ok {
		if buffered := b.r.Buffered(); buffered > 0 {
			if _, err := s.Seek(-int64(buffered), io.SeekCurrent); err != nil {
				return err
			}
		}
	}
	return b.desc.Close()
}
