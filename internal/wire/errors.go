package wire

import "errors"

// ErrCorruptStream is returned for any short read at a required boundary,
// a hash-checkpoint mismatch, or a decompression error (an unsupported
// protocol version is reported with ErrUnsupportedVersion instead). The
// caller must abort the session on this error.
var ErrCorruptStream = errors.New("wire: corrupt stream")

// ErrUnsupportedVersion indicates a peer announced a protocol version this
// build does not understand.
var ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
