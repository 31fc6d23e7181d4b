package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/wire"
	"github.com/distadm/distadm/internal/wiretest"
)

func TestRecordRoundTrip(t *testing.T) {
	key, err := ids.NewKey()
	require.NoError(t, err)
	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)

	w, err := wire.NewCCWriter(buf, key)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("hello distadm")))
	require.NoError(t, w.Close())
	require.NoError(t, buf.Flush())

	r, err := wire.NewCCReader(buf, key)
	require.NoError(t, err)
	got, err := r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, []byte("hello distadm"), got)
}

func TestFileRoundTrip(t *testing.T) {
	key, err := ids.NewKey()
	require.NoError(t, err)
	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)

	payload := bytes.Repeat([]byte{0xAB}, 70000) // spans multiple file blocks

	w, err := wire.NewCCWriter(buf, key)
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(bytes.NewReader(payload), int64(len(payload))))
	require.NoError(t, w.Close())
	require.NoError(t, buf.Flush())

	r, err := wire.NewCCReader(buf, key)
	require.NoError(t, err)
	var out bytes.Buffer
	n, err := r.ReadFile(&out)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.True(t, bytes.Equal(payload, out.Bytes()))
}

func TestHashCheckpointDetectsTamper(t *testing.T) {
	key, err := ids.NewKey()
	require.NoError(t, err)
	desc := &wiretest.MemDescriptor{}
	buf := wire.NewBuffered(desc, false)

	w, err := wire.NewCCWriter(buf, key)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("first")))
	require.NoError(t, w.WriteRecord([]byte("second")))
	require.NoError(t, w.Close())
	require.NoError(t, buf.Flush())

	raw := desc.Bytes()
	// Flip a byte roughly in the middle of the ciphertext stream, between
	// the first and second record's checkpoints.
	flipAt := len(raw) / 2
	raw[flipAt] ^= 0xFF

	tampered := wiretest.NewMemDescriptorFrom(raw)
	tbuf := wire.NewBuffered(tampered, false)
	r, err := wire.NewCCReader(tbuf, key)
	require.NoError(t, err)

	_, err1 := r.ReadRecord()
	_, err2 := r.ReadRecord()
	require.True(t, errors.Is(err1, wire.ErrCorruptStream) || errors.Is(err2, wire.ErrCorruptStream),
		"tampering between checkpoints must surface ErrCorruptStream")
}
