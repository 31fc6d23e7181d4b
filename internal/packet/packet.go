// Package packet implements the offline packet file format and the
// online/offline invitation codecs. Grounded on
// _examples/original_source/core.h (write_packet, read_packet,
// write_offline_invite, TrailerUUIDs) and ccstream.h's ICCstream framing.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
	"github.com/distadm/distadm/internal/wire"
)

// ProtocolVersion is the current packet/invitation wire version.
const ProtocolVersion uint16 = 1

// WritePacket encodes a full offline packet: a u16 version, the matrix, the
// command log (terminated), under a single group-keyed framed stream.
func WritePacket(buf *wire.BufferedStream, key ids.Key, m *matrix.Matrix, cmds []*command.Command, src FileSource) error {
	cc, err := wire.NewCCWriter(buf, key)
	if err != nil {
		return err
	}
	var versionBuf [2]byte
	binary.BigEndian.PutUint16(versionBuf[:], ProtocolVersion)
	if err := cc.WriteRaw(versionBuf[:]); err != nil {
		return err
	}
	if err := m.Write(cc); err != nil {
		return err
	}
	if err := writeCommands(cc, cmds, src); err != nil {
		return err
	}
	if err := cc.Close(); err != nil {
		return err
	}
	return buf.Flush()
}

// ReadPacket decodes a packet written by WritePacket. A well-formed prefix
// (the writer stopped early for free-space reasons) is only accepted if it
// still reaches the terminator — a truncated command section surfaces
// wire.ErrCorruptStream from the underlying record read, matching the
// "receiver must still accept a well-formed prefix" requirement for
// deliberate early termination but not for accidental truncation.
func ReadPacket(buf *wire.BufferedStream, key ids.Key, sink FileSink) (*matrix.Matrix, []*command.Command, error) {
	cc, err := wire.NewCCReader(buf, key)
	if err != nil {
		return nil, nil, err
	}
	var versionBuf [2]byte
	if err := cc.ReadRaw(versionBuf[:]); err != nil {
		return nil, nil, err
	}
	version := binary.BigEndian.Uint16(versionBuf[:])
	if version != ProtocolVersion {
		return nil, nil, fmt.Errorf("packet: %w: got %d", wire.ErrUnsupportedVersion, version)
	}
	m, err := matrix.Read(cc)
	if err != nil {
		return nil, nil, err
	}
	cmds, err := readCommands(cc, sink)
	if err != nil {
		return nil, nil, err
	}
	return m, cmds, cc.Close()
}
