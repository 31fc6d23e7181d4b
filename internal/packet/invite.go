package packet

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
	"github.com/distadm/distadm/internal/wire"
)

// onlinePayload is the plaintext carried by the online invitation's single
// encrypted record: spec.md §4.4 "{u16 version, GroupIdPacket{group_id,
// key}}".
type onlinePayload struct {
	Version uint16
	GroupId ids.GroupId
	Key     ids.Key
}

// WriteOnlineInvite writes a password-wrapped online invitation: a
// cleartext nonce, then the group id and key encrypted and compressed
// under a PBKDF2-stretched wrapping key derived from nonce and password.
// The nonce is returned so a caller continuing straight into an offline
// invitation on the same file can reuse the derivation if desired.
func WriteOnlineInvite(buf *wire.BufferedStream, password string, groupID ids.GroupId, key ids.Key) (ids.Nonce, error) {
	nonce, err := ids.NewNonce()
	if err != nil {
		return nonce, err
	}
	if _, err := buf.Write(nonce[:]); err != nil {
		return nonce, err
	}
	wrapKey := ids.DeriveInviteKey(password, nonce)
	cc, err := wire.NewCCWriter(buf, wrapKey)
	if err != nil {
		return nonce, err
	}
	body, err := cbor.Marshal(onlinePayload{Version: ProtocolVersion, GroupId: groupID, Key: key})
	if err != nil {
		return nonce, err
	}
	if err := cc.WriteRecord(body); err != nil {
		return nonce, err
	}
	if err := cc.Close(); err != nil {
		return nonce, err
	}
	return nonce, buf.Flush()
}

// ReadOnlineInvite reads an invitation written by WriteOnlineInvite,
// deriving the wrapping key from the cleartext nonce and the supplied
// password.
func ReadOnlineInvite(buf *wire.BufferedStream, password string) (groupID ids.GroupId, key ids.Key, err error) {
	var nonce ids.Nonce
	if _, err = buf.Read(nonce[:]); err != nil {
		return
	}
	wrapKey := ids.DeriveInviteKey(password, nonce)
	cc, err := wire.NewCCReader(buf, wrapKey)
	if err != nil {
		return
	}
	body, err := cc.ReadRecord()
	if err != nil {
		return
	}
	var payload onlinePayload
	if err = cbor.Unmarshal(body, &payload); err != nil {
		return
	}
	if payload.Version != ProtocolVersion {
		err = fmt.Errorf("packet: %w: got %d", wire.ErrUnsupportedVersion, payload.Version)
		return
	}
	if err = cc.Close(); err != nil {
		return
	}
	return payload.GroupId, payload.Key, nil
}

// offlineHeader is the first record of an offline invitation's full seed.
type offlineHeader struct {
	InviteID ids.InviteId
	SelfID   ids.NodeId
}

// Seed is the inviter's full state handed to a joiner, minus the command
// log and file payloads (streamed separately by writeCommands/readCommands
// so large registered files never need to fit in memory at once).
// StateNodes, State and Users are opaque blobs produced by internal/state —
// this package does not interpret them, only frames and checkpoints them.
type Seed struct {
	InviteID   ids.InviteId
	SelfID     ids.NodeId
	Matrix     *matrix.Matrix
	StateNodes []byte
	State      []byte
	Users      []byte
	Filenames  []string
}

// WriteOfflineInvite writes the full seed under the now-shared group key:
// the offline invitation is a continuation of an online invite that has
// already delivered groupKey to the joiner (spec.md §4.4's "online
// invitation continued").
func WriteOfflineInvite(buf *wire.BufferedStream, groupKey ids.Key, seed Seed, cmds []*command.Command, src FileSource) error {
	cc, err := wire.NewCCWriter(buf, groupKey)
	if err != nil {
		return err
	}
	header := offlineHeader{InviteID: seed.InviteID, SelfID: seed.SelfID}
	body, err := cbor.Marshal(header)
	if err != nil {
		return err
	}
	if err := cc.WriteRecord(body); err != nil {
		return err
	}
	if err := seed.Matrix.WriteValidator(cc); err != nil {
		return err
	}
	for _, blob := range [][]byte{seed.StateNodes, seed.State, seed.Users} {
		if err := cc.WriteRecord(blob); err != nil {
			return err
		}
	}
	filenamesBody, err := cbor.Marshal(seed.Filenames)
	if err != nil {
		return err
	}
	if err := cc.WriteRecord(filenamesBody); err != nil {
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

// ReadOfflineInvite decodes a seed written by WriteOfflineInvite.
func ReadOfflineInvite(buf *wire.BufferedStream, groupKey ids.Key, sink FileSink) (Seed, []*command.Command, error) {
	var seed Seed
	cc, err := wire.NewCCReader(buf, groupKey)
	if err != nil {
		return seed, nil, err
	}
	headerBody, err := cc.ReadRecord()
	if err != nil {
		return seed, nil, err
	}
	var header offlineHeader
	if err := cbor.Unmarshal(headerBody, &header); err != nil {
		return seed, nil, err
	}
	seed.InviteID, seed.SelfID = header.InviteID, header.SelfID

	m, err := matrix.ReadValidator(cc)
	if err != nil {
		return seed, nil, err
	}
	seed.Matrix = m

	if seed.StateNodes, err = cc.ReadRecord(); err != nil {
		return seed, nil, err
	}
	if seed.State, err = cc.ReadRecord(); err != nil {
		return seed, nil, err
	}
	if seed.Users, err = cc.ReadRecord(); err != nil {
		return seed, nil, err
	}
	filenamesBody, err := cc.ReadRecord()
	if err != nil {
		return seed, nil, err
	}
	if err := cbor.Unmarshal(filenamesBody, &seed.Filenames); err != nil {
		return seed, nil, err
	}

	cmds, err := readCommands(cc, sink)
	if err != nil {
		return seed, nil, err
	}
	return seed, cmds, cc.Close()
}

// trailerPayload is appended by the joiner before returning the invitation
// file to the inviter: a freshness nonce and the candidate NodeIds the
// joiner wants to claim (spec.md §4.4).
type trailerPayload struct {
	Nonce      ids.Nonce
	Candidates []ids.NodeId
}

// WriteTrailer appends the joiner's candidate-id trailer, as a new framed
// session continuing on the same descriptor right after the seed's
// session closed.
func WriteTrailer(buf *wire.BufferedStream, groupKey ids.Key, candidates []ids.NodeId) error {
	nonce, err := ids.NewNonce()
	if err != nil {
		return err
	}
	cc, err := wire.NewCCWriter(buf, groupKey)
	if err != nil {
		return err
	}
	body, err := cbor.Marshal(trailerPayload{Nonce: nonce, Candidates: candidates})
	if err != nil {
		return err
	}
	if err := cc.WriteRecord(body); err != nil {
		return err
	}
	if err := cc.Close(); err != nil {
		return err
	}
	return buf.Flush()
}

// ReadTrailer decodes the trailer written by WriteTrailer.
func ReadTrailer(buf *wire.BufferedStream, groupKey ids.Key) ([]ids.NodeId, error) {
	cc, err := wire.NewCCReader(buf, groupKey)
	if err != nil {
		return nil, err
	}
	body, err := cc.ReadRecord()
	if err != nil {
		return nil, err
	}
	var payload trailerPayload
	if err := cbor.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload.Candidates, cc.Close()
}

// ValidateCandidate enforces invariant P2: a joiner's proposed NodeId must
// not collide with any id already present in m, nor with any other
// candidate already claimed in this invitation round.
func ValidateCandidate(m *matrix.Matrix, claimed []ids.NodeId, proposed ids.NodeId) error {
	if m.Node(proposed) != nil {
		return fmt.Errorf("packet: candidate id already present in matrix")
	}
	for _, c := range claimed {
		if c == proposed {
			return fmt.Errorf("packet: candidate id already claimed this round")
		}
	}
	return nil
}
