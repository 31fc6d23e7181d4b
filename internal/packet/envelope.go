package packet

import (
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/wire"
)

// envelope is a command's wire form: the CBOR-encoded record written to
// both packet files and invitation seeds, per spec.md §4.4 ("Zero or more
// Command JSON envelopes").
type envelope struct {
	Author  ids.NodeId
	Seq     uint64
	Depends map[ids.NodeId]uint64
	Value   command.Value
}

func toEnvelope(cmd *command.Command) envelope {
	return envelope{Author: cmd.Author, Seq: cmd.Seq, Depends: cmd.Depends, Value: cmd.Value}
}

func (e envelope) toCommand() *command.Command {
	return &command.Command{
		ID:         command.ID{Author: e.Author, Seq: e.Seq},
		Depends:    e.Depends,
		Value:      e.Value,
		HasPayload: e.Value.Name() == command.KindAddFile,
	}
}

// terminator is the "empty JSON value" §4.4 calls for, expressed as CBOR
// null — the marker that ends a command-log section.
var terminator, _ = cbor.Marshal(nil)

func isTerminator(body []byte) bool {
	return len(body) == len(terminator) && string(body) == string(terminator)
}

// FileSource supplies a registered file's content so the engine can stream
// it into a packet or invitation seed.
type FileSource interface {
	Open(cmd *command.Command) (r io.Reader, size int64, err error)
}

// FileSink receives a streamed file's content while decoding a packet or
// invitation seed.
type FileSink interface {
	Create(cmd *command.Command) (w io.Writer, err error)
}

// writeCommands encodes cmds as a terminated sequence of envelopes,
// streaming each addfile command's payload immediately after its envelope.
func writeCommands(cc *wire.CCStream, cmds []*command.Command, src FileSource) error {
	for _, cmd := range cmds {
		body, err := cbor.Marshal(toEnvelope(cmd))
		if err != nil {
			return err
		}
		if err := cc.WriteRecord(body); err != nil {
			return err
		}
		if cmd.Value.Name() == command.KindAddFile {
			r, size, err := src.Open(cmd)
			if err != nil {
				return err
			}
			if err := cc.WriteFile(r, size); err != nil {
				return err
			}
		}
	}
	return cc.WriteRecord(terminator)
}

// WriteCommandBatch opens its own framed session atop buf and writes cmds
// as a terminated envelope sequence — the TCP anti-entropy session's
// response-to-a-request-batch message (internal/gossip's session.go).
func WriteCommandBatch(buf *wire.BufferedStream, key ids.Key, cmds []*command.Command, src FileSource) error {
	cc, err := wire.NewCCWriter(buf, key)
	if err != nil {
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

// ReadCommandBatch reads a batch written by WriteCommandBatch.
func ReadCommandBatch(buf *wire.BufferedStream, key ids.Key, sink FileSink) ([]*command.Command, error) {
	cc, err := wire.NewCCReader(buf, key)
	if err != nil {
		return nil, err
	}
	cmds, err := readCommands(cc, sink)
	if err != nil {
		return nil, err
	}
	return cmds, cc.Close()
}

// requestList is the wire form of a command-request batch: the
// (author, seq) pairs one side asks its peer to send, per spec.md §4.5's
// "three-alternation request loop".
type requestList struct {
	Wanted []command.ID
}

// WriteRequests opens its own framed session atop buf and writes wanted as
// a single record.
func WriteRequests(buf *wire.BufferedStream, key ids.Key, wanted []command.ID) error {
	cc, err := wire.NewCCWriter(buf, key)
	if err != nil {
		return err
	}
	body, err := cbor.Marshal(requestList{Wanted: wanted})
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

// ReadRequests reads a request batch written by WriteRequests.
func ReadRequests(buf *wire.BufferedStream, key ids.Key) ([]command.ID, error) {
	cc, err := wire.NewCCReader(buf, key)
	if err != nil {
		return nil, err
	}
	body, err := cc.ReadRecord()
	if err != nil {
		return nil, err
	}
	var list requestList
	if err := cbor.Unmarshal(body, &list); err != nil {
		return nil, err
	}
	return list.Wanted, cc.Close()
}

// readCommands decodes a sequence of envelopes written by writeCommands,
// materializing each addfile payload through sink.
func readCommands(cc *wire.CCStream, sink FileSink) ([]*command.Command, error) {
	var out []*command.Command
	for {
		body, err := cc.ReadRecord()
		if err != nil {
			return nil, err
		}
		if isTerminator(body) {
			return out, nil
		}
		var e envelope
		if err := cbor.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		cmd := e.toCommand()
		if cmd.Value.Name() == command.KindAddFile {
			w, err := sink.Create(cmd)
			if err != nil {
				return nil, err
			}
			if _, err := cc.ReadFile(w); err != nil {
				return nil, err
			}
		}
		out = append(out, cmd)
	}
}
