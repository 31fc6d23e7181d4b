package matrix

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/wire"
)

// Wire is the matrix's wire encoding: ids, a flattened NxN row matrix,
// per-node message counters and protocol versions. Used for TCP matrix
// exchange and the packet-file header (§4.2).
type Wire struct {
	Ids       []ids.NodeId
	Rows      [][]uint64
	NetMsgCnt []uint64
	ProtoVer  []uint16
}

// ValidatorWire additionally carries CommandToExec per node — used only in
// invitations, where the joiner needs to know each node's own execution
// pointer to seed its copy correctly.
type ValidatorWire struct {
	Wire
	CommandToExec []uint64
}

// ToWire flattens the matrix for transmission.
func (m *Matrix) ToWire() Wire {
	w := Wire{
		Ids:       m.Ids(),
		Rows:      make([][]uint64, len(m.order)),
		NetMsgCnt: make([]uint64, len(m.order)),
		ProtoVer:  make([]uint16, len(m.order)),
	}
	for i, id := range m.order {
		row := m.nodes[id]
		flat := make([]uint64, len(m.order))
		for j, col := range m.order {
			flat[j] = row.Known(col)
		}
		w.Rows[i] = flat
		w.NetMsgCnt[i] = row.NetMsgCnt
		w.ProtoVer[i] = row.ProtoVer
	}
	return w
}

// ToValidatorWire additionally captures CommandToExec.
func (m *Matrix) ToValidatorWire() ValidatorWire {
	vw := ValidatorWire{Wire: m.ToWire(), CommandToExec: make([]uint64, len(m.order))}
	for i, id := range m.order {
		vw.CommandToExec[i] = m.nodes[id].CommandToExec
	}
	return vw
}

// FromWire reconstructs a Matrix from its wire form.
func FromWire(w Wire) *Matrix {
	m := New()
	m.order = append(m.order, w.Ids...)
	for i, id := range w.Ids {
		n := newNode(w.ProtoVer[i])
		n.NetMsgCnt = w.NetMsgCnt[i]
		for j, col := range w.Ids {
			n.setKnown(col, w.Rows[i][j])
		}
		m.nodes[id] = n
	}
	return m
}

// FromValidatorWire reconstructs a Matrix from its validator wire form.
func FromValidatorWire(vw ValidatorWire) *Matrix {
	m := FromWire(vw.Wire)
	for i, id := range vw.Ids {
		m.nodes[id].CommandToExec = vw.CommandToExec[i]
	}
	return m
}

// Write encodes the matrix as a CBOR record with hash checkpoints.
func (m *Matrix) Write(cc *wire.CCStream) error {
	body, err := cbor.Marshal(m.ToWire())
	if err != nil {
		return err
	}
	return cc.WriteRecord(body)
}

// Read decodes a matrix written by Write.
func Read(cc *wire.CCStream) (*Matrix, error) {
	body, err := cc.ReadRecord()
	if err != nil {
		return nil, err
	}
	var w Wire
	if err := cbor.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	return FromWire(w), nil
}

// WriteValidator encodes the matrix in its validator form (invitations only).
func (m *Matrix) WriteValidator(cc *wire.CCStream) error {
	body, err := cbor.Marshal(m.ToValidatorWire())
	if err != nil {
		return err
	}
	return cc.WriteRecord(body)
}

// ReadValidator decodes a matrix written by WriteValidator.
func ReadValidator(cc *wire.CCStream) (*Matrix, error) {
	body, err := cc.ReadRecord()
	if err != nil {
		return nil, err
	}
	var vw ValidatorWire
	if err := cbor.Unmarshal(body, &vw); err != nil {
		return nil, err
	}
	return FromValidatorWire(vw), nil
}
