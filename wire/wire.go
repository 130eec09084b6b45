// Package wire implements a hand-rolled binary protocol: a
// length-prefixed, opcode-tagged message format over a plain net.Conn,
// rather than an RPC/codegen framework (see DESIGN.md for why).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/relab/kauri"
	kcrypto "github.com/relab/kauri/crypto"
)

// Opcode identifies a message's wire type.
type Opcode byte

const (
	OpPropose   Opcode = 0x00
	OpVote      Opcode = 0x01
	OpReqBlock  Opcode = 0x02
	OpRespBlock Opcode = 0x03
	OpVoteRelay Opcode = 0x04
	// OpNewView carries the NewView message a replica sends its next
	// leader on a local timeout; it gets its own opcode rather than
	// overloading an existing one.
	OpNewView Opcode = 0x05
)

// maxFrameSize bounds a single message's length prefix, guarding against
// a corrupt or hostile peer claiming an absurd frame size.
const maxFrameSize = 64 << 20 // 64 MiB

// Codec encodes and decodes wire messages, using crypto to parse the
// certificate encodings embedded in Vote/Propose/VoteRelay messages
// (whose exact byte layout depends on which crypto backend is active).
type Codec struct {
	crypto kcrypto.Crypto
}

// NewCodec returns a Codec bound to the given crypto backend.
func NewCodec(crypto kcrypto.Crypto) *Codec {
	return &Codec{crypto: crypto}
}

// WriteFrame writes one opcode-tagged, length-prefixed message to w.
func (c *Codec) WriteFrame(w io.Writer, op Opcode, payload []byte) error {
	var header [5]byte
	header[0] = byte(op)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one opcode-tagged, length-prefixed message from r.
func (c *Codec) ReadFrame(r io.Reader) (Opcode, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("wire: failed to read frame header: %w", err)
	}
	op := Opcode(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("wire: frame size %d exceeds limit %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("wire: failed to read frame payload: %w", err)
	}
	return op, payload, nil
}

// --- Propose ---

// EncodePropose serializes a ProposeMsg: proposer_id(4B) || view(8B) ||
// nparents(2B) || parents(32B each) || ncmds(4B) || for each: len(4B)+bytes
// || has_qc(1B) || qc? || has_aggqc(1B) || aggqc?.
func (c *Codec) EncodePropose(msg kauri.ProposeMsg) []byte {
	block := msg.Block
	var out []byte
	var b4 [4]byte
	var b8 [8]byte

	binary.BigEndian.PutUint32(b4[:], uint32(msg.ID))
	out = append(out, b4[:]...)

	binary.BigEndian.PutUint64(b8[:], uint64(block.View()))
	out = append(out, b8[:]...)

	parents := block.Parents()
	var b2 [2]byte
	binary.BigEndian.PutUint16(b2[:], uint16(len(parents)))
	out = append(out, b2[:]...)
	for _, p := range parents {
		out = append(out, p[:]...)
	}

	cmds := block.Commands()
	binary.BigEndian.PutUint32(b4[:], uint32(len(cmds)))
	out = append(out, b4[:]...)
	for _, cmd := range cmds {
		binary.BigEndian.PutUint32(b4[:], uint32(len(cmd)))
		out = append(out, b4[:]...)
		out = append(out, cmd...)
	}

	if qc := block.QuorumCert(); qc != nil {
		out = append(out, 1)
		qcBytes := qc.ToBytes()
		binary.BigEndian.PutUint32(b4[:], uint32(len(qcBytes)))
		out = append(out, b4[:]...)
		out = append(out, qcBytes...)
	} else {
		out = append(out, 0)
	}

	if msg.AggregateQC != nil {
		out = append(out, 1)
		out = append(out, encodeAggregateQC(*msg.AggregateQC)...)
	} else {
		out = append(out, 0)
	}

	return out
}

// DecodePropose deserializes bytes produced by EncodePropose.
func (c *Codec) DecodePropose(b []byte) (kauri.ProposeMsg, error) {
	var msg kauri.ProposeMsg
	off := 0
	need := func(n int) error {
		if off+n > len(b) {
			return fmt.Errorf("wire: DecodePropose: short read at offset %d", off)
		}
		return nil
	}

	if err := need(4); err != nil {
		return msg, err
	}
	msg.ID = kauri.ID(binary.BigEndian.Uint32(b[off:]))
	off += 4

	if err := need(8); err != nil {
		return msg, err
	}
	view := kauri.View(binary.BigEndian.Uint64(b[off:]))
	off += 8

	if err := need(2); err != nil {
		return msg, err
	}
	nparents := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	parents := make([]kauri.Hash, nparents)
	for i := 0; i < nparents; i++ {
		if err := need(32); err != nil {
			return msg, err
		}
		copy(parents[i][:], b[off:off+32])
		off += 32
	}

	if err := need(4); err != nil {
		return msg, err
	}
	ncmds := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	cmds := make([]kauri.Command, ncmds)
	for i := 0; i < ncmds; i++ {
		if err := need(4); err != nil {
			return msg, err
		}
		clen := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if err := need(clen); err != nil {
			return msg, err
		}
		cmds[i] = append(kauri.Command(nil), b[off:off+clen]...)
		off += clen
	}

	if err := need(1); err != nil {
		return msg, err
	}
	hasQC := b[off] == 1
	off++
	var qc kauri.QuorumCert
	if hasQC {
		if err := need(4); err != nil {
			return msg, err
		}
		qclen := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if err := need(qclen); err != nil {
			return msg, err
		}
		parsed, err := c.crypto.ParseQuorumCert(b[off : off+qclen])
		if err != nil {
			return msg, fmt.Errorf("wire: DecodePropose: %w", err)
		}
		qc = parsed
		off += qclen
	}

	if err := need(1); err != nil {
		return msg, err
	}
	hasAggQC := b[off] == 1
	off++
	if hasAggQC {
		aggQC, n, err := c.decodeAggregateQC(b[off:])
		if err != nil {
			return msg, fmt.Errorf("wire: DecodePropose: %w", err)
		}
		msg.AggregateQC = &aggQC
		off += n
	}

	msg.Block = kauri.NewBlock(parents, qc, cmds, view, msg.ID)
	return msg, nil
}

func encodeAggregateQC(agg kauri.AggregateQC) []byte {
	var out []byte
	var b4 [4]byte
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], uint64(agg.View))
	out = append(out, b8[:]...)
	binary.BigEndian.PutUint32(b4[:], uint32(len(agg.QCs)))
	out = append(out, b4[:]...)
	for id, qc := range agg.QCs {
		var idb [4]byte
		binary.BigEndian.PutUint32(idb[:], uint32(id))
		out = append(out, idb[:]...)
		qcBytes := qc.ToBytes()
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(qcBytes)))
		out = append(out, lb[:]...)
		out = append(out, qcBytes...)
	}
	return out
}

func (c *Codec) decodeAggregateQC(b []byte) (kauri.AggregateQC, int, error) {
	agg := kauri.AggregateQC{QCs: make(map[kauri.ID]kauri.QuorumCert)}
	off := 0
	if off+8 > len(b) {
		return agg, 0, fmt.Errorf("short read")
	}
	agg.View = kauri.View(binary.BigEndian.Uint64(b[off:]))
	off += 8
	if off+4 > len(b) {
		return agg, 0, fmt.Errorf("short read")
	}
	n := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	for i := 0; i < n; i++ {
		if off+4 > len(b) {
			return agg, 0, fmt.Errorf("short read")
		}
		id := kauri.ID(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if off+4 > len(b) {
			return agg, 0, fmt.Errorf("short read")
		}
		qclen := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if off+qclen > len(b) {
			return agg, 0, fmt.Errorf("short read")
		}
		qc, err := c.crypto.ParseQuorumCert(b[off : off+qclen])
		if err != nil {
			return agg, 0, err
		}
		agg.QCs[id] = qc
		off += qclen
	}
	return agg, off, nil
}

// --- Vote ---

// EncodeVote serializes a VoteMsg as voter_id(4B) || cert_len(4B) || cert.
func (c *Codec) EncodeVote(msg kauri.VoteMsg) []byte {
	certBytes := msg.PartialCert.ToBytes()
	out := make([]byte, 0, 8+len(certBytes))
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(msg.ID))
	out = append(out, b4[:]...)
	binary.BigEndian.PutUint32(b4[:], uint32(len(certBytes)))
	out = append(out, b4[:]...)
	out = append(out, certBytes...)
	return out
}

// DecodeVote deserializes bytes produced by EncodeVote.
func (c *Codec) DecodeVote(b []byte) (kauri.VoteMsg, error) {
	if len(b) < 8 {
		return kauri.VoteMsg{}, fmt.Errorf("wire: DecodeVote: short read")
	}
	id := kauri.ID(binary.BigEndian.Uint32(b[0:4]))
	n := int(binary.BigEndian.Uint32(b[4:8]))
	if len(b) < 8+n {
		return kauri.VoteMsg{}, fmt.Errorf("wire: DecodeVote: short read")
	}
	cert, err := c.crypto.ParsePartialCert(b[8 : 8+n])
	if err != nil {
		return kauri.VoteMsg{}, fmt.Errorf("wire: DecodeVote: %w", err)
	}
	return kauri.VoteMsg{ID: id, PartialCert: cert}, nil
}

// --- ReqBlock / RespBlock ---

// EncodeReqBlock serializes a fetch request as just the requested hash.
func (c *Codec) EncodeReqBlock(hash kauri.Hash) []byte {
	return append([]byte(nil), hash[:]...)
}

// DecodeReqBlock deserializes bytes produced by EncodeReqBlock.
func (c *Codec) DecodeReqBlock(b []byte) (kauri.Hash, error) {
	var hash kauri.Hash
	if len(b) != 32 {
		return hash, fmt.Errorf("wire: DecodeReqBlock: expected 32 bytes, got %d", len(b))
	}
	copy(hash[:], b)
	return hash, nil
}

// EncodeRespBlock serializes a fetch response: it reuses EncodePropose's
// layout with the block's own proposer in the sender ID field, since
// DecodePropose rebuilds the block's proposer from that field.
func (c *Codec) EncodeRespBlock(block *kauri.Block) []byte {
	return c.EncodePropose(kauri.ProposeMsg{ID: block.Proposer(), Block: block})
}

// DecodeRespBlock deserializes bytes produced by EncodeRespBlock.
func (c *Codec) DecodeRespBlock(b []byte) (*kauri.Block, error) {
	msg, err := c.DecodePropose(b)
	if err != nil {
		return nil, fmt.Errorf("wire: DecodeRespBlock: %w", err)
	}
	return msg.Block, nil
}

// --- NewView ---

// EncodeNewView serializes a NewViewMsg as sender_id(4B) || has_qc(1B) ||
// qc? || has_aggqc(1B) || aggqc?.
func (c *Codec) EncodeNewView(msg kauri.NewViewMsg) []byte {
	var out []byte
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(msg.ID))
	out = append(out, b4[:]...)

	if qc, ok := msg.SyncInfo.QC(); ok {
		out = append(out, 1)
		qcBytes := qc.ToBytes()
		binary.BigEndian.PutUint32(b4[:], uint32(len(qcBytes)))
		out = append(out, b4[:]...)
		out = append(out, qcBytes...)
	} else {
		out = append(out, 0)
	}

	if aggQC, ok := msg.SyncInfo.AggQC(); ok {
		out = append(out, 1)
		out = append(out, encodeAggregateQC(aggQC)...)
	} else {
		out = append(out, 0)
	}
	return out
}

// DecodeNewView deserializes bytes produced by EncodeNewView.
func (c *Codec) DecodeNewView(b []byte) (kauri.NewViewMsg, error) {
	var msg kauri.NewViewMsg
	if len(b) < 5 {
		return msg, fmt.Errorf("wire: DecodeNewView: short read")
	}
	msg.ID = kauri.ID(binary.BigEndian.Uint32(b[0:4]))
	off := 4

	si := kauri.NewSyncInfo()
	hasQC := b[off] == 1
	off++
	if hasQC {
		if off+4 > len(b) {
			return msg, fmt.Errorf("wire: DecodeNewView: short read")
		}
		n := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if off+n > len(b) {
			return msg, fmt.Errorf("wire: DecodeNewView: short read")
		}
		qc, err := c.crypto.ParseQuorumCert(b[off : off+n])
		if err != nil {
			return msg, fmt.Errorf("wire: DecodeNewView: %w", err)
		}
		si = si.WithQC(qc)
		off += n
	}
	if off >= len(b) {
		return msg, fmt.Errorf("wire: DecodeNewView: short read")
	}
	hasAggQC := b[off] == 1
	off++
	if hasAggQC {
		aggQC, n, err := c.decodeAggregateQC(b[off:])
		if err != nil {
			return msg, fmt.Errorf("wire: DecodeNewView: %w", err)
		}
		si = si.WithAggQC(aggQC)
		off += n
	}
	msg.SyncInfo = si
	return msg, nil
}

// --- VoteRelay ---

// EncodeVoteRelay serializes a VoteRelayMsg (an aggregated or partial QC
// moving up the vote tree) as relay_id(4B) || qc_len(4B) || qc.
func (c *Codec) EncodeVoteRelay(msg kauri.VoteRelayMsg) []byte {
	qcBytes := msg.QC.ToBytes()
	out := make([]byte, 0, 8+len(qcBytes))
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(msg.ID))
	out = append(out, b4[:]...)
	binary.BigEndian.PutUint32(b4[:], uint32(len(qcBytes)))
	out = append(out, b4[:]...)
	out = append(out, qcBytes...)
	return out
}

// DecodeVoteRelay deserializes bytes produced by EncodeVoteRelay.
func (c *Codec) DecodeVoteRelay(b []byte) (kauri.VoteRelayMsg, error) {
	if len(b) < 8 {
		return kauri.VoteRelayMsg{}, fmt.Errorf("wire: DecodeVoteRelay: short read")
	}
	id := kauri.ID(binary.BigEndian.Uint32(b[0:4]))
	n := int(binary.BigEndian.Uint32(b[4:8]))
	if len(b) < 8+n {
		return kauri.VoteRelayMsg{}, fmt.Errorf("wire: DecodeVoteRelay: short read")
	}
	qc, err := c.crypto.ParseQuorumCert(b[8 : 8+n])
	if err != nil {
		return kauri.VoteRelayMsg{}, fmt.Errorf("wire: DecodeVoteRelay: %w", err)
	}
	return kauri.VoteRelayMsg{ID: id, QC: qc}, nil
}
