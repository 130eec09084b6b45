// Package ecdsa implements a "concatenated per-replica ECDSA signatures
// plus a bitmap of signers" QuorumCert variant, using the standard
// library's crypto/ecdsa directly. No vote-tree relay benefit beyond
// message fan-in reduction is available with this backend, since ECDSA
// signatures cannot be merged without re-verifying each one
// individually; the aggregation tree falls back to direct voting when
// this backend is active.
package ecdsa

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/relab/kauri"
	kcrypto "github.com/relab/kauri/crypto"
)

const sigLen = 32 // fixed-width encoding of each of R and S

// PartialCert is one replica's ECDSA signature over a block hash.
type PartialCert struct {
	signer kauri.ID
	hash   kauri.Hash
	r, s   *big.Int
}

// Signer returns the replica that produced this certificate.
func (pc *PartialCert) Signer() kauri.ID { return pc.signer }

// BlockHash returns the hash this certificate targets.
func (pc *PartialCert) BlockHash() kauri.Hash { return pc.hash }

// ToBytes encodes the certificate as signer_id(4B) || hash(32B) || r(32B) || s(32B).
func (pc *PartialCert) ToBytes() []byte {
	out := make([]byte, 4+32+sigLen+sigLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(pc.signer))
	copy(out[4:36], pc.hash[:])
	pc.r.FillBytes(out[36 : 36+sigLen])
	pc.s.FillBytes(out[36+sigLen : 36+2*sigLen])
	return out
}

// ParsePartialCert decodes bytes produced by PartialCert.ToBytes.
func ParsePartialCert(b []byte) (*PartialCert, error) {
	if len(b) != 4+32+2*sigLen {
		return nil, fmt.Errorf("ecdsa: malformed partial cert: short read")
	}
	pc := &PartialCert{
		signer: kauri.ID(binary.BigEndian.Uint32(b[0:4])),
		r:      new(big.Int).SetBytes(b[36 : 36+sigLen]),
		s:      new(big.Int).SetBytes(b[36+sigLen : 36+2*sigLen]),
	}
	copy(pc.hash[:], b[4:36])
	return pc, nil
}

// QuorumCert is a bitmap of signers plus each signer's concatenated
// ECDSA signature.
type QuorumCert struct {
	mut     sync.Mutex
	hash    kauri.Hash
	parts   map[kauri.ID]*PartialCert
	sealed  bool
}

func newQuorumCert(hash kauri.Hash) *QuorumCert {
	return &QuorumCert{hash: hash, parts: make(map[kauri.ID]*PartialCert)}
}

// BlockHash returns the hash this QC targets.
func (qc *QuorumCert) BlockHash() kauri.Hash { return qc.hash }

// AddPart merges a single replica's partial certificate.
func (qc *QuorumCert) AddPart(signer kauri.ID, cert kauri.PartialCert) error {
	pc, ok := cert.(*PartialCert)
	if !ok {
		return fmt.Errorf("ecdsa: AddPart: wrong certificate type %T", cert)
	}
	if pc.hash != qc.hash {
		return fmt.Errorf("ecdsa: AddPart: certificate for wrong block hash")
	}
	qc.mut.Lock()
	defer qc.mut.Unlock()
	qc.parts[signer] = pc
	return nil
}

// Merge merges another QC for the same object hash.
func (qc *QuorumCert) Merge(other kauri.QuorumCert) error {
	o, ok := other.(*QuorumCert)
	if !ok {
		return fmt.Errorf("ecdsa: Merge: wrong QC type %T", other)
	}
	if o.hash != qc.hash {
		return fmt.Errorf("ecdsa: Merge: QC for wrong block hash")
	}
	qc.mut.Lock()
	defer qc.mut.Unlock()
	o.mut.Lock()
	defer o.mut.Unlock()
	for id, pc := range o.parts {
		qc.parts[id] = pc
	}
	return nil
}

// HasN reports whether at least n distinct signers have contributed.
func (qc *QuorumCert) HasN(n int) bool {
	qc.mut.Lock()
	defer qc.mut.Unlock()
	return len(qc.parts) >= n
}

// Signers returns the set of contributing replica IDs, sorted.
func (qc *QuorumCert) Signers() []kauri.ID {
	qc.mut.Lock()
	defer qc.mut.Unlock()
	ids := make([]kauri.ID, 0, len(qc.parts))
	for id := range qc.parts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Compute finalizes the QC. For the ECDSA backend there is no actual
// aggregation step; Compute only sets a sealed flag, which AddPart and
// Merge do not consult.
func (qc *QuorumCert) Compute() error {
	qc.mut.Lock()
	defer qc.mut.Unlock()
	qc.sealed = true
	return nil
}

// Clone returns a deep copy of the QC.
func (qc *QuorumCert) Clone() kauri.QuorumCert {
	qc.mut.Lock()
	defer qc.mut.Unlock()
	cp := newQuorumCert(qc.hash)
	for id, pc := range qc.parts {
		cp.parts[id] = pc
	}
	cp.sealed = qc.sealed
	return cp
}

// ToBytes encodes the QC as obj_hash || bits_len(4B, big-endian) || bits
// || for each set bit: sig(64B).
func (qc *QuorumCert) ToBytes() []byte {
	qc.mut.Lock()
	defer qc.mut.Unlock()
	ids := make([]kauri.ID, 0, len(qc.parts))
	for id := range qc.parts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	maxID := kauri.ID(0)
	for _, id := range ids {
		if id > maxID {
			maxID = id
		}
	}
	nbits := int(maxID) + 1
	bits := make([]byte, (nbits+7)/8)
	for _, id := range ids {
		bits[id/8] |= 1 << (id % 8)
	}

	out := make([]byte, 0, 32+4+len(bits)+len(ids)*2*sigLen)
	out = append(out, qc.hash[:]...)
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], uint32(len(bits)))
	out = append(out, nb[:]...)
	out = append(out, bits...)
	for _, id := range ids {
		pc := qc.parts[id]
		var rb, sb [sigLen]byte
		pc.r.FillBytes(rb[:])
		pc.s.FillBytes(sb[:])
		out = append(out, rb[:]...)
		out = append(out, sb[:]...)
	}
	return out
}

// Backend implements crypto.Crypto over this package's PartialCert/
// QuorumCert using plain per-replica ECDSA signatures.
type Backend struct {
	conf *kauri.ReplicaConfig
}

// New returns an ECDSA crypto backend bound to conf.
func New(conf *kauri.ReplicaConfig) *Backend {
	return &Backend{conf: conf}
}

// Aggregatable is always false for this backend.
func (b *Backend) Aggregatable() bool { return false }

// CreatePartialCert signs block's hash with this replica's private key.
func (b *Backend) CreatePartialCert(block *kauri.Block) (kauri.PartialCert, error) {
	hash := block.Hash()
	r, s, err := ecdsa.Sign(rand.Reader, b.conf.PrivateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("ecdsa: failed to sign block: %w", err)
	}
	return &PartialCert{signer: b.conf.ID, hash: hash, r: r, s: s}, nil
}

// CreateQuorumCert returns an empty, unsealed QC for block's hash.
func (b *Backend) CreateQuorumCert(block *kauri.Block) (kauri.QuorumCert, error) {
	return newQuorumCert(block.Hash()), nil
}

// VerifyPartialCert verifies a single partial certificate.
func (b *Backend) VerifyPartialCert(cert kauri.PartialCert) bool {
	pc, ok := cert.(*PartialCert)
	if !ok {
		return false
	}
	info, ok := b.conf.Replicas[pc.signer]
	if !ok || info.PubKey == nil {
		return false
	}
	return ecdsa.Verify(info.PubKey, pc.hash[:], pc.r, pc.s)
}

// VerifyQuorumCert verifies that a sealed QC has nmajority valid
// signatures.
func (b *Backend) VerifyQuorumCert(cert kauri.QuorumCert) bool {
	qc, ok := cert.(*QuorumCert)
	if !ok {
		return false
	}
	if !qc.HasN(b.conf.NMajority()) {
		return false
	}
	for _, id := range qc.Signers() {
		qc.mut.Lock()
		pc := qc.parts[id]
		qc.mut.Unlock()
		if !b.VerifyPartialCert(pc) {
			return false
		}
	}
	return true
}

// VerifyAggregateQC verifies every constituent QC and returns the one
// belonging to the lowest contributing replica ID.
func (b *Backend) VerifyAggregateQC(agg kauri.AggregateQC) (kauri.QuorumCert, bool) {
	if len(agg.QCs) == 0 {
		return nil, false
	}
	ids := make([]kauri.ID, 0, len(agg.QCs))
	for id := range agg.QCs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !b.VerifyQuorumCert(agg.QCs[id]) {
			return nil, false
		}
	}
	return agg.QCs[ids[0]], true
}

// ParsePartialCert decodes a wire-format partial certificate.
func (b *Backend) ParsePartialCert(raw []byte) (kauri.PartialCert, error) {
	return ParsePartialCert(raw)
}

// ParseQuorumCert decodes a wire-format quorum certificate.
func (b *Backend) ParseQuorumCert(raw []byte) (kauri.QuorumCert, error) {
	if len(raw) < 32+4 {
		return nil, fmt.Errorf("ecdsa: malformed quorum cert: short read")
	}
	var hash kauri.Hash
	copy(hash[:], raw[:32])
	nbits := binary.BigEndian.Uint32(raw[32:36])
	off := 36
	if off+int(nbits) > len(raw) {
		return nil, fmt.Errorf("ecdsa: malformed quorum cert: bitmap overruns buffer")
	}
	bits := raw[off : off+int(nbits)]
	off += int(nbits)

	qc := newQuorumCert(hash)
	for byteIdx, bv := range bits {
		for bit := 0; bit < 8; bit++ {
			if bv&(1<<bit) == 0 {
				continue
			}
			id := kauri.ID(byteIdx*8 + bit)
			if off+2*sigLen > len(raw) {
				return nil, fmt.Errorf("ecdsa: malformed quorum cert: signature overruns buffer")
			}
			r := new(big.Int).SetBytes(raw[off : off+sigLen])
			s := new(big.Int).SetBytes(raw[off+sigLen : off+2*sigLen])
			off += 2 * sigLen
			qc.parts[id] = &PartialCert{signer: id, hash: hash, r: r, s: s}
		}
	}
	qc.sealed = true
	return qc, nil
}

var _ kcrypto.Crypto = (*Backend)(nil)
