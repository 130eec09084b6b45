// Package bls12 implements a "single BLS G2 aggregate signature plus
// signer bitmap" QuorumCert variant over the BLS12-381 pairing-friendly
// curve via github.com/kilic/bls12-381. This is the backend the
// vote-aggregation tree's relay optimization needs: partial certificates
// from different replicas can be combined by simple G2 point addition,
// and VerifyQuorumCert checks a sealed aggregate with one pairing
// equation against the sum of its signers' public keys instead of
// verifying each signature individually.
//
// Public keys live in G1, signatures in G2: verification checks
// e(sig, g1Generator) == e(H(hash), pubkey).
package bls12

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"

	bls12381 "github.com/kilic/bls12-381"

	"github.com/relab/kauri"
	kcrypto "github.com/relab/kauri/crypto"
)

// hashToG2 maps a block hash to a point in G2. This is a simplified
// encode-to-curve (hash to scalar, then multiply the generator) rather
// than a full constant-time SWU hash-to-curve map; it is sufficient for a
// fixed, known replica set where every signer is already authenticated by
// the cluster's membership configuration, but should not be mistaken for
// a general-purpose hash-to-curve construction.
func hashToG2(g2 *bls12381.G2, hash kauri.Hash) *bls12381.PointG2 {
	h := sha256.Sum256(hash[:])
	e := new(big.Int).SetBytes(h[:])
	return g2.MulScalar(g2.New(), g2.One(), e)
}

// PrivateKey is a BLS signing key: a scalar in the G1/G2 group order.
type PrivateKey struct {
	scalar *big.Int
}

// GeneratePrivateKey derives a private key deterministically from seed
// (e.g. a replica's configured raw key material).
func GeneratePrivateKey(seed []byte) *PrivateKey {
	h := sha256.Sum256(seed)
	return &PrivateKey{scalar: new(big.Int).SetBytes(h[:])}
}

// PublicKey returns the corresponding public key (a point in G1).
func (sk *PrivateKey) PublicKey() *PublicKey {
	g1 := bls12381.NewG1()
	p := g1.MulScalar(g1.New(), g1.One(), sk.scalar)
	return &PublicKey{point: p}
}

// PublicKey is a replica's BLS verification key, a point in G1.
type PublicKey struct {
	point *bls12381.PointG1
}

// ToBytes serializes the public key.
func (pk *PublicKey) ToBytes() []byte {
	return bls12381.NewG1().ToBytes(pk.point)
}

// PublicKeyFromBytes decodes a public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	p, err := bls12381.NewG1().FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("bls12: invalid public key bytes: %w", err)
	}
	return &PublicKey{point: p}, nil
}

// PartialCert is one replica's BLS signature (a point in G2) over a block
// hash.
type PartialCert struct {
	signer kauri.ID
	hash   kauri.Hash
	sig    *bls12381.PointG2
}

// Signer returns the replica that produced this certificate.
func (pc *PartialCert) Signer() kauri.ID { return pc.signer }

// BlockHash returns the hash this certificate targets.
func (pc *PartialCert) BlockHash() kauri.Hash { return pc.hash }

// ToBytes encodes the certificate as signer_id(4B) || hash(32B) || sig.
func (pc *PartialCert) ToBytes() []byte {
	sigBytes := bls12381.NewG2().ToBytes(pc.sig)
	out := make([]byte, 0, 4+32+len(sigBytes))
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], uint32(pc.signer))
	out = append(out, idb[:]...)
	out = append(out, pc.hash[:]...)
	out = append(out, sigBytes...)
	return out
}

// ParsePartialCert decodes bytes produced by PartialCert.ToBytes.
func ParsePartialCert(b []byte) (*PartialCert, error) {
	if len(b) < 4+32 {
		return nil, fmt.Errorf("bls12: malformed partial cert: short read")
	}
	pc := &PartialCert{signer: kauri.ID(binary.BigEndian.Uint32(b[0:4]))}
	copy(pc.hash[:], b[4:36])
	sig, err := bls12381.NewG2().FromBytes(b[36:])
	if err != nil {
		return nil, fmt.Errorf("bls12: invalid signature bytes: %w", err)
	}
	pc.sig = sig
	return pc, nil
}

// QuorumCert is a BLS aggregate: a single G2 point (once Compute has run)
// plus the bitmap of contributing signers.
type QuorumCert struct {
	mut        sync.Mutex
	hash       kauri.Hash
	parts      map[kauri.ID]*bls12381.PointG2 // unaggregated, pre-Compute
	aggregate  *bls12381.PointG2              // sealed, post-Compute
	hasAggregate bool
}

func newQuorumCert(hash kauri.Hash) *QuorumCert {
	return &QuorumCert{hash: hash, parts: make(map[kauri.ID]*bls12381.PointG2)}
}

// BlockHash returns the hash this QC targets.
func (qc *QuorumCert) BlockHash() kauri.Hash { return qc.hash }

// AddPart merges a single replica's partial certificate.
func (qc *QuorumCert) AddPart(signer kauri.ID, cert kauri.PartialCert) error {
	pc, ok := cert.(*PartialCert)
	if !ok {
		return fmt.Errorf("bls12: AddPart: wrong certificate type %T", cert)
	}
	if pc.hash != qc.hash {
		return fmt.Errorf("bls12: AddPart: certificate for wrong block hash")
	}
	qc.mut.Lock()
	defer qc.mut.Unlock()
	qc.parts[signer] = pc.sig
	return nil
}

// Merge merges another (possibly already-sealed) QC for the same hash.
// Merging a sealed aggregate folds it in as a single additional
// contribution keyed to no specific signer; this is how the vote tree
// combines a child's relayed partial aggregate into its own.
func (qc *QuorumCert) Merge(other kauri.QuorumCert) error {
	o, ok := other.(*QuorumCert)
	if !ok {
		return fmt.Errorf("bls12: Merge: wrong QC type %T", other)
	}
	if o.hash != qc.hash {
		return fmt.Errorf("bls12: Merge: QC for wrong block hash")
	}
	qc.mut.Lock()
	defer qc.mut.Unlock()
	o.mut.Lock()
	defer o.mut.Unlock()
	for id, sig := range o.parts {
		qc.parts[id] = sig
	}
	if o.hasAggregate {
		g2 := bls12381.NewG2()
		if qc.aggregate == nil {
			qc.aggregate = g2.New()
			g2.Copy(qc.aggregate, o.aggregate)
		} else {
			g2.Add(qc.aggregate, qc.aggregate, o.aggregate)
		}
		qc.hasAggregate = true
		for id := range o.parts {
			qc.parts[id] = o.parts[id]
		}
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

// Compute aggregates every contributed partial signature into a single
// G2 point by repeated point addition. It is idempotent.
func (qc *QuorumCert) Compute() error {
	qc.mut.Lock()
	defer qc.mut.Unlock()
	if qc.hasAggregate {
		return nil
	}
	g2 := bls12381.NewG2()
	agg := g2.Zero()
	for _, sig := range qc.parts {
		agg = g2.Add(g2.New(), agg, sig)
	}
	qc.aggregate = agg
	qc.hasAggregate = true
	return nil
}

// Clone returns a deep copy of the QC.
func (qc *QuorumCert) Clone() kauri.QuorumCert {
	qc.mut.Lock()
	defer qc.mut.Unlock()
	cp := newQuorumCert(qc.hash)
	for id, sig := range qc.parts {
		cp.parts[id] = sig
	}
	if qc.hasAggregate {
		g2 := bls12381.NewG2()
		cp.aggregate = g2.New()
		g2.Copy(cp.aggregate, qc.aggregate)
		cp.hasAggregate = true
	}
	return cp
}

// ToBytes encodes the QC as obj_hash || bits_len || bits || has_aggregate
// || aggregate?.
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

	out := make([]byte, 0, 32+4+len(bits)+1+96)
	out = append(out, qc.hash[:]...)
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], uint32(len(bits)))
	out = append(out, nb[:]...)
	out = append(out, bits...)
	if qc.hasAggregate {
		out = append(out, 1)
		out = append(out, bls12381.NewG2().ToBytes(qc.aggregate)...)
	} else {
		out = append(out, 0)
	}
	return out
}

// Backend implements crypto.Crypto over this package's PartialCert/
// QuorumCert using BLS12-381 aggregate signatures.
type Backend struct {
	conf *kauri.ReplicaConfig
	priv *PrivateKey
	pubs map[kauri.ID]*PublicKey
}

// New returns a BLS crypto backend bound to conf, deriving each replica's
// public key from conf.Replicas[*].BLSPubKey and this replica's private
// key from conf.BLSPrivateKey.
func New(conf *kauri.ReplicaConfig) (*Backend, error) {
	b := &Backend{conf: conf, priv: GeneratePrivateKey(conf.BLSPrivateKey), pubs: make(map[kauri.ID]*PublicKey)}
	for id, info := range conf.Replicas {
		if len(info.BLSPubKey) == 0 {
			continue
		}
		pk, err := PublicKeyFromBytes(info.BLSPubKey)
		if err != nil {
			return nil, fmt.Errorf("bls12: replica %d: %w", id, err)
		}
		b.pubs[id] = pk
	}
	return b, nil
}

// Aggregatable is always true for this backend.
func (b *Backend) Aggregatable() bool { return true }

// CreatePartialCert signs block's hash with this replica's BLS key.
func (b *Backend) CreatePartialCert(block *kauri.Block) (kauri.PartialCert, error) {
	hash := block.Hash()
	g2 := bls12381.NewG2()
	point := hashToG2(g2, hash)
	sig := g2.MulScalar(g2.New(), point, b.priv.scalar)
	return &PartialCert{signer: b.conf.ID, hash: hash, sig: sig}, nil
}

// CreateQuorumCert returns an empty, unsealed QC for block's hash.
func (b *Backend) CreateQuorumCert(block *kauri.Block) (kauri.QuorumCert, error) {
	return newQuorumCert(block.Hash()), nil
}

func (b *Backend) verify(hash kauri.Hash, signer kauri.ID, sig *bls12381.PointG2) bool {
	pub, ok := b.pubs[signer]
	if !ok {
		return false
	}
	g1, g2 := bls12381.NewG1(), bls12381.NewG2()
	h := hashToG2(g2, hash)
	engine := bls12381.NewPairingEngine()
	engine.AddPair(g1.One(), sig)
	engine.AddPairInv(pub.point, h)
	return engine.Check()
}

// VerifyPartialCert verifies a single partial certificate.
func (b *Backend) VerifyPartialCert(cert kauri.PartialCert) bool {
	pc, ok := cert.(*PartialCert)
	if !ok {
		return false
	}
	return b.verify(pc.hash, pc.signer, pc.sig)
}

// VerifyQuorumCert verifies that a sealed aggregate QC represents at
// least nmajority signers by checking the aggregate pairing equation
// once against the product of the contributing public keys.
func (b *Backend) VerifyQuorumCert(cert kauri.QuorumCert) bool {
	qc, ok := cert.(*QuorumCert)
	if !ok {
		return false
	}
	if !qc.HasN(b.conf.NMajority()) {
		return false
	}
	ids := qc.Signers()
	qc.mut.Lock()
	hasAgg := qc.hasAggregate
	agg := qc.aggregate
	qc.mut.Unlock()
	if !hasAgg {
		return false
	}
	g1 := bls12381.NewG1()
	aggPub := g1.Zero()
	for _, id := range ids {
		pub, ok := b.pubs[id]
		if !ok {
			return false
		}
		aggPub = g1.Add(g1.New(), aggPub, pub.point)
	}
	g2 := bls12381.NewG2()
	h := hashToG2(g2, qc.hash)
	engine := bls12381.NewPairingEngine()
	engine.AddPair(g1.One(), agg)
	engine.AddPairInv(aggPub, h)
	return engine.Check()
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
		return nil, fmt.Errorf("bls12: malformed quorum cert: short read")
	}
	var hash kauri.Hash
	copy(hash[:], raw[:32])
	nbits := binary.BigEndian.Uint32(raw[32:36])
	off := 36
	if off+int(nbits) > len(raw) {
		return nil, fmt.Errorf("bls12: malformed quorum cert: bitmap overruns buffer")
	}
	bits := raw[off : off+int(nbits)]
	off += int(nbits)

	qc := newQuorumCert(hash)
	for byteIdx, bv := range bits {
		for bit := 0; bit < 8; bit++ {
			if bv&(1<<bit) != 0 {
				qc.parts[kauri.ID(byteIdx*8+bit)] = nil
			}
		}
	}
	if off >= len(raw) {
		return nil, fmt.Errorf("bls12: malformed quorum cert: missing has_aggregate flag")
	}
	hasAgg := raw[off] == 1
	off++
	if hasAgg {
		sig, err := bls12381.NewG2().FromBytes(raw[off:])
		if err != nil {
			return nil, fmt.Errorf("bls12: invalid aggregate bytes: %w", err)
		}
		qc.aggregate = sig
		qc.hasAggregate = true
	}
	return qc, nil
}

var _ kcrypto.Crypto = (*Backend)(nil)
