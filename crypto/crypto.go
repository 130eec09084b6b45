// Package crypto defines the capability set a consensus core needs from
// a pluggable signature scheme: create/parse partial and quorum
// certificates, verify them, and (for backends that support it)
// aggregate them. Two concrete backends are provided: package
// crypto/ecdsa (plain per-replica signatures with a bitmap QC) and
// package crypto/bls12 (aggregate signatures enabling the vote-tree
// relay optimization).
package crypto

import "github.com/relab/kauri"

// Crypto is the capability set a consensus core needs from its signature
// scheme.
type Crypto interface {
	// CreatePartialCert signs block's hash with this replica's private
	// key.
	CreatePartialCert(block *kauri.Block) (kauri.PartialCert, error)
	// CreateQuorumCert creates an empty, unsealed QC for block's hash.
	CreateQuorumCert(block *kauri.Block) (kauri.QuorumCert, error)
	// VerifyPartialCert verifies a single partial certificate against
	// the signer's known public key.
	VerifyPartialCert(cert kauri.PartialCert) bool
	// VerifyQuorumCert verifies a sealed QC against the replica config.
	VerifyQuorumCert(qc kauri.QuorumCert) bool
	// VerifyAggregateQC verifies every constituent QC of a view-change
	// AggregateQC and, if all are valid, returns one of them
	// deterministically (the lowest contributing replica ID) along with
	// true. Selecting the *highest* QC among agg.QCs by view is the
	// synchronizer's job (it has access to the block chain to resolve
	// each QC's target view); this method only attests validity.
	VerifyAggregateQC(agg kauri.AggregateQC) (kauri.QuorumCert, bool)
	// ParsePartialCert decodes a wire-format partial certificate.
	ParsePartialCert(b []byte) (kauri.PartialCert, error)
	// ParseQuorumCert decodes a wire-format quorum certificate.
	ParseQuorumCert(b []byte) (kauri.QuorumCert, error)
	// Aggregatable reports whether this backend supports merging partial
	// certificates from different signers without re-verifying every
	// individual signature (true for BLS, false for the ECDSA/bitmap
	// backend). The vote tree's relay optimization is only available
	// when this is true.
	Aggregatable() bool
}
