package kauri

// PartialCert is a single replica's signature over a block hash. Concrete
// encodings (ECDSA, BLS) live under package crypto; the consensus core
// only needs to know which object a certificate targets and which replica
// produced it.
type PartialCert interface {
	// Signer returns the ID of the replica that produced this certificate.
	Signer() ID
	// BlockHash returns the hash of the object this certificate targets.
	BlockHash() Hash
	// ToBytes returns the wire encoding of the certificate.
	ToBytes() []byte
}

// QuorumCert binds an object hash to proof that at least nmajority
// replicas voted for it. A QuorumCert may be partially aggregated
// (internal nodes of the vote tree hold partial aggregates); Compute seals
// it for verification and serialization.
type QuorumCert interface {
	// BlockHash returns the hash of the object this certificate targets.
	BlockHash() Hash
	// AddPart merges a single replica's partial certificate into this QC.
	// AddPart must reject (no-op, and the caller should treat this as a
	// hash-mismatch protocol error) certificates for a different
	// BlockHash.
	AddPart(signer ID, cert PartialCert) error
	// Merge merges another (possibly partial) QC for the same object hash
	// into this one. Merge must reject QCs for a different BlockHash.
	Merge(other QuorumCert) error
	// HasN reports whether at least n distinct signers have contributed.
	HasN(n int) bool
	// Signers returns the set of replica IDs that have contributed so far.
	Signers() []ID
	// Compute finalizes aggregation. It is idempotent and is only called
	// once the threshold has been reached; a QC is unserializable until
	// Compute has been called at least once.
	Compute() error
	// Clone returns a deep copy, used when a piped block must carry its
	// own copy of hqc's QC.
	Clone() QuorumCert
	// ToBytes returns the wire encoding of the certificate.
	ToBytes() []byte
}

// AggregateQC bundles together the highQC values reported by a quorum of
// replicas during a view change, allowing the new leader to justify its
// next proposal without waiting for a fresh direct QC.
type AggregateQC struct {
	// QCs maps each contributing replica to the highQC it reported.
	QCs map[ID]QuorumCert
	// View is the view in which this aggregate was formed.
	View View
}
