package kauri

import "crypto/ecdsa"

// ReplicaInfo describes one cluster member: its public key and network
// identity. It is immutable after init.
type ReplicaInfo struct {
	ID      ID
	Address string
	PubKey  *ecdsa.PublicKey
	// BLSPubKey is non-nil when the cluster is configured to use the
	// aggregate-signature crypto backend.
	BLSPubKey []byte
}

// ReplicaConfig holds the immutable-after-init parameters of the cluster.
type ReplicaConfig struct {
	// ID is this replica's own ID.
	ID ID
	// PrivateKey is this replica's ECDSA signing key (used when the
	// ECDSA crypto backend is selected).
	PrivateKey *ecdsa.PrivateKey
	// BLSPrivateKey is this replica's BLS signing key, serialized as a
	// big-endian scalar (used when the BLS crypto backend is selected).
	BLSPrivateKey []byte
	// Replicas maps every cluster member (including self) to its info.
	Replicas map[ID]ReplicaInfo
	// Fanout is the vote tree's branching factor k.
	Fanout int
	// AsyncBlocks is the pipelining depth A: the leader may have this
	// many speculative (not yet quorum-certified) blocks outstanding.
	AsyncBlocks int
	// PipedLatency is the minimum time, in milliseconds, between
	// speculative proposals when the piped queue is not yet full.
	PipedLatency int
}

// NReplicas returns the configured cluster size N.
func (c *ReplicaConfig) NReplicas() int { return len(c.Replicas) }

// NMajority returns N - f, the vote threshold, derived from the
// configured fault tolerance f = (N-1)/3.
func (c *ReplicaConfig) NMajority() int {
	n := c.NReplicas()
	f := (n - 1) / 3
	return n - f
}

// Finality describes one decided command.
type Finality struct {
	Replica   ID
	Decision  bool
	CmdIndex  int
	View      View
	Command   Command
	BlockHash Hash
}
