package kauri

import "time"

// ProposeMsg is raised on the event loop whenever a proposal is ready to
// be processed, whether it arrived over the network or was self-proposed
// by the local leader.
type ProposeMsg struct {
	ID          ID
	Block       *Block
	AggregateQC *AggregateQC
}

// VoteMsg is raised on the event loop for a vote directed at this
// replica (self-vote fast path, or a vote received over the network by a
// non-tree-aggregating configuration).
type VoteMsg struct {
	ID          ID
	PartialCert PartialCert
}

// VoteRelayMsg is raised when an aggregated partial QC is relayed up the
// vote tree from a child.
type VoteRelayMsg struct {
	ID ID
	QC QuorumCert
}

// NewViewMsg carries a replica's highQC to the new leader on a view
// change.
type NewViewMsg struct {
	ID       ID
	SyncInfo SyncInfo
}

// ConsensusLatencyEvent is an observability-only event measuring the time
// between a block's local construction and its commit.
type ConsensusLatencyEvent struct {
	Latency time.Duration
}

// CommitEvent is an observability-only event type for a committed block.
// No code in this module raises it; commits raise ConsensusLatencyEvent.
type CommitEvent struct {
	Block *Block
}
