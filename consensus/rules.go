// Package consensus implements the chained three-phase voting core,
// split into a fixed consensusBase that handles certificate
// verification, module wiring, and the shared propose/vote/commit
// plumbing, and a small Rules implementation that supplies only the two
// policy decisions that vary across protocol variants: the
// safety/liveness voting rule and the 3-chain commit rule.
package consensus

import "github.com/relab/kauri"

// Rules is the minimum interface a consensus variant must implement.
// consensusBase handles certificate verification, block storage, and
// view advancement; implementations of Rules decide only the two policy
// questions below.
type Rules interface {
	// VoteRule decides whether to vote for proposal's block, given its
	// embedded QC. The default chained-HotStuff implementation accepts
	// if the QC's block has a higher view than the locked block
	// (liveness), or if proposal's block extends the locked block
	// (safety).
	VoteRule(proposal kauri.ProposeMsg) bool
	// CommitRule decides whether any ancestor of block can now be
	// committed under the 3-chain rule, returning the youngest such
	// ancestor, or nil if none can yet.
	CommitRule(block *kauri.Block) *kauri.Block
	// ChainLength reports how many consecutive certified views the
	// commit rule requires (3, for the chained three-phase protocol).
	ChainLength() int
}
