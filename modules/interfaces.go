package modules

import (
	"context"

	"github.com/relab/kauri"
)

// BlockChain is content-addressed block storage pruned from the committed
// height down (keeping every ancestor of a block above that height), so
// that superseded forks can be released once they can no longer affect a
// future commit.
type BlockChain interface {
	// Store records block, making it available to Get/LocalGet.
	Store(block *kauri.Block)
	// Get returns the block with the given hash, fetching it from the
	// network via the configured block-fetch mechanism if it is not
	// already stored locally. It blocks until the block arrives, ctx is
	// done, or the fetch gives up.
	Get(ctx context.Context, hash kauri.Hash) (*kauri.Block, bool)
	// LocalGet returns the block with the given hash only if it is
	// already stored locally; it never triggers a fetch.
	LocalGet(hash kauri.Hash) (*kauri.Block, bool)
	// PruneToHeight releases every block that cannot affect a future
	// commit given that height has been committed, returning any
	// forked (never-to-be-committed) blocks it finds along the way.
	PruneToHeight(height kauri.View) (forked []*kauri.Block)
}

// CommandQueue is the ingress point new client commands enter the
// system through, feeding the leader's proposal construction.
type CommandQueue interface {
	// Get blocks until at least one command is available or ctx is
	// done, then returns a batch of commands to include in the next
	// proposal.
	Get(ctx context.Context) (cmds []kauri.Command, ok bool)
}

// Configuration is the replica-to-replica communication surface: it
// sends proposals and votes to other replicas and answers/performs
// block fetches, using whatever wire transport is configured.
type Configuration interface {
	// Replicas returns every known replica's static info, keyed by ID.
	Replicas() map[kauri.ID]kauri.ReplicaInfo
	// Len returns the number of replicas in the configuration.
	Len() int
	// Propose broadcasts proposal directly to every other replica in
	// the configuration, whether or not a tree aggregator module is
	// present; proposals are not sent down the tree.
	Propose(proposal kauri.ProposeMsg)
	// Vote sends a vote to the given replica (ordinarily the leader of
	// the next view).
	Vote(id kauri.ID, cert kauri.PartialCert)
	// Fetch requests the block with the given hash from the
	// configuration, returning the first valid response.
	Fetch(ctx context.Context, hash kauri.Hash) (*kauri.Block, bool)
}

// ExecutorExt lets a consensus implementation hand a committed block's
// commands off for application-level execution.
type ExecutorExt interface {
	Exec(block *kauri.Block)
}

// ForkHandlerExt is notified of blocks that were pruned without ever
// being committed, so an application can decide whether to resubmit
// their commands.
type ForkHandlerExt interface {
	Fork(block *kauri.Block)
}

// LeaderRotation decides which replica is the leader of a given view.
type LeaderRotation interface {
	GetLeader(view kauri.View) kauri.ID
}

// Options carries the small set of runtime knobs that several modules
// need read access to but that do not warrant their own module
// interface (pipelining depth, view duration bounds, and so on).
type Options struct {
	ID               kauri.ID
	PipelineDepth    int
	InitialTimeout   int // milliseconds
	TimeoutMultiplier float64
	MaxTimeout       int // milliseconds
}

// Synchronizer drives view-change and timeouts, and (when a tree
// topology module is present) leader-rotation-triggered tree rebuilds.
type Synchronizer interface {
	// View returns the current view number.
	View() kauri.View
	// ViewContext returns a context that is cancelled when the current
	// view times out or otherwise ends, suitable for bounding a
	// CommandQueue.Get or BlockChain.Get call made during Propose.
	ViewContext() context.Context
	// SyncInfo returns the proof (a QC or AggregateQC) justifying
	// entry into the current view.
	SyncInfo() kauri.SyncInfo
	// AdvanceView attempts to move to the next view given new
	// justification (a fresh QC from OnVote, or a NewViewMsg from a
	// replica that timed out). It is a no-op if syncInfo does not
	// justify a later view than the current one.
	AdvanceView(syncInfo kauri.SyncInfo)
}

// Consensus builds proposals, handles votes, evaluates the
// safety/liveness voting rule, and walks the 3-chain commit rule. Its
// concrete Rules-based shape is defined in package consensus; this is
// the module-registry-facing surface other components (Configuration,
// Kauri) depend on.
type Consensus interface {
	// Propose builds and broadcasts a new proposal for the current
	// view. It does not check leadership itself; the synchronizer calls
	// it only for views this replica leads.
	Propose(syncInfo kauri.SyncInfo)
	// OnPropose handles an incoming proposal: runs the voting rule,
	// updates bLock/highQC, walks the 3-chain commit rule, and (if the
	// vote rule passes) sends a vote to the next leader.
	OnPropose(proposal kauri.ProposeMsg)
	// OnVote handles an incoming partial certificate, forming and
	// acting on a QC once enough votes accumulate.
	OnVote(vote kauri.VoteMsg)
	// ChainLength reports how many consecutive views the commit rule
	// requires (3 for the chained three-phase protocol).
	ChainLength() int
}

// Acceptor decides whether a command is valid to propose or execute,
// and is notified once a command has actually been proposed so it can
// avoid proposing the same command twice.
type Acceptor interface {
	Accept(cmd kauri.Command) bool
	Proposed(cmd kauri.Command)
}

// Kauri is the vote-aggregation tree module. When present, Consensus
// hands each of its votes to it (Begin) instead of sending the vote to
// the next leader directly, trading one extra round trip per
// aggregation level for O(fanout) vote fan-in at every replica instead
// of O(n) at the leader alone. Proposals are still broadcast through
// Configuration.
type Kauri interface {
	// Begin starts the aggregation protocol for proposal: send our own
	// partial certificate pc up the tree toward the root, aggregating
	// with whatever our children relay to us along the way.
	Begin(pc kauri.PartialCert, proposal kauri.ProposeMsg)
}
