// Package kauri implements the vote-aggregation tree: instead of every
// replica voting directly to the next leader, votes flow up a k-ary
// tree (package kauri/tree), merging at every internal node via the
// active crypto backend's aggregate-signature support, so the next
// leader's fan-in is O(fanout) instead of O(n). When the active crypto
// backend cannot aggregate (the plain ECDSA backend), Begin falls back
// to a direct vote exactly as consensusBase.OnPropose would send one
// itself.
package kauri

import (
	"sync"

	"github.com/relab/kauri"
	kcrypto "github.com/relab/kauri/crypto"
	"github.com/relab/kauri/eventloop"
	ktree "github.com/relab/kauri/kauri/tree"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
)

// Relayer is implemented by modules.Configuration backends capable of
// sending a VoteRelay message to another replica (package netconfig's
// Manager is the concrete provider).
type Relayer interface {
	RelayVote(id kauri.ID, qc kauri.QuorumCert)
}

// pendingAgg tracks one in-progress aggregation for a single block hash:
// our own contribution merged with whatever our children have relayed
// to us so far.
type pendingAgg struct {
	qc           kauri.QuorumCert
	tree         *ktree.Tree
	childrenDone map[kauri.ID]bool
}

// Aggregator implements modules.Kauri (the Begin hook consensusBase
// calls instead of voting directly) and synchronizer.TreeRotator (the
// hook the synchronizer calls on a local timeout).
type Aggregator struct {
	configuration  modules.Configuration
	crypto         kcrypto.Crypto
	leaderRotation modules.LeaderRotation
	synchronizer   modules.Synchronizer
	eventLoop      *eventloop.EventLoop
	logger         logging.Logger
	id             kauri.ID
	fanout         int

	mut          sync.Mutex
	rotation     int
	failures     int
	starFallback bool
	pending      map[kauri.Hash]*pendingAgg
	earlyRelays  map[kauri.Hash][]kauri.VoteRelayMsg
}

// New returns an Aggregator with the given fanout (the tree's branching
// factor, e.g. 2 for a binary tree).
func New(fanout int) *Aggregator {
	if fanout < 1 {
		fanout = 1
	}
	return &Aggregator{
		fanout:      fanout,
		pending:     make(map[kauri.Hash]*pendingAgg),
		earlyRelays: make(map[kauri.Hash][]kauri.VoteRelayMsg),
	}
}

// InitModule wires dependencies and registers the VoteRelay handler.
func (a *Aggregator) InitModule(mods *modules.Core) {
	mods.Get(&a.configuration, &a.crypto, &a.leaderRotation, &a.synchronizer, &a.eventLoop, &a.logger)
	a.id = mods.ID()
	a.eventLoop.RegisterHandler(kauri.VoteRelayMsg{}, func(event any) {
		a.onVoteRelay(event.(kauri.VoteRelayMsg))
	})
}

func (a *Aggregator) nMajority() int {
	n := a.configuration.Len()
	f := (n - 1) / 3
	return n - f
}

func (a *Aggregator) buildTree(root kauri.ID) *ktree.Tree {
	a.mut.Lock()
	star := a.starFallback
	rotation := a.rotation
	a.mut.Unlock()
	replicas := a.configuration.Replicas()
	if star {
		return ktree.NewStar(replicas, root)
	}
	return ktree.New(replicas, root, a.fanout, rotation)
}

// Begin starts (or falls back from) tree aggregation for proposal,
// contributing pc as this replica's own vote.
func (a *Aggregator) Begin(pc kauri.PartialCert, proposal kauri.ProposeMsg) {
	block := proposal.Block

	if !a.crypto.Aggregatable() {
		a.directVote(block.View(), pc)
		return
	}

	root := a.leaderRotation.GetLeader(block.View() + 1)
	t := a.buildTree(root)

	qc, err := a.crypto.CreateQuorumCert(block)
	if err != nil {
		a.logger.Errorf("kauri: failed to create QC shell: %v", err)
		return
	}
	if err := qc.AddPart(a.id, pc); err != nil {
		a.logger.Errorf("kauri: failed to add own part: %v", err)
		return
	}

	hash := block.Hash()
	a.mut.Lock()
	entry := &pendingAgg{qc: qc, tree: t, childrenDone: make(map[kauri.ID]bool)}
	a.pending[hash] = entry
	early := a.earlyRelays[hash]
	delete(a.earlyRelays, hash)
	a.mut.Unlock()

	for _, msg := range early {
		a.mergeRelay(entry, msg)
	}
	a.tryRelay(hash)
}

func (a *Aggregator) directVote(view kauri.View, pc kauri.PartialCert) {
	leaderID := a.leaderRotation.GetLeader(view + 1)
	if leaderID == a.id {
		a.eventLoop.AddEvent(kauri.VoteMsg{ID: a.id, PartialCert: pc})
		return
	}
	a.configuration.Vote(leaderID, pc)
}

func (a *Aggregator) onVoteRelay(msg kauri.VoteRelayMsg) {
	hash := msg.QC.BlockHash()
	a.mut.Lock()
	entry, ok := a.pending[hash]
	if !ok {
		a.earlyRelays[hash] = append(a.earlyRelays[hash], msg)
		a.mut.Unlock()
		return
	}
	a.mut.Unlock()
	a.mergeRelay(entry, msg)
	a.tryRelay(hash)
}

func (a *Aggregator) mergeRelay(entry *pendingAgg, msg kauri.VoteRelayMsg) {
	if !a.crypto.VerifyQuorumCert(msg.QC) {
		a.logger.Warnf("kauri: dropping relay from %v: QC failed verification", msg.ID)
		return
	}

	a.mut.Lock()
	defer a.mut.Unlock()
	if entry.childrenDone[msg.ID] {
		return
	}
	entry.childrenDone[msg.ID] = true
	if err := entry.qc.Merge(msg.QC); err != nil {
		a.logger.Warnf("kauri: failed to merge relay from %v: %v", msg.ID, err)
	}
}

// tryRelay relays the aggregate upward (or, at the root, publishes it as
// the view's new high-QC) once every expected child has reported in.
func (a *Aggregator) tryRelay(hash kauri.Hash) {
	a.mut.Lock()
	entry, ok := a.pending[hash]
	if !ok {
		a.mut.Unlock()
		return
	}
	children := entry.tree.Children(a.id)
	if len(entry.childrenDone) < len(children) {
		a.mut.Unlock()
		return
	}
	parent, hasParent := entry.tree.Parent(a.id)
	qc := entry.qc
	delete(a.pending, hash)
	a.mut.Unlock()

	if !hasParent {
		if qc.HasN(a.nMajority()) {
			if err := qc.Compute(); err != nil {
				a.logger.Errorf("kauri: failed to seal aggregate QC: %v", err)
				return
			}
			if !a.crypto.VerifyQuorumCert(qc) {
				a.logger.Error("kauri: aggregated QC failed verification after compute, dropping")
				return
			}
			a.synchronizer.AdvanceView(kauri.NewSyncInfo().WithQC(qc))
		}
		return
	}

	if relayer, ok := a.configuration.(Relayer); ok {
		relayer.RelayVote(parent, qc)
	} else {
		a.logger.Warn("kauri: configuration does not support vote relay")
	}
}

// RotateOnTimeout shifts the tree's non-root ordering by fanout+1
// positions or, once the number of timeouts reaches the fanout, falls
// back to a flat star topology for every future view.
func (a *Aggregator) RotateOnTimeout(failedLeader kauri.ID) {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.failures++
	if a.failures >= a.fanout {
		a.starFallback = true
		a.logger.Warn("kauri: falling back to star topology after repeated rotation failures")
		return
	}
	a.rotation += a.fanout + 1
}

var _ modules.Module = (*Aggregator)(nil)
var _ modules.Kauri = (*Aggregator)(nil)
