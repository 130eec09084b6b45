package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/relab/kauri"
	kcrypto "github.com/relab/kauri/crypto"
	"github.com/relab/kauri/eventloop"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
)

// stateStore is the small durability surface consensusBase needs from
// package persistence, kept narrow so the dependency stays optional (a
// replica running without durable storage simply never records a
// lastVote/SetLastVote past a restart).
type stateStore interface {
	GetLastVote() (kauri.View, error)
	SetLastVote(kauri.View) error
}

// consensusBase provides the module-registry-facing modules.Consensus
// implementation shared by every Rules variant: certificate
// verification, block storage, pending-vote bookkeeping while a block is
// being fetched, and view advancement. Only VoteRule/CommitRule/
// ChainLength are left to impl.
type consensusBase struct {
	impl Rules
	mods *modules.Core

	acceptor       modules.Acceptor
	blockChain     modules.BlockChain
	cmdQueue       modules.CommandQueue
	configuration  modules.Configuration
	crypto         kcrypto.Crypto
	eventLoop      *eventloop.EventLoop
	executor       modules.ExecutorExt
	forkHandler    modules.ForkHandlerExt
	leaderRotation modules.LeaderRotation
	logger         logging.Logger
	opts           *modules.Options
	synchronizer   modules.Synchronizer
	kauriMod       modules.Kauri // optional; nil unless a tree-aggregation module was registered
	store          stateStore    // optional; nil unless a persistence.StateStore was registered

	mut         sync.Mutex
	lastVote    kauri.View
	bExec       *kauri.Block // last committed block
	bLeaf       *kauri.Block // block referenced by the highest QC this replica has seen
	pendingVotes map[kauri.Hash][]kauri.PartialCert
	fetchCancel  context.CancelFunc

	pipeline pipelineState
}

// New returns a Consensus module built around impl's policy decisions.
func New(impl Rules) modules.Consensus {
	return &consensusBase{
		impl:         impl,
		bExec:        kauri.GetGenesis(),
		bLeaf:        kauri.GetGenesis(),
		pendingVotes: make(map[kauri.Hash][]kauri.PartialCert),
		fetchCancel:  func() {},
	}
}

// InitModule wires every dependency consensusBase and its Rules
// implementation need, and registers the proposal handler on the event
// loop.
func (cs *consensusBase) InitModule(mods *modules.Core) {
	cs.mods = mods
	mods.Get(
		&cs.acceptor,
		&cs.blockChain,
		&cs.cmdQueue,
		&cs.configuration,
		&cs.crypto,
		&cs.eventLoop,
		&cs.executor,
		&cs.leaderRotation,
		&cs.logger,
		&cs.opts,
		&cs.synchronizer,
	)
	mods.TryGet(&cs.forkHandler)
	mods.TryGet(&cs.kauriMod)
	cs.pipeline.depth = cs.opts.PipelineDepth
	if cs.pipeline.depth < 1 {
		cs.pipeline.depth = 1
	}

	if mods.TryGet(&cs.store) {
		if v, err := cs.store.GetLastVote(); err != nil {
			cs.logger.Warnf("InitModule: failed to load last vote: %v", err)
		} else {
			cs.lastVote = v
		}
	}

	if im, ok := cs.impl.(modules.Module); ok {
		im.InitModule(mods)
	}

	cs.eventLoop.RegisterHandler(kauri.ProposeMsg{}, func(event any) {
		cs.OnPropose(event.(kauri.ProposeMsg))
	})
	cs.eventLoop.RegisterHandler(kauri.VoteMsg{}, func(event any) {
		cs.OnVote(event.(kauri.VoteMsg))
	})
}

// ChainLength reports impl's chain length requirement.
func (cs *consensusBase) ChainLength() int { return cs.impl.ChainLength() }

func (cs *consensusBase) nMajority() int {
	n := cs.configuration.Len()
	f := (n - 1) / 3
	return n - f
}

// Propose builds and broadcasts a new proposal for the current view, if
// the pipelining depth allows one more in-flight proposal (see
// pipeline.go). It does not check leadership; the synchronizer calls it
// only for views this replica leads.
func (cs *consensusBase) Propose(syncInfo kauri.SyncInfo) {
	if !cs.pipeline.canPropose() {
		cs.logger.Debugf("Propose: pipeline depth %d reached, deferring", cs.pipeline.depth)
		return
	}

	qc, haveQC := syncInfo.QC()
	if haveQC {
		if qcBlock, ok := cs.blockChain.Get(cs.eventLoop.Context(), qc.BlockHash()); ok {
			cs.acceptor.Proposed(qcBlock.Command())
		}
	}

	cmds, ok := cs.cmdQueue.Get(cs.synchronizer.ViewContext())
	if !ok {
		return
	}

	view := cs.synchronizer.View()
	parent := cs.leafHash()
	block := kauri.NewBlock([]kauri.Hash{parent}, qc, cmds, view, cs.mods.ID())

	proposal := kauri.ProposeMsg{ID: cs.mods.ID(), Block: block}
	if aggQC, ok := syncInfo.AggQC(); ok {
		proposal.AggregateQC = &aggQC
	}

	cs.blockChain.Store(block)
	cs.pipeline.markProposed(view)
	cs.configuration.Propose(proposal)
	// self vote
	cs.OnPropose(proposal)
}

func (cs *consensusBase) leafHash() kauri.Hash {
	cs.mut.Lock()
	defer cs.mut.Unlock()
	return cs.bLeaf.Hash()
}

// advanceLeaf moves bLeaf forward to the block referenced by qc, if that
// block is newer than the current leaf. This is what lets Propose chain
// each new block directly onto the previous one instead of re-parenting
// every proposal onto the last committed block.
func (cs *consensusBase) advanceLeaf(qcBlock *kauri.Block) {
	cs.mut.Lock()
	defer cs.mut.Unlock()
	if qcBlock.View() > cs.bLeaf.View() {
		cs.bLeaf = qcBlock
	}
}

// highestQC returns the QC in agg.QCs whose referenced block has the
// highest view, resolving each QC's target block through the local
// block chain (fetching it if necessary).
func (cs *consensusBase) highestQC(agg kauri.AggregateQC) (kauri.QuorumCert, bool) {
	var best kauri.QuorumCert
	var bestView kauri.View
	found := false
	for _, qc := range agg.QCs {
		block, ok := cs.blockChain.Get(cs.eventLoop.Context(), qc.BlockHash())
		if !ok {
			continue
		}
		if !found || block.View() > bestView {
			best = qc
			bestView = block.View()
			found = true
		}
	}
	return best, found
}

// OnPropose handles an incoming proposal: verifies it came from the
// expected leader and carries a valid QC, runs the voting rule, stores
// the block, walks the commit rule, and casts a vote (directly to the
// next leader, or through the tree aggregator if one is registered).
func (cs *consensusBase) OnPropose(proposal kauri.ProposeMsg) {
	block := proposal.Block
	cs.logger.Debugf("OnPropose: %v", block.Hash())

	if proposal.ID != cs.leaderRotation.GetLeader(block.View()) {
		cs.logger.Info("OnPropose: block was not proposed by the expected leader")
		return
	}

	cs.mut.Lock()
	if block.View() <= cs.lastVote {
		cs.mut.Unlock()
		cs.logger.Info("OnPropose: block view too old")
		return
	}
	cs.mut.Unlock()

	if proposal.AggregateQC != nil {
		if _, ok := cs.crypto.VerifyAggregateQC(*proposal.AggregateQC); !ok {
			cs.logger.Warn("OnPropose: failed to verify aggregate QC")
			return
		}
		// VerifyAggregateQC only attests that every constituent QC is
		// valid; it does not say which one the proposer must have
		// embedded. Resolve that independently, the same way the
		// synchronizer does when it first formed this AggregateQC, so
		// every replica agrees on the expected QC regardless of which
		// arbitrary valid one the crypto backend happened to return.
		highQC, ok := cs.highestQC(*proposal.AggregateQC)
		if !ok || block.QuorumCert() == nil || block.QuorumCert().BlockHash() != highQC.BlockHash() {
			cs.logger.Warn("OnPropose: block QC does not match the aggregate's highest QC")
			return
		}
	}

	if block.QuorumCert() != nil && !cs.crypto.VerifyQuorumCert(block.QuorumCert()) {
		cs.logger.Info("OnPropose: invalid QC")
		return
	}

	if !cs.impl.VoteRule(proposal) {
		cs.logger.Info("OnPropose: block not safe")
		return
	}

	if block.QuorumCert() != nil {
		if qcBlock, ok := cs.blockChain.Get(cs.eventLoop.Context(), block.QuorumCert().BlockHash()); ok {
			cs.acceptor.Proposed(qcBlock.Command())
			cs.advanceLeaf(qcBlock)
		}
	}

	for _, cmd := range block.Commands() {
		if !cs.acceptor.Accept(cmd) {
			cs.logger.Info("OnPropose: command not accepted")
			return
		}
	}

	cs.mut.Lock()
	cs.fetchCancel()
	cs.mut.Unlock()

	pc, err := cs.crypto.CreatePartialCert(block)
	if err != nil {
		cs.logger.Error("OnPropose: failed to sign vote: ", err)
		return
	}

	cs.mut.Lock()
	cs.lastVote = block.View()
	cs.mut.Unlock()
	if cs.store != nil {
		if err := cs.store.SetLastVote(block.View()); err != nil {
			cs.logger.Warnf("OnPropose: failed to persist last vote: %v", err)
		}
	}

	cs.blockChain.Store(block)
	cs.deliver(block)

	if b := cs.impl.CommitRule(block); b != nil {
		cs.commit(b)
	}

	if qc := block.QuorumCert(); qc != nil {
		cs.synchronizer.AdvanceView(kauri.NewSyncInfo().WithQC(qc))
	}

	if cs.kauriMod != nil {
		cs.kauriMod.Begin(pc, proposal)
		return
	}

	leaderID := cs.leaderRotation.GetLeader(cs.lastVote + 1)
	if leaderID == cs.mods.ID() {
		cs.eventLoop.AddEvent(kauri.VoteMsg{ID: cs.mods.ID(), PartialCert: pc})
		return
	}
	cs.configuration.Vote(leaderID, pc)
}

// commit recursively executes block and every uncommitted ancestor, in
// ancestor-first order, then advances bExec.
func (cs *consensusBase) commit(block *kauri.Block) {
	cs.mut.Lock()
	bExec := cs.bExec
	cs.mut.Unlock()

	if bExec.View() >= block.View() {
		return
	}
	if parent, ok := cs.blockChain.Get(cs.eventLoop.Context(), block.Parent()); ok {
		cs.commit(parent)
	}
	if block.View() == 0 {
		return // never execute genesis
	}
	cs.logger.Debug("EXEC: ", block.Hash())
	block.SetDecision()
	cs.executor.Exec(block)
	cs.eventLoop.AddEvent(kauri.ConsensusLatencyEvent{Latency: time.Since(block.Timestamp())})

	cs.mut.Lock()
	cs.bExec = block
	cs.mut.Unlock()

	cs.pipeline.markCommitted(block.View())

	if forked := cs.blockChain.PruneToHeight(block.View()); cs.forkHandler != nil {
		for _, fb := range forked {
			cs.forkHandler.Fork(fb)
		}
	}
}

// fetchBlockForVote requests the block referenced by vote, so that its
// QC can eventually be formed once the block itself is delivered; it
// deduplicates concurrent fetches for the same hash.
func (cs *consensusBase) fetchBlockForVote(vote kauri.PartialCert) {
	cs.mut.Lock()
	votes, inFlight := cs.pendingVotes[vote.BlockHash()]
	cs.pendingVotes[vote.BlockHash()] = append(votes, vote)
	if inFlight {
		cs.mut.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(cs.eventLoop.Context())
	cs.fetchCancel = cancel
	cs.mut.Unlock()

	go cs.blockChain.Get(ctx, vote.BlockHash())
}

func (cs *consensusBase) deliver(block *kauri.Block) {
	cs.mut.Lock()
	votes, ok := cs.pendingVotes[block.Hash()]
	if ok {
		delete(cs.pendingVotes, block.Hash())
	}
	cs.mut.Unlock()
	if !ok {
		return
	}
	for _, vote := range votes {
		go cs.OnVote(kauri.VoteMsg{ID: vote.Signer(), PartialCert: vote})
	}
}

// OnVote handles an incoming partial certificate, accumulating it onto
// its target block's self-QC until nMajority signatures are present,
// then sealing and publishing the QC as new high-QC justification.
func (cs *consensusBase) OnVote(vote kauri.VoteMsg) {
	cert := vote.PartialCert
	block, ok := cs.blockChain.LocalGet(cert.BlockHash())
	if !ok {
		cs.logger.Debugf("OnVote: could not find block for vote %.8s, fetching", cert.BlockHash())
		cs.fetchBlockForVote(cert)
		return
	}

	cs.mut.Lock()
	tooOld := block.View() <= cs.bExec.View()
	cs.mut.Unlock()
	if tooOld {
		return
	}

	if !cs.crypto.VerifyPartialCert(cert) {
		cs.logger.Info("OnVote: vote could not be verified")
		return
	}

	if !block.AddVoter(cert.Signer()) {
		return // duplicate vote
	}

	qc := block.SelfQC(func() kauri.QuorumCert {
		qc, err := cs.crypto.CreateQuorumCert(block)
		if err != nil {
			cs.logger.Panicf("OnVote: failed to create QC shell: %v", err)
		}
		return qc
	})
	if err := qc.AddPart(cert.Signer(), cert); err != nil {
		cs.logger.Warnf("OnVote: %v", err)
		return
	}

	if !qc.HasN(cs.nMajority()) {
		return
	}
	if err := qc.Compute(); err != nil {
		cs.logger.Errorf("OnVote: failed to seal QC: %v", err)
		return
	}
	block.SetSelfQC(qc)
	cs.advanceLeaf(block)

	cs.synchronizer.AdvanceView(kauri.NewSyncInfo().WithQC(qc))
}

var _ modules.Module = (*consensusBase)(nil)
var _ modules.Consensus = (*consensusBase)(nil)
