// Package chainedhotstuff implements the default Rules variant: the
// pipelined three-phase chained-voting protocol, split into just the two
// policy decisions a Rules implementation supplies (VoteRule and
// CommitRule), with the qcRef/update 3-chain walk kept intact.
package chainedhotstuff

import (
	"sync"

	"github.com/relab/kauri"
	"github.com/relab/kauri/eventloop"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
)

// ChainedHotStuff is the Rules implementation for the unmodified chained
// HotStuff protocol: 3-chain commit, vote for any block whose QC extends
// the locked block (liveness) or that itself extends the locked block
// through its ancestry (safety).
type ChainedHotStuff struct {
	blockChain modules.BlockChain
	eventLoop  *eventloop.EventLoop
	logger     logging.Logger

	mut   sync.Mutex
	bLock *kauri.Block
}

// New returns a ChainedHotStuff Rules implementation.
func New() *ChainedHotStuff {
	return &ChainedHotStuff{bLock: kauri.GetGenesis()}
}

// InitModule wires the block chain this implementation walks to resolve
// QC ancestry.
func (chs *ChainedHotStuff) InitModule(mods *modules.Core) {
	mods.Get(&chs.blockChain, &chs.eventLoop, &chs.logger)
}

// ChainLength is 3: prepare/pre-commit/commit, matching the protocol's
// name.
func (chs *ChainedHotStuff) ChainLength() int { return 3 }

func (chs *ChainedHotStuff) qcRef(qc kauri.QuorumCert) (*kauri.Block, bool) {
	if qc == nil {
		return nil, false
	}
	return chs.blockChain.Get(chs.eventLoop.Context(), qc.BlockHash())
}

// VoteRule implements the safety/liveness voting rule: accept if the
// proposal's embedded QC points to a block with a higher view than the
// currently locked block (liveness), or if the proposed block itself
// extends the locked block through its primary-parent ancestry (safety).
func (chs *ChainedHotStuff) VoteRule(proposal kauri.ProposeMsg) bool {
	block := proposal.Block
	chs.mut.Lock()
	bLock := chs.bLock
	chs.mut.Unlock()

	qcBlock, haveQCBlock := chs.qcRef(block.QuorumCert())
	if haveQCBlock && qcBlock.View() > bLock.View() {
		return true
	}

	chs.logger.Debug("VoteRule: liveness condition failed, checking safety")
	b := block
	ok := true
	for ok && b.View() > bLock.View() {
		b, ok = chs.blockChain.LocalGet(b.Parent())
	}
	if ok && b.Hash() == bLock.Hash() {
		return true
	}
	chs.logger.Debug("VoteRule: safety condition failed")
	return false
}

// CommitRule implements the literal 3-chain PRE_COMMIT/COMMIT/DECIDE
// walk: given a newly-voted block, follow its QC chain three levels
// back; if the first two links in that chain are direct parent/child
// (block1.Parent() == block2.Hash() && block2.Parent() == block3.Hash()),
// block3 and everything under it can be committed.
func (chs *ChainedHotStuff) CommitRule(block *kauri.Block) *kauri.Block {
	block1, ok := chs.qcRef(block.QuorumCert())
	if !ok {
		return nil
	}
	chs.logger.Debug("PRE_COMMIT: ", block1.Hash())

	block2, ok := chs.qcRef(block1.QuorumCert())
	if !ok {
		return nil
	}

	chs.mut.Lock()
	if block2.View() > chs.bLock.View() {
		chs.logger.Debug("COMMIT: ", block2.Hash())
		chs.bLock = block2
	}
	chs.mut.Unlock()

	block3, ok := chs.qcRef(block2.QuorumCert())
	if !ok {
		return nil
	}

	if block1.Parent() == block2.Hash() && block2.Parent() == block3.Hash() {
		chs.logger.Debug("DECIDE: ", block3.Hash())
		return block3
	}
	return nil
}
