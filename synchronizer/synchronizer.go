// Package synchronizer implements view advancement, timeout-driven view
// change, and leader rotation. On a local timeout it sends a NewView
// message carrying its highest known SyncInfo to the next leader; once
// that leader collects enough NewView messages to form an AggregateQC,
// it advances into the new view itself. If a vote-aggregation tree
// module is registered, a timeout also triggers that tree to rotate
// away from the stalled topology, rotating the fanout window and
// falling back to a star once failures reach the fanout.
package synchronizer

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

// TreeRotator is implemented by the vote-aggregation tree module
// (package kauri's Aggregator) to let the synchronizer signal that the
// view's leader failed to make progress and the tree topology should
// rotate away from it.
type TreeRotator interface {
	RotateOnTimeout(failedLeader kauri.ID)
}

// timeoutEvent is posted to the event loop when a view's timer expires.
type timeoutEvent struct{ view kauri.View }

// Synchronizer implements modules.Synchronizer.
type Synchronizer struct {
	mods           *modules.Core
	eventLoop      *eventloop.EventLoop
	logger         logging.Logger
	configuration  modules.Configuration
	consensus      modules.Consensus
	crypto         kcrypto.Crypto
	leaderRotation modules.LeaderRotation
	treeRotator    TreeRotator // optional

	duration *viewDuration

	mut         sync.Mutex
	view        kauri.View
	viewCtx     context.Context
	viewCancel  context.CancelFunc
	syncInfo    kauri.SyncInfo
	newViewMsgs map[kauri.ID]kauri.SyncInfo
	id          kauri.ID
}

// New returns a Synchronizer starting at view 1 (view 0 belongs to the
// genesis block and is never proposed into).
func New(opts *modules.Options) *Synchronizer {
	s := &Synchronizer{
		duration:    newViewDuration(opts.InitialTimeout, opts.MaxTimeout, opts.TimeoutMultiplier),
		view:        1,
		newViewMsgs: make(map[kauri.ID]kauri.SyncInfo),
		id:          opts.ID,
	}
	s.viewCtx, s.viewCancel = context.WithCancel(context.Background())
	return s
}

// InitModule wires dependencies and registers the event handlers that
// drive view timeouts and advancement.
func (s *Synchronizer) InitModule(mods *modules.Core) {
	s.mods = mods
	mods.Get(&s.eventLoop, &s.logger, &s.configuration, &s.consensus, &s.crypto, &s.leaderRotation)
	mods.TryGet(&s.treeRotator)

	s.eventLoop.RegisterHandler(timeoutEvent{}, func(event any) {
		s.onLocalTimeout(event.(timeoutEvent).view)
	})
	s.eventLoop.RegisterHandler(kauri.NewViewMsg{}, func(event any) {
		s.onNewView(event.(kauri.NewViewMsg))
	})

	s.startViewTimer()
	if s.leaderRotation.GetLeader(s.view) == s.id {
		// Propose blocks on CommandQueue.Get until a command arrives or the
		// view times out; run it off the caller's goroutine so Core.Build
		// returns promptly even when this replica leads view 1.
		go s.consensus.Propose(s.currentSyncInfo())
	}
}

// View returns the current view.
func (s *Synchronizer) View() kauri.View {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.view
}

// ViewContext returns a context cancelled when the current view ends.
func (s *Synchronizer) ViewContext() context.Context {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.viewCtx
}

// SyncInfo returns the proof justifying the current view.
func (s *Synchronizer) SyncInfo() kauri.SyncInfo {
	return s.currentSyncInfo()
}

func (s *Synchronizer) currentSyncInfo() kauri.SyncInfo {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.syncInfo
}

// AdvanceView moves to a later view if syncInfo justifies one, starting
// a fresh timer and, if this replica leads the new view, proposing.
func (s *Synchronizer) AdvanceView(syncInfo kauri.SyncInfo) {
	newView, ok := s.viewFor(syncInfo)
	if !ok {
		return
	}

	s.mut.Lock()
	if newView <= s.view {
		s.mut.Unlock()
		return
	}
	s.view = newView
	s.syncInfo = syncInfo
	s.viewCancel()
	s.viewCtx, s.viewCancel = context.WithCancel(context.Background())
	s.newViewMsgs = make(map[kauri.ID]kauri.SyncInfo)
	s.mut.Unlock()

	s.duration.ViewSucceeded()
	s.startViewTimer()

	s.logger.Debugf("AdvanceView: entered view %v", newView)
	if s.leaderRotation.GetLeader(newView) == s.id {
		// Propose can block on CommandQueue.Get; AdvanceView is always
		// called from the event loop's dispatch goroutine (directly from
		// OnPropose/OnVote, or from onLocalTimeout/onNewView), which must
		// never block, so hand the call off instead of awaiting it inline.
		go s.consensus.Propose(syncInfo)
	}
}

func (s *Synchronizer) viewFor(syncInfo kauri.SyncInfo) (kauri.View, bool) {
	// A view-change SyncInfo names the view that timed out in its
	// AggregateQC; that view, not the embedded QC's possibly older block,
	// decides the view to enter.
	if aggQC, ok := syncInfo.AggQC(); ok {
		return aggQC.View + 1, true
	}
	if qc, ok := syncInfo.QC(); ok {
		if block, ok := s.blockChainHint(qc); ok {
			return block.View() + 1, true
		}
	}
	return 0, false
}

// blockChainHint resolves a QC's target view without forcing a full
// BlockChain dependency on the synchronizer; it relies on Crypto's
// verification already having happened upstream and, when a BlockChain
// module is registered, asks it for the block (which may fetch it),
// waiting at most one view duration.
func (s *Synchronizer) blockChainHint(qc kauri.QuorumCert) (*kauri.Block, bool) {
	var blockChain modules.BlockChain
	if !s.mods.TryGet(&blockChain) {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.duration.Duration())
	defer cancel()
	return blockChain.Get(ctx, qc.BlockHash())
}

func (s *Synchronizer) startViewTimer() {
	s.mut.Lock()
	view := s.view
	ctx := s.viewCtx
	d := s.duration.Duration()
	s.mut.Unlock()

	go func() {
		select {
		case <-time.After(d):
			s.eventLoop.AddEvent(timeoutEvent{view: view})
		case <-ctx.Done():
		}
	}()
}

func (s *Synchronizer) onLocalTimeout(view kauri.View) {
	s.mut.Lock()
	if view != s.view {
		s.mut.Unlock()
		return // already advanced past this view
	}
	s.mut.Unlock()

	s.logger.Warnf("onLocalTimeout: view %v timed out", view)
	s.duration.ViewTimedOut()

	failedLeader := s.leaderRotation.GetLeader(view)
	if s.treeRotator != nil {
		s.treeRotator.RotateOnTimeout(failedLeader)
	}

	nextLeader := s.leaderRotation.GetLeader(view + 1)
	msg := kauri.NewViewMsg{ID: s.id, SyncInfo: s.currentSyncInfo()}
	if nextLeader == s.id {
		s.onNewView(msg)
	} else {
		s.sendNewView(nextLeader, msg)
	}

	s.startViewTimer()
}

func (s *Synchronizer) sendNewView(to kauri.ID, msg kauri.NewViewMsg) {
	if sender, ok := s.configuration.(interface {
		SendNewView(kauri.ID, kauri.NewViewMsg)
	}); ok {
		sender.SendNewView(to, msg)
		return
	}
	s.logger.Warn("synchronizer: configuration does not support SendNewView")
}

// onNewView accumulates NewView messages addressed to this replica
// (because it leads the next view) into an AggregateQC once nMajority
// of them have arrived, then advances into that view.
func (s *Synchronizer) onNewView(msg kauri.NewViewMsg) {
	s.mut.Lock()
	s.newViewMsgs[msg.ID] = msg.SyncInfo
	n := len(s.newViewMsgs)
	view := s.view
	msgs := make(map[kauri.ID]kauri.SyncInfo, n)
	for id, si := range s.newViewMsgs {
		msgs[id] = si
	}
	s.mut.Unlock()

	if n < s.nMajority() {
		return
	}

	qcs := make(map[kauri.ID]kauri.QuorumCert)
	for id, si := range msgs {
		if qc, ok := si.QC(); ok {
			qcs[id] = qc
		}
	}
	if len(qcs) == 0 {
		return
	}
	agg := kauri.AggregateQC{QCs: qcs, View: view}

	if _, ok := s.crypto.VerifyAggregateQC(agg); !ok {
		s.logger.Warn("onNewView: aggregate QC failed verification, dropping")
		return
	}

	highQC, ok := s.highestQC(agg)
	if !ok {
		s.logger.Warn("onNewView: could not resolve any constituent QC's block, dropping")
		return
	}

	s.AdvanceView(kauri.NewSyncInfo().WithQC(highQC).WithAggQC(agg))
}

// highestQC resolves every constituent QC's target block via
// blockChainHint and returns the QC whose block has the highest view,
// so that every replica proposing or voting off this AggregateQC agrees
// on the same embedded QC.
func (s *Synchronizer) highestQC(agg kauri.AggregateQC) (kauri.QuorumCert, bool) {
	var best kauri.QuorumCert
	var bestView kauri.View
	found := false
	for _, qc := range agg.QCs {
		block, ok := s.blockChainHint(qc)
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

func (s *Synchronizer) nMajority() int {
	n := s.configuration.Len()
	f := (n - 1) / 3
	return n - f
}

var (
	_ modules.Module       = (*Synchronizer)(nil)
	_ modules.Synchronizer = (*Synchronizer)(nil)
)
