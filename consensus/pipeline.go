package consensus

import (
	"sync"

	"github.com/relab/kauri"
)

// pipelineState implements the pipelining policy: a leader may have up
// to depth (the async proposal depth) proposals outstanding — proposed
// but not yet committed — before it must wait for commits to catch up,
// instead of a single hardcoded constant.
type pipelineState struct {
	mut     sync.Mutex
	depth   int
	inFlight map[kauri.View]struct{}
}

func (p *pipelineState) canPropose() bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.inFlight == nil {
		return true
	}
	return len(p.inFlight) < p.depth
}

func (p *pipelineState) markProposed(view kauri.View) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.inFlight == nil {
		p.inFlight = make(map[kauri.View]struct{})
	}
	p.inFlight[view] = struct{}{}
}

// markCommitted drops every in-flight entry up to and including view,
// since the 3-chain commit rule commits a prefix of the chain at once.
func (p *pipelineState) markCommitted(view kauri.View) {
	p.mut.Lock()
	defer p.mut.Unlock()
	for v := range p.inFlight {
		if v <= view {
			delete(p.inFlight, v)
		}
	}
}

// outstanding reports how many proposals are currently in flight, for
// diagnostics and tests.
func (p *pipelineState) outstanding() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.inFlight)
}
