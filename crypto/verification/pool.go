// Package verification implements a fixed size worker pool that
// verifies partial certificates and quorum certificates off the event
// loop goroutine, handing results back as futures so a caller need not
// block on an ECDSA or pairing check. No module in this repository is
// wired to it: consensusBase calls crypto.Crypto's Verify methods
// directly.
package verification

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/relab/kauri"
	kcrypto "github.com/relab/kauri/crypto"
	"github.com/relab/kauri/synchronization/future"
)

// DefaultWorkers is the pool size used when none is configured: enough
// parallelism to keep verification from becoming the bottleneck at
// typical replica counts without oversubscribing small deployments.
const DefaultWorkers = 4

// job is one unit of verification work.
type job func() error

// Pool runs verification jobs on a bounded set of worker goroutines.
type Pool struct {
	crypto  kcrypto.Crypto
	jobs    chan job
	workers int

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a verification pool with workers goroutines, bound to
// crypto for the actual signature checks. If workers <= 0, DefaultWorkers
// is used.
func New(crypto kcrypto.Crypto, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	p := &Pool{
		crypto:  crypto,
		jobs:    make(chan job, workers*4),
		workers: workers,
		group:   group,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		group.Go(p.run)
	}
	return p
}

func (p *Pool) run() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case j, ok := <-p.jobs:
			if !ok {
				return nil
			}
			if err := j(); err != nil {
				return err
			}
		}
	}
}

// VerifyPartialCert verifies cert asynchronously and returns a promise
// resolved with true/false once the check completes.
func (p *Pool) VerifyPartialCert(cert kauri.PartialCert) *future.Promise[bool] {
	prom := future.New[bool]()
	p.submit(func() error {
		prom.Resolve(p.crypto.VerifyPartialCert(cert))
		return nil
	})
	return prom
}

// VerifyQuorumCert verifies qc asynchronously.
func (p *Pool) VerifyQuorumCert(qc kauri.QuorumCert) *future.Promise[bool] {
	prom := future.New[bool]()
	p.submit(func() error {
		prom.Resolve(p.crypto.VerifyQuorumCert(qc))
		return nil
	})
	return prom
}

// VerifyAggregateQC verifies agg asynchronously, resolving with the
// selected QC and a validity flag.
func (p *Pool) VerifyAggregateQC(agg kauri.AggregateQC) *future.Promise[aggregateResult] {
	prom := future.New[aggregateResult]()
	p.submit(func() error {
		qc, ok := p.crypto.VerifyAggregateQC(agg)
		prom.Resolve(aggregateResult{QC: qc, Valid: ok})
		return nil
	})
	return prom
}

// aggregateResult is the value type resolved by VerifyAggregateQC.
type aggregateResult struct {
	QC    kauri.QuorumCert
	Valid bool
}

func (p *Pool) submit(j job) {
	select {
	case p.jobs <- j:
	case <-p.ctx.Done():
	}
}

// Close stops accepting new work, cancels outstanding jobs and waits for
// all workers to exit.
func (p *Pool) Close() error {
	p.cancel()
	close(p.jobs)
	if err := p.group.Wait(); err != nil {
		return fmt.Errorf("verification: worker pool stopped with error: %w", err)
	}
	return nil
}
