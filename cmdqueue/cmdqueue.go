// Package cmdqueue implements the ingress point client commands enter
// the system through. It is a simple multi-producer/single-consumer
// batching queue: producers (the network listener accepting client
// connections) call Add, and the leader's Propose path calls Get to
// drain a batch for the next block.
package cmdqueue

import (
	"context"
	"sync"

	"github.com/relab/kauri"
	"github.com/relab/kauri/modules"
)

// DefaultBatchSize bounds how many pending commands a single proposal
// picks up at once, so that one very bursty producer cannot make every
// block in the pipeline arbitrarily large.
const DefaultBatchSize = 100

// Queue is a thread-safe FIFO of pending commands.
type Queue struct {
	mut       sync.Mutex
	cond      *sync.Cond
	pending   []kauri.Command
	batchSize int
	closed    bool
}

// New returns an empty Queue. If batchSize <= 0, DefaultBatchSize is
// used.
func New(batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	q := &Queue{batchSize: batchSize}
	q.cond = sync.NewCond(&q.mut)
	return q
}

// InitModule is a no-op; Queue needs no other module's help, but
// implementing modules.Module lets it be registered uniformly with the
// rest of the components.
func (q *Queue) InitModule(mods *modules.Core) {}

// Add enqueues cmd, waking any blocked Get call.
func (q *Queue) Add(cmd kauri.Command) {
	q.mut.Lock()
	q.pending = append(q.pending, cmd)
	q.mut.Unlock()
	q.cond.Signal()
}

// Get blocks until at least one command is available or ctx is done,
// then returns up to batchSize of them, removed from the queue.
func (q *Queue) Get(ctx context.Context) ([]kauri.Command, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	q.mut.Lock()
	defer q.mut.Unlock()
	for len(q.pending) == 0 {
		if ctx.Err() != nil || q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, false
	}
	n := len(q.pending)
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := append([]kauri.Command(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	return batch, true
}

// Close wakes every blocked Get call. After Close, Get still hands out
// commands that are already queued and returns false once the queue is
// empty.
func (q *Queue) Close() {
	q.mut.Lock()
	q.closed = true
	q.mut.Unlock()
	q.cond.Broadcast()
}

var (
	_ modules.Module       = (*Queue)(nil)
	_ modules.CommandQueue = (*Queue)(nil)
)
