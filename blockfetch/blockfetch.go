// Package blockfetch implements on-demand fetching of blocks referenced
// by a QC or parent hash that have not yet arrived locally: a waiting
// context per hash that retries via broadcast request on a jittered
// timeout until the entity is delivered or the caller's context ends.
package blockfetch

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/relab/kauri"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
)

// entTimeout is the base time a single broadcast round waits for any
// replica to respond before retrying. entTimeoutJitter is added on top,
// drawn fresh per round from crypto/rand, so that many outstanding
// fetches across a replica don't all retry in lockstep.
const (
	entTimeout       = 10 * time.Second
	entTimeoutJitter = 2 * time.Second
)

// Fetcher sends a fetch request for hash to replica id and returns the
// block if that replica responds before the call's context is done.
type Fetcher interface {
	FetchFrom(ctx context.Context, id kauri.ID, hash kauri.Hash) (*kauri.Block, bool)
}

// Requester is component H's network surface: a set of replica IDs to
// broadcast fetch requests to.
type Requester interface {
	Fetcher
	ReplicaIDs() []kauri.ID
}

// Manager tracks one fetchContext per outstanding hash. Concurrent Fetch
// calls for the same block share that context (and its replica order),
// but each call still runs its own broadcast rounds.
type Manager struct {
	mut       sync.Mutex
	pending   map[kauri.Hash]*fetchContext
	requester Requester
	logger    logging.Logger
	rng       *rand.Rand
}

// New returns a Manager with no requester bound yet; InitModule binds it.
func New() *Manager {
	return &Manager{
		pending: make(map[kauri.Hash]*fetchContext),
		rng:     rand.New(rand.NewSource(seedFromCryptoRand())),
	}
}

// seedFromCryptoRand draws a seed from crypto/rand so the replica-order
// shuffle below isn't predictable across restarts or replicas.
func seedFromCryptoRand() int64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 1
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// InitModule wires the manager's requester and logger from the core.
func (m *Manager) InitModule(mods *modules.Core) {
	mods.Get(&m.requester, &m.logger)
}

// Fetch requests the block with the given hash, broadcasting to every
// known replica and retrying on a jittered timeout until one responds
// or ctx is done.
func (m *Manager) Fetch(ctx context.Context, hash kauri.Hash) (*kauri.Block, bool) {
	fc := m.contextFor(hash)
	block, ok := fc.wait(ctx)
	m.mut.Lock()
	delete(m.pending, hash)
	m.mut.Unlock()
	return block, ok
}

func (m *Manager) contextFor(hash kauri.Hash) *fetchContext {
	m.mut.Lock()
	defer m.mut.Unlock()
	if fc, ok := m.pending[hash]; ok {
		return fc
	}
	fc := &fetchContext{
		hash:      hash,
		requester: m.requester,
		logger:    m.logger,
		replicas:  shuffled(m.requester.ReplicaIDs(), m.rng),
	}
	m.pending[hash] = fc
	return fc
}

func shuffled(ids []kauri.ID, rng *rand.Rand) []kauri.ID {
	out := append([]kauri.ID(nil), ids...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// jitteredTimeout draws entTimeout plus up to entTimeoutJitter worth of
// crypto/rand-derived jitter for one broadcast round.
func jitteredTimeout() time.Duration {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(entTimeoutJitter)))
	if err != nil {
		return entTimeout
	}
	return entTimeout + time.Duration(n.Int64())
}

// fetchContext is one outstanding request for a single hash, broadcast
// to every known replica concurrently each round.
type fetchContext struct {
	hash      kauri.Hash
	requester Fetcher
	logger    logging.Logger
	replicas  []kauri.ID
}

type fetchResult struct {
	block *kauri.Block
	ok    bool
}

func (fc *fetchContext) wait(ctx context.Context) (*kauri.Block, bool) {
	if len(fc.replicas) == 0 {
		return nil, false
	}

	for {
		if ctx.Err() != nil {
			return nil, false
		}

		roundCtx, cancel := context.WithTimeout(ctx, jitteredTimeout())
		results := make(chan fetchResult, len(fc.replicas))
		for _, id := range fc.replicas {
			id := id
			go func() {
				block, ok := fc.requester.FetchFrom(roundCtx, id, fc.hash)
				results <- fetchResult{block: block, ok: ok}
			}()
		}

		block, ok := awaitFirstSuccess(roundCtx, results, len(fc.replicas))
		if !ok {
			// Every replica may have answered without the block before the
			// round timed out; wait the round out before broadcasting again.
			<-roundCtx.Done()
		}
		cancel()
		if ok {
			return block, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		if fc.logger != nil {
			fc.logger.Debugf("blockfetch: no replica responded for %v, broadcasting again", fc.hash)
		}
	}
}

// awaitFirstSuccess returns as soon as one of n pending results reports
// success, or nil/false once ctx ends or every result has been drained
// without success.
func awaitFirstSuccess(ctx context.Context, results <-chan fetchResult, n int) (*kauri.Block, bool) {
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			if r.ok {
				return r.block, true
			}
		case <-ctx.Done():
			return nil, false
		}
	}
	return nil, false
}

var _ modules.Module = (*Manager)(nil)
