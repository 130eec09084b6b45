// Package blockchain implements a content-addressed block store that
// prunes from the committed height downward while keeping every ancestor
// of a block above that height, so that a superseded fork can be
// released once it can no longer affect any future commit. Blocks not yet present locally are fetched on demand
// through package blockfetch.
package blockchain

import (
	"context"
	"sync"

	"github.com/relab/kauri"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
)

// Fetcher is the subset of component H's surface the block chain needs
// to resolve a hash it does not have locally.
type Fetcher interface {
	Fetch(ctx context.Context, hash kauri.Hash) (*kauri.Block, bool)
}

// entry tracks one stored block. refcount is only set (to 1) for genesis;
// PruneToHeight decides what to keep by walking parent links, not from
// this count.
type entry struct {
	block    *kauri.Block
	refcount int
}

// BlockChain stores blocks by hash and prunes those at or below the
// committed height that are not an ancestor of a block above it.
type BlockChain struct {
	mut     sync.Mutex
	blocks  map[kauri.Hash]*entry
	waiters map[kauri.Hash][]chan struct{}

	fetcher Fetcher
	logger  logging.Logger
}

// New returns an empty BlockChain with the genesis block pre-stored.
func New() *BlockChain {
	bc := &BlockChain{
		blocks:  make(map[kauri.Hash]*entry),
		waiters: make(map[kauri.Hash][]chan struct{}),
	}
	genesis := kauri.GetGenesis()
	bc.blocks[genesis.Hash()] = &entry{block: genesis, refcount: 1}
	return bc
}

// InitModule wires the blockchain's fetcher and logger from the core.
func (bc *BlockChain) InitModule(mods *modules.Core) {
	var fetcher Fetcher
	if !mods.TryGet(&fetcher) {
		fetcher = noopFetcher{}
	}
	bc.fetcher = fetcher
	mods.Get(&bc.logger)
}

// Store records block, overwriting nothing if the hash already exists
// (blocks are immutable and content-addressed, so a re-store is always
// a no-op duplicate).
func (bc *BlockChain) Store(block *kauri.Block) {
	hash := block.Hash()
	bc.mut.Lock()
	if _, ok := bc.blocks[hash]; !ok {
		bc.blocks[hash] = &entry{block: block}
	}
	waiters := bc.waiters[hash]
	delete(bc.waiters, hash)
	bc.mut.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// LocalGet returns the block with the given hash only if already stored.
func (bc *BlockChain) LocalGet(hash kauri.Hash) (*kauri.Block, bool) {
	bc.mut.Lock()
	defer bc.mut.Unlock()
	e, ok := bc.blocks[hash]
	if !ok {
		return nil, false
	}
	return e.block, true
}

// Get returns the block with the given hash, triggering a fetch through
// the configured Fetcher and blocking until it arrives, ctx is done, or
// the fetch itself gives up and reports failure.
func (bc *BlockChain) Get(ctx context.Context, hash kauri.Hash) (*kauri.Block, bool) {
	if block, ok := bc.LocalGet(hash); ok {
		return block, true
	}
	if bc.fetcher == nil {
		return nil, false
	}
	block, ok := bc.fetcher.Fetch(ctx, hash)
	if !ok {
		return nil, false
	}
	bc.Store(block)
	return block, true
}

// PruneToHeight drops every stored block whose view is at or below
// height and that is not an ancestor of any block still above height,
// returning the ones found to be forked (never committed) so the caller
// can notify modules.ForkHandlerExt.
func (bc *BlockChain) PruneToHeight(height kauri.View) []*kauri.Block {
	bc.mut.Lock()
	defer bc.mut.Unlock()

	// keep marks every block at or below height that is still an ancestor
	// of some block above height.
	keep := make(map[kauri.Hash]bool)
	for _, e := range bc.blocks {
		if e.block.View() <= height {
			continue
		}
		for p := e.block.Parent(); !keep[p]; {
			pe, ok := bc.blocks[p]
			if !ok {
				break
			}
			if pe.block.View() <= height {
				keep[p] = true
			}
			p = pe.block.Parent()
		}
	}

	var forked []*kauri.Block
	for hash, e := range bc.blocks {
		if e.block.View() == 0 {
			continue // never prune genesis
		}
		if e.block.View() > height || keep[hash] {
			continue
		}
		if !e.block.Decision() {
			forked = append(forked, e.block)
		}
		delete(bc.blocks, hash)
	}
	return forked
}

type noopFetcher struct{}

func (noopFetcher) Fetch(context.Context, kauri.Hash) (*kauri.Block, bool) { return nil, false }

var _ modules.Module = (*BlockChain)(nil)
var _ modules.BlockChain = (*BlockChain)(nil)
