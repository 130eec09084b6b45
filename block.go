package kauri

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// Block is the replicated unit carrying commands and a QC for some
// ancestor. A block is immutable except for the fields explicitly called
// out below, which only ever move forward (delivered/decision: false to
// true; voted only grows; qcRef is set at most once per block; selfQC is
// created once and may be replaced by SetSelfQC).
type Block struct {
	// parentHashes is ordered; index 0 is the primary parent defining
	// chain position. Index >0 entries are additional (piped) parent
	// references carried by speculative proposals.
	parentHashes []Hash
	view         View
	cmds         []Command
	qc           QuorumCert
	proposer     ID
	extra        []byte
	timestamp    time.Time

	mut     sync.Mutex
	qcRef   *Block
	selfQC  QuorumCert
	voted   map[ID]struct{}
	delivered bool
	decision  bool

	hash     Hash
	hashOnce sync.Once
}

// NewBlock constructs a block with the given primary+piped parents, QC,
// commands, view and proposer. The hash is computed lazily and cached.
func NewBlock(parents []Hash, qc QuorumCert, cmds []Command, view View, proposer ID) *Block {
	b := &Block{
		parentHashes: append([]Hash(nil), parents...),
		view:         view,
		cmds:         append([]Command(nil), cmds...),
		qc:           qc,
		proposer:     proposer,
		voted:        make(map[ID]struct{}),
		timestamp:    time.Now(),
	}
	return b
}

var (
	genesisOnce  sync.Once
	genesisBlock *Block
)

// GetGenesis returns the well-known genesis block, constructed once. It is
// never released by pruning.
func GetGenesis() *Block {
	genesisOnce.Do(func() {
		genesisBlock = &Block{
			view:      0,
			voted:     make(map[ID]struct{}),
			delivered: true,
			decision:  true,
		}
		genesisBlock.qcRef = genesisBlock
	})
	return genesisBlock
}

// Hash returns the content digest over (parentHashes, cmds, qc, extra,
// view).
// Recomputing it from the same fields always reproduces the same value.
func (b *Block) Hash() Hash {
	if b == GetGenesis() {
		return Hash{}
	}
	b.hashOnce.Do(func() {
		h := sha256.New()
		for _, p := range b.parentHashes {
			h.Write(p[:])
		}
		for _, c := range b.cmds {
			ch := c.Hash()
			h.Write(ch[:])
		}
		if b.qc != nil {
			h.Write(b.qc.ToBytes())
		}
		h.Write(b.extra)
		var vb [8]byte
		binary.BigEndian.PutUint64(vb[:], uint64(b.view))
		h.Write(vb[:])
		var out Hash
		copy(out[:], h.Sum(nil))
		b.hash = out
	})
	return b.hash
}

// Parent returns the primary parent's hash.
func (b *Block) Parent() Hash {
	if len(b.parentHashes) == 0 {
		return Hash{}
	}
	return b.parentHashes[0]
}

// Parents returns all parent hashes, primary parent first.
func (b *Block) Parents() []Hash {
	return append([]Hash(nil), b.parentHashes...)
}

// View returns the block's view (its height in the chain).
func (b *Block) View() View { return b.view }

// Commands returns the ordered list of commands carried by this block.
func (b *Block) Commands() []Command { return b.cmds }

// Command returns the first command, for callers that only ever propose
// one command per block; callers doing batch proposals should use
// Commands instead.
func (b *Block) Command() Command {
	if len(b.cmds) == 0 {
		return Command{}
	}
	return b.cmds[0]
}

// QuorumCert returns the QC for some ancestor carried by this block
// (possibly nil, for genesis).
func (b *Block) QuorumCert() QuorumCert { return b.qc }

// Proposer returns the replica that proposed this block.
func (b *Block) Proposer() ID { return b.proposer }

// Timestamp returns the wall-clock time this block was constructed
// locally. It is an observability aid only (ConsensusLatencyEvent), never
// consulted by the safety/liveness rules.
func (b *Block) Timestamp() time.Time { return b.timestamp }

// SetQCRef records the resolved block pointer for this block's QC target.
// It may only be set once.
func (b *Block) SetQCRef(ref *Block) {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.qcRef == nil {
		b.qcRef = ref
	}
}

// QCRef returns the resolved block pointer for this block's QC target, or
// nil if not yet resolved.
func (b *Block) QCRef() *Block {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.qcRef
}

// SelfQC returns the QC being assembled for this block, creating an empty
// one via newQC if none exists yet.
func (b *Block) SelfQC(newQC func() QuorumCert) QuorumCert {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.selfQC == nil {
		b.selfQC = newQC()
	}
	return b.selfQC
}

// SetSelfQC replaces the in-progress QC for this block (used once
// Compute() has sealed it).
func (b *Block) SetSelfQC(qc QuorumCert) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.selfQC = qc
}

// AddVoter records that the given replica's vote has been accumulated,
// returning false if it had already voted (duplicate vote, dropped
// silently by the caller).
func (b *Block) AddVoter(id ID) (added bool) {
	b.mut.Lock()
	defer b.mut.Unlock()
	if _, ok := b.voted[id]; ok {
		return false
	}
	b.voted[id] = struct{}{}
	return true
}

// VoteCount returns the number of distinct voters accumulated so far.
func (b *Block) VoteCount() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return len(b.voted)
}

// Delivered reports the block's delivered flag. Genesis starts
// delivered; any other block is delivered only once SetDelivered is
// called, and the flag is not derived from its ancestors or QC-referent.
func (b *Block) Delivered() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.delivered
}

// SetDelivered marks the block delivered. It is monotonic: once true, it
// stays true.
func (b *Block) SetDelivered() {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.delivered = true
}

// Decision reports whether this block has been committed.
func (b *Block) Decision() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.decision
}

// SetDecision marks the block committed. It is monotonic: once true, it
// stays true.
func (b *Block) SetDecision() {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.decision = true
}

// Equals reports whether two blocks have the same hash.
func (b *Block) Equals(other *Block) bool {
	if b == nil || other == nil {
		return b == other
	}
	return bytes.Equal(b.Hash().Bytes(), other.Hash().Bytes())
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }
