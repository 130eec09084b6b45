// Package persistence provides optional durability: a badger-backed
// key/value store recording this replica's last-voted view and the hash
// of its most recently committed block, so that a restarted replica
// never re-votes in an already-passed view.
package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/relab/kauri"
)

var (
	keyLastVote      = []byte("last_vote")
	keyCommittedHash = []byte("committed_block_hash")
)

// StateStore persists the small amount of state a replica must not
// forget across restarts.
type StateStore struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database at dir.
func Open(dir string) (*StateStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to open state store at %s: %w", dir, err)
	}
	return &StateStore{db: db}, nil
}

// OpenInMemory opens an ephemeral, in-memory-only store, for tests and
// single-process simulation runs that do not need durability across
// restarts.
func OpenInMemory() (*StateStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to open in-memory state store: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// GetLastVote returns the last view this replica voted in, or 0 if none
// has been recorded yet.
func (s *StateStore) GetLastVote() (kauri.View, error) {
	var view kauri.View
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastVote)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			view = kauri.View(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("persistence: GetLastVote: %w", err)
	}
	return view, nil
}

// SetLastVote records view as the last view this replica voted in.
func (s *StateStore) SetLastVote(view kauri.View) error {
	b := view.ToBytes()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyLastVote, b[:])
	})
	if err != nil {
		return fmt.Errorf("persistence: SetLastVote: %w", err)
	}
	return nil
}

// GetCommittedBlockHash returns the hash of the most recently committed
// block, or false if none has been recorded yet.
func (s *StateStore) GetCommittedBlockHash() (kauri.Hash, bool, error) {
	var hash kauri.Hash
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyCommittedHash)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			copy(hash[:], val)
			return nil
		})
	})
	if err != nil {
		return kauri.Hash{}, false, fmt.Errorf("persistence: GetCommittedBlockHash: %w", err)
	}
	return hash, found, nil
}

// SetCommittedBlockHash records hash as the most recently committed
// block.
func (s *StateStore) SetCommittedBlockHash(hash kauri.Hash) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyCommittedHash, hash.Bytes())
	})
	if err != nil {
		return fmt.Errorf("persistence: SetCommittedBlockHash: %w", err)
	}
	return nil
}
