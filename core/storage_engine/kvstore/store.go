// Package kvstore provides the ordered key/value engine a region serves its
// committed state from. The transactional layer treats the engine as a
// collaborator: mutations only reach it through a committed write set or
// through log recovery, so everything readable here is durable state.
package kvstore

import (
	"sync"

	"github.com/google/btree"
)

// MutationKind discriminates the operations a write set can carry.
type MutationKind uint8

const (
	MutationPut MutationKind = iota + 1
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationPut:
		return "PUT"
	case MutationDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Mutation is one buffered write. A batch of mutations travels together
// through the transaction log and is applied as a unit.
type Mutation struct {
	Kind  MutationKind `json:"kind"`
	Key   string       `json:"key"`
	Value []byte       `json:"value,omitempty"`
}

// Put builds a MutationPut for key.
func Put(key string, value []byte) Mutation {
	return Mutation{Kind: MutationPut, Key: key, Value: value}
}

// Delete builds a MutationDelete for key.
func Delete(key string) Mutation {
	return Mutation{Kind: MutationDelete, Key: key}
}

// Item is one committed row.
type Item struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Store is the committed-state engine behind a region. Implementations must
// make ApplyBatch atomic with respect to readers: a reader sees none or all
// of a batch.
type Store interface {
	// Get returns the committed value for key, and whether it exists.
	Get(key string) ([]byte, bool)
	// ApplyBatch applies the mutations as one atomic unit.
	ApplyBatch(muts []Mutation) error
	// Scan returns items with startKey <= key < endKey in key order. An
	// empty endKey means no upper bound; limit 0 means no limit.
	Scan(startKey, endKey string, limit int) []Item
	// Len reports the number of live keys.
	Len() int
	// Close releases the engine. Close is idempotent.
	Close() error
}

// MemStore is the default Store: a B-tree held in memory, rebuilt from the
// transaction log on region open.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Item]
}

// treeDegree matches the fan-out used across region stores.
const treeDegree = 32

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tree: btree.NewG(treeDegree, func(a, b Item) bool { return a.Key < b.Key }),
	}
}

// Get implements Store.
func (s *MemStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.tree.Get(Item{Key: key})
	if !ok {
		return nil, false
	}
	return item.Value, true
}

// ApplyBatch implements Store. The whole batch lands under one write lock,
// so readers never observe a half-applied write set.
func (s *MemStore) ApplyBatch(muts []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range muts {
		switch m.Kind {
		case MutationDelete:
			s.tree.Delete(Item{Key: m.Key})
		default:
			s.tree.ReplaceOrInsert(Item{Key: m.Key, Value: m.Value})
		}
	}
	return nil
}

// Scan implements Store.
func (s *MemStore) Scan(startKey, endKey string, limit int) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	s.tree.AscendGreaterOrEqual(Item{Key: startKey}, func(item Item) bool {
		if endKey != "" && item.Key >= endKey {
			return false
		}
		out = append(out, item)
		return limit == 0 || len(out) < limit
	})
	return out
}

// Len implements Store.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}
