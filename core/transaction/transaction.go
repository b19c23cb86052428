// Package transaction implements the per-region transaction layer: an
// optimistic-concurrency coordinator, the lease registry that reclaims
// abandoned transactions, and the transaction table itself. Writes buffer in
// the transaction until a two-phase client-driven commit (commitRequest then
// commit) makes them durable and visible.
package transaction

import (
	"sort"

	"github.com/dgryski/go-farm"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
)

// Status is a transaction's position in its lifecycle. It only moves
// forward: Active -> CommitPending -> Committed or Aborted.
type Status int

const (
	StatusActive Status = iota
	StatusCommitPending
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitPending:
		return "COMMIT_PENDING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is the in-memory record of one open transaction. All fields
// are guarded by the owning Coordinator's mutex.
type Transaction struct {
	id       uint64
	regionID string
	status   Status

	// startSeq is the coordinator's commit counter at begin time. Conflict
	// detection compares this transaction against write sets committed
	// after startSeq.
	startSeq uint64

	// writes is the ordered buffered write set; writeKeys and reads hold
	// key fingerprints for conflict detection.
	writes    []kvstore.Mutation
	writeKeys map[uint64]struct{}
	reads     map[uint64]struct{}
}

func newTransaction(id uint64, regionID string, startSeq uint64) *Transaction {
	return &Transaction{
		id:        id,
		regionID:  regionID,
		status:    StatusActive,
		startSeq:  startSeq,
		writeKeys: make(map[uint64]struct{}),
		reads:     make(map[uint64]struct{}),
	}
}

// fingerprint maps a key into the space conflict detection works in.
func fingerprint(key string) uint64 {
	return farm.Fingerprint64([]byte(key))
}

func (t *Transaction) addRead(key string) {
	t.reads[fingerprint(key)] = struct{}{}
}

func (t *Transaction) addWrites(muts []kvstore.Mutation) {
	for _, m := range muts {
		t.writes = append(t.writes, m)
		t.writeKeys[fingerprint(m.Key)] = struct{}{}
	}
}

// lookup resolves key against the buffered write set. buffered reports
// whether this transaction wrote the key at all; when it did, exists and
// value carry the effect of its latest buffered mutation (a delete hides
// any store value).
func (t *Transaction) lookup(key string) (value []byte, exists bool, buffered bool) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		m := t.writes[i]
		if m.Key != key {
			continue
		}
		if m.Kind == kvstore.MutationDelete {
			return nil, false, true
		}
		return m.Value, true, true
	}
	return nil, false, false
}

// overlayScan merges the buffered write set into a committed-state scan of
// [startKey, endKey). Items come back in key order.
func (t *Transaction) overlayScan(base []kvstore.Item, startKey, endKey string) []kvstore.Item {
	if len(t.writes) == 0 {
		return base
	}

	merged := make(map[string][]byte, len(base))
	for _, item := range base {
		merged[item.Key] = item.Value
	}
	for _, m := range t.writes {
		if m.Key < startKey || (endKey != "" && m.Key >= endKey) {
			continue
		}
		if m.Kind == kvstore.MutationDelete {
			delete(merged, m.Key)
			continue
		}
		merged[m.Key] = m.Value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]kvstore.Item, 0, len(keys))
	for _, key := range keys {
		out = append(out, kvstore.Item{Key: key, Value: merged[key]})
	}
	return out
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// RegionID returns the owning region.
func (t *Transaction) RegionID() string { return t.regionID }

// Status returns the current lifecycle status.
func (t *Transaction) Status() Status { return t.status }
