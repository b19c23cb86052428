// Package regionserver hosts the per-region serving layer: each Region
// couples a key range with its store and transaction coordinator, and the
// Server dispatches client operations to the right region by name.
package regionserver

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/transaction"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
)

// RegionState tracks where a region is in its serving lifecycle.
type RegionState int32

const (
	StateOpen RegionState = iota
	StateClosing
	StateClosed
)

func (s RegionState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// KeyRange is the half-open interval [Start, End) a region serves.
// An empty Start means "from the beginning of the keyspace"; an empty End
// means "to the end of the keyspace".
type KeyRange struct {
	Start string `toml:"start_key" json:"startKey"`
	End   string `toml:"end_key" json:"endKey"`
}

// Contains reports whether key falls inside the range.
func (kr KeyRange) Contains(key string) bool {
	if key < kr.Start {
		return false
	}
	if kr.End != "" && key >= kr.End {
		return false
	}
	return true
}

// ContainsRange reports whether the half-open interval [start, end) lies
// entirely inside the range. An empty end means "to the end of the keyspace".
func (kr KeyRange) ContainsRange(start, end string) bool {
	if start < kr.Start {
		return false
	}
	if kr.End == "" {
		return true
	}
	if end == "" || end > kr.End {
		return false
	}
	return true
}

func (kr KeyRange) String() string {
	return fmt.Sprintf("[%q, %q)", kr.Start, kr.End)
}

// Region is a single serving unit: a key range, its store, and the
// transaction coordinator that fronts all mutations to it.
type Region struct {
	name     string
	keyRange KeyRange
	store    kvstore.Store
	coord    *transaction.Coordinator
	log      *txnlog.LogManager
	logger   *zap.Logger

	state atomic.Int32

	// recovery captures what log replay rebuilt when the region opened.
	recovery txnlog.RecoveryStats
}

// OpenRegion replays the region's transaction log into store, then wires a
// coordinator on top and returns the region in the OPEN state. The store is
// expected to be empty; replay rebuilds every committed transaction that the
// log remembers.
func OpenRegion(name string, keyRange KeyRange, store kvstore.Store, log *txnlog.LogManager, leases *transaction.LeaseRegistry, logger *zap.Logger) (*Region, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: region name", ErrNilArgument)
	}
	if store == nil || log == nil || leases == nil {
		return nil, fmt.Errorf("%w: region dependencies", ErrNilArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stats, err := txnlog.RecoverRegion(log, name, store.ApplyBatch, logger)
	if err != nil {
		return nil, fmt.Errorf("recover region %s: %w", name, err)
	}

	r := &Region{
		name:     name,
		keyRange: keyRange,
		store:    store,
		coord:    transaction.NewCoordinator(name, store, log, leases, logger),
		log:      log,
		logger:   logger.Named("region").With(zap.String("region", name)),
		recovery: stats,
	}
	r.state.Store(int32(StateOpen))
	r.logger.Info("Region opened",
		zap.String("range", keyRange.String()),
		zap.Int("recoveredTxns", stats.CommittedTxns),
		zap.Int("appliedMutations", stats.AppliedMutations),
	)
	return r, nil
}

// Name returns the region's name.
func (r *Region) Name() string { return r.name }

// Range returns the key range the region serves.
func (r *Region) Range() KeyRange { return r.keyRange }

// State returns the region's lifecycle state.
func (r *Region) State() RegionState { return RegionState(r.state.Load()) }

// RecoveryStats reports what log replay rebuilt when the region opened.
func (r *Region) RecoveryStats() txnlog.RecoveryStats { return r.recovery }

// AddCommitObserver registers an observer for the region's commits.
func (r *Region) AddCommitObserver(obs transaction.CommitObserver) {
	r.coord.AddObserver(obs)
}

// checkServing rejects operations once the region has fully closed. During
// CLOSING the region still serves in-flight transactions; only Begin is
// refused, and the coordinator enforces that itself.
func (r *Region) checkServing() error {
	if r.State() == StateClosed {
		return fmt.Errorf("%w: %s", ErrRegionNotServing, r.name)
	}
	return nil
}

func (r *Region) checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key", ErrNilArgument)
	}
	if !r.keyRange.Contains(key) {
		return fmt.Errorf("%w: key %q not in %s %s", ErrKeyOutOfRange, key, r.name, r.keyRange)
	}
	return nil
}

// Begin starts a transaction in this region.
func (r *Region) Begin(txnID uint64) error {
	if err := r.checkServing(); err != nil {
		return err
	}
	return r.coord.Begin(txnID)
}

// Get reads a key. With txnID zero it reads the committed store state
// directly; otherwise it reads through the transaction, seeing the
// transaction's own buffered writes and recording the read for conflict
// detection.
func (r *Region) Get(txnID uint64, key string) ([]byte, bool, error) {
	if err := r.checkServing(); err != nil {
		return nil, false, err
	}
	if err := r.checkKey(key); err != nil {
		return nil, false, err
	}
	if txnID == 0 {
		val, ok := r.store.Get(key)
		return val, ok, nil
	}
	return r.coord.Get(txnID, key)
}

// Put buffers mutations in a transaction, or applies them directly to the
// store when txnID is zero. Every key is range-checked before anything is
// buffered or applied, so a bad batch changes nothing.
//
// The zero-transaction path bypasses the transaction log: durability of the
// plain write path belongs to the storage engine underneath, not to this
// layer.
func (r *Region) Put(txnID uint64, items []kvstore.Item) error {
	if err := r.checkServing(); err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: no items to put", ErrNilArgument)
	}
	muts := make([]kvstore.Mutation, 0, len(items))
	for _, it := range items {
		if err := r.checkKey(it.Key); err != nil {
			return err
		}
		muts = append(muts, kvstore.Put(it.Key, it.Value))
	}
	if txnID == 0 {
		return r.store.ApplyBatch(muts)
	}
	return r.coord.Put(txnID, muts)
}

// Delete buffers deletes in a transaction, or applies them directly when
// txnID is zero.
func (r *Region) Delete(txnID uint64, keys []string) error {
	if err := r.checkServing(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no keys to delete", ErrNilArgument)
	}
	for _, k := range keys {
		if err := r.checkKey(k); err != nil {
			return err
		}
	}
	if txnID == 0 {
		muts := make([]kvstore.Mutation, 0, len(keys))
		for _, k := range keys {
			muts = append(muts, kvstore.Delete(k))
		}
		return r.store.ApplyBatch(muts)
	}
	return r.coord.Delete(txnID, keys)
}

// Scan returns up to limit items from [startKey, endKey), clamped to the
// region's range. With a non-zero txnID the result overlays the
// transaction's buffered writes on the committed state and the returned keys
// join the transaction's read set.
func (r *Region) Scan(txnID uint64, startKey, endKey string, limit int) ([]kvstore.Item, error) {
	if err := r.checkServing(); err != nil {
		return nil, err
	}
	start, end := r.clampScan(startKey, endKey)
	if txnID == 0 {
		return r.store.Scan(start, end, limit)
	}
	return r.coord.ScanSnapshot(txnID, start, end, limit)
}

func (r *Region) clampScan(startKey, endKey string) (string, string) {
	if startKey < r.keyRange.Start {
		startKey = r.keyRange.Start
	}
	if r.keyRange.End != "" && (endKey == "" || endKey > r.keyRange.End) {
		endKey = r.keyRange.End
	}
	return startKey, endKey
}

// CommitRequest validates the transaction against every commit since it
// began and, if clean, makes it durable as commit-pending.
func (r *Region) CommitRequest(txnID uint64) (transaction.CommitVote, error) {
	if err := r.checkServing(); err != nil {
		return transaction.VoteConflict, err
	}
	return r.coord.CommitRequest(txnID)
}

// Commit finalizes a commit-pending transaction.
func (r *Region) Commit(txnID uint64) error {
	if err := r.checkServing(); err != nil {
		return err
	}
	return r.coord.Commit(txnID)
}

// CommitIfPossible runs the validate and finalize steps in one call.
func (r *Region) CommitIfPossible(txnID uint64) (bool, error) {
	if err := r.checkServing(); err != nil {
		return false, err
	}
	return r.coord.CommitIfPossible(txnID)
}

// Abort abandons a transaction and discards its buffered writes.
func (r *Region) Abort(txnID uint64) error {
	if err := r.checkServing(); err != nil {
		return err
	}
	return r.coord.Abort(txnID)
}

// Touch renews a transaction's lease without doing any work.
func (r *Region) Touch(txnID uint64) error {
	if err := r.checkServing(); err != nil {
		return err
	}
	return r.coord.Touch(txnID)
}

// Counts reports the coordinator's live transaction-table sizes.
func (r *Region) Counts() (active, pending int) {
	return r.coord.Counts()
}

// PrepareToClose moves the region to CLOSING, refuses new transactions, and
// blocks until every tracked transaction reaches a terminal state.
func (r *Region) PrepareToClose() {
	if !r.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	r.logger.Info("Region closing, draining transactions")
	r.coord.PrepareToClose()
}

// SnapshotAll returns every item in the region's committed store. The region
// must be drained first so no transaction can commit underneath the copy.
func (r *Region) SnapshotAll() ([]kvstore.Item, error) {
	return r.store.Scan(r.keyRange.Start, r.keyRange.End, 0), nil
}

// Close drains the region and closes its store. The region's log segments
// stay on disk so the next open can replay them.
func (r *Region) Close() error {
	r.PrepareToClose()
	if !r.state.CompareAndSwap(int32(StateClosing), int32(StateClosed)) {
		return nil
	}
	err := r.store.Close()
	r.logger.Info("Region closed")
	return err
}

// Destroy drains and closes the region, then removes its log segments,
// archiving them under the orphaned directory first. Use this when the
// region is leaving the server for good, not on ordinary shutdown.
func (r *Region) Destroy(ctx context.Context) (txnlog.CleanupResult, error) {
	if err := r.Close(); err != nil {
		return txnlog.CleanupResult{}, err
	}
	return r.log.RemoveRegionLog(ctx, r.name)
}
