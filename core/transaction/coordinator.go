package transaction

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
)

// CommitVote is the outcome of the validation phase. A conflict is an
// expected answer, not an error.
type CommitVote int

const (
	VoteCommittable CommitVote = iota + 1
	VoteConflict
)

func (v CommitVote) String() string {
	switch v {
	case VoteCommittable:
		return "COMMITTABLE"
	case VoteConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// CommitEvent describes one durably committed transaction.
type CommitEvent struct {
	RegionID  string
	TxnID     uint64
	Seq       uint64 // log sequence of the COMMIT record
	Mutations []kvstore.Mutation
}

// CommitObserver is notified after every commit, in commit order. Observers
// run on the committing goroutine with the coordinator locked, so they must
// hand work off quickly and never call back into the coordinator.
type CommitObserver interface {
	TransactionCommitted(ev CommitEvent)
}

// committedTxn is one entry in the conflict-detection window: the write-set
// fingerprints of a committed transaction, stamped with its position in the
// region's commit order.
type committedTxn struct {
	seq  uint64
	at   time.Time
	keys map[uint64]struct{}
}

// failedTxn remembers why an id left the table without committing, so a
// late commit retry can be answered honestly instead of with a silent
// success.
type failedTxn struct {
	at     time.Time
	reason string
}

// Coordinator owns one region's transaction table and drives the optimistic
// commit protocol over it. All state transitions serialize on one mutex;
// the validate-and-log step of commitRequest is therefore atomic within the
// region.
type Coordinator struct {
	regionID string
	store    kvstore.Store
	log      *txnlog.LogManager
	leases   *LeaseRegistry
	logger   *zap.Logger

	mu      sync.Mutex
	drained *sync.Cond
	txns    map[uint64]*Transaction

	// commitSeq counts committed writing transactions; committed holds the
	// window of their write sets, ascending by seq.
	commitSeq uint64
	committed []committedTxn

	recentlyFailed map[uint64]failedTxn
	observers      []CommitObserver
	closing        bool
}

// NewCoordinator builds the coordinator for one region.
func NewCoordinator(regionID string, store kvstore.Store, log *txnlog.LogManager, leases *LeaseRegistry, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		regionID:       regionID,
		store:          store,
		log:            log,
		leases:         leases,
		logger:         logger.Named("txn").With(zap.String("regionID", regionID)),
		txns:           make(map[uint64]*Transaction),
		recentlyFailed: make(map[uint64]failedTxn),
	}
	c.drained = sync.NewCond(&c.mu)
	return c
}

// AddObserver registers a commit observer.
func (c *Coordinator) AddObserver(o CommitObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Begin registers a new transaction under the client-assigned id. The BEGIN
// record is durable before the transaction exists in memory.
func (c *Coordinator) Begin(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrRegionClosing
	}
	if _, ok := c.txns[id]; ok {
		return ErrTxnAlreadyExists
	}

	if _, err := c.appendLocked(id, txnlog.RecordBegin, nil); err != nil {
		return err
	}

	t := newTransaction(id, c.regionID, c.commitSeq)
	c.txns[id] = t
	if err := c.leases.Create(id, func() error { return c.expireTransaction(id) }); err != nil {
		// The id is alive in another region on this server. Drop the local
		// state; recovery treats the lone BEGIN as abandoned.
		delete(c.txns, id)
		return fmt.Errorf("transaction id in use elsewhere on this server: %w", err)
	}

	c.logger.Debug("Transaction begun", zap.Uint64("txnID", id))
	return nil
}

// Get reads key as the transaction sees it: its own latest buffered write
// for the key if any, otherwise the store's committed value. The key joins
// the read set either way.
func (c *Coordinator) Get(id uint64, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.lookupLocked(id)
	if err != nil {
		return nil, false, err
	}
	if t.status != StatusActive {
		return nil, false, ErrTxnNotActive
	}

	t.addRead(key)
	if value, exists, buffered := t.lookup(key); buffered {
		return value, exists, nil
	}
	value, exists := c.store.Get(key)
	return value, exists, nil
}

// Put buffers a batch of put mutations. The batch is durable in the log
// before it is buffered, and it joins the write set as one unit.
func (c *Coordinator) Put(id uint64, muts []kvstore.Mutation) error {
	return c.appendWrites(id, muts)
}

// Delete buffers deletes for the given keys.
func (c *Coordinator) Delete(id uint64, keys []string) error {
	muts := make([]kvstore.Mutation, 0, len(keys))
	for _, key := range keys {
		muts = append(muts, kvstore.Delete(key))
	}
	return c.appendWrites(id, muts)
}

func (c *Coordinator) appendWrites(id uint64, muts []kvstore.Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.status != StatusActive {
		return ErrTxnNotActive
	}
	if len(muts) == 0 {
		return nil
	}

	if _, err := c.appendLocked(id, txnlog.RecordWrite, muts); err != nil {
		// A write that cannot be logged kills the transaction: without the
		// log entry the write set could never be recovered.
		c.abortLocalLocked(t, "log write failed")
		return err
	}
	t.addWrites(muts)
	return nil
}

// CommitRequest validates the transaction against everything committed
// since it began. On conflict the transaction is gone when the call
// returns; otherwise it is COMMIT_PENDING and only commit or abort can
// finish it.
func (c *Coordinator) CommitRequest(id uint64) (CommitVote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.lookupLocked(id)
	if err != nil {
		return 0, err
	}
	if t.status == StatusCommitPending {
		// The client retried after a lost reply; the earlier vote stands.
		return VoteCommittable, nil
	}

	if c.hasConflictLocked(t) {
		_, appendErr := c.appendLocked(id, txnlog.RecordAbort, nil)
		c.abortLocalLocked(t, "conflict")
		c.logger.Debug("Commit request conflicted", zap.Uint64("txnID", id))
		if appendErr != nil {
			return 0, appendErr
		}
		return VoteConflict, nil
	}

	if _, err := c.appendLocked(id, txnlog.RecordCommitPending, nil); err != nil {
		c.abortLocalLocked(t, "log write failed")
		return 0, err
	}
	t.status = StatusCommitPending
	return VoteCommittable, nil
}

// Commit applies a prepared transaction: durable COMMIT record, write set
// into the store, observers notified, transaction retired. Committing an id
// that is no longer tracked is a success so clients can retry after a lost
// reply; ids that recently failed instead report why.
func (c *Coordinator) Commit(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txns[id]
	if !ok {
		if f, failed := c.recentlyFailedLocked(id); failed {
			return fmt.Errorf("%w: %s", ErrTxnNotFound, f.reason)
		}
		return nil
	}
	c.leases.Renew(id)

	if t.status == StatusActive {
		return ErrTxnNotPrepared
	}

	seq, err := c.appendLocked(id, txnlog.RecordCommit, nil)
	if err != nil {
		// The commit decision is not durable; the transaction stays
		// COMMIT_PENDING so a retry (or recovery) can settle it.
		return err
	}

	t.status = StatusCommitted
	applyErr := c.store.ApplyBatch(t.writes)

	if len(t.writeKeys) > 0 {
		c.commitSeq++
		c.committed = append(c.committed, committedTxn{
			seq:  c.commitSeq,
			at:   time.Now(),
			keys: t.writeKeys,
		})
		c.trimCommittedLocked()
	}

	delete(c.txns, id)
	c.leases.Cancel(id)
	c.drained.Broadcast()

	ev := CommitEvent{RegionID: c.regionID, TxnID: id, Seq: seq, Mutations: t.writes}
	for _, o := range c.observers {
		o.TransactionCommitted(ev)
	}

	c.logger.Debug("Transaction committed",
		zap.Uint64("txnID", id), zap.Uint64("seq", seq), zap.Int("writes", len(t.writes)))

	if applyErr != nil {
		// The commit is durable and recovery will redo it; surface the
		// store failure so the dispatcher can check storage health.
		return fmt.Errorf("commit logged but store apply failed: %w", applyErr)
	}
	return nil
}

// CommitIfPossible runs the whole two-phase protocol in one call and
// reports whether the transaction committed (false means conflict).
func (c *Coordinator) CommitIfPossible(id uint64) (bool, error) {
	vote, err := c.CommitRequest(id)
	if err != nil {
		return false, err
	}
	if vote == VoteConflict {
		return false, nil
	}
	if err := c.Commit(id); err != nil {
		return false, err
	}
	return true, nil
}

// Abort discards the transaction from ACTIVE or COMMIT_PENDING. Aborting an
// untracked id succeeds silently; the sweep may have reclaimed it first.
func (c *Coordinator) Abort(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txns[id]
	if !ok {
		return nil
	}

	_, appendErr := c.appendLocked(id, txnlog.RecordAbort, nil)
	c.abortLocalLocked(t, "client abort")
	c.logger.Debug("Transaction aborted", zap.Uint64("txnID", id))
	return appendErr
}

// Touch renews the transaction's lease, for RPCs that reference it without
// going through another coordinator operation.
func (c *Coordinator) Touch(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.lookupLocked(id)
	return err
}

// ScanSnapshot materializes the transaction's view of [startKey, endKey):
// committed state overlaid with its own buffered writes. Returned keys join
// the read set.
func (c *Coordinator) ScanSnapshot(id uint64, startKey, endKey string, limit int) ([]kvstore.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if t.status != StatusActive {
		return nil, ErrTxnNotActive
	}

	items := t.overlayScan(c.store.Scan(startKey, endKey, 0), startKey, endKey)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	for _, item := range items {
		t.addRead(item.Key)
	}
	return items, nil
}

// Counts reports how many transactions are ACTIVE and COMMIT_PENDING.
func (c *Coordinator) Counts() (active, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.txns {
		switch t.status {
		case StatusActive:
			active++
		case StatusCommitPending:
			pending++
		}
	}
	return active, pending
}

// Closing reports whether drain has started.
func (c *Coordinator) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// PrepareToClose blocks new transactions and waits until every tracked
// transaction reaches a terminal state. In-flight commits and aborts
// proceed normally during the drain, and the lease sweep bounds how long a
// stuck client can hold the drain open.
func (c *Coordinator) PrepareToClose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closing {
		c.closing = true
		c.logger.Info("Region draining before close", zap.Int("openTxns", len(c.txns)))
	}
	for len(c.txns) > 0 {
		c.drained.Wait()
	}
}

// --- internals (all require c.mu held) ---

func (c *Coordinator) lookupLocked(id uint64) (*Transaction, error) {
	t, ok := c.txns[id]
	if !ok {
		if f, failed := c.recentlyFailedLocked(id); failed {
			return nil, fmt.Errorf("%w: %s", ErrTxnNotFound, f.reason)
		}
		return nil, ErrTxnNotFound
	}
	c.leases.Renew(id)
	return t, nil
}

func (c *Coordinator) appendLocked(id uint64, kind txnlog.RecordKind, muts []kvstore.Mutation) (uint64, error) {
	seq, err := c.log.Append(&txnlog.Record{
		TxnID:     id,
		Kind:      kind,
		RegionID:  c.regionID,
		Mutations: muts,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to log %s for txn %d: %w", kind, id, err)
	}
	return seq, nil
}

// hasConflictLocked checks the transaction's read and write sets against
// the write sets committed after it began. Only committed write sets are
// compared; two transactions merely pending against the same key do not
// conflict.
func (c *Coordinator) hasConflictLocked(t *Transaction) bool {
	for i := len(c.committed) - 1; i >= 0; i-- {
		ct := c.committed[i]
		if ct.seq <= t.startSeq {
			break
		}
		for fp := range ct.keys {
			if _, ok := t.reads[fp]; ok {
				return true
			}
			if _, ok := t.writeKeys[fp]; ok {
				return true
			}
		}
	}
	return false
}

// trimCommittedLocked drops window entries no open transaction can still
// conflict with.
func (c *Coordinator) trimCommittedLocked() {
	if len(c.committed) == 0 {
		return
	}
	var minStart uint64
	found := false
	for _, t := range c.txns {
		if t.status != StatusActive {
			continue
		}
		if !found || t.startSeq < minStart {
			minStart = t.startSeq
			found = true
		}
	}
	if !found {
		c.committed = c.committed[:0]
		return
	}
	idx := 0
	for idx < len(c.committed) && c.committed[idx].seq <= minStart {
		idx++
	}
	c.committed = c.committed[idx:]
}

func (c *Coordinator) abortLocalLocked(t *Transaction, reason string) {
	t.status = StatusAborted
	delete(c.txns, t.id)
	c.leases.Cancel(t.id)
	c.rememberFailedLocked(t.id, reason)
	c.drained.Broadcast()
}

func (c *Coordinator) rememberFailedLocked(id uint64, reason string) {
	retention := 2 * c.leases.Timeout()
	cutoff := time.Now().Add(-retention)
	for fid, f := range c.recentlyFailed {
		if f.at.Before(cutoff) {
			delete(c.recentlyFailed, fid)
		}
	}
	c.recentlyFailed[id] = failedTxn{at: time.Now(), reason: reason}
}

func (c *Coordinator) recentlyFailedLocked(id uint64) (failedTxn, bool) {
	f, ok := c.recentlyFailed[id]
	if !ok {
		return failedTxn{}, false
	}
	if time.Since(f.at) > 2*c.leases.Timeout() {
		delete(c.recentlyFailed, id)
		return failedTxn{}, false
	}
	return f, true
}

// expireTransaction is the lease sweep's entry point. The client learns
// about the abort on its next call, which sees ErrTxnNotFound.
func (c *Coordinator) expireTransaction(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txns[id]
	if !ok {
		return nil
	}
	c.logger.Info("Force-aborting transaction with expired lease",
		zap.Uint64("txnID", id), zap.String("status", t.status.String()))

	_, appendErr := c.appendLocked(id, txnlog.RecordAbort, nil)
	c.abortLocalLocked(t, "lease expired")
	return appendErr
}
