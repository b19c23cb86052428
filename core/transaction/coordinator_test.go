package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
)

type coordinatorFixture struct {
	coord  *Coordinator
	store  *kvstore.MemStore
	log    *txnlog.LogManager
	leases *LeaseRegistry
	logDir string
}

func setupCoordinator(t *testing.T, leaseTimeout time.Duration) *coordinatorFixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	logDir := t.TempDir()
	lm, err := txnlog.NewLogManager(logDir, txnlog.Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	store := kvstore.NewMemStore()
	leases := NewLeaseRegistry(leaseTimeout, time.Second, logger)
	coord := NewCoordinator("regionA", store, lm, leases, logger)

	return &coordinatorFixture{coord: coord, store: store, log: lm, leases: leases, logDir: logDir}
}

func TestCommitMakesWritesVisibleAtomically(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{
		kvstore.Put("a", []byte("1")),
		kvstore.Put("b", []byte("2")),
	}))

	// Nothing is visible outside the transaction before commit.
	_, ok := fx.store.Get("a")
	require.False(t, ok)
	_, ok = fx.store.Get("b")
	require.False(t, ok)

	vote, err := c.CommitRequest(1)
	require.NoError(t, err)
	require.Equal(t, VoteCommittable, vote)
	require.NoError(t, c.Commit(1))

	v, ok := fx.store.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	v, ok = fx.store.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestOverlappingWritersConflict(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(2))
	require.NoError(t, c.Begin(3))

	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("b", []byte("from-2"))}))
	require.NoError(t, c.Put(3, []kvstore.Mutation{kvstore.Put("b", []byte("from-3"))}))

	committed, err := c.CommitIfPossible(2)
	require.NoError(t, err)
	require.True(t, committed)

	vote, err := c.CommitRequest(3)
	require.NoError(t, err)
	require.Equal(t, VoteConflict, vote)

	// The loser's data never lands.
	v, ok := fx.store.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte("from-2"), v)

	// The conflicted transaction is gone from the table.
	_, _, err = c.Get(3, "b")
	require.ErrorIs(t, err, ErrTxnNotFound)
}

func TestReadConflictsWithLaterCommittedWrite(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	_, _, err := c.Get(1, "k")
	require.NoError(t, err)
	// Keep the reader a writer too, so validation is not trivially empty.
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("other", []byte("x"))}))

	require.NoError(t, c.Begin(2))
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("k", []byte("new"))}))
	committed, err := c.CommitIfPossible(2)
	require.NoError(t, err)
	require.True(t, committed)

	vote, err := c.CommitRequest(1)
	require.NoError(t, err)
	require.Equal(t, VoteConflict, vote)
}

func TestDisjointTransactionsDoNotConflict(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("x", []byte("1"))}))

	require.NoError(t, c.Begin(2))
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("y", []byte("2"))}))
	committed, err := c.CommitIfPossible(2)
	require.NoError(t, err)
	require.True(t, committed)

	committed, err = c.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, committed)
}

func TestCommitBeforeBeginDoesNotConflict(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("k", []byte("1"))}))
	committed, err := c.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, committed)

	// Begun after txn 1 committed, so txn 1's write set is out of scope.
	require.NoError(t, c.Begin(2))
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("k", []byte("2"))}))
	committed, err = c.CommitIfPossible(2)
	require.NoError(t, err)
	require.True(t, committed)

	v, ok := fx.store.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestReadOwnWrites(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	// Seed committed state.
	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("seeded", []byte("committed"))}))
	committed, err := c.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, c.Begin(2))

	// A buffered put is visible to its own reads before commit.
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("mine", []byte("buffered"))}))
	v, ok, err := c.Get(2, "mine")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("buffered"), v)

	// A buffered delete hides the committed value.
	require.NoError(t, c.Delete(2, []string{"seeded"}))
	_, ok, err = c.Get(2, "seeded")
	require.NoError(t, err)
	require.False(t, ok)

	// The latest buffered mutation for a key wins.
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("mine", []byte("rewritten"))}))
	v, ok, err = c.Get(2, "mine")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("rewritten"), v)
}

func TestCommitIsIdempotentOnRetry(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))
	vote, err := c.CommitRequest(1)
	require.NoError(t, err)
	require.Equal(t, VoteCommittable, vote)

	require.NoError(t, c.Commit(1))
	// The reply was lost; the client retries.
	require.NoError(t, c.Commit(1))
}

func TestCommitRequestIsIdempotentOnRetry(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))

	for i := 0; i < 2; i++ {
		vote, err := c.CommitRequest(1)
		require.NoError(t, err)
		require.Equal(t, VoteCommittable, vote)
	}
	require.NoError(t, c.Commit(1))
}

func TestCommitWithoutPrepare(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.ErrorIs(t, c.Commit(1), ErrTxnNotPrepared)
}

func TestBeginDuplicateID(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.ErrorIs(t, c.Begin(1), ErrTxnAlreadyExists)
}

func TestOperationsOnUnknownTransaction(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	_, _, err := c.Get(42, "k")
	require.ErrorIs(t, err, ErrTxnNotFound)
	require.ErrorIs(t, c.Put(42, []kvstore.Mutation{kvstore.Put("k", nil)}), ErrTxnNotFound)
	_, err = c.CommitRequest(42)
	require.ErrorIs(t, err, ErrTxnNotFound)
	// Commit on an unknown id is the idempotent-retry success path.
	require.NoError(t, c.Commit(42))
	// Abort on an unknown id succeeds silently.
	require.NoError(t, c.Abort(42))
}

func TestAbortDiscardsBufferedWrites(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))
	require.NoError(t, c.Abort(1))

	_, ok := fx.store.Get("a")
	require.False(t, ok)
	_, _, err := c.Get(1, "a")
	require.ErrorIs(t, err, ErrTxnNotFound)
}

func TestMutationsAfterPrepareAreRejected(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))
	_, err := c.CommitRequest(1)
	require.NoError(t, err)

	require.ErrorIs(t, c.Put(1, []kvstore.Mutation{kvstore.Put("b", nil)}), ErrTxnNotActive)
	_, _, err = c.Get(1, "a")
	require.ErrorIs(t, err, ErrTxnNotActive)
}

func TestLeaseExpiryReclaimsTransaction(t *testing.T) {
	fx := setupCoordinator(t, 50*time.Millisecond)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))

	// Sweep as if the lease timeout passed with no client activity.
	reclaimed := fx.leases.SweepExpired(time.Now().Add(time.Second))
	require.Equal(t, 1, reclaimed)

	// The abort is silent until the client's next call.
	_, _, err := c.Get(1, "a")
	require.ErrorIs(t, err, ErrTxnNotFound)

	// A late commit retry is answered honestly rather than as a success.
	err = c.Commit(1)
	require.ErrorIs(t, err, ErrTxnNotFound)
	require.Contains(t, err.Error(), "lease expired")

	// The reclaimed transaction's writes never became visible.
	_, ok := fx.store.Get("a")
	require.False(t, ok)
}

func TestRenewedLeaseSurvivesSweep(t *testing.T) {
	fx := setupCoordinator(t, time.Hour)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	// Any operation referencing the transaction renews its lease.
	_, _, err := c.Get(1, "a")
	require.NoError(t, err)

	require.Zero(t, fx.leases.SweepExpired(time.Now().Add(30*time.Minute)))
	active, _ := c.Counts()
	require.Equal(t, 1, active)
}

func TestPrepareToCloseDrainsOpenTransactions(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))

	var (
		wg        sync.WaitGroup
		committed bool
		commitErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		committed, commitErr = c.CommitIfPossible(1)
	}()

	// Blocks until the in-flight transaction finishes.
	c.PrepareToClose()
	wg.Wait()
	require.NoError(t, commitErr)
	require.True(t, committed)

	require.True(t, c.Closing())
	require.ErrorIs(t, c.Begin(2), ErrRegionClosing)

	v, ok := fx.store.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestCommitObserverSeesCommitsInOrder(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	var mu sync.Mutex
	var events []CommitEvent
	c.AddObserver(observerFunc(func(ev CommitEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))
	committed, err := c.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, c.Begin(2))
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("b", []byte("2"))}))
	committed, err = c.CommitIfPossible(2)
	require.NoError(t, err)
	require.True(t, committed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].TxnID)
	require.Equal(t, uint64(2), events[1].TxnID)
	require.Equal(t, "regionA", events[0].RegionID)
	require.Less(t, events[0].Seq, events[1].Seq)
	require.Equal(t, "a", events[0].Mutations[0].Key)
}

func TestScanSnapshotMergesBufferedWrites(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{
		kvstore.Put("a", []byte("1")),
		kvstore.Put("b", []byte("2")),
		kvstore.Put("c", []byte("3")),
	}))
	committed, err := c.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, c.Begin(2))
	require.NoError(t, c.Delete(2, []string{"b"}))
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("d", []byte("4"))}))

	items, err := c.ScanSnapshot(2, "", "", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c", "d"}, itemKeys(items))

	// Limit applies after the overlay.
	items, err = c.ScanSnapshot(2, "", "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, itemKeys(items))
}

func TestCommittedStateSurvivesRestart(t *testing.T) {
	fx := setupCoordinator(t, time.Minute)
	c := fx.coord

	require.NoError(t, c.Begin(1))
	require.NoError(t, c.Put(1, []kvstore.Mutation{kvstore.Put("a", []byte("1"))}))
	committed, err := c.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, committed)

	// Prepared but never committed: must not survive.
	require.NoError(t, c.Begin(2))
	require.NoError(t, c.Put(2, []kvstore.Mutation{kvstore.Put("b", []byte("2"))}))
	vote, err := c.CommitRequest(2)
	require.NoError(t, err)
	require.Equal(t, VoteCommittable, vote)

	require.NoError(t, fx.log.Close())

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	reopened, err := txnlog.NewLogManager(fx.logDir, txnlog.Config{}, logger)
	require.NoError(t, err)
	defer reopened.Close()

	rebuilt := kvstore.NewMemStore()
	stats, err := txnlog.RecoverRegion(reopened, "regionA", rebuilt.ApplyBatch, logger)
	require.NoError(t, err)
	require.Equal(t, 1, stats.CommittedTxns)
	require.Equal(t, 1, stats.PendingTxns)

	v, ok := rebuilt.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	_, ok = rebuilt.Get("b")
	require.False(t, ok)
}

type observerFunc func(ev CommitEvent)

func (f observerFunc) TransactionCommitted(ev CommitEvent) { f(ev) }

func itemKeys(items []kvstore.Item) []string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.Key)
	}
	return keys
}
