package txnlog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
)

// appendTxn drives one transaction through the log up to the given terminal
// kind (0 means leave it without a terminal entry).
func appendTxn(t *testing.T, lm *LogManager, regionID string, txnID uint64, terminal RecordKind, muts ...kvstore.Mutation) {
	t.Helper()
	_, err := lm.Append(beginRecord(regionID, txnID))
	require.NoError(t, err)
	if len(muts) > 0 {
		_, err = lm.Append(writeRecord(regionID, txnID, muts...))
		require.NoError(t, err)
	}
	switch terminal {
	case RecordCommit:
		_, err = lm.Append(&Record{TxnID: txnID, Kind: RecordCommitPending, RegionID: regionID})
		require.NoError(t, err)
		_, err = lm.Append(&Record{TxnID: txnID, Kind: RecordCommit, RegionID: regionID})
		require.NoError(t, err)
	case RecordCommitPending:
		_, err = lm.Append(&Record{TxnID: txnID, Kind: RecordCommitPending, RegionID: regionID})
		require.NoError(t, err)
	case RecordAbort:
		_, err = lm.Append(&Record{TxnID: txnID, Kind: RecordAbort, RegionID: regionID})
		require.NoError(t, err)
	}
}

func TestRecoverAppliesOnlyCommittedTransactions(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	appendTxn(t, lm, "r1", 1, RecordCommit, kvstore.Put("a", []byte("1")))
	appendTxn(t, lm, "r1", 2, RecordCommitPending, kvstore.Put("b", []byte("2")))
	appendTxn(t, lm, "r1", 3, RecordAbort, kvstore.Put("c", []byte("3")))
	appendTxn(t, lm, "r1", 4, 0, kvstore.Put("d", []byte("4")))

	store := kvstore.NewMemStore()
	stats, err := RecoverRegion(lm, "r1", store.ApplyBatch, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, 1, stats.CommittedTxns)
	require.Equal(t, 1, stats.PendingTxns)
	require.Equal(t, 1, stats.AbortedTxns)
	require.Equal(t, 1, stats.AbandonedTxns)
	require.Equal(t, 1, stats.AppliedMutations)

	v, ok := store.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	_, ok = store.Get("b")
	require.False(t, ok)
	_, ok = store.Get("c")
	require.False(t, ok)
	_, ok = store.Get("d")
	require.False(t, ok)
}

func TestRecoverReappliesWritesInLogOrder(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	// Two committed transactions touch the same key; the later one must win.
	appendTxn(t, lm, "r1", 1, RecordCommit, kvstore.Put("k", []byte("old")))
	appendTxn(t, lm, "r1", 2, RecordCommit, kvstore.Put("k", []byte("new")))

	store := kvstore.NewMemStore()
	_, err := RecoverRegion(lm, "r1", store.ApplyBatch, zap.NewNop())
	require.NoError(t, err)

	v, ok := store.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("new"), v)
}

func TestRecoverAcrossReopen(t *testing.T) {
	lm, tempDir := setupLogManager(t)

	appendTxn(t, lm, "r1", 1, RecordCommit,
		kvstore.Put("a", []byte("1")), kvstore.Put("b", []byte("2")))
	appendTxn(t, lm, "r1", 2, RecordCommit, kvstore.Delete("b"))
	require.NoError(t, lm.Close())

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	reopened, err := NewLogManager(tempDir, Config{}, logger)
	require.NoError(t, err)
	defer reopened.Close()

	store := kvstore.NewMemStore()
	stats, err := RecoverRegion(reopened, "r1", store.ApplyBatch, logger)
	require.NoError(t, err)
	require.Equal(t, 2, stats.CommittedTxns)
	require.Equal(t, 3, stats.AppliedMutations)

	v, ok := store.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	_, ok = store.Get("b")
	require.False(t, ok)
}

func TestRecoverEmptyRegion(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	store := kvstore.NewMemStore()
	stats, err := RecoverRegion(lm, "fresh", store.ApplyBatch, zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, stats.Records)
	require.Zero(t, store.Len())
}
