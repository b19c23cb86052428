package regionserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/transaction"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
)

type regionFixture struct {
	region *Region
	store  *kvstore.MemStore
	log    *txnlog.LogManager
	leases *transaction.LeaseRegistry
	logDir string
	logger *zap.Logger
}

func setupRegion(t *testing.T, name string, kr KeyRange) *regionFixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	logDir := t.TempDir()
	lm, err := txnlog.NewLogManager(logDir, txnlog.Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	store := kvstore.NewMemStore()
	leases := transaction.NewLeaseRegistry(time.Minute, time.Second, logger)
	r, err := OpenRegion(name, kr, store, lm, leases, logger)
	require.NoError(t, err)

	return &regionFixture{region: r, store: store, log: lm, leases: leases, logDir: logDir, logger: logger}
}

func TestKeyRangeContains(t *testing.T) {
	cases := []struct {
		kr   KeyRange
		key  string
		want bool
	}{
		{KeyRange{}, "anything", true},
		{KeyRange{Start: "b"}, "a", false},
		{KeyRange{Start: "b"}, "b", true},
		{KeyRange{Start: "b", End: "m"}, "m", false},
		{KeyRange{Start: "b", End: "m"}, "lzzz", true},
		{KeyRange{End: "m"}, "", true},
		{KeyRange{End: "m"}, "z", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.kr.Contains(tc.key), "range %s key %q", tc.kr, tc.key)
	}
}

func TestRegionEnforcesKeyRange(t *testing.T) {
	fx := setupRegion(t, "mid", KeyRange{Start: "b", End: "m"})
	r := fx.region

	require.NoError(t, r.Begin(1))

	err := r.Put(1, []kvstore.Item{{Key: "a", Value: []byte("x")}})
	require.ErrorIs(t, err, ErrKeyOutOfRange)
	err = r.Put(1, []kvstore.Item{{Key: "m", Value: []byte("x")}})
	require.ErrorIs(t, err, ErrKeyOutOfRange)

	// A batch with one bad key buffers nothing, even its valid keys.
	err = r.Put(1, []kvstore.Item{
		{Key: "c", Value: []byte("ok")},
		{Key: "z", Value: []byte("bad")},
	})
	require.ErrorIs(t, err, ErrKeyOutOfRange)
	_, found, err := r.Get(1, "c")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, r.Put(1, []kvstore.Item{{Key: "c", Value: []byte("ok")}}))
	_, err = r.Get(1, "z")
	require.ErrorIs(t, err, ErrKeyOutOfRange)

	ok, err := r.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNonTransactionalFastPath(t *testing.T) {
	fx := setupRegion(t, "plain", KeyRange{})
	r := fx.region

	require.NoError(t, r.Put(0, []kvstore.Item{{Key: "k", Value: []byte("v")}}))
	v, found, err := r.Get(0, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, r.Delete(0, []string{"k"}))
	_, found, err = r.Get(0, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRegionScanClampsToRange(t *testing.T) {
	fx := setupRegion(t, "mid", KeyRange{Start: "b", End: "m"})
	r := fx.region

	require.NoError(t, r.Put(0, []kvstore.Item{
		{Key: "b", Value: []byte("1")},
		{Key: "c", Value: []byte("2")},
		{Key: "l", Value: []byte("3")},
	}))

	// An unbounded scan request only ever sees the region's own range.
	items, err := r.Scan(0, "", "", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "l"}, itemKeys(items))

	items, err = r.Scan(0, "c", "zzz", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "l"}, itemKeys(items))
}

func TestRegionCloseDrainsOpenTransactions(t *testing.T) {
	fx := setupRegion(t, "drain", KeyRange{})
	r := fx.region

	require.NoError(t, r.Begin(7))
	require.NoError(t, r.Put(7, []kvstore.Item{{Key: "k", Value: []byte("v")}}))

	done := make(chan struct{})
	var commitOK bool
	var commitErr error
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		commitOK, commitErr = r.CommitIfPossible(7)
	}()

	require.NoError(t, r.Close())
	<-done
	require.NoError(t, commitErr)
	require.True(t, commitOK)

	require.Equal(t, StateClosed, r.State())
	require.ErrorIs(t, r.Begin(8), ErrRegionNotServing)
	_, _, err := r.Get(0, "k")
	require.ErrorIs(t, err, ErrRegionNotServing)
}

func TestRegionRecoversCommittedStateOnOpen(t *testing.T) {
	fx := setupRegion(t, "reborn", KeyRange{})
	r := fx.region

	require.NoError(t, r.Begin(1))
	require.NoError(t, r.Put(1, []kvstore.Item{{Key: "k1", Value: []byte("v1")}}))
	ok, err := r.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, ok)

	// A transaction that never commits must not survive the restart.
	require.NoError(t, r.Begin(2))
	require.NoError(t, r.Put(2, []kvstore.Item{{Key: "k2", Value: []byte("v2")}}))

	require.NoError(t, r.Abort(2))
	require.NoError(t, r.Close())
	require.NoError(t, fx.log.Close())

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	lm, err := txnlog.NewLogManager(fx.logDir, txnlog.Config{}, logger)
	require.NoError(t, err)
	defer lm.Close()

	reopened, err := OpenRegion("reborn", KeyRange{}, kvstore.NewMemStore(), lm, fx.leases, logger)
	require.NoError(t, err)
	defer reopened.Close()

	stats := reopened.RecoveryStats()
	require.Equal(t, 1, stats.CommittedTxns)
	require.Equal(t, 1, stats.AbortedTxns)

	v, found, err := reopened.Get(0, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
	_, found, err = reopened.Get(0, "k2")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDestroyArchivesRegionLog(t *testing.T) {
	fx := setupRegion(t, "doomed", KeyRange{})
	r := fx.region

	require.NoError(t, r.Begin(1))
	require.NoError(t, r.Put(1, []kvstore.Item{{Key: "k", Value: []byte("v")}}))
	ok, err := r.CommitIfPossible(1)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := r.Destroy(context.Background())
	require.NoError(t, err)
	require.True(t, result.Removed)
	require.False(t, result.AlreadyRemoved)
	require.Greater(t, result.SegmentsArchived, 0)

	// The live log directory is gone, the archived copy is not.
	_, err = os.Stat(filepath.Join(fx.logDir, "doomed"))
	require.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(filepath.Join(fx.logDir, txnlog.OrphanedDirName))
	require.NoError(t, err)
	var archiveFound bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "doomed-") {
			archiveFound = true
		}
	}
	require.True(t, archiveFound)
}

func itemKeys(items []kvstore.Item) []string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	return keys
}
