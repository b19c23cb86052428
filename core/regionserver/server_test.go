package regionserver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/transaction"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
)

type serverFixture struct {
	srv    *Server
	log    *txnlog.LogManager
	leases *transaction.LeaseRegistry
	logDir string
	logger *zap.Logger
}

func setupServer(t *testing.T, logCfg txnlog.Config) *serverFixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	logDir := t.TempDir()
	lm, err := txnlog.NewLogManager(logDir, logCfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	leases := transaction.NewLeaseRegistry(time.Minute, time.Second, logger)
	srv := NewServer(lm, leases, logger)
	return &serverFixture{srv: srv, log: lm, leases: leases, logDir: logDir, logger: logger}
}

func TestDispatchToUnknownRegion(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})

	err := fx.srv.Begin("nowhere", 1)
	require.ErrorIs(t, err, ErrRegionNotServing)
	_, _, err = fx.srv.Get("nowhere", 0, "k")
	require.ErrorIs(t, err, ErrRegionNotServing)

	// Failed dispatches still count as requests.
	require.Equal(t, uint64(2), fx.srv.RequestCount())
}

func TestOpenRegionTwice(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})

	_, err := fx.srv.OpenRegion("dup", KeyRange{})
	require.NoError(t, err)
	_, err = fx.srv.OpenRegion("dup", KeyRange{})
	require.ErrorIs(t, err, ErrRegionAlreadyOpen)
}

func TestRequestCounterCoversEveryDispatch(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("r", KeyRange{})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Begin("r", 1))
	require.NoError(t, fx.srv.Put("r", 1, []kvstore.Item{{Key: "a", Value: []byte("1")}}))
	_, _, err = fx.srv.Get("r", 1, "a")
	require.NoError(t, err)
	ok, err := fx.srv.CommitIfPossible("r", 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, uint64(4), fx.srv.RequestCount())

	// Status is observability, not a client request.
	_ = fx.srv.Status()
	require.Equal(t, uint64(4), fx.srv.RequestCount())
}

func TestAbortOnMissingRegionIsBenign(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})

	// Aborting against a region this server no longer serves achieves what
	// the caller wanted: the transaction is not running there.
	require.NoError(t, fx.srv.Abort("gone", 42))

	// Every other operation still reports the routing failure.
	require.ErrorIs(t, fx.srv.Begin("gone", 42), ErrRegionNotServing)
}

func TestScannerLifecycle(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("r", KeyRange{})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Put("r", 0, []kvstore.Item{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	}))

	id, err := fx.srv.OpenScanner("r", 0, "", "", 0)
	require.NoError(t, err)

	rows, err := fx.srv.ScannerNext(id, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, itemKeys(rows))

	rows, err = fx.srv.ScannerNext(id, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, itemKeys(rows))

	rows, err = fx.srv.ScannerNext(id, 2)
	require.NoError(t, err)
	require.Empty(t, rows)

	require.NoError(t, fx.srv.ScannerClose(id))
	_, err = fx.srv.ScannerNext(id, 1)
	require.ErrorIs(t, err, ErrUnknownScanner)
	require.ErrorIs(t, fx.srv.ScannerClose(id), ErrUnknownScanner)
}

func TestScannerRejectsBadArguments(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("r", KeyRange{})
	require.NoError(t, err)

	_, err = fx.srv.OpenScanner("", 0, "", "", 0)
	require.ErrorIs(t, err, ErrNilArgument)
	_, err = fx.srv.OpenScanner("r", 0, "", "", -1)
	require.ErrorIs(t, err, ErrNilArgument)

	id, err := fx.srv.OpenScanner("r", 0, "", "", 0)
	require.NoError(t, err)
	_, err = fx.srv.ScannerNext(id, 0)
	require.ErrorIs(t, err, ErrNilArgument)
}

func TestTransactionalScannerSeesOwnWrites(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("r", KeyRange{})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Put("r", 0, []kvstore.Item{{Key: "base", Value: []byte("old")}}))

	require.NoError(t, fx.srv.Begin("r", 9))
	require.NoError(t, fx.srv.Put("r", 9, []kvstore.Item{{Key: "mine", Value: []byte("new")}}))
	require.NoError(t, fx.srv.Delete("r", 9, []string{"base"}))

	id, err := fx.srv.OpenScanner("r", 9, "", "", 0)
	require.NoError(t, err)
	rows, err := fx.srv.ScannerNext(id, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"mine"}, itemKeys(rows))

	require.NoError(t, fx.srv.ScannerClose(id))
	require.NoError(t, fx.srv.Abort("r", 9))
}

func TestRemoveRegionTwiceIsBenign(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("tmp", KeyRange{})
	require.NoError(t, err)
	require.NoError(t, fx.srv.Begin("tmp", 1))
	require.NoError(t, fx.srv.Put("tmp", 1, []kvstore.Item{{Key: "k", Value: []byte("v")}}))
	ok, err := fx.srv.CommitIfPossible("tmp", 1)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := fx.srv.RemoveRegion(context.Background(), "tmp")
	require.NoError(t, err)
	require.True(t, result.Removed)

	// The second removal finds nothing to do and says so without failing.
	result, err = fx.srv.RemoveRegion(context.Background(), "tmp")
	require.NoError(t, err)
	require.True(t, result.AlreadyRemoved)
	require.False(t, result.Removed)
}

func TestSplitRegionDividesKeyspace(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("users", KeyRange{})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Begin("users", 1))
	require.NoError(t, fx.srv.Put("users", 1, []kvstore.Item{
		{Key: "alice", Value: []byte("1")},
		{Key: "bob", Value: []byte("2")},
		{Key: "mallory", Value: []byte("3")},
		{Key: "zed", Value: []byte("4")},
	}))
	ok, err := fx.srv.CommitIfPossible("users", 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t,
		fx.srv.SplitRegion(context.Background(), "users", "", "users-a", "users-b"),
		ErrNilArgument)

	require.NoError(t, fx.srv.SplitRegion(context.Background(), "users", "m", "users-a", "users-b"))

	// The parent is gone; the children own its halves.
	require.ErrorIs(t, fx.srv.Begin("users", 2), ErrRegionNotServing)

	left, err := fx.srv.OpenScanner("users-a", 0, "", "", 0)
	require.NoError(t, err)
	rows, err := fx.srv.ScannerNext(left, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, itemKeys(rows))

	right, err := fx.srv.OpenScanner("users-b", 0, "", "", 0)
	require.NoError(t, err)
	rows, err = fx.srv.ScannerNext(right, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"mallory", "zed"}, itemKeys(rows))

	// Keys route by the new ranges.
	err = fx.srv.Put("users-a", 0, []kvstore.Item{{Key: "zz", Value: []byte("x")}})
	require.ErrorIs(t, err, ErrKeyOutOfRange)
	require.NoError(t, fx.srv.Put("users-b", 0, []kvstore.Item{{Key: "zz", Value: []byte("x")}}))
}

func TestSplitSeedsSurviveRestart(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("users", KeyRange{})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Begin("users", 1))
	require.NoError(t, fx.srv.Put("users", 1, []kvstore.Item{
		{Key: "a", Value: []byte("1")},
		{Key: "z", Value: []byte("2")},
	}))
	ok, err := fx.srv.CommitIfPossible("users", 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, fx.srv.SplitRegion(context.Background(), "users", "m", "users-a", "users-b"))

	// Restart: new log manager over the same directory, fresh stores.
	require.NoError(t, fx.srv.Shutdown(context.Background()))
	require.NoError(t, fx.log.Close())

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	lm, err := txnlog.NewLogManager(fx.logDir, txnlog.Config{}, logger)
	require.NoError(t, err)
	defer lm.Close()

	leases := transaction.NewLeaseRegistry(time.Minute, time.Second, logger)
	srv := NewServer(lm, leases, logger)
	_, err = srv.OpenRegion("users-a", KeyRange{End: "m"})
	require.NoError(t, err)
	_, err = srv.OpenRegion("users-b", KeyRange{Start: "m"})
	require.NoError(t, err)

	v, found, err := srv.Get("users-a", 0, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
	v, found, err = srv.Get("users-b", 0, "z")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), v)
}

func TestLogWriteFailureStopsServer(t *testing.T) {
	// A tiny segment limit forces the next append to roll to a new segment
	// file, which must fail once the log directory is gone.
	fx := setupServer(t, txnlog.Config{SegmentSizeLimit: 64})
	_, err := fx.srv.OpenRegion("r", KeyRange{})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Begin("r", 1))
	require.NoError(t, os.RemoveAll(fx.logDir))

	err = fx.srv.Put("r", 1, []kvstore.Item{{Key: "k", Value: []byte("v")}})
	require.Error(t, err)
	var lwe *txnlog.LogWriteError
	require.ErrorAs(t, err, &lwe)

	// The failed append triggered the storage probe, which failed too.
	require.True(t, fx.srv.Stopped())
	require.ErrorIs(t, fx.srv.Begin("r", 2), ErrServerStopped)
	_, err = fx.srv.OpenScanner("r", 0, "", "", 0)
	require.ErrorIs(t, err, ErrServerStopped)
}

func TestShutdownDrainsAllRegions(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	r1, err := fx.srv.OpenRegion("r1", KeyRange{})
	require.NoError(t, err)
	_, err = fx.srv.OpenRegion("r2", KeyRange{})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Begin("r1", 1))
	require.NoError(t, fx.srv.Put("r1", 1, []kvstore.Item{{Key: "k", Value: []byte("v")}}))

	// The dispatcher refuses new requests the moment shutdown starts, so an
	// in-flight commit finishes through the region handle it already holds.
	done := make(chan struct{})
	var commitOK bool
	var commitErr error
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		commitOK, commitErr = r1.CommitIfPossible(1)
	}()

	require.NoError(t, fx.srv.Shutdown(context.Background()))
	<-done
	require.NoError(t, commitErr)
	require.True(t, commitOK)
	require.True(t, fx.srv.Stopped())
	require.Equal(t, StateClosed, r1.State())
	require.ErrorIs(t, fx.srv.Begin("r1", 3), ErrServerStopped)
}

func TestStatusReportsServerShape(t *testing.T) {
	fx := setupServer(t, txnlog.Config{})
	_, err := fx.srv.OpenRegion("r", KeyRange{Start: "a", End: "z"})
	require.NoError(t, err)

	require.NoError(t, fx.srv.Begin("r", 1))
	require.NoError(t, fx.srv.Put("r", 1, []kvstore.Item{{Key: "k", Value: []byte("v")}}))

	st := fx.srv.Status()
	require.False(t, st.Stopped)
	require.Equal(t, uint64(2), st.Requests)
	require.Greater(t, st.LastLogSeq, uint64(0))
	require.Equal(t, 1, st.ActiveLeases)
	require.Len(t, st.Regions, 1)
	require.Equal(t, "r", st.Regions[0].Name)
	require.Equal(t, StateOpen.String(), st.Regions[0].State)
	require.Equal(t, 1, st.Regions[0].ActiveTxns)

	require.NoError(t, fx.srv.Abort("r", 1))
}
