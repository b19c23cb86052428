package regionserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/transaction"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
)

// Server owns every region hosted by this process and dispatches client
// operations to them. All entry points share the same shape: refuse work
// once the server has stopped, bump the request counter, resolve the region
// by name, then delegate. When a delegate reports a log write failure the
// server probes log storage health and stops itself if the probe fails,
// because a server that cannot make transactions durable must not keep
// accepting them.
type Server struct {
	log    *txnlog.LogManager
	leases *transaction.LeaseRegistry
	logger *zap.Logger

	mu        sync.RWMutex
	regions   map[string]*Region
	scanners  map[uint64]*Scanner
	observers []transaction.CommitObserver

	nextScannerID atomic.Uint64
	requests      atomic.Uint64
	begins        atomic.Uint64
	commits       atomic.Uint64
	conflicts     atomic.Uint64
	aborts        atomic.Uint64
	stopped       atomic.Bool
	startedAt     time.Time
}

// NewServer wires a dispatcher over the shared transaction log and lease
// registry. Regions are added with OpenRegion.
func NewServer(log *txnlog.LogManager, leases *transaction.LeaseRegistry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		log:       log,
		leases:    leases,
		logger:    logger.Named("regionserver"),
		regions:   make(map[string]*Region),
		scanners:  make(map[uint64]*Scanner),
		startedAt: time.Now(),
	}
}

// AddCommitObserver registers an observer on every region the server hosts,
// including regions opened later.
func (s *Server) AddCommitObserver(obs transaction.CommitObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
	for _, r := range s.regions {
		r.AddCommitObserver(obs)
	}
}

// OpenRegion recovers the named region from its log and starts serving it.
func (s *Server) OpenRegion(name string, keyRange KeyRange) (*Region, error) {
	if s.stopped.Load() {
		return nil, ErrServerStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regions[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionAlreadyOpen, name)
	}
	r, err := OpenRegion(name, keyRange, kvstore.NewMemStore(), s.log, s.leases, s.logger)
	if err != nil {
		return nil, err
	}
	for _, obs := range s.observers {
		r.AddCommitObserver(obs)
	}
	s.regions[name] = r
	return r, nil
}

// enter is the common prologue for every dispatched operation.
func (s *Server) enter(regionName string) (*Region, error) {
	if s.stopped.Load() {
		return nil, ErrServerStopped
	}
	s.requests.Add(1)
	if regionName == "" {
		return nil, fmt.Errorf("%w: region name", ErrNilArgument)
	}
	s.mu.RLock()
	r, ok := s.regions[regionName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotServing, regionName)
	}
	return r, nil
}

// escalate inspects an error from a durable operation. A log write failure
// triggers a storage health probe, and a failed probe stops the server.
func (s *Server) escalate(err error) error {
	var lwe *txnlog.LogWriteError
	if err != nil && errors.As(err, &lwe) {
		if herr := s.log.HealthCheck(); herr != nil {
			s.abort(herr)
		}
	}
	return err
}

func (s *Server) abort(cause error) {
	if s.stopped.CompareAndSwap(false, true) {
		s.logger.Error("Log storage health check failed, stopping server", zap.Error(cause))
	}
}

// CheckStorageHealth probes the transaction log's backing storage and stops
// the server if the probe fails. The background checker in the server binary
// calls this on a timer.
func (s *Server) CheckStorageHealth() error {
	if err := s.log.HealthCheck(); err != nil {
		s.abort(err)
		return err
	}
	return nil
}

// Begin starts a transaction in the named region.
func (s *Server) Begin(regionName string, txnID uint64) error {
	r, err := s.enter(regionName)
	if err != nil {
		return err
	}
	if err := s.escalate(r.Begin(txnID)); err != nil {
		return err
	}
	s.begins.Add(1)
	return nil
}

// Get reads one key, through the transaction when txnID is non-zero.
func (s *Server) Get(regionName string, txnID uint64, key string) ([]byte, bool, error) {
	r, err := s.enter(regionName)
	if err != nil {
		return nil, false, err
	}
	return r.Get(txnID, key)
}

// Put writes items, buffered in the transaction when txnID is non-zero.
func (s *Server) Put(regionName string, txnID uint64, items []kvstore.Item) error {
	r, err := s.enter(regionName)
	if err != nil {
		return err
	}
	return s.escalate(r.Put(txnID, items))
}

// Delete removes keys, buffered in the transaction when txnID is non-zero.
func (s *Server) Delete(regionName string, txnID uint64, keys []string) error {
	r, err := s.enter(regionName)
	if err != nil {
		return err
	}
	return s.escalate(r.Delete(txnID, keys))
}

// CommitRequest validates a transaction and votes on its commit.
func (s *Server) CommitRequest(regionName string, txnID uint64) (transaction.CommitVote, error) {
	r, err := s.enter(regionName)
	if err != nil {
		return transaction.VoteConflict, err
	}
	vote, verr := r.CommitRequest(txnID)
	if verr == nil && vote == transaction.VoteConflict {
		s.conflicts.Add(1)
	}
	return vote, s.escalate(verr)
}

// Commit finalizes a commit-pending transaction.
func (s *Server) Commit(regionName string, txnID uint64) error {
	r, err := s.enter(regionName)
	if err != nil {
		return err
	}
	if err := s.escalate(r.Commit(txnID)); err != nil {
		return err
	}
	s.commits.Add(1)
	return nil
}

// CommitIfPossible validates and finalizes in a single call.
func (s *Server) CommitIfPossible(regionName string, txnID uint64) (bool, error) {
	r, err := s.enter(regionName)
	if err != nil {
		return false, err
	}
	ok, cerr := r.CommitIfPossible(txnID)
	if cerr == nil {
		if ok {
			s.commits.Add(1)
		} else {
			s.conflicts.Add(1)
		}
	}
	return ok, s.escalate(cerr)
}

// Abort abandons a transaction. A region that is no longer serving is
// treated as success: whatever state the transaction had there is already
// gone, which is exactly what the caller wanted.
func (s *Server) Abort(regionName string, txnID uint64) error {
	r, err := s.enter(regionName)
	if err != nil {
		if errors.Is(err, ErrRegionNotServing) {
			return nil
		}
		return err
	}
	if err := s.escalate(r.Abort(txnID)); err != nil {
		return err
	}
	s.aborts.Add(1)
	return nil
}

// Touch renews a transaction's lease.
func (s *Server) Touch(regionName string, txnID uint64) error {
	r, err := s.enter(regionName)
	if err != nil {
		return err
	}
	return r.Touch(txnID)
}

// OpenScanner snapshots [startKey, endKey) in the region and returns a
// scanner handle for paging through it. Arguments are checked before any
// other work. A limit of zero means no limit.
func (s *Server) OpenScanner(regionName string, txnID uint64, startKey, endKey string, limit int) (uint64, error) {
	if regionName == "" {
		return 0, fmt.Errorf("%w: region name", ErrNilArgument)
	}
	if limit < 0 {
		return 0, fmt.Errorf("%w: negative scan limit", ErrNilArgument)
	}
	r, err := s.enter(regionName)
	if err != nil {
		return 0, err
	}
	items, err := r.Scan(txnID, startKey, endKey, limit)
	if err != nil {
		return 0, err
	}
	id := s.nextScannerID.Add(1)
	sc := &Scanner{id: id, region: r, txnID: txnID, items: items}
	s.mu.Lock()
	s.scanners[id] = sc
	s.mu.Unlock()
	return id, nil
}

// ScannerNext returns up to n rows from the scanner. For a transactional
// scanner each call also renews the owning transaction's lease, so a client
// paging slowly through a large range does not lose its transaction.
func (s *Server) ScannerNext(scannerID uint64, n int) ([]kvstore.Item, error) {
	if s.stopped.Load() {
		return nil, ErrServerStopped
	}
	s.requests.Add(1)
	if n <= 0 {
		return nil, fmt.Errorf("%w: row batch size %d", ErrNilArgument, n)
	}
	s.mu.RLock()
	sc, ok := s.scanners[scannerID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScanner, scannerID)
	}
	if sc.region.State() == StateClosed {
		s.dropScanner(scannerID)
		return nil, fmt.Errorf("%w: %s", ErrRegionNotServing, sc.region.Name())
	}
	if sc.txnID != 0 {
		if err := sc.region.Touch(sc.txnID); err != nil {
			s.dropScanner(scannerID)
			return nil, err
		}
	}
	return sc.next(n), nil
}

// ScannerClose releases a scanner handle.
func (s *Server) ScannerClose(scannerID uint64) error {
	if s.stopped.Load() {
		return ErrServerStopped
	}
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scanners[scannerID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownScanner, scannerID)
	}
	delete(s.scanners, scannerID)
	return nil
}

func (s *Server) dropScanner(scannerID uint64) {
	s.mu.Lock()
	delete(s.scanners, scannerID)
	s.mu.Unlock()
}

// dropRegionScannersLocked removes every scanner cursor attached to r.
// Callers hold s.mu.
func (s *Server) dropRegionScannersLocked(r *Region) {
	for id, sc := range s.scanners {
		if sc.region == r {
			delete(s.scanners, id)
		}
	}
}

// CloseRegion takes the named region out of service: it stops routing to it,
// drains its open transactions, and closes its store. The region's log
// segments stay on disk for the next open.
func (s *Server) CloseRegion(regionName string) error {
	r, err := s.enter(regionName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.regions, regionName)
	s.dropRegionScannersLocked(r)
	s.mu.Unlock()
	return r.Close()
}

// RemoveRegion closes the named region and removes its log segments,
// archiving them first. Removing a region that is not being served only
// cleans up whatever log state is left behind, which is a benign no-op when
// there is none.
func (s *Server) RemoveRegion(ctx context.Context, regionName string) (txnlog.CleanupResult, error) {
	if s.stopped.Load() {
		return txnlog.CleanupResult{}, ErrServerStopped
	}
	s.requests.Add(1)
	if regionName == "" {
		return txnlog.CleanupResult{}, fmt.Errorf("%w: region name", ErrNilArgument)
	}
	s.mu.Lock()
	r := s.regions[regionName]
	if r != nil {
		delete(s.regions, regionName)
		s.dropRegionScannersLocked(r)
	}
	s.mu.Unlock()
	if r != nil {
		return r.Destroy(ctx)
	}
	return s.log.RemoveRegionLog(ctx, regionName)
}

// SplitRegion divides a region in two at splitKey. The parent is taken out
// of service and drained, its rows are reseeded into the two children
// through ordinary committed transactions so each child's log can rebuild
// its half, and only then is the parent's log removed. Clients hitting the
// parent mid-split see ErrRegionNotServing and retry against the children.
func (s *Server) SplitRegion(ctx context.Context, regionName, splitKey, leftName, rightName string) error {
	if s.stopped.Load() {
		return ErrServerStopped
	}
	s.requests.Add(1)
	if regionName == "" || splitKey == "" || leftName == "" || rightName == "" {
		return fmt.Errorf("%w: split parameters", ErrNilArgument)
	}
	if leftName == rightName || leftName == regionName || rightName == regionName {
		return fmt.Errorf("%w: child names must be distinct new regions", ErrNilArgument)
	}

	s.mu.Lock()
	parent, ok := s.regions[regionName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionNotServing, regionName)
	}
	kr := parent.Range()
	if splitKey <= kr.Start || (kr.End != "" && splitKey >= kr.End) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q outside %s", ErrBadSplitKey, splitKey, kr)
	}
	if _, exists := s.regions[leftName]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionAlreadyOpen, leftName)
	}
	if _, exists := s.regions[rightName]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionAlreadyOpen, rightName)
	}
	delete(s.regions, regionName)
	s.dropRegionScannersLocked(parent)
	s.mu.Unlock()

	s.logger.Info("Splitting region",
		zap.String("region", regionName),
		zap.String("splitKey", splitKey),
		zap.String("left", leftName),
		zap.String("right", rightName),
	)

	parent.PrepareToClose()
	items, err := parent.SnapshotAll()
	if err != nil {
		return fmt.Errorf("snapshot parent %s: %w", regionName, err)
	}
	if err := parent.Close(); err != nil {
		return fmt.Errorf("close parent %s: %w", regionName, err)
	}

	var leftItems, rightItems []kvstore.Item
	for _, it := range items {
		if it.Key < splitKey {
			leftItems = append(leftItems, it)
		} else {
			rightItems = append(rightItems, it)
		}
	}

	left, err := s.OpenRegion(leftName, KeyRange{Start: kr.Start, End: splitKey})
	if err != nil {
		return fmt.Errorf("open left child %s: %w", leftName, err)
	}
	if err := s.seedRegion(left, leftItems); err != nil {
		return fmt.Errorf("seed left child %s: %w", leftName, err)
	}
	right, err := s.OpenRegion(rightName, KeyRange{Start: splitKey, End: kr.End})
	if err != nil {
		return fmt.Errorf("open right child %s: %w", rightName, err)
	}
	if err := s.seedRegion(right, rightItems); err != nil {
		return fmt.Errorf("seed right child %s: %w", rightName, err)
	}

	cleanup, err := s.log.RemoveRegionLog(ctx, regionName)
	if err != nil {
		s.logger.Warn("Parent log cleanup failed after split; children are seeded and serving",
			zap.String("region", regionName), zap.Error(err))
		return nil
	}
	s.logger.Info("Region split complete",
		zap.String("region", regionName),
		zap.Int("leftRows", len(leftItems)),
		zap.Int("rightRows", len(rightItems)),
		zap.Int("parentSegmentsArchived", cleanup.SegmentsArchived),
	)
	return nil
}

// seedRegion replays the parent's rows into a freshly opened child through a
// normal committed transaction, so the rows land in the child's own log and
// survive a restart.
func (s *Server) seedRegion(r *Region, items []kvstore.Item) error {
	if len(items) == 0 {
		return nil
	}
	id := newInternalTxnID()
	if err := r.Begin(id); err != nil {
		return err
	}
	if err := r.Put(id, items); err != nil {
		_ = r.Abort(id)
		return err
	}
	ok, err := s.escalateCommit(r, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("seed transaction %d lost a conflict in fresh region %s", id, r.Name())
	}
	return nil
}

func (s *Server) escalateCommit(r *Region, id uint64) (bool, error) {
	ok, err := r.CommitIfPossible(id)
	return ok, s.escalate(err)
}

// newInternalTxnID derives a server-side transaction id for internal work
// such as split reseeding. Zero is reserved for the non-transactional path.
func newInternalTxnID() uint64 {
	for {
		u := uuid.New()
		if id := binary.LittleEndian.Uint64(u[:8]); id != 0 {
			return id
		}
	}
}

// RegionStatus is one region's slice of the server status report.
type RegionStatus struct {
	Name             string   `json:"name"`
	State            string   `json:"state"`
	Range            KeyRange `json:"range"`
	ActiveTxns       int      `json:"activeTxns"`
	PendingTxns      int      `json:"pendingTxns"`
	RecoveredTxns    int      `json:"recoveredTxns"`
	AppliedMutations int      `json:"appliedMutations"`
}

// ServerStatus is the snapshot served on the status endpoint.
type ServerStatus struct {
	StartedAt     time.Time      `json:"startedAt"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Stopped       bool           `json:"stopped"`
	Requests      uint64         `json:"requests"`
	Begins        uint64         `json:"begins"`
	Commits       uint64         `json:"commits"`
	Conflicts     uint64         `json:"conflicts"`
	Aborts        uint64         `json:"aborts"`
	LastLogSeq    uint64         `json:"lastLogSeq"`
	ActiveLeases  int            `json:"activeLeases"`
	ExpiredLeases uint64         `json:"expiredLeases"`
	OpenScanners  int            `json:"openScanners"`
	Regions       []RegionStatus `json:"regions"`
}

// Status reports the server's current shape. Reading it does not count as a
// client request.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := ServerStatus{
		StartedAt:     s.startedAt,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Stopped:       s.stopped.Load(),
		Requests:      s.requests.Load(),
		Begins:        s.begins.Load(),
		Commits:       s.commits.Load(),
		Conflicts:     s.conflicts.Load(),
		Aborts:        s.aborts.Load(),
		LastLogSeq:    s.log.CurrentSeq(),
		ActiveLeases:  s.leases.Len(),
		ExpiredLeases: s.leases.ExpiredTotal(),
		OpenScanners:  len(s.scanners),
	}
	for _, r := range s.regions {
		active, pending := r.Counts()
		stats := r.RecoveryStats()
		st.Regions = append(st.Regions, RegionStatus{
			Name:             r.Name(),
			State:            r.State().String(),
			Range:            r.Range(),
			ActiveTxns:       active,
			PendingTxns:      pending,
			RecoveredTxns:    stats.CommittedTxns,
			AppliedMutations: stats.AppliedMutations,
		})
	}
	return st
}

// RequestCount returns how many client operations the server has dispatched.
func (s *Server) RequestCount() uint64 { return s.requests.Load() }

// OpCounts returns the running totals of transaction outcomes, for metrics.
func (s *Server) OpCounts() (begins, commits, conflicts, aborts uint64) {
	return s.begins.Load(), s.commits.Load(), s.conflicts.Load(), s.aborts.Load()
}

// Stopped reports whether the server has stopped accepting work.
func (s *Server) Stopped() bool { return s.stopped.Load() }

// Shutdown stops accepting requests, then drains and closes every region in
// turn. Region logs stay on disk for the next start. Regions left when ctx
// expires are abandoned mid-drain; their transactions are recovered or
// reclaimed on the next start anyway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopped.Store(true)
	s.mu.Lock()
	regions := make([]*Region, 0, len(s.regions))
	for _, r := range s.regions {
		regions = append(regions, r)
	}
	s.regions = make(map[string]*Region)
	s.scanners = make(map[uint64]*Scanner)
	s.mu.Unlock()

	for _, r := range regions {
		select {
		case <-ctx.Done():
			s.logger.Warn("Shutdown deadline reached with regions still draining",
				zap.String("region", r.Name()))
			return ctx.Err()
		default:
		}
		if err := r.Close(); err != nil {
			s.logger.Error("Region close failed during shutdown",
				zap.String("region", r.Name()), zap.Error(err))
		}
	}
	s.logger.Info("Region server shut down", zap.Int("regionsClosed", len(regions)))
	return nil
}
