// Package txnlog implements the write-ahead transaction log shared by the
// regions of one server. Every transaction state transition (BEGIN, WRITE,
// COMMIT_PENDING, COMMIT, ABORT) is durably appended before the in-memory
// transition happens, and replay rebuilds committed state on region open.
//
// The log is laid out as one directory per region under the base directory,
// each holding numbered segment files. A single sequence counter spans all
// regions. Appends are synchronous: the record is fsynced before Append
// returns. Rolled segments stay in the region directory until the region's
// log is removed, because replay needs the full history to rebuild a store.
package txnlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/storage_engine/common"
)

const (
	segmentPrefix = "txnlog-"
	segmentSuffix = ".log"

	// OrphanedDirName is the subpath, inside the base log directory, that
	// receives archived copies of removed region logs.
	OrphanedDirName = "orphaned"

	DefaultSegmentSizeLimit = int64(16 * 1024 * 1024)
	DefaultArchiveCopyRate  = int64(8 * 1024 * 1024)
)

// ErrLogClosed is returned by operations on a closed LogManager.
var ErrLogClosed = errors.New("transaction log is closed")

// LogWriteError wraps an I/O failure while appending to the log. It is fatal
// to the transaction being logged, and the dispatcher uses it to decide when
// to probe storage health.
type LogWriteError struct {
	Op  string
	Err error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("transaction log %s: %v", e.Op, e.Err)
}

func (e *LogWriteError) Unwrap() error { return e.Err }

// CleanupResult reports the outcome of removing a region's log. A concurrent
// remover winning the race is an expected condition, not an error, so it is
// carried as data instead of an error subtype callers would have to sniff.
type CleanupResult struct {
	Removed          bool
	AlreadyRemoved   bool
	SegmentsArchived int
}

// Config carries the tunables of the LogManager.
type Config struct {
	// SegmentSizeLimit is the size at which the active segment rolls.
	SegmentSizeLimit int64
	// ArchiveCopyRate throttles archival copies during region log removal,
	// in bytes per second. 0 disables throttling.
	ArchiveCopyRate int64
}

func (c *Config) applyDefaults() {
	if c.SegmentSizeLimit <= 0 {
		c.SegmentSizeLimit = DefaultSegmentSizeLimit
	}
	if c.ArchiveCopyRate < 0 {
		c.ArchiveCopyRate = 0
	}
}

// regionSegments is the open write state of one region's log directory.
type regionSegments struct {
	dir       string
	file      *os.File
	segmentID uint64
	offset    int64
}

// LogManager owns the transaction log directory tree and hands out
// monotonically increasing sequence numbers. All appends serialize on one
// mutex; there is exactly one writer per server.
type LogManager struct {
	baseDir     string
	orphanedDir string
	cfg         Config
	logger      *zap.Logger

	mu          sync.Mutex
	nextSeq     uint64
	regions     map[string]*regionSegments
	closed      bool
	appendCount uint64
	appendTime  time.Duration
}

// NewLogManager opens (or creates) the log directory tree rooted at baseDir
// and scans it to restore the sequence counter.
func NewLogManager(baseDir string, cfg Config, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", baseDir, err)
	}
	orphanedDir := filepath.Join(baseDir, OrphanedDirName)
	if err := os.MkdirAll(orphanedDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create orphaned log directory %s: %w", orphanedDir, err)
	}

	lm := &LogManager{
		baseDir:     baseDir,
		orphanedDir: orphanedDir,
		cfg:         cfg,
		logger:      logger.Named("txnlog"),
		regions:     make(map[string]*regionSegments),
	}

	maxSeq, err := lm.scanMaxSeq()
	if err != nil {
		return nil, fmt.Errorf("failed to scan existing log segments: %w", err)
	}
	lm.nextSeq = maxSeq + 1

	lm.logger.Info("Transaction log opened",
		zap.String("baseDir", baseDir),
		zap.Uint64("nextSeq", lm.nextSeq),
		zap.Int64("segmentSizeLimit", lm.cfg.SegmentSizeLimit))
	return lm, nil
}

// Append assigns the next sequence to rec, durably persists it, and returns
// the sequence. The record is fsynced before Append returns; on error the
// record must be treated as not written.
func (lm *LogManager) Append(rec *Record) (uint64, error) {
	start := time.Now()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.closed {
		return 0, ErrLogClosed
	}

	rec.Seq = lm.nextSeq
	rec.stampNow()

	data, err := rec.Serialize()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize log record: %w", err)
	}

	rl, err := lm.ensureRegionLocked(rec.RegionID)
	if err != nil {
		return 0, &LogWriteError{Op: "open", Err: err}
	}

	if rl.offset > 0 && rl.offset+int64(len(data)) > lm.cfg.SegmentSizeLimit {
		if err := lm.rollSegmentLocked(rec.RegionID, rl); err != nil {
			return 0, &LogWriteError{Op: "roll", Err: err}
		}
	}

	if _, err := rl.file.Write(data); err != nil {
		return 0, &LogWriteError{Op: "write", Err: err}
	}
	if err := rl.file.Sync(); err != nil {
		return 0, &LogWriteError{Op: "sync", Err: err}
	}

	rl.offset += int64(len(data))
	lm.nextSeq++
	lm.appendCount++
	lm.appendTime += time.Since(start)

	lm.logger.Debug("Appended log record",
		zap.Uint64("seq", rec.Seq),
		zap.String("regionID", rec.RegionID),
		zap.Uint64("txnID", rec.TxnID),
		zap.String("kind", rec.Kind.String()))
	return rec.Seq, nil
}

// Replay streams the region's records in ascending sequence order. A torn or
// corrupt record ends the replay cleanly at the last intact record. A region
// with no log directory replays nothing.
func (lm *LogManager) Replay(regionID string, fn func(*Record) error) error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return ErrLogClosed
	}
	dir := lm.regionDir(regionID)
	lm.mu.Unlock()

	segments, err := sortedSegmentPaths(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list log segments for region %s: %w", regionID, err)
	}

	for _, path := range segments {
		done, err := lm.replaySegment(path, fn)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return nil
}

// replaySegment reads one segment. It reports done=true when replay must
// stop because of a torn record.
func (lm *LogManager) replaySegment(path string, fn func(*Record) error) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		var rec Record
		err := readRecord(reader, &rec)
		if err == io.EOF {
			return false, nil
		}
		if errors.Is(err, errCorruptRecord) {
			lm.logger.Warn("Stopping replay at damaged log record",
				zap.String("segment", path), zap.Error(err))
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read log record from %s: %w", path, err)
		}
		if err := fn(&rec); err != nil {
			return false, err
		}
	}
}

// RemoveRegionLog archives the region's segments into the orphaned subpath
// and removes the region's log directory. Losing the race to a concurrent
// remover is the benign outcome reported through CleanupResult.
func (lm *LogManager) RemoveRegionLog(ctx context.Context, regionID string) (CleanupResult, error) {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return CleanupResult{}, ErrLogClosed
	}
	if rl, ok := lm.regions[regionID]; ok {
		delete(lm.regions, regionID)
		if rl.file != nil {
			if err := rl.file.Close(); err != nil {
				lm.logger.Warn("Failed to close active segment before cleanup",
					zap.String("regionID", regionID), zap.Error(err))
			}
		}
	}
	dir := lm.regionDir(regionID)
	rate := lm.cfg.ArchiveCopyRate
	lm.mu.Unlock()

	segments, err := sortedSegmentPaths(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return CleanupResult{AlreadyRemoved: true}, nil
		}
		return CleanupResult{}, fmt.Errorf("failed to list segments of region %s: %w", regionID, err)
	}

	archiveDir := filepath.Join(lm.orphanedDir,
		fmt.Sprintf("%s-%d", regionID, time.Now().UnixNano()))
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return CleanupResult{}, fmt.Errorf("failed to create archive directory %s: %w", archiveDir, err)
	}

	archived := 0
	for _, src := range segments {
		dst := filepath.Join(archiveDir, filepath.Base(src))
		if _, err := common.CopyFileThrottled(ctx, src, dst, rate, true); err != nil {
			if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
				// A concurrent remover took the directory from under us.
				return CleanupResult{AlreadyRemoved: true}, nil
			}
			return CleanupResult{}, fmt.Errorf("failed to archive segment %s: %w", src, err)
		}
		archived++
	}

	if err := os.RemoveAll(dir); err != nil {
		return CleanupResult{}, fmt.Errorf("failed to remove region log directory %s: %w", dir, err)
	}

	lm.logger.Info("Removed region log",
		zap.String("regionID", regionID),
		zap.Int("segmentsArchived", archived),
		zap.String("archiveDir", archiveDir))
	return CleanupResult{Removed: true, SegmentsArchived: archived}, nil
}

// HealthCheck probes that the log directory is still reachable and writable.
// The dispatcher calls it after a log write failure to decide whether the
// whole server must stop.
func (lm *LogManager) HealthCheck() error {
	if _, err := os.Stat(lm.baseDir); err != nil {
		return fmt.Errorf("log directory unavailable: %w", err)
	}
	probe, err := os.CreateTemp(lm.baseDir, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("log directory not writable: %w", err)
	}
	name := probe.Name()
	defer os.Remove(name)
	if _, err := probe.Write([]byte("ok")); err != nil {
		probe.Close()
		return fmt.Errorf("log directory probe write failed: %w", err)
	}
	if err := probe.Sync(); err != nil {
		probe.Close()
		return fmt.Errorf("log directory probe sync failed: %w", err)
	}
	return probe.Close()
}

// CurrentSeq returns the last assigned sequence, 0 if none yet.
func (lm *LogManager) CurrentSeq() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextSeq - 1
}

// AppendStats reports how many records this manager has appended and the
// cumulative wall time spent appending them, for metrics polling.
func (lm *LogManager) AppendStats() (count uint64, total time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.appendCount, lm.appendTime
}

// Close syncs and closes every open segment. Close is idempotent: closing an
// already-closed log is not an error.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.closed {
		return nil
	}
	lm.closed = true

	var firstErr error
	for regionID, rl := range lm.regions {
		if rl.file == nil {
			continue
		}
		if err := rl.file.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to sync segment of region %s: %w", regionID, err)
		}
		if err := rl.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close segment of region %s: %w", regionID, err)
		}
	}
	lm.regions = make(map[string]*regionSegments)

	lm.logger.Info("Transaction log closed", zap.Uint64("lastSeq", lm.nextSeq-1))
	return firstErr
}

// ensureRegionLocked opens (or creates) the active segment of a region.
// Callers must hold lm.mu.
func (lm *LogManager) ensureRegionLocked(regionID string) (*regionSegments, error) {
	if rl, ok := lm.regions[regionID]; ok {
		return rl, nil
	}

	dir := lm.regionDir(regionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create region log directory %s: %w", dir, err)
	}

	ids, err := sortedSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	segmentID := uint64(1)
	if len(ids) > 0 {
		segmentID = ids[len(ids)-1]
	}

	path := segmentPath(dir, segmentID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log segment %s: %w", path, err)
	}

	rl := &regionSegments{dir: dir, file: file, segmentID: segmentID, offset: info.Size()}
	lm.regions[regionID] = rl
	return rl, nil
}

// rollSegmentLocked closes the active segment and opens the next one. The
// closed segment stays in place for replay. Callers must hold lm.mu.
func (lm *LogManager) rollSegmentLocked(regionID string, rl *regionSegments) error {
	if err := rl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment before roll: %w", err)
	}
	if err := rl.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment before roll: %w", err)
	}

	rl.segmentID++
	path := segmentPath(rl.dir, rl.segmentID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", path, err)
	}
	rl.file = file
	rl.offset = 0

	lm.logger.Info("Rolled log segment",
		zap.String("regionID", regionID), zap.Uint64("segmentID", rl.segmentID))
	return nil
}

// scanMaxSeq walks every region directory to find the highest sequence
// already on disk. Damaged records end the scan of their segment only, so a
// torn tail in one region cannot shrink the global counter below entries
// that exist elsewhere.
func (lm *LogManager) scanMaxSeq() (uint64, error) {
	entries, err := os.ReadDir(lm.baseDir)
	if err != nil {
		return 0, err
	}

	var maxSeq uint64
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == OrphanedDirName {
			continue
		}
		dir := filepath.Join(lm.baseDir, entry.Name())
		segments, err := sortedSegmentPaths(dir)
		if err != nil {
			return 0, err
		}
		for _, path := range segments {
			seq, err := lm.scanSegmentMaxSeq(path)
			if err != nil {
				return 0, err
			}
			if seq > maxSeq {
				maxSeq = seq
			}
		}
	}
	return maxSeq, nil
}

func (lm *LogManager) scanSegmentMaxSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	defer f.Close()

	var maxSeq uint64
	reader := bufio.NewReader(f)
	for {
		var rec Record
		err := readRecord(reader, &rec)
		if err == io.EOF {
			return maxSeq, nil
		}
		if errors.Is(err, errCorruptRecord) {
			lm.logger.Warn("Ignoring damaged tail while restoring sequence counter",
				zap.String("segment", path), zap.Error(err))
			return maxSeq, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to scan log segment %s: %w", path, err)
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
}

func (lm *LogManager) regionDir(regionID string) string {
	return filepath.Join(lm.baseDir, regionID)
}

func segmentPath(dir string, segmentID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, segmentID, segmentSuffix))
}

// sortedSegmentIDs lists the segment ids present in dir in ascending order.
func sortedSegmentIDs(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func sortedSegmentPaths(dir string) ([]string, error) {
	ids, err := sortedSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		paths = append(paths, segmentPath(dir, id))
	}
	return paths, nil
}
