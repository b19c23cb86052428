package regionserver

import (
	"sync"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
)

// Scanner is a server-side cursor over a snapshot of a region's key range.
// The rows are materialized when the scanner opens, so later commits do not
// leak into an in-progress scan. For a transactional scanner the snapshot
// already overlays the transaction's own buffered writes, and every
// snapshotted key is part of the transaction's read set.
type Scanner struct {
	id     uint64
	region *Region
	txnID  uint64

	mu    sync.Mutex
	items []kvstore.Item
	pos   int
}

// ID returns the scanner's server-assigned handle.
func (sc *Scanner) ID() uint64 { return sc.id }

// next returns up to n rows and advances the cursor. A short or empty result
// means the scanner is exhausted.
func (sc *Scanner) next(n int) []kvstore.Item {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.pos >= len(sc.items) {
		return nil
	}
	end := sc.pos + n
	if end > len(sc.items) {
		end = len(sc.items)
	}
	out := sc.items[sc.pos:end]
	sc.pos = end
	return out
}

// remaining reports how many rows the cursor has not yet returned.
func (sc *Scanner) remaining() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.items) - sc.pos
}
