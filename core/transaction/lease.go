package transaction

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultLeaseTimeout is how long a transaction may go without client
	// activity before the sweep reclaims it.
	DefaultLeaseTimeout = 60 * time.Second
	// DefaultSweepInterval is how often the sweep looks for expired leases.
	DefaultSweepInterval = 1 * time.Second
)

// lease tracks one transaction's liveness deadline and the action to run
// when it expires.
type lease struct {
	deadline time.Time
	onExpire func() error
}

// LeaseRegistry tracks a liveness lease per open transaction. Every RPC that
// references a transaction renews its lease; a background sweep force-aborts
// transactions whose lease expired. One registry serves all regions of a
// server, which also bounds how stale the conflict-detection window of any
// region can get.
type LeaseRegistry struct {
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	leases map[uint64]*lease

	expired  atomic.Uint64
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewLeaseRegistry builds a registry. Zero durations fall back to the
// defaults. Call Start to run the sweep.
func NewLeaseRegistry(timeout, interval time.Duration, logger *zap.Logger) *LeaseRegistry {
	if timeout <= 0 {
		timeout = DefaultLeaseTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseRegistry{
		timeout:  timeout,
		interval: interval,
		logger:   logger.Named("leases"),
		leases:   make(map[uint64]*lease),
		stopChan: make(chan struct{}),
	}
}

// Timeout returns the configured lease timeout.
func (r *LeaseRegistry) Timeout() time.Duration { return r.timeout }

// Create registers a lease for the transaction id. onExpire runs when the
// sweep finds the lease expired; it must be safe to call without the
// registry lock held.
func (r *LeaseRegistry) Create(id uint64, onExpire func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leases[id]; ok {
		return ErrTxnAlreadyExists
	}
	r.leases[id] = &lease{deadline: time.Now().Add(r.timeout), onExpire: onExpire}
	return nil
}

// Renew pushes the transaction's deadline out by the full timeout. It
// reports whether the lease still existed.
func (r *LeaseRegistry) Renew(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return false
	}
	l.deadline = time.Now().Add(r.timeout)
	return true
}

// Cancel removes the lease. Cancelling a missing lease is a no-op, so the
// terminal paths of a transaction can all call it unconditionally.
func (r *LeaseRegistry) Cancel(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leases[id]; !ok {
		return false
	}
	delete(r.leases, id)
	return true
}

// Len reports the number of live leases.
func (r *LeaseRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// ExpiredTotal reports how many leases the sweep has reclaimed.
func (r *LeaseRegistry) ExpiredTotal() uint64 { return r.expired.Load() }

// Start launches the background sweep goroutine.
func (r *LeaseRegistry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweep and waits for it to exit. Leases themselves are left
// in place; server shutdown drains regions separately.
func (r *LeaseRegistry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
}

func (r *LeaseRegistry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Lease sweep stopping")
			return
		case <-ticker.C:
			r.SweepExpired(time.Now())
		}
	}
}

// SweepExpired reclaims every lease whose deadline passed before now and
// returns how many it reclaimed. One transaction's failing expiry action
// never stops the rest of the sweep. Exposed so tests and the sweep loop
// share one code path.
func (r *LeaseRegistry) SweepExpired(now time.Time) int {
	type expiredLease struct {
		id       uint64
		onExpire func() error
	}

	r.mu.Lock()
	var due []expiredLease
	for id, l := range r.leases {
		if now.After(l.deadline) {
			due = append(due, expiredLease{id: id, onExpire: l.onExpire})
			delete(r.leases, id)
		}
	}
	r.mu.Unlock()

	for _, l := range due {
		r.expired.Add(1)
		r.logger.Info("Lease expired, reclaiming transaction", zap.Uint64("txnID", l.id))
		if l.onExpire == nil {
			continue
		}
		if err := l.onExpire(); err != nil {
			r.logger.Error("Failed to reclaim expired transaction",
				zap.Uint64("txnID", l.id), zap.Error(err))
		}
	}
	return len(due)
}
