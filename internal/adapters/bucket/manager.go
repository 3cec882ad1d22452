// Package bucket maintains which slice of the fixed bucket space this worker
// owns. Ownership is decided by a consistent-hash ring over the live worker
// set, so every worker converges on the same global assignment without
// negotiation; leases exist to smooth restarts and detect abandonment, never
// for correctness.
package bucket

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/hashring"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
)

// Manager tracks per-bucket ownership state. Each bucket is, from this
// worker's view, unowned, owned by self, owned by another live worker, or
// held under an expired lease that any worker may reclaim.
type Manager struct {
	cfg        domain.BucketConfig
	membership ports.MembershipPort
	storage    ports.StoragePort
	logger     *slog.Logger

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	leases   map[int]domain.BucketLease
	owned    map[int]struct{}
	acquired []func(bucketID int)
	lost     []func(bucketID int)

	// reconcileCh coalesces membership-change notifications into the run
	// loop; the membership listener itself never blocks on reconciliation.
	reconcileCh chan struct{}
	persistCh   chan persistOp

	now func() time.Time
}

type persistOp struct {
	lease  domain.BucketLease
	remove bool
}

func NewManager(cfg domain.BucketConfig, membership ports.MembershipPort, storage ports.StoragePort, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		membership:  membership,
		storage:     storage,
		logger:      logger.With("component", "bucket-manager"),
		leases:      make(map[int]domain.BucketLease),
		owned:       make(map[int]struct{}),
		reconcileCh: make(chan struct{}, 1),
		persistCh:   make(chan persistOp, 1024),
		now:         time.Now,
	}
}

// OnAcquired registers a listener invoked once per newly acquired bucket.
// Must be called before Start.
func (m *Manager) OnAcquired(fn func(bucketID int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = append(m.acquired, fn)
}

// OnLost registers a listener invoked once per released or revoked bucket.
// Must be called before Start.
func (m *Manager) OnLost(fn func(bucketID int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, fn)
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.membership.Watch(func(change domain.MembershipChange) {
		if !change.Joined {
			m.forgetOwner(change.Address)
		}
		m.requestReconcile()
	})

	m.recoverPreviousLeases(loopCtx)

	go m.persistLoop(loopCtx)
	go m.runLoop(loopCtx)

	m.requestReconcile()
	m.logger.Info("bucket manager started",
		"bucket_count", m.cfg.Count, "self", m.membership.SelfAddress())
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return domain.ErrNotStarted
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.releaseAll()
	return nil
}

// Owns reports whether this worker currently owns the bucket.
func (m *Manager) Owns(bucketID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owned[bucketID]
	return ok
}

// OwnsEntity reports whether this worker owns the bucket an entity maps to.
func (m *Manager) OwnsEntity(entityID int64) bool {
	return m.Owns(domain.BucketOf(entityID, m.cfg.Count))
}

// Owned returns a snapshot of the currently owned bucket set.
func (m *Manager) Owned() map[int]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[int]struct{}, len(m.owned))
	for bucketID := range m.owned {
		snapshot[bucketID] = struct{}{}
	}
	return snapshot
}

// BucketCount returns the size of the fixed bucket space.
func (m *Manager) BucketCount() int {
	return m.cfg.Count
}

// DesiredOwnership computes the buckets the consistent-hash ring assigns to
// this worker for the given live-worker list. Pure; every worker running the
// same computation over the same list converges on the same partition.
func (m *Manager) DesiredOwnership(liveWorkers []string) map[int]struct{} {
	self := m.membership.SelfAddress()
	if len(liveWorkers) == 0 {
		liveWorkers = []string{self}
	}
	ring := hashring.New(liveWorkers, m.cfg.VirtualNodes)
	return ring.BucketsFor(self, m.cfg.Count)
}

// Reconcile acquires desired-but-unowned buckets and releases owned-but-no-
// longer-desired ones. Acquisition fails silently for a bucket another live
// worker still holds under an unexpired lease; the next pass retries after
// the lease ages out.
func (m *Manager) Reconcile() {
	desired := m.DesiredOwnership(m.membership.Members())

	var gained, dropped []int
	m.mu.Lock()
	self := m.membership.SelfAddress()
	now := m.now()

	for bucketID := range desired {
		if _, has := m.owned[bucketID]; has {
			continue
		}
		if lease, held := m.leases[bucketID]; held &&
			!lease.OwnedBy(self) && !lease.Expired(m.cfg.AbandonThreshold, now) {
			continue
		}
		lease := domain.BucketLease{BucketID: bucketID, Owner: self, RenewedAt: now}
		m.leases[bucketID] = lease
		m.owned[bucketID] = struct{}{}
		gained = append(gained, bucketID)
	}

	for bucketID := range m.owned {
		if _, want := desired[bucketID]; want {
			continue
		}
		delete(m.owned, bucketID)
		delete(m.leases, bucketID)
		dropped = append(dropped, bucketID)
	}

	acquiredFns := slices.Clone(m.acquired)
	lostFns := slices.Clone(m.lost)
	m.mu.Unlock()

	for _, bucketID := range gained {
		m.enqueuePersist(persistOp{lease: domain.BucketLease{BucketID: bucketID, Owner: self, RenewedAt: now}})
		for _, fn := range acquiredFns {
			fn(bucketID)
		}
	}
	for _, bucketID := range dropped {
		m.enqueuePersist(persistOp{lease: domain.BucketLease{BucketID: bucketID, Owner: self}, remove: true})
		for _, fn := range lostFns {
			fn(bucketID)
		}
	}

	if len(gained) > 0 || len(dropped) > 0 {
		m.logger.Info("reconciled bucket ownership",
			"desired", len(desired), "gained", len(gained), "dropped", len(dropped))
	}
}

// Renew extends the lease timestamp on every self-owned bucket. A lease not
// renewed within the abandonment threshold may be reclaimed by any worker.
func (m *Manager) Renew() {
	now := m.now()
	m.mu.Lock()
	self := m.membership.SelfAddress()
	renewed := make([]domain.BucketLease, 0, len(m.owned))
	for bucketID := range m.owned {
		lease := domain.BucketLease{BucketID: bucketID, Owner: self, RenewedAt: now}
		m.leases[bucketID] = lease
		renewed = append(renewed, lease)
	}
	m.mu.Unlock()

	for _, lease := range renewed {
		m.enqueuePersist(persistOp{lease: lease})
	}
	m.logger.Debug("renewed bucket leases", "count", len(renewed))
}

// forgetOwner drops every lease held by a departed worker from the local
// view so its buckets become immediately reclaimable.
func (m *Manager) forgetOwner(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	for bucketID, lease := range m.leases {
		if _, mine := m.owned[bucketID]; mine {
			continue
		}
		if lease.OwnedBy(address) {
			delete(m.leases, bucketID)
			cleared++
		}
	}
	if cleared > 0 {
		m.logger.Info("cleared leases of departed worker", "address", address, "count", cleared)
	}
}

// recoverPreviousLeases reads the mirrored lease table so a restarting
// worker reclaims its previous buckets first, minimizing churn. Failures
// only cost the priority, never correctness.
func (m *Manager) recoverPreviousLeases(ctx context.Context) {
	self := m.membership.SelfAddress()
	leases, err := m.storage.ListBucketLeasesByOwner(ctx, self)
	if err != nil {
		m.logger.Warn("lease recovery failed", "error", err)
		return
	}
	if len(leases) == 0 {
		return
	}

	now := m.now()
	m.mu.Lock()
	for _, lease := range leases {
		if lease.BucketID < 0 || lease.BucketID >= m.cfg.Count {
			continue
		}
		lease.RenewedAt = now
		m.leases[lease.BucketID] = lease
	}
	m.mu.Unlock()
	m.logger.Info("recovered previous bucket leases", "count", len(leases))
}

func (m *Manager) releaseAll() {
	m.mu.Lock()
	self := m.membership.SelfAddress()
	released := make([]int, 0, len(m.owned))
	for bucketID := range m.owned {
		released = append(released, bucketID)
		delete(m.owned, bucketID)
		delete(m.leases, bucketID)
	}
	lostFns := slices.Clone(m.lost)
	m.mu.Unlock()

	ctx, cancelDelete := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDelete()
	for _, bucketID := range released {
		if err := m.storage.DeleteBucketLease(ctx, bucketID, self); err != nil {
			m.logger.Warn("lease delete failed on shutdown", "bucket", bucketID, "error", err)
		}
		for _, fn := range lostFns {
			fn(bucketID)
		}
	}
	m.logger.Info("released all buckets", "count", len(released))
}

func (m *Manager) requestReconcile() {
	select {
	case m.reconcileCh <- struct{}{}:
	default:
	}
}

func (m *Manager) runLoop(ctx context.Context) {
	reconcileTicker := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	renewTicker := time.NewTicker(m.cfg.RenewInterval)
	defer renewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reconcileCh:
			m.Reconcile()
		case <-reconcileTicker.C:
			m.Reconcile()
		case <-renewTicker.C:
			m.Renew()
		}
	}
}

func (m *Manager) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.persistCh:
			var err error
			if op.remove {
				err = m.storage.DeleteBucketLease(ctx, op.lease.BucketID, op.lease.Owner)
			} else {
				err = m.storage.UpsertBucketLease(ctx, op.lease)
			}
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("lease mirror write failed",
					"bucket", op.lease.BucketID, "error", err)
			}
		}
	}
}

func (m *Manager) enqueuePersist(op persistOp) {
	select {
	case m.persistCh <- op:
	default:
		// Mirror writes are advisory; dropping one under backpressure only
		// costs restart-reclaim priority for that bucket.
		m.logger.Debug("lease mirror backlog full", "bucket", op.lease.BucketID)
	}
}
