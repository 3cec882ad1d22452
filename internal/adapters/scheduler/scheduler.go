// Package scheduler fires job runs whose trigger time has elapsed and whose
// upstream runs have all completed. One process-wide instance serves every
// bucket; registrations are partitioned internally so losing a bucket drops
// exactly that slice with no status writes.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
)

// entry is one registered run. A run sits outside the ready queue until its
// wait set drains, then is queued at its effective due time.
type entry struct {
	run     domain.JobRun
	waiting map[int64]struct{}
	due     int64
	index   int
	queued  bool
	removed bool
}

// deferred reports whether the run has no time of its own and fires as soon
// as its parents complete.
func (e *entry) deferred() bool {
	return e.run.TriggerTime == domain.DeferredTriggerTime
}

type Scheduler struct {
	cfg        domain.SchedulerConfig
	storage    ports.StoragePort
	dispatcher ports.DispatcherPort
	logger     *slog.Logger

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	entries    map[int64]*entry
	byBucket   map[int]map[int64]struct{}
	byWorkflow map[int64]map[int64]struct{}
	downstream map[int64]map[int64]struct{}
	ready      readyQueue

	now func() time.Time
}

var _ ports.SchedulerPort = (*Scheduler)(nil)

func NewScheduler(cfg domain.SchedulerConfig, storage ports.StoragePort, dispatcher ports.DispatcherPort, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		storage:    storage,
		dispatcher: dispatcher,
		logger:     logger.With("component", "scheduler"),
		entries:    make(map[int64]*entry),
		byBucket:   make(map[int]map[int64]struct{}),
		byWorkflow: make(map[int64]map[int64]struct{}),
		downstream: make(map[int64]map[int64]struct{}),
		now:        time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return domain.ErrAlreadyStarted
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.tickLoop(loopCtx)
	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval)
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return domain.ErrNotStarted
	}
	s.running = false
	s.cancel()
	return nil
}

// Register adds a run to the schedule. Registration is idempotent by run id.
// Parent statuses are checked only after the run is indexed: a parent that
// completed before this call finds no dependent to drain, so the post-index
// re-check is what closes that window.
func (s *Scheduler) Register(run domain.JobRun, parentRunIDs []int64) {
	if run.Status.Terminal() {
		return
	}

	s.mu.Lock()
	if _, exists := s.entries[run.ID]; exists {
		s.mu.Unlock()
		return
	}
	if len(s.entries) >= s.cfg.MaxPendingRuns {
		s.mu.Unlock()
		s.logger.Warn("pending run limit reached, rejecting registration",
			"run_id", run.ID, "limit", s.cfg.MaxPendingRuns)
		return
	}

	waiting := make(map[int64]struct{}, len(parentRunIDs))
	for _, parentID := range parentRunIDs {
		waiting[parentID] = struct{}{}
	}
	e := &entry{run: run, waiting: waiting}
	s.entries[run.ID] = e
	indexAdd(s.byBucket, run.BucketID, run.ID)
	indexAdd(s.byWorkflow, run.WorkflowID, run.ID)
	for parentID := range waiting {
		if s.downstream[parentID] == nil {
			s.downstream[parentID] = make(map[int64]struct{})
		}
		s.downstream[parentID][run.ID] = struct{}{}
	}
	if len(waiting) == 0 {
		s.enqueueLocked(e)
	}
	s.mu.Unlock()

	for _, parentID := range parentRunIDs {
		parent, err := s.storage.GetJobRun(context.Background(), parentID)
		if err == nil && parent.Status == domain.RunCompleted {
			s.OnParentCompleted(parentID)
		}
	}
	s.logger.Debug("registered run",
		"run_id", run.ID, "bucket", run.BucketID, "waiting_on", len(parentRunIDs))
}

// OnParentCompleted removes the parent from every dependent's wait set. Only
// successful completion unblocks; failed or cancelled parents leave their
// dependents waiting indefinitely.
func (s *Scheduler) OnParentCompleted(parentRunID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	children := s.downstream[parentRunID]
	delete(s.downstream, parentRunID)
	for childID := range children {
		e, ok := s.entries[childID]
		if !ok {
			continue
		}
		delete(e.waiting, parentRunID)
		if len(e.waiting) == 0 && !e.queued {
			s.enqueueLocked(e)
		}
	}
}

// Cancel drops the run's registration. Cancelling an unknown or already
// fired run is a no-op; status writes are the caller's concern.
func (s *Scheduler) Cancel(runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(runID)
}

// CancelWorkflow drops every registered run of the workflow.
func (s *Scheduler) CancelWorkflow(workflowID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for runID := range s.byWorkflow[workflowID] {
		s.dropLocked(runID)
	}
	delete(s.byWorkflow, workflowID)
	s.logger.Info("cancelled workflow registrations", "workflow_id", workflowID)
}

// DropBucket forgets every run registered under the bucket. No status
// writes; the bucket's new owner re-materializes and fires them.
func (s *Scheduler) DropBucket(bucketID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.byBucket[bucketID])
	for runID := range s.byBucket[bucketID] {
		s.dropLocked(runID)
	}
	delete(s.byBucket, bucketID)
	if dropped > 0 {
		s.logger.Info("dropped bucket registrations", "bucket", bucketID, "count", dropped)
	}
}

// Pending reports the number of registered, not yet fired runs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) enqueueLocked(e *entry) {
	e.due = e.run.TriggerTime
	if e.deferred() {
		e.due = s.now().UnixMilli()
	}
	e.queued = true
	heap.Push(&s.ready, e)
}

func (s *Scheduler) dropLocked(runID int64) {
	e, ok := s.entries[runID]
	if !ok {
		return
	}
	e.removed = true
	delete(s.entries, runID)
	indexRemove(s.byBucket, e.run.BucketID, runID)
	indexRemove(s.byWorkflow, e.run.WorkflowID, runID)
	for parentID := range e.waiting {
		if children := s.downstream[parentID]; children != nil {
			delete(children, runID)
			if len(children) == 0 {
				delete(s.downstream, parentID)
			}
		}
	}
}

func indexAdd[K comparable](index map[K]map[int64]struct{}, key K, runID int64) {
	if index[key] == nil {
		index[key] = make(map[int64]struct{})
	}
	index[key][runID] = struct{}{}
}

func indexRemove[K comparable](index map[K]map[int64]struct{}, key K, runID int64) {
	if runs := index[key]; runs != nil {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(index, key)
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every queued run whose due time has elapsed. Firing is guarded
// by a conditional WAITING to RUNNING update; a worker losing that race
// observes the mismatch and skips the dispatch, so a run is handed to the
// dispatcher at most once cluster-wide.
func (s *Scheduler) Tick(ctx context.Context) {
	nowMillis := s.now().UnixMilli()

	var due []*entry
	s.mu.Lock()
	for s.ready.Len() > 0 {
		head := s.ready[0]
		if head.removed {
			heap.Pop(&s.ready)
			continue
		}
		if head.due > nowMillis {
			break
		}
		heap.Pop(&s.ready)
		head.queued = false
		due = append(due, head)
	}
	for _, e := range due {
		s.dropLocked(e.run.ID)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e.run)
	}
}

func (s *Scheduler) fire(ctx context.Context, run domain.JobRun) {
	if run.Status == domain.RunWaiting {
		err := s.storage.UpdateJobRunStatus(ctx, run.ID, domain.RunWaiting, domain.RunRunning)
		if errors.Is(err, domain.ErrStatusMismatch) {
			s.logger.Debug("run already claimed elsewhere", "run_id", run.ID)
			return
		}
		if err != nil {
			s.logger.Error("run status transition failed", "run_id", run.ID, "error", err)
			return
		}
	}

	job, err := s.storage.GetJob(ctx, run.JobID)
	if err != nil {
		s.logger.Error("job lookup failed before dispatch", "run_id", run.ID,
			"job_id", run.JobID, "error", err)
		return
	}

	if err := s.dispatcher.Fire(ports.FireRequest{
		RunID:  run.ID,
		JobID:  run.JobID,
		Job:    job,
		Params: job.Params,
	}); err != nil {
		s.logger.Error("dispatch failed", "run_id", run.ID, "error", err)
		return
	}
	s.logger.Info("fired run", "run_id", run.ID, "job_id", run.JobID, "bucket", run.BucketID)
}

// readyQueue orders runs by due time, then priority (higher first), then run
// id for a stable order.
type readyQueue []*entry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	if q[i].run.Priority != q[j].run.Priority {
		return q[i].run.Priority > q[j].run.Priority
	}
	return q[i].run.ID < q[j].run.ID
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	e.index = -1
	return e
}
