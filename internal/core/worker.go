// Package core wires the adapters into one worker process and exposes the
// admin operations that drive workflow lifecycles.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/bucket"
	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/cluster"
	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/dispatcher"
	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/materializer"
	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/scheduler"
	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/storage"
	"github.com/SunnyX6/datapillar-scheduler/internal/dag"
	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/ident"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
	"github.com/SunnyX6/datapillar-scheduler/internal/trigger"
)

// Worker is one scheduler node: it joins the cluster, owns a slice of the
// bucket space, materializes lifecycle events into runs, and fires the runs
// it owns.
type Worker struct {
	cfg    domain.Config
	logger *slog.Logger

	storage    ports.StoragePort
	membership ports.MembershipPort
	broadcast  ports.BroadcastPort
	buckets    *bucket.Manager
	sched      *scheduler.Scheduler
	disp       *dispatcher.Dispatcher
	mat        *materializer.Materializer
	generator  *ident.Generator

	mu      sync.Mutex
	running bool
}

// NewWorker builds a worker from configuration, wiring the gossip cluster
// node as both the membership feed and the broadcast channel, and badger as
// the persistence adapter.
func NewWorker(cfg domain.Config) (*Worker, error) {
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dataDir := cfg.DataDir
	if cfg.Storage.InMemory {
		dataDir = ""
	}
	store, err := storage.Open(dataDir, logger)
	if err != nil {
		return nil, err
	}

	node := cluster.NewNode(cfg, logger)
	return newWorker(cfg, store, node, node, logger), nil
}

// newWorker assembles the worker around explicit collaborator ports.
func newWorker(cfg domain.Config, store ports.StoragePort, membership ports.MembershipPort, broadcast ports.BroadcastPort, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	disp := dispatcher.New(cfg.Dispatcher, logger)
	sched := scheduler.NewScheduler(cfg.Scheduler, store, disp, logger)
	buckets := bucket.NewManager(cfg.Bucket, membership, store, logger)
	generator := ident.NewGeneratorFromAddress(cfg.NodeName)

	w := &Worker{
		cfg:        cfg,
		logger:     logger.With("component", "worker"),
		storage:    store,
		membership: membership,
		broadcast:  broadcast,
		buckets:    buckets,
		sched:      sched,
		disp:       disp,
		generator:  generator,
	}
	w.mat = materializer.New(store, sched, disp, buckets, generator, logger)
	return w
}

// RegisterHandler binds a job handler name to its implementation. Handlers
// must be registered before Start.
func (w *Worker) RegisterHandler(name string, handler dispatcher.Handler) error {
	return w.disp.RegisterHandler(name, handler)
}

// Storage exposes the persistence collaborator for inspection and tooling.
func (w *Worker) Storage() ports.StoragePort {
	return w.storage
}

// OwnedBuckets reports the bucket slice this worker currently owns.
func (w *Worker) OwnedBuckets() map[int]struct{} {
	return w.buckets.Owned()
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	w.running = true
	w.mu.Unlock()

	w.disp.OnCompletion(w.handleCompletion)
	w.broadcast.Subscribe(func(event domain.LifecycleEvent) {
		w.mat.Handle(context.Background(), event)
	})
	w.broadcast.SubscribeRunStatus(w.handleRunStatus)
	w.buckets.OnAcquired(w.recoverBucket)
	w.buckets.OnLost(w.sched.DropBucket)

	if err := w.membership.Start(ctx); err != nil {
		return err
	}
	// Membership and broadcast may share one gossip node.
	if any(w.broadcast) != any(w.membership) {
		if err := w.broadcast.Start(ctx); err != nil {
			return err
		}
	}
	if err := w.disp.Start(ctx); err != nil {
		return err
	}
	if err := w.sched.Start(ctx); err != nil {
		return err
	}
	if err := w.buckets.Start(ctx); err != nil {
		return err
	}

	w.logger.Info("worker started", "node", w.cfg.NodeName, "self", w.membership.SelfAddress())
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return domain.ErrNotStarted
	}
	w.running = false
	w.mu.Unlock()

	var errs []error
	if err := w.buckets.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := w.sched.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := w.disp.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := w.membership.Stop(); err != nil {
		errs = append(errs, err)
	}
	if any(w.broadcast) != any(w.membership) {
		if err := w.broadcast.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	w.logger.Info("worker stopped", "node", w.cfg.NodeName)
	return errors.Join(errs...)
}

// CreateWorkflow validates and persists a workflow definition. The edge set
// is checked for cycles before any row is written; a rejected definition
// leaves storage untouched.
func (w *Worker) CreateWorkflow(ctx context.Context, wf domain.Workflow, jobs []domain.Job, deps []domain.Dependency) (int64, error) {
	if wf.Name == "" {
		return 0, fmt.Errorf("%w: workflow name is required", domain.ErrInvalidInput)
	}
	if len(jobs) == 0 {
		return 0, fmt.Errorf("%w: workflow needs at least one job", domain.ErrInvalidInput)
	}
	if !wf.Trigger.IsZero() {
		if err := trigger.Validate(wf.Trigger); err != nil {
			return 0, err
		}
	}

	if wf.ID == 0 {
		id, err := w.generator.NextID()
		if err != nil {
			return 0, err
		}
		wf.ID = id
	}
	if wf.Status == "" {
		wf.Status = domain.WorkflowDraft
	}

	jobIDs := make([]int64, 0, len(jobs))
	for i := range jobs {
		if jobs[i].Handler == "" {
			return 0, fmt.Errorf("%w: job %q needs a handler", domain.ErrInvalidInput, jobs[i].Name)
		}
		if !jobs[i].Trigger.IsZero() {
			if err := trigger.Validate(jobs[i].Trigger); err != nil {
				return 0, err
			}
		}
		if jobs[i].ID == 0 {
			id, err := w.generator.NextID()
			if err != nil {
				return 0, err
			}
			jobs[i].ID = id
		}
		jobs[i].WorkflowID = wf.ID
		jobIDs = append(jobIDs, jobs[i].ID)
	}
	for i := range deps {
		deps[i].WorkflowID = wf.ID
	}

	if err := dag.Validate(wf.ID, jobIDs, deps); err != nil {
		return 0, err
	}

	if err := w.storage.PutWorkflow(ctx, wf); err != nil {
		return 0, err
	}
	if err := w.storage.PutJobs(ctx, jobs); err != nil {
		return 0, err
	}
	if err := w.storage.PutDependencies(ctx, wf.ID, deps); err != nil {
		return 0, err
	}

	w.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name, "jobs", len(jobs))
	return wf.ID, nil
}

// Online marks the workflow ONLINE and broadcasts a trigger event carrying
// the definition snapshot. The first run's trigger time comes from the
// workflow's own schedule.
func (w *Worker) Online(ctx context.Context, workflowID int64) error {
	wf, err := w.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	wf.Status = domain.WorkflowOnline
	if err := w.storage.PutWorkflow(ctx, wf); err != nil {
		return err
	}

	payload, err := w.snapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	_, err = w.publish(ctx, workflowID, domain.OpOnline, func(event *domain.LifecycleEvent) {
		event.Trigger = payload
	})
	return err
}

// ManualTrigger broadcasts an immediate trigger for the workflow and returns
// the WorkflowRun id every worker will derive for it.
func (w *Worker) ManualTrigger(ctx context.Context, workflowID int64) (int64, error) {
	payload, err := w.snapshot(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	eventID, err := w.publish(ctx, workflowID, domain.OpManualTrigger, func(event *domain.LifecycleEvent) {
		event.Trigger = payload
	})
	if err != nil {
		return 0, err
	}
	return ident.DeterministicID(eventID, workflowID), nil
}

// Offline marks the workflow OFFLINE and broadcasts the drop of not-yet-fired
// registrations. Runs already executing finish normally.
func (w *Worker) Offline(ctx context.Context, workflowID int64) error {
	wf, err := w.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	wf.Status = domain.WorkflowOffline
	if err := w.storage.PutWorkflow(ctx, wf); err != nil {
		return err
	}
	_, err = w.publish(ctx, workflowID, domain.OpOffline, func(event *domain.LifecycleEvent) {
		event.Offline = &domain.OfflinePayload{WorkflowID: workflowID}
	})
	return err
}

// Kill broadcasts cancellation of one WorkflowRun. Each worker cancels only
// the active JobRuns it owns.
func (w *Worker) Kill(ctx context.Context, workflowID, workflowRunID int64) error {
	_, err := w.publish(ctx, workflowID, domain.OpKill, func(event *domain.LifecycleEvent) {
		event.Kill = &domain.KillPayload{WorkflowID: workflowID, WorkflowRunID: workflowRunID}
	})
	return err
}

// Rerun broadcasts a reset of the WorkflowRun's failed, cancelled, and timed
// out JobRuns back to WAITING.
func (w *Worker) Rerun(ctx context.Context, workflowID, workflowRunID int64) error {
	runs, err := w.storage.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return err
	}
	targets := make(map[int64]int64)
	for _, run := range runs {
		if run.Status.Rerunnable() {
			targets[run.ID] = run.JobID
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: workflow run %d has no rerunnable job runs", domain.ErrInvalidInput, workflowRunID)
	}

	_, err = w.publish(ctx, workflowID, domain.OpRerun, func(event *domain.LifecycleEvent) {
		event.Rerun = &domain.RerunPayload{
			WorkflowID:    workflowID,
			WorkflowRunID: workflowRunID,
			JobRunToJobID: targets,
		}
	})
	return err
}

// snapshot freezes the full workflow definition for a trigger event, so later
// definition edits never change what an in-flight event materializes and
// workers that never saw the definition can still replicate it.
func (w *Worker) snapshot(ctx context.Context, workflowID int64) (*domain.TriggerPayload, error) {
	wf, err := w.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	jobs, err := w.storage.ListJobs(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: workflow %d has no jobs", domain.ErrInvalidInput, workflowID)
	}
	deps, err := w.storage.ListDependencies(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return &domain.TriggerPayload{
		Workflow:     wf,
		Jobs:         jobs,
		Dependencies: deps,
	}, nil
}

func (w *Worker) publish(ctx context.Context, workflowID int64, op domain.EventOp, fill func(*domain.LifecycleEvent)) (string, error) {
	seq, err := w.storage.NextPublishSeq(ctx, workflowID)
	if err != nil {
		return "", err
	}
	event := domain.LifecycleEvent{
		EventID:    uuid.NewString(),
		WorkflowID: workflowID,
		Origin:     w.cfg.NodeName,
		Seq:        seq,
		Op:         op,
	}
	fill(&event)
	if err := w.broadcast.Publish(event); err != nil {
		return "", err
	}
	w.logger.Info("published lifecycle event",
		"event_id", event.EventID, "workflow_id", workflowID, "op", op, "seq", seq)
	return event.EventID, nil
}

// handleCompletion records a fired run's terminal outcome and announces it to
// the cluster. The announcement loops back to this node too, so unblocking
// dependents and advancing the WorkflowRun happen on the same path everywhere.
func (w *Worker) handleCompletion(report ports.CompletionReport) {
	ctx := context.Background()

	err := w.storage.UpdateJobRunStatus(ctx, report.RunID, domain.RunRunning, report.Status)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStatusMismatch):
		// A kill raced the completion and already wrote the terminal status.
	case errors.Is(err, domain.ErrNotFound):
		w.logger.Warn("completion for unknown run", "run_id", report.RunID)
		return
	default:
		w.logger.Error("recording run outcome failed", "run_id", report.RunID, "error", err)
		return
	}

	if report.Attempts > 1 {
		if err := w.storage.SetJobRunRetryCount(ctx, report.RunID, report.Attempts-1); err != nil {
			w.logger.Warn("recording retry count failed", "run_id", report.RunID, "error", err)
		}
	}
	if report.Status != domain.RunCompleted {
		w.logger.Warn("run ended unsuccessfully",
			"run_id", report.RunID, "status", report.Status, "error", report.Err)
	}

	run, err := w.storage.GetJobRun(ctx, report.RunID)
	if err != nil {
		return
	}
	update := domain.RunStatusUpdate{
		UpdateID:      uuid.NewString(),
		RunID:         run.ID,
		WorkflowRunID: run.WorkflowRunID,
		WorkflowID:    run.WorkflowID,
		Status:        run.Status,
	}
	if err := w.broadcast.PublishRunStatus(update); err != nil {
		w.logger.Error("broadcasting run outcome failed", "run_id", run.ID, "error", err)
		// Apply locally anyway so this node's dependents still progress.
		w.handleRunStatus(update)
	}
}

// handleRunStatus applies one run outcome announcement: mirror the status into
// the local replica, unblock dependents on success, and advance the
// WorkflowRun. Runs every node, publisher included.
func (w *Worker) handleRunStatus(update domain.RunStatusUpdate) {
	ctx := context.Background()

	err := w.storage.MirrorJobRunStatus(ctx, update.RunID, update.Status)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		w.logger.Warn("run status for unknown run", "run_id", update.RunID)
		return
	case errors.Is(err, domain.ErrStatusMismatch):
		// The local replica already holds a different terminal status, from a
		// kill or a redelivered stale update. The local outcome wins.
	default:
		w.logger.Error("mirroring run outcome failed", "run_id", update.RunID, "error", err)
		return
	}

	if update.Status == domain.RunCompleted {
		w.sched.OnParentCompleted(update.RunID)
	}
	w.advanceWorkflowRun(ctx, update.WorkflowRunID, update.WorkflowID)
}

// advanceWorkflowRun moves a WorkflowRun to its terminal status once every
// JobRun of the workflow has reached one. Every node writes the transition to
// its own replica; the status-guarded update makes repeats harmless.
func (w *Worker) advanceWorkflowRun(ctx context.Context, workflowRunID, workflowID int64) {
	runs, err := w.storage.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	if err != nil || len(runs) == 0 {
		return
	}
	if jobs, err := w.storage.ListJobs(ctx, workflowID); err == nil && len(runs) < len(jobs) {
		return
	}

	next := domain.RunCompleted
	for _, run := range runs {
		switch run.Status {
		case domain.RunCompleted:
		case domain.RunFailed, domain.RunTimeout:
			next = domain.RunFailed
		case domain.RunCancelled:
			if next == domain.RunCompleted {
				next = domain.RunCancelled
			}
		default:
			return
		}
	}

	for _, from := range []domain.RunStatus{domain.RunWaiting, domain.RunRunning} {
		err := w.storage.UpdateWorkflowRunStatus(ctx, workflowRunID, from, next)
		if err == nil {
			w.logger.Info("workflow run finished",
				"workflow_run_id", workflowRunID, "status", next)
			return
		}
		if !errors.Is(err, domain.ErrStatusMismatch) && !errors.Is(err, domain.ErrNotFound) {
			w.logger.Error("workflow run transition failed",
				"workflow_run_id", workflowRunID, "error", err)
			return
		}
	}
}

// recoverBucket re-registers the bucket's not-yet-terminal runs after this
// worker acquires it, resuming work interrupted by a crash or rebalance.
func (w *Worker) recoverBucket(bucketID int) {
	ctx := context.Background()
	runs, err := w.storage.ListJobRunsByBuckets(ctx,
		map[int]struct{}{bucketID: {}},
		[]domain.RunStatus{domain.RunWaiting, domain.RunRunning})
	if err != nil {
		w.logger.Error("bucket recovery scan failed", "bucket", bucketID, "error", err)
		return
	}

	for _, run := range runs {
		deps, err := w.storage.ListRunDependencies(ctx, run.WorkflowRunID)
		if err != nil {
			w.logger.Error("run dependency load failed", "run_id", run.ID, "error", err)
			continue
		}
		var parents []int64
		for _, dep := range deps {
			if dep.JobRunID == run.ID {
				parents = append(parents, dep.ParentRunID)
			}
		}
		w.sched.Register(run, parents)
	}
	if len(runs) > 0 {
		w.logger.Info("recovered runs for bucket", "bucket", bucketID, "count", len(runs))
	}
}
