// Package materializer turns lifecycle events into run rows and scheduler
// registrations. Every worker receives every event and materializes the full
// row set into its own store, so run state is replicated cluster-wide; only
// runs in this worker's bucket slice are registered for firing. Run ids
// derive from the event id, so duplicate delivery and overlapping ownership
// collapse into the same rows.
package materializer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/ident"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
	"github.com/SunnyX6/datapillar-scheduler/internal/trigger"
)

// Ownership answers which entities fall in this worker's bucket slice.
type Ownership interface {
	Owns(bucketID int) bool
	OwnsEntity(entityID int64) bool
	BucketCount() int
}

type Materializer struct {
	storage    ports.StoragePort
	scheduler  ports.SchedulerPort
	dispatcher ports.DispatcherPort
	ownership  Ownership
	generator  *ident.Generator
	logger     *slog.Logger

	now func() time.Time
}

func New(storage ports.StoragePort, scheduler ports.SchedulerPort, dispatcher ports.DispatcherPort, ownership Ownership, generator *ident.Generator, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		storage:    storage,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		ownership:  ownership,
		generator:  generator,
		logger:     logger.With("component", "materializer"),
		now:        time.Now,
	}
}

// Handle applies one lifecycle event. Safe to call repeatedly with the same
// event; all writes are insert-if-absent or status-guarded.
func (m *Materializer) Handle(ctx context.Context, event domain.LifecycleEvent) {
	if err := event.Validate(); err != nil {
		m.logger.Warn("dropping invalid lifecycle event", "event_id", event.EventID, "error", err)
		return
	}

	var err error
	switch event.Op {
	case domain.OpOnline, domain.OpManualTrigger:
		err = m.materializeTrigger(ctx, event)
	case domain.OpOffline:
		err = m.handleOffline(ctx, event)
	case domain.OpKill:
		err = m.handleKill(ctx, event)
	case domain.OpRerun:
		err = m.handleRerun(ctx, event)
	}
	if err != nil {
		m.logger.Error("lifecycle event handling failed",
			"event_id", event.EventID, "op", event.Op, "error", err)
	}
}

// materializeTrigger applies an ONLINE or MANUAL_TRIGGER event: the carried
// definition snapshot is persisted locally, then the WorkflowRun, every
// JobRun, and the run-scoped dependency rows are inserted. Only runs in this
// worker's bucket slice are handed to the scheduler.
func (m *Materializer) materializeTrigger(ctx context.Context, event domain.LifecycleEvent) error {
	payload := event.Trigger
	workflow := payload.Workflow

	if err := m.storage.PutWorkflow(ctx, workflow); err != nil {
		return err
	}
	if len(payload.Jobs) > 0 {
		if err := m.storage.PutJobs(ctx, payload.Jobs); err != nil {
			return err
		}
	}
	if err := m.storage.PutDependencies(ctx, workflow.ID, payload.Dependencies); err != nil {
		return err
	}

	workflowRunID := ident.DeterministicID(event.EventID, workflow.ID)
	workflowTime := m.now().UnixMilli()
	if event.Op == domain.OpOnline {
		var err error
		workflowTime, err = trigger.NextTime(workflow.Trigger, m.now())
		if err != nil {
			return err
		}
	}

	if err := m.storage.InsertWorkflowRun(ctx, domain.WorkflowRun{
		ID:          workflowRunID,
		WorkflowID:  workflow.ID,
		BucketID:    domain.BucketOf(workflow.ID, m.ownership.BucketCount()),
		Status:      domain.RunWaiting,
		TriggerTime: workflowTime,
		Op:          string(event.Op),
		CreatedAt:   m.now(),
	}); err != nil {
		return err
	}

	parents := make(map[int64][]int64, len(payload.Dependencies))
	for _, dep := range payload.Dependencies {
		parents[dep.JobID] = append(parents[dep.JobID], dep.ParentJobID)
	}

	for _, job := range payload.Jobs {
		if err := m.materializeJobRun(ctx, event, workflow, job, workflowRunID, workflowTime, parents[job.ID]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) materializeJobRun(ctx context.Context, event domain.LifecycleEvent, workflow domain.Workflow, job domain.Job, workflowRunID, workflowTime int64, parentJobIDs []int64) error {
	triggerTime, err := trigger.ForJob(job, workflowTime, len(parentJobIDs) > 0)
	if err != nil {
		return err
	}

	priority := job.Priority
	if priority == 0 {
		priority = workflow.Priority
	}

	runID := ident.DeterministicID(event.EventID, job.ID)
	run := domain.JobRun{
		ID:            runID,
		WorkflowRunID: workflowRunID,
		WorkflowID:    job.WorkflowID,
		JobID:         job.ID,
		BucketID:      domain.BucketOf(job.ID, m.ownership.BucketCount()),
		Status:        domain.RunWaiting,
		TriggerTime:   triggerTime,
		Priority:      priority,
		Op:            string(event.Op),
		CreatedAt:     m.now(),
	}
	if err := m.storage.InsertJobRuns(ctx, []domain.JobRun{run}); err != nil {
		return err
	}

	parentRunIDs := make([]int64, 0, len(parentJobIDs))
	rows := make([]domain.RunDependency, 0, len(parentJobIDs))
	for _, parentJobID := range parentJobIDs {
		parentRunID := ident.DeterministicID(event.EventID, parentJobID)
		parentRunIDs = append(parentRunIDs, parentRunID)
		rowID, err := m.generator.NextID()
		if err != nil {
			return err
		}
		rows = append(rows, domain.RunDependency{
			ID:            rowID,
			WorkflowRunID: workflowRunID,
			JobRunID:      runID,
			ParentRunID:   parentRunID,
		})
	}
	if len(rows) > 0 {
		if err := m.storage.InsertRunDependencies(ctx, rows); err != nil {
			return err
		}
	}

	if !m.ownership.OwnsEntity(job.ID) {
		return nil
	}

	// Registration after persistence: a crash between the two leaves a row
	// the restart scan re-registers.
	stored, err := m.storage.GetJobRun(ctx, runID)
	if err != nil {
		return err
	}
	if !stored.Status.Terminal() {
		m.scheduler.Register(stored, parentRunIDs)
	}

	m.logger.Debug("materialized job run",
		"event_id", event.EventID, "run_id", runID, "job_id", job.ID,
		"trigger_time", triggerTime, "parents", len(parentRunIDs))
	return nil
}

// handleOffline marks the local workflow replica OFFLINE and drops scheduler
// registrations for it. Runs already handed to the dispatcher finish normally.
func (m *Materializer) handleOffline(ctx context.Context, event domain.LifecycleEvent) error {
	workflowID := event.Offline.WorkflowID

	workflow, err := m.storage.GetWorkflow(ctx, workflowID)
	if err == nil {
		workflow.Status = domain.WorkflowOffline
		if err := m.storage.PutWorkflow(ctx, workflow); err != nil {
			return err
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	m.scheduler.CancelWorkflow(workflowID)
	m.logger.Info("workflow taken offline", "workflow_id", workflowID)
	return nil
}

// handleKill cancels every active run of the target workflow run in the local
// replica. Owned runs are additionally pulled from the scheduler, and owned
// RUNNING runs aborted at the dispatcher.
func (m *Materializer) handleKill(ctx context.Context, event domain.LifecycleEvent) error {
	payload := event.Kill

	runs, err := m.storage.ListJobRunsByWorkflowRun(ctx, payload.WorkflowRunID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		owned := m.ownership.Owns(run.BucketID)
		if owned {
			m.scheduler.Cancel(run.ID)
		}
		err := m.storage.UpdateJobRunStatus(ctx, run.ID, run.Status, domain.RunCancelled)
		if errors.Is(err, domain.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return err
		}
		if owned && run.Status == domain.RunRunning {
			m.dispatcher.Abort(run.ID)
		}
	}

	for _, from := range []domain.RunStatus{domain.RunWaiting, domain.RunRunning} {
		err := m.storage.UpdateWorkflowRunStatus(ctx, payload.WorkflowRunID, from, domain.RunCancelled)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStatusMismatch) && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	m.logger.Info("killed workflow run", "workflow_run_id", payload.WorkflowRunID)
	return nil
}

// handleRerun resets failed, cancelled, or timed-out runs back to WAITING in
// the local replica and re-registers the owned ones. A reset run keeps its
// id, so reruns stay idempotent under duplicate delivery.
func (m *Materializer) handleRerun(ctx context.Context, event domain.LifecycleEvent) error {
	payload := event.Rerun

	deps, err := m.storage.ListRunDependencies(ctx, payload.WorkflowRunID)
	if err != nil {
		return err
	}
	parentsOf := make(map[int64][]int64)
	for _, dep := range deps {
		parentsOf[dep.JobRunID] = append(parentsOf[dep.JobRunID], dep.ParentRunID)
	}

	for runID, jobID := range payload.JobRunToJobID {
		triggerTime := m.now().UnixMilli()
		if len(parentsOf[runID]) > 0 {
			triggerTime = domain.DeferredTriggerTime
		}

		err := m.storage.ResetJobRun(ctx, runID, triggerTime)
		if errors.Is(err, domain.ErrStatusMismatch) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if !m.ownership.OwnsEntity(jobID) {
			continue
		}
		run, err := m.storage.GetJobRun(ctx, runID)
		if err != nil {
			return err
		}
		m.scheduler.Register(run, parentsOf[runID])
		m.logger.Info("rerun scheduled", "run_id", runID, "job_id", jobID)
	}

	for _, from := range []domain.RunStatus{domain.RunFailed, domain.RunCancelled, domain.RunTimeout} {
		err := m.storage.UpdateWorkflowRunStatus(ctx, payload.WorkflowRunID, from, domain.RunRunning)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStatusMismatch) && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}
