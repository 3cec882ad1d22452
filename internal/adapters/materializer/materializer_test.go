package materializer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/storage"
	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/ident"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
)

type fakeOwnership struct {
	count int
	owned map[int]struct{}
	all   bool
}

func ownAll() *fakeOwnership {
	return &fakeOwnership{count: 1024, all: true}
}

func ownBucketsOf(entityIDs ...int64) *fakeOwnership {
	f := &fakeOwnership{count: 1024, owned: make(map[int]struct{})}
	for _, id := range entityIDs {
		f.owned[domain.BucketOf(id, f.count)] = struct{}{}
	}
	return f
}

func (f *fakeOwnership) BucketCount() int { return f.count }

func (f *fakeOwnership) Owns(bucketID int) bool {
	if f.all {
		return true
	}
	_, ok := f.owned[bucketID]
	return ok
}

func (f *fakeOwnership) OwnsEntity(entityID int64) bool {
	return f.Owns(domain.BucketOf(entityID, f.count))
}

type registration struct {
	run     domain.JobRun
	parents []int64
}

type fakeScheduler struct {
	mu         sync.Mutex
	registered []registration
	cancelled  []int64
	workflows  []int64
}

func (f *fakeScheduler) Start(context.Context) error { return nil }
func (f *fakeScheduler) Stop() error                 { return nil }
func (f *fakeScheduler) DropBucket(int)              {}
func (f *fakeScheduler) OnParentCompleted(int64)     {}

func (f *fakeScheduler) Register(run domain.JobRun, parentRunIDs []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, registration{run: run, parents: parentRunIDs})
}

func (f *fakeScheduler) Cancel(runID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
}

func (f *fakeScheduler) CancelWorkflow(workflowID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows = append(f.workflows, workflowID)
}

func (f *fakeScheduler) registrations() []registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registration(nil), f.registered...)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	aborted []int64
}

func (f *fakeDispatcher) Start(context.Context) error               { return nil }
func (f *fakeDispatcher) Stop() error                               { return nil }
func (f *fakeDispatcher) Fire(ports.FireRequest) error              { return nil }
func (f *fakeDispatcher) OnCompletion(func(ports.CompletionReport)) {}

func (f *fakeDispatcher) Abort(runID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, runID)
}

type fixture struct {
	store      *storage.MemoryStorage
	sched      *fakeScheduler
	dispatcher *fakeDispatcher
	mat        *Materializer
}

func newFixture(t *testing.T, ownership Ownership) *fixture {
	t.Helper()
	generator, err := ident.NewGenerator(1)
	require.NoError(t, err)
	f := &fixture{
		store:      storage.NewMemoryStorage(),
		sched:      &fakeScheduler{},
		dispatcher: &fakeDispatcher{},
	}
	f.mat = New(f.store, f.sched, f.dispatcher, ownership, generator, nil)
	return f
}

// triggerEvent snapshots workflow 100 with jobs 11, 12, 13 and edges
// 11->13, 12->13. The local store starts empty; the payload is the only
// source of the definition, as for a worker that joined late.
func triggerEvent() domain.LifecycleEvent {
	return domain.LifecycleEvent{
		EventID:    uuid.NewString(),
		WorkflowID: 100,
		Origin:     "node-1",
		Seq:        1,
		Op:         domain.OpManualTrigger,
		Trigger: &domain.TriggerPayload{
			Workflow: domain.Workflow{
				ID: 100, Name: "etl", Status: domain.WorkflowOnline, Priority: 5,
			},
			Jobs: []domain.Job{
				{ID: 11, WorkflowID: 100, Name: "extract", Handler: "extract"},
				{ID: 12, WorkflowID: 100, Name: "transform", Handler: "transform"},
				{ID: 13, WorkflowID: 100, Name: "load", Handler: "load"},
			},
			Dependencies: []domain.Dependency{
				{WorkflowID: 100, JobID: 13, ParentJobID: 11},
				{WorkflowID: 100, JobID: 13, ParentJobID: 12},
			},
		},
	}
}

func TestTriggerMaterializesAllRows(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()

	event := triggerEvent()
	f.mat.Handle(ctx, event)

	// The definition snapshot lands in the local store.
	wf, err := f.store.GetWorkflow(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, "etl", wf.Name)
	jobs, err := f.store.ListJobs(ctx, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	workflowRunID := ident.DeterministicID(event.EventID, 100)
	workflowRun, err := f.store.GetWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunWaiting, workflowRun.Status)
	require.Equal(t, string(domain.OpManualTrigger), workflowRun.Op)

	runs, err := f.store.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		require.Equal(t, domain.RunWaiting, run.Status)
		require.Equal(t, 5, run.Priority, "job priority falls back to workflow priority")
	}

	deps, err := f.store.ListRunDependencies(ctx, workflowRunID)
	require.NoError(t, err)
	require.Len(t, deps, 2)

	childRunID := ident.DeterministicID(event.EventID, 13)
	for _, dep := range deps {
		require.Equal(t, childRunID, dep.JobRunID)
	}

	regs := f.sched.registrations()
	require.Len(t, regs, 3)
	for _, reg := range regs {
		if reg.run.ID == childRunID {
			require.ElementsMatch(t, []int64{
				ident.DeterministicID(event.EventID, 11),
				ident.DeterministicID(event.EventID, 12),
			}, reg.parents)
			require.Equal(t, domain.DeferredTriggerTime, reg.run.TriggerTime)
		} else {
			require.Empty(t, reg.parents)
			require.NotEqual(t, domain.DeferredTriggerTime, reg.run.TriggerTime)
		}
	}
}

func TestDuplicateDeliveryCreatesNoNewRows(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()

	event := triggerEvent()
	f.mat.Handle(ctx, event)
	f.mat.Handle(ctx, event)

	workflowRunID := ident.DeterministicID(event.EventID, 100)
	runs, err := f.store.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	deps, err := f.store.ListRunDependencies(ctx, workflowRunID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
}

func TestDistinctEventsMaterializeDistinctRuns(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()

	first := triggerEvent()
	second := triggerEvent()
	f.mat.Handle(ctx, first)
	f.mat.Handle(ctx, second)

	require.NotEqual(t,
		ident.DeterministicID(first.EventID, 100),
		ident.DeterministicID(second.EventID, 100))
	require.Len(t, f.sched.registrations(), 6)
}

func TestNonOwnedRunsReplicateWithoutRegistration(t *testing.T) {
	// This worker owns only job 13's bucket. Every row still lands locally;
	// only 13's run is handed to the scheduler.
	f := newFixture(t, ownBucketsOf(13))
	ctx := context.Background()

	event := triggerEvent()
	f.mat.Handle(ctx, event)

	workflowRunID := ident.DeterministicID(event.EventID, 100)
	workflowRun, err := f.store.GetWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunWaiting, workflowRun.Status)

	runs, err := f.store.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	deps, err := f.store.ListRunDependencies(ctx, workflowRunID)
	require.NoError(t, err)
	require.Len(t, deps, 2)

	regs := f.sched.registrations()
	require.Len(t, regs, 1)
	require.Equal(t, ident.DeterministicID(event.EventID, 13), regs[0].run.ID)
}

func TestOfflineCancelsWorkflowRegistrations(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()
	require.NoError(t, f.store.PutWorkflow(ctx, domain.Workflow{
		ID: 100, Name: "etl", Status: domain.WorkflowOnline,
	}))

	f.mat.Handle(ctx, domain.LifecycleEvent{
		EventID: uuid.NewString(), WorkflowID: 100, Origin: "node-1", Op: domain.OpOffline,
		Offline: &domain.OfflinePayload{WorkflowID: 100},
	})
	require.Equal(t, []int64{100}, f.sched.workflows)

	wf, err := f.store.GetWorkflow(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowOffline, wf.Status)
}

func TestKillCancelsOwnedActiveRuns(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()

	event := triggerEvent()
	f.mat.Handle(ctx, event)
	workflowRunID := ident.DeterministicID(event.EventID, 100)

	// One run is already executing.
	runningID := ident.DeterministicID(event.EventID, 11)
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, runningID, domain.RunWaiting, domain.RunRunning))

	f.mat.Handle(ctx, domain.LifecycleEvent{
		EventID: uuid.NewString(), WorkflowID: 100, Origin: "node-1", Op: domain.OpKill,
		Kill: &domain.KillPayload{WorkflowID: 100, WorkflowRunID: workflowRunID},
	})

	runs, err := f.store.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	for _, run := range runs {
		require.Equal(t, domain.RunCancelled, run.Status)
	}

	workflowRun, err := f.store.GetWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, workflowRun.Status)
	require.Equal(t, []int64{runningID}, f.dispatcher.aborted)
}

func TestKillOnNonOwnerCancelsReplicaWithoutAbort(t *testing.T) {
	// A worker owning none of the runs still records the cancellation in its
	// replica; aborting the execution is the owner's job.
	f := newFixture(t, ownBucketsOf())
	ctx := context.Background()

	event := triggerEvent()
	f.mat.Handle(ctx, event)
	workflowRunID := ident.DeterministicID(event.EventID, 100)

	runningID := ident.DeterministicID(event.EventID, 11)
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, runningID, domain.RunWaiting, domain.RunRunning))

	f.mat.Handle(ctx, domain.LifecycleEvent{
		EventID: uuid.NewString(), WorkflowID: 100, Origin: "node-1", Op: domain.OpKill,
		Kill: &domain.KillPayload{WorkflowID: 100, WorkflowRunID: workflowRunID},
	})

	runs, err := f.store.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	for _, run := range runs {
		require.Equal(t, domain.RunCancelled, run.Status)
	}

	workflowRun, err := f.store.GetWorkflowRun(ctx, workflowRunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, workflowRun.Status)
	require.Empty(t, f.dispatcher.aborted)
	require.Empty(t, f.sched.cancelled)
}

func TestKillLeavesCompletedRunsAlone(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()

	event := triggerEvent()
	f.mat.Handle(ctx, event)
	workflowRunID := ident.DeterministicID(event.EventID, 100)

	doneID := ident.DeterministicID(event.EventID, 11)
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, doneID, domain.RunWaiting, domain.RunRunning))
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, doneID, domain.RunRunning, domain.RunCompleted))

	f.mat.Handle(ctx, domain.LifecycleEvent{
		EventID: uuid.NewString(), WorkflowID: 100, Origin: "node-1", Op: domain.OpKill,
		Kill: &domain.KillPayload{WorkflowID: 100, WorkflowRunID: workflowRunID},
	})

	done, err := f.store.GetJobRun(ctx, doneID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, done.Status)
	require.Empty(t, f.dispatcher.aborted)
}

func TestRerunResetsOnlyRerunnableRuns(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()

	event := triggerEvent()
	f.mat.Handle(ctx, event)
	workflowRunID := ident.DeterministicID(event.EventID, 100)

	failedID := ident.DeterministicID(event.EventID, 11)
	completedID := ident.DeterministicID(event.EventID, 12)
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, failedID, domain.RunWaiting, domain.RunRunning))
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, failedID, domain.RunRunning, domain.RunFailed))
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, completedID, domain.RunWaiting, domain.RunRunning))
	require.NoError(t, f.store.UpdateJobRunStatus(ctx, completedID, domain.RunRunning, domain.RunCompleted))

	before := len(f.sched.registrations())
	f.mat.Handle(ctx, domain.LifecycleEvent{
		EventID: uuid.NewString(), WorkflowID: 100, Origin: "node-1", Op: domain.OpRerun,
		Rerun: &domain.RerunPayload{
			WorkflowID:    100,
			WorkflowRunID: workflowRunID,
			JobRunToJobID: map[int64]int64{failedID: 11, completedID: 12},
		},
	})

	failed, err := f.store.GetJobRun(ctx, failedID)
	require.NoError(t, err)
	require.Equal(t, domain.RunWaiting, failed.Status)
	require.Zero(t, failed.RetryCount)

	completed, err := f.store.GetJobRun(ctx, completedID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, completed.Status)

	require.Len(t, f.sched.registrations(), before+1)
}

func TestInvalidEventIsDropped(t *testing.T) {
	f := newFixture(t, ownAll())
	f.mat.Handle(context.Background(), domain.LifecycleEvent{
		EventID: uuid.NewString(), WorkflowID: 100, Origin: "node-1", Op: domain.OpKill,
	})
	require.Empty(t, f.sched.registrations())
	require.Empty(t, f.sched.cancelled)
}

func TestOnlineUsesWorkflowSchedule(t *testing.T) {
	f := newFixture(t, ownAll())
	ctx := context.Background()

	start := time.Now()
	f.mat.Handle(ctx, domain.LifecycleEvent{
		EventID: uuid.NewString(), WorkflowID: 100, Origin: "node-1", Op: domain.OpOnline,
		Trigger: &domain.TriggerPayload{
			Workflow: domain.Workflow{
				ID: 100, Name: "nightly",
				Trigger: domain.TriggerSpec{Type: domain.TriggerFixedRate, Value: "3600"},
				Status:  domain.WorkflowOnline,
			},
			Jobs: []domain.Job{
				{ID: 11, WorkflowID: 100, Name: "only", Handler: "noop"},
			},
		},
	})

	regs := f.sched.registrations()
	require.Len(t, regs, 1)
	require.GreaterOrEqual(t, regs[0].run.TriggerTime, start.Add(time.Hour).UnixMilli())
}
