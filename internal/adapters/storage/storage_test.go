package storage

import (
	"context"
	"testing"
	"time"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
	"github.com/stretchr/testify/require"
)

func implementations(t *testing.T) map[string]ports.StoragePort {
	t.Helper()

	badgerStore, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]ports.StoragePort{
		"badger": badgerStore,
		"memory": NewMemoryStorage(),
	}
}

func TestWorkflowDefinitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			wf := domain.Workflow{
				ID:      10,
				Name:    "nightly-etl",
				Trigger: domain.TriggerSpec{Type: domain.TriggerCron, Value: "0 2 * * *"},
				Status:  domain.WorkflowDraft,
			}
			require.NoError(t, store.PutWorkflow(ctx, wf))

			got, err := store.GetWorkflow(ctx, 10)
			require.NoError(t, err)
			require.Equal(t, wf, got)

			jobs := []domain.Job{
				{ID: 101, WorkflowID: 10, Name: "extract", Handler: "etl.extract"},
				{ID: 102, WorkflowID: 10, Name: "load", Handler: "etl.load"},
			}
			require.NoError(t, store.PutJobs(ctx, jobs))

			listed, err := store.ListJobs(ctx, 10)
			require.NoError(t, err)
			require.ElementsMatch(t, jobs, listed)

			deps := []domain.Dependency{{WorkflowID: 10, JobID: 102, ParentJobID: 101}}
			require.NoError(t, store.PutDependencies(ctx, 10, deps))
			gotDeps, err := store.ListDependencies(ctx, 10)
			require.NoError(t, err)
			require.Equal(t, deps, gotDeps)

			_, err = store.GetWorkflow(ctx, 999)
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestInsertJobRunsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			run := domain.JobRun{
				ID:            555,
				WorkflowRunID: 50,
				JobID:         5,
				BucketID:      5,
				Status:        domain.RunWaiting,
			}
			require.NoError(t, store.InsertJobRuns(ctx, []domain.JobRun{run}))

			// Second insert of a mutated copy must not overwrite the row.
			mutated := run
			mutated.Status = domain.RunRunning
			require.NoError(t, store.InsertJobRuns(ctx, []domain.JobRun{mutated}))

			got, err := store.GetJobRun(ctx, 555)
			require.NoError(t, err)
			require.Equal(t, domain.RunWaiting, got.Status)
		})
	}
}

func TestConditionalStatusUpdate(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			run := domain.JobRun{ID: 7, WorkflowRunID: 70, BucketID: 7, Status: domain.RunWaiting}
			require.NoError(t, store.InsertJobRuns(ctx, []domain.JobRun{run}))

			require.NoError(t, store.UpdateJobRunStatus(ctx, 7, domain.RunWaiting, domain.RunRunning))

			// Losing side of a double-fire race observes the mismatch.
			err := store.UpdateJobRunStatus(ctx, 7, domain.RunWaiting, domain.RunRunning)
			require.ErrorIs(t, err, domain.ErrStatusMismatch)

			err = store.UpdateJobRunStatus(ctx, 404, domain.RunWaiting, domain.RunRunning)
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestMirrorJobRunStatus(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			runs := []domain.JobRun{
				{ID: 31, WorkflowRunID: 30, Status: domain.RunWaiting},
				{ID: 32, WorkflowRunID: 30, Status: domain.RunCancelled},
			}
			require.NoError(t, store.InsertJobRuns(ctx, runs))

			// A non-terminal replica takes the announced outcome.
			require.NoError(t, store.MirrorJobRunStatus(ctx, 31, domain.RunCompleted))
			got, err := store.GetJobRun(ctx, 31)
			require.NoError(t, err)
			require.Equal(t, domain.RunCompleted, got.Status)

			// Repeating the same outcome is a no-op.
			require.NoError(t, store.MirrorJobRunStatus(ctx, 31, domain.RunCompleted))

			// A conflicting terminal status already recorded locally wins.
			err = store.MirrorJobRunStatus(ctx, 32, domain.RunCompleted)
			require.ErrorIs(t, err, domain.ErrStatusMismatch)
			got, err = store.GetJobRun(ctx, 32)
			require.NoError(t, err)
			require.Equal(t, domain.RunCancelled, got.Status)

			err = store.MirrorJobRunStatus(ctx, 404, domain.RunCompleted)
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestSetJobRunRetryCount(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			run := domain.JobRun{ID: 41, WorkflowRunID: 40, Status: domain.RunRunning}
			require.NoError(t, store.InsertJobRuns(ctx, []domain.JobRun{run}))

			require.NoError(t, store.SetJobRunRetryCount(ctx, 41, 2))
			got, err := store.GetJobRun(ctx, 41)
			require.NoError(t, err)
			require.Equal(t, 2, got.RetryCount)
			require.Equal(t, domain.RunRunning, got.Status)

			err = store.SetJobRunRetryCount(ctx, 404, 1)
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestResetJobRunOnlyRerunnable(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			runs := []domain.JobRun{
				{ID: 1, WorkflowRunID: 1, Status: domain.RunFailed, RetryCount: 3},
				{ID: 2, WorkflowRunID: 1, Status: domain.RunCompleted},
			}
			require.NoError(t, store.InsertJobRuns(ctx, runs))

			now := time.Now().UnixMilli()
			require.NoError(t, store.ResetJobRun(ctx, 1, now))
			got, err := store.GetJobRun(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, domain.RunWaiting, got.Status)
			require.Zero(t, got.RetryCount)
			require.Equal(t, now, got.TriggerTime)

			require.ErrorIs(t, store.ResetJobRun(ctx, 2, now), domain.ErrStatusMismatch)
		})
	}
}

func TestListJobRunsByBuckets(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.InsertJobRuns(ctx, []domain.JobRun{
				{ID: 11, BucketID: 1, Status: domain.RunWaiting},
				{ID: 12, BucketID: 1, Status: domain.RunCompleted},
				{ID: 21, BucketID: 2, Status: domain.RunWaiting},
				{ID: 31, BucketID: 3, Status: domain.RunWaiting},
			}))

			owned := map[int]struct{}{1: {}, 2: {}}
			runs, err := store.ListJobRunsByBuckets(ctx, owned, []domain.RunStatus{domain.RunWaiting})
			require.NoError(t, err)

			ids := make([]int64, 0, len(runs))
			for _, run := range runs {
				ids = append(ids, run.ID)
			}
			require.ElementsMatch(t, []int64{11, 21}, ids)
		})
	}
}

func TestRunDependenciesDeduplicated(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			dep := domain.RunDependency{ID: 1, WorkflowRunID: 9, JobRunID: 91, ParentRunID: 90}
			require.NoError(t, store.InsertRunDependencies(ctx, []domain.RunDependency{dep}))
			require.NoError(t, store.InsertRunDependencies(ctx, []domain.RunDependency{dep}))

			deps, err := store.ListRunDependencies(ctx, 9)
			require.NoError(t, err)
			require.Len(t, deps, 1)
		})
	}
}

func TestBucketLeaseMirror(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Millisecond)
			for _, bucketID := range []int{3, 4, 5} {
				lease := domain.BucketLease{BucketID: bucketID, Owner: "10.0.0.1:7946", RenewedAt: now}
				require.NoError(t, store.UpsertBucketLease(ctx, lease))
			}

			leases, err := store.ListBucketLeasesByOwner(ctx, "10.0.0.1:7946")
			require.NoError(t, err)
			require.Len(t, leases, 3)

			// Takeover rewrites the owner index.
			takeover := domain.BucketLease{BucketID: 4, Owner: "10.0.0.2:7946", RenewedAt: now}
			require.NoError(t, store.UpsertBucketLease(ctx, takeover))

			leases, err = store.ListBucketLeasesByOwner(ctx, "10.0.0.1:7946")
			require.NoError(t, err)
			require.Len(t, leases, 2)

			// Delete is a no-op for a non-owner.
			require.NoError(t, store.DeleteBucketLease(ctx, 3, "10.0.0.9:7946"))
			leases, err = store.ListBucketLeasesByOwner(ctx, "10.0.0.1:7946")
			require.NoError(t, err)
			require.Len(t, leases, 2)

			require.NoError(t, store.DeleteBucketLease(ctx, 3, "10.0.0.1:7946"))
			leases, err = store.ListBucketLeasesByOwner(ctx, "10.0.0.1:7946")
			require.NoError(t, err)
			require.Len(t, leases, 1)
		})
	}
}

func TestNextPublishSeqIsMonotonicPerWorkflow(t *testing.T) {
	ctx := context.Background()
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			for want := uint64(1); want <= 3; want++ {
				seq, err := store.NextPublishSeq(ctx, 100)
				require.NoError(t, err)
				require.Equal(t, want, seq)
			}

			// Counters are independent per workflow.
			seq, err := store.NextPublishSeq(ctx, 200)
			require.NoError(t, err)
			require.Equal(t, uint64(1), seq)
		})
	}
}
