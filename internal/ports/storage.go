package ports

import (
	"context"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// StoragePort is the persistence collaborator. The core assumes only these
// operation contracts, never a specific engine: inserts are insert-if-absent
// (a duplicate insert of an identical deterministic row is not an error to
// the caller, see domain.ErrAlreadyExists), and status transitions are
// conditional on the expected current status so that racing double-owners
// cannot clobber each other.
type StoragePort interface {
	// Definition tables. Written by admin operations only.
	PutWorkflow(ctx context.Context, wf domain.Workflow) error
	GetWorkflow(ctx context.Context, workflowID int64) (domain.Workflow, error)
	DeleteWorkflow(ctx context.Context, workflowID int64) error
	PutJobs(ctx context.Context, jobs []domain.Job) error
	GetJob(ctx context.Context, jobID int64) (domain.Job, error)
	ListJobs(ctx context.Context, workflowID int64) ([]domain.Job, error)
	PutDependencies(ctx context.Context, workflowID int64, deps []domain.Dependency) error
	ListDependencies(ctx context.Context, workflowID int64) ([]domain.Dependency, error)

	// Run tables. Inserts are insert-if-absent keyed by the deterministic id.
	InsertWorkflowRun(ctx context.Context, run domain.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, runID int64) (domain.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, runID int64, expected, next domain.RunStatus) error
	InsertJobRuns(ctx context.Context, runs []domain.JobRun) error
	GetJobRun(ctx context.Context, runID int64) (domain.JobRun, error)
	UpdateJobRunStatus(ctx context.Context, runID int64, expected, next domain.RunStatus) error
	// MirrorJobRunStatus applies an owner-announced terminal status to the
	// local run replica. It overwrites any non-terminal status; a different
	// terminal status already present wins and returns ErrStatusMismatch.
	MirrorJobRunStatus(ctx context.Context, runID int64, status domain.RunStatus) error
	// SetJobRunRetryCount records how many retries a fired run consumed.
	SetJobRunRetryCount(ctx context.Context, runID int64, retryCount int) error
	ResetJobRun(ctx context.Context, runID int64, triggerTime int64) error
	ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID int64) ([]domain.JobRun, error)
	ListJobRunsByBuckets(ctx context.Context, buckets map[int]struct{}, statuses []domain.RunStatus) ([]domain.JobRun, error)
	InsertRunDependencies(ctx context.Context, deps []domain.RunDependency) error
	ListRunDependencies(ctx context.Context, workflowRunID int64) ([]domain.RunDependency, error)

	// NextPublishSeq atomically increments and returns this node's
	// lifecycle-event publish counter for the workflow, starting at 1.
	// Counters are local to the publishing node; subscribers order events
	// per (workflow, origin) stream, so counters on different nodes never
	// need to agree.
	NextPublishSeq(ctx context.Context, workflowID int64) (uint64, error)

	// Bucket lease mirror. Advisory only; see domain.BucketLease.
	UpsertBucketLease(ctx context.Context, lease domain.BucketLease) error
	DeleteBucketLease(ctx context.Context, bucketID int, owner string) error
	ListBucketLeasesByOwner(ctx context.Context, owner string) ([]domain.BucketLease, error)

	Close() error
}
