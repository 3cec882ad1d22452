package ports

import (
	"context"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// FireRequest asks the execution dispatcher to run one job handler.
type FireRequest struct {
	RunID  int64
	JobID  int64
	Job    domain.Job
	Params string
}

// CompletionReport is the dispatcher's eventual verdict on a fired run.
// Attempts counts handler invocations, so Attempts-1 is the retry count the
// run is recorded with.
type CompletionReport struct {
	RunID    int64
	Status   domain.RunStatus
	Attempts int
	Err      string
}

// DispatcherPort is the execution collaborator. It owns handler retries per
// the job's retry policy and must support an externally triggered stop for
// runs that were cancelled after firing.
type DispatcherPort interface {
	Start(ctx context.Context) error
	Stop() error

	Fire(req FireRequest) error
	Abort(runID int64)

	// OnCompletion registers the callback invoked exactly once per fired run
	// with its terminal outcome.
	OnCompletion(fn func(CompletionReport))
}

// SchedulerPort is the local per-bucket scheduler surface the materializer
// and bucket manager drive.
type SchedulerPort interface {
	Start(ctx context.Context) error
	Stop() error

	Register(run domain.JobRun, parentRunIDs []int64)
	Cancel(runID int64)
	CancelWorkflow(workflowID int64)
	OnParentCompleted(parentRunID int64)
	DropBucket(bucketID int)
}
