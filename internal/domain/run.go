package domain

import "time"

// RunStatus is the lifecycle of a materialized run instance.
type RunStatus string

const (
	RunWaiting   RunStatus = "WAITING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
	RunTimeout   RunStatus = "TIMEOUT"
)

// Terminal reports whether a run in this status will never transition again
// without an explicit rerun.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// Rerunnable reports whether a rerun may reset this status back to WAITING.
func (s RunStatus) Rerunnable() bool {
	switch s {
	case RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// DeferredTriggerTime marks a run whose real trigger time is unknown until
// every upstream parent has completed.
const DeferredTriggerTime int64 = 0

// WorkflowRun is the per-event materialization of a workflow. Its ID is
// derived deterministically from (event id, workflow id), so every worker
// computes the same row without coordination.
type WorkflowRun struct {
	ID          int64     `json:"id"`
	WorkflowID  int64     `json:"workflow_id"`
	BucketID    int       `json:"bucket_id"`
	Status      RunStatus `json:"status"`
	TriggerTime int64     `json:"trigger_time"`
	Op          string    `json:"op"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobRun is the per-event materialization of a job. Parent references are
// run-scoped: they point at other JobRun IDs, never at design-time job IDs.
type JobRun struct {
	ID            int64     `json:"id"`
	WorkflowRunID int64     `json:"workflow_run_id"`
	WorkflowID    int64     `json:"workflow_id"`
	JobID         int64     `json:"job_id"`
	BucketID      int       `json:"bucket_id"`
	Status        RunStatus `json:"status"`
	TriggerTime   int64     `json:"trigger_time"`
	Priority      int       `json:"priority"`
	RetryCount    int       `json:"retry_count"`
	Op            string    `json:"op"`
	CreatedAt     time.Time `json:"created_at"`
}

// RunDependency is a run-scoped edge between two JobRuns of one WorkflowRun.
type RunDependency struct {
	ID            int64 `json:"id"`
	WorkflowRunID int64 `json:"workflow_run_id"`
	JobRunID      int64 `json:"job_run_id"`
	ParentRunID   int64 `json:"parent_run_id"`
}

// BucketLease is a time-bounded claim by one worker over one bucket. Leases
// are advisory: the consistent-hash assignment stays authoritative, the lease
// only lets a restarting worker reclaim its previous buckets first and lets
// peers detect abandonment.
type BucketLease struct {
	BucketID  int       `json:"bucket_id"`
	Owner     string    `json:"owner"`
	RenewedAt time.Time `json:"renewed_at"`
}

// Expired reports whether the lease has gone unrenewed past the threshold.
func (l BucketLease) Expired(threshold time.Duration, now time.Time) bool {
	return now.Sub(l.RenewedAt) > threshold
}

// OwnedBy reports whether the lease names addr as its holder.
func (l BucketLease) OwnedBy(addr string) bool {
	return l.Owner == addr
}

// BucketOf maps an entity id onto the fixed bucket space.
func BucketOf(entityID int64, bucketCount int) int {
	return int(entityID % int64(bucketCount))
}
