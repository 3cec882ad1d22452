// Package datapillar provides a clustered workflow scheduler for Go
// applications.
//
// A datapillar worker joins a gossip cluster, takes ownership of a slice of
// a fixed bucket space via consistent hashing, and schedules the job runs
// that fall into its slice. Workflow lifecycles are driven by broadcast
// events that every worker materializes idempotently, so no central
// coordinator or distributed lock is needed.
//
// Basic usage:
//
//	worker, err := datapillar.New(datapillar.Config{
//	    NodeName: "worker-1",
//	    DataDir:  "./data",
//	})
//	worker.RegisterHandler("extract", extractHandler)
//	worker.Start(context.Background())
//
//	workflowID, _ := worker.CreateWorkflow(ctx, wf, jobs, deps)
//	runID, _ := worker.ManualTrigger(ctx, workflowID)
package datapillar

import (
	"github.com/SunnyX6/datapillar-scheduler/internal/adapters/dispatcher"
	"github.com/SunnyX6/datapillar-scheduler/internal/core"
	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// Worker is one scheduler node: cluster member, bucket owner, and executor
// of the job runs it owns.
type Worker = core.Worker

// Handler executes one job attempt and must honor context cancellation.
type Handler = dispatcher.Handler

// Configuration.
type (
	Config           = domain.Config
	ClusterConfig    = domain.ClusterConfig
	BucketConfig     = domain.BucketConfig
	SchedulerConfig  = domain.SchedulerConfig
	BroadcastConfig  = domain.BroadcastConfig
	DispatcherConfig = domain.DispatcherConfig
	StorageConfig    = domain.StorageConfig
)

// Definitions and runs.
type (
	Workflow      = domain.Workflow
	Job           = domain.Job
	Dependency    = domain.Dependency
	TriggerSpec   = domain.TriggerSpec
	RetryPolicy   = domain.RetryPolicy
	WorkflowRun   = domain.WorkflowRun
	JobRun        = domain.JobRun
	RunDependency = domain.RunDependency
)

// Statuses and trigger types.
const (
	WorkflowDraft   = domain.WorkflowDraft
	WorkflowOnline  = domain.WorkflowOnline
	WorkflowOffline = domain.WorkflowOffline

	TriggerCron      = domain.TriggerCron
	TriggerFixedRate = domain.TriggerFixedRate
	TriggerManual    = domain.TriggerManual
	TriggerAPI       = domain.TriggerAPI

	RunWaiting   = domain.RunWaiting
	RunRunning   = domain.RunRunning
	RunCompleted = domain.RunCompleted
	RunFailed    = domain.RunFailed
	RunCancelled = domain.RunCancelled
	RunTimeout   = domain.RunTimeout
)

// Sentinel errors and predicates.
var (
	ErrNotFound       = domain.ErrNotFound
	ErrAlreadyExists  = domain.ErrAlreadyExists
	ErrStatusMismatch = domain.ErrStatusMismatch
	ErrInvalidConfig  = domain.ErrInvalidConfig
	ErrInvalidInput   = domain.ErrInvalidInput

	IsCycleError = domain.IsCycleError
	IsNotFound   = domain.IsNotFound
)

// DefaultConfig returns the configuration a production worker starts from.
func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// New builds a worker node from configuration. Zero config fields are filled
// from DefaultConfig before validation.
func New(cfg Config) (*Worker, error) {
	return core.NewWorker(cfg)
}
