package domain

import "time"

// WorkflowStatus is the design-time lifecycle of a workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft   WorkflowStatus = "DRAFT"
	WorkflowOnline  WorkflowStatus = "ONLINE"
	WorkflowOffline WorkflowStatus = "OFFLINE"
)

// TriggerType selects how a trigger time is computed from a TriggerSpec value.
type TriggerType string

const (
	TriggerCron      TriggerType = "CRON"
	TriggerFixedRate TriggerType = "FIXED_RATE"
	TriggerManual    TriggerType = "MANUAL"
	TriggerAPI       TriggerType = "API"
)

// TriggerSpec pairs a trigger type with its value: a cron expression for
// TriggerCron, an interval in seconds for TriggerFixedRate, empty otherwise.
type TriggerSpec struct {
	Type  TriggerType `json:"type"`
	Value string      `json:"value,omitempty"`
}

func (s TriggerSpec) IsZero() bool {
	return s.Type == ""
}

// Workflow is a named DAG of jobs. Definitions are mutated only through
// admin operations, never by workers.
type Workflow struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	Trigger  TriggerSpec    `json:"trigger"`
	Status   WorkflowStatus `json:"status"`
	Priority int            `json:"priority"`
}

// RetryPolicy bounds dispatcher-side retries of a job handler.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// Job is one DAG node. A job may carry its own TriggerSpec, which overrides
// the workflow's when computing the run's trigger time. Once a run references
// a job the referenced fields are immutable for that run's lifetime.
type Job struct {
	ID         int64         `json:"id"`
	WorkflowID int64         `json:"workflow_id"`
	Name       string        `json:"name"`
	Handler    string        `json:"handler"`
	Params     string        `json:"params,omitempty"`
	Trigger    TriggerSpec   `json:"trigger,omitempty"`
	Priority   int           `json:"priority"`
	Retry      RetryPolicy   `json:"retry"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Dependency is a design-time edge: JobID depends on ParentJobID, scoped to
// one workflow. The edge set of a workflow must stay acyclic.
type Dependency struct {
	WorkflowID  int64 `json:"workflow_id"`
	JobID       int64 `json:"job_id"`
	ParentJobID int64 `json:"parent_job_id"`
}
