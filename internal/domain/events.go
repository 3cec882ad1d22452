package domain

import "fmt"

// EventOp tags a lifecycle event with the operation it announces.
type EventOp string

const (
	OpOnline        EventOp = "ONLINE"
	OpManualTrigger EventOp = "MANUAL_TRIGGER"
	OpOffline       EventOp = "OFFLINE"
	OpKill          EventOp = "KILL"
	OpRerun         EventOp = "RERUN"
)

// TriggerPayload is the snapshot carried by ONLINE and MANUAL_TRIGGER events:
// the full workflow definition as of broadcast time. Every worker persists
// the snapshot locally and derives every run id from it, never from live
// definition rows, so a node that joined after workflow creation still
// materializes and fires the runs it owns.
type TriggerPayload struct {
	Workflow     Workflow     `json:"workflow"`
	Jobs         []Job        `json:"jobs"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// OfflinePayload instructs schedulers to drop not-yet-fired registrations
// for the workflow. No rows are created.
type OfflinePayload struct {
	WorkflowID int64 `json:"workflow_id"`
}

// KillPayload targets one WorkflowRun; each worker cancels only the still
// active JobRuns it owns.
type KillPayload struct {
	WorkflowID    int64 `json:"workflow_id"`
	WorkflowRunID int64 `json:"workflow_run_id"`
}

// RerunPayload resets previously failed, cancelled, or timed-out JobRuns of
// one WorkflowRun back to WAITING. JobRunToJobID carries the run-to-job
// mapping so that workers need not re-derive it.
type RerunPayload struct {
	WorkflowID    int64           `json:"workflow_id"`
	WorkflowRunID int64           `json:"workflow_run_id"`
	JobRunToJobID map[int64]int64 `json:"job_run_to_job_id"`
}

// LifecycleEvent is the broadcast payload announcing a workflow or run level
// state transition. Exactly one payload field matching Op is set. Events are
// immutable once published and consumed independently by every worker; Seq
// counts the origin node's publishes for the workflow, so consumers restore
// per-(workflow, origin) publish order under redelivery without any counter
// shared across nodes.
type LifecycleEvent struct {
	EventID    string  `json:"event_id"`
	WorkflowID int64   `json:"workflow_id"`
	Origin     string  `json:"origin"`
	Seq        uint64  `json:"seq"`
	Op         EventOp `json:"op"`

	Trigger *TriggerPayload `json:"trigger,omitempty"`
	Offline *OfflinePayload `json:"offline,omitempty"`
	Kill    *KillPayload    `json:"kill,omitempty"`
	Rerun   *RerunPayload   `json:"rerun,omitempty"`
}

// Validate checks that the event carries exactly the payload its op demands.
func (e *LifecycleEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: lifecycle event missing event id", ErrInvalidInput)
	}
	if e.Origin == "" {
		return fmt.Errorf("%w: lifecycle event missing origin node", ErrInvalidInput)
	}
	switch e.Op {
	case OpOnline, OpManualTrigger:
		if e.Trigger == nil {
			return fmt.Errorf("%w: %s event missing trigger payload", ErrInvalidInput, e.Op)
		}
	case OpOffline:
		if e.Offline == nil {
			return fmt.Errorf("%w: OFFLINE event missing payload", ErrInvalidInput)
		}
	case OpKill:
		if e.Kill == nil {
			return fmt.Errorf("%w: KILL event missing payload", ErrInvalidInput)
		}
	case OpRerun:
		if e.Rerun == nil {
			return fmt.Errorf("%w: RERUN event missing payload", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown event op %q", ErrInvalidInput, e.Op)
	}
	return nil
}

// RunStatusUpdate announces one JobRun's owner-recorded terminal outcome to
// the rest of the cluster. Updates are unordered and at-least-once; receivers
// mirror the status into their local run replica, so cross-worker dependency
// gating and workflow-run completion never rely on shared storage.
type RunStatusUpdate struct {
	UpdateID      string    `json:"update_id"`
	RunID         int64     `json:"run_id"`
	WorkflowRunID int64     `json:"workflow_run_id"`
	WorkflowID    int64     `json:"workflow_id"`
	Status        RunStatus `json:"status"`
}

// Validate checks the update identifies a run and carries a terminal status.
func (u *RunStatusUpdate) Validate() error {
	if u.UpdateID == "" {
		return fmt.Errorf("%w: run status update missing update id", ErrInvalidInput)
	}
	if u.RunID == 0 {
		return fmt.Errorf("%w: run status update missing run id", ErrInvalidInput)
	}
	if !u.Status.Terminal() {
		return fmt.Errorf("%w: run status update carries non-terminal status %q", ErrInvalidInput, u.Status)
	}
	return nil
}

// MembershipChange describes one cluster membership transition.
type MembershipChange struct {
	Address string
	Joined  bool
}
