package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of an execution run.
type RunStatus string

const (
	// RunStatusPending indicates the run state exists but scheduling has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every scheduled node succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one node failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user or a signal.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// StepStatus represents the status of a single node (or task) within a run.
type StepStatus string

const (
	// StepPending indicates the step has not started.
	StepPending StepStatus = "pending"

	// StepRunning indicates the step is executing.
	StepRunning StepStatus = "running"

	// StepSuccess indicates the step completed successfully.
	StepSuccess StepStatus = "success"

	// StepFailed indicates the step failed after exhausting its retries.
	StepFailed StepStatus = "failed"

	// StepSkipped indicates the step was not executed because a dependency failed or was skipped.
	StepSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step will not change status without an explicit retry.
func (s StepStatus) IsTerminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepPending, StepRunning, StepSuccess, StepFailed, StepSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// canTransition reports whether from -> to is allowed by the step state machine.
// FAILED -> RUNNING is only legal on an explicit retry.
func canTransition(from, to StepStatus, retry bool) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepSkipped
	case StepRunning:
		return to == StepSuccess || to == StepFailed || to == StepSkipped
	case StepFailed:
		return retry && to == StepRunning
	default:
		return false
	}
}

// FailurePolicy determines how the scheduler reacts when a node fails.
type FailurePolicy string

const (
	// FailurePolicyStop halts scheduling of further levels after the current level drains.
	FailurePolicyStop FailurePolicy = "stop"

	// FailurePolicyContinue keeps scheduling; only dependents of the failed node are skipped.
	FailurePolicyContinue FailurePolicy = "continue"

	// FailurePolicyRollback rolls back the node's completed tasks and then applies the run default.
	FailurePolicyRollback FailurePolicy = "rollback"
)

// Validate checks if the failure policy is valid. The empty policy means "use the run default".
func (p FailurePolicy) Validate() error {
	switch p {
	case "", FailurePolicyStop, FailurePolicyContinue, FailurePolicyRollback:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// BackoffKind selects the delay growth between retry attempts.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// Validate checks if the backoff kind is valid.
func (b BackoffKind) Validate() error {
	switch b {
	case "", BackoffLinear, BackoffExponential:
		return nil
	default:
		return fmt.Errorf("invalid backoff: %s", b)
	}
}

// OnFailureAction decides what a task's exhausted retries mean for its node.
type OnFailureAction string

const (
	// OnFailureFail marks the task failed, which fails the node.
	OnFailureFail OnFailureAction = "fail"

	// OnFailureWarn logs a warning and records the task as a degraded success.
	OnFailureWarn OnFailureAction = "warn"

	// OnFailureIgnore records the task as success without a warning.
	OnFailureIgnore OnFailureAction = "ignore"
)

// Validate checks if the on-failure action is valid.
func (a OnFailureAction) Validate() error {
	switch a {
	case "", OnFailureFail, OnFailureWarn, OnFailureIgnore:
		return nil
	default:
		return fmt.Errorf("invalid onFailure action: %s", a)
	}
}

// RollbackTrigger controls when a task's rollback actions fire.
type RollbackTrigger string

const (
	RollbackAlways RollbackTrigger = "always"
	RollbackManual RollbackTrigger = "manual"
	RollbackNever  RollbackTrigger = "never"
)

// Validate checks if the rollback trigger is valid.
func (t RollbackTrigger) Validate() error {
	switch t {
	case "", RollbackAlways, RollbackManual, RollbackNever:
		return nil
	default:
		return fmt.Errorf("invalid rollback trigger: %s", t)
	}
}

// RollbackResult is the outcome of a rollback attempt.
type RollbackResult string

const (
	RollbackSucceeded RollbackResult = "succeeded"
	RollbackPartial   RollbackResult = "partial"
	RollbackDeferred  RollbackResult = "deferred"
)

// EventType represents the type of lifecycle event emitted by the scheduler.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
	EventRunCancelled   EventType = "run.cancelled"
	EventNodeStarted    EventType = "node.started"
	EventNodeSucceeded  EventType = "node.succeeded"
	EventNodeFailed     EventType = "node.failed"
	EventNodeSkipped    EventType = "node.skipped"
	EventNodeRolledBack EventType = "node.rolled_back"
	EventTaskRetrying   EventType = "task.retrying"
)

// MarshalJSON implements json.Marshaler for StepStatus.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for StepStatus.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := StepStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// MarshalJSON implements json.Marshaler for RunStatus.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for RunStatus.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
