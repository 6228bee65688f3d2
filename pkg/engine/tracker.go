package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// Tracker owns the ExecutionState of one run. Every mutation is applied to a
// copy, persisted, and only then committed, all under one mutex, so the stored
// snapshot never lags behind what callers observed.
type Tracker struct {
	store   StateStore
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string

	mu     sync.Mutex
	state  *ExecutionState
	sealed bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerTelemetry attaches logging and metrics.
func WithTrackerTelemetry(t *telemetry.Telemetry) TrackerOption {
	return func(tr *Tracker) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			tr.logger = t.Logger.NewComponentLogger("tracker")
		}
		tr.metrics = t.Metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(tr *Tracker) { tr.now = now }
}

// WithRunIDGenerator overrides run ID generation.
func WithRunIDGenerator(fn func() string) TrackerOption {
	return func(tr *Tracker) { tr.newID = fn }
}

// NewTracker creates a tracker persisting to store.
func NewTracker(store StateStore, opts ...TrackerOption) *Tracker {
	tr := &Tracker{
		store:  store,
		logger: telemetry.NopLogger(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Start creates and persists the state for a new run.
//
// A fresh run has every enabled node PENDING. A resume loads the latest
// snapshot for scope, refuses to continue if the node set changed
// (ConfigDriftError), and starts a new run whose successful steps are carried
// over from the previous one while everything else is PENDING again.
func (t *Tracker) Start(ctx context.Context, graph *Graph, scope Scope, resume bool) (*ExecutionState, error) {
	hash := ConfigHash(graph.Nodes())
	now := t.now()

	state := &ExecutionState{
		RunID:      t.newID(),
		ConfigHash: hash,
		Scope:      scope,
		Status:     RunStatusRunning,
		StartedAt:  now,
		UpdatedAt:  now,
		Steps:      make(map[string]*StepResult),
	}
	for _, level := range graph.Levels() {
		for _, id := range level.NodeIDs {
			state.Order = append(state.Order, id)
			state.Steps[id] = &StepResult{NodeID: id, Status: StepPending}
		}
	}

	if resume {
		prior, err := t.store.GetLatest(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load execution state: %w", err)
		}
		if prior == nil {
			return nil, ErrNoSnapshot
		}
		if prior.ConfigHash != hash {
			return nil, &ConfigDriftError{Scope: scope, Stored: prior.ConfigHash, Current: hash}
		}
		state.ParentRunID = prior.RunID
		for id, step := range state.Steps {
			old, ok := prior.Steps[id]
			if !ok {
				continue
			}
			if old.Status == StepSuccess {
				carried := old.clone()
				carried.Carried = true
				state.Steps[id] = carried
				continue
			}
			step.Attempts = old.Attempts
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.persist(ctx, state); err != nil {
		return nil, err
	}
	t.state = state
	t.sealed = false

	t.logger.WithRunID(state.RunID).Infof("run state created (scope=%s, resume=%t, parent=%s)",
		scope, resume, state.ParentRunID)
	return state.Clone(), nil
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() *ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil
	}
	return t.state.Clone()
}

// StepStatus returns the current status of a node's step.
func (t *Tracker) StepStatus(nodeID string) (StepStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return "", false
	}
	step, ok := t.state.Steps[nodeID]
	if !ok {
		return "", false
	}
	return step.Status, true
}

// MarkRunning moves a PENDING step to RUNNING and counts the attempt.
func (t *Tracker) MarkRunning(ctx context.Context, nodeID string) error {
	return t.transition(ctx, nodeID, StepRunning, false, func(s *StepResult, now time.Time) {
		s.StartedAt = &now
		s.EndedAt = nil
		s.Attempts++
		s.Error = ""
		s.Reason = ""
	})
}

// Retry moves a FAILED step back to RUNNING. It is the only way out of FAILED.
func (t *Tracker) Retry(ctx context.Context, nodeID string) error {
	return t.transition(ctx, nodeID, StepRunning, true, func(s *StepResult, now time.Time) {
		s.StartedAt = &now
		s.EndedAt = nil
		s.Attempts++
		s.Error = ""
		s.Reason = ""
		s.Rollback = nil
		s.Tasks = nil
	})
}

// RecordTask stores res on a RUNNING step, replacing any earlier result for
// the same task. The executor calls it when a task starts and when it ends, so
// a snapshot taken mid-node shows which tasks already ran.
func (t *Tracker) RecordTask(ctx context.Context, nodeID string, res TaskResult) error {
	return t.mutate(ctx, func(s *ExecutionState, _ time.Time) error {
		step, ok := s.Steps[nodeID]
		if !ok {
			return newError(KindNotFound, nodeID, "node is not part of this run")
		}
		if step.Status != StepRunning {
			return fmt.Errorf("%w: task %s recorded on %s step %s", ErrInvalidTransition, res.TaskID, step.Status, nodeID)
		}
		for i := range step.Tasks {
			if step.Tasks[i].TaskID == res.TaskID {
				step.Tasks[i] = res
				return nil
			}
		}
		step.Tasks = append(step.Tasks, res)
		return nil
	})
}

// MarkSucceeded records a successful node.
func (t *Tracker) MarkSucceeded(ctx context.Context, nodeID string, tasks []TaskResult) error {
	return t.transition(ctx, nodeID, StepSuccess, false, func(s *StepResult, now time.Time) {
		s.EndedAt = &now
		s.Tasks = tasks
	})
}

// MarkFailed records a failed node together with any rollback it triggered.
func (t *Tracker) MarkFailed(ctx context.Context, nodeID string, cause error, reason string, tasks []TaskResult, rollback *RollbackOutcome) error {
	return t.transition(ctx, nodeID, StepFailed, false, func(s *StepResult, now time.Time) {
		s.EndedAt = &now
		if cause != nil {
			s.Error = cause.Error()
		}
		s.Reason = reason
		s.Tasks = tasks
		s.Rollback = rollback
	})
}

// MarkSkipped records a node that will not run because of its dependencies.
func (t *Tracker) MarkSkipped(ctx context.Context, nodeID, reason string) error {
	return t.transition(ctx, nodeID, StepSkipped, false, func(s *StepResult, now time.Time) {
		s.EndedAt = &now
		s.Reason = reason
	})
}

// FailRunning marks every RUNNING step FAILED with reason. It returns the IDs it changed.
func (t *Tracker) FailRunning(ctx context.Context, reason string) ([]string, error) {
	var changed []string
	err := t.mutate(ctx, func(s *ExecutionState, now time.Time) error {
		for _, id := range s.Order {
			step := s.Steps[id]
			if step.Status != StepRunning {
				continue
			}
			step.Status = StepFailed
			step.EndedAt = &now
			step.Reason = reason
			if step.Error == "" {
				step.Error = reason
			}
			changed = append(changed, id)
		}
		return nil
	})
	return changed, err
}

// Finish records the terminal run status and seals the state against further changes.
func (t *Tracker) Finish(ctx context.Context, status RunStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: run status %s is not terminal", ErrInvalidTransition, status)
	}
	err := t.mutate(ctx, func(s *ExecutionState, now time.Time) error {
		s.Status = status
		s.EndedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
	return nil
}

func (t *Tracker) transition(ctx context.Context, nodeID string, to StepStatus, retry bool, apply func(*StepResult, time.Time)) error {
	return t.mutate(ctx, func(s *ExecutionState, now time.Time) error {
		step, ok := s.Steps[nodeID]
		if !ok {
			return newError(KindNotFound, nodeID, "node is not part of this run")
		}
		if !canTransition(step.Status, to, retry) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, nodeID, step.Status, to)
		}
		step.Status = to
		step.Carried = false
		apply(step, now)
		return nil
	})
}

// mutate applies fn to a copy of the state, persists the copy and commits it.
// A failed write leaves the in-memory state untouched.
func (t *Tracker) mutate(ctx context.Context, fn func(*ExecutionState, time.Time) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return newError(KindInternal, "", "tracker has no run")
	}
	if t.sealed {
		return ErrStateSealed
	}

	now := t.now()
	next := t.state.Clone()
	if err := fn(next, now); err != nil {
		return err
	}
	next.UpdatedAt = now

	if err := t.persist(ctx, next); err != nil {
		return err
	}
	t.state = next
	return nil
}

// persist writes state; callers hold t.mu. Writes are not cancellable so the
// cancellation sweep still reaches the store.
func (t *Tracker) persist(ctx context.Context, state *ExecutionState) error {
	start := time.Now()
	err := t.store.Put(context.WithoutCancel(ctx), state)
	t.metrics.RecordPersist(time.Since(start), err)
	if err != nil {
		return &Error{Kind: KindPersist, Subject: state.RunID, Msg: "failed to persist execution state", Err: err}
	}
	return nil
}

// RestartSet returns the nodes of state that did not succeed, in run order.
func RestartSet(state *ExecutionState) []string {
	if state == nil {
		return nil
	}
	out := make([]string, 0)
	for _, id := range state.Order {
		if step := state.Steps[id]; step == nil || step.Status != StepSuccess {
			out = append(out, id)
		}
	}
	return out
}
