package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// DefaultMaxWorkers is the worker pool size used when RunOptions leaves it unset.
const DefaultMaxWorkers = 4

// reasonCancelled is recorded on steps interrupted by cancellation.
const reasonCancelled = "cancelled"

// RunOptions contains options for one run.
type RunOptions struct {
	// Scope selects the execution state the run reads and writes.
	Scope Scope

	// Resume continues the latest run for Scope instead of starting fresh.
	Resume bool

	// MaxWorkers bounds how many nodes of a level execute at once.
	MaxWorkers int

	// FailurePolicy is the run default for nodes without their own policy, and
	// the policy applied after a node-level rollback. Only stop and continue are
	// meaningful here; anything else behaves as stop.
	FailurePolicy FailurePolicy

	// Only restricts the run to these nodes. Dependencies outside the set are
	// assumed satisfied.
	Only []string
}

// ParallelScheduler walks an execution plan level by level and runs the nodes
// of each level on a bounded worker pool.
type ParallelScheduler struct {
	executor *TaskExecutor
	store    StateStore

	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// SchedulerOption configures a ParallelScheduler.
type SchedulerOption func(*ParallelScheduler)

// WithSchedulerTelemetry attaches logging, metrics, tracing and events.
func WithSchedulerTelemetry(t *telemetry.Telemetry) SchedulerOption {
	return func(s *ParallelScheduler) {
		if t == nil {
			return
		}
		s.telemetry = t
		if t.Logger != nil {
			s.logger = t.Logger.NewComponentLogger("scheduler")
		}
	}
}

// NewParallelScheduler creates a scheduler that executes nodes with executor and
// persists run state to store.
func NewParallelScheduler(executor *TaskExecutor, store StateStore, opts ...SchedulerOption) *ParallelScheduler {
	s := &ParallelScheduler{
		executor:  executor,
		store:     store,
		telemetry: telemetry.Nop(),
		logger:    telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// runState is the per-run bookkeeping shared by the workers of a level.
type runState struct {
	graph   *Graph
	tracker *Tracker
	opts    RunOptions
	runID   string
	logger  *telemetry.Logger

	mu     sync.Mutex
	halt   bool
	manual []ManualRollback
	fatal  error
}

func (r *runState) requestHalt() {
	r.mu.Lock()
	r.halt = true
	r.mu.Unlock()
}

func (r *runState) halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halt
}

func (r *runState) addManual(m []ManualRollback) {
	if len(m) == 0 {
		return
	}
	r.mu.Lock()
	r.manual = append(r.manual, m...)
	r.mu.Unlock()
}

func (r *runState) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
}

// Run executes graph and returns the final report.
//
// The returned error is non-nil only when the run could not be carried out as
// a whole: the state could not be created or persisted, or a resume was
// refused. Node failures and cancellation are reported through Report.Status.
func (s *ParallelScheduler) Run(ctx context.Context, graph *Graph, opts RunOptions) (*Report, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailurePolicyStop
	}
	for _, id := range opts.Only {
		if _, ok := graph.Node(id); !ok {
			return nil, newError(KindInvalid, id, "unknown node in selection")
		}
	}

	tracker := NewTracker(s.store, WithTrackerTelemetry(s.telemetry))
	state, err := tracker.Start(ctx, graph, opts.Scope, opts.Resume)
	if err != nil {
		return nil, err
	}

	plan := s.planFor(graph, state, opts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	mode := "fresh"
	if opts.Resume {
		mode = "resume"
	}
	s.telemetry.Metrics.RecordRunStarted(mode)
	runCtx, span := s.telemetry.Tracer.StartRunSpan(runCtx, state.RunID, opts.Resume)
	defer span.End()

	rs := &runState{
		graph:   graph,
		tracker: tracker,
		opts:    opts,
		runID:   state.RunID,
		logger:  s.logger.WithRunID(state.RunID),
	}
	rs.logger.Infof("starting run: %d level(s), %d node(s), max %d worker(s)",
		len(plan), plan.NodeCount(), opts.MaxWorkers)
	s.publish(rs.runID, "", EventRunStarted, fmt.Sprintf("run %s started (%s)", rs.runID, mode), telemetry.EventLevelInfo)

	for _, level := range plan {
		if runCtx.Err() != nil {
			break
		}
		if rs.halted() {
			s.skipBlocked(runCtx, rs, level)
			continue
		}
		s.executeLevel(runCtx, rs, level)
	}

	status := RunStatusSucceeded
	if runCtx.Err() != nil {
		status = RunStatusCancelled
		changed, err := tracker.FailRunning(ctx, reasonCancelled)
		if err != nil {
			rs.setFatal(err)
		}
		for _, id := range changed {
			rs.logger.WithNodeID(id).Warn("node interrupted by cancellation")
		}
	}

	snapshot := tracker.Snapshot()
	if status != RunStatusCancelled {
		for _, step := range snapshot.Steps {
			if step.Status == StepFailed || step.Status == StepSkipped {
				status = RunStatusFailed
				break
			}
		}
	}
	if rs.fatal != nil {
		status = RunStatusFailed
	}

	if err := tracker.Finish(ctx, status); err != nil {
		rs.setFatal(err)
	}

	report := NewReport(tracker.Snapshot(), rs.manual)
	report.Status = status
	s.telemetry.Metrics.RecordRunCompleted(string(status), report.Duration)
	span.SetAttributes(telemetry.AttrRunStatus.String(string(status)))

	switch status {
	case RunStatusSucceeded:
		telemetry.RecordSuccess(span)
		s.publish(rs.runID, "", EventRunCompleted, fmt.Sprintf("run %s succeeded", rs.runID), telemetry.EventLevelInfo)
	case RunStatusCancelled:
		s.publish(rs.runID, "", EventRunCancelled, fmt.Sprintf("run %s cancelled", rs.runID), telemetry.EventLevelWarning)
	default:
		s.publish(rs.runID, "", EventRunFailed, fmt.Sprintf("run %s failed", rs.runID), telemetry.EventLevelError)
	}
	rs.logger.Infof("run finished with status %s (%d succeeded, %d failed, %d skipped, %d not started)",
		status, report.Summary.Succeeded, report.Summary.Failed, report.Summary.Skipped, report.Summary.NotStarted)

	if rs.fatal != nil {
		telemetry.RecordError(span, rs.fatal)
		return report, rs.fatal
	}
	return report, nil
}

// Cancel stops the current run: no new node starts and in-flight commands are
// signalled through their context.
func (s *ParallelScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// planFor selects the levels this run walks: the restart set on resume, then
// the Only filter.
func (s *ParallelScheduler) planFor(graph *Graph, state *ExecutionState, opts RunOptions) ExecutionPlan {
	if !opts.Resume && len(opts.Only) == 0 {
		return graph.Levels()
	}

	include := make(map[string]bool)
	for _, id := range RestartSet(state) {
		include[id] = true
	}
	if len(opts.Only) > 0 {
		only := make(map[string]bool, len(opts.Only))
		for _, id := range opts.Only {
			only[id] = true
		}
		for id := range include {
			if !only[id] {
				delete(include, id)
			}
		}
	}
	return graph.Restrict(include)
}

// executeLevel runs one level and returns once every node in it is terminal or
// was never started because of cancellation.
func (s *ParallelScheduler) executeLevel(ctx context.Context, rs *runState, level Level) {
	sem := semaphore.NewWeighted(int64(rs.opts.MaxWorkers))
	var wg sync.WaitGroup

	for _, id := range level.NodeIDs {
		node, _ := rs.graph.Node(id)

		if dep, status, blocked := s.blockedBy(rs, node); blocked {
			s.skipNode(ctx, rs, node, fmt.Sprintf("dependency %s %s", dep, status))
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(node Node) {
			defer wg.Done()
			defer sem.Release(1)
			s.executeNode(ctx, rs, node, level.Index)
		}(node)
	}

	wg.Wait()
}

// blockedBy reports the first dependency of node that ended FAILED or SKIPPED.
// Disabled dependencies and nodes outside this run count as satisfied.
func (s *ParallelScheduler) blockedBy(rs *runState, node Node) (string, StepStatus, bool) {
	for _, dep := range rs.graph.Dependencies(node.ID) {
		status, ok := rs.tracker.StepStatus(dep)
		if !ok {
			continue
		}
		if status == StepFailed || status == StepSkipped {
			return dep, status, true
		}
	}
	return "", "", false
}

// skipBlocked walks a level the run will not execute after a stop and marks
// the dependents of failed nodes SKIPPED. Everything else stays PENDING.
func (s *ParallelScheduler) skipBlocked(ctx context.Context, rs *runState, level Level) {
	for _, id := range level.NodeIDs {
		node, _ := rs.graph.Node(id)
		if dep, status, blocked := s.blockedBy(rs, node); blocked {
			s.skipNode(ctx, rs, node, fmt.Sprintf("dependency %s %s", dep, status))
		}
	}
}

func (s *ParallelScheduler) skipNode(ctx context.Context, rs *runState, node Node, reason string) {
	if err := rs.tracker.MarkSkipped(ctx, node.ID, reason); err != nil {
		rs.setFatal(err)
		return
	}
	rs.logger.WithNodeID(node.ID).Warnf("skipping node: %s", reason)
	s.telemetry.Metrics.RecordNodeFinished(string(StepSkipped), 0)
	s.publish(rs.runID, node.ID, EventNodeSkipped, reason, telemetry.EventLevelWarning)
}

// executeNode runs a node's tasks and records the outcome.
func (s *ParallelScheduler) executeNode(ctx context.Context, rs *runState, node Node, levelIndex int) {
	logger := rs.logger.WithNodeID(node.ID)

	if err := rs.tracker.MarkRunning(ctx, node.ID); err != nil {
		rs.setFatal(err)
		s.Cancel()
		return
	}

	s.telemetry.Metrics.WorkerStarted()
	defer s.telemetry.Metrics.WorkerFinished()

	ctx, span := s.telemetry.Tracer.StartNodeSpan(ctx, rs.runID, node.ID, levelIndex)
	defer span.End()

	start := time.Now()
	logger.Infof("executing node (level %d, %d task(s))", levelIndex, len(node.Tasks))
	s.publish(rs.runID, node.ID, EventNodeStarted, fmt.Sprintf("node %s started", node.ID), telemetry.EventLevelInfo)

	hook := HookContext{
		RunID:     rs.runID,
		AppName:   node.ID,
		Namespace: firstNonEmpty(node.Namespace, rs.opts.Scope.Namespace),
		Profile:   rs.opts.Scope.Profile,
	}
	observe := func(ctx context.Context, res TaskResult) error {
		if err := rs.tracker.RecordTask(ctx, node.ID, res); err != nil {
			rs.setFatal(err)
			s.Cancel()
			return err
		}
		return nil
	}
	outcome := s.executor.ExecuteNode(ctx, node, rs.graph.Tasks(node.ID), hook, observe)
	rs.addManual(outcome.ManualRollbacks)

	if outcome.Status == StepSuccess {
		if err := rs.tracker.MarkSucceeded(ctx, node.ID, outcome.Tasks); err != nil {
			rs.setFatal(err)
			s.Cancel()
			return
		}
		s.telemetry.Metrics.RecordNodeFinished(string(StepSuccess), time.Since(start))
		telemetry.RecordSuccess(span)
		logger.Infof("node succeeded in %s", time.Since(start).Round(time.Millisecond))
		s.publish(rs.runID, node.ID, EventNodeSucceeded, fmt.Sprintf("node %s succeeded", node.ID), telemetry.EventLevelInfo)
		return
	}

	telemetry.RecordError(span, outcome.Err)
	if outcome.Cancelled {
		if err := rs.tracker.MarkFailed(ctx, node.ID, outcome.Err, reasonCancelled, outcome.Tasks, nil); err != nil {
			rs.setFatal(err)
		}
		s.telemetry.Metrics.RecordNodeFinished(string(StepFailed), time.Since(start))
		return
	}

	policy := node.OnFailure
	if policy == "" {
		policy = rs.opts.FailurePolicy
	}

	// The failing task's rollback comes first, then the node's completed
	// tasks in reverse.
	rollback := outcome.Rollback
	if policy == FailurePolicyRollback {
		nodeRollback, manual, rbErr := s.executor.RollbackNode(ctx, node, outcome.Completed, hook)
		rs.addManual(manual)
		rollback = mergeRollback(rollback, nodeRollback)
		if rbErr != nil {
			outcome.Err = errors.Join(outcome.Err, rbErr)
		}
		policy = rs.opts.FailurePolicy
	}
	if rollback != nil {
		s.publish(rs.runID, node.ID, EventNodeRolledBack,
			fmt.Sprintf("node %s rollback %s", node.ID, rollback.Result), telemetry.EventLevelWarning)
	}

	reason := "task failed"
	if n := len(outcome.Tasks); n > 0 {
		reason = fmt.Sprintf("task %s failed", outcome.Tasks[n-1].TaskID)
	}
	if err := rs.tracker.MarkFailed(ctx, node.ID, outcome.Err, reason, outcome.Tasks, rollback); err != nil {
		rs.setFatal(err)
		s.Cancel()
		return
	}
	s.telemetry.Metrics.RecordNodeFinished(string(StepFailed), time.Since(start))
	logger.WithError(outcome.Err).Errorf("node failed (policy %s)", policy)
	s.publish(rs.runID, node.ID, EventNodeFailed, fmt.Sprintf("node %s failed: %v", node.ID, outcome.Err), telemetry.EventLevelError)

	if policy != FailurePolicyContinue {
		rs.requestHalt()
	}
}

func (s *ParallelScheduler) publish(runID, nodeID string, eventType EventType, message, level string) {
	err := s.telemetry.Events.Publish(telemetry.Event{
		Type:    string(eventType),
		Source:  "scheduler",
		RunID:   runID,
		NodeID:  nodeID,
		Message: message,
		Level:   level,
	})
	if err != nil {
		s.logger.WithError(err).Debug("event dropped")
	}
}
