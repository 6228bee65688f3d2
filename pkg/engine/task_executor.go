package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// defaultValidationTimeout bounds validation rules that do not set a timeout.
const defaultValidationTimeout = time.Minute

// TaskExecutor runs the tasks of one node: operation, validation, retries and
// task-level rollback. It holds no per-run state and is safe for concurrent use.
type TaskExecutor struct {
	shell   ShellExecutor
	probe   ResourceProbe
	kubectl Kubectl
	dryRun  bool

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// TaskExecutorOption configures a TaskExecutor.
type TaskExecutorOption func(*TaskExecutor)

// WithKubectl sets the kubectl binary, context and kubeconfig used for manifest tasks.
func WithKubectl(k Kubectl) TaskExecutorOption {
	return func(e *TaskExecutor) { e.kubectl = k }
}

// WithDryRun makes the executor log operations instead of running them.
func WithDryRun(dryRun bool) TaskExecutorOption {
	return func(e *TaskExecutor) { e.dryRun = dryRun }
}

// WithExecutorTelemetry attaches logging, metrics and tracing.
func WithExecutorTelemetry(t *telemetry.Telemetry) TaskExecutorOption {
	return func(e *TaskExecutor) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			e.logger = t.Logger.NewComponentLogger("task_executor")
		}
		e.metrics = t.Metrics
		e.tracer = t.Tracer
	}
}

// NewTaskExecutor creates a task executor. probe may be nil when no task uses a
// resource validation rule.
func NewTaskExecutor(shell ShellExecutor, probe ResourceProbe, opts ...TaskExecutorOption) *TaskExecutor {
	e := &TaskExecutor{
		shell:  shell,
		probe:  probe,
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NodeOutcome is the result of executing a node's tasks.
type NodeOutcome struct {
	// Status is StepSuccess or StepFailed.
	Status StepStatus

	// Tasks holds a result for every task that started, in execution order.
	Tasks []TaskResult

	// Completed are the tasks that succeeded, in execution order.
	Completed []Task

	// Err is the failure that ended the node, nil on success. It includes the
	// failing task's rollback error when its rollback was incomplete.
	Err error

	// Cancelled is set when the node stopped because its context was cancelled.
	Cancelled bool

	// Rollback is the failing task's own rollback, with actions qualified by
	// task ID. Nil when the task had none.
	Rollback *RollbackOutcome

	// ManualRollbacks are rollbacks deferred to an operator.
	ManualRollbacks []ManualRollback
}

// TaskObserver is called with a RUNNING result when a task starts and with the
// final result when it ends. A non-nil error stops the node.
type TaskObserver func(ctx context.Context, res TaskResult) error

func (o TaskObserver) notify(ctx context.Context, res TaskResult) error {
	if o == nil {
		return nil
	}
	return o(ctx, res)
}

// ExecuteNode runs tasks in order and stops at the first task that fails.
// observe may be nil.
func (e *TaskExecutor) ExecuteNode(ctx context.Context, node Node, tasks []Task, hook HookContext, observe TaskObserver) *NodeOutcome {
	logger := e.logger.WithRunID(hook.RunID).WithNodeID(node.ID)
	out := &NodeOutcome{Status: StepSuccess}

	stop := func(err error) *NodeOutcome {
		out.Status = StepFailed
		out.Err = err
		out.Cancelled = ctx.Err() != nil
		return out
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return stop(ctx.Err())
		}

		if err := observe.notify(ctx, TaskResult{TaskID: task.ID, Kind: task.Spec.Kind(), Status: StepRunning}); err != nil {
			return stop(err)
		}

		res, err := e.runTask(ctx, node, task, hook)
		if err == nil {
			out.Tasks = append(out.Tasks, res)
			out.Completed = append(out.Completed, task)
			if err := observe.notify(ctx, res); err != nil {
				return stop(err)
			}
			continue
		}

		stop(err)
		if !out.Cancelled {
			outcome, manual, rbErr := e.taskRollback(ctx, node, task, hook)
			res.Rollback = outcome
			out.Rollback = qualifyOutcome(task.ID, outcome)
			if manual != nil {
				out.ManualRollbacks = append(out.ManualRollbacks, *manual)
			}
			if rbErr != nil {
				out.Err = errors.Join(out.Err, rbErr)
			}
		}
		out.Tasks = append(out.Tasks, res)
		logger.WithTaskID(task.ID).WithError(err).Error("task failed")
		if obsErr := observe.notify(ctx, res); obsErr != nil {
			out.Err = errors.Join(out.Err, obsErr)
		}
		return out
	}

	return out
}

// runTask executes a task with its retry policy. A nil error means the task
// counts as succeeded, possibly degraded.
func (e *TaskExecutor) runTask(ctx context.Context, node Node, task Task, hook HookContext) (TaskResult, error) {
	kind := task.Spec.Kind()
	logger := e.logger.WithRunID(hook.RunID).WithNodeID(node.ID).WithTaskID(task.ID)

	ctx, span := e.tracer.StartTaskSpan(ctx, node.ID, task.ID, string(kind))
	defer span.End()

	policy := task.Retry
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	res := TaskResult{TaskID: task.ID, Kind: kind}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		lastErr = e.attempt(ctx, node, task, hook, attempt)
		e.metrics.RecordTaskAttempt(string(kind), lastErr == nil)
		telemetry.RecordAttempt(span, attempt, lastErr)
		if lastErr == nil {
			res.Status = StepSuccess
			telemetry.RecordSuccess(span)
			return res, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			delay := BackoffDelay(policy, attempt)
			logger.WithError(lastErr).Warnf("attempt %d/%d failed, retrying in %s", attempt, maxAttempts, delay)
			e.metrics.RecordTaskRetry(string(kind))
			if err := Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	var taskErr *TaskExecutionError
	if errors.As(lastErr, &taskErr) {
		res.ExitCode = taskErr.ExitCode
	}
	var timeoutErr *ValidationTimeoutError
	if errors.As(lastErr, &timeoutErr) {
		e.metrics.RecordValidationTimeout()
	}
	res.Error = lastErr.Error()

	if ctx.Err() == nil && policy != nil {
		switch policy.OnFailure {
		case OnFailureWarn:
			logger.WithError(lastErr).Warnf("task failed after %d attempt(s), continuing as degraded", res.Attempts)
			res.Status = StepSuccess
			res.Degraded = true
			return res, nil
		case OnFailureIgnore:
			res.Status = StepSuccess
			return res, nil
		}
	}

	res.Status = StepFailed
	telemetry.RecordError(span, lastErr)
	return res, lastErr
}

// attempt runs the operation once and then its validation rule.
func (e *TaskExecutor) attempt(ctx context.Context, node Node, task Task, hook HookContext, attempt int) error {
	hookEnv := hook.ForTask(task.ID, attempt)
	if err := e.operate(ctx, node, task, hookEnv); err != nil {
		return err
	}
	if task.Validation == nil || e.dryRun {
		return nil
	}
	return e.validate(ctx, node, task, hookEnv)
}

// operate dispatches on the task variant.
func (e *TaskExecutor) operate(ctx context.Context, node Node, task Task, hookEnv map[string]string) error {
	var req ExecRequest
	tolerated := []int(nil)

	switch spec := task.Spec.(type) {
	case CommandSpec:
		env, err := buildCommandEnv(spec, hookEnv)
		if err != nil {
			return &TaskExecutionError{Task: task.ID, Reason: "environment", Err: err}
		}
		req = ExecRequest{Argv: spec.Argv, Cwd: spec.Cwd, Env: env}
		tolerated = spec.TolerateExitCodes
	case ManifestSpec:
		req = ExecRequest{
			Argv: e.kubectl.ApplyFiles(spec.Paths, firstNonEmpty(spec.Namespace, node.Namespace)),
			Env:  hookEnv,
		}
	case InlineSpec:
		manifest, err := InjectNamespace(spec.Content, firstNonEmpty(spec.Namespace, node.Namespace))
		if err != nil {
			return &TaskExecutionError{Task: task.ID, Reason: "invalid inline manifest", Err: err}
		}
		req = ExecRequest{Argv: e.kubectl.ApplyStdin(), Env: hookEnv, Stdin: manifest}
	default:
		return &TaskExecutionError{Task: task.ID, Reason: fmt.Sprintf("unsupported task type %T", spec)}
	}
	req.Timeout = task.Timeout

	if e.dryRun {
		e.logger.WithNodeID(node.ID).WithTaskID(task.ID).Infof("dry run: %s", strings.Join(req.Argv, " "))
		return nil
	}

	result, err := e.shell.Execute(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TaskExecutionError{Task: task.ID, Reason: "command could not run", Err: err}
	}
	if result.ExitCode != 0 && !slices.Contains(tolerated, result.ExitCode) {
		return &TaskExecutionError{
			Task:     task.ID,
			ExitCode: result.ExitCode,
			Reason:   "non-zero exit",
			Stderr:   strings.TrimSpace(result.Stderr),
			Err:      stderrError(result.Stderr),
		}
	}
	return nil
}

// validate polls the task's validation rule until it holds or times out. A
// validation command runs in the task's working directory with the task's
// environment, and passes when it exits 0 and its trimmed stdout contains
// ExpectedOutput.
func (e *TaskExecutor) validate(ctx context.Context, node Node, task Task, hookEnv map[string]string) error {
	rule := task.Validation
	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = defaultValidationTimeout
	}
	interval := rule.Interval
	if interval <= 0 && task.Retry != nil {
		interval = task.Retry.Delay
	}
	namespace := node.Namespace
	switch spec := task.Spec.(type) {
	case ManifestSpec:
		namespace = firstNonEmpty(spec.Namespace, namespace)
	case InlineSpec:
		namespace = firstNonEmpty(spec.Namespace, namespace)
	}

	var check func(ctx context.Context) (bool, error)
	if len(rule.Command) > 0 {
		req := ExecRequest{Argv: rule.Command, Env: hookEnv}
		if spec, ok := task.Spec.(CommandSpec); ok {
			env, err := buildCommandEnv(spec, hookEnv)
			if err != nil {
				return &TaskExecutionError{Task: task.ID, Reason: "environment", Err: err}
			}
			req.Cwd, req.Env = spec.Cwd, env
		}
		check = func(ctx context.Context) (bool, error) {
			req := req
			if deadline, ok := ctx.Deadline(); ok {
				req.Timeout = time.Until(deadline)
			}
			res, err := e.shell.Execute(ctx, req)
			if err != nil {
				return false, err
			}
			if res.ExitCode != 0 {
				return false, fmt.Errorf("exit code %d", res.ExitCode)
			}
			if rule.ExpectedOutput != "" && !strings.Contains(strings.TrimSpace(res.Stdout), rule.ExpectedOutput) {
				return false, fmt.Errorf("output %q does not contain %q", strings.TrimSpace(res.Stdout), rule.ExpectedOutput)
			}
			return true, nil
		}
	} else {
		if e.probe == nil {
			return &TaskExecutionError{Task: task.ID, Reason: "resource validation needs a resource probe"}
		}
		check = func(ctx context.Context) (bool, error) {
			if rule.Condition == "" {
				return e.probe.Exists(ctx, rule.ResourceKind, rule.Name, namespace)
			}
			target := rule.Name
			if target == "" {
				target = rule.Selector
			}
			return e.probe.WaitForCondition(ctx, rule.ResourceKind, target, namespace, rule.Condition, 0)
		}
	}

	err := Poll(ctx, interval, timeout, check)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var last error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if !errors.Is(inner, errPollTimeout) {
				last = inner
			}
		}
	}
	return &ValidationTimeoutError{Task: task.ID, Condition: rule.Describe(), Last: last}
}

// taskRollback applies a failed task's rollback policy. The error is a
// *RollbackError when some action failed.
func (e *TaskExecutor) taskRollback(ctx context.Context, node Node, task Task, hook HookContext) (*RollbackOutcome, *ManualRollback, error) {
	rb := task.Rollback
	if rb == nil || !rb.Enabled || len(rb.Actions) == 0 {
		return nil, nil, nil
	}
	switch rb.Trigger {
	case RollbackNever:
		return nil, nil, nil
	case RollbackManual:
		e.metrics.RecordRollback("task", string(RollbackDeferred))
		return &RollbackOutcome{Result: RollbackDeferred, Actions: actionIDs(rb.Actions)},
			&ManualRollback{NodeID: node.ID, TaskID: task.ID, Actions: actionIDs(rb.Actions)}, nil
	}

	outcome, err := e.runRollbackActions(ctx, node, qualify(node.ID, task.ID), rb.Actions, hook)
	e.metrics.RecordRollback("task", string(outcome.Result))
	if err != nil {
		e.logger.WithNodeID(node.ID).WithTaskID(task.ID).WithError(err).Warn("rollback incomplete")
	}
	return outcome, nil, err
}

// runRollbackActions runs every action once, in order, continuing past failures.
func (e *TaskExecutor) runRollbackActions(ctx context.Context, node Node, owner string, actions []Task, hook HookContext) (*RollbackOutcome, error) {
	outcome := &RollbackOutcome{Result: RollbackSucceeded}
	var failures []error
	for _, action := range actions {
		outcome.Actions = append(outcome.Actions, action.ID)
		if err := e.attempt(ctx, node, action, hook, 1); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", action.ID, err))
			outcome.Failures = append(outcome.Failures, fmt.Sprintf("%s: %v", action.ID, err))
		}
	}
	if len(failures) == 0 {
		return outcome, nil
	}
	outcome.Result = RollbackPartial
	return outcome, &RollbackError{Owner: owner, Failures: failures}
}

func actionIDs(actions []Task) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stderrError(stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return nil
	}
	if lines := strings.Split(stderr, "\n"); len(lines) > 5 {
		stderr = strings.Join(lines[len(lines)-5:], "\n")
	}
	return errors.New(stderr)
}
