package engine

import (
	"fmt"
	"time"
)

// Node is a schedulable unit of the orchestration graph: an app, a deployment
// phase or a hook group. It owns its tasks.
type Node struct {
	// ID is the unique, non-empty identifier of the node.
	ID string `json:"id"`

	// DependsOn lists node IDs that must succeed before this node runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Disabled excludes the node from scheduling. Edges into a disabled node are
	// treated as satisfied.
	Disabled bool `json:"disabled,omitempty"`

	// Tasks are executed in dependency order within the node.
	Tasks []Task `json:"tasks"`

	// OnFailure selects how the scheduler reacts when this node fails.
	// Empty means the run default.
	OnFailure FailurePolicy `json:"on_failure,omitempty"`

	// Namespace is the default namespace for the node's manifest tasks and hook context.
	Namespace string `json:"namespace,omitempty"`

	// Description is informational and excluded from the configuration hash.
	Description string `json:"description,omitempty"`

	// Labels are informational and excluded from the configuration hash.
	Labels map[string]string `json:"labels,omitempty"`
}

// Enabled reports whether the node takes part in scheduling.
func (n Node) Enabled() bool {
	return !n.Disabled
}

// Task is a single typed unit of work inside a node.
type Task struct {
	// ID is unique within the node.
	ID string `json:"id"`

	// Spec is the task operation. Exactly one variant is set.
	Spec TaskSpec `json:"-"`

	// Validation is an optional post-condition checked after the operation.
	Validation *ValidationRule `json:"validation,omitempty"`

	// Retry controls re-execution of the task. Nil means a single attempt that fails the node.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Rollback describes compensating actions run when the task fails.
	Rollback *RollbackPolicy `json:"rollback,omitempty"`

	// DependsOn lists task IDs within the same node that must run first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout bounds a single attempt of the operation. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Description is informational.
	Description string `json:"description,omitempty"`
}

// TaskKind names a TaskSpec variant.
type TaskKind string

const (
	TaskKindManifest TaskKind = "manifest"
	TaskKindInline   TaskKind = "inline"
	TaskKindCommand  TaskKind = "command"
)

// TaskSpec is the closed set of task operations. Implementations live in this
// package only: ManifestSpec, InlineSpec and CommandSpec.
type TaskSpec interface {
	Kind() TaskKind
	taskSpec()
}

// ManifestSpec applies manifest files from disk.
type ManifestSpec struct {
	Paths     []string `json:"paths"`
	Namespace string   `json:"namespace,omitempty"`
}

// InlineSpec applies manifest content embedded in the node set.
type InlineSpec struct {
	Content   string `json:"content"`
	Namespace string `json:"namespace,omitempty"`
}

// CommandSpec runs an argv with an explicit environment.
type CommandSpec struct {
	Argv []string          `json:"argv"`
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`

	// EnvFiles are dotenv files loaded before Env is applied.
	EnvFiles []string `json:"env_files,omitempty"`

	// TolerateExitCodes lists non-zero exit codes treated as success.
	TolerateExitCodes []int `json:"tolerate_exit_codes,omitempty"`
}

func (ManifestSpec) Kind() TaskKind { return TaskKindManifest }
func (InlineSpec) Kind() TaskKind   { return TaskKindInline }
func (CommandSpec) Kind() TaskKind  { return TaskKindCommand }

func (ManifestSpec) taskSpec() {}
func (InlineSpec) taskSpec()   {}
func (CommandSpec) taskSpec()  {}

// ValidationRule is a post-condition. Either the resource form (ResourceKind set)
// or the command form (Command set) is used.
type ValidationRule struct {
	ResourceKind string `json:"resource_kind,omitempty"`
	Name         string `json:"name,omitempty"`
	Selector     string `json:"selector,omitempty"`

	// Condition is a kubectl wait condition such as "condition=Ready". Empty
	// means the resource only has to exist.
	Condition string `json:"condition,omitempty"`

	Command []string `json:"command,omitempty"`

	// ExpectedOutput must be contained in the command's trimmed stdout. Empty
	// means a zero exit code is enough.
	ExpectedOutput string `json:"expected_output,omitempty"`

	Timeout  time.Duration `json:"timeout,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Describe returns a short human readable form of the rule.
func (v *ValidationRule) Describe() string {
	if len(v.Command) > 0 {
		return fmt.Sprintf("command %v", v.Command)
	}
	target := v.Name
	if target == "" {
		target = v.Selector
	}
	if v.Condition == "" {
		return fmt.Sprintf("%s/%s to exist", v.ResourceKind, target)
	}
	return fmt.Sprintf("%s/%s %s", v.ResourceKind, target, v.Condition)
}

// RetryPolicy controls re-execution of a failing task.
type RetryPolicy struct {
	MaxAttempts int             `json:"max_attempts"`
	Delay       time.Duration   `json:"delay,omitempty"`
	Backoff     BackoffKind     `json:"backoff,omitempty"`
	OnFailure   OnFailureAction `json:"on_failure,omitempty"`
}

// RollbackPolicy describes compensating actions for a task.
type RollbackPolicy struct {
	Enabled bool            `json:"enabled"`
	Trigger RollbackTrigger `json:"trigger,omitempty"`
	Actions []Task          `json:"actions,omitempty"`
}

// Scope identifies whose execution state a run reads and writes.
type Scope struct {
	Profile   string `json:"profile"`
	Namespace string `json:"namespace"`
}

// Key returns the storage key for the scope.
func (s Scope) Key() string {
	profile := s.Profile
	if profile == "" {
		profile = "default"
	}
	ns := s.Namespace
	if ns == "" {
		ns = "default"
	}
	return profile + "/" + ns
}

func (s Scope) String() string {
	return s.Key()
}

// Level is one step of the execution plan. Nodes within a level have no
// dependencies on each other and are listed in declaration order.
type Level struct {
	Index   int      `json:"index"`
	NodeIDs []string `json:"node_ids"`
}

// ExecutionPlan is the ordered list of levels a run walks.
type ExecutionPlan []Level

// NodeCount returns the number of nodes in the plan.
func (p ExecutionPlan) NodeCount() int {
	n := 0
	for _, l := range p {
		n += len(l.NodeIDs)
	}
	return n
}

// TaskResult records the outcome of one task. Status is RUNNING while the task
// is still executing.
type TaskResult struct {
	TaskID   string           `json:"task_id"`
	Kind     TaskKind         `json:"kind"`
	Status   StepStatus       `json:"status"`
	Attempts int              `json:"attempts"`
	Degraded bool             `json:"degraded,omitempty"`
	Error    string           `json:"error,omitempty"`
	ExitCode int              `json:"exit_code,omitempty"`
	Rollback *RollbackOutcome `json:"rollback,omitempty"`
}

// RollbackOutcome records what a rollback did.
type RollbackOutcome struct {
	Result   RollbackResult `json:"result"`
	Actions  []string       `json:"actions,omitempty"`
	Failures []string       `json:"failures,omitempty"`
}

// StepResult is the persisted record of one node within a run.
type StepResult struct {
	NodeID    string           `json:"node_id"`
	Status    StepStatus       `json:"status"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	Attempts  int              `json:"attempts"`
	Error     string           `json:"error,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Tasks     []TaskResult     `json:"tasks,omitempty"`
	Rollback  *RollbackOutcome `json:"rollback,omitempty"`

	// Carried is set when the step's success was inherited from the parent run on resume.
	Carried bool `json:"carried,omitempty"`
}

// clone returns a deep copy of the step.
func (s *StepResult) clone() *StepResult {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Tasks != nil {
		c.Tasks = append([]TaskResult(nil), s.Tasks...)
	}
	if s.Rollback != nil {
		r := *s.Rollback
		c.Rollback = &r
	}
	return &c
}

// ExecutionState is the durable record of a run, keyed by scope.
type ExecutionState struct {
	RunID       string                 `json:"run_id"`
	ParentRunID string                 `json:"parent_run_id,omitempty"`
	ConfigHash  string                 `json:"config_hash"`
	Scope       Scope                  `json:"scope"`
	Status      RunStatus              `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	Order       []string               `json:"order"`
	Steps       map[string]*StepResult `json:"steps"`
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	c := *s
	c.Order = append([]string(nil), s.Order...)
	c.Steps = make(map[string]*StepResult, len(s.Steps))
	for id, step := range s.Steps {
		c.Steps[id] = step.clone()
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Step returns the step for a node, or nil.
func (s *ExecutionState) Step(nodeID string) *StepResult {
	return s.Steps[nodeID]
}

// ExecRequest describes one command invocation.
type ExecRequest struct {
	Argv    []string
	Cwd     string
	Env     map[string]string
	Stdin   []byte
	Timeout time.Duration
}

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ManualRollback is a rollback that was requested with trigger=manual and left
// for an operator.
type ManualRollback struct {
	NodeID  string   `json:"node_id"`
	TaskID  string   `json:"task_id"`
	Actions []string `json:"actions"`
}
