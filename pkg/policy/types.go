package policy

import (
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block a run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity block a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Node is the node that violated the policy.
	Node string `json:"node,omitempty"`

	// Task is the task within Node, if the violation is task specific.
	Task string `json:"task,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists warning and info findings that don't block a run.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the document policies see as "input".
type PolicyInput struct {
	Nodes   []NodeInput    `json:"nodes"`
	Context *PolicyContext `json:"context"`
}

// PolicyContext describes the run the node set is about to be used for.
type PolicyContext struct {
	Profile   string    `json:"profile,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Operation string    `json:"operation,omitempty"`
	DryRun    bool      `json:"dry_run"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeInput is the policy view of an engine.Node.
type NodeInput struct {
	ID        string            `json:"id"`
	DependsOn []string          `json:"depends_on"`
	Disabled  bool              `json:"disabled"`
	OnFailure string            `json:"on_failure"`
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels"`
	Tasks     []TaskInput       `json:"tasks"`
}

// TaskInput is the policy view of an engine.Task. Only the fields of the
// task's kind are set.
type TaskInput struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Argv          []string       `json:"argv"`
	Paths         []string       `json:"paths"`
	Namespace     string         `json:"namespace"`
	MaxAttempts   int            `json:"max_attempts"`
	HasValidation bool           `json:"has_validation"`
	Rollback      *RollbackInput `json:"rollback"`
}

// RollbackInput is the policy view of an engine.RollbackPolicy.
type RollbackInput struct {
	Enabled bool        `json:"enabled"`
	Trigger string      `json:"trigger"`
	Actions []TaskInput `json:"actions"`
}

// NewPolicyInput builds the policy input for a node set.
func NewPolicyInput(nodes []engine.Node, pctx *PolicyContext) *PolicyInput {
	if pctx == nil {
		pctx = &PolicyContext{}
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = time.Now()
	}

	in := &PolicyInput{Nodes: make([]NodeInput, 0, len(nodes)), Context: pctx}
	for _, n := range nodes {
		ni := NodeInput{
			ID:        n.ID,
			DependsOn: nonNil(n.DependsOn),
			Disabled:  n.Disabled,
			OnFailure: string(n.OnFailure),
			Namespace: n.Namespace,
			Labels:    n.Labels,
			Tasks:     make([]TaskInput, 0, len(n.Tasks)),
		}
		if ni.Labels == nil {
			ni.Labels = map[string]string{}
		}
		for _, t := range n.Tasks {
			ni.Tasks = append(ni.Tasks, taskInput(t))
		}
		in.Nodes = append(in.Nodes, ni)
	}
	return in
}

func taskInput(t engine.Task) TaskInput {
	ti := TaskInput{
		ID:            t.ID,
		Argv:          []string{},
		Paths:         []string{},
		HasValidation: t.Validation != nil,
		MaxAttempts:   1,
	}
	switch spec := t.Spec.(type) {
	case engine.ManifestSpec:
		ti.Kind = string(spec.Kind())
		ti.Paths = nonNil(spec.Paths)
		ti.Namespace = spec.Namespace
	case engine.InlineSpec:
		ti.Kind = string(spec.Kind())
		ti.Namespace = spec.Namespace
	case engine.CommandSpec:
		ti.Kind = string(spec.Kind())
		ti.Argv = nonNil(spec.Argv)
	}
	if t.Retry != nil && t.Retry.MaxAttempts > 0 {
		ti.MaxAttempts = t.Retry.MaxAttempts
	}
	if rb := t.Rollback; rb != nil {
		ri := &RollbackInput{Enabled: rb.Enabled, Trigger: string(rb.Trigger), Actions: []TaskInput{}}
		if ri.Trigger == "" {
			ri.Trigger = string(engine.RollbackAlways)
		}
		for _, a := range rb.Actions {
			ri.Actions = append(ri.Actions, taskInput(a))
		}
		ti.Rollback = ri
	}
	return ti
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// PolicyBundle represents a collection of related policies shipped as JSON.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
