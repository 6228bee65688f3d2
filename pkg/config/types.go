package config

import (
	"fmt"
	"strings"
	"time"
)

// Document is a node-set document as written by users.
type Document struct {
	// Nodes are the apps, phases and hook groups of the run, in declaration order.
	Nodes []NodeConfig `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}

// NodeConfig represents a node of the orchestration graph.
type NodeConfig struct {
	// ID is the unique identifier for this node (e.g., "database").
	ID string `json:"id" yaml:"id" validate:"required"`

	// DependsOn lists node IDs that must succeed first.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" validate:"dive,required"`

	// Enabled defaults to true. A disabled node is validated but never scheduled.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// OnFailure overrides the run failure policy for this node.
	OnFailure string `json:"onFailure,omitempty" yaml:"onFailure,omitempty" validate:"omitempty,oneof=stop continue rollback"`

	// Namespace is the default namespace for manifest tasks.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Tasks are run in dependency order within the node.
	Tasks []TaskConfig `json:"tasks,omitempty" yaml:"tasks" validate:"dive"`
}

// TaskConfig represents a task. Type selects which operation fields apply.
type TaskConfig struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Type string `json:"type" yaml:"type" validate:"required,oneof=manifest inline command"`

	// Paths are manifest files applied by a manifest task.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" validate:"required_if=Type manifest"`

	// Content is the manifest text applied by an inline task.
	Content string `json:"content,omitempty" yaml:"content,omitempty" validate:"required_if=Type inline"`

	// Namespace overrides the node namespace for manifest and inline tasks.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Command is the argv of a command task.
	Command           []string          `json:"command,omitempty" yaml:"command,omitempty" validate:"required_if=Type command"`
	Cwd               string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env               map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvFiles          []string          `json:"envFiles,omitempty" yaml:"envFiles,omitempty"`
	TolerateExitCodes []int             `json:"tolerateExitCodes,omitempty" yaml:"tolerateExitCodes,omitempty" validate:"dive,min=1,max=255"`

	Validation *ValidationConfig `json:"validation,omitempty" yaml:"validation,omitempty"`
	Retry      *RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Rollback   *RollbackConfig   `json:"rollback,omitempty" yaml:"rollback,omitempty"`

	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" validate:"dive,required"`

	// Timeout bounds one attempt, as a Go duration string ("90s").
	Timeout     string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ValidationConfig is a task post-condition: either a resource check (kind set)
// or a command check (command set).
type ValidationConfig struct {
	Kind      string `json:"kind,omitempty" yaml:"kind,omitempty" validate:"required_without=Command"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Selector  string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	Command        []string `json:"command,omitempty" yaml:"command,omitempty" validate:"required_without=Kind"`
	ExpectedOutput string   `json:"expectedOutput,omitempty" yaml:"expectedOutput,omitempty"`

	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty" validate:"omitempty,duration"`
}

// RetryConfig controls task re-execution.
type RetryConfig struct {
	MaxAttempts int    `json:"maxAttempts" yaml:"maxAttempts" validate:"min=1,max=100"`
	Delay       string `json:"delay,omitempty" yaml:"delay,omitempty" validate:"omitempty,duration"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty" validate:"omitempty,oneof=linear exponential"`
	OnFailure   string `json:"onFailure,omitempty" yaml:"onFailure,omitempty" validate:"omitempty,oneof=fail warn ignore"`
}

// RollbackConfig describes compensating actions for a task.
type RollbackConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Trigger string       `json:"trigger,omitempty" yaml:"trigger,omitempty" validate:"omitempty,oneof=always manual never"`
	Actions []TaskConfig `json:"actions,omitempty" yaml:"actions,omitempty" validate:"dive"`
}

// ParsedConfig represents the result of parsing one or more node-set sources.
type ParsedConfig struct {
	// Document holds the nodes of every source, concatenated in source order.
	Document Document `json:"document"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether any error-severity problem was found.
func (pc *ParsedConfig) HasErrors() bool {
	for _, e := range pc.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Severity levels of a ValidationError.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "nodes[1].tasks[0].type").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError is returned by Evaluate when a document has error-severity problems.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	lines := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		if v.Severity == SeverityError {
			lines = append(lines, v.String())
		}
	}
	return fmt.Sprintf("invalid node set (%d errors):\n  %s", len(lines), strings.Join(lines, "\n  "))
}
