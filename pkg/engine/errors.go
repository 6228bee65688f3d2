package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind groups engine failures by what a caller can do about them.
type Kind string

const (
	// KindInvalid rejects a node set or node selection before anything runs.
	KindInvalid  Kind = "invalid"
	KindNotFound Kind = "not_found"
	// KindConflict is a broken state machine rule.
	KindConflict Kind = "conflict"
	// KindPersist is a state store write failure. The run cannot continue
	// but retrying it later may succeed.
	KindPersist  Kind = "persist"
	KindInternal Kind = "internal"
)

// Error is a classified engine failure. Subject names the node, task or run
// it concerns, if any.
type Error struct {
	Kind    Kind
	Subject string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Subject != "" {
		fmt.Fprintf(&b, " [%s]", e.Subject)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, subject, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is a state store failure.
func Retryable(err error) bool {
	return KindOf(err) == KindPersist
}

// Sentinel errors of the execution state tracker.
var (
	// ErrNoSnapshot is returned when resuming a scope that has no stored run.
	ErrNoSnapshot        = &Error{Kind: KindNotFound, Msg: "no execution state found for scope"}
	ErrInvalidTransition = &Error{Kind: KindConflict, Msg: "invalid step transition"}
	// ErrStateSealed is returned when mutating a run that already finished.
	ErrStateSealed = &Error{Kind: KindConflict, Msg: "execution state is sealed"}
)

// CycleDetectedError reports a dependency cycle. Path starts and ends with the same node.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// UnknownDependencyError reports a dependsOn reference that matches no declared node.
type UnknownDependencyError struct {
	Node string
	Ref  string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on unknown node %q", e.Node, e.Ref)
}

// TaskExecutionError reports a task whose operation or validation failed.
type TaskExecutionError struct {
	Task     string
	ExitCode int
	Reason   string
	Stderr   string
	Err      error
}

func (e *TaskExecutionError) Error() string {
	msg := fmt.Sprintf("task %q failed: %s", e.Task, e.Reason)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// ValidationTimeoutError reports a validation rule that did not hold before its deadline.
type ValidationTimeoutError struct {
	Task      string
	Condition string
	Last      error
}

func (e *ValidationTimeoutError) Error() string {
	msg := fmt.Sprintf("validation of task %q timed out waiting for %s", e.Task, e.Condition)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ValidationTimeoutError) Unwrap() error {
	return e.Last
}

// ConfigDriftError is returned when resuming against a node set whose hash differs from the stored one.
type ConfigDriftError struct {
	Scope   Scope
	Stored  string
	Current string
}

func (e *ConfigDriftError) Error() string {
	return fmt.Sprintf("configuration changed since run for scope %s (stored hash %s, current %s): start a fresh run",
		e.Scope, short(e.Stored), short(e.Current))
}

// RollbackError collects failures of best-effort rollback actions.
type RollbackError struct {
	Owner    string
	Failures []error
}

func (e *RollbackError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("rollback of %q had %d failed action(s): %s", e.Owner, len(e.Failures), strings.Join(msgs, "; "))
}

func (e *RollbackError) Unwrap() []error {
	return e.Failures
}

// IsGraphError returns true if err describes an invalid node set.
func IsGraphError(err error) bool {
	var cycle *CycleDetectedError
	var unknown *UnknownDependencyError
	if errors.As(err, &cycle) || errors.As(err, &unknown) {
		return true
	}
	return KindOf(err) == KindInvalid
}

// IsConfigDrift returns true if err is a configuration drift error.
func IsConfigDrift(err error) bool {
	var drift *ConfigDriftError
	return errors.As(err, &drift)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
