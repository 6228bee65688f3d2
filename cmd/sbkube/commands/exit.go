package commands

import (
	"context"
	"errors"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/config"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// Process exit codes.
const (
	ExitSuccess   = 0
	ExitOther     = 1
	ExitGraph     = 2
	ExitFailed    = 3
	ExitCancelled = 4
	ExitDrift     = 5
)

// ExitError carries an explicit exit code for a command failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps the error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var loadErr *config.LoadError
	switch {
	case engine.IsConfigDrift(err):
		return ExitDrift
	case engine.IsGraphError(err), errors.As(err, &loadErr):
		return ExitGraph
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	default:
		return ExitOther
	}
}

// reportError converts a finished run into the error Execute returns.
func reportError(report *engine.Report) error {
	switch report.Status {
	case engine.RunStatusSucceeded:
		return nil
	case engine.RunStatusCancelled:
		return &ExitError{Code: ExitCancelled, Err: errors.New("run " + report.RunID + " was cancelled")}
	default:
		return &ExitError{Code: ExitFailed, Err: errors.New("run " + report.RunID + " " + string(report.Status))}
	}
}
