package engine

import (
	"context"
	"time"
)

// ShellExecutor runs a command and reports how it exited. A non-zero exit code
// is not an error; err is reserved for failures to start, context cancellation
// and transport problems.
type ShellExecutor interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// ResourceProbe answers questions about cluster resources.
type ResourceProbe interface {
	// Exists reports whether a resource of kind with name exists in namespace.
	Exists(ctx context.Context, kind, name, namespace string) (bool, error)

	// WaitForCondition blocks until the resources matched by selector satisfy
	// condition or timeout elapses. It returns false on timeout.
	WaitForCondition(ctx context.Context, kind, selector, namespace, condition string, timeout time.Duration) (bool, error)
}

// StateStore persists execution state snapshots per scope.
type StateStore interface {
	// Put stores the state as the latest snapshot for its scope. It must be
	// durable when it returns nil.
	Put(ctx context.Context, state *ExecutionState) error

	// GetLatest returns the most recent snapshot for scope, or (nil, nil) if none exists.
	GetLatest(ctx context.Context, scope Scope) (*ExecutionState, error)

	// ListHistory returns up to limit snapshots for scope, newest first.
	ListHistory(ctx context.Context, scope Scope, limit int) ([]*ExecutionState, error)
}
