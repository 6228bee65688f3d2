package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// DefaultHistoryLimit is the number of runs kept per scope when a store does
// not configure one.
const DefaultHistoryLimit = 20

// Backend names a StateStore implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendS3       Backend = "s3"
	BackendMemory   Backend = "memory"
)

// Store is an engine.StateStore with a lifecycle.
type Store interface {
	engine.StateStore

	// Init connects to the backend and prepares its schema or bucket.
	Init(ctx context.Context) error

	// Close releases the backend connection.
	Close() error

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error
}

func encodeState(state *engine.ExecutionState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("execution state is nil")
	}
	if state.RunID == "" {
		return nil, fmt.Errorf("execution state has no run id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*engine.ExecutionState, error) {
	var state engine.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode execution state: %w", err)
	}
	if state.Steps == nil {
		state.Steps = make(map[string]*engine.StepResult)
	}
	return &state, nil
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*ObjectStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
