package stores

import (
	"context"
	"sync"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// MemoryStore keeps snapshots in process memory. It is used for dry runs and
// tests; nothing survives the process.
type MemoryStore struct {
	mu           sync.RWMutex
	historyLimit int
	runs         map[string][]*engine.ExecutionState
}

// NewMemoryStore creates an in-memory store keeping historyLimit runs per
// scope. Zero means DefaultHistoryLimit.
func NewMemoryStore(historyLimit int) *MemoryStore {
	return &MemoryStore{
		historyLimit: historyLimit,
		runs:         make(map[string][]*engine.ExecutionState),
	}
}

// Init is a no-op.
func (s *MemoryStore) Init(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Put stores a copy of state.
func (s *MemoryStore) Put(_ context.Context, state *engine.ExecutionState) error {
	if _, err := encodeState(state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := state.Scope.Key()
	runs := s.runs[key]
	for i, existing := range runs {
		if existing.RunID == state.RunID {
			runs[i] = state.Clone()
			return nil
		}
	}

	runs = append(runs, state.Clone())
	if limit := historyLimit(s.historyLimit); len(runs) > limit {
		runs = append([]*engine.ExecutionState(nil), runs[len(runs)-limit:]...)
	}
	s.runs[key] = runs
	return nil
}

// GetLatest returns a copy of the newest snapshot for scope, or nil.
func (s *MemoryStore) GetLatest(_ context.Context, scope engine.Scope) (*engine.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[scope.Key()]
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[len(runs)-1].Clone(), nil
}

// ListHistory returns copies of up to limit snapshots for scope, newest first.
func (s *MemoryStore) ListHistory(_ context.Context, scope engine.Scope, limit int) ([]*engine.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[scope.Key()]
	out := make([]*engine.ExecutionState, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, runs[i].Clone())
	}
	return out, nil
}
