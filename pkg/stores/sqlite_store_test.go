package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store in a temp dir.
func setupTestStore(t *testing.T, historyLimit int) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:         filepath.Join(t.TempDir(), "state.db"),
		HistoryLimit: historyLimit,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testState(runID string, scope engine.Scope, started time.Time) *engine.ExecutionState {
	return &engine.ExecutionState{
		RunID:      runID,
		ConfigHash: "abc123",
		Scope:      scope,
		Status:     engine.RunStatusRunning,
		StartedAt:  started,
		UpdatedAt:  started,
		Order:      []string{"db", "api"},
		Steps: map[string]*engine.StepResult{
			"db":  {NodeID: "db", Status: engine.StepPending},
			"api": {NodeID: "api", Status: engine.StepPending},
		},
	}
}

// testStoreContract exercises the StateStore contract shared by every backend.
func testStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	scope := engine.Scope{Profile: "prod", Namespace: "apps"}
	other := engine.Scope{Profile: "dev"}
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	latest, err := store.GetLatest(ctx, scope)
	if err != nil {
		t.Fatalf("failed to get latest from empty store: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected no snapshot, got %s", latest.RunID)
	}

	first := testState("run-1", scope, base)
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("failed to put state: %v", err)
	}

	// Updating the same run replaces it rather than adding history.
	first.Steps["db"].Status = engine.StepSuccess
	first.Status = engine.RunStatusFailed
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}

	second := testState("run-2", scope, base.Add(time.Minute))
	second.ParentRunID = "run-1"
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("failed to put second state: %v", err)
	}
	if err := store.Put(ctx, testState("run-x", other, base)); err != nil {
		t.Fatalf("failed to put state for other scope: %v", err)
	}

	latest, err = store.GetLatest(ctx, scope)
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest.RunID != "run-2" || latest.ParentRunID != "run-1" {
		t.Errorf("expected run-2 with parent run-1, got %s parent %s", latest.RunID, latest.ParentRunID)
	}
	if len(latest.Steps) != 2 || latest.Steps["api"].Status != engine.StepPending {
		t.Errorf("expected steps to round-trip, got %+v", latest.Steps)
	}

	history, err := store.ListHistory(ctx, scope, 0)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(history))
	}
	if history[0].RunID != "run-2" || history[1].RunID != "run-1" {
		t.Errorf("expected newest first, got %s, %s", history[0].RunID, history[1].RunID)
	}
	if history[1].Status != engine.RunStatusFailed || history[1].Steps["db"].Status != engine.StepSuccess {
		t.Errorf("expected run-1 update to be stored, got %s", history[1].Status)
	}

	limited, err := store.ListHistory(ctx, scope, 1)
	if err != nil {
		t.Fatalf("failed to list limited history: %v", err)
	}
	if len(limited) != 1 || limited[0].RunID != "run-2" {
		t.Errorf("expected only run-2, got %d runs", len(limited))
	}

	// Mutating a returned state must not change the stored one.
	latest.Steps["api"].Status = engine.StepFailed
	again, _ := store.GetLatest(ctx, scope)
	if again.Steps["api"].Status != engine.StepPending {
		t.Error("expected stored state to be isolated from callers")
	}

	if err := store.Put(ctx, &engine.ExecutionState{}); err == nil {
		t.Error("expected error for state without run id")
	}
}

func testHistoryPruning(t *testing.T, store Store, limit int) {
	t.Helper()
	ctx := context.Background()
	scope := engine.Scope{Profile: "ci"}
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= limit+3; i++ {
		if err := store.Put(ctx, testState(fmt.Sprintf("run-%02d", i), scope, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("failed to put run %d: %v", i, err)
		}
	}

	history, err := store.ListHistory(ctx, scope, 0)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != limit {
		t.Fatalf("expected %d runs after pruning, got %d", limit, len(history))
	}
	if want := fmt.Sprintf("run-%02d", limit+3); history[0].RunID != want {
		t.Errorf("expected newest %s, got %s", want, history[0].RunID)
	}
	if history[limit-1].RunID != "run-04" {
		t.Errorf("expected oldest kept run-04, got %s", history[limit-1].RunID)
	}
}

func TestSQLiteStore_Contract(t *testing.T) {
	testStoreContract(t, setupTestStore(t, 0))
}

func TestSQLiteStore_HistoryPruning(t *testing.T) {
	testHistoryPruning(t, setupTestStore(t, 3), 3)
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Put(ctx, testState("run-1", engine.Scope{}, time.Now())); err == nil {
		t.Error("expected Put to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected repeated migration to be a no-op, got: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Put(ctx, testState("run-1", engine.Scope{}, time.Now())); err != nil {
		t.Fatalf("failed to put state: %v", err)
	}
	_ = store.Close()

	reopened, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to initialize reopened store: %v", err)
	}
	defer reopened.Close()

	latest, err := reopened.GetLatest(ctx, engine.Scope{})
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest == nil || latest.RunID != "run-1" {
		t.Errorf("expected run-1 after reopen, got %v", latest)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestSnapshotTable_Rebind(t *testing.T) {
	q := `SELECT state FROM t WHERE a = ? AND b = ? LIMIT ?`

	sqlite := &snapshotTable{}
	if got := sqlite.rebind(q); got != q {
		t.Errorf("expected query unchanged, got %s", got)
	}

	pg := &snapshotTable{dollar: true}
	want := `SELECT state FROM t WHERE a = $1 AND b = $2 LIMIT $3`
	if got := pg.rebind(q); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestSQLiteStore_DSNAndPool(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:", Pool: Pool{MaxOpenConns: 8}})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 || store.cfg.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("expected a single connection with default lifetime, got %+v", store.cfg.Pool)
	}

	dsn := store.dsn()
	if !strings.HasPrefix(dsn, "file::memory:?") || !strings.Contains(dsn, "_txlock=immediate") {
		t.Errorf("unexpected dsn %s", dsn)
	}
	if !strings.Contains(dsn, "journal_mode%28WAL%29") {
		t.Errorf("expected WAL pragma in dsn %s", dsn)
	}

	if _, err := NewSQLiteStore(Config{Path: "x.db", Pool: Pool{MaxOpenConns: 1, MaxIdleConns: 3}}); err == nil {
		t.Error("expected error when idle connections exceed open connections")
	}
}

func TestSQLiteStore_NotInitialized(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if _, err := store.GetLatest(ctx, engine.Scope{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if err := store.Migrate(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized from Migrate, got %v", err)
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	if _, err := store.ListHistory(ctx, engine.Scope{}, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized after Close, got %v", err)
	}
}
