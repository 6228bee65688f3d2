package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating a SQLite store and reading back
// the latest snapshot of a scope.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "sbkube-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         filepath.Join(dir, "state.db"),
		HistoryLimit: 10,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	scope := engine.Scope{Profile: "prod", Namespace: "apps"}
	now := time.Now()
	err = store.Put(ctx, &engine.ExecutionState{
		RunID:     "run-001",
		Scope:     scope,
		Status:    engine.RunStatusSucceeded,
		StartedAt: now,
		UpdatedAt: now,
		Order:     []string{"database"},
		Steps: map[string]*engine.StepResult{
			"database": {NodeID: "database", Status: engine.StepSuccess, Attempts: 1},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	latest, err := store.GetLatest(ctx, scope)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s %s database=%s\n", latest.RunID, latest.Status, latest.Steps["database"].Status)
	// Output: run-001 succeeded database=success
}

// ExampleMemoryStore_ListHistory shows that history is returned newest first.
func ExampleMemoryStore_ListHistory() {
	store := stores.NewMemoryStore(0)
	ctx := context.Background()
	scope := engine.Scope{Profile: "dev"}

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if err := store.Put(ctx, &engine.ExecutionState{RunID: id, Scope: scope, Status: engine.RunStatusFailed}); err != nil {
			log.Fatal(err)
		}
	}

	history, _ := store.ListHistory(ctx, scope, 2)
	for _, s := range history {
		fmt.Println(s.RunID)
	}
	// Output:
	// run-c
	// run-b
}
