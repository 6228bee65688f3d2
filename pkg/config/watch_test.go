package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParser_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nodes.yaml", "nodes:\n  - id: first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan *ParsedConfig, 8)
	done := make(chan error, 1)
	go func() {
		done <- NewParser().Watch(ctx, []string{path}, func(pc *ParsedConfig, err error) {
			if err == nil {
				results <- pc
			}
		})
	}()

	// Keep rewriting until the watcher is registered and reports the change.
	updated := []byte("nodes:\n  - id: first\n  - id: second\n")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)

	for {
		select {
		case pc := <-results:
			if len(pc.Document.Nodes) != 2 {
				continue
			}
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("expected clean shutdown, got: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("watcher did not stop after cancel")
			}
			return
		case <-ticker.C:
			if err := os.WriteFile(path, updated, 0o644); err != nil {
				t.Fatalf("failed to rewrite file: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestParser_WatchMissingSource(t *testing.T) {
	err := NewParser().Watch(context.Background(), []string{filepath.Join(t.TempDir(), "missing.yaml")}, func(*ParsedConfig, error) {})
	if err == nil {
		t.Error("expected error for missing source")
	}
}
