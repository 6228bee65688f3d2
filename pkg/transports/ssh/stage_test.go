package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

func TestStage(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	local := t.TempDir()
	manifest := filepath.Join(local, "app.yaml")
	if err := os.WriteFile(manifest, []byte("kind: ConfigMap\n"), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	dir := filepath.Join(local, "crds")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "crd.yaml"), []byte("kind: CustomResourceDefinition\n"), 0644); err != nil {
		t.Fatalf("failed to write crd: %v", err)
	}

	nodes := []engine.Node{{
		ID: "app",
		Tasks: []engine.Task{
			{ID: "crds", Spec: engine.ManifestSpec{Paths: []string{dir}}},
			{
				ID:   "apply",
				Spec: engine.ManifestSpec{Paths: []string{manifest}, Namespace: "web"},
				Rollback: &engine.RollbackPolicy{Enabled: true, Actions: []engine.Task{
					{ID: "reapply", Spec: engine.ManifestSpec{Paths: []string{manifest}}},
				}},
			},
			{ID: "notify", Spec: engine.CommandSpec{Argv: []string{"echo", "done"}}},
		},
	}}

	remote := t.TempDir()
	staged, err := client.Stage(context.Background(), nodes, remote)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	crdPath := staged[0].Tasks[0].Spec.(engine.ManifestSpec).Paths[0]
	if !strings.HasPrefix(crdPath, remote) || !strings.HasSuffix(crdPath, "-crds") {
		t.Errorf("unexpected staged directory path %s", crdPath)
	}
	data, err := os.ReadFile(filepath.Join(crdPath, "nested", "crd.yaml"))
	if err != nil || string(data) != "kind: CustomResourceDefinition\n" {
		t.Errorf("staged directory content mismatch: %q, %v", data, err)
	}

	apply := staged[0].Tasks[1].Spec.(engine.ManifestSpec)
	if apply.Namespace != "web" {
		t.Errorf("expected namespace to be kept, got %q", apply.Namespace)
	}
	data, err = os.ReadFile(apply.Paths[0])
	if err != nil || string(data) != "kind: ConfigMap\n" {
		t.Errorf("staged file content mismatch: %q, %v", data, err)
	}

	reapply := staged[0].Tasks[1].Rollback.Actions[0].Spec.(engine.ManifestSpec)
	if reapply.Paths[0] != apply.Paths[0] {
		t.Errorf("expected the same local path to be staged once, got %s and %s", apply.Paths[0], reapply.Paths[0])
	}

	// The input is left untouched.
	if nodes[0].Tasks[1].Spec.(engine.ManifestSpec).Paths[0] != manifest {
		t.Error("Stage modified its input")
	}
	if nodes[0].Tasks[1].Rollback.Actions[0].Spec.(engine.ManifestSpec).Paths[0] != manifest {
		t.Error("Stage modified the input rollback actions")
	}
	if _, ok := staged[0].Tasks[2].Spec.(engine.CommandSpec); !ok {
		t.Error("expected command task to be unchanged")
	}
}

func TestStageMissingFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	nodes := []engine.Node{{ID: "app", Tasks: []engine.Task{
		{ID: "apply", Spec: engine.ManifestSpec{Paths: []string{filepath.Join(t.TempDir(), "missing.yaml")}}},
	}}}
	if _, err := client.Stage(context.Background(), nodes, t.TempDir()); err == nil {
		t.Error("expected error for missing manifest")
	}
}
