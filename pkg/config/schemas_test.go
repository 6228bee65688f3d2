package config

import (
	"context"
	"slices"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Hook: {
	name:  string
	phase: "pre" | "post"
}
`

	if err := sr.RegisterSchema("hook", customSchema, "#Hook"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("hook")
	if !ok {
		t.Fatal("expected to find hook schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "hook", map[string]string{"name": "seed", "phase": "pre"}); err != nil {
		t.Errorf("expected valid hook, got: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "hook", map[string]string{"name": "seed", "phase": "during"}); err == nil {
		t.Error("expected error for invalid phase")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#X: {", "#X"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#X: string", "#Y"); err == nil {
		t.Error("expected error for missing definition")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", struct{}{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{SchemaNode, SchemaNodeSet, SchemaTask}
	if got := sr.ListSchemas(); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateTask(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		task    TaskConfig
		wantErr bool
	}{
		{
			name:    "valid command task",
			task:    TaskConfig{ID: "migrate", Type: "command", Command: []string{"./migrate", "up"}},
			wantErr: false,
		},
		{
			name: "valid retry and rollback",
			task: TaskConfig{
				ID:      "apply",
				Type:    "manifest",
				Paths:   []string{"a.yaml"},
				Timeout: "1m30s",
				Retry:   &RetryConfig{MaxAttempts: 3, Delay: "500ms", Backoff: "linear"},
				Rollback: &RollbackConfig{
					Enabled: true,
					Actions: []TaskConfig{{ID: "undo", Type: "command", Command: []string{"kubectl", "delete", "-f", "a.yaml"}}},
				},
			},
			wantErr: false,
		},
		{
			name:    "id with slash",
			task:    TaskConfig{ID: "db/apply", Type: "command", Command: []string{"true"}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			task:    TaskConfig{ID: "x", Type: "helm"},
			wantErr: true,
		},
		{
			name:    "exit code out of range",
			task:    TaskConfig{ID: "x", Type: "command", Command: []string{"true"}, TolerateExitCodes: []int{300}},
			wantErr: true,
		},
		{
			name:    "bad duration",
			task:    TaskConfig{ID: "x", Type: "command", Command: []string{"true"}, Timeout: "ten seconds"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SchemaTask, tt.task)
			if tt.wantErr && err == nil {
				t.Error("expected error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSchemaRegistry_Check(t *testing.T) {
	sr := NewSchemaRegistry()

	doc := Document{Nodes: []NodeConfig{
		{ID: "ok"},
		{ID: "bad id"},
	}}
	errs := sr.Check(SchemaNodeSet, doc)
	if len(errs) == 0 {
		t.Fatal("expected errors for bad node id")
	}
	if errs[0].Severity != SeverityError {
		t.Errorf("expected error severity, got %s", errs[0].Severity)
	}

	if errs := sr.Check(SchemaNodeSet, Document{Nodes: []NodeConfig{{ID: "ok"}}}); len(errs) != 0 {
		t.Errorf("expected no errors, got %+v", errs)
	}
}
