package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecute(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name       string
		req        engine.ExecRequest
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "stdout",
			req:        engine.ExecRequest{Argv: []string{"echo", "hello"}},
			wantStdout: "hello\n",
		},
		{
			name:       "stderr and exit code",
			req:        engine.ExecRequest{Argv: []string{"sh", "-c", "echo oops >&2; exit 3"}},
			wantCode:   3,
			wantStderr: "oops\n",
		},
		{
			name:       "stdin",
			req:        engine.ExecRequest{Argv: []string{"cat"}, Stdin: []byte("kind: ConfigMap\n")},
			wantStdout: "kind: ConfigMap\n",
		},
		{
			name:       "env overrides inherited value",
			req:        engine.ExecRequest{Argv: []string{"sh", "-c", "echo $SBKUBE_TEST_VAR"}, Env: map[string]string{"SBKUBE_TEST_VAR": "override"}},
			wantStdout: "override\n",
		},
	}

	t.Setenv("SBKUBE_TEST_VAR", "inherited")
	exec := NewExecutor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.Execute(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.wantStdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestExecute_Cwd(t *testing.T) {
	requireShell(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write marker: %v", err)
	}

	res, err := NewExecutor().Execute(context.Background(), engine.ExecRequest{Argv: []string{"ls"}, Cwd: dir})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(res.Stdout, "marker") {
		t.Errorf("Expected ls in %s to list marker, got %q", dir, res.Stdout)
	}
}

func TestExecute_WithoutInheritedEnv(t *testing.T) {
	requireShell(t)
	t.Setenv("SBKUBE_TEST_VAR", "inherited")

	res, err := NewExecutor(WithoutInheritedEnv()).Execute(context.Background(), engine.ExecRequest{
		Argv: []string{"/bin/sh", "-c", "echo \"[$SBKUBE_TEST_VAR]\""},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Stdout != "[]\n" {
		t.Errorf("Expected empty variable, got %q", res.Stdout)
	}
}

func TestExecute_Timeout(t *testing.T) {
	requireShell(t)

	start := time.Now()
	_, err := NewExecutor(WithGracePeriod(time.Second)).Execute(context.Background(), engine.ExecRequest{
		Argv:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout took %s", elapsed)
	}
}

func TestExecute_Cancel(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := NewExecutor().Execute(ctx, engine.ExecRequest{Argv: []string{"sleep", "10"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestExecute_StartErrors(t *testing.T) {
	exec := NewExecutor()
	if _, err := exec.Execute(context.Background(), engine.ExecRequest{}); err == nil {
		t.Error("Expected error for empty argv")
	}
	if _, err := exec.Execute(context.Background(), engine.ExecRequest{Argv: []string{"sbkube-no-such-binary"}}); err == nil {
		t.Error("Expected error for missing binary")
	}
}
