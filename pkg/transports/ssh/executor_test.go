package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

func TestExecute(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	tests := []struct {
		name       string
		req        engine.ExecRequest
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "stdout",
			req:        engine.ExecRequest{Argv: []string{"echo", "hello world"}},
			wantStdout: "hello world\n",
		},
		{
			name:       "stderr and exit code",
			req:        engine.ExecRequest{Argv: []string{"sh", "-c", "echo oops >&2; exit 4"}},
			wantCode:   4,
			wantStderr: "oops\n",
		},
		{
			name:       "stdin",
			req:        engine.ExecRequest{Argv: []string{"cat"}, Stdin: []byte("kind: Namespace\n")},
			wantStdout: "kind: Namespace\n",
		},
		{
			name:       "env and cwd",
			req:        engine.ExecRequest{Argv: []string{"sh", "-c", "echo $GREETING $(pwd)"}, Env: map[string]string{"GREETING": "it's me"}, Cwd: "/"},
			wantStdout: "it's me /\n",
		},
	}

	// Connects lazily on first Execute.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Execute(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("expected exit code %d, got %d", tt.wantCode, res.ExitCode)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("expected stdout %q, got %q", tt.wantStdout, res.Stdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("expected stderr %q, got %q", tt.wantStderr, res.Stderr)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	start := time.Now()
	_, err := client.Execute(context.Background(), engine.ExecRequest{
		Argv:    []string{"sleep", "10"},
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestExecuteCancel(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := client.Execute(ctx, engine.ExecRequest{Argv: []string{"sleep", "10"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteEmptyArgv(t *testing.T) {
	client, err := NewClient(&Config{
		Endpoint: Endpoint{
			Host: "example.com", Port: 22, User: "deploy",
			Credentials: Credentials{Method: AuthMethodPassword, Password: "x"},
		},
		ConnectionTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := client.Execute(context.Background(), engine.ExecRequest{}); err == nil {
		t.Error("expected error for empty argv")
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name string
		req  engine.ExecRequest
		want string
	}{
		{
			name: "plain argv",
			req:  engine.ExecRequest{Argv: []string{"kubectl", "apply", "-f", "-"}},
			want: "exec kubectl apply -f -",
		},
		{
			name: "quoting",
			req:  engine.ExecRequest{Argv: []string{"sh", "-c", "echo 'hi' && ls"}},
			want: `exec sh -c 'echo '\''hi'\'' && ls'`,
		},
		{
			name: "cwd and sorted env",
			req: engine.ExecRequest{
				Argv: []string{"./migrate", "up"},
				Cwd:  "/srv/my app",
				Env:  map[string]string{"B": "2", "A": "x y"},
			},
			want: "cd '/srv/my app' && env 'A=x y' B=2 ./migrate up",
		},
		{
			name: "empty argument",
			req:  engine.ExecRequest{Argv: []string{"printf", ""}},
			want: "exec printf ''",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildCommand(tt.req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestShellQuoteRoundTrip(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	odd := []string{"$HOME", "a b", "it's", `back\slash`, "semi;colon", "*"}
	res, err := client.Execute(context.Background(), engine.ExecRequest{
		Argv: append([]string{"printf", "%s\\n"}, odd...),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got := strings.Split(strings.TrimSuffix(res.Stdout, "\n"), "\n")
	if len(got) != len(odd) {
		t.Fatalf("expected %d lines, got %q", len(odd), res.Stdout)
	}
	for i := range odd {
		if got[i] != odd[i] {
			t.Errorf("argument %d: expected %q, got %q", i, odd[i], got[i])
		}
	}
}
