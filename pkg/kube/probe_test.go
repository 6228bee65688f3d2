package kube

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// fakeShell records requests and replies with a fixed result.
type fakeShell struct {
	mu     sync.Mutex
	calls  []engine.ExecRequest
	result engine.ExecResult
	err    error
}

func (f *fakeShell) Execute(ctx context.Context, req engine.ExecRequest) (*engine.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func (f *fakeShell) lastArgv() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls[len(f.calls)-1].Argv, " ")
}

var _ engine.ResourceProbe = (*Probe)(nil)

func TestExists(t *testing.T) {
	tests := []struct {
		name    string
		result  engine.ExecResult
		want    bool
		wantErr bool
	}{
		{name: "found", result: engine.ExecResult{Stdout: "deployment.apps/api\n"}, want: true},
		{name: "missing", result: engine.ExecResult{}, want: false},
		{name: "kubectl failure", result: engine.ExecResult{ExitCode: 1, Stderr: "error: the server doesn't have a resource type \"widget\""}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell := &fakeShell{result: tt.result}
			probe := NewProbe(shell, engine.Kubectl{Context: "staging"}, nil)

			got, err := probe.Exists(context.Background(), "deployment", "api", "web")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Exists() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Exists() = %v, want %v", got, tt.want)
			}

			want := "kubectl --context staging get deployment api --ignore-not-found -o name -n web"
			if argv := shell.lastArgv(); argv != want {
				t.Errorf("argv = %q, want %q", argv, want)
			}
		})
	}
}

func TestExistsRequiresKindAndName(t *testing.T) {
	probe := NewProbe(&fakeShell{}, engine.Kubectl{}, nil)
	if _, err := probe.Exists(context.Background(), "", "api", ""); err == nil {
		t.Error("Expected error for missing kind")
	}
}

func TestWaitForCondition(t *testing.T) {
	tests := []struct {
		name      string
		selector  string
		condition string
		timeout   time.Duration
		result    engine.ExecResult
		wantArgv  string
		want      bool
		wantErr   bool
	}{
		{
			name:      "named resource ready",
			selector:  "api",
			condition: "condition=Available",
			timeout:   2 * time.Minute,
			wantArgv:  "kubectl wait deployment/api --for=condition=Available --timeout=2m0s -n web",
			want:      true,
		},
		{
			name:      "label selector checked once",
			selector:  "app=api,tier!=cache",
			condition: "Ready",
			wantArgv:  "kubectl wait deployment -l app=api,tier!=cache --for=condition=Ready --timeout=0s -n web",
			want:      true,
		},
		{
			name:      "jsonpath condition",
			selector:  "api",
			condition: "jsonpath={.status.readyReplicas}=3",
			wantArgv:  "kubectl wait deployment/api --for=jsonpath={.status.readyReplicas}=3 --timeout=0s -n web",
			want:      true,
		},
		{
			name:      "timed out",
			selector:  "api",
			condition: "condition=Available",
			result:    engine.ExecResult{ExitCode: 1, Stderr: "error: timed out waiting for the condition on deployments/api"},
			wantArgv:  "kubectl wait deployment/api --for=condition=Available --timeout=0s -n web",
		},
		{
			name:      "not created yet",
			selector:  "api",
			condition: "condition=Available",
			result:    engine.ExecResult{ExitCode: 1, Stderr: `Error from server (NotFound): deployments.apps "api" not found`},
			wantArgv:  "kubectl wait deployment/api --for=condition=Available --timeout=0s -n web",
		},
		{
			name:      "broken",
			selector:  "api",
			condition: "condition=Available",
			result:    engine.ExecResult{ExitCode: 1, Stderr: "error: You must be logged in to the server (Unauthorized)"},
			wantArgv:  "kubectl wait deployment/api --for=condition=Available --timeout=0s -n web",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell := &fakeShell{result: tt.result}
			probe := NewProbe(shell, engine.Kubectl{}, nil)

			got, err := probe.WaitForCondition(context.Background(), "deployment", tt.selector, "web", tt.condition, tt.timeout)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WaitForCondition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("WaitForCondition() = %v, want %v", got, tt.want)
			}
			if argv := shell.lastArgv(); argv != tt.wantArgv {
				t.Errorf("argv = %q, want %q", argv, tt.wantArgv)
			}
		})
	}
}

func TestWaitForConditionRequestTimeout(t *testing.T) {
	shell := &fakeShell{}
	probe := NewProbe(shell, engine.Kubectl{}, nil)

	if _, err := probe.WaitForCondition(context.Background(), "pod", "web-0", "", "Ready", time.Minute); err != nil {
		t.Fatalf("WaitForCondition failed: %v", err)
	}
	if got := shell.calls[0].Timeout; got != time.Minute+requestSlack {
		t.Errorf("request timeout = %s, want %s", got, time.Minute+requestSlack)
	}
}

func TestWaitForConditionShellError(t *testing.T) {
	shellErr := errors.New("connection reset")
	probe := NewProbe(&fakeShell{err: shellErr}, engine.Kubectl{}, nil)

	if _, err := probe.WaitForCondition(context.Background(), "pod", "web-0", "", "Ready", 0); !errors.Is(err, shellErr) {
		t.Errorf("Expected shell error, got %v", err)
	}
}

func TestIsLabelSelector(t *testing.T) {
	tests := map[string]bool{
		"api":                 false,
		"api-v2.example":      false,
		"app=api":             true,
		"app!=api":            true,
		"app":                 false,
		"!canary":             true,
		"env in (prod,stage)": true,
		"a=b,c=d":             true,
	}
	for s, want := range tests {
		if got := IsLabelSelector(s); got != want {
			t.Errorf("IsLabelSelector(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestNormalizeCondition(t *testing.T) {
	tests := map[string]string{
		"":                      "create",
		"Ready":                 "condition=Ready",
		"condition=Ready=false": "condition=Ready=false",
		"delete":                "delete",
	}
	for in, want := range tests {
		if got := NormalizeCondition(in); got != want {
			t.Errorf("NormalizeCondition(%q) = %q, want %q", in, got, want)
		}
	}
}
