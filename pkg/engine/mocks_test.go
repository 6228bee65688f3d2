package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// mockShell records every command and answers with scripted exit codes.
// Commands are keyed by their joined argv.
type mockShell struct {
	mu         sync.Mutex
	calls      []ExecRequest
	exitCodes  map[string][]int
	stdout     map[string]string
	hang       map[string]bool
	delay      time.Duration
	blockUntil chan struct{}
	running    int
	maxRunning int
}

func newMockShell() *mockShell {
	return &mockShell{
		exitCodes: make(map[string][]int),
		stdout:    make(map[string]string),
		hang:      make(map[string]bool),
	}
}

// script sets the exit codes returned by successive invocations of argv. The
// last code repeats once the list is used up.
func (m *mockShell) script(argv string, codes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitCodes[argv] = codes
}

func (m *mockShell) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	key := strings.Join(req.Argv, " ")

	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.running++
	if m.running > m.maxRunning {
		m.maxRunning = m.running
	}
	code := 0
	if codes := m.exitCodes[key]; len(codes) > 0 {
		code = codes[0]
		if len(codes) > 1 {
			m.exitCodes[key] = codes[1:]
		}
	}
	out := m.stdout[key]
	delay := m.delay
	block := m.blockUntil
	hang := m.hang[key]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res := &ExecResult{ExitCode: code, Stdout: out}
	if code != 0 {
		res.Stderr = "boom: " + key
	}
	return res, nil
}

func (m *mockShell) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = strings.Join(c.Argv, " ")
	}
	return out
}

func (m *mockShell) count(argv string) int {
	n := 0
	for _, c := range m.commands() {
		if c == argv {
			n++
		}
	}
	return n
}

func (m *mockShell) lastRequest(argv string) (ExecRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if strings.Join(m.calls[i].Argv, " ") == argv {
			return m.calls[i], true
		}
	}
	return ExecRequest{}, false
}

// mockProbe reports a resource ready after a fixed number of checks.
type mockProbe struct {
	mu          sync.Mutex
	readyAfter  int
	checks      int
	lastKind    string
	lastTarget  string
	lastNS      string
	neverReady  bool
	existsCalls int
}

func (m *mockProbe) Exists(ctx context.Context, kind, name, namespace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	m.lastKind, m.lastTarget, m.lastNS = kind, name, namespace
	return !m.neverReady, nil
}

func (m *mockProbe) WaitForCondition(ctx context.Context, kind, selector, namespace, condition string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	m.lastKind, m.lastTarget, m.lastNS = kind, selector, namespace
	if m.neverReady {
		return false, errors.New("condition not met")
	}
	return m.checks > m.readyAfter, nil
}

// memStore keeps snapshots in memory and can be told to fail writes.
type memStore struct {
	mu       sync.Mutex
	history  map[string][]*ExecutionState
	puts     int
	failPuts bool
	onPut    func(*ExecutionState)
}

func newMemStore() *memStore {
	return &memStore{history: make(map[string][]*ExecutionState)}
}

func (m *memStore) Put(ctx context.Context, state *ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPuts {
		return errors.New("disk full")
	}
	m.puts++
	if m.onPut != nil {
		m.onPut(state)
	}
	key := state.Scope.Key()
	runs := m.history[key]
	for i, s := range runs {
		if s.RunID == state.RunID {
			runs[i] = state.Clone()
			return nil
		}
	}
	m.history[key] = append(runs, state.Clone())
	return nil
}

func (m *memStore) GetLatest(ctx context.Context, scope Scope) (*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.history[scope.Key()]
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[len(runs)-1].Clone(), nil
}

func (m *memStore) ListHistory(ctx context.Context, scope Scope, limit int) ([]*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.history[scope.Key()]
	out := make([]*ExecutionState, 0, len(runs))
	for i := len(runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, runs[i].Clone())
	}
	return out, nil
}

// cmd builds a command task whose argv is "run <id>".
func cmd(id string, deps ...string) Task {
	return Task{ID: id, Spec: CommandSpec{Argv: []string{"run", id}}, DependsOn: deps}
}

// appNode builds a node with one command task named "<id>-deploy".
func appNode(id string, deps ...string) Node {
	return Node{ID: id, DependsOn: deps, Tasks: []Task{cmd(id + "-deploy")}}
}
