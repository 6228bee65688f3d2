// Package local runs task commands as child processes of sbkube.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// DefaultGracePeriod is how long a cancelled command has to exit after SIGTERM.
const DefaultGracePeriod = 10 * time.Second

// Executor implements engine.ShellExecutor with os/exec.
type Executor struct {
	gracePeriod time.Duration
	inheritEnv  bool
	logger      *telemetry.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithGracePeriod sets the delay between SIGTERM and SIGKILL on cancellation.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) {
		e.gracePeriod = d
	}
}

// WithoutInheritedEnv runs commands with only the variables of the request.
func WithoutInheritedEnv() Option {
	return func(e *Executor) {
		e.inheritEnv = false
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l.NewComponentLogger("local-exec")
		}
	}
}

// NewExecutor creates an Executor. By default commands inherit the
// environment of sbkube with request variables layered on top.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		gracePeriod: DefaultGracePeriod,
		inheritEnv:  true,
		logger:      telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req.Argv and waits for it. A non-zero exit status is reported
// in the result; err is set when the command could not start, ran past
// req.Timeout or ctx was cancelled.
func (e *Executor) Execute(ctx context.Context, req engine.ExecRequest) (*engine.ExecResult, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.gracePeriod
	cmd.Dir = req.Cwd
	cmd.Env = e.environ(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	e.logger.Debugf("exec %v", req.Argv)

	start := time.Now()
	err := cmd.Run()
	result := &engine.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	// Cancellation wins over the exit status of the signalled process.
	if ctxErr := runCtx.Err(); ctxErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("command timed out after %s: %w", req.Timeout, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	e.logger.Debugf("exec %s exited %d after %s", req.Argv[0], result.ExitCode, result.Duration)
	return result, nil
}

// environ builds the child environment. Request variables are appended in
// key order so they override inherited ones.
func (e *Executor) environ(vars map[string]string) []string {
	var env []string
	if e.inheritEnv {
		env = os.Environ()
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	if env == nil {
		// A nil Env means "inherit" to os/exec.
		env = []string{}
	}
	return env
}
