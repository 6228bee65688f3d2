package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// Execute runs req on the remote host. Cwd and Env are applied through the
// remote shell since most servers refuse SSH environment requests. On
// cancellation the command gets SIGTERM, then SIGKILL after the grace period.
func (c *Client) Execute(ctx context.Context, req engine.ExecRequest) (*engine.ExecResult, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	client, err := c.sshClient(runCtx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if req.Stdin != nil {
		session.Stdin = bytes.NewReader(req.Stdin)
	}

	command := BuildCommand(req)
	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("executing command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(c.config.GracePeriod):
			_ = session.Signal(ssh.SIGKILL)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("command timed out after %s: %w", req.Timeout, runCtx.Err())
	}

	result := &engine.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	log.Debug().
		Str("host", c.config.Host).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// BuildCommand renders req as a single POSIX shell command line.
func BuildCommand(req engine.ExecRequest) string {
	var sb strings.Builder
	if req.Cwd != "" {
		sb.WriteString("cd ")
		sb.WriteString(ShellQuote(req.Cwd))
		sb.WriteString(" && ")
	}
	if len(req.Env) > 0 {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("env")
		for _, k := range keys {
			sb.WriteString(" ")
			sb.WriteString(ShellQuote(k + "=" + req.Env[k]))
		}
		sb.WriteString(" ")
	} else {
		sb.WriteString("exec ")
	}
	for i, arg := range req.Argv {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(ShellQuote(arg))
	}
	return sb.String()
}

// ShellQuote quotes s for a POSIX shell. Words made only of safe characters
// are returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
