// Package kube answers validation questions about cluster resources by
// running kubectl through an engine.ShellExecutor, so the same probe works
// locally and over SSH.
package kube

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// requestSlack is added to the kubectl wait timeout for the request timeout,
// so kubectl reports the timeout itself.
const requestSlack = 30 * time.Second

// Probe implements engine.ResourceProbe with kubectl get and kubectl wait.
type Probe struct {
	shell   engine.ShellExecutor
	kubectl engine.Kubectl
	logger  *telemetry.Logger
}

// NewProbe creates a Probe. A nil logger discards output.
func NewProbe(shell engine.ShellExecutor, kubectl engine.Kubectl, logger *telemetry.Logger) *Probe {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Probe{shell: shell, kubectl: kubectl, logger: logger.NewComponentLogger("kube-probe")}
}

// Exists reports whether kind/name exists in namespace.
func (p *Probe) Exists(ctx context.Context, kind, name, namespace string) (bool, error) {
	if kind == "" || name == "" {
		return false, fmt.Errorf("kind and name are required")
	}

	args := []string{"get", kind, name, "--ignore-not-found", "-o", "name"}
	args = appendNamespace(args, namespace)

	res, err := p.shell.Execute(ctx, engine.ExecRequest{Argv: p.kubectl.Command(args...)})
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, kubectlError("get", res)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// WaitForCondition runs kubectl wait for the resources matched by selector.
// selector is a resource name unless it looks like a label selector. A zero
// timeout checks once. Resources that don't exist yet and kubectl timeouts
// report false without an error.
func (p *Probe) WaitForCondition(ctx context.Context, kind, selector, namespace, condition string, timeout time.Duration) (bool, error) {
	if kind == "" || selector == "" {
		return false, fmt.Errorf("kind and selector are required")
	}

	args := []string{"wait"}
	if IsLabelSelector(selector) {
		args = append(args, kind, "-l", selector)
	} else {
		args = append(args, kind+"/"+selector)
	}
	args = append(args, "--for="+NormalizeCondition(condition), "--timeout="+formatTimeout(timeout))
	args = appendNamespace(args, namespace)

	req := engine.ExecRequest{Argv: p.kubectl.Command(args...)}
	if timeout > 0 {
		req.Timeout = timeout + requestSlack
	}

	res, err := p.shell.Execute(ctx, req)
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if notReady(res.Stderr) {
		p.logger.Debugf("%s %s not ready: %s", kind, selector, strings.TrimSpace(res.Stderr))
		return false, nil
	}
	return false, kubectlError("wait", res)
}

// IsLabelSelector reports whether s is a label selector rather than a name.
func IsLabelSelector(s string) bool {
	return strings.ContainsAny(s, "=,!") || strings.Contains(s, " in ") || strings.Contains(s, " notin ")
}

// NormalizeCondition turns a bare condition type such as "Ready" into
// "condition=Ready". Conditions with a "=" and the delete/create forms are
// passed through.
func NormalizeCondition(condition string) string {
	switch {
	case condition == "":
		return "create"
	case condition == "delete", condition == "create", strings.Contains(condition, "="):
		return condition
	default:
		return "condition=" + condition
	}
}

func formatTimeout(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

func appendNamespace(args []string, namespace string) []string {
	if namespace == "" {
		return args
	}
	return append(args, "-n", namespace)
}

// notReady matches kubectl errors that mean "not yet" rather than "broken".
func notReady(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"timed out waiting for the condition",
		"notfound",
		"not found",
		"no matching resources found",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func kubectlError(verb string, res *engine.ExecResult) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("kubectl %s exited %d: %s", verb, res.ExitCode, msg)
}
