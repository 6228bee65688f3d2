package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/config"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/policy"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// checkPolicies evaluates the built-in and configured policies against nodes.
// Findings are written to w; blocking violations fail with ExitGraph.
func checkPolicies(ctx context.Context, settings *config.Settings, logger *telemetry.Logger, nodes []engine.Node, operation string, dryRun bool, w io.Writer) (*policy.PolicyResult, error) {
	eng, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(settings.PolicyPaths) > 0 {
		if err := eng.LoadPolicies(ctx, settings.PolicyPaths); err != nil {
			return nil, err
		}
	}

	result, err := eng.Evaluate(ctx, nodes, &policy.PolicyContext{
		Profile:   settings.Profile,
		Namespace: settings.Namespace,
		Operation: operation,
		DryRun:    dryRun,
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	if w != nil {
		printPolicyResult(w, result)
	}
	if !result.Allowed {
		return result, &ExitError{
			Code: ExitGraph,
			Err:  fmt.Errorf("policy check failed: %d violation(s), %d error(s)", len(result.Violations), len(result.Errors)),
		}
	}
	return result, nil
}

func printPolicyResult(w io.Writer, result *policy.PolicyResult) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "%-8s %s: %s\n", v.Severity, v.Policy, v.Message)
		if v.Remediation != "" {
			fmt.Fprintf(w, "         fix: %s\n", v.Remediation)
		}
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "%-8s %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "%-8s %s\n", "error", e)
	}
}

// progressPrinter writes node lifecycle events to w as they happen. Events
// arrive from worker goroutines.
func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	var mu sync.Mutex
	return func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch engine.EventType(e.Type) {
		case engine.EventNodeStarted:
			fmt.Fprintf(w, "  > %s\n", e.NodeID)
		case engine.EventNodeSucceeded:
			fmt.Fprintf(w, "  ✓ %s\n", e.NodeID)
		case engine.EventNodeFailed:
			fmt.Fprintf(w, "  ✗ %s\n", e.Message)
		case engine.EventNodeSkipped:
			fmt.Fprintf(w, "  - %s\n", e.Message)
		}
	}
}

func writeReport(w io.Writer, report *engine.Report) error {
	if jsonOutput {
		return writeJSON(w, report)
	}
	return report.WriteText(w)
}
