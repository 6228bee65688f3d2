package config

import (
	"fmt"
	"time"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// ToNodes converts a validated document into engine nodes. Graph checks
// (unknown references, cycles) are left to engine.DAGBuilder.
func (d Document) ToNodes() ([]engine.Node, error) {
	nodes := make([]engine.Node, 0, len(d.Nodes))
	for i, nc := range d.Nodes {
		node := engine.Node{
			ID:          nc.ID,
			DependsOn:   append([]string(nil), nc.DependsOn...),
			Disabled:    nc.Enabled != nil && !*nc.Enabled,
			OnFailure:   engine.FailurePolicy(nc.OnFailure),
			Namespace:   nc.Namespace,
			Description: nc.Description,
			Labels:      nc.Labels,
		}
		for j, tc := range nc.Tasks {
			task, err := tc.toTask(nc.Namespace)
			if err != nil {
				return nil, fmt.Errorf("nodes[%d].tasks[%d]: %w", i, j, err)
			}
			node.Tasks = append(node.Tasks, task)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (tc TaskConfig) toTask(nodeNamespace string) (engine.Task, error) {
	task := engine.Task{
		ID:          tc.ID,
		DependsOn:   append([]string(nil), tc.DependsOn...),
		Description: tc.Description,
	}

	ns := tc.Namespace
	if ns == "" {
		ns = nodeNamespace
	}

	switch engine.TaskKind(tc.Type) {
	case engine.TaskKindManifest:
		task.Spec = engine.ManifestSpec{Paths: append([]string(nil), tc.Paths...), Namespace: ns}
	case engine.TaskKindInline:
		task.Spec = engine.InlineSpec{Content: tc.Content, Namespace: ns}
	case engine.TaskKindCommand:
		task.Spec = engine.CommandSpec{
			Argv:              append([]string(nil), tc.Command...),
			Cwd:               tc.Cwd,
			Env:               tc.Env,
			EnvFiles:          append([]string(nil), tc.EnvFiles...),
			TolerateExitCodes: append([]int(nil), tc.TolerateExitCodes...),
		}
	default:
		return task, fmt.Errorf("unknown task type %q", tc.Type)
	}

	var err error
	if task.Timeout, err = parseDuration("timeout", tc.Timeout); err != nil {
		return task, err
	}

	if v := tc.Validation; v != nil {
		rule := &engine.ValidationRule{
			ResourceKind:   v.Kind,
			Name:           v.Name,
			Selector:       v.Selector,
			Condition:      v.Condition,
			Command:        append([]string(nil), v.Command...),
			ExpectedOutput: v.ExpectedOutput,
		}
		if rule.Timeout, err = parseDuration("validation.timeout", v.Timeout); err != nil {
			return task, err
		}
		if rule.Interval, err = parseDuration("validation.interval", v.Interval); err != nil {
			return task, err
		}
		task.Validation = rule
	}

	if r := tc.Retry; r != nil {
		policy := &engine.RetryPolicy{
			MaxAttempts: r.MaxAttempts,
			Backoff:     engine.BackoffKind(r.Backoff),
			OnFailure:   engine.OnFailureAction(r.OnFailure),
		}
		if policy.Delay, err = parseDuration("retry.delay", r.Delay); err != nil {
			return task, err
		}
		task.Retry = policy
	}

	if rb := tc.Rollback; rb != nil {
		policy := &engine.RollbackPolicy{
			Enabled: rb.Enabled,
			Trigger: engine.RollbackTrigger(rb.Trigger),
		}
		for k, ac := range rb.Actions {
			action, err := ac.toTask(ns)
			if err != nil {
				return task, fmt.Errorf("rollback.actions[%d]: %w", k, err)
			}
			policy.Actions = append(policy.Actions, action)
		}
		task.Rollback = policy
	}

	return task, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", field, s)
	}
	return d, nil
}
