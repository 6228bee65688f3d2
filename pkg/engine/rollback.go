package engine

import (
	"context"
	"errors"
)

// RollbackNode compensates the tasks that completed inside a failed node, most
// recent first. Tasks without an enabled rollback policy, or with trigger never,
// are left alone; trigger manual is deferred. It returns nil when nothing applied.
func (e *TaskExecutor) RollbackNode(ctx context.Context, node Node, completed []Task, hook HookContext) (*RollbackOutcome, []ManualRollback, error) {
	var (
		outcome  *RollbackOutcome
		manual   []ManualRollback
		failures []error
		ran      bool
	)

	for i := len(completed) - 1; i >= 0; i-- {
		task := completed[i]
		rb := task.Rollback
		if rb == nil || !rb.Enabled || rb.Trigger == RollbackNever || len(rb.Actions) == 0 {
			continue
		}
		if outcome == nil {
			outcome = &RollbackOutcome{}
		}

		if rb.Trigger == RollbackManual {
			manual = append(manual, ManualRollback{NodeID: node.ID, TaskID: task.ID, Actions: actionIDs(rb.Actions)})
			continue
		}

		ran = true
		taskOutcome, err := e.runRollbackActions(ctx, node, qualify(node.ID, task.ID), rb.Actions, hook)
		for _, a := range taskOutcome.Actions {
			outcome.Actions = append(outcome.Actions, qualify(task.ID, a))
		}
		outcome.Failures = append(outcome.Failures, taskOutcome.Failures...)
		if err != nil {
			failures = append(failures, err)
		}
	}

	if outcome == nil {
		return nil, nil, nil
	}

	switch {
	case len(failures) > 0:
		outcome.Result = RollbackPartial
	case !ran:
		outcome.Result = RollbackDeferred
	default:
		outcome.Result = RollbackSucceeded
	}
	e.metrics.RecordRollback("node", string(outcome.Result))

	if len(failures) > 0 {
		err := &RollbackError{Owner: node.ID, Failures: flattenRollbackErrors(failures)}
		e.logger.WithNodeID(node.ID).WithError(err).Warn("node rollback incomplete")
		return outcome, manual, err
	}
	e.logger.WithNodeID(node.ID).Infof("rolled back %d action(s)", len(outcome.Actions))
	return outcome, manual, nil
}

func flattenRollbackErrors(errs []error) []error {
	var out []error
	for _, err := range errs {
		var rbErr *RollbackError
		if errors.As(err, &rbErr) {
			out = append(out, rbErr.Failures...)
			continue
		}
		out = append(out, err)
	}
	return out
}

// qualifyOutcome copies outcome with its actions prefixed by owner.
func qualifyOutcome(owner string, outcome *RollbackOutcome) *RollbackOutcome {
	if outcome == nil {
		return nil
	}
	c := *outcome
	c.Actions = make([]string, len(outcome.Actions))
	for i, a := range outcome.Actions {
		c.Actions[i] = qualify(owner, a)
	}
	c.Failures = append([]string(nil), outcome.Failures...)
	return &c
}

// mergeRollback combines the failing task's rollback with the node rollback
// that followed it. The result is partial if either was.
func mergeRollback(first, second *RollbackOutcome) *RollbackOutcome {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	merged := &RollbackOutcome{
		Actions:  append(append([]string(nil), first.Actions...), second.Actions...),
		Failures: append(append([]string(nil), first.Failures...), second.Failures...),
	}
	switch {
	case first.Result == RollbackPartial || second.Result == RollbackPartial:
		merged.Result = RollbackPartial
	case first.Result == RollbackSucceeded || second.Result == RollbackSucceeded:
		merged.Result = RollbackSucceeded
	default:
		merged.Result = RollbackDeferred
	}
	return merged
}
