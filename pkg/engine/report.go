package engine

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Report is the final, user-facing summary of a run.
type Report struct {
	RunID           string           `json:"run_id"`
	ParentRunID     string           `json:"parent_run_id,omitempty"`
	Scope           Scope            `json:"scope"`
	Status          RunStatus        `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         time.Time        `json:"ended_at"`
	Duration        time.Duration    `json:"duration"`
	Nodes           []NodeReport     `json:"nodes"`
	ManualRollbacks []ManualRollback `json:"manual_rollbacks,omitempty"`
	Summary         RunSummary       `json:"summary"`
}

// NodeReport is the terminal view of one node.
type NodeReport struct {
	NodeID   string           `json:"node_id"`
	Status   StepStatus       `json:"status"`
	Attempts int              `json:"attempts"`
	Reason   string           `json:"reason,omitempty"`
	Error    string           `json:"error,omitempty"`
	Carried  bool             `json:"carried,omitempty"`
	Degraded bool             `json:"degraded,omitempty"`
	Rollback *RollbackOutcome `json:"rollback,omitempty"`
	Tasks    []TaskResult     `json:"tasks,omitempty"`
}

// RunSummary counts nodes by outcome. NotStarted nodes are still PENDING
// because the run halted or was cancelled before reaching them.
type RunSummary struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	NotStarted int `json:"not_started"`
	Carried    int `json:"carried"`
	Degraded   int `json:"degraded"`
}

// NewReport builds a report from an execution state.
func NewReport(state *ExecutionState, manual []ManualRollback) *Report {
	r := &Report{
		RunID:           state.RunID,
		ParentRunID:     state.ParentRunID,
		Scope:           state.Scope,
		Status:          state.Status,
		StartedAt:       state.StartedAt,
		EndedAt:         state.UpdatedAt,
		ManualRollbacks: manual,
	}
	if state.EndedAt != nil {
		r.EndedAt = *state.EndedAt
	}
	r.Duration = r.EndedAt.Sub(r.StartedAt)

	for _, id := range state.Order {
		step := state.Steps[id]
		nr := NodeReport{
			NodeID:   id,
			Status:   step.Status,
			Attempts: step.Attempts,
			Reason:   step.Reason,
			Error:    step.Error,
			Carried:  step.Carried,
			Rollback: step.Rollback,
			Tasks:    step.Tasks,
		}
		for _, t := range step.Tasks {
			if t.Degraded {
				nr.Degraded = true
			}
		}
		if step.Status == StepPending {
			nr.Reason = "not started"
		}
		r.Nodes = append(r.Nodes, nr)

		r.Summary.Total++
		switch step.Status {
		case StepSuccess:
			r.Summary.Succeeded++
		case StepFailed:
			r.Summary.Failed++
		case StepSkipped:
			r.Summary.Skipped++
		default:
			r.Summary.NotStarted++
		}
		if nr.Carried {
			r.Summary.Carried++
		}
		if nr.Degraded {
			r.Summary.Degraded++
		}
	}
	return r
}

// Node returns the report for a node.
func (r *Report) Node(id string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return NodeReport{}, false
}

// WriteText renders the report as an aligned table.
func (r *Report) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Run %s (%s) %s in %s\n", r.RunID, r.Scope, strings.ToUpper(string(r.Status)), r.Duration.Round(time.Millisecond))
	if r.ParentRunID != "" {
		fmt.Fprintf(w, "Resumed from %s\n", r.ParentRunID)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tATTEMPTS\tDETAIL")
	for _, n := range r.Nodes {
		detail := n.Reason
		switch {
		case n.Carried:
			detail = "carried from previous run"
		case n.Degraded:
			detail = "degraded"
		}
		if n.Error != "" && n.Status == StepFailed {
			detail = strings.TrimSpace(detail + ": " + firstLine(n.Error))
		}
		if rb := n.Rollback; rb != nil {
			detail += fmt.Sprintf(" [rollback %s: %s", rb.Result, strings.Join(rb.Actions, ", "))
			for _, f := range rb.Failures {
				detail += "; failed " + firstLine(f)
			}
			detail += "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", n.NodeID, n.Status, n.Attempts, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, m := range r.ManualRollbacks {
		fmt.Fprintf(w, "Manual rollback pending for %s/%s: %s\n", m.NodeID, m.TaskID, strings.Join(m.Actions, ", "))
	}
	_, err := fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped, %d not started\n",
		r.Summary.Succeeded, r.Summary.Failed, r.Summary.Skipped, r.Summary.NotStarted)
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
