package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

type hashedNode struct {
	ID        string        `json:"id"`
	DependsOn []string      `json:"depends_on"`
	Disabled  bool          `json:"disabled"`
	OnFailure FailurePolicy `json:"on_failure"`
	Namespace string        `json:"namespace"`
	Tasks     []hashedTask  `json:"tasks"`
}

type hashedTask struct {
	ID         string          `json:"id"`
	Kind       TaskKind        `json:"kind"`
	Spec       TaskSpec        `json:"spec"`
	Validation *ValidationRule `json:"validation"`
	Retry      *RetryPolicy    `json:"retry"`
	Rollback   *hashedRollback `json:"rollback"`
	DependsOn  []string        `json:"depends_on"`
	Timeout    time.Duration   `json:"timeout"`
}

type hashedRollback struct {
	Enabled bool            `json:"enabled"`
	Trigger RollbackTrigger `json:"trigger"`
	Actions []hashedTask    `json:"actions"`
}

// ConfigHash fingerprints everything about a node set that affects execution:
// IDs, edges, enablement, policies and task definitions. Descriptions and labels
// are excluded, as is node and edge declaration order.
func ConfigHash(nodes []Node) string {
	hashed := make([]hashedNode, len(nodes))
	for i, n := range nodes {
		tasks := make([]hashedTask, len(n.Tasks))
		for k, t := range n.Tasks {
			tasks[k] = hashTask(t)
		}
		hashed[i] = hashedNode{
			ID:        n.ID,
			DependsOn: sortedCopy(n.DependsOn),
			Disabled:  n.Disabled,
			OnFailure: n.OnFailure,
			Namespace: n.Namespace,
			Tasks:     tasks,
		}
	}
	sort.Slice(hashed, func(i, j int) bool { return hashed[i].ID < hashed[j].ID })

	data, err := json.Marshal(hashed)
	if err != nil {
		// Every field is a plain value; marshalling cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashTask(t Task) hashedTask {
	h := hashedTask{
		ID:         t.ID,
		Spec:       t.Spec,
		Validation: t.Validation,
		Retry:      t.Retry,
		DependsOn:  sortedCopy(t.DependsOn),
		Timeout:    t.Timeout,
	}
	if t.Spec != nil {
		h.Kind = t.Spec.Kind()
	}
	if t.Rollback != nil {
		actions := make([]hashedTask, len(t.Rollback.Actions))
		for i, a := range t.Rollback.Actions {
			actions[i] = hashTask(a)
		}
		h.Rollback = &hashedRollback{
			Enabled: t.Rollback.Enabled,
			Trigger: t.Rollback.Trigger,
			Actions: actions,
		}
	}
	return h
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
