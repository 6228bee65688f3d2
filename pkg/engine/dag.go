package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// vertex is the resolver's view of anything with an ID and dependencies.
type vertex struct {
	id        string
	dependsOn []string
}

// depGraph is an index-based dependency graph. Vertices keep declaration order,
// which is what makes cycle reports and levels deterministic.
type depGraph struct {
	ids   []string
	index map[string]int

	// deps[i] are the vertices i depends on, deduplicated, in declared order.
	deps [][]int

	// dependents[i] are the vertices depending on i, in declaration order.
	dependents [][]int
}

// newDepGraph validates referential integrity and indexes the vertices.
// kind and owner only shape error messages.
func newDepGraph(kind, owner string, vs []vertex) (*depGraph, error) {
	g := &depGraph{
		ids:        make([]string, len(vs)),
		index:      make(map[string]int, len(vs)),
		deps:       make([][]int, len(vs)),
		dependents: make([][]int, len(vs)),
	}

	for i, v := range vs {
		if v.id == "" {
			return nil, newError(KindInvalid, owner, "%s at position %d has empty ID", kind, i)
		}
		if _, exists := g.index[v.id]; exists {
			return nil, newError(KindInvalid, qualify(owner, v.id), "duplicate %s ID: %s", kind, v.id)
		}
		g.ids[i] = v.id
		g.index[v.id] = i
	}

	for i, v := range vs {
		seen := make(map[int]bool, len(v.dependsOn))
		for _, ref := range v.dependsOn {
			j, ok := g.index[ref]
			if !ok {
				return nil, &UnknownDependencyError{Node: qualify(owner, v.id), Ref: qualify(owner, ref)}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
		}
	}

	for i := range vs {
		for _, j := range g.deps[i] {
			g.dependents[j] = append(g.dependents[j], i)
		}
	}

	return g, nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs a three-color DFS along dependsOn edges in declaration order
// and returns the first cycle found as [a, b, ..., a], or nil.
func (g *depGraph) findCycle() []string {
	color := make([]int, len(g.ids))
	stack := make([]int, 0, len(g.ids))

	var visit func(i int) []string
	visit = func(i int) []string {
		color[i] = gray
		stack = append(stack, i)
		for _, j := range g.deps[i] {
			switch color[j] {
			case gray:
				start := 0
				for k, v := range stack {
					if v == j {
						start = k
						break
					}
				}
				cycle := make([]string, 0, len(stack)-start+1)
				for _, v := range stack[start:] {
					cycle = append(cycle, g.ids[v])
				}
				return append(cycle, g.ids[j])
			case white:
				if cycle := visit(j); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range g.ids {
		if color[i] == white {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// levels runs Kahn's algorithm over the vertices for which include returns true.
// Edges to excluded vertices count as satisfied. Each level lists vertices in
// declaration order. Leftover vertices are returned as a cycle error.
func (g *depGraph) levels(include func(i int) bool) ([][]int, error) {
	inDegree := make([]int, len(g.ids))
	remaining := 0
	for i := range g.ids {
		if !include(i) {
			continue
		}
		remaining++
		for _, j := range g.deps[i] {
			if include(j) {
				inDegree[i]++
			}
		}
	}

	current := make([]int, 0)
	for i := range g.ids {
		if include(i) && inDegree[i] == 0 {
			current = append(current, i)
		}
	}

	result := make([][]int, 0)
	for len(current) > 0 {
		result = append(result, current)
		remaining -= len(current)

		next := make([]int, 0)
		for _, i := range current {
			for _, d := range g.dependents[i] {
				if !include(d) {
					continue
				}
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Ints(next)
		current = next
	}

	if remaining > 0 {
		// Unreachable after findCycle, kept so a bug cannot produce a partial plan.
		if cycle := g.findCycle(); cycle != nil {
			return nil, &CycleDetectedError{Path: cycle}
		}
		return nil, newError(KindInternal, "", "failed to order all vertices")
	}
	return result, nil
}

func qualify(owner, id string) string {
	if owner == "" {
		return id
	}
	return owner + "/" + id
}

// DAGBuilder validates a node set and resolves its execution order.
type DAGBuilder struct {
	logger *telemetry.Logger
}

// NewDAGBuilder creates a new DAG builder. A nil logger discards warnings.
func NewDAGBuilder(logger *telemetry.Logger) *DAGBuilder {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &DAGBuilder{logger: logger.NewComponentLogger("dag")}
}

// Graph is a validated, acyclic node set with its precomputed execution plan.
// It is immutable after Build.
type Graph struct {
	nodes     []Node
	g         *depGraph
	plan      ExecutionPlan
	taskOrder map[string][]Task
}

// Build validates the node set and computes execution levels.
//
// Validation runs in this order: empty and duplicate IDs, unknown dependencies,
// dependency cycles (a self-reference is the cycle [a, a]), then the same checks
// for the tasks of every node. Disabled nodes take part in validation but not in
// the plan.
func (b *DAGBuilder) Build(nodes []Node) (*Graph, error) {
	vs := make([]vertex, len(nodes))
	for i, n := range nodes {
		vs[i] = vertex{id: n.ID, dependsOn: n.DependsOn}
	}

	g, err := newDepGraph("node", "", vs)
	if err != nil {
		return nil, err
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleDetectedError{Path: cycle}
	}

	for _, n := range nodes {
		if err := n.OnFailure.Validate(); err != nil {
			return nil, &Error{Kind: KindInvalid, Subject: n.ID, Msg: "invalid node", Err: err}
		}
	}

	taskOrder := make(map[string][]Task, len(nodes))
	for _, n := range nodes {
		ordered, err := ResolveTaskOrder(n.ID, n.Tasks)
		if err != nil {
			return nil, err
		}
		taskOrder[n.ID] = ordered
	}

	graph := &Graph{
		nodes:     append([]Node(nil), nodes...),
		g:         g,
		taskOrder: taskOrder,
	}

	for i, n := range nodes {
		if !n.Disabled {
			continue
		}
		for _, d := range g.dependents[i] {
			if nodes[d].Disabled {
				continue
			}
			b.logger.WithNodeID(nodes[d].ID).
				Warnf("dependency %s is disabled and treated as satisfied", n.ID)
		}
	}

	plan, err := graph.planFor(func(i int) bool { return !nodes[i].Disabled })
	if err != nil {
		return nil, err
	}
	graph.plan = plan

	return graph, nil
}

// ResolveTaskOrder validates the tasks of a node and returns them flattened in
// level order, ties broken by declaration order.
func ResolveTaskOrder(nodeID string, tasks []Task) ([]Task, error) {
	vs := make([]vertex, len(tasks))
	for i, t := range tasks {
		vs[i] = vertex{id: t.ID, dependsOn: t.DependsOn}
	}

	g, err := newDepGraph("task", nodeID, vs)
	if err != nil {
		return nil, err
	}
	if cycle := g.findCycle(); cycle != nil {
		for i := range cycle {
			cycle[i] = qualify(nodeID, cycle[i])
		}
		return nil, &CycleDetectedError{Path: cycle}
	}

	for _, t := range tasks {
		if err := validateTask(t); err != nil {
			return nil, &Error{Kind: KindInvalid, Subject: qualify(nodeID, t.ID), Msg: "invalid task", Err: err}
		}
	}

	levels, err := g.levels(func(int) bool { return true })
	if err != nil {
		return nil, err
	}

	ordered := make([]Task, 0, len(tasks))
	for _, level := range levels {
		for _, i := range level {
			ordered = append(ordered, tasks[i])
		}
	}
	return ordered, nil
}

func validateTask(t Task) error {
	switch spec := t.Spec.(type) {
	case nil:
		return fmt.Errorf("task has no operation")
	case ManifestSpec:
		if len(spec.Paths) == 0 {
			return fmt.Errorf("manifest task has no paths")
		}
	case InlineSpec:
		if strings.TrimSpace(spec.Content) == "" {
			return fmt.Errorf("inline task has empty content")
		}
	case CommandSpec:
		if len(spec.Argv) == 0 {
			return fmt.Errorf("command task has empty argv")
		}
	}
	if t.Retry != nil {
		if t.Retry.MaxAttempts < 0 {
			return fmt.Errorf("retry maxAttempts must not be negative")
		}
		if err := t.Retry.Backoff.Validate(); err != nil {
			return err
		}
		if err := t.Retry.OnFailure.Validate(); err != nil {
			return err
		}
	}
	if t.Rollback != nil {
		if err := t.Rollback.Trigger.Validate(); err != nil {
			return err
		}
		for _, action := range t.Rollback.Actions {
			if action.Spec == nil {
				return fmt.Errorf("rollback action %q has no operation", action.ID)
			}
		}
	}
	if v := t.Validation; v != nil && v.ResourceKind == "" && len(v.Command) == 0 {
		return fmt.Errorf("validation needs a resource kind or a command")
	}
	return nil
}

func (g *Graph) planFor(include func(i int) bool) (ExecutionPlan, error) {
	levels, err := g.g.levels(include)
	if err != nil {
		return nil, err
	}
	plan := make(ExecutionPlan, len(levels))
	for li, level := range levels {
		ids := make([]string, len(level))
		for k, i := range level {
			ids[k] = g.g.ids[i]
		}
		plan[li] = Level{Index: li, NodeIDs: ids}
	}
	return plan, nil
}

// Levels returns a copy of the execution plan. Calling it repeatedly yields
// identical results.
func (g *Graph) Levels() ExecutionPlan {
	return copyPlan(g.plan)
}

// Restrict returns the plan limited to the enabled nodes in include. Dependencies
// outside the set are treated as satisfied.
func (g *Graph) Restrict(include map[string]bool) ExecutionPlan {
	plan, err := g.planFor(func(i int) bool {
		return !g.nodes[i].Disabled && include[g.g.ids[i]]
	})
	if err != nil {
		// The full graph is acyclic, so every subgraph is too.
		panic(err)
	}
	return plan
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// Nodes returns all nodes in declaration order, including disabled ones.
func (g *Graph) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

// Tasks returns the tasks of a node in execution order.
func (g *Graph) Tasks(nodeID string) []Task {
	return g.taskOrder[nodeID]
}

// Dependencies returns the deduplicated dependencies of a node in declared order.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(g.g.deps[i]))
	for k, j := range g.g.deps[i] {
		out[k] = g.g.ids[j]
	}
	return out
}

// Dependents returns the nodes that depend directly on id, in declaration order.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(g.g.dependents[i]))
	for k, j := range g.g.dependents[i] {
		out[k] = g.g.ids[j]
	}
	return out
}

// TransitiveDependents returns every node reachable through dependents of id,
// in declaration order.
func (g *Graph) TransitiveDependents(id string) []string {
	start, ok := g.g.index[id]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.g.ids))
	queue := []int{start}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, d := range g.g.dependents[i] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	out := make([]string, 0)
	for i, s := range seen {
		if s {
			out = append(out, g.g.ids[i])
		}
	}
	return out
}

// ToDOT generates a DOT representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, level := range g.plan {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level.Index))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level.Index))
		sb.WriteString("    style=dashed;\n")
		for _, id := range level.NodeIDs {
			node, _ := g.Node(id)
			label := fmt.Sprintf("%s\\n%d task(s)", id, len(node.Tasks))
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, policyColor(node.OnFailure)))
		}
		sb.WriteString("  }\n\n")
	}

	for i, n := range g.nodes {
		if n.Disabled {
			sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n(disabled)\", color=gray, fontcolor=gray];\n", n.ID, n.ID))
		}
		for _, j := range g.g.deps[i] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", g.g.ids[j], n.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// policyColor returns a fill color for a node's failure policy.
func policyColor(p FailurePolicy) string {
	switch p {
	case FailurePolicyContinue:
		return "lightyellow"
	case FailurePolicyRollback:
		return "lightcoral"
	default:
		return "lightblue"
	}
}

func copyPlan(plan ExecutionPlan) ExecutionPlan {
	out := make(ExecutionPlan, len(plan))
	for i, l := range plan {
		out[i] = Level{Index: l.Index, NodeIDs: append([]string(nil), l.NodeIDs...)}
	}
	return out
}
