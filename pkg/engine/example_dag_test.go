package engine_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/stores"
)

// okShell pretends every command succeeds, except those listed in fail.
type okShell struct {
	fail map[string]bool
}

func (s okShell) Execute(ctx context.Context, req engine.ExecRequest) (*engine.ExecResult, error) {
	if s.fail[strings.Join(req.Argv, " ")] {
		return &engine.ExecResult{ExitCode: 1, Stderr: "connection refused"}, nil
	}
	return &engine.ExecResult{}, nil
}

func command(id string, argv ...string) engine.Task {
	return engine.Task{ID: id, Spec: engine.CommandSpec{Argv: argv}}
}

// Example_executionLevels shows how dependencies become execution levels.
func Example_executionLevels() {
	// A small web stack:
	// 1. database and cache have no dependencies
	// 2. migrations need the database
	// 3. the app needs migrations and cache
	nodes := []engine.Node{
		{ID: "database", Tasks: []engine.Task{command("install", "helm", "install", "db")}},
		{ID: "cache", Tasks: []engine.Task{command("install", "helm", "install", "redis")}},
		{ID: "migrations", DependsOn: []string{"database"}, Tasks: []engine.Task{command("migrate", "migrate", "up")}},
		{ID: "app", DependsOn: []string{"migrations", "cache"}, Tasks: []engine.Task{command("deploy", "kubectl", "apply", "-f", "app.yaml")}},
	}

	graph, err := engine.NewDAGBuilder(nil).Build(nodes)
	if err != nil {
		log.Fatal(err)
	}

	for _, level := range graph.Levels() {
		fmt.Printf("Level %d: %s\n", level.Index, strings.Join(level.NodeIDs, ", "))
	}

	// Output:
	// Level 0: database, cache
	// Level 1: migrations
	// Level 2: app
}

// Example_cycleDetection shows the error returned for circular dependencies.
func Example_cycleDetection() {
	nodes := []engine.Node{
		{ID: "A", DependsOn: []string{"B"}, Tasks: []engine.Task{command("t", "true")}},
		{ID: "B", DependsOn: []string{"A"}, Tasks: []engine.Task{command("t", "true")}},
	}

	_, err := engine.NewDAGBuilder(nil).Build(nodes)

	var cycle *engine.CycleDetectedError
	if errors.As(err, &cycle) {
		fmt.Println("cycle:", strings.Join(cycle.Path, " -> "))
	}

	// Output:
	// cycle: A -> B -> A
}

// Example_parallelRun runs a node set where one node fails and its dependent
// is skipped.
func Example_parallelRun() {
	nodes := []engine.Node{
		{ID: "database", Tasks: []engine.Task{command("install", "helm", "install", "db")}},
		{ID: "queue", Tasks: []engine.Task{command("install", "helm", "install", "nats")}},
		{ID: "api", DependsOn: []string{"database"}, Tasks: []engine.Task{command("deploy", "helm", "install", "api")}},
		{ID: "consumer", DependsOn: []string{"queue"}, Tasks: []engine.Task{command("deploy", "helm", "install", "consumer")}},
	}

	graph, err := engine.NewDAGBuilder(nil).Build(nodes)
	if err != nil {
		log.Fatal(err)
	}

	shell := okShell{fail: map[string]bool{"helm install nats": true}}
	scheduler := engine.NewParallelScheduler(engine.NewTaskExecutor(shell, nil), stores.NewMemoryStore(0))

	report, err := scheduler.Run(context.Background(), graph, engine.RunOptions{
		Scope:         engine.Scope{Profile: "dev", Namespace: "apps"},
		MaxWorkers:    2,
		FailurePolicy: engine.FailurePolicyContinue,
	})
	if err != nil {
		log.Fatal(err)
	}

	for _, n := range report.Nodes {
		line := fmt.Sprintf("%s: %s", n.NodeID, n.Status)
		if n.Reason != "" {
			line += " (" + n.Reason + ")"
		}
		fmt.Println(line)
	}
	fmt.Println("run:", report.Status)

	// Output:
	// database: success
	// queue: failed (task install failed)
	// api: success
	// consumer: skipped (dependency queue failed)
	// run: failed
}
