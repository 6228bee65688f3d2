// Package engine is the declarative orchestration core of sbkube.
//
// # Overview
//
// A run takes a node set (apps, deployment phases, hook groups), resolves the
// order in which nodes may run, executes independent nodes concurrently and
// records every step so an interrupted run can resume where it stopped:
//
//  1. Resolve - DAGBuilder validates the node set and computes execution levels
//  2. Execute - ParallelScheduler walks the levels on a bounded worker pool
//  3. Act - TaskExecutor runs each node's typed tasks with validation, retries and rollback
//  4. Record - Tracker persists each transition to a StateStore before committing it
//  5. Report - the final Report lists every node's terminal status
//
// # Graph Resolution
//
// Nodes reference each other with DependsOn. Build rejects empty and duplicate
// IDs, unknown references (UnknownDependencyError) and cycles
// (CycleDetectedError, with the exact path). Levels are computed with Kahn's
// algorithm; nodes in one level are listed in declaration order, so the same
// input always yields the same plan. Tasks inside a node are ordered the same
// way.
//
// # Failure Handling
//
// A node whose dependency failed or was skipped is SKIPPED and never runs. The
// failed node's policy decides what else happens:
//
//   - stop: finish the current level, then start nothing new
//   - continue: keep scheduling unaffected nodes
//   - rollback: undo the node's completed tasks, then apply the run default
//
// Tasks retry according to their RetryPolicy. When attempts run out, onFailure
// fail fails the node, warn records a degraded success and ignore records a
// plain success.
//
// # Resume
//
// Every run has a configuration hash. Resuming starts a new run linked to the
// previous one (ParentRunID); nodes that succeeded are carried over and only
// the restart set runs again. If the node set changed in between, resume is
// refused with ConfigDriftError.
//
// # Example
//
//	graph, err := engine.NewDAGBuilder(logger).Build(nodes)
//	if err != nil {
//	    return err
//	}
//	executor := engine.NewTaskExecutor(shell, probe)
//	scheduler := engine.NewParallelScheduler(executor, store)
//	report, err := scheduler.Run(ctx, graph, engine.RunOptions{
//	    Scope:      engine.Scope{Profile: "prod", Namespace: "apps"},
//	    MaxWorkers: 4,
//	})
package engine
