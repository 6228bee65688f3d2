// Package telemetry provides observability instrumentation for sbkube runs.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components that accept telemetry treat nil metrics, tracer and event
// publisher values as disabled, so tests can pass telemetry.Nop().
//
// # Spans
//
//   - run.execute{run.id, run.resume}
//   - node.execute{run.id, node.id, node.level}
//   - task.execute{node.id, task.id, task.kind}
//
// # Metrics
//
//   - sbkube_runs_started_total{mode}
//   - sbkube_runs_completed_total{status}
//   - sbkube_run_duration_seconds{status}
//   - sbkube_nodes_finished_total{status}
//   - sbkube_node_duration_seconds{status}
//   - sbkube_task_attempts_total{kind,result}
//   - sbkube_task_retries_total{kind}
//   - sbkube_validation_timeouts_total
//   - sbkube_rollbacks_total{scope,result}
//   - sbkube_state_persist_duration_seconds
//   - sbkube_state_persist_errors_total
//   - sbkube_active_workers
package telemetry
