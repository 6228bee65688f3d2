package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for orchestration runs.
// A nil *Metrics or one built with Enabled=false records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Node metrics
	nodesFinished *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	// Task metrics
	taskAttempts       *prometheus.CounterVec
	taskRetries        *prometheus.CounterVec
	validationTimeouts prometheus.Counter
	rollbacks          *prometheus.CounterVec

	// State persistence
	persistDuration prometheus.Histogram
	persistErrors   prometheus.Counter

	activeWorkers prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		nodesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_finished_total",
				Help:      "Total number of nodes that reached a terminal status",
			},
			[]string{"status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		taskAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_attempts_total",
				Help:      "Total number of task attempts by task kind",
			},
			[]string{"kind", "result"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retries by task kind",
			},
			[]string{"kind"},
		),
		validationTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_timeouts_total",
				Help:      "Total number of validation rules that timed out",
			},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by scope and result",
			},
			[]string{"scope", "result"},
		),

		persistDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_persist_duration_seconds",
				Help:      "Duration of execution state writes in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		persistErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_persist_errors_total",
				Help:      "Total number of failed execution state writes",
			},
		),

		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Current number of nodes executing",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.nodesFinished,
		m.nodeDuration,
		m.taskAttempts,
		m.taskRetries,
		m.validationTimeouts,
		m.rollbacks,
		m.persistDuration,
		m.persistErrors,
		m.activeWorkers,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs. mode is "fresh" or "resume".
func (m *Metrics) RecordRunStarted(mode string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeFinished records a node reaching a terminal status.
func (m *Metrics) RecordNodeFinished(status string, duration time.Duration) {
	if m == nil || m.nodesFinished == nil {
		return
	}
	m.nodesFinished.WithLabelValues(status).Inc()
	m.nodeDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTaskAttempt records one attempt of a task.
func (m *Metrics) RecordTaskAttempt(kind string, ok bool) {
	if m == nil || m.taskAttempts == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.taskAttempts.WithLabelValues(kind, result).Inc()
}

// RecordTaskRetry records a retry being scheduled for a task.
func (m *Metrics) RecordTaskRetry(kind string) {
	if m == nil || m.taskRetries == nil {
		return
	}
	m.taskRetries.WithLabelValues(kind).Inc()
}

// RecordValidationTimeout records a validation rule that did not hold in time.
func (m *Metrics) RecordValidationTimeout() {
	if m == nil || m.validationTimeouts == nil {
		return
	}
	m.validationTimeouts.Inc()
}

// RecordRollback records a rollback. scope is "task" or "node".
func (m *Metrics) RecordRollback(scope, result string) {
	if m == nil || m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(scope, result).Inc()
}

// RecordPersist records an execution state write.
func (m *Metrics) RecordPersist(duration time.Duration, err error) {
	if m == nil || m.persistDuration == nil {
		return
	}
	m.persistDuration.Observe(duration.Seconds())
	if err != nil {
		m.persistErrors.Inc()
	}
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.Inc()
}

// WorkerFinished decrements the active worker gauge.
func (m *Metrics) WorkerFinished() {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.Dec()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer exposes metrics over HTTP until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
