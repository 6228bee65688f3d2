package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for otlp exporter without endpoint")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for sampling rate above 1")
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordRunStarted("fresh")
	m.RecordNodeFinished("success", 2*time.Second)
	m.RecordNodeFinished("failed", time.Second)
	m.RecordTaskAttempt("command", false)
	m.RecordTaskAttempt("command", true)
	m.RecordTaskRetry("command")
	m.RecordRollback("task", "succeeded")
	m.RecordPersist(time.Millisecond, errors.New("disk full"))

	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("fresh")); got != 1 {
		t.Errorf("Expected 1 started run, got %v", got)
	}
	if got := testutil.ToFloat64(m.nodesFinished.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed node, got %v", got)
	}
	if got := testutil.ToFloat64(m.taskAttempts.WithLabelValues("command", "failure")); got != 1 {
		t.Errorf("Expected 1 failed attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.persistErrors); got != 1 {
		t.Errorf("Expected 1 persist error, got %v", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRunStarted("fresh")
	m.RecordNodeFinished("success", time.Second)
	m.WorkerStarted()
	m.WorkerFinished()
	if m.Registry() != nil {
		t.Error("Expected nil registry for nil metrics")
	}

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	disabled.RecordTaskRetry("manifest")
}

func TestEventPublisherSynchronousDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.NodeID)
	}, FilterByRunID("run-1"))

	_ = ep.Publish(Event{Type: "node.started", RunID: "run-1", NodeID: "a"})
	_ = ep.Publish(Event{Type: "node.started", RunID: "run-2", NodeID: "b"})
	_ = ep.Publish(Event{Type: "node.started", RunID: "run-1", NodeID: "c"})

	if strings.Join(got, ",") != "a,c" {
		t.Errorf("Expected events a,c, got %v", got)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.Publish(Event{Type: "node.started"}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("Expected 5 delivered events, got %d", count)
	}
}

func TestEventPublisherUnsubscribe(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var nodes, all int
	ep.Subscribe(func(Event) { nodes++ }, FilterByPrefix("node."))
	unsubscribe := ep.Subscribe(func(Event) { all++ }, nil)

	_ = ep.Publish(Event{Type: "run.started"})
	_ = ep.Publish(Event{Type: "node.started"})
	unsubscribe()
	_ = ep.Publish(Event{Type: "node.succeeded"})

	if nodes != 2 {
		t.Errorf("Expected 2 node events, got %d", nodes)
	}
	if all != 2 {
		t.Errorf("Expected 2 events before unsubscribe, got %d", all)
	}
}

func TestEventPublisherDropsAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := ep.Publish(Event{Type: "node.started"}); !errors.Is(err, ErrEventDropped) {
		t.Errorf("Expected ErrEventDropped, got: %v", err)
	}
	if ep.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", ep.Dropped())
	}
}

func TestNewEventPublisherRejectsEmptyBuffer(t *testing.T) {
	if _, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true}); err == nil {
		t.Error("Expected error for async publisher without a buffer")
	}
}

func TestNilEventPublisher(t *testing.T) {
	var ep *EventPublisher
	if err := ep.Publish(Event{Type: "run.started"}); err != nil {
		t.Errorf("Expected nil publisher to drop events, got: %v", err)
	}
}

func TestNilTracerStartsNoopSpans(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartRunSpan(context.Background(), "run-1", false)
	defer span.End()
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from a no-op span")
	}
}
