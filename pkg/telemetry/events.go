package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a run, node or task lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RunID     string                 `json:"run_id,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventDropped is returned by Publish when the async buffer is full or the
// publisher has shut down.
var ErrEventDropped = errors.New("event dropped")

// EventSubscriber handles one event. Subscribers run on the publishing
// goroutine in synchronous mode, so several may run at once.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(event Event) bool

type subscription struct {
	id     uint64
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers, in subscription order.
// A nil *EventPublisher is valid and drops every event.
type EventPublisher struct {
	config EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	queue   chan Event
	stop    chan struct{}
	stopped atomic.Bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewEventPublisher creates a publisher. With EnableAsync, events are queued
// and delivered by one background goroutine until Shutdown.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.wg.Add(1)
	go ep.loop()
	return ep, nil
}

// Publish stamps event with an id, time and level and delivers it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	if ep.stopped.Load() {
		ep.dropped.Add(1)
		return ErrEventDropped
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		ep.dropped.Add(1)
		return fmt.Errorf("%w: buffer of %d is full", ErrEventDropped, cap(ep.queue))
	}
}

// Subscribe registers fn for the events filter accepts; a nil filter accepts
// all. The returned function removes the subscription.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if ep == nil {
		return func() {}
	}

	ep.mu.Lock()
	ep.nextID++
	id := ep.nextID
	ep.subs = append(ep.subs, subscription{id: id, fn: fn, filter: filter})
	ep.mu.Unlock()

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		for i, s := range ep.subs {
			if s.id == id {
				ep.subs = append(ep.subs[:i:i], ep.subs[i+1:]...)
				return
			}
		}
	}
}

// Dropped returns how many events were not delivered.
func (ep *EventPublisher) Dropped() int64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

func (ep *EventPublisher) loop() {
	defer ep.wg.Done()
	for {
		select {
		case e := <-ep.queue:
			ep.deliver(e)
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					ep.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown delivers queued events and stops the background goroutine.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil || !ep.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(ep.stop)

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByPrefix accepts events whose type starts with prefix, e.g. "node.".
func FilterByPrefix(prefix string) EventFilter {
	return func(event Event) bool {
		return strings.HasPrefix(event.Type, prefix)
	}
}

// FilterByRunID accepts events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
