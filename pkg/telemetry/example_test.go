package telemetry_test

import (
	"context"
	"fmt"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// Example_eventPublishing demonstrates synchronous event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.NodeID)
	}, telemetry.FilterByType("node.started", "node.succeeded"))

	_ = tel.Events.Publish(telemetry.Event{Type: "run.started", RunID: "run-1"})
	_ = tel.Events.Publish(telemetry.Event{Type: "node.started", RunID: "run-1", NodeID: "redis"})
	_ = tel.Events.Publish(telemetry.Event{Type: "node.succeeded", RunID: "run-1", NodeID: "redis"})

	// Output:
	// node.started redis
	// node.succeeded redis
}
