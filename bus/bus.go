// Package bus distributes run stream events to subscribers. It lets the
// execution engine publish events without knowing who is watching, and
// lets observers such as the SSE handler and telemetry exporters attach
// and detach freely while runs are in flight.
package bus

import "github.com/stepflow-labs/stepflow"

// EventBus distributes stream events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event stepflow.StreamEvent)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// runs. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan stepflow.StreamEvent

	// Close unsubscribes and releases resources.
	Close() error
}
