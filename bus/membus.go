package bus

import (
	"sync"

	"github.com/stepflow-labs/stepflow"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Subscribers live in a single table
// keyed by registration id; each carries a run filter, where the empty
// filter matches every run. Closing a subscription removes it from the
// table, so short-lived stream consumers do not accumulate.
type MemBus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[uint64]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to every subscriber whose filter matches the
// event's run ID. If the bus is closed, the event is silently dropped.
func (b *MemBus) Publish(event stepflow.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.runID == "" || sub.runID == event.RunID {
			sub.send(event)
		}
	}
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string) Subscription {
	return b.register(runID)
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll() Subscription {
	return b.register("")
}

func (b *MemBus) register(runID string) *memSub {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &memSub{
		bus:   b,
		id:    b.nextID,
		runID: runID,
		ch:    make(chan stepflow.StreamEvent, b.bufSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		b.dropLocked(sub)
	}
	return nil
}

// dropLocked removes a subscriber from the table and closes its channel.
// Safe to call more than once for the same subscriber. Callers must hold
// b.mu, which also serializes against in-flight sends.
func (b *MemBus) dropLocked(s *memSub) {
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}

// memSub is a single registration in the bus's subscriber table.
type memSub struct {
	bus   *MemBus
	id    uint64
	runID string
	ch    chan stepflow.StreamEvent
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan stepflow.StreamEvent {
	return s.ch
}

// Close deregisters the subscription and closes its event channel.
func (s *memSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s)
	return nil
}

// send delivers an event without blocking. A subscriber that cannot keep
// up loses events rather than stalling the publisher.
func (s *memSub) send(event stepflow.StreamEvent) {
	select {
	case s.ch <- event:
	default:
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
