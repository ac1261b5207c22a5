package bus

import (
	"testing"
	"time"

	"github.com/stepflow-labs/stepflow"
)

func recvEvent(t *testing.T, sub Subscription) stepflow.StreamEvent {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return stepflow.StreamEvent{}
	}
}

func TestMemBus_PublishToRunSubscriber(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(stepflow.StreamEvent{Type: stepflow.StreamStarted, RunID: "run-1", Seq: 1})

	e := recvEvent(t, sub)
	if e.RunID != "run-1" || e.Type != stepflow.StreamStarted {
		t.Errorf("got (%s, %s), want (run-1, started)", e.RunID, e.Type)
	}
}

func TestMemBus_RunIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(stepflow.StreamEvent{Type: stepflow.StreamStarted, RunID: "run-2"})

	select {
	case e := <-sub.Events():
		t.Errorf("received event for wrong run: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_GlobalSubscriberSeesAllRuns(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	b.Publish(stepflow.StreamEvent{Type: stepflow.StreamStarted, RunID: "run-1"})
	b.Publish(stepflow.StreamEvent{Type: stepflow.StreamStarted, RunID: "run-2"})

	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	if first.RunID != "run-1" || second.RunID != "run-2" {
		t.Errorf("got runs (%s, %s), want (run-1, run-2)", first.RunID, second.RunID)
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	a := b.Subscribe("run-1")
	defer a.Close()
	c := b.Subscribe("run-1")
	defer c.Close()

	b.Publish(stepflow.StreamEvent{Type: stepflow.StreamLog, RunID: "run-1", Seq: 2})

	if e := recvEvent(t, a); e.Seq != 2 {
		t.Errorf("subscriber a got seq %d, want 2", e.Seq)
	}
	if e := recvEvent(t, c); e.Seq != 2 {
		t.Errorf("subscriber c got seq %d, want 2", e.Seq)
	}
}

func TestMemBus_DropsWhenBufferFull(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(stepflow.StreamEvent{RunID: "run-1", Seq: 1})
	b.Publish(stepflow.StreamEvent{RunID: "run-1", Seq: 2}) // dropped

	if e := recvEvent(t, sub); e.Seq != 1 {
		t.Errorf("got seq %d, want 1", e.Seq)
	}
	select {
	case e := <-sub.Events():
		t.Errorf("expected second event dropped, got seq %d", e.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_CloseClosesSubscriptions(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-1")

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Publishing after close is a no-op rather than a panic.
	b.Publish(stepflow.StreamEvent{RunID: "run-1"})
}

func TestMemBus_SubscriberCloseIsIdempotent(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMemBus_ClosedSubscriberStopsReceiving(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	first := b.Subscribe("run-1")
	second := b.Subscribe("run-1")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b.Publish(stepflow.StreamEvent{Type: stepflow.StreamLog, RunID: "run-1", Seq: 1})

	if evt := recvEvent(t, second); evt.Seq != 1 {
		t.Errorf("got seq %d on surviving subscriber, want 1", evt.Seq)
	}
	if _, ok := <-first.Events(); ok {
		t.Error("expected closed channel on first subscriber")
	}
}
