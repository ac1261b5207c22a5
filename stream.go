package stepflow

import (
	"context"
	"time"
)

// StreamEventType identifies the kind of a stream event.
type StreamEventType string

const (
	StreamStarted  StreamEventType = "started"
	StreamLog      StreamEventType = "log"
	StreamComplete StreamEventType = "complete"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one event in a run's live stream. Seq is a per-run
// monotonic sequence number assigned at emission; consumers that merge
// a replayed history with a live subscription use it to deduplicate.
type StreamEvent struct {
	Type       StreamEventType
	RunID      string
	Seq        uint64
	Entry      *LogEntry
	Status     Status
	FinalState *State
	Message    string
}

// Payload returns the event's wire shape: {type, data}.
func (e StreamEvent) Payload() map[string]any {
	data := map[string]any{"run_id": e.RunID}
	switch e.Type {
	case StreamLog:
		if e.Entry != nil {
			data["entry"] = *e.Entry
		}
	case StreamComplete:
		data["status"] = e.Status
		if e.FinalState != nil {
			data["final_state"] = e.FinalState.Snapshot()
		}
	case StreamError:
		data["message"] = e.Message
	}
	return map[string]any{
		"type": string(e.Type),
		"data": data,
	}
}

// Publisher receives stream events as the engine emits them.
type Publisher interface {
	Publish(event StreamEvent)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(event StreamEvent)

func (f PublisherFunc) Publish(event StreamEvent) { f(event) }

// MultiPublisher fans each event out to every given publisher, in order.
func MultiPublisher(pubs ...Publisher) Publisher {
	return PublisherFunc(func(event StreamEvent) {
		for _, p := range pubs {
			p.Publish(event)
		}
	})
}

// DefaultPollInterval is the poll period StreamRun uses when the caller
// passes a non-positive interval.
const DefaultPollInterval = 100 * time.Millisecond

// StreamRun observes a run by polling its log and delivers events on the
// returned channel: one started event, a log event per entry in order,
// and a terminal complete event once the run finishes and all entries
// have been delivered. Entries appended between polls are delivered as a
// batch, never reordered or dropped.
//
// The stream is an observer only. Canceling ctx closes the channel
// without affecting the run or the engine driving it.
func StreamRun(ctx context.Context, run *Run, interval time.Duration) <-chan StreamEvent {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	out := make(chan StreamEvent)

	go func() {
		defer close(out)

		if !emit(ctx, out, StreamEvent{Type: StreamStarted, RunID: run.ID()}) {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		delivered := 0
		for {
			for _, entry := range run.LogSince(delivered) {
				e := entry
				if !emit(ctx, out, StreamEvent{Type: StreamLog, RunID: run.ID(), Entry: &e}) {
					return
				}
				delivered++
			}

			if run.Status().Terminal() {
				// Drain entries appended between the last poll and the
				// status flip before the terminal event.
				for _, entry := range run.LogSince(delivered) {
					e := entry
					if !emit(ctx, out, StreamEvent{Type: StreamLog, RunID: run.ID(), Entry: &e}) {
						return
					}
					delivered++
				}
				emit(ctx, out, StreamEvent{
					Type:       StreamComplete,
					RunID:      run.ID(),
					Status:     run.Status(),
					FinalState: run.State(),
				})
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func emit(ctx context.Context, out chan<- StreamEvent, e StreamEvent) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
