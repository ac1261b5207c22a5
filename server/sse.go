package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stepflow-labs/stepflow"
	"github.com/stepflow-labs/stepflow/store"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of a stream event
// sent over the SSE stream.
type sseEvent struct {
	Type       string             `json:"type"`
	RunID      string             `json:"run_id"`
	Seq        uint64             `json:"seq"`
	Entry      *stepflow.LogEntry `json:"entry,omitempty"`
	Status     stepflow.Status    `json:"status,omitempty"`
	FinalState map[string]any     `json:"final_state,omitempty"`
	Message    string             `json:"message,omitempty"`
}

func toSSEEvent(e stepflow.StreamEvent) sseEvent {
	out := sseEvent{
		Type:    string(e.Type),
		RunID:   e.RunID,
		Seq:     e.Seq,
		Entry:   e.Entry,
		Status:  e.Status,
		Message: e.Message,
	}
	if e.FinalState != nil {
		out.FinalState = e.FinalState.Snapshot()
	}
	return out
}

// handleStreamRun serves an SSE stream of a run's execution events. The
// handler subscribes to the event bus before replaying the log already
// appended, so nothing emitted in between is lost; live events are then
// forwarded with sequence-number deduplication. The stream closes after
// the terminal complete event or when the client disconnects; a client
// disconnect never affects the run itself.
//
// SSE format:
//
//	id: {seq}
//	event: {type}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "streaming not supported")
		return
	}

	// Live run? Finished runs replay from the store without subscribing.
	run, active := s.engine.ActiveRun(runID)
	var rec stepflow.RunRecord
	if !active {
		var err error
		rec, err = s.store.GetRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
				return
			}
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	if !active {
		s.replayFinished(w, flusher, rec)
		return
	}

	// Subscribe before replaying so events emitted during replay are not
	// missed; duplicates are dropped by sequence number below.
	sub := s.bus.Subscribe(runID)
	defer sub.Close()

	// Replay: the engine numbers the started event 1 and log entries
	// from 2, so entry i carries sequence i+2.
	var lastSeq uint64 = 1
	if err := writeSSE(w, stepflow.StreamEvent{
		Type: stepflow.StreamStarted, RunID: runID, Seq: 1,
	}); err != nil {
		return
	}
	for i, entry := range run.Log() {
		e := entry
		if err := writeSSE(w, stepflow.StreamEvent{
			Type:  stepflow.StreamLog,
			RunID: runID,
			Seq:   uint64(i) + 2,
			Entry: &e,
		}); err != nil {
			return
		}
		lastSeq = uint64(i) + 2
	}
	flusher.Flush()

	// The run may have finished between the active check and the
	// subscription; its terminal event would then never arrive.
	if run.Status().Terminal() {
		s.finishStream(w, flusher, run, lastSeq)
		return
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
			lastSeq = evt.Seq
			if evt.Type == stepflow.StreamComplete {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replayFinished streams a stored run record: started, every log entry,
// then the terminal complete event.
func (s *Server) replayFinished(w http.ResponseWriter, flusher http.Flusher, rec stepflow.RunRecord) {
	if err := writeSSE(w, stepflow.StreamEvent{
		Type: stepflow.StreamStarted, RunID: rec.RunID, Seq: 1,
	}); err != nil {
		return
	}
	for i, entry := range rec.Log {
		e := entry
		if err := writeSSE(w, stepflow.StreamEvent{
			Type:  stepflow.StreamLog,
			RunID: rec.RunID,
			Seq:   uint64(i) + 2,
			Entry: &e,
		}); err != nil {
			return
		}
	}
	_ = writeSSERaw(w, sseEvent{
		Type:       string(stepflow.StreamComplete),
		RunID:      rec.RunID,
		Seq:        uint64(len(rec.Log)) + 2,
		Status:     rec.Status,
		FinalState: rec.State,
	})
	flusher.Flush()
}

// finishStream emits any entries appended after the replay cursor plus
// the terminal event for a run that finished mid-setup.
func (s *Server) finishStream(w http.ResponseWriter, flusher http.Flusher, run *stepflow.Run, lastSeq uint64) {
	for i, entry := range run.Log() {
		seq := uint64(i) + 2
		if seq <= lastSeq {
			continue
		}
		e := entry
		if err := writeSSE(w, stepflow.StreamEvent{
			Type:  stepflow.StreamLog,
			RunID: run.ID(),
			Seq:   seq,
			Entry: &e,
		}); err != nil {
			return
		}
	}
	_ = writeSSE(w, stepflow.StreamEvent{
		Type:       stepflow.StreamComplete,
		RunID:      run.ID(),
		Seq:        uint64(run.LogLen()) + 2,
		Status:     run.Status(),
		FinalState: run.State(),
	})
	flusher.Flush()
}

// writeSSE writes a single event in SSE format.
func writeSSE(w http.ResponseWriter, evt stepflow.StreamEvent) error {
	return writeSSERaw(w, toSSEEvent(evt))
}

func writeSSERaw(w http.ResponseWriter, evt sseEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
	return err
}
