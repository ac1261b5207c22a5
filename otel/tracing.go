// Package otel provides OpenTelemetry integration for run stream
// events: a tracing handler that maps runs and node executions to
// spans, a metrics handler that records counters and histograms, and a
// setup helper for the OTLP trace exporter.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow-labs/stepflow"
)

// TracingHandler translates run stream events into OpenTelemetry spans.
// Each run gets a root span; each node execution becomes a child span
// opened on the started log entry and closed on the completed or error
// entry.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.Mutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context
	nodeSpans map[string]trace.Span // runID:node -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Publish processes a stream event and creates or ends spans
// accordingly. It implements stepflow.Publisher.
func (h *TracingHandler) Publish(e stepflow.StreamEvent) {
	switch e.Type {
	case stepflow.StreamStarted:
		h.handleRunStarted(e)
	case stepflow.StreamLog:
		h.handleLog(e)
	case stepflow.StreamComplete:
		h.handleRunComplete(e)
	}
}

func (h *TracingHandler) handleRunStarted(e stepflow.StreamEvent) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("stepflow.run_id", e.RunID),
		),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleLog(e stepflow.StreamEvent) {
	if e.Entry == nil {
		return
	}
	switch e.Entry.Action {
	case stepflow.ActionStarted:
		h.startNodeSpan(e)
	case stepflow.ActionCompleted:
		h.endNodeSpan(e, codes.Ok, "")
	case stepflow.ActionError:
		msg, _ := e.Entry.Details["error"].(string)
		h.endNodeSpan(e, codes.Error, msg)
	case stepflow.ActionLoopContinued, stepflow.ActionLoopExited:
		h.mu.Lock()
		span, ok := h.runSpans[e.RunID]
		h.mu.Unlock()
		if ok {
			span.AddEvent(string(e.Entry.Action),
				trace.WithAttributes(attribute.String("stepflow.node", e.Entry.Node)))
		}
	}
}

func (h *TracingHandler) startNodeSpan(e stepflow.StreamEvent) {
	h.mu.Lock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.Unlock()

	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.Entry.Node,
		trace.WithAttributes(
			attribute.String("stepflow.run_id", e.RunID),
			attribute.String("stepflow.node", e.Entry.Node),
		),
		trace.WithTimestamp(e.Entry.Timestamp),
	)

	h.mu.Lock()
	h.nodeSpans[e.RunID+":"+e.Entry.Node] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endNodeSpan(e stepflow.StreamEvent, code codes.Code, msg string) {
	key := e.RunID + ":" + e.Entry.Node
	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	delete(h.nodeSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}
	span.SetStatus(code, msg)
	span.End(trace.WithTimestamp(e.Entry.Timestamp))
}

func (h *TracingHandler) handleRunComplete(e stepflow.StreamEvent) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)

	// Close any node span left open by a failed run.
	for key, nodeSpan := range h.nodeSpans {
		if len(key) > len(e.RunID) && key[:len(e.RunID)] == e.RunID {
			nodeSpan.SetStatus(codes.Error, "run ended before node completed")
			nodeSpan.End()
			delete(h.nodeSpans, key)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	span.SetAttributes(attribute.String("stepflow.status", string(e.Status)))
	if e.Status == stepflow.StatusFailed {
		span.SetStatus(codes.Error, "run failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Compile-time interface check.
var _ stepflow.Publisher = (*TracingHandler)(nil)
