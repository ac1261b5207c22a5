package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stepflow-labs/stepflow"
)

// MetricsHandler translates run stream events into OpenTelemetry
// metrics: node execution and failure counters, and run duration
// histograms.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	runDuration    metric.Float64Histogram

	mu        sync.Mutex
	runStarts map[string]time.Time
}

// NewMetricsHandler creates a MetricsHandler using the given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("stepflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("stepflow.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("stepflow.run.duration",
		metric.WithDescription("Duration of graph run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		runDuration:    runDur,
		runStarts:      make(map[string]time.Time),
	}, nil
}

// Publish processes a stream event and records the appropriate metrics.
// It implements stepflow.Publisher.
func (h *MetricsHandler) Publish(e stepflow.StreamEvent) {
	switch e.Type {
	case stepflow.StreamStarted:
		h.mu.Lock()
		h.runStarts[e.RunID] = time.Now()
		h.mu.Unlock()

	case stepflow.StreamLog:
		if e.Entry == nil {
			return
		}
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("node", e.Entry.Node))
		switch e.Entry.Action {
		case stepflow.ActionCompleted:
			h.nodeExecutions.Add(ctx, 1, attrs)
		case stepflow.ActionError:
			h.nodeFailures.Add(ctx, 1, attrs)
		}

	case stepflow.StreamComplete:
		h.mu.Lock()
		start, ok := h.runStarts[e.RunID]
		delete(h.runStarts, e.RunID)
		h.mu.Unlock()
		if !ok {
			return
		}
		h.runDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("status", string(e.Status))))
	}
}

// Compile-time interface check.
var _ stepflow.Publisher = (*MetricsHandler)(nil)
