package otel_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stepflow-labs/stepflow"
	stepotel "github.com/stepflow-labs/stepflow/otel"
)

func newTestTracing(t *testing.T) (*tracetest.InMemoryExporter, *stepotel.TracingHandler) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, stepotel.NewTracingHandler(tp.Tracer("test"))
}

func okStep(_ context.Context, _ *stepflow.State, _ map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

func failStep(_ context.Context, _ *stepflow.State, _ map[string]any) (any, error) {
	return nil, errors.New("boom")
}

func buildChain(t *testing.T, second stepflow.StepFunc) *stepflow.Graph {
	t.Helper()
	g := stepflow.NewGraph("g-1", "chain", "")
	if err := g.AddNode(stepflow.NewStandardNode("A", okStep, nil)); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode(stepflow.NewStandardNode("B", second, nil)); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddEdge("A", "B", nil); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	g.SetEntryPoint("A")
	return g
}

func findSpan(spans tracetest.SpanStubs, name string) (tracetest.SpanStub, bool) {
	for _, s := range spans {
		if s.Name == name {
			return s, true
		}
	}
	return tracetest.SpanStub{}, false
}

func TestTracingHandler_CompletedRun(t *testing.T) {
	exporter, handler := newTestTracing(t)

	g := buildChain(t, okStep)
	engine := stepflow.NewEngine(stepflow.EngineConfig{Publisher: handler})
	run := stepflow.NewRun(g.ID(), stepflow.NewState())
	engine.Execute(context.Background(), g, run)

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3 (two nodes + run)", len(spans))
	}

	runSpan, ok := findSpan(spans, "run:"+run.ID())
	if !ok {
		t.Fatal("run span not exported")
	}
	if runSpan.Status.Code == codes.Error {
		t.Errorf("run span has error status: %v", runSpan.Status)
	}

	for _, node := range []string{"A", "B"} {
		span, ok := findSpan(spans, "node:"+node)
		if !ok {
			t.Fatalf("node span for %s not exported", node)
		}
		if span.Parent.SpanID() != runSpan.SpanContext.SpanID() {
			t.Errorf("node %s span is not a child of the run span", node)
		}
		if span.Status.Code != codes.Ok {
			t.Errorf("node %s span status %v, want Ok", node, span.Status.Code)
		}
	}
}

func TestTracingHandler_FailedRun(t *testing.T) {
	exporter, handler := newTestTracing(t)

	g := buildChain(t, failStep)
	engine := stepflow.NewEngine(stepflow.EngineConfig{Publisher: handler})
	run := stepflow.NewRun(g.ID(), stepflow.NewState())
	engine.Execute(context.Background(), g, run)

	if run.Status() != stepflow.StatusFailed {
		t.Fatalf("got status %q, want failed", run.Status())
	}

	spans := exporter.GetSpans()
	runSpan, ok := findSpan(spans, "run:"+run.ID())
	if !ok {
		t.Fatal("run span not exported")
	}
	if runSpan.Status.Code != codes.Error {
		t.Errorf("run span status %v, want Error", runSpan.Status.Code)
	}

	nodeSpan, ok := findSpan(spans, "node:B")
	if !ok {
		t.Fatal("failing node span not exported")
	}
	if nodeSpan.Status.Code != codes.Error {
		t.Errorf("node B span status %v, want Error", nodeSpan.Status.Code)
	}
	if nodeSpan.Status.Description != "boom" {
		t.Errorf("got status description %q, want boom", nodeSpan.Status.Description)
	}
}

func TestTracingHandler_LoopEventsOnRunSpan(t *testing.T) {
	exporter, handler := newTestTracing(t)

	g := stepflow.NewGraph("g-1", "loop", "")
	exit := stepflow.Condition{Field: "count", Operator: stepflow.OpGe, Value: 2}
	count := func(_ context.Context, st *stepflow.State, _ map[string]any) (any, error) {
		c, _ := st.Get("count").(int)
		return map[string]any{"count": c + 1}, nil
	}
	if err := g.AddNode(stepflow.NewLoopNode("L", count, nil, exit, 5)); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddEdge("L", "L", nil); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := g.AddLoop(stepflow.LoopSpec{Node: "L", Condition: exit, MaxIterations: 5}); err != nil {
		t.Fatalf("AddLoop: %v", err)
	}
	g.SetEntryPoint("L")

	engine := stepflow.NewEngine(stepflow.EngineConfig{Publisher: handler})
	run := stepflow.NewRun(g.ID(), stepflow.NewState())
	engine.Execute(context.Background(), g, run)

	runSpan, ok := findSpan(exporter.GetSpans(), "run:"+run.ID())
	if !ok {
		t.Fatal("run span not exported")
	}
	var continued, exited int
	for _, event := range runSpan.Events {
		switch event.Name {
		case string(stepflow.ActionLoopContinued):
			continued++
		case string(stepflow.ActionLoopExited):
			exited++
		}
	}
	if continued != 1 || exited != 1 {
		t.Errorf("got %d loop_continued and %d loop_exited events, want 1 and 1", continued, exited)
	}
}
