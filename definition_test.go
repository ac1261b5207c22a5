package stepflow

import (
	"context"
	"errors"
	"testing"
)

// mapResolver is a minimal ToolResolver for tests.
type mapResolver map[string]StepFunc

func (m mapResolver) Resolve(name string) (StepFunc, bool) {
	fn, ok := m[name]
	return fn, ok
}

func testResolver() mapResolver {
	return mapResolver{
		"step": func(context.Context, *State, map[string]any) (any, error) {
			return nil, nil
		},
		"count": countStep,
	}
}

func TestBuildGraph(t *testing.T) {
	def := GraphDefinition{
		Name:       "pipeline",
		EntryPoint: "first",
		Nodes: []NodeDefinition{
			{Name: "first", Tool: "step"},
			{Name: "second", Tool: "step"},
		},
		Edges: []EdgeDefinition{
			{FromNode: "first", ToNode: "second"},
		},
	}

	g, err := BuildGraph(def, testResolver())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Name() != "pipeline" || g.EntryPoint() != "first" {
		t.Errorf("got (%q, %q), want (pipeline, first)", g.Name(), g.EntryPoint())
	}
	if g.ID() == "" {
		t.Error("graph should get a generated id")
	}
	if next := g.NextCandidates("first"); len(next) != 1 || next[0] != "second" {
		t.Errorf("got successors %v, want [second]", next)
	}
}

func TestBuildGraph_UnknownTool(t *testing.T) {
	def := GraphDefinition{
		Name:       "g",
		EntryPoint: "a",
		Nodes:      []NodeDefinition{{Name: "a", Tool: "missing"}},
	}
	_, err := BuildGraph(def, testResolver())
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("got %v, want ErrUnknownTool", err)
	}
}

func TestBuildGraph_UnknownNodeKind(t *testing.T) {
	def := GraphDefinition{
		Name:       "g",
		EntryPoint: "a",
		Nodes:      []NodeDefinition{{Name: "a", Tool: "step", Type: "router"}},
	}
	if _, err := BuildGraph(def, testResolver()); err == nil {
		t.Error("unknown node kind should fail")
	}
}

func TestBuildGraph_InvalidEdgeOperator(t *testing.T) {
	def := GraphDefinition{
		Name:       "g",
		EntryPoint: "a",
		Nodes: []NodeDefinition{
			{Name: "a", Tool: "step"},
			{Name: "b", Tool: "step"},
		},
		Edges: []EdgeDefinition{
			{FromNode: "a", ToNode: "b", Condition: &Condition{Field: "x", Operator: "~", Value: 1}},
		},
	}
	if _, err := BuildGraph(def, testResolver()); err == nil {
		t.Error("invalid operator should fail at build time")
	}
}

func TestBuildGraph_MissingEntryPoint(t *testing.T) {
	def := GraphDefinition{
		Name:  "g",
		Nodes: []NodeDefinition{{Name: "a", Tool: "step"}},
	}
	_, err := BuildGraph(def, testResolver())
	if !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("got %v, want ErrInvalidGraph", err)
	}
}

func TestBuildGraph_LoopDeclarationForcesLoopNode(t *testing.T) {
	def := GraphDefinition{
		Name:       "g",
		EntryPoint: "l",
		Nodes:      []NodeDefinition{{Name: "l", Tool: "count"}},
		Edges:      []EdgeDefinition{{FromNode: "l", ToNode: "l"}},
		Loops: []LoopDefinition{
			{Node: "l", Condition: Condition{Field: "count", Operator: OpGe, Value: 2}},
		},
	}

	g, err := BuildGraph(def, testResolver())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	node, _ := g.Node("l")
	loop, ok := node.(*LoopNode)
	if !ok {
		t.Fatalf("got node type %T, want *LoopNode", node)
	}
	if loop.MaxIterations() != DefaultMaxIterations {
		t.Errorf("got max %d, want default %d", loop.MaxIterations(), DefaultMaxIterations)
	}
	spec, ok := g.Loop("l")
	if !ok || spec.MaxIterations != DefaultMaxIterations {
		t.Errorf("got loop spec (%v, %v)", spec, ok)
	}
}

func TestBuildGraph_ConditionalRoutes(t *testing.T) {
	def := GraphDefinition{
		Name:       "g",
		EntryPoint: "branch",
		Nodes: []NodeDefinition{
			{Name: "branch", Tool: "step", Type: "conditional"},
			{Name: "low", Tool: "step"},
			{Name: "high", Tool: "step"},
		},
		Edges: []EdgeDefinition{
			{FromNode: "branch", ToNode: "low", Condition: &Condition{Field: "x", Operator: OpLt, Value: 10}},
			{FromNode: "branch", ToNode: "high", Condition: &Condition{Field: "x", Operator: OpGe, Value: 10}},
		},
	}

	g, err := BuildGraph(def, testResolver())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	node, _ := g.Node("branch")
	cond, ok := node.(*ConditionalNode)
	if !ok {
		t.Fatalf("got node type %T, want *ConditionalNode", node)
	}
	routes := cond.Routes()
	if len(routes) != 2 || routes[0].Target != "low" || routes[1].Target != "high" {
		t.Errorf("got routes %v, want [low high]", routes)
	}
}
