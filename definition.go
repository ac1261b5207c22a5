package stepflow

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrUnknownTool is returned when a node's declared tool does not
// resolve in the tool registry.
var ErrUnknownTool = errors.New("unknown tool")

// GraphDefinition is the declarative input shape a graph is built from.
type GraphDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	EntryPoint  string           `json:"entry_point"`
	Nodes       []NodeDefinition `json:"nodes"`
	Edges       []EdgeDefinition `json:"edges,omitempty"`
	Loops       []LoopDefinition `json:"loops,omitempty"`
}

// NodeDefinition declares one node: its name, kind, the tool resolved to
// its step function, and static configuration.
type NodeDefinition struct {
	Name   string         `json:"name"`
	Type   string         `json:"type,omitempty"`
	Tool   string         `json:"tool"`
	Config map[string]any `json:"config,omitempty"`
}

// EdgeDefinition declares one directed edge, optionally guarded.
type EdgeDefinition struct {
	FromNode  string     `json:"from_node"`
	ToNode    string     `json:"to_node"`
	Condition *Condition `json:"condition,omitempty"`
}

// LoopDefinition declares loop behavior for a node.
type LoopDefinition struct {
	Node          string    `json:"node"`
	Condition     Condition `json:"condition"`
	MaxIterations int       `json:"max_iterations,omitempty"`
}

// ToolResolver maps declared tool names to step functions.
type ToolResolver interface {
	Resolve(name string) (StepFunc, bool)
}

// BuildGraph constructs a validated Graph from its definition, resolving
// each node's tool through the given resolver. Construction fails on an
// unresolvable tool, an unknown node kind or operator, a duplicate node,
// an edge or loop referencing an absent node, or a missing entry point.
// Validation warnings (undeclared cycles) are logged, not returned.
func BuildGraph(def GraphDefinition, tools ToolResolver) (*Graph, error) {
	g := NewGraph(uuid.NewString(), def.Name, def.Description)
	g.SetEntryPoint(def.EntryPoint)

	loopFor := make(map[string]LoopDefinition, len(def.Loops))
	for _, l := range def.Loops {
		if err := validateCondition(l.Condition); err != nil {
			return nil, fmt.Errorf("loop %s: %w", l.Node, err)
		}
		loopFor[l.Node] = l
	}

	for _, nd := range def.Nodes {
		step, ok := tools.Resolve(nd.Tool)
		if !ok {
			return nil, fmt.Errorf("%w: %s (node %s)", ErrUnknownTool, nd.Tool, nd.Name)
		}

		kind := NodeKindStandard
		if nd.Type != "" {
			parsed, err := ParseNodeKind(nd.Type)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", nd.Name, err)
			}
			kind = parsed
		}
		if _, hasLoop := loopFor[nd.Name]; hasLoop {
			kind = NodeKindLoop
		}

		var node Node
		switch kind {
		case NodeKindLoop:
			l := loopFor[nd.Name]
			node = NewLoopNode(nd.Name, step, nd.Config, l.Condition, l.MaxIterations)
		case NodeKindConditional:
			node = NewConditionalNode(nd.Name, step, nd.Config, routesFor(nd.Name, def.Edges))
		default:
			node = NewStandardNode(nd.Name, step, nd.Config)
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}

	for _, ed := range def.Edges {
		if ed.Condition != nil {
			if err := validateCondition(*ed.Condition); err != nil {
				return nil, fmt.Errorf("edge %s -> %s: %w", ed.FromNode, ed.ToNode, err)
			}
		}
		if err := g.AddEdge(ed.FromNode, ed.ToNode, ed.Condition); err != nil {
			return nil, err
		}
	}

	for _, l := range def.Loops {
		max := l.MaxIterations
		if max <= 0 {
			max = DefaultMaxIterations
		}
		spec := LoopSpec{Node: l.Node, Condition: l.Condition, MaxIterations: max}
		if err := g.AddLoop(spec); err != nil {
			return nil, err
		}
	}

	warnings, err := g.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		slog.Warn("graph validation warning", "graph", def.Name, "warning", w)
	}
	return g, nil
}

// routesFor collects the guarded edges declared from a node into the
// node's local route table, in declaration order.
func routesFor(name string, edges []EdgeDefinition) []Route {
	var routes []Route
	for _, ed := range edges {
		if ed.FromNode == name && ed.Condition != nil {
			routes = append(routes, Route{Target: ed.ToNode, Condition: *ed.Condition})
		}
	}
	return routes
}

// validateCondition rejects conditions whose operator is not in the
// supported set. Unknown operators are a configuration error at build
// time, even though the evaluator fails them closed at runtime.
func validateCondition(c Condition) error {
	_, err := ParseOperator(string(c.Operator))
	return err
}
