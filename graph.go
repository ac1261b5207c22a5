package stepflow

import (
	"errors"
	"fmt"
	"log/slog"
)

// Graph construction and validation errors.
var (
	ErrDuplicateNode = errors.New("duplicate node")
	ErrUnknownNode   = errors.New("unknown node")
	ErrInvalidGraph  = errors.New("invalid graph")
)

// GuardedEdge is a conditional successor: the edge is taken when its
// condition evaluates true against the run state.
type GuardedEdge struct {
	Target    string
	Condition Condition
}

// LoopSpec declares loop behavior for a node: the run revisits the node
// until the exit condition holds or MaxIterations passes have completed.
type LoopSpec struct {
	Node          string
	Condition     Condition
	MaxIterations int
}

// Graph is a directed graph of named nodes. Plain edges record successor
// order; guarded edges attach conditions consulted before the plain
// list. A graph is immutable once validated and safe for concurrent
// reads by any number of runs.
type Graph struct {
	id          string
	name        string
	description string
	entry       string

	nodes     map[string]Node
	nodeOrder []string
	edges     map[string][]string
	guards    map[string][]GuardedEdge
	loops     map[string]LoopSpec
}

// NewGraph creates an empty graph.
func NewGraph(id, name, description string) *Graph {
	return &Graph{
		id:          id,
		name:        name,
		description: description,
		nodes:       make(map[string]Node),
		edges:       make(map[string][]string),
		guards:      make(map[string][]GuardedEdge),
		loops:       make(map[string]LoopSpec),
	}
}

// ID returns the graph's identity.
func (g *Graph) ID() string { return g.id }

// Name returns the graph's display name.
func (g *Graph) Name() string { return g.name }

// Description returns the graph's description.
func (g *Graph) Description() string { return g.description }

// EntryPoint returns the name of the entry node.
func (g *Graph) EntryPoint() string { return g.entry }

// SetEntryPoint designates the node execution starts from.
func (g *Graph) SetEntryPoint(name string) { g.entry = name }

// AddNode registers a node under its name.
func (g *Graph) AddNode(n Node) error {
	name := n.Name()
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	g.nodes[name] = n
	g.nodeOrder = append(g.nodeOrder, name)
	return nil
}

// AddEdge declares a directed edge. The successor is appended to from's
// plain successor list; when cond is non-nil the edge is additionally
// registered as a guarded edge, consulted ahead of the plain list during
// next-node resolution. Declaration order is preserved in both lists.
func (g *Graph) AddEdge(from, to string, cond *Condition) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: edge source %s", ErrUnknownNode, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: edge target %s", ErrUnknownNode, to)
	}
	g.edges[from] = append(g.edges[from], to)
	if cond != nil {
		g.guards[from] = append(g.guards[from], GuardedEdge{Target: to, Condition: *cond})
	}
	return nil
}

// AddLoop declares loop behavior for an existing node.
func (g *Graph) AddLoop(spec LoopSpec) error {
	if _, ok := g.nodes[spec.Node]; !ok {
		return fmt.Errorf("%w: loop node %s", ErrUnknownNode, spec.Node)
	}
	g.loops[spec.Node] = spec
	return nil
}

// Node returns the node registered under name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns node names in registration order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodeOrder))
	copy(out, g.nodeOrder)
	return out
}

// NextCandidates returns the plain successors of a node in declaration
// order. The result is a copy; mutating it does not change the graph.
func (g *Graph) NextCandidates(name string) []string {
	out := make([]string, len(g.edges[name]))
	copy(out, g.edges[name])
	return out
}

// Guards returns the guarded edges declared for a node, in declaration
// order. The result is a copy; mutating it does not change the graph.
func (g *Graph) Guards(name string) []GuardedEdge {
	out := make([]GuardedEdge, len(g.guards[name]))
	copy(out, g.guards[name])
	return out
}

// Loop returns the loop declaration for a node, if any.
func (g *Graph) Loop(name string) (LoopSpec, bool) {
	spec, ok := g.loops[name]
	return spec, ok
}

// HasLoop reports whether a node carries a loop declaration.
func (g *Graph) HasLoop(name string) bool {
	_, ok := g.loops[name]
	return ok
}

// Validate checks structural well-formedness. A missing or unknown entry
// point is an error wrapping ErrInvalidGraph. Cycles reachable from the
// entry are tolerated when every revisited node carries a loop
// declaration; undeclared cycles are returned as warnings, not errors.
// The engine's step cap is the actual termination guard, so warnings
// never block execution.
func (g *Graph) Validate() ([]string, error) {
	if g.entry == "" {
		return nil, fmt.Errorf("%w: entry point not set", ErrInvalidGraph)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("%w: entry point %s not found", ErrInvalidGraph, g.entry)
	}

	var warnings []string
	seen := make(map[string]bool)
	g.walk(g.entry, map[string]bool{}, seen, &warnings)
	return warnings, nil
}

// walk performs a depth-first traversal tracking the current path so a
// revisit within one path is recognized as a cycle.
func (g *Graph) walk(name string, onPath, seen map[string]bool, warnings *[]string) {
	if onPath[name] {
		if !g.HasLoop(name) {
			w := fmt.Sprintf("cycle through node %q without a loop declaration", name)
			slog.Warn("graph validation", "warning", w)
			*warnings = append(*warnings, w)
		}
		return
	}
	if seen[name] {
		return
	}
	seen[name] = true
	onPath[name] = true
	for _, next := range g.edges[name] {
		g.walk(next, onPath, seen, warnings)
	}
	onPath[name] = false
}
