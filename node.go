package stepflow

import (
	"context"
	"fmt"
)

// NodeKind identifies the type of a node.
type NodeKind string

const (
	NodeKindStandard    NodeKind = "standard"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
)

// ParseNodeKind validates a node kind string.
func ParseNodeKind(s string) (NodeKind, error) {
	switch k := NodeKind(s); k {
	case NodeKindStandard, NodeKindConditional, NodeKindLoop:
		return k, nil
	default:
		return "", fmt.Errorf("unknown node type %q", s)
	}
}

// StepFunc is the unit of work a node executes. It receives the run
// state and the node's static configuration, and returns the step's
// result. A map result is merged into the state; a *State result
// replaces it; anything else (including nil) leaves the state unchanged.
type StepFunc func(ctx context.Context, st *State, config map[string]any) (any, error)

// Node is an executable vertex in a graph.
type Node interface {
	// Name returns the node's unique name within its graph.
	Name() string

	// Kind returns the node's type.
	Kind() NodeKind

	// Config returns the node's static configuration.
	Config() map[string]any

	// Execute runs the node's step against the given state and returns
	// the resulting state. Errors are returned as-is so the caller can
	// record the step's message verbatim.
	Execute(ctx context.Context, st *State) (*State, error)
}

// baseNode carries the fields shared by all node kinds.
type baseNode struct {
	name   string
	step   StepFunc
	config map[string]any
}

func (n *baseNode) Name() string { return n.name }

func (n *baseNode) Config() map[string]any { return n.config }

func (n *baseNode) execute(ctx context.Context, st *State) (*State, error) {
	result, err := n.step(ctx, st, n.config)
	if err != nil {
		return st, err
	}
	switch out := result.(type) {
	case map[string]any:
		st.Update(out)
	case *State:
		return out, nil
	}
	return st, nil
}

// StandardNode executes its step and passes control to whatever edge
// the graph declares next.
type StandardNode struct {
	baseNode
}

// NewStandardNode creates a standard node.
func NewStandardNode(name string, step StepFunc, config map[string]any) *StandardNode {
	return &StandardNode{baseNode{name: name, step: step, config: config}}
}

func (n *StandardNode) Kind() NodeKind { return NodeKindStandard }

func (n *StandardNode) Execute(ctx context.Context, st *State) (*State, error) {
	return n.execute(ctx, st)
}

// Route is a guarded successor in a conditional node's local route table.
type Route struct {
	Target    string
	Condition Condition
}

// ConditionalNode executes its step like a standard node, and carries a
// local route table that direct callers may consult via NextNode. The
// engine itself routes from the graph's edge declarations, not from
// this table.
type ConditionalNode struct {
	baseNode
	routes []Route
}

// NewConditionalNode creates a conditional node with the given routes.
func NewConditionalNode(name string, step StepFunc, config map[string]any, routes []Route) *ConditionalNode {
	return &ConditionalNode{
		baseNode: baseNode{name: name, step: step, config: config},
		routes:   routes,
	}
}

func (n *ConditionalNode) Kind() NodeKind { return NodeKindConditional }

func (n *ConditionalNode) Execute(ctx context.Context, st *State) (*State, error) {
	return n.execute(ctx, st)
}

// Routes returns the node's local route table.
func (n *ConditionalNode) Routes() []Route { return n.routes }

// NextNode evaluates the route table against the given state and returns
// the first matching target, in declaration order.
func (n *ConditionalNode) NextNode(st *State) (string, bool) {
	for _, r := range n.routes {
		if r.Condition.Evaluate(st) {
			return r.Target, true
		}
	}
	return "", false
}

// DefaultMaxIterations bounds a loop when its definition does not.
const DefaultMaxIterations = 10

// LoopNode executes its step repeatedly under engine control. It tracks
// how many iterations have completed and exits when its condition holds
// or the iteration cap is reached, whichever comes first.
type LoopNode struct {
	baseNode
	exit          Condition
	maxIterations int
	iteration     int
}

// NewLoopNode creates a loop node. A non-positive max falls back to
// DefaultMaxIterations.
func NewLoopNode(name string, step StepFunc, config map[string]any, exit Condition, maxIterations int) *LoopNode {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &LoopNode{
		baseNode:      baseNode{name: name, step: step, config: config},
		exit:          exit,
		maxIterations: maxIterations,
	}
}

func (n *LoopNode) Kind() NodeKind { return NodeKindLoop }

func (n *LoopNode) Execute(ctx context.Context, st *State) (*State, error) {
	return n.execute(ctx, st)
}

// ExitCondition returns the loop's exit condition.
func (n *LoopNode) ExitCondition() Condition { return n.exit }

// Iteration returns the number of completed iterations.
func (n *LoopNode) Iteration() int { return n.iteration }

// MaxIterations returns the loop's iteration cap.
func (n *LoopNode) MaxIterations() int { return n.maxIterations }

// AdvanceIteration records one completed pass through the loop body.
func (n *LoopNode) AdvanceIteration() { n.iteration++ }

// ResetIteration clears the counter so a later re-entry starts fresh.
func (n *LoopNode) ResetIteration() { n.iteration = 0 }

// ShouldExit reports whether the loop is done: the cap was reached or
// the exit condition holds against the given state.
func (n *LoopNode) ShouldExit(st *State) bool {
	if n.iteration >= n.maxIterations {
		return true
	}
	return n.exit.Evaluate(st)
}

// Compile-time interface checks.
var _ Node = (*StandardNode)(nil)
var _ Node = (*ConditionalNode)(nil)
var _ Node = (*LoopNode)(nil)
