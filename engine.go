package stepflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Engine runtime errors. These never escape Execute; they are captured
// into the run's error field and terminal status.
var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrMaxStepsExceeded = errors.New("max steps exceeded")
	ErrRunCanceled      = errors.New("run canceled")
)

// DefaultMaxSteps bounds the total number of node executions in one run.
// It is the hard termination guard for graphs whose cycles never reach
// an exit.
const DefaultMaxSteps = 1000

// EngineConfig configures an Engine.
type EngineConfig struct {
	// MaxSteps caps node executions per run (default: DefaultMaxSteps).
	MaxSteps int

	// Publisher receives stream events at emission time. Optional.
	Publisher Publisher

	// Logger for engine diagnostics (default: slog.Default()).
	Logger *slog.Logger

	// Now supplies timestamps, overridable in tests (default: time.Now).
	Now func() time.Time
}

// Engine executes graphs. It is safe for concurrent use; each run
// executes on its caller's goroutine with no state shared between runs.
type Engine struct {
	maxSteps  int
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	active map[string]*Run
}

// NewEngine creates an engine with the given configuration.
func NewEngine(config EngineConfig) *Engine {
	e := &Engine{
		maxSteps:  config.MaxSteps,
		publisher: config.Publisher,
		logger:    config.Logger,
		now:       config.Now,
		active:    make(map[string]*Run),
	}
	if e.maxSteps <= 0 {
		e.maxSteps = DefaultMaxSteps
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ActiveRun returns an in-flight run by id. Runs are tracked from the
// moment Execute is entered until it returns.
func (e *Engine) ActiveRun(id string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.active[id]
	return run, ok
}

// ActiveRuns returns all in-flight runs.
func (e *Engine) ActiveRuns() []*Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Run, 0, len(e.active))
	for _, run := range e.active {
		out = append(out, run)
	}
	return out
}

func (e *Engine) track(run *Run) {
	e.mu.Lock()
	e.active[run.ID()] = run
	e.mu.Unlock()
}

func (e *Engine) untrack(run *Run) {
	e.mu.Lock()
	delete(e.active, run.ID())
	e.mu.Unlock()
}

// Execute walks the graph from its entry point, driving the run to a
// terminal status. It always returns the run, never an error: step
// failures, missing nodes, the step cap, and context cancellation are
// all captured into the run's status, error field, and log.
func (e *Engine) Execute(ctx context.Context, g *Graph, run *Run) *Run {
	e.track(run)
	defer e.untrack(run)

	run.markStarted(e.now())
	e.publish(run, &StreamEvent{Type: StreamStarted, RunID: run.ID()})

	var seq uint64 = 1 // the started event above

	current := g.EntryPoint()
	var failure error
	steps := 0

	for current != "" {
		if err := ctx.Err(); err != nil {
			run.markCanceled(e.now(), ErrRunCanceled.Error())
			e.logger.Warn("run canceled", "run_id", run.ID(), "node", current)
			e.publish(run, &StreamEvent{
				Type:   StreamComplete,
				RunID:  run.ID(),
				Status: run.Status(),
			})
			return run
		}

		steps++
		if steps > e.maxSteps {
			failure = fmt.Errorf("%w: %d", ErrMaxStepsExceeded, e.maxSteps)
			break
		}

		node, ok := g.Node(current)
		if !ok {
			failure = fmt.Errorf("%w: %s", ErrNodeNotFound, current)
			break
		}
		run.setCurrentNode(current)

		iteration := 0
		loopNode, isLoop := node.(*LoopNode)
		if isLoop {
			iteration = loopNode.Iteration()
		}
		e.record(run, &seq, LogEntry{
			Timestamp: e.now(),
			Node:      current,
			Action:    ActionStarted,
			Details:   map[string]any{"iteration": iteration},
		})

		st, err := node.Execute(ctx, run.State())
		if err != nil {
			failure = err
			break
		}
		run.setState(st)

		e.record(run, &seq, LogEntry{
			Timestamp: e.now(),
			Node:      current,
			Action:    ActionCompleted,
			Details:   map[string]any{"state": st.Snapshot()},
		})

		next := e.nextNode(g, current, st)

		if isLoop {
			loopNode.AdvanceIteration()
			if loopNode.ShouldExit(st) {
				e.record(run, &seq, LogEntry{
					Timestamp: e.now(),
					Node:      current,
					Action:    ActionLoopExited,
					Details: map[string]any{
						"reason":     "condition_met",
						"iterations": loopNode.Iteration(),
					},
				})
				loopNode.ResetIteration()
				next = ""
			} else {
				e.record(run, &seq, LogEntry{
					Timestamp: e.now(),
					Node:      current,
					Action:    ActionLoopContinued,
					Details:   map[string]any{"iteration": loopNode.Iteration()},
				})
			}
		}

		current = next
		runtime.Gosched()
	}

	if failure != nil {
		node := run.CurrentNode()
		if node == "" {
			node = "unknown"
		}
		run.markFailed(e.now(), failure.Error())
		e.record(run, &seq, LogEntry{
			Timestamp: e.now(),
			Node:      node,
			Action:    ActionError,
			Details:   map[string]any{"error": failure.Error()},
		})
		e.logger.Error("run failed",
			"run_id", run.ID(), "graph_id", run.GraphID(),
			"node", node, "error", failure)
	} else {
		run.markCompleted(e.now())
	}

	e.publish(run, &StreamEvent{
		Type:       StreamComplete,
		RunID:      run.ID(),
		Status:     run.Status(),
		FinalState: run.State(),
	})
	return run
}

// nextNode resolves the successor of current. The tie-break order is:
// no successors at all ends the run; a single plain successor with no
// guards wins outright; otherwise guards are evaluated in declaration
// order and the first match wins; with no match, the first plain
// successor is the fallback.
func (e *Engine) nextNode(g *Graph, current string, st *State) string {
	plain := g.NextCandidates(current)
	guards := g.Guards(current)

	if len(plain) == 0 && len(guards) == 0 {
		return ""
	}
	if len(plain) == 1 && len(guards) == 0 {
		return plain[0]
	}
	for _, guard := range guards {
		if e.safeEvaluate(guard.Condition, st, current) {
			return guard.Target
		}
	}
	if len(plain) > 0 {
		return plain[0]
	}
	return ""
}

// safeEvaluate runs a guard condition, treating any panic inside the
// evaluator as a false result so a bad guard cannot abort the run.
func (e *Engine) safeEvaluate(cond Condition, st *State, node string) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("guard evaluation failed",
				"node", node, "condition", cond.String(), "panic", r)
			result = false
		}
	}()
	return cond.Evaluate(st)
}

// record appends a log entry and publishes the matching stream event.
func (e *Engine) record(run *Run, seq *uint64, entry LogEntry) {
	run.appendLog(entry)
	*seq++
	e.publish(run, &StreamEvent{
		Type:  StreamLog,
		RunID: run.ID(),
		Seq:   *seq,
		Entry: &entry,
	})
}

// publish sends an event to the configured publisher, if any.
func (e *Engine) publish(run *Run, event *StreamEvent) {
	if e.publisher == nil {
		return
	}
	if event.Seq == 0 {
		switch event.Type {
		case StreamStarted:
			event.Seq = 1
		case StreamComplete:
			event.Seq = uint64(run.LogLen()) + 2
		}
	}
	e.publisher.Publish(*event)
}
