package stepflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Action tags a log entry with what happened at a node.
type Action string

const (
	ActionStarted       Action = "started"
	ActionCompleted     Action = "completed"
	ActionLoopContinued Action = "loop_continued"
	ActionLoopExited    Action = "loop_exited"
	ActionError         Action = "error"
)

// LogEntry is one immutable record of a run event. Details carries
// action-specific payload such as the iteration count or a state
// snapshot.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Node      string         `json:"node"`
	Action    Action         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

// Run is one execution instance of a graph. The engine owns and mutates
// the run while it is in flight; observers read through the accessor
// methods, which take the run's lock. After a terminal status the run is
// effectively immutable.
type Run struct {
	mu sync.RWMutex

	id          string
	graphID     string
	status      Status
	currentNode string
	state       *State
	log         []LogEntry
	startedAt   time.Time
	completedAt time.Time
	err         string
}

// NewRun creates a pending run for the given graph with the given
// initial state. A nil state starts empty.
func NewRun(graphID string, initial *State) *Run {
	if initial == nil {
		initial = NewState()
	}
	return &Run{
		id:      uuid.NewString(),
		graphID: graphID,
		status:  StatusPending,
		state:   initial,
	}
}

// ID returns the run's unique identifier.
func (r *Run) ID() string { return r.id }

// GraphID returns the owning graph's identifier.
func (r *Run) GraphID() string { return r.graphID }

// Status returns the run's current lifecycle status.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// CurrentNode returns the name of the node most recently entered.
func (r *Run) CurrentNode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentNode
}

// Err returns the captured error message, empty unless the run failed.
func (r *Run) Err() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// StartedAt returns when execution began, zero while pending.
func (r *Run) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// CompletedAt returns when the run reached a terminal status.
func (r *Run) CompletedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completedAt
}

// State returns the run's live state. Callers outside the engine should
// prefer Record or the log's snapshots; the live state may still be
// mutating while the run is in flight.
func (r *Run) State() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LogLen returns the number of log entries appended so far.
func (r *Run) LogLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.log)
}

// LogSince returns a copy of the log entries appended at index n and
// later. Entries never mutate once appended, so the copy shares them
// safely.
func (r *Run) LogSince(n int) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n >= len(r.log) {
		return nil
	}
	out := make([]LogEntry, len(r.log)-n)
	copy(out, r.log[n:])
	return out
}

// Log returns a copy of the full execution log.
func (r *Run) Log() []LogEntry {
	return r.LogSince(0)
}

func (r *Run) markStarted(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRunning
	r.startedAt = at
}

func (r *Run) markCompleted(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusCompleted
	r.completedAt = at
}

func (r *Run) markFailed(at time.Time, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusFailed
	r.completedAt = at
	r.err = msg
}

func (r *Run) markCanceled(at time.Time, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusCanceled
	r.completedAt = at
	r.err = msg
}

func (r *Run) setCurrentNode(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentNode = name
}

func (r *Run) setState(st *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
}

func (r *Run) appendLog(entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
}

// RunRecord is the serializable shape of a run, used by storage and the
// HTTP API.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	GraphID     string         `json:"graph_id"`
	Status      Status         `json:"status"`
	CurrentNode string         `json:"current_node,omitempty"`
	State       map[string]any `json:"final_state"`
	Log         []LogEntry     `json:"execution_log"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Record captures the run's current contents as a value copy.
func (r *Run) Record() RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec := RunRecord{
		RunID:       r.id,
		GraphID:     r.graphID,
		Status:      r.status,
		CurrentNode: r.currentNode,
		State:       r.state.Snapshot(),
		Error:       r.err,
	}
	rec.Log = make([]LogEntry, len(r.log))
	copy(rec.Log, r.log)
	if !r.startedAt.IsZero() {
		t := r.startedAt
		rec.StartedAt = &t
	}
	if !r.completedAt.IsZero() {
		t := r.completedAt
		rec.CompletedAt = &t
	}
	return rec
}
