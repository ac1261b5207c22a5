package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stepflow-labs/stepflow"
	"github.com/stepflow-labs/stepflow/registry"
	"github.com/stepflow-labs/stepflow/store"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// Schedule is a recurring execution of a graph on a cron expression.
type Schedule struct {
	ID           string         `json:"id"`
	GraphID      string         `json:"graph_id"`
	CronExpr     string         `json:"cron_expr"`
	InitialState map[string]any `json:"initial_state,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	NextRunAt    time.Time      `json:"next_run_at"`
	LastRunID    string         `json:"last_run_id,omitempty"`
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Store    store.Store
	Registry *registry.Registry
	Engine   *stepflow.Engine
	Logger   *slog.Logger
}

// Scheduler triggers graph runs on cron schedules. Schedules live in
// memory for the scheduler's lifetime.
type Scheduler struct {
	cron     *cron.Cron
	store    store.Store
	registry *registry.Registry
	engine   *stepflow.Engine
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*scheduleEntry
}

type scheduleEntry struct {
	schedule Schedule
	entryID  cron.EntryID
}

// NewScheduler creates a scheduler. Call Start before adding schedules
// is not required; the underlying cron runner can be started at any
// time.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithParser(standardCronParser), cron.WithLocation(time.UTC)),
		store:    cfg.Store,
		registry: cfg.Registry,
		engine:   cfg.Engine,
		logger:   logger,
		entries:  make(map[string]*scheduleEntry),
	}
}

// Start begins triggering schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts triggering; running jobs are allowed to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Add registers a schedule for a graph. The cron expression uses the
// standard five-field form, evaluated in UTC.
func (s *Scheduler) Add(graphID, expr string, initial map[string]any) (Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return Schedule{}, fmt.Errorf("cron expression is required")
	}
	cronSchedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	sched := Schedule{
		ID:           uuid.NewString(),
		GraphID:      graphID,
		CronExpr:     clean,
		InitialState: initial,
		CreatedAt:    time.Now().UTC(),
		NextRunAt:    cronSchedule.Next(time.Now().UTC()),
	}

	entryID, err := s.cron.AddFunc(clean, func() { s.fire(sched.ID) })
	if err != nil {
		return Schedule{}, fmt.Errorf("registering cron job: %w", err)
	}

	s.mu.Lock()
	s.entries[sched.ID] = &scheduleEntry{schedule: sched, entryID: entryID}
	s.mu.Unlock()

	s.logger.Info("schedule added", "schedule_id", sched.ID, "graph_id", graphID, "cron", clean)
	return sched, nil
}

// Remove deletes a schedule by id.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	s.cron.Remove(entry.entryID)
	delete(s.entries, id)
	return true
}

// RemoveForGraph deletes all schedules belonging to a graph.
func (s *Scheduler) RemoveForGraph(graphID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if entry.schedule.GraphID == graphID {
			s.cron.Remove(entry.entryID)
			delete(s.entries, id)
		}
	}
}

// List returns schedules, filtered by graph id when graphID is
// non-empty.
func (s *Scheduler) List(graphID string) []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.entries))
	for _, entry := range s.entries {
		if graphID != "" && entry.schedule.GraphID != graphID {
			continue
		}
		sched := entry.schedule
		sched.NextRunAt = s.cron.Entry(entry.entryID).Next
		out = append(out, sched)
	}
	return out
}

// fire executes one scheduled run.
func (s *Scheduler) fire(scheduleID string) {
	s.mu.Lock()
	entry, ok := s.entries[scheduleID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sched := entry.schedule
	s.mu.Unlock()

	ctx := context.Background()

	rec, err := s.store.GetGraph(ctx, sched.GraphID)
	if err != nil {
		s.logger.Error("scheduled run: loading graph", "schedule_id", scheduleID, "error", err)
		return
	}
	g, err := stepflow.BuildGraph(rec.Definition, s.registry)
	if err != nil {
		s.logger.Error("scheduled run: building graph", "schedule_id", scheduleID, "error", err)
		return
	}

	run := stepflow.NewRun(sched.GraphID, stepflow.NewStateWith(sched.InitialState))
	if err := s.store.SaveRun(ctx, run.Record()); err != nil {
		s.logger.Error("scheduled run: saving run", "schedule_id", scheduleID, "error", err)
		return
	}

	s.engine.Execute(ctx, g, run)

	if err := s.store.UpdateRun(ctx, run.Record()); err != nil {
		s.logger.Warn("scheduled run: persisting finished run", "run_id", run.ID(), "error", err)
	}

	s.mu.Lock()
	if entry, ok := s.entries[scheduleID]; ok {
		entry.schedule.LastRunID = run.ID()
	}
	s.mu.Unlock()

	s.logger.Info("scheduled run finished",
		"schedule_id", scheduleID, "run_id", run.ID(), "status", run.Status())
}
