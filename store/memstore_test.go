package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepflow-labs/stepflow"
)

func graphRecord(id, name string) GraphRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return GraphRecord{
		ID: id,
		Definition: stepflow.GraphDefinition{
			Name:       name,
			EntryPoint: "start",
			Nodes:      []stepflow.NodeDefinition{{Name: "start", Tool: "noop"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func runRecord(id, graphID string, status stepflow.Status) stepflow.RunRecord {
	started := time.Now().UTC().Truncate(time.Second)
	return stepflow.RunRecord{
		RunID:   id,
		GraphID: graphID,
		Status:  status,
		State:   map[string]any{"answer": "42"},
		Log: []stepflow.LogEntry{
			{Timestamp: started, Node: "start", Action: stepflow.ActionStarted},
		},
		StartedAt: &started,
	}
}

// exerciseStore runs the shared contract checks against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("graph crud", func(t *testing.T) {
		if err := s.SaveGraph(ctx, graphRecord("g-1", "first")); err != nil {
			t.Fatalf("SaveGraph: %v", err)
		}
		if err := s.SaveGraph(ctx, graphRecord("g-1", "first")); !errors.Is(err, ErrGraphExists) {
			t.Errorf("duplicate save: got %v, want ErrGraphExists", err)
		}
		if err := s.SaveGraph(ctx, graphRecord("g-2", "second")); err != nil {
			t.Fatalf("SaveGraph: %v", err)
		}

		got, err := s.GetGraph(ctx, "g-1")
		if err != nil {
			t.Fatalf("GetGraph: %v", err)
		}
		if got.Definition.Name != "first" || got.Definition.EntryPoint != "start" {
			t.Errorf("got definition %+v", got.Definition)
		}

		all, err := s.ListGraphs(ctx)
		if err != nil {
			t.Fatalf("ListGraphs: %v", err)
		}
		if len(all) != 2 || all[0].ID != "g-1" || all[1].ID != "g-2" {
			t.Errorf("got %d graphs in order %v", len(all), all)
		}

		if _, err := s.GetGraph(ctx, "ghost"); !errors.Is(err, ErrGraphNotFound) {
			t.Errorf("missing graph: got %v, want ErrGraphNotFound", err)
		}
		if err := s.DeleteGraph(ctx, "ghost"); !errors.Is(err, ErrGraphNotFound) {
			t.Errorf("delete missing: got %v, want ErrGraphNotFound", err)
		}
		if err := s.DeleteGraph(ctx, "g-2"); err != nil {
			t.Fatalf("DeleteGraph: %v", err)
		}
		if _, err := s.GetGraph(ctx, "g-2"); !errors.Is(err, ErrGraphNotFound) {
			t.Errorf("deleted graph still present: %v", err)
		}
	})

	t.Run("run crud", func(t *testing.T) {
		if err := s.SaveRun(ctx, runRecord("r-1", "g-1", stepflow.StatusRunning)); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
		if err := s.SaveRun(ctx, runRecord("r-2", "g-other", stepflow.StatusCompleted)); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}

		got, err := s.GetRun(ctx, "r-1")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.GraphID != "g-1" || got.Status != stepflow.StatusRunning {
			t.Errorf("got (%s, %s), want (g-1, running)", got.GraphID, got.Status)
		}
		if got.State["answer"] != "42" {
			t.Errorf("got state %v", got.State)
		}
		if len(got.Log) != 1 || got.Log[0].Node != "start" {
			t.Errorf("got log %v", got.Log)
		}
		if got.StartedAt == nil {
			t.Error("started_at lost in round trip")
		}

		updated := runRecord("r-1", "g-1", stepflow.StatusCompleted)
		if err := s.UpdateRun(ctx, updated); err != nil {
			t.Fatalf("UpdateRun: %v", err)
		}
		got, _ = s.GetRun(ctx, "r-1")
		if got.Status != stepflow.StatusCompleted {
			t.Errorf("got status %s after update, want completed", got.Status)
		}

		if err := s.UpdateRun(ctx, runRecord("ghost", "g-1", stepflow.StatusFailed)); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("update missing: got %v, want ErrRunNotFound", err)
		}
		if _, err := s.GetRun(ctx, "ghost"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("missing run: got %v, want ErrRunNotFound", err)
		}
	})

	t.Run("list runs", func(t *testing.T) {
		all, err := s.ListRuns(ctx, "")
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("got %d runs, want 2", len(all))
		}
		// Newest first: r-2 was saved after r-1.
		if all[0].RunID != "r-2" || all[1].RunID != "r-1" {
			t.Errorf("got order [%s %s], want [r-2 r-1]", all[0].RunID, all[1].RunID)
		}

		filtered, err := s.ListRuns(ctx, "g-1")
		if err != nil {
			t.Fatalf("ListRuns(g-1): %v", err)
		}
		if len(filtered) != 1 || filtered[0].RunID != "r-1" {
			t.Errorf("got filtered runs %v", filtered)
		}
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Graphs != 1 || stats.Runs != 2 {
			t.Errorf("got graphs=%d runs=%d, want 1 and 2", stats.Graphs, stats.Runs)
		}
		if stats.RunsByStatus["completed"] != 2 {
			t.Errorf("got runs by status %v, want 2 completed", stats.RunsByStatus)
		}
	})

	t.Run("delete runs for graph", func(t *testing.T) {
		if err := s.DeleteRunsForGraph(ctx, "g-1"); err != nil {
			t.Fatalf("DeleteRunsForGraph: %v", err)
		}
		remaining, _ := s.ListRuns(ctx, "")
		if len(remaining) != 1 || remaining[0].RunID != "r-2" {
			t.Errorf("got remaining runs %v, want only r-2", remaining)
		}
	})
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemStore_SaveRunUpserts(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveRun(ctx, runRecord("r-1", "g-1", stepflow.StatusRunning)); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.SaveRun(ctx, runRecord("r-1", "g-1", stepflow.StatusFailed)); err != nil {
		t.Fatalf("second SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != stepflow.StatusFailed {
		t.Errorf("got status %s, want failed", got.Status)
	}
	all, _ := s.ListRuns(ctx, "")
	if len(all) != 1 {
		t.Errorf("upsert should not duplicate, got %d runs", len(all))
	}
}
