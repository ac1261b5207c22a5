package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stepflow-labs/stepflow"
	"github.com/stepflow-labs/stepflow/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListGraphs returns all stored graphs.
func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListGraphs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleCreateGraph builds a graph from a posted definition and stores
// the definition on success.
func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	var def stepflow.GraphDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	g, err := stepflow.BuildGraph(def, s.registry)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	rec := store.GraphRecord{
		ID:         g.ID(),
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.SaveGraph(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.logger.Info("graph created", "graph_id", g.ID(), "name", def.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"graph_id": g.ID(),
		"name":     def.Name,
		"message":  "graph created successfully",
	})
}

// handleGetGraph returns a single graph by ID.
func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.GetGraph(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrGraphNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteGraph removes a graph, its runs, and its schedules.
func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteGraph(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrGraphNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if err := s.store.DeleteRunsForGraph(r.Context(), id); err != nil {
		s.logger.Warn("deleting runs for graph", "graph_id", id, "error", err)
	}
	if s.scheduler != nil {
		s.scheduler.RemoveForGraph(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "graph deleted"})
}

// runRequest is the body for run endpoints.
type runRequest struct {
	InitialState map[string]any `json:"initial_state"`
}

// prepareRun loads the graph, rebuilds it, and creates a pending run
// saved to the store before execution starts.
func (s *Server) prepareRun(ctx context.Context, graphID string, req runRequest) (*stepflow.Graph, *stepflow.Run, error) {
	rec, err := s.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, nil, err
	}
	g, err := stepflow.BuildGraph(rec.Definition, s.registry)
	if err != nil {
		return nil, nil, err
	}

	run := stepflow.NewRun(graphID, stepflow.NewStateWith(req.InitialState))
	if err := s.store.SaveRun(ctx, run.Record()); err != nil {
		return nil, nil, err
	}
	return g, run, nil
}

// handleRunGraph executes a graph synchronously and returns the final
// run record.
func (s *Server) handleRunGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	g, run, err := s.prepareRun(r.Context(), id, req)
	if err != nil {
		s.writeRunPrepError(w, id, err)
		return
	}

	s.engine.Execute(r.Context(), g, run)

	if err := s.store.UpdateRun(context.WithoutCancel(r.Context()), run.Record()); err != nil {
		s.logger.Warn("persisting finished run", "run_id", run.ID(), "error", err)
	}

	s.logger.Info("graph execution finished",
		"graph_id", id, "run_id", run.ID(), "status", run.Status())
	writeJSON(w, http.StatusOK, run.Record())
}

// handleRunGraphAsync starts a run in the background and returns 202
// with the run id immediately.
func (s *Server) handleRunGraphAsync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	g, run, err := s.prepareRun(r.Context(), id, req)
	if err != nil {
		s.writeRunPrepError(w, id, err)
		return
	}

	// Read before execution starts so the response reflects the saved
	// record rather than a moving run.
	status := run.Status()

	go func() {
		// Detached from the request: the run outlives the HTTP exchange.
		ctx := context.Background()
		s.engine.Execute(ctx, g, run)
		if err := s.store.UpdateRun(ctx, run.Record()); err != nil {
			s.logger.Warn("persisting finished run", "run_id", run.ID(), "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":   run.ID(),
		"graph_id": id,
		"status":   status,
		"message":  "execution started, stream at /api/runs/" + run.ID() + "/stream",
	})
}

func (s *Server) writeRunPrepError(w http.ResponseWriter, graphID string, err error) {
	switch {
	case errors.Is(err, store.ErrGraphNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", graphID))
	case errors.Is(err, stepflow.ErrUnknownTool),
		errors.Is(err, stepflow.ErrInvalidGraph),
		errors.Is(err, stepflow.ErrDuplicateNode),
		errors.Is(err, stepflow.ErrUnknownNode):
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}

// handleListRuns returns stored runs, optionally filtered by graph_id.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	graphID := r.URL.Query().Get("graph_id")
	records, err := s.store.ListRuns(r.Context(), graphID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetRun returns a run by id. In-flight runs are served from the
// engine's active set so the response reflects live progress; finished
// runs come from the store.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")

	if run, ok := s.engine.ActiveRun(id); ok {
		writeJSON(w, http.StatusOK, run.Record())
		return
	}

	rec, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListTools returns the registered tool names.
func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.List()})
}

// handleStats returns store statistics plus the number of in-flight runs.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"graphs":         st.Graphs,
		"runs":           st.Runs,
		"runs_by_status": st.RunsByStatus,
		"active_runs":    len(s.engine.ActiveRuns()),
	})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
