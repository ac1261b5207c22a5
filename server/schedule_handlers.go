package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stepflow-labs/stepflow/store"
)

// scheduleRequest is the body for creating a schedule.
type scheduleRequest struct {
	CronExpr     string         `json:"cron_expr"`
	InitialState map[string]any `json:"initial_state,omitempty"`
}

// handleCreateSchedule registers a cron schedule for a graph.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotImplemented, "SCHEDULES_DISABLED", "scheduler not configured")
		return
	}
	graphID := r.PathValue("id")

	if _, err := s.store.GetGraph(r.Context(), graphID); err != nil {
		if errors.Is(err, store.ErrGraphNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", graphID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	sched, err := s.scheduler.Add(graphID, req.CronExpr, req.InitialState)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// handleListSchedules returns a graph's schedules.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotImplemented, "SCHEDULES_DISABLED", "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.List(r.PathValue("id")))
}

// handleDeleteSchedule removes a schedule.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotImplemented, "SCHEDULES_DISABLED", "scheduler not configured")
		return
	}
	id := r.PathValue("schedule_id")
	if !s.scheduler.Remove(id) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "schedule deleted"})
}
