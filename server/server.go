// Package server exposes the graph execution engine over HTTP: graph
// CRUD, synchronous and asynchronous runs, run queries, live execution
// streaming over SSE, cron schedules, and store statistics.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stepflow-labs/stepflow"
	"github.com/stepflow-labs/stepflow/bus"
	"github.com/stepflow-labs/stepflow/registry"
	"github.com/stepflow-labs/stepflow/store"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store      store.Store
	Registry   *registry.Registry
	Engine     *stepflow.Engine
	Bus        bus.EventBus
	Scheduler  *Scheduler
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the stepflow HTTP API server.
type Server struct {
	store      store.Store
	registry   *registry.Registry
	engine     *stepflow.Engine
	bus        bus.EventBus
	scheduler  *Scheduler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		store:      cfg.Store,
		registry:   cfg.Registry,
		engine:     cfg.Engine,
		bus:        cfg.Bus,
		scheduler:  cfg.Scheduler,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("POST /api/graphs", s.handleCreateGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("DELETE /api/graphs/{id}", s.handleDeleteGraph)
	mux.HandleFunc("POST /api/graphs/{id}/run", s.handleRunGraph)
	mux.HandleFunc("POST /api/graphs/{id}/run-async", s.handleRunGraphAsync)
	mux.HandleFunc("GET /api/graphs/{id}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/graphs/{id}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{schedule_id}", s.handleDeleteSchedule)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{run_id}/stream", s.handleStreamRun)
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
