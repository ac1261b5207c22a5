// Package store persists graph definitions and run records. The Store
// interface is a flat key-based contract with no transactional
// guarantees; updates are last-write-wins. Two implementations are
// provided: an in-memory store for tests and ephemeral servers, and a
// SQLite-backed store for durable deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stepflow-labs/stepflow"
)

// Sentinel errors for store operations.
var (
	ErrGraphExists   = errors.New("graph already exists")
	ErrGraphNotFound = errors.New("graph not found")
	ErrRunNotFound   = errors.New("run not found")
)

// GraphRecord is a stored graph definition.
type GraphRecord struct {
	ID         string                   `json:"id"`
	Definition stepflow.GraphDefinition `json:"definition"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// GraphStore provides CRUD operations for graph records.
type GraphStore interface {
	SaveGraph(ctx context.Context, rec GraphRecord) error
	GetGraph(ctx context.Context, id string) (GraphRecord, error)
	ListGraphs(ctx context.Context) ([]GraphRecord, error)
	DeleteGraph(ctx context.Context, id string) error
}

// RunStore provides persistence for run records.
type RunStore interface {
	SaveRun(ctx context.Context, rec stepflow.RunRecord) error
	GetRun(ctx context.Context, id string) (stepflow.RunRecord, error)
	// UpdateRun overwrites a stored run record, last-write-wins.
	UpdateRun(ctx context.Context, rec stepflow.RunRecord) error
	// ListRuns returns runs, optionally filtered by graph id when
	// graphID is non-empty. Newest first.
	ListRuns(ctx context.Context, graphID string) ([]stepflow.RunRecord, error)
	DeleteRunsForGraph(ctx context.Context, graphID string) error
}

// Stats summarizes store contents.
type Stats struct {
	Graphs       int            `json:"graphs"`
	Runs         int            `json:"runs"`
	RunsByStatus map[string]int `json:"runs_by_status"`
}

// Store combines graph and run persistence.
type Store interface {
	GraphStore
	RunStore
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
