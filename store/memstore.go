package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/stepflow-labs/stepflow"
)

// MemStore is an in-memory store implementation. Records are kept in
// insertion order for graphs and reverse insertion order for run
// listings.
type MemStore struct {
	mu         sync.RWMutex
	graphs     map[string]GraphRecord
	graphOrder []string
	runs       map[string]stepflow.RunRecord
	runOrder   []string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		graphs: make(map[string]GraphRecord),
		runs:   make(map[string]stepflow.RunRecord),
	}
}

// SaveGraph stores a new graph record.
func (s *MemStore) SaveGraph(_ context.Context, rec GraphRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.graphs[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrGraphExists, rec.ID)
	}
	s.graphs[rec.ID] = rec
	s.graphOrder = append(s.graphOrder, rec.ID)
	return nil
}

// GetGraph returns a graph record by id.
func (s *MemStore) GetGraph(_ context.Context, id string) (GraphRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.graphs[id]
	if !ok {
		return GraphRecord{}, fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}
	return rec, nil
}

// ListGraphs returns all graph records in insertion order.
func (s *MemStore) ListGraphs(_ context.Context) ([]GraphRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GraphRecord, 0, len(s.graphOrder))
	for _, id := range s.graphOrder {
		out = append(out, s.graphs[id])
	}
	return out, nil
}

// DeleteGraph removes a graph record.
func (s *MemStore) DeleteGraph(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}
	delete(s.graphs, id)
	for i, gid := range s.graphOrder {
		if gid == id {
			s.graphOrder = append(s.graphOrder[:i], s.graphOrder[i+1:]...)
			break
		}
	}
	return nil
}

// SaveRun stores a run record, overwriting any existing record with the
// same id.
func (s *MemStore) SaveRun(_ context.Context, rec stepflow.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[rec.RunID]; !exists {
		s.runOrder = append(s.runOrder, rec.RunID)
	}
	s.runs[rec.RunID] = rec
	return nil
}

// GetRun returns a run record by id.
func (s *MemStore) GetRun(_ context.Context, id string) (stepflow.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return stepflow.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rec, nil
}

// UpdateRun overwrites a stored run record.
func (s *MemStore) UpdateRun(_ context.Context, rec stepflow.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, rec.RunID)
	}
	s.runs[rec.RunID] = rec
	return nil
}

// ListRuns returns run records, newest first, filtered by graph id when
// graphID is non-empty.
func (s *MemStore) ListRuns(_ context.Context, graphID string) ([]stepflow.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stepflow.RunRecord, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		rec := s.runs[s.runOrder[i]]
		if graphID != "" && rec.GraphID != graphID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteRunsForGraph removes all runs belonging to a graph.
func (s *MemStore) DeleteRunsForGraph(_ context.Context, graphID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.runOrder[:0]
	for _, id := range s.runOrder {
		if s.runs[id].GraphID == graphID {
			delete(s.runs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.runOrder = kept
	return nil
}

// Stats summarizes store contents.
func (s *MemStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Graphs:       len(s.graphs),
		Runs:         len(s.runs),
		RunsByStatus: make(map[string]int),
	}
	for _, rec := range s.runs {
		st.RunsByStatus[string(rec.Status)]++
	}
	return st, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
