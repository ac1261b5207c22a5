package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stepflow-labs/stepflow"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS graphs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT,
	definition BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	graph_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_node TEXT,
	state BLOB NOT NULL,
	log BLOB NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	error TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_graph ON runs(graph_id);`

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists graphs and runs in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveGraph stores a new graph record.
func (s *SQLiteStore) SaveGraph(ctx context.Context, rec GraphRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("sqlite store marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO graphs (id, name, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Definition.Name, def,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", ErrGraphExists, rec.ID)
		}
		return fmt.Errorf("sqlite store save graph: %w", err)
	}
	return nil
}

// GetGraph returns a graph record by id.
func (s *SQLiteStore) GetGraph(ctx context.Context, id string) (GraphRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, definition, created_at, updated_at
FROM graphs WHERE id = ?`, id)
	rec, err := scanGraph(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GraphRecord{}, fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}
	return rec, err
}

// ListGraphs returns all graph records in insertion order.
func (s *SQLiteStore) ListGraphs(ctx context.Context) ([]GraphRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, definition, created_at, updated_at
FROM graphs ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list graphs: %w", err)
	}
	defer rows.Close()

	var records []GraphRecord
	for rows.Next() {
		rec, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list graphs rows: %w", err)
	}
	return records, nil
}

// DeleteGraph removes a graph record.
func (s *SQLiteStore) DeleteGraph(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM graphs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite store delete graph: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store delete graph: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}
	return nil
}

// SaveRun stores a run record, replacing any existing record with the
// same id.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec stepflow.RunRecord) error {
	state, log, err := marshalRun(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, graph_id, status, current_node, state, log, started_at, completed_at, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	current_node = excluded.current_node,
	state = excluded.state,
	log = excluded.log,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	error = excluded.error`,
		rec.RunID, rec.GraphID, string(rec.Status), rec.CurrentNode,
		state, log,
		formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
		rec.Error, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite store save run: %w", err)
	}
	return nil
}

// GetRun returns a run record by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (stepflow.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, graph_id, status, current_node, state, log, started_at, completed_at, error
FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stepflow.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rec, err
}

// UpdateRun overwrites a stored run record, last-write-wins.
func (s *SQLiteStore) UpdateRun(ctx context.Context, rec stepflow.RunRecord) error {
	state, log, err := marshalRun(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, current_node = ?, state = ?, log = ?, started_at = ?, completed_at = ?, error = ?
WHERE id = ?`,
		string(rec.Status), rec.CurrentNode, state, log,
		formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
		rec.Error, rec.RunID)
	if err != nil {
		return fmt.Errorf("sqlite store update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, rec.RunID)
	}
	return nil
}

// ListRuns returns run records, newest first, filtered by graph id when
// graphID is non-empty.
func (s *SQLiteStore) ListRuns(ctx context.Context, graphID string) ([]stepflow.RunRecord, error) {
	query := `
SELECT id, graph_id, status, current_node, state, log, started_at, completed_at, error
FROM runs`
	var args []any
	if graphID != "" {
		query += " WHERE graph_id = ?"
		args = append(args, graphID)
	}
	query += " ORDER BY seq DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list runs: %w", err)
	}
	defer rows.Close()

	var records []stepflow.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list runs rows: %w", err)
	}
	return records, nil
}

// DeleteRunsForGraph removes all runs belonging to a graph.
func (s *SQLiteStore) DeleteRunsForGraph(ctx context.Context, graphID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE graph_id = ?", graphID)
	if err != nil {
		return fmt.Errorf("sqlite store delete runs: %w", err)
	}
	return nil
}

// Stats summarizes store contents.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{RunsByStatus: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graphs").Scan(&st.Graphs); err != nil {
		return Stats{}, fmt.Errorf("sqlite store stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite store stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("sqlite store stats scan: %w", err)
		}
		st.RunsByStatus[status] = count
		st.Runs += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("sqlite store stats rows: %w", err)
	}
	return st, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGraph(row rowScanner) (GraphRecord, error) {
	var rec GraphRecord
	var def []byte
	var created, updated string
	if err := row.Scan(&rec.ID, &def, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GraphRecord{}, err
		}
		return GraphRecord{}, fmt.Errorf("sqlite store scan graph: %w", err)
	}
	if err := json.Unmarshal(def, &rec.Definition); err != nil {
		return GraphRecord{}, fmt.Errorf("sqlite store decode definition: %w", err)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

func scanRun(row rowScanner) (stepflow.RunRecord, error) {
	var rec stepflow.RunRecord
	var status string
	var currentNode, errMsg sql.NullString
	var state, log []byte
	var started, completed sql.NullString
	err := row.Scan(&rec.RunID, &rec.GraphID, &status, &currentNode,
		&state, &log, &started, &completed, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stepflow.RunRecord{}, err
		}
		return stepflow.RunRecord{}, fmt.Errorf("sqlite store scan run: %w", err)
	}
	rec.Status = stepflow.Status(status)
	rec.CurrentNode = currentNode.String
	rec.Error = errMsg.String
	if err := json.Unmarshal(state, &rec.State); err != nil {
		return stepflow.RunRecord{}, fmt.Errorf("sqlite store decode state: %w", err)
	}
	if err := json.Unmarshal(log, &rec.Log); err != nil {
		return stepflow.RunRecord{}, fmt.Errorf("sqlite store decode log: %w", err)
	}
	if started.Valid && started.String != "" {
		t := parseTime(started.String)
		rec.StartedAt = &t
	}
	if completed.Valid && completed.String != "" {
		t := parseTime(completed.String)
		rec.CompletedAt = &t
	}
	return rec, nil
}

func marshalRun(rec stepflow.RunRecord) (state, log []byte, err error) {
	state, err = json.Marshal(rec.State)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite store marshal state: %w", err)
	}
	if rec.State == nil {
		state = []byte("{}")
	}
	log, err = json.Marshal(rec.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite store marshal log: %w", err)
	}
	if rec.Log == nil {
		log = []byte("[]")
	}
	return state, log, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
