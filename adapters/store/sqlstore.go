package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates the SQLite index at path, creating the parent
// directory and applying the schema.
func Open(path string) (*SqlStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	return open(path)
}

// OpenMemory opens an in-memory SQLite index for testing.
func OpenMemory() (*SqlStore, error) {
	return open(":memory:")
}

func open(dsn string) (*SqlStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SqlStore{db: db}, nil
}

func (s *SqlStore) Close() error { return s.db.Close() }

func (s *SqlStore) UpsertRun(r *RunSummary) error {
	_, err := s.db.Exec(
		`INSERT INTO runs(run_id, scope_slug, status, signal, exit_status, iterations, residual, started_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   scope_slug=excluded.scope_slug, status=excluded.status, signal=excluded.signal,
		   exit_status=excluded.exit_status, iterations=excluded.iterations,
		   residual=excluded.residual, started_at=excluded.started_at, updated_at=excluded.updated_at`,
		r.RunID, r.ScopeSlug, r.Status, r.Signal, r.ExitStatus, r.Iterations, r.Residual, r.StartedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", r.RunID, err)
	}
	return nil
}

func (s *SqlStore) GetRun(runID string) (*RunSummary, error) {
	rows, err := s.db.Query(
		`SELECT run_id, scope_slug, status, signal, exit_status, iterations, residual, started_at, updated_at
		 FROM runs WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRun(rows)
}

func (s *SqlStore) ListRuns(slug string) ([]*RunSummary, error) {
	query := `SELECT run_id, scope_slug, status, signal, exit_status, iterations, residual, started_at, updated_at
	          FROM runs`
	var args []any
	if slug != "" {
		query += ` WHERE scope_slug = ?`
		args = append(args, slug)
	}
	query += ` ORDER BY updated_at DESC, run_id DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(rows *sql.Rows) (*RunSummary, error) {
	var r RunSummary
	if err := rows.Scan(&r.RunID, &r.ScopeSlug, &r.Status, &r.Signal, &r.ExitStatus,
		&r.Iterations, &r.Residual, &r.StartedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

func (s *SqlStore) UpsertIteration(it *IterationSummary) error {
	_, err := s.db.Exec(
		`INSERT INTO iterations(run_id, iteration, reported_findings, new_findings, fixed, deferred, dropped, validation_result, commit_hash, status)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, iteration) DO UPDATE SET
		   reported_findings=excluded.reported_findings, new_findings=excluded.new_findings,
		   fixed=excluded.fixed, deferred=excluded.deferred, dropped=excluded.dropped,
		   validation_result=excluded.validation_result, commit_hash=excluded.commit_hash,
		   status=excluded.status`,
		it.RunID, it.Iteration, it.ReportedFindings, it.NewFindings, it.Fixed,
		it.Deferred, it.Dropped, it.ValidationResult, it.CommitHash, it.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert iteration %s/%d: %w", it.RunID, it.Iteration, err)
	}
	return nil
}

func (s *SqlStore) ListIterations(runID string) ([]*IterationSummary, error) {
	rows, err := s.db.Query(
		`SELECT run_id, iteration, reported_findings, new_findings, fixed, deferred, dropped, validation_result, commit_hash, status
		 FROM iterations WHERE run_id = ? ORDER BY iteration`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()
	var out []*IterationSummary
	for rows.Next() {
		var it IterationSummary
		if err := rows.Scan(&it.RunID, &it.Iteration, &it.ReportedFindings, &it.NewFindings,
			&it.Fixed, &it.Deferred, &it.Dropped, &it.ValidationResult, &it.CommitHash, &it.Status); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

var _ Store = (*SqlStore)(nil)
