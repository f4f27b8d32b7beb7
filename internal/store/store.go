// Package store is the durable home of evaluation runs and results, backed
// by an embedded SQLite database. All writes are short transactions; readers
// see committed snapshots. Rows are append-mostly: results are superseded by
// new rows rather than destroyed, unless the caller explicitly overwrites.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/tutorbench/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrRunExists is returned when creating a run whose id is already taken.
var ErrRunExists = errors.New("run already exists")

// ErrRunNotFound is returned when a run id does not name a run.
var ErrRunNotFound = errors.New("run not found")

// ErrResultNotFound is returned when a result id does not name a result.
var ErrResultNotFound = errors.New("result not found")

// Store wraps the evaluations database. One Store instance per process;
// cross-process concurrency is readers plus the single current runner.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Path ":memory:" gives an in-process store for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer with short transactions; serialized access keeps
	// modernc's connection pool from interleaving writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			description TEXT,
			total_scenarios INTEGER NOT NULL,
			total_configurations INTEGER NOT NULL,
			total_tests INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			scenario_id TEXT NOT NULL,
			scenario_name TEXT,
			profile_name TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			provider TEXT,
			ego_model TEXT,
			superego_model TEXT,
			temperature REAL,
			max_revision_rounds INTEGER,
			dialogue_id TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			api_calls INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			skip_rubric INTEGER NOT NULL DEFAULT 0,
			dimensions TEXT,
			overall_score REAL,
			base_score REAL,
			recognition_score REAL,
			judge_model TEXT,
			required_passed INTEGER,
			forbidden_absent INTEGER,
			judge_summary TEXT,
			cell_recognition INTEGER,
			cell_tutor_multi INTEGER,
			cell_learner_psycho INTEGER,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS interaction_evals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			result_id INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			kind TEXT NOT NULL,
			score REAL,
			notes TEXT,
			judge_model TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (result_id) REFERENCES results(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_results_key ON results(run_id, scenario_id, profile_name)`,
		`CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return s.ensureQualitativeColumns()
}

// ensureQualitativeColumns adds the nullable qualitative assessment columns
// to databases created before they existed.
func (s *Store) ensureQualitativeColumns() error {
	rows, err := s.db.Query(`PRAGMA table_info(results)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range []string{"qualitative_assessment", "qualitative_blinded"} {
		if !have[col] {
			if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE results ADD COLUMN %s TEXT`, col)); err != nil {
				return fmt.Errorf("add column %s: %w", col, err)
			}
		}
	}
	return nil
}

// CreateRun inserts a new run with status "running". The run id must be
// unused; reinserting an existing id is an error.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	if run.TotalTests == 0 {
		run.TotalTests = run.TotalScenarios * run.TotalConfigurations
	}

	meta, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE run_id = ?`, run.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, description, total_scenarios, total_configurations, total_tests, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Description, run.TotalScenarios, run.TotalConfigurations,
		run.TotalTests, string(run.Status), run.CreatedAt, meta)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, description, total_scenarios, total_configurations, total_tests, status, created_at, completed_at, metadata
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// CompleteRun transitions a run to "completed" and stamps completed_at.
// Idempotent: completing a completed run leaves its original stamp.
func (s *Store) CompleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = COALESCE(completed_at, ?)
		WHERE run_id = ?`,
		string(models.RunStatusCompleted), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// RunUpdate carries the partial fields UpdateRun can change. Nil fields are
// left untouched.
type RunUpdate struct {
	Status      *models.RunStatus
	Description *string
	Metadata    map[string]any
}

// UpdateRun applies a partial update. Status reversion (completed back to
// running) is allowed only through this explicit operation; reverting also
// clears completed_at.
func (s *Store) UpdateRun(ctx context.Context, runID string, upd RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	if upd.Status != nil {
		if *upd.Status == models.RunStatusRunning {
			_, err = tx.ExecContext(ctx,
				`UPDATE runs SET status = ?, completed_at = NULL WHERE run_id = ?`,
				string(*upd.Status), runID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE runs SET status = ? WHERE run_id = ?`, string(*upd.Status), runID)
		}
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
	}
	if upd.Description != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET description = ? WHERE run_id = ?`, *upd.Description, runID); err != nil {
			return fmt.Errorf("update description: %w", err)
		}
	}
	if upd.Metadata != nil {
		meta, err := marshalMetadata(upd.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET metadata = ? WHERE run_id = ?`, meta, runID); err != nil {
			return fmt.Errorf("update metadata: %w", err)
		}
	}
	return tx.Commit()
}

// ListRunsFilter narrows ListRuns.
type ListRunsFilter struct {
	Status models.RunStatus // empty means all
	Limit  int              // 0 means no limit
}

// ListRuns returns runs descending by creation time, each with progress
// aggregates computed from its result rows.
func (s *Store) ListRuns(ctx context.Context, filter ListRunsFilter) ([]*models.RunSummary, error) {
	query := `
		SELECT r.run_id, r.description, r.total_scenarios, r.total_configurations, r.total_tests,
			r.status, r.created_at, r.completed_at, r.metadata,
			(SELECT COUNT(DISTINCT scenario_id || '/' || profile_name) FROM results WHERE run_id = r.run_id AND success = 1),
			(SELECT COUNT(DISTINCT scenario_id || '/' || profile_name) FROM results WHERE run_id = r.run_id AND success = 0),
			(SELECT AVG(overall_score) FROM results WHERE run_id = r.run_id AND success = 1 AND overall_score IS NOT NULL)
		FROM runs r`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE r.status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY r.created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.RunSummary
	for rows.Next() {
		sum := &models.RunSummary{}
		var status, meta string
		var completedAt sql.NullTime
		var avg sql.NullFloat64
		if err := rows.Scan(&sum.ID, &sum.Description, &sum.TotalScenarios, &sum.TotalConfigurations,
			&sum.TotalTests, &status, &sum.CreatedAt, &completedAt, &meta,
			&sum.CompletedTests, &sum.FailedTests, &avg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Status = models.RunStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			sum.CompletedAt = &t
		}
		sum.Metadata = unmarshalMetadata(meta)
		if avg.Valid {
			v := avg.Float64
			sum.AvgScore = &v
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanRun(row *sql.Row) (*models.Run, error) {
	run := &models.Run{}
	var status, meta string
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Description, &run.TotalScenarios, &run.TotalConfigurations,
		&run.TotalTests, &status, &run.CreatedAt, &completedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = models.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Metadata = unmarshalMetadata(meta)
	return run, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}
