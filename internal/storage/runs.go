package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"stageci/internal/core"
	"stageci/internal/logfields"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one row of the run history.
type RunRecord struct {
	ID         string        `json:"id"`
	Pipeline   string        `json:"pipeline"`
	Outcome    core.Outcome  `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Stages     []StageRecord `json:"stages,omitempty"`
	Result     *core.Result  `json:"result,omitempty"`
}

// StageRecord is the stored outcome of one stage.
type StageRecord struct {
	Index      int          `json:"index"`
	Name       string       `json:"name"`
	Outcome    core.Outcome `json:"outcome"`
	DurationMS int64        `json:"durationMs"`
}

// ListOptions pages through the history, newest first.
type ListOptions struct {
	Limit  int
	Offset int
}

// RunStore is a SQLite run history. It receives engine events as core.Hooks.
type RunStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ core.Hooks = (*RunStore)(nil)

// OpenRunStore opens (and creates) the history database at dbPath.
func OpenRunStore(dbPath string, logger *slog.Logger) (*RunStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &RunStore{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *RunStore) Close() error { return s.db.Close() }

func (s *RunStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			result TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS stage_results (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, idx),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Enqueue records a submitted run that has not started yet.
func (s *RunStore) Enqueue(ctx context.Context, id, pipeline string) error {
	query := `INSERT INTO runs (id, pipeline, outcome, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, pipeline, string(core.OutcomePending), s.now()); err != nil {
		return fmt.Errorf("failed to enqueue run: %w", err)
	}
	return nil
}

func (s *RunStore) markStarted(ctx context.Context, run *core.Result) error {
	query := `INSERT INTO runs (id, pipeline, outcome, created_at, started_at) VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, started_at = excluded.started_at`
	_, err := s.db.ExecContext(ctx, query, run.RunID, run.Pipeline, string(core.OutcomeRunning), s.now(), run.Started)
	return err
}

const upsertStage = `INSERT INTO stage_results (run_id, idx, name, outcome, duration_ms) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(run_id, idx) DO UPDATE SET outcome = excluded.outcome, duration_ms = excluded.duration_ms`

func stageDuration(st core.StageResult) int64 {
	if st.Started.IsZero() || st.Finished.IsZero() {
		return 0
	}
	return st.Finished.Sub(st.Started).Milliseconds()
}

func (s *RunStore) saveStage(ctx context.Context, runID string, idx int, st core.StageResult) error {
	_, err := s.db.ExecContext(ctx, upsertStage, runID, idx, st.Name, string(st.Outcome), stageDuration(st))
	return err
}

// Finish stores the final result of a run, including stages that never ran.
func (s *RunStore) Finish(ctx context.Context, run *core.Result) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO runs (id, pipeline, outcome, error, result, created_at, started_at, finished_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, error = excluded.error,
	          result = excluded.result, finished_at = excluded.finished_at`
	if _, err := tx.ExecContext(ctx, query, run.RunID, run.Pipeline, string(run.Outcome), run.Error, string(data),
		s.now(), run.Started, run.Finished); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	for i, st := range run.Stages {
		if _, err := tx.ExecContext(ctx, upsertStage, run.RunID, i, st.Name, string(st.Outcome), stageDuration(st)); err != nil {
			return fmt.Errorf("failed to store stage %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

// Get returns one run with its stages and full result.
func (s *RunStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	query := `SELECT id, pipeline, outcome, error, result, created_at, started_at, finished_at
	          FROM runs WHERE id = ?`
	rec, resultJSON, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if resultJSON.Valid {
		var res core.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		rec.Result = &res
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, name, outcome, duration_ms FROM stage_results WHERE run_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st StageRecord
		var outcome string
		if err := rows.Scan(&st.Index, &st.Name, &outcome, &st.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		st.Outcome = core.Outcome(outcome)
		rec.Stages = append(rec.Stages, st)
	}
	return rec, rows.Err()
}

// List returns runs newest first, without stage details.
func (s *RunStore) List(ctx context.Context, opts ListOptions) ([]*RunRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, pipeline, outcome, error, NULL, created_at, started_at, finished_at
	          FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, _, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, sql.NullString, error) {
	var (
		rec        RunRecord
		outcome    string
		resultJSON sql.NullString
		started    sql.NullTime
		finished   sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Pipeline, &outcome, &rec.Error, &resultJSON,
		&rec.CreatedAt, &started, &finished); err != nil {
		return nil, resultJSON, err
	}
	rec.Outcome = core.Outcome(outcome)
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	return &rec, resultJSON, nil
}

// PipelineStarted implements core.Hooks.
func (s *RunStore) PipelineStarted(ctx context.Context, run *core.Result) {
	if err := s.markStarted(ctx, run); err != nil {
		s.logger.Warn("Failed to record run start", logfields.RunID(run.RunID), logfields.Error(err))
	}
}

// StageStarted implements core.Hooks.
func (s *RunStore) StageStarted(context.Context, *core.Result, string) {}

// StepFinished implements core.Hooks.
func (s *RunStore) StepFinished(context.Context, *core.Result, string, core.StepResult) {}

// StageFinished implements core.Hooks.
func (s *RunStore) StageFinished(ctx context.Context, run *core.Result, stage core.StageResult) {
	for i := range run.Stages {
		if run.Stages[i].Name != stage.Name {
			continue
		}
		if err := s.saveStage(context.WithoutCancel(ctx), run.RunID, i, stage); err != nil {
			s.logger.Warn("Failed to record stage", logfields.RunID(run.RunID), logfields.Stage(stage.Name), logfields.Error(err))
		}
		return
	}
}

// PipelineFinished implements core.Hooks.
func (s *RunStore) PipelineFinished(ctx context.Context, run *core.Result) {
	if err := s.Finish(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("Failed to record run result", logfields.RunID(run.RunID), logfields.Error(err))
	}
}
