// Package store is the SQLite run ledger: one row per training run, its
// per-epoch metrics and its evaluation reports.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"opgcnn/internal/evaluate"
)

// ErrNotFound is returned for an unknown run ID.
var ErrNotFound = errors.New("store: run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped" // early stopping fired
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// overallFacet keys the overall metrics row of an evaluation.
const overallFacet = ""

// Run is one training run.
type Run struct {
	ID           string
	Status       string
	StartedAt    time.Time
	FinishedAt   time.Time // zero while running
	Seed         int64
	Config       string // YAML snapshot
	Epochs       int
	BestEpoch    int
	StoppedEpoch int
	FinalLoss    float64
	ModelPath    string
}

// Outcome is what FinishRun records.
type Outcome struct {
	Status       string
	FinishedAt   time.Time
	Epochs       int
	BestEpoch    int
	StoppedEpoch int
	FinalLoss    float64
	ModelPath    string
}

// EpochRecord holds the logged metrics of one epoch.
type EpochRecord struct {
	Epoch   int
	Metrics map[string]float64
}

// Store wraps the ledger database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		seed INTEGER NOT NULL,
		config TEXT,
		epochs INTEGER DEFAULT 0,
		best_epoch INTEGER DEFAULT -1,
		stopped_epoch INTEGER DEFAULT -1,
		final_loss REAL DEFAULT 0,
		model_path TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	epochsTable := `
	CREATE TABLE IF NOT EXISTS epoch_metrics (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL,
		PRIMARY KEY (run_id, epoch, name)
	);
	`

	evaluationsTable := `
	CREATE TABLE IF NOT EXISTS evaluations (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		split TEXT NOT NULL,
		facet TEXT NOT NULL,
		position INTEGER NOT NULL,
		n INTEGER NOT NULL,
		r2 REAL, rmse REAL, mae REAL, bias REAL, mse REAL,
		PRIMARY KEY (run_id, split, facet)
	);
	`

	for _, stmt := range []string{"PRAGMA foreign_keys = ON;", runsTable, epochsTable, evaluationsTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, v.String)
}

// CreateRun inserts r with status running. An empty ID is filled with a new
// UUID; the ID is returned.
func (s *Store) CreateRun(ctx context.Context, r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at, seed, config) VALUES (?, ?, ?, ?, ?)`,
		r.ID, StatusRunning, formatTime(r.StartedAt), r.Seed, r.Config,
	)
	if err != nil {
		return "", fmt.Errorf("store: create run: %w", err)
	}
	return r.ID, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id string, o Outcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, epochs = ?, best_epoch = ?, stopped_epoch = ?,
		 final_loss = ?, model_path = ? WHERE id = ?`,
		o.Status, formatTime(o.FinishedAt), o.Epochs, o.BestEpoch, o.StoppedEpoch, o.FinalLoss, o.ModelPath, id,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordEpoch stores the metrics logged for one 0-based epoch.
func (s *Store) RecordEpoch(ctx context.Context, id string, epoch int, metrics map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: record epoch: %w", err)
	}
	defer tx.Rollback()

	for name, v := range metrics {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO epoch_metrics (run_id, epoch, name, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(run_id, epoch, name) DO UPDATE SET value = excluded.value`,
			id, epoch, name, v,
		); err != nil {
			return fmt.Errorf("store: record epoch %d of %s: %w", epoch, id, err)
		}
	}
	return tx.Commit()
}

// RecordEvaluation stores a report for one split, replacing any earlier one.
func (s *Store) RecordEvaluation(ctx context.Context, id, split string, r *evaluate.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: record evaluation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM evaluations WHERE run_id = ? AND split = ?`, id, split); err != nil {
		return fmt.Errorf("store: record evaluation: %w", err)
	}
	insert := func(facet string, pos int, m evaluate.Metrics) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO evaluations (run_id, split, facet, position, n, r2, rmse, mae, bias, mse)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, split, facet, pos, m.N, m.R2, m.RMSE, m.MAE, m.Bias, m.MSE,
		)
		return err
	}
	if err := insert(overallFacet, -1, r.Overall); err != nil {
		return fmt.Errorf("store: record evaluation: %w", err)
	}
	for i, f := range r.Facets {
		if err := insert(f.Facet, i, f.Metrics); err != nil {
			return fmt.Errorf("store: record evaluation facet %s: %w", f.Facet, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, status, started_at, finished_at, seed, config, epochs, best_epoch, stopped_epoch, final_loss, model_path`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r                 Run
		started, finished sql.NullString
		config            sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Status, &started, &finished, &r.Seed, &config,
		&r.Epochs, &r.BestEpoch, &r.StoppedEpoch, &r.FinalLoss, &r.ModelPath); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("store: run %s started_at: %w", r.ID, err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return nil, fmt.Errorf("store: run %s finished_at: %w", r.ID, err)
	}
	r.Config = config.String
	return &r, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list runs: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Epochs returns the recorded epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, id string) ([]EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, name, value FROM epoch_metrics WHERE run_id = ? ORDER BY epoch, name`, id)
	if err != nil {
		return nil, fmt.Errorf("store: epochs: %w", err)
	}
	defer rows.Close()

	byEpoch := map[int]map[string]float64{}
	for rows.Next() {
		var (
			epoch int
			name  string
			value sql.NullFloat64
		)
		if err := rows.Scan(&epoch, &name, &value); err != nil {
			return nil, fmt.Errorf("store: epochs: %w", err)
		}
		if byEpoch[epoch] == nil {
			byEpoch[epoch] = map[string]float64{}
		}
		byEpoch[epoch][name] = math.NaN()
		if value.Valid {
			byEpoch[epoch][name] = value.Float64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]EpochRecord, 0, len(byEpoch))
	for e, m := range byEpoch {
		out = append(out, EpochRecord{Epoch: e, Metrics: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

// Evaluation loads the report recorded for a split.
func (s *Store) Evaluation(ctx context.Context, id, split string) (*evaluate.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT facet, n, r2, rmse, mae, bias, mse FROM evaluations
		 WHERE run_id = ? AND split = ? ORDER BY position`, id, split)
	if err != nil {
		return nil, fmt.Errorf("store: evaluation: %w", err)
	}
	defer rows.Close()

	var (
		r     evaluate.Report
		found bool
	)
	for rows.Next() {
		var (
			facet string
			m     evaluate.Metrics
		)
		if err := rows.Scan(&facet, &m.N, &m.R2, &m.RMSE, &m.MAE, &m.Bias, &m.MSE); err != nil {
			return nil, fmt.Errorf("store: evaluation: %w", err)
		}
		found = true
		if facet == overallFacet {
			r.Overall = m
			continue
		}
		r.Facets = append(r.Facets, evaluate.FacetMetrics{Facet: facet, Metrics: m})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no %s evaluation for %s", ErrNotFound, split, id)
	}
	return &r, nil
}
