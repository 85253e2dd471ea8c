package tracker

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Pipeline steps that get tracked. The report iterates these in order.
const (
	StepIngest    = "ingest"
	StepReconcile = "reconcile"
)

var Steps = []string{StepIngest, StepReconcile}

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusNoData  = "no_data"
)

// Run is one recorded execution of a pipeline step.
type Run struct {
	ID           int64     `json:"id"`
	RunAt        time.Time `json:"run_at"`
	Step         string    `json:"step"`
	DurationMs   int64     `json:"duration_ms"`
	ItemsIn      int       `json:"items_in"`
	ItemsOut     int       `json:"items_out"`
	ItemsSkipped int       `json:"items_skipped"`
	Status       string    `json:"status"`
}

type Repository interface {
	Record(ctx context.Context, run *Run) error
	LastRuns(ctx context.Context, step string, n int) ([]Run, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Record(ctx context.Context, run *Run) error {
	query := `INSERT INTO pipeline_runs (run_at, step, duration_ms, items_in, items_out, items_skipped, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	return r.db.QueryRowContext(ctx, query,
		run.RunAt, run.Step, run.DurationMs, run.ItemsIn, run.ItemsOut, run.ItemsSkipped, run.Status).Scan(&run.ID)
}

func (r *PostgresRepo) LastRuns(ctx context.Context, step string, n int) ([]Run, error) {
	query := `SELECT id, run_at, step, duration_ms, items_in, items_out, items_skipped, status
		FROM pipeline_runs WHERE step = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, step, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.RunAt, &run.Step, &run.DurationMs,
			&run.ItemsIn, &run.ItemsOut, &run.ItemsSkipped, &run.Status); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Tracker records step executions. Failures to persist a run are logged
// and swallowed: tracking must never fail the pipeline it observes.
type Tracker struct {
	repo Repository
}

func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo}
}

// Span measures one step execution. Call Record before Finish; a span
// finished without data is flagged as such.
type Span struct {
	tracker  *Tracker
	step     string
	started  time.Time
	in       int
	out      int
	skipped  int
	recorded bool
}

func (t *Tracker) Start(step string) *Span {
	slog.Info("starting step", "step", step)
	return &Span{tracker: t, step: step, started: time.Now()}
}

func (s *Span) Record(itemsIn, itemsOut, itemsSkipped int) {
	s.in = itemsIn
	s.out = itemsOut
	s.skipped = itemsSkipped
	s.recorded = true
}

func (s *Span) Finish(ctx context.Context, failed bool) {
	duration := time.Since(s.started)

	status := StatusNoData
	switch {
	case failed:
		status = StatusFailed
	case s.recorded && s.skipped > 0:
		status = StatusPartial
	case s.recorded:
		status = StatusSuccess
	}

	slog.InfoContext(ctx, "step finished",
		"step", s.step, "duration", duration,
		"items_in", s.in, "items_out", s.out, "items_skipped", s.skipped, "status", status)

	run := &Run{
		RunAt:        time.Now().UTC(),
		Step:         s.step,
		DurationMs:   duration.Milliseconds(),
		ItemsIn:      s.in,
		ItemsOut:     s.out,
		ItemsSkipped: s.skipped,
		Status:       status,
	}
	if err := s.tracker.repo.Record(ctx, run); err != nil {
		slog.ErrorContext(ctx, "failed to record pipeline run", "error", err, "step", s.step)
	}
}
