package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"participa/internal/core"
)

const runColumns = `run_id, budget_id, heading_id, generation, status, attempts, last_error, forced, scheduled_at, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (core.CalculationRun, error) {
	var (
		run         core.CalculationRun
		forced      int64
		scheduledAt string
		startedAt   sql.NullString
		finishedAt  sql.NullString
	)
	if err := row.Scan(&run.RunID, &run.BudgetID, &run.HeadingID, &run.Generation, &run.Status,
		&run.Attempts, &run.LastError, &forced, &scheduledAt, &startedAt, &finishedAt); err != nil {
		return core.CalculationRun{}, err
	}
	run.Force = forced != 0
	run.ScheduledAt = parseTime(scheduledAt)
	run.StartedAt = parseNullTime(startedAt)
	run.FinishedAt = parseNullTime(finishedAt)
	return run, nil
}

// RegisterRun bumps the heading's generation and records a scheduled run
// carrying it, so any older run of the heading becomes stale.
func (r *SQLiteRepository) RegisterRun(ctx context.Context, budgetID, headingID int64, force bool) (core.CalculationRun, error) {
	run := core.CalculationRun{
		RunID:       core.NewRunID(),
		BudgetID:    budgetID,
		HeadingID:   headingID,
		Status:      core.RunScheduled,
		Force:       force,
		ScheduledAt: r.now().UTC(),
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`UPDATE headings SET generation = generation + 1 WHERE id = ? AND budget_id = ? RETURNING generation`,
			headingID, budgetID).Scan(&run.Generation); err != nil {
			return notFound(err, "heading", headingID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO calculation_runs (run_id, budget_id, heading_id, generation, status, forced, scheduled_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.BudgetID, run.HeadingID, run.Generation, string(run.Status),
			boolInt(run.Force), formatTime(run.ScheduledAt)); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.CalculationRun{}, err
	}
	return run, nil
}

// StartRun marks a pending run as running and counts the attempt. A run
// that already finished is returned unchanged.
func (r *SQLiteRepository) StartRun(ctx context.Context, runID string) (core.CalculationRun, error) {
	var run core.CalculationRun
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			run = current
			return nil
		}
		now := r.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE calculation_runs SET status = ?, attempts = attempts + 1, started_at = ? WHERE run_id = ?`,
			string(core.RunRunning), formatTime(now), runID); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		current.Status = core.RunRunning
		current.Attempts++
		current.StartedAt = now
		run = current
		return nil
	})
	return run, err
}

// FinishRun records a terminal status. Finishing a finished run is a no-op
// so duplicate deliveries cannot rewrite history.
func (r *SQLiteRepository) FinishRun(ctx context.Context, runID string, status core.RunStatus, lastErr string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE calculation_runs SET status = ?, last_error = ?, finished_at = ? WHERE run_id = ?`,
			string(status), lastErr, r.timestamp(), runID); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) GetRun(ctx context.Context, runID string) (core.CalculationRun, error) {
	return getRun(ctx, r.db, runID)
}

func getRun(ctx context.Context, q queryer, runID string) (core.CalculationRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM calculation_runs WHERE run_id = ?`, runID))
	if err != nil {
		return core.CalculationRun{}, notFound(err, "run", runID)
	}
	return run, nil
}

// ListRuns returns the budget's runs, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, budgetID int64) ([]core.CalculationRun, error) {
	return r.listRuns(ctx,
		`SELECT `+runColumns+` FROM calculation_runs WHERE budget_id = ?
		 ORDER BY scheduled_at DESC, heading_id, generation DESC`,
		budgetID)
}

// PendingRuns returns runs still scheduled or running that were scheduled
// at or before the cutoff.
func (r *SQLiteRepository) PendingRuns(ctx context.Context, scheduledBefore time.Time) ([]core.CalculationRun, error) {
	return r.listRuns(ctx,
		`SELECT `+runColumns+` FROM calculation_runs
		 WHERE status IN (?, ?) AND scheduled_at <= ?
		 ORDER BY scheduled_at DESC, heading_id, generation DESC`,
		string(core.RunScheduled), string(core.RunRunning), formatTime(scheduledBefore))
}

func (r *SQLiteRepository) listRuns(ctx context.Context, query string, args ...any) ([]core.CalculationRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []core.CalculationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
