package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"participa/internal/core"
	"participa/internal/ports"
	"participa/internal/scheduler"
)

// RunnerStore is the persistence the calculation pipeline needs.
type RunnerStore interface {
	ports.SnapshotReader
	ports.ResultRecorder
	ports.RunStore
}

// RunnerConfig holds configuration for the calculation runner
type RunnerConfig struct {
	Retry    scheduler.RetryPolicy
	Strategy StrategyOptions
}

// DefaultRunnerConfig returns sensible defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Retry:    scheduler.DefaultRetryPolicy(),
		Strategy: StrategyOptions{KnapsackMaxUnits: DefaultKnapsackMaxUnits},
	}
}

// Runner executes one heading's aggregate, rank, select and record pipeline
// as a single unit. Runs of the same heading are serialized in-process; the
// recorder's generation check serializes them across processes.
type Runner struct {
	store     RunnerStore
	publisher ports.ResultPublisher
	allocator *Allocator
	config    RunnerConfig
	locks     headingLocks
}

// NewRunner creates a runner. publisher may be nil.
func NewRunner(store RunnerStore, publisher ports.ResultPublisher, config RunnerConfig) *Runner {
	return &Runner{
		store:     store,
		publisher: publisher,
		allocator: NewAllocator(config.Strategy),
		config:    config,
		locks:     headingLocks{locks: make(map[int64]*headingLock)},
	}
}

// Execute runs the job with the retry policy and records a terminal status.
// When ctx is cancelled mid-retry the run is left pending for recovery.
func (r *Runner) Execute(ctx context.Context, job core.CalculationJob) error {
	err := scheduler.Retry(ctx, r.config.Retry, func(ctx context.Context) error {
		return r.Run(ctx, job)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && core.IsRetryable(err) {
		slog.WarnContext(ctx, "Heading calculation interrupted, left for recovery",
			"run_id", job.RunID,
			"heading_id", job.HeadingID,
			"error", err)
		return err
	}

	if ferr := r.store.FinishRun(context.WithoutCancel(ctx), job.RunID, core.RunFailed, err.Error()); ferr != nil {
		slog.ErrorContext(ctx, "Failed to mark run as failed",
			"run_id", job.RunID,
			"error", ferr)
	}
	slog.ErrorContext(ctx, "Heading calculation failed",
		"run_id", job.RunID,
		"budget_id", job.BudgetID,
		"heading_id", job.HeadingID,
		"generation", job.Generation,
		"error", err)
	return err
}

// Run performs a single attempt. Infrastructure errors come back wrapped as
// transient; domain errors are returned as is.
func (r *Runner) Run(ctx context.Context, job core.CalculationJob) error {
	unlock := r.locks.lock(job.HeadingID)
	defer unlock()

	run, err := r.store.StartRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("start run %s: %w", job.RunID, err)
		}
		return core.Transient(fmt.Errorf("start run %s: %w", job.RunID, err))
	}
	if run.Status.Terminal() {
		slog.InfoContext(ctx, "Run already finished, skipping",
			"run_id", job.RunID,
			"status", run.Status)
		return nil
	}

	snap, err := r.store.HeadingSnapshot(ctx, job.HeadingID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("load heading snapshot: %w", err)
		}
		return core.Transient(fmt.Errorf("load heading snapshot: %w", err))
	}

	if !job.Force && !snap.Budget.BallotingProcess() {
		slog.InfoContext(ctx, "Budget left the balloting phase, abandoning run",
			"run_id", job.RunID,
			"heading_id", job.HeadingID,
			"phase", snap.Budget.Phase)
		return r.finish(ctx, job, core.RunAbandoned, "budget phase "+string(snap.Budget.Phase))
	}
	if snap.Heading.Generation > job.Generation {
		slog.InfoContext(ctx, "Newer calculation scheduled, superseding run",
			"run_id", job.RunID,
			"heading_id", job.HeadingID,
			"generation", job.Generation,
			"current_generation", snap.Heading.Generation)
		return r.finish(ctx, job, core.RunSuperseded, core.ErrConcurrentRunConflict.Error())
	}

	// From here on the pipeline completes or fails as a whole.
	ctx = context.WithoutCancel(ctx)

	result, err := r.calculate(ctx, job, snap)
	if err != nil {
		return err
	}

	if err := r.store.ReplaceResult(ctx, result); err != nil {
		if errors.Is(err, core.ErrConcurrentRunConflict) {
			slog.InfoContext(ctx, "Stale result discarded",
				"run_id", job.RunID,
				"heading_id", job.HeadingID,
				"generation", job.Generation)
			return r.finish(ctx, job, core.RunSuperseded, err.Error())
		}
		return core.Transient(fmt.Errorf("record result: %w", err))
	}

	if err := r.finish(ctx, job, core.RunCompleted, ""); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Heading calculation completed",
		"run_id", job.RunID,
		"budget_id", job.BudgetID,
		"heading_id", job.HeadingID,
		"voting_style", result.VotingStyle,
		"cap_cents", result.Cap.Cents,
		"spent_cents", result.Spent.Cents,
		"winners", len(result.SelectedIDs()),
		"approximate", result.Approximate)

	r.publish(ctx, snap, result)
	return nil
}

func (r *Runner) calculate(ctx context.Context, job core.CalculationJob, snap core.HeadingSnapshot) (core.Result, error) {
	candidates, err := Aggregate(ctx, snap, AggregateOptions{Force: true})
	if err != nil {
		return core.Result{}, err
	}
	alloc, err := r.allocator.Allocate(snap.Budget.VotingStyle, snap.Heading.Amount, candidates)
	if err != nil {
		return core.Result{}, fmt.Errorf("allocate heading %d: %w", snap.Heading.ID, err)
	}
	return core.Result{
		Allocation:   alloc,
		BudgetID:     snap.Budget.ID,
		HeadingID:    snap.Heading.ID,
		RunID:        job.RunID,
		Generation:   job.Generation,
		CalculatedAt: timeNow().UTC(),
	}, nil
}

func (r *Runner) finish(ctx context.Context, job core.CalculationJob, status core.RunStatus, reason string) error {
	if err := r.store.FinishRun(ctx, job.RunID, status, reason); err != nil {
		return core.Transient(fmt.Errorf("finish run %s as %s: %w", job.RunID, status, err))
	}
	return nil
}

// publish exports the result. Export failures never fail the run.
func (r *Runner) publish(ctx context.Context, snap core.HeadingSnapshot, result core.Result) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishResult(ctx, snap.Budget, snap.Heading, result); err != nil {
		slog.WarnContext(ctx, "Failed to publish heading result",
			"heading_id", result.HeadingID,
			"run_id", result.RunID,
			"error", err)
	}
}

type headingLock struct {
	mu   sync.Mutex
	refs int
}

// headingLocks is a keyed mutex. Entries are removed once nobody holds or
// waits for them.
type headingLocks struct {
	mu    sync.Mutex
	locks map[int64]*headingLock
}

func (l *headingLocks) lock(headingID int64) func() {
	l.mu.Lock()
	hl, ok := l.locks[headingID]
	if !ok {
		hl = &headingLock{}
		l.locks[headingID] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, headingID)
		}
		l.mu.Unlock()
	}
}
