package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"participa/internal/core"
	"participa/internal/ports"
)

var timeNow = time.Now

// WinnersStore is the persistence the calculation trigger needs.
type WinnersStore interface {
	GetBudget(ctx context.Context, id int64) (core.Budget, error)
	ListHeadings(ctx context.Context, budgetID int64) ([]core.Heading, error)
	ports.RunStore
}

// CalculateOptions tunes a calculation trigger.
type CalculateOptions struct {
	// Force recalculates even when the budget has not reached balloting.
	Force bool
}

// HeadingFailure reports a heading whose calculation could not be scheduled.
type HeadingFailure struct {
	HeadingID int64  `json:"heading_id"`
	RunID     string `json:"run_id,omitempty"`
	Error     string `json:"error"`
}

// ScheduleReport is what the trigger returns: which runs were handed off,
// never their outcome.
type ScheduleReport struct {
	BudgetID int64                 `json:"budget_id"`
	Runs     []core.CalculationRun `json:"runs"`
	Failures []HeadingFailure      `json:"failures,omitempty"`
}

// WinnersService fans a budget's winner calculation out to one unit of work
// per heading.
type WinnersService struct {
	store     WinnersStore
	scheduler ports.Scheduler
}

func NewWinnersService(store WinnersStore, scheduler ports.Scheduler) *WinnersService {
	return &WinnersService{store: store, scheduler: scheduler}
}

// CalculateWinners schedules a calculation for every heading of the budget.
// It fails with core.ErrInvalidState when the budget has not reached
// balloting, unless forced. A heading that cannot be scheduled is marked
// failed and reported; the other headings are still scheduled.
func (s *WinnersService) CalculateWinners(ctx context.Context, budgetID int64, opts CalculateOptions) (ScheduleReport, error) {
	budget, err := s.store.GetBudget(ctx, budgetID)
	if err != nil {
		return ScheduleReport{}, fmt.Errorf("get budget %d: %w", budgetID, err)
	}
	if !opts.Force && !budget.BallotingProcess() {
		return ScheduleReport{}, fmt.Errorf("calculate winners for budget %d in phase %s: %w",
			budgetID, budget.Phase, core.ErrInvalidState)
	}

	headings, err := s.store.ListHeadings(ctx, budgetID)
	if err != nil {
		return ScheduleReport{}, fmt.Errorf("list headings: %w", err)
	}

	report := ScheduleReport{BudgetID: budgetID, Runs: make([]core.CalculationRun, 0, len(headings))}
	for _, h := range headings {
		s.schedule(ctx, &report, budgetID, h.ID, opts.Force)
	}

	slog.InfoContext(ctx, "Winner calculation scheduled",
		"budget_id", budgetID,
		"headings", len(headings),
		"runs", len(report.Runs),
		"failures", len(report.Failures),
		"force", opts.Force)

	return report, nil
}

// RetryFailed schedules a new run for every heading whose latest run failed.
func (s *WinnersService) RetryFailed(ctx context.Context, budgetID int64) (ScheduleReport, error) {
	budget, err := s.store.GetBudget(ctx, budgetID)
	if err != nil {
		return ScheduleReport{}, fmt.Errorf("get budget %d: %w", budgetID, err)
	}

	runs, err := s.store.ListRuns(ctx, budgetID)
	if err != nil {
		return ScheduleReport{}, fmt.Errorf("list runs: %w", err)
	}

	latest := make(map[int64]core.CalculationRun)
	for _, run := range runs {
		if prev, ok := latest[run.HeadingID]; !ok || run.Generation > prev.Generation {
			latest[run.HeadingID] = run
		}
	}

	report := ScheduleReport{BudgetID: budget.ID, Runs: []core.CalculationRun{}}
	for _, run := range runs {
		if latest[run.HeadingID].RunID != run.RunID || run.Status != core.RunFailed {
			continue
		}
		s.schedule(ctx, &report, budget.ID, run.HeadingID, run.Force)
	}

	slog.InfoContext(ctx, "Failed heading calculations rescheduled",
		"budget_id", budgetID,
		"rescheduled", len(report.Runs))

	return report, nil
}

func (s *WinnersService) schedule(ctx context.Context, report *ScheduleReport, budgetID, headingID int64, force bool) {
	run, err := s.store.RegisterRun(ctx, budgetID, headingID, force)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register heading calculation",
			"budget_id", budgetID,
			"heading_id", headingID,
			"error", err)
		report.Failures = append(report.Failures, HeadingFailure{HeadingID: headingID, Error: err.Error()})
		return
	}
	report.Runs = append(report.Runs, run)

	if err := s.scheduler.Schedule(ctx, run.Job()); err != nil {
		slog.ErrorContext(ctx, "Failed to schedule heading calculation",
			"run_id", run.RunID,
			"heading_id", headingID,
			"error", err)
		if ferr := s.store.FinishRun(ctx, run.RunID, core.RunFailed, err.Error()); ferr != nil {
			slog.ErrorContext(ctx, "Failed to mark run as failed", "run_id", run.RunID, "error", ferr)
		}
		report.Failures = append(report.Failures, HeadingFailure{HeadingID: headingID, RunID: run.RunID, Error: err.Error()})
	}
}
