package ports

import (
	"context"
	"time"

	"participa/internal/core"
)

// BudgetFilter selects budgets in the admin index.
type BudgetFilter string

const (
	FilterAll      BudgetFilter = "all"
	FilterOpen     BudgetFilter = "open"
	FilterFinished BudgetFilter = "finished"
)

// Ports between the winner-calculation core and its collaborators.
type (
	// SnapshotReader loads everything a heading calculation needs in one consistent read.
	SnapshotReader interface {
		HeadingSnapshot(ctx context.Context, headingID int64) (core.HeadingSnapshot, error)
	}

	// ResultRecorder atomically replaces a heading's result and winner flags.
	// It returns core.ErrConcurrentRunConflict when the result's generation is stale.
	ResultRecorder interface {
		ReplaceResult(ctx context.Context, result core.Result) error
	}

	ResultReader interface {
		GetResult(ctx context.Context, headingID int64) (core.Result, error)
	}

	// RunStore tracks the operator-visible status of calculation runs.
	RunStore interface {
		// RegisterRun bumps the heading's generation and records a scheduled run.
		RegisterRun(ctx context.Context, budgetID, headingID int64, force bool) (core.CalculationRun, error)
		// StartRun marks a run as running and counts the attempt.
		StartRun(ctx context.Context, runID string) (core.CalculationRun, error)
		FinishRun(ctx context.Context, runID string, status core.RunStatus, lastErr string) error
		GetRun(ctx context.Context, runID string) (core.CalculationRun, error)
		ListRuns(ctx context.Context, budgetID int64) ([]core.CalculationRun, error)
		// PendingRuns returns runs still scheduled or running that were scheduled before the cutoff.
		PendingRuns(ctx context.Context, scheduledBefore time.Time) ([]core.CalculationRun, error)
	}

	AdminStore interface {
		CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error)
		GetBudget(ctx context.Context, id int64) (core.Budget, error)
		GetBudgetBySlug(ctx context.Context, slug string) (core.Budget, error)
		ListBudgets(ctx context.Context, filter BudgetFilter, limit, offset int) ([]core.Budget, error)
		UpdateBudget(ctx context.Context, b core.Budget) error
		// DeleteBudget fails with core.ErrBudgetHasInvestments while any investment exists.
		DeleteBudget(ctx context.Context, id int64) error

		CreateGroup(ctx context.Context, g core.Group) (core.Group, error)
		GetGroup(ctx context.Context, budgetID, groupID int64) (core.Group, error)
		GetGroupBySlug(ctx context.Context, budgetID int64, slug string) (core.Group, error)
		ListGroups(ctx context.Context, budgetID int64) ([]core.Group, error)
		UpdateGroup(ctx context.Context, g core.Group) error
		// DeleteGroup fails with core.ErrGroupHasHeadings while the group owns headings.
		DeleteGroup(ctx context.Context, budgetID, groupID int64) error

		CreateHeading(ctx context.Context, h core.Heading) (core.Heading, error)
		GetHeading(ctx context.Context, id int64) (core.Heading, error)
		ListHeadings(ctx context.Context, budgetID int64) ([]core.Heading, error)
		ListGroupHeadings(ctx context.Context, groupID int64) ([]core.Heading, error)

		CreateInvestment(ctx context.Context, inv core.Investment) (core.Investment, error)
		ListInvestments(ctx context.Context, headingID int64) ([]core.Investment, error)

		// CastBallot stores the voter's ballot for a heading, replacing any earlier one.
		CastBallot(ctx context.Context, b core.Ballot) (core.Ballot, error)
		// CountVoterHeadings counts the other headings of a group the voter has a ballot in.
		CountVoterHeadings(ctx context.Context, groupID int64, voterID string, exceptHeadingID int64) (int, error)
	}

	// Store is the full persistence surface used by the binaries.
	Store interface {
		SnapshotReader
		ResultRecorder
		ResultReader
		RunStore
		AdminStore
		Close() error
	}

	// Scheduler hands a calculation off to run independently of the caller.
	Scheduler interface {
		Schedule(ctx context.Context, job core.CalculationJob) error
	}

	// ResultPublisher exports recorded results to an external audience.
	ResultPublisher interface {
		PublishResult(ctx context.Context, budget core.Budget, heading core.Heading, result core.Result) error
	}
)
