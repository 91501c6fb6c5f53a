package core

import (
	"time"

	"github.com/google/uuid"
)

const (
	ReasonExceedsCap   UnselectedReason = "exceeds_cap"
	ReasonDoesNotFit   UnselectedReason = "does_not_fit"
	ReasonNotInOptimum UnselectedReason = "not_in_optimum"
)

const (
	RunScheduled  RunStatus = "scheduled"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunSuperseded RunStatus = "superseded"
	RunAbandoned  RunStatus = "abandoned"
)

type (
	UnselectedReason string
	RunStatus        string

	// Candidate is an investment as seen by a voting strategy.
	Candidate struct {
		InvestmentID int64
		Cost         Money
		Support      int64
		CreatedAt    time.Time
	}

	ResultLine struct {
		InvestmentID int64            `json:"investment_id"`
		Rank         int              `json:"rank"`
		CostCents    int64            `json:"cost_cents"`
		Support      int64            `json:"support"`
		Selected     bool             `json:"selected"`
		Reason       UnselectedReason `json:"reason,omitempty"`
	}

	// Allocation is the pure outcome of selecting winners for one heading.
	Allocation struct {
		VotingStyle VotingStyle
		Cap         Money
		Lines       []ResultLine // ranked, rank 1 first
		Spent       Money
		Remaining   Money
		Approximate bool
		Checksum    string
	}

	// Result is an Allocation recorded for a heading by a specific run.
	Result struct {
		Allocation
		BudgetID     int64
		HeadingID    int64
		RunID        string
		Generation   int64
		CalculatedAt time.Time
	}

	CalculationJob struct {
		RunID      string
		BudgetID   int64
		HeadingID  int64
		Generation int64
		Force      bool
	}

	CalculationRun struct {
		RunID       string
		BudgetID    int64
		HeadingID   int64
		Generation  int64
		Status      RunStatus
		Attempts    int
		LastError   string
		Force       bool
		ScheduledAt time.Time
		StartedAt   time.Time
		FinishedAt  time.Time
	}
)

// NewRunID returns a fresh identifier for a calculation run.
func NewRunID() string {
	return uuid.NewString()
}

// SelectedIDs returns the winning investment ids in rank order.
func (a Allocation) SelectedIDs() []int64 {
	var ids []int64
	for _, line := range a.Lines {
		if line.Selected {
			ids = append(ids, line.InvestmentID)
		}
	}
	return ids
}

// Job returns the unit of work that executes this run.
func (r CalculationRun) Job() CalculationJob {
	return CalculationJob{
		RunID:      r.RunID,
		BudgetID:   r.BudgetID,
		HeadingID:  r.HeadingID,
		Generation: r.Generation,
		Force:      r.Force,
	}
}

// Terminal reports whether the run will not change status again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunSuperseded, RunAbandoned:
		return true
	default:
		return false
	}
}
