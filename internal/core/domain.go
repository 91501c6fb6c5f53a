package core

import (
	"errors"
	"strings"
	"time"
)

const (
	PhaseDrafting         Phase = "drafting"
	PhaseInforming        Phase = "informing"
	PhaseAccepting        Phase = "accepting"
	PhaseReviewing        Phase = "reviewing"
	PhaseSelecting        Phase = "selecting"
	PhaseBalloting        Phase = "balloting"
	PhaseReviewingBallots Phase = "reviewing_ballots"
	PhaseFinished         Phase = "finished"
)

const (
	VotingStyleApproval VotingStyle = "approval"
	VotingStyleKnapsack VotingStyle = "knapsack"
)

// Winner is the tri-state outcome flag of an investment.
const (
	WinnerUndecided   Winner = ""
	WinnerSelected    Winner = "selected"
	WinnerNotSelected Winner = "not_selected"
)

type (
	Phase       string
	VotingStyle string
	Winner      string

	Budget struct {
		ID             int64
		Name           string
		Slug           string
		CurrencySymbol string
		Phase          Phase
		Published      bool
		VotingStyle    VotingStyle
		CreatedAt      time.Time
	}

	Group struct {
		ID                 int64
		BudgetID           int64
		Name               string
		Slug               string
		MaxVotableHeadings int
	}

	Heading struct {
		ID         int64
		GroupID    int64
		BudgetID   int64
		Name       string
		Amount     Money // monetary cap
		Population int64
		Generation int64 // fencing token of the latest scheduled calculation
	}

	Investment struct {
		ID        int64
		HeadingID int64
		Title     string
		Cost      Money
		Winner    Winner
		CreatedAt time.Time
	}

	Ballot struct {
		ID            int64
		HeadingID     int64
		VoterID       string
		InvestmentIDs []int64 // in the order the voter ranked them
		CreatedAt     time.Time
	}

	// HeadingSnapshot is everything one calculation reads, taken in a single
	// consistent read.
	HeadingSnapshot struct {
		Budget      Budget
		Heading     Heading
		Investments []Investment
		Ballots     []Ballot
	}
)

// phaseOrder is the lifecycle of a budget. Transitions only move forward.
var phaseOrder = []Phase{
	PhaseDrafting,
	PhaseInforming,
	PhaseAccepting,
	PhaseReviewing,
	PhaseSelecting,
	PhaseBalloting,
	PhaseReviewingBallots,
	PhaseFinished,
}

var (
	ErrEmptyName          = errors.New("empty name")
	ErrInvalidPhase       = errors.New("invalid phase")
	ErrInvalidVotingStyle = errors.New("invalid voting style")
	ErrInvalidMaxVotable  = errors.New("max votable headings must be at least 1")
	ErrEmptyVoter         = errors.New("empty voter id")
	ErrEmptyBallot        = errors.New("ballot has no investments")
	ErrDuplicateSelection = errors.New("ballot selects the same investment twice")
)

// Phases returns the lifecycle phases in order.
func Phases() []Phase {
	return append([]Phase(nil), phaseOrder...)
}

// Index returns the position of the phase in the lifecycle, or -1.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) IsValid() bool {
	return p.Index() >= 0
}

// AtLeast reports whether p is the same phase as other or a later one.
func (p Phase) AtLeast(other Phase) bool {
	return p.IsValid() && other.IsValid() && p.Index() >= other.Index()
}

// CanTransitionTo reports whether moving from p to next keeps the lifecycle monotonic.
func (p Phase) CanTransitionTo(next Phase) bool {
	return next.IsValid() && next.Index() >= p.Index()
}

func (s VotingStyle) IsValid() bool {
	switch s {
	case VotingStyleApproval, VotingStyleKnapsack:
		return true
	default:
		return false
	}
}

// BallotingProcess reports whether winners may be calculated: the budget is in
// balloting or any later phase.
func (b Budget) BallotingProcess() bool {
	return b.Phase.AtLeast(PhaseBalloting)
}

// Finished reports whether the budget has closed.
func (b Budget) Finished() bool {
	return b.Phase == PhaseFinished
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return ErrEmptyName
	}
	if len(b.Name) > 200 {
		return errors.New("name too long (max 200 characters)")
	}
	if !b.Phase.IsValid() {
		return ErrInvalidPhase
	}
	if !b.VotingStyle.IsValid() {
		return ErrInvalidVotingStyle
	}
	if strings.TrimSpace(b.CurrencySymbol) == "" {
		return errors.New("empty currency symbol")
	}
	return nil
}

func (g Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return ErrEmptyName
	}
	if g.MaxVotableHeadings < 1 {
		return ErrInvalidMaxVotable
	}
	return nil
}

func (h Heading) Validate() error {
	if strings.TrimSpace(h.Name) == "" {
		return ErrEmptyName
	}
	if h.Amount.Cents < 0 {
		return ErrInvalidAmount
	}
	if h.Population < 0 {
		return errors.New("population cannot be negative")
	}
	return nil
}

func (i Investment) Validate() error {
	if strings.TrimSpace(i.Title) == "" {
		return ErrEmptyName
	}
	if len(i.Title) > 200 {
		return errors.New("title too long (max 200 characters)")
	}
	return i.Cost.Validate()
}

func (b Ballot) Validate() error {
	if strings.TrimSpace(b.VoterID) == "" {
		return ErrEmptyVoter
	}
	if len(b.InvestmentIDs) == 0 {
		return ErrEmptyBallot
	}
	seen := make(map[int64]struct{}, len(b.InvestmentIDs))
	for _, id := range b.InvestmentIDs {
		if _, dup := seen[id]; dup {
			return ErrDuplicateSelection
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Slugify derives a URL slug from a name.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
