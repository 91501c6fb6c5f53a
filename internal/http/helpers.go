package http

import (
	"time"

	"participa/internal/core"
)

// JSON shapes of the admin API. Amounts are sent both as cents and formatted.

type budgetView struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	CurrencySymbol string    `json:"currency_symbol"`
	Phase          string    `json:"phase"`
	Published      bool      `json:"published"`
	VotingStyle    string    `json:"voting_style"`
	CreatedAt      time.Time `json:"created_at"`
}

type groupTotalView struct {
	GroupID     int64  `json:"group_id"`
	Name        string `json:"name"`
	Headings    int    `json:"headings"`
	AmountCents int64  `json:"amount_cents"`
	Amount      string `json:"amount"`
}

type budgetSummaryView struct {
	budgetView
	Groups     []groupTotalView `json:"groups"`
	TotalCents int64            `json:"total_cents"`
	Total      string           `json:"total"`
}

type groupView struct {
	ID                 int64  `json:"id"`
	BudgetID           int64  `json:"budget_id"`
	Name               string `json:"name"`
	Slug               string `json:"slug"`
	MaxVotableHeadings int    `json:"max_votable_headings"`
}

type headingView struct {
	ID          int64  `json:"id"`
	GroupID     int64  `json:"group_id"`
	BudgetID    int64  `json:"budget_id"`
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Population  int64  `json:"population,omitempty"`
}

type investmentView struct {
	ID        int64     `json:"id"`
	HeadingID int64     `json:"heading_id"`
	Title     string    `json:"title"`
	CostCents int64     `json:"cost_cents"`
	Winner    string    `json:"winner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ballotView struct {
	ID            int64     `json:"id"`
	HeadingID     int64     `json:"heading_id"`
	VoterID       string    `json:"voter_id"`
	InvestmentIDs []int64   `json:"investment_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

type resultView struct {
	BudgetID       int64             `json:"budget_id"`
	HeadingID      int64             `json:"heading_id"`
	RunID          string            `json:"run_id"`
	Generation     int64             `json:"generation"`
	VotingStyle    string            `json:"voting_style"`
	CapCents       int64             `json:"cap_cents"`
	SpentCents     int64             `json:"spent_cents"`
	RemainingCents int64             `json:"remaining_cents"`
	Approximate    bool              `json:"approximate"`
	Checksum       string            `json:"checksum"`
	CalculatedAt   time.Time         `json:"calculated_at"`
	Winners        []int64           `json:"winners"`
	Lines          []core.ResultLine `json:"lines"`
}

type runView struct {
	RunID       string     `json:"run_id"`
	BudgetID    int64      `json:"budget_id"`
	HeadingID   int64      `json:"heading_id"`
	Generation  int64      `json:"generation"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	Force       bool       `json:"force,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func toBudgetView(b core.Budget) budgetView {
	return budgetView{
		ID:             b.ID,
		Name:           b.Name,
		Slug:           b.Slug,
		CurrencySymbol: b.CurrencySymbol,
		Phase:          string(b.Phase),
		Published:      b.Published,
		VotingStyle:    string(b.VotingStyle),
		CreatedAt:      b.CreatedAt,
	}
}

func toBudgetSummaryView(s core.BudgetSummary) budgetSummaryView {
	v := budgetSummaryView{
		budgetView: toBudgetView(s.Budget),
		Groups:     make([]groupTotalView, 0, len(s.Groups)),
		TotalCents: s.Total.Cents,
		Total:      s.Total.Format(s.Budget.CurrencySymbol),
	}
	for _, g := range s.Groups {
		v.Groups = append(v.Groups, groupTotalView{
			GroupID:     g.GroupID,
			Name:        g.Name,
			Headings:    g.Headings,
			AmountCents: g.Amount.Cents,
			Amount:      g.Amount.Format(s.Budget.CurrencySymbol),
		})
	}
	return v
}

func toGroupView(g core.Group) groupView {
	return groupView{
		ID:                 g.ID,
		BudgetID:           g.BudgetID,
		Name:               g.Name,
		Slug:               g.Slug,
		MaxVotableHeadings: g.MaxVotableHeadings,
	}
}

func toHeadingView(h core.Heading) headingView {
	return headingView{
		ID:          h.ID,
		GroupID:     h.GroupID,
		BudgetID:    h.BudgetID,
		Name:        h.Name,
		AmountCents: h.Amount.Cents,
		Population:  h.Population,
	}
}

func toInvestmentView(inv core.Investment) investmentView {
	return investmentView{
		ID:        inv.ID,
		HeadingID: inv.HeadingID,
		Title:     inv.Title,
		CostCents: inv.Cost.Cents,
		Winner:    string(inv.Winner),
		CreatedAt: inv.CreatedAt,
	}
}

func toBallotView(b core.Ballot) ballotView {
	return ballotView{
		ID:            b.ID,
		HeadingID:     b.HeadingID,
		VoterID:       b.VoterID,
		InvestmentIDs: b.InvestmentIDs,
		CreatedAt:     b.CreatedAt,
	}
}

func toResultView(r core.Result) resultView {
	winners := r.SelectedIDs()
	if winners == nil {
		winners = []int64{}
	}
	lines := r.Lines
	if lines == nil {
		lines = []core.ResultLine{}
	}
	return resultView{
		BudgetID:       r.BudgetID,
		HeadingID:      r.HeadingID,
		RunID:          r.RunID,
		Generation:     r.Generation,
		VotingStyle:    string(r.VotingStyle),
		CapCents:       r.Cap.Cents,
		SpentCents:     r.Spent.Cents,
		RemainingCents: r.Remaining.Cents,
		Approximate:    r.Approximate,
		Checksum:       r.Checksum,
		CalculatedAt:   r.CalculatedAt,
		Winners:        winners,
		Lines:          lines,
	}
}

func toRunView(run core.CalculationRun) runView {
	return runView{
		RunID:       run.RunID,
		BudgetID:    run.BudgetID,
		HeadingID:   run.HeadingID,
		Generation:  run.Generation,
		Status:      string(run.Status),
		Attempts:    run.Attempts,
		LastError:   run.LastError,
		Force:       run.Force,
		ScheduledAt: run.ScheduledAt,
		StartedAt:   optionalTime(run.StartedAt),
		FinishedAt:  optionalTime(run.FinishedAt),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// mapViews converts a slice with fn, never returning nil so lists encode as [].
func mapViews[T, V any](items []T, fn func(T) V) []V {
	views := make([]V, 0, len(items))
	for _, item := range items {
		views = append(views, fn(item))
	}
	return views
}
