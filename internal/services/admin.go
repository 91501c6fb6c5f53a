package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"participa/internal/core"
	"participa/internal/ports"
)

// BudgetsPerPage is the admin index page size.
const BudgetsPerPage = 25

const defaultCurrencySymbol = "€"

// AdminStore is the persistence behind the administrative operations.
type AdminStore interface {
	ports.AdminStore
	ports.ResultReader
	ListRuns(ctx context.Context, budgetID int64) ([]core.CalculationRun, error)
}

type (
	BudgetInput struct {
		Name           string
		CurrencySymbol string
		VotingStyle    core.VotingStyle
	}

	// BudgetPatch changes the fields that are set.
	BudgetPatch struct {
		Name           *string
		CurrencySymbol *string
		VotingStyle    *core.VotingStyle
		Phase          *core.Phase
	}

	GroupInput struct {
		Name               string
		MaxVotableHeadings int
	}

	HeadingInput struct {
		Name       string
		Amount     core.Money
		Population int64
	}

	InvestmentInput struct {
		Title string
		Cost  core.Money
	}
)

// AdminService is the administrative layer that feeds the winner
// calculation: budgets, groups, headings, investments and ballots.
type AdminService struct {
	store AdminStore
}

func NewAdminService(store AdminStore) *AdminService {
	return &AdminService{store: store}
}

// CreateBudget creates an unpublished budget in the drafting phase.
func (s *AdminService) CreateBudget(ctx context.Context, in BudgetInput) (core.Budget, error) {
	b := core.Budget{
		Name:           strings.TrimSpace(in.Name),
		CurrencySymbol: strings.TrimSpace(in.CurrencySymbol),
		Phase:          core.PhaseDrafting,
		VotingStyle:    in.VotingStyle,
		CreatedAt:      timeNow().UTC(),
	}
	if b.CurrencySymbol == "" {
		b.CurrencySymbol = defaultCurrencySymbol
	}
	if b.VotingStyle == "" {
		b.VotingStyle = core.VotingStyleApproval
	}
	b.Slug = core.Slugify(b.Name)
	if err := b.Validate(); err != nil {
		return core.Budget{}, core.Invalid("budget", err)
	}

	created, err := s.store.CreateBudget(ctx, b)
	if err != nil {
		return core.Budget{}, fmt.Errorf("create budget: %w", err)
	}
	slog.InfoContext(ctx, "Budget created", "budget_id", created.ID, "voting_style", created.VotingStyle)
	return created, nil
}

// ListBudgets returns one page (1-based) of budgets, newest first.
func (s *AdminService) ListBudgets(ctx context.Context, filter ports.BudgetFilter, page int) ([]core.Budget, error) {
	switch filter {
	case "":
		filter = ports.FilterAll
	case ports.FilterAll, ports.FilterOpen, ports.FilterFinished:
	default:
		return nil, core.Invalid("filter", fmt.Errorf("unknown budget filter %q", filter))
	}
	if page < 1 {
		page = 1
	}
	return s.store.ListBudgets(ctx, filter, BudgetsPerPage, (page-1)*BudgetsPerPage)
}

func (s *AdminService) GetBudget(ctx context.Context, id int64) (core.Budget, error) {
	return s.store.GetBudget(ctx, id)
}

// ResolveBudget finds a budget by numeric id or, failing that, by slug.
func (s *AdminService) ResolveBudget(ctx context.Context, ref string) (core.Budget, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return s.store.GetBudget(ctx, id)
	}
	if ref == "" {
		return core.Budget{}, core.Invalid("budget", errors.New("empty budget reference"))
	}
	return s.store.GetBudgetBySlug(ctx, ref)
}

// BudgetSummary returns the budget with the sum of heading caps per group.
func (s *AdminService) BudgetSummary(ctx context.Context, id int64) (core.BudgetSummary, error) {
	b, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return core.BudgetSummary{}, err
	}
	groups, err := s.store.ListGroups(ctx, id)
	if err != nil {
		return core.BudgetSummary{}, fmt.Errorf("list groups: %w", err)
	}
	headings, err := s.store.ListHeadings(ctx, id)
	if err != nil {
		return core.BudgetSummary{}, fmt.Errorf("list headings: %w", err)
	}
	return core.Summarize(b, groups, headings), nil
}

// UpdateBudget applies a patch. The phase may only move forward.
func (s *AdminService) UpdateBudget(ctx context.Context, id int64, patch BudgetPatch) (core.Budget, error) {
	b, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return core.Budget{}, err
	}
	if patch.Name != nil {
		b.Name = strings.TrimSpace(*patch.Name)
		b.Slug = core.Slugify(b.Name)
	}
	if patch.CurrencySymbol != nil {
		b.CurrencySymbol = strings.TrimSpace(*patch.CurrencySymbol)
	}
	if patch.VotingStyle != nil {
		b.VotingStyle = *patch.VotingStyle
	}
	if patch.Phase != nil && *patch.Phase != b.Phase {
		if !b.Phase.CanTransitionTo(*patch.Phase) {
			return core.Budget{}, fmt.Errorf("move budget %d from %s to %s: %w",
				id, b.Phase, *patch.Phase, core.ErrInvalidState)
		}
		slog.InfoContext(ctx, "Budget phase changed", "budget_id", id, "from", b.Phase, "to", *patch.Phase)
		b.Phase = *patch.Phase
	}
	if err := b.Validate(); err != nil {
		return core.Budget{}, core.Invalid("budget", err)
	}
	if err := s.store.UpdateBudget(ctx, b); err != nil {
		return core.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	return b, nil
}

func (s *AdminService) PublishBudget(ctx context.Context, id int64) (core.Budget, error) {
	b, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return core.Budget{}, err
	}
	if b.Published {
		return b, nil
	}
	b.Published = true
	if err := s.store.UpdateBudget(ctx, b); err != nil {
		return core.Budget{}, fmt.Errorf("publish budget: %w", err)
	}
	slog.InfoContext(ctx, "Budget published", "budget_id", id)
	return b, nil
}

func (s *AdminService) DeleteBudget(ctx context.Context, id int64) error {
	if err := s.store.DeleteBudget(ctx, id); err != nil {
		return fmt.Errorf("delete budget %d: %w", id, err)
	}
	slog.InfoContext(ctx, "Budget deleted", "budget_id", id)
	return nil
}

func (s *AdminService) CreateGroup(ctx context.Context, budgetID int64, in GroupInput) (core.Group, error) {
	if _, err := s.store.GetBudget(ctx, budgetID); err != nil {
		return core.Group{}, err
	}
	g := core.Group{
		BudgetID:           budgetID,
		Name:               strings.TrimSpace(in.Name),
		MaxVotableHeadings: in.MaxVotableHeadings,
	}
	if g.MaxVotableHeadings == 0 {
		g.MaxVotableHeadings = 1
	}
	g.Slug = core.Slugify(g.Name)
	if err := g.Validate(); err != nil {
		return core.Group{}, core.Invalid("group", err)
	}
	return s.store.CreateGroup(ctx, g)
}

// ResolveGroup finds a group of the budget by numeric id or by slug.
func (s *AdminService) ResolveGroup(ctx context.Context, budgetID int64, ref string) (core.Group, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return s.store.GetGroup(ctx, budgetID, id)
	}
	if ref == "" {
		return core.Group{}, core.Invalid("group", errors.New("empty group reference"))
	}
	return s.store.GetGroupBySlug(ctx, budgetID, ref)
}

func (s *AdminService) ListGroups(ctx context.Context, budgetID int64) ([]core.Group, error) {
	return s.store.ListGroups(ctx, budgetID)
}

func (s *AdminService) UpdateGroup(ctx context.Context, budgetID, groupID int64, in GroupInput) (core.Group, error) {
	g, err := s.store.GetGroup(ctx, budgetID, groupID)
	if err != nil {
		return core.Group{}, err
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		g.Name = name
		g.Slug = core.Slugify(name)
	}
	if in.MaxVotableHeadings != 0 {
		g.MaxVotableHeadings = in.MaxVotableHeadings
	}
	if err := g.Validate(); err != nil {
		return core.Group{}, core.Invalid("group", err)
	}
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return core.Group{}, fmt.Errorf("update group: %w", err)
	}
	return g, nil
}

func (s *AdminService) DeleteGroup(ctx context.Context, budgetID, groupID int64) error {
	if err := s.store.DeleteGroup(ctx, budgetID, groupID); err != nil {
		return fmt.Errorf("delete group %d: %w", groupID, err)
	}
	return nil
}

func (s *AdminService) CreateHeading(ctx context.Context, budgetID, groupID int64, in HeadingInput) (core.Heading, error) {
	if _, err := s.store.GetGroup(ctx, budgetID, groupID); err != nil {
		return core.Heading{}, err
	}
	h := core.Heading{
		GroupID:    groupID,
		BudgetID:   budgetID,
		Name:       strings.TrimSpace(in.Name),
		Amount:     in.Amount,
		Population: in.Population,
	}
	if err := h.Validate(); err != nil {
		return core.Heading{}, core.Invalid("heading", err)
	}
	return s.store.CreateHeading(ctx, h)
}

func (s *AdminService) ListGroupHeadings(ctx context.Context, budgetID, groupID int64) ([]core.Heading, error) {
	if _, err := s.store.GetGroup(ctx, budgetID, groupID); err != nil {
		return nil, err
	}
	return s.store.ListGroupHeadings(ctx, groupID)
}

func (s *AdminService) CreateInvestment(ctx context.Context, headingID int64, in InvestmentInput) (core.Investment, error) {
	if _, err := s.store.GetHeading(ctx, headingID); err != nil {
		return core.Investment{}, err
	}
	inv := core.Investment{
		HeadingID: headingID,
		Title:     strings.TrimSpace(in.Title),
		Cost:      in.Cost,
		CreatedAt: timeNow().UTC(),
	}
	if err := inv.Validate(); err != nil {
		return core.Investment{}, core.Invalid("investment", err)
	}
	return s.store.CreateInvestment(ctx, inv)
}

// ListInvestments returns the heading's investments, only the selected ones
// when winnersOnly is set.
func (s *AdminService) ListInvestments(ctx context.Context, headingID int64, winnersOnly bool) ([]core.Investment, error) {
	if _, err := s.store.GetHeading(ctx, headingID); err != nil {
		return nil, err
	}
	all, err := s.store.ListInvestments(ctx, headingID)
	if err != nil {
		return nil, err
	}
	if !winnersOnly {
		return all, nil
	}
	winners := make([]core.Investment, 0, len(all))
	for _, inv := range all {
		if inv.Winner == core.WinnerSelected {
			winners = append(winners, inv)
		}
	}
	return winners, nil
}

// CastBallot records a voter's selection for a heading, replacing any
// earlier ballot of the same voter. Ballots are only accepted while the
// budget is balloting, must reference investments of the heading and, for
// knapsack budgets, must not cost more than the heading cap. A voter may
// hold ballots in at most the group's MaxVotableHeadings headings.
func (s *AdminService) CastBallot(ctx context.Context, headingID int64, voterID string, investmentIDs []int64) (core.Ballot, error) {
	heading, err := s.store.GetHeading(ctx, headingID)
	if err != nil {
		return core.Ballot{}, err
	}
	budget, err := s.store.GetBudget(ctx, heading.BudgetID)
	if err != nil {
		return core.Ballot{}, err
	}
	if budget.Phase != core.PhaseBalloting {
		return core.Ballot{}, fmt.Errorf("cast ballot in phase %s: %w", budget.Phase, core.ErrInvalidState)
	}

	ballot := core.Ballot{
		HeadingID:     headingID,
		VoterID:       strings.TrimSpace(voterID),
		InvestmentIDs: investmentIDs,
		CreatedAt:     timeNow().UTC(),
	}
	if err := ballot.Validate(); err != nil {
		return core.Ballot{}, core.Invalid("ballot", err)
	}

	investments, err := s.store.ListInvestments(ctx, headingID)
	if err != nil {
		return core.Ballot{}, fmt.Errorf("list investments: %w", err)
	}
	costs := make(map[int64]core.Money, len(investments))
	for _, inv := range investments {
		costs[inv.ID] = inv.Cost
	}
	var total core.Money
	for _, id := range investmentIDs {
		cost, ok := costs[id]
		if !ok {
			return core.Ballot{}, core.Invalid("ballot", fmt.Errorf("investment %d does not belong to heading %d", id, headingID))
		}
		total = total.Add(cost)
	}
	if budget.VotingStyle == core.VotingStyleKnapsack && total.Cents > heading.Amount.Cents {
		return core.Ballot{}, core.Invalid("ballot", fmt.Errorf("costs %d over heading cap %d: %w",
			total.Cents, heading.Amount.Cents, core.ErrBallotOverCap))
	}

	group, err := s.store.GetGroup(ctx, heading.BudgetID, heading.GroupID)
	if err != nil {
		return core.Ballot{}, err
	}
	others, err := s.store.CountVoterHeadings(ctx, group.ID, ballot.VoterID, headingID)
	if err != nil {
		return core.Ballot{}, err
	}
	if others+1 > group.MaxVotableHeadings {
		return core.Ballot{}, core.Invalid("ballot", fmt.Errorf("voter already supports %d headings of group %d, maximum is %d",
			others, group.ID, group.MaxVotableHeadings))
	}

	return s.store.CastBallot(ctx, ballot)
}

func (s *AdminService) GetResult(ctx context.Context, headingID int64) (core.Result, error) {
	return s.store.GetResult(ctx, headingID)
}

func (s *AdminService) ListRuns(ctx context.Context, budgetID int64) ([]core.CalculationRun, error) {
	if _, err := s.store.GetBudget(ctx, budgetID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, budgetID)
}
