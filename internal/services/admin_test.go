package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"participa/internal/core"
	"participa/internal/ports"
	"participa/internal/storage/memory"
	"participa/internal/storage/storetest"
)

func ptr[T any](v T) *T { return &v }

func TestAdminService_CreateBudget(t *testing.T) {
	tests := []struct {
		name    string
		input   BudgetInput
		wantErr bool
	}{
		{
			name:  "defaults",
			input: BudgetInput{Name: "  Presupuestos 2026 "},
		},
		{
			name:  "knapsack",
			input: BudgetInput{Name: "Knapsack", CurrencySymbol: "$", VotingStyle: core.VotingStyleKnapsack},
		},
		{
			name:    "empty name",
			input:   BudgetInput{Name: "   "},
			wantErr: true,
		},
		{
			name:    "unknown style",
			input:   BudgetInput{Name: "Lottery", VotingStyle: "lottery"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewAdminService(memory.New())
			b, err := svc.CreateBudget(context.Background(), tt.input)
			if tt.wantErr {
				if !errors.Is(err, core.ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateBudget failed: %v", err)
			}
			if b.Phase != core.PhaseDrafting || b.Published {
				t.Errorf("new budget should be an unpublished draft: %+v", b)
			}
			if b.CurrencySymbol == "" || b.VotingStyle == "" || b.Slug == "" {
				t.Errorf("defaults not applied: %+v", b)
			}
		})
	}
}

func TestAdminService_PhaseIsMonotonic(t *testing.T) {
	ctx := context.Background()
	svc := NewAdminService(memory.New())
	b, err := svc.CreateBudget(ctx, BudgetInput{Name: "Budget"})
	if err != nil {
		t.Fatalf("CreateBudget failed: %v", err)
	}

	b, err = svc.UpdateBudget(ctx, b.ID, BudgetPatch{Phase: ptr(core.PhaseBalloting)})
	if err != nil {
		t.Fatalf("advance phase: %v", err)
	}
	if b.Phase != core.PhaseBalloting {
		t.Errorf("phase = %s, want balloting", b.Phase)
	}

	if _, err := svc.UpdateBudget(ctx, b.ID, BudgetPatch{Phase: ptr(core.PhaseAccepting)}); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("moving back should fail with ErrInvalidState, got %v", err)
	}
	if _, err := svc.UpdateBudget(ctx, b.ID, BudgetPatch{Phase: ptr(core.Phase("voting"))}); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("unknown phase should fail with ErrInvalidState, got %v", err)
	}

	renamed, err := svc.UpdateBudget(ctx, b.ID, BudgetPatch{Name: ptr("Renamed Budget")})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Slug != "renamed-budget" || renamed.Phase != core.PhaseBalloting {
		t.Errorf("unexpected budget after rename: %+v", renamed)
	}
}

func TestAdminService_PublishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewAdminService(memory.New())
	b, _ := svc.CreateBudget(ctx, BudgetInput{Name: "Budget"})

	for i := 0; i < 2; i++ {
		got, err := svc.PublishBudget(ctx, b.ID)
		if err != nil {
			t.Fatalf("PublishBudget #%d failed: %v", i+1, err)
		}
		if !got.Published {
			t.Errorf("budget not published")
		}
	}
}

func TestAdminService_ListBudgetsPagination(t *testing.T) {
	ctx := context.Background()
	svc := NewAdminService(memory.New())
	for i := 0; i < BudgetsPerPage+3; i++ {
		if _, err := svc.CreateBudget(ctx, BudgetInput{Name: fmt.Sprintf("Budget %d", i)}); err != nil {
			t.Fatalf("CreateBudget failed: %v", err)
		}
	}

	first, err := svc.ListBudgets(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListBudgets failed: %v", err)
	}
	second, err := svc.ListBudgets(ctx, ports.FilterOpen, 2)
	if err != nil {
		t.Fatalf("ListBudgets failed: %v", err)
	}
	if len(first) != BudgetsPerPage || len(second) != 3 {
		t.Errorf("pages = %d/%d, want %d/3", len(first), len(second), BudgetsPerPage)
	}

	if _, err := svc.ListBudgets(ctx, "archived", 1); !errors.Is(err, core.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown filter, got %v", err)
	}
}

func TestAdminService_GroupsAndSummary(t *testing.T) {
	ctx := context.Background()
	svc := NewAdminService(memory.New())
	b, _ := svc.CreateBudget(ctx, BudgetInput{Name: "Budget"})

	districts, err := svc.CreateGroup(ctx, b.ID, GroupInput{Name: "Districts"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if districts.MaxVotableHeadings != 1 {
		t.Errorf("MaxVotableHeadings = %d, want default 1", districts.MaxVotableHeadings)
	}
	city, _ := svc.CreateGroup(ctx, b.ID, GroupInput{Name: "City", MaxVotableHeadings: 2})

	for _, in := range []HeadingInput{
		{Name: "Centro", Amount: core.Money{Cents: 1000}},
		{Name: "Norte", Amount: core.Money{Cents: 2500}},
	} {
		if _, err := svc.CreateHeading(ctx, b.ID, districts.ID, in); err != nil {
			t.Fatalf("CreateHeading failed: %v", err)
		}
	}
	if _, err := svc.CreateHeading(ctx, b.ID, city.ID, HeadingInput{Name: "All city", Amount: core.Money{Cents: 500}}); err != nil {
		t.Fatalf("CreateHeading failed: %v", err)
	}
	if _, err := svc.CreateHeading(ctx, b.ID, city.ID, HeadingInput{Name: "Broken", Amount: core.Money{Cents: -1}}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("expected ErrValidation for negative cap, got %v", err)
	}

	summary, err := svc.BudgetSummary(ctx, b.ID)
	if err != nil {
		t.Fatalf("BudgetSummary failed: %v", err)
	}
	if summary.Total.Cents != 4000 || len(summary.Groups) != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Groups[0].Amount.Cents != 3500 || summary.Groups[0].Headings != 2 {
		t.Errorf("districts total = %+v", summary.Groups[0])
	}

	if err := svc.DeleteGroup(ctx, b.ID, districts.ID); !errors.Is(err, core.ErrGroupHasHeadings) {
		t.Errorf("expected ErrGroupHasHeadings, got %v", err)
	}
	if _, err := svc.CreateGroup(ctx, 999999, GroupInput{Name: "Orphan"}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAdminService_CastBallot(t *testing.T) {
	tests := []struct {
		name    string
		phase   core.Phase
		style   core.VotingStyle
		voter   string
		pick    func(f storetest.Fixture) []int64
		wantErr error
	}{
		{
			name:  "approval ballot over the cap is fine",
			phase: core.PhaseBalloting,
			style: core.VotingStyleApproval,
			voter: "ana",
			pick:  func(f storetest.Fixture) []int64 { return []int64{f.Investments[0].ID, f.Investments[1].ID} },
		},
		{
			name:  "knapsack ballot within the cap",
			phase: core.PhaseBalloting,
			style: core.VotingStyleKnapsack,
			voter: "ana",
			pick:  func(f storetest.Fixture) []int64 { return []int64{f.Investments[0].ID, f.Investments[2].ID} },
		},
		{
			name:    "knapsack ballot over the cap",
			phase:   core.PhaseBalloting,
			style:   core.VotingStyleKnapsack,
			voter:   "ana",
			pick:    func(f storetest.Fixture) []int64 { return []int64{f.Investments[0].ID, f.Investments[1].ID} },
			wantErr: core.ErrBallotOverCap,
		},
		{
			name:    "not balloting",
			phase:   core.PhaseReviewingBallots,
			style:   core.VotingStyleApproval,
			voter:   "ana",
			pick:    func(f storetest.Fixture) []int64 { return []int64{f.Investments[0].ID} },
			wantErr: core.ErrInvalidState,
		},
		{
			name:    "investment from another heading",
			phase:   core.PhaseBalloting,
			style:   core.VotingStyleApproval,
			voter:   "ana",
			pick:    func(f storetest.Fixture) []int64 { return []int64{999999} },
			wantErr: core.ErrValidation,
		},
		{
			name:    "duplicate selection",
			phase:   core.PhaseBalloting,
			style:   core.VotingStyleApproval,
			voter:   "ana",
			pick:    func(f storetest.Fixture) []int64 { return []int64{f.Investments[0].ID, f.Investments[0].ID} },
			wantErr: core.ErrDuplicateSelection,
		},
		{
			name:    "missing voter",
			phase:   core.PhaseBalloting,
			style:   core.VotingStyleApproval,
			pick:    func(f storetest.Fixture) []int64 { return []int64{f.Investments[0].ID} },
			wantErr: core.ErrEmptyVoter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			f := storetest.Seed(t, s, tt.phase, tt.style, 1000, 600, 500, 300)

			ballot, err := NewAdminService(s).CastBallot(context.Background(), f.Heading.ID, tt.voter, tt.pick(f))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CastBallot failed: %v", err)
			}
			if ballot.ID == 0 || ballot.VoterID != tt.voter {
				t.Errorf("unexpected ballot: %+v", ballot)
			}
		})
	}
}

func TestAdminService_CastBallotGroupLimit(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	svc := NewAdminService(s)

	second, err := svc.CreateHeading(ctx, f.Budget.ID, f.Group.ID, HeadingInput{Name: "Norte", Amount: core.Money{Cents: 1000}})
	if err != nil {
		t.Fatalf("CreateHeading failed: %v", err)
	}
	inv, err := svc.CreateInvestment(ctx, second.ID, InvestmentInput{Title: "Park", Cost: core.Money{Cents: 400}})
	if err != nil {
		t.Fatalf("CreateInvestment failed: %v", err)
	}

	if _, err := svc.CastBallot(ctx, f.Heading.ID, "ana", []int64{f.Investments[0].ID}); err != nil {
		t.Fatalf("first heading ballot failed: %v", err)
	}
	if _, err := svc.CastBallot(ctx, second.ID, "ana", []int64{inv.ID}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation past max_votable_headings, got %v", err)
	}

	// Replacing a ballot in a heading already voted does not count twice.
	if _, err := svc.CastBallot(ctx, f.Heading.ID, "ana", []int64{f.Investments[0].ID}); err != nil {
		t.Errorf("replacing ballot failed: %v", err)
	}
	if _, err := svc.CastBallot(ctx, second.ID, "bea", []int64{inv.ID}); err != nil {
		t.Errorf("another voter was rejected: %v", err)
	}

	if _, err := svc.UpdateGroup(ctx, f.Budget.ID, f.Group.ID, GroupInput{MaxVotableHeadings: 2}); err != nil {
		t.Fatalf("UpdateGroup failed: %v", err)
	}
	if _, err := svc.CastBallot(ctx, second.ID, "ana", []int64{inv.ID}); err != nil {
		t.Errorf("ballot within the raised limit failed: %v", err)
	}
}

func TestAdminService_ResolveBySlugOrID(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	svc := NewAdminService(s)

	b, err := svc.CreateBudget(ctx, BudgetInput{Name: "Madrid 2026"})
	if err != nil {
		t.Fatalf("CreateBudget failed: %v", err)
	}
	g, err := svc.CreateGroup(ctx, b.ID, GroupInput{Name: "Distritos"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	for _, ref := range []string{fmt.Sprint(b.ID), "madrid-2026", " madrid-2026 "} {
		got, err := svc.ResolveBudget(ctx, ref)
		if err != nil || got.ID != b.ID {
			t.Errorf("ResolveBudget(%q) = %d, %v; want %d", ref, got.ID, err, b.ID)
		}
	}
	for _, ref := range []string{fmt.Sprint(g.ID), "distritos"} {
		got, err := svc.ResolveGroup(ctx, b.ID, ref)
		if err != nil || got.ID != g.ID {
			t.Errorf("ResolveGroup(%q) = %d, %v; want %d", ref, got.ID, err, g.ID)
		}
	}

	if _, err := svc.ResolveBudget(ctx, "barcelona"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.ResolveBudget(ctx, " "); !errors.Is(err, core.ErrValidation) {
		t.Errorf("expected ErrValidation for an empty reference, got %v", err)
	}
	if _, err := svc.ResolveGroup(ctx, b.ID+1000, "distritos"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a group of another budget, got %v", err)
	}
}

func TestAdminService_ListInvestmentsWinnersOnly(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600, 500, 300)
	castSupport(t, s, f, "voter", 10, 8, 5)
	calculate(t, s, f.Budget.ID, NewRunner(s, nil, testRunnerConfig()))

	svc := NewAdminService(s)
	all, err := svc.ListInvestments(ctx, f.Heading.ID, false)
	if err != nil {
		t.Fatalf("ListInvestments failed: %v", err)
	}
	winners, err := svc.ListInvestments(ctx, f.Heading.ID, true)
	if err != nil {
		t.Fatalf("ListInvestments failed: %v", err)
	}
	if len(all) != 3 || len(winners) != 2 {
		t.Errorf("all/winners = %d/%d, want 3/2", len(all), len(winners))
	}
	for _, inv := range winners {
		if inv.Winner != core.WinnerSelected {
			t.Errorf("investment %d is not a winner", inv.ID)
		}
	}

	if _, err := svc.ListInvestments(ctx, 999999, false); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
