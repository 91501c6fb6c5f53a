// Package storetest is a behavioural suite shared by every ports.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"participa/internal/core"
	"participa/internal/ports"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) ports.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ports.Store)
	}{
		{"BudgetLifecycle", testBudgetLifecycle},
		{"ListBudgetsFilterAndPage", testListBudgets},
		{"GroupDeleteGuard", testGroupDeleteGuard},
		{"BudgetDeleteGuard", testBudgetDeleteGuard},
		{"CastBallotReplaces", testCastBallotReplaces},
		{"SlugLookups", testSlugLookups},
		{"CountVoterHeadings", testCountVoterHeadings},
		{"ReplaceResultFlagsWinners", testReplaceResult},
		{"ReplaceResultRejectsStaleGeneration", testReplaceResultFencing},
		{"RunLifecycle", testRunLifecycle},
		{"PendingRuns", testPendingRuns},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// Fixture is a budget with one group, one heading and its investments.
type Fixture struct {
	Budget      core.Budget
	Group       core.Group
	Heading     core.Heading
	Investments []core.Investment
}

// Seed creates a budget in the given phase with a heading capped at capCents
// and one investment per cost, created one second apart.
func Seed(t *testing.T, s ports.Store, phase core.Phase, style core.VotingStyle, capCents int64, costs ...int64) Fixture {
	t.Helper()
	ctx := context.Background()

	b, err := s.CreateBudget(ctx, core.Budget{
		Name:           "Participatory budget",
		Slug:           "participatory-budget",
		CurrencySymbol: "€",
		Phase:          phase,
		VotingStyle:    style,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateBudget failed: %v", err)
	}
	g, err := s.CreateGroup(ctx, core.Group{BudgetID: b.ID, Name: "Districts", Slug: "districts", MaxVotableHeadings: 1})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	h, err := s.CreateHeading(ctx, core.Heading{GroupID: g.ID, BudgetID: b.ID, Name: "Centro", Amount: core.Money{Cents: capCents}})
	if err != nil {
		t.Fatalf("CreateHeading failed: %v", err)
	}

	f := Fixture{Budget: b, Group: g, Heading: h}
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, cost := range costs {
		inv, err := s.CreateInvestment(ctx, core.Investment{
			HeadingID: h.ID,
			Title:     "Proposal",
			Cost:      core.Money{Cents: cost},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateInvestment failed: %v", err)
		}
		f.Investments = append(f.Investments, inv)
	}
	return f
}

func testBudgetLifecycle(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseDrafting, core.VotingStyleApproval, 1000)

	got, err := s.GetBudget(ctx, f.Budget.ID)
	if err != nil {
		t.Fatalf("GetBudget failed: %v", err)
	}
	if got.Name != f.Budget.Name || got.Phase != core.PhaseDrafting || got.Published {
		t.Errorf("unexpected budget: %+v", got)
	}
	if !got.CreatedAt.Equal(f.Budget.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, f.Budget.CreatedAt)
	}

	got.Phase = core.PhaseBalloting
	got.Published = true
	got.VotingStyle = core.VotingStyleKnapsack
	if err := s.UpdateBudget(ctx, got); err != nil {
		t.Fatalf("UpdateBudget failed: %v", err)
	}
	updated, _ := s.GetBudget(ctx, f.Budget.ID)
	if updated.Phase != core.PhaseBalloting || !updated.Published || updated.VotingStyle != core.VotingStyleKnapsack {
		t.Errorf("update not persisted: %+v", updated)
	}

	if _, err := s.GetBudget(ctx, 999999); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateBudget(ctx, core.Budget{ID: 999999, Name: "x"}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}

	headings, err := s.ListHeadings(ctx, f.Budget.ID)
	if err != nil || len(headings) != 1 || headings[0].Generation != 0 {
		t.Errorf("ListHeadings = %+v, %v", headings, err)
	}
	groupHeadings, err := s.ListGroupHeadings(ctx, f.Group.ID)
	if err != nil || len(groupHeadings) != 1 {
		t.Errorf("ListGroupHeadings = %+v, %v", groupHeadings, err)
	}
}

func testListBudgets(t *testing.T, s ports.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		phase := core.PhaseAccepting
		if i%2 == 0 {
			phase = core.PhaseFinished
		}
		if _, err := s.CreateBudget(ctx, core.Budget{
			Name: "Budget", Slug: "budget", CurrencySymbol: "€",
			Phase: phase, VotingStyle: core.VotingStyleApproval,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("CreateBudget failed: %v", err)
		}
	}

	all, err := s.ListBudgets(ctx, ports.FilterAll, 10, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("ListBudgets(all) = %d, %v", len(all), err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Errorf("budgets not newest first: %v before %v", all[i-1].CreatedAt, all[i].CreatedAt)
		}
	}

	finished, _ := s.ListBudgets(ctx, ports.FilterFinished, 10, 0)
	open, _ := s.ListBudgets(ctx, ports.FilterOpen, 10, 0)
	if len(finished) != 3 || len(open) != 2 {
		t.Errorf("finished = %d, open = %d, want 3 and 2", len(finished), len(open))
	}

	page, _ := s.ListBudgets(ctx, ports.FilterAll, 2, 4)
	if len(page) != 1 || page[0].ID != all[4].ID {
		t.Errorf("last page = %+v", page)
	}
}

func testGroupDeleteGuard(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseDrafting, core.VotingStyleApproval, 1000)

	if err := s.DeleteGroup(ctx, f.Budget.ID, f.Group.ID); !errors.Is(err, core.ErrGroupHasHeadings) {
		t.Fatalf("expected ErrGroupHasHeadings, got %v", err)
	}

	empty, err := s.CreateGroup(ctx, core.Group{BudgetID: f.Budget.ID, Name: "Empty", Slug: "empty", MaxVotableHeadings: 2})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	empty.Name = "Renamed"
	if err := s.UpdateGroup(ctx, empty); err != nil {
		t.Fatalf("UpdateGroup failed: %v", err)
	}
	if got, _ := s.GetGroup(ctx, f.Budget.ID, empty.ID); got.Name != "Renamed" {
		t.Errorf("group name = %q, want Renamed", got.Name)
	}
	if err := s.DeleteGroup(ctx, f.Budget.ID, empty.ID); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if _, err := s.GetGroup(ctx, f.Budget.ID, empty.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected deleted group to be gone, got %v", err)
	}
	groups, _ := s.ListGroups(ctx, f.Budget.ID)
	if len(groups) != 1 {
		t.Errorf("groups = %d, want 1", len(groups))
	}
}

func testBudgetDeleteGuard(t *testing.T, s ports.Store) {
	ctx := context.Background()
	withInvestments := Seed(t, s, core.PhaseDrafting, core.VotingStyleApproval, 1000, 100)
	if err := s.DeleteBudget(ctx, withInvestments.Budget.ID); !errors.Is(err, core.ErrBudgetHasInvestments) {
		t.Fatalf("expected ErrBudgetHasInvestments, got %v", err)
	}

	empty := Seed(t, s, core.PhaseDrafting, core.VotingStyleApproval, 1000)
	if err := s.DeleteBudget(ctx, empty.Budget.ID); err != nil {
		t.Fatalf("DeleteBudget failed: %v", err)
	}
	if _, err := s.GetBudget(ctx, empty.Budget.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected budget gone, got %v", err)
	}
	if _, err := s.GetHeading(ctx, empty.Heading.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected heading gone, got %v", err)
	}
}

func testCastBallotReplaces(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600, 500, 300)
	ids := []int64{f.Investments[0].ID, f.Investments[1].ID, f.Investments[2].ID}

	first, err := s.CastBallot(ctx, core.Ballot{HeadingID: f.Heading.ID, VoterID: "v1", InvestmentIDs: []int64{ids[0], ids[1]}})
	if err != nil {
		t.Fatalf("CastBallot failed: %v", err)
	}
	if _, err := s.CastBallot(ctx, core.Ballot{HeadingID: f.Heading.ID, VoterID: "v2", InvestmentIDs: []int64{ids[2]}}); err != nil {
		t.Fatalf("CastBallot failed: %v", err)
	}
	again, err := s.CastBallot(ctx, core.Ballot{HeadingID: f.Heading.ID, VoterID: "v1", InvestmentIDs: []int64{ids[2], ids[0]}})
	if err != nil {
		t.Fatalf("CastBallot replace failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("replacing ballot changed id from %d to %d", first.ID, again.ID)
	}

	snap, err := s.HeadingSnapshot(ctx, f.Heading.ID)
	if err != nil {
		t.Fatalf("HeadingSnapshot failed: %v", err)
	}
	if snap.Budget.ID != f.Budget.ID || snap.Heading.ID != f.Heading.ID || len(snap.Investments) != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Ballots) != 2 {
		t.Fatalf("ballots = %d, want 2", len(snap.Ballots))
	}
	for _, b := range snap.Ballots {
		if b.VoterID == "v1" {
			if len(b.InvestmentIDs) != 2 || b.InvestmentIDs[0] != ids[2] || b.InvestmentIDs[1] != ids[0] {
				t.Errorf("v1 ballot lines = %v, want [%d %d]", b.InvestmentIDs, ids[2], ids[0])
			}
		}
	}
}

func resultFor(f Fixture, generation int64, selected ...int64) core.Result {
	chosen := make(map[int64]bool)
	for _, id := range selected {
		chosen[id] = true
	}
	r := core.Result{
		Allocation: core.Allocation{
			VotingStyle: core.VotingStyleApproval,
			Cap:         f.Heading.Amount,
			Checksum:    "abc",
		},
		BudgetID:     f.Budget.ID,
		HeadingID:    f.Heading.ID,
		RunID:        "run",
		Generation:   generation,
		CalculatedAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	for i, inv := range f.Investments {
		line := core.ResultLine{InvestmentID: inv.ID, Rank: i + 1, CostCents: inv.Cost.Cents, Support: int64(10 - i)}
		if chosen[inv.ID] {
			line.Selected = true
			r.Spent = r.Spent.Add(inv.Cost)
		} else {
			line.Reason = core.ReasonDoesNotFit
		}
		r.Lines = append(r.Lines, line)
	}
	r.Remaining = r.Cap.Sub(r.Spent)
	return r
}

func winners(t *testing.T, s ports.Store, headingID int64) map[int64]core.Winner {
	t.Helper()
	invs, err := s.ListInvestments(context.Background(), headingID)
	if err != nil {
		t.Fatalf("ListInvestments failed: %v", err)
	}
	out := make(map[int64]core.Winner, len(invs))
	for _, inv := range invs {
		out[inv.ID] = inv.Winner
	}
	return out
}

func testSlugLookups(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseDrafting, core.VotingStyleApproval, 1000)
	if _, err := s.CreateBudget(ctx, core.Budget{
		Name: "Participatory budget", Slug: f.Budget.Slug, CurrencySymbol: "€",
		Phase: core.PhaseDrafting, VotingStyle: core.VotingStyleApproval,
	}); err != nil {
		t.Fatalf("CreateBudget failed: %v", err)
	}

	b, err := s.GetBudgetBySlug(ctx, f.Budget.Slug)
	if err != nil {
		t.Fatalf("GetBudgetBySlug failed: %v", err)
	}
	if b.ID != f.Budget.ID {
		t.Errorf("GetBudgetBySlug returned budget %d, want the oldest %d", b.ID, f.Budget.ID)
	}
	if _, err := s.GetBudgetBySlug(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	g, err := s.GetGroupBySlug(ctx, f.Budget.ID, f.Group.Slug)
	if err != nil || g.ID != f.Group.ID {
		t.Errorf("GetGroupBySlug = %+v, %v; want group %d", g, err, f.Group.ID)
	}
	other := Seed(t, s, core.PhaseDrafting, core.VotingStyleApproval, 1000)
	if g, _ := s.GetGroupBySlug(ctx, other.Budget.ID, f.Group.Slug); g.ID != other.Group.ID {
		t.Errorf("group slug resolved across budgets: got %d, want %d", g.ID, other.Group.ID)
	}
	if _, err := s.GetGroupBySlug(ctx, f.Budget.ID, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testCountVoterHeadings(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000)
	second, err := s.CreateHeading(ctx, core.Heading{GroupID: f.Group.ID, BudgetID: f.Budget.ID, Name: "Norte", Amount: core.Money{Cents: 1000}})
	if err != nil {
		t.Fatalf("CreateHeading failed: %v", err)
	}
	other := Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000)

	for _, headingID := range []int64{f.Heading.ID, second.ID, other.Heading.ID} {
		if _, err := s.CastBallot(ctx, core.Ballot{HeadingID: headingID, VoterID: "voter-a"}); err != nil {
			t.Fatalf("CastBallot failed: %v", err)
		}
	}
	if _, err := s.CastBallot(ctx, core.Ballot{HeadingID: second.ID, VoterID: "voter-b"}); err != nil {
		t.Fatalf("CastBallot failed: %v", err)
	}

	tests := []struct {
		name   string
		voter  string
		except int64
		want   int
	}{
		{"both headings of the group", "voter-a", 0, 2},
		{"excluding the heading being voted", "voter-a", f.Heading.ID, 1},
		{"other voter", "voter-b", f.Heading.ID, 1},
		{"voter without ballots", "voter-c", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CountVoterHeadings(ctx, f.Group.ID, tt.voter, tt.except)
			if err != nil {
				t.Fatalf("CountVoterHeadings failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("CountVoterHeadings = %d, want %d", got, tt.want)
			}
		})
	}
}

func testReplaceResult(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600, 500, 300)
	a, b, c := f.Investments[0].ID, f.Investments[1].ID, f.Investments[2].ID

	run, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if err != nil {
		t.Fatalf("RegisterRun failed: %v", err)
	}
	if err := s.ReplaceResult(ctx, resultFor(f, run.Generation, a, c)); err != nil {
		t.Fatalf("ReplaceResult failed: %v", err)
	}
	w := winners(t, s, f.Heading.ID)
	if w[a] != core.WinnerSelected || w[b] != core.WinnerNotSelected || w[c] != core.WinnerSelected {
		t.Errorf("winner flags after first result = %v", w)
	}

	got, err := s.GetResult(ctx, f.Heading.ID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.Spent.Cents != 900 || got.Remaining.Cents != 100 || len(got.Lines) != 3 || got.Generation != run.Generation {
		t.Errorf("unexpected result: %+v", got)
	}
	if got.Lines[1].Reason != core.ReasonDoesNotFit || !got.Lines[0].Selected {
		t.Errorf("unexpected lines: %+v", got.Lines)
	}

	// A later run flips the winners; no stale flag may survive.
	run2, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if err != nil {
		t.Fatalf("RegisterRun failed: %v", err)
	}
	if err := s.ReplaceResult(ctx, resultFor(f, run2.Generation, b)); err != nil {
		t.Fatalf("ReplaceResult failed: %v", err)
	}
	w = winners(t, s, f.Heading.ID)
	if w[a] != core.WinnerNotSelected || w[b] != core.WinnerSelected || w[c] != core.WinnerNotSelected {
		t.Errorf("winner flags after second result = %v", w)
	}
	got, _ = s.GetResult(ctx, f.Heading.ID)
	if len(got.Lines) != 3 || got.Spent.Cents != 500 {
		t.Errorf("second result not replaced: %+v", got)
	}

	if _, err := s.GetResult(ctx, 999999); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testReplaceResultFencing(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600, 500)
	a, b := f.Investments[0].ID, f.Investments[1].ID

	stale, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	fresh, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if fresh.Generation != stale.Generation+1 {
		t.Fatalf("generations %d then %d, want consecutive", stale.Generation, fresh.Generation)
	}

	if err := s.ReplaceResult(ctx, resultFor(f, fresh.Generation, b)); err != nil {
		t.Fatalf("ReplaceResult failed: %v", err)
	}
	err := s.ReplaceResult(ctx, resultFor(f, stale.Generation, a))
	if !errors.Is(err, core.ErrConcurrentRunConflict) {
		t.Fatalf("expected ErrConcurrentRunConflict, got %v", err)
	}

	w := winners(t, s, f.Heading.ID)
	if w[a] != core.WinnerNotSelected || w[b] != core.WinnerSelected {
		t.Errorf("stale write leaked into winner flags: %v", w)
	}
	got, _ := s.GetResult(ctx, f.Heading.ID)
	if got.Generation != fresh.Generation {
		t.Errorf("result generation = %d, want %d", got.Generation, fresh.Generation)
	}
}

func testRunLifecycle(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000)

	run, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, true)
	if err != nil {
		t.Fatalf("RegisterRun failed: %v", err)
	}
	if run.Status != core.RunScheduled || run.Generation != 1 || !run.Force || run.RunID == "" {
		t.Errorf("unexpected registered run: %+v", run)
	}
	h, _ := s.GetHeading(ctx, f.Heading.ID)
	if h.Generation != 1 {
		t.Errorf("heading generation = %d, want 1", h.Generation)
	}

	started, err := s.StartRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if started.Status != core.RunRunning || started.Attempts != 1 || started.StartedAt.IsZero() {
		t.Errorf("unexpected started run: %+v", started)
	}
	again, _ := s.StartRun(ctx, run.RunID)
	if again.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", again.Attempts)
	}

	if err := s.FinishRun(ctx, run.RunID, core.RunFailed, "boom"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	// Terminal runs are immutable.
	if err := s.FinishRun(ctx, run.RunID, core.RunCompleted, ""); err != nil {
		t.Fatalf("FinishRun on terminal run failed: %v", err)
	}
	done, _ := s.StartRun(ctx, run.RunID)
	if done.Status != core.RunFailed || done.LastError != "boom" || done.Attempts != 2 {
		t.Errorf("terminal run changed: %+v", done)
	}

	got, err := s.GetRun(ctx, run.RunID)
	if err != nil || got.FinishedAt.IsZero() {
		t.Errorf("GetRun = %+v, %v", got, err)
	}
	runs, err := s.ListRuns(ctx, f.Budget.ID)
	if err != nil || len(runs) != 1 || runs[0].RunID != run.RunID {
		t.Errorf("ListRuns = %+v, %v", runs, err)
	}

	if _, err := s.StartRun(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.RegisterRun(ctx, f.Budget.ID+1000, f.Heading.ID, false); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound for heading of another budget, got %v", err)
	}
}

func testPendingRuns(t *testing.T, s ports.Store) {
	ctx := context.Background()
	f := Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000)

	scheduled, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	running, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	finished, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if _, err := s.StartRun(ctx, running.RunID); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := s.FinishRun(ctx, finished.RunID, core.RunCompleted, ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	pending, err := s.PendingRuns(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PendingRuns failed: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range pending {
		ids[r.RunID] = true
	}
	if len(pending) != 2 || !ids[scheduled.RunID] || !ids[running.RunID] {
		t.Errorf("pending = %+v, want scheduled and running runs", pending)
	}

	none, _ := s.PendingRuns(ctx, time.Now().Add(-time.Hour))
	if len(none) != 0 {
		t.Errorf("expected no runs scheduled before an hour ago, got %d", len(none))
	}
}
