package services

import (
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"participa/internal/core"
)

var baseTime = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// candidate builds a candidate created id seconds after baseTime.
func candidate(id, cost, support int64) core.Candidate {
	return core.Candidate{
		InvestmentID: id,
		Cost:         core.Money{Cents: cost},
		Support:      support,
		CreatedAt:    baseTime.Add(time.Duration(id) * time.Second),
	}
}

func scenarioCandidates() []core.Candidate {
	return []core.Candidate{
		candidate(1, 600, 10),
		candidate(2, 500, 8),
		candidate(3, 300, 5),
	}
}

func selectedIDs(sel Selection) []int64 {
	var ids []int64
	for _, c := range sel.Ranked {
		if sel.Selected[c.InvestmentID] {
			ids = append(ids, c.InvestmentID)
		}
	}
	return ids
}

func rankedIDs(cs []core.Candidate) []int64 {
	ids := make([]int64, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.InvestmentID)
	}
	return ids
}

func TestGetVotingStrategy(t *testing.T) {
	tests := []struct {
		style   core.VotingStyle
		want    core.VotingStyle
		wantErr bool
	}{
		{core.VotingStyleApproval, core.VotingStyleApproval, false},
		{core.VotingStyleKnapsack, core.VotingStyleKnapsack, false},
		{core.VotingStyle("borda"), "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.style), func(t *testing.T) {
			s, err := GetVotingStrategy(tt.style, StrategyOptions{})
			if tt.wantErr {
				if !errors.Is(err, core.ErrUnknownVotingStyle) {
					t.Errorf("expected ErrUnknownVotingStyle, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Style() != tt.want {
				t.Errorf("Style() = %s, want %s", s.Style(), tt.want)
			}
		})
	}
}

func TestRankCandidates(t *testing.T) {
	tests := []struct {
		name string
		in   []core.Candidate
		want []int64
	}{
		{
			name: "support descending",
			in:   []core.Candidate{candidate(1, 100, 1), candidate(2, 100, 3), candidate(3, 100, 2)},
			want: []int64{2, 3, 1},
		},
		{
			name: "equal support prefers cheaper",
			in:   []core.Candidate{candidate(1, 300, 5), candidate(2, 100, 5), candidate(3, 200, 5)},
			want: []int64{2, 3, 1},
		},
		{
			name: "full tie falls back to creation order",
			in:   []core.Candidate{candidate(3, 100, 5), candidate(1, 100, 5), candidate(2, 100, 5)},
			want: []int64{1, 2, 3},
		},
		{
			name: "same creation time falls back to id",
			in: []core.Candidate{
				{InvestmentID: 9, Cost: core.Money{Cents: 100}, Support: 1, CreatedAt: baseTime},
				{InvestmentID: 4, Cost: core.Money{Cents: 100}, Support: 1, CreatedAt: baseTime},
			},
			want: []int64{4, 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]core.Candidate(nil), tt.in...)
			got := rankedIDs(RankCandidates(in))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("RankCandidates() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.in, in); diff != "" {
				t.Errorf("RankCandidates modified its input:\n%s", diff)
			}
		})
	}
}

func TestApprovalStrategy_ScenarioA(t *testing.T) {
	sel := ApprovalStrategy{}.Select(core.Money{Cents: 1000}, scenarioCandidates())

	if diff := cmp.Diff([]int64{1, 3}, selectedIDs(sel)); diff != "" {
		t.Errorf("winners mismatch (-want +got):\n%s", diff)
	}
	if got := sel.Reasons[2]; got != core.ReasonDoesNotFit {
		t.Errorf("investment 2 reason = %q, want %q", got, core.ReasonDoesNotFit)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, rankedIDs(sel.Ranked)); diff != "" {
		t.Errorf("ranking mismatch (-want +got):\n%s", diff)
	}
}

func TestApprovalStrategy_NoBacktracking(t *testing.T) {
	// Funding 2 instead of 1 would leave room for 3 and more total support,
	// but the greedy walk never revisits a decision.
	candidates := []core.Candidate{
		candidate(1, 700, 10),
		candidate(2, 400, 9),
		candidate(3, 500, 8),
	}
	sel := ApprovalStrategy{}.Select(core.Money{Cents: 1000}, candidates)

	if diff := cmp.Diff([]int64{1}, selectedIDs(sel)); diff != "" {
		t.Errorf("winners mismatch (-want +got):\n%s", diff)
	}
	if sel.Reasons[2] != core.ReasonDoesNotFit || sel.Reasons[3] != core.ReasonDoesNotFit {
		t.Errorf("unexpected reasons: %v", sel.Reasons)
	}
}

func TestApprovalStrategy_ExceedsCap(t *testing.T) {
	candidates := []core.Candidate{candidate(1, 5000, 10), candidate(2, 400, 1)}
	sel := ApprovalStrategy{}.Select(core.Money{Cents: 1000}, candidates)

	if diff := cmp.Diff([]int64{2}, selectedIDs(sel)); diff != "" {
		t.Errorf("winners mismatch (-want +got):\n%s", diff)
	}
	if sel.Reasons[1] != core.ReasonExceedsCap {
		t.Errorf("reason = %q, want %q", sel.Reasons[1], core.ReasonExceedsCap)
	}
}

func TestApprovalStrategy_Maximal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		capacity, candidates := randomInstance(rng, 12)
		sel := ApprovalStrategy{}.Select(capacity, candidates)

		spent := int64(0)
		for _, c := range candidates {
			if sel.Selected[c.InvestmentID] {
				spent += c.Cost.Cents
			}
		}
		if spent > capacity.Cents {
			t.Fatalf("instance %d: spent %d over cap %d", i, spent, capacity.Cents)
		}
		for _, c := range candidates {
			if !sel.Selected[c.InvestmentID] && c.Cost.Cents <= capacity.Cents-spent {
				t.Fatalf("instance %d: investment %d (cost %d) still fits in %d",
					i, c.InvestmentID, c.Cost.Cents, capacity.Cents-spent)
			}
		}
	}
}

func TestKnapsackStrategy_DegenerateInputs(t *testing.T) {
	tests := []struct {
		name       string
		capacity   int64
		candidates []core.Candidate
		want       []int64
	}{
		{"empty cap with a free candidate", 0, []core.Candidate{candidate(1, 0, 1)}, nil},
		{"empty cap", 0, []core.Candidate{candidate(1, 0, 3), candidate(2, 100, 5)}, nil},
		{"free candidate beside a paid one", 500, []core.Candidate{candidate(1, 0, 2), candidate(2, 500, 1)}, []int64{1, 2}},
		{"negative cost", 500, []core.Candidate{candidate(1, -100, 2), candidate(2, 500, 1)}, []int64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := KnapsackStrategy{}.Select(core.Money{Cents: tt.capacity}, tt.candidates)
			if diff := cmp.Diff(tt.want, selectedIDs(sel)); diff != "" {
				t.Errorf("winners mismatch (-want +got):\n%s", diff)
			}
			for _, c := range tt.candidates {
				if !sel.Selected[c.InvestmentID] && sel.Reasons[c.InvestmentID] == "" {
					t.Errorf("investment %d has neither a selection nor a reason", c.InvestmentID)
				}
			}
		})
	}
}

func TestKnapsackStrategy_ScenarioB(t *testing.T) {
	sel := KnapsackStrategy{}.Select(core.Money{Cents: 1000}, scenarioCandidates())

	if diff := cmp.Diff([]int64{1, 3}, selectedIDs(sel)); diff != "" {
		t.Errorf("winners mismatch (-want +got):\n%s", diff)
	}
	if sel.Approximate {
		t.Error("small instance should be solved exactly")
	}
	if sel.Reasons[2] != core.ReasonNotInOptimum {
		t.Errorf("reason = %q, want %q", sel.Reasons[2], core.ReasonNotInOptimum)
	}
}

func TestKnapsackStrategy_BeatsGreedy(t *testing.T) {
	candidates := []core.Candidate{
		candidate(1, 700, 10),
		candidate(2, 400, 9),
		candidate(3, 500, 8),
	}
	sel := KnapsackStrategy{}.Select(core.Money{Cents: 1000}, candidates)

	if diff := cmp.Diff([]int64{2, 3}, selectedIDs(sel)); diff != "" {
		t.Errorf("winners mismatch (-want +got):\n%s", diff)
	}
}

func TestKnapsackStrategy_TieBreaks(t *testing.T) {
	tests := []struct {
		name       string
		capacity   int64
		candidates []core.Candidate
		want       []int64
	}{
		{
			name:     "equal support prefers cheaper subset",
			capacity: 600,
			// {1} and {2,3} both reach support 10; {2,3} is cheaper.
			candidates: []core.Candidate{candidate(1, 600, 10), candidate(2, 200, 6), candidate(3, 300, 4)},
			want:       []int64{2, 3},
		},
		{
			name:     "equal support and cost prefers earlier in rank",
			capacity: 500,
			// {1} and {2} are identical except creation order.
			candidates: []core.Candidate{candidate(2, 500, 4), candidate(1, 500, 4)},
			want:       []int64{1},
		},
		{
			name:       "zero support never funded",
			capacity:   1000,
			candidates: []core.Candidate{candidate(1, 100, 0), candidate(2, 200, 3)},
			want:       []int64{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := KnapsackStrategy{}.Select(core.Money{Cents: tt.capacity}, tt.candidates)
			if diff := cmp.Diff(tt.want, selectedIDs(sel)); diff != "" {
				t.Errorf("winners mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// bruteForce returns the optimal subset: most support, then least cost,
// then lexicographically earliest in rank order.
func bruteForce(capacity core.Money, candidates []core.Candidate) []int64 {
	ranked := RankCandidates(candidates)
	n := len(ranked)
	bestSupport, bestCost := int64(-1), int64(0)
	var best []bool

	for mask := 0; mask < 1<<n; mask++ {
		var support, cost int64
		take := make([]bool, n)
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				take[i] = true
				support += ranked[i].Support
				cost += ranked[i].Cost.Cents
			}
		}
		if cost > capacity.Cents {
			continue
		}
		better := support > bestSupport ||
			(support == bestSupport && cost < bestCost) ||
			(support == bestSupport && cost == bestCost && lexEarlier(take, best))
		if better {
			bestSupport, bestCost, best = support, cost, take
		}
	}

	var ids []int64
	for i, taken := range best {
		if taken {
			ids = append(ids, ranked[i].InvestmentID)
		}
	}
	return ids
}

// lexEarlier reports whether a includes the first rank position where the two differ.
func lexEarlier(a, b []bool) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i]
		}
	}
	return false
}

func randomInstance(rng *rand.Rand, maxItems int) (core.Money, []core.Candidate) {
	n := rng.Intn(maxItems + 1)
	candidates := make([]core.Candidate, 0, n)
	for i := 1; i <= n; i++ {
		// Shared creation times exercise the id tie-break.
		c := candidate(int64(i), int64(rng.Intn(20)+1)*50, int64(rng.Intn(6)))
		c.CreatedAt = baseTime.Add(time.Duration(rng.Intn(3)) * time.Second)
		candidates = append(candidates, c)
	}
	return core.Money{Cents: int64(rng.Intn(60)) * 50}, candidates
}

func TestKnapsackStrategy_MatchesExhaustiveSearch(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		capacity, candidates := randomInstance(rng, 10)
		sel := KnapsackStrategy{}.Select(capacity, candidates)
		if sel.Approximate {
			t.Fatalf("instance %d unexpectedly approximate", i)
		}

		want := bruteForce(capacity, candidates)
		if diff := cmp.Diff(want, selectedIDs(sel)); diff != "" {
			t.Fatalf("instance %d (cap %d, %+v) mismatch (-want +got):\n%s", i, capacity.Cents, candidates, diff)
		}
	}
}

func TestKnapsackStrategy_ApproximationStaysFeasible(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	strategy := KnapsackStrategy{MaxUnits: 16}

	for i := 0; i < 100; i++ {
		capacity := core.Money{Cents: 10_007 + int64(rng.Intn(1000))}
		var candidates []core.Candidate
		for id := int64(1); id <= 8; id++ {
			candidates = append(candidates, candidate(id, int64(rng.Intn(4000)+1), int64(rng.Intn(10))))
		}

		sel := strategy.Select(capacity, candidates)
		if !sel.Approximate {
			t.Fatalf("instance %d: expected approximate selection", i)
		}

		spent := int64(0)
		for _, c := range candidates {
			if sel.Selected[c.InvestmentID] {
				spent += c.Cost.Cents
			}
		}
		if spent > capacity.Cents {
			t.Fatalf("instance %d: spent %d over cap %d", i, spent, capacity.Cents)
		}
		for _, c := range candidates {
			if !sel.Selected[c.InvestmentID] && c.Cost.Cents <= capacity.Cents-spent {
				t.Fatalf("instance %d: leftover budget %d could still fund investment %d",
					i, capacity.Cents-spent, c.InvestmentID)
			}
		}
	}
}

func TestKnapsackStrategy_ExactWhenUnitsDivide(t *testing.T) {
	// Euro amounts share a 100-cent unit, so a large cap stays exact.
	candidates := []core.Candidate{
		candidate(1, 12_000_000, 30),
		candidate(2, 8_000_000, 25),
		candidate(3, 5_000_000, 20),
	}
	sel := KnapsackStrategy{MaxUnits: 1000}.Select(core.Money{Cents: 20_000_000}, candidates)

	if sel.Approximate {
		t.Error("expected exact selection")
	}
	if diff := cmp.Diff(bruteForce(core.Money{Cents: 20_000_000}, candidates), selectedIDs(sel)); diff != "" {
		t.Errorf("winners mismatch (-want +got):\n%s", diff)
	}
}

func TestStrategies_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, strategy := range []VotingStrategy{ApprovalStrategy{}, KnapsackStrategy{}} {
		t.Run(string(strategy.Style()), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				capacity, candidates := randomInstance(rng, 10)
				first := strategy.Select(capacity, candidates)

				shuffled := append([]core.Candidate(nil), candidates...)
				rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
				second := strategy.Select(capacity, shuffled)

				if diff := cmp.Diff(first, second); diff != "" {
					t.Fatalf("instance %d: selection depends on input order (-first +second):\n%s", i, diff)
				}
			}
		})
	}
}

func TestSelection_ReasonsPartitionCandidates(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for _, strategy := range []VotingStrategy{ApprovalStrategy{}, KnapsackStrategy{}} {
		capacity, candidates := randomInstance(rng, 10)
		sel := strategy.Select(capacity, candidates)

		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			_, hasReason := sel.Reasons[c.InvestmentID]
			if sel.Selected[c.InvestmentID] == hasReason {
				t.Errorf("%s: investment %d selected=%v but reason=%q",
					strategy.Style(), c.InvestmentID, sel.Selected[c.InvestmentID], sel.Reasons[c.InvestmentID])
			}
			ids = append(ids, c.InvestmentID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		got := rankedIDs(sel.Ranked)
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		if diff := cmp.Diff(ids, got); diff != "" {
			t.Errorf("%s: ranking is not a permutation of the input:\n%s", strategy.Style(), diff)
		}
	}
}
