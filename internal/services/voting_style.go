// Package services provides business logic and orchestration services.
//
// This file implements the Strategy Pattern for winner selection. Each voting
// style a budget can be configured with has its own strategy that decides
// which candidates of a heading are funded within the heading's cap.

package services

import (
	"fmt"
	"sort"
	"time"

	"participa/internal/core"
)

// DefaultKnapsackMaxUnits bounds the dynamic-programming table width.
const DefaultKnapsackMaxUnits = 200000

// knapsackMaxCells bounds the decision table (items x capacity units) in bits.
const knapsackMaxCells = 1 << 28

// VotingStrategy selects winners for one heading. Implementations are pure:
// the same cap and candidates always produce the same Selection.
type VotingStrategy interface {
	Style() core.VotingStyle
	Select(capacity core.Money, candidates []core.Candidate) Selection
}

// Selection is a total order of the candidates plus a partition into
// selected and not selected.
type Selection struct {
	Ranked      []core.Candidate
	Selected    map[int64]bool
	Reasons     map[int64]core.UnselectedReason
	Approximate bool
}

// StrategyOptions configures strategies that have tunables.
type StrategyOptions struct {
	KnapsackMaxUnits int64
}

// votingStrategies maps the closed set of voting styles to their strategies.
var votingStrategies = map[core.VotingStyle]func(StrategyOptions) VotingStrategy{
	core.VotingStyleApproval: func(StrategyOptions) VotingStrategy { return ApprovalStrategy{} },
	core.VotingStyleKnapsack: func(o StrategyOptions) VotingStrategy { return KnapsackStrategy{MaxUnits: o.KnapsackMaxUnits} },
}

// GetVotingStrategy returns the strategy for a budget's voting style.
func GetVotingStrategy(style core.VotingStyle, opts StrategyOptions) (VotingStrategy, error) {
	build, ok := votingStrategies[style]
	if !ok {
		return nil, fmt.Errorf("voting style %q: %w", style, core.ErrUnknownVotingStyle)
	}
	return build(opts), nil
}

// RankCandidates orders candidates by support descending, then cost ascending,
// then creation order. The input slice is not modified.
func RankCandidates(candidates []core.Candidate) []core.Candidate {
	ranked := append([]core.Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Support != b.Support {
			return a.Support > b.Support
		}
		if a.Cost.Cents != b.Cost.Cents {
			return a.Cost.Cents < b.Cost.Cents
		}
		return createdBefore(a.CreatedAt, a.InvestmentID, b.CreatedAt, b.InvestmentID)
	})
	return ranked
}

func createdBefore(at time.Time, id int64, otherAt time.Time, otherID int64) bool {
	if !at.Equal(otherAt) {
		return at.Before(otherAt)
	}
	return id < otherID
}

func newSelection(ranked []core.Candidate) Selection {
	return Selection{
		Ranked:   ranked,
		Selected: make(map[int64]bool, len(ranked)),
		Reasons:  make(map[int64]core.UnselectedReason),
	}
}

// ApprovalStrategy funds the most supported investments first. It walks the
// ranking once: a candidate that does not fit in what is left is skipped for
// good, while cheaper candidates further down may still be admitted.
type ApprovalStrategy struct{}

func (ApprovalStrategy) Style() core.VotingStyle { return core.VotingStyleApproval }

func (ApprovalStrategy) Select(capacity core.Money, candidates []core.Candidate) Selection {
	sel := newSelection(RankCandidates(candidates))
	remaining := capacity.Cents
	for _, c := range sel.Ranked {
		switch {
		case c.Cost.Cents > capacity.Cents:
			sel.Reasons[c.InvestmentID] = core.ReasonExceedsCap
		case c.Cost.Cents > remaining:
			sel.Reasons[c.InvestmentID] = core.ReasonDoesNotFit
		default:
			sel.Selected[c.InvestmentID] = true
			remaining -= c.Cost.Cents
		}
	}
	return sel
}

// KnapsackStrategy funds the subset with the highest total support whose cost
// fits the cap, using 0/1 dynamic programming over cost units.
//
// The unit is the GCD of the cap and every eligible cost, which keeps the
// solution exact. When cap/unit would exceed MaxUnits the unit is coarsened
// to ceil(cap/MaxUnits), costs are rounded up and the cap rounded down; the
// answer stays feasible but may miss the optimum, so the selection is marked
// Approximate and leftover budget is then filled greedily in rank order.
//
// Among subsets with equal support the cheaper one wins, and among equally
// cheap ones the one that is lexicographically earliest in rank order.
type KnapsackStrategy struct {
	MaxUnits int64
}

func (KnapsackStrategy) Style() core.VotingStyle { return core.VotingStyleKnapsack }

func (k KnapsackStrategy) Select(capacity core.Money, candidates []core.Candidate) Selection {
	sel := newSelection(RankCandidates(candidates))

	var eligible []core.Candidate
	for _, c := range sel.Ranked {
		if c.Cost.Cents > capacity.Cents {
			sel.Reasons[c.InvestmentID] = core.ReasonExceedsCap
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return sel
	}
	// Nothing is funded from an empty cap.
	if capacity.Cents <= 0 {
		for _, c := range eligible {
			sel.Reasons[c.InvestmentID] = core.ReasonNotInOptimum
		}
		return sel
	}

	unit := capacity.Cents
	for _, c := range eligible {
		unit = gcd(unit, c.Cost.Cents)
	}
	width := capacity.Cents / unit
	if limit := k.unitLimit(len(eligible)); width > limit {
		unit = ceilDiv(capacity.Cents, limit)
		width = capacity.Cents / unit
		sel.Approximate = true
	}

	weights := make([]int64, len(eligible))
	for i, c := range eligible {
		weights[i] = max(ceilDiv(c.Cost.Cents, unit), 0)
	}
	take := solveKnapsack(eligible, weights, width)

	remaining := capacity.Cents
	for i, c := range eligible {
		if take[i] {
			sel.Selected[c.InvestmentID] = true
			remaining -= c.Cost.Cents
		}
	}
	if sel.Approximate {
		for _, c := range eligible {
			if !sel.Selected[c.InvestmentID] && c.Cost.Cents <= remaining {
				sel.Selected[c.InvestmentID] = true
				remaining -= c.Cost.Cents
			}
		}
	}
	for _, c := range eligible {
		if !sel.Selected[c.InvestmentID] {
			sel.Reasons[c.InvestmentID] = core.ReasonNotInOptimum
		}
	}
	return sel
}

func (k KnapsackStrategy) unitLimit(items int) int64 {
	limit := k.MaxUnits
	if limit <= 0 {
		limit = DefaultKnapsackMaxUnits
	}
	if byCells := int64(knapsackMaxCells/items) - 1; byCells < limit {
		limit = byCells
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// solveKnapsack returns which items to take. Items are processed from last to
// first so the reconstruction can walk forward and prefer earlier items on ties.
func solveKnapsack(items []core.Candidate, weights []int64, width int64) []bool {
	n := len(items)
	cols := width + 1
	bestSupport := make([]int64, cols)
	bestCost := make([]int64, cols)
	keep := newBitset(int64(n) * cols)

	for i := n - 1; i >= 0; i-- {
		w := weights[i]
		support := items[i].Support
		cost := items[i].Cost.Cents
		for c := width; c >= w; c-- {
			withSupport := bestSupport[c-w] + support
			withCost := bestCost[c-w] + cost
			if withSupport > bestSupport[c] || (withSupport == bestSupport[c] && withCost <= bestCost[c]) {
				bestSupport[c] = withSupport
				bestCost[c] = withCost
				keep.set(int64(i)*cols + c)
			}
		}
	}

	take := make([]bool, n)
	c := width
	for i := 0; i < n; i++ {
		if keep.get(int64(i)*cols + c) {
			take[i] = true
			c -= weights[i]
		}
	}
	return take
}

type bitset []uint64

func newBitset(size int64) bitset {
	return make(bitset, (size+63)/64)
}

func (b bitset) set(i int64)      { b[i/64] |= 1 << uint(i%64) }
func (b bitset) get(i int64) bool { return b[i/64]&(1<<uint(i%64)) != 0 }

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
