package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"participa/internal/core"
)

// Allocator drives a voting strategy against a heading cap.
// It holds no mutable state and is safe for concurrent use.
type Allocator struct {
	opts StrategyOptions
}

func NewAllocator(opts StrategyOptions) *Allocator {
	return &Allocator{opts: opts}
}

// Allocate selects the winners among candidates for a heading with the given
// cap. Empty outcomes are valid: a zero cap, no candidates or candidates that
// all exceed the cap yield an allocation with no winners and no error.
func (a *Allocator) Allocate(style core.VotingStyle, capacity core.Money, candidates []core.Candidate) (core.Allocation, error) {
	if capacity.Cents < 0 {
		return core.Allocation{}, fmt.Errorf("heading cap %d: %w", capacity.Cents, core.ErrInfeasibleHeadingState)
	}
	seen := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		if c.Cost.Cents <= 0 {
			return core.Allocation{}, fmt.Errorf("investment %d cost %d: %w",
				c.InvestmentID, c.Cost.Cents, core.ErrInfeasibleHeadingState)
		}
		if _, dup := seen[c.InvestmentID]; dup {
			return core.Allocation{}, fmt.Errorf("investment %d listed twice: %w",
				c.InvestmentID, core.ErrInfeasibleHeadingState)
		}
		seen[c.InvestmentID] = struct{}{}
	}

	strategy, err := GetVotingStrategy(style, a.opts)
	if err != nil {
		return core.Allocation{}, err
	}
	sel := strategy.Select(capacity, candidates)

	alloc := core.Allocation{
		VotingStyle: style,
		Cap:         capacity,
		Lines:       make([]core.ResultLine, 0, len(sel.Ranked)),
		Approximate: sel.Approximate,
	}
	for i, c := range sel.Ranked {
		line := core.ResultLine{
			InvestmentID: c.InvestmentID,
			Rank:         i + 1,
			CostCents:    c.Cost.Cents,
			Support:      c.Support,
		}
		if sel.Selected[c.InvestmentID] {
			line.Selected = true
			alloc.Spent = alloc.Spent.Add(c.Cost)
		} else {
			line.Reason = sel.Reasons[c.InvestmentID]
		}
		alloc.Lines = append(alloc.Lines, line)
	}
	if alloc.Spent.Cents > capacity.Cents {
		// A strategy overspending is a programming error, never valid output.
		return core.Allocation{}, fmt.Errorf("%s allocation spent %d over cap %d: %w",
			style, alloc.Spent.Cents, capacity.Cents, core.ErrInfeasibleHeadingState)
	}
	alloc.Remaining = capacity.Sub(alloc.Spent)

	sum, err := Checksum(alloc)
	if err != nil {
		return core.Allocation{}, err
	}
	alloc.Checksum = sum
	return alloc, nil
}

type canonicalAllocation struct {
	VotingStyle core.VotingStyle  `json:"voting_style"`
	CapCents    int64             `json:"cap_cents"`
	SpentCents  int64             `json:"spent_cents"`
	Remaining   int64             `json:"remaining_cents"`
	Approximate bool              `json:"approximate"`
	Lines       []core.ResultLine `json:"lines"`
}

// Checksum is the sha256 of the canonical JSON encoding of an allocation.
// The stored checksum field itself is not part of the digest.
func Checksum(a core.Allocation) (string, error) {
	lines := a.Lines
	if lines == nil {
		lines = []core.ResultLine{}
	}
	data, err := json.Marshal(canonicalAllocation{
		VotingStyle: a.VotingStyle,
		CapCents:    a.Cap.Cents,
		SpentCents:  a.Spent.Cents,
		Remaining:   a.Remaining.Cents,
		Approximate: a.Approximate,
		Lines:       lines,
	})
	if err != nil {
		return "", fmt.Errorf("encode allocation: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
