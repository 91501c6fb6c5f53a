package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"participa/internal/core"
)

// AggregateOptions tunes ballot aggregation.
type AggregateOptions struct {
	// Force allows aggregation before the balloting phase, for recalculations
	// an administrator explicitly requests.
	Force bool
}

// Aggregate turns a heading snapshot into candidates with their support, the
// number of ballots that selected each investment. The snapshot is the only
// input: ballots cast after it was taken are not seen by this calculation.
// Candidates are returned in creation order.
func Aggregate(ctx context.Context, snap core.HeadingSnapshot, opts AggregateOptions) ([]core.Candidate, error) {
	if !opts.Force && !snap.Budget.BallotingProcess() {
		return nil, fmt.Errorf("aggregate heading %d in phase %s: %w",
			snap.Heading.ID, snap.Budget.Phase, core.ErrInvalidState)
	}

	support := make(map[int64]int64, len(snap.Investments))
	for _, inv := range snap.Investments {
		support[inv.ID] = 0
	}

	foreign := 0
	for _, ballot := range snap.Ballots {
		seen := make(map[int64]struct{}, len(ballot.InvestmentIDs))
		for _, id := range ballot.InvestmentIDs {
			if _, ok := support[id]; !ok {
				foreign++
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			support[id]++
		}
	}
	if foreign > 0 {
		slog.WarnContext(ctx, "Ignored ballot lines for investments outside the heading",
			"heading_id", snap.Heading.ID,
			"ignored", foreign)
	}

	investments := append([]core.Investment(nil), snap.Investments...)
	sort.SliceStable(investments, func(i, j int) bool {
		return createdBefore(investments[i].CreatedAt, investments[i].ID, investments[j].CreatedAt, investments[j].ID)
	})

	candidates := make([]core.Candidate, 0, len(investments))
	for _, inv := range investments {
		candidates = append(candidates, core.Candidate{
			InvestmentID: inv.ID,
			Cost:         inv.Cost,
			Support:      support[inv.ID],
			CreatedAt:    inv.CreatedAt,
		})
	}

	slog.DebugContext(ctx, "Aggregated heading ballots",
		"heading_id", snap.Heading.ID,
		"ballots", len(snap.Ballots),
		"candidates", len(candidates))

	return candidates, nil
}
