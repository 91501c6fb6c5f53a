package core

// GroupTotal is the sum of heading caps within a group.
type GroupTotal struct {
	GroupID  int64
	Name     string
	Headings int
	Amount   Money
}

// BudgetSummary is a compact overview of a budget's money split.
type BudgetSummary struct {
	Budget Budget
	Groups []GroupTotal
	Total  Money
}

// Summarize computes per-group totals from a budget's groups and headings.
// Groups keep the order they are given in.
func Summarize(b Budget, groups []Group, headings []Heading) BudgetSummary {
	idx := make(map[int64]int, len(groups))
	summary := BudgetSummary{Budget: b}
	for _, g := range groups {
		idx[g.ID] = len(summary.Groups)
		summary.Groups = append(summary.Groups, GroupTotal{GroupID: g.ID, Name: g.Name})
	}
	for _, h := range headings {
		i, ok := idx[h.GroupID]
		if !ok {
			continue
		}
		summary.Groups[i].Headings++
		summary.Groups[i].Amount = summary.Groups[i].Amount.Add(h.Amount)
		summary.Total = summary.Total.Add(h.Amount)
	}
	return summary
}
