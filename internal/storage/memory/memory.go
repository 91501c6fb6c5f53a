// Package memory is an in-process Store used by tests, the CLI demo mode and
// DATA_BACKEND=memory. It follows the same rules as the SQLite repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"participa/internal/core"
	"participa/internal/ports"
)

var _ ports.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	nextID      int64
	budgets     map[int64]core.Budget
	groups      map[int64]core.Group
	headings    map[int64]core.Heading
	investments map[int64]core.Investment
	ballots     map[ballotKey]core.Ballot
	results     map[int64]core.Result
	runs        map[string]core.CalculationRun

	now func() time.Time
}

type ballotKey struct {
	headingID int64
	voterID   string
}

func New() *Store {
	return &Store{
		budgets:     make(map[int64]core.Budget),
		groups:      make(map[int64]core.Group),
		headings:    make(map[int64]core.Heading),
		investments: make(map[int64]core.Investment),
		ballots:     make(map[ballotKey]core.Ballot),
		results:     make(map[int64]core.Result),
		runs:        make(map[string]core.CalculationRun),
		now:         time.Now,
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, core.ErrNotFound)
}

func (s *Store) CreateBudget(_ context.Context, b core.Budget) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = s.id()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	s.budgets[b.ID] = b
	return b, nil
}

func (s *Store) GetBudget(_ context.Context, id int64) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		return core.Budget{}, notFound("budget", id)
	}
	return b, nil
}

func (s *Store) GetBudgetBySlug(_ context.Context, slug string) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found core.Budget
	for _, b := range s.budgets {
		if b.Slug == slug && (found.ID == 0 || b.ID < found.ID) {
			found = b
		}
	}
	if found.ID == 0 {
		return core.Budget{}, notFound("budget", slug)
	}
	return found, nil
}

func (s *Store) ListBudgets(_ context.Context, filter ports.BudgetFilter, limit, offset int) ([]core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Budget
	for _, b := range s.budgets {
		switch filter {
		case ports.FilterOpen:
			if b.Finished() {
				continue
			}
		case ports.FilterFinished:
			if !b.Finished() {
				continue
			}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if offset >= len(out) {
		return []core.Budget{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateBudget(_ context.Context, b core.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[b.ID]; !ok {
		return notFound("budget", b.ID)
	}
	s.budgets[b.ID] = b
	return nil
}

func (s *Store) DeleteBudget(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[id]; !ok {
		return notFound("budget", id)
	}
	for _, inv := range s.investments {
		if s.headings[inv.HeadingID].BudgetID == id {
			return core.ErrBudgetHasInvestments
		}
	}
	for hid, h := range s.headings {
		if h.BudgetID == id {
			delete(s.headings, hid)
			delete(s.results, hid)
		}
	}
	for gid, g := range s.groups {
		if g.BudgetID == id {
			delete(s.groups, gid)
		}
	}
	for rid, r := range s.runs {
		if r.BudgetID == id {
			delete(s.runs, rid)
		}
	}
	delete(s.budgets, id)
	return nil
}

func (s *Store) CreateGroup(_ context.Context, g core.Group) (core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[g.BudgetID]; !ok {
		return core.Group{}, notFound("budget", g.BudgetID)
	}
	g.ID = s.id()
	s.groups[g.ID] = g
	return g, nil
}

func (s *Store) GetGroup(_ context.Context, budgetID, groupID int64) (core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok || g.BudgetID != budgetID {
		return core.Group{}, notFound("group", groupID)
	}
	return g, nil
}

func (s *Store) GetGroupBySlug(_ context.Context, budgetID int64, slug string) (core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found core.Group
	for _, g := range s.groups {
		if g.BudgetID == budgetID && g.Slug == slug && (found.ID == 0 || g.ID < found.ID) {
			found = g
		}
	}
	if found.ID == 0 {
		return core.Group{}, notFound("group", slug)
	}
	return found, nil
}

func (s *Store) ListGroups(_ context.Context, budgetID int64) ([]core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.Group{}
	for _, g := range s.groups {
		if g.BudgetID == budgetID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateGroup(_ context.Context, g core.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.groups[g.ID]
	if !ok || prev.BudgetID != g.BudgetID {
		return notFound("group", g.ID)
	}
	s.groups[g.ID] = g
	return nil
}

func (s *Store) DeleteGroup(_ context.Context, budgetID, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok || g.BudgetID != budgetID {
		return notFound("group", groupID)
	}
	for _, h := range s.headings {
		if h.GroupID == groupID {
			return core.ErrGroupHasHeadings
		}
	}
	delete(s.groups, groupID)
	return nil
}

func (s *Store) CreateHeading(_ context.Context, h core.Heading) (core.Heading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[h.GroupID]
	if !ok {
		return core.Heading{}, notFound("group", h.GroupID)
	}
	h.ID = s.id()
	h.BudgetID = g.BudgetID
	h.Generation = 0
	s.headings[h.ID] = h
	return h, nil
}

func (s *Store) GetHeading(_ context.Context, id int64) (core.Heading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headings[id]
	if !ok {
		return core.Heading{}, notFound("heading", id)
	}
	return h, nil
}

func (s *Store) ListHeadings(_ context.Context, budgetID int64) ([]core.Heading, error) {
	return s.listHeadings(func(h core.Heading) bool { return h.BudgetID == budgetID }), nil
}

func (s *Store) ListGroupHeadings(_ context.Context, groupID int64) ([]core.Heading, error) {
	return s.listHeadings(func(h core.Heading) bool { return h.GroupID == groupID }), nil
}

func (s *Store) listHeadings(keep func(core.Heading) bool) []core.Heading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.Heading{}
	for _, h := range s.headings {
		if keep(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) CreateInvestment(_ context.Context, inv core.Investment) (core.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.headings[inv.HeadingID]; !ok {
		return core.Investment{}, notFound("heading", inv.HeadingID)
	}
	inv.ID = s.id()
	inv.Winner = core.WinnerUndecided
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now().UTC()
	}
	s.investments[inv.ID] = inv
	return inv, nil
}

func (s *Store) ListInvestments(_ context.Context, headingID int64) ([]core.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headingInvestments(headingID), nil
}

func (s *Store) headingInvestments(headingID int64) []core.Investment {
	out := []core.Investment{}
	for _, inv := range s.investments {
		if inv.HeadingID == headingID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) CastBallot(_ context.Context, b core.Ballot) (core.Ballot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.headings[b.HeadingID]; !ok {
		return core.Ballot{}, notFound("heading", b.HeadingID)
	}
	key := ballotKey{headingID: b.HeadingID, voterID: b.VoterID}
	if prev, ok := s.ballots[key]; ok {
		b.ID = prev.ID
	} else {
		b.ID = s.id()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	b.InvestmentIDs = append([]int64(nil), b.InvestmentIDs...)
	s.ballots[key] = b
	return b, nil
}

func (s *Store) CountVoterHeadings(_ context.Context, groupID int64, voterID string, exceptHeadingID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.ballots {
		if key.voterID != voterID || key.headingID == exceptHeadingID {
			continue
		}
		if s.headings[key.headingID].GroupID == groupID {
			n++
		}
	}
	return n, nil
}

// HeadingSnapshot copies the heading's state under one lock acquisition.
func (s *Store) HeadingSnapshot(_ context.Context, headingID int64) (core.HeadingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headings[headingID]
	if !ok {
		return core.HeadingSnapshot{}, notFound("heading", headingID)
	}
	b, ok := s.budgets[h.BudgetID]
	if !ok {
		return core.HeadingSnapshot{}, notFound("budget", h.BudgetID)
	}
	snap := core.HeadingSnapshot{
		Budget:      b,
		Heading:     h,
		Investments: s.headingInvestments(headingID),
	}
	for key, ballot := range s.ballots {
		if key.headingID == headingID {
			ballot.InvestmentIDs = append([]int64(nil), ballot.InvestmentIDs...)
			snap.Ballots = append(snap.Ballots, ballot)
		}
	}
	sort.Slice(snap.Ballots, func(i, j int) bool { return snap.Ballots[i].ID < snap.Ballots[j].ID })
	return snap, nil
}

// ReplaceResult swaps the heading's result and winner flags in one step.
func (s *Store) ReplaceResult(_ context.Context, r core.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headings[r.HeadingID]
	if !ok {
		return notFound("heading", r.HeadingID)
	}
	if r.Generation != h.Generation {
		return fmt.Errorf("result generation %d, heading at %d: %w",
			r.Generation, h.Generation, core.ErrConcurrentRunConflict)
	}

	selected := make(map[int64]bool)
	for _, id := range r.SelectedIDs() {
		selected[id] = true
	}
	for id, inv := range s.investments {
		if inv.HeadingID != r.HeadingID {
			continue
		}
		inv.Winner = core.WinnerNotSelected
		if selected[id] {
			inv.Winner = core.WinnerSelected
		}
		s.investments[id] = inv
	}
	r.Lines = append([]core.ResultLine(nil), r.Lines...)
	s.results[r.HeadingID] = r
	return nil
}

func (s *Store) GetResult(_ context.Context, headingID int64) (core.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[headingID]
	if !ok {
		return core.Result{}, notFound("result for heading", headingID)
	}
	r.Lines = append([]core.ResultLine(nil), r.Lines...)
	return r, nil
}

func (s *Store) RegisterRun(_ context.Context, budgetID, headingID int64, force bool) (core.CalculationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headings[headingID]
	if !ok || h.BudgetID != budgetID {
		return core.CalculationRun{}, notFound("heading", headingID)
	}
	h.Generation++
	s.headings[headingID] = h

	run := core.CalculationRun{
		RunID:       core.NewRunID(),
		BudgetID:    budgetID,
		HeadingID:   headingID,
		Generation:  h.Generation,
		Status:      core.RunScheduled,
		Force:       force,
		ScheduledAt: s.now().UTC(),
	}
	s.runs[run.RunID] = run
	return run, nil
}

func (s *Store) StartRun(_ context.Context, runID string) (core.CalculationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return core.CalculationRun{}, notFound("run", runID)
	}
	if run.Status.Terminal() {
		return run, nil
	}
	run.Status = core.RunRunning
	run.Attempts++
	run.StartedAt = s.now().UTC()
	s.runs[runID] = run
	return run, nil
}

func (s *Store) FinishRun(_ context.Context, runID string, status core.RunStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return notFound("run", runID)
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = status
	run.LastError = lastErr
	run.FinishedAt = s.now().UTC()
	s.runs[runID] = run
	return nil
}

func (s *Store) GetRun(_ context.Context, runID string) (core.CalculationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return core.CalculationRun{}, notFound("run", runID)
	}
	return run, nil
}

// ListRuns returns the budget's runs, newest first.
func (s *Store) ListRuns(_ context.Context, budgetID int64) ([]core.CalculationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.CalculationRun{}
	for _, run := range s.runs {
		if run.BudgetID == budgetID {
			out = append(out, run)
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *Store) PendingRuns(_ context.Context, scheduledBefore time.Time) ([]core.CalculationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.CalculationRun
	for _, run := range s.runs {
		if run.Status.Terminal() || run.ScheduledAt.After(scheduledBefore) {
			continue
		}
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func sortRuns(runs []core.CalculationRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].ScheduledAt.Equal(runs[j].ScheduledAt) {
			return runs[i].ScheduledAt.After(runs[j].ScheduledAt)
		}
		if runs[i].HeadingID != runs[j].HeadingID {
			return runs[i].HeadingID < runs[j].HeadingID
		}
		return runs[i].Generation > runs[j].Generation
	})
}
