package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"participa/internal/core"
	"participa/internal/storage/memory"
	"participa/internal/storage/storetest"
)

// stubScheduler records jobs and fails those for the headings in failFor.
type stubScheduler struct {
	mu      sync.Mutex
	jobs    []core.CalculationJob
	failFor map[int64]bool
}

func (s *stubScheduler) Schedule(_ context.Context, job core.CalculationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[job.HeadingID] {
		return core.Transient(errors.New("queue unavailable"))
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func addHeading(t *testing.T, s *memory.Store, f storetest.Fixture, name string) core.Heading {
	t.Helper()
	h, err := s.CreateHeading(context.Background(), core.Heading{
		GroupID:  f.Group.ID,
		BudgetID: f.Budget.ID,
		Name:     name,
		Amount:   core.Money{Cents: 5000},
	})
	if err != nil {
		t.Fatalf("CreateHeading failed: %v", err)
	}
	return h
}

func TestCalculateWinners_PhaseGate(t *testing.T) {
	tests := []struct {
		name    string
		phase   core.Phase
		force   bool
		wantErr error
	}{
		{"drafting", core.PhaseDrafting, false, core.ErrInvalidState},
		{"selecting", core.PhaseSelecting, false, core.ErrInvalidState},
		{"selecting forced", core.PhaseSelecting, true, nil},
		{"balloting", core.PhaseBalloting, false, nil},
		{"finished", core.PhaseFinished, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			f := storetest.Seed(t, s, tt.phase, core.VotingStyleApproval, 1000, 600)
			sched := &stubScheduler{}

			_, err := NewWinnersService(s, sched).CalculateWinners(context.Background(), f.Budget.ID, CalculateOptions{Force: tt.force})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			wantJobs := 1
			if tt.wantErr != nil {
				wantJobs = 0
			}
			if len(sched.jobs) != wantJobs {
				t.Errorf("scheduled %d jobs, want %d", len(sched.jobs), wantJobs)
			}
		})
	}
}

func TestCalculateWinners_UnknownBudget(t *testing.T) {
	_, err := NewWinnersService(memory.New(), &stubScheduler{}).CalculateWinners(context.Background(), 42, CalculateOptions{})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCalculateWinners_OneRunPerHeading(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	second := addHeading(t, s, f, "Norte")
	third := addHeading(t, s, f, "Sur")
	sched := &stubScheduler{}

	report, err := NewWinnersService(s, sched).CalculateWinners(ctx, f.Budget.ID, CalculateOptions{})
	if err != nil {
		t.Fatalf("CalculateWinners failed: %v", err)
	}
	if len(report.Runs) != 3 || len(sched.jobs) != 3 {
		t.Fatalf("runs/jobs = %d/%d, want 3/3", len(report.Runs), len(sched.jobs))
	}

	seen := make(map[int64]bool)
	for i, job := range sched.jobs {
		seen[job.HeadingID] = true
		if job.RunID != report.Runs[i].RunID || job.Generation != 1 || job.BudgetID != f.Budget.ID {
			t.Errorf("job %d = %+v does not match run %+v", i, job, report.Runs[i])
		}
	}
	for _, id := range []int64{f.Heading.ID, second.ID, third.ID} {
		if !seen[id] {
			t.Errorf("heading %d was not scheduled", id)
		}
	}

	// The trigger returns before any calculation happened.
	for _, run := range report.Runs {
		got, _ := s.GetRun(ctx, run.RunID)
		if got.Status != core.RunScheduled {
			t.Errorf("run %s status = %s, want scheduled", run.RunID, got.Status)
		}
	}
}

func TestCalculateWinners_ScheduleFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	broken := addHeading(t, s, f, "Norte")
	sched := &stubScheduler{failFor: map[int64]bool{broken.ID: true}}

	report, err := NewWinnersService(s, sched).CalculateWinners(ctx, f.Budget.ID, CalculateOptions{})
	if err != nil {
		t.Fatalf("CalculateWinners failed: %v", err)
	}
	if len(sched.jobs) != 1 || sched.jobs[0].HeadingID != f.Heading.ID {
		t.Errorf("jobs = %+v, want only heading %d", sched.jobs, f.Heading.ID)
	}
	if len(report.Failures) != 1 || report.Failures[0].HeadingID != broken.ID {
		t.Fatalf("failures = %+v, want heading %d", report.Failures, broken.ID)
	}

	failed, err := s.GetRun(ctx, report.Failures[0].RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if failed.Status != core.RunFailed || failed.LastError == "" {
		t.Errorf("run = %+v, want failed with a reason", failed)
	}
}

func TestRetryFailed(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	broken := addHeading(t, s, f, "Norte")

	sched := &stubScheduler{failFor: map[int64]bool{broken.ID: true}}
	svc := NewWinnersService(s, sched)
	if _, err := svc.CalculateWinners(ctx, f.Budget.ID, CalculateOptions{}); err != nil {
		t.Fatalf("CalculateWinners failed: %v", err)
	}

	sched.failFor = nil
	sched.jobs = nil
	report, err := svc.RetryFailed(ctx, f.Budget.ID)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if len(report.Runs) != 1 || report.Runs[0].HeadingID != broken.ID {
		t.Fatalf("runs = %+v, want one run for heading %d", report.Runs, broken.ID)
	}
	if report.Runs[0].Generation != 2 {
		t.Errorf("generation = %d, want 2", report.Runs[0].Generation)
	}

	// Nothing is left to retry once the latest run is no longer failed.
	again, err := svc.RetryFailed(ctx, f.Budget.ID)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if len(again.Runs) != 0 {
		t.Errorf("expected nothing to retry, got %+v", again.Runs)
	}
}
