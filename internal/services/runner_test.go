package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"participa/internal/core"
	"participa/internal/scheduler"
	"participa/internal/storage/memory"
	"participa/internal/storage/storetest"
)

func testRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Retry: scheduler.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
		Strategy: StrategyOptions{KnapsackMaxUnits: DefaultKnapsackMaxUnits},
	}
}

// castSupport casts ballots so that investment i ends up with support[i]
// votes: voter n selects every investment whose support exceeds n.
func castSupport(t *testing.T, s *memory.Store, f storetest.Fixture, voterPrefix string, support ...int) {
	t.Helper()
	max := 0
	for _, n := range support {
		if n > max {
			max = n
		}
	}
	for voter := 0; voter < max; voter++ {
		var ids []int64
		for i, n := range support {
			if voter < n {
				ids = append(ids, f.Investments[i].ID)
			}
		}
		_, err := s.CastBallot(context.Background(), core.Ballot{
			HeadingID:     f.Heading.ID,
			VoterID:       fmt.Sprintf("%s-%d", voterPrefix, voter),
			InvestmentIDs: ids,
		})
		if err != nil {
			t.Fatalf("CastBallot failed: %v", err)
		}
	}
}

func winnerFlags(t *testing.T, s *memory.Store, headingID int64) map[int64]core.Winner {
	t.Helper()
	investments, err := s.ListInvestments(context.Background(), headingID)
	if err != nil {
		t.Fatalf("ListInvestments failed: %v", err)
	}
	flags := make(map[int64]core.Winner, len(investments))
	for _, inv := range investments {
		flags[inv.ID] = inv.Winner
	}
	return flags
}

func calculate(t *testing.T, s *memory.Store, budgetID int64, runner *Runner) ScheduleReport {
	t.Helper()
	report, err := NewWinnersService(s, scheduler.NewInline(runner)).CalculateWinners(context.Background(), budgetID, CalculateOptions{})
	if err != nil {
		t.Fatalf("CalculateWinners failed: %v", err)
	}
	return report
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []core.Result
	err     error
}

func (p *recordingPublisher) PublishResult(_ context.Context, _ core.Budget, _ core.Heading, result core.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	return p.err
}

func TestRunner_ScenarioA_Approval(t *testing.T) {
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600, 500, 300)
	castSupport(t, s, f, "voter", 10, 8, 5)

	pub := &recordingPublisher{}
	report := calculate(t, s, f.Budget.ID, NewRunner(s, pub, testRunnerConfig()))
	if len(report.Runs) != 1 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	want := map[int64]core.Winner{
		f.Investments[0].ID: core.WinnerSelected,
		f.Investments[1].ID: core.WinnerNotSelected,
		f.Investments[2].ID: core.WinnerSelected,
	}
	if diff := cmp.Diff(want, winnerFlags(t, s, f.Heading.ID)); diff != "" {
		t.Errorf("winner flags mismatch (-want +got):\n%s", diff)
	}

	result, err := s.GetResult(context.Background(), f.Heading.ID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if result.Spent.Cents != 900 || result.RunID != report.Runs[0].RunID || result.Generation != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	run, _ := s.GetRun(context.Background(), report.Runs[0].RunID)
	if run.Status != core.RunCompleted || run.Attempts != 1 {
		t.Errorf("run = %+v, want completed after one attempt", run)
	}
	if len(pub.results) != 1 {
		t.Errorf("published %d results, want 1", len(pub.results))
	}
}

func TestRunner_ScenarioB_Knapsack(t *testing.T) {
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleKnapsack, 1000, 600, 500, 300)
	castSupport(t, s, f, "voter", 10, 8, 5)

	calculate(t, s, f.Budget.ID, NewRunner(s, nil, testRunnerConfig()))

	result, err := s.GetResult(context.Background(), f.Heading.ID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	ids := []int64{f.Investments[0].ID, f.Investments[2].ID}
	if diff := cmp.Diff(ids, result.SelectedIDs()); diff != "" {
		t.Errorf("winners mismatch (-want +got):\n%s", diff)
	}
	if result.VotingStyle != core.VotingStyleKnapsack || result.Spent.Cents != 900 {
		t.Errorf("unexpected result: %+v", result.Allocation)
	}
}

func TestRunner_ScenarioC_RecalculationFlipsWinners(t *testing.T) {
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600, 500, 300)
	castSupport(t, s, f, "voter", 10, 8, 5)
	runner := NewRunner(s, nil, testRunnerConfig())

	calculate(t, s, f.Budget.ID, runner)
	if got := winnerFlags(t, s, f.Heading.ID)[f.Investments[0].ID]; got != core.WinnerSelected {
		t.Fatalf("first calculation: investment 1 = %q, want selected", got)
	}

	// Ten more voters back the second investment, overtaking the first.
	castSupport(t, s, f, "late", 0, 10, 0)
	report := calculate(t, s, f.Budget.ID, runner)

	want := map[int64]core.Winner{
		f.Investments[0].ID: core.WinnerNotSelected,
		f.Investments[1].ID: core.WinnerSelected,
		f.Investments[2].ID: core.WinnerSelected,
	}
	if diff := cmp.Diff(want, winnerFlags(t, s, f.Heading.ID)); diff != "" {
		t.Errorf("winner flags mismatch (-want +got):\n%s", diff)
	}

	result, _ := s.GetResult(context.Background(), f.Heading.ID)
	if result.Generation != 2 || result.RunID != report.Runs[0].RunID {
		t.Errorf("result generation/run = %d/%s, want 2/%s", result.Generation, result.RunID, report.Runs[0].RunID)
	}
}

func TestRunner_StaleGenerationIsSuperseded(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	castSupport(t, s, f, "voter", 3)

	older, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if err != nil {
		t.Fatalf("RegisterRun failed: %v", err)
	}
	newer, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if err != nil {
		t.Fatalf("RegisterRun failed: %v", err)
	}

	runner := NewRunner(s, nil, testRunnerConfig())
	if err := runner.Execute(ctx, newer.Job()); err != nil {
		t.Fatalf("newer run failed: %v", err)
	}
	if err := runner.Execute(ctx, older.Job()); err != nil {
		t.Fatalf("older run failed: %v", err)
	}

	gotOlder, _ := s.GetRun(ctx, older.RunID)
	if gotOlder.Status != core.RunSuperseded {
		t.Errorf("older run status = %s, want superseded", gotOlder.Status)
	}
	result, _ := s.GetResult(ctx, f.Heading.ID)
	if result.RunID != newer.RunID {
		t.Errorf("result recorded by %s, want %s", result.RunID, newer.RunID)
	}
}

func TestRunner_AbandonsOutsideBalloting(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseSelecting, core.VotingStyleApproval, 1000, 600)

	run, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if err := NewRunner(s, nil, testRunnerConfig()).Execute(ctx, run.Job()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, _ := s.GetRun(ctx, run.RunID)
	if got.Status != core.RunAbandoned {
		t.Errorf("status = %s, want abandoned", got.Status)
	}
	if _, err := s.GetResult(ctx, f.Heading.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected no result, got %v", err)
	}
}

func TestRunner_ForcedRunIgnoresPhase(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseSelecting, core.VotingStyleApproval, 1000, 600)

	run, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, true)
	if err := NewRunner(s, nil, testRunnerConfig()).Execute(ctx, run.Job()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, _ := s.GetRun(ctx, run.RunID)
	if got.Status != core.RunCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if flags := winnerFlags(t, s, f.Heading.ID); flags[f.Investments[0].ID] != core.WinnerSelected {
		t.Errorf("unsupported investment that fits should still be selected, got %v", flags)
	}
}

func TestRunner_InfeasibleHeadingFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 0)

	run, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	err := NewRunner(s, nil, testRunnerConfig()).Execute(ctx, run.Job())
	if !errors.Is(err, core.ErrInfeasibleHeadingState) {
		t.Fatalf("expected ErrInfeasibleHeadingState, got %v", err)
	}

	got, _ := s.GetRun(ctx, run.RunID)
	if got.Status != core.RunFailed || got.Attempts != 1 || got.LastError == "" {
		t.Errorf("run = %+v, want failed after one attempt", got)
	}
	if _, err := s.GetResult(ctx, f.Heading.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected no result, got %v", err)
	}
}

// flakyStore fails the first snapshot reads with an infrastructure error.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (s *flakyStore) HeadingSnapshot(ctx context.Context, headingID int64) (core.HeadingSnapshot, error) {
	if s.failures.Add(-1) >= 0 {
		return core.HeadingSnapshot{}, errors.New("database is locked")
	}
	return s.Store.HeadingSnapshot(ctx, headingID)
}

func TestRunner_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		wantStatus core.RunStatus
		wantErr    bool
	}{
		{"recovers on a later attempt", 2, core.RunCompleted, false},
		{"gives up after max attempts", 3, core.RunFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := memory.New()
			f := storetest.Seed(t, mem, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
			s := &flakyStore{Store: mem}
			s.failures.Store(tt.failures)

			run, _ := mem.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
			err := NewRunner(s, nil, testRunnerConfig()).Execute(ctx, run.Job())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !core.IsRetryable(err) {
				t.Errorf("expected a transient error, got %v", err)
			}

			got, _ := mem.GetRun(ctx, run.RunID)
			if got.Status != tt.wantStatus || got.Attempts != 3 {
				t.Errorf("run = %s after %d attempts, want %s after 3", got.Status, got.Attempts, tt.wantStatus)
			}
		})
	}
}

func TestRunner_CancelledRunIsLeftForRecovery(t *testing.T) {
	mem := memory.New()
	f := storetest.Seed(t, mem, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	s := &flakyStore{Store: mem}
	s.failures.Store(100)

	ctx, cancel := context.WithCancel(context.Background())
	run, _ := mem.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)

	config := testRunnerConfig()
	config.Retry.BaseDelay = time.Hour
	config.Retry.MaxDelay = time.Hour

	done := make(chan error, 1)
	go func() { done <- NewRunner(s, nil, config).Execute(ctx, run.Job()) }()

	// Wait for the first attempt before cancelling.
	deadline := time.After(5 * time.Second)
	for {
		got, _ := mem.GetRun(context.Background(), run.RunID)
		if got.Attempts > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first attempt never started")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !core.IsRetryable(err) {
		t.Fatalf("expected a transient error, got %v", err)
	}
	got, _ := mem.GetRun(context.Background(), run.RunID)
	if got.Status.Terminal() {
		t.Errorf("status = %s, want the run left pending", got.Status)
	}
}

func TestRunner_DuplicateDeliveryIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	pub := &recordingPublisher{}
	runner := NewRunner(s, pub, testRunnerConfig())

	run, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	for i := 0; i < 2; i++ {
		if err := runner.Execute(ctx, run.Job()); err != nil {
			t.Fatalf("Execute #%d failed: %v", i+1, err)
		}
	}

	got, _ := s.GetRun(ctx, run.RunID)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if len(pub.results) != 1 {
		t.Errorf("published %d results, want 1", len(pub.results))
	}
}

func TestRunner_PublishFailureDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)

	run, _ := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	pub := &recordingPublisher{err: errors.New("sheets unavailable")}
	if err := NewRunner(s, pub, testRunnerConfig()).Execute(ctx, run.Job()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got, _ := s.GetRun(ctx, run.RunID)
	if got.Status != core.RunCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestRunner_ConcurrentRunsOfOneHeading(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleKnapsack, 1000, 600, 500, 300)
	castSupport(t, s, f, "voter", 10, 8, 5)
	runner := NewRunner(s, nil, testRunnerConfig())

	var runs []core.CalculationRun
	for i := 0; i < 8; i++ {
		run, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
		if err != nil {
			t.Fatalf("RegisterRun failed: %v", err)
		}
		runs = append(runs, run)
	}

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(job core.CalculationJob) {
			defer wg.Done()
			if err := runner.Execute(ctx, job); err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}(run.Job())
	}
	wg.Wait()

	latest := runs[len(runs)-1]
	result, err := s.GetResult(ctx, f.Heading.ID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if result.RunID != latest.RunID {
		t.Errorf("result recorded by %s, want latest run %s", result.RunID, latest.RunID)
	}
	for _, run := range runs[:len(runs)-1] {
		got, _ := s.GetRun(ctx, run.RunID)
		if got.Status != core.RunSuperseded {
			t.Errorf("run %d status = %s, want superseded", got.Generation, got.Status)
		}
	}
}
