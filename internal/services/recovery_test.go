package services

import (
	"context"
	"testing"
	"time"

	"participa/internal/core"
	"participa/internal/scheduler"
	"participa/internal/storage/memory"
	"participa/internal/storage/storetest"
)

func TestRecoverPending_CompletesStuckRuns(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)

	// A run registered by a process that crashed before executing it.
	stuck, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false)
	if err != nil {
		t.Fatalf("RegisterRun failed: %v", err)
	}

	runner := NewRunner(s, nil, testRunnerConfig())
	p := NewRecoveryProcessor(s, scheduler.NewInline(runner), DefaultRecoveryConfig())

	n, err := p.RecoverPending(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RecoverPending failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d runs, want 1", n)
	}

	got, _ := s.GetRun(ctx, stuck.RunID)
	if got.Status != core.RunCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	n, _ = p.RecoverPending(ctx, time.Now().Add(time.Minute))
	if n != 0 {
		t.Errorf("second sweep recovered %d runs, want 0", n)
	}
}

func TestRecoverPending_RespectsCutoff(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := storetest.Seed(t, s, core.PhaseBalloting, core.VotingStyleApproval, 1000, 600)
	if _, err := s.RegisterRun(ctx, f.Budget.ID, f.Heading.ID, false); err != nil {
		t.Fatalf("RegisterRun failed: %v", err)
	}

	sched := &stubScheduler{}
	n, err := NewRecoveryProcessor(s, sched, DefaultRecoveryConfig()).RecoverPending(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecoverPending failed: %v", err)
	}
	if n != 0 || len(sched.jobs) != 0 {
		t.Errorf("recovered %d runs, want none scheduled after the cutoff", n)
	}
}

func TestRecoveryProcessor_StartStop(t *testing.T) {
	s := memory.New()
	sched := &stubScheduler{}
	p := NewRecoveryProcessor(s, sched, RecoveryConfig{Interval: 10 * time.Millisecond, StaleAfter: time.Minute})

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !p.IsRunning() {
		t.Error("expected processor to be running")
	}
	if err := p.Start(ctx); err == nil {
		t.Error("expected second Start to fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if p.IsRunning() {
		t.Error("expected processor to be stopped")
	}
}
