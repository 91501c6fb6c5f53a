package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"participa/internal/ports"
)

// RecoveryConfig holds configuration for the run recovery processor
type RecoveryConfig struct {
	// Interval is how often to look for stuck runs (default: 1m)
	Interval time.Duration

	// StaleAfter is how long a run may stay scheduled or running before it
	// is handed to the scheduler again (default: 5m)
	StaleAfter time.Duration
}

// DefaultRecoveryConfig returns sensible defaults
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:   1 * time.Minute,
		StaleAfter: 5 * time.Minute,
	}
}

// RecoveryProcessor reschedules calculation runs that never reached a
// terminal status, for example because the process executing them crashed.
// Re-executing a run is safe: a finished run is skipped and a stale one is
// superseded by the recorder.
type RecoveryProcessor struct {
	runs      ports.RunStore
	scheduler ports.Scheduler
	config    RecoveryConfig

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewRecoveryProcessor(runs ports.RunStore, scheduler ports.Scheduler, config RecoveryConfig) *RecoveryProcessor {
	return &RecoveryProcessor{
		runs:      runs,
		scheduler: scheduler,
		config:    config,
	}
}

// RecoverPending reschedules every run scheduled before the cutoff that is
// still pending. It returns how many runs were handed off.
func (p *RecoveryProcessor) RecoverPending(ctx context.Context, scheduledBefore time.Time) (int, error) {
	runs, err := p.runs.PendingRuns(ctx, scheduledBefore)
	if err != nil {
		return 0, fmt.Errorf("list pending runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		if err := p.scheduler.Schedule(ctx, run.Job()); err != nil {
			slog.WarnContext(ctx, "Failed to reschedule pending run",
				"run_id", run.RunID,
				"heading_id", run.HeadingID,
				"status", run.Status,
				"error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		slog.InfoContext(ctx, "Rescheduled pending calculation runs",
			"pending", len(runs),
			"recovered", recovered)
	}
	return recovered, nil
}

// Start recovers every pending run once and then sweeps periodically.
// Returns an error if already running.
func (p *RecoveryProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("recovery processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	if _, err := p.RecoverPending(ctx, timeNow()); err != nil {
		slog.WarnContext(ctx, "Startup recovery failed", "error", err)
	}

	go p.runLoop(ctx)

	slog.InfoContext(ctx, "Recovery processor started",
		"interval", p.config.Interval,
		"stale_after", p.config.StaleAfter)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *RecoveryProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		slog.InfoContext(ctx, "Recovery processor stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Recovery processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return nil
}

// IsRunning returns whether the processor is currently running
func (p *RecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RecoveryProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RecoverPending(ctx, timeNow().Add(-p.config.StaleAfter)); err != nil {
				slog.ErrorContext(ctx, "Periodic recovery failed", "error", err)
			}
		}
	}
}

