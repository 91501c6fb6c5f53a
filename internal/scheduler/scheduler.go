package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"participa/internal/core"
)

// Executor runs one heading calculation to a terminal status, retrying
// transient failures itself.
type Executor interface {
	Execute(ctx context.Context, job core.CalculationJob) error
}

// ErrPoolClosed is returned when scheduling on a pool that is shutting down.
var ErrPoolClosed = errors.New("scheduler pool closed")

// Inline runs each job synchronously inside Schedule. It is meant for tests
// and for the operator CLI, where the caller wants to wait for the outcome.
type Inline struct {
	exec Executor
}

func NewInline(exec Executor) *Inline {
	return &Inline{exec: exec}
}

func (s *Inline) Schedule(ctx context.Context, job core.CalculationJob) error {
	return s.exec.Execute(ctx, job)
}

// PoolConfig holds configuration for the in-process worker pool
type PoolConfig struct {
	// Workers is the number of concurrent calculations (default: 4)
	Workers int

	// QueueSize is the number of jobs that may wait for a worker (default: 256)
	QueueSize int
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   4,
		QueueSize: 256,
	}
}

// Pool runs jobs on a bounded set of goroutines. Schedule only enqueues and
// never waits for a calculation to finish.
type Pool struct {
	exec   Executor
	config PoolConfig

	mu      sync.Mutex
	queue   chan core.CalculationJob
	group   *errgroup.Group
	started bool
	closed  bool
}

func NewPool(exec Executor, config PoolConfig) *Pool {
	if config.Workers < 1 {
		config.Workers = DefaultPoolConfig().Workers
	}
	if config.QueueSize < 1 {
		config.QueueSize = DefaultPoolConfig().QueueSize
	}
	return &Pool{
		exec:   exec,
		config: config,
		queue:  make(chan core.CalculationJob, config.QueueSize),
	}
}

// Start launches the workers. Jobs run with ctx; cancelling it stops
// workers after their current job.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("scheduler pool is already running")
	}
	if p.closed {
		return ErrPoolClosed
	}
	p.started = true

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	p.group = g

	slog.InfoContext(ctx, "Scheduler pool started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
	return nil
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.exec.Execute(ctx, job); err != nil {
				slog.ErrorContext(ctx, "Heading calculation failed",
					"run_id", job.RunID,
					"heading_id", job.HeadingID,
					"error", err)
			}
		}
	}
}

// Schedule enqueues the job. It fails with a transient error when the queue
// is full so the caller can surface or retry it.
func (p *Pool) Schedule(ctx context.Context, job core.CalculationJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return core.Transient(fmt.Errorf("scheduler queue full (%d jobs)", p.config.QueueSize))
	}
}

// Close stops accepting jobs and waits until every queued job has run.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	group := p.group
	p.mu.Unlock()

	if group == nil {
		return nil
	}
	return group.Wait()
}
