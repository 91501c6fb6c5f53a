package backend

import (
	"context"
	"time"

	"participa/internal/amqp"
	"participa/internal/cache"
	"participa/internal/ports"
	"participa/internal/services"
)

// CleanupFunc releases what a backend holds.
type CleanupFunc func(ctx context.Context) error

// BackendResult is everything a binary needs to serve and calculate.
type BackendResult struct {
	// Store reads heading results through the result cache.
	Store *cache.ResultStore
	// Publisher is nil unless results are exported.
	Publisher ports.ResultPublisher
	Runner    *services.Runner
	Scheduler ports.Scheduler
	// AMQP is set when the scheduler publishes to the broker.
	AMQP    *amqp.Client
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type      BackendType
	Scheduler SchedulerType

	// SQLite specific
	SQLiteDBPath string

	// Pool specific
	Workers   int
	QueueSize int

	// AMQP specific
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
	Prefetch     int

	Runner services.RunnerConfig

	// Publish exports recorded results to Google Sheets.
	Publish bool

	ResultCacheSize int
	ResultCacheTTL  time.Duration
}

// BackendType is where budgets, ballots and results are stored.
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// SchedulerType is how heading calculations are handed off.
type SchedulerType string

const (
	InlineScheduler SchedulerType = "inline"
	PoolScheduler   SchedulerType = "pool"
	AMQPScheduler   SchedulerType = "amqp"
)

func (st SchedulerType) String() string {
	return string(st)
}

func (st SchedulerType) IsValid() bool {
	switch st {
	case InlineScheduler, PoolScheduler, AMQPScheduler:
		return true
	default:
		return false
	}
}
