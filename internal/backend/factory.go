package backend

import (
	"context"
	"errors"
	"fmt"

	"participa/internal/amqp"
	"participa/internal/cache"
	applog "participa/internal/log"
	"participa/internal/ports"
	"participa/internal/publish/google"
	"participa/internal/scheduler"
	"participa/internal/services"
	"participa/internal/storage"
	"participa/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *applog.Logger

	// newPublisher builds the results exporter; replaced in tests.
	newPublisher func(ctx context.Context) (ports.ResultPublisher, error)
}

// NewFactory creates a new backend factory
func NewFactory(logger *applog.Logger) Factory {
	if logger == nil {
		logger = applog.Default(applog.ComponentBackend)
	}
	return &DefaultFactory{
		logger: logger,
		newPublisher: func(ctx context.Context) (ports.ResultPublisher, error) {
			c, err := google.NewFromEnv(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

// CreateBackend builds store, publisher, runner and scheduler. Pool workers
// run with ctx until Cleanup is called.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var closers []func(context.Context) error
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}

	store, err := f.createStore(config)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func(context.Context) error { return store.Close() })
	cached := cache.NewResultStore(store, config.ResultCacheSize, config.ResultCacheTTL)

	var publisher ports.ResultPublisher
	if config.Publish {
		publisher, err = f.newPublisher(ctx)
		if err != nil {
			cleanup(ctx)
			return nil, fmt.Errorf("failed to initialize results publisher: %w", err)
		}
		f.logger.Info("Initialized Google Sheets results publisher")
	}

	runner := services.NewRunner(cached, publisher, config.Runner)
	result := &BackendResult{
		Store:     cached,
		Publisher: publisher,
		Runner:    runner,
	}

	switch config.Scheduler {
	case InlineScheduler:
		result.Scheduler = scheduler.NewInline(runner)
	case PoolScheduler:
		pool := scheduler.NewPool(runner, scheduler.PoolConfig{Workers: config.Workers, QueueSize: config.QueueSize})
		if err := pool.Start(ctx); err != nil {
			cleanup(ctx)
			return nil, fmt.Errorf("failed to start scheduler pool: %w", err)
		}
		closers = append(closers, func(context.Context) error { return pool.Close() })
		result.Scheduler = pool
	case AMQPScheduler:
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, config.Prefetch)
		if err != nil {
			cleanup(ctx)
			return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
		}
		client.SetRetryPolicy(config.Runner.Retry)
		closers = append(closers, func(context.Context) error { return client.Close() })
		result.Scheduler = client
		result.AMQP = client
		f.logger.Info("Initialized AMQP client",
			"exchange", config.AMQPExchange,
			"queue", config.AMQPQueue)
	}

	result.Cleanup = cleanup
	f.logger.Info("Initialized backend",
		"type", config.Type,
		"scheduler", config.Scheduler,
		"publish", publisher != nil)
	return result, nil
}

func (f *DefaultFactory) createStore(config Config) (ports.Store, error) {
	switch config.Type {
	case SQLiteBackend:
		if err := storage.RunMigrations(config.SQLiteDBPath); err != nil {
			return nil, fmt.Errorf("failed to migrate SQLite database: %w", err)
		}
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return repo, nil
	case MemoryBackend:
		f.logger.Info("Initialized memory backend")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}
