package backend

import (
	"errors"
	"fmt"

	"participa/internal/config"
	"participa/internal/scheduler"
	"participa/internal/services"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, errors.New("app config is nil")
	}

	cfg := Config{
		Type:      BackendType(appConfig.DataBackend),
		Scheduler: SchedulerType(appConfig.SchedulerBackend),

		SQLiteDBPath: appConfig.SQLiteDBPath,

		Workers:   appConfig.WorkerConcurrency,
		QueueSize: appConfig.WorkerQueueSize,

		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
		AMQPQueue:    appConfig.AMQPQueue,
		Prefetch:     appConfig.WorkerConcurrency,

		Runner: services.RunnerConfig{
			Retry: scheduler.RetryPolicy{
				MaxAttempts: appConfig.CalcMaxAttempts,
				BaseDelay:   appConfig.CalcRetryBaseDelay,
				MaxDelay:    appConfig.CalcRetryMaxDelay,
			},
			Strategy: services.StrategyOptions{KnapsackMaxUnits: appConfig.KnapsackMaxUnits},
		},

		Publish: appConfig.PublishEnabled(),

		ResultCacheSize: appConfig.ResultCacheSize,
		ResultCacheTTL:  appConfig.ResultCacheTTL,
	}
	return cfg, cfg.Validate()
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	if !c.Scheduler.IsValid() {
		return fmt.Errorf("invalid scheduler type: %s", c.Scheduler)
	}

	if c.Type == SQLiteBackend && c.SQLiteDBPath == "" {
		return errors.New("SQLite database path is required for sqlite backend")
	}

	if c.Scheduler == AMQPScheduler {
		if c.Type == MemoryBackend {
			return errors.New("amqp scheduler cannot share a memory backend with its workers")
		}
		if c.AMQPURL == "" || c.AMQPExchange == "" || c.AMQPQueue == "" {
			return errors.New("AMQP URL, exchange and queue are required for amqp scheduler")
		}
	}

	if c.Runner.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid max attempts: %d", c.Runner.Retry.MaxAttempts)
	}
	return nil
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	return []string{SQLiteBackend.String(), MemoryBackend.String()}
}

// GetSchedulerTypeStrings returns all valid scheduler type strings
func GetSchedulerTypeStrings() []string {
	return []string{InlineScheduler.String(), PoolScheduler.String(), AMQPScheduler.String()}
}
