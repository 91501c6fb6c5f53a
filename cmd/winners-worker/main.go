package main

import (
	"context"
	"errors"
	"os"
	"time"

	"participa/internal/backend"
	"participa/internal/cli"
	applog "participa/internal/log"
	"participa/internal/scheduler"
	"participa/internal/services"
	"participa/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentWorker)
	logger.Info("Starting winners-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	// The worker always consumes from the broker, whatever the server schedules with.
	cfg.SchedulerBackend = string(backend.AMQPScheduler)
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	be, err := backend.NewFactory(logger.WithComponent(applog.ComponentBackend)).CreateBackend(runCtx, backendCfg)
	if err != nil {
		logger.Error("Failed to create backend", applog.FieldError, err)
		os.Exit(1)
	}

	// Runs a crashed worker left behind are executed here directly.
	recovery := services.NewRecoveryProcessor(be.Store, scheduler.NewInline(be.Runner), services.RecoveryConfig{
		Interval:   cfg.RecoveryInterval,
		StaleAfter: cfg.RecoveryStaleAfter,
	})
	if err := recovery.Start(runCtx); err != nil {
		logger.Error("Failed to start run recovery", applog.FieldError, err)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		stop()
		if err := recovery.Stop(shutdownCtx); err != nil {
			logger.Error("Run recovery shutdown error", applog.FieldError, err)
		}
		if err := be.Cleanup(shutdownCtx); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err)
		}
	})

	calculationWorker := worker.NewCalculationWorker(be.Runner)
	go func() {
		err := be.AMQP.ConsumeWithReconnect(runCtx, calculationWorker.HandleCalculationMessage)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", applog.FieldError, err)
		}
	}()

	logger.Info("Consuming heading calculations",
		"queue", backendCfg.AMQPQueue,
		"concurrency", backendCfg.Prefetch)

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped")
}
