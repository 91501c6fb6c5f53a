package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"participa/internal/backend"
	"participa/internal/cache"
	"participa/internal/cli"
	apphttp "participa/internal/http"
	applog "participa/internal/log"
	"participa/internal/ports"
	"participa/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}

	// Pool workers outlive the shutdown signal so queued runs can drain.
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()

	be, err := backend.NewFactory(logger.WithComponent(applog.ComponentBackend)).CreateBackend(runCtx, backendCfg)
	if err != nil {
		logger.Error("Failed to create backend", applog.FieldError, err)
		os.Exit(1)
	}

	admin := services.NewAdminService(be.Store)
	winners := services.NewWinnersService(be.Store, be.Scheduler)

	cacheManager := cache.NewManager()
	cacheManager.Register(be.Store)
	cacheManager.StartCleanup(runCtx, time.Minute)

	// With the broker the worker owns recovery.
	var recovery *services.RecoveryProcessor
	if backendCfg.Scheduler != backend.AMQPScheduler {
		recovery = services.NewRecoveryProcessor(be.Store, be.Scheduler, services.RecoveryConfig{
			Interval:   cfg.RecoveryInterval,
			StaleAfter: cfg.RecoveryStaleAfter,
		})
		if err := recovery.Start(runCtx); err != nil {
			logger.Error("Failed to start run recovery", applog.FieldError, err)
		}
	}

	checks := map[string]apphttp.ReadinessCheck{
		"store": func(ctx context.Context) error {
			_, err := be.Store.ListBudgets(ctx, ports.FilterAll, 1, 0)
			return err
		},
	}
	if be.AMQP != nil {
		checks["amqp"] = func(context.Context) error { return be.AMQP.Ping() }
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Dependencies{
		Admin:   admin,
		Winners: winners,
		Results: be.Store,
		Checks:  checks,
		Logger:  logger.WithComponent(applog.ComponentHTTP),
	})
	srv.MaxHeaderBytes = 1 << 16

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		if recovery != nil {
			if err := recovery.Stop(shutdownCtx); err != nil {
				logger.Error("Run recovery shutdown error", applog.FieldError, err)
			}
		}
		cacheManager.Stop()
		if err := be.Cleanup(shutdownCtx); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err)
		}
		stopRuns()
	})

	logger.Info("Starting participa server",
		"port", cfg.Port,
		"backend", backendCfg.Type,
		"scheduler", backendCfg.Scheduler)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
