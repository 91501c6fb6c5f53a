// Package cli provides common CLI initialization utilities.
// This package consolidates repeated initialization patterns across
// cmd/participa, cmd/winners-worker, and cmd/participactl.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"participa/internal/config"
	applog "participa/internal/log"
)

// SetupLogger installs a text logger on stdout at the level named by
// LOG_LEVEL and returns it.
func SetupLogger(component string) *applog.Logger {
	return installLogger(component, os.Stdout, applog.ParseLevel(os.Getenv("LOG_LEVEL")))
}

// SetupCLILogger logs to stderr so command output on stdout stays parseable.
// quiet raises the level to Warn.
func SetupCLILogger(component string, quiet bool) *applog.Logger {
	level := applog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	return installLogger(component, os.Stderr, level)
}

func installLogger(component string, w io.Writer, level slog.Level) *applog.Logger {
	cfg := applog.DefaultConfig()
	cfg.Component = component
	cfg.Level = level
	cfg.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})

	logger := applog.New(cfg)
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *applog.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()

		if cleanup != nil {
			cleanup(shutdownCtx)
		}

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup finished.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}

