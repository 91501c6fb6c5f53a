package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"participa/internal/backend"
	"participa/internal/cli"
	"participa/internal/config"
	applog "participa/internal/log"
	"participa/internal/services"
)

var (
	flagQuiet bool
	flagJSON  bool
)

// app is the backend every subcommand works against, built once per invocation.
type app struct {
	backend *backend.BackendResult
	admin   *services.AdminService
	winners *services.WinnersService
}

// newRootCmd wires the subcommands to a. The caller closes a after Execute,
// since cobra skips post-run hooks when a command fails.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "participactl",
		Short:         "Operate participatory budget winner calculations",
		Long:          "Recalculate winners synchronously, inspect results and calculation runs, and retry failed runs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}

	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Only log warnings and errors")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print JSON instead of tables")

	root.AddCommand(
		newCalculateCmd(a),
		newResultCmd(a),
		newRunsCmd(a),
		newRetryFailedCmd(a),
	)
	return root
}

// open builds the backend from the environment. Calculations always run
// inline so each command returns with the runs' final statuses.
func (a *app) open(ctx context.Context) error {
	cli.LoadEnvFile()

	logger := cli.SetupCLILogger(applog.ComponentApp, flagQuiet)

	cfg := config.Load()
	cfg.SchedulerBackend = string(backend.InlineScheduler)
	if err := cfg.Validate(); err != nil {
		return err
	}
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return fmt.Errorf("backend configuration: %w", err)
	}

	be, err := backend.NewFactory(logger.WithComponent(applog.ComponentBackend)).CreateBackend(ctx, backendCfg)
	if err != nil {
		return err
	}
	a.backend = be
	a.admin = services.NewAdminService(be.Store)
	a.winners = services.NewWinnersService(be.Store, be.Scheduler)
	return nil
}

func (a *app) close(ctx context.Context) error {
	if a.backend == nil {
		return nil
	}
	err := a.backend.Cleanup(ctx)
	a.backend = nil
	return err
}
