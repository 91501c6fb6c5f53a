package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"participa/internal/core"
	"participa/internal/services"
)

func newCalculateCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "calculate BUDGET",
		Short: "Recalculate the winners of every heading of a budget and wait for the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			budgetID, err := parseID("budget", args[0])
			if err != nil {
				return err
			}
			report, err := a.winners.CalculateWinners(cmd.Context(), budgetID, services.CalculateOptions{Force: force})
			if err != nil {
				return err
			}
			return a.printReport(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Calculate even if the budget has not reached balloting")
	return cmd
}

func newRetryFailedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed BUDGET",
		Short: "Run again every heading whose latest calculation failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			budgetID, err := parseID("budget", args[0])
			if err != nil {
				return err
			}
			report, err := a.winners.RetryFailed(cmd.Context(), budgetID)
			if err != nil {
				return err
			}
			return a.printReport(cmd, report)
		},
	}
}

func newResultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "result HEADING",
		Short: "Show the recorded result of a heading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			headingID, err := parseID("heading", args[0])
			if err != nil {
				return err
			}
			result, err := a.admin.GetResult(cmd.Context(), headingID)
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runs BUDGET",
		Short: "List the calculation runs of a budget, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			budgetID, err := parseID("budget", args[0])
			if err != nil {
				return err
			}
			runs, err := a.admin.ListRuns(cmd.Context(), budgetID)
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
}

// printReport shows the final status of each run. Runs execute inline, so
// by the time the report is returned they have finished.
func (a *app) printReport(cmd *cobra.Command, report services.ScheduleReport) error {
	runs := make([]core.CalculationRun, 0, len(report.Runs))
	for _, run := range report.Runs {
		latest, err := a.backend.Store.GetRun(cmd.Context(), run.RunID)
		if err != nil {
			return fmt.Errorf("get run %s: %w", run.RunID, err)
		}
		runs = append(runs, latest)
	}

	if flagJSON {
		report.Runs = runs
		return writeJSON(cmd.OutOrStdout(), report)
	}

	out := cmd.OutOrStdout()
	printRuns(out, runs)
	for _, f := range report.Failures {
		fmt.Fprintf(out, "heading %d not scheduled: %s\n", f.HeadingID, f.Error)
	}
	for _, run := range runs {
		if run.Status == core.RunFailed {
			return fmt.Errorf("%d of %d headings failed", countFailed(runs), len(runs))
		}
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d headings could not be scheduled", len(report.Failures))
	}
	return nil
}

func countFailed(runs []core.CalculationRun) int {
	n := 0
	for _, run := range runs {
		if run.Status == core.RunFailed {
			n++
		}
	}
	return n
}

func printRuns(out io.Writer, runs []core.CalculationRun) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tHEADING\tGEN\tSTATUS\tATTEMPTS\tSCHEDULED\tERROR")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%s\t%s\n",
			run.RunID, run.HeadingID, run.Generation, run.Status, run.Attempts,
			run.ScheduledAt.Format(time.RFC3339), run.LastError)
	}
	tw.Flush()
}

func printResult(out io.Writer, r core.Result) {
	fmt.Fprintf(out, "heading %d  style %s  cap %d  spent %d  remaining %d\n",
		r.HeadingID, r.VotingStyle, r.Cap.Cents, r.Spent.Cents, r.Remaining.Cents)
	fmt.Fprintf(out, "run %s  generation %d  calculated %s  checksum %s\n",
		r.RunID, r.Generation, r.CalculatedAt.Format(time.RFC3339), r.Checksum)
	if r.Approximate {
		fmt.Fprintln(out, "knapsack solved on a coarsened grid; result is approximate")
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tINVESTMENT\tCOST\tSUPPORT\tSELECTED\tREASON")
	for _, line := range r.Lines {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%t\t%s\n",
			line.Rank, line.InvestmentID, line.CostCents, line.Support, line.Selected, line.Reason)
	}
	tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(kind, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, raw)
	}
	return id, nil
}
