package worker

import (
	"context"
	"log/slog"

	"participa/internal/amqp"
	"participa/internal/core"
	"participa/internal/scheduler"
)

// CalculationWorker executes heading calculations delivered over AMQP
type CalculationWorker struct {
	runner scheduler.Executor
}

func NewCalculationWorker(runner scheduler.Executor) *CalculationWorker {
	return &CalculationWorker{runner: runner}
}

// HandleCalculationMessage executes one heading calculation. It returns an
// error only when the run was interrupted before reaching a terminal
// status, so the broker redelivers it. Runs that failed for good are
// already recorded as failed and the message is acknowledged.
func (w *CalculationWorker) HandleCalculationMessage(ctx context.Context, msg *amqp.HeadingCalculationMessage) error {
	slog.InfoContext(ctx, "Processing heading calculation message",
		"run_id", msg.RunID,
		"budget_id", msg.BudgetID,
		"heading_id", msg.HeadingID,
		"generation", msg.Generation)

	err := w.runner.Execute(ctx, msg.Job())
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && core.IsRetryable(err) {
		return err
	}

	slog.WarnContext(ctx, "Heading calculation finished with an error, acknowledging",
		"run_id", msg.RunID,
		"heading_id", msg.HeadingID,
		"error", err)
	return nil
}
