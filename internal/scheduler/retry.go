// Package scheduler hands heading calculations off to run independently of
// the administrative action that triggered them.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"participa/internal/core"
)

// RetryPolicy bounds how often a transient failure is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first (default: 3)
	MaxAttempts int

	// BaseDelay is the wait before the second attempt, doubled after each retry (default: 1s)
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts (default: 30s)
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retry calls fn until it succeeds, fails with an error that is not
// retryable, the attempts are exhausted or ctx is done. It returns the last
// error seen.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !core.IsRetryable(err) || attempt == attempts {
			return err
		}

		delay := policy.Backoff(attempt)
		slog.WarnContext(ctx, "Attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
