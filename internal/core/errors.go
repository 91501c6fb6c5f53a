package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState means the operation is not legal in the budget's current phase.
	ErrInvalidState = errors.New("invalid state")
	// ErrInfeasibleHeadingState means the heading cap or an investment cost is malformed.
	ErrInfeasibleHeadingState = errors.New("infeasible heading state")
	// ErrTransientFailure marks infrastructure faults that are worth retrying.
	ErrTransientFailure = errors.New("transient failure")
	// ErrConcurrentRunConflict means a newer calculation superseded this one.
	ErrConcurrentRunConflict = errors.New("concurrent run conflict")

	ErrNotFound             = errors.New("not found")
	ErrGroupHasHeadings     = errors.New("group still has headings")
	ErrBudgetHasInvestments = errors.New("budget still has investments")
	ErrUnknownVotingStyle   = errors.New("unknown voting style")
	ErrBallotOverCap        = errors.New("ballot exceeds heading cap")

	// ErrValidation wraps every rejected administrative input.
	ErrValidation = errors.New("validation failed")
)

// Transient wraps an infrastructure error so the scheduler retries it.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientFailure, err)
}

// IsRetryable reports whether a calculation that failed with err should be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientFailure)
}

// Invalid marks err as a rejected input for the named record.
func Invalid(record string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrValidation, record, err)
}
