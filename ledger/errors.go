/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Lookup errors - missing units, obligations, assessments
  2. Settlement errors - re-settlement, underpayment, bad amounts
  3. Store errors - uniqueness and optimistic locking conflicts

Callers classify with errors.Is / errors.As, or the helpers at the bottom.
ErrDuplicateObligation never escapes the generator: it is resolved by
returning the row that won the race.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrObligationNotFound = errors.New("obligation not found")
	ErrUnitNotFound       = errors.New("unit not found")
	ErrAssessmentNotFound = errors.New("assessment not found")

	// ErrAlreadySettled is returned when settling an obligation that is
	// already paid, including the loser of two concurrent settlements.
	ErrAlreadySettled = errors.New("obligation already settled")

	ErrObligationCancelled = errors.New("obligation cancelled")

	// ErrInsufficientAmount is returned when a batch tender does not cover
	// every listed obligation.
	ErrInsufficientAmount = errors.New("insufficient amount")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidPeriod = errors.New("invalid period")
	ErrInvalidBatch  = errors.New("invalid batch")

	ErrInvalidAssessment = errors.New("invalid assessment")
	ErrInvalidState      = errors.New("invalid state filter")

	// ErrDuplicateObligation is returned by stores when (unit, period)
	// already has an obligation.
	ErrDuplicateObligation = errors.New("duplicate obligation for unit and period")

	// ErrAllocationLimitExceeded is reported when surplus forwarding stops
	// at the lookahead cap with money left over.
	ErrAllocationLimitExceeded = errors.New("allocation limit exceeded")

	// ErrConcurrentModification is returned when an optimistic version
	// check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientAmountError details a batch shortfall.
type InsufficientAmountError struct {
	Tendered  Money
	Required  Money
	Shortfall Money
}

func (e *InsufficientAmountError) Error() string {
	return fmt.Sprintf("insufficient amount: tendered %s, required %s, shortfall %s",
		e.Tendered, e.Required, e.Shortfall)
}

func (e *InsufficientAmountError) Unwrap() error { return ErrInsufficientAmount }

// AllocationLimitError reports surplus left unapplied at the lookahead cap.
type AllocationLimitError struct {
	UnitID    UnitID
	Remaining Money
	Periods   int
}

func (e *AllocationLimitError) Error() string {
	return fmt.Sprintf("allocation limit exceeded for unit %s: %s unapplied after %d periods",
		e.UnitID, e.Remaining, e.Periods)
}

func (e *AllocationLimitError) Unwrap() error { return ErrAllocationLimitExceeded }

// AlreadySettledError names the obligation and its terminal state.
type AlreadySettledError struct {
	ObligationID ObligationID
	State        State
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("obligation %s already settled (%s)", e.ObligationID, e.State)
}

func (e *AlreadySettledError) Unwrap() error { return ErrAlreadySettled }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientAmount) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidBatch) ||
		errors.Is(err, ErrInvalidAssessment) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrObligationCancelled)
}

// IsConflict returns true for state conflicts (already paid, lost a race).
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrAssessmentNotFound)
}
