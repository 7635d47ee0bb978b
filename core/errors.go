/*
errors.go - Centralized error types for the case engine

PURPOSE:
  All shared error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation/state errors - Caller passed the wrong thing; recoverable by
     correcting the input. Never cause partial writes.
  2. Consistency errors - The world changed since the caller last observed
     it; reload and retry, or surface the conflict to a human.
  3. Infrastructure errors - Persistence or external-system failures; logged
     with full context and, inside a transaction, abort the whole thing.

USAGE:
  Domain packages can wrap core errors:

    if errors.Is(err, core.ErrVersionConflict) {
        // reload the log and let the caller retry
    }

SEE ALSO:
  - tx.go: How infrastructure errors abort a transaction
  - finalize/orchestrator.go: The closed error set of finalization
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidState is returned when an operation requires a treatment in
	// a different lifecycle state.
	ErrInvalidState = errors.New("treatment is not in a valid state for this operation")

	// ErrKindMismatch is returned when a persisted treatment is rehydrated
	// into a different concrete state than the one stored.
	ErrKindMismatch = errors.New("treatment state kind mismatch")

	// ErrVersionConflict is returned when an event-log append carries a
	// stale expected version. Reload and retry at the caller's discretion;
	// the engine never retries on its own.
	ErrVersionConflict = errors.New("event log version conflict")

	// ErrConcurrentModification is returned when the persistence layer
	// detects that the case changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidAmount is returned when a monetary amount cannot be parsed.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSimulationDrift is returned when the control simulation at
	// finalization time no longer matches the case worker's simulation.
	ErrSimulationDrift = errors.New("simulation changed since case worker simulated")

	// ErrSimulationFailed is returned when the simulation gateway fails or
	// times out. A timeout is indistinguishable from any other failure.
	ErrSimulationFailed = errors.New("payment simulation failed")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrSameActor is returned when a treatment would be attested by the
	// case worker who assessed it.
	ErrSameActor = errors.New("attestant and case worker must be different persons")

	// ErrCaseNotFound is returned when a referenced case doesn't exist.
	ErrCaseNotFound = errors.New("case not found")

	// ErrTreatmentNotFound is returned when a referenced treatment doesn't exist.
	ErrTreatmentNotFound = errors.New("treatment not found")

	// ErrPaymentNotFound is returned when a referenced payment doesn't exist.
	ErrPaymentNotFound = errors.New("payment not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// KindMismatchError reports which concrete state was expected vs stored.
type KindMismatchError struct {
	TreatmentID TreatmentID
	Expected    string
	Got         string
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("treatment %s: expected state %s, got %s", e.TreatmentID, e.Expected, e.Got)
}

func (e *KindMismatchError) Unwrap() error { return ErrKindMismatch }

// VersionConflictError reports the version the caller expected to extend
// against the version the log actually holds next.
type VersionConflictError struct {
	CaseID     CaseID
	Expected   uint64
	ActualNext uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("case %s: expected next version %d, log is at %d", e.CaseID, e.Expected, e.ActualNext)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after reloading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrKindMismatch) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSameActor)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCaseNotFound) ||
		errors.Is(err, ErrTreatmentNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}
