package finalize

import (
	"fmt"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// CLOSED ERROR SET
// =============================================================================
// Finalize returns exactly one of:
//   - InvalidState            (treatment not approved for finalization)
//   - SimulationDriftError
//   - SimulationFailed
//   - PersistenceFailed       (transaction rolled back, nothing written)
//   - ExternalDispatchFailed  (decision and payment ARE committed; the
//     payment is FailedToSend and the resend loop retries out-of-band)

// InvalidState reports a treatment that is not in the approved-for-
// finalization state, or an attestation the state machine refuses.
type InvalidState struct {
	TreatmentID core.TreatmentID
	Cause       error
}

func (e *InvalidState) Error() string {
	return fmt.Sprintf("treatment %s cannot be finalized: %v", e.TreatmentID, e.Cause)
}

func (e *InvalidState) Unwrap() error { return e.Cause }

// SimulationDriftError carries both nets so the conflict can be presented
// to the case worker.
type SimulationDriftError struct {
	TreatmentID core.TreatmentID
	ApprovedNet core.Amount
	ControlNet  core.Amount
}

func (e *SimulationDriftError) Error() string {
	return fmt.Sprintf("treatment %s: control simulation net %s differs from approved net %s",
		e.TreatmentID, e.ControlNet, e.ApprovedNet)
}

func (e *SimulationDriftError) Unwrap() error { return core.ErrSimulationDrift }

// SimulationFailed wraps a failing or timed-out simulation gateway call.
type SimulationFailed struct {
	Cause error
}

func (e *SimulationFailed) Error() string {
	return fmt.Sprintf("%v: %v", core.ErrSimulationFailed, e.Cause)
}

func (e *SimulationFailed) Unwrap() error { return core.ErrSimulationFailed }

// PersistenceFailed reports that the finalization transaction was aborted
// and rolled back. Nothing is committed; the aggregate the caller holds is
// stale and must be reloaded before retrying.
type PersistenceFailed struct {
	Cause error
}

func (e *PersistenceFailed) Error() string {
	return fmt.Sprintf("finalization transaction aborted: %v", e.Cause)
}

func (e *PersistenceFailed) Unwrap() error { return e.Cause }

// ExternalDispatchFailed reports that the accounting system rejected (or
// never received) the dispatch. The decision and payment stayed committed.
type ExternalDispatchFailed struct {
	PaymentID core.PaymentID
	Cause     error
}

func (e *ExternalDispatchFailed) Error() string {
	return fmt.Sprintf("payment %s could not be dispatched: %v", e.PaymentID, e.Cause)
}

func (e *ExternalDispatchFailed) Unwrap() error { return e.Cause }
