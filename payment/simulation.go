package payment

import (
	"context"
	"time"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// SIMULATION - Side-effect-free preview from the accounting system
// =============================================================================

// SimulationResult is what the accounting system predicts it would pay for
// a proposal. It mutates nothing: simulating the same proposal twice yields
// the same result.
type SimulationResult struct {
	Net         core.Amount
	Lines       []Line
	SimulatedAt time.Time
}

// Gateway is the external simulation capability. A timeout is reported the
// same way as any other failure; callers wrap errors as
// core.ErrSimulationFailed.
type Gateway interface {
	Simulate(ctx context.Context, proposal *Payment) (SimulationResult, error)
}

// Drifted reports whether the control simulation diverges from the one the
// case worker approved in a way that changes the net payable amount. Line
// ordering and timestamps are irrelevant; only the net matters to the
// drift guard.
func Drifted(approved, control SimulationResult) bool {
	return !approved.Net.Equal(control.Net)
}

// =============================================================================
// DISPATCH - Send to the external accounting system
// =============================================================================

// DispatchReceipt acknowledges that the accounting system accepted the
// payment for processing. The final confirmation arrives later as a Receipt.
type DispatchReceipt struct {
	ExternalRef string
	AcceptedAt  time.Time
}

// Dispatcher sends a committed payment to the external accounting system.
// Dispatch may be retried out-of-band using the persisted payment's status.
type Dispatcher interface {
	Dispatch(ctx context.Context, p *Payment) (DispatchReceipt, error)
}
