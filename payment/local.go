package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/saksys/benefit-engine/core"
)

// LocalGateway is a deterministic in-process gateway for development and
// tests. Simulation reproduces exactly what was proposed, so control
// simulations never drift unless the proposal itself changed.
type LocalGateway struct {
	Clock core.Clock
}

func (g LocalGateway) Simulate(_ context.Context, proposal *Payment) (SimulationResult, error) {
	lines := make([]Line, len(proposal.Lines))
	copy(lines, proposal.Lines)
	return SimulationResult{
		Net:         proposal.Net(),
		Lines:       lines,
		SimulatedAt: g.Clock(),
	}, nil
}

// LocalDispatcher accepts every payment and issues a synthetic external
// reference, standing in for the accounting system in development.
type LocalDispatcher struct {
	Clock core.Clock
}

func (d LocalDispatcher) Dispatch(_ context.Context, p *Payment) (DispatchReceipt, error) {
	return DispatchReceipt{
		ExternalRef: "local-" + uuid.NewString(),
		AcceptedAt:  d.Clock(),
	}, nil
}
