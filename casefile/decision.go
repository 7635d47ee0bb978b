package casefile

import (
	"time"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// DECISION (VEDTAK) - Immutable, attested outcome of a treatment
// =============================================================================

// Decision is created only inside the finalization transaction and never
// mutated afterwards; a later treatment's decision supersedes it.
type Decision struct {
	ID          core.DecisionID
	CaseID      core.CaseID
	TreatmentID core.TreatmentID

	// PaymentID is nil for outcomes that issue no payment (rejections,
	// pure annulments).
	PaymentID *core.PaymentID

	Period      core.Period
	Lines       []AssessmentLine
	Attestation Attestation
	CreatedAt   time.Time
}

// Attestation records who approved the treatment and when.
type Attestation struct {
	Attestant core.Attestant
	At        time.Time
}

// Net sums the decided monthly amounts.
func (d Decision) Net() core.Amount {
	net := core.ZeroAmount()
	for _, line := range d.Lines {
		net = net.Add(line.Amount)
	}
	return net
}
