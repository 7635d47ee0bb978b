package casefile

import (
	"time"

	"github.com/saksys/benefit-engine/clawback"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

// =============================================================================
// CASE (SAK) - Root aggregate for one person's benefit relationship
// =============================================================================

// Case owns every treatment, decision and payment for one person and one
// benefit type, plus the clawback ledger. It is created on the first
// application and never deleted. RowVersion backs the persistence layer's
// optimistic locking: Save fails with ErrConcurrentModification when the
// stored version moved.
type Case struct {
	ID          core.CaseID
	Person      core.PersonRef
	BenefitType string
	Treatments  []Treatment
	Decisions   []Decision
	Payments    []*payment.Payment
	Clawback    clawback.Ledger
	RowVersion  uint64
	CreatedAt   time.Time
}

// NewCase opens a case for a person. The first application treatment is
// started separately.
func NewCase(person core.PersonRef, benefitType string, clock core.Clock) *Case {
	return &Case{
		ID:          core.NewCaseID(),
		Person:      person,
		BenefitType: benefitType,
		CreatedAt:   clock(),
	}
}

// StartTreatment opens a treatment of the given kind. At most one
// non-terminal treatment of a kind may reference a given source at a time.
func (c *Case) StartTreatment(kind Kind, sourceRef string, worker core.CaseWorker, clock core.Clock) (Opened, error) {
	for _, t := range c.Treatments {
		d := t.Data()
		if d.Kind == kind && d.SourceRef == sourceRef && !IsTerminal(t) {
			return Opened{}, core.ErrInvalidState
		}
	}
	opened := Open(c.ID, kind, sourceRef, worker, clock)
	c.Treatments = append(c.Treatments, opened)
	return opened, nil
}

// Treatment returns the treatment with the given id.
func (c *Case) Treatment(id core.TreatmentID) (Treatment, error) {
	for _, t := range c.Treatments {
		if t.Data().ID == id {
			return t, nil
		}
	}
	return nil, core.ErrTreatmentNotFound
}

// PutTreatment replaces the stored treatment with the same id. Every state
// transition goes through here so the aggregate always holds the latest
// state value.
func (c *Case) PutTreatment(t Treatment) error {
	for i, existing := range c.Treatments {
		if existing.Data().ID == t.Data().ID {
			c.Treatments[i] = t
			return nil
		}
	}
	return core.ErrTreatmentNotFound
}

// AddDecision appends an immutable decision.
func (c *Case) AddDecision(d Decision) {
	c.Decisions = append(c.Decisions, d)
}

// AddPayment appends a payment owned by this case.
func (c *Case) AddPayment(p *payment.Payment) {
	c.Payments = append(c.Payments, p)
}

// Payment returns the payment with the given id.
func (c *Case) Payment(id core.PaymentID) (*payment.Payment, error) {
	for _, p := range c.Payments {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, core.ErrPaymentNotFound
}

// ActiveClawback returns the active clawback entry, or nil.
func (c *Case) ActiveClawback() *clawback.Entry {
	return c.Clawback.Active()
}

// LatestDecision returns the most recently created decision, or nil.
func (c *Case) LatestDecision() *Decision {
	if len(c.Decisions) == 0 {
		return nil
	}
	return &c.Decisions[len(c.Decisions)-1]
}
