/*
Package payment models simulated-then-committed payment instructions.

PURPOSE:
  A payment is never sent to the external accounting system directly. It is
  first built as a proposal, simulated against the accounting system (a
  side-effect-free preview), persisted inside the finalization transaction,
  and only then dispatched. The external system later confirms with a
  receipt.

LIFECYCLE:
  ForSimulation -> Simulated -> Sent -> Confirmed
                                  \--> FailedToSend (resent out-of-band)

  A dispatch failure does not unwind the committed decision: the payment
  stays persisted as FailedToSend and an out-of-band resend loop retries.

KEY COMPONENTS:
  Payment:    The instruction with one line per month
  Gateway:    External simulation capability (idempotent preview)
  Dispatcher: External accounting-system send
  Receipt:    Confirmation coming back from the accounting system

SEE ALSO:
  - simulation.go: SimulationResult and drift detection
  - finalize/orchestrator.go: The only place payments are created
*/
package payment

import (
	"time"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// PAYMENT - Simulated-then-dispatched instruction
// =============================================================================

type Status string

const (
	StatusForSimulation Status = "for_simulation"
	StatusSimulated     Status = "simulated"
	StatusSent          Status = "sent"
	StatusConfirmed     Status = "confirmed"
	StatusFailedToSend  Status = "failed_to_send"
)

// Line is the amount payable for one month.
type Line struct {
	Month  core.Month
	Amount core.Amount
}

type Payment struct {
	ID          core.PaymentID
	CaseID      core.CaseID
	TreatmentID core.TreatmentID
	Lines       []Line
	Status      Status
	CreatedAt   time.Time
	SentAt      *time.Time
	Receipt     *Receipt
}

// Receipt is the accounting system's confirmation of a dispatched payment.
type Receipt struct {
	ExternalRef string
	ReceivedAt  time.Time
	OK          bool
}

// NewProposal builds a payment ready for simulation.
func NewProposal(caseID core.CaseID, treatmentID core.TreatmentID, lines []Line, clock core.Clock) *Payment {
	copied := make([]Line, len(lines))
	copy(copied, lines)
	return &Payment{
		ID:          core.NewPaymentID(),
		CaseID:      caseID,
		TreatmentID: treatmentID,
		Lines:       copied,
		Status:      StatusForSimulation,
		CreatedAt:   clock(),
	}
}

// Net sums all line amounts.
func (p *Payment) Net() core.Amount {
	net := core.ZeroAmount()
	for _, line := range p.Lines {
		net = net.Add(line.Amount)
	}
	return net
}

// Period returns the month range covered by the lines.
func (p *Payment) Period() (core.Period, error) {
	if len(p.Lines) == 0 {
		return core.Period{}, core.ErrInvalidPeriod
	}
	from, to := p.Lines[0].Month, p.Lines[0].Month
	for _, line := range p.Lines[1:] {
		if line.Month.Before(from) {
			from = line.Month
		}
		if line.Month.After(to) {
			to = line.Month
		}
	}
	return core.NewPeriod(from, to)
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

// MarkSimulated records that the control simulation accepted this proposal.
func (p *Payment) MarkSimulated() error {
	if p.Status != StatusForSimulation {
		return core.ErrInvalidState
	}
	p.Status = StatusSimulated
	return nil
}

// MarkSent records successful dispatch to the accounting system.
func (p *Payment) MarkSent(at time.Time) error {
	if p.Status != StatusSimulated && p.Status != StatusFailedToSend {
		return core.ErrInvalidState
	}
	p.Status = StatusSent
	p.SentAt = &at
	return nil
}

// MarkFailedToSend records a dispatch failure. The payment stays committed;
// the resend loop picks it up later.
func (p *Payment) MarkFailedToSend() error {
	if p.Status != StatusSimulated && p.Status != StatusSent {
		return core.ErrInvalidState
	}
	p.Status = StatusFailedToSend
	return nil
}

// ConfirmReceipt applies the accounting system's confirmation. Confirming a
// payment that already holds a receipt is a no-op: receipts are delivered
// at-least-once.
func (p *Payment) ConfirmReceipt(r Receipt) error {
	if p.Status == StatusConfirmed {
		return nil
	}
	if p.Status != StatusSent {
		return core.ErrInvalidState
	}
	p.Status = StatusConfirmed
	p.Receipt = &r
	return nil
}
