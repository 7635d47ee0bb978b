/*
Package finalize turns an approved treatment into a committed decision.

PURPOSE:
  Finalization (iverksettelse) is the only treatment transition with side
  effects, and they must be all-or-nothing: the decision, the payment, the
  updated case and the clawback ledger become visible atomically, and the
  external accounting system is told only from inside the same scope.

THE PIPELINE:
   1. CONTROL SIMULATION - Re-simulate the proposal and compare the net
      against the simulation the case worker approved. Underlying data may
      have changed between assessment and approval; a diverging net means
      the approval is stale and finalization refuses with SimulationDrift.
   2. TRANSACTION - One scope, fixed order: persist payment, persist
      decision, persist the updated case (treatment + clawback), cancel a
      scheduled follow-up when the benefit ends, dispatch the payment.
      Rollback happens only through core.AbortTransaction; plain returned
      errors never roll back on their own. A dispatch failure deliberately
      commits: the payment is marked FailedToSend and resent out-of-band.
   3. POST-COMMIT - Observers (statistics, notifications) are told strictly
      after commit. Their failures are logged and forgotten; they can never
      unwind a committed decision.

CONCURRENCY:
  Two concurrent finalizations of one case race on the case row's version.
  Exactly one commits; the loser's transaction aborts with a concurrent-
  modification cause inside PersistenceFailed, and its writes are fully
  absent.

SEE ALSO:
  - core/tx.go: The abort-transaction contract
  - casefile/treatment.go: The pure part of the state machine
  - statistics/: Post-commit observers
*/
package finalize

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/clawback"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Persistence supplies the transactional scope and the persistence
// callbacks invoked inside it. Implementations must participate in the
// ambient scope passed to each call and honor the abort contract of
// core.UnitOfWork.
type Persistence interface {
	core.UnitOfWork

	PersistPayment(ctx context.Context, tx core.TxScope, p *payment.Payment) error
	PersistDecision(ctx context.Context, tx core.TxScope, d casefile.Decision) error

	// PersistCase writes the updated aggregate (treatment state, decision
	// list, clawback ledger) and must fail with
	// core.ErrConcurrentModification if the case row changed since read.
	PersistCase(ctx context.Context, tx core.TxScope, c *casefile.Case) error
}

// FollowUps is the side channel for scheduled follow-up tasks tied to a
// case.
type FollowUps interface {
	CancelScheduledFollowUp(ctx context.Context, tx core.TxScope, caseID core.CaseID) error
}

// Observer is told about committed finalizations. Implementations are
// fire-and-forget; errors are logged, never retried synchronously.
type Observer interface {
	HandleFinalized(ctx context.Context, n Notification) error
}

// Notification is what observers receive after commit.
type Notification struct {
	CorrelationID core.CorrelationID
	CaseID        core.CaseID
	TreatmentID   core.TreatmentID
	DecisionID    core.DecisionID
	Kind          casefile.Kind
	Net           core.Amount
	Attestant     core.Attestant
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	Persistence Persistence
	Gateway     payment.Gateway
	Dispatcher  payment.Dispatcher
	FollowUps   FollowUps
	Clock       core.Clock
	Log         *zap.Logger

	observers []Observer
}

func NewOrchestrator(p Persistence, gw payment.Gateway, d payment.Dispatcher, fu FollowUps, clock core.Clock, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		Persistence: p,
		Gateway:     gw,
		Dispatcher:  d,
		FollowUps:   fu,
		Clock:       clock,
		Log:         log,
	}
}

// AddObserver registers a post-commit observer.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Result is the successful outcome of a finalization.
type Result struct {
	Decision casefile.Decision
	Case     *casefile.Case

	// Payment is nil for outcomes that issue no payment.
	Payment *payment.Payment
}

// Finalize commits the approved treatment. On any error except
// ExternalDispatchFailed nothing is persisted and the caller must reload
// the aggregate before retrying; on ExternalDispatchFailed the returned
// Result is valid and committed, with the payment marked FailedToSend.
func (o *Orchestrator) Finalize(
	ctx context.Context,
	c *casefile.Case,
	treatmentID core.TreatmentID,
	attestant core.Attestant,
	correlationID core.CorrelationID,
) (*Result, error) {
	t, err := c.Treatment(treatmentID)
	if err != nil {
		return nil, &InvalidState{TreatmentID: treatmentID, Cause: err}
	}
	sent, err := casefile.AsSentForApproval(t)
	if err != nil {
		return nil, &InvalidState{TreatmentID: treatmentID, Cause: err}
	}

	// Outcomes without payable lines skip the whole payment leg; the
	// transactional ordering contract is the same either way.
	withPayment := len(sent.Assessment.Lines) > 0

	var pay *payment.Payment
	if withPayment {
		pay = payment.NewProposal(c.ID, sent.Data().ID, sent.Assessment.PaymentLines(), o.Clock)

		control, err := o.Gateway.Simulate(ctx, pay)
		if err != nil {
			return nil, &SimulationFailed{Cause: err}
		}
		if payment.Drifted(sent.Simulation, control) {
			o.Log.Warn("control simulation drifted since case worker simulated",
				zap.String("correlation_id", string(correlationID)),
				zap.String("treatment_id", string(treatmentID)),
				zap.String("approved_net", sent.Simulation.Net.String()),
				zap.String("control_net", control.Net.String()),
			)
			return nil, &SimulationDriftError{
				TreatmentID: treatmentID,
				ApprovedNet: sent.Simulation.Net,
				ControlNet:  control.Net,
			}
		}
		if err := pay.MarkSimulated(); err != nil {
			return nil, &InvalidState{TreatmentID: treatmentID, Cause: err}
		}
	}

	decisionID := core.NewDecisionID()
	finalized, err := sent.Finalize(attestant, decisionID, o.Clock)
	if err != nil {
		return nil, &InvalidState{TreatmentID: treatmentID, Cause: err}
	}

	decision := casefile.Decision{
		ID:          decisionID,
		CaseID:      c.ID,
		TreatmentID: finalized.Data().ID,
		Period:      sent.Assessment.Period,
		Lines:       sent.Assessment.Lines,
		Attestation: casefile.Attestation{Attestant: attestant, At: finalized.FinalizedAt},
		CreatedAt:   finalized.FinalizedAt,
	}
	if withPayment {
		decision.PaymentID = &pay.ID
	}

	var newObligation *clawback.Obligation
	if sent.Assessment.ClawbackPeriod != nil {
		newObligation = &clawback.Obligation{
			Period: *sent.Assessment.ClawbackPeriod,
			Amount: sent.Assessment.ClawbackAmount,
		}
	}
	ledger, err := c.Clawback.OnFinalize(c.ID, sent.Assessment.Period, newObligation, o.Clock)
	if err != nil {
		return nil, &InvalidState{TreatmentID: treatmentID, Cause: err}
	}

	if err := c.PutTreatment(finalized); err != nil {
		return nil, &InvalidState{TreatmentID: treatmentID, Cause: err}
	}
	c.AddDecision(decision)
	if withPayment {
		c.AddPayment(pay)
	}
	c.Clawback = ledger

	var dispatchErr error
	txErr := o.Persistence.WithTx(ctx, func(ctx context.Context, tx core.TxScope) error {
		if withPayment {
			if err := o.Persistence.PersistPayment(ctx, tx, pay); err != nil {
				return core.AbortTransaction(err)
			}
		}
		if err := o.Persistence.PersistDecision(ctx, tx, decision); err != nil {
			return core.AbortTransaction(err)
		}
		if err := o.Persistence.PersistCase(ctx, tx, c); err != nil {
			return core.AbortTransaction(err)
		}
		if o.FollowUps != nil && decision.Net().IsZero() {
			// Benefit ends with this decision; the pending follow-up task
			// is obsolete.
			if err := o.FollowUps.CancelScheduledFollowUp(ctx, tx, c.ID); err != nil {
				return core.AbortTransaction(err)
			}
		}
		if withPayment {
			if _, err := o.Dispatcher.Dispatch(ctx, pay); err != nil {
				// The decision stands. Mark the payment for the out-of-band
				// resend loop and commit.
				dispatchErr = err
				if err := pay.MarkFailedToSend(); err != nil {
					return core.AbortTransaction(err)
				}
			} else {
				if err := pay.MarkSent(o.Clock()); err != nil {
					return core.AbortTransaction(err)
				}
			}
			if err := o.Persistence.PersistPayment(ctx, tx, pay); err != nil {
				return core.AbortTransaction(err)
			}
		}
		return nil
	})
	if txErr != nil {
		var aborted *core.TxAborted
		if errors.As(txErr, &aborted) {
			return nil, &PersistenceFailed{Cause: aborted.Cause}
		}
		return nil, &PersistenceFailed{Cause: txErr}
	}

	result := &Result{Decision: decision, Case: c, Payment: pay}
	o.notify(ctx, Notification{
		CorrelationID: correlationID,
		CaseID:        c.ID,
		TreatmentID:   treatmentID,
		DecisionID:    decisionID,
		Kind:          finalized.Data().Kind,
		Net:           decision.Net(),
		Attestant:     attestant,
	})

	if dispatchErr != nil {
		o.Log.Error("payment dispatch failed, payment committed as failed_to_send",
			zap.String("correlation_id", string(correlationID)),
			zap.String("payment_id", string(pay.ID)),
			zap.Error(dispatchErr),
		)
		return result, &ExternalDispatchFailed{PaymentID: pay.ID, Cause: dispatchErr}
	}
	return result, nil
}

// notify runs strictly after commit. Observer failures are logged and
// dropped; nothing here may influence the committed result.
func (o *Orchestrator) notify(ctx context.Context, n Notification) {
	for _, obs := range o.observers {
		if err := obs.HandleFinalized(ctx, n); err != nil {
			o.Log.Error("finalization observer failed",
				zap.String("correlation_id", string(n.CorrelationID)),
				zap.String("decision_id", string(n.DecisionID)),
				zap.Error(err),
			)
		}
	}
}
