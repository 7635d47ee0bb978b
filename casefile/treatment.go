/*
Package casefile holds the case aggregate and the treatment state machine.

PURPOSE:
  A case (sak) is the root entity for one person's ongoing benefit
  relationship. It accumulates treatments (behandlinger), decisions
  (vedtak), payments and clawback bookkeeping. Cases are created on the
  first application and never deleted.

TREATMENT STATE MACHINE:
  Opened -> Assessed -> SimulatedForApproval -> SentForApproval -> Finalized
     \          \               \                    |   \
      \          \               \                   |    -> Assessed (rejected
       ----------------------------> Aborted <-------         by attestant,
                                                              reason required)

  Each state is its own Go type, and a transition only exists as a method
  on the states it is valid from. Calling Finalize on anything but a
  SentForApproval value simply does not compile. Rehydrating persisted data
  into the wrong concrete state fails with KindMismatch.

  All transitions are pure data transformations. Side effects happen only
  in the finalization orchestrator.

SEE ALSO:
  - case.go: The aggregate owning treatments
  - decision.go: Immutable decisions produced at finalization
  - finalize/orchestrator.go: The one transition with side effects
*/
package casefile

import (
	"time"

	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

// =============================================================================
// KIND AND STATE NAMES
// =============================================================================

// Kind is what sort of processing a treatment is.
type Kind string

const (
	KindApplication    Kind = "application"
	KindRevision       Kind = "revision"
	KindAppeal         Kind = "appeal"
	KindRepaymentClaim Kind = "repayment_claim"
)

// StateName identifies a concrete treatment state for storage and display.
type StateName string

const (
	StateOpened               StateName = "opened"
	StateAssessed             StateName = "assessed"
	StateSimulatedForApproval StateName = "simulated_for_approval"
	StateSentForApproval      StateName = "sent_for_approval"
	StateFinalized            StateName = "finalized"
	StateAborted              StateName = "aborted"
)

// =============================================================================
// SHARED TREATMENT DATA
// =============================================================================

// Transition is one step of the treatment's audit history.
type Transition struct {
	From  StateName
	To    StateName
	At    time.Time
	Actor string
	Note  string
}

// TreatmentData is the state-independent part of a treatment.
type TreatmentData struct {
	ID         core.TreatmentID
	CaseID     core.CaseID
	Kind       Kind
	SourceRef  string
	CaseWorker core.CaseWorker
	OpenedAt   time.Time
	History    []Transition
}

func (d TreatmentData) recorded(from, to StateName, at time.Time, actor, note string) TreatmentData {
	history := make([]Transition, len(d.History), len(d.History)+1)
	copy(history, d.History)
	d.History = append(history, Transition{From: from, To: to, At: at, Actor: actor, Note: note})
	return d
}

// Assessment is the computed eligibility and amount outcome of a treatment.
// An empty Lines slice means the outcome grants nothing (a rejection or a
// pure annulment) and finalization will not produce a payment.
type Assessment struct {
	Period core.Period
	Lines  []AssessmentLine

	// Set when the assessment leaves an amount to be recovered by a later
	// revision (the overpaid surplus of the revised months).
	ClawbackPeriod *core.Period
	ClawbackAmount core.Amount
}

// AssessmentLine is the granted amount for one month.
type AssessmentLine struct {
	Month  core.Month
	Amount core.Amount
}

// Net sums the assessed monthly amounts.
func (a Assessment) Net() core.Amount {
	net := core.ZeroAmount()
	for _, line := range a.Lines {
		net = net.Add(line.Amount)
	}
	return net
}

// PaymentLines converts the assessment into payment line items.
func (a Assessment) PaymentLines() []payment.Line {
	lines := make([]payment.Line, 0, len(a.Lines))
	for _, l := range a.Lines {
		lines = append(lines, payment.Line{Month: l.Month, Amount: l.Amount})
	}
	return lines
}

// =============================================================================
// TREATMENT - Sealed state hierarchy
// =============================================================================

// Treatment is the closed set of treatment states. Only the concrete types
// in this package implement it.
type Treatment interface {
	Data() TreatmentData
	StateName() StateName

	sealed()
}

type Opened struct{ TreatmentData }

type Assessed struct {
	TreatmentData
	Assessment Assessment
}

type SimulatedForApproval struct {
	TreatmentData
	Assessment Assessment
	Simulation payment.SimulationResult
}

type SentForApproval struct {
	TreatmentData
	Assessment Assessment
	Simulation payment.SimulationResult
}

type Finalized struct {
	TreatmentData
	Assessment  Assessment
	Simulation  payment.SimulationResult
	DecisionID  core.DecisionID
	Attestant   core.Attestant
	FinalizedAt time.Time
}

type Aborted struct {
	TreatmentData
	Reason    string
	AbortedAt time.Time
}

func (t Opened) Data() TreatmentData               { return t.TreatmentData }
func (t Assessed) Data() TreatmentData             { return t.TreatmentData }
func (t SimulatedForApproval) Data() TreatmentData { return t.TreatmentData }
func (t SentForApproval) Data() TreatmentData      { return t.TreatmentData }
func (t Finalized) Data() TreatmentData            { return t.TreatmentData }
func (t Aborted) Data() TreatmentData              { return t.TreatmentData }

func (Opened) StateName() StateName               { return StateOpened }
func (Assessed) StateName() StateName             { return StateAssessed }
func (SimulatedForApproval) StateName() StateName { return StateSimulatedForApproval }
func (SentForApproval) StateName() StateName      { return StateSentForApproval }
func (Finalized) StateName() StateName            { return StateFinalized }
func (Aborted) StateName() StateName              { return StateAborted }

func (Opened) sealed()               {}
func (Assessed) sealed()             {}
func (SimulatedForApproval) sealed() {}
func (SentForApproval) sealed()      {}
func (Finalized) sealed()            {}
func (Aborted) sealed()              {}

// =============================================================================
// TRANSITIONS - Methods only on valid source states
// =============================================================================

// Open starts a new treatment on a case.
func Open(caseID core.CaseID, kind Kind, sourceRef string, worker core.CaseWorker, clock core.Clock) Opened {
	now := clock()
	return Opened{TreatmentData: TreatmentData{
		ID:         core.NewTreatmentID(),
		CaseID:     caseID,
		Kind:       kind,
		SourceRef:  sourceRef,
		CaseWorker: worker,
		OpenedAt:   now,
		History:    []Transition{{From: "", To: StateOpened, At: now, Actor: worker.Ident()}},
	}}
}

// Assess attaches the computed eligibility/amount outcome.
func (t Opened) Assess(a Assessment, clock core.Clock) Assessed {
	return Assessed{
		TreatmentData: t.recorded(StateOpened, StateAssessed, clock(), t.CaseWorker.Ident(), ""),
		Assessment:    a,
	}
}

// Reassess replaces the assessment, e.g. after an attestant sent the
// treatment back.
func (t Assessed) Reassess(a Assessment, clock core.Clock) Assessed {
	return Assessed{
		TreatmentData: t.recorded(StateAssessed, StateAssessed, clock(), t.CaseWorker.Ident(), "reassessed"),
		Assessment:    a,
	}
}

// AttachSimulation stores the case worker's simulation, the one the
// attestant will see and the finalization drift guard compares against.
func (t Assessed) AttachSimulation(sim payment.SimulationResult, clock core.Clock) SimulatedForApproval {
	return SimulatedForApproval{
		TreatmentData: t.recorded(StateAssessed, StateSimulatedForApproval, clock(), t.CaseWorker.Ident(), ""),
		Assessment:    t.Assessment,
		Simulation:    sim,
	}
}

// SendForApproval hands the treatment to a second approver.
func (t SimulatedForApproval) SendForApproval(clock core.Clock) SentForApproval {
	return SentForApproval{
		TreatmentData: t.recorded(StateSimulatedForApproval, StateSentForApproval, clock(), t.CaseWorker.Ident(), ""),
		Assessment:    t.Assessment,
		Simulation:    t.Simulation,
	}
}

// Reject sends the treatment back to the case worker (underkjent). A reason
// is mandatory, and the attestant cannot be the case worker.
func (t SentForApproval) Reject(attestant core.Attestant, reason string, clock core.Clock) (Assessed, error) {
	if reason == "" {
		return Assessed{}, core.ErrInvalidState
	}
	if core.SameActor(t.CaseWorker, attestant) {
		return Assessed{}, core.ErrSameActor
	}
	return Assessed{
		TreatmentData: t.recorded(StateSentForApproval, StateAssessed, clock(), attestant.Ident(), reason),
		Assessment:    t.Assessment,
	}, nil
}

// Finalize produces the terminal success state. Only the finalization
// orchestrator calls this, inside its transaction.
func (t SentForApproval) Finalize(attestant core.Attestant, decisionID core.DecisionID, clock core.Clock) (Finalized, error) {
	if core.SameActor(t.CaseWorker, attestant) {
		return Finalized{}, core.ErrSameActor
	}
	now := clock()
	return Finalized{
		TreatmentData: t.recorded(StateSentForApproval, StateFinalized, now, attestant.Ident(), ""),
		Assessment:    t.Assessment,
		Simulation:    t.Simulation,
		DecisionID:    decisionID,
		Attestant:     attestant,
		FinalizedAt:   now,
	}, nil
}

// Abort is available from every non-terminal state. Aborted treatments are
// kept forever for audit.
func (t Opened) Abort(actor, reason string, clock core.Clock) Aborted {
	return abort(t.TreatmentData, StateOpened, actor, reason, clock)
}

func (t Assessed) Abort(actor, reason string, clock core.Clock) Aborted {
	return abort(t.TreatmentData, StateAssessed, actor, reason, clock)
}

func (t SimulatedForApproval) Abort(actor, reason string, clock core.Clock) Aborted {
	return abort(t.TreatmentData, StateSimulatedForApproval, actor, reason, clock)
}

func (t SentForApproval) Abort(actor, reason string, clock core.Clock) Aborted {
	return abort(t.TreatmentData, StateSentForApproval, actor, reason, clock)
}

func abort(data TreatmentData, from StateName, actor, reason string, clock core.Clock) Aborted {
	now := clock()
	return Aborted{
		TreatmentData: data.recorded(from, StateAborted, now, actor, reason),
		Reason:        reason,
		AbortedAt:     now,
	}
}

// IsTerminal reports whether the treatment can never advance again.
func IsTerminal(t Treatment) bool {
	switch t.(type) {
	case Finalized, Aborted:
		return true
	}
	return false
}

// =============================================================================
// REHYDRATION - Persisted state back to a concrete type
// =============================================================================

// AsSentForApproval asserts a rehydrated treatment into the state the
// finalization pipeline requires.
func AsSentForApproval(t Treatment) (SentForApproval, error) {
	s, ok := t.(SentForApproval)
	if !ok {
		return SentForApproval{}, &core.KindMismatchError{
			TreatmentID: t.Data().ID,
			Expected:    string(StateSentForApproval),
			Got:         string(t.StateName()),
		}
	}
	return s, nil
}

// AsAssessed asserts a rehydrated treatment into the assessed state.
func AsAssessed(t Treatment) (Assessed, error) {
	s, ok := t.(Assessed)
	if !ok {
		return Assessed{}, &core.KindMismatchError{
			TreatmentID: t.Data().ID,
			Expected:    string(StateAssessed),
			Got:         string(t.StateName()),
		}
	}
	return s, nil
}

// AsOpened asserts a rehydrated treatment into the opened state.
func AsOpened(t Treatment) (Opened, error) {
	s, ok := t.(Opened)
	if !ok {
		return Opened{}, &core.KindMismatchError{
			TreatmentID: t.Data().ID,
			Expected:    string(StateOpened),
			Got:         string(t.StateName()),
		}
	}
	return s, nil
}

// AsSimulatedForApproval asserts a rehydrated treatment into the simulated
// state.
func AsSimulatedForApproval(t Treatment) (SimulatedForApproval, error) {
	s, ok := t.(SimulatedForApproval)
	if !ok {
		return SimulatedForApproval{}, &core.KindMismatchError{
			TreatmentID: t.Data().ID,
			Expected:    string(StateSimulatedForApproval),
			Got:         string(t.StateName()),
		}
	}
	return s, nil
}

// AsFinalized asserts a rehydrated treatment into the terminal success state.
func AsFinalized(t Treatment) (Finalized, error) {
	s, ok := t.(Finalized)
	if !ok {
		return Finalized{}, &core.KindMismatchError{
			TreatmentID: t.Data().ID,
			Expected:    string(StateFinalized),
			Got:         string(t.StateName()),
		}
	}
	return s, nil
}
