/*
Package repayment handles repayment claims (tilbakekreving) against a case.

PURPOSE:
  When months were paid out on wrong premises, the amounts may be claimed
  back. A repayment claim is processed like any other treatment - opened,
  sent for approval, finalized or aborted - but its whole lifecycle lives
  in the versioned event log: every step is an event superseding the
  previous one, and the current claim is derived by folding.

CLAIM LIFECYCLE (as a chain of superseding events):
  Opened -> (Corrected)* -> SentForApproval -> Finalized
       \                        \
        ------------------------------> Aborted

  Each transition event supersedes the claim's latest event, so the fold
  always yields exactly one current entity per claim, keyed by the newest
  event's id.

SEE ALSO:
  - eventlog/: Versioning, optimistic concurrency, fold semantics
  - casefile/treatment.go: The row-backed treatments this mirrors
*/
package repayment

import (
	"context"
	"errors"
	"fmt"

	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/eventlog"
)

// Stream is this package's event stream within a case's history.
const Stream = "repayment_claim"

// ErrClaimNotFound is returned when a transition points at a claim that is
// not current (unknown, or already superseded by a concurrent writer).
var ErrClaimNotFound = errors.New("repayment claim not found or already superseded")

// =============================================================================
// EVENT PAYLOADS
// =============================================================================

const (
	payloadOpened          = "repayment_claim_opened"
	payloadCorrected       = "repayment_claim_corrected"
	payloadSentForApproval = "repayment_claim_sent_for_approval"
	payloadFinalized       = "repayment_claim_finalized"
	payloadAborted         = "repayment_claim_aborted"
)

// MonthClaim is the amount claimed back for one month.
type MonthClaim struct {
	Year   int    `json:"year"`
	Month  int    `json:"month"`
	Amount string `json:"amount"`
}

type Opened struct {
	GroundsRef string       `json:"grounds_ref"`
	Months     []MonthClaim `json:"months"`
}

type Corrected struct {
	Months []MonthClaim `json:"months"`
	Note   string       `json:"note"`
}

type SentForApproval struct{}

type Finalized struct {
	Attestant string `json:"attestant"`
}

type Aborted struct {
	Reason string `json:"reason"`
}

func (*Opened) PayloadType() string          { return payloadOpened }
func (*Corrected) PayloadType() string       { return payloadCorrected }
func (*SentForApproval) PayloadType() string { return payloadSentForApproval }
func (*Finalized) PayloadType() string       { return payloadFinalized }
func (*Aborted) PayloadType() string         { return payloadAborted }

func init() {
	eventlog.RegisterPayload(payloadOpened, func() eventlog.Payload { return &Opened{} })
	eventlog.RegisterPayload(payloadCorrected, func() eventlog.Payload { return &Corrected{} })
	eventlog.RegisterPayload(payloadSentForApproval, func() eventlog.Payload { return &SentForApproval{} })
	eventlog.RegisterPayload(payloadFinalized, func() eventlog.Payload { return &Finalized{} })
	eventlog.RegisterPayload(payloadAborted, func() eventlog.Payload { return &Aborted{} })
}

// =============================================================================
// CURRENT STATE
// =============================================================================

type State string

const (
	StateOpened          State = "opened"
	StateSentForApproval State = "sent_for_approval"
	StateFinalized       State = "finalized"
	StateAborted         State = "aborted"
)

// Claim is the current state of one repayment claim.
type Claim struct {
	EventID    core.EventID
	GroundsRef string
	Months     []MonthClaim
	State      State
	OpenedBy   string
	Attestant  string
}

// Total sums the claimed amounts. Amounts are validated before a claim
// event is appended, so an error here means the history was written by
// something other than this service.
func (c Claim) Total() (core.Amount, error) {
	total := core.ZeroAmount()
	for _, m := range c.Months {
		a, err := core.ParseAmount(m.Amount)
		if err != nil {
			return core.Amount{}, fmt.Errorf("claim %s, month %d-%02d: %w", c.EventID, m.Year, m.Month, err)
		}
		total = total.Add(a)
	}
	return total, nil
}

// validateMonths refuses unparseable amounts before they reach the event
// log; an event, once appended, is read on every later fold.
func validateMonths(months []MonthClaim) error {
	for _, m := range months {
		if _, err := core.ParseAmount(m.Amount); err != nil {
			return fmt.Errorf("month %d-%02d: %w", m.Year, m.Month, err)
		}
	}
	return nil
}

func (c Claim) terminal() bool {
	return c.State == StateFinalized || c.State == StateAborted
}

type folder struct{}

func (folder) Init(ev eventlog.Event) (Claim, error) {
	opened, ok := ev.Payload.(*Opened)
	if !ok {
		return Claim{}, fmt.Errorf("expected claim-opened payload, got %s", ev.Payload.PayloadType())
	}
	return Claim{
		EventID:    ev.ID,
		GroundsRef: opened.GroundsRef,
		Months:     opened.Months,
		State:      StateOpened,
		OpenedBy:   ev.Actor,
	}, nil
}

func (folder) Apply(prev Claim, ev eventlog.Event) (Claim, error) {
	switch p := ev.Payload.(type) {
	case *Corrected:
		if prev.State != StateOpened {
			return Claim{}, fmt.Errorf("claim in state %s cannot be corrected", prev.State)
		}
		prev.Months = p.Months
	case *SentForApproval:
		if prev.State != StateOpened {
			return Claim{}, fmt.Errorf("claim in state %s cannot be sent for approval", prev.State)
		}
		prev.State = StateSentForApproval
	case *Finalized:
		if prev.State != StateSentForApproval {
			return Claim{}, fmt.Errorf("claim in state %s cannot be finalized", prev.State)
		}
		prev.State = StateFinalized
		prev.Attestant = p.Attestant
	case *Aborted:
		if prev.terminal() {
			return Claim{}, fmt.Errorf("claim in state %s cannot be aborted", prev.State)
		}
		prev.State = StateAborted
	default:
		return Claim{}, fmt.Errorf("payload %s cannot supersede a claim", ev.Payload.PayloadType())
	}
	prev.EventID = ev.ID
	return prev, nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store eventlog.Store
	Clock core.Clock
}

func NewService(store eventlog.Store, clock core.Clock) *Service {
	return &Service{Store: store, Clock: clock}
}

func (s *Service) load(ctx context.Context, caseID core.CaseID) (eventlog.Log, error) {
	events, err := s.Store.ReadAll(ctx, caseID, Stream)
	if err != nil {
		return eventlog.Log{}, err
	}
	return eventlog.NewLog(caseID, events)
}

// CurrentClaims folds the history into the current claims keyed by their
// latest event id.
func (s *Service) CurrentClaims(ctx context.Context, caseID core.CaseID) (map[core.EventID]Claim, error) {
	log, err := s.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return eventlog.CurrentState[Claim](log, folder{})
}

// Open starts a repayment claim. A case may only have one non-terminal
// claim at a time.
func (s *Service) Open(ctx context.Context, caseID core.CaseID, groundsRef string, months []MonthClaim, actor string, expectedVersion uint64) (eventlog.Event, error) {
	log, err := s.load(ctx, caseID)
	if err != nil {
		return eventlog.Event{}, err
	}
	claims, err := eventlog.CurrentState[Claim](log, folder{})
	if err != nil {
		return eventlog.Event{}, err
	}
	for _, claim := range claims {
		if !claim.terminal() {
			return eventlog.Event{}, core.ErrInvalidState
		}
	}
	if err := validateMonths(months); err != nil {
		return eventlog.Event{}, err
	}

	ev := eventlog.NewEvent(caseID, nil, &Opened{GroundsRef: groundsRef, Months: months}, actor, s.Clock)
	return s.append(ctx, log, ev, expectedVersion)
}

// Correct replaces the claimed amounts of an open claim.
func (s *Service) Correct(ctx context.Context, caseID core.CaseID, claimEventID core.EventID, months []MonthClaim, note, actor string, expectedVersion uint64) (eventlog.Event, error) {
	if err := validateMonths(months); err != nil {
		return eventlog.Event{}, err
	}
	return s.advance(ctx, caseID, claimEventID, &Corrected{Months: months, Note: note}, actor, expectedVersion)
}

// SendForApproval hands an open claim to a second approver.
func (s *Service) SendForApproval(ctx context.Context, caseID core.CaseID, claimEventID core.EventID, actor string, expectedVersion uint64) (eventlog.Event, error) {
	return s.advance(ctx, caseID, claimEventID, &SentForApproval{}, actor, expectedVersion)
}

// Finalize commits the claim. The attestant must not be the case worker who
// opened the claim.
func (s *Service) Finalize(ctx context.Context, caseID core.CaseID, claimEventID core.EventID, attestant string, expectedVersion uint64) (eventlog.Event, error) {
	log, err := s.load(ctx, caseID)
	if err != nil {
		return eventlog.Event{}, err
	}
	claim, err := s.current(log, claimEventID)
	if err != nil {
		return eventlog.Event{}, err
	}
	if claim.OpenedBy == attestant {
		return eventlog.Event{}, core.ErrSameActor
	}

	ev := eventlog.NewEvent(caseID, &claimEventID, &Finalized{Attestant: attestant}, attestant, s.Clock)
	if _, err := (folder{}).Apply(claim, ev); err != nil {
		return eventlog.Event{}, fmt.Errorf("%w: %v", core.ErrInvalidState, err)
	}
	return s.append(ctx, log, ev, expectedVersion)
}

// Abort terminates a non-terminal claim.
func (s *Service) Abort(ctx context.Context, caseID core.CaseID, claimEventID core.EventID, reason, actor string, expectedVersion uint64) (eventlog.Event, error) {
	return s.advance(ctx, caseID, claimEventID, &Aborted{Reason: reason}, actor, expectedVersion)
}

func (s *Service) advance(ctx context.Context, caseID core.CaseID, claimEventID core.EventID, payload eventlog.Payload, actor string, expectedVersion uint64) (eventlog.Event, error) {
	log, err := s.load(ctx, caseID)
	if err != nil {
		return eventlog.Event{}, err
	}
	claim, err := s.current(log, claimEventID)
	if err != nil {
		return eventlog.Event{}, err
	}

	ev := eventlog.NewEvent(caseID, &claimEventID, payload, actor, s.Clock)
	// Dry-run the fold transition so an invalid step is refused here
	// instead of poisoning every later read of the history.
	if _, err := (folder{}).Apply(claim, ev); err != nil {
		return eventlog.Event{}, fmt.Errorf("%w: %v", core.ErrInvalidState, err)
	}
	return s.append(ctx, log, ev, expectedVersion)
}

func (s *Service) current(log eventlog.Log, id core.EventID) (Claim, error) {
	claims, err := eventlog.CurrentState[Claim](log, folder{})
	if err != nil {
		return Claim{}, err
	}
	claim, ok := claims[id]
	if !ok {
		return Claim{}, ErrClaimNotFound
	}
	return claim, nil
}

func (s *Service) append(ctx context.Context, log eventlog.Log, ev eventlog.Event, expectedVersion uint64) (eventlog.Event, error) {
	updated, err := log.Append(ev, expectedVersion)
	if err != nil {
		return eventlog.Event{}, err
	}
	appended := updated.Events()[updated.Len()-1]
	if err := s.Store.Append(ctx, log.CaseID(), Stream, appended, expectedVersion); err != nil {
		return eventlog.Event{}, err
	}
	return appended, nil
}
