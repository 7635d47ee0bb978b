/*
Package abroadstay tracks a person's registered stays outside the country.

PURPOSE:
  Time spent abroad affects eligibility, so every stay is registered on the
  case. Registrations are never edited: a correction or annulment is a new
  event pointing at the event it supersedes, and the current set of stays
  is always derived by folding the case's event history.

OPERATIONS:
  Register - New stay (creates a current entity keyed by the event id)
  Correct  - Replace the dates/documentation of an existing stay
  Annul    - Withdraw a stay entirely

  Every mutation carries the version the caller believes is next; a stale
  caller gets a VersionConflict and must reload.

SEE ALSO:
  - eventlog/: The versioned log this package folds over
*/
package abroadstay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/eventlog"
)

// Stream is this package's event stream within a case's history.
const Stream = "abroad_stay"

// ErrStayNotFound is returned when a correction or annulment points at a
// stay that is not current (unknown, or already superseded).
var ErrStayNotFound = errors.New("stay not found or already superseded")

// ErrOverlappingStay is returned when a stay's dates overlap another
// registered, non-annulled stay.
var ErrOverlappingStay = errors.New("stay overlaps an already registered stay")

// =============================================================================
// EVENT PAYLOADS
// =============================================================================

const (
	payloadRegistered = "abroad_stay_registered"
	payloadCorrected  = "abroad_stay_corrected"
	payloadAnnulled   = "abroad_stay_annulled"
)

type Registered struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	DocRef string    `json:"doc_ref"`
}

type Corrected struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	DocRef string    `json:"doc_ref"`
}

type Annulled struct {
	Reason string `json:"reason"`
}

func (*Registered) PayloadType() string { return payloadRegistered }
func (*Corrected) PayloadType() string  { return payloadCorrected }
func (*Annulled) PayloadType() string   { return payloadAnnulled }

func init() {
	eventlog.RegisterPayload(payloadRegistered, func() eventlog.Payload { return &Registered{} })
	eventlog.RegisterPayload(payloadCorrected, func() eventlog.Payload { return &Corrected{} })
	eventlog.RegisterPayload(payloadAnnulled, func() eventlog.Payload { return &Annulled{} })
}

// =============================================================================
// CURRENT STATE - One stay as derived from the history
// =============================================================================

type Stay struct {
	EventID  core.EventID
	From     time.Time
	To       time.Time
	DocRef   string
	Annulled bool
}

// Days is the stay's length in whole days, endpoints inclusive.
func (s Stay) Days() int {
	return int(s.To.Sub(s.From).Hours()/24) + 1
}

func (s Stay) overlaps(from, to time.Time) bool {
	return !s.To.Before(from) && !to.Before(s.From)
}

type folder struct{}

func (folder) Init(ev eventlog.Event) (Stay, error) {
	reg, ok := ev.Payload.(*Registered)
	if !ok {
		return Stay{}, fmt.Errorf("expected registration payload, got %s", ev.Payload.PayloadType())
	}
	return Stay{EventID: ev.ID, From: reg.From, To: reg.To, DocRef: reg.DocRef}, nil
}

func (folder) Apply(prev Stay, ev eventlog.Event) (Stay, error) {
	switch p := ev.Payload.(type) {
	case *Corrected:
		return Stay{EventID: ev.ID, From: p.From, To: p.To, DocRef: p.DocRef, Annulled: prev.Annulled}, nil
	case *Annulled:
		prev.EventID = ev.ID
		prev.Annulled = true
		return prev, nil
	default:
		return Stay{}, fmt.Errorf("payload %s cannot supersede a stay", ev.Payload.PayloadType())
	}
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

// CurrentStays folds the history into the current set of stays keyed by
// the id of the event that last touched each stay.
func (s *Service) CurrentStays(ctx context.Context, caseID core.CaseID) (map[core.EventID]Stay, error) {
	log, err := s.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return eventlog.CurrentState[Stay](log, folder{})
}

// TotalDaysAbroad sums the length of all current, non-annulled stays.
func (s *Service) TotalDaysAbroad(ctx context.Context, caseID core.CaseID) (int, error) {
	stays, err := s.CurrentStays(ctx, caseID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, stay := range stays {
		if !stay.Annulled {
			total += stay.Days()
		}
	}
	return total, nil
}

// Register appends a new stay. expectedVersion is the version the caller
// believes the log will assign next.
func (s *Service) Register(ctx context.Context, caseID core.CaseID, from, to time.Time, docRef, actor string, expectedVersion uint64) (eventlog.Event, error) {
	if to.Before(from) {
		return eventlog.Event{}, core.ErrInvalidPeriod
	}
	log, err := s.load(ctx, caseID)
	if err != nil {
		return eventlog.Event{}, err
	}
	if err := s.rejectOverlap(log, from, to, ""); err != nil {
		return eventlog.Event{}, err
	}

	ev := eventlog.NewEvent(caseID, nil, &Registered{From: from, To: to, DocRef: docRef}, actor, s.Clock)
	return s.append(ctx, log, ev, expectedVersion)
}

// Correct replaces the dates/documentation of the current stay keyed by
// supersedes.
func (s *Service) Correct(ctx context.Context, caseID core.CaseID, supersedes core.EventID, from, to time.Time, docRef, actor string, expectedVersion uint64) (eventlog.Event, error) {
	if to.Before(from) {
		return eventlog.Event{}, core.ErrInvalidPeriod
	}
	log, err := s.load(ctx, caseID)
	if err != nil {
		return eventlog.Event{}, err
	}
	if err := s.requireCurrent(log, supersedes); err != nil {
		return eventlog.Event{}, err
	}
	if err := s.rejectOverlap(log, from, to, supersedes); err != nil {
		return eventlog.Event{}, err
	}

	ev := eventlog.NewEvent(caseID, &supersedes, &Corrected{From: from, To: to, DocRef: docRef}, actor, s.Clock)
	return s.append(ctx, log, ev, expectedVersion)
}

// Annul withdraws the current stay keyed by supersedes.
func (s *Service) Annul(ctx context.Context, caseID core.CaseID, supersedes core.EventID, reason, actor string, expectedVersion uint64) (eventlog.Event, error) {
	log, err := s.load(ctx, caseID)
	if err != nil {
		return eventlog.Event{}, err
	}
	if err := s.requireCurrent(log, supersedes); err != nil {
		return eventlog.Event{}, err
	}

	ev := eventlog.NewEvent(caseID, &supersedes, &Annulled{Reason: reason}, actor, s.Clock)
	return s.append(ctx, log, ev, expectedVersion)
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

func (s *Service) requireCurrent(log eventlog.Log, id core.EventID) error {
	stays, err := eventlog.CurrentState[Stay](log, folder{})
	if err != nil {
		return err
	}
	if _, ok := stays[id]; !ok {
		return ErrStayNotFound
	}
	return nil
}

func (s *Service) rejectOverlap(log eventlog.Log, from, to time.Time, ignore core.EventID) error {
	stays, err := eventlog.CurrentState[Stay](log, folder{})
	if err != nil {
		return err
	}
	for id, stay := range stays {
		if id == ignore || stay.Annulled {
			continue
		}
		if stay.overlaps(from, to) {
			return ErrOverlappingStay
		}
	}
	return nil
}
