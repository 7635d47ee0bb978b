/*
Package eventlog provides the versioned, append-only event log.

PURPOSE:
  Some parts of a case are not stored as mutable rows but as an ordered
  history of events: cross-border-stay registrations and repayment-claim
  treatment both work this way. Every mutation (register, correct, annul,
  advance) is itself an event appended with a new version; current state is
  always derived by folding the ordered history.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Events are never updated or deleted
  2. VERSIONED: Versions are strictly increasing and unique per case
  3. SUPERSEDE-ONCE: An event may be superseded by at most one later event
  4. DETERMINISTIC: Folding the same log twice yields identical state

OPTIMISTIC CONCURRENCY:
  Every append carries the version the writer expects to extend. A losing
  concurrent writer gets a VersionConflict and must reload; the log never
  retries on its own.

CORRECTIONS:
  A mistake is never edited. A correction event points at the event it
  supersedes; both remain in the history and the fold yields the corrected
  state under the new event's id.

SEE ALSO:
  - log.go: Construction validation, Append, fold
  - abroadstay/: Cross-border-stay registrations built on this log
  - repayment/: Repayment-claim treatment built on this log
*/
package eventlog

import (
	"context"
	"time"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// EVENT - One entry in the history
// =============================================================================

// Payload is the domain content of an event. Concrete payload types live in
// the domain packages; PayloadType is the unique wire tag used for storage.
type Payload interface {
	PayloadType() string
}

// Event is one immutable entry in a case's history. Supersedes is nil for
// events that introduce a new entity (a registration, an opened claim) and
// points at the replaced event for corrections and annulments.
type Event struct {
	ID         core.EventID
	CaseID     core.CaseID
	Version    uint64
	Supersedes *core.EventID
	Payload    Payload
	Actor      string
	Timestamp  time.Time
}

// NewEvent stamps identity and time onto a payload. Version is assigned by
// the log at append time, not here.
func NewEvent(caseID core.CaseID, supersedes *core.EventID, payload Payload, actor string, clock core.Clock) Event {
	return Event{
		ID:         core.NewEventID(),
		CaseID:     caseID,
		Supersedes: supersedes,
		Payload:    payload,
		Actor:      actor,
		Timestamp:  clock(),
	}
}

// =============================================================================
// STORE - Append-only persistence
// =============================================================================

// Store persists event histories. Each case has one history per stream
// (cross-border stays and repayment claims are separate streams with
// independent version sequences). The expectedNextVersion check is the
// store-level twin of Log.Append: implementations must reject stale writers
// with core.ErrVersionConflict and leave the history unchanged.
type Store interface {
	// Append persists one event iff expectedNextVersion is the actual next
	// version for the case's stream.
	Append(ctx context.Context, caseID core.CaseID, stream string, ev Event, expectedNextVersion uint64) error

	// ReadAll returns the full ordered history for a case's stream.
	ReadAll(ctx context.Context, caseID core.CaseID, stream string) ([]Event, error)
}
