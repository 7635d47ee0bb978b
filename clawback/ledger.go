/*
Package clawback tracks amounts owed back from earlier overpaid periods.

PURPOSE:
  When a revision discovers that months already paid out should not have
  been, the surplus cannot be ripped back out of the person's account. The
  case gets a clawback entry instead: an outstanding amount, for a given
  period, to be recovered by a future revision covering that period.

ENTRY LIFECYCLE:
  Opened -> BeingRecovered -> FullyRecovered
       \------------------\-> Annulled

CRITICAL INVARIANT:
  A case has at most one active (Opened or BeingRecovered) entry at a time.
  A proposed revision overlapping an active entry's period only partially
  must be widened to cover it in full or be dropped; allowing it through
  would split the outstanding amount across bookkeeping boundaries.

SEE ALSO:
  - finalize/orchestrator.go: Updates the ledger inside the transaction
  - casefile/case.go: The aggregate owning the ledger
*/
package clawback

import (
	"time"

	"github.com/google/uuid"
	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// ENTRY - One outstanding (or settled) clawback obligation
// =============================================================================

type Status string

const (
	StatusOpened         Status = "opened"
	StatusBeingRecovered Status = "being_recovered"
	StatusFullyRecovered Status = "fully_recovered"
	StatusAnnulled       Status = "annulled"
)

type Entry struct {
	ID        string
	CaseID    core.CaseID
	Period    core.Period
	Amount    core.Amount
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the entry still represents an un-recovered amount.
func (e Entry) Active() bool {
	return e.Status == StatusOpened || e.Status == StatusBeingRecovered
}

// Obligation is a new amount to recover, produced by a finalized revision.
type Obligation struct {
	Period core.Period
	Amount core.Amount
}

// =============================================================================
// REVISION-PERIOD CHECK
// =============================================================================

// Outcome is the closed result set of CheckRevisionPeriod.
type Outcome interface{ isOutcome() }

// Allowed means the proposed revision may proceed.
type Allowed struct{}

// MustCoverEntryInFull means the proposed period overlaps the active entry
// only partially; it has to be widened to contain EntryPeriod.
type MustCoverEntryInFull struct {
	EntryPeriod core.Period
}

// Blocked means the revision may not proceed at all.
type Blocked struct {
	Reason string
}

func (Allowed) isOutcome()              {}
func (MustCoverEntryInFull) isOutcome() {}
func (Blocked) isOutcome()              {}

// CheckRevisionPeriod decides whether a revision over proposed may proceed
// given the case's active entry (nil when none).
//
// Rules:
//   - no active entry: Allowed
//   - proposed fully contains the entry's period: Allowed (full recovery)
//   - disjoint: Allowed (independent revision)
//   - partial overlap: MustCoverEntryInFull
//   - the revision would create a new obligation while an entry is already
//     active: Blocked (never two concurrent un-recovered obligations)
func CheckRevisionPeriod(proposed core.Period, active *Entry, createsNewObligation bool) Outcome {
	if active == nil || !active.Active() {
		return Allowed{}
	}
	if createsNewObligation {
		return Blocked{Reason: "case already has an active clawback entry"}
	}
	if proposed.ContainsPeriod(active.Period) {
		return Allowed{}
	}
	if !proposed.Overlaps(active.Period) {
		return Allowed{}
	}
	return MustCoverEntryInFull{EntryPeriod: active.Period}
}

// =============================================================================
// LEDGER - The case's clawback bookkeeping
// =============================================================================

// Ledger holds every entry the case has ever had; at most one is active.
// The ledger is a value: updates return a new ledger.
type Ledger struct {
	Entries []Entry
}

// Active returns the currently active entry, or nil.
func (l Ledger) Active() *Entry {
	for i := range l.Entries {
		if l.Entries[i].Active() {
			return &l.Entries[i]
		}
	}
	return nil
}

func (l Ledger) clone() Ledger {
	entries := make([]Entry, len(l.Entries))
	copy(entries, l.Entries)
	return Ledger{Entries: entries}
}

// MarkBeingRecovered flags the active entry as under recovery by a pending
// revision that covers its period in full.
func (l Ledger) MarkBeingRecovered(clock core.Clock) (Ledger, error) {
	updated := l.clone()
	for i := range updated.Entries {
		if updated.Entries[i].Status == StatusOpened {
			updated.Entries[i].Status = StatusBeingRecovered
			updated.Entries[i].UpdatedAt = clock()
			return updated, nil
		}
	}
	return l, core.ErrInvalidState
}

// AnnulActive cancels the active entry (e.g. a successful appeal removed
// the underlying overpayment).
func (l Ledger) AnnulActive(clock core.Clock) (Ledger, error) {
	updated := l.clone()
	for i := range updated.Entries {
		if updated.Entries[i].Active() {
			updated.Entries[i].Status = StatusAnnulled
			updated.Entries[i].UpdatedAt = clock()
			return updated, nil
		}
	}
	return l, core.ErrInvalidState
}

// OnFinalize applies a finalized treatment to the ledger:
//   - a finalization covering the active entry's period in full settles it
//   - a new obligation opens a fresh entry
//
// Opening a new entry while another is still active violates the
// one-active-entry invariant and fails.
func (l Ledger) OnFinalize(caseID core.CaseID, finalized core.Period, newObligation *Obligation, clock core.Clock) (Ledger, error) {
	updated := l.clone()
	now := clock()

	for i := range updated.Entries {
		if updated.Entries[i].Active() && finalized.ContainsPeriod(updated.Entries[i].Period) {
			updated.Entries[i].Status = StatusFullyRecovered
			updated.Entries[i].UpdatedAt = now
		}
	}

	if newObligation != nil {
		if updated.Active() != nil {
			return l, core.ErrInvalidState
		}
		updated.Entries = append(updated.Entries, Entry{
			ID:        uuid.NewString(),
			CaseID:    caseID,
			Period:    newObligation.Period,
			Amount:    newObligation.Amount,
			Status:    StatusOpened,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return updated, nil
}
