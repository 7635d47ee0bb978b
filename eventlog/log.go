package eventlog

import (
	"fmt"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// LOG - Validated, ordered event history for one case
// =============================================================================

// Log is an immutable view over one case's ordered history. All mutation
// goes through Append, which returns a new Log; the receiver is never
// changed in place.
type Log struct {
	caseID core.CaseID
	events []Event
}

// NewLog validates and wraps an ordered history. Construction fails if:
//   - any event belongs to a different case
//   - versions are not strictly increasing (duplicates included)
//   - two events supersede the same predecessor
//   - a supersedes pointer targets an event that is not earlier in the log
func NewLog(caseID core.CaseID, events []Event) (Log, error) {
	seen := make(map[core.EventID]bool, len(events))
	superseded := make(map[core.EventID]core.EventID, len(events))

	var lastVersion uint64
	for _, ev := range events {
		if ev.CaseID != caseID {
			return Log{}, fmt.Errorf("event %s belongs to case %s, log is for %s", ev.ID, ev.CaseID, caseID)
		}
		if ev.Version <= lastVersion {
			return Log{}, fmt.Errorf("event %s: version %d not strictly increasing after %d", ev.ID, ev.Version, lastVersion)
		}
		lastVersion = ev.Version

		if ev.Supersedes != nil {
			target := *ev.Supersedes
			if !seen[target] {
				return Log{}, fmt.Errorf("event %s supersedes unknown or later event %s", ev.ID, target)
			}
			if by, taken := superseded[target]; taken {
				return Log{}, fmt.Errorf("event %s already superseded by %s, cannot also be superseded by %s", target, by, ev.ID)
			}
			superseded[target] = ev.ID
		}

		seen[ev.ID] = true
	}

	copied := make([]Event, len(events))
	copy(copied, events)
	return Log{caseID: caseID, events: copied}, nil
}

// EmptyLog returns a log with no history yet.
func EmptyLog(caseID core.CaseID) Log {
	return Log{caseID: caseID}
}

func (l Log) CaseID() core.CaseID { return l.caseID }

// Events returns a copy of the ordered history.
func (l Log) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l Log) Len() int { return len(l.events) }

// NextVersion is the version the next appended event will carry.
// An empty log starts at version 1.
func (l Log) NextVersion() uint64 {
	if len(l.events) == 0 {
		return 1
	}
	return l.events[len(l.events)-1].Version + 1
}

// Append adds ev with the version the caller expects to be next. If the
// log has moved on, the caller gets a VersionConflictError and the log is
// unchanged; reload and retry is the caller's decision.
func (l Log) Append(ev Event, expectedNextVersion uint64) (Log, error) {
	next := l.NextVersion()
	if expectedNextVersion != next {
		return Log{}, &core.VersionConflictError{
			CaseID:     l.caseID,
			Expected:   expectedNextVersion,
			ActualNext: next,
		}
	}
	ev.Version = next

	appended := make([]Event, len(l.events), len(l.events)+1)
	copy(appended, l.events)
	appended = append(appended, ev)

	// Re-validate the full history so supersede-once and case-ownership
	// invariants hold for the new event too.
	return NewLog(l.caseID, appended)
}

// =============================================================================
// FOLD - Derive current state from the history
// =============================================================================

// Folder turns events into current entities of type T.
//
// Init handles events with no Supersedes pointer (they introduce a new
// entity). Apply handles superseding events, given the entity currently
// keyed by the superseded event's id.
type Folder[T any] interface {
	Init(ev Event) (T, error)
	Apply(prev T, ev Event) (T, error)
}

// CurrentState folds the ordered history into a map of current entities
// keyed by the id of the latest event that produced each of them.
//
// An event whose Supersedes pointer is missing from the accumulator is a
// programming-contract violation (NewLog rejects such histories), so the
// fold fails fast rather than skipping it.
func CurrentState[T any](l Log, f Folder[T]) (map[core.EventID]T, error) {
	acc := make(map[core.EventID]T)
	for _, ev := range l.events {
		if ev.Supersedes == nil {
			entity, err := f.Init(ev)
			if err != nil {
				return nil, fmt.Errorf("fold init at version %d: %w", ev.Version, err)
			}
			acc[ev.ID] = entity
			continue
		}

		prev, ok := acc[*ev.Supersedes]
		if !ok {
			return nil, fmt.Errorf("fold at version %d: superseded event %s not in accumulator", ev.Version, *ev.Supersedes)
		}
		entity, err := f.Apply(prev, ev)
		if err != nil {
			return nil, fmt.Errorf("fold apply at version %d: %w", ev.Version, err)
		}
		delete(acc, *ev.Supersedes)
		acc[ev.ID] = entity
	}
	return acc, nil
}
