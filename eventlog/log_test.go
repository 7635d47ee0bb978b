package eventlog_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/eventlog"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testCase = core.CaseID("case-1")

var testClock = core.FixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

// notePayload is a minimal payload for log-level tests; domain payloads
// live in their own packages.
type notePayload struct {
	Text string
}

func (*notePayload) PayloadType() string { return "test.note" }

func note(text string) *notePayload { return &notePayload{Text: text} }

func appendNote(t *testing.T, l eventlog.Log, supersedes *core.EventID, text string) (eventlog.Log, eventlog.Event) {
	t.Helper()
	ev := eventlog.NewEvent(testCase, supersedes, note(text), "Z123456", testClock)
	updated, err := l.Append(ev, l.NextVersion())
	require.NoError(t, err)
	return updated, updated.Events()[updated.Len()-1]
}

// =============================================================================
// CONSTRUCTION INVARIANTS
// =============================================================================

func TestNewLog_RejectsForeignCaseEvents(t *testing.T) {
	ev := eventlog.NewEvent("other-case", nil, note("a"), "Z123456", testClock)
	ev.Version = 1

	_, err := eventlog.NewLog(testCase, []eventlog.Event{ev})
	assert.Error(t, err)
}

func TestNewLog_RejectsNonIncreasingVersions(t *testing.T) {
	first := eventlog.NewEvent(testCase, nil, note("a"), "Z123456", testClock)
	first.Version = 2
	second := eventlog.NewEvent(testCase, nil, note("b"), "Z123456", testClock)
	second.Version = 2

	_, err := eventlog.NewLog(testCase, []eventlog.Event{first, second})
	assert.Error(t, err, "duplicate versions must be rejected")
}

func TestNewLog_RejectsDoubleSupersede(t *testing.T) {
	first := eventlog.NewEvent(testCase, nil, note("a"), "Z123456", testClock)
	first.Version = 1
	second := eventlog.NewEvent(testCase, &first.ID, note("b"), "Z123456", testClock)
	second.Version = 2
	third := eventlog.NewEvent(testCase, &first.ID, note("c"), "Z123456", testClock)
	third.Version = 3

	_, err := eventlog.NewLog(testCase, []eventlog.Event{first, second, third})
	assert.Error(t, err, "an event may be superseded at most once")
}

func TestNewLog_RejectsSupersedeOfLaterEvent(t *testing.T) {
	later := core.NewEventID()
	first := eventlog.NewEvent(testCase, &later, note("a"), "Z123456", testClock)
	first.Version = 1
	second := eventlog.NewEvent(testCase, nil, note("b"), "Z123456", testClock)
	second.ID = later
	second.Version = 2

	_, err := eventlog.NewLog(testCase, []eventlog.Event{first, second})
	assert.Error(t, err, "supersedes must target an earlier event")
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppend_AssignsStrictlyIncreasingVersions(t *testing.T) {
	l := eventlog.EmptyLog(testCase)
	require.Equal(t, uint64(1), l.NextVersion(), "empty log starts at version 1")

	l, first := appendNote(t, l, nil, "a")
	l, second := appendNote(t, l, nil, "b")

	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, uint64(3), l.NextVersion())
}

func TestAppend_StaleWriterGetsVersionConflict(t *testing.T) {
	// GIVEN: Two writers loaded the same log
	l := eventlog.EmptyLog(testCase)
	l, _ = appendNote(t, l, nil, "a")

	// WHEN: A writer appends with a stale expected version
	ev := eventlog.NewEvent(testCase, nil, note("b"), "Z123456", testClock)
	_, err := l.Append(ev, 1)

	// THEN: It gets a version conflict naming both versions
	var conflict *core.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, core.ErrVersionConflict)
	assert.Equal(t, uint64(1), conflict.Expected)
	assert.Equal(t, uint64(2), conflict.ActualNext)
}

func TestAppend_DoesNotMutateReceiver(t *testing.T) {
	l := eventlog.EmptyLog(testCase)
	l, _ = appendNote(t, l, nil, "a")

	ev := eventlog.NewEvent(testCase, nil, note("b"), "Z123456", testClock)
	_, err := l.Append(ev, l.NextVersion())
	require.NoError(t, err)

	assert.Equal(t, 1, l.Len(), "original log is unchanged")
}

// =============================================================================
// FOLD
// =============================================================================

// noteFolder folds note payloads to their latest text.
type noteFolder struct{}

func (noteFolder) Init(ev eventlog.Event) (string, error) {
	return ev.Payload.(*notePayload).Text, nil
}

func (noteFolder) Apply(prev string, ev eventlog.Event) (string, error) {
	return prev + "->" + ev.Payload.(*notePayload).Text, nil
}

func TestCurrentState_KeysByLatestEvent(t *testing.T) {
	// GIVEN: An entity introduced by one event and corrected by another
	l := eventlog.EmptyLog(testCase)
	l, first := appendNote(t, l, nil, "v1")
	l, correction := appendNote(t, l, &first.ID, "v2")

	// WHEN: Folding to current state
	state, err := eventlog.CurrentState[string](l, noteFolder{})
	require.NoError(t, err)

	// THEN: The entity is keyed by the correction, the original key is gone
	require.Len(t, state, 1)
	assert.Equal(t, "v1->v2", state[correction.ID])
	_, exists := state[first.ID]
	assert.False(t, exists)
}

func TestCurrentState_IndependentEntitiesCoexist(t *testing.T) {
	l := eventlog.EmptyLog(testCase)
	l, first := appendNote(t, l, nil, "a")
	l, second := appendNote(t, l, nil, "b")

	state, err := eventlog.CurrentState[string](l, noteFolder{})
	require.NoError(t, err)

	require.Len(t, state, 2)
	assert.Equal(t, "a", state[first.ID])
	assert.Equal(t, "b", state[second.ID])
}

func TestCurrentState_IsDeterministic(t *testing.T) {
	l := eventlog.EmptyLog(testCase)
	l, first := appendNote(t, l, nil, "a")
	l, _ = appendNote(t, l, &first.ID, "b")
	l, _ = appendNote(t, l, nil, "c")

	one, err := eventlog.CurrentState[string](l, noteFolder{})
	require.NoError(t, err)
	two, err := eventlog.CurrentState[string](l, noteFolder{})
	require.NoError(t, err)

	assert.Equal(t, one, two)
}

// =============================================================================
// CODEC
// =============================================================================

func TestPayloadCodec_RoundTrip(t *testing.T) {
	eventlog.RegisterPayload("test.codec", func() eventlog.Payload { return &codecPayload{} })

	encoded, err := eventlog.EncodePayload(&codecPayload{Ref: "doc-42"})
	require.NoError(t, err)

	decoded, err := eventlog.DecodePayload("test.codec", encoded)
	require.NoError(t, err)
	assert.Equal(t, "doc-42", decoded.(*codecPayload).Ref)
}

func TestPayloadCodec_UnknownTypeFails(t *testing.T) {
	_, err := eventlog.DecodePayload("test.never-registered", []byte(`{}`))
	assert.Error(t, err)
}

type codecPayload struct {
	Ref string `json:"ref"`
}

func (*codecPayload) PayloadType() string { return "test.codec" }
