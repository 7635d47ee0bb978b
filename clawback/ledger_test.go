package clawback_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saksys/benefit-engine/clawback"
	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testClock = core.FixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

func period(fy int, fm time.Month, ty int, tm time.Month) core.Period {
	return core.MustPeriod(core.NewMonth(fy, fm), core.NewMonth(ty, tm))
}

func activeEntry(p core.Period) *clawback.Entry {
	return &clawback.Entry{
		ID:     "entry-1",
		CaseID: "case-1",
		Period: p,
		Amount: core.NewAmount(9000),
		Status: clawback.StatusOpened,
	}
}

// =============================================================================
// REVISION-PERIOD CHECK
// =============================================================================

func TestCheckRevisionPeriod_NoActiveEntryAllowsAnything(t *testing.T) {
	outcome := clawback.CheckRevisionPeriod(period(2024, time.February, 2024, time.February), nil, true)

	assert.IsType(t, clawback.Allowed{}, outcome)
}

func TestCheckRevisionPeriod_SettledEntryAllowsAnything(t *testing.T) {
	entry := activeEntry(period(2024, time.January, 2024, time.March))
	entry.Status = clawback.StatusFullyRecovered

	outcome := clawback.CheckRevisionPeriod(period(2024, time.February, 2024, time.February), entry, false)

	assert.IsType(t, clawback.Allowed{}, outcome)
}

func TestCheckRevisionPeriod_PartialOverlapMustWiden(t *testing.T) {
	// GIVEN: An active entry spanning January through March
	entryPeriod := period(2024, time.January, 2024, time.March)
	entry := activeEntry(entryPeriod)

	// WHEN: A revision proposes only February
	outcome := clawback.CheckRevisionPeriod(period(2024, time.February, 2024, time.February), entry, false)

	// THEN: It must be widened to cover the whole entry
	widen, ok := outcome.(clawback.MustCoverEntryInFull)
	require.True(t, ok, "got %T", outcome)
	assert.Equal(t, entryPeriod, widen.EntryPeriod)
}

func TestCheckRevisionPeriod_FullCoverageAllowed(t *testing.T) {
	entry := activeEntry(period(2024, time.January, 2024, time.March))

	outcome := clawback.CheckRevisionPeriod(period(2024, time.January, 2024, time.April), entry, false)

	assert.IsType(t, clawback.Allowed{}, outcome)
}

func TestCheckRevisionPeriod_DisjointPeriodAllowed(t *testing.T) {
	entry := activeEntry(period(2024, time.January, 2024, time.March))

	outcome := clawback.CheckRevisionPeriod(period(2024, time.June, 2024, time.June), entry, false)

	assert.IsType(t, clawback.Allowed{}, outcome)
}

func TestCheckRevisionPeriod_NewObligationBlockedWhileEntryActive(t *testing.T) {
	entry := activeEntry(period(2024, time.January, 2024, time.March))

	outcome := clawback.CheckRevisionPeriod(period(2024, time.June, 2024, time.June), entry, true)

	blocked, ok := outcome.(clawback.Blocked)
	require.True(t, ok, "got %T", outcome)
	assert.NotEmpty(t, blocked.Reason)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_OnFinalizeOpensNewEntry(t *testing.T) {
	ledger := clawback.Ledger{}
	obligation := &clawback.Obligation{
		Period: period(2024, time.January, 2024, time.March),
		Amount: core.NewAmount(9000),
	}

	updated, err := ledger.OnFinalize("case-1", period(2024, time.January, 2024, time.March), obligation, testClock)
	require.NoError(t, err)

	active := updated.Active()
	require.NotNil(t, active)
	assert.Equal(t, clawback.StatusOpened, active.Status)
	assert.True(t, active.Amount.Equal(core.NewAmount(9000)))
	assert.Empty(t, ledger.Entries, "ledger is a value; receiver stays untouched")
}

func TestLedger_OnFinalizeFullCoverageSettlesActiveEntry(t *testing.T) {
	// GIVEN: A ledger with an open January-March obligation
	ledger := clawback.Ledger{Entries: []clawback.Entry{*activeEntry(period(2024, time.January, 2024, time.March))}}

	// WHEN: A treatment over January-April finalizes without a new obligation
	updated, err := ledger.OnFinalize("case-1", period(2024, time.January, 2024, time.April), nil, testClock)
	require.NoError(t, err)

	// THEN: The entry is fully recovered and nothing is active
	assert.Nil(t, updated.Active())
	assert.Equal(t, clawback.StatusFullyRecovered, updated.Entries[0].Status)
}

func TestLedger_OnFinalizeSettleAndReopenInOneStep(t *testing.T) {
	ledger := clawback.Ledger{Entries: []clawback.Entry{*activeEntry(period(2024, time.January, 2024, time.March))}}
	obligation := &clawback.Obligation{
		Period: period(2024, time.April, 2024, time.May),
		Amount: core.NewAmount(4000),
	}

	updated, err := ledger.OnFinalize("case-1", period(2024, time.January, 2024, time.May), obligation, testClock)
	require.NoError(t, err)

	require.Len(t, updated.Entries, 2)
	assert.Equal(t, clawback.StatusFullyRecovered, updated.Entries[0].Status)
	active := updated.Active()
	require.NotNil(t, active)
	assert.Equal(t, period(2024, time.April, 2024, time.May), active.Period)
}

func TestLedger_OnFinalizeRejectsSecondActiveEntry(t *testing.T) {
	ledger := clawback.Ledger{Entries: []clawback.Entry{*activeEntry(period(2024, time.January, 2024, time.March))}}
	obligation := &clawback.Obligation{
		Period: period(2024, time.June, 2024, time.June),
		Amount: core.NewAmount(4000),
	}

	// The finalized period doesn't cover the active entry, so it stays open
	_, err := ledger.OnFinalize("case-1", period(2024, time.June, 2024, time.June), obligation, testClock)

	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestLedger_MarkBeingRecovered(t *testing.T) {
	ledger := clawback.Ledger{Entries: []clawback.Entry{*activeEntry(period(2024, time.January, 2024, time.March))}}

	updated, err := ledger.MarkBeingRecovered(testClock)
	require.NoError(t, err)
	assert.Equal(t, clawback.StatusBeingRecovered, updated.Entries[0].Status)
	assert.NotNil(t, updated.Active(), "being_recovered still counts as active")

	_, err = updated.MarkBeingRecovered(testClock)
	assert.ErrorIs(t, err, core.ErrInvalidState, "no opened entry left to mark")
}

func TestLedger_AnnulActive(t *testing.T) {
	ledger := clawback.Ledger{Entries: []clawback.Entry{*activeEntry(period(2024, time.January, 2024, time.March))}}

	updated, err := ledger.AnnulActive(testClock)
	require.NoError(t, err)
	assert.Equal(t, clawback.StatusAnnulled, updated.Entries[0].Status)
	assert.Nil(t, updated.Active())

	_, err = updated.AnnulActive(testClock)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}
