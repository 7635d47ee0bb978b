package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func month(year int, mon time.Month) core.Month {
	return core.NewMonth(year, mon)
}

func period(fromYear int, fromMon time.Month, toYear int, toMon time.Month) core.Period {
	return core.MustPeriod(month(fromYear, fromMon), month(toYear, toMon))
}

// =============================================================================
// MONTH TESTS
// =============================================================================

func TestMonth_Ordering(t *testing.T) {
	jan := month(2024, time.January)
	dec23 := month(2023, time.December)

	assert.True(t, dec23.Before(jan), "December 2023 comes before January 2024")
	assert.True(t, jan.After(dec23))
	assert.True(t, jan.Equal(month(2024, time.January)))
	assert.False(t, jan.Before(jan))
	assert.True(t, jan.BeforeOrEqual(jan))
}

func TestMonth_AddMonths_CrossesYearBoundary(t *testing.T) {
	nov := month(2024, time.November)

	assert.Equal(t, month(2025, time.February), nov.AddMonths(3))
	assert.Equal(t, month(2024, time.August), nov.AddMonths(-3))
	assert.Equal(t, month(2023, time.December), month(2024, time.January).AddMonths(-1))
}

func TestMonth_FirstDay(t *testing.T) {
	day := month(2024, time.March).FirstDay()
	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), day)
}

// =============================================================================
// PERIOD TESTS
// =============================================================================

func TestNewPeriod_RejectsReversedRange(t *testing.T) {
	_, err := core.NewPeriod(month(2024, time.March), month(2024, time.January))
	assert.ErrorIs(t, err, core.ErrInvalidPeriod)
}

func TestPeriod_SingleMonth(t *testing.T) {
	p := core.SingleMonth(month(2024, time.June))
	assert.Equal(t, 1, p.LengthMonths())
	assert.True(t, p.Contains(month(2024, time.June)))
	assert.False(t, p.Contains(month(2024, time.July)))
}

func TestPeriod_Contains(t *testing.T) {
	p := period(2024, time.January, 2024, time.March)

	assert.True(t, p.Contains(month(2024, time.January)), "boundary months are inside")
	assert.True(t, p.Contains(month(2024, time.March)))
	assert.True(t, p.Contains(month(2024, time.February)))
	assert.False(t, p.Contains(month(2023, time.December)))
	assert.False(t, p.Contains(month(2024, time.April)))
}

func TestPeriod_ContainsPeriod(t *testing.T) {
	outer := period(2024, time.January, 2024, time.June)

	assert.True(t, outer.ContainsPeriod(period(2024, time.February, 2024, time.April)))
	assert.True(t, outer.ContainsPeriod(outer), "a period covers itself")
	assert.False(t, outer.ContainsPeriod(period(2024, time.May, 2024, time.July)))
}

func TestPeriod_Overlaps(t *testing.T) {
	p := period(2024, time.January, 2024, time.March)

	assert.True(t, p.Overlaps(period(2024, time.March, 2024, time.May)), "shared boundary month overlaps")
	assert.True(t, p.Overlaps(period(2023, time.November, 2024, time.January)))
	assert.False(t, p.Overlaps(period(2024, time.April, 2024, time.June)))
	assert.False(t, p.Overlaps(period(2023, time.October, 2023, time.December)))
}

func TestPeriod_Months(t *testing.T) {
	p := period(2024, time.November, 2025, time.January)

	months := p.Months()
	require.Len(t, months, 3)
	assert.Equal(t, month(2024, time.November), months[0])
	assert.Equal(t, month(2024, time.December), months[1])
	assert.Equal(t, month(2025, time.January), months[2])
}

// =============================================================================
// AMOUNT TESTS
// =============================================================================

func TestAmount_Arithmetic(t *testing.T) {
	a := core.NewAmount(21000)
	b := core.NewAmount(18000)

	assert.True(t, a.Sub(b).Equal(core.NewAmount(3000)))
	assert.True(t, a.Add(b).Equal(core.NewAmount(39000)))
	assert.True(t, a.Sub(a).IsZero())
	assert.True(t, b.Sub(a).IsNegative())
	assert.True(t, a.GreaterThan(b))
	assert.True(t, b.LessThan(a))
}

func TestAmount_DecimalPrecision(t *testing.T) {
	// Classic float trap: 0.1 + 0.2 must be exactly 0.3
	sum := core.MustParseAmount("0.1").Add(core.MustParseAmount("0.2"))
	assert.True(t, sum.Equal(core.MustParseAmount("0.3")))
}

func TestSameActor(t *testing.T) {
	assert.True(t, core.SameActor(core.CaseWorker("Z123456"), core.Attestant("Z123456")))
	assert.False(t, core.SameActor(core.CaseWorker("Z123456"), core.Attestant("Z654321")))
}
