package core

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Benefit periods are month-granular
// =============================================================================

// Month is a calendar month. Benefit amounts, payment lines, and clawback
// entries are always bounded by whole months, never arbitrary dates.
type Month struct {
	Year int
	Mon  time.Month
}

func NewMonth(year int, mon time.Month) Month {
	return Month{Year: year, Mon: mon}
}

func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Mon: t.Month()}
}

func (m Month) index() int { return m.Year*12 + int(m.Mon) - 1 }

func (m Month) Before(other Month) bool        { return m.index() < other.index() }
func (m Month) After(other Month) bool         { return m.index() > other.index() }
func (m Month) Equal(other Month) bool         { return m.index() == other.index() }
func (m Month) BeforeOrEqual(other Month) bool { return m.index() <= other.index() }
func (m Month) AfterOrEqual(other Month) bool  { return m.index() >= other.index() }

func (m Month) AddMonths(n int) Month {
	i := m.index() + n
	return Month{Year: i / 12, Mon: time.Month(i%12 + 1)}
}

// FirstDay returns the first day of the month at UTC midnight.
func (m Month) FirstDay() time.Time {
	return time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Mon)) }

// =============================================================================
// PERIOD - Inclusive month range
// =============================================================================

// Period is an inclusive range of months [From, To].
type Period struct {
	From Month
	To   Month
}

// NewPeriod builds a period, rejecting ranges that end before they start.
func NewPeriod(from, to Month) (Period, error) {
	if to.Before(from) {
		return Period{}, ErrInvalidPeriod
	}
	return Period{From: from, To: to}, nil
}

// MustPeriod is for tests and literals known to be valid.
func MustPeriod(from, to Month) Period {
	p, err := NewPeriod(from, to)
	if err != nil {
		panic(err)
	}
	return p
}

// SingleMonth returns the period covering exactly one month.
func SingleMonth(m Month) Period { return Period{From: m, To: m} }

func (p Period) Contains(m Month) bool {
	return m.AfterOrEqual(p.From) && m.BeforeOrEqual(p.To)
}

// ContainsPeriod reports whether p fully covers other.
func (p Period) ContainsPeriod(other Period) bool {
	return p.Contains(other.From) && p.Contains(other.To)
}

// Overlaps reports whether the two periods share at least one month.
func (p Period) Overlaps(other Period) bool {
	return !p.To.Before(other.From) && !other.To.Before(p.From)
}

// Months returns every month in the period in order.
func (p Period) Months() []Month {
	var months []Month
	for m := p.From; m.BeforeOrEqual(p.To); m = m.AddMonths(1) {
		months = append(months, m)
	}
	return months
}

func (p Period) LengthMonths() int { return p.To.index() - p.From.index() + 1 }

func (p Period) String() string {
	return "[" + p.From.String() + ", " + p.To.String() + "]"
}
