/*
Package core provides the shared building blocks for the benefit case engine.

PURPOSE:
  This package contains the domain-agnostic types every other package builds
  on: money amounts, month-granular periods, type-safe identifiers, actor
  identities, an injectable clock, and the transaction-scope contract used
  by the finalization pipeline.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity in NOK (decimal, never float)
  - CaseID/TreatmentID/...: Type-safe identifiers backed by UUIDs
  - CaseWorker/Attestant: Actor identities threaded explicitly through calls
  - Clock: Injectable time source (no ambient time.Now in domain code)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point money errors
  2. Type Safety: Strong typing for IDs prevents mixing case/treatment IDs
  3. Explicitness: Clock and actors are parameters, never package globals

SEE ALSO:
  - period.go: Month-granular periods used for benefit calculation
  - errors.go: Sentinel and structured error types
  - tx.go: Transaction scope and the abort-transaction signal
*/
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity in NOK
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(kroner int64) Amount {
	return Amount{Value: decimal.NewFromInt(kroner)}
}

func NewAmountFromFloat(kroner float64) Amount {
	return Amount{Value: decimal.NewFromFloat(kroner)}
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

// ParseAmount parses a decimal string into an Amount.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for literals in tests and seed data.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }

func (a Amount) String() string { return a.Value.String() + " NOK" }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CaseID string
type TreatmentID string
type DecisionID string
type PaymentID string
type EventID string
type PersonRef string

func NewCaseID() CaseID           { return CaseID(uuid.NewString()) }
func NewTreatmentID() TreatmentID { return TreatmentID(uuid.NewString()) }
func NewDecisionID() DecisionID   { return DecisionID(uuid.NewString()) }
func NewPaymentID() PaymentID     { return PaymentID(uuid.NewString()) }
func NewEventID() EventID         { return EventID(uuid.NewString()) }

// =============================================================================
// ACTORS - Who performed an operation
// =============================================================================

// CaseWorker (saksbehandler) processes treatments; Attestant is the second
// approver. They are distinct types so a function signature states exactly
// which role it expects.
type CaseWorker string
type Attestant string

func (c CaseWorker) Ident() string { return string(c) }
func (a Attestant) Ident() string  { return string(a) }

// SameActor reports whether the case worker and the attestant are the same
// person. A treatment may never be attested by the worker who assessed it.
func SameActor(c CaseWorker, a Attestant) bool { return string(c) == string(a) }

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock produces the current time. Domain code takes a Clock parameter
// instead of calling time.Now so tests can pin time deterministically.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a Clock frozen at t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// CorrelationID ties log lines and observer notifications from one unit of
// work together. Threaded explicitly, never stored in a global.
type CorrelationID string

func NewCorrelationID() CorrelationID { return CorrelationID(uuid.NewString()) }
