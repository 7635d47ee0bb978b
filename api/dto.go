/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator struct tags and are checked with
  go-playground/validator before any domain call. Month fields use the
  "2006-01" layout, dates "2006-01-02".

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

const (
	monthLayout = "2006-01"
	dateLayout  = "2006-01-02"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateCaseRequest opens a new case for a person.
type CreateCaseRequest struct {
	PersonRef   string `json:"person_ref" validate:"required"`
	BenefitType string `json:"benefit_type" validate:"required"`
}

// StartTreatmentRequest opens a treatment on a case.
type StartTreatmentRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=application revision appeal repayment_claim"`
	SourceRef  string `json:"source_ref" validate:"required"`
	CaseWorker string `json:"case_worker" validate:"required"`
}

// MonthAmountDTO is one month's granted amount.
type MonthAmountDTO struct {
	Month  string `json:"month" validate:"required"`
	Amount string `json:"amount" validate:"required"`
}

// AssessRequest records the assessed outcome of a treatment. An empty
// lines list is a valid outcome that grants nothing.
type AssessRequest struct {
	FromMonth string           `json:"from_month" validate:"required"`
	ToMonth   string           `json:"to_month" validate:"required"`
	Lines     []MonthAmountDTO `json:"lines" validate:"dive"`

	ClawbackFromMonth string `json:"clawback_from_month,omitempty"`
	ClawbackToMonth   string `json:"clawback_to_month,omitempty"`
	ClawbackAmount    string `json:"clawback_amount,omitempty"`
}

// RejectRequest sends an approved-pending treatment back to assessment.
type RejectRequest struct {
	Attestant string `json:"attestant" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
}

// FinalizeRequest commits a treatment awaiting approval.
type FinalizeRequest struct {
	Attestant string `json:"attestant" validate:"required"`
}

// AbortRequest closes a treatment without a decision.
type AbortRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

// ReceiptRequest confirms (or rejects) a dispatched payment.
type ReceiptRequest struct {
	ExternalRef string `json:"external_ref" validate:"required"`
	OK          bool   `json:"ok"`
}

// RegisterStayRequest records a stay abroad.
type RegisterStayRequest struct {
	From            string `json:"from" validate:"required"`
	To              string `json:"to" validate:"required"`
	DocRef          string `json:"doc_ref"`
	Actor           string `json:"actor" validate:"required"`
	ExpectedVersion uint64 `json:"expected_version" validate:"required"`
}

// CorrectStayRequest supersedes a registered stay with corrected dates.
type CorrectStayRequest struct {
	Supersedes      string `json:"supersedes" validate:"required"`
	From            string `json:"from" validate:"required"`
	To              string `json:"to" validate:"required"`
	DocRef          string `json:"doc_ref"`
	Actor           string `json:"actor" validate:"required"`
	ExpectedVersion uint64 `json:"expected_version" validate:"required"`
}

// AnnulStayRequest marks a registered stay as void.
type AnnulStayRequest struct {
	Supersedes      string `json:"supersedes" validate:"required"`
	Reason          string `json:"reason"`
	Actor           string `json:"actor" validate:"required"`
	ExpectedVersion uint64 `json:"expected_version" validate:"required"`
}

// ClaimMonthDTO is one month of a repayment claim.
type ClaimMonthDTO struct {
	Year   int    `json:"year" validate:"required"`
	Month  int    `json:"month" validate:"required,min=1,max=12"`
	Amount string `json:"amount" validate:"required"`
}

// OpenClaimRequest opens a repayment claim against a case.
type OpenClaimRequest struct {
	GroundsRef      string          `json:"grounds_ref" validate:"required"`
	Months          []ClaimMonthDTO `json:"months" validate:"required,min=1,dive"`
	Actor           string          `json:"actor" validate:"required"`
	ExpectedVersion uint64          `json:"expected_version" validate:"required"`
}

// CorrectClaimRequest replaces the months of an open claim.
type CorrectClaimRequest struct {
	ClaimEventID    string          `json:"claim_event_id" validate:"required"`
	Months          []ClaimMonthDTO `json:"months" validate:"required,min=1,dive"`
	Note            string          `json:"note"`
	Actor           string          `json:"actor" validate:"required"`
	ExpectedVersion uint64          `json:"expected_version" validate:"required"`
}

// ClaimActionRequest advances a claim (send for approval, finalize, abort).
type ClaimActionRequest struct {
	ClaimEventID    string `json:"claim_event_id" validate:"required"`
	Actor           string `json:"actor" validate:"required"`
	Reason          string `json:"reason"`
	ExpectedVersion uint64 `json:"expected_version" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// CaseDTO represents a case in API responses.
type CaseDTO struct {
	ID          string         `json:"id"`
	PersonRef   string         `json:"person_ref"`
	BenefitType string         `json:"benefit_type"`
	Treatments  []TreatmentDTO `json:"treatments"`
	Decisions   []DecisionDTO  `json:"decisions"`
	Payments    []PaymentDTO   `json:"payments"`
	Clawback    []ClawbackDTO  `json:"clawback"`
	RowVersion  uint64         `json:"row_version"`
	CreatedAt   string         `json:"created_at"`
}

// TreatmentDTO represents a treatment and its current state.
type TreatmentDTO struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	State      string           `json:"state"`
	SourceRef  string           `json:"source_ref"`
	CaseWorker string           `json:"case_worker"`
	OpenedAt   string           `json:"opened_at"`
	Period     string           `json:"period,omitempty"`
	Net        string           `json:"net,omitempty"`
	Lines      []MonthAmountDTO `json:"lines,omitempty"`
}

// DecisionDTO represents a finalized decision.
type DecisionDTO struct {
	ID          string           `json:"id"`
	TreatmentID string           `json:"treatment_id"`
	PaymentID   string           `json:"payment_id,omitempty"`
	Period      string           `json:"period"`
	Net         string           `json:"net"`
	Lines       []MonthAmountDTO `json:"lines"`
	Attestant   string           `json:"attestant"`
	AttestedAt  string           `json:"attested_at"`
}

// PaymentDTO represents a payment and its dispatch status.
type PaymentDTO struct {
	ID          string           `json:"id"`
	TreatmentID string           `json:"treatment_id"`
	Status      string           `json:"status"`
	Net         string           `json:"net"`
	Lines       []MonthAmountDTO `json:"lines"`
	SentAt      string           `json:"sent_at,omitempty"`
	ExternalRef string           `json:"external_ref,omitempty"`
}

// ClawbackDTO represents one clawback ledger entry.
type ClawbackDTO struct {
	ID     string `json:"id"`
	Period string `json:"period"`
	Amount string `json:"amount"`
	Status string `json:"status"`
}

// StayDTO represents the current version of an abroad stay.
type StayDTO struct {
	EventID  string `json:"event_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Days     int    `json:"days"`
	DocRef   string `json:"doc_ref,omitempty"`
	Annulled bool   `json:"annulled"`
}

// ClaimDTO represents the current version of a repayment claim.
type ClaimDTO struct {
	EventID    string          `json:"event_id"`
	GroundsRef string          `json:"grounds_ref"`
	State      string          `json:"state"`
	Months     []ClaimMonthDTO `json:"months"`
	Total      string          `json:"total"`
	OpenedBy   string          `json:"opened_by"`
	Attestant  string          `json:"attestant,omitempty"`
}

// EventDTO is the append acknowledgement for event-log writes.
type EventDTO struct {
	EventID string `json:"event_id"`
	Version uint64 `json:"version"`
}

// FinalizeResponse reports the committed outcome of a finalization.
type FinalizeResponse struct {
	Decision DecisionDTO `json:"decision"`
	Payment  *PaymentDTO `json:"payment,omitempty"`

	// DispatchFailed is true when the decision committed but the payment
	// could not be sent; the resend loop will retry it.
	DispatchFailed bool `json:"dispatch_failed,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func parseMonth(s string) (core.Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return core.Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return core.Month{Year: t.Year(), Mon: t.Month()}, nil
}

func formatMonth(m core.Month) string {
	return m.FirstDay().Format(monthLayout)
}

func formatPeriod(p core.Period) string {
	return formatMonth(p.From) + "/" + formatMonth(p.To)
}

func toMonthAmountDTOs(lines []casefile.AssessmentLine) []MonthAmountDTO {
	out := make([]MonthAmountDTO, len(lines))
	for i, l := range lines {
		out[i] = MonthAmountDTO{Month: formatMonth(l.Month), Amount: l.Amount.Value.String()}
	}
	return out
}

func toTreatmentDTO(t casefile.Treatment) TreatmentDTO {
	data := t.Data()
	dto := TreatmentDTO{
		ID:         string(data.ID),
		Kind:       string(data.Kind),
		State:      string(t.StateName()),
		SourceRef:  data.SourceRef,
		CaseWorker: string(data.CaseWorker),
		OpenedAt:   data.OpenedAt.Format(time.RFC3339),
	}

	var assessment *casefile.Assessment
	switch s := t.(type) {
	case casefile.Assessed:
		assessment = &s.Assessment
	case casefile.SimulatedForApproval:
		assessment = &s.Assessment
	case casefile.SentForApproval:
		assessment = &s.Assessment
	case casefile.Finalized:
		assessment = &s.Assessment
	}
	if assessment != nil {
		dto.Period = formatPeriod(assessment.Period)
		dto.Net = assessment.Net().Value.String()
		dto.Lines = toMonthAmountDTOs(assessment.Lines)
	}
	return dto
}

func toDecisionDTO(d casefile.Decision) DecisionDTO {
	dto := DecisionDTO{
		ID:          string(d.ID),
		TreatmentID: string(d.TreatmentID),
		Period:      formatPeriod(d.Period),
		Net:         d.Net().Value.String(),
		Lines:       toMonthAmountDTOs(d.Lines),
		Attestant:   string(d.Attestation.Attestant),
		AttestedAt:  d.Attestation.At.Format(time.RFC3339),
	}
	if d.PaymentID != nil {
		dto.PaymentID = string(*d.PaymentID)
	}
	return dto
}

func toPaymentDTO(p *payment.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:          string(p.ID),
		TreatmentID: string(p.TreatmentID),
		Status:      string(p.Status),
		Net:         p.Net().Value.String(),
	}
	for _, l := range p.Lines {
		dto.Lines = append(dto.Lines, MonthAmountDTO{Month: formatMonth(l.Month), Amount: l.Amount.Value.String()})
	}
	if p.SentAt != nil {
		dto.SentAt = p.SentAt.Format(time.RFC3339)
	}
	if p.Receipt != nil {
		dto.ExternalRef = p.Receipt.ExternalRef
	}
	return dto
}

func toCaseDTO(c *casefile.Case) CaseDTO {
	dto := CaseDTO{
		ID:          string(c.ID),
		PersonRef:   string(c.Person),
		BenefitType: c.BenefitType,
		RowVersion:  c.RowVersion,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		Treatments:  []TreatmentDTO{},
		Decisions:   []DecisionDTO{},
		Payments:    []PaymentDTO{},
		Clawback:    []ClawbackDTO{},
	}
	for _, t := range c.Treatments {
		dto.Treatments = append(dto.Treatments, toTreatmentDTO(t))
	}
	for _, d := range c.Decisions {
		dto.Decisions = append(dto.Decisions, toDecisionDTO(d))
	}
	for _, p := range c.Payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	for _, e := range c.Clawback.Entries {
		dto.Clawback = append(dto.Clawback, ClawbackDTO{
			ID:     e.ID,
			Period: formatPeriod(e.Period),
			Amount: e.Amount.Value.String(),
			Status: string(e.Status),
		})
	}
	return dto
}
