/*
handlers.go - HTTP handlers for the benefit case API

PURPOSE:
  Implements all HTTP endpoints: case intake, the treatment lifecycle
  (assess, simulate, send for approval, reject, finalize, abort),
  payment receipts, abroad stays and repayment claims.

REQUEST FLOW:
  1. Decode and validate the request body
  2. Load the case aggregate
  3. Run the domain transition
  4. Save the aggregate (optimistic row versioning)
  5. Convert the result to a DTO

ERROR MAPPING:
  Not-found sentinels        -> 404
  Invalid state / bad input  -> 400 or 409 (invalid state is a conflict
                                between the request and the case, not a
                                malformed request)
  Version conflicts          -> 409, client reloads and retries
  Everything else            -> 500

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
  - finalize/orchestrator.go: The finalization flow behind POST finalize
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saksys/benefit-engine/abroadstay"
	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/clawback"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/finalize"
	"github.com/saksys/benefit-engine/payment"
	"github.com/saksys/benefit-engine/repayment"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Storage is the persistence surface the handlers need. Both the SQLite
// store and the in-memory store satisfy it.
type Storage interface {
	casefile.TxStore
	GetPayment(ctx context.Context, id core.PaymentID) (*payment.Payment, error)
	FailedPayments(ctx context.Context) ([]*payment.Payment, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Storage
	Gateway   payment.Gateway
	Finalizer *finalize.Orchestrator
	Stays     *abroadstay.Service
	Claims    *repayment.Service
	Clock     core.Clock
	Log       *zap.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(store Storage, gw payment.Gateway, fin *finalize.Orchestrator, stays *abroadstay.Service, claims *repayment.Service, clock core.Clock, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Gateway:   gw,
		Finalizer: fin,
		Stays:     stays,
		Claims:    claims,
		Clock:     clock,
		Log:       log,
		validate:  validator.New(),
	}
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

// CreateCase opens a new case for a person.
// POST /api/cases
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	c := casefile.NewCase(core.PersonRef(req.PersonRef), req.BenefitType, h.Clock)
	if err := h.Store.Create(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create case", err)
		return
	}

	writeJSON(w, http.StatusCreated, toCaseDTO(c))
}

// GetCase returns a case aggregate.
// GET /api/cases/{id}
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(c))
}

// =============================================================================
// TREATMENT HANDLERS
// =============================================================================

// StartTreatment opens a treatment on a case.
// POST /api/cases/{id}/treatments
func (h *Handler) StartTreatment(w http.ResponseWriter, r *http.Request) {
	var req StartTreatmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}

	opened, err := c.StartTreatment(casefile.Kind(req.Kind), req.SourceRef, core.CaseWorker(req.CaseWorker), h.Clock)
	if err != nil {
		writeDomainError(w, "Failed to start treatment", err)
		return
	}

	if !h.saveCase(w, r, c) {
		return
	}
	writeJSON(w, http.StatusCreated, toTreatmentDTO(opened))
}

// GetTreatment returns one treatment.
// GET /api/cases/{id}/treatments/{treatmentID}
func (h *Handler) GetTreatment(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	t, err := c.Treatment(core.TreatmentID(chi.URLParam(r, "treatmentID")))
	if err != nil {
		writeDomainError(w, "Treatment not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTreatmentDTO(t))
}

// Assess records the assessed outcome of an opened (or re-assesses an
// already assessed) treatment.
// POST /api/cases/{id}/treatments/{treatmentID}/assess
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	var req AssessRequest
	if !h.decode(w, r, &req) {
		return
	}

	assessment, err := toAssessment(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid assessment", err)
		return
	}

	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	t, err := c.Treatment(core.TreatmentID(chi.URLParam(r, "treatmentID")))
	if err != nil {
		writeDomainError(w, "Treatment not found", err)
		return
	}

	// A revision that opens a new clawback obligation must clear the
	// active entry first.
	if assessment.ClawbackPeriod != nil || len(assessment.Lines) > 0 {
		if blocked := h.checkClawback(c, assessment); blocked != nil {
			writeError(w, http.StatusConflict, "Revision conflicts with active clawback", blocked)
			return
		}
	}

	var next casefile.Assessed
	switch s := t.(type) {
	case casefile.Opened:
		next = s.Assess(assessment, h.Clock)
	case casefile.Assessed:
		next = s.Reassess(assessment, h.Clock)
	default:
		writeDomainError(w, "Treatment cannot be assessed", &core.KindMismatchError{
			TreatmentID: t.Data().ID,
			Expected:    string(casefile.StateOpened),
			Got:         string(t.StateName()),
		})
		return
	}

	if err := c.PutTreatment(next); err != nil {
		writeDomainError(w, "Failed to update treatment", err)
		return
	}
	if !h.saveCase(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, toTreatmentDTO(next))
}

// Simulate runs the payment simulation for an assessed treatment and
// attaches the result for the case worker to review.
// POST /api/cases/{id}/treatments/{treatmentID}/simulate
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	t, err := c.Treatment(core.TreatmentID(chi.URLParam(r, "treatmentID")))
	if err != nil {
		writeDomainError(w, "Treatment not found", err)
		return
	}
	assessed, err := casefile.AsAssessed(t)
	if err != nil {
		writeDomainError(w, "Treatment is not assessed", err)
		return
	}

	var sim payment.SimulationResult
	if len(assessed.Assessment.Lines) > 0 {
		proposal := payment.NewProposal(c.ID, assessed.Data().ID, assessed.Assessment.PaymentLines(), h.Clock)
		sim, err = h.Gateway.Simulate(r.Context(), proposal)
		if err != nil {
			writeError(w, http.StatusBadGateway, "Payment simulation failed", err)
			return
		}
	} else {
		sim = payment.SimulationResult{Net: core.ZeroAmount(), SimulatedAt: h.Clock()}
	}

	next := assessed.AttachSimulation(sim, h.Clock)
	if err := c.PutTreatment(next); err != nil {
		writeDomainError(w, "Failed to update treatment", err)
		return
	}
	if !h.saveCase(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, toTreatmentDTO(next))
}

// SendForApproval hands the treatment to an attestant.
// POST /api/cases/{id}/treatments/{treatmentID}/send-for-approval
func (h *Handler) SendForApproval(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	t, err := c.Treatment(core.TreatmentID(chi.URLParam(r, "treatmentID")))
	if err != nil {
		writeDomainError(w, "Treatment not found", err)
		return
	}
	simulated, err := casefile.AsSimulatedForApproval(t)
	if err != nil {
		writeDomainError(w, "Treatment has no reviewed simulation", err)
		return
	}

	next := simulated.SendForApproval(h.Clock)
	if err := c.PutTreatment(next); err != nil {
		writeDomainError(w, "Failed to update treatment", err)
		return
	}
	if !h.saveCase(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, toTreatmentDTO(next))
}

// Reject sends an awaiting-approval treatment back to assessment.
// POST /api/cases/{id}/treatments/{treatmentID}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	t, err := c.Treatment(core.TreatmentID(chi.URLParam(r, "treatmentID")))
	if err != nil {
		writeDomainError(w, "Treatment not found", err)
		return
	}
	sent, err := casefile.AsSentForApproval(t)
	if err != nil {
		writeDomainError(w, "Treatment is not awaiting approval", err)
		return
	}

	next, err := sent.Reject(core.Attestant(req.Attestant), req.Reason, h.Clock)
	if err != nil {
		writeDomainError(w, "Failed to reject treatment", err)
		return
	}
	if err := c.PutTreatment(next); err != nil {
		writeDomainError(w, "Failed to update treatment", err)
		return
	}
	if !h.saveCase(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, toTreatmentDTO(next))
}

/// Finalize commits an awaiting-approval treatment: control simulation,
// decision, payment dispatch and clawback bookkeeping in one transaction.
// POST /api/cases/{id}/treatments/{treatmentID}/finalize
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}

	correlationID := core.CorrelationID(chiRequestID(r))
	result, err := h.Finalizer.Finalize(r.Context(), c,
		core.TreatmentID(chi.URLParam(r, "treatmentID")),
		core.Attestant(req.Attestant),
		correlationID,
	)

	var dispatchFailed *finalize.ExternalDispatchFailed
	if errors.As(err, &dispatchFailed) {
		// Committed; the payment sits in failed_to_send for the resend
		// loop. Report the outcome, not an error.
		resp := FinalizeResponse{Decision: toDecisionDTO(result.Decision), DispatchFailed: true}
		if result.Payment != nil {
			dto := toPaymentDTO(result.Payment)
			resp.Payment = &dto
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		writeFinalizeError(w, err)
		return
	}

	resp := FinalizeResponse{Decision: toDecisionDTO(result.Decision)}
	if result.Payment != nil {
		dto := toPaymentDTO(result.Payment)
		resp.Payment = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// Abort closes a treatment without producing a decision.
// POST /api/cases/{id}/treatments/{treatmentID}/abort
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	t, err := c.Treatment(core.TreatmentID(chi.URLParam(r, "treatmentID")))
	if err != nil {
		writeDomainError(w, "Treatment not found", err)
		return
	}

	var next casefile.Aborted
	switch s := t.(type) {
	case casefile.Opened:
		next = s.Abort(req.Actor, req.Reason, h.Clock)
	case casefile.Assessed:
		next = s.Abort(req.Actor, req.Reason, h.Clock)
	case casefile.SimulatedForApproval:
		next = s.Abort(req.Actor, req.Reason, h.Clock)
	case casefile.SentForApproval:
		next = s.Abort(req.Actor, req.Reason, h.Clock)
	default:
		writeDomainError(w, "Treatment is already closed", core.ErrInvalidState)
		return
	}

	if err := c.PutTreatment(next); err != nil {
		writeDomainError(w, "Failed to update treatment", err)
		return
	}
	if !h.saveCase(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, toTreatmentDTO(next))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ConfirmReceipt records the accounting system's receipt for a payment.
// Confirming twice is a no-op, the accounting system redelivers.
// POST /api/cases/{id}/payments/{paymentID}/receipt
func (h *Handler) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	p, err := c.Payment(core.PaymentID(chi.URLParam(r, "paymentID")))
	if err != nil {
		writeDomainError(w, "Payment not found", err)
		return
	}

	receipt := payment.Receipt{ExternalRef: req.ExternalRef, ReceivedAt: h.Clock(), OK: req.OK}
	if err := p.ConfirmReceipt(receipt); err != nil {
		writeDomainError(w, "Failed to confirm receipt", err)
		return
	}
	if !h.saveCase(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// ListFailedPayments lists payments awaiting resend.
// GET /api/payments/failed
func (h *Handler) ListFailedPayments(w http.ResponseWriter, r *http.Request) {
	failed, err := h.Store.FailedPayments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, 0, len(failed))
	for _, p := range failed {
		dtos = append(dtos, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ABROAD STAY HANDLERS
// =============================================================================

// ListStays returns the current (folded) abroad stays of a case.
// GET /api/cases/{id}/abroad-stays
func (h *Handler) ListStays(w http.ResponseWriter, r *http.Request) {
	caseID := core.CaseID(chi.URLParam(r, "id"))
	stays, err := h.Stays.CurrentStays(r.Context(), caseID)
	if err != nil {
		writeDomainError(w, "Failed to load stays", err)
		return
	}

	dtos := make([]StayDTO, 0, len(stays))
	for id, s := range stays {
		dtos = append(dtos, StayDTO{
			EventID:  string(id),
			From:     s.From.Format(dateLayout),
			To:       s.To.Format(dateLayout),
			Days:     s.Days(),
			DocRef:   s.DocRef,
			Annulled: s.Annulled,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterStay records a new stay abroad.
// POST /api/cases/{id}/abroad-stays
func (h *Handler) RegisterStay(w http.ResponseWriter, r *http.Request) {
	var req RegisterStayRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, to, err := parseDateRange(req.From, req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid stay dates", err)
		return
	}

	ev, err := h.Stays.Register(r.Context(), core.CaseID(chi.URLParam(r, "id")), from, to, req.DocRef, req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to register stay", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// CorrectStay supersedes a stay with corrected dates.
// POST /api/cases/{id}/abroad-stays/correct
func (h *Handler) CorrectStay(w http.ResponseWriter, r *http.Request) {
	var req CorrectStayRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, to, err := parseDateRange(req.From, req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid stay dates", err)
		return
	}

	ev, err := h.Stays.Correct(r.Context(), core.CaseID(chi.URLParam(r, "id")),
		core.EventID(req.Supersedes), from, to, req.DocRef, req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to correct stay", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// AnnulStay voids a registered stay.
// POST /api/cases/{id}/abroad-stays/annul
func (h *Handler) AnnulStay(w http.ResponseWriter, r *http.Request) {
	var req AnnulStayRequest
	if !h.decode(w, r, &req) {
		return
	}

	ev, err := h.Stays.Annul(r.Context(), core.CaseID(chi.URLParam(r, "id")),
		core.EventID(req.Supersedes), req.Reason, req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to annul stay", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// TotalDaysAbroad sums the days across all non-annulled stays.
// GET /api/cases/{id}/abroad-stays/days
func (h *Handler) TotalDaysAbroad(w http.ResponseWriter, r *http.Request) {
	days, err := h.Stays.TotalDaysAbroad(r.Context(), core.CaseID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to sum stays", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"days": days})
}

// =============================================================================
// REPAYMENT CLAIM HANDLERS
// =============================================================================

// ListClaims returns the current (folded) repayment claims of a case.
// GET /api/cases/{id}/repayment-claims
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Claims.CurrentClaims(r.Context(), core.CaseID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load claims", err)
		return
	}

	dtos := make([]ClaimDTO, 0, len(claims))
	for id, c := range claims {
		dto, err := toClaimDTO(id, c)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read claim", err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// OpenClaim opens a repayment claim against the case.
// POST /api/cases/{id}/repayment-claims
func (h *Handler) OpenClaim(w http.ResponseWriter, r *http.Request) {
	var req OpenClaimRequest
	if !h.decode(w, r, &req) {
		return
	}

	months, err := toMonthClaims(req.Months)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid claim months", err)
		return
	}

	ev, err := h.Claims.Open(r.Context(), core.CaseID(chi.URLParam(r, "id")),
		req.GroundsRef, months, req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to open claim", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// CorrectClaim replaces the months of an open claim.
// POST /api/cases/{id}/repayment-claims/correct
func (h *Handler) CorrectClaim(w http.ResponseWriter, r *http.Request) {
	var req CorrectClaimRequest
	if !h.decode(w, r, &req) {
		return
	}

	months, err := toMonthClaims(req.Months)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid claim months", err)
		return
	}

	ev, err := h.Claims.Correct(r.Context(), core.CaseID(chi.URLParam(r, "id")),
		core.EventID(req.ClaimEventID), months, req.Note, req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to correct claim", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// SendClaimForApproval hands the claim to an attestant.
// POST /api/cases/{id}/repayment-claims/send-for-approval
func (h *Handler) SendClaimForApproval(w http.ResponseWriter, r *http.Request) {
	var req ClaimActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	ev, err := h.Claims.SendForApproval(r.Context(), core.CaseID(chi.URLParam(r, "id")),
		core.EventID(req.ClaimEventID), req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to send claim for approval", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// FinalizeClaim approves the claim. The attestant must differ from the
// case worker who opened it.
// POST /api/cases/{id}/repayment-claims/finalize
func (h *Handler) FinalizeClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	ev, err := h.Claims.Finalize(r.Context(), core.CaseID(chi.URLParam(r, "id")),
		core.EventID(req.ClaimEventID), req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to finalize claim", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// AbortClaim closes the claim without approval.
// POST /api/cases/{id}/repayment-claims/abort
func (h *Handler) AbortClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	ev, err := h.Claims.Abort(r.Context(), core.CaseID(chi.URLParam(r, "id")),
		core.EventID(req.ClaimEventID), req.Reason, req.Actor, req.ExpectedVersion)
	if err != nil {
		writeDomainError(w, "Failed to abort claim", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{EventID: string(ev.ID), Version: ev.Version})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) loadCase(w http.ResponseWriter, r *http.Request) (*casefile.Case, bool) {
	c, err := h.Store.Get(r.Context(), core.CaseID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load case", err)
		return nil, false
	}
	return c, true
}

func (h *Handler) saveCase(w http.ResponseWriter, r *http.Request, c *casefile.Case) bool {
	if err := h.Store.Save(r.Context(), c); err != nil {
		writeDomainError(w, "Failed to save case", err)
		return false
	}
	return true
}

func (h *Handler) checkClawback(c *casefile.Case, a casefile.Assessment) error {
	outcome := clawback.CheckRevisionPeriod(a.Period, c.ActiveClawback(), a.ClawbackPeriod != nil)
	switch o := outcome.(type) {
	case clawback.MustCoverEntryInFull:
		return fmt.Errorf("%w: revision must cover the whole clawback period %s", core.ErrInvalidState, o.EntryPeriod)
	case clawback.Blocked:
		return fmt.Errorf("%w: %s", core.ErrInvalidState, o.Reason)
	}
	return nil
}

func toAssessment(req AssessRequest) (casefile.Assessment, error) {
	from, err := parseMonth(req.FromMonth)
	if err != nil {
		return casefile.Assessment{}, err
	}
	to, err := parseMonth(req.ToMonth)
	if err != nil {
		return casefile.Assessment{}, err
	}
	period, err := core.NewPeriod(from, to)
	if err != nil {
		return casefile.Assessment{}, err
	}

	a := casefile.Assessment{Period: period}
	for _, l := range req.Lines {
		m, err := parseMonth(l.Month)
		if err != nil {
			return casefile.Assessment{}, err
		}
		amount, err := parseAmount(l.Amount)
		if err != nil {
			return casefile.Assessment{}, err
		}
		a.Lines = append(a.Lines, casefile.AssessmentLine{Month: m, Amount: amount})
	}

	if req.ClawbackFromMonth != "" && req.ClawbackToMonth != "" {
		cbFrom, err := parseMonth(req.ClawbackFromMonth)
		if err != nil {
			return casefile.Assessment{}, err
		}
		cbTo, err := parseMonth(req.ClawbackToMonth)
		if err != nil {
			return casefile.Assessment{}, err
		}
		cbPeriod, err := core.NewPeriod(cbFrom, cbTo)
		if err != nil {
			return casefile.Assessment{}, err
		}
		amount, err := parseAmount(req.ClawbackAmount)
		if err != nil {
			return casefile.Assessment{}, err
		}
		a.ClawbackPeriod = &cbPeriod
		a.ClawbackAmount = amount
	}
	return a, nil
}

func parseAmount(s string) (core.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return core.Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return core.Amount{Value: d}, nil
}

func parseDateRange(fromStr, toStr string) (time.Time, time.Time, error) {
	from, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", fromStr, err)
	}
	to, err := time.Parse(dateLayout, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", toStr, err)
	}
	return from, to, nil
}

func toMonthClaims(months []ClaimMonthDTO) ([]repayment.MonthClaim, error) {
	out := make([]repayment.MonthClaim, len(months))
	for i, m := range months {
		if _, err := parseAmount(m.Amount); err != nil {
			return nil, fmt.Errorf("month %d-%02d: %w", m.Year, m.Month, err)
		}
		out[i] = repayment.MonthClaim{Year: m.Year, Month: m.Month, Amount: m.Amount}
	}
	return out, nil
}

func toClaimDTO(id core.EventID, c repayment.Claim) (ClaimDTO, error) {
	total, err := c.Total()
	if err != nil {
		return ClaimDTO{}, err
	}
	dto := ClaimDTO{
		EventID:    string(id),
		GroundsRef: c.GroundsRef,
		State:      string(c.State),
		Total:      total.Value.String(),
		OpenedBy:   c.OpenedBy,
		Attestant:  c.Attestant,
	}
	for _, m := range c.Months {
		dto.Months = append(dto.Months, ClaimMonthDTO{Year: m.Year, Month: m.Month, Amount: m.Amount})
	}
	return dto, nil
}

func chiRequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return string(core.NewCorrelationID())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case core.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case core.IsClientError(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeFinalizeError(w http.ResponseWriter, err error) {
	var invalid *finalize.InvalidState
	var simFailed *finalize.SimulationFailed
	var drift *finalize.SimulationDriftError
	switch {
	case errors.As(err, &invalid):
		writeDomainError(w, "Treatment cannot be finalized", err)
	case errors.As(err, &simFailed):
		writeError(w, http.StatusBadGateway, "Control simulation failed", err)
	case errors.As(err, &drift):
		writeError(w, http.StatusConflict, "Payment amounts changed since simulation, review the treatment again", err)
	default:
		writeDomainError(w, "Failed to finalize treatment", err)
	}
}
