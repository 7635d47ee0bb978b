/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates a case and walks it
	through part of the treatment lifecycle.

AVAILABLE SCENARIOS:

	fresh-application:      Application assessed and awaiting approval
	granted-benefit:        Application finalized, payment dispatched
	revision-with-clawback: Grant revised down, clawback entry opened
	abroad-stays:           Case with registered and corrected stays

HOW SCENARIOS WORK:
 1. Create a case
 2. Open a treatment and drive it through the real transitions
 3. Finalizing scenarios run the actual orchestrator, so the seeded data
    has real decisions, payments and clawback entries

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "granted-benefit"}

NOTE:

	Scenarios add cases to whatever is already stored. Only use in
	development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies the loaders reuse
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-application",
		Name:        "Fresh Application",
		Description: "Application assessed, simulated and awaiting approval",
	},
	{
		ID:          "granted-benefit",
		Name:        "Granted Benefit",
		Description: "Application finalized with a dispatched payment",
	},
	{
		ID:          "revision-with-clawback",
		Name:        "Revision With Clawback",
		Description: "Grant revised down, opening a clawback entry",
	},
	{
		ID:          "abroad-stays",
		Name:        "Abroad Stays",
		Description: "Case with registered and corrected stays abroad",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a predefined scenario and returns the created case ID.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	var caseID core.CaseID
	var err error
	switch req.ScenarioID {
	case "fresh-application":
		caseID, err = h.loadFreshApplicationScenario(ctx)
	case "granted-benefit":
		caseID, err = h.loadGrantedBenefitScenario(ctx)
	case "revision-with-clawback":
		caseID, err = h.loadRevisionWithClawbackScenario(ctx)
	case "abroad-stays":
		caseID, err = h.loadAbroadStaysScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"case_id":  string(caseID),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func demoPeriod() core.Period {
	return core.MustPeriod(
		core.Month{Year: 2024, Mon: time.January},
		core.Month{Year: 2024, Mon: time.March},
	)
}

func demoAssessment(monthly int64) casefile.Assessment {
	p := demoPeriod()
	a := casefile.Assessment{Period: p}
	for _, m := range p.Months() {
		a.Lines = append(a.Lines, casefile.AssessmentLine{Month: m, Amount: core.NewAmount(monthly)})
	}
	return a
}

// seedToSentForApproval creates a case and drives an application to the
// awaiting-approval state.
func (h *Handler) seedToSentForApproval(ctx context.Context, monthly int64) (*casefile.Case, casefile.SentForApproval, error) {
	c := casefile.NewCase("01010112345", "income_support", h.Clock)
	if err := h.Store.Create(ctx, c); err != nil {
		return nil, casefile.SentForApproval{}, err
	}

	opened, err := c.StartTreatment(casefile.KindApplication, "application-demo", "demo.worker", h.Clock)
	if err != nil {
		return nil, casefile.SentForApproval{}, err
	}

	assessed := opened.Assess(demoAssessment(monthly), h.Clock)
	sim, err := h.Gateway.Simulate(ctx, payment.NewProposal(c.ID, assessed.Data().ID, assessed.Assessment.PaymentLines(), h.Clock))
	if err != nil {
		return nil, casefile.SentForApproval{}, err
	}

	sent := assessed.AttachSimulation(sim, h.Clock).SendForApproval(h.Clock)
	if err := c.PutTreatment(sent); err != nil {
		return nil, casefile.SentForApproval{}, err
	}
	if err := h.Store.Save(ctx, c); err != nil {
		return nil, casefile.SentForApproval{}, err
	}
	return c, sent, nil
}

func (h *Handler) loadFreshApplicationScenario(ctx context.Context) (core.CaseID, error) {
	c, _, err := h.seedToSentForApproval(ctx, 21000)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (h *Handler) loadGrantedBenefitScenario(ctx context.Context) (core.CaseID, error) {
	c, sent, err := h.seedToSentForApproval(ctx, 21000)
	if err != nil {
		return "", err
	}
	_, err = h.Finalizer.Finalize(ctx, c, sent.Data().ID, "demo.attestant", core.NewCorrelationID())
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (h *Handler) loadRevisionWithClawbackScenario(ctx context.Context) (core.CaseID, error) {
	caseID, err := h.loadGrantedBenefitScenario(ctx)
	if err != nil {
		return "", err
	}

	c, err := h.Store.Get(ctx, caseID)
	if err != nil {
		return "", err
	}

	opened, err := c.StartTreatment(casefile.KindRevision, "revision-demo", "demo.worker", h.Clock)
	if err != nil {
		return "", err
	}

	// Revise the grant down: same period, lower amounts, surplus claimed
	// back from the revised months.
	revised := demoAssessment(18000)
	cbPeriod := demoPeriod()
	revised.ClawbackPeriod = &cbPeriod
	revised.ClawbackAmount = core.NewAmount(9000)

	assessed := opened.Assess(revised, h.Clock)
	sim, err := h.Gateway.Simulate(ctx, payment.NewProposal(c.ID, assessed.Data().ID, assessed.Assessment.PaymentLines(), h.Clock))
	if err != nil {
		return "", err
	}
	sent := assessed.AttachSimulation(sim, h.Clock).SendForApproval(h.Clock)
	if err := c.PutTreatment(sent); err != nil {
		return "", err
	}
	if err := h.Store.Save(ctx, c); err != nil {
		return "", err
	}

	_, err = h.Finalizer.Finalize(ctx, c, sent.Data().ID, "demo.attestant", core.NewCorrelationID())
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (h *Handler) loadAbroadStaysScenario(ctx context.Context) (core.CaseID, error) {
	c := casefile.NewCase("01010154321", "income_support", h.Clock)
	if err := h.Store.Create(ctx, c); err != nil {
		return "", err
	}

	first, err := h.Stays.Register(ctx,
		c.ID,
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC),
		"doc-1", "demo.worker", 1)
	if err != nil {
		return "", err
	}

	// The case worker got the return date wrong; supersede it.
	if _, err := h.Stays.Correct(ctx,
		c.ID, first.ID,
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 18, 0, 0, 0, 0, time.UTC),
		"doc-1", "demo.worker", 2); err != nil {
		return "", err
	}

	if _, err := h.Stays.Register(ctx,
		c.ID,
		time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC),
		"doc-2", "demo.worker", 3); err != nil {
		return "", err
	}

	return c.ID, nil
}
