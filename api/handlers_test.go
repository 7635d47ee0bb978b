package api_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saksys/benefit-engine/abroadstay"
	"github.com/saksys/benefit-engine/api"
	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/finalize"
	"github.com/saksys/benefit-engine/followup"
	"github.com/saksys/benefit-engine/payment"
	"github.com/saksys/benefit-engine/repayment"
	"github.com/saksys/benefit-engine/store/memory"
)

// =============================================================================
// TEST ENVIRONMENT
// =============================================================================

var testClock = core.FixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

type env struct {
	store  *memory.Store
	router http.Handler
}

func newEnv() *env {
	store := memory.New()
	gateway := payment.LocalGateway{Clock: testClock}
	dispatcher := payment.LocalDispatcher{Clock: testClock}
	orch := finalize.NewOrchestrator(store, gateway, dispatcher, followup.Canceller{Store: store}, testClock, zap.NewNop())
	orch.AddObserver(followup.NewPlanner(store, testClock, zap.NewNop()))

	h := api.NewHandler(store, gateway, orch,
		abroadstay.NewService(store, testClock),
		repayment.NewService(store, testClock),
		testClock, zap.NewNop())
	return &env{store: store, router: api.NewRouter(h)}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func assessBody(monthly string) api.AssessRequest {
	return api.AssessRequest{
		FromMonth: "2024-01",
		ToMonth:   "2024-03",
		Lines: []api.MonthAmountDTO{
			{Month: "2024-01", Amount: monthly},
			{Month: "2024-02", Amount: monthly},
			{Month: "2024-03", Amount: monthly},
		},
	}
}

// sendForApproval drives a fresh case up to a treatment awaiting approval
// and returns (caseID, treatmentID).
func (e *env) sendForApproval(t *testing.T, monthly string) (string, string) {
	t.Helper()

	created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	}))

	treatment := decodeBody[api.TreatmentDTO](t, e.do(t, http.MethodPost, "/api/cases/"+created.ID+"/treatments", api.StartTreatmentRequest{
		Kind: "application", SourceRef: "application-1", CaseWorker: "Z123456",
	}))

	base := "/api/cases/" + created.ID + "/treatments/" + treatment.ID
	rec := e.do(t, http.MethodPost, base+"/assess", assessBody(monthly))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodPost, base+"/simulate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodPost, base+"/send-for-approval", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	return created.ID, treatment.ID
}

// =============================================================================
// CASE INTAKE
// =============================================================================

func TestCreateCase(t *testing.T) {
	e := newEnv()

	rec := e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	dto := decodeBody[api.CaseDTO](t, rec)
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, "01010112345", dto.PersonRef)
	assert.Equal(t, uint64(1), dto.RowVersion)
}

func TestCreateCase_MissingFieldsRejected(t *testing.T) {
	e := newEnv()

	rec := e.do(t, http.MethodPost, "/api/cases", map[string]string{"person_ref": "01010112345"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCase_UnknownNotFound(t *testing.T) {
	e := newEnv()

	rec := e.do(t, http.MethodGet, "/api/cases/no-such-case", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// TREATMENT LIFECYCLE
// =============================================================================

func TestTreatmentLifecycle_ToFinalizedWithPayment(t *testing.T) {
	// GIVEN: A treatment awaiting approval over three months at 21000
	e := newEnv()
	caseID, treatmentID := e.sendForApproval(t, "21000")

	// WHEN: A different attestant finalizes it
	rec := e.do(t, http.MethodPost, "/api/cases/"+caseID+"/treatments/"+treatmentID+"/finalize",
		api.FinalizeRequest{Attestant: "Z654321"})

	// THEN: The response carries the decision and the dispatched payment
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[api.FinalizeResponse](t, rec)
	assert.False(t, resp.DispatchFailed)
	assert.Equal(t, "63000", resp.Decision.Net)
	require.NotNil(t, resp.Payment)
	assert.Equal(t, string(payment.StatusSent), resp.Payment.Status)

	caseDTO := decodeBody[api.CaseDTO](t, e.do(t, http.MethodGet, "/api/cases/"+caseID, nil))
	require.Len(t, caseDTO.Treatments, 1)
	assert.Equal(t, string(casefile.StateFinalized), caseDTO.Treatments[0].State)
	require.Len(t, caseDTO.Decisions, 1)
	require.Len(t, caseDTO.Payments, 1)
}

func TestTreatmentLifecycle_ZeroGrantSkipsPayment(t *testing.T) {
	e := newEnv()

	created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	}))
	treatment := decodeBody[api.TreatmentDTO](t, e.do(t, http.MethodPost, "/api/cases/"+created.ID+"/treatments", api.StartTreatmentRequest{
		Kind: "application", SourceRef: "application-1", CaseWorker: "Z123456",
	}))
	base := "/api/cases/" + created.ID + "/treatments/" + treatment.ID

	// An assessment granting nothing
	rec := e.do(t, http.MethodPost, base+"/assess", api.AssessRequest{FromMonth: "2024-01", ToMonth: "2024-03"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, base+"/simulate", nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, base+"/send-for-approval", nil).Code)

	rec = e.do(t, http.MethodPost, base+"/finalize", api.FinalizeRequest{Attestant: "Z654321"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[api.FinalizeResponse](t, rec)
	assert.Nil(t, resp.Payment)
	assert.Empty(t, resp.Decision.PaymentID)
}

func TestFinalize_SameActorConflicts(t *testing.T) {
	e := newEnv()
	caseID, treatmentID := e.sendForApproval(t, "21000")

	rec := e.do(t, http.MethodPost, "/api/cases/"+caseID+"/treatments/"+treatmentID+"/finalize",
		api.FinalizeRequest{Attestant: "Z123456"})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReject_SendsTreatmentBackToAssessment(t *testing.T) {
	// GIVEN: A treatment awaiting approval
	e := newEnv()
	caseID, treatmentID := e.sendForApproval(t, "21000")
	base := "/api/cases/" + caseID + "/treatments/" + treatmentID

	// WHEN: The attestant sends it back with a reason
	rec := e.do(t, http.MethodPost, base+"/reject", api.RejectRequest{
		Attestant: "Z654321", Reason: "income documentation missing",
	})

	// THEN: The treatment is assessed again and can be re-sent
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeBody[api.TreatmentDTO](t, rec)
	assert.Equal(t, string(casefile.StateAssessed), dto.State)

	rec = e.do(t, http.MethodPost, base+"/assess", assessBody("18000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "54000", decodeBody[api.TreatmentDTO](t, rec).Net)
}

func TestAbort_ClosesTreatment(t *testing.T) {
	e := newEnv()
	caseID, treatmentID := e.sendForApproval(t, "21000")

	rec := e.do(t, http.MethodPost, "/api/cases/"+caseID+"/treatments/"+treatmentID+"/abort",
		api.AbortRequest{Actor: "Z123456", Reason: "application withdrawn"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(casefile.StateAborted), decodeBody[api.TreatmentDTO](t, rec).State)

	// A closed treatment cannot be aborted again
	rec = e.do(t, http.MethodPost, "/api/cases/"+caseID+"/treatments/"+treatmentID+"/abort",
		api.AbortRequest{Actor: "Z123456", Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// RECEIPTS
// =============================================================================

func TestConfirmReceipt_Idempotent(t *testing.T) {
	// GIVEN: A finalized treatment with a dispatched payment
	e := newEnv()
	caseID, treatmentID := e.sendForApproval(t, "21000")
	resp := decodeBody[api.FinalizeResponse](t, e.do(t, http.MethodPost,
		"/api/cases/"+caseID+"/treatments/"+treatmentID+"/finalize", api.FinalizeRequest{Attestant: "Z654321"}))
	require.NotNil(t, resp.Payment)

	path := "/api/cases/" + caseID + "/payments/" + resp.Payment.ID + "/receipt"
	body := api.ReceiptRequest{ExternalRef: "acct-123", OK: true}

	// WHEN: The receipt is delivered twice
	first := e.do(t, http.MethodPost, path, body)
	second := e.do(t, http.MethodPost, path, body)

	// THEN: Both deliveries succeed and the payment is confirmed once
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	dto := decodeBody[api.PaymentDTO](t, second)
	assert.Equal(t, string(payment.StatusConfirmed), dto.Status)
	assert.Equal(t, "acct-123", dto.ExternalRef)
}

func TestListFailedPayments_EmptyByDefault(t *testing.T) {
	e := newEnv()

	rec := e.do(t, http.MethodGet, "/api/payments/failed", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]api.PaymentDTO](t, rec))
}

// =============================================================================
// ABROAD STAYS
// =============================================================================

func TestAbroadStays_RegisterCorrectAndSum(t *testing.T) {
	e := newEnv()
	created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	}))
	base := "/api/cases/" + created.ID + "/abroad-stays"

	// Register February 1-14
	rec := e.do(t, http.MethodPost, base, api.RegisterStayRequest{
		From: "2024-02-01", To: "2024-02-14", DocRef: "doc-1", Actor: "Z123456", ExpectedVersion: 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decodeBody[api.EventDTO](t, rec)
	assert.Equal(t, uint64(1), reg.Version)

	// Correct the end date to February 18
	rec = e.do(t, http.MethodPost, base+"/correct", api.CorrectStayRequest{
		Supersedes: reg.EventID, From: "2024-02-01", To: "2024-02-18", DocRef: "doc-1b", Actor: "Z123456", ExpectedVersion: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	days := decodeBody[map[string]int](t, e.do(t, http.MethodGet, base+"/days", nil))
	assert.Equal(t, 18, days["days"])

	stays := decodeBody[[]api.StayDTO](t, e.do(t, http.MethodGet, base, nil))
	require.Len(t, stays, 1)
	assert.Equal(t, "2024-02-18", stays[0].To)
}

func TestAbroadStays_StaleVersionConflicts(t *testing.T) {
	e := newEnv()
	created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	}))
	base := "/api/cases/" + created.ID + "/abroad-stays"

	rec := e.do(t, http.MethodPost, base, api.RegisterStayRequest{
		From: "2024-02-01", To: "2024-02-14", Actor: "Z123456", ExpectedVersion: 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// A stale writer re-uses version 1
	rec = e.do(t, http.MethodPost, base, api.RegisterStayRequest{
		From: "2024-05-01", To: "2024-05-10", Actor: "Z999999", ExpectedVersion: 1,
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// REPAYMENT CLAIMS
// =============================================================================

func TestRepaymentClaims_FullLifecycle(t *testing.T) {
	e := newEnv()
	created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	}))
	base := "/api/cases/" + created.ID + "/repayment-claims"

	rec := e.do(t, http.MethodPost, base, api.OpenClaimRequest{
		GroundsRef: "grounds-1",
		Months:     []api.ClaimMonthDTO{{Year: 2024, Month: 1, Amount: "21000"}},
		Actor:      "Z123456", ExpectedVersion: 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decodeBody[api.EventDTO](t, rec)

	rec = e.do(t, http.MethodPost, base+"/send-for-approval", api.ClaimActionRequest{
		ClaimEventID: opened.EventID, Actor: "Z123456", ExpectedVersion: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decodeBody[api.EventDTO](t, rec)

	// The opener cannot attest their own claim
	rec = e.do(t, http.MethodPost, base+"/finalize", api.ClaimActionRequest{
		ClaimEventID: sent.EventID, Actor: "Z123456", ExpectedVersion: 3,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, base+"/finalize", api.ClaimActionRequest{
		ClaimEventID: sent.EventID, Actor: "Z654321", ExpectedVersion: 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	claims := decodeBody[[]api.ClaimDTO](t, e.do(t, http.MethodGet, base, nil))
	require.Len(t, claims, 1)
	assert.Equal(t, string(repayment.StateFinalized), claims[0].State)
	assert.Equal(t, "Z654321", claims[0].Attestant)
	assert.Equal(t, "21000", claims[0].Total)
}

func TestRepaymentClaims_MalformedAmountRejected(t *testing.T) {
	e := newEnv()
	created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	}))
	base := "/api/cases/" + created.ID + "/repayment-claims"

	// WHEN: A claim month carries an unparseable amount
	rec := e.do(t, http.MethodPost, base, api.OpenClaimRequest{
		GroundsRef: "grounds-1",
		Months:     []api.ClaimMonthDTO{{Year: 2024, Month: 1, Amount: "not-a-number"}},
		Actor:      "Z123456", ExpectedVersion: 1,
	})

	// THEN: It is rejected at the boundary and the claim listing stays readable
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	listed := e.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Empty(t, decodeBody[[]api.ClaimDTO](t, listed))
}

func TestRepaymentClaims_SecondOpenClaimConflicts(t *testing.T) {
	e := newEnv()
	created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
		PersonRef: "01010112345", BenefitType: "income_support",
	}))
	base := "/api/cases/" + created.ID + "/repayment-claims"

	rec := e.do(t, http.MethodPost, base, api.OpenClaimRequest{
		GroundsRef: "grounds-1",
		Months:     []api.ClaimMonthDTO{{Year: 2024, Month: 1, Amount: "21000"}},
		Actor:      "Z123456", ExpectedVersion: 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, base, api.OpenClaimRequest{
		GroundsRef: "grounds-2",
		Months:     []api.ClaimMonthDTO{{Year: 2024, Month: 2, Amount: "18000"}},
		Actor:      "Z123456", ExpectedVersion: 2,
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// CLAWBACK GUARD
// =============================================================================

func TestAssess_RevisionMustCoverActiveClawback(t *testing.T) {
	// GIVEN: A finalized revision that left a clawback entry over Jan-Mar
	e := newEnv()
	caseID, _ := func() (string, string) {
		created := decodeBody[api.CaseDTO](t, e.do(t, http.MethodPost, "/api/cases", api.CreateCaseRequest{
			PersonRef: "01010112345", BenefitType: "income_support",
		}))
		treatment := decodeBody[api.TreatmentDTO](t, e.do(t, http.MethodPost, "/api/cases/"+created.ID+"/treatments", api.StartTreatmentRequest{
			Kind: "revision", SourceRef: "revision-1", CaseWorker: "Z123456",
		}))
		base := "/api/cases/" + created.ID + "/treatments/" + treatment.ID

		body := assessBody("18000")
		body.ClawbackFromMonth = "2024-01"
		body.ClawbackToMonth = "2024-03"
		body.ClawbackAmount = "9000"
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, base+"/assess", body).Code)
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, base+"/simulate", nil).Code)
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, base+"/send-for-approval", nil).Code)
		rec := e.do(t, http.MethodPost, base+"/finalize", api.FinalizeRequest{Attestant: "Z654321"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return created.ID, treatment.ID
	}()

	treatment := decodeBody[api.TreatmentDTO](t, e.do(t, http.MethodPost, "/api/cases/"+caseID+"/treatments", api.StartTreatmentRequest{
		Kind: "revision", SourceRef: "revision-2", CaseWorker: "Z123456",
	}))

	// WHEN: A new revision covers only February
	rec := e.do(t, http.MethodPost, "/api/cases/"+caseID+"/treatments/"+treatment.ID+"/assess", api.AssessRequest{
		FromMonth: "2024-02", ToMonth: "2024-02",
		Lines:     []api.MonthAmountDTO{{Month: "2024-02", Amount: "10000"}},
	})

	// THEN: It conflicts until widened to the whole clawback period
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}
