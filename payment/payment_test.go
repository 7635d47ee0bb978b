package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testClock = core.FixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

func proposal(months ...core.Month) *payment.Payment {
	lines := make([]payment.Line, 0, len(months))
	for _, m := range months {
		lines = append(lines, payment.Line{Month: m, Amount: core.NewAmount(21000)})
	}
	return payment.NewProposal("case-1", "treatment-1", lines, testClock)
}

func simulated(t *testing.T) *payment.Payment {
	t.Helper()
	p := proposal(core.NewMonth(2024, time.January))
	require.NoError(t, p.MarkSimulated())
	return p
}

func sent(t *testing.T) *payment.Payment {
	t.Helper()
	p := simulated(t)
	require.NoError(t, p.MarkSent(testClock()))
	return p
}

// =============================================================================
// PROPOSAL
// =============================================================================

func TestNewProposal_CopiesLines(t *testing.T) {
	lines := []payment.Line{{Month: core.NewMonth(2024, time.January), Amount: core.NewAmount(21000)}}
	p := payment.NewProposal("case-1", "treatment-1", lines, testClock)

	lines[0].Amount = core.NewAmount(1)

	assert.True(t, p.Net().Equal(core.NewAmount(21000)), "proposal owns its lines")
	assert.Equal(t, payment.StatusForSimulation, p.Status)
}

func TestPayment_NetAndPeriod(t *testing.T) {
	p := proposal(
		core.NewMonth(2024, time.March),
		core.NewMonth(2024, time.January),
		core.NewMonth(2024, time.February),
	)

	assert.True(t, p.Net().Equal(core.NewAmount(63000)))

	period, err := p.Period()
	require.NoError(t, err)
	assert.Equal(t, core.NewMonth(2024, time.January), period.From)
	assert.Equal(t, core.NewMonth(2024, time.March), period.To)
}

func TestPayment_PeriodWithoutLinesFails(t *testing.T) {
	p := payment.NewProposal("case-1", "treatment-1", nil, testClock)

	_, err := p.Period()

	assert.ErrorIs(t, err, core.ErrInvalidPeriod)
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

func TestMarkSimulated_OnlyFromForSimulation(t *testing.T) {
	p := proposal(core.NewMonth(2024, time.January))

	require.NoError(t, p.MarkSimulated())
	assert.Equal(t, payment.StatusSimulated, p.Status)

	assert.ErrorIs(t, p.MarkSimulated(), core.ErrInvalidState)
}

func TestMarkSent_FromSimulated(t *testing.T) {
	p := simulated(t)
	at := testClock()

	require.NoError(t, p.MarkSent(at))

	assert.Equal(t, payment.StatusSent, p.Status)
	require.NotNil(t, p.SentAt)
	assert.Equal(t, at, *p.SentAt)
}

func TestMarkSent_RetriesAfterFailure(t *testing.T) {
	// GIVEN: A payment whose first dispatch failed
	p := simulated(t)
	require.NoError(t, p.MarkFailedToSend())

	// WHEN: The resend loop dispatches it again
	err := p.MarkSent(testClock())

	// THEN: The retry succeeds
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSent, p.Status)
}

func TestMarkSent_NotFromForSimulation(t *testing.T) {
	p := proposal(core.NewMonth(2024, time.January))

	assert.ErrorIs(t, p.MarkSent(testClock()), core.ErrInvalidState)
}

func TestMarkFailedToSend_OnlyAfterSimulation(t *testing.T) {
	p := proposal(core.NewMonth(2024, time.January))
	assert.ErrorIs(t, p.MarkFailedToSend(), core.ErrInvalidState)

	require.NoError(t, p.MarkSimulated())
	require.NoError(t, p.MarkFailedToSend())
	assert.Equal(t, payment.StatusFailedToSend, p.Status)
}

// =============================================================================
// RECEIPT CONFIRMATION
// =============================================================================

func TestConfirmReceipt_FromSent(t *testing.T) {
	p := sent(t)
	receipt := payment.Receipt{ExternalRef: "ext-1", ReceivedAt: testClock(), OK: true}

	require.NoError(t, p.ConfirmReceipt(receipt))

	assert.Equal(t, payment.StatusConfirmed, p.Status)
	require.NotNil(t, p.Receipt)
	assert.Equal(t, "ext-1", p.Receipt.ExternalRef)
}

func TestConfirmReceipt_Idempotent(t *testing.T) {
	// GIVEN: A payment already confirmed with a receipt
	p := sent(t)
	first := payment.Receipt{ExternalRef: "ext-1", ReceivedAt: testClock(), OK: true}
	require.NoError(t, p.ConfirmReceipt(first))

	// WHEN: The same confirmation is delivered again
	err := p.ConfirmReceipt(payment.Receipt{ExternalRef: "ext-1-redelivery", ReceivedAt: testClock(), OK: true})

	// THEN: The redelivery is a no-op and the first receipt wins
	require.NoError(t, err)
	assert.Equal(t, "ext-1", p.Receipt.ExternalRef)
}

func TestConfirmReceipt_RequiresSent(t *testing.T) {
	p := simulated(t)

	err := p.ConfirmReceipt(payment.Receipt{ExternalRef: "ext-1", ReceivedAt: testClock(), OK: true})

	assert.ErrorIs(t, err, core.ErrInvalidState)
}

// =============================================================================
// DRIFT GUARD
// =============================================================================

func TestDrifted_ComparesNetOnly(t *testing.T) {
	approved := payment.SimulationResult{Net: core.NewAmount(63000), SimulatedAt: testClock()}
	sameNetLater := payment.SimulationResult{Net: core.NewAmount(63000), SimulatedAt: testClock().Add(time.Hour)}
	differentNet := payment.SimulationResult{Net: core.NewAmount(63001), SimulatedAt: testClock()}

	assert.False(t, payment.Drifted(approved, sameNetLater), "timestamps are irrelevant")
	assert.True(t, payment.Drifted(approved, differentNet))
}

// =============================================================================
// LOCAL GATEWAY AND DISPATCHER
// =============================================================================

func TestLocalGateway_SimulationIsDeterministic(t *testing.T) {
	gw := payment.LocalGateway{Clock: testClock}
	p := proposal(core.NewMonth(2024, time.January), core.NewMonth(2024, time.February))

	first, err := gw.Simulate(context.Background(), p)
	require.NoError(t, err)
	second, err := gw.Simulate(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, first.Net.Equal(p.Net()))
	assert.False(t, payment.Drifted(first, second))
}

func TestLocalDispatcher_IssuesExternalRef(t *testing.T) {
	d := payment.LocalDispatcher{Clock: testClock}
	p := simulated(t)

	receipt, err := d.Dispatch(context.Background(), p)

	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ExternalRef)
	assert.Equal(t, testClock(), receipt.AcceptedAt)
}
