package followup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/finalize"
)

// Canceller adapts a Store to the finalization orchestrator's follow-up
// hook, so cancellation joins the finalization transaction.
type Canceller struct {
	Store Store
}

func (c Canceller) CancelScheduledFollowUp(ctx context.Context, tx core.TxScope, caseID core.CaseID) error {
	return c.Store.CancelForCase(ctx, tx, caseID)
}

// DefaultLeadTime is how far out a granted benefit's follow-up is planned.
const DefaultLeadTime = 4 * 30 * 24 * time.Hour

// Planner plans a follow-up task whenever a finalized decision grants
// money. It runs as a post-commit observer: a lost task is recreated by
// the next finalization, so it does not need the transaction.
type Planner struct {
	Store    Store
	Clock    core.Clock
	Log      *zap.Logger
	LeadTime time.Duration
}

func NewPlanner(store Store, clock core.Clock, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{Store: store, Clock: clock, Log: log, LeadTime: DefaultLeadTime}
}

func (p *Planner) HandleFinalized(ctx context.Context, n finalize.Notification) error {
	if n.Net.IsZero() {
		return nil
	}

	task := NewTask(n.CaseID, p.Clock().Add(p.LeadTime), p.Clock)
	if err := p.Store.Plan(ctx, task); err != nil {
		return err
	}
	p.Log.Info("follow-up planned",
		zap.String("case_id", string(n.CaseID)),
		zap.Time("due", task.Due),
	)
	return nil
}
