/*
resend.go - Out-of-band retry of failed payment dispatches

PURPOSE:
  A finalization whose dispatch fails still commits, leaving the payment
  in failed_to_send. This worker periodically picks those payments up and
  retries against the accounting system. Finalization itself is never
  re-run; the decision stands.

SEE ALSO:
  - orchestrator.go: Where dispatch failures originate
*/
package finalize

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

// ResendStore is the persistence surface the resend worker needs.
type ResendStore interface {
	casefile.Store
	FailedPayments(ctx context.Context) ([]*payment.Payment, error)
	PersistPayment(ctx context.Context, tx core.TxScope, p *payment.Payment) error
}

// Resender retries payments stuck in failed_to_send. Payments that fail
// again stay put and are retried on the next pass.
type Resender struct {
	Store      ResendStore
	Dispatcher payment.Dispatcher
	Clock      core.Clock
	Log        *zap.Logger
	Interval   time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewResender(store ResendStore, d payment.Dispatcher, clock core.Clock, log *zap.Logger) *Resender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resender{
		Store:      store,
		Dispatcher: d,
		Clock:      clock,
		Log:        log,
		Interval:   15 * time.Minute,
		stop:       make(chan struct{}),
	}
}

// Start begins periodic processing.
func (r *Resender) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ticker = time.NewTicker(r.Interval)
	r.wg.Add(1)
	go r.run()

	r.Log.Info("payment resend worker started", zap.Duration("interval", r.Interval))
}

// Stop halts processing and waits for the current pass to finish.
func (r *Resender) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stop)
		r.wg.Wait()
		r.Log.Info("payment resend worker stopped")
	}
}

func (r *Resender) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ticker.C:
			r.ProcessOnce(context.Background())
		case <-r.stop:
			return
		}
	}
}

// ProcessOnce retries every failed payment as of now. Exported so jobs
// and tests can trigger a pass directly.
func (r *Resender) ProcessOnce(ctx context.Context) {
	failed, err := r.Store.FailedPayments(ctx)
	if err != nil {
		r.Log.Error("could not load failed payments", zap.Error(err))
		return
	}

	for _, p := range failed {
		if err := r.resend(ctx, p); err != nil {
			r.Log.Warn("payment resend failed, will retry next pass",
				zap.String("payment_id", string(p.ID)),
				zap.String("case_id", string(p.CaseID)),
				zap.Error(err),
			)
		}
	}
}

// resend dispatches one payment and records the sent status in both the
// payment row and the case aggregate.
func (r *Resender) resend(ctx context.Context, p *payment.Payment) error {
	c, err := r.Store.Get(ctx, p.CaseID)
	if err != nil {
		return err
	}
	current, err := c.Payment(p.ID)
	if err != nil {
		return err
	}
	if current.Status != payment.StatusFailedToSend {
		// Someone else already resent it.
		return nil
	}

	receipt, err := r.Dispatcher.Dispatch(ctx, current)
	if err != nil {
		return err
	}
	if err := current.MarkSent(receipt.AcceptedAt); err != nil {
		return err
	}

	if err := r.Store.PersistPayment(ctx, nil, current); err != nil {
		return err
	}
	if err := r.syncAggregate(ctx, c, current); err != nil {
		return err
	}

	r.Log.Info("payment resent",
		zap.String("payment_id", string(current.ID)),
		zap.String("external_ref", receipt.ExternalRef),
	)
	return nil
}

// syncAggregate writes the sent status into the case aggregate. The payment
// row is already sent, so a later FailedPayments scan will not pick the
// payment up again: a concurrent case save must not leave the aggregate's
// copy stuck in failed_to_send, or receipts for it would be refused forever.
// On conflict the case is reloaded and the save retried.
func (r *Resender) syncAggregate(ctx context.Context, c *casefile.Case, sent *payment.Payment) error {
	const attempts = 3
	for i := 0; ; i++ {
		err := r.Store.Save(ctx, c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrConcurrentModification) || i+1 >= attempts {
			return err
		}

		c, err = r.Store.Get(ctx, sent.CaseID)
		if err != nil {
			return err
		}
		fresh, err := c.Payment(sent.ID)
		if err != nil {
			return err
		}
		*fresh = *sent
	}
}
