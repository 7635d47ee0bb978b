/*
Package memory provides in-memory implementations of the storage
interfaces, used by tests and local development.

TRANSACTION SEMANTICS:
  WithTx snapshots the whole store before running the callback and
  restores the snapshot when the callback aborts (or panics). This gives
  tests the exact commit/rollback contract of the SQLite store without a
  database: plain returned errors commit, only the abort signal rolls
  back.

CONCURRENCY:
  Transactions are serialized by a dedicated mutex, so two concurrent
  finalizations race only on the case row version - the same place they
  race in production.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/clawback"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/eventlog"
	"github.com/saksys/benefit-engine/followup"
	"github.com/saksys/benefit-engine/payment"
)

type streamKey struct {
	CaseID core.CaseID
	Stream string
}

// Store implements casefile.TxStore, finalize.Persistence, eventlog.Store
// and followup.Store in memory.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	cases     map[core.CaseID]*casefile.Case
	payments  map[core.PaymentID]*payment.Payment
	decisions map[core.DecisionID]casefile.Decision
	events    map[streamKey][]eventlog.Event
	tasks     map[string]followup.Task
}

func New() *Store {
	return &Store{
		cases:     make(map[core.CaseID]*casefile.Case),
		payments:  make(map[core.PaymentID]*payment.Payment),
		decisions: make(map[core.DecisionID]casefile.Decision),
		events:    make(map[streamKey][]eventlog.Event),
		tasks:     make(map[string]followup.Task),
	}
}

// =============================================================================
// CASE STORE
// =============================================================================

func (s *Store) Create(_ context.Context, c *casefile.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.RowVersion = 1
	s.cases[c.ID] = cloneCase(c)
	return nil
}

func (s *Store) Get(_ context.Context, id core.CaseID) (*casefile.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.cases[id]
	if !ok {
		return nil, core.ErrCaseNotFound
	}
	return cloneCase(stored), nil
}

func (s *Store) Save(_ context.Context, c *casefile.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(c)
}

func (s *Store) SaveInTx(_ context.Context, _ core.TxScope, c *casefile.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(c)
}

func (s *Store) saveLocked(c *casefile.Case) error {
	stored, ok := s.cases[c.ID]
	if !ok {
		return core.ErrCaseNotFound
	}
	if stored.RowVersion != c.RowVersion {
		return core.ErrConcurrentModification
	}
	c.RowVersion++
	s.cases[c.ID] = cloneCase(c)
	return nil
}

func cloneCase(c *casefile.Case) *casefile.Case {
	copied := *c
	copied.Treatments = append([]casefile.Treatment(nil), c.Treatments...)
	copied.Decisions = append([]casefile.Decision(nil), c.Decisions...)
	copied.Payments = make([]*payment.Payment, len(c.Payments))
	for i, p := range c.Payments {
		pc := *p
		pc.Lines = append([]payment.Line(nil), p.Lines...)
		copied.Payments[i] = &pc
	}
	copied.Clawback = clawback.Ledger{Entries: append([]clawback.Entry(nil), c.Clawback.Entries...)}
	return &copied
}

// =============================================================================
// TRANSACTIONAL SCOPE
// =============================================================================

type txScope struct{}

// WithTx implements core.UnitOfWork. Rollback only on abort or panic.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx core.TxScope) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.restore(snapshot)
				panic(r)
			}
		}()
		err = fn(ctx, txScope{})
	}()

	if core.IsAbort(err) {
		s.restore(snapshot)
	}
	return err
}

type state struct {
	cases     map[core.CaseID]*casefile.Case
	payments  map[core.PaymentID]*payment.Payment
	decisions map[core.DecisionID]casefile.Decision
	events    map[streamKey][]eventlog.Event
	tasks     map[string]followup.Task
}

func (s *Store) snapshot() state {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := state{
		cases:     make(map[core.CaseID]*casefile.Case, len(s.cases)),
		payments:  make(map[core.PaymentID]*payment.Payment, len(s.payments)),
		decisions: make(map[core.DecisionID]casefile.Decision, len(s.decisions)),
		events:    make(map[streamKey][]eventlog.Event, len(s.events)),
		tasks:     make(map[string]followup.Task, len(s.tasks)),
	}
	for id, c := range s.cases {
		snap.cases[id] = cloneCase(c)
	}
	for id, p := range s.payments {
		pc := *p
		snap.payments[id] = &pc
	}
	for id, d := range s.decisions {
		snap.decisions[id] = d
	}
	for k, evs := range s.events {
		snap.events[k] = append([]eventlog.Event(nil), evs...)
	}
	for id, t := range s.tasks {
		snap.tasks[id] = t
	}
	return snap
}

func (s *Store) restore(snap state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases = snap.cases
	s.payments = snap.payments
	s.decisions = snap.decisions
	s.events = snap.events
	s.tasks = snap.tasks
}

// =============================================================================
// FINALIZATION PERSISTENCE CALLBACKS
// =============================================================================

func (s *Store) PersistPayment(_ context.Context, _ core.TxScope, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := *p
	s.payments[p.ID] = &pc
	return nil
}

func (s *Store) PersistDecision(_ context.Context, _ core.TxScope, d casefile.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ID] = d
	return nil
}

func (s *Store) PersistCase(ctx context.Context, tx core.TxScope, c *casefile.Case) error {
	return s.SaveInTx(ctx, tx, c)
}

// GetPayment returns a stored payment (reads see only committed state
// between transactions).
func (s *Store) GetPayment(_ context.Context, id core.PaymentID) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, core.ErrPaymentNotFound
	}
	pc := *p
	return &pc, nil
}

// GetDecision returns a stored decision.
func (s *Store) GetDecision(_ context.Context, id core.DecisionID) (casefile.Decision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	return d, ok
}

// FailedPayments lists payments awaiting the out-of-band resend loop.
func (s *Store) FailedPayments(_ context.Context) ([]*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*payment.Payment
	for _, p := range s.payments {
		if p.Status == payment.StatusFailedToSend {
			pc := *p
			out = append(out, &pc)
		}
	}
	return out, nil
}

// =============================================================================
// EVENT LOG STORE
// =============================================================================

func (s *Store) Append(_ context.Context, caseID core.CaseID, stream string, ev eventlog.Event, expectedNextVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := streamKey{CaseID: caseID, Stream: stream}
	evs := s.events[k]
	next := uint64(1)
	if len(evs) > 0 {
		next = evs[len(evs)-1].Version + 1
	}
	if expectedNextVersion != next {
		return &core.VersionConflictError{CaseID: caseID, Expected: expectedNextVersion, ActualNext: next}
	}
	ev.Version = next
	s.events[k] = append(evs, ev)
	return nil
}

func (s *Store) ReadAll(_ context.Context, caseID core.CaseID, stream string) ([]eventlog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := streamKey{CaseID: caseID, Stream: stream}
	return append([]eventlog.Event(nil), s.events[k]...), nil
}

// =============================================================================
// FOLLOW-UP STORE
// =============================================================================

func (s *Store) Plan(_ context.Context, task followup.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *Store) DueBefore(_ context.Context, t time.Time) ([]followup.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []followup.Task
	for _, task := range s.tasks {
		if task.Status == followup.StatusPlanned && !task.Due.After(t) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Due.Before(due[j].Due) })
	return due, nil
}

func (s *Store) MarkDone(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return followup.ErrTaskNotFound
	}
	task.Status = followup.StatusDone
	s.tasks[taskID] = task
	return nil
}

func (s *Store) CancelForCase(_ context.Context, _ core.TxScope, caseID core.CaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.tasks {
		if task.CaseID == caseID && task.Status == followup.StatusPlanned {
			task.Status = followup.StatusCancelled
			s.tasks[id] = task
		}
	}
	return nil
}

// TaskByID is a test helper.
func (s *Store) TaskByID(taskID string) (followup.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t, ok
}
