/*
Package followup manages scheduled follow-up tasks tied to cases.

PURPOSE:
  A granted benefit is not fire-and-forget: the case gets a follow-up task
  due some months out, where a case worker verifies that the premises still
  hold. Tasks are planned when a grant is finalized and cancelled - inside
  the same transaction - when a later treatment ends the benefit.

DESIGN:
  - Tasks are rows with a due time and a status
  - A background scheduler ticks, picks up due tasks and hands them to a
    sink (work-queue, statistics, ...)
  - Cancellation participates in the finalization transaction through the
    tx-scoped store method

SEE ALSO:
  - finalize/orchestrator.go: Calls CancelScheduledFollowUp in-transaction
*/
package followup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// TASK
// =============================================================================

// ErrTaskNotFound is returned when a task ID has no stored row.
var ErrTaskNotFound = errors.New("follow-up task not found")

type Status string

const (
	StatusPlanned   Status = "planned"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

type Task struct {
	ID        string
	CaseID    core.CaseID
	Due       time.Time
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTask plans a follow-up for a case.
func NewTask(caseID core.CaseID, due time.Time, clock core.Clock) Task {
	now := clock()
	return Task{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Due:       due,
		Status:    StatusPlanned,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store persists follow-up tasks.
type Store interface {
	Plan(ctx context.Context, task Task) error
	DueBefore(ctx context.Context, t time.Time) ([]Task, error)
	MarkDone(ctx context.Context, taskID string) error

	// CancelForCase cancels every planned task for the case, inside the
	// given transaction scope.
	CancelForCase(ctx context.Context, tx core.TxScope, caseID core.CaseID) error
}

// Sink receives due tasks from the scheduler.
type Sink interface {
	HandleDue(ctx context.Context, task Task) error
}

// LogSink surfaces due tasks in the log, for deployments without a
// work-queue integration.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) HandleDue(_ context.Context, task Task) error {
	s.Log.Info("follow-up due",
		zap.String("task_id", task.ID),
		zap.String("case_id", string(task.CaseID)),
		zap.Time("due", task.Due),
	)
	return nil
}

// =============================================================================
// SCHEDULER - Background processing of due tasks
// =============================================================================

// Scheduler periodically picks up due follow-up tasks and hands them to a
// sink. Failed tasks stay planned and are retried on the next tick.
type Scheduler struct {
	Store         Store
	Sink          Sink
	Clock         core.Clock
	Log           *zap.Logger
	CheckInterval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(store Store, sink Sink, clock core.Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Store:         store,
		Sink:          sink,
		Clock:         clock,
		Log:           log,
		CheckInterval: time.Hour,
		stop:          make(chan struct{}),
	}
}

// Start begins periodic processing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Log.Info("follow-up scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop halts processing and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Log.Info("follow-up scheduler stopped")
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.ProcessDue(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.ProcessDue(context.Background())
		case <-s.stop:
			return
		}
	}
}

// ProcessDue handles every task due as of now. Exported so jobs and tests
// can trigger a pass directly.
func (s *Scheduler) ProcessDue(ctx context.Context) {
	now := s.Clock()
	due, err := s.Store.DueBefore(ctx, now)
	if err != nil {
		s.Log.Error("could not load due follow-ups", zap.Error(err))
		return
	}

	for _, task := range due {
		if err := s.Sink.HandleDue(ctx, task); err != nil {
			s.Log.Error("follow-up sink failed, will retry next pass",
				zap.String("task_id", task.ID),
				zap.String("case_id", string(task.CaseID)),
				zap.Error(err),
			)
			continue
		}
		if err := s.Store.MarkDone(ctx, task.ID); err != nil {
			s.Log.Error("could not mark follow-up done",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}
}
