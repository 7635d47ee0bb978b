/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  casefile.TxStore:     Case aggregates with optimistic row versioning
  finalize.Persistence: Transactional writes during finalization
  eventlog.Store:       Per-case, per-stream versioned event streams
  followup.Store:       Scheduled follow-up tasks

TRANSACTION CONTRACT:
  WithTx commits unless the callback signals abort (or panics). A plain
  returned error still commits - partial progress such as a payment
  marked failed-to-send must survive. Rollback happens only on the
  typed abort signal.

OPTIMISTIC CONCURRENCY:
  Case rows carry a row_version column. Saves are conditional UPDATEs on
  the version the caller loaded; zero rows affected means someone else
  got there first. Event appends are guarded the same way through the
  expected-next-version check plus a UNIQUE(case_id, stream, version)
  index as a backstop.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/saksys.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/memory/memory.go: In-memory implementation for testing
  - finalize/orchestrator.go: The main consumer of the tx contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/saksys/benefit-engine/casefile"
	"github.com/saksys/benefit-engine/clawback"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/eventlog"
	"github.com/saksys/benefit-engine/followup"
	"github.com/saksys/benefit-engine/payment"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Case aggregates (treatments, decisions, payments, clawback ledger)
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		person_ref TEXT NOT NULL,
		benefit_type TEXT NOT NULL,
		aggregate_json TEXT NOT NULL,
		row_version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_person
		ON cases(person_ref);

	-- Decisions (read model; the aggregate holds the source of truth)
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		treatment_id TEXT NOT NULL,
		payment_id TEXT,
		period_from TEXT NOT NULL,
		period_to TEXT NOT NULL,
		net TEXT NOT NULL,
		decision_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_case
		ON decisions(case_id);

	-- Payments (status column drives the resend loop)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		treatment_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_case
		ON payments(case_id);
	CREATE INDEX IF NOT EXISTS idx_payments_status
		ON payments(status);

	-- Versioned event streams (abroad stays, repayment claims)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		stream TEXT NOT NULL,
		version INTEGER NOT NULL,
		supersedes TEXT,
		payload_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		actor TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);

	-- CRITICAL: one writer wins per (case, stream, version)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_stream_version
		ON events(case_id, stream, version);

	-- Follow-up tasks
	CREATE TABLE IF NOT EXISTS followups (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		due TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_followups_due
		ON followups(status, due);
	CREATE INDEX IF NOT EXISTS idx_followups_case
		ON followups(case_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer lets the persistence methods run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) scope(tx core.TxScope) execer {
	if sqlTx, ok := tx.(*sql.Tx); ok {
		return sqlTx
	}
	return s.db
}

// =============================================================================
// TRANSACTIONAL SCOPE (core.UnitOfWork)
// =============================================================================

// WithTx runs fn inside a database transaction. The transaction commits
// unless fn signals abort or panics.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx core.TxScope) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	var fnErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				sqlTx.Rollback()
				panic(r)
			}
		}()
		fnErr = fn(ctx, sqlTx)
	}()

	if core.IsAbort(fnErr) {
		sqlTx.Rollback()
		return fnErr
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return fnErr
}

// =============================================================================
// CASE STORE (casefile.TxStore)
// =============================================================================

// caseRecord is the persisted shape of the aggregate. Treatments go
// through the sealed-state codec.
type caseRecord struct {
	ID          core.CaseID         `json:"id"`
	Person      core.PersonRef      `json:"person"`
	BenefitType string              `json:"benefit_type"`
	Treatments  []json.RawMessage   `json:"treatments"`
	Decisions   []casefile.Decision `json:"decisions"`
	Payments    []*payment.Payment  `json:"payments"`
	Clawback    clawback.Ledger     `json:"clawback"`
	CreatedAt   time.Time           `json:"created_at"`
}

func encodeCase(c *casefile.Case) (string, error) {
	rec := caseRecord{
		ID:          c.ID,
		Person:      c.Person,
		BenefitType: c.BenefitType,
		Decisions:   c.Decisions,
		Payments:    c.Payments,
		Clawback:    c.Clawback,
		CreatedAt:   c.CreatedAt,
	}
	for _, t := range c.Treatments {
		raw, err := casefile.MarshalTreatment(t)
		if err != nil {
			return "", err
		}
		rec.Treatments = append(rec.Treatments, raw)
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode case %s: %w", c.ID, err)
	}
	return string(encoded), nil
}

func decodeCase(aggregate string, rowVersion uint64) (*casefile.Case, error) {
	var rec caseRecord
	if err := json.Unmarshal([]byte(aggregate), &rec); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	c := &casefile.Case{
		ID:          rec.ID,
		Person:      rec.Person,
		BenefitType: rec.BenefitType,
		Decisions:   rec.Decisions,
		Payments:    rec.Payments,
		Clawback:    rec.Clawback,
		RowVersion:  rowVersion,
		CreatedAt:   rec.CreatedAt,
	}
	for _, raw := range rec.Treatments {
		t, err := casefile.UnmarshalTreatment(raw)
		if err != nil {
			return nil, fmt.Errorf("decode case %s: %w", rec.ID, err)
		}
		c.Treatments = append(c.Treatments, t)
	}
	return c, nil
}

// Create inserts a new case with row version 1.
func (s *Store) Create(ctx context.Context, c *casefile.Case) error {
	c.RowVersion = 1
	aggregate, err := encodeCase(c)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, person_ref, benefit_type, aggregate_json, row_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Person, c.BenefitType, aggregate, c.RowVersion, now, now)
	if err != nil {
		return fmt.Errorf("create case %s: %w", c.ID, err)
	}
	return nil
}

// Get loads a case aggregate.
func (s *Store) Get(ctx context.Context, id core.CaseID) (*casefile.Case, error) {
	var aggregate string
	var rowVersion uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_json, row_version FROM cases WHERE id = ?
	`, id).Scan(&aggregate, &rowVersion)
	if err == sql.ErrNoRows {
		return nil, core.ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", id, err)
	}
	return decodeCase(aggregate, rowVersion)
}

// Save persists the aggregate if nobody else saved it since it was loaded.
func (s *Store) Save(ctx context.Context, c *casefile.Case) error {
	return s.saveWith(ctx, s.db, c)
}

// SaveInTx is Save inside an open transaction scope.
func (s *Store) SaveInTx(ctx context.Context, tx core.TxScope, c *casefile.Case) error {
	return s.saveWith(ctx, s.scope(tx), c)
}

func (s *Store) saveWith(ctx context.Context, db execer, c *casefile.Case) error {
	loadedVersion := c.RowVersion
	c.RowVersion++
	aggregate, err := encodeCase(c)
	if err != nil {
		c.RowVersion = loadedVersion
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE cases
		SET aggregate_json = ?, row_version = ?, updated_at = ?
		WHERE id = ? AND row_version = ?
	`, aggregate, c.RowVersion, time.Now().UTC().Format(time.RFC3339), c.ID, loadedVersion)
	if err != nil {
		c.RowVersion = loadedVersion
		return fmt.Errorf("save case %s: %w", c.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		c.RowVersion = loadedVersion
		return fmt.Errorf("save case %s: %w", c.ID, err)
	}
	if affected == 0 {
		c.RowVersion = loadedVersion
		var exists int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cases WHERE id = ?`, c.ID).Scan(&exists); err == nil && exists == 0 {
			return core.ErrCaseNotFound
		}
		return core.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// FINALIZATION PERSISTENCE (finalize.Persistence)
// =============================================================================

// PersistPayment upserts a payment row inside the transaction scope.
func (s *Store) PersistPayment(ctx context.Context, tx core.TxScope, p *payment.Payment) error {
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payment %s: %w", p.ID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.scope(tx).ExecContext(ctx, `
		INSERT INTO payments (id, case_id, treatment_id, status, payment_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payment_json = excluded.payment_json,
			updated_at = excluded.updated_at
	`, p.ID, p.CaseID, p.TreatmentID, p.Status, string(encoded), now, now)
	if err != nil {
		return fmt.Errorf("persist payment %s: %w", p.ID, err)
	}
	return nil
}

// PersistDecision inserts a decision row inside the transaction scope.
func (s *Store) PersistDecision(ctx context.Context, tx core.TxScope, d casefile.Decision) error {
	encoded, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision %s: %w", d.ID, err)
	}

	var paymentID any
	if d.PaymentID != nil {
		paymentID = string(*d.PaymentID)
	}

	_, err = s.scope(tx).ExecContext(ctx, `
		INSERT INTO decisions (id, case_id, treatment_id, payment_id, period_from, period_to, net, decision_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.CaseID, d.TreatmentID, paymentID,
		d.Period.From.FirstDay().Format("2006-01-02"),
		d.Period.To.FirstDay().Format("2006-01-02"),
		d.Net().Value.String(),
		string(encoded),
		d.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persist decision %s: %w", d.ID, err)
	}
	return nil
}

// PersistCase saves the aggregate inside the transaction scope.
func (s *Store) PersistCase(ctx context.Context, tx core.TxScope, c *casefile.Case) error {
	return s.SaveInTx(ctx, tx, c)
}

// GetPayment loads a single payment row.
func (s *Store) GetPayment(ctx context.Context, id core.PaymentID) (*payment.Payment, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT payment_json FROM payments WHERE id = ?`, id).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, core.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	var p payment.Payment
	if err := json.Unmarshal([]byte(encoded), &p); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	return &p, nil
}

// FailedPayments lists payments awaiting the out-of-band resend loop.
func (s *Store) FailedPayments(ctx context.Context) ([]*payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_json FROM payments WHERE status = ? ORDER BY created_at
	`, payment.StatusFailedToSend)
	if err != nil {
		return nil, fmt.Errorf("list failed payments: %w", err)
	}
	defer rows.Close()

	var out []*payment.Payment
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("list failed payments: %w", err)
		}
		var p payment.Payment
		if err := json.Unmarshal([]byte(encoded), &p); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// =============================================================================
// EVENT LOG STORE (eventlog.Store)
// =============================================================================

// Append writes an event at the expected next version of the stream.
func (s *Store) Append(ctx context.Context, caseID core.CaseID, stream string, ev eventlog.Event, expectedNextVersion uint64) error {
	return s.WithTx(ctx, func(ctx context.Context, tx core.TxScope) error {
		db := s.scope(tx)

		var next uint64
		err := db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM events WHERE case_id = ? AND stream = ?
		`, caseID, stream).Scan(&next)
		if err != nil {
			return core.AbortTransaction(fmt.Errorf("append event: %w", err))
		}
		if expectedNextVersion != next {
			return core.AbortTransaction(&core.VersionConflictError{
				CaseID:     caseID,
				Expected:   expectedNextVersion,
				ActualNext: next,
			})
		}

		payloadJSON, err := eventlog.EncodePayload(ev.Payload)
		if err != nil {
			return core.AbortTransaction(err)
		}

		var supersedes any
		if ev.Supersedes != nil {
			supersedes = string(*ev.Supersedes)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO events (id, case_id, stream, version, supersedes, payload_type, payload_json, actor, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ev.ID, caseID, stream, next, supersedes,
			ev.Payload.PayloadType(), string(payloadJSON),
			ev.Actor, ev.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return core.AbortTransaction(fmt.Errorf("append event: %w", err))
		}
		return nil
	})
}

// ReadAll returns the stream's events in version order.
func (s *Store) ReadAll(ctx context.Context, caseID core.CaseID, stream string) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, supersedes, payload_type, payload_json, actor, occurred_at
		FROM events WHERE case_id = ? AND stream = ? ORDER BY version
	`, caseID, stream)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		var (
			id, payloadType, payloadJSON, actor, occurredAt string
			version                                         uint64
			supersedes                                      sql.NullString
		)
		if err := rows.Scan(&id, &version, &supersedes, &payloadType, &payloadJSON, &actor, &occurredAt); err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}

		payload, err := eventlog.DecodePayload(payloadType, []byte(payloadJSON))
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}

		ev := eventlog.Event{
			ID:        core.EventID(id),
			CaseID:    caseID,
			Version:   version,
			Payload:   payload,
			Actor:     actor,
			Timestamp: ts,
		}
		if supersedes.Valid {
			target := core.EventID(supersedes.String)
			ev.Supersedes = &target
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// FOLLOW-UP STORE (followup.Store)
// =============================================================================

func (s *Store) Plan(ctx context.Context, task followup.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followups (id, case_id, due, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.CaseID,
		task.Due.UTC().Format(time.RFC3339),
		task.Status,
		task.CreatedAt.UTC().Format(time.RFC3339),
		task.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("plan follow-up %s: %w", task.ID, err)
	}
	return nil
}

func (s *Store) DueBefore(ctx context.Context, t time.Time) ([]followup.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, due, status, created_at, updated_at
		FROM followups
		WHERE status = ? AND due <= ?
		ORDER BY due
	`, followup.StatusPlanned, t.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("list due follow-ups: %w", err)
	}
	defer rows.Close()

	var out []followup.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (followup.Task, error) {
	var (
		task                    followup.Task
		due, createdAt, updated string
	)
	if err := rows.Scan(&task.ID, &task.CaseID, &due, &task.Status, &createdAt, &updated); err != nil {
		return followup.Task{}, fmt.Errorf("scan follow-up: %w", err)
	}
	var err error
	if task.Due, err = time.Parse(time.RFC3339, due); err != nil {
		return followup.Task{}, fmt.Errorf("scan follow-up: %w", err)
	}
	if task.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return followup.Task{}, fmt.Errorf("scan follow-up: %w", err)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return followup.Task{}, fmt.Errorf("scan follow-up: %w", err)
	}
	return task, nil
}

func (s *Store) MarkDone(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE followups SET status = ?, updated_at = ? WHERE id = ?
	`, followup.StatusDone, time.Now().UTC().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("mark follow-up done %s: %w", taskID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return followup.ErrTaskNotFound
	}
	return nil
}

// CancelForCase cancels planned tasks inside the transaction scope, so
// the cancellation commits or rolls back with the finalization.
func (s *Store) CancelForCase(ctx context.Context, tx core.TxScope, caseID core.CaseID) error {
	_, err := s.scope(tx).ExecContext(ctx, `
		UPDATE followups SET status = ?, updated_at = ?
		WHERE case_id = ? AND status = ?
	`, followup.StatusCancelled, time.Now().UTC().Format(time.RFC3339), caseID, followup.StatusPlanned)
	if err != nil {
		return fmt.Errorf("cancel follow-ups for case %s: %w", caseID, err)
	}
	return nil
}
