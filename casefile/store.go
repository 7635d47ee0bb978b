package casefile

import (
	"context"

	"github.com/saksys/benefit-engine/core"
)

// =============================================================================
// STORE - Case persistence
// =============================================================================

// Store persists case aggregates.
//
// OPTIMISTIC LOCKING:
//
//	Save must fail with core.ErrConcurrentModification when the stored
//	RowVersion differs from the one the caller read. That check is what
//	serializes concurrent finalizations of the same case: exactly one
//	writer wins, the other reloads.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id core.CaseID) (*Case, error)

	// Save writes the aggregate and bumps RowVersion.
	Save(ctx context.Context, c *Case) error
}

// TxStore is a Store whose Save can participate in an ambient transaction
// scope opened by a core.UnitOfWork.
type TxStore interface {
	Store
	core.UnitOfWork

	// SaveInTx is Save bound to an open transaction scope.
	SaveInTx(ctx context.Context, tx core.TxScope, c *Case) error
}
