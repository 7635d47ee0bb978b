/*
tx.go - Transaction scope and the abort-transaction signal

PURPOSE:
  Defines the contract between the finalization orchestrator and the
  persistence layer. A transaction commits unless it is explicitly aborted.

THE ABORT CONTRACT:
  Inside WithTx, persistence callbacks return errors like any other Go code.
  A plain returned error does NOT roll the transaction back - the original
  system relied on thrown exceptions for rollback, and this engine keeps
  that contract explicit: rollback happens only when the function passed to
  WithTx returns an error produced by AbortTransaction (or panics).

  This forces every rollback decision to be visible at the call site:

    err := uow.WithTx(ctx, func(ctx context.Context, tx core.TxScope) error {
        if err := stores.PersistPayment(ctx, tx, pay); err != nil {
            return core.AbortTransaction(err) // rolls back everything
        }
        ...
        return nil // commit
    })

  Errors that should NOT unwind committed writes (e.g. a dispatch failure
  that leaves the payment in a failed-to-send state) are simply returned
  without wrapping.

SEE ALSO:
  - finalize/orchestrator.go: The only caller that opens this scope
  - store/sqlite/sqlite.go: The production implementation
*/
package core

import (
	"context"
	"errors"
	"fmt"
)

// TxScope is an opaque handle to an open transaction. Store implementations
// hand out their own concrete scope from WithTx and assert it back inside
// their Persist methods. Domain code never inspects it.
type TxScope interface{}

// UnitOfWork opens a transactional scope.
//
// COMMIT/ROLLBACK CONTRACT:
//   - fn returns nil                  -> commit
//   - fn returns a plain error        -> commit, error passed through
//   - fn returns an abort (see below) -> rollback, abort passed through
//   - fn panics                       -> rollback, panic re-raised
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxScope) error) error
}

// TxAborted is the distinguished signal that rolls back an open transaction.
type TxAborted struct {
	Cause error
}

func (e *TxAborted) Error() string {
	return fmt.Sprintf("transaction aborted: %v", e.Cause)
}

func (e *TxAborted) Unwrap() error { return e.Cause }

// AbortTransaction wraps cause in the rollback signal. This is the only way
// for a callback to undo writes already made in the scope.
func AbortTransaction(cause error) error {
	return &TxAborted{Cause: cause}
}

// IsAbort reports whether err carries the rollback signal.
func IsAbort(err error) bool {
	var aborted *TxAborted
	return errors.As(err, &aborted)
}
