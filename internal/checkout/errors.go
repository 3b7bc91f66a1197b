package checkout

import (
	"context"
	"errors"
	"fmt"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/ledger"
	"kasirinaja/pos/internal/payment"
	"kasirinaja/pos/internal/store"
)

var (
	ErrEmptyCart    = errors.New("cart is empty")
	ErrStaleTotal   = errors.New("payment was validated against a different total")
	ErrCommitFailed = errors.New("transaction failed, please retry")

	// ErrIdempotencyConflict means the key already belongs to a sale whose
	// items differ from the cart being checked out.
	ErrIdempotencyConflict = errors.New("idempotency key was used for a different sale")

	// ErrInsufficientStock is the ledger's error; re-exported for callers
	// that only import this package.
	ErrInsufficientStock = store.ErrInsufficientStock
)

const (
	StageDebit    = "debit"
	StagePersist  = "persist"
	StageCanceled = "canceled"
)

// InsufficientStockError names the first line the ledger could not debit.
// Every earlier debit has been credited back when this is returned.
type InsufficientStockError struct {
	Line domain.CartLine
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s), requested %d", e.Line.Name, e.Line.SKU, e.Line.Quantity)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// UnknownUnitError names a cart line whose unit left the catalog after it
// was added. Earlier debits have been credited back.
type UnknownUnitError struct {
	Line domain.CartLine
}

func (e *UnknownUnitError) Error() string {
	return fmt.Sprintf("unit %s (%s) is no longer sold, remove the line", e.Line.UnitID, e.Line.SKU)
}

func (e *UnknownUnitError) Unwrap() error {
	return store.ErrNotFound
}

// CommitFailedError is fatal for the attempt. RollbackErr is set when one or
// more compensating credits could not be applied and stock needs a manual
// check.
type CommitFailedError struct {
	Stage       string
	Err         error
	RollbackErr error
}

func (e *CommitFailedError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("%s (%s: %v; rollback incomplete: %v)", ErrCommitFailed.Error(), e.Stage, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("%s (%s: %v)", ErrCommitFailed.Error(), e.Stage, e.Err)
}

func (e *CommitFailedError) Unwrap() []error {
	errs := []error{ErrCommitFailed}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StockTouched reports whether the failure may have left stock changed.
func (e *CommitFailedError) StockTouched() bool {
	return e.RollbackErr != nil
}

type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindStock
	KindCommit
	KindCanceled
	KindNotFound
	KindConflict
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindStock:
		return "stock"
	case KindCommit:
		return "commit"
	case KindCanceled:
		return "canceled"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Classify sorts an error into the categories a cashier UI acts on.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCommitFailed), errors.Is(err, ledger.ErrUnavailable):
		return KindCommit
	case errors.Is(err, store.ErrInsufficientStock):
		return KindStock
	case errors.Is(err, ErrIdempotencyConflict):
		return KindConflict
	case errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrStaleTotal),
		errors.Is(err, payment.ErrAmountMismatch),
		errors.Is(err, payment.ErrInsufficientCash),
		errors.Is(err, payment.ErrNegativeAmount),
		errors.Is(err, payment.ErrUnknownMethod),
		errors.Is(err, cart.ErrExceedsStock),
		errors.Is(err, cart.ErrUnavailable),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, cart.ErrUnitMismatch):
		return KindValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
