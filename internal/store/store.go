package store

import (
	"context"
	"errors"
	"time"

	"kasirinaja/pos/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicate         = errors.New("duplicate record")
	ErrInvalidRecord     = errors.New("invalid record")
)

// Catalog is read-only from the checkout engine's point of view.
type Catalog interface {
	GetUnit(ctx context.Context, unitID string) (domain.SellableUnit, error)
	ListUnits(ctx context.Context) ([]domain.SellableUnit, error)
}

// StockStore exposes the conditional update primitive the ledger builds on.
// DebitStock must decrement only when the current quantity covers qty and
// report ErrInsufficientStock when it does not. Units that do not track
// inventory are left untouched by both operations.
type StockStore interface {
	StockLevel(ctx context.Context, unitID string) (qty int, tracked bool, err error)
	DebitStock(ctx context.Context, unitID string, qty int) (int, error)
	CreditStock(ctx context.Context, unitID string, qty int) (int, error)
}

type SaleStore interface {
	// CreateSale writes the header, lines and tenders in one durable write.
	// A reused idempotency key yields ErrDuplicate.
	CreateSale(ctx context.Context, sale domain.Sale) error
	GetSale(ctx context.Context, saleID string) (domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (domain.Sale, error)
}

type ReceiptStore interface {
	// SaveReceipt inserts the receipt unless one already exists for the sale,
	// in which case the stored receipt is returned unchanged.
	SaveReceipt(ctx context.Context, receipt domain.Receipt) (domain.Receipt, error)
	GetReceiptBySale(ctx context.Context, saleID string) (domain.Receipt, error)
}

type ParkedCartStore interface {
	CreateParkedCart(ctx context.Context, parked domain.ParkedCart) error
	// PopParkedCart reads and deletes the record atomically.
	PopParkedCart(ctx context.Context, parkedID string) (domain.ParkedCart, error)
	ListParkedCarts(ctx context.Context, storeID string, terminalID string, limit int) ([]domain.ParkedCart, error)
	DeleteParkedCart(ctx context.Context, parkedID string) error
	DeleteParkedCartsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type Repository interface {
	Catalog
	StockStore
	SaleStore
	ReceiptStore
	ParkedCartStore
}
