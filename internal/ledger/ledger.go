// Package ledger is the authoritative view of available stock. All debits
// go through the storage layer's conditional update; the ledger adds a
// single retry for storage failures and instrumentation on top.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kasirinaja/pos/internal/metrics"
	"kasirinaja/pos/internal/store"
)

// ErrUnavailable is returned when the stock store failed twice in a row.
var ErrUnavailable = errors.New("stock ledger unavailable")

var errInvalidQuantity = errors.New("quantity must be positive")

const defaultBackoff = 50 * time.Millisecond

type Ledger struct {
	stock   store.StockStore
	backoff time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Ledger)

func WithBackoff(d time.Duration) Option {
	return func(l *Ledger) {
		if d >= 0 {
			l.backoff = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

func New(stock store.StockStore, opts ...Option) *Ledger {
	l := &Ledger{
		stock:   stock,
		backoff: defaultBackoff,
		logger:  zap.NewNop(),
		metrics: metrics.Nop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAvailable is true when the unit does not track inventory or holds at
// least qty units. The answer is advisory; only Debit is authoritative.
func (l *Ledger) CheckAvailable(ctx context.Context, unitID string, qty int) (bool, error) {
	var (
		level   int
		tracked bool
	)
	err := l.do(ctx, "check", unitID, func() error {
		var err error
		level, tracked, err = l.stock.StockLevel(ctx, unitID)
		return err
	})
	if err != nil {
		return false, err
	}
	return !tracked || level >= qty, nil
}

// Debit removes qty units or fails with store.ErrInsufficientStock without
// changing anything.
func (l *Ledger) Debit(ctx context.Context, unitID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("debit %s: %w", unitID, errInvalidQuantity)
	}
	var remaining int
	err := l.do(ctx, "debit", unitID, func() error {
		var err error
		remaining, err = l.stock.DebitStock(ctx, unitID, qty)
		return err
	})
	return remaining, err
}

// Credit returns qty units. It has no upper bound.
func (l *Ledger) Credit(ctx context.Context, unitID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("credit %s: %w", unitID, errInvalidQuantity)
	}
	var level int
	err := l.do(ctx, "credit", unitID, func() error {
		var err error
		level, err = l.stock.CreditStock(ctx, unitID, qty)
		return err
	})
	return level, err
}

func (l *Ledger) do(ctx context.Context, op string, unitID string, fn func() error) error {
	err := fn()
	if err == nil {
		l.metrics.LedgerOps.WithLabelValues(op, "ok").Inc()
		return nil
	}
	if !retryable(err) {
		l.metrics.LedgerOps.WithLabelValues(op, outcome(err)).Inc()
		return err
	}

	l.metrics.LedgerRetries.WithLabelValues(op).Inc()
	l.logger.Warn("stock store error, retrying",
		zap.String("op", op),
		zap.String("unit_id", unitID),
		zap.Duration("backoff", l.backoff),
		zap.Error(err),
	)
	if sleepErr := l.sleep(ctx, l.backoff); sleepErr != nil {
		l.metrics.LedgerOps.WithLabelValues(op, "canceled").Inc()
		return sleepErr
	}

	err = fn()
	if err == nil {
		l.metrics.LedgerOps.WithLabelValues(op, "ok").Inc()
		return nil
	}
	if !retryable(err) {
		l.metrics.LedgerOps.WithLabelValues(op, outcome(err)).Inc()
		return err
	}
	l.metrics.LedgerOps.WithLabelValues(op, "unavailable").Inc()
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, unitID, err)
}

// retryable excludes outcomes that a second attempt cannot change.
func retryable(err error) bool {
	switch {
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, errInvalidQuantity),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
