// Package checkout turns a cart and a validated payment into a committed
// sale. It is the only writer of sales and the atomicity boundary of a
// checkout: either the sale is stored with all of its stock debited, or no
// sale exists and every debit has been credited back.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/events"
	"kasirinaja/pos/internal/metrics"
	"kasirinaja/pos/internal/payment"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

type StockLedger interface {
	Debit(ctx context.Context, unitID string, qty int) (int, error)
	Credit(ctx context.Context, unitID string, qty int) (int, error)
}

type ReceiptGenerator interface {
	Build(sale domain.Sale) (domain.Receipt, error)
	Generate(ctx context.Context, sale domain.Sale) (domain.Receipt, error)
	Tax(amount decimal.Decimal) decimal.Decimal
}

type Options struct {
	StoreID        string
	TerminalID     string
	Operator       domain.Actor
	IdempotencyKey string
}

type Result struct {
	Sale      domain.Sale    `json:"sale"`
	Receipt   domain.Receipt `json:"receipt"`
	Duplicate bool           `json:"duplicate"`
}

const (
	defaultRollbackTimeout = 10 * time.Second
	defaultFollowUpTimeout = 3 * time.Second
)

type Coordinator struct {
	ledger          StockLedger
	sales           store.SaleStore
	receipts        ReceiptGenerator
	publisher       events.Publisher
	logger          *zap.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
	newID           func() string
	rollbackTimeout time.Duration
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithRollbackTimeout bounds the compensating credits, which run on a
// context detached from the caller's cancellation.
func WithRollbackTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.rollbackTimeout = d
		}
	}
}

func New(ledger StockLedger, sales store.SaleStore, receipts ReceiptGenerator, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:          ledger,
		sales:           sales,
		receipts:        receipts,
		publisher:       events.NoopPublisher{},
		logger:          zap.NewNop(),
		metrics:         metrics.Nop(),
		now:             time.Now,
		newID:           func() string { return xid.New("sale") },
		rollbackTimeout: defaultRollbackTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Checkout commits the cart. The cart is cleared only when a sale and its
// receipt are returned; on any error it is left exactly as it was.
func (c *Coordinator) Checkout(ctx context.Context, crt *cart.Cart, pay payment.Validated, opts Options) (Result, error) {
	started := time.Now()
	res, err := c.checkout(ctx, crt, pay, opts)

	outcome := "committed"
	switch {
	case err != nil:
		outcome = Classify(err).String()
	case res.Duplicate:
		outcome = "duplicate"
	}
	c.metrics.Checkouts.WithLabelValues(outcome).Inc()
	c.metrics.CheckoutDuration.WithLabelValues(outcome).Observe(float64(time.Since(started).Milliseconds()))
	return res, err
}

func (c *Coordinator) checkout(ctx context.Context, crt *cart.Cart, pay payment.Validated, opts Options) (Result, error) {
	if crt == nil {
		return Result{}, ErrEmptyCart
	}

	// A known key is answered from the stored sale before anything else, so
	// a retry after the terminal cart was cleared still gets its receipt.
	if opts.IdempotencyKey != "" {
		existing, err := c.sales.FindSaleByIdempotencyKey(ctx, opts.IdempotencyKey)
		switch {
		case err == nil:
			return c.replay(ctx, crt, existing)
		case !errors.Is(err, store.ErrNotFound):
			return Result{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}
	if crt.IsEmpty() {
		return Result{}, ErrEmptyCart
	}

	// Frozen copy: later mutations of crt do not reach this sale.
	lines := crt.Lines()
	totals := cart.FromLines(lines).Totals()

	if !payment.WithinEpsilon(pay.Total, totals.Total) {
		return Result{}, fmt.Errorf("%w: validated %s, cart %s", ErrStaleTotal, pay.Total.StringFixed(2), totals.Total.StringFixed(2))
	}
	validated, err := pay.Revalidate(totals.Total)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStaleTotal, err)
	}

	debited := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return Result{}, c.abort(ctx, debited, StageCanceled, err)
		}
		if _, err := c.ledger.Debit(ctx, line.UnitID, line.Quantity); err != nil {
			return Result{}, c.failDebit(ctx, debited, line, err)
		}
		debited = append(debited, line)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, c.abort(ctx, debited, StageCanceled, err)
	}

	sale := c.buildSale(lines, totals, validated, opts)
	if err := c.sales.CreateSale(ctx, sale); err != nil {
		if errors.Is(err, store.ErrDuplicate) && opts.IdempotencyKey != "" {
			return c.resolveDuplicate(ctx, crt, debited, opts.IdempotencyKey)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, c.abort(ctx, debited, StageCanceled, ctxErr)
		}
		return Result{}, c.abort(ctx, debited, StagePersist, err)
	}

	rec := c.issueReceipt(ctx, sale)
	c.publish(ctx, sale, rec)

	*crt = crt.Clear()
	c.logger.Info("sale committed",
		zap.String("sale_id", sale.ID),
		zap.String("receipt", rec.Number),
		zap.String("terminal_id", sale.TerminalID),
		zap.Int("lines", len(sale.Lines)),
		zap.String("total", sale.Total.StringFixed(2)),
	)
	return Result{Sale: sale, Receipt: rec}, nil
}

func (c *Coordinator) failDebit(ctx context.Context, debited []domain.CartLine, line domain.CartLine, err error) error {
	if errors.Is(err, store.ErrInsufficientStock) {
		if rbErr := c.rollback(ctx, debited); rbErr != nil {
			return &CommitFailedError{Stage: StageDebit, Err: &InsufficientStockError{Line: line}, RollbackErr: rbErr}
		}
		return &InsufficientStockError{Line: line}
	}
	if errors.Is(err, store.ErrNotFound) {
		if rbErr := c.rollback(ctx, debited); rbErr != nil {
			return &CommitFailedError{Stage: StageDebit, Err: &UnknownUnitError{Line: line}, RollbackErr: rbErr}
		}
		return &UnknownUnitError{Line: line}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.abort(ctx, debited, StageCanceled, err)
	}
	return c.abort(ctx, debited, StageDebit, fmt.Errorf("debit %s: %w", line.UnitID, err))
}

// abort credits every debited line and reports the failure for stage.
// Cancellation with a clean rollback surfaces the context error itself.
func (c *Coordinator) abort(ctx context.Context, debited []domain.CartLine, stage string, cause error) error {
	rbErr := c.rollback(ctx, debited)
	if stage == StageCanceled && rbErr == nil {
		return fmt.Errorf("checkout aborted: %w", cause)
	}
	c.logger.Error("checkout failed",
		zap.String("stage", stage),
		zap.Int("debited_lines", len(debited)),
		zap.Error(cause),
		zap.NamedError("rollback_error", rbErr),
	)
	return &CommitFailedError{Stage: stage, Err: cause, RollbackErr: rbErr}
}

// rollback credits lines in reverse debit order.
func (c *Coordinator) rollback(ctx context.Context, debited []domain.CartLine) error {
	if len(debited) == 0 {
		return nil
	}
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.rollbackTimeout)
	defer cancel()

	var errs []error
	for i := len(debited) - 1; i >= 0; i-- {
		line := debited[i]
		if _, err := c.ledger.Credit(rbCtx, line.UnitID, line.Quantity); err != nil {
			c.metrics.Rollbacks.WithLabelValues("failed").Inc()
			c.logger.Error("compensating credit failed",
				zap.String("unit_id", line.UnitID),
				zap.String("sku", line.SKU),
				zap.Int("qty", line.Quantity),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("credit %s x%d: %w", line.UnitID, line.Quantity, err))
			continue
		}
		c.metrics.Rollbacks.WithLabelValues("ok").Inc()
	}
	return errors.Join(errs...)
}

// resolveDuplicate handles a concurrent checkout that stored the same
// idempotency key first: our debits are returned and the winner replayed.
func (c *Coordinator) resolveDuplicate(ctx context.Context, crt *cart.Cart, debited []domain.CartLine, key string) (Result, error) {
	if rbErr := c.rollback(ctx, debited); rbErr != nil {
		return Result{}, &CommitFailedError{Stage: StagePersist, Err: store.ErrDuplicate, RollbackErr: rbErr}
	}
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFollowUpTimeout)
	defer cancel()
	existing, err := c.sales.FindSaleByIdempotencyKey(lookupCtx, key)
	if err != nil {
		return Result{}, &CommitFailedError{Stage: StagePersist, Err: fmt.Errorf("lookup winning sale: %w", err)}
	}
	return c.replay(ctx, crt, existing)
}

// replay answers a checkout whose key is already stored. An empty cart is
// a plain retry. A non-empty cart must hold the same items as the stored
// sale; otherwise it is left untouched and ErrIdempotencyConflict returned.
func (c *Coordinator) replay(ctx context.Context, crt *cart.Cart, existing domain.Sale) (Result, error) {
	if !crt.IsEmpty() {
		if !matchesSale(crt.Lines(), existing) {
			c.logger.Warn("idempotency key reused for a different cart",
				zap.String("sale_id", existing.ID),
				zap.String("idempotency_key", existing.IdempotencyKey),
			)
			return Result{}, fmt.Errorf("%w: key %q belongs to sale %s", ErrIdempotencyConflict, existing.IdempotencyKey, existing.ID)
		}
		*crt = crt.Clear()
	}

	rec := c.issueReceipt(ctx, existing)
	c.logger.Info("checkout replayed", zap.String("sale_id", existing.ID), zap.String("idempotency_key", existing.IdempotencyKey))
	return Result{Sale: existing, Receipt: rec, Duplicate: true}, nil
}

// matchesSale compares per-unit quantities and the total.
func matchesSale(lines []domain.CartLine, sale domain.Sale) bool {
	want := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		want[line.UnitID] += line.Quantity
	}
	got := make(map[string]int, len(lines))
	for _, line := range lines {
		got[line.UnitID] += line.Quantity
	}
	if len(got) != len(want) {
		return false
	}
	for unitID, qty := range want {
		if got[unitID] != qty {
			return false
		}
	}
	return payment.WithinEpsilon(cart.FromLines(lines).Totals().Total, sale.Total)
}

// issueReceipt runs after the sale is durable, so it cannot fail the
// checkout. A receipt that could not be stored is still returned; the
// next Generate call for the sale stores the same content.
func (c *Coordinator) issueReceipt(ctx context.Context, sale domain.Sale) domain.Receipt {
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFollowUpTimeout)
	defer cancel()

	rec, err := c.receipts.Generate(genCtx, sale)
	if err == nil {
		return rec
	}
	c.logger.Warn("receipt not persisted", zap.String("sale_id", sale.ID), zap.Error(err))
	built, buildErr := c.receipts.Build(sale)
	if buildErr != nil {
		c.logger.Error("receipt build failed", zap.String("sale_id", sale.ID), zap.Error(buildErr))
	}
	return built
}

func (c *Coordinator) publish(ctx context.Context, sale domain.Sale, rec domain.Receipt) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFollowUpTimeout)
	defer cancel()
	if err := c.publisher.PublishSaleCommitted(pubCtx, events.NewSaleCommitted(sale, rec.Number)); err != nil {
		c.logger.Warn("sale event not published", zap.String("sale_id", sale.ID), zap.Error(err))
	}
}

func (c *Coordinator) buildSale(lines []domain.CartLine, totals cart.Totals, pay payment.Validated, opts Options) domain.Sale {
	saleLines := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		saleLines = append(saleLines, domain.SaleLine{
			LineID:    line.ID,
			UnitID:    line.UnitID,
			SKU:       line.SKU,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.Subtotal().Round(2),
		})
	}
	tenders := make([]domain.Tender, len(pay.Tenders))
	copy(tenders, pay.Tenders)

	return domain.Sale{
		ID:             c.newID(),
		StoreID:        opts.StoreID,
		TerminalID:     opts.TerminalID,
		Operator:       opts.Operator,
		IdempotencyKey: opts.IdempotencyKey,
		Lines:          saleLines,
		Subtotal:       totals.Subtotal,
		Tax:            c.receipts.Tax(totals.Subtotal),
		Total:          totals.Total,
		Tenders:        tenders,
		CashReceived:   pay.CashReceived,
		Change:         pay.Change,
		CreatedAt:      c.now().UTC().Truncate(time.Microsecond),
	}
}
