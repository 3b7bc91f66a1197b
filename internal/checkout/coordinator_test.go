package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/ledger"
	"kasirinaja/pos/internal/payment"
	"kasirinaja/pos/internal/receipt"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/store/memory"
)

var errDiskFull = errors.New("write failed: no space left on device")

type fixture struct {
	repo   *memory.Store
	ledger *countingLedger
	coord  *Coordinator
}

// countingLedger records calls and lets a test hook into debits.
type countingLedger struct {
	inner       StockLedger
	debits      atomic.Int64
	credits     atomic.Int64
	afterDebit  func(unitID string)
	failCredits bool
}

func (l *countingLedger) Debit(ctx context.Context, unitID string, qty int) (int, error) {
	l.debits.Add(1)
	left, err := l.inner.Debit(ctx, unitID, qty)
	if err == nil && l.afterDebit != nil {
		l.afterDebit(unitID)
	}
	return left, err
}

func (l *countingLedger) Credit(ctx context.Context, unitID string, qty int) (int, error) {
	l.credits.Add(1)
	if l.failCredits {
		return 0, errDiskFull
	}
	return l.inner.Credit(ctx, unitID, qty)
}

// failingSales rejects every write.
type failingSales struct {
	store.SaleStore
	err error
}

func (f failingSales) CreateSale(context.Context, domain.Sale) error {
	return f.err
}

// failingReceipts cannot persist anything.
type failingReceipts struct {
	store.ReceiptStore
}

func (failingReceipts) SaveReceipt(context.Context, domain.Receipt) (domain.Receipt, error) {
	return domain.Receipt{}, errDiskFull
}

// flakyStock fails every stock write for one unit, as a dropped
// connection to the stock table would.
type flakyStock struct {
	store.StockStore
	unitID string
}

func (f flakyStock) DebitStock(ctx context.Context, unitID string, qty int) (int, error) {
	if unitID == f.unitID {
		return 0, errDiskFull
	}
	return f.StockStore.DebitStock(ctx, unitID, qty)
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	o := fixtureOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	repo := memory.New()
	repo.PutUnit(domain.SellableUnit{ProductID: "kopi", SKU: "SKU-KOPI", Name: "Kopi", UnitPrice: decimal.RequireFromString("10.00"), AvailableQty: 5, TracksInventory: true})
	repo.PutUnit(domain.SellableUnit{ProductID: "gula", SKU: "SKU-GULA", Name: "Gula", UnitPrice: decimal.RequireFromString("20.00"), AvailableQty: 1, TracksInventory: true})
	repo.PutUnit(domain.SellableUnit{ProductID: "kado", SKU: "SVC-KADO", Name: "Bungkus Kado", UnitPrice: decimal.RequireFromString("5.00"), TracksInventory: false})

	var sales store.SaleStore = repo
	if o.salesErr != nil {
		sales = failingSales{SaleStore: repo, err: o.salesErr}
	}
	var receipts store.ReceiptStore = repo
	if o.receiptsFail {
		receipts = failingReceipts{ReceiptStore: repo}
	}

	var stock store.StockStore = repo
	if o.flakyUnit != "" {
		stock = flakyStock{StockStore: repo, unitID: o.flakyUnit}
	}

	counting := &countingLedger{inner: ledger.New(stock, ledger.WithBackoff(0))}
	gen := receipt.NewGenerator(receipt.Config{TaxRatePercent: decimal.NewFromInt(11)}, receipts, nil)
	return &fixture{
		repo:   repo,
		ledger: counting,
		coord:  New(counting, sales, gen),
	}
}

type fixtureOptions struct {
	salesErr     error
	receiptsFail bool
	flakyUnit    string
}

func withFlakyStock(unitID string) func(*fixtureOptions) {
	return func(o *fixtureOptions) { o.flakyUnit = unitID }
}

func withSalesError(err error) func(*fixtureOptions) {
	return func(o *fixtureOptions) { o.salesErr = err }
}

func withReceiptFailure() func(*fixtureOptions) {
	return func(o *fixtureOptions) { o.receiptsFail = true }
}

func (f *fixture) cartWith(t *testing.T, items map[string]int, order ...string) cart.Cart {
	t.Helper()
	c := cart.New()
	for _, id := range order {
		unit, err := f.repo.GetUnit(context.Background(), id)
		require.NoError(t, err)
		unit.AvailableQty = 1000
		for i := 0; i < items[id]; i++ {
			c, _, err = c.AddLine(unit)
			require.NoError(t, err)
		}
	}
	return c
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	qty, _, err := f.repo.StockLevel(context.Background(), id)
	require.NoError(t, err)
	return qty
}

func payCard(t *testing.T, c cart.Cart) payment.Validated {
	t.Helper()
	total := c.Totals().Total
	v, err := payment.Validate([]domain.Tender{{Method: domain.TenderCard, Amount: total, Reference: "APPR"}}, nil, total)
	require.NoError(t, err)
	return v
}

func opts() Options {
	return Options{StoreID: "main-store", TerminalID: "T1", Operator: domain.Actor{ID: "u-1", Username: "sari", Role: domain.RoleCashier}}
}

func TestCheckoutCommitsSale(t *testing.T) {
	f := newFixture(t)
	c := f.cartWith(t, map[string]int{"kopi": 2, "kado": 1}, "kopi", "kado")

	res, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), opts())
	require.NoError(t, err)

	assert.True(t, c.IsEmpty(), "cart is cleared after commit")
	assert.Equal(t, 3, f.stock(t, "kopi"))
	assert.False(t, res.Duplicate)
	assert.True(t, decimal.RequireFromString("25.00").Equal(res.Sale.Total))
	assert.True(t, decimal.RequireFromString("2.48").Equal(res.Sale.Tax), "tax was %s", res.Sale.Tax)
	require.Len(t, res.Sale.Lines, 2)
	assert.Equal(t, "SKU-KOPI", res.Sale.Lines[0].SKU)
	assert.Equal(t, receipt.Number(res.Sale), res.Receipt.Number)

	stored, err := f.repo.GetSale(context.Background(), res.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Sale.ID, stored.ID)
}

func TestCheckoutRejectsEmptyCart(t *testing.T) {
	f := newFixture(t)
	c := cart.New()

	_, err := f.coord.Checkout(context.Background(), &c, payment.Validated{}, opts())
	require.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, KindValidation, Classify(err))
	assert.Zero(t, f.ledger.debits.Load())

	_, err = f.coord.Checkout(context.Background(), nil, payment.Validated{}, opts())
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestCheckoutInsufficientStockRollsBack(t *testing.T) {
	f := newFixture(t)
	c := f.cartWith(t, map[string]int{"kopi": 2, "gula": 2}, "kopi", "gula")
	before := c.Lines()

	_, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), opts())
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, KindStock, Classify(err))

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "gula", stockErr.Line.ID)

	assert.Equal(t, 5, f.stock(t, "kopi"), "first line was credited back")
	assert.Equal(t, 1, f.stock(t, "gula"))
	assert.Equal(t, before, c.Lines(), "cart is left intact")
	assert.Equal(t, int64(1), f.ledger.credits.Load())
}

func TestCheckoutPersistFailureRollsBack(t *testing.T) {
	f := newFixture(t, withSalesError(errDiskFull))
	c := f.cartWith(t, map[string]int{"kopi": 3, "gula": 1}, "kopi", "gula")

	_, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), opts())
	require.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, KindCommit, Classify(err))

	var commitErr *CommitFailedError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, StagePersist, commitErr.Stage)
	assert.False(t, commitErr.StockTouched())

	assert.Equal(t, 5, f.stock(t, "kopi"))
	assert.Equal(t, 1, f.stock(t, "gula"))
	assert.Equal(t, 2, c.Len())
}

func TestCheckoutLedgerUnavailableRollsBack(t *testing.T) {
	f := newFixture(t, withFlakyStock("gula"))
	c := f.cartWith(t, map[string]int{"kopi": 2, "gula": 1}, "kopi", "gula")
	before := c.Lines()
	o := opts()
	o.IdempotencyKey = "idem-flaky"

	_, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), o)
	require.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.Equal(t, KindCommit, Classify(err))

	var commitErr *CommitFailedError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, StageDebit, commitErr.Stage)
	assert.False(t, commitErr.StockTouched())

	assert.Equal(t, int64(1), f.ledger.credits.Load())
	assert.Equal(t, 5, f.stock(t, "kopi"), "first line was credited back")
	assert.Equal(t, 1, f.stock(t, "gula"))
	assert.Equal(t, before, c.Lines())

	_, err = f.repo.FindSaleByIdempotencyKey(context.Background(), o.IdempotencyKey)
	assert.ErrorIs(t, err, store.ErrNotFound, "no sale is written")
}

func TestCheckoutUnitRemovedFromCatalog(t *testing.T) {
	f := newFixture(t)
	c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")
	ghost, err := f.repo.GetUnit(context.Background(), "gula")
	require.NoError(t, err)
	ghost.ID = "gula-lama"
	ghost.AvailableQty = 10
	c, _, err = c.AddLine(ghost)
	require.NoError(t, err)

	_, err = f.coord.Checkout(context.Background(), &c, payCard(t, c), opts())
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, ErrCommitFailed)
	assert.Equal(t, KindNotFound, Classify(err))

	var gone *UnknownUnitError
	require.ErrorAs(t, err, &gone)
	assert.Equal(t, "gula-lama", gone.Line.UnitID)
	assert.Equal(t, 5, f.stock(t, "kopi"), "first line was credited back")
	assert.Equal(t, 2, c.Len())
}

func TestCheckoutCanceledAfterDebitRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.afterDebit = func(string) { cancel() }

	c := f.cartWith(t, map[string]int{"kopi": 2, "gula": 1}, "kopi", "gula")
	_, err := f.coord.Checkout(ctx, &c, payCard(t, c), opts())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCanceled, Classify(err))

	assert.Equal(t, 5, f.stock(t, "kopi"), "debit applied before cancel was credited back")
	assert.Equal(t, 1, f.stock(t, "gula"))
	assert.Equal(t, int64(1), f.ledger.debits.Load())

	_, err = f.repo.FindSaleByIdempotencyKey(context.Background(), "none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckoutRollbackFailureEscalates(t *testing.T) {
	f := newFixture(t, withSalesError(errDiskFull))
	f.ledger.failCredits = true
	c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")

	_, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), opts())
	var commitErr *CommitFailedError
	require.ErrorAs(t, err, &commitErr)
	assert.True(t, commitErr.StockTouched())
}

func TestCheckoutStaleTotal(t *testing.T) {
	f := newFixture(t)
	c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")
	pay := payCard(t, c)

	unit, err := f.repo.GetUnit(context.Background(), "kopi")
	require.NoError(t, err)
	c, _, err = c.AddLine(unit)
	require.NoError(t, err)

	_, err = f.coord.Checkout(context.Background(), &c, pay, opts())
	require.ErrorIs(t, err, ErrStaleTotal)
	assert.Zero(t, f.ledger.debits.Load())
	assert.Equal(t, 5, f.stock(t, "kopi"))
}

func TestCheckoutIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	o := opts()
	o.IdempotencyKey = "idem-42"

	c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")
	first, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), o)
	require.NoError(t, err)

	c = f.cartWith(t, map[string]int{"kopi": 1}, "kopi")
	second, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), o)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sale.ID, second.Sale.ID)
	assert.Equal(t, first.Receipt, second.Receipt)
	assert.Equal(t, 4, f.stock(t, "kopi"), "replay does not debit again")
	assert.True(t, c.IsEmpty(), "matching cart is the same sale")
}

func TestCheckoutDuplicateWithoutWinnerCreditsOnce(t *testing.T) {
	f := newFixture(t, withSalesError(store.ErrDuplicate))
	c := f.cartWith(t, map[string]int{"kopi": 2}, "kopi")
	o := opts()
	o.IdempotencyKey = "idem-lost"

	_, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), o)
	require.ErrorIs(t, err, ErrCommitFailed)

	var commitErr *CommitFailedError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, StagePersist, commitErr.Stage)
	assert.Equal(t, int64(1), f.ledger.credits.Load(), "one rollback only")
	assert.Equal(t, 5, f.stock(t, "kopi"))
	assert.Equal(t, 1, c.Len())
}

func TestCheckoutIdempotencyRetryOnEmptyCart(t *testing.T) {
	f := newFixture(t)
	o := opts()
	o.IdempotencyKey = "idem-retry"

	c := f.cartWith(t, map[string]int{"kopi": 2}, "kopi")
	first, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), o)
	require.NoError(t, err)
	require.True(t, c.IsEmpty())

	again, err := f.coord.Checkout(context.Background(), &c, payment.Validated{}, o)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Sale.ID, again.Sale.ID)
	assert.Equal(t, first.Receipt.Number, again.Receipt.Number)
	assert.Equal(t, 3, f.stock(t, "kopi"))

	o.IdempotencyKey = "idem-unused"
	_, err = f.coord.Checkout(context.Background(), &c, payment.Validated{}, o)
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestCheckoutIdempotencyKeyReusedForDifferentCart(t *testing.T) {
	f := newFixture(t)
	o := opts()
	o.IdempotencyKey = "idem-7"

	c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")
	_, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), o)
	require.NoError(t, err)

	tests := []struct {
		name  string
		items map[string]int
		order []string
	}{
		{"other unit", map[string]int{"gula": 1}, []string{"gula"}},
		{"other quantity", map[string]int{"kopi": 2}, []string{"kopi"}},
		{"extra line", map[string]int{"kopi": 1, "kado": 1}, []string{"kopi", "kado"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := f.cartWith(t, tt.items, tt.order...)
			before := next.Lines()

			_, err := f.coord.Checkout(context.Background(), &next, payCard(t, next), o)
			require.ErrorIs(t, err, ErrIdempotencyConflict)
			assert.Equal(t, KindConflict, Classify(err))
			assert.Equal(t, before, next.Lines(), "cart is left intact")
		})
	}
	assert.Equal(t, 4, f.stock(t, "kopi"))
	assert.Equal(t, 1, f.stock(t, "gula"))
	assert.Equal(t, int64(1), f.ledger.debits.Load())
}

func TestCheckoutSurvivesReceiptPersistFailure(t *testing.T) {
	f := newFixture(t, withReceiptFailure())
	c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")

	res, err := f.coord.Checkout(context.Background(), &c, payCard(t, c), opts())
	require.NoError(t, err)
	assert.Equal(t, receipt.Number(res.Sale), res.Receipt.Number)
	assert.True(t, c.IsEmpty())
}

func TestCheckoutCashChangeIsRecorded(t *testing.T) {
	f := newFixture(t)
	c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")
	received := decimal.RequireFromString("50.00")
	pay, err := payment.Validate([]domain.Tender{{Method: domain.TenderCash, Amount: decimal.RequireFromString("10.00")}}, &received, c.Totals().Total)
	require.NoError(t, err)

	res, err := f.coord.Checkout(context.Background(), &c, pay, opts())
	require.NoError(t, err)
	require.NotNil(t, res.Sale.CashReceived)
	assert.True(t, decimal.RequireFromString("40.00").Equal(res.Sale.Change))
	assert.True(t, decimal.RequireFromString("40.00").Equal(res.Receipt.Change))
}

func TestConcurrentCheckoutsForLastUnits(t *testing.T) {
	f := newFixture(t)
	const buyers = 20

	var (
		wg        sync.WaitGroup
		committed atomic.Int64
		rejected  atomic.Int64
	)
	for i := 0; i < buyers; i++ {
		c := f.cartWith(t, map[string]int{"kopi": 1}, "kopi")
		pay := payCard(t, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Checkout(context.Background(), &c, pay, opts())
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), committed.Load())
	assert.Equal(t, int64(buyers-5), rejected.Load())
	assert.Equal(t, 0, f.stock(t, "kopi"))
}

func TestConcurrentOverlappingCartsKeepStockExact(t *testing.T) {
	f := newFixture(t)
	f.repo.PutUnit(domain.SellableUnit{ProductID: "gula", SKU: "SKU-GULA", Name: "Gula", UnitPrice: decimal.RequireFromString("20.00"), AvailableQty: 4, TracksInventory: true})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		soldKopi int
		soldGula int
	)
	for i := 0; i < 12; i++ {
		order := []string{"kopi", "gula"}
		if i%2 == 1 {
			order = []string{"gula", "kopi"}
		}
		c := f.cartWith(t, map[string]int{"kopi": 1, "gula": 1}, order...)
		pay := payCard(t, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.Checkout(context.Background(), &c, pay, opts())
			if err != nil {
				if !errors.Is(err, ErrInsufficientStock) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, line := range res.Sale.Lines {
				switch line.UnitID {
				case "kopi":
					soldKopi += line.Quantity
				case "gula":
					soldGula += line.Quantity
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, soldKopi, 5)
	assert.LessOrEqual(t, soldGula, 4)
	assert.Equal(t, 5-soldKopi, f.stock(t, "kopi"), "kopi stock matches committed sales")
	assert.Equal(t, 4-soldGula, f.stock(t, "gula"), "gula stock matches committed sales")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{ErrEmptyCart, KindValidation},
		{fmt.Errorf("wrap: %w", payment.ErrInsufficientCash), KindValidation},
		{&payment.AmountMismatchError{Remaining: decimal.NewFromInt(1)}, KindValidation},
		{&InsufficientStockError{}, KindStock},
		{fmt.Errorf("wrap: %w", ErrIdempotencyConflict), KindConflict},
		{&UnknownUnitError{}, KindNotFound},
		{&CommitFailedError{Stage: StageDebit, Err: ledger.ErrUnavailable}, KindCommit},
		{fmt.Errorf("debit: %w", ledger.ErrUnavailable), KindCommit},
		{store.ErrNotFound, KindNotFound},
		{context.DeadlineExceeded, KindCanceled},
		{errDiskFull, KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "error %v", tt.err)
	}
}
