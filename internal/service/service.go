package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/checkout"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/parked"
	"kasirinaja/pos/internal/payment"
	"kasirinaja/pos/internal/receipt"
	"kasirinaja/pos/internal/store"
)

var (
	ErrTerminalRequired = errors.New("terminal id is required")
	ErrCartNotEmpty     = errors.New("terminal cart is not empty")
	ErrUnknownFormat    = errors.New("unknown receipt format")
)

const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatESCPOS = "escpos"

	receiptWidth = 32
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Deps struct {
	Catalog     store.Catalog
	Sales       store.SaleStore
	Coordinator *checkout.Coordinator
	Parked      *parked.Service
	Receipts    *receipt.Generator
}

// session is the in-memory state of one terminal. Its mutex serializes
// cart edits and checkout on that terminal; different terminals never wait
// on each other.
type session struct {
	mu   sync.Mutex
	cart cart.Cart
}

type Service struct {
	catalog         store.Catalog
	sales           store.SaleStore
	coordinator     *checkout.Coordinator
	parked          *parked.Service
	receipts        *receipt.Generator
	defaultStoreID  string
	checkoutTimeout time.Duration
	logger          *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Service)

func WithCheckoutTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.checkoutTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(deps Deps, defaultStoreID string, opts ...Option) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}

	s := &Service{
		catalog:         deps.Catalog,
		sales:           deps.Sales,
		coordinator:     deps.Coordinator,
		parked:          deps.Parked,
		receipts:        deps.Receipts,
		defaultStoreID:  defaultStoreID,
		checkoutTimeout: 15 * time.Second,
		logger:          zap.NewNop(),
		sessions:        make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) StoreID() string {
	return s.defaultStoreID
}

func (s *Service) session(terminalID string) (*session, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil, ErrTerminalRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[terminalID]
	if !ok {
		sess = &session{cart: cart.New()}
		s.sessions[terminalID] = sess
	}
	return sess, nil
}

type CartView struct {
	StoreID    string            `json:"store_id"`
	TerminalID string            `json:"terminal_id"`
	Lines      []domain.CartLine `json:"lines"`
	Totals     cart.Totals       `json:"totals"`
}

func (s *Service) view(terminalID string, c cart.Cart) CartView {
	lines := c.Lines()
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return CartView{
		StoreID:    s.defaultStoreID,
		TerminalID: strings.TrimSpace(terminalID),
		Lines:      lines,
		Totals:     c.Totals(),
	}
}

func (s *Service) ListUnits(ctx context.Context) ([]domain.SellableUnit, error) {
	return s.catalog.ListUnits(ctx)
}

func (s *Service) Cart(_ context.Context, terminalID string) (CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return CartView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return s.view(terminalID, sess.cart), nil
}

// AddItem adds one unit, checking against the catalog's current stock.
func (s *Service) AddItem(ctx context.Context, terminalID string, unitID string) (CartView, domain.CartLine, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return CartView{}, domain.CartLine{}, err
	}
	unit, err := s.catalog.GetUnit(ctx, strings.TrimSpace(unitID))
	if err != nil {
		return CartView{}, domain.CartLine{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	next, line, err := sess.cart.AddLine(unit)
	if err != nil {
		return s.view(terminalID, sess.cart), line, err
	}
	sess.cart = next
	return s.view(terminalID, sess.cart), line, nil
}

func (s *Service) SetQuantity(ctx context.Context, terminalID string, lineID string, quantity int) (CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return CartView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	line, ok := sess.cart.Line(lineID)
	if !ok {
		return s.view(terminalID, sess.cart), cart.ErrLineNotFound
	}

	var unit domain.SellableUnit
	if quantity > 0 {
		unit, err = s.catalog.GetUnit(ctx, line.UnitID)
		if err != nil {
			return s.view(terminalID, sess.cart), err
		}
	}
	next, err := sess.cart.SetQuantity(lineID, quantity, unit)
	if err != nil {
		return s.view(terminalID, sess.cart), err
	}
	sess.cart = next
	return s.view(terminalID, sess.cart), nil
}

func (s *Service) RemoveLine(_ context.Context, terminalID string, lineID string) (CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return CartView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	next, err := sess.cart.RemoveLine(lineID)
	if err != nil {
		return s.view(terminalID, sess.cart), err
	}
	sess.cart = next
	return s.view(terminalID, sess.cart), nil
}

func (s *Service) ClearCart(_ context.Context, terminalID string) (CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return CartView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.cart = sess.cart.Clear()
	return s.view(terminalID, sess.cart), nil
}

type PaymentRequest struct {
	Tenders      []domain.Tender  `json:"tenders"`
	CashReceived *decimal.Decimal `json:"cash_received,omitempty"`
}

type PaymentQuote struct {
	Total        decimal.Decimal  `json:"total"`
	Remaining    decimal.Decimal  `json:"remaining"`
	CashApplied  decimal.Decimal  `json:"cash_applied"`
	CashReceived *decimal.Decimal `json:"cash_received,omitempty"`
	Change       decimal.Decimal  `json:"change"`
}

// ValidatePayment checks tenders against the terminal's current total. The
// quote carries Remaining even when validation fails so the UI can pre-fill
// the next tender row.
func (s *Service) ValidatePayment(_ context.Context, terminalID string, req PaymentRequest) (PaymentQuote, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return PaymentQuote{}, err
	}

	sess.mu.Lock()
	total := sess.cart.Totals().Total
	sess.mu.Unlock()

	quote := PaymentQuote{Total: total, Remaining: payment.Remaining(req.Tenders, total)}
	validated, err := payment.Validate(req.Tenders, req.CashReceived, total)
	if err != nil {
		return quote, err
	}
	quote.CashApplied = validated.CashApplied
	quote.CashReceived = validated.CashReceived
	quote.Change = validated.Change
	if quote.Remaining.IsNegative() {
		quote.Remaining = decimal.Zero
	}
	return quote, nil
}

type CheckoutRequest struct {
	PaymentRequest
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Checkout validates the payment against the terminal cart and commits it.
// The terminal stays locked for the whole commit so the cart cannot change
// underneath it.
func (s *Service) Checkout(ctx context.Context, terminalID string, req CheckoutRequest) (checkout.Result, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return checkout.Result{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// With a key, an empty terminal may be a retry of a checkout that
	// already cleared it; the coordinator answers that from the stored sale.
	key := strings.TrimSpace(req.IdempotencyKey)
	var validated payment.Validated
	switch {
	case !sess.cart.IsEmpty():
		validated, err = payment.Validate(req.Tenders, req.CashReceived, sess.cart.Totals().Total)
		if err != nil {
			return checkout.Result{}, err
		}
	case key == "":
		return checkout.Result{}, checkout.ErrEmptyCart
	}

	actor, _ := ActorFromContext(ctx)
	ctx, cancel := context.WithTimeout(ctx, s.checkoutTimeout)
	defer cancel()

	res, err := s.coordinator.Checkout(ctx, &sess.cart, validated, checkout.Options{
		StoreID:        s.defaultStoreID,
		TerminalID:     strings.TrimSpace(terminalID),
		Operator:       actor,
		IdempotencyKey: key,
	})
	if err != nil && checkout.Classify(err) == checkout.KindInternal {
		s.logger.Error("checkout failed", zap.String("terminal_id", terminalID), zap.Error(err))
	}
	return res, err
}

type ParkRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Note          string `json:"note"`
}

// Park suspends the terminal cart and leaves the terminal empty.
func (s *Service) Park(ctx context.Context, terminalID string, req ParkRequest) (domain.ParkedCart, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return domain.ParkedCart{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	actor, _ := ActorFromContext(ctx)
	saved, err := s.parked.Park(ctx, sess.cart, parked.Metadata{
		StoreID:       s.defaultStoreID,
		TerminalID:    terminalID,
		Staff:         actor,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Note:          req.Note,
	})
	if err != nil {
		return domain.ParkedCart{}, err
	}
	sess.cart = sess.cart.Clear()
	return saved, nil
}

// Resume loads a parked cart into an empty terminal. The parked record is
// consumed; it can be resumed on any terminal of the store.
func (s *Service) Resume(ctx context.Context, terminalID string, parkedID string) (CartView, domain.ParkedCart, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return CartView{}, domain.ParkedCart{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.cart.IsEmpty() {
		return s.view(terminalID, sess.cart), domain.ParkedCart{}, ErrCartNotEmpty
	}

	resumed, meta, err := s.parked.Resume(ctx, parkedID)
	if err != nil {
		return s.view(terminalID, sess.cart), domain.ParkedCart{}, err
	}
	sess.cart = resumed
	return s.view(terminalID, sess.cart), meta, nil
}

func (s *Service) ListParked(ctx context.Context, storeID string, terminalID string) ([]domain.ParkedCart, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.parked.List(ctx, storeID, terminalID)
}

func (s *Service) DiscardParked(ctx context.Context, parkedID string) error {
	return s.parked.Discard(ctx, parkedID)
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrNotFound
	}
	return s.sales.GetSale(ctx, saleID)
}

type ReceiptView struct {
	Format   string            `json:"format"`
	Receipt  domain.Receipt    `json:"receipt"`
	Document *receipt.Document `json:"document,omitempty"`
	Text     string            `json:"text,omitempty"`
	ESCPOS   string            `json:"escpos_base64,omitempty"`
}

// Receipt returns the stored receipt of a sale in the requested format.
// Repeated calls for a sale return identical content.
func (s *Service) Receipt(ctx context.Context, saleID string, format string) (ReceiptView, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatJSON
	}
	switch format {
	case FormatJSON, FormatText, FormatESCPOS:
	default:
		return ReceiptView{}, ErrUnknownFormat
	}

	rec, err := s.receipts.Lookup(ctx, s.sales, saleID)
	if err != nil {
		return ReceiptView{}, err
	}

	doc := s.receipts.Format(rec)
	view := ReceiptView{Format: format, Receipt: rec}
	switch format {
	case FormatJSON:
		view.Document = &doc
	case FormatText:
		view.Text = receipt.RenderText(doc, receiptWidth)
	case FormatESCPOS:
		view.ESCPOS = base64.StdEncoding.EncodeToString(receipt.RenderESCPOS(doc, receiptWidth))
	}
	return view, nil
}
