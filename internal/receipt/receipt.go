// Package receipt projects committed sales into receipts and renders them.
package receipt

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

var ErrSaleIncomplete = errors.New("sale is missing id or lines")

var numberEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var hundred = decimal.NewFromInt(100)

type Config struct {
	// TaxRatePercent is the rate included in shelf prices, e.g. 11 for 11%.
	TaxRatePercent decimal.Decimal
	StoreName      string
	Footer         []string
}

type Generator struct {
	cfg    Config
	store  store.ReceiptStore
	logger *zap.Logger
}

func NewGenerator(cfg Config, receipts store.ReceiptStore, logger *zap.Logger) *Generator {
	if cfg.TaxRatePercent.IsNegative() {
		cfg.TaxRatePercent = decimal.Zero
	}
	if cfg.StoreName == "" {
		cfg.StoreName = "KasirinAja POS"
	}
	if len(cfg.Footer) == 0 {
		cfg.Footer = []string{"Terima kasih"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, store: receipts, logger: logger}
}

// Number derives the receipt number from the sale. The same sale always
// yields the same number.
func Number(sale domain.Sale) string {
	sum := blake2b.Sum256([]byte(sale.ID))
	code := numberEncoding.EncodeToString(sum[:])[:10]
	return fmt.Sprintf("RCP-%s-%s", sale.CreatedAt.UTC().Format("20060102"), code)
}

// Tax is the tax portion contained in amount at the configured rate.
func (g *Generator) Tax(amount decimal.Decimal) decimal.Decimal {
	rate := g.cfg.TaxRatePercent
	if rate.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(rate).Div(hundred.Add(rate)).Round(2)
}

// Build is the pure projection of a sale.
func (g *Generator) Build(sale domain.Sale) (domain.Receipt, error) {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return domain.Receipt{}, ErrSaleIncomplete
	}

	lines := make([]domain.ReceiptLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		lines = append(lines, domain.ReceiptLine{
			SKU:       line.SKU,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.Subtotal,
		})
	}
	tenders := make([]domain.Tender, len(sale.Tenders))
	copy(tenders, sale.Tenders)

	var received *decimal.Decimal
	if sale.CashReceived != nil {
		v := *sale.CashReceived
		received = &v
	}

	operator := sale.Operator.Username
	if operator == "" {
		operator = sale.Operator.ID
	}

	return domain.Receipt{
		Number:       Number(sale),
		SaleID:       sale.ID,
		IssuedAt:     sale.CreatedAt.UTC(),
		StoreID:      sale.StoreID,
		TerminalID:   sale.TerminalID,
		Operator:     operator,
		Lines:        lines,
		Subtotal:     sale.Subtotal,
		TaxRate:      g.cfg.TaxRatePercent,
		Tax:          g.Tax(sale.Subtotal),
		Total:        sale.Total,
		Tenders:      tenders,
		CashReceived: received,
		Change:       sale.Change,
	}, nil
}

// Generate builds the receipt and stores it if it is not stored yet. When a
// receipt already exists for the sale the stored copy is returned.
func (g *Generator) Generate(ctx context.Context, sale domain.Sale) (domain.Receipt, error) {
	built, err := g.Build(sale)
	if err != nil {
		return domain.Receipt{}, err
	}
	if g.store == nil {
		return built, nil
	}
	saved, err := g.store.SaveReceipt(ctx, built)
	if err != nil {
		return built, fmt.Errorf("save receipt %s: %w", built.Number, err)
	}
	if saved.Number != built.Number {
		g.logger.Warn("stored receipt number differs from derived number",
			zap.String("sale_id", sale.ID),
			zap.String("stored", saved.Number),
			zap.String("derived", built.Number),
		)
	}
	return saved, nil
}

// Lookup returns the stored receipt for a sale, generating it when needed.
func (g *Generator) Lookup(ctx context.Context, sales store.SaleStore, saleID string) (domain.Receipt, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Receipt{}, store.ErrNotFound
	}
	if g.store != nil {
		existing, err := g.store.GetReceiptBySale(ctx, saleID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Receipt{}, err
		}
	}
	sale, err := sales.GetSale(ctx, saleID)
	if err != nil {
		return domain.Receipt{}, err
	}
	return g.Generate(ctx, sale)
}
