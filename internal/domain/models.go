package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TenderCash    = "cash"
	TenderCard    = "card"
	TenderQRIS    = "qris"
	TenderEWallet = "ewallet"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// UnitKey builds the identifier of a sellable unit. A product without
// variants is sold under its own id.
func UnitKey(productID string, variantID string) string {
	if variantID == "" {
		return productID
	}
	return productID + ":" + variantID
}

type SellableUnit struct {
	ID              string            `json:"id"`
	ProductID       string            `json:"product_id"`
	VariantID       string            `json:"variant_id,omitempty"`
	SKU             string            `json:"sku"`
	Name            string            `json:"name"`
	ImageURL        string            `json:"image_url,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	UnitPrice       decimal.Decimal   `json:"unit_price"`
	AvailableQty    int               `json:"available_qty"`
	TracksInventory bool              `json:"tracks_inventory"`
}

// CanSupply reports whether qty units can be sold from the snapshot.
func (u SellableUnit) CanSupply(qty int) bool {
	return !u.TracksInventory || u.AvailableQty >= qty
}

type CartLine struct {
	ID         string            `json:"id"`
	UnitID     string            `json:"unit_id"`
	ProductID  string            `json:"product_id"`
	VariantID  string            `json:"variant_id,omitempty"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	ImageURL   string            `json:"image_url,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Quantity   int               `json:"quantity"`
	UnitPrice  decimal.Decimal   `json:"unit_price"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Tender struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type SaleLine struct {
	LineID    string          `json:"line_id"`
	UnitID    string          `json:"unit_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Sale is the committed transaction. It is never modified after it is stored.
type Sale struct {
	ID             string           `json:"id"`
	StoreID        string           `json:"store_id"`
	TerminalID     string           `json:"terminal_id"`
	Operator       Actor            `json:"operator"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Lines          []SaleLine       `json:"lines"`
	Subtotal       decimal.Decimal  `json:"subtotal"`
	Tax            decimal.Decimal  `json:"tax"`
	Total          decimal.Decimal  `json:"total"`
	Tenders        []Tender         `json:"tenders"`
	CashReceived   *decimal.Decimal `json:"cash_received,omitempty"`
	Change         decimal.Decimal  `json:"change"`
	CreatedAt      time.Time        `json:"created_at"`
}

type ReceiptLine struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Receipt struct {
	Number       string           `json:"number"`
	SaleID       string           `json:"sale_id"`
	IssuedAt     time.Time        `json:"issued_at"`
	StoreID      string           `json:"store_id"`
	TerminalID   string           `json:"terminal_id"`
	Operator     string           `json:"operator"`
	Lines        []ReceiptLine    `json:"lines"`
	Subtotal     decimal.Decimal  `json:"subtotal"`
	TaxRate      decimal.Decimal  `json:"tax_rate_percent"`
	Tax          decimal.Decimal  `json:"tax"`
	Total        decimal.Decimal  `json:"total"`
	Tenders      []Tender         `json:"tenders"`
	CashReceived *decimal.Decimal `json:"cash_received,omitempty"`
	Change       decimal.Decimal  `json:"change"`
}

type ParkedCart struct {
	ID            string     `json:"id"`
	StoreID       string     `json:"store_id"`
	TerminalID    string     `json:"terminal_id"`
	StaffID       string     `json:"staff_id"`
	StaffName     string     `json:"staff_name,omitempty"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	Note          string     `json:"note,omitempty"`
	Lines         []CartLine `json:"lines"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func CloneLines(src []CartLine) []CartLine {
	if src == nil {
		return nil
	}
	out := make([]CartLine, len(src))
	for i, line := range src {
		out[i] = line
		if line.Attributes != nil {
			attrs := make(map[string]string, len(line.Attributes))
			for k, v := range line.Attributes {
				attrs[k] = v
			}
			out[i].Attributes = attrs
		}
	}
	return out
}
