// Package cart holds the terminal-local line collection. A Cart is a value:
// every mutation returns the resulting cart, and a rejected mutation returns
// the prior value together with the reason.
package cart

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

var (
	ErrUnavailable  = errors.New("unit is out of stock")
	ErrExceedsStock = errors.New("quantity exceeds available stock")
	ErrLineNotFound = errors.New("cart line not found")
	ErrUnitMismatch = errors.New("unit does not belong to cart line")
)

// StockLimitError carries the numbers behind ErrExceedsStock.
type StockLimitError struct {
	LineID    string
	Requested int
	Available int
}

func (e *StockLimitError) Error() string {
	return fmt.Sprintf("line %s: requested %d, only %d available", e.LineID, e.Requested, e.Available)
}

func (e *StockLimitError) Unwrap() error {
	return ErrExceedsStock
}

type Totals struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	Total     decimal.Decimal `json:"total"`
	ItemCount int             `json:"item_count"`
}

type Cart struct {
	lines []domain.CartLine
}

func New() Cart {
	return Cart{}
}

// FromLines rebuilds a cart from a stored snapshot, dropping lines that
// could never have been produced by the mutation API.
func FromLines(lines []domain.CartLine) Cart {
	out := make([]domain.CartLine, 0, len(lines))
	for _, line := range domain.CloneLines(lines) {
		if line.ID == "" || line.Quantity <= 0 {
			continue
		}
		out = append(out, line)
	}
	return Cart{lines: out}
}

func (c Cart) Len() int {
	return len(c.lines)
}

func (c Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// Lines returns a copy; mutating it does not affect the cart.
func (c Cart) Lines() []domain.CartLine {
	return domain.CloneLines(c.lines)
}

func (c Cart) Line(lineID string) (domain.CartLine, bool) {
	idx := c.index(lineID)
	if idx < 0 {
		return domain.CartLine{}, false
	}
	return domain.CloneLines(c.lines[idx : idx+1])[0], true
}

// AddLine adds one unit. An existing line for the same unit is incremented
// by one as long as the unit snapshot can supply the new quantity.
func (c Cart) AddLine(unit domain.SellableUnit) (Cart, domain.CartLine, error) {
	lineID := unit.ID
	if lineID == "" {
		lineID = domain.UnitKey(unit.ProductID, unit.VariantID)
	}

	if idx := c.index(lineID); idx >= 0 {
		next := c.lines[idx].Quantity + 1
		if !unit.CanSupply(next) {
			return c, c.lines[idx], &StockLimitError{LineID: lineID, Requested: next, Available: unit.AvailableQty}
		}
		updated := c.withLines()
		updated.lines[idx].Quantity = next
		return updated, updated.lines[idx], nil
	}

	if !unit.CanSupply(1) {
		return c, domain.CartLine{}, fmt.Errorf("%w: %s", ErrUnavailable, unit.SKU)
	}

	line := domain.CartLine{
		ID:         lineID,
		UnitID:     lineID,
		ProductID:  unit.ProductID,
		VariantID:  unit.VariantID,
		SKU:        unit.SKU,
		Name:       unit.Name,
		ImageURL:   unit.ImageURL,
		Attributes: copyAttributes(unit.Attributes),
		Quantity:   1,
		UnitPrice:  unit.UnitPrice,
	}
	updated := c.withLines()
	updated.lines = append(updated.lines, line)
	return updated, line, nil
}

// SetQuantity replaces the quantity of a line. A quantity of zero or less
// removes the line.
func (c Cart) SetQuantity(lineID string, quantity int, unit domain.SellableUnit) (Cart, error) {
	idx := c.index(lineID)
	if idx < 0 {
		return c, ErrLineNotFound
	}
	if quantity <= 0 {
		return c.RemoveLine(lineID)
	}
	if unit.ID != "" && unit.ID != c.lines[idx].UnitID {
		return c, ErrUnitMismatch
	}
	if !unit.CanSupply(quantity) {
		return c, &StockLimitError{LineID: lineID, Requested: quantity, Available: unit.AvailableQty}
	}

	updated := c.withLines()
	updated.lines[idx].Quantity = quantity
	return updated, nil
}

func (c Cart) RemoveLine(lineID string) (Cart, error) {
	idx := c.index(lineID)
	if idx < 0 {
		return c, ErrLineNotFound
	}
	lines := make([]domain.CartLine, 0, len(c.lines)-1)
	lines = append(lines, c.lines[:idx]...)
	lines = append(lines, c.lines[idx+1:]...)
	return Cart{lines: domain.CloneLines(lines)}, nil
}

func (c Cart) Clear() Cart {
	return Cart{}
}

// Totals is a pure function of the lines. No tax is added here.
func (c Cart) Totals() Totals {
	subtotal := decimal.Zero
	items := 0
	for _, line := range c.lines {
		subtotal = subtotal.Add(line.Subtotal())
		items += line.Quantity
	}
	subtotal = subtotal.Round(2)
	return Totals{Subtotal: subtotal, Total: subtotal, ItemCount: items}
}

func (c Cart) index(lineID string) int {
	for i, line := range c.lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

func (c Cart) withLines() Cart {
	return Cart{lines: domain.CloneLines(c.lines)}
}

func copyAttributes(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
