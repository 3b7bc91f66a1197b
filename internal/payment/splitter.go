// Package payment validates split tenders against an order total.
package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

// Epsilon is the reconciliation tolerance in currency units.
var Epsilon = decimal.RequireFromString("0.01")

var (
	ErrNegativeAmount   = errors.New("tender amount must not be negative")
	ErrUnknownMethod    = errors.New("unsupported tender method")
	ErrAmountMismatch   = errors.New("tendered amount does not match order total")
	ErrInsufficientCash = errors.New("cash received is less than the cash tender")
)

type AmountMismatchError struct {
	Remaining decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("%s: remaining %s", ErrAmountMismatch.Error(), e.Remaining.StringFixed(2))
}

func (e *AmountMismatchError) Unwrap() error {
	return ErrAmountMismatch
}

type InsufficientCashError struct {
	CashAmount decimal.Decimal
	Received   decimal.Decimal
}

func (e *InsufficientCashError) Error() string {
	return fmt.Sprintf("%s: tender %s, received %s", ErrInsufficientCash.Error(), e.CashAmount.StringFixed(2), e.Received.StringFixed(2))
}

func (e *InsufficientCashError) Unwrap() error {
	return ErrInsufficientCash
}

// Validated is a tender set that reconciled against Total.
type Validated struct {
	Tenders      []domain.Tender
	Total        decimal.Decimal
	HasCash      bool
	CashTendered decimal.Decimal
	CashApplied  decimal.Decimal
	CashReceived *decimal.Decimal
	Change       decimal.Decimal

	// cashReceivedInput is what the caller supplied, kept so the set can be
	// validated again from scratch.
	cashReceivedInput *decimal.Decimal
}

// Revalidate runs Validate again with the original inputs against total.
func (v Validated) Revalidate(total decimal.Decimal) (Validated, error) {
	return Validate(v.Tenders, v.cashReceivedInput, total)
}

// Validate checks the tenders against total. cashReceived may be nil, in
// which case the cash tenders are taken as the exact cash handed over.
func Validate(tenders []domain.Tender, cashReceived *decimal.Decimal, total decimal.Decimal) (Validated, error) {
	normalized := Normalize(tenders)

	sum := decimal.Zero
	nonCash := decimal.Zero
	cash := decimal.Zero
	hasCash := false
	for _, tender := range normalized {
		if tender.Amount.IsNegative() {
			return Validated{}, fmt.Errorf("%w: %s %s", ErrNegativeAmount, tender.Method, tender.Amount.String())
		}
		if !IsSupportedMethod(tender.Method) {
			return Validated{}, fmt.Errorf("%w: %q", ErrUnknownMethod, tender.Method)
		}
		sum = sum.Add(tender.Amount)
		if tender.Method == domain.TenderCash {
			hasCash = true
			cash = cash.Add(tender.Amount)
		} else {
			nonCash = nonCash.Add(tender.Amount)
		}
	}

	if !reconciles(sum, nonCash, cash, hasCash, total) {
		return Validated{}, &AmountMismatchError{Remaining: total.Sub(sum).Round(2)}
	}

	result := Validated{
		Tenders:           normalized,
		Total:             total,
		HasCash:           hasCash,
		cashReceivedInput: copyDecimal(cashReceived),
	}
	if !hasCash {
		result.CashTendered = decimal.Zero
		result.CashApplied = decimal.Zero
		result.Change = decimal.Zero
		return result, nil
	}

	received := cash
	if cashReceived != nil {
		received = *cashReceived
	}
	if received.LessThan(cash) {
		return Validated{}, &InsufficientCashError{CashAmount: cash, Received: received}
	}

	applied := total.Sub(nonCash)
	if applied.GreaterThan(cash) {
		applied = cash
	}
	change := received.Sub(applied)
	if change.IsNegative() {
		change = decimal.Zero
	}

	result.CashTendered = cash
	result.CashApplied = applied.Round(2)
	result.CashReceived = &received
	result.Change = change.Round(2)
	return result, nil
}

// Remaining is the amount still to allocate, used to pre-fill the next
// tender row. Validation never relies on it.
func Remaining(tenders []domain.Tender, total decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, tender := range tenders {
		sum = sum.Add(tender.Amount)
	}
	return total.Sub(sum).Round(2)
}

func Normalize(tenders []domain.Tender) []domain.Tender {
	out := make([]domain.Tender, 0, len(tenders))
	for _, tender := range tenders {
		out = append(out, domain.Tender{
			Method:    strings.ToLower(strings.TrimSpace(tender.Method)),
			Amount:    tender.Amount,
			Reference: strings.TrimSpace(tender.Reference),
		})
	}
	return out
}

func IsSupportedMethod(method string) bool {
	switch method {
	case domain.TenderCash, domain.TenderCard, domain.TenderQRIS, domain.TenderEWallet:
		return true
	default:
		return false
	}
}

// reconciles applies the epsilon rule. When cash is present, a cash tender
// larger than what is still owed is accepted: the excess is change.
func reconciles(sum, nonCash, cash decimal.Decimal, hasCash bool, total decimal.Decimal) bool {
	if WithinEpsilon(sum, total) {
		return true
	}
	if !hasCash || sum.LessThan(total) {
		return false
	}
	owed := total.Sub(nonCash)
	return owed.IsPositive() && cash.GreaterThan(owed)
}

func WithinEpsilon(a decimal.Decimal, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Epsilon)
}

func copyDecimal(src *decimal.Decimal) *decimal.Decimal {
	if src == nil {
		return nil
	}
	dup := *src
	return &dup
}
