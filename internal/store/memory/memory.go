package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

type stockRow struct {
	qty     int
	tracked bool
}

// Store keeps every record behind one mutex. The stock map is only changed
// under the write lock, which makes DebitStock a conditional update.
type Store struct {
	mu             sync.RWMutex
	units          map[string]domain.SellableUnit
	stock          map[string]stockRow
	salesByID      map[string]domain.Sale
	salesByIdem    map[string]string
	receiptsBySale map[string]domain.Receipt
	parkedByID     map[string]domain.ParkedCart
}

func New() *Store {
	return &Store{
		units:          make(map[string]domain.SellableUnit),
		stock:          make(map[string]stockRow),
		salesByID:      make(map[string]domain.Sale),
		salesByIdem:    make(map[string]string),
		receiptsBySale: make(map[string]domain.Receipt),
		parkedByID:     make(map[string]domain.ParkedCart),
	}
}

// NewSeeded returns a store with a small demo catalog for dev mode.
func NewSeeded() *Store {
	s := New()
	price := decimal.RequireFromString
	for _, u := range []domain.SellableUnit{
		{ProductID: "mie-goreng", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", UnitPrice: price("3500"), AvailableQty: 120, TracksInventory: true},
		{ProductID: "telur-10", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", UnitPrice: price("26500"), AvailableQty: 60, TracksInventory: true},
		{ProductID: "susu-uht", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", UnitPrice: price("18900"), AvailableQty: 48, TracksInventory: true},
		{ProductID: "kopi-sachet", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", UnitPrice: price("2600"), AvailableQty: 200, TracksInventory: true},
		{ProductID: "kaos-polos", VariantID: "m-hitam", SKU: "SKU-KAOS-M-HTM", Name: "Kaos Polos", UnitPrice: price("65000"), AvailableQty: 12, TracksInventory: true,
			Attributes: map[string]string{"size": "M", "color": "hitam"}},
		{ProductID: "kaos-polos", VariantID: "l-putih", SKU: "SKU-KAOS-L-PTH", Name: "Kaos Polos", UnitPrice: price("65000"), AvailableQty: 3, TracksInventory: true,
			Attributes: map[string]string{"size": "L", "color": "putih"}},
		{ProductID: "bungkus-kado", SKU: "SVC-KADO-01", Name: "Jasa Bungkus Kado", UnitPrice: price("5000"), TracksInventory: false},
	} {
		s.PutUnit(u)
	}
	return s
}

// PutUnit inserts or replaces a unit together with its stock row.
func (s *Store) PutUnit(unit domain.SellableUnit) {
	if unit.ID == "" {
		unit.ID = domain.UnitKey(unit.ProductID, unit.VariantID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit.ID] = cloneUnit(unit)
	s.stock[unit.ID] = stockRow{qty: unit.AvailableQty, tracked: unit.TracksInventory}
}

func (s *Store) GetUnit(_ context.Context, unitID string) (domain.SellableUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit, ok := s.units[unitID]
	if !ok {
		return domain.SellableUnit{}, store.ErrNotFound
	}
	return s.withStock(unit), nil
}

func (s *Store) ListUnits(_ context.Context) ([]domain.SellableUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SellableUnit, 0, len(s.units))
	for _, unit := range s.units {
		result = append(result, s.withStock(unit))
	}
	slices.SortFunc(result, func(a, b domain.SellableUnit) int {
		return cmpString(a.SKU, b.SKU)
	})
	return result, nil
}

func (s *Store) StockLevel(_ context.Context, unitID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.stock[unitID]
	if !ok {
		return 0, false, store.ErrNotFound
	}
	return row.qty, row.tracked, nil
}

func (s *Store) DebitStock(_ context.Context, unitID string, qty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.stock[unitID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if !row.tracked {
		return row.qty, nil
	}
	if row.qty < qty {
		return row.qty, store.ErrInsufficientStock
	}
	row.qty -= qty
	s.stock[unitID] = row
	return row.qty, nil
}

func (s *Store) CreditStock(_ context.Context, unitID string, qty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.stock[unitID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if !row.tracked {
		return row.qty, nil
	}
	row.qty += qty
	s.stock[unitID] = row
	return row.qty, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return store.ErrDuplicate
	}
	if sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
			return store.ErrDuplicate
		}
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	s.salesByID[sale.ID] = cloneSale(sale)
	return nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return domain.Sale{}, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, ok := s.salesByIdem[key]
	if !ok {
		return domain.Sale{}, store.ErrNotFound
	}
	return cloneSale(s.salesByID[saleID]), nil
}

func (s *Store) SaveReceipt(_ context.Context, receipt domain.Receipt) (domain.Receipt, error) {
	if receipt.SaleID == "" || receipt.Number == "" {
		return domain.Receipt{}, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.receiptsBySale[receipt.SaleID]; ok {
		return cloneReceipt(existing), nil
	}
	s.receiptsBySale[receipt.SaleID] = cloneReceipt(receipt)
	return cloneReceipt(receipt), nil
}

func (s *Store) GetReceiptBySale(_ context.Context, saleID string) (domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receiptsBySale[saleID]
	if !ok {
		return domain.Receipt{}, store.ErrNotFound
	}
	return cloneReceipt(receipt), nil
}

func (s *Store) CreateParkedCart(_ context.Context, parked domain.ParkedCart) error {
	if parked.ID == "" || len(parked.Lines) == 0 {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.parkedByID[parked.ID]; exists {
		return store.ErrDuplicate
	}
	s.parkedByID[parked.ID] = cloneParked(parked)
	return nil
}

func (s *Store) PopParkedCart(_ context.Context, parkedID string) (domain.ParkedCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parked, exists := s.parkedByID[parkedID]
	if !exists {
		return domain.ParkedCart{}, store.ErrNotFound
	}
	delete(s.parkedByID, parkedID)
	return cloneParked(parked), nil
}

func (s *Store) ListParkedCarts(_ context.Context, storeID string, terminalID string, limit int) ([]domain.ParkedCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ParkedCart, 0, len(s.parkedByID))
	for _, parked := range s.parkedByID {
		if storeID != "" && parked.StoreID != storeID {
			continue
		}
		if terminalID != "" && parked.TerminalID != terminalID {
			continue
		}
		result = append(result, cloneParked(parked))
	}
	slices.SortFunc(result, func(a, b domain.ParkedCart) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) DeleteParkedCart(_ context.Context, parkedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.parkedByID[parkedID]; !exists {
		return store.ErrNotFound
	}
	delete(s.parkedByID, parkedID)
	return nil
}

func (s *Store) DeleteParkedCartsExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, parked := range s.parkedByID {
		if !parked.ExpiresAt.IsZero() && parked.ExpiresAt.Before(cutoff) {
			delete(s.parkedByID, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) withStock(unit domain.SellableUnit) domain.SellableUnit {
	out := cloneUnit(unit)
	if row, ok := s.stock[unit.ID]; ok {
		out.AvailableQty = row.qty
		out.TracksInventory = row.tracked
	}
	return out
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneUnit(src domain.SellableUnit) domain.SellableUnit {
	dup := src
	if src.Attributes != nil {
		dup.Attributes = make(map[string]string, len(src.Attributes))
		for k, v := range src.Attributes {
			dup.Attributes[k] = v
		}
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	dup.Tenders = slices.Clone(src.Tenders)
	if src.CashReceived != nil {
		received := *src.CashReceived
		dup.CashReceived = &received
	}
	return dup
}

func cloneReceipt(src domain.Receipt) domain.Receipt {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	dup.Tenders = slices.Clone(src.Tenders)
	if src.CashReceived != nil {
		received := *src.CashReceived
		dup.CashReceived = &received
	}
	return dup
}

func cloneParked(src domain.ParkedCart) domain.ParkedCart {
	dup := src
	dup.Lines = domain.CloneLines(src.Lines)
	return dup
}
