// Package parked suspends carts so a terminal can serve the next customer
// and resume them later. Parking never checks or reserves stock; lines may
// be out of stock by the time they are resumed and checkout decides.
package parked

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/metrics"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

var (
	ErrNothingToPark = errors.New("cannot park an empty cart")
	ErrMissingID     = errors.New("parked cart id is required")
)

const (
	defaultTTL       = 24 * time.Hour
	defaultListLimit = 200
	idPrefix         = "park"
)

// Metadata describes who parked the cart and for whom.
type Metadata struct {
	StoreID       string
	TerminalID    string
	Staff         domain.Actor
	CustomerName  string
	CustomerPhone string
	Note          string
}

type Service struct {
	backend store.ParkedCartStore
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

// WithTTL sets the advisory expiry stamped on parked carts. Nothing is
// removed when it passes until Reap runs.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
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

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New(backend store.ParkedCartStore, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		ttl:     defaultTTL,
		now:     time.Now,
		logger:  zap.NewNop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Park(ctx context.Context, c cart.Cart, meta Metadata) (domain.ParkedCart, error) {
	if c.IsEmpty() {
		return domain.ParkedCart{}, ErrNothingToPark
	}

	now := s.now().UTC()
	parked := domain.ParkedCart{
		ID:            xid.New(idPrefix),
		StoreID:       strings.TrimSpace(meta.StoreID),
		TerminalID:    strings.TrimSpace(meta.TerminalID),
		StaffID:       meta.Staff.ID,
		StaffName:     meta.Staff.Username,
		CustomerName:  strings.TrimSpace(meta.CustomerName),
		CustomerPhone: strings.TrimSpace(meta.CustomerPhone),
		Note:          strings.TrimSpace(meta.Note),
		Lines:         c.Lines(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.backend.CreateParkedCart(ctx, parked); err != nil {
		return domain.ParkedCart{}, fmt.Errorf("park cart: %w", err)
	}

	s.metrics.ParkedCarts.WithLabelValues("park").Inc()
	s.logger.Info("cart parked",
		zap.String("parked_id", parked.ID),
		zap.String("terminal_id", parked.TerminalID),
		zap.Int("lines", len(parked.Lines)),
	)
	return parked, nil
}

// Resume pops the parked cart. A second Resume for the same id returns
// store.ErrNotFound.
func (s *Service) Resume(ctx context.Context, parkedID string) (cart.Cart, domain.ParkedCart, error) {
	parkedID = strings.TrimSpace(parkedID)
	if parkedID == "" {
		return cart.Cart{}, domain.ParkedCart{}, ErrMissingID
	}
	if !xid.Valid(idPrefix, parkedID) {
		return cart.Cart{}, domain.ParkedCart{}, store.ErrNotFound
	}

	parked, err := s.backend.PopParkedCart(ctx, parkedID)
	if err != nil {
		return cart.Cart{}, domain.ParkedCart{}, err
	}

	s.metrics.ParkedCarts.WithLabelValues("resume").Inc()
	s.logger.Info("cart resumed", zap.String("parked_id", parked.ID), zap.String("terminal_id", parked.TerminalID))
	return cart.FromLines(parked.Lines), parked, nil
}

// List returns parked carts newest first. An empty terminalID lists the
// whole store.
func (s *Service) List(ctx context.Context, storeID string, terminalID string) ([]domain.ParkedCart, error) {
	items, err := s.backend.ListParkedCarts(ctx, strings.TrimSpace(storeID), strings.TrimSpace(terminalID), defaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("list parked carts: %w", err)
	}
	return items, nil
}

func (s *Service) Discard(ctx context.Context, parkedID string) error {
	parkedID = strings.TrimSpace(parkedID)
	if parkedID == "" {
		return ErrMissingID
	}
	if !xid.Valid(idPrefix, parkedID) {
		return store.ErrNotFound
	}
	if err := s.backend.DeleteParkedCart(ctx, parkedID); err != nil {
		return err
	}
	s.metrics.ParkedCarts.WithLabelValues("discard").Inc()
	s.logger.Info("parked cart discarded", zap.String("parked_id", parkedID))
	return nil
}

// Reap deletes carts whose advisory expiry is before now.
func (s *Service) Reap(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.backend.DeleteParkedCartsExpiredBefore(ctx, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("reap parked carts: %w", err)
	}
	if removed > 0 {
		s.metrics.ParkedCarts.WithLabelValues("expire").Add(float64(removed))
		s.logger.Info("expired parked carts removed", zap.Int("count", removed))
	}
	return removed, nil
}
