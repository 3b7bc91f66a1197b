package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

func openTestStore(t *testing.T) *ParkedCartStore {
	t.Helper()
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POS_TEST_REDIS_ADDR to run redis integration tests")
	}

	base := NewParkedCartStore(addr, os.Getenv("POS_TEST_REDIS_PASSWORD"), 0)
	require.NoError(t, base.Ping(context.Background()))
	t.Cleanup(func() {
		_ = base.Close()
	})
	return base.WithPrefix(fmt.Sprintf("pos-test:%d", time.Now().UnixNano()))
}

func parkedCart(id string, terminalID string, createdAt time.Time) domain.ParkedCart {
	return domain.ParkedCart{
		ID:         id,
		StoreID:    "main-store",
		TerminalID: terminalID,
		Lines: []domain.CartLine{{
			ID: "kopi", UnitID: "kopi", SKU: "SKU-KOPI", Name: "Kopi", Quantity: 2,
			UnitPrice: decimal.RequireFromString("2600"),
		}},
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
	}
}

func TestRedisPopIsSingleUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-1", "T1", now)))
	assert.ErrorIs(t, s.CreateParkedCart(ctx, parkedCart("p-1", "T1", now)), store.ErrDuplicate)

	popped, err := s.PopParkedCart(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, popped.Lines, 1)
	assert.Equal(t, 2, popped.Lines[0].Quantity)

	_, err = s.PopParkedCart(ctx, "p-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisListFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-old", "T1", now.Add(-time.Minute))))
	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-new", "T1", now)))
	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-other", "T2", now)))

	items, err := s.ListParkedCarts(ctx, "main-store", "T1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p-new", items[0].ID)
	assert.Equal(t, "p-old", items[1].ID)

	require.NoError(t, s.DeleteParkedCart(ctx, "p-new"))
	assert.ErrorIs(t, s.DeleteParkedCart(ctx, "p-new"), store.ErrNotFound)
}

func TestRedisExpiredCartsAreReaped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-stale", "T1", now.Add(-3*time.Hour))))
	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-fresh", "T1", now)))

	removed, err := s.DeleteParkedCartsExpiredBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	items, err := s.ListParkedCarts(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p-fresh", items[0].ID)
}

func TestRedisDuplicateCreateLeavesIndexesAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-a", "T1", now.Add(-time.Minute))))
	require.NoError(t, s.CreateParkedCart(ctx, parkedCart("p-b", "T1", now)))

	clash := parkedCart("p-a", "T9", now.Add(time.Minute))
	clash.StoreID = "branch-2"
	clash.ExpiresAt = time.Time{}
	require.ErrorIs(t, s.CreateParkedCart(ctx, clash), store.ErrDuplicate)

	items, err := s.ListParkedCarts(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p-b", items[0].ID)
	assert.Equal(t, "p-a", items[1].ID)
	assert.Equal(t, "T1", items[1].TerminalID, "first write wins")

	other, err := s.client.ZCard(ctx, s.storeIndex("branch-2")).Result()
	require.NoError(t, err)
	assert.Zero(t, other)

	expiring, err := s.client.ZCard(ctx, s.expiryIndex()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), expiring)
}
