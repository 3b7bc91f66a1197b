// Package redis stores parked carts in Redis. Each cart is a JSON value;
// sorted sets index carts by store and by advisory expiry. The value key is
// authoritative and an index entry without a value is ignored.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

const defaultPrefix = "pos:parked"

type ParkedCartStore struct {
	client *goredis.Client
	prefix string
}

func NewParkedCartStore(addr string, password string, db int) *ParkedCartStore {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &ParkedCartStore{client: client, prefix: defaultPrefix}
}

// WithPrefix returns a copy writing under a different key namespace.
func (s *ParkedCartStore) WithPrefix(prefix string) *ParkedCartStore {
	return &ParkedCartStore{client: s.client, prefix: prefix}
}

func (s *ParkedCartStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *ParkedCartStore) Close() error {
	return s.client.Close()
}

func (s *ParkedCartStore) cartKey(id string) string {
	return s.prefix + ":" + id
}

func (s *ParkedCartStore) storeIndex(storeID string) string {
	return s.prefix + ":idx:store:" + storeID
}

func (s *ParkedCartStore) allIndex() string {
	return s.prefix + ":idx:all"
}

func (s *ParkedCartStore) expiryIndex() string {
	return s.prefix + ":idx:expiry"
}

// createScript writes the value and its index entries in one step, so a
// failed create never leaves a value that List and the reaper cannot see.
// KEYS: value, all index, store index, expiry index.
// ARGV: payload, created score, expiry score or "", id.
var createScript = goredis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[4])
if ARGV[3] ~= '' then
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[4])
end
return 1
`)

func (s *ParkedCartStore) CreateParkedCart(ctx context.Context, parked domain.ParkedCart) error {
	if parked.ID == "" || len(parked.Lines) == 0 {
		return store.ErrInvalidRecord
	}
	payload, err := json.Marshal(parked)
	if err != nil {
		return err
	}

	expiry := ""
	if !parked.ExpiresAt.IsZero() {
		expiry = strconv.FormatInt(parked.ExpiresAt.UnixMilli(), 10)
	}
	keys := []string{s.cartKey(parked.ID), s.allIndex(), s.storeIndex(parked.StoreID), s.expiryIndex()}
	created, err := createScript.Run(ctx, s.client, keys,
		payload,
		strconv.FormatInt(parked.CreatedAt.UnixNano(), 10),
		expiry,
		parked.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("create parked cart %s: %w", parked.ID, err)
	}
	if created == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// PopParkedCart relies on GETDEL, so two concurrent pops cannot both
// receive the cart.
func (s *ParkedCartStore) PopParkedCart(ctx context.Context, parkedID string) (domain.ParkedCart, error) {
	raw, err := s.client.GetDel(ctx, s.cartKey(parkedID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.ParkedCart{}, store.ErrNotFound
	}
	if err != nil {
		return domain.ParkedCart{}, err
	}

	var parked domain.ParkedCart
	if err := json.Unmarshal(raw, &parked); err != nil {
		return domain.ParkedCart{}, fmt.Errorf("decode parked cart %s: %w", parkedID, err)
	}
	s.unindex(ctx, parked)
	return parked, nil
}

func (s *ParkedCartStore) ListParkedCarts(ctx context.Context, storeID string, terminalID string, limit int) ([]domain.ParkedCart, error) {
	if limit < 1 {
		limit = 200
	}
	index := s.allIndex()
	if storeID != "" {
		index = s.storeIndex(storeID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	items := make([]domain.ParkedCart, 0, min(len(ids), limit))
	if len(ids) == 0 {
		return items, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.cartKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var parked domain.ParkedCart
		if err := json.Unmarshal([]byte(raw), &parked); err != nil {
			return nil, fmt.Errorf("decode parked cart %s: %w", ids[i], err)
		}
		if terminalID != "" && parked.TerminalID != terminalID {
			continue
		}
		items = append(items, parked)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

func (s *ParkedCartStore) DeleteParkedCart(ctx context.Context, parkedID string) error {
	_, err := s.PopParkedCart(ctx, parkedID)
	return err
}

func (s *ParkedCartStore) DeleteParkedCartsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryIndex(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		_, err := s.PopParkedCart(ctx, id)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, store.ErrNotFound):
			s.client.ZRem(ctx, s.expiryIndex(), id)
		default:
			return removed, err
		}
	}
	return removed, nil
}

func (s *ParkedCartStore) unindex(ctx context.Context, parked domain.ParkedCart) {
	// Best effort: a stale entry is skipped by List and dropped by the reaper.
	_, _ = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, s.allIndex(), parked.ID)
		pipe.ZRem(ctx, s.storeIndex(parked.StoreID), parked.ID)
		pipe.ZRem(ctx, s.expiryIndex(), parked.ID)
		return nil
	})
}
