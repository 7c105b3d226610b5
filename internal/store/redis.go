package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions go to the primary store and invalidate every market
// and user they wrote once the commit succeeds; reads check Redis first
// then fall back to the primary.
//
// Reads inside a transaction always hit the primary, so cached values
// only ever serve the public read views.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// liveMarketTTL caps how long an OPEN market stays cached. Its pools move
// on every trade, and a read that misses just before a commit can refill
// the key with the pre-commit row after invalidation.
const liveMarketTTL = 2 * time.Second

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var rec *recordingTx
	err := s.primary.RunInTx(ctx, func(tx Tx) error {
		// A retried primary transaction starts a fresh recording.
		rec = &recordingTx{Tx: tx}
		return fn(rec)
	})
	if err != nil || rec == nil {
		return err
	}

	// Invalidate after commit; the next read re-populates.
	if keys := rec.keys(); len(keys) > 0 {
		if err := s.rdb.Del(context.WithoutCancel(ctx), keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.get(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketKey(id), fresh, s.marketTTL(fresh))
	return fresh, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.get(ctx, userKey(id), &u) {
		return &u, nil
	}

	fresh, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, userKey(id), fresh, s.ttl)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, int, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) ListExpiredMarkets(ctx context.Context, now time.Time) ([]string, error) {
	return s.primary.ListExpiredMarkets(ctx, now)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, marketID)
}

func (s *CachedStore) ListTrades(ctx context.Context, marketID, userID string) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, marketID, userID)
}

func (s *CachedStore) ListFees(ctx context.Context, marketID string) ([]model.FeeRecord, error) {
	return s.primary.ListFees(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, ttl)
	}
}

// marketTTL is the configured TTL, capped for markets still trading.
func (s *CachedStore) marketTTL(m *model.Market) time.Duration {
	if m.Status == model.StatusOpen && (s.ttl <= 0 || s.ttl > liveMarketTTL) {
		return liveMarketTTL
	}
	return s.ttl
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }

// recordingTx forwards to the primary Tx and remembers which cached rows
// were written.
type recordingTx struct {
	Tx
	markets []string
	users   []string
}

func (r *recordingTx) keys() []string {
	keys := make([]string, 0, len(r.markets)+len(r.users))
	for _, id := range r.markets {
		keys = append(keys, marketKey(id))
	}
	for _, id := range r.users {
		keys = append(keys, userKey(id))
	}
	return keys
}

func (r *recordingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	r.markets = append(r.markets, m.ID)
	return r.Tx.CreateMarket(ctx, m)
}

func (r *recordingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	r.markets = append(r.markets, m.ID)
	return r.Tx.UpdateMarket(ctx, m)
}

func (r *recordingTx) CreateUser(ctx context.Context, u *model.User) error {
	r.users = append(r.users, u.ID)
	return r.Tx.CreateUser(ctx, u)
}

func (r *recordingTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	r.users = append(r.users, id)
	return r.Tx.UpdateUserBalance(ctx, id, balance)
}

var (
	_ Store = (*CachedStore)(nil)
	_ Tx    = (*recordingTx)(nil)
)
