package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
)

type positionKey struct {
	userID   string
	marketID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction holds the store's write lock for its whole duration and
// stages writes in private maps that are applied only on success, so
// units are serialised and a failed unit leaves nothing behind.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	users     map[string]*model.User
	positions map[positionKey]*model.Position
	trades    []model.Trade
	fees      []model.FeeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		users:     make(map[string]*model.User),
		positions: make(map[positionKey]*model.Position),
	}
}

// RunInTx runs fn against a staging transaction and applies its writes
// only if fn succeeds and ctx is still live.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		markets:   make(map[string]*model.Market),
		users:     make(map[string]*model.User),
		positions: make(map[positionKey]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// --- Reader ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.CreatorID != "" && m.UserID != f.CreatorID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.Before(markets[j].CreatedAt)
	})

	total := len(markets)
	return paginate(markets, f.Offset, f.Limit), total, nil
}

func (s *MemoryStore) ListExpiredMarkets(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, m := range s.markets {
		if m.Status == model.StatusOpen && !m.ExpiryTime.After(now) {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{userID, marketID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.marketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].UserID < result[j].UserID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, marketID, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID != marketID {
			continue
		}
		if userID != "" && t.UserID != userID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) ListFees(_ context.Context, marketID string) ([]model.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FeeRecord
	for _, f := range s.fees {
		if f.MarketID == marketID {
			result = append(result, f)
		}
	}
	return result, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 || offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- Tx ---

// memTx stages writes; reads fall through to the committed maps. The
// parent store's write lock is held for the transaction's lifetime.
type memTx struct {
	s         *MemoryStore
	markets   map[string]*model.Market
	users     map[string]*model.User
	positions map[positionKey]*model.Position
	trades    []model.Trade
	fees      []model.FeeRecord
}

func (tx *memTx) commit() {
	for id, m := range tx.markets {
		tx.s.markets[id] = m
	}
	for id, u := range tx.users {
		tx.s.users[id] = u
	}
	for k, p := range tx.positions {
		tx.s.positions[k] = p
	}
	tx.s.trades = append(tx.s.trades, tx.trades...)
	tx.s.fees = append(tx.s.fees, tx.fees...)
}

func (tx *memTx) market(id string) (*model.Market, bool) {
	if m, ok := tx.markets[id]; ok {
		return m, true
	}
	m, ok := tx.s.markets[id]
	return m, ok
}

func (tx *memTx) user(id string) (*model.User, bool) {
	if u, ok := tx.users[id]; ok {
		return u, true
	}
	u, ok := tx.s.users[id]
	return u, ok
}

func (tx *memTx) position(k positionKey) (*model.Position, bool) {
	if p, ok := tx.positions[k]; ok {
		return p, true
	}
	p, ok := tx.s.positions[k]
	return p, ok
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := tx.market(id)
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (tx *memTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return tx.GetMarket(ctx, id)
}

func (tx *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.market(m.ID); ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	copy := *m
	tx.markets[m.ID] = &copy
	return nil
}

func (tx *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.market(m.ID); !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	copy := *m
	tx.markets[m.ID] = &copy
	return nil
}

func (tx *memTx) CreateUser(_ context.Context, u *model.User) error {
	if _, ok := tx.user(u.ID); ok {
		return fmt.Errorf("user %s: %w", u.ID, model.ErrUserExists)
	}
	copy := *u
	tx.users[u.ID] = &copy
	return nil
}

func (tx *memTx) LockUser(_ context.Context, id string) (*model.User, error) {
	u, ok := tx.user(id)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (tx *memTx) UpdateUserBalance(_ context.Context, id string, balance decimal.Decimal) error {
	u, ok := tx.user(id)
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	copy.Balance = balance
	tx.users[id] = &copy
	return nil
}

func (tx *memTx) LockPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	p, ok := tx.position(positionKey{userID, marketID})
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	copy := *p
	tx.positions[positionKey{p.UserID, p.MarketID}] = &copy
	return nil
}

func (tx *memTx) MarkWinningPositions(_ context.Context, marketID string, outcome model.Side) (int, error) {
	keys := make(map[positionKey]struct{})
	for k := range tx.s.positions {
		if k.marketID == marketID {
			keys[k] = struct{}{}
		}
	}
	for k := range tx.positions {
		if k.marketID == marketID {
			keys[k] = struct{}{}
		}
	}

	n := 0
	for k := range keys {
		p, _ := tx.position(k)
		if p.PayoutStatus != model.PayoutNone || !p.Shares(outcome).IsPositive() {
			continue
		}
		copy := *p
		copy.PayoutStatus = model.PayoutUnclaimed
		tx.positions[k] = &copy
		n++
	}
	return n, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) InsertFee(_ context.Context, f *model.FeeRecord) error {
	tx.fees = append(tx.fees, *f)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
