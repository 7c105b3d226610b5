package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, s *MemoryStore) *model.Market {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	m := &model.Market{
		ID:          "m1",
		Opinion:     "Pineapple belongs on pizza",
		Description: "Settled by poll",
		ExpiryTime:  now.Add(time.Hour),
		YesPool:     d("500"),
		NoPool:      d("500"),
		FeePercent:  decimal.Zero,
		Status:      model.StatusOpen,
		UserID:      "alice",
		CreatedAt:   now,
	}
	err := s.RunInTx(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: "alice", Balance: d("1000"), CreatedAt: now}); err != nil {
			return err
		}
		return tx.CreateMarket(ctx, m)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func TestMemoryStore_CommitOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx Tx) error {
		m, err := tx.LockMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.YesPool = d("400")
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		return tx.UpdateUserBalance(ctx, "alice", d("900"))
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if !m.YesPool.Equal(d("400")) {
		t.Errorf("yes pool = %s, want 400", m.YesPool)
	}
	u, _ := s.GetUser(ctx, "alice")
	if !u.Balance.Equal(d("900")) {
		t.Errorf("balance = %s, want 900", u.Balance)
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx Tx) error {
		if err := tx.UpdateUserBalance(ctx, "alice", d("1")); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &model.Trade{ID: "t1", MarketID: "m1"}); err != nil {
			return err
		}
		// Reads inside the unit see staged writes.
		u, err := tx.LockUser(ctx, "alice")
		if err != nil {
			return err
		}
		if !u.Balance.Equal(d("1")) {
			t.Errorf("staged balance = %s, want 1", u.Balance)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := s.GetUser(ctx, "alice")
	if !u.Balance.Equal(d("1000")) {
		t.Errorf("balance = %s after rollback, want 1000", u.Balance)
	}
	trades, _ := s.ListTrades(ctx, "m1", "")
	if len(trades) != 0 {
		t.Errorf("expected no trades after rollback, got %d", len(trades))
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.RunInTx(ctx, func(tx Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("fn should not run on a cancelled context")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetMarket(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMarket: expected ErrNotFound, got %v", err)
	}
	err := s.RunInTx(ctx, func(tx Tx) error {
		_, err := tx.LockPosition(ctx, "alice", "nope")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LockPosition: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CreateUserTwice(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx Tx) error {
		return tx.CreateUser(ctx, &model.User{ID: "alice"})
	})
	if !errors.Is(err, model.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	m, _ := s.GetMarket(ctx, "m1")
	m.YesPool = d("1")

	again, _ := s.GetMarket(ctx, "m1")
	if !again.YesPool.Equal(d("500")) {
		t.Errorf("mutating a read copy leaked into the store: %s", again.YesPool)
	}
}

func TestMemoryStore_ListMarkets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	err := s.RunInTx(ctx, func(tx Tx) error {
		for i, id := range []string{"a", "b", "c", "d", "e"} {
			creator := "alice"
			if i%2 == 1 {
				creator = "bob"
			}
			if err := tx.CreateMarket(ctx, &model.Market{
				ID: id, UserID: creator, Status: model.StatusOpen,
				ExpiryTime: base.Add(time.Duration(i) * time.Minute),
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	page, total, err := s.ListMarkets(ctx, MarketFilter{Offset: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].ID != "c" || page[1].ID != "d" {
		t.Errorf("page = %+v, want [c d]", page)
	}

	_, total, _ = s.ListMarkets(ctx, MarketFilter{CreatorID: "bob"})
	if total != 2 {
		t.Errorf("bob total = %d, want 2", total)
	}

	page, _, _ = s.ListMarkets(ctx, MarketFilter{Offset: 10, Limit: 2})
	if len(page) != 0 {
		t.Errorf("past-the-end page should be empty, got %d", len(page))
	}
	page, _, _ = s.ListMarkets(ctx, MarketFilter{Offset: -80, Limit: 2})
	if len(page) != 0 {
		t.Errorf("negative offset should yield an empty page, got %d", len(page))
	}

	expired, _ := s.ListExpiredMarkets(ctx, base.Add(90*time.Second))
	if len(expired) != 2 || expired[0] != "a" || expired[1] != "b" {
		t.Errorf("expired = %v, want [a b]", expired)
	}
}

func TestMemoryStore_MarkWinningPositions(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx Tx) error {
		for _, p := range []model.Position{
			{UserID: "alice", MarketID: "m1", YesShares: d("10"), NoShares: decimal.Zero},
			{UserID: "bob", MarketID: "m1", YesShares: decimal.Zero, NoShares: d("5")},
			{UserID: "carol", MarketID: "m1", YesShares: d("0.5"), NoShares: d("1")},
		} {
			p := p
			if err := tx.SavePosition(ctx, &p); err != nil {
				return err
			}
		}
		n, err := tx.MarkWinningPositions(ctx, "m1", model.SideYes)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("marked %d positions, want 2", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	for user, want := range map[string]model.PayoutStatus{
		"alice": model.PayoutUnclaimed,
		"bob":   model.PayoutNone,
		"carol": model.PayoutUnclaimed,
	} {
		p, err := s.GetPosition(ctx, user, "m1")
		if err != nil {
			t.Fatalf("get %s: %v", user, err)
		}
		if p.PayoutStatus != want {
			t.Errorf("%s payout status = %q, want %q", user, p.PayoutStatus, want)
		}
	}
}
