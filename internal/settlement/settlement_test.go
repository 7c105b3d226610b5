package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/opinion-engine/internal/coord"
	"github.com/atmx/opinion-engine/internal/lock"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/settlement"
	"github.com/atmx/opinion-engine/internal/store"
	"github.com/atmx/opinion-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) (*settlement.Service, *store.MemoryStore, *coord.Coordinator) {
	t.Helper()
	ms := store.NewMemoryStore()
	c := coord.New(lock.NewKeyedMutex(), ms, time.Second)
	svc := settlement.NewService(c, settlement.WithClock(func() time.Time { return epoch }))
	return svc, ms, c
}

// seed writes a market in the given status plus users and positions
// directly to the store.
func seed(t *testing.T, ms *store.MemoryStore, status model.Status, positions ...model.Position) *model.Market {
	t.Helper()
	ctx := context.Background()
	m := &model.Market{
		ID:          "m1",
		Opinion:     "Dark mode is easier on the eyes",
		Description: "Resolved by survey",
		ExpiryTime:  epoch.Add(-time.Hour),
		YesPool:     d("500"),
		NoPool:      d("500"),
		FeePercent:  decimal.Zero,
		Status:      status,
		UserID:      "admin",
		CreatedAt:   epoch.Add(-48 * time.Hour),
	}
	err := ms.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: "admin", Balance: decimal.Zero}); err != nil {
			return err
		}
		if err := tx.CreateMarket(ctx, m); err != nil {
			return err
		}
		for _, p := range positions {
			if err := tx.CreateUser(ctx, &model.User{ID: p.UserID, Balance: d("100")}); err != nil {
				return err
			}
			p.MarketID = m.ID
			if err := tx.SavePosition(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func position(user, yes, no string) model.Position {
	return model.Position{UserID: user, YesShares: d(yes), NoShares: d(no)}
}

func balance(t *testing.T, ms *store.MemoryStore, user string) decimal.Decimal {
	t.Helper()
	u, err := ms.GetUser(context.Background(), user)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Balance
}

func TestResolve_MarksWinners(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seed(t, ms, model.StatusClosed,
		position("winner", "50", "0"),
		position("loser", "0", "30"),
		position("hedged", "5", "5"),
	)

	res, err := svc.Resolve(ctx, "m1", model.SideYes)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.WinningPositions != 2 {
		t.Errorf("winning positions = %d, want 2", res.WinningPositions)
	}
	if res.Market.Status != model.StatusResolved || res.Market.ResolvedOutcome == nil || *res.Market.ResolvedOutcome != model.SideYes {
		t.Errorf("market not resolved YES: %+v", res.Market)
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if m.Status != model.StatusResolved || m.ResolvedAt == nil || !m.ResolvedAt.Equal(epoch) {
		t.Errorf("stored market = %s resolved at %v", m.Status, m.ResolvedAt)
	}

	for user, want := range map[string]model.PayoutStatus{
		"winner": model.PayoutUnclaimed,
		"loser":  model.PayoutNone,
		"hedged": model.PayoutUnclaimed,
	} {
		p, _ := ms.GetPosition(ctx, user, "m1")
		if p.PayoutStatus != want {
			t.Errorf("%s: payout status %q, want %q", user, p.PayoutStatus, want)
		}
	}
}

func TestResolve_StateErrors(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seed(t, ms, model.StatusOpen)

	if _, err := svc.Resolve(ctx, "m1", model.SideYes); !errors.Is(err, model.ErrMarketStillOpen) {
		t.Fatalf("OPEN market: expected ErrMarketStillOpen, got %v", err)
	}
	m, _ := ms.GetMarket(ctx, "m1")
	if m.Status != model.StatusOpen || m.ResolvedOutcome != nil {
		t.Error("rejected resolution mutated the market")
	}

	if _, err := svc.Resolve(ctx, "m1", "MAYBE"); !errors.Is(err, model.ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "nope", model.SideNo); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestResolve_OnlyOnce(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seed(t, ms, model.StatusClosed)

	if _, err := svc.Resolve(ctx, "m1", "no"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := svc.Resolve(ctx, "m1", model.SideYes)
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	m, _ := ms.GetMarket(ctx, "m1")
	if *m.ResolvedOutcome != model.SideNo {
		t.Errorf("outcome changed to %s", *m.ResolvedOutcome)
	}
}

func TestClaim_ResolvedYes(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seed(t, ms, model.StatusClosed, position("u1", "50", "0"))

	if _, err := svc.Resolve(ctx, "m1", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	elig, err := svc.CheckEligibility(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !elig.Participated || elig.PayoutStatus != settlement.Eligible || !elig.PayoutAmount.Equal(d("50")) {
		t.Errorf("eligibility = %+v, want participated/ELIGIBLE/50", elig)
	}

	res, err := svc.Claim(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.AlreadyClaimed {
		t.Error("first claim should not report AlreadyClaimed")
	}
	if !res.PayoutAmount.Equal(d("50")) || res.PayoutStatus != model.PayoutClaimed {
		t.Errorf("claim = %s %s, want 50 CLAIMED", res.PayoutAmount, res.PayoutStatus)
	}
	if res.Balance == nil || !res.Balance.Equal(d("150")) {
		t.Errorf("result balance = %v, want 150", res.Balance)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d("150")) {
		t.Errorf("balance = %s, want 150", got)
	}

	p, _ := ms.GetPosition(ctx, "u1", "m1")
	if p.PayoutStatus != model.PayoutClaimed || p.PayoutAmount == nil || !p.PayoutAmount.Equal(d("50")) || p.ClaimedAt == nil {
		t.Errorf("position after claim = %+v", p)
	}

	elig, _ = svc.CheckEligibility(ctx, "m1", "u1")
	if elig.PayoutStatus != settlement.Claimed || !elig.PayoutAmount.Equal(d("50")) {
		t.Errorf("eligibility after claim = %+v", elig)
	}
}

func TestClaim_Idempotent(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seed(t, ms, model.StatusClosed, position("u1", "50", "0"))
	if _, err := svc.Resolve(ctx, "m1", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := svc.Claim(ctx, "m1", "u1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	second, err := svc.Claim(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	third, err := svc.Claim(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	for i, r := range []*settlement.ClaimResult{second, third} {
		if !r.AlreadyClaimed || !r.PayoutAmount.Equal(d("50")) || r.Balance != nil {
			t.Errorf("repeat claim #%d = %+v", i+2, r)
		}
	}
	if !second.ClaimedAt.Equal(third.ClaimedAt) {
		t.Error("repeat claims should report the same claim time")
	}
	if got := balance(t, ms, "u1"); !got.Equal(d("150")) {
		t.Errorf("balance = %s, want 150 after repeat claims", got)
	}
}

func TestClaim_ConcurrentPaysOnce(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seed(t, ms, model.StatusClosed, position("u1", "50", "0"))
	if _, err := svc.Resolve(ctx, "m1", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			res, err := svc.Claim(ctx, "m1", "u1")
			if err != nil {
				return err
			}
			if !res.AlreadyClaimed {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if fresh != 1 {
		t.Errorf("paid out %d times, want 1", fresh)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d("150")) {
		t.Errorf("balance = %s, want 150", got)
	}
}

func TestClaim_Rejections(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seed(t, ms, model.StatusClosed, position("loser", "0", "30"))

	if _, err := svc.Claim(ctx, "m1", "loser"); !errors.Is(err, model.ErrNotResolved) {
		t.Errorf("unresolved: expected ErrNotResolved, got %v", err)
	}

	if _, err := svc.Resolve(ctx, "m1", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := svc.Claim(ctx, "m1", "loser"); !errors.Is(err, model.ErrNotEligible) {
		t.Errorf("losing side: expected ErrNotEligible, got %v", err)
	}
	if _, err := svc.Claim(ctx, "m1", "stranger"); !errors.Is(err, model.ErrNotParticipated) {
		t.Errorf("no position: expected ErrNotParticipated, got %v", err)
	}
	if _, err := svc.Claim(ctx, "m1", ""); !errors.Is(err, model.ErrMissingUser) {
		t.Errorf("empty user: expected ErrMissingUser, got %v", err)
	}
	if got := balance(t, ms, "loser"); !got.Equal(d("100")) {
		t.Errorf("loser balance changed to %s", got)
	}

	elig, err := svc.CheckEligibility(ctx, "m1", "loser")
	if err != nil || !elig.Participated || elig.PayoutStatus != settlement.NotEligible || !elig.PayoutAmount.IsZero() {
		t.Errorf("loser eligibility = %+v, %v", elig, err)
	}
	elig, err = svc.CheckEligibility(ctx, "m1", "stranger")
	if err != nil || elig.Participated || elig.PayoutStatus != settlement.NotEligible {
		t.Errorf("stranger eligibility = %+v, %v", elig, err)
	}
}

func TestCheckEligibility_BeforeResolution(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seed(t, ms, model.StatusClosed, position("u1", "50", "0"))

	elig, err := svc.CheckEligibility(context.Background(), "m1", "u1")
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !elig.Participated || elig.PayoutStatus != settlement.NotEligible || elig.MarketStatus != model.StatusClosed {
		t.Errorf("eligibility = %+v", elig)
	}
}

// Full lifecycle through the trade engine: create, trade, close, resolve,
// claim.
func TestLifecycle(t *testing.T) {
	svc, ms, c := newTestEnv(t)
	ctx := context.Background()
	now := epoch
	engine := trade.NewService(c, trade.DefaultConfig(), trade.WithClock(func() time.Time { return now }))

	for user, bal := range map[string]string{"admin": "1000", "yes-fan": "200", "no-fan": "200"} {
		if _, err := engine.OpenAccount(ctx, user, d(bal)); err != nil {
			t.Fatalf("open %s: %v", user, err)
		}
	}
	m, err := engine.CreateMarket(ctx, trade.CreateMarketRequest{
		UserID:           "admin",
		Opinion:          "Spaces around operators",
		Description:      "Style guide vote",
		ExpiryTime:       now.Add(time.Hour),
		InitialLiquidity: d("1000"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	buy, err := engine.PlaceTrade(ctx, trade.TradeRequest{MarketID: m.ID, UserID: "yes-fan", Side: model.SideYes, Action: model.ActionBuy, Amount: d("100")})
	if err != nil {
		t.Fatalf("buy yes: %v", err)
	}
	if _, err := engine.PlaceTrade(ctx, trade.TradeRequest{MarketID: m.ID, UserID: "no-fan", Side: model.SideNo, Action: model.ActionBuy, Amount: d("100")}); err != nil {
		t.Fatalf("buy no: %v", err)
	}

	if _, err := svc.Resolve(ctx, m.ID, model.SideYes); !errors.Is(err, model.ErrMarketStillOpen) {
		t.Fatalf("resolve while open: expected ErrMarketStillOpen, got %v", err)
	}
	if _, err := engine.CloseMarket(ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Resolve(ctx, m.ID, model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := engine.CloseMarket(ctx, m.ID); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("close after resolve: expected ErrAlreadyResolved, got %v", err)
	}

	claim, err := svc.Claim(ctx, m.ID, "yes-fan")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claim.PayoutAmount.Equal(buy.Trade.AmountOut) {
		t.Errorf("payout = %s, want the %s YES shares bought", claim.PayoutAmount, buy.Trade.AmountOut)
	}
	if want := d("100").Add(buy.Trade.AmountOut); !balance(t, ms, "yes-fan").Equal(want) {
		t.Errorf("yes-fan balance = %s, want %s", balance(t, ms, "yes-fan"), want)
	}
	if _, err := svc.Claim(ctx, m.ID, "no-fan"); !errors.Is(err, model.ErrNotEligible) {
		t.Errorf("no-fan: expected ErrNotEligible, got %v", err)
	}
}
