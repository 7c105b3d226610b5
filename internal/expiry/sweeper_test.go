package expiry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/coord"
	"github.com/atmx/opinion-engine/internal/expiry"
	"github.com/atmx/opinion-engine/internal/lock"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/store"
	"github.com/atmx/opinion-engine/internal/trade"
)

type fakeCloser struct {
	mu     sync.Mutex
	closed []string
	err    error
	done   chan string
}

func (c *fakeCloser) CloseMarket(_ context.Context, id string) (*model.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.closed = append(c.closed, id)
	if c.done != nil {
		c.done <- id
	}
	return &model.Market{ID: id, Status: model.StatusClosed}, nil
}

type fakeLister []string

func (l fakeLister) ListExpiredMarkets(context.Context, time.Time) ([]string, error) {
	return l, nil
}

func TestScheduleFiresAtExpiry(t *testing.T) {
	closer := &fakeCloser{done: make(chan string, 1)}
	s := expiry.NewSweeper(closer, fakeLister(nil))

	s.Schedule("m1", time.Now().Add(10*time.Millisecond))

	select {
	case id := <-closer.done:
		if id != "m1" {
			t.Fatalf("closed %q, want m1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	// the timer removes itself after firing
	deadline := time.Now().Add(time.Second)
	for s.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d, want 0", s.Pending())
	}
}

func TestScheduleReplacesTimer(t *testing.T) {
	closer := &fakeCloser{}
	s := expiry.NewSweeper(closer, fakeLister(nil))
	defer s.Stop()

	s.Schedule("m1", time.Now().Add(time.Hour))
	s.Schedule("m1", time.Now().Add(2*time.Hour))
	s.Schedule("m2", time.Now().Add(time.Hour))

	if got := s.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
}

func TestRescheduleSurvivesFiredTimer(t *testing.T) {
	closer := &fakeCloser{}
	s := expiry.NewSweeper(closer, fakeLister(nil))
	defer s.Stop()

	const n = 200
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		s.Schedule(id, time.Now())
		s.Schedule(id, time.Now().Add(time.Hour))
	}
	// let every immediate timer that escaped Stop run its callback
	time.Sleep(200 * time.Millisecond)

	if got := s.Pending(); got != n {
		t.Errorf("pending = %d, want %d: a fired timer dropped its replacement", got, n)
	}
}

func TestStopDisarmsTimers(t *testing.T) {
	closer := &fakeCloser{}
	s := expiry.NewSweeper(closer, fakeLister(nil))

	s.Schedule("m1", time.Now().Add(50*time.Millisecond))
	s.Stop()
	time.Sleep(100 * time.Millisecond)

	closer.mu.Lock()
	defer closer.mu.Unlock()
	if len(closer.closed) != 0 {
		t.Errorf("closed %v after Stop", closer.closed)
	}
}

func TestSweepCountsClosedMarkets(t *testing.T) {
	closer := &fakeCloser{}
	s := expiry.NewSweeper(closer, fakeLister{"a", "b", "c"})

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("closed %d, want 3", n)
	}
}

func TestSweepSkipsFailedCloses(t *testing.T) {
	closer := &fakeCloser{err: model.ErrLockTimeout}
	s := expiry.NewSweeper(closer, fakeLister{"a"})

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("closed %d, want 0", n)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	closer := &fakeCloser{}
	s := expiry.NewSweeper(closer, fakeLister{"stale"}, expiry.WithSpec("@every 1h"))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	// the initial sweep runs before Start blocks
	deadline := time.Now().Add(2 * time.Second)
	for {
		closer.mu.Lock()
		n := len(closer.closed)
		closer.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial sweep did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := expiry.NewSweeper(&fakeCloser{}, fakeLister(nil), expiry.WithSpec("not a schedule"))
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestSweepClosesExpiredMarkets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ms := store.NewMemoryStore()
	svc := trade.NewService(coord.New(lock.NewKeyedMutex(), ms, time.Second), trade.DefaultConfig(),
		trade.WithClock(clock),
	)
	if _, err := svc.OpenAccount(ctx, "creator", decimal.NewFromInt(2000)); err != nil {
		t.Fatal(err)
	}
	create := func(ttl time.Duration) *model.Market {
		m, err := svc.CreateMarket(ctx, trade.CreateMarketRequest{
			UserID:           "creator",
			Opinion:          "Go generics were worth the wait",
			Description:      "Community vote",
			ExpiryTime:       now.Add(ttl),
			InitialLiquidity: decimal.NewFromInt(1000),
		})
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	short := create(time.Minute)
	long := create(time.Hour)

	now = now.Add(2 * time.Minute)
	s := expiry.NewSweeper(svc, ms, expiry.WithClock(clock))
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("closed %d, want 1", n)
	}

	got, _ := ms.GetMarket(ctx, short.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("short market status = %s, want CLOSED", got.Status)
	}
	got, _ = ms.GetMarket(ctx, long.ID)
	if got.Status != model.StatusOpen {
		t.Errorf("long market status = %s, want OPEN", got.Status)
	}

	// a second sweep finds nothing left to close
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("second sweep closed %d", n)
	}
	_, err = svc.PlaceTrade(ctx, trade.TradeRequest{
		MarketID: short.ID, UserID: "creator", Side: model.SideYes, Action: model.ActionBuy, Amount: decimal.NewFromInt(1),
	})
	if !errors.Is(err, model.ErrMarketClosed) {
		t.Errorf("trade on swept market: got %v, want ErrMarketClosed", err)
	}
}
