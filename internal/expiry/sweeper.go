// Package expiry closes markets when their expiry time passes.
//
// Each created market gets a one-shot timer at its expiry. A cron sweep
// runs alongside the timers and closes any OPEN market whose expiry has
// passed, which covers markets created before a restart and timers that
// fired while the market lock was busy.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/opinion-engine/internal/model"
)

// DefaultSpec runs the sweep every 30 seconds.
const DefaultSpec = "*/30 * * * * *"

// Closer closes one market. trade.Service satisfies it.
type Closer interface {
	CloseMarket(ctx context.Context, marketID string) (*model.Market, error)
}

// Lister finds OPEN markets whose expiry is at or before now.
type Lister interface {
	ListExpiredMarkets(ctx context.Context, now time.Time) ([]string, error)
}

// Sweeper owns the expiry timers and the periodic sweep.
type Sweeper struct {
	closer  Closer
	lister  Lister
	cron    *cron.Cron
	spec    string
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	baseCtx context.Context
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSpec sets the cron schedule of the sweep (seconds field included).
func WithSpec(spec string) Option {
	return func(s *Sweeper) { s.spec = spec }
}

// WithTimeout bounds a single close attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.timeout = d }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper. It does nothing until Start is called,
// except that Schedule arms timers immediately.
func NewSweeper(closer Closer, lister Lister, opts ...Option) *Sweeper {
	s := &Sweeper{
		closer:  closer,
		lister:  lister,
		cron:    cron.New(cron.WithSeconds()),
		spec:    DefaultSpec,
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
		timers:  make(map[string]*time.Timer),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms a timer that closes marketID at at. A second call for the
// same market replaces the first timer.
func (s *Sweeper) Schedule(marketID string, at time.Time) {
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[marketID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A replacement armed after this timer fired owns the entry now.
		if s.timers[marketID] == t {
			delete(s.timers, marketID)
		}
		ctx := s.baseCtx
		s.mu.Unlock()
		s.close(ctx, marketID)
	})
	s.timers[marketID] = t
}

// Pending reports how many timers are armed.
func (s *Sweeper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Sweep closes every OPEN market whose expiry has passed and returns how
// many it closed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.lister.ListExpiredMarkets(ctx, s.now())
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		if s.close(ctx, id) {
			closed++
		}
	}
	return closed, nil
}

func (s *Sweeper) close(ctx context.Context, marketID string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.closer.CloseMarket(ctx, marketID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, model.ErrAlreadyResolved), errors.Is(err, model.ErrMarketNotFound):
		return false
	case model.IsRetryable(err):
		// the next sweep picks it up
		slog.Warn("expiry close deferred", "market", marketID, "err", err)
	default:
		slog.Error("expiry close failed", "market", marketID, "err", err)
	}
	return false
}

// Start registers the sweep, runs it once, and blocks until ctx is done.
// Armed timers are stopped on return.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.spec, func() {
		if n, err := s.Sweep(ctx); err != nil {
			slog.Error("expiry sweep failed", "err", err)
		} else if n > 0 {
			slog.Info("expiry sweep closed markets", "count", n)
		}
	}); err != nil {
		return err
	}

	if n, err := s.Sweep(ctx); err != nil {
		slog.Error("initial expiry sweep failed", "err", err)
	} else if n > 0 {
		slog.Info("initial expiry sweep closed markets", "count", n)
	}

	s.cron.Start()
	slog.Info("expiry sweeper started", "spec", s.spec)

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop halts the cron schedule, waits for a running sweep and disarms
// every timer.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	slog.Info("expiry sweeper stopped")
}
