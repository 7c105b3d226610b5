// Package trade implements the trade execution engine: market creation and
// close, constant-product trade execution, quotes, and the read views over
// markets, positions and trades.
//
// Every mutation runs as one atomic unit through coord.Coordinator; events,
// metrics and logs are emitted only after the unit commits.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/amm"
	"github.com/atmx/opinion-engine/internal/coord"
	"github.com/atmx/opinion-engine/internal/metrics"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/money"
	"github.com/atmx/opinion-engine/internal/store"
)

// Config holds market-creation and listing defaults.
type Config struct {
	DefaultFeePercent    decimal.Decimal
	MinOpinionLength     int
	MinDescriptionLength int
	DefaultPageSize      int
	MaxPageSize          int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultFeePercent:    decimal.Zero,
		MinOpinionLength:     6,
		MinDescriptionLength: 5,
		DefaultPageSize:      10,
		MaxPageSize:          100,
	}
}

// Scheduler arranges for a market to be closed at its expiry.
type Scheduler interface {
	Schedule(marketID string, at time.Time)
}

// Service executes market operations.
type Service struct {
	coord     *coord.Coordinator
	store     store.Reader
	cfg       Config
	events    model.Publisher // optional
	scheduler Scheduler       // optional
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sends committed events to p.
func WithPublisher(p model.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new trade service.
func NewService(c *coord.Coordinator, cfg Config, opts ...Option) *Service {
	s := &Service{
		coord: c,
		store: c.Store(),
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetScheduler installs the expiry scheduler. The scheduler usually needs
// the Service itself, so it is attached after construction.
func (s *Service) SetScheduler(sch Scheduler) {
	s.scheduler = sch
}

func (s *Service) publish(e model.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// notFound rewrites a store miss as the domain error target.
func notFound(err, target error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", target, err)
	}
	return err
}

// --- Accounts ---

// OpenAccount creates a user with an opening balance.
func (s *Service) OpenAccount(ctx context.Context, userID string, balance decimal.Decimal) (*model.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, model.ErrMissingUser
	}
	if balance.IsNegative() || !money.FitsScale(balance) {
		return nil, model.ErrInvalidAmount
	}

	u := &model.User{ID: userID, Balance: balance, CreatedAt: s.now()}
	if err := s.coord.Run(ctx, func(tx store.Tx) error {
		return tx.CreateUser(ctx, u)
	}); err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}

	slog.Info("account opened", "user", userID, "balance", balance.String())
	return u, nil
}

// --- Market lifecycle ---

// CreateMarketRequest describes a new market.
type CreateMarketRequest struct {
	UserID           string           `json:"user_id"`
	Opinion          string           `json:"opinion"`
	Description      string           `json:"description"`
	ExpiryTime       time.Time        `json:"expiry_time"`
	InitialLiquidity decimal.Decimal  `json:"initial_liquidity"`
	FeePercent       *decimal.Decimal `json:"fee_percent,omitempty"` // nil → config default
}

func (s *Service) validateCreate(req *CreateMarketRequest, now time.Time) (amm.Pool, decimal.Decimal, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Opinion = strings.TrimSpace(req.Opinion)
	req.Description = strings.TrimSpace(req.Description)

	if req.UserID == "" {
		return amm.Pool{}, decimal.Zero, model.ErrMissingUser
	}
	if utf8.RuneCountInString(req.Opinion) < s.cfg.MinOpinionLength {
		return amm.Pool{}, decimal.Zero, fmt.Errorf("%w: opinion must be at least %d characters",
			model.ErrInvalidMarket, s.cfg.MinOpinionLength)
	}
	if utf8.RuneCountInString(req.Description) < s.cfg.MinDescriptionLength {
		return amm.Pool{}, decimal.Zero, fmt.Errorf("%w: description must be at least %d characters",
			model.ErrInvalidMarket, s.cfg.MinDescriptionLength)
	}
	if !req.ExpiryTime.After(now) {
		return amm.Pool{}, decimal.Zero, fmt.Errorf("%w: expiry time must be in the future", model.ErrInvalidMarket)
	}
	if err := amm.ValidateAmount(req.InitialLiquidity); err != nil {
		return amm.Pool{}, decimal.Zero, fmt.Errorf("initial liquidity: %w", err)
	}

	fee := s.cfg.DefaultFeePercent
	if req.FeePercent != nil {
		fee = *req.FeePercent
	}
	if err := amm.ValidateFee(fee); err != nil {
		return amm.Pool{}, decimal.Zero, err
	}

	pool, err := amm.Split(req.InitialLiquidity)
	if err != nil {
		return amm.Pool{}, decimal.Zero, err
	}
	return pool, fee, nil
}

// CreateMarket debits the creator by the initial liquidity, seeds the pool
// 50/50 and schedules the expiry close.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	now := s.now()
	pool, fee, err := s.validateCreate(&req, now)
	if err != nil {
		return nil, err
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		Opinion:     req.Opinion,
		Description: req.Description,
		ExpiryTime:  req.ExpiryTime.UTC(),
		YesPool:     pool.Yes,
		NoPool:      pool.No,
		FeePercent:  fee,
		Status:      model.StatusOpen,
		UserID:      req.UserID,
		CreatedAt:   now,
	}

	err = s.coord.Run(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(ctx, req.UserID)
		if err != nil {
			return notFound(err, model.ErrUserNotFound)
		}
		if u.Balance.LessThan(req.InitialLiquidity) {
			return fmt.Errorf("%w: balance %s, liquidity %s",
				model.ErrInsufficientBalance, u.Balance, req.InitialLiquidity)
		}
		if err := tx.UpdateUserBalance(ctx, u.ID, u.Balance.Sub(req.InitialLiquidity)); err != nil {
			return err
		}
		return tx.CreateMarket(ctx, market)
	})
	if err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	metrics.MarketsCreated.Inc()
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"id", market.ID,
		"creator", market.UserID,
		"liquidity", req.InitialLiquidity.String(),
		"fee_percent", fee.String(),
		"expiry", market.ExpiryTime,
	)

	yes, no := pool.Probability()
	s.publish(model.Event{
		Type:           model.EventMarketCreated,
		MarketID:       market.ID,
		UserID:         market.UserID,
		Status:         market.Status,
		YesPool:        market.YesPool.String(),
		NoPool:         market.NoPool.String(),
		ProbabilityYes: yes.String(),
		ProbabilityNo:  no.String(),
		At:             now,
	})

	if s.scheduler != nil {
		s.scheduler.Schedule(market.ID, market.ExpiryTime)
	}
	return market, nil
}

// CloseMarket moves an OPEN market to CLOSED. Closing an already CLOSED
// market succeeds without change; a RESOLVED market is rejected.
func (s *Service) CloseMarket(ctx context.Context, marketID string) (*model.Market, error) {
	var (
		market  *model.Market
		changed bool
	)
	err := s.coord.WithMarket(ctx, marketID, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return notFound(err, model.ErrMarketNotFound)
		}
		market = m

		switch m.Status {
		case model.StatusClosed:
			return nil
		case model.StatusResolved:
			return model.ErrAlreadyResolved
		}
		if err := m.Transition(model.StatusClosed); err != nil {
			return err
		}
		changed = true
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("close market %s: %w", marketID, err)
	}
	if !changed {
		return market, nil
	}

	metrics.MarketsClosed.Inc()
	metrics.ActiveMarkets.Dec()

	slog.Info("market closed", "id", marketID)

	s.publish(model.Event{
		Type:     model.EventMarketClosed,
		MarketID: marketID,
		Status:   market.Status,
		At:       s.now(),
	})
	return market, nil
}
