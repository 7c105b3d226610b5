package trade

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/amm"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/store"
)

// MarketView is a market with its derived prices.
type MarketView struct {
	model.Market
	ProbabilityYes   decimal.Decimal `json:"probability_yes"`
	ProbabilityNo    decimal.Decimal `json:"probability_no"`
	PriceYes         decimal.Decimal `json:"price_yes"`
	PriceNo          decimal.Decimal `json:"price_no"`
	ImpliedLiquidity decimal.Decimal `json:"implied_liquidity"`
}

func viewOf(m model.Market) MarketView {
	pool := amm.PoolOf(&m)
	yes, no := pool.Probability()
	return MarketView{
		Market:           m,
		ProbabilityYes:   yes,
		ProbabilityNo:    no,
		PriceYes:         pool.SpotPrice(model.SideYes),
		PriceNo:          pool.SpotPrice(model.SideNo),
		ImpliedLiquidity: pool.ImpliedLiquidity(),
	}
}

// ListMarketsRequest selects one page of markets. Zero Page and Limit take
// the configured defaults.
type ListMarketsRequest struct {
	Page      int
	Limit     int
	CreatorID string
	Status    model.Status
}

// MarketPage is one page of markets.
type MarketPage struct {
	Markets    []MarketView `json:"markets"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	Total      int          `json:"total_markets"`
	TotalPages int          `json:"total_pages"`
}

// FeeSummary is a market's fee ledger with per-asset totals.
type FeeSummary struct {
	MarketID string                             `json:"market_id"`
	Records  []model.FeeRecord                  `json:"records"`
	Totals   map[model.FeeAsset]decimal.Decimal `json:"totals"`
}

// GetMarket returns a market with probability, spot prices and implied
// liquidity.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*MarketView, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, notFound(err, model.ErrMarketNotFound)
	}
	v := viewOf(*m)
	return &v, nil
}

// ListMarkets returns markets oldest first, paginated.
func (s *Service) ListMarkets(ctx context.Context, req ListMarketsRequest) (*MarketPage, error) {
	if req.Page < 0 || req.Limit < 0 {
		return nil, model.ErrInvalidPageRequest
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.Limit == 0 {
		req.Limit = s.cfg.DefaultPageSize
	}
	if s.cfg.MaxPageSize > 0 && req.Limit > s.cfg.MaxPageSize {
		req.Limit = s.cfg.MaxPageSize
	}
	if req.Status != "" && req.Status != model.StatusOpen && req.Status != model.StatusClosed && req.Status != model.StatusResolved {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidPageRequest, req.Status)
	}
	if req.Limit < 1 {
		return nil, model.ErrInvalidPageRequest
	}
	if req.Page-1 > math.MaxInt/req.Limit {
		return nil, fmt.Errorf("%w: page %d out of range", model.ErrInvalidPageRequest, req.Page)
	}

	markets, total, err := s.store.ListMarkets(ctx, store.MarketFilter{
		CreatorID: req.CreatorID,
		Status:    req.Status,
		Offset:    (req.Page - 1) * req.Limit,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, viewOf(m))
	}
	return &MarketPage{
		Markets:    views,
		Page:       req.Page,
		Limit:      req.Limit,
		Total:      total,
		TotalPages: (total + req.Limit - 1) / req.Limit,
	}, nil
}

func (s *Service) requireMarket(ctx context.Context, marketID string) error {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return notFound(err, model.ErrMarketNotFound)
	}
	return nil
}

// GetPositions returns every position in a market.
func (s *Service) GetPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	if err := s.requireMarket(ctx, marketID); err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// GetPosition returns one user's position in a market.
func (s *Service) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	p, err := s.store.GetPosition(ctx, userID, marketID)
	if err != nil {
		return nil, notFound(err, model.ErrNoPosition)
	}
	return p, nil
}

// GetTrades returns a market's trades, oldest first.
func (s *Service) GetTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.GetUserTrades(ctx, marketID, "")
}

// GetUserTrades returns one user's trades in a market. An empty userID
// returns all trades.
func (s *Service) GetUserTrades(ctx context.Context, marketID, userID string) ([]model.Trade, error) {
	if err := s.requireMarket(ctx, marketID); err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, marketID, userID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// GetUser returns a user and their balance.
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, notFound(err, model.ErrUserNotFound)
	}
	return u, nil
}

// GetFees returns a market's fee ledger.
func (s *Service) GetFees(ctx context.Context, marketID string) (*FeeSummary, error) {
	if err := s.requireMarket(ctx, marketID); err != nil {
		return nil, err
	}
	records, err := s.store.ListFees(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list fees: %w", err)
	}
	if records == nil {
		records = []model.FeeRecord{}
	}

	totals := make(map[model.FeeAsset]decimal.Decimal)
	for _, r := range records {
		totals[r.Asset] = totals[r.Asset].Add(r.Amount)
	}
	return &FeeSummary{MarketID: marketID, Records: records, Totals: totals}, nil
}
