package trade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/amm"
	"github.com/atmx/opinion-engine/internal/ledger"
	"github.com/atmx/opinion-engine/internal/metrics"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/store"
)

// TradeRequest is one BUY or SELL against a market's pool. Amount is
// currency on BUY and shares on SELL.
type TradeRequest struct {
	MarketID string          `json:"market_id"`
	UserID   string          `json:"user_id"`
	Side     model.Side      `json:"side"`
	Action   model.Action    `json:"action"`
	Amount   decimal.Decimal `json:"amount"`
}

// TradeResult is the committed outcome of PlaceTrade.
type TradeResult struct {
	Trade          model.Trade     `json:"trade"`
	Position       model.Position  `json:"position"`
	Balance        decimal.Decimal `json:"balance"`
	YesPool        decimal.Decimal `json:"yes_pool"`
	NoPool         decimal.Decimal `json:"no_pool"`
	ProbabilityYes decimal.Decimal `json:"probability_yes"`
	ProbabilityNo  decimal.Decimal `json:"probability_no"`
}

// QuoteResult previews a trade without executing it.
type QuoteResult struct {
	amm.Quote
	FeePercent     decimal.Decimal `json:"fee_percent"`
	ProbabilityYes decimal.Decimal `json:"probability_yes"`
	ProbabilityNo  decimal.Decimal `json:"probability_no"`
}

func validateTrade(req *TradeRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.MarketID = strings.TrimSpace(req.MarketID)
	req.Side = model.Side(strings.ToUpper(string(req.Side)))
	req.Action = model.Action(strings.ToUpper(string(req.Action)))

	if req.UserID == "" {
		return model.ErrMissingUser
	}
	if req.MarketID == "" {
		return fmt.Errorf("%w: market id is required", model.ErrInvalidMarket)
	}
	if !req.Side.Valid() {
		return model.ErrInvalidSide
	}
	if !req.Action.Valid() {
		return model.ErrInvalidAction
	}
	return amm.ValidateAmount(req.Amount)
}

// PlaceTrade executes a trade as one atomic unit under the market lock:
// pool, position, balance, trade record and fee record are written
// together or not at all.
func (s *Service) PlaceTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()
	res, err := s.placeTrade(ctx, req)
	metrics.TradeLatency.WithLabelValues(string(req.Action)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeRejections.WithLabelValues(model.KindOf(err).String()).Inc()
		return nil, err
	}
	return res, nil
}

func (s *Service) placeTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if err := validateTrade(&req); err != nil {
		return nil, err
	}

	var (
		result TradeResult
		quote  amm.Quote
	)
	err := s.coord.WithMarket(ctx, req.MarketID, func(tx store.Tx) error {
		now := s.now()

		m, err := tx.LockMarket(ctx, req.MarketID)
		if err != nil {
			return notFound(err, model.ErrMarketNotFound)
		}
		if !m.Tradable(now) {
			return fmt.Errorf("%w: status %s, expiry %s", model.ErrMarketClosed, m.Status, m.ExpiryTime.Format(time.RFC3339))
		}
		pool := amm.PoolOf(m)

		var (
			shareDelta decimal.Decimal
			cashDelta  decimal.Decimal
		)
		switch req.Action {
		case model.ActionBuy:
			u, err := tx.LockUser(ctx, req.UserID)
			if err != nil {
				return notFound(err, model.ErrUserNotFound)
			}
			if u.Balance.LessThan(req.Amount) {
				return fmt.Errorf("%w: balance %s, amount %s", model.ErrInsufficientBalance, u.Balance, req.Amount)
			}
			if quote, err = amm.QuoteBuy(pool, req.Side, req.Amount, m.FeePercent); err != nil {
				return err
			}
			shareDelta = quote.AmountOut
			cashDelta = req.Amount.Neg()
			result.Balance = u.Balance

		case model.ActionSell:
			p, err := tx.LockPosition(ctx, req.UserID, req.MarketID)
			if err != nil {
				return notFound(err, model.ErrPositionNotFound)
			}
			if held := p.Shares(req.Side); held.LessThan(req.Amount) {
				return fmt.Errorf("%w: hold %s %s, selling %s", model.ErrInsufficientShares, held, req.Side, req.Amount)
			}
			if quote, err = amm.QuoteSell(pool, req.Side, req.Amount, m.FeePercent); err != nil {
				return err
			}
			u, err := tx.LockUser(ctx, req.UserID)
			if err != nil {
				return notFound(err, model.ErrUserNotFound)
			}
			shareDelta = req.Amount.Neg()
			cashDelta = quote.AmountOut
			result.Balance = u.Balance
		}

		yesDelta, noDelta := ledger.Delta(req.Side, shareDelta)
		pos, err := ledger.UpsertIncrement(ctx, tx, req.UserID, req.MarketID, yesDelta, noDelta, now)
		if err != nil {
			return err
		}

		m.YesPool, m.NoPool = quote.After.Yes, quote.After.No
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		result.Balance = result.Balance.Add(cashDelta)
		if result.Balance.IsNegative() {
			return model.ErrInsufficientBalance
		}
		if err := tx.UpdateUserBalance(ctx, req.UserID, result.Balance); err != nil {
			return err
		}

		t := model.Trade{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			MarketID:  req.MarketID,
			Side:      req.Side,
			Action:    req.Action,
			AmountIn:  quote.AmountIn,
			AmountOut: quote.AmountOut,
			Fee:       quote.Fee,
			Price:     quote.Price,
			CreatedAt: now,
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return err
		}
		if quote.Fee.IsPositive() {
			if err := tx.InsertFee(ctx, &model.FeeRecord{
				ID:        uuid.New().String(),
				MarketID:  req.MarketID,
				TradeID:   t.ID,
				Asset:     model.FeeAssetFor(req.Action, req.Side),
				Amount:    quote.Fee,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		result.Trade = t
		result.Position = *pos
		result.YesPool, result.NoPool = m.YesPool, m.NoPool
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("place trade: %w", err)
	}

	result.ProbabilityYes, result.ProbabilityNo = quote.After.Probability()

	metrics.TradesTotal.WithLabelValues(string(req.Side), string(req.Action)).Inc()
	metrics.MarketVolume.WithLabelValues(req.MarketID, string(req.Side)).Add(req.Amount.InexactFloat64())
	if quote.Fee.IsPositive() {
		metrics.FeesCollected.WithLabelValues(string(model.FeeAssetFor(req.Action, req.Side))).Add(quote.Fee.InexactFloat64())
	}

	slog.Info("trade executed",
		"trade_id", result.Trade.ID,
		"user", req.UserID,
		"market", req.MarketID,
		"side", req.Side,
		"action", req.Action,
		"amount_in", quote.AmountIn.String(),
		"amount_out", quote.AmountOut.String(),
		"fee", quote.Fee.String(),
		"price", quote.Price.String(),
		"yes_pool", result.YesPool.String(),
		"no_pool", result.NoPool.String(),
	)

	s.publish(model.Event{
		Type:           model.EventTradeExecuted,
		MarketID:       req.MarketID,
		UserID:         req.UserID,
		Side:           req.Side,
		Action:         req.Action,
		AmountIn:       quote.AmountIn.String(),
		AmountOut:      quote.AmountOut.String(),
		YesPool:        result.YesPool.String(),
		NoPool:         result.NoPool.String(),
		ProbabilityYes: result.ProbabilityYes.String(),
		ProbabilityNo:  result.ProbabilityNo.String(),
		At:             result.Trade.CreatedAt,
	})

	return &result, nil
}

// Quote previews a trade against the market's committed pool using the
// same formula PlaceTrade applies. It takes no lock, so a concurrent trade
// may move the pool before the quote is acted on.
func (s *Service) Quote(ctx context.Context, marketID string, side model.Side, action model.Action, amount decimal.Decimal) (*QuoteResult, error) {
	req := TradeRequest{MarketID: marketID, UserID: "quote", Side: side, Action: action, Amount: amount}
	if err := validateTrade(&req); err != nil {
		return nil, err
	}

	m, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, notFound(err, model.ErrMarketNotFound)
	}
	if !m.Tradable(s.now()) {
		return nil, model.ErrMarketClosed
	}

	q, err := amm.Swap(amm.PoolOf(m), req.Side, req.Action, req.Amount, m.FeePercent)
	if err != nil {
		return nil, err
	}
	yes, no := q.After.Probability()
	return &QuoteResult{Quote: q, FeePercent: m.FeePercent, ProbabilityYes: yes, ProbabilityNo: no}, nil
}
