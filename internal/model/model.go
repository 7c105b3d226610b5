// Package model defines the core domain types shared across the opinion
// market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a share pays out on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Action is the direction of a trade.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

func (a Action) Valid() bool { return a == ActionBuy || a == ActionSell }

// Status is the market lifecycle state. It only moves forward:
// OPEN -> CLOSED -> RESOLVED.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClosed   Status = "CLOSED"
	StatusResolved Status = "RESOLVED"
)

func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusClosed:
		return 1
	case StatusResolved:
		return 2
	}
	return -1
}

// PayoutStatus tracks a position's settlement state. The zero value means
// the position is not eligible for a payout.
type PayoutStatus string

const (
	PayoutNone      PayoutStatus = ""
	PayoutUnclaimed PayoutStatus = "UNCLAIMED"
	PayoutClaimed   PayoutStatus = "CLAIMED"
)

// Market is a binary opinion market backed by a constant-product pool.
// Invariant: ResolvedOutcome is nil iff Status != RESOLVED.
type Market struct {
	ID              string          `json:"id" db:"id"`
	Opinion         string          `json:"opinion" db:"opinion"`
	Description     string          `json:"description" db:"description"`
	ExpiryTime      time.Time       `json:"expiry_time" db:"expiry_time"`
	YesPool         decimal.Decimal `json:"yes_pool" db:"yes_pool"`
	NoPool          decimal.Decimal `json:"no_pool" db:"no_pool"`
	FeePercent      decimal.Decimal `json:"fee_percent" db:"fee_percent"`
	Status          Status          `json:"status" db:"status"`
	ResolvedOutcome *Side           `json:"resolved_outcome" db:"resolved_outcome"`
	UserID          string          `json:"user_id" db:"user_id"` // creator
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Pools returns the reserve for side s and for its complement.
func (m *Market) Pools(s Side) (own, other decimal.Decimal) {
	if s == SideYes {
		return m.YesPool, m.NoPool
	}
	return m.NoPool, m.YesPool
}

// Tradable reports whether trades may execute at time now.
func (m *Market) Tradable(now time.Time) bool {
	return m.Status == StatusOpen && now.Before(m.ExpiryTime)
}

// Transition moves the market to next, enforcing monotonic status.
func (m *Market) Transition(next Status) error {
	cur := m.Status.rank()
	if cur < 0 || next.rank() != cur+1 {
		return ErrInvalidTransition
	}
	m.Status = next
	return nil
}

// Position is a user's share holdings in one market. Unique on
// (UserID, MarketID); created on first trade and never deleted.
type Position struct {
	UserID       string           `json:"user_id" db:"user_id"`
	MarketID     string           `json:"market_id" db:"market_id"`
	YesShares    decimal.Decimal  `json:"yes_shares" db:"yes_shares"`
	NoShares     decimal.Decimal  `json:"no_shares" db:"no_shares"`
	PayoutStatus PayoutStatus     `json:"payout_status,omitempty" db:"payout_status"`
	PayoutAmount *decimal.Decimal `json:"payout_amount,omitempty" db:"payout_amount"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty" db:"claimed_at"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// Shares returns the holding on side s.
func (p *Position) Shares(s Side) decimal.Decimal {
	if s == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// Trade is an immutable record of an executed trade.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Action    Action          `json:"action" db:"action"`
	AmountIn  decimal.Decimal `json:"amount_in" db:"amount_in"`   // currency on BUY, shares on SELL
	AmountOut decimal.Decimal `json:"amount_out" db:"amount_out"` // shares on BUY, currency on SELL
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Price     decimal.Decimal `json:"price" db:"price"` // currency per share
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// TradePrice derives the per-share price recorded on a trade.
// BUY: amountIn / amountOut. SELL: amountOut / amountIn.
func TradePrice(action Action, amountIn, amountOut decimal.Decimal) (decimal.Decimal, error) {
	currency, shares := amountIn, amountOut
	if action == ActionSell {
		currency, shares = amountOut, amountIn
	}
	if shares.IsZero() {
		return decimal.Zero, ErrDivideByZero
	}
	return currency.DivRound(shares, PriceScale), nil
}

// PriceScale is the number of decimal places for recorded trade prices.
const PriceScale int32 = 8

// User holds a spendable balance. Balance is never negative after a
// committed operation.
type User struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// FeeAsset names the unit a fee was collected in.
type FeeAsset string

const (
	FeeAssetCash FeeAsset = "CASH"
	FeeAssetYes  FeeAsset = "YES"
	FeeAssetNo   FeeAsset = "NO"
)

// FeeAssetFor returns the fee unit for a trade: BUY fees are cash, SELL
// fees are shares of the side sold.
func FeeAssetFor(action Action, side Side) FeeAsset {
	if action == ActionBuy {
		return FeeAssetCash
	}
	if side == SideYes {
		return FeeAssetYes
	}
	return FeeAssetNo
}

// FeeRecord is an append-only platform revenue entry.
type FeeRecord struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	TradeID   string          `json:"trade_id" db:"trade_id"`
	Asset     FeeAsset        `json:"asset" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
