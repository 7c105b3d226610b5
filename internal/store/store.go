// Package store defines the persistence interface for the opinion engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// MarketFilter narrows ListMarkets. Zero values mean "no filter".
type MarketFilter struct {
	CreatorID string
	Status    model.Status
	Offset    int
	Limit     int
}

// Store is the persistence interface. Reads outside a transaction see
// committed state only; every mutation goes through RunInTx.
type Store interface {
	Reader

	// RunInTx executes fn as one all-or-nothing unit. If fn returns an
	// error, or the commit fails, no write made through tx is visible.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader holds the pure queries.
type Reader interface {
	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns one page of markets ordered by creation time and
	// the total count matching the filter.
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, int, error)

	// ListExpiredMarkets returns IDs of OPEN markets whose expiry is at or
	// before now.
	ListExpiredMarkets(ctx context.Context, now time.Time) ([]string, error)

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetPosition retrieves the position for (userID, marketID).
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)

	// ListPositions returns every position in a market.
	ListPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// ListTrades returns trades for a market, oldest first. A non-empty
	// userID restricts the result to that user's trades.
	ListTrades(ctx context.Context, marketID, userID string) ([]model.Trade, error)

	// ListFees returns the fee ledger for a market.
	ListFees(ctx context.Context, marketID string) ([]model.FeeRecord, error)
}

// Tx is the write side of a single atomic unit. Lock* methods take an
// exclusive row lock held until the unit ends.
type Tx interface {
	// GetMarket reads a market without locking it.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	CreateUser(ctx context.Context, u *model.User) error
	LockUser(ctx context.Context, id string) (*model.User, error)
	UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error

	CreateMarket(ctx context.Context, m *model.Market) error
	LockMarket(ctx context.Context, id string) (*model.Market, error)
	// UpdateMarket persists pools, status, outcome and resolution time.
	UpdateMarket(ctx context.Context, m *model.Market) error

	LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	// SavePosition inserts or replaces the row keyed by (UserID, MarketID).
	SavePosition(ctx context.Context, p *model.Position) error
	// MarkWinningPositions sets payout status UNCLAIMED on every position
	// in the market holding more than zero shares of the winning side and
	// returns how many rows changed.
	MarkWinningPositions(ctx context.Context, marketID string, outcome model.Side) (int, error)

	InsertTrade(ctx context.Context, t *model.Trade) error
	InsertFee(ctx context.Context, f *model.FeeRecord) error
}
