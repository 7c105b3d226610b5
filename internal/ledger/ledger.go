// Package ledger maintains per-user, per-market share balances.
//
// Positions are written as find-or-default followed by a pure Merge, so the
// increment logic is testable without a store and always runs inside the
// caller's atomic unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/store"
)

// Tx is the subset of store.Tx the ledger needs.
type Tx interface {
	LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	SavePosition(ctx context.Context, p *model.Position) error
}

// Default returns an empty position created at now.
func Default(userID, marketID string, now time.Time) model.Position {
	return model.Position{
		UserID:    userID,
		MarketID:  marketID,
		YesShares: decimal.Zero,
		NoShares:  decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Merge adds the deltas to p. A result below zero on either side is an
// ErrInsufficientShares error; p is never clamped.
func Merge(p model.Position, yesDelta, noDelta decimal.Decimal, now time.Time) (model.Position, error) {
	yes := p.YesShares.Add(yesDelta)
	no := p.NoShares.Add(noDelta)
	if yes.IsNegative() || no.IsNegative() {
		return p, fmt.Errorf("%w: have yes=%s no=%s, delta yes=%s no=%s",
			model.ErrInsufficientShares, p.YesShares, p.NoShares, yesDelta, noDelta)
	}
	p.YesShares = yes
	p.NoShares = no
	p.UpdatedAt = now
	return p, nil
}

// Delta maps a share change on side into (yesDelta, noDelta).
func Delta(side model.Side, shares decimal.Decimal) (yes, no decimal.Decimal) {
	if side == model.SideYes {
		return shares, decimal.Zero
	}
	return decimal.Zero, shares
}

// UpsertIncrement locks the (userID, marketID) position, or starts from
// Default if none exists, applies the deltas and saves the row.
func UpsertIncrement(ctx context.Context, tx Tx, userID, marketID string, yesDelta, noDelta decimal.Decimal, now time.Time) (*model.Position, error) {
	current, err := tx.LockPosition(ctx, userID, marketID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p := Default(userID, marketID, now)
		current = &p
	case err != nil:
		return nil, fmt.Errorf("lock position: %w", err)
	}

	merged, err := Merge(*current, yesDelta, noDelta, now)
	if err != nil {
		return nil, err
	}
	if err := tx.SavePosition(ctx, &merged); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return &merged, nil
}
