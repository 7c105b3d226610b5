// Package settlement resolves markets and pays out winning positions.
//
// Resolution is a single unit under the market lock: the status moves to
// RESOLVED, the outcome is fixed and every position holding winning shares
// is marked UNCLAIMED. A claim is a single unit under the position lock
// and pays each position at most once; a repeated claim reports
// AlreadyClaimed without writing anything.
//
// A winning share redeems at par, so the payout equals the winning-side
// share balance.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/coord"
	"github.com/atmx/opinion-engine/internal/metrics"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/store"
)

// EligibilityStatus is the caller-facing payout state of a position.
type EligibilityStatus string

const (
	NotEligible EligibilityStatus = "NOT_ELIGIBLE"
	Eligible    EligibilityStatus = "ELIGIBLE"
	Claimed     EligibilityStatus = "CLAIMED"
)

// ResolutionResult is the committed outcome of Resolve.
type ResolutionResult struct {
	Market           model.Market `json:"market"`
	Outcome          model.Side   `json:"outcome"`
	WinningPositions int          `json:"winning_positions"`
}

// ClaimResult is the outcome of Claim. AlreadyClaimed is a success: the
// payout was made by an earlier call and nothing changed this time.
type ClaimResult struct {
	MarketID       string             `json:"market_id"`
	UserID         string             `json:"user_id"`
	Outcome        model.Side         `json:"outcome"`
	PayoutAmount   decimal.Decimal    `json:"payout_amount"`
	PayoutStatus   model.PayoutStatus `json:"payout_status"`
	AlreadyClaimed bool               `json:"already_claimed"`
	ClaimedAt      time.Time          `json:"claimed_at"`
	Balance        *decimal.Decimal   `json:"balance,omitempty"` // set only when this call paid out
}

// Eligibility is the read-only payout view for one user in one market.
type Eligibility struct {
	MarketID     string            `json:"market_id"`
	UserID       string            `json:"user_id"`
	MarketStatus model.Status      `json:"market_status"`
	Participated bool              `json:"participated"`
	PayoutStatus EligibilityStatus `json:"payout_status"`
	PayoutAmount decimal.Decimal   `json:"payout_amount"`
}

// Service runs resolutions and claims.
type Service struct {
	coord  *coord.Coordinator
	store  store.Reader
	events model.Publisher // optional
	now    func() time.Time
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

// NewService creates a settlement service.
func NewService(c *coord.Coordinator, opts ...Option) *Service {
	s := &Service{
		coord: c,
		store: c.Store(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) publish(e model.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func notFound(err, target error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", target, err)
	}
	return err
}

// Resolve fixes a CLOSED market's outcome and marks its winning positions.
func (s *Service) Resolve(ctx context.Context, marketID string, outcome model.Side) (*ResolutionResult, error) {
	outcome = model.Side(strings.ToUpper(string(outcome)))
	if !outcome.Valid() {
		return nil, model.ErrInvalidOutcome
	}

	var result ResolutionResult
	err := s.coord.WithMarket(ctx, marketID, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return notFound(err, model.ErrMarketNotFound)
		}
		switch m.Status {
		case model.StatusOpen:
			return model.ErrMarketStillOpen
		case model.StatusResolved:
			return model.ErrAlreadyResolved
		}
		if err := m.Transition(model.StatusResolved); err != nil {
			return err
		}

		now := s.now()
		m.ResolvedOutcome = &outcome
		m.ResolvedAt = &now
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		n, err := tx.MarkWinningPositions(ctx, marketID, outcome)
		if err != nil {
			return err
		}

		result = ResolutionResult{Market: *m, Outcome: outcome, WinningPositions: n}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve market %s: %w", marketID, err)
	}

	metrics.Resolutions.WithLabelValues(string(outcome)).Inc()

	slog.Info("market resolved",
		"id", marketID,
		"outcome", outcome,
		"winning_positions", result.WinningPositions,
	)

	s.publish(model.Event{
		Type:     model.EventMarketResolved,
		MarketID: marketID,
		Status:   model.StatusResolved,
		Outcome:  outcome,
		At:       *result.Market.ResolvedAt,
	})
	return &result, nil
}

// Claim pays out a user's winning shares in a resolved market.
func (s *Service) Claim(ctx context.Context, marketID, userID string) (*ClaimResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, model.ErrMissingUser
	}

	var result ClaimResult
	err := s.coord.WithPosition(ctx, marketID, userID, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return notFound(err, model.ErrMarketNotFound)
		}
		if m.Status != model.StatusResolved || m.ResolvedOutcome == nil {
			return model.ErrNotResolved
		}
		outcome := *m.ResolvedOutcome

		p, err := tx.LockPosition(ctx, userID, marketID)
		if err != nil {
			return notFound(err, model.ErrNotParticipated)
		}

		result = ClaimResult{MarketID: marketID, UserID: userID, Outcome: outcome}

		if p.PayoutStatus == model.PayoutClaimed {
			result.AlreadyClaimed = true
			result.PayoutStatus = model.PayoutClaimed
			if p.PayoutAmount != nil {
				result.PayoutAmount = *p.PayoutAmount
			}
			if p.ClaimedAt != nil {
				result.ClaimedAt = *p.ClaimedAt
			}
			return nil
		}

		payout := p.Shares(outcome)
		if !payout.IsPositive() {
			return model.ErrNotEligible
		}

		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return notFound(err, model.ErrUserNotFound)
		}
		balance := u.Balance.Add(payout)
		if err := tx.UpdateUserBalance(ctx, userID, balance); err != nil {
			return err
		}

		now := s.now()
		p.PayoutStatus = model.PayoutClaimed
		p.PayoutAmount = &payout
		p.ClaimedAt = &now
		p.UpdatedAt = now
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}

		result.PayoutAmount = payout
		result.PayoutStatus = model.PayoutClaimed
		result.ClaimedAt = now
		result.Balance = &balance
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: %w", marketID, userID, err)
	}

	if result.AlreadyClaimed {
		metrics.Claims.WithLabelValues("already_claimed").Inc()
		return &result, nil
	}

	metrics.Claims.WithLabelValues("claimed").Inc()
	metrics.PayoutsTotal.Add(result.PayoutAmount.InexactFloat64())

	slog.Info("payout claimed",
		"market", marketID,
		"user", userID,
		"outcome", result.Outcome,
		"amount", result.PayoutAmount.String(),
	)

	s.publish(model.Event{
		Type:      model.EventPayoutClaimed,
		MarketID:  marketID,
		UserID:    userID,
		Outcome:   result.Outcome,
		AmountOut: result.PayoutAmount.String(),
		At:        result.ClaimedAt,
	})
	return &result, nil
}

// CheckEligibility reports whether userID can claim in marketID, without
// mutating anything.
func (s *Service) CheckEligibility(ctx context.Context, marketID, userID string) (*Eligibility, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, notFound(err, model.ErrMarketNotFound)
	}

	view := &Eligibility{
		MarketID:     marketID,
		UserID:       userID,
		MarketStatus: m.Status,
		PayoutStatus: NotEligible,
		PayoutAmount: decimal.Zero,
	}

	p, err := s.store.GetPosition(ctx, userID, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check eligibility: %w", err)
	}
	view.Participated = true

	if p.PayoutStatus == model.PayoutClaimed {
		view.PayoutStatus = Claimed
		if p.PayoutAmount != nil {
			view.PayoutAmount = *p.PayoutAmount
		}
		return view, nil
	}
	if m.Status != model.StatusResolved || m.ResolvedOutcome == nil {
		return view, nil
	}
	if winning := p.Shares(*m.ResolvedOutcome); winning.IsPositive() {
		view.PayoutStatus = Eligible
		view.PayoutAmount = winning
	}
	return view, nil
}
