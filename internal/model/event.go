package model

import "time"

// EventType names a committed state change pushed to subscribers.
type EventType string

const (
	EventMarketCreated  EventType = "market_created"
	EventTradeExecuted  EventType = "trade_executed"
	EventMarketClosed   EventType = "market_closed"
	EventMarketResolved EventType = "market_resolved"
	EventPayoutClaimed  EventType = "payout_claimed"
)

// Event is emitted after an atomic unit commits, never before. Decimal
// fields are rendered as strings.
type Event struct {
	Type           EventType `json:"type"`
	MarketID       string    `json:"market_id"`
	UserID         string    `json:"user_id,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Side           Side      `json:"side,omitempty"`
	Action         Action    `json:"action,omitempty"`
	AmountIn       string    `json:"amount_in,omitempty"`
	AmountOut      string    `json:"amount_out,omitempty"`
	YesPool        string    `json:"yes_pool,omitempty"`
	NoPool         string    `json:"no_pool,omitempty"`
	ProbabilityYes string    `json:"probability_yes,omitempty"`
	ProbabilityNo  string    `json:"probability_no,omitempty"`
	Outcome        Side      `json:"outcome,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher receives committed events. Implementations must not block.
type Publisher interface {
	Publish(e Event)
}
