package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTransition_Monotonic(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusClosed, true},
		{StatusClosed, StatusResolved, true},
		{StatusOpen, StatusResolved, false},
		{StatusClosed, StatusOpen, false},
		{StatusResolved, StatusOpen, false},
		{StatusResolved, StatusClosed, false},
		{StatusResolved, StatusResolved, false},
		{Status("BOGUS"), StatusOpen, false},
	}

	for _, tt := range tests {
		m := &Market{Status: tt.from}
		err := m.Transition(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
			}
			if m.Status != tt.from {
				t.Errorf("%s -> %s: status mutated to %s on failure", tt.from, tt.to, m.Status)
			}
		}
	}
}

func TestTradable(t *testing.T) {
	now := time.Now()
	m := &Market{Status: StatusOpen, ExpiryTime: now.Add(time.Hour)}
	if !m.Tradable(now) {
		t.Error("open market before expiry should be tradable")
	}
	if m.Tradable(now.Add(2 * time.Hour)) {
		t.Error("market past expiry should not be tradable")
	}
	m.Status = StatusClosed
	if m.Tradable(now) {
		t.Error("closed market should not be tradable")
	}
}

func TestTradePrice(t *testing.T) {
	p, err := TradePrice(ActionBuy, d("100"), d("80"))
	if err != nil || !p.Equal(d("1.25")) {
		t.Errorf("buy price: got %s (%v), want 1.25", p, err)
	}

	p, err = TradePrice(ActionSell, d("80"), d("40"))
	if err != nil || !p.Equal(d("0.5")) {
		t.Errorf("sell price: got %s (%v), want 0.5", p, err)
	}

	if _, err := TradePrice(ActionBuy, d("100"), decimal.Zero); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("zero shares out: expected ErrDivideByZero, got %v", err)
	}
	if _, err := TradePrice(ActionSell, decimal.Zero, d("1")); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("zero shares in: expected ErrDivideByZero, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ErrInvalidAmount, KindValidation},
		{fmt.Errorf("place trade: %w", ErrMarketClosed), KindState},
		{ErrInsufficientShares, KindResource},
		{ErrMarketNotFound, KindNotFound},
		{fmt.Errorf("lock market m1: %w", ErrLockTimeout), KindConcurrency},
		{errors.New("boom"), KindInternal},
		{nil, KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	if !IsRetryable(fmt.Errorf("wrap: %w", ErrConcurrentUpdate)) {
		t.Error("concurrent update should be retryable")
	}
	if IsRetryable(ErrInsufficientBalance) {
		t.Error("insufficient balance should not be retryable")
	}
}

func TestSideHelpers(t *testing.T) {
	if SideYes.Opposite() != SideNo || SideNo.Opposite() != SideYes {
		t.Error("Opposite should swap sides")
	}
	if Side("MAYBE").Valid() {
		t.Error("MAYBE is not a valid side")
	}
	if FeeAssetFor(ActionBuy, SideNo) != FeeAssetCash {
		t.Error("buy fees are cash")
	}
	if FeeAssetFor(ActionSell, SideNo) != FeeAssetNo {
		t.Error("sell NO fees are NO shares")
	}

	m := &Market{YesPool: d("400"), NoPool: d("600")}
	own, other := m.Pools(SideNo)
	if !own.Equal(d("600")) || !other.Equal(d("400")) {
		t.Errorf("Pools(NO) = %s, %s", own, other)
	}
}
