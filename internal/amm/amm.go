// Package amm implements the constant-product automated market maker that
// prices YES/NO shares of a binary opinion market.
//
// The pool holds two reserves whose product k = yes * no is held constant
// across a swap, computed on the fee-adjusted input:
//   - BUY side S with amount A: the complementary pool absorbs A (net of
//     fee) and the trader receives the shrinkage of the S pool.
//   - SELL side S with A shares: the S pool absorbs the shares (net of
//     fee) and the trader receives the shrinkage of the complementary pool.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every division rounds in the pool's favour: new reserves round up, so
// amounts paid out to traders are never overstated.
//
// The package is stateless; callers pass reserves in and persist the
// resulting Pool under their own exclusive-access guarantee.
package amm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/money"
)

var (
	// MaxFeePercent is the highest fee a market may charge.
	MaxFeePercent = decimal.NewFromInt(5)

	half = decimal.New(5, -1)
	two  = decimal.NewFromInt(2)
)

// Pool is a pair of reserves. Both must be strictly positive for a market
// to trade.
type Pool struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// PoolOf returns the reserves held by m.
func PoolOf(m *model.Market) Pool {
	return Pool{Yes: m.YesPool, No: m.NoPool}
}

// Split creates a pool seeded 50/50 from liquidity. The odd last digit, if
// any, goes to the NO side so that Yes + No == liquidity exactly.
func Split(liquidity decimal.Decimal) (Pool, error) {
	if !liquidity.IsPositive() {
		return Pool{}, fmt.Errorf("%w: initial liquidity must be positive", model.ErrInvalidMarket)
	}
	yes := money.MustDiv(liquidity, two, money.Floor)
	p := Pool{Yes: yes, No: liquidity.Sub(yes)}
	if err := p.Validate(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// Validate checks both reserves are strictly positive.
func (p Pool) Validate() error {
	if !p.Yes.IsPositive() || !p.No.IsPositive() {
		return model.ErrInsufficientLiquidity
	}
	return nil
}

// K returns the constant product yes * no.
func (p Pool) K() decimal.Decimal {
	return p.Yes.Mul(p.No)
}

// Reserves returns the reserve for side s and for its complement.
func (p Pool) Reserves(s model.Side) (own, other decimal.Decimal) {
	if s == model.SideYes {
		return p.Yes, p.No
	}
	return p.No, p.Yes
}

func withReserves(s model.Side, own, other decimal.Decimal) Pool {
	if s == model.SideYes {
		return Pool{Yes: own, No: other}
	}
	return Pool{Yes: other, No: own}
}

// Probability returns (yes / (yes + no), 1 - yes). An empty pool reports
// an even 0.5 / 0.5 split rather than dividing by zero.
func (p Pool) Probability() (yes, no decimal.Decimal) {
	total := p.Yes.Add(p.No)
	if total.IsZero() {
		return half, half
	}
	yes = money.MustDiv(p.Yes, total, money.HalfEven)
	return yes, decimal.NewFromInt(1).Sub(yes)
}

// SpotPrice returns the marginal currency cost of one share of side s:
// the complementary reserve over the total. YES and NO spot prices sum to 1.
func (p Pool) SpotPrice(s model.Side) decimal.Decimal {
	total := p.Yes.Add(p.No)
	if total.IsZero() {
		return half
	}
	_, other := p.Reserves(s)
	return money.MustDiv(other, total, money.HalfEven)
}

// ImpliedLiquidity returns 2 * sqrt(yes * no).
func (p Pool) ImpliedLiquidity() decimal.Decimal {
	root, err := money.Sqrt(p.K())
	if err != nil {
		// K is negative only for a corrupt pool.
		return decimal.Zero
	}
	return root.Mul(two)
}

// Quote is the full outcome of a swap, computed without side effects.
type Quote struct {
	Side   model.Side   `json:"side"`
	Action model.Action `json:"action"`

	// AmountIn is what the trader gives: currency on BUY, shares on SELL.
	AmountIn decimal.Decimal `json:"amount_in"`
	// Fee is the part of AmountIn kept as platform revenue.
	Fee decimal.Decimal `json:"fee"`
	// AmountAfterFee is the part of AmountIn that enters the pool.
	AmountAfterFee decimal.Decimal `json:"amount_after_fee"`
	// AmountOut is what the trader receives: shares on BUY, currency on SELL.
	AmountOut decimal.Decimal `json:"amount_out"`
	// Price is currency per share for this trade.
	Price decimal.Decimal `json:"price"`

	Before Pool `json:"before"`
	After  Pool `json:"after"`
}

// ValidateFee checks feePercent lies in [0, MaxFeePercent].
func ValidateFee(feePercent decimal.Decimal) error {
	if feePercent.IsNegative() || feePercent.GreaterThan(MaxFeePercent) {
		return model.ErrInvalidFee
	}
	return nil
}

// ValidateAmount checks amount is positive and representable at money.Scale.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !money.FitsScale(amount) {
		return model.ErrInvalidAmount
	}
	return nil
}

// Swap dispatches to QuoteBuy or QuoteSell.
func Swap(p Pool, side model.Side, action model.Action, amount, feePercent decimal.Decimal) (Quote, error) {
	switch action {
	case model.ActionBuy:
		return QuoteBuy(p, side, amount, feePercent)
	case model.ActionSell:
		return QuoteSell(p, side, amount, feePercent)
	}
	return Quote{}, model.ErrInvalidAction
}

// QuoteBuy computes the shares released to a trader spending amount on side.
//
//	otherPool' = otherPool + amount*(1 - fee/100)
//	sidePool'  = k / otherPool'          (rounded up)
//	shares     = sidePool - sidePool'
func QuoteBuy(p Pool, side model.Side, amount, feePercent decimal.Decimal) (Quote, error) {
	if err := checkInputs(p, side, amount, feePercent); err != nil {
		return Quote{}, err
	}

	net, fee := money.ApplyPercent(amount, feePercent)
	own, other := p.Reserves(side)
	k := p.K()

	newOther := other.Add(net)
	newOwn, err := money.Div(k, newOther, money.Ceil)
	if err != nil {
		return Quote{}, err
	}
	shares := own.Sub(newOwn)

	return finish(p, side, model.ActionBuy, amount, fee, net, shares, withReserves(side, newOwn, newOther))
}

// QuoteSell computes the currency paid to a trader surrendering shares of side.
//
//	sidePool'  = sidePool + shares*(1 - fee/100)
//	otherPool' = k / sidePool'           (rounded up)
//	payout     = otherPool - otherPool'
func QuoteSell(p Pool, side model.Side, shares, feePercent decimal.Decimal) (Quote, error) {
	if err := checkInputs(p, side, shares, feePercent); err != nil {
		return Quote{}, err
	}

	net, fee := money.ApplyPercent(shares, feePercent)
	own, other := p.Reserves(side)
	k := p.K()

	newOwn := own.Add(net)
	newOther, err := money.Div(k, newOwn, money.Ceil)
	if err != nil {
		return Quote{}, err
	}
	payout := other.Sub(newOther)

	return finish(p, side, model.ActionSell, shares, fee, net, payout, withReserves(side, newOwn, newOther))
}

func checkInputs(p Pool, side model.Side, amount, feePercent decimal.Decimal) error {
	if !side.Valid() {
		return model.ErrInvalidSide
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if err := ValidateFee(feePercent); err != nil {
		return err
	}
	return p.Validate()
}

func finish(before Pool, side model.Side, action model.Action, in, fee, net, out decimal.Decimal, after Pool) (Quote, error) {
	if err := after.Validate(); err != nil {
		return Quote{}, err
	}
	if out.IsNegative() {
		return Quote{}, model.ErrInsufficientLiquidity
	}
	if action == model.ActionBuy && out.IsZero() {
		return Quote{}, fmt.Errorf("%w: trade too small to release shares", model.ErrInvalidAmount)
	}
	price, err := model.TradePrice(action, in, out)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Side:           side,
		Action:         action,
		AmountIn:       in,
		Fee:            fee,
		AmountAfterFee: net,
		AmountOut:      out,
		Price:          price,
		Before:         before,
		After:          after,
	}, nil
}
