// Package money provides the decimal arithmetic used for every pool reserve,
// share quantity and balance in the engine.
//
// Division always names its rounding mode and reports a zero divisor as an
// error instead of panicking.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for pools, shares,
// balances and fees.
const Scale int32 = 18

var (
	// ErrDivideByZero is returned by Div and Sqrt helpers on a zero divisor.
	ErrDivideByZero = errors.New("money: division by zero")

	// ErrNegativeRoot is returned by Sqrt for negative input.
	ErrNegativeRoot = errors.New("money: square root of negative value")

	// ErrInvalidNumber is returned by Parse for malformed input.
	ErrInvalidNumber = errors.New("money: invalid decimal")

	// Hundred is the percent denominator.
	Hundred = decimal.NewFromInt(100)

	two = decimal.NewFromInt(2)
	ulp = decimal.New(1, -Scale)
)

// Rounding selects how a quotient is reduced to Scale digits.
type Rounding int

const (
	// Down truncates toward zero.
	Down Rounding = iota
	// Floor rounds toward negative infinity.
	Floor
	// Ceil rounds toward positive infinity.
	Ceil
	// HalfUp rounds to nearest, ties away from zero.
	HalfUp
	// HalfEven rounds to nearest, ties to the even neighbour.
	HalfEven
)

func (r Rounding) String() string {
	switch r {
	case Down:
		return "down"
	case Floor:
		return "floor"
	case Ceil:
		return "ceil"
	case HalfUp:
		return "half_up"
	case HalfEven:
		return "half_even"
	}
	return fmt.Sprintf("rounding(%d)", int(r))
}

// Div returns a / b reduced to Scale digits with the given rounding mode.
func Div(a, b decimal.Decimal, mode Rounding) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivideByZero
	}

	// QuoRem truncates toward zero; r carries the sign of a.
	q, r := a.QuoRem(b, Scale)
	if r.IsZero() {
		return q, nil
	}

	negative := a.Sign()*b.Sign() < 0
	away := func() decimal.Decimal {
		if negative {
			return q.Sub(ulp)
		}
		return q.Add(ulp)
	}

	switch mode {
	case Down:
		return q, nil
	case Floor:
		if negative {
			return q.Sub(ulp), nil
		}
		return q, nil
	case Ceil:
		if negative {
			return q, nil
		}
		return q.Add(ulp), nil
	case HalfUp, HalfEven:
		// Compare the remainder with half a unit in the last place of b.
		cmp := r.Abs().Mul(two).Cmp(b.Abs().Mul(ulp))
		switch {
		case cmp > 0:
			return away(), nil
		case cmp < 0:
			return q, nil
		}
		if mode == HalfUp {
			return away(), nil
		}
		if q.Shift(Scale).Mod(two).IsZero() {
			return q, nil
		}
		return away(), nil
	}
	return decimal.Zero, fmt.Errorf("money: unknown rounding mode %d", int(mode))
}

// MustDiv is Div for divisors already known to be non-zero.
func MustDiv(a, b decimal.Decimal, mode Rounding) decimal.Decimal {
	q, err := Div(a, b, mode)
	if err != nil {
		panic(err)
	}
	return q
}

// Round reduces d to Scale digits with the given rounding mode.
func Round(d decimal.Decimal, mode Rounding) decimal.Decimal {
	switch mode {
	case Down:
		return d.RoundDown(Scale)
	case Floor:
		return d.RoundFloor(Scale)
	case Ceil:
		return d.RoundCeil(Scale)
	case HalfEven:
		return d.RoundBank(Scale)
	default:
		return d.Round(Scale)
	}
}

// ApplyPercent returns amount * (100 - pct) / 100 rounded down, i.e. what
// is left after taking pct percent off the top. The remainder is the fee.
func ApplyPercent(amount, pct decimal.Decimal) (net, fee decimal.Decimal) {
	if pct.IsZero() {
		return amount, decimal.Zero
	}
	net = MustDiv(amount.Mul(Hundred.Sub(pct)), Hundred, Floor)
	return net, amount.Sub(net)
}

// Sqrt returns the square root of d at Scale digits, rounded down.
// A float64 estimate seeds Newton's method, which then runs in decimal.
func Sqrt(d decimal.Decimal) (decimal.Decimal, error) {
	switch d.Sign() {
	case -1:
		return decimal.Zero, ErrNegativeRoot
	case 0:
		return decimal.Zero, nil
	}

	guess := decimal.NewFromFloat(math.Sqrt(d.InexactFloat64()))
	if guess.Sign() <= 0 {
		guess = decimal.NewFromInt(1)
	}

	const precision = Scale + 6
	x := guess
	for i := 0; i < 64; i++ {
		next := x.Add(d.DivRound(x, precision)).DivRound(two, precision)
		if next.Sub(x).Abs().LessThan(ulp) {
			x = next
			break
		}
		x = next
	}

	root := x.RoundDown(Scale)
	// Newton converges from above; step back if the last digit overshoots.
	for root.Mul(root).GreaterThan(d) {
		root = root.Sub(ulp)
	}
	for next := root.Add(ulp); next.Mul(next).LessThanOrEqual(d); next = root.Add(ulp) {
		root = next
	}
	return root, nil
}

// Parse converts s into a decimal, rejecting empty or malformed input and
// values with more than Scale fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidNumber, s)
	}
	if !FitsScale(d) {
		return decimal.Zero, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidNumber, Scale)
	}
	return d, nil
}

// FitsScale reports whether d has at most Scale fractional digits.
func FitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}
