package model

import (
	"errors"

	"github.com/atmx/opinion-engine/internal/money"
)

// Validation errors: rejected before any lock is taken.
var (
	ErrInvalidAmount      = errors.New("amount must be positive with at most 18 decimal places")
	ErrInvalidSide        = errors.New("side must be YES or NO")
	ErrInvalidAction      = errors.New("action must be BUY or SELL")
	ErrInvalidOutcome     = errors.New("outcome must be YES or NO")
	ErrInvalidMarket      = errors.New("invalid market parameters")
	ErrInvalidFee         = errors.New("fee percent must be between 0 and 5")
	ErrMissingUser        = errors.New("user id is required")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidTransition  = errors.New("invalid market status transition")
	ErrDivideByZero       = money.ErrDivideByZero
	ErrInvalidPageRequest = errors.New("page and limit must be positive")
)

// Not-found errors.
var (
	ErrMarketNotFound = errors.New("market not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrNoPosition     = errors.New("user holds no position in market")
)

// State errors: rejected after reading current status, no mutation.
var (
	ErrMarketClosed    = errors.New("market is not open for trading")
	ErrMarketStillOpen = errors.New("market is still open")
	ErrAlreadyResolved = errors.New("market already resolved")
	ErrNotResolved     = errors.New("market is not resolved")
)

// Resource errors: rejected after computing the would-be result.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrPositionNotFound      = errors.New("position not found")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrNotParticipated       = errors.New("user did not participate in market")
	ErrNotEligible           = errors.New("position holds no winning shares")
)

// Concurrency errors: retryable, no partial effect.
var (
	ErrLockTimeout      = errors.New("timed out waiting for lock")
	ErrConcurrentUpdate = errors.New("concurrent update conflict")
)

// Kind classifies an error for the request-handling layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindState
	KindResource
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	case KindConcurrency:
		return "concurrency"
	}
	return "internal"
}

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindValidation, []error{ErrInvalidAmount, ErrInvalidSide, ErrInvalidAction, ErrInvalidOutcome,
		ErrInvalidMarket, ErrInvalidFee, ErrMissingUser, ErrUserExists, ErrInvalidPageRequest,
		money.ErrInvalidNumber}},
	{KindNotFound, []error{ErrMarketNotFound, ErrUserNotFound, ErrNoPosition}},
	{KindState, []error{ErrMarketClosed, ErrMarketStillOpen, ErrAlreadyResolved, ErrNotResolved,
		ErrInvalidTransition}},
	{KindResource, []error{ErrInsufficientBalance, ErrInsufficientShares, ErrPositionNotFound,
		ErrInsufficientLiquidity, ErrNotParticipated, ErrNotEligible}},
	{KindConcurrency, []error{ErrLockTimeout, ErrConcurrentUpdate}},
}

// KindOf returns the taxonomy bucket for err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConcurrency
}
