// Package coord runs each mutating engine operation as one atomic unit
// under the right exclusive lock.
//
// A unit is: acquire the key (bounded by the lock timeout), open a store
// transaction, run fn, commit or roll back, release the key. Nothing fn
// writes is visible unless the whole unit commits.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/opinion-engine/internal/lock"
	"github.com/atmx/opinion-engine/internal/metrics"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/store"
)

// Coordinator pairs a Locker with a Store.
type Coordinator struct {
	locker      lock.Locker
	store       store.Store
	lockTimeout time.Duration
}

// New creates a Coordinator. A zero lockTimeout waits until ctx is done.
func New(locker lock.Locker, st store.Store, lockTimeout time.Duration) *Coordinator {
	return &Coordinator{locker: locker, store: st, lockTimeout: lockTimeout}
}

// Store returns the underlying store for read-only views.
func (c *Coordinator) Store() store.Store { return c.store }

// WithMarket runs fn as one unit while holding the market's lock.
func (c *Coordinator) WithMarket(ctx context.Context, marketID string, fn func(tx store.Tx) error) error {
	return c.with(ctx, "market", lock.MarketKey(marketID), fn)
}

// WithPosition runs fn as one unit while holding the (market, user)
// position lock.
func (c *Coordinator) WithPosition(ctx context.Context, marketID, userID string, fn func(tx store.Tx) error) error {
	return c.with(ctx, "position", lock.PositionKey(marketID, userID), fn)
}

// Run runs fn as one unit with no domain lock; row locks taken inside fn
// still apply.
func (c *Coordinator) Run(ctx context.Context, fn func(tx store.Tx) error) error {
	return classify(c.store.RunInTx(ctx, fn))
}

func (c *Coordinator) with(ctx context.Context, scope, key string, fn func(tx store.Tx) error) error {
	lockCtx := ctx
	if c.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, c.lockTimeout)
		defer cancel()
	}

	start := time.Now()
	unlock, err := c.locker.Acquire(lockCtx, key)
	metrics.LockWait.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, model.ErrLockTimeout) {
			metrics.LockTimeouts.WithLabelValues(scope).Inc()
		}
		return err
	}
	defer unlock()

	return classify(c.store.RunInTx(ctx, fn))
}

// classify turns a bare context deadline from the store into a retryable
// lock timeout; the unit was rolled back either way.
func classify(err error) error {
	if err == nil || model.KindOf(err) != model.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
	}
	return err
}
