// Package lock provides keyed mutual exclusion for the engine's critical
// sections: one key per market for trades, closes and resolutions, and one
// key per position for claims.
//
// Acquire blocks until the key is free or ctx is done. A lock wait that
// ends because of ctx returns model.ErrLockTimeout, which callers surface
// as a retryable error.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/opinion-engine/internal/model"
)

// Locker hands out exclusive access to a key.
type Locker interface {
	// Acquire returns an unlock func once the caller holds key. unlock is
	// safe to call more than once.
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

// MarketKey is the lock key serialising all mutations of one market.
func MarketKey(marketID string) string { return "market:" + marketID }

// PositionKey is the lock key serialising claims on one position.
func PositionKey(marketID, userID string) string {
	return "position:" + marketID + ":" + userID
}

// KeyedMutex is an in-process Locker. Each key maps to a one-slot channel;
// entries are reference counted and dropped when no goroutine holds or
// waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lock %s: %w: %v", key, model.ErrLockTimeout, err)
	}

	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s)
		return nil, fmt.Errorf("lock %s: %w: %v", key, model.ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.release(key, s)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

var _ Locker = (*KeyedMutex)(nil)
