// Package local provides an in-process LockManager for single-instance
// deployments where Redis would be overkill.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/composefi/composer/internal/domain"
)

type lockEntry struct {
	expiry     time.Time
	generation uint64
}

// LockManager tracks held keys in a map guarded by a mutex. TTLs are honored
// so a leaked lock (unlock never called) does not wedge the key forever, and
// each acquisition carries a generation so a stale unlock cannot release a
// later holder.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lockEntry
	gen   uint64
	clock func() time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{
		held:  make(map[string]lockEntry),
		clock: time.Now,
	}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld if it is
// already held and has not expired.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.clock()
	if entry, ok := lm.held[key]; ok && now.Before(entry.expiry) {
		return nil, domain.ErrLockHeld
	}
	lm.gen++
	gen := lm.gen
	lm.held[key] = lockEntry{expiry: now.Add(ttl), generation: gen}

	unlock := func() {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		if entry, ok := lm.held[key]; ok && entry.generation == gen {
			delete(lm.held, key)
		}
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
