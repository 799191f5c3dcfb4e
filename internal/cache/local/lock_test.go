package local

import (
	"context"
	"testing"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "position:a", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "position:a", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// Distinct keys do not contend.
	other, err := lm.Acquire(ctx, "position:b", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock() // idempotent

	again, err := lm.Acquire(ctx, "position:a", time.Minute)
	require.NoError(t, err)
	again()
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	lm := NewLockManager()
	now := time.Unix(1000, 0)
	lm.clock = func() time.Time { return now }
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "position:a", 30*time.Second)
	require.NoError(t, err)

	now = now.Add(10 * time.Second)
	_, err = lm.Acquire(ctx, "position:a", 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	now = now.Add(25 * time.Second)
	unlock, err := lm.Acquire(ctx, "position:a", 30*time.Second)
	require.NoError(t, err)
	unlock()
}

func TestStaleUnlockDoesNotReleaseNewHolder(t *testing.T) {
	lm := NewLockManager()
	now := time.Unix(1000, 0)
	lm.clock = func() time.Time { return now }
	ctx := context.Background()

	staleUnlock, err := lm.Acquire(ctx, "position:a", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = lm.Acquire(ctx, "position:a", time.Minute)
	require.NoError(t, err)

	// The expired holder's unlock fires late; the new holder must keep the
	// lock.
	staleUnlock()
	_, err = lm.Acquire(ctx, "position:a", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}
