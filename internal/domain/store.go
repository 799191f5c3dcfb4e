package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerStore persists composite positions keyed by (owner, positionKey).
// Only durable leg fields are stored; live fields (CurrentInfo, Fees) are
// dropped on write.
type LedgerStore interface {
	// NextNonce returns a durable per-owner monotonic counter, used for
	// deterministic position-key derivation.
	NextNonce(ctx context.Context, owner common.Address) (uint64, error)

	Insert(ctx context.Context, pos CompositePosition) error
	AppendLegs(ctx context.Context, owner common.Address, key common.Hash, legs []AggregateInfo) error
	ReplaceLegs(ctx context.Context, owner common.Address, key common.Hash, legs []AggregateInfo) error
	Get(ctx context.Context, owner common.Address, key common.Hash) (CompositePosition, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]CompositePosition, error)
	Delete(ctx context.Context, owner common.Address, key common.Hash) error
}

// LockManager serializes structural mutations per position key. Acquire
// returns an unlock function on success and ErrLockHeld when another party
// holds the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
