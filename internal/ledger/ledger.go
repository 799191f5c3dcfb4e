// Package ledger is the durable aggregator for composite positions: it
// derives position keys, appends legs preserving order, dispatches decoding
// of opaque leg payloads by manager tag, and prunes fully-closed positions.
package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ledger owns CompositePosition and AggregateInfo records. Venue adapters own
// nothing durable; everything the engine remembers about a position lives
// here.
type Ledger struct {
	store  domain.LedgerStore
	logger *slog.Logger
}

func New(store domain.LedgerStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// DeriveKey returns a new deterministic position key:
// keccak256(owner ‖ big-endian per-owner nonce). The nonce is durable and
// monotonic, so keys are stable and never reused for an owner.
func (l *Ledger) DeriveKey(ctx context.Context, owner common.Address) (common.Hash, error) {
	nonce, err := l.store.NextNonce(ctx, owner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: next nonce for %s: %w", owner.Hex(), err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return crypto.Keccak256Hash(owner.Bytes(), buf[:]), nil
}

// Open persists a new composite position under key with the given legs in
// submission order.
func (l *Ledger) Open(ctx context.Context, owner common.Address, key common.Hash, legs []domain.AggregateInfo) error {
	if len(legs) == 0 {
		return domain.ErrEmptyLegs
	}
	pos := domain.CompositePosition{
		PositionKey: key,
		Owner:       owner,
		Timestamp:   time.Now().UTC(),
		Legs:        stripLive(legs),
	}
	if err := l.store.Insert(ctx, pos); err != nil {
		return fmt.Errorf("ledger: insert %s: %w", key.Hex(), err)
	}
	l.logger.Info("position opened",
		slog.String("owner", owner.Hex()),
		slog.String("position_key", key.Hex()),
		slog.Int("legs", len(legs)),
	)
	return nil
}

// Append adds legs to an existing position, preserving insertion order.
func (l *Ledger) Append(ctx context.Context, owner common.Address, key common.Hash, legs []domain.AggregateInfo) error {
	if len(legs) == 0 {
		return domain.ErrEmptyLegs
	}
	if err := l.store.AppendLegs(ctx, owner, key, stripLive(legs)); err != nil {
		return fmt.Errorf("ledger: append to %s: %w", key.Hex(), err)
	}
	return nil
}

// Get loads one position owned by owner.
func (l *Ledger) Get(ctx context.Context, owner common.Address, key common.Hash) (domain.CompositePosition, error) {
	pos, err := l.store.Get(ctx, owner, key)
	if err != nil {
		return domain.CompositePosition{}, err
	}
	return pos, nil
}

// ListByOwner returns every stored position for owner.
func (l *Ledger) ListByOwner(ctx context.Context, owner common.Address) ([]domain.CompositePosition, error) {
	return l.store.ListByOwner(ctx, owner)
}

// ReplaceLegs rewrites the leg list of a position, used after partial closes
// and close-pending reconciliation. An empty leg list is a programmer error;
// use Prune.
func (l *Ledger) ReplaceLegs(ctx context.Context, owner common.Address, key common.Hash, legs []domain.AggregateInfo) error {
	if len(legs) == 0 {
		return domain.ErrEmptyLegs
	}
	return l.store.ReplaceLegs(ctx, owner, key, stripLive(legs))
}

// Prune removes a position whose legs have all been fully closed. Terminal
// state is absence from the ledger, not a tombstone.
func (l *Ledger) Prune(ctx context.Context, owner common.Address, key common.Hash) error {
	if err := l.store.Delete(ctx, owner, key); err != nil {
		return fmt.Errorf("ledger: prune %s: %w", key.Hex(), err)
	}
	l.logger.Info("position pruned",
		slog.String("owner", owner.Hex()),
		slog.String("position_key", key.Hex()),
	)
	return nil
}

// stripLive drops query-time fields so stale venue state never persists.
func stripLive(legs []domain.AggregateInfo) []domain.AggregateInfo {
	out := make([]domain.AggregateInfo, len(legs))
	for i, leg := range legs {
		leg.CurrentInfo = nil
		leg.Fees = nil
		out[i] = leg
	}
	return out
}
