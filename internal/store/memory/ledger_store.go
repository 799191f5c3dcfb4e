// Package memory implements domain.LedgerStore in process memory. It backs
// tests and paper-trading runs where PostgreSQL is not configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/composefi/composer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

type record struct {
	pos   domain.CompositePosition
	order uint64 // insertion order for stable listing
}

// LedgerStore is an in-memory LedgerStore.
type LedgerStore struct {
	mu        sync.Mutex
	positions map[common.Address]map[common.Hash]*record
	nonces    map[common.Address]uint64
	inserted  uint64
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		positions: make(map[common.Address]map[common.Hash]*record),
		nonces:    make(map[common.Address]uint64),
	}
}

func (s *LedgerStore) NextNonce(ctx context.Context, owner common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[owner]++
	return s.nonces[owner], nil
}

func (s *LedgerStore) Insert(ctx context.Context, pos domain.CompositePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.positions[pos.Owner]
	if !ok {
		byKey = make(map[common.Hash]*record)
		s.positions[pos.Owner] = byKey
	}
	if _, exists := byKey[pos.PositionKey]; exists {
		return fmt.Errorf("memory: insert %s: already exists", pos.PositionKey.Hex())
	}
	s.inserted++
	byKey[pos.PositionKey] = &record{pos: copyPosition(pos), order: s.inserted}
	return nil
}

func (s *LedgerStore) AppendLegs(ctx context.Context, owner common.Address, key common.Hash, legs []domain.AggregateInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(owner, key)
	if err != nil {
		return err
	}
	rec.pos.Legs = append(rec.pos.Legs, copyLegs(legs)...)
	return nil
}

func (s *LedgerStore) ReplaceLegs(ctx context.Context, owner common.Address, key common.Hash, legs []domain.AggregateInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(owner, key)
	if err != nil {
		return err
	}
	rec.pos.Legs = copyLegs(legs)
	return nil
}

func (s *LedgerStore) Get(ctx context.Context, owner common.Address, key common.Hash) (domain.CompositePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(owner, key)
	if err != nil {
		return domain.CompositePosition{}, err
	}
	return copyPosition(rec.pos), nil
}

func (s *LedgerStore) ListByOwner(ctx context.Context, owner common.Address) ([]domain.CompositePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.positions[owner]
	out := make([]domain.CompositePosition, 0, len(byKey))
	// Stable order: oldest insertion first.
	records := make([]*record, 0, len(byKey))
	for _, rec := range byKey {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].order < records[j].order })
	for _, rec := range records {
		out = append(out, copyPosition(rec.pos))
	}
	return out, nil
}

func (s *LedgerStore) Delete(ctx context.Context, owner common.Address, key common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(owner, key); err != nil {
		return err
	}
	delete(s.positions[owner], key)
	return nil
}

func (s *LedgerStore) lookup(owner common.Address, key common.Hash) (*record, error) {
	rec, ok := s.positions[owner][key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func copyPosition(pos domain.CompositePosition) domain.CompositePosition {
	out := pos
	out.Legs = copyLegs(pos.Legs)
	return out
}

func copyLegs(legs []domain.AggregateInfo) []domain.AggregateInfo {
	out := make([]domain.AggregateInfo, len(legs))
	copy(out, legs)
	return out
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
