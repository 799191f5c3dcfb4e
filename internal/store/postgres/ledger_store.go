package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/composefi/composer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// NextNonce atomically increments and returns the per-owner counter used for
// position-key derivation.
func (s *LedgerStore) NextNonce(ctx context.Context, owner common.Address) (uint64, error) {
	const query = `
		INSERT INTO owner_nonces (owner, nonce) VALUES ($1, 1)
		ON CONFLICT (owner) DO UPDATE SET nonce = owner_nonces.nonce + 1
		RETURNING nonce`

	var nonce int64
	if err := s.pool.QueryRow(ctx, query, owner.Bytes()).Scan(&nonce); err != nil {
		return 0, fmt.Errorf("postgres: next nonce: %w", err)
	}
	return uint64(nonce), nil
}

// Insert stores a new composite position together with its legs.
func (s *LedgerStore) Insert(ctx context.Context, pos domain.CompositePosition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO composite_positions (position_key, owner, created_at) VALUES ($1, $2, $3)`,
		pos.PositionKey.Bytes(), pos.Owner.Bytes(), pos.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", pos.PositionKey.Hex(), err)
	}
	if err := insertLegs(ctx, tx, pos.PositionKey, 0, pos.Legs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendLegs adds legs after the current highest leg index.
func (s *LedgerStore) AppendLegs(ctx context.Context, owner common.Address, key common.Hash, legs []domain.AggregateInfo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ownedPosition(ctx, tx, owner, key); err != nil {
		return err
	}

	var next int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(leg_index) + 1, 0) FROM position_legs WHERE position_key = $1`,
		key.Bytes(),
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("postgres: next leg index: %w", err)
	}

	if err := insertLegs(ctx, tx, key, next, legs); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE composite_positions SET updated_at = NOW() WHERE position_key = $1`,
		key.Bytes(),
	); err != nil {
		return fmt.Errorf("postgres: touch position: %w", err)
	}
	return tx.Commit(ctx)
}

// ReplaceLegs rewrites the full leg list of a position.
func (s *LedgerStore) ReplaceLegs(ctx context.Context, owner common.Address, key common.Hash, legs []domain.AggregateInfo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ownedPosition(ctx, tx, owner, key); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM position_legs WHERE position_key = $1`, key.Bytes(),
	); err != nil {
		return fmt.Errorf("postgres: clear legs: %w", err)
	}
	if err := insertLegs(ctx, tx, key, 0, legs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get loads one position with its legs in index order.
func (s *LedgerStore) Get(ctx context.Context, owner common.Address, key common.Hash) (domain.CompositePosition, error) {
	var pos domain.CompositePosition
	var keyBytes, ownerBytes []byte

	err := s.pool.QueryRow(ctx,
		`SELECT position_key, owner, created_at FROM composite_positions
		 WHERE position_key = $1 AND owner = $2`,
		key.Bytes(), owner.Bytes(),
	).Scan(&keyBytes, &ownerBytes, &pos.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CompositePosition{}, domain.ErrNotFound
		}
		return domain.CompositePosition{}, fmt.Errorf("postgres: get position %s: %w", key.Hex(), err)
	}
	pos.PositionKey = common.BytesToHash(keyBytes)
	pos.Owner = common.BytesToAddress(ownerBytes)

	legs, err := s.legsOf(ctx, key)
	if err != nil {
		return domain.CompositePosition{}, err
	}
	pos.Legs = legs
	return pos, nil
}

// ListByOwner returns all positions for an owner, oldest first, legs included.
func (s *LedgerStore) ListByOwner(ctx context.Context, owner common.Address) ([]domain.CompositePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position_key, created_at FROM composite_positions
		 WHERE owner = $1 ORDER BY created_at ASC`,
		owner.Bytes(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.CompositePosition
	for rows.Next() {
		var keyBytes []byte
		var createdAt time.Time
		if err := rows.Scan(&keyBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, domain.CompositePosition{
			PositionKey: common.BytesToHash(keyBytes),
			Owner:       owner,
			Timestamp:   createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}

	for i := range positions {
		legs, err := s.legsOf(ctx, positions[i].PositionKey)
		if err != nil {
			return nil, err
		}
		positions[i].Legs = legs
	}
	return positions, nil
}

// Delete prunes a position; legs cascade.
func (s *LedgerStore) Delete(ctx context.Context, owner common.Address, key common.Hash) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM composite_positions WHERE position_key = $1 AND owner = $2`,
		key.Bytes(), owner.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", key.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *LedgerStore) legsOf(ctx context.Context, key common.Hash) ([]domain.AggregateInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT manager, venue_key, open_infos, close_pending, opened_at
		 FROM position_legs WHERE position_key = $1 ORDER BY leg_index ASC`,
		key.Bytes(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load legs: %w", err)
	}
	defer rows.Close()

	var legs []domain.AggregateInfo
	for rows.Next() {
		var leg domain.AggregateInfo
		var manager int16
		if err := rows.Scan(&manager, &leg.OpenResult.Key, &leg.OpenResult.Infos, &leg.ClosePending, &leg.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan leg: %w", err)
		}
		leg.Manager = domain.ManagerTag(manager)
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

func insertLegs(ctx context.Context, tx pgx.Tx, key common.Hash, start int, legs []domain.AggregateInfo) error {
	for i, leg := range legs {
		_, err := tx.Exec(ctx,
			`INSERT INTO position_legs
				(position_key, leg_index, manager, venue_key, open_infos, close_pending, opened_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			key.Bytes(), start+i, int16(leg.Manager),
			leg.OpenResult.Key, leg.OpenResult.Infos, leg.ClosePending, leg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert leg %d: %w", start+i, err)
		}
	}
	return nil
}

func ownedPosition(ctx context.Context, tx pgx.Tx, owner common.Address, key common.Hash) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM composite_positions WHERE position_key = $1 AND owner = $2)`,
		key.Bytes(), owner.Bytes(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check position: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
