// Package amm implements the AMM-leg venue adapter: synchronous settlement
// over a range pool, with a running fee stream instead of live position state.
package amm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/venue"
	"github.com/ethereum/go-ethereum/common"
)

// RangePool is the narrow slice of the external AMM venue the adapter needs.
type RangePool interface {
	Mint(ctx context.Context, owner common.Address, tickLower, tickUpper int32, amount0, amount1, maxSpotPrice *big.Int) (common.Hash, *big.Int, error)
	Burn(ctx context.Context, key common.Hash) ([]domain.TokenAmount, error)
	Collect(ctx context.Context, key common.Hash) ([]domain.TokenAmount, error)
	FeesOf(ctx context.Context, key common.Hash) ([]domain.TokenAmount, error)
	Tokens() (common.Address, common.Address)
	FeeTier() uint32
}

// Adapter translates leg specs into range-pool calls. It is stateless.
type Adapter struct {
	pool RangePool
}

func NewAdapter(pool RangePool) *Adapter {
	return &Adapter{pool: pool}
}

func (a *Adapter) Tag() domain.ManagerTag { return domain.ManagerAMM }

// Open mints a range position synchronously. A violated price bound reverts
// with no venue state change; pending is always false.
func (a *Adapter) Open(ctx context.Context, spec domain.LegSpec, value *big.Int) (domain.OpenResult, bool, error) {
	if err := spec.Validate(); err != nil {
		return domain.OpenResult{}, false, err
	}
	if spec.Manager != domain.ManagerAMM {
		return domain.OpenResult{}, false, fmt.Errorf("amm: %w: %s", domain.ErrUnknownManagerTag, spec.Manager)
	}
	p := spec.Amm

	key, liquidity, err := a.pool.Mint(ctx, spec.Recipient, p.TickLower, p.TickUpper, p.Amount0Desired, p.Amount1Desired, p.MaxSpotPrice)
	if err != nil {
		return domain.OpenResult{}, false, err
	}

	token0, token1 := a.pool.Tokens()
	infos, err := EncodeOpenInfos(OpenInfos{
		Liquidity: liquidity,
		TickLower: p.TickLower,
		TickUpper: p.TickUpper,
		Token0:    token0,
		Token1:    token1,
		FeeTier:   a.pool.FeeTier(),
	})
	if err != nil {
		return domain.OpenResult{}, false, err
	}

	return domain.OpenResult{Key: key.Bytes(), Infos: infos}, false, nil
}

// Close burns the range position and settles principal plus fees immediately.
func (a *Adapter) Close(ctx context.Context, key []byte, args domain.CloseLegArgs, value *big.Int) (venue.CloseResult, bool, error) {
	amounts, err := a.pool.Burn(ctx, common.BytesToHash(key))
	if err != nil {
		return venue.CloseResult{}, false, err
	}
	return venue.CloseResult{Amounts: amounts}, false, nil
}

// CurrentInfo is not meaningful for AMM legs; they expose FeesOf instead.
func (a *Adapter) CurrentInfo(ctx context.Context, key []byte) ([]byte, error) {
	return nil, domain.ErrNoCurrentInfo
}

func (a *Adapter) FeesOf(ctx context.Context, key []byte) ([]domain.TokenAmount, error) {
	return a.pool.FeesOf(ctx, common.BytesToHash(key))
}

// ExecutionFee is zero: AMM settlement needs no keeper.
func (a *Adapter) ExecutionFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int), nil
}

var _ venue.Adapter = (*Adapter)(nil)
