// Package ammpool simulates a concentrated-liquidity AMM pool: range
// positions keyed by (owner, range, nonce), synchronous settlement, and a
// running fee stream per position. It stands in for the external AMM venue.
package ammpool

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/platform/bank"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// priceScale is the external fixed-point scale of pool prices (1e18).
var priceScale = decimal.New(1, 18)

// tickBase is the per-tick price ratio of the simulated pool.
var tickBase = math.Log(1.0001)

type rangePosition struct {
	owner     common.Address
	tickLower int32
	tickUpper int32
	liquidity *big.Int

	// amounts deposited at mint, returned at burn
	amount0 *big.Int
	amount1 *big.Int

	// accrued, uncollected fees
	owed0 *big.Int
	owed1 *big.Int
}

// Pool is an in-memory range pool over a token pair.
type Pool struct {
	mu sync.Mutex

	bank   *bank.Bank
	vault  common.Address
	token0 common.Address
	token1 common.Address

	feeTier uint32
	spot    decimal.Decimal // token1 per token0
	nonce   uint64

	positions map[common.Hash]*rangePosition
}

// New creates a pool holding funds under the vault account of the given bank.
// initialPrice is token1-per-token0 in natural units.
func New(b *bank.Bank, vault, token0, token1 common.Address, feeTier uint32, initialPrice decimal.Decimal) *Pool {
	return &Pool{
		bank:      b,
		vault:     vault,
		token0:    token0,
		token1:    token1,
		feeTier:   feeTier,
		spot:      initialPrice,
		positions: make(map[common.Hash]*rangePosition),
	}
}

// Tokens returns the pool's pair in canonical order.
func (p *Pool) Tokens() (common.Address, common.Address) {
	return p.token0, p.token1
}

// FeeTier returns the pool's fee tier in hundredths of a bip.
func (p *Pool) FeeTier() uint32 { return p.feeTier }

// SetSpotPrice moves the pool price. Test and simulation hook.
func (p *Pool) SetSpotPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spot = price
}

// SpotPrice returns the current execution price scaled 1e18.
func (p *Pool) SpotPrice() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spot.Mul(priceScale).BigInt()
}

// CurrentTick derives the pool tick from the spot price.
func (p *Pool) CurrentTick() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, _ := p.spot.Float64()
	if f <= 0 {
		return 0
	}
	return int32(math.Round(math.Log(f) / tickBase))
}

// Mint opens a range position, pulling the desired amounts from owner into
// the pool vault. If maxSpotPrice is nonzero and the current execution price
// exceeds it, Mint fails before any balance moves.
func (p *Pool) Mint(ctx context.Context, owner common.Address, tickLower, tickUpper int32, amount0, amount1, maxSpotPrice *big.Int) (common.Hash, *big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	spotScaled := p.spot.Mul(priceScale).BigInt()
	if maxSpotPrice != nil && maxSpotPrice.Sign() > 0 && spotScaled.Cmp(maxSpotPrice) > 0 {
		return common.Hash{}, nil, fmt.Errorf("ammpool: spot %s above limit %s: %w",
			spotScaled, maxSpotPrice, domain.ErrPriceLimitExceeded)
	}

	if amount0 == nil {
		amount0 = new(big.Int)
	}
	if amount1 == nil {
		amount1 = new(big.Int)
	}

	if err := p.bank.Transfer(p.token0, owner, p.vault, amount0); err != nil {
		return common.Hash{}, nil, err
	}
	if err := p.bank.Transfer(p.token1, owner, p.vault, amount1); err != nil {
		// Undo the token0 pull so a failed mint moves no funds.
		_ = p.bank.Transfer(p.token0, p.vault, owner, amount0)
		return common.Hash{}, nil, err
	}

	// Liquidity is valued in token1 units: amount1 + amount0 * spot.
	value0 := decimal.NewFromBigInt(amount0, 0).Mul(p.spot)
	liquidity := value0.Add(decimal.NewFromBigInt(amount1, 0)).BigInt()

	p.nonce++
	key := positionKey(owner, tickLower, tickUpper, p.nonce)

	p.positions[key] = &rangePosition{
		owner:     owner,
		tickLower: tickLower,
		tickUpper: tickUpper,
		liquidity: liquidity,
		amount0:   new(big.Int).Set(amount0),
		amount1:   new(big.Int).Set(amount1),
		owed0:     new(big.Int),
		owed1:     new(big.Int),
	}
	return key, liquidity, nil
}

// Burn closes a range position, returning the deposited amounts plus any
// uncollected fees to the owner. Settlement is synchronous.
func (p *Pool) Burn(ctx context.Context, key common.Hash) ([]domain.TokenAmount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[key]
	if !ok {
		return nil, fmt.Errorf("ammpool: burn %s: %w", key.Hex(), domain.ErrNotFound)
	}

	out0 := new(big.Int).Add(pos.amount0, pos.owed0)
	out1 := new(big.Int).Add(pos.amount1, pos.owed1)

	if err := p.bank.Transfer(p.token0, p.vault, pos.owner, out0); err != nil {
		return nil, err
	}
	if err := p.bank.Transfer(p.token1, p.vault, pos.owner, out1); err != nil {
		return nil, err
	}
	delete(p.positions, key)

	return []domain.TokenAmount{
		{Token: p.token0, Amount: out0},
		{Token: p.token1, Amount: out1},
	}, nil
}

// Collect pays out accrued fees without closing the position.
func (p *Pool) Collect(ctx context.Context, key common.Hash) ([]domain.TokenAmount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[key]
	if !ok {
		return nil, fmt.Errorf("ammpool: collect %s: %w", key.Hex(), domain.ErrNotFound)
	}

	out0, out1 := pos.owed0, pos.owed1
	if err := p.bank.Transfer(p.token0, p.vault, pos.owner, out0); err != nil {
		return nil, err
	}
	if err := p.bank.Transfer(p.token1, p.vault, pos.owner, out1); err != nil {
		return nil, err
	}
	pos.owed0 = new(big.Int)
	pos.owed1 = new(big.Int)

	return []domain.TokenAmount{
		{Token: p.token0, Amount: out0},
		{Token: p.token1, Amount: out1},
	}, nil
}

// FeesOf returns the accrued, uncollected fee amounts for the position.
func (p *Pool) FeesOf(ctx context.Context, key common.Hash) ([]domain.TokenAmount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[key]
	if !ok {
		return nil, fmt.Errorf("ammpool: feesOf %s: %w", key.Hex(), domain.ErrNotFound)
	}
	return []domain.TokenAmount{
		{Token: p.token0, Amount: new(big.Int).Set(pos.owed0)},
		{Token: p.token1, Amount: new(big.Int).Set(pos.owed1)},
	}, nil
}

// Position reports whether a key is still open. Used by tests.
func (p *Pool) Position(key common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.positions[key]
	return ok
}

// AccrueFees credits swap fees to a position and funds the vault so a later
// Collect or Burn can pay them out. Simulation hook for trading activity.
func (p *Pool) AccrueFees(key common.Hash, fee0, fee1 *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[key]
	if !ok {
		return fmt.Errorf("ammpool: accrue %s: %w", key.Hex(), domain.ErrNotFound)
	}
	if fee0 != nil {
		pos.owed0.Add(pos.owed0, fee0)
		p.bank.Mint(p.token0, p.vault, fee0)
	}
	if fee1 != nil {
		pos.owed1.Add(pos.owed1, fee1)
		p.bank.Mint(p.token1, p.vault, fee1)
	}
	return nil
}

func positionKey(owner common.Address, tickLower, tickUpper int32, nonce uint64) common.Hash {
	var buf [16]byte
	putInt32(buf[0:4], tickLower)
	putInt32(buf[4:8], tickUpper)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(nonce >> (8 * (7 - i)))
	}
	return crypto.Keccak256Hash(owner.Bytes(), buf[:])
}

func putInt32(dst []byte, v int32) {
	u := uint32(v)
	dst[0] = byte(u >> 24)
	dst[1] = byte(u >> 16)
	dst[2] = byte(u >> 8)
	dst[3] = byte(u)
}
