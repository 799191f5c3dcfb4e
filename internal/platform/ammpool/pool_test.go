package ammpool

import (
	"context"
	"math/big"
	"testing"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/platform/bank"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vault  = common.HexToAddress("0x00000000000000000000000000000000000000af")
	token0 = common.HexToAddress("0x0000000000000000000000000000000000000001")
	token1 = common.HexToAddress("0x0000000000000000000000000000000000000002")
	alice  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

func newTestPool(t *testing.T) (*Pool, *bank.Bank) {
	t.Helper()
	b := bank.New()
	b.Mint(token0, alice, big.NewInt(1_000_000))
	b.Mint(token1, alice, big.NewInt(1_000_000))
	return New(b, vault, token0, token1, 3000, decimal.NewFromInt(2)), b
}

func TestMintPullsFundsAndValuesLiquidity(t *testing.T) {
	pool, b := newTestPool(t)
	ctx := context.Background()

	key, liquidity, err := pool.Mint(ctx, alice, -100, 100, big.NewInt(1000), big.NewInt(500), nil)
	require.NoError(t, err)
	assert.True(t, pool.Position(key))

	// liquidity = amount1 + amount0 * spot = 500 + 1000*2
	assert.Equal(t, big.NewInt(2500), liquidity)
	assert.Equal(t, big.NewInt(999_000), b.BalanceOf(token0, alice))
	assert.Equal(t, big.NewInt(999_500), b.BalanceOf(token1, alice))
	assert.Equal(t, big.NewInt(1000), b.BalanceOf(token0, vault))
}

func TestMintPriceLimitRevertsBeforeAnyTransfer(t *testing.T) {
	pool, b := newTestPool(t)
	ctx := context.Background()

	// Spot is 2e18 scaled; a limit of 1e18 must reject the mint.
	limit, _ := new(big.Int).SetString("1000000000000000000", 10)
	_, _, err := pool.Mint(ctx, alice, -100, 100, big.NewInt(1000), big.NewInt(500), limit)
	require.ErrorIs(t, err, domain.ErrPriceLimitExceeded)

	assert.Equal(t, big.NewInt(1_000_000), b.BalanceOf(token0, alice))
	assert.Equal(t, big.NewInt(1_000_000), b.BalanceOf(token1, alice))
	assert.Equal(t, big.NewInt(0), b.BalanceOf(token0, vault))
}

func TestMintInsufficientBalanceMovesNothing(t *testing.T) {
	pool, b := newTestPool(t)
	ctx := context.Background()

	_, _, err := pool.Mint(ctx, alice, -100, 100, big.NewInt(1000), big.NewInt(2_000_000), nil)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// The token0 pull must have been undone.
	assert.Equal(t, big.NewInt(1_000_000), b.BalanceOf(token0, alice))
	assert.Equal(t, big.NewInt(0), b.BalanceOf(token0, vault))
}

func TestBurnReturnsPrincipalPlusFees(t *testing.T) {
	pool, b := newTestPool(t)
	ctx := context.Background()

	key, _, err := pool.Mint(ctx, alice, -100, 100, big.NewInt(1000), big.NewInt(500), nil)
	require.NoError(t, err)

	require.NoError(t, pool.AccrueFees(key, big.NewInt(7), big.NewInt(11)))

	fees, err := pool.FeesOf(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), fees[0].Amount)
	assert.Equal(t, big.NewInt(11), fees[1].Amount)

	amounts, err := pool.Burn(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1007), amounts[0].Amount)
	assert.Equal(t, big.NewInt(511), amounts[1].Amount)

	assert.False(t, pool.Position(key))
	assert.Equal(t, big.NewInt(1_000_007), b.BalanceOf(token0, alice))
	assert.Equal(t, big.NewInt(1_000_011), b.BalanceOf(token1, alice))

	_, err = pool.Burn(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCollectZeroesOwedWithoutClosing(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	key, _, err := pool.Mint(ctx, alice, -100, 100, big.NewInt(1000), big.NewInt(500), nil)
	require.NoError(t, err)
	require.NoError(t, pool.AccrueFees(key, big.NewInt(3), big.NewInt(5)))

	amounts, err := pool.Collect(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), amounts[0].Amount)
	assert.Equal(t, big.NewInt(5), amounts[1].Amount)

	fees, err := pool.FeesOf(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), fees[0].Amount)
	assert.Equal(t, big.NewInt(0), fees[1].Amount)
	assert.True(t, pool.Position(key))
}

func TestMintKeysAreUniquePerCall(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	k1, _, err := pool.Mint(ctx, alice, -100, 100, big.NewInt(10), big.NewInt(10), nil)
	require.NoError(t, err)
	k2, _, err := pool.Mint(ctx, alice, -100, 100, big.NewInt(10), big.NewInt(10), nil)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}
