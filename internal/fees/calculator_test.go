package fees

import (
	"context"
	"math/big"
	"testing"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/platform/ammpool"
	"github.com/composefi/composer/internal/platform/bank"
	"github.com/composefi/composer/internal/platform/perpex"
	"github.com/composefi/composer/internal/venue"
	"github.com/composefi/composer/internal/venue/amm"
	"github.com/composefi/composer/internal/venue/perp"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T) (*Calculator, *perpex.Exchange) {
	t.Helper()

	b := bank.New()
	vault := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	token0 := common.HexToAddress("0x01")
	token1 := common.HexToAddress("0x02")

	pool := ammpool.New(b, vault, token0, token1, 3000, decimal.NewFromInt(2))
	exchange := perpex.New(b, vault, perpex.NewStaticFeed(), big.NewInt(25))

	adapters := map[domain.ManagerTag]venue.Adapter{
		domain.ManagerAMM:  amm.NewAdapter(pool),
		domain.ManagerPerp: perp.NewAdapter(exchange),
	}
	calc := NewCalculator(map[domain.ManagerTag]*big.Int{
		domain.ManagerAMM:  big.NewInt(5),
		domain.ManagerPerp: big.NewInt(100),
	}, adapters)
	return calc, exchange
}

func TestFeeForIsFixedPlusExecution(t *testing.T) {
	calc, _ := newTestCalculator(t)
	ctx := context.Background()

	// AMM has no execution queue, so only the fixed part applies.
	fee, err := calc.FeeFor(ctx, domain.ManagerAMM)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), fee)

	fee, err = calc.FeeFor(ctx, domain.ManagerPerp)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(125), fee)
}

func TestFeeForTracksExecutionFeeDrift(t *testing.T) {
	calc, exchange := newTestCalculator(t)
	ctx := context.Background()

	before, err := calc.FeeFor(ctx, domain.ManagerPerp)
	require.NoError(t, err)

	exchange.SetMinExecutionFee(big.NewInt(40))

	after, err := calc.FeeFor(ctx, domain.ManagerPerp)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(125), before)
	assert.Equal(t, big.NewInt(140), after)
}

func TestFeeForUnknownProduct(t *testing.T) {
	calc, _ := newTestCalculator(t)

	_, err := calc.FeeFor(context.Background(), domain.ManagerTag(99))
	assert.ErrorIs(t, err, domain.ErrUnknownManagerTag)
}

func TestFeeForDoesNotAliasFixedMap(t *testing.T) {
	fixed := map[domain.ManagerTag]*big.Int{domain.ManagerAMM: big.NewInt(5)}
	b := bank.New()
	pool := ammpool.New(b, common.HexToAddress("0xaf"), common.HexToAddress("0x01"), common.HexToAddress("0x02"), 3000, decimal.NewFromInt(2))
	calc := NewCalculator(fixed, map[domain.ManagerTag]venue.Adapter{
		domain.ManagerAMM: amm.NewAdapter(pool),
	})

	// Mutating the caller's map after construction must not change quotes.
	fixed[domain.ManagerAMM].SetInt64(999)

	fee, err := calc.FeeFor(context.Background(), domain.ManagerAMM)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), fee)
}
