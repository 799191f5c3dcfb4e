package router

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/composefi/composer/internal/cache/local"
	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/fees"
	"github.com/composefi/composer/internal/ledger"
	"github.com/composefi/composer/internal/platform/ammpool"
	"github.com/composefi/composer/internal/platform/bank"
	"github.com/composefi/composer/internal/platform/perpex"
	"github.com/composefi/composer/internal/store/memory"
	"github.com/composefi/composer/internal/venue"
	"github.com/composefi/composer/internal/venue/amm"
	"github.com/composefi/composer/internal/venue/perp"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	usdc   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	pVault = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	aVault = common.HexToAddress("0x00000000000000000000000000000000000000af")
	alice  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	kpr    = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

// perpFixedFee + the exchange's min execution fee (1) is the quote for one
// perpetual operation.
const perpFixedFee = 10

type fixture struct {
	bank     *bank.Bank
	pool     *ammpool.Pool
	exchange *perpex.Exchange
	feed     *perpex.StaticFeed
	ledger   *ledger.Ledger
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := bank.New()
	b.Mint(weth, alice, big.NewInt(1_000_000))
	b.Mint(usdc, alice, big.NewInt(1_000_000))

	pool := ammpool.New(b, aVault, weth, usdc, 3000, decimal.NewFromInt(2))

	feed := perpex.NewStaticFeed()
	feed.SetPrice(weth, big.NewInt(2000))
	exchange := perpex.New(b, pVault, feed, big.NewInt(1))

	adapters := map[domain.ManagerTag]venue.Adapter{
		domain.ManagerAMM:  amm.NewAdapter(pool),
		domain.ManagerPerp: perp.NewAdapter(exchange),
	}
	calc := fees.NewCalculator(map[domain.ManagerTag]*big.Int{
		domain.ManagerAMM:  big.NewInt(0),
		domain.ManagerPerp: big.NewInt(perpFixedFee),
	}, adapters)

	l := ledger.New(memory.NewLedgerStore(), slog.Default())
	r := New(l, calc, adapters, local.NewLockManager(), slog.Default())

	return &fixture{
		bank:     b,
		pool:     pool,
		exchange: exchange,
		feed:     feed,
		ledger:   l,
		router:   r,
	}
}

func ammSpec(amount0, amount1 int64, maxSpot *big.Int) domain.LegSpec {
	return domain.LegSpec{
		Manager:   domain.ManagerAMM,
		Recipient: alice,
		Amm: &domain.AmmLegParams{
			TickLower:      -100,
			TickUpper:      100,
			FeeTier:        3000,
			Amount0Desired: big.NewInt(amount0),
			Amount1Desired: big.NewInt(amount1),
			MaxSpotPrice:   maxSpot,
		},
	}
}

func perpSpec(collateral int64, acceptable int64) domain.LegSpec {
	var p *big.Int
	if acceptable != 0 {
		p = big.NewInt(acceptable)
	}
	return domain.LegSpec{
		Manager:   domain.ManagerPerp,
		Recipient: alice,
		Perp: &domain.PerpLegParams{
			CollateralToken:  usdc,
			IndexToken:       weth,
			IsLong:           true,
			CollateralAmount: big.NewInt(collateral),
			Leverage:         5 * domain.LeverageScale,
			AcceptablePrice:  p,
		},
	}
}

func TestOpenCompositeBothLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil), perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)
	require.Len(t, resp.Pending, 1)
	assert.Equal(t, domain.DirectionIncrease, resp.Pending[0].Direction)

	pos, err := f.ledger.Get(ctx, alice, resp.PositionKey)
	require.NoError(t, err)
	require.Len(t, pos.Legs, 2)
	assert.Equal(t, domain.ManagerAMM, pos.Legs[0].Manager)
	assert.Equal(t, domain.ManagerPerp, pos.Legs[1].Manager)

	// AMM leg settled synchronously; perp collateral is parked awaiting the
	// keeper.
	assert.Equal(t, big.NewInt(1000), f.bank.BalanceOf(weth, aVault))
	assert.Equal(t, big.NewInt(1000), f.bank.BalanceOf(usdc, pVault))
}

func TestOpenCompositeInsufficientValue(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.OpenComposite(context.Background(), OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee), // one short of fixed + execution
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientAttachedValue)
}

func TestOpenCompositeExcessValueWithoutPerpLeg(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.OpenComposite(context.Background(), OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil)},
		Value: big.NewInt(5),
	})
	assert.ErrorIs(t, err, domain.ErrExcessAttachedValue)
}

func TestOpenCompositeExcessValueForwardedToPerpLeg(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.OpenComposite(context.Background(), OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil), perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee + 1 + 9),
	})
	assert.NoError(t, err)
}

func TestOpenCompositePriceLimitRevertsWholeCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Spot is 2e18 scaled; limit of 1e18 fails the AMM leg.
	limit, _ := new(big.Int).SetString("1000000000000000000", 10)

	_, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, limit)},
		Value: new(big.Int),
	})
	require.ErrorIs(t, err, domain.ErrPriceLimitExceeded)

	// Nothing persisted, nothing moved.
	list, err := f.ledger.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, big.NewInt(1_000_000), f.bank.BalanceOf(weth, alice))
	assert.Equal(t, big.NewInt(1_000_000), f.bank.BalanceOf(usdc, alice))
}

func TestOpenCompositeMidCallFailureCompensatesOpenedLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	limit, _ := new(big.Int).SetString("1000000000000000000", 10)

	// First AMM leg opens, second violates its price bound: the first leg
	// must be unwound and the whole call persisted nowhere.
	_, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil), ammSpec(2000, 100, limit)},
		Value: new(big.Int),
	})
	require.ErrorIs(t, err, domain.ErrPriceLimitExceeded)

	list, err := f.ledger.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, big.NewInt(1_000_000), f.bank.BalanceOf(weth, alice))
	assert.Equal(t, big.NewInt(1_000_000), f.bank.BalanceOf(usdc, alice))
}

func TestOpenCompositeValidationFailuresChangeNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := perpSpec(0, 0) // zero collateral
	_, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{bad},
		Value: big.NewInt(perpFixedFee + 1),
	})
	require.ErrorIs(t, err, domain.ErrZeroCollateral)

	_, err = f.router.OpenComposite(ctx, OpenRequest{Owner: alice, Value: new(big.Int)})
	assert.ErrorIs(t, err, domain.ErrEmptyLegs)

	list, err := f.ledger.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpenCompositeAppendToExistingPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil)},
		Value: new(big.Int),
	})
	require.NoError(t, err)

	key := resp.PositionKey
	_, err = f.router.OpenComposite(ctx, OpenRequest{
		Owner:       alice,
		PositionKey: &key,
		Legs:        []domain.LegSpec{perpSpec(1000, 0)},
		Value:       big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)

	pos, err := f.ledger.Get(ctx, alice, key)
	require.NoError(t, err)
	require.Len(t, pos.Legs, 2)
	assert.Equal(t, domain.ManagerAMM, pos.Legs[0].Manager)
	assert.Equal(t, domain.ManagerPerp, pos.Legs[1].Manager)
}

func TestOpenCompositeAppendToUnknownKey(t *testing.T) {
	f := newFixture(t)

	bogus := common.HexToHash("0xbeef")
	_, err := f.router.OpenComposite(context.Background(), OpenRequest{
		Owner:       alice,
		PositionKey: &bogus,
		Legs:        []domain.LegSpec{ammSpec(1000, 500, nil)},
		Value:       new(big.Int),
	})
	assert.ErrorIs(t, err, domain.ErrUnknownPositionKey)
}

func TestQueryPositionsAttachesLiveState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil), perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)

	// Accrue AMM fees and execute the pending increase.
	pos, err := f.ledger.Get(ctx, alice, resp.PositionKey)
	require.NoError(t, err)
	ammKey := common.BytesToHash(pos.Legs[0].OpenResult.Key)
	require.NoError(t, f.pool.AccrueFees(ammKey, big.NewInt(7), big.NewInt(11)))
	_, err = f.exchange.ExecuteIncreasePositions(ctx, 10, kpr)
	require.NoError(t, err)

	positions, err := f.router.QueryPositions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Len(t, positions[0].Legs, 2)

	ammView, err := ledger.Decode(positions[0].Legs[0])
	require.NoError(t, err)
	av := ammView.(ledger.AmmView)
	require.Len(t, av.Fees, 2)
	assert.Equal(t, big.NewInt(7), av.Fees[0].Amount)

	perpView, err := ledger.Decode(positions[0].Legs[1])
	require.NoError(t, err)
	pv := perpView.(ledger.PerpView)
	require.NotNil(t, pv.Current)
	assert.True(t, pv.Current.IsOpenSuccess)
}

func TestSilentOpenFailureVisibleOnlyThroughCurrentInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Long with acceptable price below the mark: submission succeeds, the
	// keeper rejects at execution time.
	_, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{perpSpec(1000, 1900)},
		Value: big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)

	_, err = f.exchange.ExecuteIncreasePositions(ctx, 10, kpr)
	require.NoError(t, err)

	positions, err := f.router.QueryPositions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	view, err := ledger.Decode(positions[0].Legs[0])
	require.NoError(t, err)
	pv := view.(ledger.PerpView)
	require.NotNil(t, pv.Current)
	assert.False(t, pv.Current.IsOpenSuccess)
	// Collateral is parked at the venue; no refund happened.
	assert.Equal(t, big.NewInt(1000), pv.Current.ContractCollateral)
	assert.Equal(t, big.NewInt(999_000), f.bank.BalanceOf(usdc, alice))
}

func TestCloseCompositeFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil), perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)
	_, err = f.exchange.ExecuteIncreasePositions(ctx, 10, kpr)
	require.NoError(t, err)

	outcomes, err := f.router.CloseComposite(ctx, CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: resp.PositionKey}},
		Value:     big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	// The AMM leg settled synchronously; the perp leg is close-pending.
	assert.Len(t, outcomes[0].Settled, 2)
	assert.Len(t, outcomes[0].PendingRequests, 1)
	assert.False(t, outcomes[0].Pruned)

	pos, err := f.ledger.Get(ctx, alice, resp.PositionKey)
	require.NoError(t, err)
	require.Len(t, pos.Legs, 1)
	assert.Equal(t, domain.ManagerPerp, pos.Legs[0].Manager)
	assert.True(t, pos.Legs[0].ClosePending)

	// Keeper settles the decrease; the next query reconciles the leg away
	// and prunes the emptied position.
	_, err = f.exchange.ExecuteDecreasePositions(ctx, 10, kpr)
	require.NoError(t, err)

	positions, err := f.router.QueryPositions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, positions)

	list, err := f.ledger.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)

	// All principal returned: AMM deposits back, perp collateral back.
	assert.Equal(t, big.NewInt(1_000_000), f.bank.BalanceOf(weth, alice))
	assert.Equal(t, big.NewInt(1_000_000), f.bank.BalanceOf(usdc, alice))
}

func TestClosePartialLegSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil), perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)

	// Close only the AMM leg (index 0).
	outcomes, err := f.router.CloseComposite(ctx, CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: resp.PositionKey, LegIndexes: []int{0}}},
		Value:     new(big.Int),
	})
	require.NoError(t, err)
	assert.Len(t, outcomes[0].Settled, 2)
	assert.Empty(t, outcomes[0].PendingRequests)

	pos, err := f.ledger.Get(ctx, alice, resp.PositionKey)
	require.NoError(t, err)
	require.Len(t, pos.Legs, 1)
	assert.Equal(t, domain.ManagerPerp, pos.Legs[0].Manager)
	assert.False(t, pos.Legs[0].ClosePending)
}

func TestCloseSyncOnlyPositionPrunesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil)},
		Value: new(big.Int),
	})
	require.NoError(t, err)

	outcomes, err := f.router.CloseComposite(ctx, CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: resp.PositionKey}},
		Value:     new(big.Int),
	})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Pruned)

	_, err = f.ledger.Get(ctx, alice, resp.PositionKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReopenedLegStaysVisibleWhileCloseQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	openReq := OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee + 1),
	}
	closeReq := func(key common.Hash) CloseRequest {
		return CloseRequest{
			Owner:     alice,
			Positions: []CloseArgs{{PositionKey: key}},
			Value:     big.NewInt(perpFixedFee + 1),
		}
	}

	// First full cycle: open, execute, close, execute, reconcile away.
	resp, err := f.router.OpenComposite(ctx, openReq)
	require.NoError(t, err)
	_, err = f.exchange.ExecuteIncreasePositions(ctx, 10, kpr)
	require.NoError(t, err)
	_, err = f.router.CloseComposite(ctx, closeReq(resp.PositionKey))
	require.NoError(t, err)
	_, err = f.exchange.ExecuteDecreasePositions(ctx, 10, kpr)
	require.NoError(t, err)
	positions, err := f.router.QueryPositions(ctx, alice)
	require.NoError(t, err)
	require.Empty(t, positions)

	// Second cycle reuses the same venue position. With the decrease still
	// queued, the query must keep showing the close-pending leg.
	resp, err = f.router.OpenComposite(ctx, openReq)
	require.NoError(t, err)
	_, err = f.exchange.ExecuteIncreasePositions(ctx, 10, kpr)
	require.NoError(t, err)
	_, err = f.router.CloseComposite(ctx, closeReq(resp.PositionKey))
	require.NoError(t, err)

	_, dec := f.exchange.QueueLengths()
	require.Equal(t, 1, dec)

	positions, err = f.router.QueryPositions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Len(t, positions[0].Legs, 1)
	assert.True(t, positions[0].Legs[0].ClosePending)

	// Once the keeper settles, the leg reconciles away as usual.
	_, err = f.exchange.ExecuteDecreasePositions(ctx, 10, kpr)
	require.NoError(t, err)
	positions, err = f.router.QueryPositions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestRecloseOfQueuedLegIsNotBilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{perpSpec(1000, 0)},
		Value: big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)
	_, err = f.exchange.ExecuteIncreasePositions(ctx, 10, kpr)
	require.NoError(t, err)

	_, err = f.router.CloseComposite(ctx, CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: resp.PositionKey}},
		Value:     big.NewInt(perpFixedFee + 1),
	})
	require.NoError(t, err)

	// Re-closing while the decrease is queued reaches no venue, so zero
	// attached value is required and a second decrease is never submitted.
	outcomes, err := f.router.CloseComposite(ctx, CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: resp.PositionKey}},
		Value:     new(big.Int),
	})
	require.NoError(t, err)
	assert.Empty(t, outcomes[0].Settled)
	assert.Empty(t, outcomes[0].PendingRequests)
	assert.False(t, outcomes[0].Pruned)

	_, dec := f.exchange.QueueLengths()
	assert.Equal(t, 1, dec)

	// Attaching the usual fee anyway is excess with no leg to absorb it.
	_, err = f.router.CloseComposite(ctx, CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: resp.PositionKey}},
		Value:     big.NewInt(perpFixedFee + 1),
	})
	assert.ErrorIs(t, err, domain.ErrExcessAttachedValue)
}

func TestCloseUnknownPositionKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.CloseComposite(context.Background(), CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: common.HexToHash("0xbeef")}},
		Value:     new(big.Int),
	})
	assert.ErrorIs(t, err, domain.ErrUnknownPositionKey)
}

func TestCloseExcessValueWithoutPerpLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.OpenComposite(ctx, OpenRequest{
		Owner: alice,
		Legs:  []domain.LegSpec{ammSpec(1000, 500, nil)},
		Value: new(big.Int),
	})
	require.NoError(t, err)

	_, err = f.router.CloseComposite(ctx, CloseRequest{
		Owner:     alice,
		Positions: []CloseArgs{{PositionKey: resp.PositionKey}},
		Value:     big.NewInt(3),
	})
	assert.ErrorIs(t, err, domain.ErrExcessAttachedValue)
}
