package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/store/memory"
	"github.com/composefi/composer/internal/venue/amm"
	"github.com/composefi/composer/internal/venue/perp"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(memory.NewLedgerStore(), slog.Default())
}

func ammLeg(t *testing.T, venueKey byte) domain.AggregateInfo {
	t.Helper()
	infos, err := amm.EncodeOpenInfos(amm.OpenInfos{
		Liquidity: big.NewInt(2500),
		TickLower: -100,
		TickUpper: 100,
		Token0:    common.HexToAddress("0x01"),
		Token1:    common.HexToAddress("0x02"),
		FeeTier:   3000,
	})
	require.NoError(t, err)
	return domain.AggregateInfo{
		Manager:    domain.ManagerAMM,
		Timestamp:  time.Now().UTC(),
		OpenResult: domain.OpenResult{Key: []byte{venueKey}, Infos: infos},
	}
}

func perpLeg(t *testing.T, venueKey byte) domain.AggregateInfo {
	t.Helper()
	infos, err := perp.EncodeOpenInfos(perp.OpenInfos{
		CollateralToken:  common.HexToAddress("0x02"),
		IndexToken:       common.HexToAddress("0x01"),
		IsLong:           true,
		CollateralAmount: big.NewInt(1000),
		SizeDelta:        big.NewInt(5000),
	})
	require.NoError(t, err)
	return domain.AggregateInfo{
		Manager:    domain.ManagerPerp,
		Timestamp:  time.Now().UTC(),
		OpenResult: domain.OpenResult{Key: []byte{venueKey}, Infos: infos},
	}
}

func TestDeriveKeyIsDeterministicAndNeverReused(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	k1, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)
	k2, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	// First key is keccak256(owner || nonce=1 big-endian).
	expected := crypto.Keccak256Hash(alice.Bytes(), []byte{0, 0, 0, 0, 0, 0, 0, 1})
	assert.Equal(t, expected, k1)

	// A different owner's first key differs.
	k3, err := l.DeriveKey(ctx, bob)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestOpenPreservesLegOrderAndAppendExtends(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	key, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)

	require.NoError(t, l.Open(ctx, alice, key, []domain.AggregateInfo{
		ammLeg(t, 1), perpLeg(t, 2),
	}))
	require.NoError(t, l.Append(ctx, alice, key, []domain.AggregateInfo{
		ammLeg(t, 3),
	}))

	pos, err := l.Get(ctx, alice, key)
	require.NoError(t, err)
	require.Len(t, pos.Legs, 3)
	assert.Equal(t, domain.ManagerAMM, pos.Legs[0].Manager)
	assert.Equal(t, domain.ManagerPerp, pos.Legs[1].Manager)
	assert.Equal(t, []byte{3}, pos.Legs[2].OpenResult.Key)
}

func TestOpenRejectsEmptyLegs(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	key, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Open(ctx, alice, key, nil), domain.ErrEmptyLegs)
	assert.ErrorIs(t, l.ReplaceLegs(ctx, alice, key, nil), domain.ErrEmptyLegs)
}

func TestLiveFieldsAreNeverPersisted(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	key, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)

	leg := ammLeg(t, 1)
	leg.CurrentInfo = []byte{0xff}
	leg.Fees = []domain.TokenAmount{{Token: common.HexToAddress("0x01"), Amount: big.NewInt(7)}}
	require.NoError(t, l.Open(ctx, alice, key, []domain.AggregateInfo{leg}))

	pos, err := l.Get(ctx, alice, key)
	require.NoError(t, err)
	assert.Nil(t, pos.Legs[0].CurrentInfo)
	assert.Nil(t, pos.Legs[0].Fees)
}

func TestGetIsScopedToOwner(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	key, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, l.Open(ctx, alice, key, []domain.AggregateInfo{ammLeg(t, 1)}))

	_, err = l.Get(ctx, bob, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPruneRemovesPosition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	key, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, l.Open(ctx, alice, key, []domain.AggregateInfo{ammLeg(t, 1)}))
	require.NoError(t, l.Prune(ctx, alice, key))

	_, err = l.Get(ctx, alice, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := l.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListByOwnerOldestFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	k1, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, l.Open(ctx, alice, k1, []domain.AggregateInfo{ammLeg(t, 1)}))

	k2, err := l.DeriveKey(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, l.Open(ctx, alice, k2, []domain.AggregateInfo{perpLeg(t, 2)}))

	list, err := l.ListByOwner(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, k1, list[0].PositionKey)
	assert.Equal(t, k2, list[1].PositionKey)
}

func TestDecodeDispatchesOnManagerTagOnly(t *testing.T) {
	aLeg := ammLeg(t, 1)
	view, err := Decode(aLeg)
	require.NoError(t, err)
	av, ok := view.(AmmView)
	require.True(t, ok)
	assert.Equal(t, int32(-100), av.Open.TickLower)
	assert.Equal(t, uint32(3000), av.Open.FeeTier)

	pLeg := perpLeg(t, 2)
	view, err = Decode(pLeg)
	require.NoError(t, err)
	pv, ok := view.(PerpView)
	require.True(t, ok)
	assert.True(t, pv.Open.IsLong)
	assert.Nil(t, pv.Current)
}

func TestDecodeAttachesCurrentInfosWhenPresent(t *testing.T) {
	leg := perpLeg(t, 1)
	current, err := perp.EncodeCurrentInfos(perp.CurrentInfos{
		IsOpenSuccess:      true,
		ContractCollateral: big.NewInt(1000),
		SizeDelta:          big.NewInt(5000),
		Collateral:         big.NewInt(1000),
		AveragePrice:       big.NewInt(2000),
		EntryFundingRate:   big.NewInt(0),
		ReserveAmount:      big.NewInt(5000),
		RealisedPnl:        big.NewInt(0),
	})
	require.NoError(t, err)
	leg.CurrentInfo = current

	view, err := Decode(leg)
	require.NoError(t, err)
	pv := view.(PerpView)
	require.NotNil(t, pv.Current)
	assert.True(t, pv.Current.IsOpenSuccess)
	assert.Equal(t, big.NewInt(2000), pv.Current.AveragePrice)
}

func TestDecodeUnknownTagFailsLoudly(t *testing.T) {
	// A payload shaped like an AMM leg but tagged unknown must not decode.
	leg := ammLeg(t, 1)
	leg.Manager = domain.ManagerTag(99)
	_, err := Decode(leg)
	assert.ErrorIs(t, err, domain.ErrUnknownManagerTag)
}
