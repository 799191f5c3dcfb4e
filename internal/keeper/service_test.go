package keeper

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/events"
	"github.com/composefi/composer/internal/platform/bank"
	"github.com/composefi/composer/internal/platform/perpex"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vault  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	usdc   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	weth   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	trader = common.HexToAddress("0x0000000000000000000000000000000000007ade")
)

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) error {
	n.messages = append(n.messages, message)
	return nil
}

func newTestService(t *testing.T) (*Service, *perpex.Exchange, *events.Bus, *recordingNotifier) {
	t.Helper()

	b := bank.New()
	b.Mint(usdc, trader, big.NewInt(1_000_000))
	feed := perpex.NewStaticFeed()
	feed.SetPrice(weth, big.NewInt(2000))
	exchange := perpex.New(b, vault, feed, big.NewInt(1))

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	notifier := &recordingNotifier{}

	svc := NewService(exchange, bus, notifier, slog.Default(), Config{MaxPerBatch: 10})
	return svc, exchange, bus, notifier
}

func submitIncrease(t *testing.T, e *perpex.Exchange, acceptable int64) perpex.Submission {
	t.Helper()
	var p *big.Int
	if acceptable != 0 {
		p = big.NewInt(acceptable)
	}
	sub, err := e.CreateIncreasePosition(context.Background(), perpex.IncreaseRequest{
		Account:         trader,
		CollateralToken: usdc,
		IndexToken:      weth,
		IsLong:          true,
		CollateralDelta: big.NewInt(1000),
		SizeDelta:       big.NewInt(5000),
		AcceptablePrice: p,
	})
	require.NoError(t, err)
	return sub
}

func TestRunOnceDrainsBothQueuesAndPublishes(t *testing.T) {
	svc, exchange, bus, _ := newTestService(t)
	ctx := context.Background()

	sink, unsub := bus.Subscribe(8)
	defer unsub()

	sub := submitIncrease(t, exchange, 0)
	require.NoError(t, svc.RunOnce(ctx))

	ev := <-sink
	assert.Equal(t, sub.RequestID, ev.RequestID)
	assert.Equal(t, domain.DirectionIncrease, ev.Direction)
	assert.Equal(t, domain.SettlementExecuted, ev.State)
	assert.True(t, ev.Success)
	assert.Equal(t, trader, ev.Account)

	_, err := exchange.CreateDecreasePosition(ctx, perpex.DecreaseRequest{Key: sub.Key})
	require.NoError(t, err)
	require.NoError(t, svc.RunOnce(ctx))

	ev = <-sink
	assert.Equal(t, domain.DirectionDecrease, ev.Direction)
	assert.True(t, ev.Success)

	inc, dec := exchange.QueueLengths()
	assert.Zero(t, inc)
	assert.Zero(t, dec)
}

func TestRunOnceAlertsOnRejectedExecution(t *testing.T) {
	svc, exchange, bus, notifier := newTestService(t)

	sink, unsub := bus.Subscribe(8)
	defer unsub()

	// Long with acceptable price below the mark is rejected at execution.
	submitIncrease(t, exchange, 1900)
	require.NoError(t, svc.RunOnce(context.Background()))

	ev := <-sink
	assert.Equal(t, domain.SettlementRefundable, ev.State)
	assert.False(t, ev.Success)

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "collateral parked")
	assert.Contains(t, notifier.messages[0], trader.Hex())
}

func TestRunOnceNoAlertOnSuccess(t *testing.T) {
	svc, exchange, _, notifier := newTestService(t)

	submitIncrease(t, exchange, 0)
	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Empty(t, notifier.messages)
}

func TestNewServiceAppliesDefaults(t *testing.T) {
	svc := NewService(nil, nil, nil, slog.Default(), Config{})
	assert.Positive(t, svc.cfg.Interval)
	assert.Positive(t, svc.cfg.MaxPerBatch)
}
