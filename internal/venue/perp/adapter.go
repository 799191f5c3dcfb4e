// Package perp implements the perpetual-leg venue adapter. Open and close
// only request a state change: the venue queues them and an external keeper
// settles later. Failures at execution time are silent and observable only
// through CurrentInfo flags.
package perp

import (
	"context"
	"fmt"
	"math/big"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/platform/perpex"
	"github.com/composefi/composer/internal/venue"
	"github.com/ethereum/go-ethereum/common"
)

// Exchange is the narrow slice of the external perpetual venue the adapter
// needs.
type Exchange interface {
	CreateIncreasePosition(ctx context.Context, req perpex.IncreaseRequest) (perpex.Submission, error)
	CreateDecreasePosition(ctx context.Context, req perpex.DecreaseRequest) (perpex.Submission, error)
	Position(ctx context.Context, key common.Hash) (perpex.PositionState, error)
	MinExecutionFee(ctx context.Context) (*big.Int, error)
}

// Adapter translates leg specs into exchange requests. It is stateless; the
// venue owns the queues and position records.
type Adapter struct {
	exchange Exchange
}

func NewAdapter(exchange Exchange) *Adapter {
	return &Adapter{exchange: exchange}
}

func (a *Adapter) Tag() domain.ManagerTag { return domain.ManagerPerp }

// Open submits an increase request and returns pending=true. It fails only on
// malformed input or zero collateral, never on price.
func (a *Adapter) Open(ctx context.Context, spec domain.LegSpec, value *big.Int) (domain.OpenResult, bool, error) {
	if err := spec.Validate(); err != nil {
		return domain.OpenResult{}, false, err
	}
	if spec.Manager != domain.ManagerPerp {
		return domain.OpenResult{}, false, fmt.Errorf("perp: %w: %s", domain.ErrUnknownManagerTag, spec.Manager)
	}
	p := spec.Perp
	sizeDelta := p.SizeDelta()

	sub, err := a.exchange.CreateIncreasePosition(ctx, perpex.IncreaseRequest{
		Account:         spec.Recipient,
		CollateralToken: p.CollateralToken,
		IndexToken:      p.IndexToken,
		IsLong:          p.IsLong,
		CollateralDelta: p.CollateralAmount,
		SizeDelta:       sizeDelta,
		AcceptablePrice: p.AcceptablePrice,
	})
	if err != nil {
		return domain.OpenResult{}, false, err
	}

	infos, err := EncodeOpenInfos(OpenInfos{
		CollateralToken:  p.CollateralToken,
		IndexToken:       p.IndexToken,
		IsLong:           p.IsLong,
		CollateralAmount: p.CollateralAmount,
		SizeDelta:        sizeDelta,
	})
	if err != nil {
		return domain.OpenResult{}, false, err
	}

	return domain.OpenResult{Key: sub.Key.Bytes(), Infos: infos}, true, nil
}

// Close submits a decrease request and returns pending=true. The leg must
// remain in the ledger until CurrentInfo later reports isCloseSuccess.
func (a *Adapter) Close(ctx context.Context, key []byte, args domain.CloseLegArgs, value *big.Int) (venue.CloseResult, bool, error) {
	sub, err := a.exchange.CreateDecreasePosition(ctx, perpex.DecreaseRequest{
		Key:             common.BytesToHash(key),
		AcceptablePrice: args.AcceptablePrice,
	})
	if err != nil {
		return venue.CloseResult{}, false, err
	}
	return venue.CloseResult{RequestID: sub.RequestID}, true, nil
}

// CurrentInfo fetches the venue's latest settled state and re-encodes it in
// the leg's ABI wire form.
func (a *Adapter) CurrentInfo(ctx context.Context, key []byte) ([]byte, error) {
	st, err := a.exchange.Position(ctx, common.BytesToHash(key))
	if err != nil {
		return nil, err
	}
	return EncodeCurrentInfos(CurrentInfos{
		IsOpenSuccess:       st.IsOpenSuccess,
		IsCloseSuccess:      st.IsCloseSuccess,
		IsLong:              st.IsLong,
		ContractCollateral:  st.ContractCollateral,
		SizeDelta:           st.SizeDelta,
		Collateral:          st.Collateral,
		AveragePrice:        st.AveragePrice,
		EntryFundingRate:    st.EntryFundingRate,
		ReserveAmount:       st.ReserveAmount,
		RealisedPnl:         st.RealisedPnl,
		RealisedPnlPositive: st.RealisedPnlPositive,
		LastIncreasedTime:   st.LastIncreasedTime,
	})
}

// FeesOf is not meaningful for perpetual legs; they expose CurrentInfo.
func (a *Adapter) FeesOf(ctx context.Context, key []byte) ([]domain.TokenAmount, error) {
	return nil, domain.ErrNoFeeStream
}

func (a *Adapter) ExecutionFee(ctx context.Context) (*big.Int, error) {
	return a.exchange.MinExecutionFee(ctx)
}

var _ venue.Adapter = (*Adapter)(nil)
