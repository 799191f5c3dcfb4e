// Package venue defines the uniform capability set every venue adapter
// implements. Adapters are stateless translators: all persistent state lives
// in the external venue itself.
package venue

import (
	"context"
	"math/big"

	"github.com/composefi/composer/internal/domain"
)

// CloseResult is the outcome of a close call. For synchronous venues Amounts
// holds the final settled transfers; for two-phase venues RequestID
// identifies the queued decrease request and Amounts is empty.
type CloseResult struct {
	Amounts   []domain.TokenAmount
	RequestID uint64
}

// Adapter wraps one external venue behind the uniform capability set.
//
// Open and Close return pending=true when the venue settles asynchronously:
// the request was enqueued and its eventual execution is observable only via
// CurrentInfo. Synchronous venues return pending=false with a settled result,
// or an error that caused no state change.
type Adapter interface {
	Tag() domain.ManagerTag

	Open(ctx context.Context, spec domain.LegSpec, value *big.Int) (result domain.OpenResult, pending bool, err error)
	Close(ctx context.Context, key []byte, args domain.CloseLegArgs, value *big.Int) (result CloseResult, pending bool, err error)

	// CurrentInfo returns the venue's latest settled state for the leg,
	// ABI-encoded per the adapter's tag. Venues without live state return
	// domain.ErrNoCurrentInfo.
	CurrentInfo(ctx context.Context, key []byte) ([]byte, error)

	// FeesOf returns accrued-but-uncollected fees. Venues without a fee
	// stream return domain.ErrNoFeeStream.
	FeesOf(ctx context.Context, key []byte) ([]domain.TokenAmount, error)

	// ExecutionFee is the venue-reported native-currency fee for one queued
	// execution. It may drift between calls; callers must quote fresh.
	ExecutionFee(ctx context.Context) (*big.Int, error)
}
