package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LeverageScale is the fixed-point scale for perpetual leverage: a leverage
// value of 1_000_000 means 1x.
const LeverageScale = 1_000_000

// AmmLegParams are the venue parameters for an AMM range-position leg.
type AmmLegParams struct {
	TickLower int32
	TickUpper int32
	FeeTier   uint32

	Amount0Desired *big.Int
	Amount1Desired *big.Int

	// MaxSpotPrice is the upper bound on the pool's execution price for the
	// balancing swap, scaled 1e18. Zero disables the check. A violated bound
	// reverts the whole open call.
	MaxSpotPrice *big.Int
}

// PerpLegParams are the venue parameters for a leveraged perpetual leg.
type PerpLegParams struct {
	CollateralToken common.Address
	IndexToken      common.Address
	IsLong          bool

	CollateralAmount *big.Int

	// Leverage is scaled by LeverageScale; the requested size delta is
	// collateral * leverage / LeverageScale.
	Leverage uint32

	// AcceptablePrice is consulted by the keeper at execution time, not at
	// submission time. Zero disables the bound.
	AcceptablePrice *big.Int
}

// LegSpec names the target adapter and carries the venue-specific parameters
// for one leg of an open request. Exactly one of Amm/Perp must be set and it
// must match Manager.
type LegSpec struct {
	Manager   ManagerTag
	Recipient common.Address

	Amm  *AmmLegParams
	Perp *PerpLegParams
}

// Validate rejects malformed leg specs. Validation failures are synchronous
// and cause no state change anywhere.
func (s LegSpec) Validate() error {
	switch s.Manager {
	case ManagerAMM:
		if s.Amm == nil || s.Perp != nil {
			return fmt.Errorf("%w: amm leg requires amm params only", ErrInvalidLegSpec)
		}
		p := s.Amm
		if p.TickLower >= p.TickUpper {
			return fmt.Errorf("%w: tick range [%d, %d)", ErrInvalidLegSpec, p.TickLower, p.TickUpper)
		}
		if isZeroOrNil(p.Amount0Desired) && isZeroOrNil(p.Amount1Desired) {
			return fmt.Errorf("%w: both desired amounts are zero", ErrInvalidLegSpec)
		}
	case ManagerPerp:
		if s.Perp == nil || s.Amm != nil {
			return fmt.Errorf("%w: perp leg requires perp params only", ErrInvalidLegSpec)
		}
		if isZeroOrNil(s.Perp.CollateralAmount) {
			return ErrZeroCollateral
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownManagerTag, s.Manager)
	}
	return nil
}

// SizeDelta returns the requested perpetual position size implied by the
// collateral and leverage.
func (p *PerpLegParams) SizeDelta() *big.Int {
	if p.CollateralAmount == nil {
		return new(big.Int)
	}
	size := new(big.Int).Mul(p.CollateralAmount, big.NewInt(int64(p.Leverage)))
	return size.Div(size, big.NewInt(LeverageScale))
}

// CloseLegArgs are per-leg close parameters.
type CloseLegArgs struct {
	// AcceptablePrice bounds the settlement price for a perpetual decrease,
	// checked by the keeper at execution time. Zero disables the bound.
	AcceptablePrice *big.Int

	// SwapToCollateral requests AMM close proceeds swapped into token1.
	SwapToCollateral bool
}

func isZeroOrNil(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
