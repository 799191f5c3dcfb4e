package ledger

import (
	"fmt"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/venue/amm"
	"github.com/composefi/composer/internal/venue/perp"
)

// TypedView is the closed set of decoded leg views. Decoding selects the
// variant strictly by manager tag; payload shape is never inspected.
type TypedView interface {
	typedView()
}

// AmmView is a decoded fee-accruing AMM leg.
type AmmView struct {
	Open amm.OpenInfos
	Fees []domain.TokenAmount
}

// PerpView is a decoded stateful perpetual leg. Current is nil until a live
// refresh has attached the venue's current infos to the leg.
type PerpView struct {
	Open         perp.OpenInfos
	Current      *perp.CurrentInfos
	ClosePending bool
}

func (AmmView) typedView()  {}
func (PerpView) typedView() {}

// Decode turns one leg into its typed view. Unknown tags fail loudly rather
// than guessing from payload length.
func Decode(leg domain.AggregateInfo) (TypedView, error) {
	switch leg.Manager {
	case domain.ManagerAMM:
		open, err := amm.DecodeOpenInfos(leg.OpenResult.Infos)
		if err != nil {
			return nil, err
		}
		return AmmView{Open: open, Fees: leg.Fees}, nil

	case domain.ManagerPerp:
		open, err := perp.DecodeOpenInfos(leg.OpenResult.Infos)
		if err != nil {
			return nil, err
		}
		view := PerpView{Open: open, ClosePending: leg.ClosePending}
		if len(leg.CurrentInfo) > 0 {
			current, err := perp.DecodeCurrentInfos(leg.CurrentInfo)
			if err != nil {
				return nil, err
			}
			view.Current = &current
		}
		return view, nil

	default:
		return nil, fmt.Errorf("ledger: decode leg: %w: %d", domain.ErrUnknownManagerTag, leg.Manager)
	}
}
