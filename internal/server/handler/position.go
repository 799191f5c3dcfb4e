package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/ledger"
	"github.com/composefi/composer/internal/router"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PositionService defines the router methods the position handler requires.
type PositionService interface {
	OpenComposite(ctx context.Context, req router.OpenRequest) (router.OpenResponse, error)
	CloseComposite(ctx context.Context, req router.CloseRequest) ([]router.CloseOutcome, error)
	QueryPositions(ctx context.Context, owner common.Address) ([]domain.CompositePosition, error)
}

// PositionHandler serves composite-position HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Wire DTOs. Amounts travel as decimal strings, addresses and keys as hex.
// ---------------------------------------------------------------------------

type legSpecDTO struct {
	Manager   string       `json:"manager"`
	Recipient string       `json:"recipient"`
	Amm       *ammLegDTO   `json:"amm,omitempty"`
	Perp      *perpLegDTO  `json:"perp,omitempty"`
}

type ammLegDTO struct {
	TickLower      int32  `json:"tick_lower"`
	TickUpper      int32  `json:"tick_upper"`
	FeeTier        uint32 `json:"fee_tier"`
	Amount0Desired string `json:"amount0_desired"`
	Amount1Desired string `json:"amount1_desired"`
	MaxSpotPrice   string `json:"max_spot_price,omitempty"`
}

type perpLegDTO struct {
	CollateralToken  string `json:"collateral_token"`
	IndexToken       string `json:"index_token"`
	IsLong           bool   `json:"is_long"`
	CollateralAmount string `json:"collateral_amount"`
	Leverage         uint32 `json:"leverage"`
	AcceptablePrice  string `json:"acceptable_price,omitempty"`
}

type openRequestDTO struct {
	Owner       string       `json:"owner"`
	PositionKey string       `json:"position_key,omitempty"`
	Value       string       `json:"value"`
	Legs        []legSpecDTO `json:"legs"`
}

type pendingDTO struct {
	Direction   string    `json:"direction"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type openResponseDTO struct {
	PositionKey string       `json:"position_key"`
	Pending     []pendingDTO `json:"pending,omitempty"`
}

type closeArgsDTO struct {
	PositionKey      string `json:"position_key"`
	LegIndexes       []int  `json:"leg_indexes,omitempty"`
	AcceptablePrice  string `json:"acceptable_price,omitempty"`
	SwapToCollateral bool   `json:"swap_to_collateral,omitempty"`
}

type closeRequestDTO struct {
	Owner     string         `json:"owner"`
	Value     string         `json:"value"`
	Positions []closeArgsDTO `json:"positions"`
}

type tokenAmountDTO struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type closeOutcomeDTO struct {
	PositionKey     string           `json:"position_key"`
	Settled         []tokenAmountDTO `json:"settled,omitempty"`
	PendingRequests []uint64         `json:"pending_requests,omitempty"`
	Pruned          bool             `json:"pruned"`
}

type ammViewDTO struct {
	Liquidity string           `json:"liquidity"`
	TickLower int32            `json:"tick_lower"`
	TickUpper int32            `json:"tick_upper"`
	Token0    string           `json:"token0"`
	Token1    string           `json:"token1"`
	FeeTier   uint32           `json:"fee_tier"`
	Fees      []tokenAmountDTO `json:"fees,omitempty"`
}

type perpViewDTO struct {
	CollateralToken  string `json:"collateral_token"`
	IndexToken       string `json:"index_token"`
	IsLong           bool   `json:"is_long"`
	CollateralAmount string `json:"collateral_amount"`
	SizeDelta        string `json:"size_delta"`

	IsOpenSuccess      *bool  `json:"is_open_success,omitempty"`
	IsCloseSuccess     *bool  `json:"is_close_success,omitempty"`
	ContractCollateral string `json:"contract_collateral,omitempty"`
	Collateral         string `json:"collateral,omitempty"`
	AveragePrice       string `json:"average_price,omitempty"`
	RealisedPnl        string `json:"realised_pnl,omitempty"`
	RealisedPnlPos     *bool  `json:"realised_pnl_positive,omitempty"`
}

type legDTO struct {
	Manager      string       `json:"manager"`
	VenueKey     string       `json:"venue_key"`
	OpenedAt     time.Time    `json:"opened_at"`
	ClosePending bool         `json:"close_pending"`
	Amm          *ammViewDTO  `json:"amm,omitempty"`
	Perp         *perpViewDTO `json:"perp,omitempty"`
}

type positionDTO struct {
	PositionKey string    `json:"position_key"`
	Owner       string    `json:"owner"`
	OpenedAt    time.Time `json:"opened_at"`
	Legs        []legDTO  `json:"legs"`
}

// ListPositions returns all composite positions for an owner with live venue
// state attached.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	ownerParam := r.URL.Query().Get("owner")
	if ownerParam == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	owner, err := parseAddress(ownerParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	positions, err := h.positions.QueryPositions(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionDTO, 0, len(positions))
	for _, pos := range positions {
		dto, err := positionToDTO(pos)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: decode position failed",
				slog.String("position_key", pos.PositionKey.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to decode position")
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// OpenPosition opens a new composite position, or appends legs to an existing
// one when position_key is set.
// POST /api/positions/open
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var dto openRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := openRequestFromDTO(dto)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.positions.OpenComposite(r.Context(), req)
	if err != nil {
		h.writeRouterError(w, r, "open", err)
		return
	}

	out := openResponseDTO{PositionKey: resp.PositionKey.Hex()}
	for _, p := range resp.Pending {
		out.Pending = append(out.Pending, pendingDTO{
			Direction:   p.Direction.String(),
			State:       p.State.String(),
			SubmittedAt: p.SubmittedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ClosePosition closes selected legs across one or more positions.
// POST /api/positions/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var dto closeRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := closeRequestFromDTO(dto)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes, err := h.positions.CloseComposite(r.Context(), req)
	if err != nil {
		h.writeRouterError(w, r, "close", err)
		return
	}

	out := make([]closeOutcomeDTO, 0, len(outcomes))
	for _, oc := range outcomes {
		dto := closeOutcomeDTO{
			PositionKey:     oc.PositionKey.Hex(),
			PendingRequests: oc.PendingRequests,
			Pruned:          oc.Pruned,
		}
		for _, ta := range oc.Settled {
			dto.Settled = append(dto.Settled, tokenAmountDTO{
				Token:  ta.Token.Hex(),
				Amount: bigString(ta.Amount),
			})
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// writeRouterError maps domain sentinels to HTTP status codes.
func (h *PositionHandler) writeRouterError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidLegSpec),
		errors.Is(err, domain.ErrZeroCollateral),
		errors.Is(err, domain.ErrEmptyLegs),
		errors.Is(err, domain.ErrInsufficientAttachedValue),
		errors.Is(err, domain.ErrExcessAttachedValue):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnknownPositionKey), errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPriceLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

// ---------------------------------------------------------------------------
// DTO conversions
// ---------------------------------------------------------------------------

func openRequestFromDTO(dto openRequestDTO) (router.OpenRequest, error) {
	owner, err := parseAddress(dto.Owner)
	if err != nil {
		return router.OpenRequest{}, err
	}
	value, err := parseBig(dto.Value)
	if err != nil {
		return router.OpenRequest{}, err
	}

	req := router.OpenRequest{Owner: owner, Value: value}
	if dto.PositionKey != "" {
		key := common.HexToHash(dto.PositionKey)
		req.PositionKey = &key
	}

	for _, legDTO := range dto.Legs {
		spec, err := legSpecFromDTO(legDTO)
		if err != nil {
			return router.OpenRequest{}, err
		}
		req.Legs = append(req.Legs, spec)
	}
	return req, nil
}

func legSpecFromDTO(dto legSpecDTO) (domain.LegSpec, error) {
	tag, err := parseManager(dto.Manager)
	if err != nil {
		return domain.LegSpec{}, err
	}
	recipient, err := parseAddress(dto.Recipient)
	if err != nil {
		return domain.LegSpec{}, err
	}
	spec := domain.LegSpec{Manager: tag, Recipient: recipient}

	if dto.Amm != nil {
		amount0, err := parseBig(dto.Amm.Amount0Desired)
		if err != nil {
			return domain.LegSpec{}, err
		}
		amount1, err := parseBig(dto.Amm.Amount1Desired)
		if err != nil {
			return domain.LegSpec{}, err
		}
		maxSpot, err := parseBig(dto.Amm.MaxSpotPrice)
		if err != nil {
			return domain.LegSpec{}, err
		}
		spec.Amm = &domain.AmmLegParams{
			TickLower:      dto.Amm.TickLower,
			TickUpper:      dto.Amm.TickUpper,
			FeeTier:        dto.Amm.FeeTier,
			Amount0Desired: amount0,
			Amount1Desired: amount1,
			MaxSpotPrice:   maxSpot,
		}
	}
	if dto.Perp != nil {
		collateralToken, err := parseAddress(dto.Perp.CollateralToken)
		if err != nil {
			return domain.LegSpec{}, err
		}
		indexToken, err := parseAddress(dto.Perp.IndexToken)
		if err != nil {
			return domain.LegSpec{}, err
		}
		collateral, err := parseBig(dto.Perp.CollateralAmount)
		if err != nil {
			return domain.LegSpec{}, err
		}
		acceptable, err := parseBig(dto.Perp.AcceptablePrice)
		if err != nil {
			return domain.LegSpec{}, err
		}
		spec.Perp = &domain.PerpLegParams{
			CollateralToken:  collateralToken,
			IndexToken:       indexToken,
			IsLong:           dto.Perp.IsLong,
			CollateralAmount: collateral,
			Leverage:         dto.Perp.Leverage,
			AcceptablePrice:  acceptable,
		}
	}
	return spec, nil
}

func closeRequestFromDTO(dto closeRequestDTO) (router.CloseRequest, error) {
	owner, err := parseAddress(dto.Owner)
	if err != nil {
		return router.CloseRequest{}, err
	}
	value, err := parseBig(dto.Value)
	if err != nil {
		return router.CloseRequest{}, err
	}

	req := router.CloseRequest{Owner: owner, Value: value}
	for _, ca := range dto.Positions {
		acceptable, err := parseBig(ca.AcceptablePrice)
		if err != nil {
			return router.CloseRequest{}, err
		}
		req.Positions = append(req.Positions, router.CloseArgs{
			PositionKey: common.HexToHash(ca.PositionKey),
			LegIndexes:  ca.LegIndexes,
			Args: domain.CloseLegArgs{
				AcceptablePrice:  acceptable,
				SwapToCollateral: ca.SwapToCollateral,
			},
		})
	}
	return req, nil
}

func positionToDTO(pos domain.CompositePosition) (positionDTO, error) {
	dto := positionDTO{
		PositionKey: pos.PositionKey.Hex(),
		Owner:       pos.Owner.Hex(),
		OpenedAt:    pos.Timestamp,
		Legs:        make([]legDTO, 0, len(pos.Legs)),
	}
	for _, leg := range pos.Legs {
		view, err := ledger.Decode(leg)
		if err != nil {
			return positionDTO{}, err
		}
		l := legDTO{
			Manager:      leg.Manager.String(),
			VenueKey:     hexutil.Encode(leg.OpenResult.Key),
			OpenedAt:     leg.Timestamp,
			ClosePending: leg.ClosePending,
		}
		switch v := view.(type) {
		case ledger.AmmView:
			amm := &ammViewDTO{
				Liquidity: bigString(v.Open.Liquidity),
				TickLower: v.Open.TickLower,
				TickUpper: v.Open.TickUpper,
				Token0:    v.Open.Token0.Hex(),
				Token1:    v.Open.Token1.Hex(),
				FeeTier:   v.Open.FeeTier,
			}
			for _, ta := range v.Fees {
				amm.Fees = append(amm.Fees, tokenAmountDTO{
					Token:  ta.Token.Hex(),
					Amount: bigString(ta.Amount),
				})
			}
			l.Amm = amm
		case ledger.PerpView:
			perp := &perpViewDTO{
				CollateralToken:  v.Open.CollateralToken.Hex(),
				IndexToken:       v.Open.IndexToken.Hex(),
				IsLong:           v.Open.IsLong,
				CollateralAmount: bigString(v.Open.CollateralAmount),
				SizeDelta:        bigString(v.Open.SizeDelta),
			}
			if v.Current != nil {
				openOK, closeOK := v.Current.IsOpenSuccess, v.Current.IsCloseSuccess
				pnlPos := v.Current.RealisedPnlPositive
				perp.IsOpenSuccess = &openOK
				perp.IsCloseSuccess = &closeOK
				perp.ContractCollateral = bigString(v.Current.ContractCollateral)
				perp.Collateral = bigString(v.Current.Collateral)
				perp.AveragePrice = bigString(v.Current.AveragePrice)
				perp.RealisedPnl = bigString(v.Current.RealisedPnl)
				perp.RealisedPnlPos = &pnlPos
			}
			l.Perp = perp
		}
		dto.Legs = append(dto.Legs, l)
	}
	return dto, nil
}
