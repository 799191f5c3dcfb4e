package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/composefi/composer/internal/domain"
)

// FeeService quotes the required attached value per product.
type FeeService interface {
	FeeFor(ctx context.Context, product domain.ManagerTag) (*big.Int, error)
}

// FeeHandler serves fee-quote endpoints.
type FeeHandler struct {
	fees   FeeService
	logger *slog.Logger
}

func NewFeeHandler(fees FeeService, logger *slog.Logger) *FeeHandler {
	return &FeeHandler{fees: fees, logger: logger}
}

// feeResponse is the fee quote payload. The quote is point-in-time: the venue
// execution fee component can drift before the caller attaches value.
type feeResponse struct {
	Product string `json:"product"`
	FeeWei  string `json:"fee_wei"`
}

// QuoteFee returns the current required value for one operation on a product.
// GET /api/fees/{product}
func (h *FeeHandler) QuoteFee(w http.ResponseWriter, r *http.Request) {
	tag, err := parseManager(pathParam(r, "product"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fee, err := h.fees.FeeFor(r.Context(), tag)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: fee quote failed",
			slog.String("product", tag.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to quote fee")
		return
	}

	writeJSON(w, http.StatusOK, feeResponse{
		Product: tag.String(),
		FeeWei:  fee.String(),
	})
}
