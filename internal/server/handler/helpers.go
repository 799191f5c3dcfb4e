package handler

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/composefi/composer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseAddress decodes a 0x-prefixed hex address.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseBig decodes a base-10 unsigned integer. Empty strings decode to zero.
func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// parseManager maps a product name to its manager tag.
func parseManager(s string) (domain.ManagerTag, error) {
	switch s {
	case "amm":
		return domain.ManagerAMM, nil
	case "perp":
		return domain.ManagerPerp, nil
	default:
		return domain.ManagerUnknown, fmt.Errorf("unknown product %q", s)
	}
}

// bigString renders a possibly-nil big.Int as a decimal string.
func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
