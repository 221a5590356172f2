package broker

import (
	"fmt"
	"strings"

	"github.com/atmx/trade-relay/internal/model"
)

// ValidateOrderParams checks an order before any network I/O: a positive
// quantity, a known side and kind, and the prices the kind requires.
func ValidateOrderParams(req model.OrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return &InvalidOrderParametersError{Reason: "symbol is required"}
	}
	if !req.Quantity.IsPositive() {
		return &InvalidOrderParametersError{Reason: "quantity must be positive"}
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return &InvalidOrderParametersError{Reason: fmt.Sprintf("invalid side %q", req.Side)}
	}

	hasLimit := req.LimitPrice != nil && req.LimitPrice.IsPositive()
	hasStop := req.StopPrice != nil && req.StopPrice.IsPositive()

	switch req.Kind {
	case model.KindMarket:
	case model.KindLimit:
		if !hasLimit {
			return &InvalidOrderParametersError{Reason: "limit price required for limit orders"}
		}
	case model.KindStop:
		if !hasStop {
			return &InvalidOrderParametersError{Reason: "stop price required for stop orders"}
		}
	case model.KindStopLimit:
		if !hasStop || !hasLimit {
			return &InvalidOrderParametersError{Reason: "both stop price and limit price required for stop-limit orders"}
		}
	default:
		return &InvalidOrderParametersError{Reason: fmt.Sprintf("unsupported order type %q", req.Kind)}
	}
	return nil
}
