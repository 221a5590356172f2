package broker

import (
	"fmt"
	"strings"

	"github.com/atmx/trade-relay/internal/model"
)

// StatusTable maps one brokerage's native order-status vocabulary onto the
// shared five-way OrderStatus.
type StatusTable map[string]model.OrderStatus

// Normalize looks up native in the table. Unrecognized statuses map to
// pending so they are never mistaken for a terminal outcome.
func (t StatusTable) Normalize(native string) model.OrderStatus {
	if s, ok := t[native]; ok {
		return s
	}
	return model.StatusPending
}

// ParseSide accepts buy/sell and the webhook aliases long/short.
func ParseSide(s string) (model.Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return model.SideBuy, nil
	case "sell", "short":
		return model.SideSell, nil
	default:
		return "", &InvalidOrderParametersError{Reason: fmt.Sprintf("invalid side %q: must be buy or sell", s)}
	}
}

// ParseOrderKind accepts market, limit, stop and stop_limit. Empty means
// market.
func ParseOrderKind(s string) (model.OrderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "market":
		return model.KindMarket, nil
	case "limit":
		return model.KindLimit, nil
	case "stop":
		return model.KindStop, nil
	case "stop_limit", "stop-limit":
		return model.KindStopLimit, nil
	default:
		return "", &InvalidOrderParametersError{
			Reason: fmt.Sprintf("invalid order type %q: must be one of market, limit, stop, stop_limit", s),
		}
	}
}

// ParseTimeInForce accepts day, gtc, ioc and fok. Empty means day.
func ParseTimeInForce(s string) (model.TimeInForce, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "day":
		return model.TIFDay, nil
	case "gtc":
		return model.TIFGTC, nil
	case "ioc":
		return model.TIFIOC, nil
	case "fok":
		return model.TIFFOK, nil
	default:
		return "", &InvalidOrderParametersError{
			Reason: fmt.Sprintf("invalid time-in-force %q: must be one of day, gtc, ioc, fok", s),
		}
	}
}

// ParseAssetClass accepts the canonical names plus common aliases.
func ParseAssetClass(s string) (model.AssetClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stock", "stocks", "equity", "us_equity":
		return model.AssetStocks, nil
	case "crypto", "cryptocurrency":
		return model.AssetCrypto, nil
	case "forex", "fx":
		return model.AssetForex, nil
	case "option", "options":
		return model.AssetOptions, nil
	case "future", "futures":
		return model.AssetFutures, nil
	default:
		return "", fmt.Errorf("broker: unknown asset class %q", s)
	}
}
