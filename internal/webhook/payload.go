package webhook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/broker/rest"
	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/symbol"
)

// ErrInvalidPayload is returned for webhook bodies that cannot become an
// order.
var ErrInvalidPayload = errors.New("webhook: invalid payload")

// ActionClose flattens the strategy's position in the symbol.
const ActionClose = "close"

// Payload is the alert body posted by the charting platform. Prices and
// quantities may be JSON numbers or strings.
type Payload struct {
	Action      string           `json:"action"`
	Symbol      string           `json:"symbol"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	Strategy    string           `json:"strategy,omitempty"`
	Exchange    string           `json:"exchange,omitempty"`
	AssetClass  string           `json:"asset_class,omitempty"`
	OrderType   string           `json:"order_type,omitempty"`
	TimeInForce string           `json:"time_in_force,omitempty"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty"`
	MaxSlippage *decimal.Decimal `json:"max_slippage,omitempty"`
	TestMode    bool             `json:"test_mode,omitempty"`
	Timestamp   string           `json:"timestamp,omitempty"`
	Comment     string           `json:"comment,omitempty"`
}

// Signal is a validated, normalized payload.
type Signal struct {
	Action      string
	Symbol      string
	Side        model.Side // empty for close
	Kind        model.OrderKind
	TimeInForce model.TimeInForce
	AssetClass  model.AssetClass
	Quantity    *decimal.Decimal
	Price       *decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	StopLoss    *decimal.Decimal
	TakeProfit  *decimal.Decimal
	MaxSlippage *decimal.Decimal
	TestMode    bool
}

// Close reports whether the signal asks to flatten a position.
func (s Signal) Close() bool {
	return s.Action == ActionClose
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Parse validates the payload. Symbols are trimmed and upper-cased; the
// action aliases long and short map to buy and sell; time in force defaults
// to gtc; a limit order without limit_price uses price.
func (p Payload) Parse() (Signal, error) {
	sig := Signal{
		Action:      strings.ToLower(strings.TrimSpace(p.Action)),
		Price:       p.Price,
		Quantity:    p.Quantity,
		StopPrice:   p.StopPrice,
		StopLoss:    p.StopLoss,
		TakeProfit:  p.TakeProfit,
		MaxSlippage: p.MaxSlippage,
		TestMode:    p.TestMode,
	}

	sym, err := symbol.Validate(p.Symbol)
	if err != nil {
		return Signal{}, invalid("%v", err)
	}
	sig.Symbol = sym

	switch sig.Action {
	case "buy", "sell", "long", "short":
		sig.Side, _ = broker.ParseSide(sig.Action)
	case ActionClose:
	default:
		return Signal{}, invalid("action must be 'buy', 'sell', 'long', 'short', or 'close', got %q", p.Action)
	}

	if sig.Kind, err = broker.ParseOrderKind(p.OrderType); err != nil {
		return Signal{}, invalid("%v", err)
	}
	tif := p.TimeInForce
	if strings.TrimSpace(tif) == "" {
		tif = string(model.TIFGTC)
	}
	if sig.TimeInForce, err = broker.ParseTimeInForce(tif); err != nil {
		return Signal{}, invalid("%v", err)
	}

	switch {
	case strings.TrimSpace(p.AssetClass) != "":
		if sig.AssetClass, err = broker.ParseAssetClass(p.AssetClass); err != nil {
			return Signal{}, invalid("%v", err)
		}
	case rest.IsCryptoSymbol(sym):
		sig.AssetClass = model.AssetCrypto
	default:
		sig.AssetClass = model.AssetStocks
	}

	for name, v := range map[string]*decimal.Decimal{
		"price": p.Price, "limit_price": p.LimitPrice, "stop_price": p.StopPrice,
		"stop_loss": p.StopLoss, "take_profit": p.TakeProfit,
	} {
		if v != nil && !v.IsPositive() {
			return Signal{}, invalid("%s must be positive", name)
		}
	}
	if p.Quantity != nil && !p.Quantity.IsPositive() {
		return Signal{}, invalid("quantity must be positive")
	}
	if p.MaxSlippage != nil && (p.MaxSlippage.IsNegative() || p.MaxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1))) {
		return Signal{}, invalid("max_slippage must be a fraction in [0, 1)")
	}

	sig.LimitPrice = p.LimitPrice
	if sig.LimitPrice == nil && (sig.Kind == model.KindLimit || sig.Kind == model.KindStopLimit) {
		sig.LimitPrice = p.Price
	}
	return sig, nil
}
