package socket

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/symbol"
)

// Security types understood by the gateway.
const (
	SecStock  = "STK"
	SecCash   = "CASH"
	SecFuture = "FUT"
	SecOption = "OPT"
)

// Contract identifies an instrument on the gateway.
type Contract struct {
	Symbol        string           `json:"symbol"`
	SecType       string           `json:"sec_type"`
	Exchange      string           `json:"exchange"`
	Currency      string           `json:"currency"`
	LastTradeDate string           `json:"last_trade_date,omitempty"`
	Strike        *decimal.Decimal `json:"strike,omitempty"`
	Right         string           `json:"right,omitempty"`
	Multiplier    string           `json:"multiplier,omitempty"`
}

// BuildContract maps a symbol and asset class onto a gateway contract.
// Forex symbols are BASE.QUOTE (EUR.USD) and split into symbol and currency.
// Futures and options read expiry, exchange, strike, right and multiplier
// from extra.
func BuildContract(sym string, class model.AssetClass, extra map[string]string) Contract {
	sym = symbol.Normalize(sym)
	c := Contract{Symbol: sym, Currency: "USD"}

	switch class {
	case model.AssetForex:
		c.SecType = SecCash
		c.Exchange = "IDEALPRO"
		if p, err := symbol.ParsePair(sym); err == nil {
			c.Symbol = p.Base
			c.Currency = p.Quote
		}
	case model.AssetFutures:
		c.SecType = SecFuture
		c.Exchange = "GLOBEX"
		c.LastTradeDate = extra["expiry"]
		c.Multiplier = extra["multiplier"]
	case model.AssetOptions:
		c.SecType = SecOption
		c.Exchange = "SMART"
		c.LastTradeDate = extra["expiry"]
		c.Right = strings.ToUpper(extra["right"])
		c.Multiplier = extra["multiplier"]
		if s, err := decimal.NewFromString(extra["strike"]); err == nil {
			c.Strike = &s
		}
	default:
		c.SecType = SecStock
		c.Exchange = "SMART"
	}

	if ex := extra["exchange"]; ex != "" {
		c.Exchange = strings.ToUpper(ex)
	}
	if cur := extra["currency"]; cur != "" && class != model.AssetForex {
		c.Currency = strings.ToUpper(cur)
	}
	return c
}

// AssetClassFor maps a security type back to an asset class. Unknown types
// are treated as stocks.
func AssetClassFor(secType string) model.AssetClass {
	switch strings.ToUpper(secType) {
	case SecCash:
		return model.AssetForex
	case SecFuture:
		return model.AssetFutures
	case SecOption:
		return model.AssetOptions
	default:
		return model.AssetStocks
	}
}

// DisplaySymbol renders a contract the way callers address it: forex
// contracts become BASE.QUOTE again.
func (c Contract) DisplaySymbol() string {
	if c.SecType == SecCash && c.Currency != "" {
		return symbol.Pair{Base: c.Symbol, Quote: c.Currency}.Join(".")
	}
	return c.Symbol
}
