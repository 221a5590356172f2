// Package model defines the core domain types shared across the trade relay.
// All monetary values use shopspring/decimal; money is never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OrderKind is the order type understood by every adapter.
type OrderKind string

const (
	KindMarket    OrderKind = "market"
	KindLimit     OrderKind = "limit"
	KindStop      OrderKind = "stop"
	KindStopLimit OrderKind = "stop_limit"
)

// TimeInForce controls how long an order stays eligible for execution.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus is the normalized five-way order state. Every brokerage-native
// status maps into exactly one of these.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusFilled          OrderStatus = "filled"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are expected.
func (s OrderStatus) Terminal() bool {
	return s != StatusPending
}

// AssetClass groups instruments for routing.
type AssetClass string

const (
	AssetStocks  AssetClass = "stocks"
	AssetCrypto  AssetClass = "crypto"
	AssetForex   AssetClass = "forex"
	AssetOptions AssetClass = "options"
	AssetFutures AssetClass = "futures"
)

// AccountInfo is a point-in-time account snapshot. It is replaced wholesale
// on every refresh. BuyingPower and CashBalance are denominated in Currency.
type AccountInfo struct {
	AccountID           string          `json:"account_id"`
	CashBalance         decimal.Decimal `json:"cash_balance"`
	BuyingPower         decimal.Decimal `json:"buying_power"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	Currency            string          `json:"currency"`
	DayTradesRemaining  *int            `json:"day_trades_remaining,omitempty"`
}

// Position is an open holding. Quantity is never negative; direction is
// carried by Side.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	Side          PositionSide    `json:"side"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	AssetClass    AssetClass      `json:"asset_class"`
}

// RealizedPnL is what an order of side and qty filled at price locks in
// against p. Only the quantity that reduces the position counts; opening or
// adding to it realizes nothing.
func (p Position) RealizedPnL(side Side, qty, price decimal.Decimal) decimal.Decimal {
	closing := decimal.Min(qty, p.Quantity)
	if !closing.IsPositive() || !p.AvgEntryPrice.IsPositive() {
		return decimal.Zero
	}
	switch {
	case p.Side == PositionLong && side == SideSell:
		return price.Sub(p.AvgEntryPrice).Mul(closing)
	case p.Side == PositionShort && side == SideBuy:
		return p.AvgEntryPrice.Sub(price).Mul(closing)
	}
	return decimal.Zero
}

// OrderRequest is what an adapter needs to submit an order.
type OrderRequest struct {
	Symbol        string            `json:"symbol"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Side          Side              `json:"side"`
	Kind          OrderKind         `json:"order_kind"`
	LimitPrice    *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal  `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce       `json:"time_in_force"`
	AssetClass    AssetClass        `json:"asset_class,omitempty"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// OrderIntent is the execution pipeline's input: an order plus its risk
// parameters. MaxSlippage is a fraction (0.01 = 1%).
type OrderIntent struct {
	OrderRequest
	MaxSlippage    *decimal.Decimal `json:"max_slippage,omitempty"`
	RequestedPrice *decimal.Decimal `json:"requested_price,omitempty"`
}

// OrderResult is the normalized outcome of a submission or status query.
// A fresh query yields a fresh result; results are never mutated.
type OrderResult struct {
	OrderID        string           `json:"order_id"`
	Symbol         string           `json:"symbol"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Side           Side             `json:"side"`
	Kind           OrderKind        `json:"order_kind"`
	Status         OrderStatus      `json:"status"`
	FilledPrice    *decimal.Decimal `json:"filled_price,omitempty"`
	FilledQuantity *decimal.Decimal `json:"filled_quantity,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	BrokerResponse map[string]any   `json:"broker_response,omitempty"`
}

// Quote is a top-of-book snapshot used for slippage checks.
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceFor returns the side of the book an order would trade against:
// the ask for buys, the bid for sells.
func (q Quote) PriceFor(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.AskPrice
	}
	return q.BidPrice
}

// Ptr returns a pointer to d. Handy for optional price fields.
func Ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
