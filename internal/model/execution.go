package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionType records what triggered an execution.
type ExecutionType string

const (
	ExecutionWebhook    ExecutionType = "webhook"
	ExecutionManual     ExecutionType = "manual"
	ExecutionStopLoss   ExecutionType = "stop_loss"
	ExecutionTakeProfit ExecutionType = "take_profit"
)

// Execution is one record per submitted trade intent. The pipeline mutates
// it in place; the caller persists it afterwards.
type Execution struct {
	ID              string        `json:"id" db:"id"`
	StrategyID      string        `json:"strategy_id" db:"strategy_id"`
	BrokerAccountID string        `json:"broker_account_id" db:"broker_account_id"`
	BrokerID        string        `json:"broker_id,omitempty" db:"broker_id"`
	BrokerOrderID   string        `json:"broker_order_id,omitempty" db:"broker_order_id"`
	ClientOrderID   string        `json:"client_order_id,omitempty" db:"client_order_id"`
	Type            ExecutionType `json:"execution_type" db:"execution_type"`

	Symbol      string      `json:"symbol" db:"symbol"`
	AssetClass  AssetClass  `json:"asset_class,omitempty" db:"asset_class"`
	Kind        OrderKind   `json:"order_kind" db:"order_kind"`
	Side        Side        `json:"side" db:"side"`
	TimeInForce TimeInForce `json:"time_in_force" db:"time_in_force"`

	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	RequestedPrice *decimal.Decimal `json:"requested_price,omitempty" db:"requested_price"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty" db:"stop_price"`
	ExecutedPrice  *decimal.Decimal `json:"executed_price,omitempty" db:"executed_price"`

	Status            OrderStatus      `json:"status" db:"status"`
	FilledQuantity    decimal.Decimal  `json:"filled_quantity" db:"filled_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity" db:"remaining_quantity"`
	NotionalValue     *decimal.Decimal `json:"notional_value,omitempty" db:"notional_value"`
	Commission        decimal.Decimal  `json:"commission" db:"commission"`
	Slippage          decimal.Decimal  `json:"slippage" db:"slippage"`
	RealizedPnL       decimal.Decimal  `json:"realized_pnl" db:"realized_pnl"`

	StopLossPrice        *decimal.Decimal `json:"stop_loss_price,omitempty" db:"stop_loss_price"`
	TakeProfitPrice      *decimal.Decimal `json:"take_profit_price,omitempty" db:"take_profit_price"`
	MaxSlippage          *decimal.Decimal `json:"max_slippage,omitempty" db:"max_slippage"`
	MarketPriceAtRequest *decimal.Decimal `json:"market_price_at_request,omitempty" db:"market_price_at_request"`

	Payload      string     `json:"payload,omitempty" db:"payload"` // raw webhook JSON
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	TestMode     bool       `json:"test_mode" db:"test_mode"`
	RequestedAt  time.Time  `json:"requested_at" db:"requested_at"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty" db:"executed_at"`
}

// Intent builds the pipeline input from the record.
func (e *Execution) Intent() OrderIntent {
	return OrderIntent{
		OrderRequest: OrderRequest{
			Symbol:        e.Symbol,
			Quantity:      e.Quantity,
			Side:          e.Side,
			Kind:          e.Kind,
			LimitPrice:    e.LimitPrice,
			StopPrice:     e.StopPrice,
			TimeInForce:   e.TimeInForce,
			AssetClass:    e.AssetClass,
			ClientOrderID: e.ClientOrderID,
		},
		MaxSlippage:    e.MaxSlippage,
		RequestedPrice: e.RequestedPrice,
	}
}

// CalculateSlippage returns the signed fractional slippage between the
// requested and executed price. Positive means worse than requested: a buy
// paid more, or a sell received less. Zero when either price is missing.
func (e *Execution) CalculateSlippage() decimal.Decimal {
	if e.RequestedPrice == nil || e.ExecutedPrice == nil || e.RequestedPrice.IsZero() {
		return decimal.Zero
	}
	req, exec := *e.RequestedPrice, *e.ExecutedPrice
	if e.Side == SideBuy {
		return exec.Sub(req).Div(req)
	}
	return req.Sub(exec).Div(req)
}

// UpdateStatus applies a status change with optional fill information.
func (e *Execution) UpdateStatus(status OrderStatus, filledQty, executedPrice *decimal.Decimal, now time.Time) {
	e.Status = status

	if filledQty != nil {
		e.FilledQuantity = *filledQty
		remaining := e.Quantity.Sub(*filledQty)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		e.RemainingQuantity = remaining
	}

	if executedPrice != nil {
		p := *executedPrice
		e.ExecutedPrice = &p
		e.Slippage = e.CalculateSlippage()
	}

	if status == StatusFilled || status == StatusPartiallyFilled {
		e.ExecutedAt = &now
		if e.ExecutedPrice != nil {
			notional := e.ExecutedPrice.Mul(e.FilledQuantity)
			e.NotionalValue = &notional
		}
	}
}

// Reject marks the execution rejected with a reason.
func (e *Execution) Reject(reason string) {
	e.Status = StatusRejected
	e.ErrorMessage = reason
}

// TotalCost is executed notional plus commission.
func (e *Execution) TotalCost() decimal.Decimal {
	if e.ExecutedPrice == nil || e.FilledQuantity.IsZero() {
		return decimal.Zero
	}
	return e.ExecutedPrice.Mul(e.FilledQuantity).Add(e.Commission)
}

// ExecutionSummary is the compact view returned by the API.
type ExecutionSummary struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	Status         OrderStatus      `json:"status"`
	RequestedPrice *decimal.Decimal `json:"requested_price,omitempty"`
	ExecutedPrice  *decimal.Decimal `json:"executed_price,omitempty"`
	Slippage       decimal.Decimal  `json:"slippage"`
	Commission     decimal.Decimal  `json:"commission"`
	RealizedPnL    decimal.Decimal  `json:"realized_pnl"`
	TotalCost      decimal.Decimal  `json:"total_cost"`
	ExecutionType  ExecutionType    `json:"execution_type"`
	TestMode       bool             `json:"test_mode"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// Summary renders the execution for API responses.
func (e *Execution) Summary() ExecutionSummary {
	return ExecutionSummary{
		ID:             e.ID,
		Symbol:         e.Symbol,
		Side:           e.Side,
		Quantity:       e.Quantity,
		FilledQuantity: e.FilledQuantity,
		Status:         e.Status,
		RequestedPrice: e.RequestedPrice,
		ExecutedPrice:  e.ExecutedPrice,
		Slippage:       e.Slippage,
		Commission:     e.Commission,
		RealizedPnL:    e.RealizedPnL,
		TotalCost:      e.TotalCost(),
		ExecutionType:  e.Type,
		TestMode:       e.TestMode,
		ErrorMessage:   e.ErrorMessage,
	}
}
