package socket

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
)

// Request and event types on the gateway bridge. Requests carry a req_id
// and are answered by a frame with the same type and req_id. Events arrive
// with req_id 0.
const (
	msgHandshake       = "handshake"
	msgAccountSummary  = "account_summary"
	msgPositions       = "positions"
	msgPlaceOrder      = "place_order"
	msgCancelOrder     = "cancel_order"
	msgContractDetails = "contract_details"

	evtOrderStatus = "order_status"
	evtNextValidID = "next_valid_id"
	evtError       = "error"
)

// Gateway error codes the adapter interprets.
const (
	codeOrderNotFound = 135
	codeNoSecurityDef = 200
	codeOrderRejected = 201
)

// frame is the envelope for every message in either direction.
type frame struct {
	Type  string          `json:"type"`
	ReqID int64           `json:"req_id,omitempty"`
	Code  int             `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// GatewayError is a failure reported by the gateway in a reply frame.
type GatewayError struct {
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

type handshakeRequest struct {
	ClientID  int    `json:"client_id"`
	AccountID string `json:"account_id,omitempty"`
}

type handshakeReply struct {
	NextValidID   int64    `json:"next_valid_id"`
	ServerVersion int      `json:"server_version"`
	Accounts      []string `json:"accounts"`
}

type accountSummaryRequest struct {
	AccountID string   `json:"account_id"`
	Tags      []string `json:"tags"`
}

type accountSummaryReply struct {
	AccountID string            `json:"account_id"`
	Tags      map[string]string `json:"tags"`
}

var summaryTags = []string{"TotalCashValue", "BuyingPower", "NetLiquidation", "Currency", "DayTradesRemaining"}

type positionRow struct {
	Account       string          `json:"account"`
	Contract      Contract        `json:"contract"`
	Position      decimal.Decimal `json:"position"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type positionsReply struct {
	Positions []positionRow `json:"positions"`
}

// wireOrder is the gateway's order ticket.
type wireOrder struct {
	Action        string           `json:"action"`
	OrderType     string           `json:"order_type"`
	TotalQuantity decimal.Decimal  `json:"total_quantity"`
	LmtPrice      *decimal.Decimal `json:"lmt_price,omitempty"`
	AuxPrice      *decimal.Decimal `json:"aux_price,omitempty"`
	TIF           string           `json:"tif"`
	Account       string           `json:"account,omitempty"`
	OrderRef      string           `json:"order_ref,omitempty"`
}

type placeOrderRequest struct {
	OrderID  int64     `json:"order_id"`
	Contract Contract  `json:"contract"`
	Order    wireOrder `json:"order"`
}

type cancelOrderRequest struct {
	OrderID int64 `json:"order_id"`
}

type contractDetailsRequest struct {
	Contract Contract `json:"contract"`
}

type contractDetailsReply struct {
	Contracts []Contract `json:"contracts"`
}

// orderStatusEvent is both the place_order acknowledgement and the
// unsolicited status update.
type orderStatusEvent struct {
	OrderID      int64           `json:"order_id"`
	Status       string          `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	PermID       int64           `json:"perm_id,omitempty"`
}

type nextValidIDEvent struct {
	OrderID int64 `json:"order_id"`
}

func orderAction(s model.Side) string {
	if s == model.SideSell {
		return "SELL"
	}
	return "BUY"
}

func wireOrderType(k model.OrderKind) string {
	switch k {
	case model.KindLimit:
		return "LMT"
	case model.KindStop:
		return "STP"
	case model.KindStopLimit:
		return "STP LMT"
	default:
		return "MKT"
	}
}

func wireTIF(t model.TimeInForce) string {
	switch t {
	case model.TIFGTC:
		return "GTC"
	case model.TIFIOC:
		return "IOC"
	case model.TIFFOK:
		return "FOK"
	default:
		return "DAY"
	}
}
