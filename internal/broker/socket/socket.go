// Package socket adapts an Interactive Brokers style gateway, reached over a
// websocket bridge, to the broker.Broker contract. It covers stocks, forex,
// options and futures.
//
// The gateway speaks an asynchronous callback protocol. The adapter keeps a
// single background reader per connection (see bridge) and turns each public
// method into a request/reply exchange correlated by req_id. Order status
// callbacks arrive as events and update a local order book that
// GetOrderStatus reads from.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/symbol"
)

// Kind is the registry key for this adapter.
const Kind = "interactive_brokers"

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 7497 // paper TWS; live is 7496
	DefaultClientID       = 1
	DefaultPath           = "/v1/bridge"
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

func init() {
	broker.Register(Kind, func(cfg broker.Config, logger *slog.Logger) (broker.Broker, error) {
		return New(cfg, logger)
	})
}

// statuses maps the gateway's order states (case-sensitive) onto the shared
// enum.
var statuses = broker.StatusTable{
	"PendingSubmit":   model.StatusPending,
	"ApiPending":      model.StatusPending,
	"PreSubmitted":    model.StatusPending,
	"Submitted":       model.StatusPending,
	"PendingCancel":   model.StatusPending,
	"Filled":          model.StatusFilled,
	"PartiallyFilled": model.StatusPartiallyFilled,
	"Cancelled":       model.StatusCancelled,
	"ApiCancelled":    model.StatusCancelled,
	"Inactive":        model.StatusRejected,
}

// NormalizeStatus maps a native gateway status. Unknown values are pending.
func NormalizeStatus(native string) model.OrderStatus {
	return statuses.Normalize(native)
}

// trackedOrder is the adapter's view of one submitted order.
type trackedOrder struct {
	id          int64
	clientRef   string
	symbol      string
	side        model.Side
	kind        model.OrderKind
	quantity    decimal.Decimal
	contract    Contract
	native      string
	filled      decimal.Decimal
	avgPrice    decimal.Decimal
	permID      int64
	submittedAt time.Time
}

// Adapter is the gateway implementation of broker.Broker.
type Adapter struct {
	broker.Session

	name           string
	host           string
	port           int
	path           string
	clientID       int
	accountID      string
	connectTimeout time.Duration
	requestTimeout time.Duration
	dialer         *websocket.Dialer
	logger         *slog.Logger

	mu          sync.Mutex
	br          *bridge
	nextOrderID int64

	ordersMu sync.RWMutex
	orders   map[int64]*trackedOrder
}

var _ broker.Broker = (*Adapter)(nil)

// New builds an adapter from {host, port, client_id, account_id}.
// account_id is required; host and port default to a local paper TWS.
// Optional keys: path, connect_timeout, request_timeout.
func New(cfg broker.Config, logger *slog.Logger) (*Adapter, error) {
	accountID, err := cfg.Require(Kind, "account_id")
	if err != nil {
		return nil, err
	}
	port, err := cfg.IntOr("port", DefaultPort)
	if err != nil {
		return nil, err
	}
	clientID, err := cfg.IntOr("client_id", DefaultClientID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	connectTimeout := cfg.DurationOr("connect_timeout", DefaultConnectTimeout)
	name := cfg.StringOr("name", Kind)
	return &Adapter{
		name:           name,
		host:           cfg.StringOr("host", DefaultHost),
		port:           port,
		path:           cfg.StringOr("path", DefaultPath),
		clientID:       clientID,
		accountID:      accountID,
		connectTimeout: connectTimeout,
		requestTimeout: cfg.DurationOr("request_timeout", DefaultRequestTimeout),
		dialer:         &websocket.Dialer{HandshakeTimeout: connectTimeout},
		logger:         logger.With("broker", name),
		orders:         make(map[int64]*trackedOrder),
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportedAssetClasses() []model.AssetClass {
	return []model.AssetClass{model.AssetStocks, model.AssetForex, model.AssetOptions, model.AssetFutures}
}

func (a *Adapter) url() string {
	return "ws://" + net.JoinHostPort(a.host, strconv.Itoa(a.port)) + a.path
}

// Connect dials the gateway, performs the handshake and loads the account
// summary. The whole sequence is bounded by connect_timeout.
func (a *Adapter) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	br, err := dialBridge(ctx, a.dialer, a.url(), a.logger)
	if err != nil {
		a.MarkDisconnected()
		a.logger.Error("gateway connect failed", "url", a.url(), "err", err)
		return broker.QueryErr(a.name, "connect", err)
	}
	// Events can arrive before the handshake reply; drain them from the
	// start. A bridge that never becomes a.br does not mark the adapter lost.
	go a.consumeEvents(br)

	var hs handshakeReply
	if err := br.call(ctx, msgHandshake, handshakeRequest{ClientID: a.clientID, AccountID: a.accountID}, &hs); err != nil {
		br.close()
		a.MarkDisconnected()
		a.logger.Error("gateway handshake failed", "err", err)
		return broker.QueryErr(a.name, "connect", err)
	}

	acct, err := a.accountSummary(ctx, br)
	if err != nil {
		br.close()
		a.MarkDisconnected()
		a.logger.Error("gateway account summary failed", "err", err)
		return err
	}

	// Bridge swap and session state change under a.mu, as in consumeEvents.
	a.mu.Lock()
	select {
	case <-br.done:
		a.mu.Unlock()
		a.MarkDisconnected()
		a.logger.Error("gateway closed during connect")
		return broker.QueryErr(a.name, "connect", errBridgeClosed)
	default:
	}
	old := a.br
	a.br = br
	if hs.NextValidID > a.nextOrderID {
		a.nextOrderID = hs.NextValidID
	}
	a.MarkConnected(acct)
	a.mu.Unlock()
	if old != nil {
		old.close()
	}

	a.logger.Info("gateway connected",
		"host", a.host, "port", a.port, "client_id", a.clientID, "next_order_id", hs.NextValidID)
	return nil
}

// Disconnect closes the gateway connection.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	br := a.br
	a.br = nil
	a.mu.Unlock()

	a.MarkDisconnected()
	if br == nil {
		return nil
	}
	if err := br.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn("gateway close failed", "err", err)
		return broker.QueryErr(a.name, "disconnect", err)
	}
	a.logger.Info("gateway disconnected")
	return nil
}

// consumeEvents applies unsolicited gateway events until the bridge closes.
func (a *Adapter) consumeEvents(br *bridge) {
	for f := range br.events {
		switch f.Type {
		case evtOrderStatus:
			var ev orderStatusEvent
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				a.logger.Warn("bad order_status event", "err", err)
				continue
			}
			a.applyStatus(ev)
		case evtNextValidID:
			var ev nextValidIDEvent
			if err := json.Unmarshal(f.Data, &ev); err == nil {
				a.mu.Lock()
				if ev.OrderID > a.nextOrderID {
					a.nextOrderID = ev.OrderID
				}
				a.mu.Unlock()
			}
		case evtError:
			a.logger.Warn("gateway error event", "code", f.Code, "msg", f.Error)
		default:
			a.logger.Debug("ignored gateway event", "type", f.Type)
		}
	}

	a.mu.Lock()
	lost := a.br == br
	if lost {
		a.br = nil
		a.MarkDisconnected()
	}
	a.mu.Unlock()
	if lost {
		a.logger.Warn("gateway connection lost")
	}
}

func (a *Adapter) applyStatus(ev orderStatusEvent) {
	a.ordersMu.Lock()
	defer a.ordersMu.Unlock()
	o, ok := a.orders[ev.OrderID]
	if !ok {
		return
	}
	// Acks and events race on separate paths; never step back from a
	// terminal state.
	if ev.Status != "" && !(NormalizeStatus(o.native).Terminal() && !NormalizeStatus(ev.Status).Terminal()) {
		o.native = ev.Status
	}
	if !ev.Filled.IsZero() {
		o.filled = decimal.Min(ev.Filled, o.quantity)
	}
	if ev.AvgFillPrice.IsPositive() {
		o.avgPrice = ev.AvgFillPrice
	}
	if ev.PermID != 0 {
		o.permID = ev.PermID
	}
}

func (a *Adapter) session() (*bridge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.br == nil {
		return nil, broker.ErrNotConnected
	}
	return a.br, nil
}

// withTimeout applies request_timeout when the caller set no deadline.
func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.requestTimeout)
}

func (a *Adapter) GetAccountInfo(ctx context.Context) (*model.AccountInfo, error) {
	br, err := a.session()
	if err != nil {
		return nil, broker.QueryErr(a.name, "get_account", err)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.accountSummary(ctx, br)
}

func (a *Adapter) accountSummary(ctx context.Context, br *bridge) (*model.AccountInfo, error) {
	var reply accountSummaryReply
	if err := br.call(ctx, msgAccountSummary, accountSummaryRequest{AccountID: a.accountID, Tags: summaryTags}, &reply); err != nil {
		return nil, broker.QueryErr(a.name, "get_account", err)
	}

	cash := tagDecimal(reply.Tags, "TotalCashValue", decimal.Zero)
	info := &model.AccountInfo{
		AccountID:           a.accountID,
		CashBalance:         cash,
		BuyingPower:         tagDecimal(reply.Tags, "BuyingPower", cash),
		TotalPortfolioValue: tagDecimal(reply.Tags, "NetLiquidation", cash),
		Currency:            "USD",
	}
	if reply.AccountID != "" {
		info.AccountID = reply.AccountID
	}
	if c := reply.Tags["Currency"]; c != "" {
		info.Currency = c
	}
	// -1 means unrestricted.
	if n, err := strconv.Atoi(reply.Tags["DayTradesRemaining"]); err == nil && n >= 0 {
		info.DayTradesRemaining = &n
	}
	return info, nil
}

func tagDecimal(tags map[string]string, key string, def decimal.Decimal) decimal.Decimal {
	v, ok := tags[key]
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}

// GetPositions lists positions for the configured account. Zero rows are
// skipped; side follows the sign of the position.
func (a *Adapter) GetPositions(ctx context.Context) ([]model.Position, error) {
	br, err := a.session()
	if err != nil {
		return nil, broker.QueryErr(a.name, "get_positions", err)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var reply positionsReply
	if err := br.call(ctx, msgPositions, struct {
		AccountID string `json:"account_id"`
	}{a.accountID}, &reply); err != nil {
		return nil, broker.QueryErr(a.name, "get_positions", err)
	}

	positions := make([]model.Position, 0, len(reply.Positions))
	for _, row := range reply.Positions {
		if row.Position.IsZero() {
			continue
		}
		if row.Account != "" && row.Account != a.accountID {
			continue
		}
		side := model.PositionLong
		if row.Position.IsNegative() {
			side = model.PositionShort
		}
		positions = append(positions, model.Position{
			Symbol:        row.Contract.DisplaySymbol(),
			Quantity:      row.Position.Abs(),
			Side:          side,
			MarketValue:   row.MarketValue,
			UnrealizedPnL: row.UnrealizedPnL,
			AvgEntryPrice: row.AvgCost,
			AssetClass:    AssetClassFor(row.Contract.SecType),
		})
	}
	return positions, nil
}

// PlaceOrder validates req, allocates the next order id and submits it.
func (a *Adapter) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	if err := broker.ValidateOrderParams(req); err != nil {
		return nil, err
	}
	class := req.AssetClass
	if class == "" {
		class = model.AssetStocks
	}
	if !broker.Supports(a, class) {
		return nil, &broker.InvalidOrderParametersError{
			Reason: fmt.Sprintf("%s does not trade %s", a.name, class),
		}
	}

	br, err := a.session()
	if err != nil {
		return nil, broker.QueryErr(a.name, "place_order", err)
	}

	contract := BuildContract(req.Symbol, class, req.Extra)
	ticket := wireOrder{
		Action:        orderAction(req.Side),
		OrderType:     wireOrderType(req.Kind),
		TotalQuantity: req.Quantity,
		TIF:           wireTIF(req.TimeInForce),
		Account:       a.accountID,
		OrderRef:      req.ClientOrderID,
	}
	switch req.Kind {
	case model.KindLimit:
		ticket.LmtPrice = req.LimitPrice
	case model.KindStop:
		ticket.AuxPrice = req.StopPrice
	case model.KindStopLimit:
		ticket.LmtPrice = req.LimitPrice
		ticket.AuxPrice = req.StopPrice
	}

	a.mu.Lock()
	if a.nextOrderID < 1 {
		a.nextOrderID = 1
	}
	id := a.nextOrderID
	a.nextOrderID++
	a.mu.Unlock()

	tracked := &trackedOrder{
		id:          id,
		clientRef:   req.ClientOrderID,
		symbol:      symbol.Normalize(req.Symbol),
		side:        req.Side,
		kind:        req.Kind,
		quantity:    req.Quantity,
		contract:    contract,
		native:      "PendingSubmit",
		submittedAt: time.Now().UTC(),
	}
	a.ordersMu.Lock()
	a.orders[id] = tracked
	a.ordersMu.Unlock()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	a.logger.Info("submitting gateway order",
		"order_id", id, "symbol", contract.Symbol, "sec_type", contract.SecType,
		"action", ticket.Action, "qty", req.Quantity.String(), "type", ticket.OrderType)

	var ack orderStatusEvent
	if err := br.call(ctx, msgPlaceOrder, placeOrderRequest{OrderID: id, Contract: contract, Order: ticket}, &ack); err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Code == codeOrderRejected {
			a.applyStatus(orderStatusEvent{OrderID: id, Status: "Inactive"})
			return nil, &broker.InvalidOrderParametersError{Reason: gwErr.Message}
		}
		a.ordersMu.Lock()
		delete(a.orders, id)
		a.ordersMu.Unlock()
		return nil, broker.QueryErr(a.name, "place_order", err)
	}
	ack.OrderID = id
	a.applyStatus(ack)

	res, _ := a.lookup(id)
	a.logger.Info("gateway order submitted", "order_id", id, "status", res.Status)
	return res, nil
}

// CancelOrder requests cancellation. The final state arrives as an event.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &broker.OrderNotFoundError{Broker: a.name, OrderID: orderID}
	}
	br, err := a.session()
	if err != nil {
		return broker.QueryErr(a.name, "cancel_order", err)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := br.call(ctx, msgCancelOrder, cancelOrderRequest{OrderID: id}, nil); err != nil {
		a.logger.Error("gateway cancel failed", "order_id", id, "err", err)
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Code == codeOrderNotFound {
			return &broker.OrderNotFoundError{Broker: a.name, OrderID: orderID}
		}
		return broker.QueryErr(a.name, "cancel_order", err)
	}

	a.ordersMu.Lock()
	if o, ok := a.orders[id]; ok && !NormalizeStatus(o.native).Terminal() {
		o.native = "PendingCancel"
	}
	a.ordersMu.Unlock()
	a.logger.Info("gateway cancel requested", "order_id", id)
	return nil
}

// GetOrderStatus answers from the local order book, which is fed by the
// gateway's status events.
func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &broker.OrderNotFoundError{Broker: a.name, OrderID: orderID}
	}
	res, ok := a.lookup(id)
	if !ok {
		return nil, &broker.OrderNotFoundError{Broker: a.name, OrderID: orderID}
	}
	return res, nil
}

func (a *Adapter) lookup(id int64) (*model.OrderResult, bool) {
	a.ordersMu.RLock()
	defer a.ordersMu.RUnlock()
	o, ok := a.orders[id]
	if !ok {
		return nil, false
	}
	res := &model.OrderResult{
		OrderID:   strconv.FormatInt(o.id, 10),
		Symbol:    o.symbol,
		Quantity:  o.quantity,
		Side:      o.side,
		Kind:      o.kind,
		Status:    NormalizeStatus(o.native),
		Timestamp: o.submittedAt,
		BrokerResponse: map[string]any{
			"ib_order_id":   o.id,
			"perm_id":       o.permID,
			"native_status": o.native,
			"order_ref":     o.clientRef,
			"sec_type":      o.contract.SecType,
			"exchange":      o.contract.Exchange,
		},
	}
	if o.filled.IsPositive() {
		res.FilledQuantity = model.Ptr(o.filled)
	}
	if o.avgPrice.IsPositive() {
		res.FilledPrice = model.Ptr(o.avgPrice)
	}
	return res, true
}

// ValidateSymbol asks the gateway for contract details. Currency pairs are
// looked up as forex, everything else as a stock.
func (a *Adapter) ValidateSymbol(ctx context.Context, sym string) bool {
	br, err := a.session()
	if err != nil {
		return false
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	class := model.AssetStocks
	if n := symbol.Normalize(sym); len(n) > 3 && n[3] == '.' && symbol.IsPair(n) {
		class = model.AssetForex
	}
	var reply contractDetailsReply
	if err := br.call(ctx, msgContractDetails, contractDetailsRequest{Contract: BuildContract(sym, class, nil)}, &reply); err != nil {
		var gwErr *GatewayError
		if !errors.As(err, &gwErr) || gwErr.Code != codeNoSecurityDef {
			a.logger.Warn("gateway symbol validation failed", "symbol", sym, "err", err)
		}
		return false
	}
	return len(reply.Contracts) > 0
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return broker.CheckHealth(ctx, a)
}
