// Package brokertest provides an in-memory broker.Broker that records every
// call, for tests of code that routes through brokers.
package brokertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/model"
)

// Spy is a scriptable broker. Zero values give a broker that connects,
// reports a $100k account and fills every order at the quote (or 100).
type Spy struct {
	broker.Session

	BrokerName string
	Assets     []model.AssetClass

	ConnectErr   error
	AccountErr   error
	PositionsErr error
	PlaceErr     error
	QuoteErr     error
	Healthy      *bool

	Account   model.AccountInfo
	Positions []model.Position
	Quote     *model.Quote
	// FillStatus is the status returned for placed orders; default filled.
	FillStatus model.OrderStatus
	FillPrice  *decimal.Decimal
	// Block, when set, is waited on inside PlaceOrder.
	Block chan struct{}

	mu     sync.Mutex
	calls  map[string]int
	orders map[string]*model.OrderResult
	placed []model.OrderRequest
	seq    int
}

var (
	_ broker.Broker         = (*Spy)(nil)
	_ broker.Quoter         = (*Spy)(nil)
	_ broker.PositionCloser = (*Spy)(nil)
)

// NewSpy returns a spy with a funded account and stock/crypto support.
func NewSpy(name string) *Spy {
	return &Spy{
		BrokerName: name,
		Assets:     []model.AssetClass{model.AssetStocks, model.AssetCrypto},
		Account: model.AccountInfo{
			AccountID:           name + "-acct",
			CashBalance:         decimal.NewFromInt(100000),
			BuyingPower:         decimal.NewFromInt(200000),
			TotalPortfolioValue: decimal.NewFromInt(100000),
			Currency:            "USD",
		},
	}
}

func (s *Spy) record(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[method]++
}

// Calls returns how many times method was invoked.
func (s *Spy) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of calls across all methods except the
// pure accessors (Name, SupportedAssetClasses, IsConnected).
func (s *Spy) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Placed returns the requests PlaceOrder received.
func (s *Spy) Placed() []model.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OrderRequest(nil), s.placed...)
}

func (s *Spy) Name() string { return s.BrokerName }

func (s *Spy) SupportedAssetClasses() []model.AssetClass { return s.Assets }

func (s *Spy) Connect(ctx context.Context) error {
	s.record("Connect")
	if s.ConnectErr != nil {
		s.MarkDisconnected()
		return s.ConnectErr
	}
	acct := s.Account
	s.MarkConnected(&acct)
	return nil
}

func (s *Spy) Disconnect(ctx context.Context) error {
	s.record("Disconnect")
	s.MarkDisconnected()
	return nil
}

func (s *Spy) GetAccountInfo(ctx context.Context) (*model.AccountInfo, error) {
	s.record("GetAccountInfo")
	if s.AccountErr != nil {
		return nil, broker.QueryErr(s.BrokerName, "get_account", s.AccountErr)
	}
	acct := s.Account
	return &acct, nil
}

func (s *Spy) GetPositions(ctx context.Context) ([]model.Position, error) {
	s.record("GetPositions")
	if s.PositionsErr != nil {
		return nil, broker.QueryErr(s.BrokerName, "get_positions", s.PositionsErr)
	}
	out := make([]model.Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if !p.Quantity.IsZero() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Spy) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	s.record("PlaceOrder")
	if err := broker.ValidateOrderParams(req); err != nil {
		return nil, err
	}
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.PlaceErr != nil {
		return nil, s.PlaceErr
	}

	status := s.FillStatus
	if status == "" {
		status = model.StatusFilled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	res := &model.OrderResult{
		OrderID:        fmt.Sprintf("%s-%d", s.BrokerName, s.seq),
		Symbol:         req.Symbol,
		Quantity:       req.Quantity,
		Side:           req.Side,
		Kind:           req.Kind,
		Status:         status,
		Timestamp:      time.Now().UTC(),
		BrokerResponse: map[string]any{"client_order_id": req.ClientOrderID},
	}
	if status == model.StatusFilled {
		price := s.fillPriceLocked(req.Side)
		res.FilledPrice = &price
		qty := req.Quantity
		res.FilledQuantity = &qty
	}
	if s.orders == nil {
		s.orders = make(map[string]*model.OrderResult)
	}
	s.orders[res.OrderID] = res
	s.placed = append(s.placed, req)
	cp := *res
	return &cp, nil
}

func (s *Spy) fillPriceLocked(side model.Side) decimal.Decimal {
	if s.FillPrice != nil {
		return *s.FillPrice
	}
	if s.Quote != nil {
		return s.Quote.PriceFor(side)
	}
	return decimal.NewFromInt(100)
}

func (s *Spy) CancelOrder(ctx context.Context, orderID string) error {
	s.record("CancelOrder")
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return &broker.OrderNotFoundError{Broker: s.BrokerName, OrderID: orderID}
	}
	if !o.Status.Terminal() {
		o.Status = model.StatusCancelled
	}
	return nil
}

func (s *Spy) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderResult, error) {
	s.record("GetOrderStatus")
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, &broker.OrderNotFoundError{Broker: s.BrokerName, OrderID: orderID}
	}
	cp := *o
	return &cp, nil
}

func (s *Spy) GetQuote(ctx context.Context, symbol string, class model.AssetClass) (*model.Quote, error) {
	s.record("GetQuote")
	if s.QuoteErr != nil {
		return nil, broker.QueryErr(s.BrokerName, "get_quote", s.QuoteErr)
	}
	if s.Quote == nil {
		return nil, broker.QueryErr(s.BrokerName, "get_quote", fmt.Errorf("no quote for %s", symbol))
	}
	q := *s.Quote
	q.Symbol = symbol
	return &q, nil
}

func (s *Spy) ClosePosition(ctx context.Context, symbol string) (*model.OrderResult, error) {
	s.record("ClosePosition")
	for _, p := range s.Positions {
		if p.Symbol == symbol && !p.Quantity.IsZero() {
			side := model.SideSell
			if p.Side == model.PositionShort {
				side = model.SideBuy
			}
			return s.PlaceOrder(ctx, model.OrderRequest{Symbol: symbol, Quantity: p.Quantity, Side: side, Kind: model.KindMarket})
		}
	}
	return nil, &broker.InvalidOrderParametersError{Reason: "no open position in " + symbol}
}

func (s *Spy) ValidateSymbol(ctx context.Context, symbol string) bool {
	s.record("ValidateSymbol")
	return symbol != ""
}

func (s *Spy) HealthCheck(ctx context.Context) bool {
	s.record("HealthCheck")
	if s.Healthy != nil {
		return *s.Healthy
	}
	return broker.CheckHealth(ctx, s)
}
