package rest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

// fakeTrading records calls and serves canned responses.
type fakeTrading struct {
	account   *alpaca.Account
	positions []alpaca.Position
	orders    map[string]*alpaca.Order
	placed    []alpaca.PlaceOrderRequest
	calls     int
	err       error
}

func newFakeTrading() *fakeTrading {
	return &fakeTrading{
		account: &alpaca.Account{
			ID:          "acct-1",
			Currency:    "USD",
			Cash:        d(10000),
			BuyingPower: d(20000),
			Equity:      d(30000),
		},
		orders: map[string]*alpaca.Order{},
	}
}

func (f *fakeTrading) GetAccount() (*alpaca.Account, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.account, nil
}

func (f *fakeTrading) GetPositions() ([]alpaca.Position, error) {
	f.calls++
	return f.positions, f.err
}

func (f *fakeTrading) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.placed = append(f.placed, req)
	o := &alpaca.Order{
		ID:            "ord-1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "accepted",
		SubmittedAt:   time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC),
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeTrading) GetOrder(id string) (*alpaca.Order, error) {
	f.calls++
	o, ok := f.orders[id]
	if !ok {
		return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	return o, nil
}

func (f *fakeTrading) CancelOrder(id string) error {
	f.calls++
	if _, ok := f.orders[id]; !ok {
		return &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	f.orders[id].Status = "canceled"
	return nil
}

func (f *fakeTrading) ClosePosition(symbol string, _ alpaca.ClosePositionRequest) (*alpaca.Order, error) {
	f.calls++
	return &alpaca.Order{ID: "close-1", Symbol: symbol, Side: alpaca.Sell, Type: alpaca.Market, Status: "new"}, nil
}

type fakeQuotes struct {
	stock  map[string]*marketdata.Quote
	crypto map[string]*marketdata.CryptoQuote
}

func (f *fakeQuotes) GetLatestQuote(symbol string, _ marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error) {
	q, ok := f.stock[symbol]
	if !ok {
		return nil, errors.New("no such symbol")
	}
	return q, nil
}

func (f *fakeQuotes) GetLatestCryptoQuote(symbol string, _ marketdata.GetLatestCryptoQuoteRequest) (*marketdata.CryptoQuote, error) {
	q, ok := f.crypto[symbol]
	if !ok {
		return nil, errors.New("no such pair")
	}
	return q, nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeTrading) {
	t.Helper()
	tr := newFakeTrading()
	qs := &fakeQuotes{
		stock:  map[string]*marketdata.Quote{"AAPL": {BidPrice: 149.9, AskPrice: 150.1}},
		crypto: map[string]*marketdata.CryptoQuote{"BTC/USD": {BidPrice: 60000, AskPrice: 60010}},
	}
	return newAdapter("alpaca-test", tr, qs, nil), tr
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(broker.Config{"api_key": "k"}, nil)
	if !errors.Is(err, broker.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	var mc *broker.MissingCredentialsError
	if !errors.As(err, &mc) || mc.Key != "secret_key" {
		t.Errorf("expected missing secret_key, got %v", err)
	}

	a, err := New(broker.Config{"api_key": "k", "secret_key": "s"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Paper() {
		t.Error("paper should default to true")
	}
	if a.IsConnected() {
		t.Error("construction must not connect")
	}
}

func TestRegisteredKind(t *testing.T) {
	_, err := broker.New(Kind, broker.Config{}, nil)
	if !errors.Is(err, broker.ErrMissingCredentials) {
		t.Errorf("registered factory should surface missing credentials, got %v", err)
	}
}

func TestConnect(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !a.IsConnected() {
		t.Fatal("expected connected")
	}
	acct := a.CachedAccount()
	if acct == nil || acct.AccountID != "acct-1" {
		t.Fatalf("cached account = %+v", acct)
	}
	if !acct.TotalPortfolioValue.Equal(d(30000)) {
		t.Errorf("portfolio value = %s", acct.TotalPortfolioValue)
	}
	if acct.DayTradesRemaining == nil || *acct.DayTradesRemaining != 3 {
		t.Errorf("day trades remaining = %v", acct.DayTradesRemaining)
	}
	if !a.HealthCheck(context.Background()) {
		t.Error("expected healthy")
	}
}

func TestConnect_Failure(t *testing.T) {
	a, tr := newTestAdapter(t)
	tr.err = errors.New("401 unauthorized")

	err := a.Connect(context.Background())
	if !errors.Is(err, broker.ErrBrokerQuery) {
		t.Fatalf("expected ErrBrokerQuery, got %v", err)
	}
	if a.IsConnected() {
		t.Error("failed connect must leave the adapter disconnected")
	}
}

func TestPlaceOrder_LimitWithoutPriceFailsBeforeNetwork(t *testing.T) {
	a, tr := newTestAdapter(t)

	_, err := a.PlaceOrder(context.Background(), model.OrderRequest{
		Symbol:   "AAPL",
		Quantity: d(10),
		Side:     model.SideBuy,
		Kind:     model.KindLimit,
	})
	if !errors.Is(err, broker.ErrInvalidOrderParameters) {
		t.Fatalf("expected ErrInvalidOrderParameters, got %v", err)
	}
	if tr.calls != 0 {
		t.Errorf("expected no API calls, got %d", tr.calls)
	}
}

func TestPlaceOrder_RoundTrip(t *testing.T) {
	a, tr := newTestAdapter(t)
	ctx := context.Background()

	res, err := a.PlaceOrder(ctx, model.OrderRequest{
		Symbol:        "aapl",
		Quantity:      d(10),
		Side:          model.SideBuy,
		Kind:          model.KindLimit,
		LimitPrice:    dp(150),
		TimeInForce:   model.TIFGTC,
		ClientOrderID: "exec-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != model.StatusPending {
		t.Errorf("accepted should normalize to pending, got %s", res.Status)
	}
	if res.Symbol != "AAPL" || !res.Quantity.Equal(d(10)) || res.Side != model.SideBuy || res.Kind != model.KindLimit {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.BrokerResponse["client_order_id"] != "exec-1" {
		t.Errorf("broker response = %v", res.BrokerResponse)
	}

	sent := tr.placed[0]
	if sent.TimeInForce != alpaca.GTC || sent.Type != alpaca.Limit || sent.LimitPrice == nil || !sent.LimitPrice.Equal(d(150)) {
		t.Errorf("unexpected request: %+v", sent)
	}
	if sent.StopPrice != nil {
		t.Error("limit order must not carry a stop price")
	}

	status, err := a.GetOrderStatus(ctx, res.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status.OrderID != res.OrderID || status.Symbol != "AAPL" || status.Side != model.SideBuy || !status.Quantity.Equal(d(10)) {
		t.Errorf("status does not echo the order: %+v", status)
	}
}

func TestGetOrderStatus_UnknownStatusIsPending(t *testing.T) {
	a, tr := newTestAdapter(t)
	q := d(1)
	tr.orders["x"] = &alpaca.Order{ID: "x", Symbol: "AAPL", Qty: &q, Side: alpaca.Buy, Type: alpaca.Market, Status: "done_for_day"}

	res, err := a.GetOrderStatus(context.Background(), "x")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if res.Status != model.StatusPending {
		t.Errorf("expected pending, got %s", res.Status)
	}
}

func TestGetOrderStatus_NotFound(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.GetOrderStatus(context.Background(), "missing")
	if !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]model.OrderStatus{
		"new":              model.StatusPending,
		"PENDING_NEW":      model.StatusPending,
		"held":             model.StatusPending,
		"filled":           model.StatusFilled,
		"partially_filled": model.StatusPartiallyFilled,
		"canceled":         model.StatusCancelled,
		"expired":          model.StatusCancelled,
		"rejected":         model.StatusRejected,
		"replaced":         model.StatusPending,
		"":                 model.StatusPending,
	}
	for native, want := range tests {
		if got := NormalizeStatus(native); got != want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", native, got, want)
		}
	}
}

func TestGetPositions_FiltersZeroQuantity(t *testing.T) {
	a, tr := newTestAdapter(t)
	tr.positions = []alpaca.Position{
		{Symbol: "AAPL", Qty: d(10), AvgEntryPrice: d(140), MarketValue: dp(1500), UnrealizedPL: dp(100)},
		{Symbol: "MSFT", Qty: decimal.Zero, AvgEntryPrice: d(300)},
		{Symbol: "BTCUSD", Qty: d(-0.5), AvgEntryPrice: d(60000), AssetClass: alpaca.Crypto},
	}

	got, err := a.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(got))
	}
	if got[0].Symbol != "AAPL" || got[0].Side != model.PositionLong || got[0].AssetClass != model.AssetStocks {
		t.Errorf("unexpected AAPL position: %+v", got[0])
	}
	if got[1].Side != model.PositionShort || !got[1].Quantity.Equal(d(0.5)) || got[1].AssetClass != model.AssetCrypto {
		t.Errorf("unexpected BTC position: %+v", got[1])
	}
}

func TestCancelOrder(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	res, err := a.PlaceOrder(ctx, model.OrderRequest{Symbol: "AAPL", Quantity: d(1), Side: model.SideSell, Kind: model.KindMarket})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := a.CancelOrder(ctx, res.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	st, _ := a.GetOrderStatus(ctx, res.OrderID)
	if st.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", st.Status)
	}
	if err := a.CancelOrder(ctx, "missing"); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetQuote(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	q, err := a.GetQuote(ctx, "AAPL", model.AssetStocks)
	if err != nil {
		t.Fatalf("stock quote: %v", err)
	}
	if !q.PriceFor(model.SideBuy).Equal(d(150.1)) || !q.PriceFor(model.SideSell).Equal(d(149.9)) {
		t.Errorf("unexpected quote: %+v", q)
	}

	cq, err := a.GetQuote(ctx, "BTCUSD", "")
	if err != nil {
		t.Fatalf("crypto quote: %v", err)
	}
	if !cq.AskPrice.Equal(d(60010)) {
		t.Errorf("unexpected crypto quote: %+v", cq)
	}

	if a.ValidateSymbol(ctx, "ZZZZ") {
		t.Error("unknown symbol should not validate")
	}
	if !a.ValidateSymbol(ctx, "aapl") {
		t.Error("AAPL should validate")
	}
}

func TestIsCryptoSymbol(t *testing.T) {
	for _, s := range []string{"BTCUSD", "ETH/USD", "dogeusdt", "LINK", "SOLUSD"} {
		if !IsCryptoSymbol(s) {
			t.Errorf("%s should be crypto", s)
		}
	}
	for _, s := range []string{"AAPL", "MSFT", "SPY"} {
		if IsCryptoSymbol(s) {
			t.Errorf("%s should not be crypto", s)
		}
	}
}

func TestClosePosition(t *testing.T) {
	a, _ := newTestAdapter(t)
	res, err := a.ClosePosition(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if res.Symbol != "AAPL" || res.Side != model.SideSell || res.Status != model.StatusPending {
		t.Errorf("unexpected close result: %+v", res)
	}
}
