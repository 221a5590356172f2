// Package rest adapts the Alpaca trading and market-data REST APIs to the
// broker.Broker contract. It covers US equities and crypto.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/symbol"
)

// Kind is the registry key for this adapter.
const Kind = "alpaca"

const (
	PaperBaseURL = "https://paper-api.alpaca.markets"
	LiveBaseURL  = "https://api.alpaca.markets"
)

// patternDayTradeLimit is the FINRA rolling five-day allowance for accounts
// under the pattern-day-trader equity floor.
const patternDayTradeLimit = 3

func init() {
	broker.Register(Kind, func(cfg broker.Config, logger *slog.Logger) (broker.Broker, error) {
		return New(cfg, logger)
	})
}

// statuses maps Alpaca's lower-cased order states onto the shared enum.
var statuses = broker.StatusTable{
	"new":              model.StatusPending,
	"pending_new":      model.StatusPending,
	"accepted":         model.StatusPending,
	"held":             model.StatusPending,
	"filled":           model.StatusFilled,
	"partially_filled": model.StatusPartiallyFilled,
	"canceled":         model.StatusCancelled,
	"cancelled":        model.StatusCancelled,
	"expired":          model.StatusCancelled,
	"rejected":         model.StatusRejected,
}

// NormalizeStatus maps a native Alpaca status. Unknown values are pending.
func NormalizeStatus(native string) model.OrderStatus {
	return statuses.Normalize(strings.ToLower(strings.TrimSpace(native)))
}

var (
	cryptoPrefixes = []string{"BTC", "ETH", "LTC", "BCH", "DOGE", "ADA", "DOT", "UNI", "LINK"}
	cryptoSuffixes = []string{"USD", "USDT", "BTC", "ETH"}
)

// IsCryptoSymbol is the prefix/suffix heuristic used to classify positions
// and route quote lookups. It will misclassify some equities (e.g. tickers
// starting with DOT); callers that know the class should pass it.
func IsCryptoSymbol(s string) bool {
	s = symbol.Normalize(s)
	for _, p := range cryptoPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	for _, suf := range cryptoSuffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// tradingAPI is the subset of *alpaca.Client the adapter uses.
type tradingAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	ClosePosition(symbol string, req alpaca.ClosePositionRequest) (*alpaca.Order, error)
}

// quoteAPI is the subset of *marketdata.Client the adapter uses.
type quoteAPI interface {
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
	GetLatestCryptoQuote(symbol string, req marketdata.GetLatestCryptoQuoteRequest) (*marketdata.CryptoQuote, error)
}

// Adapter is the Alpaca implementation of broker.Broker.
type Adapter struct {
	broker.Session

	name    string
	paper   bool
	trading tradingAPI
	quotes  quoteAPI
	limiter *rate.Limiter
	logger  *slog.Logger
}

var (
	_ broker.Broker         = (*Adapter)(nil)
	_ broker.Quoter         = (*Adapter)(nil)
	_ broker.PositionCloser = (*Adapter)(nil)
)

// New builds an adapter from {api_key, secret_key, paper}. base_url and
// data_url override the endpoints. Missing credentials fail here, before any
// request is made.
func New(cfg broker.Config, logger *slog.Logger) (*Adapter, error) {
	key, err := cfg.Require(Kind, "api_key")
	if err != nil {
		return nil, err
	}
	secret, err := cfg.Require(Kind, "secret_key")
	if err != nil {
		return nil, err
	}
	paper := cfg.BoolOr("paper", true)

	baseURL := LiveBaseURL
	if paper {
		baseURL = PaperBaseURL
	}
	baseURL = cfg.StringOr("base_url", baseURL)

	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    key,
		APISecret: secret,
		BaseURL:   baseURL,
	})
	quotes := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    key,
		APISecret: secret,
		BaseURL:   cfg.StringOr("data_url", ""),
	})

	a := newAdapter(cfg.StringOr("name", Kind), trading, quotes, logger)
	a.paper = paper
	return a, nil
}

func newAdapter(name string, trading tradingAPI, quotes quoteAPI, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:    name,
		trading: trading,
		quotes:  quotes,
		// ~200 requests/minute, the documented per-key ceiling.
		limiter: rate.NewLimiter(rate.Limit(3.33), 10),
		logger:  logger.With("broker", name),
	}
}

func (a *Adapter) Name() string { return a.name }

// Paper reports whether the adapter targets the paper-trading endpoint.
func (a *Adapter) Paper() bool { return a.paper }

func (a *Adapter) SupportedAssetClasses() []model.AssetClass {
	return []model.AssetClass{model.AssetStocks, model.AssetCrypto}
}

// Connect verifies the credentials with an account query and caches the
// result.
func (a *Adapter) Connect(ctx context.Context) error {
	acct, err := a.fetchAccount(ctx)
	if err != nil {
		a.MarkDisconnected()
		a.logger.Error("alpaca connect failed", "err", err)
		return err
	}
	a.MarkConnected(acct)
	a.logger.Info("alpaca connected", "account_id", acct.AccountID, "paper", a.paper)
	return nil
}

// Disconnect drops the session. The REST client holds no connection.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.MarkDisconnected()
	a.logger.Info("alpaca disconnected")
	return nil
}

func (a *Adapter) GetAccountInfo(ctx context.Context) (*model.AccountInfo, error) {
	return a.fetchAccount(ctx)
}

func (a *Adapter) fetchAccount(ctx context.Context) (*model.AccountInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, broker.QueryErr(a.name, "get_account", err)
	}
	acct, err := a.trading.GetAccount()
	if err != nil {
		return nil, broker.QueryErr(a.name, "get_account", err)
	}
	info := &model.AccountInfo{
		AccountID:           acct.ID,
		CashBalance:         acct.Cash,
		BuyingPower:         acct.BuyingPower,
		TotalPortfolioValue: acct.Equity,
		Currency:            acct.Currency,
	}
	if !acct.PatternDayTrader {
		remaining := patternDayTradeLimit - int(acct.DaytradeCount)
		if remaining < 0 {
			remaining = 0
		}
		info.DayTradesRemaining = &remaining
	}
	return info, nil
}

// GetPositions lists open positions. Zero-quantity rows are dropped; side
// follows the sign of the quantity.
func (a *Adapter) GetPositions(ctx context.Context) ([]model.Position, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, broker.QueryErr(a.name, "get_positions", err)
	}
	raw, err := a.trading.GetPositions()
	if err != nil {
		return nil, broker.QueryErr(a.name, "get_positions", err)
	}

	positions := make([]model.Position, 0, len(raw))
	for _, p := range raw {
		if p.Qty.IsZero() {
			continue
		}
		side := model.PositionLong
		if p.Qty.IsNegative() {
			side = model.PositionShort
		}
		class := model.AssetStocks
		if p.AssetClass == alpaca.Crypto || IsCryptoSymbol(p.Symbol) {
			class = model.AssetCrypto
		}
		positions = append(positions, model.Position{
			Symbol:        p.Symbol,
			Quantity:      p.Qty.Abs(),
			Side:          side,
			MarketValue:   deref(p.MarketValue),
			UnrealizedPnL: deref(p.UnrealizedPL),
			AvgEntryPrice: p.AvgEntryPrice,
			AssetClass:    class,
		})
	}
	return positions, nil
}

// PlaceOrder validates req locally and submits it.
func (a *Adapter) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	if err := broker.ValidateOrderParams(req); err != nil {
		return nil, err
	}

	qty := req.Quantity
	areq := alpaca.PlaceOrderRequest{
		Symbol:        symbol.Normalize(req.Symbol),
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          orderType(req.Kind),
		TimeInForce:   timeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	switch req.Kind {
	case model.KindLimit:
		areq.LimitPrice = req.LimitPrice
	case model.KindStop:
		areq.StopPrice = req.StopPrice
	case model.KindStopLimit:
		areq.LimitPrice = req.LimitPrice
		areq.StopPrice = req.StopPrice
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, broker.QueryErr(a.name, "place_order", err)
	}
	a.logger.Info("submitting alpaca order",
		"symbol", areq.Symbol, "side", req.Side, "qty", qty.String(), "type", req.Kind)

	o, err := a.trading.PlaceOrder(areq)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return nil, &broker.InvalidOrderParametersError{Reason: apiErr.Message}
		}
		return nil, broker.QueryErr(a.name, "place_order", err)
	}

	result := a.toResult(o)
	// Echo the request where the brokerage omits fields on fresh orders.
	if result.Symbol == "" {
		result.Symbol = areq.Symbol
	}
	if result.Quantity.IsZero() {
		result.Quantity = qty
	}
	a.logger.Info("alpaca order submitted", "order_id", result.OrderID, "status", result.Status)
	return result, nil
}

// CancelOrder is best-effort: failures are logged and returned.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return broker.QueryErr(a.name, "cancel_order", err)
	}
	if err := a.trading.CancelOrder(orderID); err != nil {
		a.logger.Error("alpaca cancel failed", "order_id", orderID, "err", err)
		if isNotFound(err) {
			return &broker.OrderNotFoundError{Broker: a.name, OrderID: orderID}
		}
		return broker.QueryErr(a.name, "cancel_order", err)
	}
	a.logger.Info("alpaca order cancelled", "order_id", orderID)
	return nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, broker.QueryErr(a.name, "get_order", err)
	}
	o, err := a.trading.GetOrder(orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, &broker.OrderNotFoundError{Broker: a.name, OrderID: orderID}
		}
		return nil, broker.QueryErr(a.name, "get_order", err)
	}
	return a.toResult(o), nil
}

// ClosePosition liquidates the whole position in symbol.
func (a *Adapter) ClosePosition(ctx context.Context, sym string) (*model.OrderResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, broker.QueryErr(a.name, "close_position", err)
	}
	o, err := a.trading.ClosePosition(symbol.Normalize(sym), alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, broker.QueryErr(a.name, "close_position", err)
	}
	return a.toResult(o), nil
}

// GetQuote returns the latest NBBO (equities) or exchange quote (crypto).
// An empty class falls back to the symbol heuristic.
func (a *Adapter) GetQuote(ctx context.Context, sym string, class model.AssetClass) (*model.Quote, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, broker.QueryErr(a.name, "get_quote", err)
	}
	sym = symbol.Normalize(sym)
	if class == "" && IsCryptoSymbol(sym) {
		class = model.AssetCrypto
	}

	if class == model.AssetCrypto {
		pairSym := sym
		if p, err := symbol.ParsePair(sym); err == nil {
			pairSym = p.Join("/")
		}
		q, err := a.quotes.GetLatestCryptoQuote(pairSym, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			return nil, broker.QueryErr(a.name, "get_quote", err)
		}
		if q == nil {
			return nil, broker.QueryErr(a.name, "get_quote", fmt.Errorf("no quote for %s", pairSym))
		}
		return &model.Quote{
			Symbol:    sym,
			BidPrice:  decimal.NewFromFloat(q.BidPrice),
			AskPrice:  decimal.NewFromFloat(q.AskPrice),
			Timestamp: q.Timestamp,
		}, nil
	}

	q, err := a.quotes.GetLatestQuote(sym, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, broker.QueryErr(a.name, "get_quote", err)
	}
	if q == nil {
		return nil, broker.QueryErr(a.name, "get_quote", fmt.Errorf("no quote for %s", sym))
	}
	return &model.Quote{
		Symbol:    sym,
		BidPrice:  decimal.NewFromFloat(q.BidPrice),
		AskPrice:  decimal.NewFromFloat(q.AskPrice),
		Timestamp: q.Timestamp,
	}, nil
}

// ValidateSymbol reports whether a quote exists for the symbol.
func (a *Adapter) ValidateSymbol(ctx context.Context, sym string) bool {
	q, err := a.GetQuote(ctx, sym, "")
	if err != nil {
		a.logger.Warn("alpaca symbol validation failed", "symbol", sym, "err", err)
		return false
	}
	return q != nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return broker.CheckHealth(ctx, a)
}

func (a *Adapter) toResult(o *alpaca.Order) *model.OrderResult {
	res := &model.OrderResult{
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Quantity:    deref(o.Qty),
		Side:        model.Side(o.Side),
		Kind:        orderKind(string(o.Type)),
		Status:      NormalizeStatus(o.Status),
		FilledPrice: o.FilledAvgPrice,
		Timestamp:   o.SubmittedAt,
		BrokerResponse: map[string]any{
			"alpaca_order_id": o.ID,
			"client_order_id": o.ClientOrderID,
			"native_status":   o.Status,
			"submitted_at":    o.SubmittedAt.Format(time.RFC3339),
			"filled_at":       nil,
		},
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = o.CreatedAt
	}
	if !o.FilledQty.IsZero() {
		res.FilledQuantity = model.Ptr(o.FilledQty)
	}
	if o.FilledAt != nil {
		res.BrokerResponse["filled_at"] = o.FilledAt.Format(time.RFC3339)
	}
	return res
}

func orderType(k model.OrderKind) alpaca.OrderType {
	switch k {
	case model.KindLimit:
		return alpaca.Limit
	case model.KindStop:
		return alpaca.Stop
	case model.KindStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

func orderKind(native string) model.OrderKind {
	switch strings.ToLower(native) {
	case "limit":
		return model.KindLimit
	case "stop":
		return model.KindStop
	case "stop_limit":
		return model.KindStopLimit
	default:
		return model.KindMarket
	}
}

func timeInForce(t model.TimeInForce) alpaca.TimeInForce {
	switch t {
	case model.TIFGTC:
		return alpaca.GTC
	case model.TIFIOC:
		return alpaca.IOC
	case model.TIFFOK:
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func deref(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}
