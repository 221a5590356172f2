// Package execution runs a trade intent through pre-trade checks, submission
// and post-trade bookkeeping against a broker account.
//
// The pipeline mutates the passed-in BrokerAccount and Execution in place;
// the caller persists both after Execute returns. Executions for the same
// account are serialized so counter updates are never lost.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/keylock"
	"github.com/atmx/trade-relay/internal/metrics"
	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/risk"
)

// Router is the slice of the broker manager the pipeline needs. An empty
// broker id routes to the default broker.
type Router interface {
	PlaceOrder(ctx context.Context, brokerID string, req model.OrderRequest) (*model.OrderResult, error)
	GetAccountInfo(ctx context.Context, brokerID string) (*model.AccountInfo, error)
	GetPositions(ctx context.Context, brokerID string) ([]model.Position, error)
	Quote(ctx context.Context, brokerID, symbol string, class model.AssetClass) (*model.Quote, error)
}

// Pipeline executes trade intents. It is safe for concurrent use.
type Pipeline struct {
	router   Router
	dayTrade DayTradePolicy
	slippage SlippagePolicy
	limiter  *risk.Limiter
	logger   *slog.Logger
	now      func() time.Time

	lossWindow     time.Duration
	dayTradeWindow time.Duration

	locks keylock.Table
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithDayTradePolicy(p DayTradePolicy) Option {
	return func(pl *Pipeline) { pl.dayTrade = p }
}

func WithSlippagePolicy(p SlippagePolicy) Option {
	return func(pl *Pipeline) { pl.slippage = p }
}

func WithLimiter(l *risk.Limiter) Option {
	return func(pl *Pipeline) { pl.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithResetWindows sets how long the daily loss and day-trade counters live.
func WithResetWindows(loss, dayTrade time.Duration) Option {
	return func(pl *Pipeline) {
		pl.lossWindow = loss
		pl.dayTradeWindow = dayTrade
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// New creates a pipeline that submits through router.
func New(router Router, opts ...Option) *Pipeline {
	p := &Pipeline{
		router:         router,
		dayTrade:       DefaultDayTradePolicy(),
		slippage:       FailOpen,
		limiter:        risk.NewLimiter(risk.Limits{}),
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		lossWindow:     model.DefaultDailyLossWindow,
		dayTradeWindow: model.DefaultDayTradeWindow,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs exec against acct. See ExecuteFor.
func (p *Pipeline) Execute(ctx context.Context, acct *model.BrokerAccount, exec *model.Execution) (*model.OrderResult, error) {
	return p.ExecuteFor(ctx, nil, acct, exec)
}

// ExecuteFor runs exec against acct, applying strat's position ceiling when
// strat is non-nil.
//
// A test-mode execution returns a synthetic pending result without touching
// any broker. Otherwise a failed pre-check or a submission error marks exec
// rejected and returns a *RejectionError. Post-processing failures are logged
// and never fail the call. No panic escapes.
func (p *Pipeline) ExecuteFor(ctx context.Context, strat *model.Strategy, acct *model.BrokerAccount, exec *model.Execution) (res *model.OrderResult, err error) {
	unlock := p.lockAccount(acct.ID)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("execution panicked", "execution_id", exec.ID, "panic", r)
			msg := fmt.Sprintf("internal error: %v", r)
			exec.Reject(msg)
			res, err = nil, &RejectionError{Reason: ReasonInternal, Message: msg}
		}
	}()

	if exec.TestMode {
		return p.simulate(exec), nil
	}

	acct.ResetCountersIfNeeded(p.now(), p.lossWindow, p.dayTradeWindow)

	intent := exec.Intent()
	if rerr := p.preCheck(ctx, strat, acct, exec, intent); rerr != nil {
		p.reject(exec, rerr)
		return nil, rerr
	}

	brokerID := acct.BrokerID
	held := p.heldPosition(ctx, brokerID, exec)
	label := brokerLabel(brokerID)
	start := time.Now()
	result, serr := p.router.PlaceOrder(ctx, brokerID, intent.OrderRequest)
	metrics.OrderLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if serr != nil {
		rerr := &RejectionError{Reason: ReasonSubmitFailed, Message: serr.Error(), Err: serr}
		p.reject(exec, rerr)
		metrics.OrdersTotal.WithLabelValues(label, string(exec.Side), string(model.StatusRejected)).Inc()
		return nil, rerr
	}
	metrics.OrdersTotal.WithLabelValues(label, string(exec.Side), string(result.Status)).Inc()

	p.postProcess(ctx, acct, exec, result, held)
	return result, nil
}

func (p *Pipeline) lockAccount(id string) func() {
	return p.locks.Lock(id)
}

func (p *Pipeline) simulate(exec *model.Execution) *model.OrderResult {
	now := p.now()
	res := &model.OrderResult{
		OrderID:        "test-" + uuid.New().String(),
		Symbol:         exec.Symbol,
		Quantity:       exec.Quantity,
		Side:           exec.Side,
		Kind:           exec.Kind,
		Status:         model.StatusPending,
		Timestamp:      now,
		BrokerResponse: map[string]any{"test_mode": true},
	}
	exec.BrokerOrderID = res.OrderID
	exec.Status = model.StatusPending

	p.logger.Info("test execution simulated",
		"execution_id", exec.ID,
		"order_id", res.OrderID,
		"symbol", exec.Symbol,
		"side", exec.Side,
		"qty", exec.Quantity.String(),
	)
	return res
}

func (p *Pipeline) preCheck(ctx context.Context, strat *model.Strategy, acct *model.BrokerAccount, exec *model.Execution, intent model.OrderIntent) *RejectionError {
	// 1. Account gates.
	if !acct.CanTrade() {
		return &RejectionError{Reason: ReasonAccountBlocked, Message: "broker account cannot trade"}
	}
	if !p.dayTrade.CanDayTrade(acct) {
		return &RejectionError{Reason: ReasonDayTradeLimit, Message: "day trading limit exceeded"}
	}

	// 2. Expected slippage against a live quote.
	refPrice := intent.RequestedPrice
	if intent.MaxSlippage != nil && intent.MaxSlippage.IsPositive() {
		q, err := p.router.Quote(ctx, acct.BrokerID, intent.Symbol, intent.AssetClass)
		switch {
		case err != nil && p.slippage == FailClosed:
			return &RejectionError{Reason: ReasonQuoteUnavailable, Message: "quote unavailable for slippage check: " + err.Error(), Err: err}
		case err != nil:
			p.logger.Warn("could not get quote for slippage check", "execution_id", exec.ID, "symbol", intent.Symbol, "err", err)
		default:
			current := q.PriceFor(intent.Side)
			if intent.RequestedPrice != nil && intent.RequestedPrice.IsPositive() {
				expected := current.Sub(*intent.RequestedPrice).Abs().Div(*intent.RequestedPrice)
				if expected.GreaterThan(*intent.MaxSlippage) {
					return &RejectionError{
						Reason:  ReasonSlippage,
						Message: fmt.Sprintf("expected slippage %s exceeds limit %s", expected.StringFixed(4), intent.MaxSlippage.StringFixed(4)),
					}
				}
			}
			exec.MarketPriceAtRequest = &current
			if refPrice == nil {
				refPrice = &current
			}
		}
	}
	if refPrice == nil {
		refPrice = intent.LimitPrice
	}

	// 3. Size and exposure limits.
	limiter := p.limiter
	if strat != nil {
		limiter = limiter.WithPositionLimit(strat.MaxPositionSize)
	}
	var existing map[string]decimal.Decimal
	if limiter.Limits.MaxPosition.IsPositive() || limiter.Limits.MaxCorrelated.IsPositive() {
		positions, err := p.router.GetPositions(ctx, acct.BrokerID)
		if err != nil {
			p.logger.Warn("could not load positions for limit check", "execution_id", exec.ID, "err", err)
		} else {
			existing = risk.Exposures(positions)
		}
	}
	order := risk.Order{Symbol: intent.Symbol, Side: intent.Side, Quantity: intent.Quantity, RefPrice: refPrice}
	if err := limiter.CheckOrder(order, existing); err != nil {
		return &RejectionError{Reason: ReasonRiskLimit, Message: err.Error(), Err: err}
	}
	return nil
}

func (p *Pipeline) reject(exec *model.Execution, rerr *RejectionError) {
	exec.Reject(rerr.Message)
	metrics.PrecheckRejections.WithLabelValues(rerr.Reason).Inc()
	p.logger.Warn("execution rejected",
		"execution_id", exec.ID,
		"symbol", exec.Symbol,
		"side", exec.Side,
		"reason", rerr.Reason,
		"err", rerr.Message,
	)
}

// heldPosition is the open position exec trades against, nil when flat or
// when positions cannot be loaded.
func (p *Pipeline) heldPosition(ctx context.Context, brokerID string, exec *model.Execution) *model.Position {
	positions, err := p.router.GetPositions(ctx, brokerID)
	if err != nil {
		p.logger.Warn("could not load positions for pnl", "execution_id", exec.ID, "err", err)
		return nil
	}
	for i := range positions {
		if strings.EqualFold(positions[i].Symbol, exec.Symbol) {
			return &positions[i]
		}
	}
	return nil
}

// postProcess refreshes the account, applies fill information, charges any
// realized loss and bumps the day-trade counter. Failures are logged only.
func (p *Pipeline) postProcess(ctx context.Context, acct *model.BrokerAccount, exec *model.Execution, res *model.OrderResult, held *model.Position) {
	now := p.now()
	exec.BrokerOrderID = res.OrderID
	exec.BrokerID = acct.BrokerID
	exec.UpdateStatus(res.Status, res.FilledQuantity, res.FilledPrice, now)

	if held != nil && exec.ExecutedPrice != nil && exec.FilledQuantity.IsPositive() {
		exec.RealizedPnL = held.RealizedPnL(exec.Side, exec.FilledQuantity, *exec.ExecutedPrice)
		acct.RecordRealizedPnL(exec.RealizedPnL, now)
		if !exec.RealizedPnL.IsZero() {
			p.logger.Info("pnl realized",
				"execution_id", exec.ID,
				"broker_account", acct.ID,
				"pnl", exec.RealizedPnL.StringFixed(2),
				"daily_loss", acct.DailyLossToday.StringFixed(2),
			)
		}
	}

	info, err := p.router.GetAccountInfo(ctx, acct.BrokerID)
	if err != nil {
		p.logger.Warn("balance refresh failed", "execution_id", exec.ID, "broker_account", acct.ID, "err", err)
	} else {
		acct.UpdateBalance(*info, now)
	}

	if exec.Status == model.StatusFilled && exec.ExecutedPrice != nil &&
		exec.MaxSlippage != nil && exec.Slippage.GreaterThan(*exec.MaxSlippage) {
		p.logger.Warn("order exceeded slippage limit",
			"execution_id", exec.ID,
			"slippage", exec.Slippage.StringFixed(4),
			"max", exec.MaxSlippage.StringFixed(4),
		)
	}

	if p.dayTrade.IsDayTrade(acct, exec) {
		acct.DayTradesCount++
		if acct.LastDayTradeReset.IsZero() {
			acct.LastDayTradeReset = now
		}
		p.logger.Info("day trade recorded", "broker_account", acct.ID, "count", acct.DayTradesCount)
	}

	p.logger.Info("order executed",
		"execution_id", exec.ID,
		"order_id", res.OrderID,
		"broker_id", brokerLabel(acct.BrokerID),
		"symbol", exec.Symbol,
		"side", exec.Side,
		"qty", exec.Quantity.String(),
		"status", res.Status,
	)
}

func brokerLabel(id string) string {
	if id == "" {
		return "default"
	}
	return id
}
