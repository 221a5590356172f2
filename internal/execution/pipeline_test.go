package execution_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/broker/brokertest"
	"github.com/atmx/trade-relay/internal/execution"
	"github.com/atmx/trade-relay/internal/manager"
	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// setupPipeline registers spy as the default broker and returns a pipeline
// routed through a real manager.
func setupPipeline(t *testing.T, spy *brokertest.Spy, opts ...execution.Option) *execution.Pipeline {
	t.Helper()
	m := manager.New()
	if err := m.Attach(context.Background(), "paper", spy); err != nil {
		t.Fatalf("attach spy: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return execution.New(m, opts...)
}

func newAccount() *model.BrokerAccount {
	return &model.BrokerAccount{
		ID:          "acct-1",
		Name:        "Paper",
		Kind:        "alpaca",
		BrokerID:    "paper",
		Paper:       true,
		Active:      true,
		Connected:   true,
		TotalEquity: d(100000),
		CashBalance: d(100000),
	}
}

func marketBuy(symbol string, qty float64) *model.Execution {
	return &model.Execution{
		ID:          "exec-" + symbol,
		Symbol:      symbol,
		AssetClass:  model.AssetStocks,
		Kind:        model.KindMarket,
		Side:        model.SideBuy,
		TimeInForce: model.TIFDay,
		Quantity:    d(qty),
		Status:      model.StatusPending,
		Type:        model.ExecutionWebhook,
		RequestedAt: time.Now().UTC(),
	}
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	var rerr *execution.RejectionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RejectionError, got %T: %v", err, err)
	}
	return rerr.Reason
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExecute_MarketBuy(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	p := setupPipeline(t, spy)
	acct := newAccount()
	exec := marketBuy("AAPL", 10)

	res, err := p.Execute(context.Background(), acct, exec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OrderID == "" {
		t.Error("expected a non-empty order id")
	}
	if res.Status != model.StatusFilled && res.Status != model.StatusPending {
		t.Errorf("status = %s", res.Status)
	}
	if exec.BrokerOrderID != res.OrderID || exec.Status != res.Status {
		t.Errorf("execution not updated: %+v", exec)
	}
	if !exec.FilledQuantity.Equal(d(10)) || !exec.RemainingQuantity.IsZero() {
		t.Errorf("fill not applied: filled=%s remaining=%s", exec.FilledQuantity, exec.RemainingQuantity)
	}
	if acct.LastBalanceCheck == nil || !acct.BuyingPower.Equal(d(200000)) {
		t.Error("balance should be refreshed from the broker")
	}
	if spy.Calls("PlaceOrder") != 1 || spy.Calls("GetQuote") != 0 {
		t.Errorf("unexpected calls: place=%d quote=%d", spy.Calls("PlaceOrder"), spy.Calls("GetQuote"))
	}
}

func TestExecute_DailyLossBlocksWithoutBrokerCalls(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	p := setupPipeline(t, spy)
	before := spy.TotalCalls()

	acct := newAccount()
	acct.MaxDailyLoss = model.Ptr(d(500))
	acct.DailyLossToday = d(500)
	if acct.CanTrade() {
		t.Fatal("account at its loss ceiling should not trade")
	}

	exec := marketBuy("AAPL", 10)
	res, err := p.Execute(context.Background(), acct, exec)
	if res != nil || !errors.Is(err, execution.ErrRejected) {
		t.Fatalf("expected rejection, got res=%v err=%v", res, err)
	}
	if reason := rejectionReason(t, err); reason != execution.ReasonAccountBlocked {
		t.Errorf("reason = %s", reason)
	}
	if exec.Status != model.StatusRejected || exec.ErrorMessage == "" {
		t.Errorf("execution should be rejected with a message: %+v", exec)
	}
	if got := spy.TotalCalls(); got != before {
		t.Errorf("expected no broker calls, got %d", got-before)
	}
}

func TestExecute_RealizedLossFeedsDailyLimit(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	spy.Positions = []model.Position{{Symbol: "AAPL", Quantity: d(10), Side: model.PositionLong, AvgEntryPrice: d(100)}}
	spy.FillPrice = model.Ptr(d(70))
	p := setupPipeline(t, spy)

	acct := newAccount()
	acct.MaxDailyLoss = model.Ptr(d(250))

	sell := marketBuy("AAPL", 10)
	sell.Side = model.SideSell
	if _, err := p.Execute(context.Background(), acct, sell); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !sell.RealizedPnL.Equal(d(-300)) {
		t.Errorf("realized pnl = %s, want -300", sell.RealizedPnL)
	}
	if !acct.DailyLossToday.Equal(d(300)) {
		t.Errorf("daily loss = %s, want 300", acct.DailyLossToday)
	}
	if acct.LastLossReset.IsZero() {
		t.Error("loss window should start with the first loss")
	}

	_, err := p.Execute(context.Background(), acct, marketBuy("MSFT", 1))
	if reason := rejectionReason(t, err); reason != execution.ReasonAccountBlocked {
		t.Errorf("reason = %s", reason)
	}
}

func TestExecute_OpeningTradeRealizesNothing(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	spy.Positions = []model.Position{{Symbol: "AAPL", Quantity: d(10), Side: model.PositionLong, AvgEntryPrice: d(100)}}
	p := setupPipeline(t, spy)
	acct := newAccount()

	exec := marketBuy("AAPL", 5)
	if _, err := p.Execute(context.Background(), acct, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !exec.RealizedPnL.IsZero() || !acct.DailyLossToday.IsZero() {
		t.Errorf("buy into a long realized %s, daily loss %s", exec.RealizedPnL, acct.DailyLossToday)
	}
}

func TestExecute_DayTradeGate(t *testing.T) {
	tests := []struct {
		name    string
		equity  float64
		count   int
		allowed bool
	}{
		{"above threshold ignores count", 30000, 3, true},
		{"below threshold at limit", 10000, 3, false},
		{"below threshold under limit", 10000, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := brokertest.NewSpy("paper")
			p := setupPipeline(t, spy)
			acct := newAccount()
			acct.TotalEquity = d(tt.equity)
			acct.DayTradesCount = tt.count

			if got := execution.DefaultDayTradePolicy().CanDayTrade(acct); got != tt.allowed {
				t.Errorf("CanDayTrade = %v, want %v", got, tt.allowed)
			}

			_, err := p.Execute(context.Background(), acct, marketBuy("AAPL", 1))
			if tt.allowed && err != nil {
				t.Errorf("expected execution, got %v", err)
			}
			if !tt.allowed {
				if reason := rejectionReason(t, err); reason != execution.ReasonDayTradeLimit {
					t.Errorf("reason = %s", reason)
				}
				if spy.Calls("PlaceOrder") != 0 {
					t.Error("blocked day trade must not reach the broker")
				}
			}
		})
	}
}

func TestExecute_SlippageRejectsBeforeSubmission(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	spy.Quote = &model.Quote{BidPrice: d(104.9), AskPrice: d(105)}
	p := setupPipeline(t, spy)

	exec := marketBuy("AAPL", 10)
	exec.RequestedPrice = model.Ptr(d(100))
	exec.MaxSlippage = model.Ptr(d(0.001))

	_, err := p.Execute(context.Background(), newAccount(), exec)
	if reason := rejectionReason(t, err); reason != execution.ReasonSlippage {
		t.Errorf("reason = %s", reason)
	}
	if spy.Calls("GetQuote") != 1 {
		t.Errorf("expected one quote fetch, got %d", spy.Calls("GetQuote"))
	}
	if spy.Calls("PlaceOrder") != 0 {
		t.Error("PlaceOrder must not be invoked")
	}
	if !strings.Contains(exec.ErrorMessage, "0.0500") {
		t.Errorf("error message should carry the expected slippage: %q", exec.ErrorMessage)
	}
}

func TestExecute_SlippageWithinLimit(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	spy.Quote = &model.Quote{BidPrice: d(99.95), AskPrice: d(100.05)}
	p := setupPipeline(t, spy)

	exec := marketBuy("AAPL", 10)
	exec.RequestedPrice = model.Ptr(d(100))
	exec.MaxSlippage = model.Ptr(d(0.001))

	if _, err := p.Execute(context.Background(), newAccount(), exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.MarketPriceAtRequest == nil || !exec.MarketPriceAtRequest.Equal(d(100.05)) {
		t.Errorf("market price at request = %v", exec.MarketPriceAtRequest)
	}
	// Filled at the ask: (100.05 - 100) / 100.
	if !exec.Slippage.Equal(d(0.0005)) {
		t.Errorf("slippage = %s, want 0.0005", exec.Slippage)
	}
}

func TestExecute_QuoteFailurePolicy(t *testing.T) {
	newExec := func() *model.Execution {
		e := marketBuy("AAPL", 10)
		e.RequestedPrice = model.Ptr(d(100))
		e.MaxSlippage = model.Ptr(d(0.01))
		return e
	}

	t.Run("fail open", func(t *testing.T) {
		spy := brokertest.NewSpy("paper")
		spy.QuoteErr = errors.New("market data unavailable")
		p := setupPipeline(t, spy)

		if _, err := p.Execute(context.Background(), newAccount(), newExec()); err != nil {
			t.Fatalf("fail-open should submit, got %v", err)
		}
		if spy.Calls("PlaceOrder") != 1 {
			t.Error("expected the order to be placed")
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		spy := brokertest.NewSpy("paper")
		spy.QuoteErr = errors.New("market data unavailable")
		p := setupPipeline(t, spy, execution.WithSlippagePolicy(execution.FailClosed))

		_, err := p.Execute(context.Background(), newAccount(), newExec())
		if reason := rejectionReason(t, err); reason != execution.ReasonQuoteUnavailable {
			t.Errorf("reason = %s", reason)
		}
		if !errors.Is(err, broker.ErrBrokerQuery) {
			t.Errorf("rejection should wrap the quote error, got %v", err)
		}
		if spy.Calls("PlaceOrder") != 0 {
			t.Error("fail-closed must not submit")
		}
	})
}

func TestExecute_TestModeMakesNoBrokerCalls(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	p := setupPipeline(t, spy)
	before := spy.TotalCalls()

	acct := newAccount()
	acct.TotalEquity = d(1000)
	exec := marketBuy("AAPL", 10)
	exec.TestMode = true

	res, err := p.Execute(context.Background(), acct, exec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(res.OrderID, "test-") || res.Status != model.StatusPending {
		t.Errorf("unexpected synthetic result: %+v", res)
	}
	if res.BrokerResponse["test_mode"] != true {
		t.Errorf("broker_response = %v", res.BrokerResponse)
	}
	if got := spy.TotalCalls(); got != before {
		t.Errorf("expected zero broker calls, got %d", got-before)
	}
	if acct.DayTradesCount != 0 {
		t.Error("test mode must not touch counters")
	}
}

func TestExecute_TestModeNeedsNoRouter(t *testing.T) {
	p := execution.New(nil)
	exec := marketBuy("AAPL", 1)
	exec.TestMode = true

	if _, err := p.Execute(context.Background(), newAccount(), exec); err != nil {
		t.Fatalf("test mode must not touch the router: %v", err)
	}
}

func TestExecute_DayTradeCounter(t *testing.T) {
	tests := []struct {
		name   string
		equity float64
		want   int
	}{
		{"small account counts", 10000, 1},
		{"large account does not", 100000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := brokertest.NewSpy("paper")
			spy.Account.TotalPortfolioValue = d(tt.equity)
			p := setupPipeline(t, spy)
			acct := newAccount()
			acct.TotalEquity = d(tt.equity)

			if _, err := p.Execute(context.Background(), acct, marketBuy("AAPL", 1)); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if acct.DayTradesCount != tt.want {
				t.Errorf("day trades = %d, want %d", acct.DayTradesCount, tt.want)
			}
		})
	}
}

func TestExecute_CustomDayTradeThreshold(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	p := setupPipeline(t, spy, execution.WithDayTradePolicy(execution.EquityThresholdPolicy{
		Threshold: d(250000),
		Limit:     1,
	}))
	acct := newAccount()

	if _, err := p.Execute(context.Background(), acct, marketBuy("AAPL", 1)); err != nil {
		t.Fatalf("first trade: %v", err)
	}
	_, err := p.Execute(context.Background(), acct, marketBuy("AAPL", 1))
	if reason := rejectionReason(t, err); reason != execution.ReasonDayTradeLimit {
		t.Errorf("second trade reason = %s", reason)
	}
}

func TestExecute_SubmissionErrorRejects(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	spy.PlaceErr = errors.New("insufficient buying power")
	p := setupPipeline(t, spy)
	exec := marketBuy("AAPL", 10)

	res, err := p.Execute(context.Background(), newAccount(), exec)
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if reason := rejectionReason(t, err); reason != execution.ReasonSubmitFailed {
		t.Errorf("reason = %s", reason)
	}
	if exec.Status != model.StatusRejected || !strings.Contains(exec.ErrorMessage, "insufficient buying power") {
		t.Errorf("execution = %+v", exec)
	}
}

func TestExecute_InvalidParamsRejected(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	p := setupPipeline(t, spy)
	exec := marketBuy("AAPL", 10)
	exec.Kind = model.KindLimit

	_, err := p.Execute(context.Background(), newAccount(), exec)
	if !errors.Is(err, broker.ErrInvalidOrderParameters) {
		t.Errorf("expected ErrInvalidOrderParameters, got %v", err)
	}
	if exec.Status != model.StatusRejected {
		t.Errorf("status = %s", exec.Status)
	}
	if len(spy.Placed()) != 0 {
		t.Error("invalid order must not be recorded as placed")
	}
}

func TestExecute_BrokerNotConnected(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	p := setupPipeline(t, spy)
	spy.MarkDisconnected()
	exec := marketBuy("AAPL", 10)

	_, err := p.Execute(context.Background(), newAccount(), exec)
	if !errors.Is(err, manager.ErrBrokerNotConnected) {
		t.Errorf("expected ErrBrokerNotConnected, got %v", err)
	}
	if exec.Status != model.StatusRejected {
		t.Errorf("status = %s", exec.Status)
	}
}

func TestExecute_RiskLimits(t *testing.T) {
	t.Run("order quantity", func(t *testing.T) {
		spy := brokertest.NewSpy("paper")
		p := setupPipeline(t, spy, execution.WithLimiter(risk.NewLimiter(risk.Limits{MaxOrderQuantity: d(5)})))

		_, err := p.Execute(context.Background(), newAccount(), marketBuy("AAPL", 10))
		if !errors.Is(err, risk.ErrOrderQuantityExceeded) {
			t.Errorf("expected ErrOrderQuantityExceeded, got %v", err)
		}
		if spy.Calls("PlaceOrder") != 0 {
			t.Error("over-limit order must not be placed")
		}
	})

	t.Run("strategy position size", func(t *testing.T) {
		spy := brokertest.NewSpy("paper")
		spy.Positions = []model.Position{{Symbol: "AAPL", Quantity: d(95), Side: model.PositionLong}}
		p := setupPipeline(t, spy)
		strat := &model.Strategy{ID: "s1", Status: model.StrategyActive, MaxPositionSize: model.Ptr(d(100))}

		_, err := p.ExecuteFor(context.Background(), strat, newAccount(), marketBuy("AAPL", 10))
		if !errors.Is(err, risk.ErrPositionLimitExceeded) {
			t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
		}
		if _, err := p.ExecuteFor(context.Background(), strat, newAccount(), marketBuy("AAPL", 5)); err != nil {
			t.Errorf("order within the ceiling should pass, got %v", err)
		}
	})
}

func TestExecute_ResetsStaleCounters(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	spy := brokertest.NewSpy("paper")
	p := setupPipeline(t, spy, execution.WithClock(func() time.Time { return now }))

	acct := newAccount()
	acct.MaxDailyLoss = model.Ptr(d(500))
	acct.DailyLossToday = d(600)
	acct.LastLossReset = now.Add(-25 * time.Hour)

	if _, err := p.Execute(context.Background(), acct, marketBuy("AAPL", 1)); err != nil {
		t.Fatalf("stale loss should be reset before the gate, got %v", err)
	}
	if !acct.DailyLossToday.IsZero() {
		t.Errorf("daily loss = %s, want 0", acct.DailyLossToday)
	}
}

func TestExecute_SerializedPerAccount(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	spy.Block = make(chan struct{})
	p := setupPipeline(t, spy)
	acct := newAccount()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.Execute(ctx, acct, marketBuy("AAPL", 1))
	}()
	eventually(t, func() bool { return spy.Calls("PlaceOrder") == 1 })

	go func() {
		defer wg.Done()
		p.Execute(ctx, acct, marketBuy("MSFT", 1))
	}()
	time.Sleep(50 * time.Millisecond)
	if got := spy.Calls("PlaceOrder"); got != 1 {
		t.Errorf("second execution for the same account ran concurrently: %d calls", got)
	}

	close(spy.Block)
	wg.Wait()
	if got := spy.Calls("PlaceOrder"); got != 2 {
		t.Errorf("expected both orders placed, got %d", got)
	}
}

func TestExecute_DifferentAccountsRunConcurrently(t *testing.T) {
	spy := brokertest.NewSpy("paper")
	spy.Block = make(chan struct{})
	p := setupPipeline(t, spy)
	ctx := context.Background()

	a, b := newAccount(), newAccount()
	b.ID = "acct-2"

	var wg sync.WaitGroup
	for _, acct := range []*model.BrokerAccount{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Execute(ctx, acct, marketBuy("AAPL", 1))
		}()
	}
	eventually(t, func() bool { return spy.Calls("PlaceOrder") == 2 })
	close(spy.Block)
	wg.Wait()
}

// panicRouter fails every call by panicking.
type panicRouter struct{}

func (panicRouter) PlaceOrder(context.Context, string, model.OrderRequest) (*model.OrderResult, error) {
	panic("boom")
}

func (panicRouter) GetAccountInfo(context.Context, string) (*model.AccountInfo, error) {
	panic("boom")
}

func (panicRouter) GetPositions(context.Context, string) ([]model.Position, error) {
	panic("boom")
}

func (panicRouter) Quote(context.Context, string, string, model.AssetClass) (*model.Quote, error) {
	panic("boom")
}

func TestExecute_RecoversPanics(t *testing.T) {
	p := execution.New(panicRouter{})
	exec := marketBuy("AAPL", 1)

	_, err := p.Execute(context.Background(), newAccount(), exec)
	if reason := rejectionReason(t, err); reason != execution.ReasonInternal {
		t.Errorf("reason = %s", reason)
	}
	if exec.Status != model.StatusRejected {
		t.Errorf("status = %s", exec.Status)
	}
}

func TestParseSlippagePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    execution.SlippagePolicy
		wantErr bool
	}{
		{"", execution.FailOpen, false},
		{"fail_open", execution.FailOpen, false},
		{"FAIL_CLOSED", execution.FailClosed, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		got, err := execution.ParseSlippagePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSlippagePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}
