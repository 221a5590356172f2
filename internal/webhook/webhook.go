package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/metrics"
	"github.com/atmx/trade-relay/internal/model"
)

// maxPayloadBytes caps webhook bodies.
const maxPayloadBytes = 64 << 10

// recentExecutions is how many executions the status view lists.
const recentExecutions = 10

// Webhook results recorded in metrics.
const (
	resultAccepted = "accepted"
	resultTest     = "test"
	resultClosed   = "closed"
	resultInvalid  = "invalid"
	resultRejected = "rejected"
	resultError    = "error"
)

// WebhookResponse is the JSON body returned for an accepted delivery.
type WebhookResponse struct {
	Status      string             `json:"status"`
	Message     string             `json:"message"`
	ExecutionID string             `json:"execution_id"`
	Symbol      string             `json:"symbol"`
	Action      string             `json:"action"`
	TestMode    bool               `json:"test_mode"`
	Order       *model.OrderResult `json:"order,omitempty"`
}

// StatusResponse describes a strategy's webhook configuration.
type StatusResponse struct {
	StrategyID       string                   `json:"strategy_id"`
	StrategyName     string                   `json:"strategy_name"`
	Status           model.StrategyStatus     `json:"status"`
	IsActive         bool                     `json:"is_active"`
	BrokerAccount    string                   `json:"broker_account"`
	AllowedSymbols   []string                 `json:"allowed_symbols"`
	TradesToday      int                      `json:"trades_today"`
	TestMode         bool                     `json:"test_mode"`
	WebhookURL       string                   `json:"webhook_url"`
	RecentExecutions []model.ExecutionSummary `json:"recent_executions"`
}

// HandleWebhook handles POST /api/v1/webhook/{strategyID}.
//
// Live executions run asynchronously and the response is 202 with the
// execution id; test-mode deliveries run inline and return 200 with the
// synthetic order. A close action flattens the position inline.
func (s *Service) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, false)
}

// TestWebhook handles POST /api/v1/webhook/{strategyID}/test. The delivery
// is forced into test mode.
func (s *Service) TestWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, true)
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request, forceTest bool) {
	strategyID := chi.URLParam(r, "strategyID")
	ctx := r.Context()

	if s.shuttingDown() {
		s.fail(w, resultError, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		s.fail(w, resultInvalid, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.fail(w, resultInvalid, "invalid request body", http.StatusBadRequest)
		return
	}

	strat, err := s.store.GetStrategy(ctx, strategyID)
	if err != nil {
		s.fail(w, resultRejected, "strategy not found", statusFor(err))
		return
	}
	if !strat.CanTrade() {
		s.fail(w, resultRejected, "strategy is not active", http.StatusForbidden)
		return
	}

	sig, err := payload.Parse()
	if err != nil {
		s.fail(w, resultInvalid, err.Error(), http.StatusBadRequest)
		return
	}
	if !strat.AllowsSymbol(sig.Symbol) {
		s.logger.Warn("webhook symbol not allowed", "strategy_id", strat.ID, "symbol", sig.Symbol)
		s.fail(w, resultRejected, fmt.Sprintf("symbol %s not allowed for this strategy", sig.Symbol), http.StatusBadRequest)
		return
	}

	acct, err := s.store.GetBrokerAccount(ctx, strat.BrokerAccountID)
	if err != nil {
		s.fail(w, resultRejected, "broker account not found", statusFor(err))
		return
	}
	if !acct.Active {
		s.fail(w, resultRejected, "broker account is disabled", http.StatusForbidden)
		return
	}

	exec := s.newExecution(strat, acct, sig, body, forceTest || s.forceTest)
	if !sig.Close() && !exec.Quantity.IsPositive() {
		s.fail(w, resultInvalid, "quantity is required: payload has none and strategy has no default", http.StatusBadRequest)
		return
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("persist execution failed", "execution_id", exec.ID, "err", err)
		s.fail(w, resultError, "failed to record execution", http.StatusInternalServerError)
		return
	}
	s.broadcast(EventReceived, exec)

	s.logger.Info("webhook received",
		"strategy_id", strat.ID,
		"execution_id", exec.ID,
		"action", sig.Action,
		"symbol", sig.Symbol,
		"qty", exec.Quantity.String(),
		"test_mode", exec.TestMode,
	)

	resp := WebhookResponse{
		Status:      "success",
		ExecutionID: exec.ID,
		Symbol:      sig.Symbol,
		Action:      sig.Action,
		TestMode:    exec.TestMode,
	}

	switch {
	case sig.Close():
		res, err := s.closePosition(ctx, exec)
		if err != nil {
			s.fail(w, resultRejected, err.Error(), statusFor(err))
			return
		}
		metrics.WebhooksTotal.WithLabelValues(resultClosed).Inc()
		resp.Message = "Position close submitted"
		resp.Order = res
		writeJSON(w, http.StatusOK, resp)

	case exec.TestMode:
		res, _ := s.execute(ctx, strat, exec)
		metrics.WebhooksTotal.WithLabelValues(resultTest).Inc()
		resp.Message = "Test execution created"
		resp.Order = res
		writeJSON(w, http.StatusOK, resp)

	default:
		err := s.goExec(func(ctx context.Context) {
			s.execute(ctx, strat, exec)
		})
		if err != nil {
			exec.Reject(err.Error())
			wctx, cancel := s.writeCtx(ctx)
			s.persist(wctx, exec)
			cancel()
			s.fail(w, resultError, err.Error(), statusFor(err))
			return
		}
		metrics.WebhooksTotal.WithLabelValues(resultAccepted).Inc()
		resp.Message = "Webhook received and processing"
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Service) newExecution(strat *model.Strategy, acct *model.BrokerAccount, sig Signal, raw []byte, forceTest bool) *model.Execution {
	qty := decimal.Zero
	switch {
	case sig.Quantity != nil:
		qty = *sig.Quantity
	case strat.DefaultQuantity != nil:
		qty = *strat.DefaultQuantity
	}
	maxSlip := sig.MaxSlippage
	if maxSlip == nil {
		maxSlip = strat.MaxSlippage
	}

	return &model.Execution{
		ID:                uuid.New().String(),
		StrategyID:        strat.ID,
		BrokerAccountID:   acct.ID,
		BrokerID:          acct.BrokerID,
		ClientOrderID:     uuid.New().String(),
		Type:              model.ExecutionWebhook,
		Symbol:            sig.Symbol,
		AssetClass:        sig.AssetClass,
		Kind:              sig.Kind,
		Side:              sig.Side,
		TimeInForce:       sig.TimeInForce,
		Quantity:          qty,
		RemainingQuantity: qty,
		RequestedPrice:    sig.Price,
		LimitPrice:        sig.LimitPrice,
		StopPrice:         sig.StopPrice,
		Status:            model.StatusPending,
		StopLossPrice:     sig.StopLoss,
		TakeProfitPrice:   sig.TakeProfit,
		MaxSlippage:       maxSlip,
		Payload:           string(raw),
		TestMode:          forceTest || sig.TestMode || strat.TestMode,
		RequestedAt:       s.now(),
	}
}

// execute runs exec through the pipeline against a fresh copy of its
// account, then persists the account, the execution and the strategy's
// counters. Executions on one account are serialized so counter updates
// are never lost. The write-back outlives ctx.
func (s *Service) execute(ctx context.Context, strat *model.Strategy, exec *model.Execution) (*model.OrderResult, error) {
	unlock := s.lockAccount(exec.BrokerAccountID)
	defer unlock()

	acct, err := s.store.GetBrokerAccount(ctx, exec.BrokerAccountID)
	if err != nil {
		exec.Reject("broker account unavailable: " + err.Error())
		wctx, cancel := s.writeCtx(ctx)
		defer cancel()
		s.persist(wctx, exec)
		return nil, err
	}

	res, err := s.pipeline.ExecuteFor(ctx, strat, acct, exec)
	if err != nil {
		s.logger.Warn("execution rejected",
			"execution_id", exec.ID,
			"strategy_id", exec.StrategyID,
			"symbol", exec.Symbol,
			"err", err,
		)
	}

	wctx, cancel := s.writeCtx(ctx)
	defer cancel()
	if !exec.TestMode {
		acct.UpdatedAt = s.now()
		if uerr := s.store.UpdateBrokerAccount(wctx, acct); uerr != nil {
			s.logger.Error("persist broker account failed", "account_id", acct.ID, "err", uerr)
		}
		if err == nil {
			s.recordTrade(wctx, exec)
		}
	}

	s.persist(wctx, exec)
	return res, err
}

// closePosition flattens exec.Symbol through the account's broker. A
// test-mode close never reaches the broker.
func (s *Service) closePosition(ctx context.Context, exec *model.Execution) (*model.OrderResult, error) {
	unlock := s.lockAccount(exec.BrokerAccountID)
	defer unlock()

	now := s.now()
	if exec.TestMode {
		res := &model.OrderResult{
			OrderID:        "test-" + uuid.New().String(),
			Symbol:         exec.Symbol,
			Kind:           model.KindMarket,
			Status:         model.StatusPending,
			Timestamp:      now,
			BrokerResponse: map[string]any{"test_mode": true, "action": ActionClose},
		}
		exec.BrokerOrderID = res.OrderID
		s.persist(ctx, exec)
		return res, nil
	}

	held := s.heldPosition(ctx, exec)
	res, err := s.brokers.ClosePosition(ctx, exec.BrokerID, exec.Symbol)
	wctx, cancel := s.writeCtx(ctx)
	defer cancel()
	if err != nil {
		s.logger.Warn("close position failed", "execution_id", exec.ID, "symbol", exec.Symbol, "err", err)
		exec.Reject(err.Error())
		s.persist(wctx, exec)
		return nil, err
	}

	exec.BrokerOrderID = res.OrderID
	exec.Side = res.Side
	exec.Quantity = res.Quantity
	exec.Kind = res.Kind
	exec.UpdateStatus(res.Status, res.FilledQuantity, res.FilledPrice, now)
	if held != nil && exec.ExecutedPrice != nil && exec.FilledQuantity.IsPositive() {
		exec.RealizedPnL = held.RealizedPnL(exec.Side, exec.FilledQuantity, *exec.ExecutedPrice)
		s.chargeLoss(wctx, exec)
	}
	s.persist(wctx, exec)
	s.recordTrade(wctx, exec)
	return res, nil
}

// heldPosition looks up the position a close will flatten. Nil when it
// cannot be loaded; the close still goes ahead.
func (s *Service) heldPosition(ctx context.Context, exec *model.Execution) *model.Position {
	positions, err := s.brokers.GetPositions(ctx, exec.BrokerID)
	if err != nil {
		s.logger.Warn("could not load positions for pnl", "execution_id", exec.ID, "err", err)
		return nil
	}
	for i := range positions {
		if strings.EqualFold(positions[i].Symbol, exec.Symbol) {
			return &positions[i]
		}
	}
	return nil
}

// chargeLoss books a realized loss against the execution's account.
func (s *Service) chargeLoss(ctx context.Context, exec *model.Execution) {
	if !exec.RealizedPnL.IsNegative() {
		return
	}
	acct, err := s.store.GetBrokerAccount(ctx, exec.BrokerAccountID)
	if err != nil {
		s.logger.Error("load broker account failed", "account_id", exec.BrokerAccountID, "err", err)
		return
	}
	acct.RecordRealizedPnL(exec.RealizedPnL, s.now())
	acct.UpdatedAt = s.now()
	if err := s.store.UpdateBrokerAccount(ctx, acct); err != nil {
		s.logger.Error("persist broker account failed", "account_id", acct.ID, "err", err)
	}
}

func (s *Service) persist(ctx context.Context, exec *model.Execution) {
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("persist execution failed", "execution_id", exec.ID, "err", err)
	}
	s.broadcast(EventUpdated, exec)
}

// recordTrade bumps the strategy's trade counter and folds in any P&L the
// execution realized.
func (s *Service) recordTrade(ctx context.Context, exec *model.Execution) {
	s.stratsMu.Lock()
	defer s.stratsMu.Unlock()

	strat, err := s.store.GetStrategy(ctx, exec.StrategyID)
	if err != nil {
		s.logger.Error("load strategy failed", "strategy_id", exec.StrategyID, "err", err)
		return
	}
	strat.RecordTrade(s.now())
	strat.RecordPerformance(exec.RealizedPnL)
	if err := s.store.UpdateStrategy(ctx, strat); err != nil {
		s.logger.Error("persist strategy failed", "strategy_id", exec.StrategyID, "err", err)
	}
}

func (s *Service) broadcast(typ string, exec *model.Execution) {
	if s.hub != nil {
		s.hub.Broadcast(eventFor(typ, exec))
	}
}

func (s *Service) fail(w http.ResponseWriter, result, message string, status int) {
	metrics.WebhooksTotal.WithLabelValues(result).Inc()
	writeError(w, message, status)
}

// WebhookStatus handles GET /api/v1/webhook/{strategyID}/status.
func (s *Service) WebhookStatus(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	ctx := r.Context()

	strat, err := s.store.GetStrategy(ctx, strategyID)
	if err != nil {
		writeError(w, "strategy not found", statusFor(err))
		return
	}

	resp := StatusResponse{
		StrategyID:       strat.ID,
		StrategyName:     strat.Name,
		Status:           strat.Status,
		IsActive:         strat.CanTrade(),
		AllowedSymbols:   strat.Symbols,
		TradesToday:      strat.TradesToday,
		TestMode:         strat.TestMode || s.forceTest,
		WebhookURL:       "/api/v1/webhook/" + strat.ID,
		RecentExecutions: []model.ExecutionSummary{},
	}
	if resp.AllowedSymbols == nil {
		resp.AllowedSymbols = []string{}
	}

	if acct, err := s.store.GetBrokerAccount(ctx, strat.BrokerAccountID); err == nil {
		resp.BrokerAccount = acct.DisplayName()
		resp.IsActive = resp.IsActive && acct.Active
	} else {
		resp.IsActive = false
	}

	execs, err := s.store.ListExecutionsByStrategy(ctx, strat.ID, recentExecutions)
	if err != nil {
		s.logger.Warn("list executions failed", "strategy_id", strat.ID, "err", err)
	}
	for i := range execs {
		resp.RecentExecutions = append(resp.RecentExecutions, execs[i].Summary())
	}

	writeJSON(w, http.StatusOK, resp)
}
