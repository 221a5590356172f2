package webhook

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/symbol"
)

// defaultExecutionPage is the page size for execution listings.
const defaultExecutionPage = 50

// --- Request types ---

// CreateStrategyRequest is the JSON body for POST /strategies.
type CreateStrategyRequest struct {
	Name            string           `json:"name"`
	BrokerAccountID string           `json:"broker_account_id"`
	Symbols         []string         `json:"symbols"`
	DefaultQuantity *decimal.Decimal `json:"default_quantity,omitempty"`
	MaxPositionSize *decimal.Decimal `json:"max_position_size,omitempty"`
	MaxSlippage     *decimal.Decimal `json:"max_slippage,omitempty"`
	TestMode        bool             `json:"test_mode"`
}

// CreateBrokerAccountRequest is the JSON body for POST /broker-accounts.
// BrokerID names the manager entry orders route through; empty means the
// default broker.
type CreateBrokerAccountRequest struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name"`
	Kind         string           `json:"kind"`
	BrokerID     string           `json:"broker_id"`
	Paper        *bool            `json:"paper,omitempty"`
	MaxDailyLoss *decimal.Decimal `json:"max_daily_loss,omitempty"`
}

// StrategyPerformance is the body of GET /strategies/{id}/performance.
type StrategyPerformance struct {
	StrategyID    string          `json:"strategy_id"`
	Name          string          `json:"strategy_name"`
	Status        string          `json:"status"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	TradesToday   int             `json:"trades_today"`
	LastTradeAt   *time.Time      `json:"last_trade_at,omitempty"`
}

// SyncResult is the body of POST /broker-accounts/{id}/sync.
type SyncResult struct {
	Account        *model.BrokerAccount `json:"account"`
	PositionsCount int                  `json:"positions_count"`
}

// --- Strategies ---

// CreateStrategy handles POST /api/v1/strategies
func (s *Service) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req CreateStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.DefaultQuantity != nil && !req.DefaultQuantity.IsPositive() {
		writeError(w, "default_quantity must be positive", http.StatusBadRequest)
		return
	}
	if req.MaxSlippage != nil && (req.MaxSlippage.IsNegative() || req.MaxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1))) {
		writeError(w, "max_slippage must be a fraction in [0, 1)", http.StatusBadRequest)
		return
	}

	symbols := make([]string, 0, len(req.Symbols))
	for _, raw := range req.Symbols {
		sym, err := symbol.Validate(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		symbols = append(symbols, sym)
	}

	ctx := r.Context()
	if _, err := s.store.GetBrokerAccount(ctx, req.BrokerAccountID); err != nil {
		writeError(w, "broker account not found", statusFor(err))
		return
	}

	strat := &model.Strategy{
		ID:              uuid.New().String(),
		Name:            strings.TrimSpace(req.Name),
		BrokerAccountID: req.BrokerAccountID,
		Status:          model.StrategyActive,
		Symbols:         symbols,
		DefaultQuantity: req.DefaultQuantity,
		MaxPositionSize: req.MaxPositionSize,
		MaxSlippage:     req.MaxSlippage,
		TestMode:        req.TestMode,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateStrategy(ctx, strat); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.logger.Info("strategy created",
		"id", strat.ID,
		"name", strat.Name,
		"broker_account_id", strat.BrokerAccountID,
		"symbols", len(strat.Symbols),
	)
	writeJSON(w, http.StatusCreated, strat)
}

// ListStrategies handles GET /api/v1/strategies
func (s *Service) ListStrategies(w http.ResponseWriter, r *http.Request) {
	strats, err := s.store.ListStrategies(r.Context())
	if err != nil {
		writeError(w, "failed to list strategies", http.StatusInternalServerError)
		return
	}
	if strats == nil {
		strats = []model.Strategy{}
	}
	writeJSON(w, http.StatusOK, strats)
}

// GetStrategy handles GET /api/v1/strategies/{strategyID}
func (s *Service) GetStrategy(w http.ResponseWriter, r *http.Request) {
	strat, err := s.store.GetStrategy(r.Context(), chi.URLParam(r, "strategyID"))
	if err != nil {
		writeError(w, "strategy not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

// StrategyPerformance handles GET /api/v1/strategies/{strategyID}/performance
func (s *Service) StrategyPerformance(w http.ResponseWriter, r *http.Request) {
	strat, err := s.store.GetStrategy(r.Context(), chi.URLParam(r, "strategyID"))
	if err != nil {
		writeError(w, "strategy not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, StrategyPerformance{
		StrategyID:    strat.ID,
		Name:          strat.Name,
		Status:        string(strat.Status),
		TotalTrades:   strat.TotalTrades,
		WinningTrades: strat.WinningTrades,
		LosingTrades:  strat.LosingTrades(),
		WinRate:       strat.WinRate(),
		TotalPnL:      strat.TotalPnL,
		MaxDrawdown:   strat.MaxDrawdown,
		TradesToday:   strat.TradesToday,
		LastTradeAt:   strat.LastTradeAt,
	})
}

// ToggleStrategy handles POST /api/v1/strategies/{strategyID}/toggle. An
// active strategy is paused and a paused one resumes; a stopped strategy
// stays stopped.
func (s *Service) ToggleStrategy(w http.ResponseWriter, r *http.Request) {
	s.stratsMu.Lock()
	defer s.stratsMu.Unlock()

	ctx := r.Context()
	strat, err := s.store.GetStrategy(ctx, chi.URLParam(r, "strategyID"))
	if err != nil {
		writeError(w, "strategy not found", statusFor(err))
		return
	}
	switch strat.Status {
	case model.StrategyActive:
		strat.Status = model.StrategyPaused
	case model.StrategyPaused:
		strat.Status = model.StrategyActive
	default:
		writeError(w, "strategy is "+string(strat.Status), http.StatusConflict)
		return
	}
	if err := s.store.UpdateStrategy(ctx, strat); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Info("strategy toggled", "id", strat.ID, "status", strat.Status)
	writeJSON(w, http.StatusOK, strat)
}

// ListStrategyExecutions handles GET /api/v1/strategies/{strategyID}/executions?limit=N
func (s *Service) ListStrategyExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecutionPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	execs, err := s.store.ListExecutionsByStrategy(r.Context(), chi.URLParam(r, "strategyID"), limit)
	if err != nil {
		writeError(w, "failed to list executions", http.StatusInternalServerError)
		return
	}
	out := make([]model.ExecutionSummary, 0, len(execs))
	for i := range execs {
		out = append(out, execs[i].Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

// GetExecution handles GET /api/v1/executions/{executionID}
func (s *Service) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, "execution not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// --- Broker accounts ---

// CreateBrokerAccount handles POST /api/v1/broker-accounts. When the routed
// broker is reachable its balances seed the record.
func (s *Service) CreateBrokerAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateBrokerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Kind) == "" {
		writeError(w, "name and kind are required", http.StatusBadRequest)
		return
	}

	now := s.now()
	acct := &model.BrokerAccount{
		ID:                req.ID,
		Name:              strings.TrimSpace(req.Name),
		Kind:              strings.TrimSpace(req.Kind),
		BrokerID:          req.BrokerID,
		Paper:             req.Paper == nil || *req.Paper,
		Active:            true,
		MaxDailyLoss:      req.MaxDailyLoss,
		LastLossReset:     now,
		LastDayTradeReset: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}

	ctx := r.Context()
	if info, err := s.brokers.GetAccountInfo(ctx, acct.BrokerID); err == nil {
		acct.UpdateBalance(*info, now)
		acct.Connected = true
	} else {
		s.logger.Warn("broker account created without balances", "account_id", acct.ID, "err", err)
	}

	if err := s.store.CreateBrokerAccount(ctx, acct); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Info("broker account created", "id", acct.ID, "kind", acct.Kind, "broker_id", acct.BrokerID)
	writeJSON(w, http.StatusCreated, acct)
}

// ListBrokerAccounts handles GET /api/v1/broker-accounts
func (s *Service) ListBrokerAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.store.ListBrokerAccounts(r.Context())
	if err != nil {
		writeError(w, "failed to list broker accounts", http.StatusInternalServerError)
		return
	}
	if accts == nil {
		accts = []model.BrokerAccount{}
	}
	writeJSON(w, http.StatusOK, accts)
}

// SyncBrokerAccount handles POST /api/v1/broker-accounts/{accountID}/sync.
// It refreshes balances from the routed broker; a broker that cannot answer
// leaves the account marked disconnected.
func (s *Service) SyncBrokerAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	unlock := s.lockAccount(id)
	defer unlock()

	ctx := r.Context()
	acct, err := s.store.GetBrokerAccount(ctx, id)
	if err != nil {
		writeError(w, "broker account not found", statusFor(err))
		return
	}

	now := s.now()
	info, err := s.brokers.GetAccountInfo(ctx, acct.BrokerID)
	if err != nil {
		s.logger.Warn("broker account sync failed", "account_id", id, "broker_id", acct.BrokerID, "err", err)
		if acct.Connected {
			acct.Connected = false
			acct.UpdatedAt = now
			if uerr := s.store.UpdateBrokerAccount(ctx, acct); uerr != nil {
				s.logger.Error("persist broker account failed", "account_id", id, "err", uerr)
			}
		}
		writeError(w, "sync failed: "+err.Error(), statusFor(err))
		return
	}
	acct.UpdateBalance(*info, now)
	acct.Connected = true

	count := 0
	if positions, err := s.brokers.GetPositions(ctx, acct.BrokerID); err == nil {
		count = len(positions)
	} else {
		s.logger.Warn("positions unavailable during sync", "account_id", id, "err", err)
	}

	if err := s.store.UpdateBrokerAccount(ctx, acct); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Info("broker account synced", "account_id", id, "equity", acct.TotalEquity.StringFixed(2))
	writeJSON(w, http.StatusOK, SyncResult{Account: acct, PositionsCount: count})
}

// --- Live broker views ---

// ListBrokers handles GET /api/v1/brokers
func (s *Service) ListBrokers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default": s.brokers.DefaultID(),
		"brokers": s.brokers.ListBrokers(),
	})
}

// BrokersHealth handles GET /api/v1/brokers/health. The response is 503
// when any registered broker is unhealthy.
func (s *Service) BrokersHealth(w http.ResponseWriter, r *http.Request) {
	health := s.brokers.HealthCheck(r.Context())
	healthy := true
	for _, ok := range health {
		healthy = healthy && ok
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"brokers": health,
	})
}

// Positions handles GET /api/v1/positions[?broker=id]. Without a broker it
// aggregates every connected broker; one that fails is reported with no
// positions.
func (s *Service) Positions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id := r.URL.Query().Get("broker"); id != "" {
		positions, err := s.brokers.GetPositions(ctx, id)
		if err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
		if positions == nil {
			positions = []model.Position{}
		}
		writeJSON(w, http.StatusOK, map[string][]model.Position{id: positions})
		return
	}
	writeJSON(w, http.StatusOK, s.brokers.AllPositions(ctx))
}

// Accounts handles GET /api/v1/accounts
func (s *Service) Accounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.brokers.AllAccountInfo(r.Context()))
}

// GetOrder handles GET /api/v1/orders/{brokerID}/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.brokers.GetOrderStatus(r.Context(), chi.URLParam(r, "brokerID"), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder handles DELETE /api/v1/orders/{brokerID}/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	brokerID, orderID := chi.URLParam(r, "brokerID"), chi.URLParam(r, "orderID")
	if err := s.brokers.CancelOrder(r.Context(), brokerID, orderID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Info("order cancelled", "broker_id", brokerID, "order_id", orderID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "order_id": orderID})
}
