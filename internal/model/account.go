package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pattern-day-trading defaults. Accounts at or above the equity threshold
// day trade freely; below it they are capped at DefaultDayTradeLimit within
// the rolling window.
var (
	DefaultDayTradeEquityThreshold = decimal.NewFromInt(25000)
	DefaultDayTradeLimit           = 3
	DefaultDailyLossWindow         = 24 * time.Hour
	DefaultDayTradeWindow          = 5 * 24 * time.Hour
)

// BrokerAccount is a user's brokerage account as the relay sees it:
// credentials live elsewhere, this carries routing, limits and counters.
type BrokerAccount struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Kind     string `json:"kind" db:"kind"`           // broker kind, e.g. "alpaca"
	BrokerID string `json:"broker_id" db:"broker_id"` // manager registry id; empty = default
	Paper    bool   `json:"paper" db:"paper"`

	Active    bool `json:"active" db:"active"`
	Connected bool `json:"connected" db:"connected"`

	CashBalance      decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	TotalEquity      decimal.Decimal `json:"total_equity" db:"total_equity"`
	BuyingPower      decimal.Decimal `json:"buying_power" db:"buying_power"`
	LastBalanceCheck *time.Time      `json:"last_balance_check,omitempty" db:"last_balance_check"`

	MaxDailyLoss   *decimal.Decimal `json:"max_daily_loss,omitempty" db:"max_daily_loss"` // nil = no ceiling
	DailyLossToday decimal.Decimal  `json:"daily_loss_today" db:"daily_loss_today"`
	LastLossReset  time.Time        `json:"last_loss_reset" db:"last_loss_reset"`

	DayTradesCount    int       `json:"day_trades_count" db:"day_trades_count"`
	LastDayTradeReset time.Time `json:"last_day_trade_reset" db:"last_day_trade_reset"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CanTrade is true when the account is active, connected and below its
// daily loss ceiling.
func (a *BrokerAccount) CanTrade() bool {
	if !a.Active || !a.Connected {
		return false
	}
	if a.MaxDailyLoss != nil && a.MaxDailyLoss.IsPositive() &&
		a.DailyLossToday.GreaterThanOrEqual(*a.MaxDailyLoss) {
		return false
	}
	return true
}

// CanDayTrade applies the pattern-day-trading gate.
func (a *BrokerAccount) CanDayTrade(equityThreshold decimal.Decimal, limit int) bool {
	if a.TotalEquity.GreaterThanOrEqual(equityThreshold) {
		return true
	}
	return a.DayTradesCount < limit
}

// UpdateBalance replaces the cached balance fields from a fresh snapshot.
func (a *BrokerAccount) UpdateBalance(info AccountInfo, now time.Time) {
	a.CashBalance = info.CashBalance
	a.TotalEquity = info.TotalPortfolioValue
	a.BuyingPower = info.BuyingPower
	a.LastBalanceCheck = &now
	a.UpdatedAt = now
}

// AddDailyLoss records a realized loss. Gains and zero are ignored.
func (a *BrokerAccount) AddDailyLoss(loss decimal.Decimal) {
	if loss.IsPositive() {
		a.DailyLossToday = a.DailyLossToday.Add(loss)
	}
}

// RecordRealizedPnL charges a realized loss against the daily loss budget
// and starts the loss window if none is running.
func (a *BrokerAccount) RecordRealizedPnL(pnl decimal.Decimal, now time.Time) {
	if !pnl.IsNegative() {
		return
	}
	a.AddDailyLoss(pnl.Neg())
	if a.LastLossReset.IsZero() {
		a.LastLossReset = now
	}
}

// ResetCountersIfNeeded clears the daily loss after lossWindow and the
// day-trade counter after dayTradeWindow.
func (a *BrokerAccount) ResetCountersIfNeeded(now time.Time, lossWindow, dayTradeWindow time.Duration) {
	if !a.LastLossReset.IsZero() && now.Sub(a.LastLossReset) >= lossWindow {
		a.DailyLossToday = decimal.Zero
		a.LastLossReset = now
	}
	if !a.LastDayTradeReset.IsZero() && now.Sub(a.LastDayTradeReset) >= dayTradeWindow {
		a.DayTradesCount = 0
		a.LastDayTradeReset = now
	}
}

// DisplayName renders "Name (Kind) - Paper|Live".
func (a *BrokerAccount) DisplayName() string {
	mode := "Live"
	if a.Paper {
		mode = "Paper"
	}
	return fmt.Sprintf("%s (%s) - %s", a.Name, a.Kind, mode)
}

// StrategyStatus is the lifecycle state of a strategy.
type StrategyStatus string

const (
	StrategyActive  StrategyStatus = "active"
	StrategyPaused  StrategyStatus = "paused"
	StrategyStopped StrategyStatus = "stopped"
)

// Strategy is a signal source bound to one broker account. Webhooks are
// addressed to a strategy by ID.
type Strategy struct {
	ID              string           `json:"id" db:"id"`
	Name            string           `json:"name" db:"name"`
	BrokerAccountID string           `json:"broker_account_id" db:"broker_account_id"`
	Status          StrategyStatus   `json:"status" db:"status"`
	Symbols         []string         `json:"symbols" db:"symbols"` // empty = any symbol
	DefaultQuantity *decimal.Decimal `json:"default_quantity,omitempty" db:"default_quantity"`
	MaxPositionSize *decimal.Decimal `json:"max_position_size,omitempty" db:"max_position_size"`
	MaxSlippage     *decimal.Decimal `json:"max_slippage,omitempty" db:"max_slippage"`
	TestMode        bool             `json:"test_mode" db:"test_mode"`
	TradesToday     int              `json:"trades_today" db:"trades_today"`
	LastTradeAt     *time.Time       `json:"last_trade_at,omitempty" db:"last_trade_at"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`

	// Performance over closing trades, i.e. those that realized P&L.
	TotalTrades   int             `json:"total_trades" db:"total_trades"`
	WinningTrades int             `json:"winning_trades" db:"winning_trades"`
	TotalPnL      decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	PeakPnL       decimal.Decimal `json:"peak_pnl" db:"peak_pnl"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown" db:"max_drawdown"`
}

// CanTrade is true while the strategy is active.
func (s *Strategy) CanTrade() bool {
	return s.Status == StrategyActive
}

// AllowsSymbol checks the strategy's allow-list. An empty list allows all.
func (s *Strategy) AllowsSymbol(symbol string) bool {
	if len(s.Symbols) == 0 {
		return true
	}
	for _, sym := range s.Symbols {
		if strings.EqualFold(sym, symbol) {
			return true
		}
	}
	return false
}

// RecordPerformance folds one realized P&L into the running totals.
// MaxDrawdown is the deepest fall of cumulative P&L below its running peak.
func (s *Strategy) RecordPerformance(pnl decimal.Decimal) {
	if pnl.IsZero() {
		return
	}
	s.TotalTrades++
	if pnl.IsPositive() {
		s.WinningTrades++
	}
	s.TotalPnL = s.TotalPnL.Add(pnl)
	if s.TotalPnL.GreaterThan(s.PeakPnL) {
		s.PeakPnL = s.TotalPnL
	}
	if dd := s.PeakPnL.Sub(s.TotalPnL); dd.GreaterThan(s.MaxDrawdown) {
		s.MaxDrawdown = dd
	}
}

// LosingTrades counts closing trades that lost money.
func (s *Strategy) LosingTrades() int {
	return s.TotalTrades - s.WinningTrades
}

// WinRate is the percentage of closing trades that made money, 0 before
// the first one.
func (s *Strategy) WinRate() decimal.Decimal {
	if s.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.WinningTrades)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(s.TotalTrades))).
		Round(2)
}

// RecordTrade bumps the per-day trade counter.
func (s *Strategy) RecordTrade(now time.Time) {
	if s.LastTradeAt != nil && !sameDay(*s.LastTradeAt, now) {
		s.TradesToday = 0
	}
	s.TradesToday++
	s.LastTradeAt = &now
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
