package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
)

// column is one persisted field. Numeric columns hold decimals: NUMERIC in
// PostgreSQL (read back as ::TEXT), TEXT in SQLite.
type column struct {
	name    string
	numeric bool
}

func num(name string) column { return column{name: name, numeric: true} }
func col(name string) column { return column{name: name} }

var strategyColumns = []column{
	col("id"), col("name"), col("broker_account_id"), col("status"), col("symbols"),
	num("default_quantity"), num("max_position_size"), num("max_slippage"),
	col("test_mode"), col("trades_today"), col("last_trade_at"), col("created_at"),
	col("total_trades"), col("winning_trades"), num("total_pnl"), num("peak_pnl"), num("max_drawdown"),
}

var accountColumns = []column{
	col("id"), col("name"), col("kind"), col("broker_id"), col("paper"), col("active"), col("connected"),
	num("cash_balance"), num("total_equity"), num("buying_power"), col("last_balance_check"),
	num("max_daily_loss"), num("daily_loss_today"), col("last_loss_reset"),
	col("day_trades_count"), col("last_day_trade_reset"), col("created_at"), col("updated_at"),
}

var executionColumns = []column{
	col("id"), col("strategy_id"), col("broker_account_id"), col("broker_id"),
	col("broker_order_id"), col("client_order_id"), col("execution_type"),
	col("symbol"), col("asset_class"), col("order_kind"), col("side"), col("time_in_force"),
	num("quantity"), num("requested_price"), num("limit_price"), num("stop_price"), num("executed_price"),
	col("status"), num("filled_quantity"), num("remaining_quantity"), num("notional_value"),
	num("commission"), num("slippage"), num("realized_pnl"),
	num("stop_loss_price"), num("take_profit_price"), num("max_slippage"), num("market_price_at_request"),
	col("payload"), col("error_message"), col("retry_count"), col("test_mode"),
	col("requested_at"), col("executed_at"),
}

// dialect renders the SQL differences between PostgreSQL and SQLite.
// PostgreSQL binds numbered parameters and casts decimals; SQLite binds
// positional ? parameters and stores decimals as TEXT.
type dialect struct {
	positional bool
}

var (
	postgresDialect = dialect{}
	sqliteDialect   = dialect{positional: true}
)

// param renders the i-th (1-based) bind parameter for c.
func (d dialect) param(i int, c column) string {
	switch {
	case d.positional:
		return "?"
	case c.numeric:
		return fmt.Sprintf("$%d::NUMERIC", i)
	default:
		return fmt.Sprintf("$%d", i)
	}
}

// selectExpr renders c in a SELECT list.
func (d dialect) selectExpr(c column) string {
	if c.numeric && !d.positional {
		return c.name + "::TEXT"
	}
	return c.name
}

func (d dialect) selectList(cols []column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.selectExpr(c)
	}
	return strings.Join(parts, ", ")
}

func (d dialect) insert(table string, cols []column) string {
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
		params[i] = d.param(i+1, c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(params, ", "))
}

// update renders an UPDATE of every column but the first, keyed by the
// first. Args are passed in column order, so the id binds last in SQLite.
func (d dialect) update(table string, cols []column) string {
	sets := make([]string, 0, len(cols)-1)
	for i, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = %s", c.name, d.param(i+2, c)))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), cols[0].name, d.param(1, cols[0]))
}

func (d dialect) selectFrom(table string, cols []column) string {
	return fmt.Sprintf("SELECT %s FROM %s", d.selectList(cols), table)
}

// updateArgs orders args for update: positional dialects bind the id last.
func (d dialect) updateArgs(args []any) []any {
	if !d.positional {
		return args
	}
	out := append([]any{}, args[1:]...)
	return append(out, args[0])
}

// --- Argument encoding ---

func decArg(d decimal.Decimal) string { return d.String() }

func nullDecArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func strategyArgs(s *model.Strategy) []any {
	symbols := s.Symbols
	if symbols == nil {
		symbols = []string{}
	}
	symJSON, _ := json.Marshal(symbols)
	return []any{
		s.ID, s.Name, s.BrokerAccountID, string(s.Status), string(symJSON),
		nullDecArg(s.DefaultQuantity), nullDecArg(s.MaxPositionSize), nullDecArg(s.MaxSlippage),
		s.TestMode, s.TradesToday, nullTimeArg(s.LastTradeAt), s.CreatedAt.UTC(),
		s.TotalTrades, s.WinningTrades, decArg(s.TotalPnL), decArg(s.PeakPnL), decArg(s.MaxDrawdown),
	}
}

func accountArgs(a *model.BrokerAccount) []any {
	return []any{
		a.ID, a.Name, a.Kind, a.BrokerID, a.Paper, a.Active, a.Connected,
		decArg(a.CashBalance), decArg(a.TotalEquity), decArg(a.BuyingPower), nullTimeArg(a.LastBalanceCheck),
		nullDecArg(a.MaxDailyLoss), decArg(a.DailyLossToday), a.LastLossReset.UTC(),
		a.DayTradesCount, a.LastDayTradeReset.UTC(), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	}
}

func executionArgs(e *model.Execution) []any {
	return []any{
		e.ID, e.StrategyID, e.BrokerAccountID, e.BrokerID,
		e.BrokerOrderID, e.ClientOrderID, string(e.Type),
		e.Symbol, string(e.AssetClass), string(e.Kind), string(e.Side), string(e.TimeInForce),
		decArg(e.Quantity), nullDecArg(e.RequestedPrice), nullDecArg(e.LimitPrice), nullDecArg(e.StopPrice), nullDecArg(e.ExecutedPrice),
		string(e.Status), decArg(e.FilledQuantity), decArg(e.RemainingQuantity), nullDecArg(e.NotionalValue),
		decArg(e.Commission), decArg(e.Slippage), decArg(e.RealizedPnL),
		nullDecArg(e.StopLossPrice), nullDecArg(e.TakeProfitPrice), nullDecArg(e.MaxSlippage), nullDecArg(e.MarketPriceAtRequest),
		e.Payload, e.ErrorMessage, e.RetryCount, e.TestMode,
		e.RequestedAt.UTC(), nullTimeArg(e.ExecutedAt),
	}
}

// --- Row decoding ---

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func parseDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parseNullDec(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func parseNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func scanStrategy(row rowScanner) (*model.Strategy, error) {
	var (
		s                       model.Strategy
		status, symbols         string
		defQty, maxPos, maxSlip sql.NullString
		lastTrade               sql.NullTime
		pnl, peak, drawdown     string
	)
	if err := row.Scan(
		&s.ID, &s.Name, &s.BrokerAccountID, &status, &symbols,
		&defQty, &maxPos, &maxSlip,
		&s.TestMode, &s.TradesToday, &lastTrade, &s.CreatedAt,
		&s.TotalTrades, &s.WinningTrades, &pnl, &peak, &drawdown,
	); err != nil {
		return nil, err
	}
	s.Status = model.StrategyStatus(status)
	if err := json.Unmarshal([]byte(symbols), &s.Symbols); err != nil {
		return nil, fmt.Errorf("store: strategy %s symbols: %w", s.ID, err)
	}
	s.DefaultQuantity = parseNullDec(defQty)
	s.MaxPositionSize = parseNullDec(maxPos)
	s.MaxSlippage = parseNullDec(maxSlip)
	s.LastTradeAt = parseNullTime(lastTrade)
	s.CreatedAt = s.CreatedAt.UTC()
	s.TotalPnL = parseDec(pnl)
	s.PeakPnL = parseDec(peak)
	s.MaxDrawdown = parseDec(drawdown)
	return &s, nil
}

func scanAccount(row rowScanner) (*model.BrokerAccount, error) {
	var (
		a                           model.BrokerAccount
		cash, equity, bp, lossToday string
		maxLoss                     sql.NullString
		lastCheck                   sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.Name, &a.Kind, &a.BrokerID, &a.Paper, &a.Active, &a.Connected,
		&cash, &equity, &bp, &lastCheck,
		&maxLoss, &lossToday, &a.LastLossReset,
		&a.DayTradesCount, &a.LastDayTradeReset, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.CashBalance = parseDec(cash)
	a.TotalEquity = parseDec(equity)
	a.BuyingPower = parseDec(bp)
	a.LastBalanceCheck = parseNullTime(lastCheck)
	a.MaxDailyLoss = parseNullDec(maxLoss)
	a.DailyLossToday = parseDec(lossToday)
	a.LastLossReset = a.LastLossReset.UTC()
	a.LastDayTradeReset = a.LastDayTradeReset.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var (
		e                                             model.Execution
		execType, assetClass, kind, side, tif, status string
		qty, filled, remaining, commission, slip, pnl string
		reqPrice, limitPrice, stopPrice, execPrice    sql.NullString
		notional, stopLoss, takeProfit, maxSlip, mkt  sql.NullString
		executedAt                                    sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.StrategyID, &e.BrokerAccountID, &e.BrokerID,
		&e.BrokerOrderID, &e.ClientOrderID, &execType,
		&e.Symbol, &assetClass, &kind, &side, &tif,
		&qty, &reqPrice, &limitPrice, &stopPrice, &execPrice,
		&status, &filled, &remaining, &notional,
		&commission, &slip, &pnl,
		&stopLoss, &takeProfit, &maxSlip, &mkt,
		&e.Payload, &e.ErrorMessage, &e.RetryCount, &e.TestMode,
		&e.RequestedAt, &executedAt,
	); err != nil {
		return nil, err
	}
	e.Type = model.ExecutionType(execType)
	e.AssetClass = model.AssetClass(assetClass)
	e.Kind = model.OrderKind(kind)
	e.Side = model.Side(side)
	e.TimeInForce = model.TimeInForce(tif)
	e.Status = model.OrderStatus(status)

	e.Quantity = parseDec(qty)
	e.FilledQuantity = parseDec(filled)
	e.RemainingQuantity = parseDec(remaining)
	e.Commission = parseDec(commission)
	e.Slippage = parseDec(slip)
	e.RealizedPnL = parseDec(pnl)

	e.RequestedPrice = parseNullDec(reqPrice)
	e.LimitPrice = parseNullDec(limitPrice)
	e.StopPrice = parseNullDec(stopPrice)
	e.ExecutedPrice = parseNullDec(execPrice)
	e.NotionalValue = parseNullDec(notional)
	e.StopLossPrice = parseNullDec(stopLoss)
	e.TakeProfitPrice = parseNullDec(takeProfit)
	e.MaxSlippage = parseNullDec(maxSlip)
	e.MarketPriceAtRequest = parseNullDec(mkt)

	e.RequestedAt = e.RequestedAt.UTC()
	e.ExecutedAt = parseNullTime(executedAt)
	return &e, nil
}
