package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func testAccount() *model.BrokerAccount {
	return &model.BrokerAccount{
		ID:                "acct-1",
		Name:              "Paper",
		Kind:              "alpaca",
		BrokerID:          "alpaca-paper",
		Paper:             true,
		Active:            true,
		CashBalance:       d(25000.5),
		TotalEquity:       d(30000),
		BuyingPower:       d(60000),
		MaxDailyLoss:      model.Ptr(d(1000)),
		DailyLossToday:    d(12.34),
		LastLossReset:     t0,
		LastDayTradeReset: t0,
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}

func testStrategy() *model.Strategy {
	return &model.Strategy{
		ID:              "strat-1",
		Name:            "Breakout",
		BrokerAccountID: "acct-1",
		Status:          model.StrategyActive,
		Symbols:         []string{"AAPL", "BTC/USD"},
		DefaultQuantity: model.Ptr(d(10)),
		MaxSlippage:     model.Ptr(d(0.005)),
		CreatedAt:       t0,
	}
}

func testExecution(id string, at time.Time) *model.Execution {
	return &model.Execution{
		ID:              id,
		StrategyID:      "strat-1",
		BrokerAccountID: "acct-1",
		Type:            model.ExecutionWebhook,
		Symbol:          "AAPL",
		AssetClass:      model.AssetStocks,
		Kind:            model.KindLimit,
		Side:            model.SideBuy,
		TimeInForce:     model.TIFGTC,
		Quantity:        d(10),
		LimitPrice:      model.Ptr(d(189.25)),
		RequestedPrice:  model.Ptr(d(189.25)),
		Status:          model.StatusPending,
		Payload:         `{"action":"buy"}`,
		RequestedAt:     at,
	}
}

// runStoreSuite exercises the Store contract against st.
func runStoreSuite(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("broker accounts", func(t *testing.T) {
		a := testAccount()
		if err := st.CreateBrokerAccount(ctx, a); err != nil {
			t.Fatalf("CreateBrokerAccount: %v", err)
		}
		if err := st.CreateBrokerAccount(ctx, a); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate create: expected ErrAlreadyExists, got %v", err)
		}

		got, err := st.GetBrokerAccount(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetBrokerAccount: %v", err)
		}
		if !got.CashBalance.Equal(d(25000.5)) || got.MaxDailyLoss == nil || !got.MaxDailyLoss.Equal(d(1000)) {
			t.Errorf("decimals not preserved: %+v", got)
		}
		if !got.Paper || !got.Active || got.Connected {
			t.Errorf("flags not preserved: %+v", got)
		}
		if !got.LastLossReset.Equal(t0) || got.LastBalanceCheck != nil {
			t.Errorf("times not preserved: %+v", got)
		}

		got.DayTradesCount = 2
		got.UpdateBalance(model.AccountInfo{CashBalance: d(1), TotalPortfolioValue: d(2), BuyingPower: d(3)}, t0.Add(time.Minute))
		if err := st.UpdateBrokerAccount(ctx, got); err != nil {
			t.Fatalf("UpdateBrokerAccount: %v", err)
		}
		again, _ := st.GetBrokerAccount(ctx, a.ID)
		if again.DayTradesCount != 2 || !again.TotalEquity.Equal(d(2)) || again.LastBalanceCheck == nil {
			t.Errorf("update not applied: %+v", again)
		}

		list, err := st.ListBrokerAccounts(ctx)
		if err != nil || len(list) != 1 {
			t.Errorf("ListBrokerAccounts = %v, %v", list, err)
		}

		if _, err := st.GetBrokerAccount(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := st.UpdateBrokerAccount(ctx, &model.BrokerAccount{ID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("strategies", func(t *testing.T) {
		s := testStrategy()
		if err := st.CreateStrategy(ctx, s); err != nil {
			t.Fatalf("CreateStrategy: %v", err)
		}
		s.Symbols[0] = "MUTATED"

		got, err := st.GetStrategy(ctx, "strat-1")
		if err != nil {
			t.Fatalf("GetStrategy: %v", err)
		}
		if len(got.Symbols) != 2 || got.Symbols[0] != "AAPL" {
			t.Errorf("symbols = %v", got.Symbols)
		}
		if got.MaxPositionSize != nil || got.DefaultQuantity == nil || !got.DefaultQuantity.Equal(d(10)) {
			t.Errorf("optional decimals not preserved: %+v", got)
		}

		got.Status = model.StrategyPaused
		got.RecordTrade(t0)
		got.RecordPerformance(d(120.25))
		got.RecordPerformance(d(-40))
		if err := st.UpdateStrategy(ctx, got); err != nil {
			t.Fatalf("UpdateStrategy: %v", err)
		}
		again, _ := st.GetStrategy(ctx, "strat-1")
		if again.Status != model.StrategyPaused || again.TradesToday != 1 || again.LastTradeAt == nil {
			t.Errorf("update not applied: %+v", again)
		}
		if again.TotalTrades != 2 || again.WinningTrades != 1 || !again.TotalPnL.Equal(d(80.25)) ||
			!again.PeakPnL.Equal(d(120.25)) || !again.MaxDrawdown.Equal(d(40)) {
			t.Errorf("performance not preserved: %+v", again)
		}

		list, err := st.ListStrategies(ctx)
		if err != nil || len(list) != 1 {
			t.Errorf("ListStrategies = %v, %v", list, err)
		}
		if _, err := st.GetStrategy(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("executions", func(t *testing.T) {
		for i, id := range []string{"e1", "e2", "e3"} {
			if err := st.CreateExecution(ctx, testExecution(id, t0.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("CreateExecution %s: %v", id, err)
			}
		}

		e, err := st.GetExecution(ctx, "e2")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.LimitPrice == nil || !e.LimitPrice.Equal(d(189.25)) || e.ExecutedPrice != nil {
			t.Errorf("prices not preserved: %+v", e)
		}

		e.UpdateStatus(model.StatusFilled, model.Ptr(d(10)), model.Ptr(d(189.5)), t0.Add(time.Minute))
		if err := st.UpdateExecution(ctx, e); err != nil {
			t.Fatalf("UpdateExecution: %v", err)
		}
		filled, _ := st.GetExecution(ctx, "e2")
		if filled.Status != model.StatusFilled || filled.ExecutedAt == nil ||
			filled.NotionalValue == nil || !filled.NotionalValue.Equal(d(1895)) {
			t.Errorf("fill not persisted: %+v", filled)
		}
		if !filled.Slippage.Equal(e.Slippage) {
			t.Errorf("slippage = %s, want %s", filled.Slippage, e.Slippage)
		}

		list, err := st.ListExecutionsByStrategy(ctx, "strat-1", 2)
		if err != nil {
			t.Fatalf("ListExecutionsByStrategy: %v", err)
		}
		if len(list) != 2 || list[0].ID != "e3" || list[1].ID != "e2" {
			t.Errorf("expected newest first [e3 e2], got %v", ids(list))
		}
		all, _ := st.ListExecutionsByStrategy(ctx, "strat-1", 0)
		if len(all) != 3 {
			t.Errorf("unlimited list = %d entries", len(all))
		}
		none, _ := st.ListExecutionsByStrategy(ctx, "other", 0)
		if len(none) != 0 {
			t.Errorf("other strategy = %v", ids(none))
		}
	})
}

func ids(es []model.Execution) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	st, err := NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()
	runStoreSuite(t, st)
}

func TestCachedStore_DegradesWithoutRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	runStoreSuite(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute))
}

func TestDialectSQL(t *testing.T) {
	cols := []column{col("id"), num("price"), col("status")}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pg insert", postgresDialect.insert("t", cols), "INSERT INTO t (id, price, status) VALUES ($1, $2::NUMERIC, $3)"},
		{"pg update", postgresDialect.update("t", cols), "UPDATE t SET price = $2::NUMERIC, status = $3 WHERE id = $1"},
		{"pg select", postgresDialect.selectFrom("t", cols), "SELECT id, price::TEXT, status FROM t"},
		{"sqlite insert", sqliteDialect.insert("t", cols), "INSERT INTO t (id, price, status) VALUES (?, ?, ?)"},
		{"sqlite update", sqliteDialect.update("t", cols), "UPDATE t SET price = ?, status = ? WHERE id = ?"},
		{"sqlite select", sqliteDialect.selectFrom("t", cols), "SELECT id, price, status FROM t"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s:\n got  %s\n want %s", tt.name, tt.got, tt.want)
		}
	}

	args := sqliteDialect.updateArgs([]any{"id", "1.5", "open"})
	if strings.Join([]string{args[0].(string), args[1].(string), args[2].(string)}, ",") != "1.5,open,id" {
		t.Errorf("sqlite update args = %v", args)
	}
	if pg := postgresDialect.updateArgs([]any{"id", "1.5"}); pg[0] != "id" {
		t.Errorf("postgres update args reordered: %v", pg)
	}
}

func TestColumnArgsAlign(t *testing.T) {
	if n := len(strategyArgs(testStrategy())); n != len(strategyColumns) {
		t.Errorf("strategy args %d != columns %d", n, len(strategyColumns))
	}
	if n := len(accountArgs(testAccount())); n != len(accountColumns) {
		t.Errorf("account args %d != columns %d", n, len(accountColumns))
	}
	if n := len(executionArgs(testExecution("x", t0))); n != len(executionColumns) {
		t.Errorf("execution args %d != columns %d", n, len(executionColumns))
	}
}
