package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/atmx/trade-relay/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT. The schema is created on open.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS broker_accounts (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	broker_id            TEXT NOT NULL DEFAULT '',
	paper                BOOLEAN NOT NULL DEFAULT 1,
	active               BOOLEAN NOT NULL DEFAULT 1,
	connected            BOOLEAN NOT NULL DEFAULT 0,
	cash_balance         TEXT NOT NULL DEFAULT '0',
	total_equity         TEXT NOT NULL DEFAULT '0',
	buying_power         TEXT NOT NULL DEFAULT '0',
	last_balance_check   DATETIME,
	max_daily_loss       TEXT,
	daily_loss_today     TEXT NOT NULL DEFAULT '0',
	last_loss_reset      DATETIME NOT NULL,
	day_trades_count     INTEGER NOT NULL DEFAULT 0,
	last_day_trade_reset DATETIME NOT NULL,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS strategies (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	broker_account_id TEXT NOT NULL,
	status            TEXT NOT NULL,
	symbols           TEXT NOT NULL DEFAULT '[]',
	default_quantity  TEXT,
	max_position_size TEXT,
	max_slippage      TEXT,
	test_mode         BOOLEAN NOT NULL DEFAULT 0,
	trades_today      INTEGER NOT NULL DEFAULT 0,
	last_trade_at     DATETIME,
	created_at        DATETIME NOT NULL,
	total_trades      INTEGER NOT NULL DEFAULT 0,
	winning_trades    INTEGER NOT NULL DEFAULT 0,
	total_pnl         TEXT NOT NULL DEFAULT '0',
	peak_pnl          TEXT NOT NULL DEFAULT '0',
	max_drawdown      TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS executions (
	id                      TEXT PRIMARY KEY,
	strategy_id             TEXT NOT NULL,
	broker_account_id       TEXT NOT NULL,
	broker_id               TEXT NOT NULL DEFAULT '',
	broker_order_id         TEXT NOT NULL DEFAULT '',
	client_order_id         TEXT NOT NULL DEFAULT '',
	execution_type          TEXT NOT NULL,
	symbol                  TEXT NOT NULL,
	asset_class             TEXT NOT NULL DEFAULT '',
	order_kind              TEXT NOT NULL,
	side                    TEXT NOT NULL,
	time_in_force           TEXT NOT NULL,
	quantity                TEXT NOT NULL,
	requested_price         TEXT,
	limit_price             TEXT,
	stop_price              TEXT,
	executed_price          TEXT,
	status                  TEXT NOT NULL,
	filled_quantity         TEXT NOT NULL DEFAULT '0',
	remaining_quantity      TEXT NOT NULL DEFAULT '0',
	notional_value          TEXT,
	commission              TEXT NOT NULL DEFAULT '0',
	slippage                TEXT NOT NULL DEFAULT '0',
	realized_pnl            TEXT NOT NULL DEFAULT '0',
	stop_loss_price         TEXT,
	take_profit_price       TEXT,
	max_slippage            TEXT,
	market_price_at_request TEXT,
	payload                 TEXT NOT NULL DEFAULT '',
	error_message           TEXT NOT NULL DEFAULT '',
	retry_count             INTEGER NOT NULL DEFAULT 0,
	test_mode               BOOLEAN NOT NULL DEFAULT 0,
	requested_at            DATETIME NOT NULL,
	executed_at             DATETIME
);

CREATE INDEX IF NOT EXISTS executions_strategy_requested_idx
	ON executions (strategy_id, requested_at DESC);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and creates
// the schema. ":memory:" gives a private in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteErr(what, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	var se *sqlite.Error
	if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE) {
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, what, id)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

func (s *SQLiteStore) exec(ctx context.Context, what, id, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return sqliteErr(what, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return nil
}

// --- Strategies ---

func (s *SQLiteStore) CreateStrategy(ctx context.Context, st *model.Strategy) error {
	return s.exec(ctx, "strategy", st.ID, sqliteDialect.insert("strategies", strategyColumns), strategyArgs(st))
}

func (s *SQLiteStore) GetStrategy(ctx context.Context, id string) (*model.Strategy, error) {
	row := s.db.QueryRowContext(ctx, sqliteDialect.selectFrom("strategies", strategyColumns)+" WHERE id = ?", id)
	st, err := scanStrategy(row)
	if err != nil {
		return nil, sqliteErr("strategy", id, err)
	}
	return st, nil
}

func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, sqliteDialect.selectFrom("strategies", strategyColumns)+" ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStrategy(ctx context.Context, st *model.Strategy) error {
	return s.exec(ctx, "strategy", st.ID, sqliteDialect.update("strategies", strategyColumns), sqliteDialect.updateArgs(strategyArgs(st)))
}

// --- Broker accounts ---

func (s *SQLiteStore) CreateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error {
	return s.exec(ctx, "broker account", a.ID, sqliteDialect.insert("broker_accounts", accountColumns), accountArgs(a))
}

func (s *SQLiteStore) GetBrokerAccount(ctx context.Context, id string) (*model.BrokerAccount, error) {
	row := s.db.QueryRowContext(ctx, sqliteDialect.selectFrom("broker_accounts", accountColumns)+" WHERE id = ?", id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, sqliteErr("broker account", id, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListBrokerAccounts(ctx context.Context) ([]model.BrokerAccount, error) {
	rows, err := s.db.QueryContext(ctx, sqliteDialect.selectFrom("broker_accounts", accountColumns)+" ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BrokerAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error {
	return s.exec(ctx, "broker account", a.ID, sqliteDialect.update("broker_accounts", accountColumns), sqliteDialect.updateArgs(accountArgs(a)))
}

// --- Executions ---

func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	return s.exec(ctx, "execution", e.ID, sqliteDialect.insert("executions", executionColumns), executionArgs(e))
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, sqliteDialect.selectFrom("executions", executionColumns)+" WHERE id = ?", id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, sqliteErr("execution", id, err)
	}
	return e, nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	return s.exec(ctx, "execution", e.ID, sqliteDialect.update("executions", executionColumns), sqliteDialect.updateArgs(executionArgs(e)))
}

func (s *SQLiteStore) ListExecutionsByStrategy(ctx context.Context, strategyID string, limit int) ([]model.Execution, error) {
	q := sqliteDialect.selectFrom("executions", executionColumns) +
		" WHERE strategy_id = ? ORDER BY requested_at DESC"
	args := []any{strategyID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
