package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/trade-relay/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS broker_accounts (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	broker_id            TEXT NOT NULL DEFAULT '',
	paper                BOOLEAN NOT NULL DEFAULT TRUE,
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	connected            BOOLEAN NOT NULL DEFAULT FALSE,
	cash_balance         NUMERIC NOT NULL DEFAULT 0,
	total_equity         NUMERIC NOT NULL DEFAULT 0,
	buying_power         NUMERIC NOT NULL DEFAULT 0,
	last_balance_check   TIMESTAMPTZ,
	max_daily_loss       NUMERIC,
	daily_loss_today     NUMERIC NOT NULL DEFAULT 0,
	last_loss_reset      TIMESTAMPTZ NOT NULL,
	day_trades_count     INTEGER NOT NULL DEFAULT 0,
	last_day_trade_reset TIMESTAMPTZ NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS strategies (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	broker_account_id TEXT NOT NULL REFERENCES broker_accounts(id),
	status            TEXT NOT NULL,
	symbols           TEXT NOT NULL DEFAULT '[]',
	default_quantity  NUMERIC,
	max_position_size NUMERIC,
	max_slippage      NUMERIC,
	test_mode         BOOLEAN NOT NULL DEFAULT FALSE,
	trades_today      INTEGER NOT NULL DEFAULT 0,
	last_trade_at     TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	total_trades      INTEGER NOT NULL DEFAULT 0,
	winning_trades    INTEGER NOT NULL DEFAULT 0,
	total_pnl         NUMERIC NOT NULL DEFAULT 0,
	peak_pnl          NUMERIC NOT NULL DEFAULT 0,
	max_drawdown      NUMERIC NOT NULL DEFAULT 0
);

ALTER TABLE strategies ADD COLUMN IF NOT EXISTS total_trades   INTEGER NOT NULL DEFAULT 0;
ALTER TABLE strategies ADD COLUMN IF NOT EXISTS winning_trades INTEGER NOT NULL DEFAULT 0;
ALTER TABLE strategies ADD COLUMN IF NOT EXISTS total_pnl      NUMERIC NOT NULL DEFAULT 0;
ALTER TABLE strategies ADD COLUMN IF NOT EXISTS peak_pnl       NUMERIC NOT NULL DEFAULT 0;
ALTER TABLE strategies ADD COLUMN IF NOT EXISTS max_drawdown   NUMERIC NOT NULL DEFAULT 0;

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
	quantity                NUMERIC NOT NULL,
	requested_price         NUMERIC,
	limit_price             NUMERIC,
	stop_price              NUMERIC,
	executed_price          NUMERIC,
	status                  TEXT NOT NULL,
	filled_quantity         NUMERIC NOT NULL DEFAULT 0,
	remaining_quantity      NUMERIC NOT NULL DEFAULT 0,
	notional_value          NUMERIC,
	commission              NUMERIC NOT NULL DEFAULT 0,
	slippage                NUMERIC NOT NULL DEFAULT 0,
	realized_pnl            NUMERIC NOT NULL DEFAULT 0,
	stop_loss_price         NUMERIC,
	take_profit_price       NUMERIC,
	max_slippage            NUMERIC,
	market_price_at_request NUMERIC,
	payload                 TEXT NOT NULL DEFAULT '',
	error_message           TEXT NOT NULL DEFAULT '',
	retry_count             INTEGER NOT NULL DEFAULT 0,
	test_mode               BOOLEAN NOT NULL DEFAULT FALSE,
	requested_at            TIMESTAMPTZ NOT NULL,
	executed_at             TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS executions_strategy_requested_idx
	ON executions (strategy_id, requested_at DESC);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// pgErr maps driver errors onto the store sentinels.
func pgErr(what, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, what, id)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

func (s *PostgresStore) exec(ctx context.Context, what, id, sql string, args []any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return pgErr(what, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return nil
}

// --- Strategies ---

func (s *PostgresStore) CreateStrategy(ctx context.Context, st *model.Strategy) error {
	return s.exec(ctx, "strategy", st.ID, postgresDialect.insert("strategies", strategyColumns), strategyArgs(st))
}

func (s *PostgresStore) GetStrategy(ctx context.Context, id string) (*model.Strategy, error) {
	row := s.pool.QueryRow(ctx, postgresDialect.selectFrom("strategies", strategyColumns)+" WHERE id = $1", id)
	st, err := scanStrategy(row)
	if err != nil {
		return nil, pgErr("strategy", id, err)
	}
	return st, nil
}

func (s *PostgresStore) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	rows, err := s.pool.Query(ctx, postgresDialect.selectFrom("strategies", strategyColumns)+" ORDER BY created_at")
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

func (s *PostgresStore) UpdateStrategy(ctx context.Context, st *model.Strategy) error {
	return s.exec(ctx, "strategy", st.ID, postgresDialect.update("strategies", strategyColumns), strategyArgs(st))
}

// --- Broker accounts ---

func (s *PostgresStore) CreateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error {
	return s.exec(ctx, "broker account", a.ID, postgresDialect.insert("broker_accounts", accountColumns), accountArgs(a))
}

func (s *PostgresStore) GetBrokerAccount(ctx context.Context, id string) (*model.BrokerAccount, error) {
	row := s.pool.QueryRow(ctx, postgresDialect.selectFrom("broker_accounts", accountColumns)+" WHERE id = $1", id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, pgErr("broker account", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListBrokerAccounts(ctx context.Context) ([]model.BrokerAccount, error) {
	rows, err := s.pool.Query(ctx, postgresDialect.selectFrom("broker_accounts", accountColumns)+" ORDER BY created_at")
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

func (s *PostgresStore) UpdateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error {
	return s.exec(ctx, "broker account", a.ID, postgresDialect.update("broker_accounts", accountColumns), accountArgs(a))
}

// --- Executions ---

func (s *PostgresStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	return s.exec(ctx, "execution", e.ID, postgresDialect.insert("executions", executionColumns), executionArgs(e))
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.pool.QueryRow(ctx, postgresDialect.selectFrom("executions", executionColumns)+" WHERE id = $1", id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, pgErr("execution", id, err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	return s.exec(ctx, "execution", e.ID, postgresDialect.update("executions", executionColumns), executionArgs(e))
}

func (s *PostgresStore) ListExecutionsByStrategy(ctx context.Context, strategyID string, limit int) ([]model.Execution, error) {
	q := postgresDialect.selectFrom("executions", executionColumns) +
		" WHERE strategy_id = $1 ORDER BY requested_at DESC"
	args := []any{strategyID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
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
