// Package store defines the persistence interface for the trade relay.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/trade-relay/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. Get methods return ErrNotFound for
// unknown ids; Update methods return ErrNotFound when nothing was updated.
type Store interface {
	// --- Strategies ---

	CreateStrategy(ctx context.Context, s *model.Strategy) error
	GetStrategy(ctx context.Context, id string) (*model.Strategy, error)
	ListStrategies(ctx context.Context) ([]model.Strategy, error)
	UpdateStrategy(ctx context.Context, s *model.Strategy) error

	// --- Broker accounts ---

	CreateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error
	GetBrokerAccount(ctx context.Context, id string) (*model.BrokerAccount, error)
	ListBrokerAccounts(ctx context.Context) ([]model.BrokerAccount, error)
	UpdateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error

	// --- Executions ---

	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	UpdateExecution(ctx context.Context, e *model.Execution) error

	// ListExecutionsByStrategy returns the newest executions first. A limit
	// of zero or less returns all of them.
	ListExecutionsByStrategy(ctx context.Context, strategyID string, limit int) ([]model.Execution, error)
}
