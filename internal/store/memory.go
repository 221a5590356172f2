package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/trade-relay/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[string]*model.Strategy
	accounts   map[string]*model.BrokerAccount
	executions map[string]*model.Execution
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string]*model.Strategy),
		accounts:   make(map[string]*model.BrokerAccount),
		executions: make(map[string]*model.Execution),
	}
}

// Copies keep callers from mutating stored state.

func copyStrategy(s *model.Strategy) *model.Strategy {
	cp := *s
	if s.Symbols != nil {
		cp.Symbols = append([]string(nil), s.Symbols...)
	}
	return &cp
}

func copyAccount(a *model.BrokerAccount) *model.BrokerAccount {
	cp := *a
	return &cp
}

func copyExecution(e *model.Execution) *model.Execution {
	cp := *e
	return &cp
}

// --- Strategies ---

func (s *MemoryStore) CreateStrategy(_ context.Context, st *model.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strategies[st.ID]; ok {
		return fmt.Errorf("%w: strategy %s", ErrAlreadyExists, st.ID)
	}
	s.strategies[st.ID] = copyStrategy(st)
	return nil
}

func (s *MemoryStore) GetStrategy(_ context.Context, id string) (*model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: strategy %s", ErrNotFound, id)
	}
	return copyStrategy(st), nil
}

func (s *MemoryStore) ListStrategies(_ context.Context) ([]model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, *copyStrategy(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateStrategy(_ context.Context, st *model.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strategies[st.ID]; !ok {
		return fmt.Errorf("%w: strategy %s", ErrNotFound, st.ID)
	}
	s.strategies[st.ID] = copyStrategy(st)
	return nil
}

// --- Broker accounts ---

func (s *MemoryStore) CreateBrokerAccount(_ context.Context, a *model.BrokerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: broker account %s", ErrAlreadyExists, a.ID)
	}
	s.accounts[a.ID] = copyAccount(a)
	return nil
}

func (s *MemoryStore) GetBrokerAccount(_ context.Context, id string) (*model.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: broker account %s", ErrNotFound, id)
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) ListBrokerAccounts(_ context.Context) ([]model.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BrokerAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateBrokerAccount(_ context.Context, a *model.BrokerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; !ok {
		return fmt.Errorf("%w: broker account %s", ErrNotFound, a.ID)
	}
	s.accounts[a.ID] = copyAccount(a)
	return nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("%w: execution %s", ErrAlreadyExists, e.ID)
	}
	s.executions[e.ID] = copyExecution(e)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return copyExecution(e), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[e.ID]; !ok {
		return fmt.Errorf("%w: execution %s", ErrNotFound, e.ID)
	}
	s.executions[e.ID] = copyExecution(e)
	return nil
}

func (s *MemoryStore) ListExecutionsByStrategy(_ context.Context, strategyID string, limit int) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Execution
	for _, e := range s.executions {
		if e.StrategyID == strategyID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
