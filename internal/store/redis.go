package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trade-relay/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// strategies, broker accounts and executions. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. Redis failures degrade to primary reads.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Strategies ---

func (s *CachedStore) CreateStrategy(ctx context.Context, st *model.Strategy) error {
	if err := s.primary.CreateStrategy(ctx, st); err != nil {
		return err
	}
	s.put(ctx, strategyKey(st.ID), st)
	return nil
}

func (s *CachedStore) GetStrategy(ctx context.Context, id string) (*model.Strategy, error) {
	var st model.Strategy
	if s.get(ctx, strategyKey(id), &st) {
		return &st, nil
	}
	got, err := s.primary.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, strategyKey(id), got)
	return got, nil
}

func (s *CachedStore) UpdateStrategy(ctx context.Context, st *model.Strategy) error {
	if err := s.primary.UpdateStrategy(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, strategyKey(st.ID))
	return nil
}

// --- Broker accounts ---

func (s *CachedStore) CreateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error {
	if err := s.primary.CreateBrokerAccount(ctx, a); err != nil {
		return err
	}
	s.put(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) GetBrokerAccount(ctx context.Context, id string) (*model.BrokerAccount, error) {
	var a model.BrokerAccount
	if s.get(ctx, accountKey(id), &a) {
		return &a, nil
	}
	got, err := s.primary.GetBrokerAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, accountKey(id), got)
	return got, nil
}

func (s *CachedStore) UpdateBrokerAccount(ctx context.Context, a *model.BrokerAccount) error {
	if err := s.primary.UpdateBrokerAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.ID))
	return nil
}

// --- Executions ---

func (s *CachedStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	return s.primary.CreateExecution(ctx, e)
}

// GetExecution caches only settled executions; pending ones change under
// the async pipeline.
func (s *CachedStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var e model.Execution
	if s.get(ctx, executionKey(id), &e) {
		return &e, nil
	}
	got, err := s.primary.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if got.Status.Terminal() {
		s.put(ctx, executionKey(id), got)
	}
	return got, nil
}

func (s *CachedStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	if err := s.primary.UpdateExecution(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, executionKey(e.ID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	return s.primary.ListStrategies(ctx)
}

func (s *CachedStore) ListBrokerAccounts(ctx context.Context) ([]model.BrokerAccount, error) {
	return s.primary.ListBrokerAccounts(ctx)
}

func (s *CachedStore) ListExecutionsByStrategy(ctx context.Context, strategyID string, limit int) ([]model.Execution, error) {
	return s.primary.ListExecutionsByStrategy(ctx, strategyID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func strategyKey(id string) string  { return fmt.Sprintf("strategy:%s", id) }
func accountKey(id string) string   { return fmt.Sprintf("broker_account:%s", id) }
func executionKey(id string) string { return fmt.Sprintf("execution:%s", id) }
