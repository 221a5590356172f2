// Package manager owns the set of live broker connections, routes order and
// query calls to the right adapter, and fans aggregate queries out across
// every connected adapter.
//
// A Manager is constructed at the composition root and passed to whatever
// needs it; Shutdown ties its lifetime to the owner's teardown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/metrics"
	"github.com/atmx/trade-relay/internal/model"
)

var (
	ErrBrokerNotFound     = errors.New("manager: broker not found")
	ErrBrokerNotConnected = errors.New("manager: broker not connected")
)

// NotFoundError reports an id (or the default, when ID is empty) that
// resolves to no registered broker.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return "manager: no default broker configured"
	}
	return fmt.Sprintf("manager: broker %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrBrokerNotFound }

// NotConnectedError reports a registered broker whose session is down.
type NotConnectedError struct {
	ID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("manager: broker %q is not connected", e.ID)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrBrokerNotConnected }

// Info describes one registry entry.
type Info struct {
	ID              string             `json:"id"`
	Kind            string             `json:"kind"`
	Name            string             `json:"name"`
	Connected       bool               `json:"connected"`
	SupportedAssets []model.AssetClass `json:"supported_assets"`
	IsDefault       bool               `json:"is_default"`
}

type entry struct {
	kind string
	b    broker.Broker
}

// Manager is safe for concurrent use. Registry mutations take the write
// lock; routing takes the read lock. Broker I/O never runs under the lock.
type Manager struct {
	mu        sync.RWMutex
	brokers   map[string]*entry
	defaultID string

	factories map[string]broker.Factory
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory overrides the adapter factory for kind. Kinds without an
// override fall back to the broker registry.
func WithFactory(kind string, f broker.Factory) Option {
	return func(m *Manager) { m.factories[kind] = f }
}

// WithLogger sets the logger handed to the manager and its adapters.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		brokers:   make(map[string]*entry),
		factories: make(map[string]broker.Factory),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) build(kind string, cfg broker.Config) (broker.Broker, error) {
	if f, ok := m.factories[kind]; ok {
		return f(cfg, m.logger)
	}
	return broker.New(kind, cfg, m.logger)
}

// AddBroker builds an adapter of kind, connects it and registers it under
// id. Construction errors (missing credentials, unknown kind) leave the
// registry untouched. An existing entry under id is disconnected before the
// new adapter connects, so a failed replacement leaves id unregistered.
func (m *Manager) AddBroker(ctx context.Context, id, kind string, cfg broker.Config) error {
	b, err := m.build(kind, cfg)
	if err != nil {
		m.logger.Error("broker construction failed", "broker_id", id, "kind", kind, "err", err)
		return err
	}
	return m.attach(ctx, id, kind, b)
}

// Attach connects an already-built adapter and registers it under id.
func (m *Manager) Attach(ctx context.Context, id string, b broker.Broker) error {
	return m.attach(ctx, id, b.Name(), b)
}

func (m *Manager) attach(ctx context.Context, id, kind string, b broker.Broker) error {
	if _, ok := m.lookup(id); ok {
		m.logger.Info("replacing broker", "broker_id", id)
		if err := m.RemoveBroker(ctx, id); err != nil && !errors.Is(err, ErrBrokerNotFound) {
			m.logger.Warn("removing replaced broker failed", "broker_id", id, "err", err)
		}
	}

	if err := b.Connect(ctx); err != nil {
		m.logger.Error("broker connect failed", "broker_id", id, "kind", kind, "err", err)
		return fmt.Errorf("manager: connect %q: %w", id, err)
	}

	m.mu.Lock()
	displaced := m.brokers[id]
	m.brokers[id] = &entry{kind: kind, b: b}
	if m.defaultID == "" {
		m.defaultID = id
	}
	isDefault := m.defaultID == id
	m.mu.Unlock()

	if displaced != nil && displaced.b != b {
		_ = displaced.b.Disconnect(ctx)
	}
	metrics.SetConnected(id, true)
	m.logger.Info("broker added", "broker_id", id, "kind", kind, "name", b.Name(), "default", isDefault)
	return nil
}

// RemoveBroker disconnects and evicts id. If it was the default, another
// remaining id (lowest in sort order) becomes the default.
func (m *Manager) RemoveBroker(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.brokers[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	delete(m.brokers, id)
	if m.defaultID == id {
		m.defaultID = ""
		if ids := m.sortedIDsLocked(); len(ids) > 0 {
			m.defaultID = ids[0]
		}
	}
	newDefault := m.defaultID
	m.mu.Unlock()

	if err := e.b.Disconnect(ctx); err != nil {
		m.logger.Warn("broker disconnect failed", "broker_id", id, "err", err)
	}
	metrics.SetConnected(id, false)
	m.logger.Info("broker removed", "broker_id", id, "default", newDefault)
	return nil
}

// GetBroker returns the adapter for id; an empty id means the default.
func (m *Manager) GetBroker(id string) (broker.Broker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == "" {
		id = m.defaultID
	}
	e, ok := m.brokers[id]
	if !ok {
		return nil, false
	}
	return e.b, true
}

func (m *Manager) lookup(id string) (broker.Broker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.brokers[id]
	if !ok {
		return nil, false
	}
	return e.b, true
}

// DefaultID returns the current default broker id, or "".
func (m *Manager) DefaultID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultID
}

// SetDefault marks a registered id as the default.
func (m *Manager) SetDefault(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.brokers[id]; !ok {
		return &NotFoundError{ID: id}
	}
	m.defaultID = id
	return nil
}

// ListBrokers describes every registry entry, sorted by id.
func (m *Manager) ListBrokers() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.brokers))
	for _, id := range m.sortedIDsLocked() {
		e := m.brokers[id]
		out = append(out, Info{
			ID:              id,
			Kind:            e.kind,
			Name:            e.b.Name(),
			Connected:       e.b.IsConnected(),
			SupportedAssets: e.b.SupportedAssetClasses(),
			IsDefault:       id == m.defaultID,
		})
	}
	return out
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.brokers))
	for id := range m.brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// resolve finds a connected adapter for id (empty means default).
func (m *Manager) resolve(id string) (string, broker.Broker, error) {
	m.mu.RLock()
	if id == "" {
		id = m.defaultID
	}
	e, ok := m.brokers[id]
	m.mu.RUnlock()

	if !ok {
		return id, nil, &NotFoundError{ID: id}
	}
	if !e.b.IsConnected() {
		return id, nil, &NotConnectedError{ID: id}
	}
	return id, e.b, nil
}

// PlaceOrder routes req to id (or the default).
func (m *Manager) PlaceOrder(ctx context.Context, id string, req model.OrderRequest) (*model.OrderResult, error) {
	resolved, b, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	res, err := b.PlaceOrder(ctx, req)
	if err != nil {
		m.logger.Error("order placement failed", "broker_id", resolved, "symbol", req.Symbol, "err", err)
		return nil, err
	}
	return res, nil
}

// CancelOrder routes a cancellation to id (or the default).
func (m *Manager) CancelOrder(ctx context.Context, id, orderID string) error {
	_, b, err := m.resolve(id)
	if err != nil {
		return err
	}
	return b.CancelOrder(ctx, orderID)
}

// GetOrderStatus routes a status query to id (or the default).
func (m *Manager) GetOrderStatus(ctx context.Context, id, orderID string) (*model.OrderResult, error) {
	_, b, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	return b.GetOrderStatus(ctx, orderID)
}

// GetAccountInfo queries a single broker.
func (m *Manager) GetAccountInfo(ctx context.Context, id string) (*model.AccountInfo, error) {
	_, b, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	return b.GetAccountInfo(ctx)
}

// GetPositions queries a single broker's open positions.
func (m *Manager) GetPositions(ctx context.Context, id string) ([]model.Position, error) {
	_, b, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	return b.GetPositions(ctx)
}

// Quote prices a symbol through id (or the default). Adapters without a
// quote capability return broker.ErrUnsupported.
func (m *Manager) Quote(ctx context.Context, id, symbol string, class model.AssetClass) (*model.Quote, error) {
	resolved, b, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	q, ok := b.(broker.Quoter)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no quote feed", broker.ErrUnsupported, resolved)
	}
	return q.GetQuote(ctx, symbol, class)
}

// ClosePosition flattens symbol through id (or the default).
func (m *Manager) ClosePosition(ctx context.Context, id, symbol string) (*model.OrderResult, error) {
	resolved, b, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	c, ok := b.(broker.PositionCloser)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot close positions", broker.ErrUnsupported, resolved)
	}
	return c.ClosePosition(ctx, symbol)
}

// ValidateSymbol checks symbol against id, or against every connected
// broker when id is empty (true if any accepts it).
func (m *Manager) ValidateSymbol(ctx context.Context, id, symbol string) bool {
	if id != "" {
		_, b, err := m.resolve(id)
		if err != nil {
			return false
		}
		return b.ValidateSymbol(ctx, symbol)
	}
	for _, nb := range m.connected() {
		if nb.b.ValidateSymbol(ctx, symbol) {
			return true
		}
	}
	return false
}

// BrokersForAssetClass returns the connected broker ids that trade class,
// sorted.
func (m *Manager) BrokersForAssetClass(class model.AssetClass) []string {
	var ids []string
	for _, nb := range m.connected() {
		if broker.Supports(nb.b, class) {
			ids = append(ids, nb.id)
		}
	}
	return ids
}

type namedBroker struct {
	id string
	b  broker.Broker
}

func (m *Manager) snapshot() []namedBroker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]namedBroker, 0, len(m.brokers))
	for _, id := range m.sortedIDsLocked() {
		out = append(out, namedBroker{id: id, b: m.brokers[id].b})
	}
	return out
}

func (m *Manager) connected() []namedBroker {
	all := m.snapshot()
	out := all[:0]
	for _, nb := range all {
		if nb.b.IsConnected() {
			out = append(out, nb)
		}
	}
	return out
}

// AllPositions queries every connected broker concurrently. A broker whose
// query fails is logged and left out of the result.
func (m *Manager) AllPositions(ctx context.Context) map[string][]model.Position {
	targets := m.connected()
	results := make([][]model.Position, len(targets))
	ok := make([]bool, len(targets))

	var g errgroup.Group
	for i, nb := range targets {
		g.Go(func() error {
			positions, err := nb.b.GetPositions(ctx)
			if err != nil {
				m.logger.Warn("positions query failed", "broker_id", nb.id, "err", err)
				metrics.BrokerQueryFailures.WithLabelValues(nb.id, "get_positions").Inc()
				return nil
			}
			results[i], ok[i] = positions, true
			return nil
		})
	}
	g.Wait()

	out := make(map[string][]model.Position, len(targets))
	for i, nb := range targets {
		if ok[i] {
			out[nb.id] = results[i]
		}
	}
	return out
}

// AllAccountInfo queries every connected broker concurrently, with the same
// failure isolation as AllPositions.
func (m *Manager) AllAccountInfo(ctx context.Context) map[string]*model.AccountInfo {
	targets := m.connected()
	results := make([]*model.AccountInfo, len(targets))

	var g errgroup.Group
	for i, nb := range targets {
		g.Go(func() error {
			info, err := nb.b.GetAccountInfo(ctx)
			if err != nil {
				m.logger.Warn("account query failed", "broker_id", nb.id, "err", err)
				metrics.BrokerQueryFailures.WithLabelValues(nb.id, "get_account").Inc()
				return nil
			}
			results[i] = info
			return nil
		})
	}
	g.Wait()

	out := make(map[string]*model.AccountInfo, len(targets))
	for i, nb := range targets {
		if results[i] != nil {
			out[nb.id] = results[i]
		}
	}
	return out
}

// HealthCheck sweeps every registered broker concurrently. A broker that
// panics or errors counts as unhealthy.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	targets := m.snapshot()
	results := make([]bool, len(targets))

	var g errgroup.Group
	for i, nb := range targets {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("health check panicked", "broker_id", nb.id, "panic", r)
				}
			}()
			results[i] = nb.b.HealthCheck(ctx)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]bool, len(targets))
	for i, nb := range targets {
		out[nb.id] = results[i]
		metrics.SetConnected(nb.id, results[i])
	}
	return out
}

// Shutdown disconnects every broker concurrently and clears the registry.
// Per-broker failures are logged and otherwise ignored.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	targets := make([]namedBroker, 0, len(m.brokers))
	for id, e := range m.brokers {
		targets = append(targets, namedBroker{id: id, b: e.b})
	}
	m.brokers = make(map[string]*entry)
	m.defaultID = ""
	m.mu.Unlock()

	var g errgroup.Group
	for _, nb := range targets {
		g.Go(func() error {
			if err := nb.b.Disconnect(ctx); err != nil {
				m.logger.Warn("broker disconnect failed during shutdown", "broker_id", nb.id, "err", err)
			}
			metrics.SetConnected(nb.id, false)
			return nil
		})
	}
	g.Wait()
	m.logger.Info("broker manager shut down", "brokers", len(targets))
}
