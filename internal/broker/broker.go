// Package broker defines the capability contract every brokerage adapter
// implements, plus the pieces adapters share: typed errors, the status
// fallback, order parameter validation, config accessors and the kind
// registry.
package broker

import (
	"context"
	"sync"

	"github.com/atmx/trade-relay/internal/model"
)

// Broker is the capability set of one brokerage connection.
//
// Connect and Disconnect report failure through the returned error and never
// panic; a failed Connect leaves the adapter disconnected. CancelOrder is
// best-effort. ValidateSymbol and HealthCheck swallow lookup failures and
// answer false.
type Broker interface {
	Name() string
	SupportedAssetClasses() []model.AssetClass
	IsConnected() bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetAccountInfo(ctx context.Context) (*model.AccountInfo, error)
	GetPositions(ctx context.Context) ([]model.Position, error)

	PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*model.OrderResult, error)

	ValidateSymbol(ctx context.Context, symbol string) bool
	HealthCheck(ctx context.Context) bool
}

// Quoter is implemented by adapters that can price a symbol. The execution
// pipeline uses it for slippage checks.
type Quoter interface {
	GetQuote(ctx context.Context, symbol string, class model.AssetClass) (*model.Quote, error)
}

// PositionCloser is implemented by adapters that can flatten a position in
// one call.
type PositionCloser interface {
	ClosePosition(ctx context.Context, symbol string) (*model.OrderResult, error)
}

// Session holds the connection flag and cached account snapshot that every
// adapter carries. Embed it by value.
type Session struct {
	mu        sync.RWMutex
	connected bool
	account   *model.AccountInfo
}

// IsConnected reports the last known connection state.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// CachedAccount returns the snapshot taken at connect time, or nil.
func (s *Session) CachedAccount() *model.AccountInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return nil
	}
	cp := *s.account
	return &cp
}

// MarkConnected flips the session to connected and stores the snapshot.
func (s *Session) MarkConnected(acct *model.AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.account = acct
}

// MarkDisconnected clears the session.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.account = nil
}

// CheckHealth is the shared HealthCheck body: connected and a fresh account
// query succeeds.
func CheckHealth(ctx context.Context, b Broker) bool {
	if !b.IsConnected() {
		return false
	}
	acct, err := b.GetAccountInfo(ctx)
	return err == nil && acct != nil
}

// Supports reports whether b lists class among its asset classes.
func Supports(b Broker, class model.AssetClass) bool {
	for _, c := range b.SupportedAssetClasses() {
		if c == class {
			return true
		}
	}
	return false
}
