// Package webhook provides the HTTP surface of the relay: the signal
// endpoint that turns alerts into executions, operator views over the
// broker manager, and a WebSocket feed of execution events.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/execution"
	"github.com/atmx/trade-relay/internal/keylock"
	"github.com/atmx/trade-relay/internal/manager"
	"github.com/atmx/trade-relay/internal/store"
)

// DefaultExecutionTimeout bounds one asynchronous execution.
const DefaultExecutionTimeout = 30 * time.Second

// writeTimeout bounds the store writes that record an execution's outcome.
const writeTimeout = 5 * time.Second

// ErrShuttingDown is reported to webhooks that arrive after Shutdown.
var ErrShuttingDown = errors.New("webhook: service shutting down")

// Service handles webhook deliveries and operator queries. Asynchronous
// executions run on goroutines owned by the service; Shutdown waits for
// them.
type Service struct {
	store    store.Store
	brokers  *manager.Manager
	pipeline *execution.Pipeline
	hub      *Hub // optional WebSocket hub for execution events

	logger      *slog.Logger
	now         func() time.Time
	forceTest   bool
	execTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex // guards closing and wg.Add
	closing bool

	locks    keylock.Table
	stratsMu sync.Mutex // serializes strategy counter updates
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithForcedTestMode sends every webhook through the synthetic path.
func WithForcedTestMode(on bool) Option {
	return func(s *Service) { s.forceTest = on }
}

// WithExecutionTimeout bounds each asynchronous execution.
func WithExecutionTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.execTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a webhook service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, brokers *manager.Manager, pipeline *execution.Pipeline, hub *Hub, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:       st,
		brokers:     brokers,
		pipeline:    pipeline,
		hub:         hub,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		execTimeout: DefaultExecutionTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the API routes on r. Callers mount it under /api/v1.
func (s *Service) Register(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	// Signal intake.
	r.Post("/webhook/{strategyID}", s.HandleWebhook)
	r.Post("/webhook/{strategyID}/test", s.TestWebhook)
	r.Get("/webhook/{strategyID}/status", s.WebhookStatus)

	// Records.
	r.Get("/executions/{executionID}", s.GetExecution)
	r.Get("/strategies", s.ListStrategies)
	r.Post("/strategies", s.CreateStrategy)
	r.Get("/strategies/{strategyID}", s.GetStrategy)
	r.Get("/strategies/{strategyID}/executions", s.ListStrategyExecutions)
	r.Get("/strategies/{strategyID}/performance", s.StrategyPerformance)
	r.Post("/strategies/{strategyID}/toggle", s.ToggleStrategy)
	r.Get("/broker-accounts", s.ListBrokerAccounts)
	r.Post("/broker-accounts", s.CreateBrokerAccount)
	r.Post("/broker-accounts/{accountID}/sync", s.SyncBrokerAccount)

	// Live broker views.
	r.Get("/brokers", s.ListBrokers)
	r.Get("/brokers/health", s.BrokersHealth)
	r.Get("/positions", s.Positions)
	r.Get("/accounts", s.Accounts)
	r.Get("/orders/{brokerID}/{orderID}", s.GetOrder)
	r.Delete("/orders/{brokerID}/{orderID}", s.CancelOrder)
}

// Shutdown stops accepting webhooks and waits for in-flight executions
// until ctx is done, then cancels whatever is still running.
func (s *Service) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	s.closing = true
	s.runMu.Unlock()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goExec runs fn on a service-owned goroutine with the execution timeout.
func (s *Service) goExec(fn func(ctx context.Context)) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.execTimeout)
		defer cancel()
		fn(ctx)
	}()
	return nil
}

// writeCtx keeps ctx's values but not its cancellation, so an execution
// that ran out of time is still recorded.
func (s *Service) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func (s *Service) shuttingDown() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.closing
}

func (s *Service) lockAccount(id string) func() {
	return s.locks.Lock(id)
}

// --- Helpers ---

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, broker.ErrInvalidOrderParameters):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, manager.ErrBrokerNotFound),
		errors.Is(err, broker.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, broker.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, manager.ErrBrokerNotConnected), errors.Is(err, broker.ErrNotConnected),
		errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrBrokerQuery):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
