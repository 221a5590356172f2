package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/trade-relay/internal/config"
	"github.com/atmx/trade-relay/internal/execution"
	"github.com/atmx/trade-relay/internal/manager"
	"github.com/atmx/trade-relay/internal/metrics"
	"github.com/atmx/trade-relay/internal/risk"
	"github.com/atmx/trade-relay/internal/store"
	"github.com/atmx/trade-relay/internal/webhook"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Brokers ---
	brokers := manager.New(manager.WithLogger(logger))
	for _, b := range cfg.Brokers {
		if err := brokers.AddBroker(ctx, b.ID, b.Kind, b.BrokerConfig()); err != nil {
			// The relay still serves the brokers that did connect.
			slog.Error("broker unavailable", "broker_id", b.ID, "kind", b.Kind, "err", err)
			continue
		}
		if b.Default {
			if err := brokers.SetDefault(b.ID); err != nil {
				slog.Warn("set default broker", "broker_id", b.ID, "err", err)
			}
		}
	}
	if len(brokers.ListBrokers()) == 0 {
		slog.Warn("no brokers connected, only test-mode webhooks can succeed")
	}

	// --- Execution pipeline ---
	pipeline := execution.New(brokers,
		execution.WithLogger(logger),
		execution.WithDayTradePolicy(cfg.Risk.DayTradePolicy()),
		execution.WithSlippagePolicy(cfg.Risk.Slippage()),
		execution.WithLimiter(risk.NewLimiter(cfg.Risk.Limits())),
		execution.WithResetWindows(cfg.Risk.DailyLossWindow, cfg.Risk.DayTradeWindow),
	)

	// --- WebSocket hub ---
	hub := webhook.NewHub()
	go hub.Run(ctx)

	// --- Webhook service ---
	svc := webhook.NewService(st, brokers, pipeline, hub,
		webhook.WithLogger(logger),
		webhook.WithForcedTestMode(cfg.TestMode),
	)
	if cfg.TestMode {
		slog.Warn("TEST_MODE enabled, no orders will reach a broker")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"trade-relay","brokers":%d,"test_mode":%t}`,
			len(brokers.ListBrokers()), cfg.TestMode)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Register)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-relay listening", "addr", srv.Addr, "brokers", len(brokers.ListBrokers()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trade-relay...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("in-flight executions abandoned", "err", err)
	}
	brokers.Shutdown(shutdownCtx)
	fmt.Println("trade-relay stopped")
}

// openStore picks the backend: PostgreSQL (optionally behind a Redis cache),
// then SQLite, then the in-memory store. The returned funcs release it.
func openStore(ctx context.Context, cfg config.Storage) (store.Store, []func(), error) {
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		return st, cleanup, nil

	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
		return lite, cleanup, nil

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}
}
