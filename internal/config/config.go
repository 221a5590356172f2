// Package config loads the relay configuration from an optional YAML file,
// an optional .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/broker/rest"
	"github.com/atmx/trade-relay/internal/broker/socket"
	"github.com/atmx/trade-relay/internal/execution"
	"github.com/atmx/trade-relay/internal/risk"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level relay configuration.
type Config struct {
	Server  Server   `yaml:"server"`
	Storage Storage  `yaml:"storage"`
	Logging Logging  `yaml:"logging"`
	Brokers []Broker `yaml:"brokers"`
	Risk    Risk     `yaml:"risk"`

	// TestMode forces every webhook through the synthetic path.
	TestMode bool `yaml:"test_mode"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects the store backend. DatabaseURL wins over SQLitePath; with
// neither set the relay runs on the in-memory store.
type Storage struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	SQLitePath  string        `yaml:"sqlite_path"`
}

// Logging configures the slog handler.
type Logging struct {
	Level string `yaml:"level"`
}

// Broker is one adapter instance registered with the manager at startup.
type Broker struct {
	ID      string         `yaml:"id"`
	Kind    string         `yaml:"kind"`
	Default bool           `yaml:"default"`
	Config  map[string]any `yaml:"config"`
}

// Risk holds the execution pre-check parameters. Zero order and position
// limits disable those checks.
type Risk struct {
	DayTradeEquityThreshold float64       `yaml:"day_trade_equity_threshold"`
	DayTradeLimit           int           `yaml:"day_trade_limit"`
	SlippagePolicy          string        `yaml:"slippage_policy"`
	MaxOrderQty             float64       `yaml:"max_order_qty"`
	MaxOrderNotional        float64       `yaml:"max_order_notional"`
	MaxPosition             float64       `yaml:"max_position"`
	MaxCorrelated           float64       `yaml:"max_correlated"`
	DayTradeWindow          time.Duration `yaml:"day_trade_window"`
	DailyLossWindow         time.Duration `yaml:"daily_loss_window"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{
			CacheTTL: 30 * time.Second,
		},
		Logging: Logging{Level: "info"},
		Risk: Risk{
			DayTradeEquityThreshold: 25000,
			DayTradeLimit:           3,
			SlippagePolicy:          string(execution.FailOpen),
			DayTradeWindow:          120 * time.Hour,
			DailyLossWindow:         24 * time.Hour,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads an optional .env file, then the YAML file at path (if path is
// non-empty) over the defaults, then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set. Brokerage
// credentials attach to the first configured broker of the matching kind, or
// add one when none is configured.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TEST_MODE"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: TEST_MODE: %w", err)
		}
		cfg.TestMode = on
	}

	// Standard Alpaca env vars, the names the SDK itself reads.
	envBroker(cfg, rest.Kind, "alpaca", map[string]string{
		"APCA_API_KEY_ID":     "api_key",
		"APCA_API_SECRET_KEY": "secret_key",
		"APCA_PAPER":          "paper",
	})
	envBroker(cfg, socket.Kind, "ib", map[string]string{
		"IB_HOST":       "host",
		"IB_PORT":       "port",
		"IB_CLIENT_ID":  "client_id",
		"IB_ACCOUNT_ID": "account_id",
	})
	return nil
}

func envBroker(cfg *Config, kind, id string, vars map[string]string) {
	var target *Broker
	for env, key := range vars {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		if target == nil {
			target = cfg.brokerOfKind(kind)
			if target == nil {
				cfg.Brokers = append(cfg.Brokers, Broker{ID: id, Kind: kind})
				target = &cfg.Brokers[len(cfg.Brokers)-1]
			}
			if target.Config == nil {
				target.Config = map[string]any{}
			}
		}
		target.Config[key] = v
	}
}

func (c *Config) brokerOfKind(kind string) *Broker {
	for i := range c.Brokers {
		if c.Brokers[i].Kind == kind {
			return &c.Brokers[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	known := map[string]bool{}
	for _, k := range broker.Kinds() {
		known[k] = true
	}
	seen := map[string]bool{}
	defaults := 0
	for i, b := range c.Brokers {
		switch {
		case b.ID == "":
			errs = append(errs, fmt.Errorf("brokers[%d]: id is required", i))
		case seen[b.ID]:
			errs = append(errs, fmt.Errorf("brokers[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		if !known[b.Kind] {
			errs = append(errs, fmt.Errorf("brokers[%d]: unknown kind %q (known: %s)",
				i, b.Kind, strings.Join(broker.Kinds(), ", ")))
		}
		if b.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, errors.New("brokers: more than one default"))
	}

	r := c.Risk
	if r.DayTradeEquityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("risk.day_trade_equity_threshold must be positive, got %v", r.DayTradeEquityThreshold))
	}
	if r.DayTradeLimit <= 0 {
		errs = append(errs, fmt.Errorf("risk.day_trade_limit must be positive, got %d", r.DayTradeLimit))
	}
	if r.DayTradeWindow <= 0 || r.DailyLossWindow <= 0 {
		errs = append(errs, errors.New("risk: reset windows must be positive"))
	}
	if r.MaxOrderQty < 0 || r.MaxOrderNotional < 0 || r.MaxPosition < 0 || r.MaxCorrelated < 0 {
		errs = append(errs, errors.New("risk: limits must not be negative"))
	}
	if _, err := execution.ParseSlippagePolicy(r.SlippagePolicy); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Addr is the listen address for the HTTP server.
func (s Server) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// SlogLevel returns the configured level, or info when it is unparseable.
func (l Logging) SlogLevel() slog.Level {
	lvl, err := parseLevel(l.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// BrokerConfig converts the YAML map into the adapter config type.
func (b Broker) BrokerConfig() broker.Config {
	cfg := broker.Config{}
	for k, v := range b.Config {
		cfg[k] = v
	}
	return cfg
}

// DayTradePolicy builds the equity-threshold policy.
func (r Risk) DayTradePolicy() execution.EquityThresholdPolicy {
	return execution.EquityThresholdPolicy{
		Threshold: decimal.NewFromFloat(r.DayTradeEquityThreshold),
		Limit:     r.DayTradeLimit,
	}
}

// Slippage returns the parsed slippage policy, defaulting to fail-open.
func (r Risk) Slippage() execution.SlippagePolicy {
	p, err := execution.ParseSlippagePolicy(r.SlippagePolicy)
	if err != nil {
		return execution.FailOpen
	}
	return p
}

// Limits converts the configured ceilings for the risk limiter.
func (r Risk) Limits() risk.Limits {
	return risk.Limits{
		MaxOrderQuantity: decimal.NewFromFloat(r.MaxOrderQty),
		MaxOrderNotional: decimal.NewFromFloat(r.MaxOrderNotional),
		MaxPosition:      decimal.NewFromFloat(r.MaxPosition),
		MaxCorrelated:    decimal.NewFromFloat(r.MaxCorrelated),
	}
}
