package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/broker/rest"
	"github.com/atmx/trade-relay/internal/broker/socket"
	"github.com/atmx/trade-relay/internal/execution"
)

var envVars = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "SQLITE_PATH", "LOG_LEVEL", "TEST_MODE",
	"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "APCA_PAPER",
	"IB_HOST", "IB_PORT", "IB_CLIENT_ID", "IB_ACCOUNT_ID",
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Addr() != ":8080" {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Risk.DayTradeEquityThreshold != 25000 || cfg.Risk.DayTradeLimit != 3 {
		t.Errorf("day-trade defaults = %+v", cfg.Risk)
	}
	if cfg.Risk.Slippage() != execution.FailOpen {
		t.Errorf("slippage policy = %s", cfg.Risk.Slippage())
	}
	if cfg.Risk.DayTradeWindow != 120*time.Hour || cfg.Risk.DailyLossWindow != 24*time.Hour {
		t.Errorf("windows = %v / %v", cfg.Risk.DayTradeWindow, cfg.Risk.DailyLossWindow)
	}
	if len(cfg.Brokers) != 0 || cfg.TestMode {
		t.Errorf("unexpected brokers/test mode: %+v", cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
server:
  port: 9000
  read_timeout: 5s
storage:
  sqlite_path: /tmp/relay.db
  cache_ttl: 1m
logging:
  level: debug
brokers:
  - id: alpaca-paper
    kind: alpaca
    default: true
    config:
      api_key: key
      secret_key: secret
      paper: true
  - id: ib-live
    kind: interactive_brokers
    config:
      host: 10.0.0.5
      port: 4001
      account_id: U123
risk:
  slippage_policy: fail_closed
  max_order_qty: 500
  day_trade_window: 72h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	// Unset fields keep their defaults.
	if cfg.Server.WriteTimeout != 10*time.Second || cfg.Risk.DayTradeLimit != 3 {
		t.Errorf("defaults lost: %+v %+v", cfg.Server, cfg.Risk)
	}
	if cfg.Storage.SQLitePath != "/tmp/relay.db" || cfg.Storage.CacheTTL != time.Minute {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.Logging.SlogLevel())
	}
	if len(cfg.Brokers) != 2 || !cfg.Brokers[0].Default {
		t.Fatalf("brokers = %+v", cfg.Brokers)
	}

	ib := cfg.Brokers[1].BrokerConfig()
	if port, err := ib.IntOr("port", 0); err != nil || port != 4001 {
		t.Errorf("ib port = %d, %v", port, err)
	}
	if acct, _ := ib.String("account_id"); acct != "U123" {
		t.Errorf("ib account = %q", acct)
	}
	if !cfg.Brokers[0].BrokerConfig().BoolOr("paper", false) {
		t.Error("alpaca paper flag lost")
	}

	if cfg.Risk.Slippage() != execution.FailClosed {
		t.Errorf("slippage = %s", cfg.Risk.Slippage())
	}
	if !cfg.Risk.Limits().MaxOrderQuantity.Equal(decimal.NewFromInt(500)) {
		t.Errorf("limits = %+v", cfg.Risk.Limits())
	}
	if cfg.Risk.DayTradeWindow != 72*time.Hour {
		t.Errorf("day trade window = %v", cfg.Risk.DayTradeWindow)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://relay@localhost/relay")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("TEST_MODE", "true")
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "env-secret")
	t.Setenv("IB_ACCOUNT_ID", "DU999")
	t.Setenv("IB_PORT", "7497")

	path := writeConfig(t, `
brokers:
  - id: alpaca-main
    kind: alpaca
    config:
      api_key: file-key
      secret_key: file-secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Storage.DatabaseURL == "" || !cfg.TestMode {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Logging.SlogLevel() != slog.LevelWarn {
		t.Errorf("level = %v", cfg.Logging.SlogLevel())
	}

	// Alpaca env vars land on the configured alpaca broker.
	if len(cfg.Brokers) != 2 {
		t.Fatalf("brokers = %+v", cfg.Brokers)
	}
	alpaca := cfg.Brokers[0]
	if alpaca.ID != "alpaca-main" || alpaca.Config["api_key"] != "env-key" || alpaca.Config["secret_key"] != "env-secret" {
		t.Errorf("alpaca = %+v", alpaca)
	}

	// IB env vars add a broker when none is configured.
	ib := cfg.Brokers[1]
	if ib.ID != "ib" || ib.Kind != socket.Kind {
		t.Errorf("ib = %+v", ib)
	}
	if port, _ := ib.BrokerConfig().IntOr("port", 0); port != 7497 {
		t.Errorf("ib port = %d", port)
	}
}

func TestEnvOverrides_Invalid(t *testing.T) {
	for _, tt := range []struct{ key, val string }{
		{"PORT", "eighty"},
		{"TEST_MODE", "sometimes"},
	} {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("expected %s error, got %v", tt.key, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown kind", func(c *Config) {
			c.Brokers = []Broker{{ID: "x", Kind: "carrier-pigeon"}}
		}, `unknown kind "carrier-pigeon"`},
		{"duplicate id", func(c *Config) {
			c.Brokers = []Broker{{ID: "a", Kind: rest.Kind}, {ID: "a", Kind: socket.Kind}}
		}, `duplicate id "a"`},
		{"missing id", func(c *Config) {
			c.Brokers = []Broker{{Kind: rest.Kind}}
		}, "id is required"},
		{"two defaults", func(c *Config) {
			c.Brokers = []Broker{{ID: "a", Kind: rest.Kind, Default: true}, {ID: "b", Kind: rest.Kind, Default: true}}
		}, "more than one default"},
		{"zero threshold", func(c *Config) { c.Risk.DayTradeEquityThreshold = 0 }, "day_trade_equity_threshold"},
		{"negative limit", func(c *Config) { c.Risk.DayTradeLimit = -1 }, "day_trade_limit"},
		{"zero window", func(c *Config) { c.Risk.DailyLossWindow = 0 }, "reset windows"},
		{"negative risk limit", func(c *Config) { c.Risk.MaxOrderNotional = -5 }, "must not be negative"},
		{"bad policy", func(c *Config) { c.Risk.SlippagePolicy = "shrug" }, "slippage policy"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
