// Command relayctl is the operator CLI for the relay. Broker commands
// connect straight to the brokers in the config file; signal posts a
// webhook to a running relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/trade-relay/internal/config"
	"github.com/atmx/trade-relay/internal/manager"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect brokers and send signals to the trade relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log broker activity to stderr")

	connect := func(ctx context.Context) (*manager.Manager, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return connectBrokers(ctx, cfg)
	}

	root.AddCommand(
		cmdKinds(),
		cmdBrokers(connect),
		cmdPositions(connect),
		cmdAccount(connect),
		cmdQuote(connect),
		cmdOrder(connect),
		cmdClose(connect),
		cmdSignal(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// connectFunc loads the config and connects its brokers.
type connectFunc func(ctx context.Context) (*manager.Manager, error)

// connectBrokers registers every configured broker. Brokers that fail to
// connect are reported and skipped.
func connectBrokers(ctx context.Context, cfg *config.Config) (*manager.Manager, error) {
	m := manager.New()
	for _, b := range cfg.Brokers {
		if err := m.AddBroker(ctx, b.ID, b.Kind, b.BrokerConfig()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: broker %s unavailable: %v\n", b.ID, err)
			continue
		}
		if b.Default {
			m.SetDefault(b.ID)
		}
	}
	if len(m.ListBrokers()) == 0 {
		return nil, fmt.Errorf("no brokers connected; configure brokers in the config file or via APCA_*/IB_* env vars")
	}
	return m, nil
}

// withBrokers runs fn against a connected manager and shuts it down after.
func withBrokers(cmd *cobra.Command, connect connectFunc, fn func(ctx context.Context, m *manager.Manager) error) error {
	ctx := cmd.Context()
	m, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(shutdownCtx)
	}()
	return fn(ctx, m)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
