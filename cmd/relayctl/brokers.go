package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atmx/trade-relay/internal/broker"
	"github.com/atmx/trade-relay/internal/manager"
	"github.com/atmx/trade-relay/internal/model"
)

// ---- kinds ----

func cmdKinds() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the broker kinds this build can construct",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range broker.Kinds() {
				fmt.Println(k)
			}
			return nil
		},
	}
}

// ---- brokers ----

func cmdBrokers(connect connectFunc) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "brokers",
		Short: "Connect the configured brokers and report their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrokers(cmd, connect, func(ctx context.Context, m *manager.Manager) error {
				infos := m.ListBrokers()
				health := m.HealthCheck(ctx)
				if asJSON {
					return printJSON(map[string]any{"brokers": infos, "health": health})
				}

				fmt.Printf("%-16s %-22s %-10s %-8s %s\n", "ID", "KIND", "CONNECTED", "HEALTHY", "ASSETS")
				fmt.Println(strings.Repeat("-", 72))
				for _, info := range infos {
					id := info.ID
					if info.IsDefault {
						id += "*"
					}
					assets := make([]string, len(info.SupportedAssets))
					for i, a := range info.SupportedAssets {
						assets[i] = string(a)
					}
					fmt.Printf("%-16s %-22s %-10t %-8t %s\n",
						id, info.Kind, info.Connected, health[info.ID], strings.Join(assets, ","))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// ---- positions ----

func cmdPositions(connect connectFunc) *cobra.Command {
	var (
		brokerID string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List open positions across brokers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrokers(cmd, connect, func(ctx context.Context, m *manager.Manager) error {
				all := map[string][]model.Position{}
				if brokerID != "" {
					positions, err := m.GetPositions(ctx, brokerID)
					if err != nil {
						return err
					}
					all[brokerID] = positions
				} else {
					all = m.AllPositions(ctx)
				}
				if asJSON {
					return printJSON(all)
				}

				ids := make([]string, 0, len(all))
				for id := range all {
					ids = append(ids, id)
				}
				sort.Strings(ids)

				fmt.Printf("%-12s %-12s %-6s %12s %12s %14s %12s\n",
					"BROKER", "SYMBOL", "SIDE", "QTY", "AVG ENTRY", "MKT VALUE", "P&L")
				fmt.Println(strings.Repeat("-", 86))
				count := 0
				for _, id := range ids {
					for _, p := range all[id] {
						count++
						fmt.Printf("%-12s %-12s %-6s %12s %12s %14s %12s\n",
							id, p.Symbol, p.Side, p.Quantity.String(), p.AvgEntryPrice.StringFixed(2),
							p.MarketValue.StringFixed(2), p.UnrealizedPnL.StringFixed(2))
					}
				}
				fmt.Printf("\n%d positions\n", count)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&brokerID, "broker", "b", "", "Broker id (default: all connected brokers)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// ---- account ----

func cmdAccount(connect connectFunc) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "account",
		Short: "Show balances for every connected broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrokers(cmd, connect, func(ctx context.Context, m *manager.Manager) error {
				accounts := m.AllAccountInfo(ctx)
				if asJSON {
					return printJSON(accounts)
				}

				ids := make([]string, 0, len(accounts))
				for id := range accounts {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					a := accounts[id]
					fmt.Printf("%s (%s)\n", id, a.AccountID)
					fmt.Printf("  Cash:            %s %s\n", a.CashBalance.StringFixed(2), a.Currency)
					fmt.Printf("  Buying power:    %s\n", a.BuyingPower.StringFixed(2))
					fmt.Printf("  Portfolio value: %s\n", a.TotalPortfolioValue.StringFixed(2))
					if a.DayTradesRemaining != nil {
						fmt.Printf("  Day trades left: %d\n", *a.DayTradesRemaining)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// ---- quote ----

func cmdQuote(connect connectFunc) *cobra.Command {
	var (
		brokerID   string
		assetClass string
	)

	cmd := &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Fetch the top of book for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := broker.ParseAssetClass(assetClass)
			if err != nil {
				return err
			}
			return withBrokers(cmd, connect, func(ctx context.Context, m *manager.Manager) error {
				q, err := m.Quote(ctx, brokerID, strings.ToUpper(args[0]), class)
				if err != nil {
					return err
				}
				fmt.Printf("%s  bid %s  ask %s  (%s)\n",
					q.Symbol, q.BidPrice.String(), q.AskPrice.String(), q.Timestamp.Format("15:04:05"))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&brokerID, "broker", "b", "", "Broker id (default: the default broker)")
	cmd.Flags().StringVar(&assetClass, "asset-class", "stocks", "Asset class: stocks, crypto, forex, options, futures")
	return cmd
}

// ---- order ----

func cmdOrder(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect or cancel a broker order",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <broker> <order-id>",
			Short: "Show the normalized status of an order",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBrokers(cmd, connect, func(ctx context.Context, m *manager.Manager) error {
					res, err := m.GetOrderStatus(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return printJSON(res)
				})
			},
		},
		&cobra.Command{
			Use:   "cancel <broker> <order-id>",
			Short: "Cancel an order",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBrokers(cmd, connect, func(ctx context.Context, m *manager.Manager) error {
					if err := m.CancelOrder(ctx, args[0], args[1]); err != nil {
						return err
					}
					fmt.Printf("Order %s cancelled\n", args[1])
					return nil
				})
			},
		},
	)
	return cmd
}

// ---- close ----

func cmdClose(connect connectFunc) *cobra.Command {
	var brokerID string

	cmd := &cobra.Command{
		Use:   "close <symbol>",
		Short: "Flatten the position in a symbol at market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrokers(cmd, connect, func(ctx context.Context, m *manager.Manager) error {
				res, err := m.ClosePosition(ctx, brokerID, strings.ToUpper(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("Close submitted: %s %s %s (order %s, %s)\n",
					res.Side, res.Quantity.String(), res.Symbol, res.OrderID, res.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&brokerID, "broker", "b", "", "Broker id (default: the default broker)")
	return cmd
}
