package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ---- signal ----

func cmdSignal() *cobra.Command {
	var (
		server    string
		action    string
		quantity  string
		price     string
		orderType string
		test      bool
	)

	cmd := &cobra.Command{
		Use:   "signal <strategy-id> <symbol>",
		Short: "Post a webhook signal to a running relay",
		Example: `  relayctl signal 4f1c... AAPL --action buy --qty 10 --test
  relayctl signal 4f1c... BTC/USD --action close`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"action": action, "symbol": args[1]}
			if quantity != "" {
				body["quantity"] = quantity
			}
			if price != "" {
				body["price"] = price
			}
			if orderType != "" {
				body["order_type"] = orderType
			}
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}

			url := strings.TrimRight(server, "/") + "/api/v1/webhook/" + args[0]
			if test {
				url += "/test"
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(data))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if json.Indent(&pretty, out, "", "  ") == nil {
				out = pretty.Bytes()
			}
			fmt.Println(string(out))
			if resp.StatusCode >= 300 {
				return fmt.Errorf("relay responded %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Relay base URL")
	cmd.Flags().StringVarP(&action, "action", "a", "buy", "buy, sell, long, short or close")
	cmd.Flags().StringVarP(&quantity, "qty", "q", "", "Order quantity (default: the strategy default)")
	cmd.Flags().StringVar(&price, "price", "", "Signal price")
	cmd.Flags().StringVar(&orderType, "order-type", "", "market, limit, stop or stop_limit")
	cmd.Flags().BoolVar(&test, "test", false, "Use the test endpoint; no order reaches a broker")
	return cmd
}
