package socket

import (
	"testing"

	"github.com/atmx/trade-relay/internal/model"
)

func TestBuildContract(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		class    model.AssetClass
		extra    map[string]string
		secType  string
		exchange string
		sym      string
		currency string
	}{
		{"stock", "aapl", model.AssetStocks, nil, SecStock, "SMART", "AAPL", "USD"},
		{"default class", "MSFT", "", nil, SecStock, "SMART", "MSFT", "USD"},
		{"forex dotted", "EUR.USD", model.AssetForex, nil, SecCash, "IDEALPRO", "EUR", "USD"},
		{"forex compact", "gbpjpy", model.AssetForex, nil, SecCash, "IDEALPRO", "GBP", "JPY"},
		{"futures", "ES", model.AssetFutures, map[string]string{"expiry": "202512"}, SecFuture, "GLOBEX", "ES", "USD"},
		{"futures exchange override", "CL", model.AssetFutures, map[string]string{"exchange": "nymex"}, SecFuture, "NYMEX", "CL", "USD"},
		{"options", "SPY", model.AssetOptions, map[string]string{"expiry": "20251219", "strike": "450", "right": "c"}, SecOption, "SMART", "SPY", "USD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := BuildContract(tt.symbol, tt.class, tt.extra)
			if c.SecType != tt.secType || c.Exchange != tt.exchange || c.Symbol != tt.sym || c.Currency != tt.currency {
				t.Errorf("BuildContract(%q, %s) = %+v", tt.symbol, tt.class, c)
			}
		})
	}

	opt := BuildContract("SPY", model.AssetOptions, map[string]string{"expiry": "20251219", "strike": "450", "right": "c"})
	if opt.Right != "C" || opt.LastTradeDate != "20251219" || opt.Strike == nil || opt.Strike.String() != "450" {
		t.Errorf("unexpected option details: %+v", opt)
	}
}

func TestAssetClassFor(t *testing.T) {
	tests := map[string]model.AssetClass{
		"STK":  model.AssetStocks,
		"cash": model.AssetForex,
		"FUT":  model.AssetFutures,
		"OPT":  model.AssetOptions,
		"BOND": model.AssetStocks,
	}
	for sec, want := range tests {
		if got := AssetClassFor(sec); got != want {
			t.Errorf("AssetClassFor(%s) = %s, want %s", sec, got, want)
		}
	}
}

func TestDisplaySymbol(t *testing.T) {
	if s := (Contract{Symbol: "EUR", Currency: "USD", SecType: SecCash}).DisplaySymbol(); s != "EUR.USD" {
		t.Errorf("forex display = %s", s)
	}
	if s := (Contract{Symbol: "AAPL", Currency: "USD", SecType: SecStock}).DisplaySymbol(); s != "AAPL" {
		t.Errorf("stock display = %s", s)
	}
}
