package symbol

import (
	"errors"
	"testing"
)

func TestValidate_Valid(t *testing.T) {
	tests := map[string]string{
		"aapl":     "AAPL",
		" MSFT ":   "MSFT",
		"BRK.B":    "BRK.B",
		"BTC/USD":  "BTC/USD",
		"EUR.USD":  "EUR.USD",
		"ES":       "ES",
		"btcusdt":  "BTCUSDT",
		"ETH-USDT": "ETH-USDT",
	}
	for in, want := range tests {
		got, err := Validate(in)
		if err != nil {
			t.Errorf("Validate(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Validate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "AA PL", "$AAPL", "TOOLONGTICKERNAME", "EUR..USD"} {
		if _, err := Validate(in); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Validate(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}

func TestParsePair(t *testing.T) {
	tests := []struct {
		in          string
		base, quote string
	}{
		{"EUR.USD", "EUR", "USD"},
		{"btc/usd", "BTC", "USD"},
		{"ETH-USDT", "ETH", "USDT"},
		{"GBPJPY", "GBP", "JPY"},
	}
	for _, tt := range tests {
		p, err := ParsePair(tt.in)
		if err != nil {
			t.Errorf("ParsePair(%q): %v", tt.in, err)
			continue
		}
		if p.Base != tt.base || p.Quote != tt.quote {
			t.Errorf("ParsePair(%q) = %+v", tt.in, p)
		}
	}
	if p, _ := ParsePair("EUR.USD"); p.Join("/") != "EUR/USD" {
		t.Errorf("Join = %s", p.Join("/"))
	}
}

func TestParsePair_NotAPair(t *testing.T) {
	for _, in := range []string{"AAPL", "BRK.B", "SPY123"} {
		if IsPair(in) {
			t.Errorf("IsPair(%q) should be false", in)
		}
		if _, err := ParsePair(in); !errors.Is(err, ErrNotAPair) {
			t.Errorf("ParsePair(%q): expected ErrNotAPair, got %v", in, err)
		}
	}
}
