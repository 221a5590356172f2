package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func buy(sym string, qty float64) Order {
	return Order{Symbol: sym, Side: model.SideBuy, Quantity: d(qty)}
}

func TestCheckOrder_ZeroLimitsAllowEverything(t *testing.T) {
	l := NewLimiter(Limits{})
	if err := l.CheckOrder(buy("AAPL", 1e6), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOrder_Quantity(t *testing.T) {
	l := NewLimiter(Limits{MaxOrderQuantity: d(100)})

	if err := l.CheckOrder(buy("AAPL", 100), nil); err != nil {
		t.Errorf("at the limit should pass, got %v", err)
	}
	if err := l.CheckOrder(buy("AAPL", 101), nil); !errors.Is(err, ErrOrderQuantityExceeded) {
		t.Errorf("expected ErrOrderQuantityExceeded, got %v", err)
	}
}

func TestCheckOrder_Notional(t *testing.T) {
	l := NewLimiter(Limits{MaxOrderNotional: d(10000)})

	o := buy("AAPL", 100)
	if err := l.CheckOrder(o, nil); err != nil {
		t.Errorf("no reference price should skip the check, got %v", err)
	}

	o.RefPrice = model.Ptr(d(99))
	if err := l.CheckOrder(o, nil); err != nil {
		t.Errorf("9900 notional should pass, got %v", err)
	}

	o.RefPrice = model.Ptr(d(101))
	if err := l.CheckOrder(o, nil); !errors.Is(err, ErrOrderNotionalExceeded) {
		t.Errorf("expected ErrOrderNotionalExceeded, got %v", err)
	}
}

func TestCheckOrder_Position(t *testing.T) {
	l := NewLimiter(Limits{MaxPosition: d(1000)})

	tests := []struct {
		name     string
		order    Order
		existing map[string]decimal.Decimal
		wantErr  error
	}{
		{"fresh position", buy("AAPL", 500), nil, nil},
		{"adds beyond limit", buy("AAPL", 100), map[string]decimal.Decimal{"AAPL": d(950)}, ErrPositionLimitExceeded},
		{"sell reduces long", Order{Symbol: "AAPL", Side: model.SideSell, Quantity: d(500)}, map[string]decimal.Decimal{"AAPL": d(950)}, nil},
		{"sell deepens short", Order{Symbol: "AAPL", Side: model.SideSell, Quantity: d(100)}, map[string]decimal.Decimal{"AAPL": d(-950)}, ErrPositionLimitExceeded},
		{"other symbol ignored", buy("MSFT", 100), map[string]decimal.Decimal{"AAPL": d(950)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.CheckOrder(tt.order, tt.existing)
			if tt.wantErr == nil && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCheckOrder_CorrelatedPairs(t *testing.T) {
	l := NewLimiter(Limits{MaxCorrelated: d(10)})

	existing := map[string]decimal.Decimal{
		"BTC/USD":  d(4),
		"BTC/USDT": d(-4), // shorts count by magnitude
		"ETH/USD":  d(50), // different base
	}

	// 3 + 4 + 4 = 11 > 10.
	if err := l.CheckOrder(buy("BTC-EUR", 3), existing); !errors.Is(err, ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
	// 2 + 4 + 4 = 10.
	if err := l.CheckOrder(buy("BTC-EUR", 2), existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestWithPositionLimit(t *testing.T) {
	base := NewLimiter(Limits{MaxPosition: d(1000)})

	tight := base.WithPositionLimit(model.Ptr(d(10)))
	if err := tight.CheckOrder(buy("AAPL", 11), nil); !errors.Is(err, ErrPositionLimitExceeded) {
		t.Errorf("expected override to apply, got %v", err)
	}
	if !base.Limits.MaxPosition.Equal(d(1000)) {
		t.Error("override must not mutate the original")
	}
	if same := base.WithPositionLimit(nil); !same.Limits.MaxPosition.Equal(d(1000)) {
		t.Error("nil override should keep the base limit")
	}
}

func TestExposures(t *testing.T) {
	got := Exposures([]model.Position{
		{Symbol: "AAPL", Quantity: d(10), Side: model.PositionLong},
		{Symbol: "TSLA", Quantity: d(5), Side: model.PositionShort},
	})
	if !got["AAPL"].Equal(d(10)) || !got["TSLA"].Equal(d(-5)) {
		t.Errorf("unexpected exposures: %v", got)
	}
}
