package alert

import (
	"errors"
	"testing"
)

var testDefaults = Defaults{CashFraction: 0.10, StopLossFraction: 0.10}

func TestFromFields_Valid(t *testing.T) {
	fields := Normalize([]byte(`{"symbol":"US.AAPL","side":"BUY","price":225.0,"take_profit":250.0,"secret":"s3cr3t"}`), "")

	a, err := FromFields(fields, testDefaults)
	if err != nil {
		t.Fatalf("FromFields() error = %v", err)
	}
	if a.Symbol != "US.AAPL" || a.Side != SideBuy {
		t.Fatalf("alert = %+v, want US.AAPL buy", a)
	}
	if a.Price == nil || *a.Price != 225.0 {
		t.Fatalf("price = %v, want 225.0", a.Price)
	}
	if a.Quantity != nil {
		t.Fatalf("quantity = %v, want nil", a.Quantity)
	}
	if a.CashFraction != 0.10 || a.StopLossFraction != 0.10 {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if a.TakeProfit == nil || *a.TakeProfit != 250.0 {
		t.Fatalf("take_profit = %v, want 250.0", a.TakeProfit)
	}
	if a.Secret != "s3cr3t" {
		t.Fatalf("secret = %q, want s3cr3t", a.Secret)
	}
}

func TestFromFields_PayloadOverridesDefaults(t *testing.T) {
	fields := map[string]any{"symbol": "X", "side": "sell", "cash_pct": 0.25, "sl_pct": 0.05}

	a, err := FromFields(fields, testDefaults)
	if err != nil {
		t.Fatalf("FromFields() error = %v", err)
	}
	if a.CashFraction != 0.25 || a.StopLossFraction != 0.05 {
		t.Fatalf("alert = %+v, want payload fractions", a)
	}
}

func TestFromFields_NumericStringsCoerced(t *testing.T) {
	fields := map[string]any{"symbol": "X", "side": "buy", "price": "225.5", "qty": "2"}

	a, err := FromFields(fields, testDefaults)
	if err != nil {
		t.Fatalf("FromFields() error = %v", err)
	}
	if *a.Price != 225.5 || *a.Quantity != 2 {
		t.Fatalf("alert = %+v, want coerced numbers", a)
	}
}

func TestFromFields_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing symbol", map[string]any{"side": "buy", "price": 1.0}},
		{"empty symbol", map[string]any{"symbol": "  ", "side": "buy"}},
		{"missing side", map[string]any{"symbol": "X", "price": 1.0}},
		{"bad side", map[string]any{"symbol": "X", "side": "hold"}},
		{"negative price", map[string]any{"symbol": "X", "side": "buy", "price": -1.0}},
		{"zero qty", map[string]any{"symbol": "X", "side": "buy", "qty": 0.0}},
		{"cash_pct above one", map[string]any{"symbol": "X", "side": "buy", "cash_pct": 1.5}},
		{"non-numeric price", map[string]any{"symbol": "X", "side": "buy", "price": "a lot"}},
		{"negative sl_pct", map[string]any{"symbol": "X", "side": "buy", "sl_pct": -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFields(tt.fields, testDefaults)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("FromFields() error = %v, want *ValidationError", err)
			}
		})
	}
}

func TestFromFields_NoSizingInputWithoutDefault(t *testing.T) {
	// With no config default and no payload fraction, a quantity is mandatory.
	fields := map[string]any{"symbol": "X", "side": "buy", "price": 10.0}
	_, err := FromFields(fields, Defaults{StopLossFraction: 0.10})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("FromFields() error = %v, want *ValidationError", err)
	}

	fields["qty"] = 2.0
	if _, err := FromFields(fields, Defaults{StopLossFraction: 0.10}); err != nil {
		t.Fatalf("FromFields() with qty error = %v", err)
	}
}

func TestFromFields_SidePrefersAction(t *testing.T) {
	// When both keys arrive, "action" wins; alias resolution produces both
	// from either, so normal traffic never hits the fallback.
	fields := map[string]any{"symbol": "X", "action": "sell", "side": "buy"}
	a, err := FromFields(fields, testDefaults)
	if err != nil {
		t.Fatalf("FromFields() error = %v", err)
	}
	if a.Side != SideSell {
		t.Fatalf("side = %v, want sell", a.Side)
	}
}
