package alert

import (
	"fmt"
	"strconv"
	"strings"
)

// Side is the normalized trade direction of an alert.
type Side string

// Valid alert sides.
const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Alert is the canonical trading signal derived from an inbound notification.
// It is immutable once constructed by FromFields.
type Alert struct {
	Symbol           string
	Side             Side
	Price            *float64
	Quantity         *float64
	CashFraction     float64
	StopLossFraction float64
	TakeProfit       *float64
	Secret           string
}

// Defaults supplies config-level fallbacks applied when the payload omits the
// corresponding optional field.
type Defaults struct {
	CashFraction     float64
	StopLossFraction float64
}

// ValidationError marks an alert rejection as the client's fault, as opposed
// to a downstream broker failure. The edge layer maps it to a 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s %s", e.Field, e.Reason)
}

// FromFields validates a normalized field map into a canonical Alert.
// The side is read from "action" falling back to "side" (alias resolution
// guarantees both exist when either was sent).
func FromFields(fields map[string]any, defaults Defaults) (*Alert, error) {
	symbol, _ := stringField(fields, "symbol")
	if symbol == "" {
		return nil, &ValidationError{Field: "symbol", Reason: "is required"}
	}

	sideRaw, ok := stringField(fields, "action")
	if !ok {
		sideRaw, _ = stringField(fields, "side")
	}
	side := Side(strings.ToLower(strings.TrimSpace(sideRaw)))
	if side != SideBuy && side != SideSell {
		return nil, &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}

	price, err := floatField(fields, "price")
	if err != nil {
		return nil, err
	}
	if price != nil && *price <= 0 {
		return nil, &ValidationError{Field: "price", Reason: "must be positive"}
	}

	qty, err := floatField(fields, "qty")
	if err != nil {
		return nil, err
	}
	if qty != nil && *qty <= 0 {
		return nil, &ValidationError{Field: "qty", Reason: "must be positive"}
	}

	cashPct, err := floatField(fields, "cash_pct")
	if err != nil {
		return nil, err
	}
	if cashPct != nil && (*cashPct <= 0 || *cashPct > 1) {
		return nil, &ValidationError{Field: "cash_pct", Reason: "must be in (0,1]"}
	}

	slPct, err := floatField(fields, "sl_pct")
	if err != nil {
		return nil, err
	}
	if slPct != nil && *slPct <= 0 {
		return nil, &ValidationError{Field: "sl_pct", Reason: "must be positive"}
	}

	takeProfit, err := floatField(fields, "take_profit")
	if err != nil {
		return nil, err
	}
	if takeProfit != nil && *takeProfit <= 0 {
		return nil, &ValidationError{Field: "take_profit", Reason: "must be positive"}
	}

	cashFraction := defaults.CashFraction
	if cashPct != nil {
		cashFraction = *cashPct
	}
	stopFraction := defaults.StopLossFraction
	if slPct != nil {
		stopFraction = *slPct
	}

	// Exactly one sizing input must resolve: an explicit quantity, or a
	// usable cash fraction to derive one from account equity.
	if qty == nil && cashFraction <= 0 {
		return nil, &ValidationError{Field: "qty", Reason: "or cash_pct must be provided"}
	}

	secret, _ := stringField(fields, "secret")

	return &Alert{
		Symbol:           symbol,
		Side:             side,
		Price:            price,
		Quantity:         qty,
		CashFraction:     cashFraction,
		StopLossFraction: stopFraction,
		TakeProfit:       takeProfit,
		Secret:           secret,
	}, nil
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// floatField reads an optional numeric field, coercing numeric strings since
// some senders quote their numbers. A nil result means the field is absent.
func floatField(fields map[string]any, key string) (*float64, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch n := v.(type) {
	case float64:
		return &n, nil
	case int:
		f := float64(n)
		return &f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, &ValidationError{Field: key, Reason: "must be numeric"}
		}
		return &f, nil
	default:
		return nil, &ValidationError{Field: key, Reason: "must be numeric"}
	}
}
