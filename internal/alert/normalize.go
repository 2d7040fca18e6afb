// Package alert turns inbound webhook payloads into canonical trading alerts.
// Upstream senders (TradingView and friends) are inconsistent about both field
// names and content types, so normalization is deliberately forgiving: parsing
// never fails, and rejections only happen during validation.
package alert

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// RawField holds the entire body when no structured fields could be recovered.
const RawField = "raw"

var (
	kvLineRe   = regexp.MustCompile(`^\s*([^:=\s][^:=]*?)\s*[:=]\s*(.+?)\s*$`)
	numericRe  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	fieldAlias = []struct{ from, to string }{
		{"ticker", "symbol"},
		{"side", "action"},
		{"action", "side"},
		{"close", "price"},
		{"quantity", "qty"},
		{"stop_loss_pct", "sl_pct"},
	}
)

// Normalize parses a raw webhook body into a flat field map. The JSON parse is
// attempted first regardless of contentType because senders routinely lie
// about it; the hint is accepted only so the edge layer has one call site.
// On JSON failure each body line matching `key: value` or `key=value`
// contributes a field, with numeric-looking values coerced to float64. If
// nothing was recovered the whole body lands under RawField. Alias resolution
// then fills canonical names without overwriting anything already present.
func Normalize(raw []byte, contentType string) map[string]any {
	_ = contentType

	fields := parseJSON(raw)
	if fields == nil {
		fields = parseKeyValue(raw)
	}
	if len(fields) == 0 {
		fields = map[string]any{RawField: string(raw)}
	}
	resolveAliases(fields)
	return fields
}

func parseJSON(raw []byte) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

func parseKeyValue(raw []byte) map[string]any {
	fields := map[string]any{}
	for _, line := range strings.Split(string(raw), "\n") {
		m := kvLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, value := m[1], m[2]
		if numericRe.MatchString(value) {
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				fields[key] = f
				continue
			}
		}
		fields[key] = value
	}
	return fields
}

// resolveAliases fills canonical field names from their upstream variants.
// It only enriches: a canonical name already present is never overwritten,
// and the original keys stay in the map alongside.
func resolveAliases(fields map[string]any) {
	for _, a := range fieldAlias {
		v, ok := fields[a.from]
		if !ok {
			continue
		}
		if _, exists := fields[a.to]; !exists {
			fields[a.to] = v
		}
	}
}
