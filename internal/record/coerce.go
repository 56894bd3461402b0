package record

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var numericCutset = strings.NewReplacer(",", "", "$", "", "%", "")

// Number converts a loosely typed JSON value to float64. Strings with
// thousands separators, currency or percent signs are accepted. It returns
// false for nil and anything unparseable (upstream uses null for missing data).
func Number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		return ParseNumeric(val)
	default:
		return 0, false
	}
}

// ParseNumeric strips ",", "$" and "%" and parses what is left.
func ParseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(numericCutset.Replace(s))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Float returns a pointer to the coerced number, or nil.
func Float(v any) *float64 {
	f, ok := Number(v)
	if !ok {
		return nil
	}
	return &f
}

// Int returns a pointer to the coerced integer, or nil.
func Int(v any) *int64 {
	f, ok := Number(v)
	if !ok {
		return nil
	}
	n := int64(f)
	return &n
}

// String returns v when it is a string, trimmed; anything else yields "".
func String(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// FirstString returns the first non-empty string among the keys of m.
func FirstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := String(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// Bool accepts JSON booleans and "true"/"false" strings.
func Bool(v any) *bool {
	switch val := v.(type) {
	case bool:
		return &val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return nil
		}
		return &b
	default:
		return nil
	}
}

// UnixTime converts epoch seconds (number or numeric string) to UTC time.
func UnixTime(v any) *time.Time {
	f, ok := Number(v)
	if !ok || f <= 0 {
		return nil
	}
	t := time.Unix(int64(f), 0).UTC()
	return &t
}
