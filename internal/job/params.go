package job

import (
	"strconv"
	"strings"
)

// Params is the opaque input of a job. Values come from code, YAML or JSON
// request bodies, so accessors accept the shapes each of those produce.
type Params map[string]any

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		switch val := v.(type) {
		case []string:
			out[k] = append([]string(nil), val...)
		case []any:
			out[k] = append([]any(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}

// Strings returns a list parameter. It accepts []string, []any and
// comma-separated strings. Empty entries are dropped.
func (p Params) Strings(key string) []string {
	var raw []string
	switch val := p[key].(type) {
	case []string:
		raw = val
	case []any:
		for _, v := range val {
			if s, ok := v.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(val, ",")
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Int returns an integer parameter, or fallback when absent or unparseable.
func (p Params) Int(key string, fallback int) int {
	switch val := p[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return fallback
}
