package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Status of a quality check.
type Status string

const (
	StatusValid   Status = "valid"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Quality check dimensions.
const (
	CheckCompleteness = "completeness"
	CheckValidity     = "validity"
	CheckConsistency  = "consistency"
)

// Check is the assessment of a record batch along one dimension.
type Check struct {
	ID        string         `json:"check_id"`
	Source    record.Source  `json:"data_source"`
	Type      string         `json:"check_type"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	CheckedAt time.Time      `json:"timestamp"`
}

var requiredFields = map[record.Source][]string{
	record.SourceTickers:   {"symbol", "name"},
	record.SourceQuotes:    {"symbol", "price"},
	record.SourceHistory:   {"symbol", "date", "close"},
	record.SourceScreeners: {"symbol", "screener_type"},
	record.SourceNews:      {"symbol", "title", "url"},
	record.SourceModules:   {"symbol", "module_type"},
	record.SourceWalmart:   {"product_id", "name"},
}

// RequiredFields returns the fields every record of source must carry.
func RequiredFields(source record.Source) []string {
	if f, ok := requiredFields[source]; ok {
		return f
	}
	return []string{"symbol"}
}

// Fields that together identify a record for duplicate detection.
var keyFields = map[record.Source][]string{
	record.SourceHistory: {"symbol", "interval", "date"},
	record.SourceNews:    {"symbol", "url"},
	record.SourceModules: {"symbol", "module_type"},
	record.SourceWalmart: {"product_id"},
}

func keyOf(source record.Source, r record.Row) string {
	fields, ok := keyFields[source]
	if !ok {
		fields = []string{"symbol"}
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := r[f]
		if !ok || v == nil {
			return ""
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "\x1f")
}

func grade(ratio, errorAbove, warnAbove float64) Status {
	switch {
	case ratio > errorAbove:
		return StatusError
	case ratio > warnAbove:
		return StatusWarning
	default:
		return StatusValid
	}
}

func present(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func checkCompleteness(source record.Source, rows []record.Row, now time.Time) Check {
	c := Check{
		ID:        checkID(CheckCompleteness, source, now),
		Source:    source,
		Type:      CheckCompleteness,
		CheckedAt: now,
	}
	if len(rows) == 0 {
		c.Status = StatusError
		c.Message = "no data found"
		c.Details = map[string]any{"record_count": 0}
		return c
	}

	required := RequiredFields(source)
	missingByField := make(map[string]int)
	incomplete := 0
	for _, r := range rows {
		missing := false
		for _, f := range required {
			if !present(r[f]) {
				missingByField[f]++
				missing = true
			}
		}
		if missing {
			incomplete++
		}
	}

	ratio := float64(incomplete) / float64(len(rows))
	c.Status = grade(ratio, 0.20, 0.10)
	c.Message = fmt.Sprintf("%.1f%% of records miss required fields", ratio*100)
	c.Details = map[string]any{
		"record_count":       len(rows),
		"incomplete_records": incomplete,
		"missing_fields":     missingByField,
		"missing_percentage": ratio * 100,
	}
	return c
}

// violations returns the business-rule violations of one record.
func violations(source record.Source, r record.Row) []string {
	var out []string
	switch source {
	case record.SourceQuotes, record.SourceScreeners:
		if v, ok := r["price"]; ok {
			if p, ok := record.Number(v); !ok || p <= 0 {
				out = append(out, "invalid price")
			}
		}
		if v, ok := r["volume"]; ok {
			if n, ok := record.Number(v); ok && n < 0 {
				out = append(out, "negative volume")
			}
		}
	case record.SourceHistory:
		for _, f := range []string{"open", "high", "low", "close"} {
			if v, ok := r[f]; ok {
				if p, ok := record.Number(v); ok && p < 0 {
					out = append(out, "negative "+f)
				}
			}
		}
		h, hok := record.Number(r["high"])
		l, lok := record.Number(r["low"])
		if hok && lok && h < l {
			out = append(out, "high below low")
		}
	case record.SourceWalmart:
		if v, ok := r["price"]; ok {
			if p, ok := record.Number(v); !ok || p < 0 {
				out = append(out, "invalid price")
			}
		}
		if v, ok := r["rating"]; ok {
			if n, ok := record.Number(v); ok && (n < 0 || n > 5) {
				out = append(out, "rating out of range")
			}
		}
	}
	return out
}

func checkValidity(source record.Source, rows []record.Row, now time.Time) Check {
	var invalid []string
	bad := 0
	for i, r := range rows {
		vs := violations(source, r)
		if len(vs) == 0 {
			continue
		}
		bad++
		for _, v := range vs {
			invalid = append(invalid, fmt.Sprintf("record %d: %s", i, v))
		}
	}

	ratio := 0.0
	if len(rows) > 0 {
		ratio = float64(bad) / float64(len(rows))
	}
	return Check{
		ID:      checkID(CheckValidity, source, now),
		Source:  source,
		Type:    CheckValidity,
		Status:  grade(ratio, 0.10, 0.05),
		Message: fmt.Sprintf("%.1f%% of records have invalid values", ratio*100),
		Details: map[string]any{
			"record_count":       len(rows),
			"invalid_records":    invalid,
			"invalid_percentage": ratio * 100,
		},
		CheckedAt: now,
	}
}

func checkConsistency(source record.Source, rows []record.Row, now time.Time) Check {
	seen := make(map[string]bool, len(rows))
	dups := 0
	for _, r := range rows {
		k := keyOf(source, r)
		if k == "" {
			continue
		}
		if seen[k] {
			dups++
			continue
		}
		seen[k] = true
	}

	c := Check{
		ID:     checkID(CheckConsistency, source, now),
		Source: source,
		Type:   CheckConsistency,
		Status: StatusValid,
		Details: map[string]any{
			"record_count":      len(rows),
			"duplicate_symbols": dups,
		},
		CheckedAt: now,
	}
	if dups > 0 {
		c.Status = StatusWarning
		c.Message = fmt.Sprintf("found %d duplicate symbols", dups)
	} else {
		c.Message = "no duplicate symbols found"
	}
	return c
}

func checkID(kind string, source record.Source, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d", kind, source, now.Unix())
}

// QualityScore maps a check status to a score in [0, 1].
func QualityScore(s Status) float64 {
	switch s {
	case StatusValid:
		return 1.0
	case StatusWarning:
		return 0.7
	case StatusError:
		return 0.3
	default:
		return 0.5
	}
}
