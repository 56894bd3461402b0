package transform

import (
	"strings"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

var numericFields = []string{
	"price", "previous_close", "open", "high", "low", "close", "adjusted_close",
	"volume", "market_cap", "pe_ratio", "dividend_yield", "change", "change_percent",
	"original_price", "rating", "review_count", "stock_quantity",
}

// Sources whose records carry a currency.
var currencySources = map[record.Source]bool{
	record.SourceTickers:   true,
	record.SourceQuotes:    true,
	record.SourceScreeners: true,
	record.SourceHistory:   true,
	record.SourceWalmart:   true,
}

const defaultCurrency = "USD"

// Clean returns cleaned copies of rows. Nil rows and nil fields are dropped,
// symbols are trimmed and upper-cased, numeric-looking strings become
// float64 and unparseable numerics are dropped. Clean is idempotent.
func Clean(source record.Source, rows []record.Row) []record.Row {
	out := make([]record.Row, 0, len(rows))
	for _, r := range rows {
		if r == nil {
			continue
		}
		out = append(out, cleanRow(source, r))
	}
	return out
}

func cleanRow(source record.Source, r record.Row) record.Row {
	c := make(record.Row, len(r)+1)
	for k, v := range r {
		if v != nil {
			c[k] = v
		}
	}

	if s, ok := c["symbol"].(string); ok {
		c["symbol"] = strings.ToUpper(strings.TrimSpace(s))
	}
	if s, ok := c["name"].(string); ok {
		c["name"] = strings.TrimSpace(s)
	}
	for _, f := range numericFields {
		v, ok := c[f]
		if !ok {
			continue
		}
		if n, ok := record.Number(v); ok {
			c[f] = n
		} else {
			delete(c, f)
		}
	}
	if currencySources[source] {
		if s, ok := c["currency"].(string); !ok || strings.TrimSpace(s) == "" {
			c["currency"] = defaultCurrency
		}
	}
	return c
}
