package transform

import (
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

var sectorCategories = map[string]string{
	"Technology":             "Growth",
	"Healthcare":             "Defensive",
	"Financial Services":     "Cyclical",
	"Consumer Discretionary": "Cyclical",
	"Consumer Staples":       "Defensive",
	"Energy":                 "Cyclical",
	"Industrials":            "Cyclical",
	"Materials":              "Cyclical",
	"Real Estate":            "Defensive",
	"Utilities":              "Defensive",
	"Communication Services": "Growth",
}

// MarketCapCategory buckets a market capitalisation in USD.
func MarketCapCategory(capUSD float64) string {
	switch {
	case capUSD >= 200e9:
		return "Mega Cap"
	case capUSD >= 10e9:
		return "Large Cap"
	case capUSD >= 2e9:
		return "Mid Cap"
	case capUSD >= 300e6:
		return "Small Cap"
	default:
		return "Micro Cap"
	}
}

// SectorCategory maps a sector to Growth, Defensive or Cyclical, else Other.
func SectorCategory(sector string) string {
	if c, ok := sectorCategories[sector]; ok {
		return c
	}
	return "Other"
}

// CompletenessScore is the share of fields that are neither nil nor "".
func CompletenessScore(r record.Row) float64 {
	if len(r) == 0 {
		return 0
	}
	filled := 0
	for _, v := range r {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		filled++
	}
	return float64(filled) / float64(len(r))
}

func enrichRow(r record.Row, now time.Time) record.Row {
	e := r.Clone()
	if mc, ok := r["market_cap"].(float64); ok && mc != 0 {
		e["market_cap_category"] = MarketCapCategory(mc)
	}
	if s, ok := r["sector"].(string); ok && s != "" {
		e["sector_category"] = SectorCategory(s)
	}
	e["data_quality_score"] = CompletenessScore(r)
	e["enriched_at"] = now.UTC().Format(time.RFC3339)
	return e
}
