package transform

import (
	"math"
	"sort"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// FieldStats summarises one numeric field of a group. Std is the sample
// standard deviation and is omitted for fewer than two values.
type FieldStats struct {
	Count  int      `json:"count"`
	Sum    float64  `json:"sum"`
	Mean   float64  `json:"mean"`
	Median float64  `json:"median"`
	Std    *float64 `json:"std,omitempty"`
}

type SectorStats struct {
	Sector        string      `json:"sector"`
	Records       int         `json:"records"`
	Price         *FieldStats `json:"price,omitempty"`
	ChangePercent *FieldStats `json:"change_percent,omitempty"`
	Volume        *FieldStats `json:"volume,omitempty"`
	MarketCap     *FieldStats `json:"market_cap,omitempty"`
}

type MarketSummary struct {
	TotalStocks      int      `json:"total_stocks"`
	AvgPrice         *float64 `json:"avg_price,omitempty"`
	AvgChangePercent *float64 `json:"avg_change_percent,omitempty"`
	TotalVolume      *float64 `json:"total_volume,omitempty"`
	TotalMarketCap   *float64 `json:"total_market_cap,omitempty"`
	Gainers          int      `json:"gainers"`
	Losers           int      `json:"losers"`
	Unchanged        int      `json:"unchanged"`
}

type Aggregations struct {
	Sectors []SectorStats  `json:"sector_aggregation,omitempty"`
	Summary *MarketSummary `json:"market_summary,omitempty"`
}

// Empty reports whether nothing was aggregated.
func (a Aggregations) Empty() bool {
	return len(a.Sectors) == 0 && a.Summary == nil
}

// Aggregate computes sector statistics and a market summary for quote-like
// sources. Other sources yield empty aggregations.
func Aggregate(source record.Source, rows []record.Row) Aggregations {
	if source != record.SourceQuotes && source != record.SourceScreeners {
		return Aggregations{}
	}
	return Aggregations{
		Sectors: aggregateBySector(rows),
		Summary: marketSummary(rows),
	}
}

func aggregateBySector(rows []record.Row) []SectorStats {
	groups := make(map[string][]record.Row)
	for _, r := range rows {
		s, ok := r["sector"].(string)
		if !ok || s == "" {
			continue
		}
		groups[s] = append(groups[s], r)
	}

	out := make([]SectorStats, 0, len(groups))
	for sector, members := range groups {
		out = append(out, SectorStats{
			Sector:        sector,
			Records:       len(members),
			Price:         stats(members, "price"),
			ChangePercent: stats(members, "change_percent"),
			Volume:        stats(members, "volume"),
			MarketCap:     stats(members, "market_cap"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sector < out[j].Sector })
	return out
}

func values(rows []record.Row, field string) []float64 {
	var vs []float64
	for _, r := range rows {
		if v, ok := record.Number(r[field]); ok {
			vs = append(vs, v)
		}
	}
	return vs
}

func stats(rows []record.Row, field string) *FieldStats {
	vs := values(rows, field)
	if len(vs) == 0 {
		return nil
	}
	sort.Float64s(vs)

	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))

	median := vs[len(vs)/2]
	if len(vs)%2 == 0 {
		median = (vs[len(vs)/2-1] + vs[len(vs)/2]) / 2
	}

	fs := &FieldStats{
		Count:  len(vs),
		Sum:    round2(sum),
		Mean:   round2(mean),
		Median: round2(median),
	}
	if len(vs) > 1 {
		ss := 0.0
		for _, v := range vs {
			ss += (v - mean) * (v - mean)
		}
		std := round2(math.Sqrt(ss / float64(len(vs)-1)))
		fs.Std = &std
	}
	return fs
}

func marketSummary(rows []record.Row) *MarketSummary {
	if len(rows) == 0 {
		return nil
	}
	s := &MarketSummary{TotalStocks: len(rows)}

	if vs := values(rows, "price"); len(vs) > 0 {
		avg := mean(vs)
		s.AvgPrice = &avg
	}
	if vs := values(rows, "volume"); len(vs) > 0 {
		total := sum(vs)
		s.TotalVolume = &total
	}
	if vs := values(rows, "market_cap"); len(vs) > 0 {
		total := sum(vs)
		s.TotalMarketCap = &total
	}
	if vs := values(rows, "change_percent"); len(vs) > 0 {
		avg := mean(vs)
		s.AvgChangePercent = &avg
		for _, v := range vs {
			switch {
			case v > 0:
				s.Gainers++
			case v < 0:
				s.Losers++
			default:
				s.Unchanged++
			}
		}
	}
	return s
}

func sum(vs []float64) float64 {
	total := 0.0
	for _, v := range vs {
		total += v
	}
	return total
}

func mean(vs []float64) float64 { return sum(vs) / float64(len(vs)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
