// Package transform cleans, enriches, validates and aggregates flat record
// rows. Every stage is total over its input.
package transform

import (
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

type Metadata struct {
	OriginalCount int       `json:"original_count"`
	CleanedCount  int       `json:"cleaned_count"`
	EnrichedCount int       `json:"enriched_count"`
	TransformedAt time.Time `json:"transformed_at"`
}

type Result struct {
	Source          record.Source `json:"data_source"`
	TransformedData []record.Row  `json:"transformed_data"`
	QualityChecks   []Check       `json:"quality_checks"`
	Aggregations    Aggregations  `json:"aggregations"`
	Metadata        Metadata      `json:"transformation_metadata"`
}

// Worst returns the most severe status among the result's checks.
func (r Result) Worst() Status {
	worst := StatusValid
	for _, c := range r.QualityChecks {
		switch {
		case c.Status == StatusError:
			return StatusError
		case c.Status == StatusWarning:
			worst = StatusWarning
		}
	}
	return worst
}

type Transformer struct {
	clock clock.Clock
}

type Option func(*Transformer)

func WithClock(c clock.Clock) Option {
	return func(t *Transformer) { t.clock = c }
}

func New(opts ...Option) *Transformer {
	t := &Transformer{clock: clock.Real{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enrich adds market_cap_category, sector_category, data_quality_score and
// enriched_at to copies of rows.
func (t *Transformer) Enrich(rows []record.Row) []record.Row {
	now := t.clock.Now()
	out := make([]record.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, enrichRow(r, now))
	}
	return out
}

// Validate produces one completeness, validity and consistency check.
func (t *Transformer) Validate(source record.Source, rows []record.Row) []Check {
	now := t.clock.Now().UTC()
	return []Check{
		checkCompleteness(source, rows, now),
		checkValidity(source, rows, now),
		checkConsistency(source, rows, now),
	}
}

// Transform runs clean, enrich, validate and aggregate in order.
func (t *Transformer) Transform(source record.Source, rows []record.Row) Result {
	slog.Info("transform: starting", "source", source, "count", len(rows))

	cleaned := Clean(source, rows)
	enriched := t.Enrich(cleaned)
	checks := t.Validate(source, enriched)
	aggs := Aggregate(source, enriched)

	res := Result{
		Source:          source,
		TransformedData: enriched,
		QualityChecks:   checks,
		Aggregations:    aggs,
		Metadata: Metadata{
			OriginalCount: len(rows),
			CleanedCount:  len(cleaned),
			EnrichedCount: len(enriched),
			TransformedAt: t.clock.Now().UTC(),
		},
	}

	slog.Info("transform: finished", "source", source, "original", len(rows), "final", len(enriched), "quality", res.Worst())
	return res
}
