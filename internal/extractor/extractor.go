// Package extractor fetches and parses one data source type end to end,
// tracking every attempt as a job.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Extractor is implemented once per source type.
type Extractor interface {
	Source() record.Source
	// Extract registers a new job for params and runs it to completion. The
	// returned job is always non-nil and terminal.
	Extract(ctx context.Context, params job.Params, trigger string) *job.Job
	// Run executes an already registered Pending or Running job.
	Run(ctx context.Context, j *job.Job) error
}

// Store persists the two artifacts of a run.
type Store interface {
	SaveRaw(dataType string, payloads []json.RawMessage) (string, error)
	SaveProcessed(dataType string, records any) (string, error)
}

// Runtime holds what every extractor shares.
type Runtime struct {
	Tracker *job.Tracker
	Store   Store
	Clock   clock.Clock
	// Delay is slept between consecutive sub-calls, on top of rate limiting.
	Delay time.Duration
}

// call is one planned upstream request.
type call[T any] struct {
	label string
	items int
	fetch func(ctx context.Context) (json.RawMessage, error)
	parse func(raw json.RawMessage) ([]T, error)
}

// planFunc turns job params into sub-calls.
type planFunc[T any] func(p job.Params) ([]call[T], error)

type extractor[T any] struct {
	source record.Source
	rt     Runtime
	plan   planFunc[T]
}

func newExtractor[T any](source record.Source, rt Runtime, plan planFunc[T]) *extractor[T] {
	if rt.Clock == nil {
		rt.Clock = clock.Real{}
	}
	return &extractor[T]{source: source, rt: rt, plan: plan}
}

func (e *extractor[T]) Source() record.Source { return e.source }

func (e *extractor[T]) Extract(ctx context.Context, params job.Params, trigger string) *job.Job {
	j, _ := e.rt.Tracker.Create(ctx, e.source, params, trigger)
	_ = e.Run(ctx, j)
	return j
}

func (e *extractor[T]) Run(ctx context.Context, j *job.Job) (err error) {
	if j.Status == job.StatusPending {
		if err := j.Start(e.rt.Clock.Now()); err != nil {
			return err
		}
		e.save(ctx, j)
	}
	if j.Status != job.StatusRunning {
		return fmt.Errorf("%w: cannot run %s job", job.ErrInvalidTransition, j.Status)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic: %v", r)
		}
		e.finish(ctx, j, err)
	}()

	return e.execute(ctx, j)
}

func (e *extractor[T]) execute(ctx context.Context, j *job.Job) error {
	calls, err := e.plan(j.Params)
	if err != nil {
		return fmt.Errorf("plan %s: %w", e.source, err)
	}

	j.TotalItems = 0
	for _, c := range calls {
		j.TotalItems += c.items
	}
	e.save(ctx, j)

	slog.Info("extractor: starting", "job", j.ID, "source", e.source, "calls", len(calls), "items", j.TotalItems)

	payloads := make([]json.RawMessage, 0, len(calls))
	records := make([]T, 0)
	for i, c := range calls {
		if i > 0 && e.rt.Delay > 0 {
			if err := e.rt.Clock.Sleep(ctx, e.rt.Delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.FailedItems += c.items
			slog.Warn("extractor: sub-call failed", "job", j.ID, "source", e.source, "call", c.label, "error", err)
			continue
		}
		payloads = append(payloads, raw)

		parsed, err := c.parse(raw)
		if err != nil {
			j.FailedItems += c.items
			slog.Warn("extractor: unparseable payload", "job", j.ID, "source", e.source, "call", c.label, "error", err)
			continue
		}
		records = append(records, parsed...)
		j.ProcessedItems += len(parsed)
	}

	if e.rt.Store != nil {
		rawPath, err := e.rt.Store.SaveRaw(string(e.source), payloads)
		if err != nil {
			return fmt.Errorf("save raw data: %w", err)
		}
		processedPath, err := e.rt.Store.SaveProcessed(string(e.source), records)
		if err != nil {
			return fmt.Errorf("save processed data: %w", err)
		}
		j.RawPath = rawPath
		j.ProcessedPath = processedPath
	}
	j.RecordCount = len(records)
	return nil
}

func (e *extractor[T]) finish(ctx context.Context, j *job.Job, err error) {
	now := e.rt.Clock.Now()
	switch {
	case err == nil:
		_ = j.Complete(now)
	case errors.Is(err, context.Canceled):
		_ = j.Cancel(now)
	default:
		_ = j.Fail(now, err)
	}

	// The run context may already be done; the final snapshot must still land.
	e.save(context.WithoutCancel(ctx), j)

	attrs := []any{
		"job", j.ID, "source", e.source, "status", j.Status,
		"processed", j.ProcessedItems, "failed", j.FailedItems, "duration", j.Duration().String(),
	}
	if err != nil {
		slog.Error("extractor: job did not complete", append(attrs, "error", err)...)
		return
	}
	slog.Info("extractor: job finished", append(attrs, "partial", j.Partial)...)
}

func (e *extractor[T]) save(ctx context.Context, j *job.Job) {
	if e.rt.Tracker == nil {
		return
	}
	// Persistence errors are logged by the tracker; the in-memory copy stays current.
	_ = e.rt.Tracker.Save(ctx, j)
}
