// Package pipeline ties extraction, transformation, monitoring and storage
// together and drives them from schedules, queued jobs or direct calls.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/lake"
	"github.com/ahmethakanbesel/finance-pipeline/internal/monitor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
	"github.com/ahmethakanbesel/finance-pipeline/internal/schedule"
	"github.com/ahmethakanbesel/finance-pipeline/internal/storage"
	"github.com/ahmethakanbesel/finance-pipeline/internal/stream"
	"github.com/ahmethakanbesel/finance-pipeline/internal/transform"
)

const recentJobs = 10

// Runner extracts sources. *extractor.Registry implements it.
type Runner interface {
	Run(ctx context.Context, source record.Source, params job.Params, trigger string) (*job.Job, error)
	Process(ctx context.Context, j *job.Job) error
	Sources() []record.Source
}

// Config holds the orchestration settings.
type Config struct {
	// FullRunSources are the sources RunFullPipeline extracts.
	FullRunSources []record.Source
	// Parallel bounds how many sources a full run extracts at once.
	Parallel        int
	Schedules       []schedule.Entry
	Location        *time.Location
	MonitorInterval time.Duration
	ExportCSV       bool
	RawDays         int
	ProcessedDays   int
	// StopTimeout bounds how long Stop waits for in-flight scheduled runs.
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FullRunSources: []record.Source{
			record.SourceTickers, record.SourceQuotes, record.SourceHistory,
			record.SourceScreeners, record.SourceNews,
		},
		Parallel:        2,
		Schedules:       schedule.DefaultEntries(),
		Location:        time.UTC,
		MonitorInterval: 5 * time.Minute,
		ExportCSV:       true,
		RawDays:         30,
		ProcessedDays:   90,
		StopTimeout:     30 * time.Second,
	}
}

// RunResult describes one processed job.
type RunResult struct {
	Success         bool                    `json:"success"`
	JobID           string                  `json:"job_id,omitempty"`
	Source          record.Source           `json:"data_source"`
	Status          job.Status              `json:"status,omitempty"`
	TotalItems      int                     `json:"total_items"`
	ProcessedItems  int                     `json:"processed_items"`
	FailedItems     int                     `json:"failed_items"`
	Partial         bool                    `json:"partial"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Error           string                  `json:"error,omitempty"`
	Alerts          []monitor.Alert         `json:"alerts"`
	Metrics         monitor.Metrics         `json:"metrics"`
	QualityChecks   []transform.Check       `json:"quality_checks,omitempty"`
	Aggregations    *transform.Aggregations `json:"aggregations,omitempty"`
	Transform       *transform.Metadata     `json:"transformation_metadata,omitempty"`
	LakePath        string                  `json:"lake_path,omitempty"`
	CSVPath         string                  `json:"csv_path,omitempty"`
}

type FullRunSummary struct {
	TotalTimeSeconds     float64              `json:"total_time_seconds"`
	DataSourcesProcessed int                  `json:"data_sources_processed"`
	SuccessfulSources    int                  `json:"successful_sources"`
	FailedSources        int                  `json:"failed_sources"`
	Results              map[string]RunResult `json:"results"`
}

type Status struct {
	Running    bool                   `json:"running"`
	Scheduler  []schedule.Status      `json:"scheduler_status"`
	Alerts     monitor.AlertSummary   `json:"alert_summary"`
	Metrics    monitor.MetricsSummary `json:"metrics_summary"`
	JobCounts  map[job.Status]int     `json:"job_counts"`
	RecentJobs []job.Job              `json:"recent_jobs"`
}

type CleanupResult struct {
	Jobs   int `json:"jobs"`
	Alerts int `json:"alerts"`
	Files  int `json:"files"`
}

type Pipeline struct {
	cfg         Config
	runner      Runner
	tracker     *job.Tracker
	monitor     *monitor.Monitor
	store       *storage.FileStore
	transformer *transform.Transformer
	sink        lake.Sink
	producer    *stream.Producer
	scheduler   *schedule.Scheduler
	schedOpts   []schedule.Option
	clock       clock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Pipeline)

// WithLake sets where transformed rows are stored.
func WithLake(s lake.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithProducer enables the stream producer while the pipeline is started.
func WithProducer(sp *stream.Producer) Option {
	return func(p *Pipeline) { p.producer = sp }
}

func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

func WithTransformer(t *transform.Transformer) Option {
	return func(p *Pipeline) { p.transformer = t }
}

// WithSchedulerOptions passes extra options to the owned scheduler.
func WithSchedulerOptions(opts ...schedule.Option) Option {
	return func(p *Pipeline) { p.schedOpts = append(p.schedOpts, opts...) }
}

// New wires the pipeline and registers cfg.Schedules. Scheduled runs are
// processed like direct ones.
func New(cfg Config, runner Runner, tracker *job.Tracker, mon *monitor.Monitor, store *storage.FileStore, opts ...Option) (*Pipeline, error) {
	def := DefaultConfig()
	if cfg.Parallel <= 0 {
		cfg.Parallel = def.Parallel
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	p := &Pipeline{
		cfg:     cfg,
		runner:  runner,
		tracker: tracker,
		monitor: mon,
		store:   store,
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.transformer == nil {
		p.transformer = transform.New(transform.WithClock(p.clock))
	}

	schedOpts := append([]schedule.Option{
		schedule.WithClock(p.clock),
		schedule.WithLocation(cfg.Location),
		schedule.WithOnJob(func(ctx context.Context, j *job.Job) { p.ProcessJob(ctx, j) }),
	}, p.schedOpts...)
	p.scheduler = schedule.New(runner, schedOpts...)
	for _, e := range cfg.Schedules {
		if err := p.scheduler.Add(e); err != nil {
			return nil, fmt.Errorf("add schedule: %w", err)
		}
	}
	return p, nil
}

func (p *Pipeline) Scheduler() *schedule.Scheduler { return p.scheduler }
func (p *Pipeline) Monitor() *monitor.Monitor       { return p.monitor }
func (p *Pipeline) Sources() []record.Source        { return p.runner.Sources() }

// Start launches the scheduler, the resource monitoring loop and, when
// configured, the stream producer. Start is a no-op while running.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.scheduler.Start(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitorLoop(ctx)
	}()

	if p.producer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.producer.Run(ctx); err != nil {
				slog.Error("pipeline: stream producer stopped", "error", err)
			}
		}()
	}
	slog.Info("pipeline: started", "stream", p.producer != nil)
}

// Stop prevents new scheduled runs and halts background loops. Scheduled
// runs already in progress are not aborted; Stop waits for them up to
// cfg.StopTimeout and returns regardless.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	p.scheduler.Stop()
	p.wg.Wait()
	if !p.scheduler.WaitTimeout(p.cfg.StopTimeout) {
		slog.Warn("pipeline: scheduled runs still in flight", "timeout", p.cfg.StopTimeout.String())
	}
	slog.Info("pipeline: stopped")
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Pipeline) monitorLoop(ctx context.Context) {
	for {
		p.monitor.MonitorSystemResources(ctx)
		if err := p.clock.Sleep(ctx, p.cfg.MonitorInterval); err != nil {
			return
		}
	}
}

// RunDataSource extracts source now and processes the resulting job. The
// error is set only when the source cannot be run at all.
func (p *Pipeline) RunDataSource(ctx context.Context, source record.Source, params job.Params) (RunResult, error) {
	if !source.Valid() {
		return RunResult{Source: source}, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown source %q", source))
	}
	slog.Info("pipeline: running data source", "source", source)
	j, err := p.runner.Run(ctx, source, params, "manual")
	if err != nil {
		return RunResult{Source: source, Error: err.Error()}, err
	}
	return p.ProcessJob(ctx, j), nil
}

// RunFullPipeline extracts every configured source, at most cfg.Parallel at
// a time, and summarizes the outcome.
func (p *Pipeline) RunFullPipeline(ctx context.Context) FullRunSummary {
	start := p.clock.Now()
	slog.Info("pipeline: running full pipeline", "sources", len(p.cfg.FullRunSources))

	results := make([]RunResult, len(p.cfg.FullRunSources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallel)
	for i, src := range p.cfg.FullRunSources {
		g.Go(func() error {
			res, err := p.RunDataSource(gctx, src, nil)
			if err != nil {
				slog.Error("pipeline: data source failed", "source", src, "error", err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	sum := FullRunSummary{Results: make(map[string]RunResult, len(results))}
	for _, r := range results {
		sum.Results[string(r.Source)] = r
		sum.DataSourcesProcessed++
		if r.Success {
			sum.SuccessfulSources++
		} else {
			sum.FailedSources++
		}
	}
	sum.TotalTimeSeconds = p.clock.Now().Sub(start).Seconds()
	slog.Info("pipeline: full pipeline finished",
		"successful", sum.SuccessfulSources, "failed", sum.FailedSources, "seconds", sum.TotalTimeSeconds)
	return sum
}

// Process runs a queued job through the extractor and then processes it, so
// the pipeline can serve as the worker pool's processor.
func (p *Pipeline) Process(ctx context.Context, j *job.Job) error {
	err := p.runner.Process(ctx, j)
	if j.Status.Terminal() {
		p.ProcessJob(ctx, j)
	}
	return err
}

// ProcessJob records metrics and alerts for a terminal job. Completed jobs
// are transformed, quality checked, stored in the lake and optionally
// exported as CSV. Metrics are collected first so the job counts toward its
// own source's failure rate.
func (p *Pipeline) ProcessJob(ctx context.Context, j *job.Job) RunResult {
	res := RunResult{
		JobID:           j.ID,
		Source:          j.Source,
		Status:          j.Status,
		TotalItems:      j.TotalItems,
		ProcessedItems:  j.ProcessedItems,
		FailedItems:     j.FailedItems,
		Partial:         j.Partial,
		DurationSeconds: j.DurationSeconds,
		Error:           j.Error,
	}
	res.Metrics = p.monitor.CollectMetrics(*j)
	res.Alerts = p.monitor.MonitorJob(ctx, *j)

	if j.Status != job.StatusCompleted {
		return res
	}
	res.Success = true

	if j.ProcessedPath == "" {
		return res
	}
	rows, err := p.store.LoadProcessed(j.ProcessedPath)
	if err != nil {
		slog.Error("pipeline: load processed data", "job", j.ID, "error", err)
		return res
	}
	if len(rows) == 0 {
		slog.Info("pipeline: nothing to transform", "job", j.ID, "source", j.Source)
		return res
	}

	tr := p.transformer.Transform(j.Source, rows)
	res.QualityChecks = tr.QualityChecks
	res.Aggregations = &tr.Aggregations
	res.Transform = &tr.Metadata
	res.Alerts = append(res.Alerts, p.monitor.MonitorDataQuality(ctx, tr.QualityChecks)...)

	if p.sink != nil && len(tr.TransformedData) > 0 {
		path, err := p.sink.Store(ctx, string(j.Source), tr.TransformedData)
		if err != nil {
			slog.Error("pipeline: store in lake", "job", j.ID, "error", err)
		}
		res.LakePath = path
	}

	if p.cfg.ExportCSV && len(tr.TransformedData) > 0 {
		path, err := p.store.ExportCSV(string(j.Source), tr.TransformedData)
		if err != nil {
			slog.Error("pipeline: export csv", "job", j.ID, "error", err)
		}
		res.CSVPath = path
	}
	return res
}

func (p *Pipeline) Status() Status {
	jobs := p.tracker.List("", "")
	if len(jobs) > recentJobs {
		jobs = jobs[:recentJobs]
	}
	return Status{
		Running:    p.Running(),
		Scheduler:  p.scheduler.Status(),
		Alerts:     p.monitor.AlertSummary(),
		Metrics:    p.monitor.MetricsSummary(),
		JobCounts:  p.tracker.Counts(),
		RecentJobs: jobs,
	}
}

func (p *Pipeline) GetJob(id string) (*job.Job, error) {
	return p.tracker.Get(id)
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (p *Pipeline) ListJobs(status job.Status) ([]job.Job, error) {
	if status != "" && !status.Valid() {
		return nil, apperror.New(apperror.BadRequest, fmt.Sprintf("invalid status %q", status))
	}
	return p.tracker.List(status, ""), nil
}

// Cleanup forgets jobs and alerts older than days and prunes raw and
// processed files by their configured retention.
func (p *Pipeline) Cleanup(ctx context.Context, days int) (CleanupResult, error) {
	var res CleanupResult
	if days <= 0 {
		return res, apperror.New(apperror.BadRequest, "days must be positive")
	}
	slog.Info("pipeline: starting cleanup", "days", days)

	n, err := p.tracker.Cleanup(ctx, days)
	res.Jobs = n
	if err != nil {
		return res, fmt.Errorf("cleanup jobs: %w", err)
	}
	if res.Alerts, err = p.monitor.CleanupAlerts(ctx, days); err != nil {
		return res, fmt.Errorf("cleanup alerts: %w", err)
	}
	if res.Files, err = p.store.PruneDays(p.cfg.RawDays, p.cfg.ProcessedDays); err != nil {
		return res, fmt.Errorf("prune files: %w", err)
	}

	slog.Info("pipeline: cleanup completed", "jobs", res.Jobs, "alerts", res.Alerts, "files", res.Files)
	return res, nil
}
