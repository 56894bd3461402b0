package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ahmethakanbesel/finance-pipeline/internal/config"
	"github.com/ahmethakanbesel/finance-pipeline/internal/extractor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/httpclient"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/lake"
	"github.com/ahmethakanbesel/finance-pipeline/internal/lake/postgres"
	"github.com/ahmethakanbesel/finance-pipeline/internal/monitor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/pipeline"
	"github.com/ahmethakanbesel/finance-pipeline/internal/platform/sqlite"
	"github.com/ahmethakanbesel/finance-pipeline/internal/provider/walmart"
	"github.com/ahmethakanbesel/finance-pipeline/internal/provider/yahoo"
	alertrepo "github.com/ahmethakanbesel/finance-pipeline/internal/repository/alert"
	jobrepo "github.com/ahmethakanbesel/finance-pipeline/internal/repository/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/storage"
	"github.com/ahmethakanbesel/finance-pipeline/internal/stream"
)

type app struct {
	pipe    *pipeline.Pipeline
	tracker *job.Tracker
	jobSvc  *job.Service
	store   *storage.FileStore
	hub     *stream.Hub
	yahoo   *yahoo.Client
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{hub: stream.NewHub()}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	a.tracker = job.NewTracker(
		job.WithRepository(jobrepo.NewRepository(db.DB)),
		job.WithObserver(func(j job.Job) { a.hub.Publish(stream.MakeEvent("job", j)) }),
	)
	if err := a.tracker.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.jobSvc = job.NewService(a.tracker)

	mon := monitor.New(
		monitor.WithThresholds(cfg.Thresholds),
		monitor.WithAlertStore(alertrepo.NewRepository(db.DB)),
		monitor.WithSampler(monitor.NewSystemSampler(cfg.DataDir)),
	)
	if err := mon.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// Yahoo and Walmart share one RapidAPI quota.
	limiter := httpclient.NewLimiter(cfg.RequestsPerMinute, cfg.Burst)
	apiOpts := func(host string) []httpclient.Option {
		return []httpclient.Option{
			httpclient.WithRapidAPI(cfg.APIKey, host),
			httpclient.WithTimeout(cfg.RequestTimeout),
			httpclient.WithLimiter(limiter),
			httpclient.WithRetry(cfg.MaxRetries, cfg.RetryDelay),
			httpclient.WithObserver(func(k httpclient.Kind) { mon.RecordAPICall(k == httpclient.KindOK) }),
		}
	}
	yahooAPI := httpclient.New(cfg.YahooBaseURL, apiOpts(cfg.YahooHost)...)
	a.yahoo = yahoo.New(yahooAPI)
	var wc *walmart.Client
	if cfg.Sources.WalmartEnabled() {
		wc = walmart.New(httpclient.New(cfg.WalmartBaseURL, apiOpts(cfg.WalmartHost)...))
	}

	a.store = storage.New(cfg.RawDir, cfg.ProcessedDir, cfg.OutputDir)
	if err := a.store.Init(); err != nil {
		a.Close()
		return nil, err
	}

	rt := extractor.Runtime{Tracker: a.tracker, Store: a.store, Delay: cfg.CallDelay}
	registry := extractor.NewRegistryWith(a.yahoo, wc, rt, cfg.ExtractorDefaults())

	sink, err := buildLake(ctx, cfg, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithLake(sink)}
	if cfg.Stream.Enabled {
		tasks := stream.DefaultTasks(cfg.Sources.QuoteSymbols, cfg.Sources.ScreenerLists, stream.Intervals{
			Quotes:    cfg.Stream.QuotesInterval,
			Screeners: cfg.Stream.ScreenersInterval,
			News:      cfg.Stream.NewsInterval,
		})
		// Stream tasks run side by side, so their calls take the async path.
		streamReg := extractor.NewRegistryWith(yahoo.New(yahooAPI, yahoo.WithAsync()), nil, rt, cfg.ExtractorDefaults())
		opts = append(opts, pipeline.WithProducer(stream.NewProducer(streamReg, a.store, a.hub, tasks)))
	}

	pcfg := pipeline.DefaultConfig()
	pcfg.Parallel = cfg.Workers
	pcfg.Schedules = cfg.ScheduleEntries()
	pcfg.Location = cfg.Location()
	pcfg.MonitorInterval = cfg.MonitorInterval
	pcfg.ExportCSV = cfg.ExportCSV
	pcfg.RawDays = cfg.Retention.RawDays
	pcfg.ProcessedDays = cfg.Retention.ProcessedDays

	a.pipe, err = pipeline.New(pcfg, registry, a.tracker, mon, a.store, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildLake returns the directory lake, fanned out to Postgres when a DSN is
// configured.
func buildLake(ctx context.Context, cfg config.Config, a *app) (lake.Sink, error) {
	var sinks lake.Multi
	if cfg.Lake.Dir != "" {
		sinks = append(sinks, lake.NewDir(cfg.Lake.Dir))
	}
	if cfg.Lake.DSN != "" {
		pool, err := postgres.OpenPool(ctx, cfg.Lake.DSN, cfg.Lake.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open lake database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		sinks = append(sinks, postgres.New(pool,
			postgres.WithSchema(cfg.Lake.Schema),
			postgres.WithBatchSize(cfg.BatchSize),
		))
		slog.Info("lake: postgres sink enabled", "schema", cfg.Lake.Schema)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}
