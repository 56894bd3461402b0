package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/monitor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
	"github.com/ahmethakanbesel/finance-pipeline/internal/schedule"
	"github.com/ahmethakanbesel/finance-pipeline/internal/storage"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu      sync.Mutex
	tracker *job.Tracker
	store   *storage.FileStore
	clock   clock.Clock
	rows    map[record.Source][]record.Row
	fail    map[record.Source]bool
	calls   []string
}

func (r *fakeRunner) Run(ctx context.Context, source record.Source, params job.Params, trigger string) (*job.Job, error) {
	if source == record.SourceWalmart {
		return nil, apperror.New(apperror.NotFound, "no extractor for source: walmart_products")
	}
	r.mu.Lock()
	r.calls = append(r.calls, trigger)
	r.mu.Unlock()

	j, _ := r.tracker.Create(ctx, source, params, trigger)
	_ = r.Process(ctx, j)
	return j, nil
}

func (r *fakeRunner) Process(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	rows, fail := r.rows[j.Source], r.fail[j.Source]
	r.mu.Unlock()

	now := r.clock.Now()
	if j.Status == job.StatusPending {
		_ = j.Start(now)
	}
	var err error
	if fail {
		err = errors.New("upstream unavailable")
		_ = j.Fail(now, err)
	} else {
		path, serr := r.store.SaveProcessed(string(j.Source), rows)
		if serr != nil {
			return serr
		}
		j.ProcessedPath = path
		j.TotalItems = len(rows)
		j.ProcessedItems = len(rows)
		j.RecordCount = len(rows)
		_ = j.Complete(now)
	}
	_ = r.tracker.Save(ctx, j)
	return err
}

func (r *fakeRunner) Sources() []record.Source {
	return []record.Source{record.SourceQuotes, record.SourceNews}
}

type mockSink struct {
	mu     sync.Mutex
	tables map[string]int
	err    error
}

func (s *mockSink) Store(_ context.Context, table string, rows []record.Row) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.tables[table] += len(rows)
	return "lake://" + table, nil
}

type env struct {
	p       *Pipeline
	runner  *fakeRunner
	tracker *job.Tracker
	monitor *monitor.Monitor
	store   *storage.FileStore
	sink    *mockSink
	clock   *clock.Fake
}

func quoteRows() []record.Row {
	return []record.Row{
		{"symbol": "AAPL", "price": 190.5, "volume": 1000.0, "market_cap": 3e12, "sector": "Technology"},
		{"symbol": "MSFT", "price": 410.0, "volume": 900.0, "market_cap": 3.1e12, "sector": "Technology"},
	}
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	fc := clock.NewFake(t0)
	dir := t.TempDir()
	store := storage.New(filepath.Join(dir, "raw"), filepath.Join(dir, "processed"), filepath.Join(dir, "output"), storage.WithClock(fc))
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}
	tracker := job.NewTracker(job.WithClock(fc))
	mon := monitor.New(
		monitor.WithClock(fc),
		monitor.WithSampler(monitor.SamplerFunc(func() (monitor.Usage, error) { return monitor.Usage{}, nil })),
	)
	runner := &fakeRunner{
		tracker: tracker,
		store:   store,
		clock:   fc,
		rows: map[record.Source][]record.Row{
			record.SourceQuotes: quoteRows(),
			record.SourceNews:   {{"symbol": "AAPL", "title": "Apple ships", "url": "https://example.com/a"}},
		},
		fail: map[record.Source]bool{},
	}
	sink := &mockSink{tables: map[string]int{}}

	p, err := New(cfg, runner, tracker, mon, store, WithLake(sink), WithClock(fc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &env{p: p, runner: runner, tracker: tracker, monitor: mon, store: store, sink: sink, clock: fc}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Schedules = nil
	return cfg
}

func TestRunDataSource_Completed(t *testing.T) {
	e := newEnv(t, testConfig())

	res, err := e.p.RunDataSource(context.Background(), record.SourceQuotes, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Status != job.StatusCompleted {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ProcessedItems != 2 || res.Metrics.RecordsProcessed != 2 {
		t.Fatalf("expected 2 processed, got %d and %d", res.ProcessedItems, res.Metrics.RecordsProcessed)
	}
	if len(res.QualityChecks) != 3 {
		t.Fatalf("expected 3 quality checks, got %d", len(res.QualityChecks))
	}
	if len(res.Alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", res.Alerts)
	}
	if res.Aggregations == nil || res.Aggregations.Summary == nil {
		t.Fatal("expected quote aggregations")
	}
	if res.Transform == nil || res.Transform.EnrichedCount != 2 {
		t.Fatalf("unexpected transform metadata: %+v", res.Transform)
	}
	if e.sink.tables["stock_quotes"] != 2 || res.LakePath != "lake://stock_quotes" {
		t.Fatalf("expected 2 rows in lake, got %v (%s)", e.sink.tables, res.LakePath)
	}
	if res.CSVPath == "" {
		t.Fatal("expected csv export")
	}
	if _, err := os.Stat(res.CSVPath); err != nil {
		t.Fatalf("expected csv file: %v", err)
	}
	if e.runner.calls[0] != "manual" {
		t.Fatalf("expected manual trigger, got %s", e.runner.calls[0])
	}
}

func TestRunDataSource_Failed(t *testing.T) {
	e := newEnv(t, testConfig())
	e.runner.fail[record.SourceQuotes] = true

	res, err := e.p.RunDataSource(context.Background(), record.SourceQuotes, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "upstream unavailable" {
		t.Fatalf("expected job error, got %q", res.Error)
	}
	// job failed plus the source failure rate, which counts this job
	if len(res.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(res.Alerts))
	}
	if len(e.sink.tables) != 0 {
		t.Fatal("failed job must not reach the lake")
	}
}

func TestRunDataSource_UnknownSource(t *testing.T) {
	e := newEnv(t, testConfig())

	_, err := e.p.RunDataSource(context.Background(), "crypto", nil)
	if apperror.CodeOf(err) != apperror.BadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}

	res, err := e.p.RunDataSource(context.Background(), record.SourceWalmart, nil)
	if !apperror.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("expected failed result, got %+v", res)
	}
}

func TestProcessJob_ExportDisabledAndLakeError(t *testing.T) {
	cfg := testConfig()
	cfg.ExportCSV = false
	e := newEnv(t, cfg)
	e.sink.err = errors.New("lake offline")

	res, _ := e.p.RunDataSource(context.Background(), record.SourceQuotes, nil)
	if !res.Success {
		t.Fatal("lake errors must not fail the run")
	}
	if res.CSVPath != "" || res.LakePath != "" {
		t.Fatalf("expected no outputs, got %q %q", res.CSVPath, res.LakePath)
	}
}

func TestProcessJob_EmptyRows(t *testing.T) {
	e := newEnv(t, testConfig())
	e.runner.rows[record.SourceQuotes] = nil

	res, _ := e.p.RunDataSource(context.Background(), record.SourceQuotes, nil)
	if !res.Success {
		t.Fatal("expected success")
	}
	if res.QualityChecks != nil || res.Transform != nil {
		t.Fatal("expected transform skipped")
	}
}

func TestProcessJob_DataQualityAlerts(t *testing.T) {
	e := newEnv(t, testConfig())
	e.runner.rows[record.SourceQuotes] = []record.Row{
		{"symbol": "AAPL", "price": 190.5},
		{"symbol": "AAPL", "price": -1.0},
	}

	res, _ := e.p.RunDataSource(context.Background(), record.SourceQuotes, nil)
	if len(res.Alerts) == 0 {
		t.Fatal("expected data quality alerts")
	}
	for _, a := range res.Alerts {
		if a.Type == monitor.AlertInfo {
			t.Fatalf("unexpected info alert %+v", a)
		}
	}
}

func TestRunFullPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.FullRunSources = []record.Source{record.SourceQuotes, record.SourceNews, record.SourceHistory}
	e := newEnv(t, cfg)
	e.runner.fail[record.SourceHistory] = true

	sum := e.p.RunFullPipeline(context.Background())
	if sum.DataSourcesProcessed != 3 {
		t.Fatalf("expected 3 sources, got %d", sum.DataSourcesProcessed)
	}
	if sum.SuccessfulSources != 2 || sum.FailedSources != 1 {
		t.Fatalf("expected 2/1, got %d/%d", sum.SuccessfulSources, sum.FailedSources)
	}
	if sum.Results["stock_history"].Success {
		t.Fatal("expected history to fail")
	}
	if !sum.Results["stock_news"].Success {
		t.Fatal("expected news to succeed")
	}
}

func TestProcess_QueuedJob(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	j, _ := e.tracker.Create(ctx, record.SourceNews, nil, "api")
	claimed, err := e.tracker.ClaimPending(ctx)
	if err != nil || claimed == nil || claimed.ID != j.ID {
		t.Fatalf("expected to claim %s, got %v %v", j.ID, claimed, err)
	}
	if err := e.p.Process(ctx, claimed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.sink.tables["stock_news"] != 1 {
		t.Fatalf("expected news in lake, got %v", e.sink.tables)
	}
	if len(e.monitor.Metrics()) != 1 {
		t.Fatalf("expected metrics for queued job, got %d", len(e.monitor.Metrics()))
	}
}

func TestScheduledRunsAreProcessed(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []schedule.Entry{{Name: "quotes", Source: record.SourceQuotes, Cron: "* * * * *", Enabled: true}}
	e := newEnv(t, cfg)

	fired := e.p.Scheduler().Tick(context.Background(), t0)
	if len(fired) != 1 {
		t.Fatalf("expected 1 schedule fired, got %v", fired)
	}
	e.p.Scheduler().Wait()

	if e.sink.tables["stock_quotes"] != 2 {
		t.Fatalf("expected scheduled run in lake, got %v", e.sink.tables)
	}
	if e.runner.calls[0] != "schedule:quotes" {
		t.Fatalf("expected schedule trigger, got %s", e.runner.calls[0])
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []schedule.Entry{{Name: "bad", Source: record.SourceQuotes, Cron: "nope", Enabled: true}}
	fc := clock.NewFake(t0)
	tracker := job.NewTracker(job.WithClock(fc))
	_, err := New(cfg, &fakeRunner{}, tracker, monitor.New(), storage.New("r", "p", "o"))
	if apperror.CodeOf(err) != apperror.BadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestStatusAndJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []schedule.Entry{{Name: "news", Source: record.SourceNews, Cron: "*/30 * * * *", Enabled: true}}
	e := newEnv(t, cfg)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		e.clock.Advance(time.Second)
		_, _ = e.p.RunDataSource(ctx, record.SourceNews, nil)
	}
	e.runner.fail[record.SourceQuotes] = true
	e.clock.Advance(time.Second)
	failed, _ := e.p.RunDataSource(ctx, record.SourceQuotes, nil)

	st := e.p.Status()
	if len(st.RecentJobs) != 10 {
		t.Fatalf("expected 10 recent jobs, got %d", len(st.RecentJobs))
	}
	if st.RecentJobs[0].ID != failed.JobID {
		t.Fatal("expected newest job first")
	}
	if len(st.Scheduler) != 1 || st.Scheduler[0].Name != "news" {
		t.Fatalf("unexpected scheduler status %+v", st.Scheduler)
	}
	if st.JobCounts[job.StatusCompleted] != 12 || st.JobCounts[job.StatusFailed] != 1 {
		t.Fatalf("unexpected counts %v", st.JobCounts)
	}
	if st.Alerts.Total == 0 {
		t.Fatal("expected failure alerts in summary")
	}
	if st.Running {
		t.Fatal("pipeline not started")
	}

	jobs, err := e.p.ListJobs(job.StatusFailed)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected 1 failed job, got %d (%v)", len(jobs), err)
	}
	if _, err := e.p.ListJobs("bogus"); apperror.CodeOf(err) != apperror.BadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	got, err := e.p.GetJob(failed.JobID)
	if err != nil || got.Status != job.StatusFailed {
		t.Fatalf("expected failed job, got %v %v", got, err)
	}
	if _, err := e.p.GetJob("missing"); !apperror.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCleanup(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	e.runner.fail[record.SourceQuotes] = true
	_, _ = e.p.RunDataSource(ctx, record.SourceQuotes, nil)
	_, _ = e.p.RunDataSource(ctx, record.SourceNews, nil)

	if _, err := e.p.Cleanup(ctx, 0); apperror.CodeOf(err) != apperror.BadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}

	e.clock.Advance(100 * 24 * time.Hour)
	res, err := e.p.Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Jobs != 2 {
		t.Fatalf("expected 2 jobs removed, got %d", res.Jobs)
	}
	if res.Alerts != 2 {
		t.Fatalf("expected 2 alerts removed, got %d", res.Alerts)
	}
	if len(e.tracker.List("", "")) != 0 {
		t.Fatal("expected tracker empty")
	}
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	store := storage.New(filepath.Join(dir, "raw"), filepath.Join(dir, "processed"), filepath.Join(dir, "output"))
	tracker := job.NewTracker()
	mon := monitor.New(monitor.WithSampler(monitor.SamplerFunc(func() (monitor.Usage, error) { return monitor.Usage{}, nil })))
	cfg := testConfig()
	cfg.MonitorInterval = time.Hour
	p, err := New(cfg, &fakeRunner{tracker: tracker, store: store, clock: clock.Real{}}, tracker, mon, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	p.Start(ctx)
	if !p.Running() || !p.Scheduler().Running() {
		t.Fatal("expected running")
	}
	p.Stop()
	p.Stop()
	if p.Running() || p.Scheduler().Running() {
		t.Fatal("expected stopped")
	}
}

// blockingRunner holds every Run until release is closed or ctx is done and
// remembers the context error it saw.
type blockingRunner struct {
	*fakeRunner
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (b *blockingRunner) Run(ctx context.Context, source record.Source, params job.Params, trigger string) (*job.Job, error) {
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
	case <-b.release:
	}
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return b.fakeRunner.Run(ctx, source, params, trigger)
}

func (b *blockingRunner) seenErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxErr
}

func newBlockingPipeline(t *testing.T, stopTimeout time.Duration) (*Pipeline, *blockingRunner, *job.Tracker) {
	t.Helper()
	dir := t.TempDir()
	store := storage.New(filepath.Join(dir, "raw"), filepath.Join(dir, "processed"), filepath.Join(dir, "output"))
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}
	tracker := job.NewTracker()
	mon := monitor.New(monitor.WithSampler(monitor.SamplerFunc(func() (monitor.Usage, error) { return monitor.Usage{}, nil })))
	runner := &blockingRunner{
		fakeRunner: &fakeRunner{
			tracker: tracker,
			store:   store,
			clock:   clock.Real{},
			rows:    map[record.Source][]record.Row{record.SourceQuotes: quoteRows()},
			fail:    map[record.Source]bool{},
		},
		started: make(chan struct{}, 10),
		release: make(chan struct{}),
	}

	cfg := testConfig()
	cfg.MonitorInterval = time.Hour
	cfg.StopTimeout = stopTimeout
	cfg.ExportCSV = false
	cfg.Schedules = []schedule.Entry{{Name: "every_minute", Source: record.SourceQuotes, Cron: "* * * * *", Enabled: true}}
	p, err := New(cfg, runner, tracker, mon, store, WithSchedulerOptions(schedule.WithTickInterval(10*time.Millisecond)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p, runner, tracker
}

func TestStop_DoesNotAbortScheduledRun(t *testing.T) {
	p, runner, tracker := newBlockingPipeline(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run did not start")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(runner.release)
	}()
	p.Stop()

	if err := runner.seenErr(); err != nil {
		t.Fatalf("in-flight scheduled run saw %v after Stop", err)
	}
	jobs := tracker.List(job.StatusCompleted, record.SourceQuotes)
	if len(jobs) != 1 || jobs[0].Trigger != "schedule:every_minute" {
		t.Errorf("expected one completed scheduled job, got %+v", jobs)
	}
}

func TestStop_BoundedWait(t *testing.T) {
	p, runner, _ := newBlockingPipeline(t, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run did not start")
	}

	begin := time.Now()
	p.Stop()
	if d := time.Since(begin); d > time.Second {
		t.Errorf("expected Stop to return after its timeout, took %v", d)
	}

	close(runner.release)
	if !p.Scheduler().WaitTimeout(2 * time.Second) {
		t.Fatal("run did not finish after release")
	}
	if err := runner.seenErr(); err != nil {
		t.Errorf("run outliving Stop saw %v", err)
	}
}
