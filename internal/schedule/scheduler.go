// Package schedule fires extractions on cron schedules from a one-minute
// tick loop. A schedule never overlaps itself; distinct schedules may run
// concurrently.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

const (
	defaultTick        = time.Minute
	defaultStopTimeout = 5 * time.Second
)

// Runner extracts one source synchronously and returns the terminal job.
type Runner interface {
	Run(ctx context.Context, source record.Source, params job.Params, trigger string) (*job.Job, error)
}

// Entry is the definition of one schedule.
type Entry struct {
	Name    string        `yaml:"name" json:"name"`
	Source  record.Source `yaml:"source" json:"data_source"`
	Cron    string        `yaml:"cron" json:"cron_expression"`
	Params  job.Params    `yaml:"params,omitempty" json:"params,omitempty"`
	Enabled bool          `yaml:"enabled" json:"enabled"`
}

// DefaultEntries are the built-in schedules. Hour ranges are inclusive, so
// 9-15 covers 09:00 through 15:59.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "market_tickers_daily", Source: record.SourceTickers, Cron: "0 6 * * *", Enabled: true},
		{Name: "stock_quotes_frequent", Source: record.SourceQuotes, Cron: "*/5 9-15 * * 1-5", Enabled: true},
		{Name: "stock_history_daily", Source: record.SourceHistory, Cron: "0 19 * * *", Enabled: true},
		{Name: "market_screeners_frequent", Source: record.SourceScreeners, Cron: "*/15 9-15 * * 1-5", Enabled: true},
		{Name: "stock_news_frequent", Source: record.SourceNews, Cron: "*/30 * * * *", Enabled: true},
	}
}

// Status is the observable state of one schedule.
type Status struct {
	Name       string        `json:"name"`
	Source     record.Source `json:"data_source"`
	Cron       string        `json:"cron_expression"`
	Enabled    bool          `json:"enabled"`
	Running    bool          `json:"running"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	LastJobID  string        `json:"last_job_id,omitempty"`
	LastStatus job.Status    `json:"last_status,omitempty"`
}

type entry struct {
	Entry
	cron       *Cron
	running    bool
	lastFire   time.Time
	lastRun    *time.Time
	lastJobID  string
	lastStatus job.Status
}

type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	runner  Runner
	clock   clock.Clock
	loc     *time.Location
	onJob   func(ctx context.Context, j *job.Job)

	tick        time.Duration
	stopTimeout time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
	inflight    sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithOnJob registers fn to receive every job a schedule or RunImmediate
// produced, after it finished.
func WithOnJob(fn func(ctx context.Context, j *job.Job)) Option {
	return func(s *Scheduler) { s.onJob = fn }
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries:     make(map[string]*entry),
		runner:      runner,
		clock:       clock.Real{},
		loc:         time.UTC,
		tick:        defaultTick,
		stopTimeout: defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a schedule. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" {
		return apperror.New(apperror.BadRequest, "schedule name is required")
	}
	if !e.Source.Valid() {
		return apperror.New(apperror.BadRequest, fmt.Sprintf("schedule %s: unknown source %q", e.Name, e.Source))
	}
	c, err := ParseCron(e.Cron)
	if err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Name]; ok {
		return apperror.New(apperror.Conflict, fmt.Sprintf("schedule %s already exists", e.Name))
	}
	e.Params = e.Params.Clone()
	s.entries[e.Name] = &entry{Entry: e, cron: c}
	slog.Info("scheduler: schedule added", "name", e.Name, "source", e.Source, "cron", c.String())
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return notFound(name)
	}
	delete(s.entries, name)
	slog.Info("scheduler: schedule removed", "name", name)
	return nil
}

func (s *Scheduler) Enable(name string) error  { return s.setEnabled(name, true) }
func (s *Scheduler) Disable(name string) error { return s.setEnabled(name, false) }

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return notFound(name)
	}
	e.Enabled = enabled
	slog.Info("scheduler: schedule updated", "name", name, "enabled", enabled)
	return nil
}

func notFound(name string) error {
	return apperror.New(apperror.NotFound, fmt.Sprintf("schedule %s not found", name))
}

// Start launches the tick loop. Calling Start on a running scheduler is a
// no-op. Runs get ctx's values without its cancellation, so neither Stop nor
// cancelling ctx aborts an extraction already in progress.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		slog.Warn("scheduler: already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, context.WithoutCancel(ctx), s.done)
	slog.Info("scheduler: started", "schedules", len(s.entries))
}

// Stop ends the tick loop and waits for it up to the stop timeout. It does
// not wait for in-flight runs. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
		slog.Info("scheduler: stopped")
	case <-time.After(s.stopTimeout):
		slog.Warn("scheduler: tick loop did not stop in time", "timeout", s.stopTimeout.String())
	}
}

// Wait blocks until every dispatched run has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// WaitTimeout is Wait bounded by d. It reports whether every run finished.
func (s *Scheduler) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func (s *Scheduler) loop(ctx, runCtx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := s.clock.Now()
		wait := now.Truncate(s.tick).Add(s.tick).Sub(now)
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return
		}
		s.Tick(runCtx, s.clock.Now())
	}
}

// Tick dispatches every enabled schedule due at now and returns their names.
// A schedule fires at most once per minute and is skipped while its previous
// run is still in flight.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	minute := now.In(s.loc).Truncate(time.Minute)

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.Enabled || !e.cron.Match(minute) || e.lastFire.Equal(minute) {
			continue
		}
		if e.running {
			slog.Warn("scheduler: previous run still in flight, skipping", "name", e.Name)
			continue
		}
		e.lastFire = minute
		e.running = true
		due = append(due, e)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	names := make([]string, 0, len(due))
	for _, e := range due {
		names = append(names, e.Name)
		s.inflight.Add(1)
		go s.dispatch(ctx, e)
	}
	return names
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	defer s.inflight.Done()

	s.mu.Lock()
	name, source, params := e.Name, e.Source, e.Params.Clone()
	s.mu.Unlock()

	slog.Info("scheduler: executing schedule", "name", name, "source", source)
	j, err := s.execute(ctx, source, params, "schedule:"+name)

	now := s.clock.Now().UTC()
	s.mu.Lock()
	e.running = false
	e.lastRun = &now
	if j != nil {
		e.lastJobID = j.ID
		e.lastStatus = j.Status
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("scheduler: schedule failed", "name", name, "error", err)
		return
	}
	slog.Info("scheduler: schedule completed", "name", name, "job", j.ID, "status", j.Status)
}

// execute runs the extraction and the job hook, containing panics so a bad
// run never takes down the tick loop.
func (s *Scheduler) execute(ctx context.Context, source record.Source, params job.Params, trigger string) (j *job.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	j, err = s.runner.Run(ctx, source, params, trigger)
	if err != nil {
		return j, err
	}
	if s.onJob != nil {
		s.onJob(ctx, j)
	}
	return j, nil
}

// RunImmediate extracts source now, outside any schedule.
func (s *Scheduler) RunImmediate(ctx context.Context, source record.Source, params job.Params) (*job.Job, error) {
	if !source.Valid() {
		return nil, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown source %q", source))
	}
	slog.Info("scheduler: running immediate job", "source", source)
	j, err := s.execute(ctx, source, params, "manual")
	if err != nil {
		return nil, err
	}
	slog.Info("scheduler: immediate job completed", "job", j.ID, "status", j.Status)
	return j, nil
}

// Status reports every schedule, sorted by name.
func (s *Scheduler) Status() []Status {
	now := s.clock.Now().In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:       e.Name,
			Source:     e.Source,
			Cron:       e.cron.String(),
			Enabled:    e.Enabled,
			Running:    e.running,
			LastJobID:  e.lastJobID,
			LastStatus: e.lastStatus,
		}
		if e.lastRun != nil {
			t := *e.lastRun
			st.LastRun = &t
		}
		if e.Enabled {
			if next := e.cron.Next(now); !next.IsZero() {
				next = next.UTC()
				st.NextRun = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
