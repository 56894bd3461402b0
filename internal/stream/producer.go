// Package stream continuously extracts fast-moving data types and publishes
// every record as a message, one independent task per data type.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/extractor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Message is one published record.
type Message struct {
	Timestamp time.Time  `json:"timestamp"`
	DataType  string     `json:"data_type"`
	Key       string     `json:"key,omitempty"`
	Data      record.Row `json:"data"`
	Metadata  Metadata   `json:"metadata"`
}

type Metadata struct {
	JobID  string `json:"job_id"`
	Source string `json:"source"`
}

// Publisher delivers messages to a topic.
type Publisher interface {
	Send(ctx context.Context, topic string, m Message) error
}

// Runner extracts one source synchronously and returns the terminal job.
type Runner interface {
	Run(ctx context.Context, source record.Source, params job.Params, trigger string) (*job.Job, error)
}

// Loader reads the processed records a job wrote.
type Loader interface {
	LoadProcessed(path string) ([]record.Row, error)
}

// Task describes one continuously produced data type.
type Task struct {
	Source   record.Source
	DataType string
	Topic    string
	KeyField string
	Params   job.Params
	Interval time.Duration
}

// Intervals between extractions of each streamed data type.
type Intervals struct {
	Quotes    time.Duration
	Screeners time.Duration
	News      time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Quotes: 30 * time.Second, Screeners: 5 * time.Minute, News: 10 * time.Minute}
}

// DefaultTasks streams quotes, screeners and news.
func DefaultTasks(symbols, screenerLists []string, iv Intervals) []Task {
	return []Task{
		{
			Source: record.SourceQuotes, DataType: "stock_quote", Topic: "yahoo-stock-quotes",
			KeyField: "symbol", Params: job.Params{extractor.ParamSymbols: symbols}, Interval: iv.Quotes,
		},
		{
			Source: record.SourceScreeners, DataType: "market_screener", Topic: "yahoo-market-screeners",
			KeyField: "screener_type", Params: job.Params{extractor.ParamLists: screenerLists}, Interval: iv.Screeners,
		},
		{
			Source: record.SourceNews, DataType: "stock_news", Topic: "yahoo-stock-news",
			KeyField: "symbol", Params: job.Params{extractor.ParamSymbols: symbols}, Interval: iv.News,
		},
	}
}

type Producer struct {
	runner Runner
	loader Loader
	pub    Publisher
	tasks  []Task
	clock  clock.Clock
}

type Option func(*Producer)

func WithClock(c clock.Clock) Option {
	return func(p *Producer) { p.clock = c }
}

func NewProducer(runner Runner, loader Loader, pub Publisher, tasks []Task, opts ...Option) *Producer {
	p := &Producer{
		runner: runner,
		loader: loader,
		pub:    pub,
		tasks:  tasks,
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts one goroutine per task and blocks until ctx is cancelled.
// Tasks share nothing but the producer's read-only configuration.
func (p *Producer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range p.tasks {
		if t.Interval <= 0 {
			return fmt.Errorf("stream task %s: interval must be positive", t.DataType)
		}
		g.Go(func() error {
			p.loop(ctx, t)
			return nil
		})
	}
	slog.Info("stream: producer started", "tasks", len(p.tasks))
	err := g.Wait()
	slog.Info("stream: producer stopped")
	return err
}

func (p *Producer) loop(ctx context.Context, t Task) {
	for {
		if _, err := p.RunOnce(ctx, t); err != nil && ctx.Err() == nil {
			slog.Error("stream: produce failed", "dataType", t.DataType, "error", err)
		}
		if err := p.clock.Sleep(ctx, t.Interval); err != nil {
			return
		}
	}
}

// RunOnce extracts t's source once and publishes every processed record.
// It returns the number of messages sent.
func (p *Producer) RunOnce(ctx context.Context, t Task) (int, error) {
	j, err := p.runner.Run(ctx, t.Source, t.Params.Clone(), "stream:"+t.DataType)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", t.Source, err)
	}
	if j.Status != job.StatusCompleted {
		return 0, fmt.Errorf("extract %s: job %s %s: %s", t.Source, j.ID, j.Status, j.Error)
	}
	if j.ProcessedPath == "" {
		return 0, nil
	}

	rows, err := p.loader.LoadProcessed(j.ProcessedPath)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", j.ProcessedPath, err)
	}

	sent := 0
	for _, r := range rows {
		m := Message{
			Timestamp: p.clock.Now().UTC(),
			DataType:  t.DataType,
			Key:       record.String(r[t.KeyField]),
			Data:      r,
			Metadata:  Metadata{JobID: j.ID, Source: record.OriginYahoo},
		}
		if err := p.pub.Send(ctx, t.Topic, m); err != nil {
			return sent, fmt.Errorf("send to %s: %w", t.Topic, err)
		}
		sent++
	}
	slog.Info("stream: produced", "dataType", t.DataType, "count", sent, "job", j.ID)
	return sent, nil
}
