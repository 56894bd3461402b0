package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

type mockRunner struct {
	mu     sync.Mutex
	calls  map[record.Source]int
	status job.Status
	onCall func(total int)
}

func (m *mockRunner) Run(_ context.Context, source record.Source, params job.Params, trigger string) (*job.Job, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[record.Source]int)
	}
	m.calls[source]++
	total := 0
	for _, n := range m.calls {
		total += n
	}
	m.mu.Unlock()
	if m.onCall != nil {
		m.onCall(total)
	}

	j := job.New(source, params, t0)
	j.Trigger = trigger
	_ = j.Start(t0)
	if m.status == job.StatusFailed {
		_ = j.Fail(t0, errors.New("upstream down"))
		return j, nil
	}
	j.ProcessedPath = string(source) + ".json"
	_ = j.Complete(t0)
	return j, nil
}

func (m *mockRunner) count(s record.Source) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[s]
}

type mockLoader struct{}

func (mockLoader) LoadProcessed(path string) ([]record.Row, error) {
	switch path {
	case "stock_quotes.json":
		return []record.Row{{"symbol": "AAPL", "price": 190.0}, {"symbol": "MSFT", "price": 410.0}}, nil
	case "market_screeners.json":
		return []record.Row{{"symbol": "NVDA", "screener_type": "day_gainers"}}, nil
	}
	return nil, nil
}

type mockPublisher struct {
	mu   sync.Mutex
	sent map[string][]Message
	err  error
}

func (m *mockPublisher) Send(_ context.Context, topic string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.sent == nil {
		m.sent = make(map[string][]Message)
	}
	m.sent[topic] = append(m.sent[topic], msg)
	return nil
}

func TestRunOnce_PublishesEveryRecord(t *testing.T) {
	pub := &mockPublisher{}
	tasks := DefaultTasks([]string{"AAPL", "MSFT"}, nil, DefaultIntervals())
	p := NewProducer(&mockRunner{}, mockLoader{}, pub, tasks, WithClock(clock.NewFake(t0)))

	n, err := p.RunOnce(context.Background(), tasks[0])
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}

	msgs := pub.sent["yahoo-stock-quotes"]
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages on quotes topic, got %d", len(msgs))
	}
	m := msgs[1]
	if m.Key != "MSFT" || m.DataType != "stock_quote" || m.Data["price"] != 410.0 {
		t.Errorf("unexpected message %+v", m)
	}
	if m.Metadata.JobID == "" || m.Metadata.Source != record.OriginYahoo || !m.Timestamp.Equal(t0) {
		t.Errorf("unexpected metadata %+v at %s", m.Metadata, m.Timestamp)
	}
}

func TestRunOnce_ScreenerKey(t *testing.T) {
	pub := &mockPublisher{}
	tasks := DefaultTasks(nil, []string{"day_gainers"}, DefaultIntervals())
	p := NewProducer(&mockRunner{}, mockLoader{}, pub, tasks, WithClock(clock.NewFake(t0)))

	if _, err := p.RunOnce(context.Background(), tasks[1]); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if msgs := pub.sent["yahoo-market-screeners"]; len(msgs) != 1 || msgs[0].Key != "day_gainers" {
		t.Errorf("expected screener keyed by type, got %+v", msgs)
	}
}

func TestRunOnce_FailedJobPublishesNothing(t *testing.T) {
	pub := &mockPublisher{}
	tasks := DefaultTasks(nil, nil, DefaultIntervals())
	p := NewProducer(&mockRunner{status: job.StatusFailed}, mockLoader{}, pub, tasks)

	if _, err := p.RunOnce(context.Background(), tasks[0]); err == nil {
		t.Fatal("expected error for failed job")
	}
	if len(pub.sent) != 0 {
		t.Errorf("expected nothing published, got %v", pub.sent)
	}
}

func TestRunOnce_PublisherError(t *testing.T) {
	pub := &mockPublisher{err: errors.New("broker unavailable")}
	tasks := DefaultTasks(nil, nil, DefaultIntervals())
	p := NewProducer(&mockRunner{}, mockLoader{}, pub, tasks)

	n, err := p.RunOnce(context.Background(), tasks[0])
	if err == nil || n != 0 {
		t.Errorf("expected send error with 0 sent, got %d %v", n, err)
	}
}

func TestRun_TasksLoopUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &mockRunner{onCall: func(total int) {
		if total >= 30 {
			cancel()
		}
	}}
	fc := clock.NewFake(t0)
	p := NewProducer(runner, mockLoader{}, &mockPublisher{}, DefaultTasks(nil, nil, DefaultIntervals()), WithClock(fc))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not stop after cancel")
	}

	for _, s := range []record.Source{record.SourceQuotes, record.SourceScreeners, record.SourceNews} {
		if runner.count(s) == 0 {
			t.Errorf("expected %s task to run", s)
		}
	}
	for _, d := range fc.Slept() {
		if d != 30*time.Second && d != 5*time.Minute && d != 10*time.Minute {
			t.Errorf("unexpected interval %s", d)
		}
	}
}

func TestRun_RejectsZeroInterval(t *testing.T) {
	p := NewProducer(&mockRunner{}, mockLoader{}, &mockPublisher{}, []Task{{Source: record.SourceQuotes, DataType: "q"}})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()
	if h.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", h.Subscribers())
	}

	if err := h.Send(context.Background(), "yahoo-stock-quotes", Message{DataType: "stock_quote", Key: "AAPL"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, ch := range []chan string{a, b} {
		var evt Event
		if err := json.Unmarshal([]byte(<-ch), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Type != "yahoo-stock-quotes" {
			t.Errorf("unexpected event type %s", evt.Type)
		}
		var m Message
		if err := json.Unmarshal(evt.Data, &m); err != nil || m.Key != "AAPL" {
			t.Errorf("unexpected payload %s (%v)", evt.Data, err)
		}
	}

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	if h.Subscribers() != 1 {
		t.Errorf("expected 1 subscriber, got %d", h.Subscribers())
	}
	if _, ok := <-a; ok {
		t.Error("expected unsubscribed channel to be closed")
	}
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	for i := 0; i < 200; i++ {
		h.Publish("x")
	}
	if len(ch) != cap(ch) {
		t.Errorf("expected buffer to be full, got %d/%d", len(ch), cap(ch))
	}
}
