package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

type mockRepo struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	staleCount int64
	saveErr    error
	cutoff     time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[string]*Job)}
}

func (m *mockRepo) Save(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *mockRepo) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	return j.Clone(), nil
}

func (m *mockRepo) List(_ context.Context, status Status, source record.Source) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		if source != "" && j.Source != source {
			continue
		}
		result = append(result, *j.Clone())
	}
	return result, nil
}

func (m *mockRepo) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoff = cutoff
	return 0, nil
}

func (m *mockRepo) RecoverStale(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status == StatusRunning {
			j.Status = StatusPending
			j.StartedAt = nil
			j.RetryCount++
		}
	}
	return m.staleCount, nil
}

func TestTracker_CreateAndGet(t *testing.T) {
	repo := newMockRepo()
	tr := NewTracker(WithRepository(repo), WithClock(clock.NewFake(t0)))
	ctx := context.Background()

	j, err := tr.Create(ctx, record.SourceQuotes, Params{"symbols": "AAPL"}, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := tr.Get(j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Trigger != "manual" || !got.CreatedAt.Equal(t0) {
		t.Errorf("unexpected job %+v", got)
	}
	if _, err := repo.Get(ctx, j.ID); err != nil {
		t.Errorf("expected job to be persisted: %v", err)
	}

	if _, err := tr.Get("missing"); !apperror.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTracker_GetReturnsCopy(t *testing.T) {
	tr := NewTracker()
	j, _ := tr.Create(context.Background(), record.SourceNews, nil, "")

	j.Status = StatusFailed
	got, _ := tr.Get(j.ID)
	if got.Status != StatusPending {
		t.Errorf("expected tracker copy to stay pending until Save, got %s", got.Status)
	}
}

func TestTracker_ListNewestFirst(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(WithClock(clk))
	ctx := context.Background()

	first, _ := tr.Create(ctx, record.SourceQuotes, nil, "")
	clk.Advance(time.Minute)
	second, _ := tr.Create(ctx, record.SourceNews, nil, "")
	clk.Advance(time.Minute)
	third, _ := tr.Create(ctx, record.SourceQuotes, nil, "")

	third.Status = StatusRunning
	_ = tr.Save(ctx, third)

	all := tr.List("", "")
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != third.ID || all[2].ID != first.ID {
		t.Errorf("expected newest first, got %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	pending := tr.List(StatusPending, record.SourceQuotes)
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Errorf("expected only first job, got %+v", pending)
	}
	if len(tr.List("", record.SourceNews)) != 1 || tr.List("", record.SourceNews)[0].ID != second.ID {
		t.Error("source filter mismatch")
	}
}

func TestTracker_ClaimPendingOldestFirst(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(WithClock(clk))
	ctx := context.Background()

	older, _ := tr.Create(ctx, record.SourceQuotes, nil, "")
	clk.Advance(time.Second)
	_, _ = tr.Create(ctx, record.SourceQuotes, nil, "")

	claimed, err := tr.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed.ID != older.ID || claimed.Status != StatusRunning {
		t.Errorf("expected older job running, got %s %s", claimed.ID, claimed.Status)
	}

	_, _ = tr.ClaimPending(ctx)
	none, err := tr.ClaimPending(ctx)
	if err != nil || none != nil {
		t.Errorf("expected nil, nil when nothing pending, got %v, %v", none, err)
	}
}

func TestTracker_ClaimPendingConcurrent(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()
	for range 20 {
		_, _ = tr.Create(ctx, record.SourceQuotes, nil, "")
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, _ := tr.ClaimPending(ctx)
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("expected 20 claimed jobs, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestTracker_Cancel(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()
	j, _ := tr.Create(ctx, record.SourceWalmart, nil, "")

	cancelled, err := tr.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := tr.Cancel(ctx, j.ID); apperror.CodeOf(err) != apperror.Conflict {
		t.Errorf("expected conflict cancelling twice, got %v", err)
	}
}

func TestTracker_Cleanup(t *testing.T) {
	clk := clock.NewFake(t0)
	repo := newMockRepo()
	tr := NewTracker(WithClock(clk), WithRepository(repo))
	ctx := context.Background()

	old, _ := tr.Create(ctx, record.SourceQuotes, nil, "")
	_ = old.Start(clk.Now())
	_ = old.Complete(clk.Now())
	_ = tr.Save(ctx, old)

	stillPending, _ := tr.Create(ctx, record.SourceQuotes, nil, "")

	clk.Advance(31 * 24 * time.Hour)
	recent, _ := tr.Create(ctx, record.SourceQuotes, nil, "")
	_ = recent.Fail(clk.Now(), errors.New("x"))
	_ = tr.Save(ctx, recent)

	removed, err := tr.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := tr.Get(stillPending.ID); err != nil {
		t.Error("pending job must survive cleanup")
	}
	if _, err := tr.Get(old.ID); err == nil {
		t.Error("old completed job should be gone")
	}
	if want := clk.Now().Add(-30 * 24 * time.Hour); !repo.cutoff.Equal(want) {
		t.Errorf("expected repo cutoff %s, got %s", want, repo.cutoff)
	}

	if _, err := tr.Cleanup(ctx, 0); err == nil {
		t.Error("expected error for zero retention")
	}
}

func TestTracker_LoadRecoversStale(t *testing.T) {
	repo := newMockRepo()
	ctx := context.Background()

	stale := New(record.SourceQuotes, nil, t0)
	_ = stale.Start(t0)
	_ = repo.Save(ctx, stale)
	repo.staleCount = 1

	tr := NewTracker(WithRepository(repo))
	if err := tr.Load(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := tr.Get(stale.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.RetryCount != 1 {
		t.Errorf("expected re-queued job with retry 1, got %s retry %d", got.Status, got.RetryCount)
	}
}

func TestTracker_SaveKeepsMemoryOnRepoError(t *testing.T) {
	repo := newMockRepo()
	repo.saveErr = errors.New("disk full")
	tr := NewTracker(WithRepository(repo))

	j := New(record.SourceQuotes, nil, t0)
	if err := tr.Save(context.Background(), j); err == nil {
		t.Fatal("expected persistence error")
	}
	if _, err := tr.Get(j.ID); err != nil {
		t.Errorf("expected in-memory job despite repo error: %v", err)
	}
}

func TestTracker_Observer(t *testing.T) {
	var got []Status
	tr := NewTracker(WithObserver(func(j Job) { got = append(got, j.Status) }))
	ctx := context.Background()

	j, _ := tr.Create(ctx, record.SourceQuotes, nil, "")
	_ = j.Start(t0)
	_ = tr.Save(ctx, j)

	if len(got) != 2 || got[0] != StatusPending || got[1] != StatusRunning {
		t.Errorf("unexpected observed statuses %v", got)
	}
}
