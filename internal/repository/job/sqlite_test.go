package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	domain "github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/platform/sqlite"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSave_And_Get(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	j := domain.New(record.SourceQuotes, domain.Params{"symbols": []string{"AAPL", "MSFT"}}, t0)
	j.Trigger = "schedule:quotes"
	if err := repo.Save(ctx, j); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.Trigger != "schedule:quotes" {
		t.Errorf("expected trigger to round-trip, got %q", got.Trigger)
	}
	if syms := got.Params.Strings("symbols"); len(syms) != 2 || syms[1] != "MSFT" {
		t.Errorf("unexpected params %v", got.Params)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("expected created_at %s, got %s", t0, got.CreatedAt)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("expected unset timestamps")
	}
}

func TestSave_Upserts(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	j := domain.New(record.SourceNews, nil, t0)
	if err := repo.Save(ctx, j); err != nil {
		t.Fatal(err)
	}

	_ = j.Start(t0.Add(time.Second))
	j.TotalItems = 3
	j.ProcessedItems = 2
	j.FailedItems = 1
	j.RawPath = "raw/stock_news/x.json"
	_ = j.Complete(t0.Add(5 * time.Second))
	if err := repo.Save(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := repo.Get(ctx, j.ID)
	if got.Status != domain.StatusCompleted || !got.Partial {
		t.Errorf("expected partial completion, got %s partial=%v", got.Status, got.Partial)
	}
	if got.FailedItems != 1 || got.RawPath != j.RawPath {
		t.Errorf("unexpected counters %+v", got)
	}
	if got.Duration() != 4*time.Second {
		t.Errorf("expected 4s duration, got %s", got.Duration())
	}
}

func TestGet_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)

	_, err := repo.Get(context.Background(), "nope")
	if !apperror.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestList_Filters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	a := domain.New(record.SourceQuotes, nil, t0)
	b := domain.New(record.SourceQuotes, nil, t0.Add(time.Minute))
	c := domain.New(record.SourceHistory, nil, t0.Add(2*time.Minute))
	_ = b.Fail(t0.Add(time.Minute), errors.New("boom"))
	for _, j := range []*domain.Job{a, b, c} {
		if err := repo.Save(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.List(ctx, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != c.ID {
		t.Errorf("expected 3 jobs newest first, got %d", len(all))
	}

	failed, _ := repo.List(ctx, domain.StatusFailed, record.SourceQuotes)
	if len(failed) != 1 || failed[0].Error != "boom" {
		t.Errorf("expected the failed job, got %+v", failed)
	}
}

func TestRecoverStale(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	j := domain.New(record.SourceQuotes, nil, t0)
	_ = j.Start(t0)
	_ = repo.Save(ctx, j)

	n, err := repo.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered, got %d", n)
	}

	got, _ := repo.Get(ctx, j.ID)
	if got.Status != domain.StatusPending || got.StartedAt != nil || got.RetryCount != 1 {
		t.Errorf("unexpected recovered job %+v", got)
	}
}

func TestDeleteFinishedBefore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	old := domain.New(record.SourceQuotes, nil, t0)
	_ = old.Start(t0)
	_ = old.Complete(t0)
	running := domain.New(record.SourceQuotes, nil, t0)
	_ = running.Start(t0)
	fresh := domain.New(record.SourceQuotes, nil, t0.Add(48*time.Hour))
	_ = fresh.Start(fresh.CreatedAt)
	_ = fresh.Complete(fresh.CreatedAt)
	for _, j := range []*domain.Job{old, running, fresh} {
		_ = repo.Save(ctx, j)
	}

	n, err := repo.DeleteFinishedBefore(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	if _, err := repo.Get(ctx, running.ID); err != nil {
		t.Error("running job must not be deleted")
	}
}
