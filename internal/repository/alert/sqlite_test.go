package alert

import (
	"context"
	"testing"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/monitor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/platform/sqlite"
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

func TestSave_And_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	older := monitor.Alert{ID: "a1", Type: monitor.AlertWarning, Severity: monitor.SeverityMedium,
		Title: "Slow job", Message: "took 400s", Source: "stock_quotes", JobID: "j1", CreatedAt: t0}
	newer := monitor.Alert{ID: "a2", Type: monitor.AlertError, Severity: monitor.SeverityHigh,
		Message: "disk", CreatedAt: t0.Add(time.Hour), Metadata: map[string]any{"score": 0.5}}

	for _, a := range []monitor.Alert{older, newer} {
		if err := repo.Save(ctx, a); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	alerts, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].ID != "a2" {
		t.Errorf("expected newest first, got %s", alerts[0].ID)
	}
	if alerts[0].Metadata["score"] != 0.5 {
		t.Errorf("expected metadata to round-trip, got %v", alerts[0].Metadata)
	}
	if alerts[1].JobID != "j1" || alerts[1].Source != "stock_quotes" || !alerts[1].CreatedAt.Equal(t0) {
		t.Errorf("unexpected alert %+v", alerts[1])
	}
}

func TestSave_UpdatesResolution(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	a := monitor.Alert{ID: "a1", Type: monitor.AlertError, Severity: monitor.SeverityHigh, Message: "x", CreatedAt: t0}
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	resolvedAt := t0.Add(time.Minute)
	a.Resolved = true
	a.ResolvedAt = &resolvedAt
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("save resolved: %v", err)
	}

	alerts, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected upsert, got %d rows", len(alerts))
	}
	if !alerts[0].Resolved || alerts[0].ResolvedAt == nil || !alerts[0].ResolvedAt.Equal(resolvedAt) {
		t.Errorf("expected resolution to persist, got %+v", alerts[0])
	}
}

func TestDeleteBefore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	for i, at := range []time.Time{t0.AddDate(0, 0, -40), t0.AddDate(0, 0, -10), t0} {
		a := monitor.Alert{ID: string(rune('a' + i)), Type: monitor.AlertInfo, Severity: monitor.SeverityLow, Message: "m", CreatedAt: at}
		if err := repo.Save(ctx, a); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	n, err := repo.DeleteBefore(ctx, t0.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	alerts, _ := repo.List(ctx)
	if len(alerts) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(alerts))
	}
}
