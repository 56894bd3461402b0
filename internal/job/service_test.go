package job

import (
	"context"
	"testing"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

func TestService_Get(t *testing.T) {
	tr := NewTracker()
	svc := NewService(tr)
	ctx := context.Background()

	j, _ := tr.Create(ctx, record.SourceQuotes, Params{"symbols": "AAPL"}, "")

	got, err := svc.Get(ctx, GetJobRequest{ID: j.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Source != record.SourceQuotes {
		t.Errorf("expected stock_quotes, got %s", got.Source)
	}
}

func TestService_Get_InvalidID(t *testing.T) {
	svc := NewService(NewTracker())
	_, err := svc.Get(context.Background(), GetJobRequest{ID: "42"})
	if apperror.CodeOf(err) != apperror.BadRequest {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_List(t *testing.T) {
	tr := NewTracker()
	svc := NewService(tr)
	ctx := context.Background()

	_, _ = tr.Create(ctx, record.SourceQuotes, nil, "")
	_, _ = tr.Create(ctx, record.SourceNews, nil, "")
	_, _ = tr.Create(ctx, record.SourceNews, nil, "")

	jobs, err := svc.List(ctx, ListJobsRequest{Source: "stock_news"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}

	jobs, _ = svc.List(ctx, ListJobsRequest{Limit: 1})
	if len(jobs) != 1 {
		t.Errorf("expected limit to apply, got %d", len(jobs))
	}
}

func TestService_List_Validation(t *testing.T) {
	svc := NewService(NewTracker())
	tests := []ListJobsRequest{
		{Status: "sleeping"},
		{Source: "crypto"},
		{Limit: -1},
	}
	for _, req := range tests {
		if _, err := svc.List(context.Background(), req); apperror.CodeOf(err) != apperror.BadRequest {
			t.Errorf("%+v: expected bad request, got %v", req, err)
		}
	}
}

func TestService_Enqueue(t *testing.T) {
	tr := NewTracker()
	svc := NewService(tr)
	notified := 0
	svc.SetNotify(func() { notified++ })

	j, err := svc.Enqueue(context.Background(), EnqueueRequest{Source: "stock_news", Params: Params{"symbols": "AAPL"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusPending || j.Trigger != "api" {
		t.Fatalf("expected pending api job, got %s %s", j.Status, j.Trigger)
	}
	if notified != 1 {
		t.Fatalf("expected 1 notification, got %d", notified)
	}

	if _, err := svc.Enqueue(context.Background(), EnqueueRequest{Source: "crypto"}); apperror.CodeOf(err) != apperror.BadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	if notified != 1 {
		t.Fatalf("expected no notification for invalid request, got %d", notified)
	}
}

func TestService_Cancel(t *testing.T) {
	tr := NewTracker()
	svc := NewService(tr)
	ctx := context.Background()

	j, _ := svc.Enqueue(ctx, EnqueueRequest{Source: "stock_quotes"})
	got, err := svc.Cancel(ctx, GetJobRequest{ID: j.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if _, err := svc.Cancel(ctx, GetJobRequest{ID: j.ID}); apperror.CodeOf(err) != apperror.Conflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}
