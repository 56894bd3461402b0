package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	domain "github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const selectColumns = `SELECT id, source, status, trigger_name, params,
	total_items, processed_items, failed_items, record_count, partial,
	created_at, started_at, completed_at, duration_seconds, error,
	retry_count, raw_path, processed_path
	FROM jobs`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts j or overwrites the stored row with the same id.
func (r *Repository) Save(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO jobs (id, source, status, trigger_name, params,
		total_items, processed_items, failed_items, record_count, partial,
		created_at, started_at, completed_at, duration_seconds, error,
		retry_count, raw_path, processed_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			params = excluded.params,
			total_items = excluded.total_items,
			processed_items = excluded.processed_items,
			failed_items = excluded.failed_items,
			record_count = excluded.record_count,
			partial = excluded.partial,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			error = excluded.error,
			retry_count = excluded.retry_count,
			raw_path = excluded.raw_path,
			processed_path = excluded.processed_path`

	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		j.ID, string(j.Source), string(j.Status), j.Trigger, string(params),
		j.TotalItems, j.ProcessedItems, j.FailedItems, j.RecordCount, j.Partial,
		j.CreatedAt.UTC().Format(timeFormat), formatTime(j.StartedAt), formatTime(j.CompletedAt),
		j.DurationSeconds, nullString(j.Error),
		j.RetryCount, j.RawPath, j.ProcessedPath,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, status domain.Status, source record.Source) ([]domain.Job, error) {
	query := selectColumns + ` WHERE 1=1`

	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if source != "" {
		query += " AND source = ?"
		args = append(args, string(source))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// DeleteFinishedBefore removes terminal jobs whose completion predates cutoff.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND COALESCE(completed_at, created_at) < ?`

	res, err := r.db.ExecContext(ctx, query, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return res.RowsAffected()
}

// RecoverStale re-queues jobs left running by a previous process.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE jobs SET status = 'pending', error = NULL,
		started_at = NULL, retry_count = retry_count + 1
		WHERE status = 'running'`

	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j                     domain.Job
		source, status        string
		params, createdStr    string
		startedStr, completed sql.NullString
		dbErr                 sql.NullString
	)
	if err := s.Scan(
		&j.ID, &source, &status, &j.Trigger, &params,
		&j.TotalItems, &j.ProcessedItems, &j.FailedItems, &j.RecordCount, &j.Partial,
		&createdStr, &startedStr, &completed, &j.DurationSeconds, &dbErr,
		&j.RetryCount, &j.RawPath, &j.ProcessedPath,
	); err != nil {
		return nil, err
	}

	j.Source = record.Source(source)
	j.Status = domain.Status(status)
	if dbErr.Valid {
		j.Error = dbErr.String
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("decode params of job %s: %w", j.ID, err)
	}
	j.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	j.StartedAt = parseTime(startedStr)
	j.CompletedAt = parseTime(completed)
	return &j, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
