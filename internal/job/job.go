package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid job status transition")

// Job is one tracked extraction attempt.
//
// TotalItems is the number of items requested (symbols, pages, lists, ...).
// ProcessedItems counts parsed records and FailedItems counts requested items
// whose sub-call failed. A Completed job with FailedItems > 0 is Partial.
type Job struct {
	ID              string        `json:"id"`
	Source          record.Source `json:"source"`
	Status          Status        `json:"status"`
	Trigger         string        `json:"trigger,omitempty"`
	Params          Params        `json:"params,omitempty"`
	TotalItems      int           `json:"total_items"`
	ProcessedItems  int           `json:"processed_items"`
	FailedItems     int           `json:"failed_items"`
	RecordCount     int           `json:"record_count"`
	Partial         bool          `json:"partial"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	DurationSeconds float64       `json:"duration_seconds"`
	Error           string        `json:"error,omitempty"`
	RetryCount      int           `json:"retry_count"`
	RawPath         string        `json:"raw_path,omitempty"`
	ProcessedPath   string        `json:"processed_path,omitempty"`
}

// New creates a Pending job with a fresh id.
func New(source record.Source, params Params, now time.Time) *Job {
	if params == nil {
		params = Params{}
	}
	return &Job{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: now.UTC(),
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Params = j.Params.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Start moves a Pending job to Running.
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusRunning)
	}
	t := now.UTC()
	j.Status = StatusRunning
	j.StartedAt = &t
	return nil
}

// Complete marks a Running job as finished. Partial is set when any item failed.
func (j *Job) Complete(now time.Time) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	j.finish(StatusCompleted, now)
	j.Partial = j.FailedItems > 0
	return nil
}

// Fail records err and moves a Pending or Running job to Failed.
func (j *Job) Fail(now time.Time, err error) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	if err != nil {
		j.Error = err.Error()
	}
	j.finish(StatusFailed, now)
	return nil
}

// Cancel moves a Pending or Running job to Cancelled.
func (j *Job) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCancelled)
	}
	j.finish(StatusCancelled, now)
	return nil
}

func (j *Job) finish(status Status, now time.Time) {
	t := now.UTC()
	if j.StartedAt != nil && t.Before(*j.StartedAt) {
		t = *j.StartedAt
	}
	j.Status = status
	j.CompletedAt = &t
	if sum := j.ProcessedItems + j.FailedItems; sum > j.TotalItems {
		j.TotalItems = sum
	}
	j.DurationSeconds = j.Duration().Seconds()
}

// Duration is the time between start and completion, or zero if either is unset.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
