package job

import (
	"context"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Service exposes read and cancel operations on tracked jobs.
type Service struct {
	tracker *Tracker
	notify  func()
}

func NewService(tracker *Tracker) *Service {
	return &Service{tracker: tracker}
}

// SetNotify sets a callback invoked when a new pending job is queued.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

// Enqueue registers a Pending job for a worker to pick up.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "api"
	}
	j, err := s.tracker.Create(ctx, record.Source(req.Source), req.Params, trigger)
	if err != nil {
		return nil, err
	}
	if s.notify != nil {
		s.notify()
	}
	return j, nil
}

func (s *Service) Get(_ context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.tracker.Get(req.ID)
}

func (s *Service) List(_ context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	jobs := s.tracker.List(Status(req.Status), record.Source(req.Source))
	if req.Limit > 0 && len(jobs) > req.Limit {
		jobs = jobs[:req.Limit]
	}
	return jobs, nil
}

func (s *Service) Cancel(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.tracker.Cancel(ctx, req.ID)
}
