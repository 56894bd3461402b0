package job

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Processor runs a claimed, already Running job to a terminal state.
type Processor interface {
	Process(ctx context.Context, j *Job) error
}

// Claimer hands out pending jobs. *Tracker implements it.
type Claimer interface {
	ClaimPending(ctx context.Context) (*Job, error)
}

// WorkerPool runs a fixed number of goroutines that claim queued jobs and
// pass them to the processor.
type WorkerPool struct {
	claimer      Claimer
	processor    Processor
	workers      int
	notify       chan struct{}
	pollInterval time.Duration
}

type PoolOption func(*WorkerPool)

// WithPollInterval sets how often idle workers look for jobs without being
// notified.
func WithPollInterval(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.pollInterval = d
		}
	}
}

func NewWorkerPool(claimer Claimer, processor Processor, workers int, opts ...PoolOption) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	wp := &WorkerPool{
		claimer:      claimer,
		processor:    processor,
		workers:      workers,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Notify wakes an idle worker. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (wp *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range wp.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		wp.drain(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context, id int) {
	for ctx.Err() == nil {
		j, err := wp.claimer.ClaimPending(ctx)
		if err != nil && j == nil {
			if ctx.Err() == nil {
				slog.Error("worker: claim pending", "worker", id, "error", err)
			}
			return
		}
		if j == nil {
			return
		}

		slog.Info("worker: running job", "worker", id, "job", j.ID, "source", j.Source, "trigger", j.Trigger)
		if err := wp.processor.Process(ctx, j); err != nil {
			slog.Error("worker: job failed", "worker", id, "job", j.ID, "source", j.Source, "error", err)
		}
	}
}
