package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Tracker is the in-memory registry of jobs. All reads return copies, so a
// caller may keep mutating its own *Job and publish changes with Save.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	repo      Repository
	clock     clock.Clock
	observers []func(Job)
}

type TrackerOption func(*Tracker)

// WithRepository mirrors every saved job into repo.
func WithRepository(repo Repository) TrackerOption {
	return func(t *Tracker) { t.repo = repo }
}

func WithClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithObserver registers fn to be called after every successful Save.
func WithObserver(fn func(Job)) TrackerOption {
	return func(t *Tracker) { t.observers = append(t.observers, fn) }
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		jobs:  make(map[string]*Job),
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Now returns the tracker's notion of the current time.
func (t *Tracker) Now() time.Time { return t.clock.Now() }

// Load re-queues jobs interrupted by a previous shutdown and reads the
// persisted history into memory. It is a no-op without a repository.
func (t *Tracker) Load(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	n, err := t.repo.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("re-queued interrupted jobs", "count", n)
	}

	jobs, err := t.repo.List(ctx, "", "")
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	t.mu.Lock()
	for i := range jobs {
		j := jobs[i]
		t.jobs[j.ID] = &j
	}
	t.mu.Unlock()
	return nil
}

// Create registers a new Pending job. The job is returned even when
// persisting it fails; it is tracked in memory either way.
func (t *Tracker) Create(ctx context.Context, source record.Source, params Params, trigger string) (*Job, error) {
	j := New(source, params, t.clock.Now())
	j.Trigger = trigger
	return j, t.Save(ctx, j)
}

// Save stores a snapshot of j. A persistence failure is returned but the
// in-memory copy is kept.
func (t *Tracker) Save(ctx context.Context, j *Job) error {
	snap := j.Clone()
	t.mu.Lock()
	t.jobs[snap.ID] = snap
	t.mu.Unlock()

	for _, fn := range t.observers {
		fn(*snap.Clone())
	}

	if t.repo == nil {
		return nil
	}
	if err := t.repo.Save(ctx, snap); err != nil {
		slog.Error("persist job", "job", snap.ID, "status", snap.Status, "error", err)
		return fmt.Errorf("persist job %s: %w", snap.ID, err)
	}
	return nil
}

func (t *Tracker) Get(id string) (*Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	return j.Clone(), nil
}

// List returns jobs newest first. Empty filters match everything.
func (t *Tracker) List(status Status, source record.Source) []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if status != "" && j.Status != status {
			continue
		}
		if source != "" && j.Source != source {
			continue
		}
		out = append(out, *j.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Counts returns the number of jobs per status.
func (t *Tracker) Counts() map[Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[Status]int)
	for _, j := range t.jobs {
		counts[j.Status]++
	}
	return counts
}

// ClaimPending atomically moves the oldest Pending job to Running and
// returns it. It returns nil, nil when nothing is pending.
func (t *Tracker) ClaimPending(ctx context.Context) (*Job, error) {
	t.mu.Lock()
	var oldest *Job
	for _, j := range t.jobs {
		if j.Status != StatusPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		t.mu.Unlock()
		return nil, nil
	}
	if err := oldest.Start(t.clock.Now()); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	claimed := oldest.Clone()
	t.mu.Unlock()

	if err := t.Save(ctx, claimed); err != nil {
		return claimed, err
	}
	return claimed, nil
}

// Cancel cancels a Pending job. Running jobs cannot be cancelled from outside
// their worker.
func (t *Tracker) Cancel(ctx context.Context, id string) (*Job, error) {
	t.mu.Lock()
	j, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if j.Status != StatusPending {
		t.mu.Unlock()
		return nil, apperror.New(apperror.Conflict, fmt.Sprintf("job is %s", j.Status))
	}
	_ = j.Cancel(t.clock.Now())
	cancelled := j.Clone()
	t.mu.Unlock()

	if err := t.Save(ctx, cancelled); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// Cleanup forgets terminal jobs that finished more than days ago.
func (t *Tracker) Cleanup(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %d days", days)
	}
	cutoff := t.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	t.mu.Lock()
	removed := 0
	for id, j := range t.jobs {
		if !j.Status.Terminal() {
			continue
		}
		finished := j.CreatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	t.mu.Unlock()

	if t.repo != nil {
		if _, err := t.repo.DeleteFinishedBefore(ctx, cutoff); err != nil {
			return removed, fmt.Errorf("delete persisted jobs: %w", err)
		}
	}
	return removed, nil
}
