package job

import (
	"context"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Repository persists jobs across restarts. The Tracker is authoritative while
// the process runs; the repository only mirrors it.
type Repository interface {
	Save(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, status Status, source record.Source) ([]Job, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	RecoverStale(ctx context.Context) (int64, error)
}
