package extractor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

type Registry struct {
	mu         sync.RWMutex
	extractors map[record.Source]Extractor
}

func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[record.Source]Extractor),
	}
}

func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[e.Source()] = e
}

func (r *Registry) Get(source record.Source) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[source]
	if !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("no extractor for source: %s", source))
	}
	return e, nil
}

// Sources returns the registered source types in a stable order.
func (r *Registry) Sources() []record.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]record.Source, 0, len(r.extractors))
	for src := range r.extractors {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// Process runs a claimed job with the extractor registered for its source.
// It lets the registry serve as a job.Processor for the worker pool.
func (r *Registry) Process(ctx context.Context, j *job.Job) error {
	e, err := r.Get(j.Source)
	if err != nil {
		return err
	}
	return e.Run(ctx, j)
}

// Run extracts source synchronously. The returned job is terminal.
func (r *Registry) Run(ctx context.Context, source record.Source, params job.Params, trigger string) (*job.Job, error) {
	e, err := r.Get(source)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, params, trigger), nil
}
