package server

import (
	"net/http"

	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/pipeline"
	"github.com/ahmethakanbesel/finance-pipeline/internal/stream"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer). searcher and hub
// may be nil.
func NewHandler(pipe *pipeline.Pipeline, jobSvc *job.Service, records RecordLoader, searcher Searcher, hub *stream.Hub) http.Handler {
	return newMux(pipe, jobSvc, records, searcher, hub)
}

func newMux(pipe *pipeline.Pipeline, jobSvc *job.Service, records RecordLoader, searcher Searcher, hub *stream.Hub) http.Handler {
	h := &handler{
		pipe:     pipe,
		jobSvc:   jobSvc,
		records:  records,
		searcher: searcher,
		hub:      hub,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/sources", h.listSources)
	mux.HandleFunc("GET /api/v1/search", h.search)

	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.cancelJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/records", h.jobRecords)

	mux.HandleFunc("POST /api/v1/runs/{source}", h.queueRun)
	mux.HandleFunc("POST /api/v1/runs/{source}/sync", h.syncRun)
	mux.HandleFunc("POST /api/v1/pipeline/run", h.runPipeline)

	mux.HandleFunc("GET /api/v1/alerts", h.listAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", h.resolveAlert)

	mux.HandleFunc("GET /api/v1/schedules", h.listSchedules)
	mux.HandleFunc("POST /api/v1/schedules/{name}/enable", h.enableSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{name}/disable", h.disableSchedule)

	mux.HandleFunc("POST /api/v1/cleanup", h.cleanup)
	mux.HandleFunc("GET /api/v1/metrics/export", h.exportMetrics)
	mux.HandleFunc("GET /api/v1/stream", h.streamEvents)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
