package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/monitor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/pipeline"
	"github.com/ahmethakanbesel/finance-pipeline/internal/provider/yahoo"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
	"github.com/ahmethakanbesel/finance-pipeline/internal/stream"
)

const (
	defaultCleanupDays = 7
	maxParamsBody      = 1 << 20
)

// RecordLoader reads the processed records a job wrote.
type RecordLoader interface {
	LoadProcessed(path string) ([]record.Row, error)
}

// Searcher looks up symbols upstream. *yahoo.Client implements it.
type Searcher interface {
	Search(ctx context.Context, query string) (json.RawMessage, error)
}

type handler struct {
	pipe     *pipeline.Pipeline
	jobSvc   *job.Service
	records  RecordLoader
	searcher Searcher
	hub      *stream.Hub
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pipe.Status())
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	if h.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "symbol search is not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	raw, err := h.searcher.Search(r.Context(), q)
	if err != nil {
		slog.Warn("search: upstream call failed", "query", q, "error", err)
		writeError(w, http.StatusBadGateway, "symbol search failed")
		return
	}
	stocks, err := yahoo.ParseSearch(raw)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unexpected search response")
		return
	}
	writeJSON(w, http.StatusOK, stocks)
}

func (h *handler) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pipe.Sources())
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Get(r.Context(), job.GetJobRequest{ID: r.PathValue("id")})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := job.ListJobsRequest{
		Status: q.Get("status"),
		Source: q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}

	jobs, err := h.jobSvc.List(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Cancel(r.Context(), job.GetJobRequest{ID: r.PathValue("id")})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) jobRecords(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	j, err := h.jobSvc.Get(r.Context(), job.GetJobRequest{ID: r.PathValue("id")})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if j.ProcessedPath == "" {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s has no records", j.ID))
		return
	}

	rows, err := h.records.LoadProcessed(j.ProcessedPath)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if format == "csv" {
		writeCSV(w, string(j.Source), rows)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// source resolves the {source} path value to a registered source.
func (h *handler) source(r *http.Request) (record.Source, error) {
	src, err := record.ParseSource(r.PathValue("source"))
	if err != nil {
		return "", apperror.New(apperror.BadRequest, err.Error())
	}
	if !slices.Contains(h.pipe.Sources(), src) {
		return "", apperror.New(apperror.NotFound, fmt.Sprintf("source %s is not configured", src))
	}
	return src, nil
}

// params decodes an optional JSON object body into job params.
func params(r *http.Request) (job.Params, error) {
	var p job.Params
	err := json.NewDecoder(io.LimitReader(r.Body, maxParamsBody)).Decode(&p)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, apperror.New(apperror.BadRequest, "invalid params: "+err.Error())
	}
	return p, nil
}

func (h *handler) queueRun(w http.ResponseWriter, r *http.Request) {
	src, err := h.source(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	p, err := params(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	j, err := h.jobSvc.Enqueue(r.Context(), job.EnqueueRequest{Source: string(src), Params: p})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (h *handler) syncRun(w http.ResponseWriter, r *http.Request) {
	src, err := h.source(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	p, err := params(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	res, err := h.pipe.RunDataSource(r.Context(), src, p)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) runPipeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipe.RunFullPipeline(r.Context()))
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := monitor.AlertFilter{
		Type:     monitor.AlertType(q.Get("type")),
		Severity: monitor.Severity(q.Get("severity")),
		Source:   q.Get("source"),
	}
	if v := q.Get("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unresolved flag")
			return
		}
		f.UnresolvedOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, h.pipe.Monitor().Alerts(f))
}

func (h *handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.pipe.Monitor().ResolveAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pipe.Scheduler().Status())
}

func (h *handler) enableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, true)
}

func (h *handler) disableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, false)
}

func (h *handler) toggleSchedule(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := r.PathValue("name")
	sched := h.pipe.Scheduler()
	var err error
	if enabled {
		err = sched.Enable(name)
	} else {
		err = sched.Disable(name)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

func (h *handler) cleanup(w http.ResponseWriter, r *http.Request) {
	days := defaultCleanupDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}

	res, err := h.pipe.Cleanup(r.Context(), days)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type metricsExport struct {
	Summary monitor.MetricsSummary `json:"summary"`
	Metrics []monitor.Metrics      `json:"metrics"`
}

func (h *handler) exportMetrics(w http.ResponseWriter, _ *http.Request) {
	mon := h.pipe.Monitor()
	w.Header().Set("Content-Disposition", "attachment; filename=metrics.json")
	writeJSON(w, http.StatusOK, metricsExport{Summary: mon.MetricsSummary(), Metrics: mon.Metrics()})
}
