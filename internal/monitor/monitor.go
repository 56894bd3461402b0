// Package monitor raises threshold-driven alerts about jobs, data quality
// and host resources, and keeps a bounded history of per-job metrics.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/storage"
	"github.com/ahmethakanbesel/finance-pipeline/internal/transform"
)

const (
	defaultMaxMetrics  = 1000
	defaultMaxAPICalls = 1000
	summaryWindow      = 100
	recentAlerts       = 5
)

// Thresholds are the fixed limits alerts are evaluated against. Rates and
// usages are fractions in [0, 1].
type Thresholds struct {
	JobFailureRate   float64       `yaml:"job_failure_rate" json:"job_failure_rate"`
	DataQualityScore float64       `yaml:"data_quality_score" json:"data_quality_score"`
	MemoryUsage      float64       `yaml:"memory_usage" json:"memory_usage"`
	CPUUsage         float64       `yaml:"cpu_usage" json:"cpu_usage"`
	DiskUsage        float64       `yaml:"disk_usage" json:"disk_usage"`
	APIErrorRate     float64       `yaml:"api_error_rate" json:"api_error_rate"`
	ProcessingTime   time.Duration `yaml:"processing_time" json:"processing_time"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		JobFailureRate:   0.1,
		DataQualityScore: 0.8,
		MemoryUsage:      0.8,
		CPUUsage:         0.8,
		DiskUsage:        0.9,
		APIErrorRate:     0.05,
		ProcessingTime:   300 * time.Second,
	}
}

// Metrics is one rolling metrics record, captured per finished job.
type Metrics struct {
	JobID                 string    `json:"job_id"`
	Source                string    `json:"data_source"`
	Status                string    `json:"status"`
	RecordsProcessed      int       `json:"records_processed"`
	RecordsFailed         int       `json:"records_failed"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	DataQualityScore      *float64  `json:"data_quality_score,omitempty"`
	MemoryUsageMB         float64   `json:"memory_usage_mb"`
	CPUUsagePercent       float64   `json:"cpu_usage_percent"`
	Timestamp             time.Time `json:"timestamp"`
}

type MetricsSummary struct {
	TotalJobs           int     `json:"total_jobs"`
	AvgProcessingTime   float64 `json:"avg_processing_time"`
	AvgRecordsProcessed float64 `json:"avg_records_processed"`
	AvgDataQualityScore float64 `json:"avg_data_quality_score"`
	AvgMemoryUsage      float64 `json:"avg_memory_usage"`
	AvgCPUUsage         float64 `json:"avg_cpu_usage"`
	APIErrorRate        float64 `json:"api_error_rate"`
}

type Monitor struct {
	mu         sync.RWMutex
	alerts     map[string]*Alert
	metrics    []Metrics
	apiCalls   []bool
	thresholds Thresholds
	sampler    Sampler
	store      AlertStore
	clock      clock.Clock
	maxMetrics int
}

type Option func(*Monitor)

func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithAlertStore mirrors alert creation, resolution and cleanup to s.
func WithAlertStore(s AlertStore) Option {
	return func(m *Monitor) { m.store = s }
}

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithMaxMetrics(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxMetrics = n
		}
	}
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		alerts:     make(map[string]*Alert),
		thresholds: DefaultThresholds(),
		sampler:    NewSystemSampler("/"),
		clock:      clock.Real{},
		maxMetrics: defaultMaxMetrics,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Thresholds() Thresholds { return m.thresholds }

// Load rehydrates alerts from the store.
func (m *Monitor) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	alerts, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range alerts {
		a := alerts[i]
		m.alerts[a.ID] = &a
	}
	slog.Info("monitor: loaded alerts", "count", len(alerts))
	return nil
}

// MonitorJob raises an error alert for a failed job, a warning for a slow
// one, and a warning when the rolling failure rate of the job's source
// exceeds the threshold.
func (m *Monitor) MonitorJob(ctx context.Context, j job.Job) []Alert {
	var out []Alert
	source := string(j.Source)

	if j.Status == job.StatusFailed {
		out = append(out, m.newAlert(AlertError, SeverityHigh,
			"Job failed: "+j.ID,
			fmt.Sprintf("job %s failed: %s", j.ID, j.Error),
			source, j.ID))
	}

	if limit := m.thresholds.ProcessingTime.Seconds(); limit > 0 && j.DurationSeconds > limit {
		out = append(out, m.newAlert(AlertWarning, SeverityMedium,
			"Slow job: "+j.ID,
			fmt.Sprintf("job %s took %.2f seconds", j.ID, j.DurationSeconds),
			source, j.ID))
	}

	if rate := m.FailureRate(source); rate > m.thresholds.JobFailureRate {
		a := m.newAlert(AlertWarning, SeverityMedium,
			"High failure rate: "+source,
			fmt.Sprintf("failure rate for %s is %.1f%%", source, rate*100),
			source, "")
		a.Metadata = map[string]any{"failure_rate": rate}
		out = append(out, a)
	}

	m.keep(ctx, out)
	return out
}

// MonitorDataQuality maps every non-valid check to an alert and raises a
// warning when the mean check score drops below the threshold.
func (m *Monitor) MonitorDataQuality(ctx context.Context, checks []transform.Check) []Alert {
	var out []Alert
	for _, c := range checks {
		source := string(c.Source)
		switch c.Status {
		case transform.StatusError:
			out = append(out, m.newAlert(AlertError, SeverityHigh,
				"Data quality error: "+source,
				fmt.Sprintf("%s: %s", c.Type, c.Message),
				source, ""))
		case transform.StatusWarning:
			out = append(out, m.newAlert(AlertWarning, SeverityMedium,
				"Data quality warning: "+source,
				fmt.Sprintf("%s: %s", c.Type, c.Message),
				source, ""))
		}
	}

	if score := AverageQualityScore(checks); score < m.thresholds.DataQualityScore {
		a := m.newAlert(AlertWarning, SeverityMedium,
			"Low data quality score",
			fmt.Sprintf("average data quality score is %.1f%%", score*100),
			"", "")
		if len(checks) > 0 {
			a.Source = string(checks[0].Source)
		}
		a.Metadata = map[string]any{"score": score}
		out = append(out, a)
	}

	m.keep(ctx, out)
	return out
}

// AverageQualityScore is the mean check score, or 1 when there are no checks.
func AverageQualityScore(checks []transform.Check) float64 {
	if len(checks) == 0 {
		return 1
	}
	total := 0.0
	for _, c := range checks {
		total += transform.QualityScore(c.Status)
	}
	return total / float64(len(checks))
}

// MonitorSystemResources samples host usage. Memory and CPU crossings are
// warnings, disk crossings are errors. The API error rate is checked here too.
func (m *Monitor) MonitorSystemResources(ctx context.Context) []Alert {
	var out []Alert

	u, err := m.sampler.Sample()
	if err != nil {
		slog.Warn("monitor: resource sample failed", "error", err)
	}

	if u.MemoryPercent > m.thresholds.MemoryUsage {
		out = append(out, m.newAlert(AlertWarning, SeverityMedium,
			"High memory usage", fmt.Sprintf("memory usage is %.1f%%", u.MemoryPercent*100), "", ""))
	}
	if u.CPUPercent > m.thresholds.CPUUsage {
		out = append(out, m.newAlert(AlertWarning, SeverityMedium,
			"High CPU usage", fmt.Sprintf("CPU usage is %.1f%%", u.CPUPercent*100), "", ""))
	}
	if u.DiskPercent > m.thresholds.DiskUsage {
		out = append(out, m.newAlert(AlertError, SeverityHigh,
			"High disk usage", fmt.Sprintf("disk usage is %.1f%%", u.DiskPercent*100), "", ""))
	}
	if rate, n := m.APIErrorRate(); n > 0 && rate > m.thresholds.APIErrorRate {
		a := m.newAlert(AlertWarning, SeverityMedium,
			"High API error rate", fmt.Sprintf("API error rate is %.1f%% over %d calls", rate*100, n), "", "")
		a.Metadata = map[string]any{"error_rate": rate, "calls": n}
		out = append(out, a)
	}

	m.keep(ctx, out)
	return out
}

// CollectMetrics appends a metrics record for j, keeping only the most
// recent entries.
func (m *Monitor) CollectMetrics(j job.Job) Metrics {
	u, err := m.sampler.Sample()
	if err != nil {
		slog.Warn("monitor: resource sample failed", "error", err)
	}

	rec := Metrics{
		JobID:                 j.ID,
		Source:                string(j.Source),
		Status:                string(j.Status),
		RecordsProcessed:      j.ProcessedItems,
		RecordsFailed:         j.FailedItems,
		ProcessingTimeSeconds: j.DurationSeconds,
		MemoryUsageMB:         u.MemoryUsedMB,
		CPUUsagePercent:       u.CPUPercent * 100,
		Timestamp:             m.clock.Now().UTC(),
	}
	if j.ProcessedItems > 0 {
		score := float64(j.ProcessedItems) / float64(j.ProcessedItems+j.FailedItems)
		rec.DataQualityScore = &score
	}

	m.mu.Lock()
	m.metrics = append(m.metrics, rec)
	if over := len(m.metrics) - m.maxMetrics; over > 0 {
		m.metrics = append([]Metrics(nil), m.metrics[over:]...)
	}
	m.mu.Unlock()
	return rec
}

// FailureRate is the share of failed jobs among the rolling metrics of source.
func (m *Monitor) FailureRate(source string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total, failed := 0, 0
	for _, rec := range m.metrics {
		if rec.Source != source {
			continue
		}
		total++
		if rec.Status == string(job.StatusFailed) {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// RecordAPICall records the outcome of one upstream HTTP attempt.
func (m *Monitor) RecordAPICall(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiCalls = append(m.apiCalls, ok)
	if over := len(m.apiCalls) - defaultMaxAPICalls; over > 0 {
		m.apiCalls = append([]bool(nil), m.apiCalls[over:]...)
	}
}

// APIErrorRate returns the failed share of recorded API calls and their count.
func (m *Monitor) APIErrorRate() (float64, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.apiCalls)
	if n == 0 {
		return 0, 0
	}
	failed := 0
	for _, ok := range m.apiCalls {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(n), n
}

// Metrics returns a copy of the rolling metrics history, oldest first.
func (m *Monitor) Metrics() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Metrics(nil), m.metrics...)
}

// MetricsSummary averages the most recent metrics records.
func (m *Monitor) MetricsSummary() MetricsSummary {
	rate, _ := m.APIErrorRate()

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := MetricsSummary{TotalJobs: len(m.metrics), APIErrorRate: rate}
	recent := m.metrics
	if len(recent) > summaryWindow {
		recent = recent[len(recent)-summaryWindow:]
	}
	if len(recent) == 0 {
		return s
	}
	for _, rec := range recent {
		s.AvgProcessingTime += rec.ProcessingTimeSeconds
		s.AvgRecordsProcessed += float64(rec.RecordsProcessed)
		if rec.DataQualityScore != nil {
			s.AvgDataQualityScore += *rec.DataQualityScore
		}
		s.AvgMemoryUsage += rec.MemoryUsageMB
		s.AvgCPUUsage += rec.CPUUsagePercent
	}
	n := float64(len(recent))
	s.AvgProcessingTime /= n
	s.AvgRecordsProcessed /= n
	s.AvgDataQualityScore /= n
	s.AvgMemoryUsage /= n
	s.AvgCPUUsage /= n
	return s
}

// ExportMetrics writes the metrics history to path as JSON.
func (m *Monitor) ExportMetrics(path string) error {
	if err := storage.WriteJSON(path, m.Metrics()); err != nil {
		return fmt.Errorf("export metrics: %w", err)
	}
	slog.Info("monitor: metrics exported", "path", path)
	return nil
}

// Alerts returns matching alerts, newest first.
func (m *Monitor) Alerts(f AlertFilter) []Alert {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.match(a) {
			out = append(out, *a)
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ResolveAlert marks an alert resolved. Resolving twice keeps the first
// resolution time.
func (m *Monitor) ResolveAlert(ctx context.Context, id string) (Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return Alert{}, apperror.New(apperror.NotFound, "alert not found")
	}
	if !a.Resolved {
		now := m.clock.Now().UTC()
		a.Resolved = true
		a.ResolvedAt = &now
	}
	cp := *a
	m.mu.Unlock()

	slog.Info("monitor: alert resolved", "id", id)
	m.keep(ctx, []Alert{cp})
	return cp, nil
}

func (m *Monitor) AlertSummary() AlertSummary {
	m.mu.RLock()
	s := AlertSummary{
		Total:      len(m.alerts),
		ByType:     make(map[AlertType]int),
		BySeverity: make(map[Severity]int),
	}
	all := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !a.Resolved {
			s.Unresolved++
		}
		s.ByType[a.Type]++
		s.BySeverity[a.Severity]++
		all = append(all, *a)
	}
	m.mu.RUnlock()

	sortNewestFirst(all)
	if len(all) > recentAlerts {
		all = all[:recentAlerts]
	}
	s.Recent = all
	return s
}

// CleanupAlerts drops alerts created more than days ago.
func (m *Monitor) CleanupAlerts(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, apperror.New(apperror.BadRequest, "days must be positive")
	}
	cutoff := m.clock.Now().UTC().AddDate(0, 0, -days)

	m.mu.Lock()
	removed := 0
	for id, a := range m.alerts {
		if a.CreatedAt.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.DeleteBefore(ctx, cutoff); err != nil {
			return removed, fmt.Errorf("cleanup alerts: %w", err)
		}
	}
	slog.Info("monitor: cleaned up alerts", "count", removed, "days", days)
	return removed, nil
}

func (m *Monitor) newAlert(t AlertType, sev Severity, title, msg, source, jobID string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Type:      t,
		Severity:  sev,
		Title:     title,
		Message:   msg,
		Source:    source,
		JobID:     jobID,
		CreatedAt: m.clock.Now().UTC(),
	}
}

// keep records alerts in memory and mirrors them to the store.
func (m *Monitor) keep(ctx context.Context, alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	m.mu.Lock()
	for i := range alerts {
		a := alerts[i]
		if existing, ok := m.alerts[a.ID]; ok {
			*existing = a
		} else {
			m.alerts[a.ID] = &a
		}
	}
	m.mu.Unlock()

	for _, a := range alerts {
		if a.Type != AlertInfo && !a.Resolved {
			slog.Warn("monitor: alert", "type", a.Type, "severity", a.Severity, "title", a.Title, "message", a.Message)
		}
		if m.store == nil {
			continue
		}
		if err := m.store.Save(ctx, a); err != nil {
			slog.Error("monitor: persist alert failed", "id", a.ID, "error", err)
		}
	}
}
