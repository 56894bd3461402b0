package monitor

import (
	"context"
	"sort"
	"time"
)

type AlertType string

const (
	AlertError   AlertType = "error"
	AlertWarning AlertType = "warning"
	AlertInfo    AlertType = "info"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Alert is raised when a job, a quality check or a resource sample crosses
// a threshold. It stays until resolved or aged out by CleanupAlerts.
type Alert struct {
	ID         string         `json:"id"`
	Type       AlertType      `json:"alert_type"`
	Severity   Severity       `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Source     string         `json:"data_source,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AlertStore persists alerts. Save must insert or overwrite by ID.
type AlertStore interface {
	Save(ctx context.Context, a Alert) error
	List(ctx context.Context) ([]Alert, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertFilter selects alerts. Zero values match everything.
type AlertFilter struct {
	Type           AlertType
	Severity       Severity
	Source         string
	UnresolvedOnly bool
	Limit          int
}

func (f AlertFilter) match(a *Alert) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.UnresolvedOnly && a.Resolved {
		return false
	}
	return true
}

type AlertSummary struct {
	Total      int               `json:"total_alerts"`
	Unresolved int               `json:"unresolved_alerts"`
	ByType     map[AlertType]int `json:"alerts_by_type"`
	BySeverity map[Severity]int  `json:"alerts_by_severity"`
	Recent     []Alert           `json:"recent_alerts"`
}

func sortNewestFirst(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}
