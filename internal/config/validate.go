package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/schedule"
)

type Validation struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *Validation) addErr(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (v *Validation) addWarn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

func (v Validation) OK() bool { return len(v.Errors) == 0 }

func (v Validation) Error() string {
	return "config validation failed:\n- " + strings.Join(v.Errors, "\n- ")
}

// Validate checks cfg for values the pipeline cannot run with (errors) and
// values that will likely produce empty runs (warnings).
func Validate(cfg Config) Validation {
	var v Validation

	if p, err := strconv.Atoi(cfg.Port); err != nil || p <= 0 || p > 65535 {
		v.addErr("port must be 1..65535, got %q", cfg.Port)
	}
	if cfg.DBPath == "" {
		v.addErr("db_path is required")
	}
	if cfg.Workers < 1 {
		v.addErr("workers must be >= 1")
	}
	if cfg.APIKey == "" {
		v.addWarn("no RapidAPI key configured, every request will be rejected")
	}
	for name, raw := range map[string]string{"yahoo_base_url": cfg.YahooBaseURL, "walmart_base_url": cfg.WalmartBaseURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			v.addErr("%s must be an absolute URL, got %q", name, raw)
		}
	}

	if cfg.RequestTimeout <= 0 {
		v.addErr("request_timeout must be positive")
	}
	if cfg.MaxRetries < 1 {
		v.addErr("max_retries must be >= 1")
	}
	if cfg.RetryDelay < 0 || cfg.CallDelay < 0 {
		v.addErr("retry_delay and call_delay must not be negative")
	}
	if cfg.RequestsPerMinute < 1 {
		v.addErr("requests_per_minute must be >= 1")
	}
	if cfg.BatchSize < 1 {
		v.addErr("batch_size must be >= 1")
	}

	for name, dir := range map[string]string{"raw_dir": cfg.RawDir, "processed_dir": cfg.ProcessedDir, "output_dir": cfg.OutputDir} {
		if dir == "" {
			v.addErr("%s is required", name)
		}
	}
	if cfg.Lake.Dir == "" && cfg.Lake.DSN == "" {
		v.addWarn("no lake configured, processed records are kept on local disk only")
	}

	r := cfg.Retention
	if r.RawDays < 1 || r.ProcessedDays < 1 || r.JobDays < 1 || r.AlertDays < 1 {
		v.addErr("retention days must be >= 1")
	}

	s := cfg.Sources
	if len(s.QuoteSymbols) == 0 {
		v.addWarn("sources.quote_symbols is empty, quote runs will have nothing to fetch")
	}
	if !s.WalmartEnabled() {
		v.addWarn("no walmart urls, queries or products configured")
	}
	for interval, limit := range s.HistoryLimits {
		if limit < 1 {
			v.addErr("sources.history_limits[%s] must be >= 1", interval)
		}
	}

	seen := make(map[string]bool)
	for i, e := range cfg.Schedules {
		if e.Name == "" {
			v.addErr("schedules[%d].name is required", i)
		} else if seen[e.Name] {
			v.addErr("schedules[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
		if !e.Source.Valid() {
			v.addErr("schedules[%d].source %q is unknown", i, e.Source)
		}
		if _, err := schedule.ParseCron(e.Cron); err != nil {
			v.addErr("schedules[%d]: %v", i, err)
		}
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		v.addErr("timezone %q: %v", cfg.Timezone, err)
	}

	t := cfg.Thresholds
	for name, f := range map[string]float64{
		"job_failure_rate":   t.JobFailureRate,
		"data_quality_score": t.DataQualityScore,
		"memory_usage":       t.MemoryUsage,
		"cpu_usage":          t.CPUUsage,
		"disk_usage":         t.DiskUsage,
		"api_error_rate":     t.APIErrorRate,
	} {
		if f < 0 || f > 1 {
			v.addErr("thresholds.%s must be within 0..1", name)
		}
	}
	if t.ProcessingTime <= 0 {
		v.addErr("thresholds.processing_time must be positive")
	}
	if cfg.MonitorInterval <= 0 {
		v.addErr("monitor_interval must be positive")
	}

	if cfg.Stream.Enabled {
		st := cfg.Stream
		if st.QuotesInterval <= 0 || st.ScreenersInterval <= 0 || st.NewsInterval <= 0 {
			v.addErr("stream intervals must be positive")
		}
	}

	// map iteration above is unordered
	sort.Strings(v.Errors)
	sort.Strings(v.Warnings)
	return v
}
