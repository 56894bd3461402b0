package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahmethakanbesel/finance-pipeline/internal/extractor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/monitor"
	"github.com/ahmethakanbesel/finance-pipeline/internal/schedule"
)

type Retention struct {
	RawDays       int `yaml:"raw_days"`
	ProcessedDays int `yaml:"processed_days"`
	JobDays       int `yaml:"job_days"`
	AlertDays     int `yaml:"alert_days"`
}

type Sources struct {
	TickerPages      int            `yaml:"ticker_pages"`
	TickerTypes      []string       `yaml:"ticker_types"`
	QuoteSymbols     []string       `yaml:"quote_symbols"`
	HistorySymbols   []string       `yaml:"history_symbols"`
	HistoryIntervals []string       `yaml:"history_intervals"`
	HistoryLimits    map[string]int `yaml:"history_limits"`
	ScreenerLists    []string       `yaml:"screener_lists"`
	NewsSymbols      []string       `yaml:"news_symbols"`
	NewsType         string         `yaml:"news_type"`
	ModuleTickers    []string       `yaml:"module_tickers"`
	Modules          []string       `yaml:"modules"`
	WalmartURLs      []string       `yaml:"walmart_urls"`
	WalmartQueries   []string       `yaml:"walmart_queries"`
	WalmartProducts  []string       `yaml:"walmart_products"`
}

// WalmartEnabled reports whether any Walmart input is configured.
func (s Sources) WalmartEnabled() bool {
	return len(s.WalmartURLs) > 0 || len(s.WalmartQueries) > 0 || len(s.WalmartProducts) > 0
}

type Stream struct {
	Enabled           bool          `yaml:"enabled"`
	QuotesInterval    time.Duration `yaml:"quotes_interval"`
	ScreenersInterval time.Duration `yaml:"screeners_interval"`
	NewsInterval      time.Duration `yaml:"news_interval"`
}

type Lake struct {
	Dir      string `yaml:"dir"`
	DSN      string `yaml:"-"`
	Schema   string `yaml:"schema"`
	MaxConns int    `yaml:"max_conns"`
}

type Config struct {
	Port       string `yaml:"port"`
	DBPath     string `yaml:"db_path"`
	Workers    int    `yaml:"workers"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	ConfigPath string `yaml:"-"`

	APIKey         string `yaml:"-"`
	KeyringAccount string `yaml:"keyring_account"`
	YahooBaseURL   string `yaml:"yahoo_base_url"`
	YahooHost      string `yaml:"yahoo_host"`
	WalmartBaseURL string `yaml:"walmart_base_url"`
	WalmartHost    string `yaml:"walmart_host"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	CallDelay         time.Duration `yaml:"call_delay"`
	BatchSize         int           `yaml:"batch_size"`

	DataDir      string `yaml:"data_dir"`
	RawDir       string `yaml:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	OutputDir    string `yaml:"output_dir"`
	ExportCSV    bool   `yaml:"export_csv"`
	Lake         Lake   `yaml:"lake"`

	Retention       Retention          `yaml:"retention"`
	Sources         Sources            `yaml:"sources"`
	Timezone        string             `yaml:"timezone"`
	Schedules       []schedule.Entry   `yaml:"schedules,omitempty"`
	Thresholds      monitor.Thresholds `yaml:"thresholds"`
	MonitorInterval time.Duration      `yaml:"monitor_interval"`
	Stream          Stream             `yaml:"stream"`
}

// Default returns the built-in configuration.
func Default() Config {
	symbols := []string{"AAPL", "MSFT", "GOOGL", "AMZN", "TSLA"}
	return Config{
		Port:      "8080",
		DBPath:    "pipeline.db",
		Workers:   2,
		LogLevel:  "info",
		LogFormat: "text",

		KeyringAccount: "rapidapi",
		YahooBaseURL:   "https://yahoo-finance15.p.rapidapi.com",
		YahooHost:      "yahoo-finance15.p.rapidapi.com",
		WalmartBaseURL: "https://walmart-data.p.rapidapi.com",
		WalmartHost:    "walmart-data.p.rapidapi.com",

		RequestTimeout:    30 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		RequestsPerMinute: 60,
		Burst:             10,
		CallDelay:         time.Second,
		BatchSize:         100,

		DataDir:      "data",
		RawDir:       "data/raw",
		ProcessedDir: "data/processed",
		OutputDir:    "output",
		ExportCSV:    true,
		Lake:         Lake{Dir: "data/lake", Schema: "finance_lake", MaxConns: 4},

		Retention: Retention{RawDays: 30, ProcessedDays: 90, JobDays: 7, AlertDays: 30},
		Sources: Sources{
			TickerPages:      5,
			TickerTypes:      []string{"STOCKS"},
			QuoteSymbols:     symbols,
			HistorySymbols:   []string{"AAPL", "MSFT", "GOOGL"},
			HistoryIntervals: []string{"1d", "1h"},
			HistoryLimits:    map[string]int{"1d": 30, "1h": 168, "1m": 1440},
			ScreenerLists:    []string{"day_gainers", "day_losers", "most_actives"},
			NewsSymbols:      symbols,
			NewsType:         "ALL",
			ModuleTickers:    []string{"AAPL"},
			Modules:          []string{"asset-profile", "financial-data"},
		},
		Timezone:        "UTC",
		Thresholds:      monitor.DefaultThresholds(),
		MonitorInterval: 5 * time.Minute,
		Stream: Stream{
			QuotesInterval:    30 * time.Second,
			ScreenersInterval: 5 * time.Minute,
			NewsInterval:      10 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, environment variables and the
// optional YAML file named by PIPELINE_CONFIG, in that order. The RapidAPI
// key comes from RAPIDAPI_KEY or, failing that, the OS keychain.
func Load() (Config, error) {
	cfg := Default()

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.Workers = getEnvInt("WORKERS", cfg.Workers)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.ConfigPath = getEnv("PIPELINE_CONFIG", "pipeline.yaml")

	cfg.KeyringAccount = getEnv("RAPIDAPI_ACCOUNT", cfg.KeyringAccount)
	cfg.YahooBaseURL = getEnv("YAHOO_BASE_URL", cfg.YahooBaseURL)
	cfg.YahooHost = getEnv("YAHOO_HOST", cfg.YahooHost)
	cfg.WalmartBaseURL = getEnv("WALMART_BASE_URL", cfg.WalmartBaseURL)
	cfg.WalmartHost = getEnv("WALMART_HOST", cfg.WalmartHost)

	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryDelay = getEnvDuration("RETRY_DELAY", cfg.RetryDelay)
	cfg.RequestsPerMinute = getEnvInt("REQUESTS_PER_MINUTE", cfg.RequestsPerMinute)
	cfg.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.Burst)
	cfg.CallDelay = getEnvDuration("CALL_DELAY", cfg.CallDelay)
	cfg.BatchSize = getEnvInt("BATCH_SIZE", cfg.BatchSize)

	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.RawDir = getEnv("RAW_DATA_DIR", cfg.RawDir)
	cfg.ProcessedDir = getEnv("PROCESSED_DATA_DIR", cfg.ProcessedDir)
	cfg.OutputDir = getEnv("OUTPUT_DIR", cfg.OutputDir)
	cfg.ExportCSV = getEnvBool("EXPORT_CSV", cfg.ExportCSV)
	cfg.Lake.Dir = getEnv("LAKE_DIR", cfg.Lake.Dir)
	cfg.Lake.DSN = getEnv("LAKE_PG_DSN", cfg.Lake.DSN)
	cfg.Lake.Schema = getEnv("LAKE_PG_SCHEMA", cfg.Lake.Schema)

	cfg.Sources.QuoteSymbols = getEnvList("QUOTE_SYMBOLS", cfg.Sources.QuoteSymbols)
	cfg.Sources.NewsSymbols = getEnvList("NEWS_SYMBOLS", cfg.Sources.NewsSymbols)
	cfg.Sources.HistorySymbols = getEnvList("HISTORY_SYMBOLS", cfg.Sources.HistorySymbols)
	cfg.Sources.WalmartURLs = getEnvList("WALMART_URLS", cfg.Sources.WalmartURLs)
	cfg.Sources.WalmartProducts = getEnvList("WALMART_PRODUCT_URLS", cfg.Sources.WalmartProducts)
	cfg.Timezone = getEnv("SCHEDULE_TIMEZONE", cfg.Timezone)
	cfg.Thresholds.JobFailureRate = getEnvFloat("ALERT_JOB_FAILURE_RATE", cfg.Thresholds.JobFailureRate)
	cfg.Thresholds.DataQualityScore = getEnvFloat("ALERT_DATA_QUALITY_SCORE", cfg.Thresholds.DataQualityScore)
	cfg.Stream.Enabled = getEnvBool("STREAM_ENABLED", cfg.Stream.Enabled)

	if err := LoadFile(cfg.ConfigPath, &cfg); err != nil {
		return cfg, err
	}

	cfg.APIKey = getEnv("RAPIDAPI_KEY", "")
	if cfg.APIKey == "" {
		if key, err := APIKey(cfg.KeyringAccount); err == nil {
			cfg.APIKey = key
		}
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the file
// keep their current values. A missing file is not an error.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ExtractorDefaults maps the source settings onto extractor defaults.
func (c Config) ExtractorDefaults() extractor.Defaults {
	s := c.Sources
	return extractor.Defaults{
		TickerPages:      s.TickerPages,
		TickerTypes:      s.TickerTypes,
		QuoteSymbols:     s.QuoteSymbols,
		BatchSize:        c.BatchSize,
		HistorySymbols:   s.HistorySymbols,
		HistoryIntervals: s.HistoryIntervals,
		HistoryLimits:    s.HistoryLimits,
		ScreenerLists:    s.ScreenerLists,
		NewsSymbols:      s.NewsSymbols,
		NewsType:         s.NewsType,
		ModuleTickers:    s.ModuleTickers,
		Modules:          s.Modules,
		WalmartURLs:      s.WalmartURLs,
		WalmartQueries:   s.WalmartQueries,
		WalmartProducts:  s.WalmartProducts,
	}
}

// ScheduleEntries returns the configured schedules, or the built-in ones
// when none are configured.
func (c Config) ScheduleEntries() []schedule.Entry {
	if len(c.Schedules) > 0 {
		return c.Schedules
	}
	return schedule.DefaultEntries()
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated variable, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
