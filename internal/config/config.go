// Package config loads the monitor configuration from YAML with RISKMON_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/logger"
)

const envPrefix = "RISKMON_"

// Config represents the monitor configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Poll    PollConfig    `yaml:"poll"`
	Views   ViewsConfig   `yaml:"views"`
	Export  ExportConfig  `yaml:"export"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BackendConfig points at the scoring API
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollConfig holds the fetch parameters and refresh timer
type PollConfig struct {
	Limit        int           `yaml:"limit"`
	MinRisk      float64       `yaml:"min_risk"`
	AnomalyLimit int           `yaml:"anomaly_limit"`
	Interval     time.Duration `yaml:"interval"`
	AutoRefresh  bool          `yaml:"auto_refresh"`
}

// ViewsConfig sizes the derived views
type ViewsConfig struct {
	ChartWindow     int `yaml:"chart_window"`
	LeaderboardSize int `yaml:"leaderboard_size"`
}

// ExportConfig selects and configures the export sink
type ExportConfig struct {
	Sink            string `yaml:"sink"` // "file", "gcs", "bigquery"
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	ProjectID       string `yaml:"project_id"`
	Dataset         string `yaml:"dataset"`
	Table           string `yaml:"table"`
	CredentialsFile string `yaml:"credentials_file"`
}

// HTTPConfig configures the presentation server
type HTTPConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8000/api",
			Timeout: 10 * time.Second,
		},
		Poll: PollConfig{
			Limit:        domain.DefaultLimit,
			MinRisk:      domain.DefaultMinRisk,
			AnomalyLimit: domain.DefaultAnomalyLimit,
			Interval:     4 * time.Second,
			AutoRefresh:  true,
		},
		Views: ViewsConfig{
			ChartWindow:     40,
			LeaderboardSize: 5,
		},
		Export: ExportConfig{
			Sink: "file",
			Dir:  "exports",
		},
		HTTP: HTTPConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load starts from Default, overlays the YAML file at path (optional) and
// RISKMON_* variables, then validates. Keys absent from the file keep their
// defaults; keys present with a zero value are validated as given.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	envErr := cfg.ApplyEnv()
	if err := errors.Join(envErr, cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RISKMON_* variables, e.g. RISKMON_POLL_LIMIT.
// Unparsable values leave the field unchanged and are reported as
// *domain.ConfigError, joined.
func (c *Config) ApplyEnv() error {
	env := &envReader{}

	c.Backend.BaseURL = env.getString("BACKEND_BASE_URL", c.Backend.BaseURL)
	c.Backend.APIKey = env.getString("BACKEND_API_KEY", c.Backend.APIKey)
	c.Backend.Timeout = env.getDuration("BACKEND_TIMEOUT", c.Backend.Timeout)

	c.Poll.Limit = env.getInt("POLL_LIMIT", c.Poll.Limit)
	c.Poll.MinRisk = env.getFloat("POLL_MIN_RISK", c.Poll.MinRisk)
	c.Poll.AnomalyLimit = env.getInt("POLL_ANOMALY_LIMIT", c.Poll.AnomalyLimit)
	c.Poll.Interval = env.getDuration("POLL_INTERVAL", c.Poll.Interval)
	c.Poll.AutoRefresh = env.getBool("POLL_AUTO_REFRESH", c.Poll.AutoRefresh)

	c.Views.ChartWindow = env.getInt("VIEWS_CHART_WINDOW", c.Views.ChartWindow)
	c.Views.LeaderboardSize = env.getInt("VIEWS_LEADERBOARD_SIZE", c.Views.LeaderboardSize)

	c.Export.Sink = env.getString("EXPORT_SINK", c.Export.Sink)
	c.Export.Dir = env.getString("EXPORT_DIR", c.Export.Dir)
	c.Export.Bucket = env.getString("EXPORT_BUCKET", c.Export.Bucket)
	c.Export.Prefix = env.getString("EXPORT_PREFIX", c.Export.Prefix)
	c.Export.ProjectID = env.getString("EXPORT_PROJECT_ID", c.Export.ProjectID)
	c.Export.Dataset = env.getString("EXPORT_DATASET", c.Export.Dataset)
	c.Export.Table = env.getString("EXPORT_TABLE", c.Export.Table)
	c.Export.CredentialsFile = env.getString("EXPORT_CREDENTIALS_FILE", c.Export.CredentialsFile)

	c.HTTP.ListenAddr = env.getString("HTTP_LISTEN_ADDR", c.HTTP.ListenAddr)
	c.HTTP.ReadTimeout = env.getDuration("HTTP_READ_TIMEOUT", c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = env.getDuration("HTTP_WRITE_TIMEOUT", c.HTTP.WriteTimeout)

	c.Log.Level = env.getString("LOG_LEVEL", c.Log.Level)
	c.Metrics.Enabled = env.getBool("METRICS_ENABLED", c.Metrics.Enabled)

	return errors.Join(env.errs...)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if err := domain.ValidateParams(c.Params()); err != nil {
		errs = append(errs, err)
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, &domain.ConfigError{Field: "poll.interval", Value: c.Poll.Interval, Reason: "must be positive"})
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, &domain.ConfigError{Field: "backend.timeout", Value: c.Backend.Timeout, Reason: "must be positive"})
	}
	if c.Views.ChartWindow < 1 {
		errs = append(errs, &domain.ConfigError{Field: "views.chart_window", Value: c.Views.ChartWindow, Reason: "must be at least 1"})
	}
	if c.Views.LeaderboardSize < 1 {
		errs = append(errs, &domain.ConfigError{Field: "views.leaderboard_size", Value: c.Views.LeaderboardSize, Reason: "must be at least 1"})
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, &domain.ConfigError{Field: "log.level", Value: c.Log.Level, Reason: err.Error()})
	}

	switch c.Export.Sink {
	case "file":
	case "gcs":
		if c.Export.Bucket == "" {
			errs = append(errs, &domain.ConfigError{Field: "export.bucket", Value: "", Reason: "required for gcs sink"})
		}
	case "bigquery":
		if c.Export.ProjectID == "" || c.Export.Dataset == "" || c.Export.Table == "" {
			errs = append(errs, &domain.ConfigError{Field: "export.project_id/dataset/table", Value: "", Reason: "required for bigquery sink"})
		}
	default:
		errs = append(errs, &domain.ConfigError{Field: "export.sink", Value: c.Export.Sink, Reason: "must be file, gcs or bigquery"})
	}

	return errors.Join(errs...)
}

// Params returns the initial fetch parameters.
func (c *Config) Params() domain.Params {
	return domain.Params{
		Limit:        c.Poll.Limit,
		MinRisk:      c.Poll.MinRisk,
		AnomalyLimit: c.Poll.AnomalyLimit,
	}
}

// envReader reads RISKMON_* variables and records the ones that fail to parse.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	val := os.Getenv(envPrefix + key)
	return strings.TrimSpace(val), val != ""
}

func (e *envReader) fail(key, val, reason string) {
	e.errs = append(e.errs, &domain.ConfigError{Field: envPrefix + key, Value: val, Reason: reason})
}

func (e *envReader) getString(key, def string) string {
	if val := os.Getenv(envPrefix + key); val != "" {
		return val
	}
	return def
}

func (e *envReader) getInt(key string, def int) int {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		e.fail(key, val, "not an integer")
		return def
	}
	return parsed
}

func (e *envReader) getFloat(key string, def float64) float64 {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		e.fail(key, val, "not a number")
		return def
	}
	return parsed
}

func (e *envReader) getBool(key string, def bool) bool {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		e.fail(key, val, "not a boolean")
		return def
	}
	return parsed
}

func (e *envReader) getDuration(key string, def time.Duration) time.Duration {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		e.fail(key, val, "not a duration")
		return def
	}
	return parsed
}
