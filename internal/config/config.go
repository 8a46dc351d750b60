// Package config loads and validates roster crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// Backend and mode names accepted in configuration.
const (
	FetcherHTTP     = "http"
	FetcherHeadless = "headless"

	StateFile     = "file"
	StatePostgres = "postgres"
	StateMemory   = "memory"

	ArtifactsLocal  = "local"
	ArtifactsGCS    = "gcs"
	ArtifactsMemory = "memory"

	OnCorruptFail  = "fail"
	OnCorruptReset = "reset"

	maxWorkers = 64
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	State     StateConfig     `mapstructure:"state"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Report    ReportConfig    `mapstructure:"report"`
	Server    ServerConfig    `mapstructure:"server"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlConfig defines the task space and coarse pacing.
type CrawlConfig struct {
	BaseURL          string   `mapstructure:"base_url"`
	Teams            []string `mapstructure:"teams"`
	FirstYear        int      `mapstructure:"first_year"`
	LastYear         int      `mapstructure:"last_year"`
	UserAgent        string   `mapstructure:"user_agent"`
	CoarseDelayMinMs int      `mapstructure:"coarse_delay_min_ms"`
	CoarseDelayMaxMs int      `mapstructure:"coarse_delay_max_ms"`
}

// HTTPConfig configures the page transport.
type HTTPConfig struct {
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	ProxyURL          string   `mapstructure:"proxy_url"`
	CABundles         []string `mapstructure:"ca_bundles"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Burst             int      `mapstructure:"burst"`
}

// FetcherConfig selects the page fetcher.
type FetcherConfig struct {
	Mode string `mapstructure:"mode"`
}

// HeadlessConfig configures the browser fetcher.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// WorkersConfig sizes the detail worker pool and its retry policy.
type WorkersConfig struct {
	Count            int `mapstructure:"count"`
	PollIntervalMs   int `mapstructure:"poll_interval_ms"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// QueueConfig bounds the detail work queue.
type QueueConfig struct {
	Depth int `mapstructure:"depth"`
}

// StateConfig selects the durable backend for facts and the ledger.
type StateConfig struct {
	Backend              string `mapstructure:"backend"`
	Dir                  string `mapstructure:"dir"`
	DSN                  string `mapstructure:"dsn"`
	FlushEvery           int    `mapstructure:"flush_every"`
	FlushIntervalSeconds int    `mapstructure:"flush_interval_seconds"`
	OnCorrupt            string `mapstructure:"on_corrupt"`
}

// ArtifactsConfig selects where per-task roster artifacts live.
type ArtifactsConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ReportConfig sets the consolidated workbook location.
type ReportConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the optional status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.base_url", "https://www.pro-football-reference.com")
	v.SetDefault("crawl.teams", roster.DefaultTeams)
	v.SetDefault("crawl.first_year", 2017)
	v.SetDefault("crawl.last_year", 2023)
	v.SetDefault("crawl.user_agent", "Mozilla/5.0 (compatible; roster-crawler/1.0)")
	v.SetDefault("crawl.coarse_delay_min_ms", 1000)
	v.SetDefault("crawl.coarse_delay_max_ms", 2000)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("fetcher.mode", FetcherHTTP)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("workers.count", 5)
	v.SetDefault("workers.poll_interval_ms", 250)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.backoff_initial_ms", 250)
	v.SetDefault("workers.backoff_max_ms", 5000)
	v.SetDefault("queue.depth", 256)
	v.SetDefault("state.backend", StateFile)
	v.SetDefault("state.dir", "data/state")
	v.SetDefault("state.flush_every", 1)
	v.SetDefault("state.flush_interval_seconds", 10)
	v.SetDefault("state.on_corrupt", OnCorruptFail)
	v.SetDefault("artifacts.backend", ArtifactsLocal)
	v.SetDefault("artifacts.dir", "data/rosters")
	v.SetDefault("artifacts.prefix", "rosters")
	v.SetDefault("report.path", "team_player_extraction.xlsx")
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Crawl.BaseURL); err != nil {
		return fmt.Errorf("crawl.base_url is invalid: %w", err)
	}
	if len(c.Crawl.Teams) == 0 {
		return fmt.Errorf("crawl.teams must not be empty")
	}
	if c.Crawl.FirstYear > c.Crawl.LastYear {
		return fmt.Errorf("crawl.first_year must be <= crawl.last_year")
	}
	if c.Crawl.CoarseDelayMinMs < 0 || c.Crawl.CoarseDelayMinMs > c.Crawl.CoarseDelayMaxMs {
		return fmt.Errorf("crawl.coarse_delay_min_ms must be between 0 and crawl.coarse_delay_max_ms")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	switch c.Fetcher.Mode {
	case FetcherHTTP:
	case FetcherHeadless:
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when fetcher.mode is headless")
		}
	default:
		return fmt.Errorf("fetcher.mode %q is not one of http, headless", c.Fetcher.Mode)
	}
	if c.Workers.Count < 1 || c.Workers.Count > maxWorkers {
		return fmt.Errorf("workers.count must be between 1 and %d", maxWorkers)
	}
	if c.Workers.MaxAttempts <= 0 {
		return fmt.Errorf("workers.max_attempts must be > 0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	switch c.State.Backend {
	case StateFile:
		if c.State.Dir == "" {
			return fmt.Errorf("state.dir is required for the file backend")
		}
	case StatePostgres:
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres backend")
		}
	case StateMemory:
	default:
		return fmt.Errorf("state.backend %q is not one of file, postgres, memory", c.State.Backend)
	}
	switch c.State.OnCorrupt {
	case OnCorruptFail, OnCorruptReset:
	default:
		return fmt.Errorf("state.on_corrupt %q is not one of fail, reset", c.State.OnCorrupt)
	}
	switch c.Artifacts.Backend {
	case ArtifactsLocal:
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts.dir is required for the local backend")
		}
	case ArtifactsGCS:
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket is required for the gcs backend")
		}
	case ArtifactsMemory:
	default:
		return fmt.Errorf("artifacts.backend %q is not one of local, gcs, memory", c.Artifacts.Backend)
	}
	// A durable ledger over memory artifacts reports every task inconsistent
	// on the next run.
	if c.Artifacts.Backend == ArtifactsMemory && c.State.Backend != StateMemory {
		return fmt.Errorf("artifacts.backend memory requires state.backend memory, got %q", c.State.Backend)
	}
	if c.Report.Path == "" {
		return fmt.Errorf("report.path is required")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Tasks enumerates the configured team-season task space.
func (c Config) Tasks() []roster.CoarseTaskID {
	return roster.TaskSpace(c.Crawl.Teams, c.Crawl.FirstYear, c.Crawl.LastYear)
}

// FetchTimeout is the mandatory per-fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// CoarseDelay returns the bounds of the pause between roster fetches.
func (c Config) CoarseDelay() (time.Duration, time.Duration) {
	return Millis(c.Crawl.CoarseDelayMinMs), Millis(c.Crawl.CoarseDelayMaxMs)
}

// FlushInterval is the longest a dirty fact cache waits before persisting.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.State.FlushIntervalSeconds) * time.Second
}

// Millis converts a millisecond knob to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
