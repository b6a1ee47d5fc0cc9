package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"vodflow/internal/scheduler"
)

// IngestOrigin describes one ingest region; Base is used to build playback
// URLs in webhook payloads.
type IngestOrigin struct {
	Ingest   string `toml:"ingest" json:"ingest"`
	Playback string `toml:"playback" json:"playback"`
	Base     string `toml:"base" json:"base"`
}

// Config contains all runtime settings for the task lifecycle service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	DatabaseURL string
	AMQPURL     string

	MaxScheduledTasksPerUser int
	TaskMaxRetries           int
	TaskBaseRetryDelay       time.Duration
	ConsumerConcurrency      int
	RedeliveryDelay          time.Duration

	ActiveTimeout         time.Duration
	RecordingWaitingDelay time.Duration
	ActiveCleanupLimit    int
	ActiveCleanupCron     string
	ProjectsCleanupLimit  int
	ProjectsCleanupCron   string
	SweepLockPath         string

	Ingest []IngestOrigin
}

// fileConfig mirrors Config for the TOML file; durations are strings.
type fileConfig struct {
	BindAddr         string `toml:"bind_addr"`
	ShutdownTimeout  string `toml:"shutdown_timeout"`
	MetricsNamespace string `toml:"metrics_namespace"`
	LogLevel         string `toml:"log_level"`
	LogFormat        string `toml:"log_format"`

	DatabaseURL string `toml:"database_url"`
	AMQPURL     string `toml:"amqp_url"`

	MaxScheduledTasksPerUser *int   `toml:"vod_max_scheduled_tasks_per_user"`
	TaskMaxRetries           *int   `toml:"task_max_retries"`
	TaskBaseRetryDelay       string `toml:"task_base_retry_delay"`
	ConsumerConcurrency      *int   `toml:"consumer_concurrency"`
	RedeliveryDelay          string `toml:"redelivery_delay"`

	ActiveTimeout         string `toml:"active_timeout"`
	RecordingWaitingDelay string `toml:"recording_waiting_delay"`
	ActiveCleanupLimit    *int   `toml:"active_cleanup_limit"`
	ActiveCleanupCron     string `toml:"active_cleanup_cron"`
	ProjectsCleanupLimit  *int   `toml:"projects_cleanup_limit"`
	ProjectsCleanupCron   string `toml:"projects_cleanup_cron"`
	SweepLockPath         string `toml:"sweep_lock_path"`

	Ingest []IngestOrigin `toml:"ingest"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		MetricsNamespace:         "vodflow",
		LogLevel:                 "info",
		LogFormat:                "auto",
		DatabaseURL:              "vodflow.db",
		MaxScheduledTasksPerUser: 100,
		TaskMaxRetries:           2,
		TaskBaseRetryDelay:       30 * time.Second,
		ConsumerConcurrency:      8,
		RedeliveryDelay:          time.Second,
		ActiveTimeout:            90 * time.Second,
		RecordingWaitingDelay:    time.Minute,
		ActiveCleanupLimit:       1000,
		ActiveCleanupCron:        "* * * * *",
		ProjectsCleanupLimit:     100,
		ProjectsCleanupCron:      "0 * * * *",
		SweepLockPath:            filepath.Join(os.TempDir(), "vodflow-sweep.lock"),
	}
}

// Load builds the configuration from defaults, an optional TOML file, a .env
// file outside production, and finally environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.BindAddr, fc.BindAddr)
	setString(&c.MetricsNamespace, fc.MetricsNamespace)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.AMQPURL, fc.AMQPURL)
	setString(&c.ActiveCleanupCron, fc.ActiveCleanupCron)
	setString(&c.ProjectsCleanupCron, fc.ProjectsCleanupCron)
	setString(&c.SweepLockPath, fc.SweepLockPath)
	setInt(&c.MaxScheduledTasksPerUser, fc.MaxScheduledTasksPerUser)
	setInt(&c.TaskMaxRetries, fc.TaskMaxRetries)
	setInt(&c.ConsumerConcurrency, fc.ConsumerConcurrency)
	setInt(&c.ActiveCleanupLimit, fc.ActiveCleanupLimit)
	setInt(&c.ProjectsCleanupLimit, fc.ProjectsCleanupLimit)
	if len(fc.Ingest) > 0 {
		c.Ingest = fc.Ingest
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
		{"task_base_retry_delay", fc.TaskBaseRetryDelay, &c.TaskBaseRetryDelay},
		{"redelivery_delay", fc.RedeliveryDelay, &c.RedeliveryDelay},
		{"active_timeout", fc.ActiveTimeout, &c.ActiveTimeout},
		{"recording_waiting_delay", fc.RecordingWaitingDelay, &c.RecordingWaitingDelay},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s parse error: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.BindAddr = envOrDefault("APP_BIND_ADDR", c.BindAddr)
	c.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", c.MetricsNamespace)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.AMQPURL = envOrDefault("AMQP_URL", c.AMQPURL)
	c.ActiveCleanupCron = envOrDefault("ACTIVE_CLEANUP_CRON", c.ActiveCleanupCron)
	c.ProjectsCleanupCron = envOrDefault("PROJECTS_CLEANUP_CRON", c.ProjectsCleanupCron)
	c.SweepLockPath = envOrDefault("SWEEP_LOCK_PATH", c.SweepLockPath)

	var err error
	if c.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	if c.TaskBaseRetryDelay, err = durationFromEnv("TASK_BASE_RETRY_DELAY", c.TaskBaseRetryDelay); err != nil {
		return err
	}
	if c.RedeliveryDelay, err = durationFromEnv("QUEUE_REDELIVERY_DELAY", c.RedeliveryDelay); err != nil {
		return err
	}
	if c.ActiveTimeout, err = durationFromEnv("ACTIVE_TIMEOUT", c.ActiveTimeout); err != nil {
		return err
	}
	if c.RecordingWaitingDelay, err = durationFromEnv("RECORDING_WAITING_DELAY", c.RecordingWaitingDelay); err != nil {
		return err
	}
	if c.MaxScheduledTasksPerUser, err = intFromEnv("VOD_MAX_SCHEDULED_TASKS_PER_USER", c.MaxScheduledTasksPerUser); err != nil {
		return err
	}
	if c.TaskMaxRetries, err = intFromEnv("TASK_MAX_RETRIES", c.TaskMaxRetries); err != nil {
		return err
	}
	if c.ConsumerConcurrency, err = intFromEnv("CONSUMER_CONCURRENCY", c.ConsumerConcurrency); err != nil {
		return err
	}
	if c.ActiveCleanupLimit, err = intFromEnv("ACTIVE_CLEANUP_LIMIT", c.ActiveCleanupLimit); err != nil {
		return err
	}
	if c.ProjectsCleanupLimit, err = intFromEnv("PROJECTS_CLEANUP_LIMIT", c.ProjectsCleanupLimit); err != nil {
		return err
	}

	if raw := strings.TrimSpace(os.Getenv("INGEST")); raw != "" {
		var origins []IngestOrigin
		if err := json.Unmarshal([]byte(raw), &origins); err != nil {
			return fmt.Errorf("INGEST parse error: %w", err)
		}
		c.Ingest = origins
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.MaxScheduledTasksPerUser < 0 {
		return fmt.Errorf("VOD_MAX_SCHEDULED_TASKS_PER_USER must be >= 0")
	}
	if c.TaskMaxRetries < 0 {
		return fmt.Errorf("TASK_MAX_RETRIES must be >= 0")
	}
	if c.TaskBaseRetryDelay < 0 {
		return fmt.Errorf("TASK_BASE_RETRY_DELAY must be >= 0")
	}
	if c.ConsumerConcurrency <= 0 {
		return fmt.Errorf("CONSUMER_CONCURRENCY must be positive")
	}
	if c.ActiveTimeout <= 0 {
		return fmt.Errorf("ACTIVE_TIMEOUT must be positive")
	}
	if c.ActiveCleanupLimit <= 0 {
		return fmt.Errorf("ACTIVE_CLEANUP_LIMIT must be positive")
	}
	if c.ProjectsCleanupLimit <= 0 {
		return fmt.Errorf("PROJECTS_CLEANUP_LIMIT must be positive")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if err := scheduler.ValidateCronExpression(c.ActiveCleanupCron); err != nil {
		return fmt.Errorf("ACTIVE_CLEANUP_CRON: %w", err)
	}
	if err := scheduler.ValidateCronExpression(c.ProjectsCleanupCron); err != nil {
		return fmt.Errorf("PROJECTS_CLEANUP_CRON: %w", err)
	}
	return nil
}

// PlaybackBase returns the base URL of the first ingest origin, if any.
func (c Config) PlaybackBase() string {
	for _, origin := range c.Ingest {
		if base := strings.TrimRight(strings.TrimSpace(origin.Base), "/"); base != "" {
			return base
		}
	}
	return ""
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
