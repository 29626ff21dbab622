// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/govdoc-harvester/internal/scheduler"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_SERVER_PORT.
const EnvPrefix = "HARVESTER"

// Backend names accepted by state.backend and storage.backend.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	State      StateConfig             `mapstructure:"state"`
	Storage    StorageConfig           `mapstructure:"storage"`
	PubSub     PubSubConfig            `mapstructure:"pubsub"`
	HTTP       HTTPConfig              `mapstructure:"http"`
	Engine     EngineConfig            `mapstructure:"engine"`
	Supervisor SupervisorConfig        `mapstructure:"supervisor"`
	Scheduler  SchedulerConfig         `mapstructure:"scheduler"`
	Targets    map[string]TargetConfig `mapstructure:"targets"`
}

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StateConfig selects and tunes the durable state store. The memory backend
// is not shared between processes and only suits single-process runs.
type StateConfig struct {
	Backend          string `mapstructure:"backend"`
	DSN              string `mapstructure:"dsn"`
	TablePrefix      string `mapstructure:"table_prefix"`
	MaxConns         int32  `mapstructure:"max_conns"`
	MinConns         int32  `mapstructure:"min_conns"`
	OpTimeoutSeconds int    `mapstructure:"op_timeout_seconds"`
	ErrorRingSize    int    `mapstructure:"error_ring_size"`
}

// StorageConfig sets where corpora and attachments live.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	DataDir   string `mapstructure:"data_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig enables document notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HTTPConfig configures the shared fetch stack.
type HTTPConfig struct {
	TimeoutSeconds int                `mapstructure:"timeout_seconds"`
	RetryTimes     int                `mapstructure:"retry_times"`
	RetryDelayMs   int                `mapstructure:"retry_delay_ms"`
	UserAgent      string             `mapstructure:"user_agent"`
	RPS            float64            `mapstructure:"rps"`
	Burst          int                `mapstructure:"burst"`
	HostRPS        map[string]float64 `mapstructure:"host_rps"`
	InsecureTLS    bool               `mapstructure:"insecure_tls"`
	MaxBodyBytes   int                `mapstructure:"max_body_bytes"`
}

// EngineConfig tunes the crawl engine.
type EngineConfig struct {
	PausePollMs            int  `mapstructure:"pause_poll_ms"`
	MaxPageFailures        int  `mapstructure:"max_page_failures"`
	BreakerThreshold       int  `mapstructure:"breaker_threshold"`
	DuplicateStopThreshold int  `mapstructure:"duplicate_stop_threshold"`
	MaxAttachments         int  `mapstructure:"max_attachments"`
	Once                   bool `mapstructure:"once"`
	// MetricsAddr, when set, serves /metrics from the engine child.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// SupervisorConfig tunes child process management.
type SupervisorConfig struct {
	// Binary is the engine executable; empty re-executes the current binary.
	Binary                  string `mapstructure:"binary"`
	LivenessIntervalSeconds int    `mapstructure:"liveness_interval_seconds"`
	StopGraceSeconds        int    `mapstructure:"stop_grace_seconds"`
	StatsTimeoutSeconds     int    `mapstructure:"stats_timeout_seconds"`
	StatsRefreshMinutes     int    `mapstructure:"stats_refresh_minutes"`
}

// SchedulerConfig controls the daily re-scan trigger.
type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	At       string `mapstructure:"at"`
	Timezone string `mapstructure:"timezone"`
}

// TargetConfig describes one harvested site.
type TargetConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Kind     string            `mapstructure:"kind"`
	BaseURL  string            `mapstructure:"base_url"`
	PageSize int               `mapstructure:"page_size"`
	Headers  map[string]string `mapstructure:"headers"`
	Cookies  map[string]string `mapstructure:"cookies"`
	Proxy    string            `mapstructure:"proxy"`
	// RetryTimes and RetryDelayMs override the http section when positive.
	RetryTimes   int              `mapstructure:"retry_times"`
	RetryDelayMs int              `mapstructure:"retry_delay_ms"`
	Sections     []source.Section `mapstructure:"sections"`
	Extensions   []string         `mapstructure:"extensions"`
}

// LoadDotEnv reads a .env file into the process environment. A missing file
// is not an error.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load builds a Config from defaults, the config file and HARVESTER_* env.
// Without a path it looks for harvester.{yaml,toml,json} in the working
// directory, /etc/harvester and $HOME/.harvester; none is required.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("harvester")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/harvester/")
		v.AddConfigPath("$HOME/.harvester")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("state.backend", BackendPostgres)
	v.SetDefault("state.table_prefix", "harvester")
	v.SetDefault("state.max_conns", 8)
	v.SetDefault("state.op_timeout_seconds", 5)
	v.SetDefault("state.error_ring_size", 100)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic_name", "harvested-documents")
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.retry_times", 3)
	v.SetDefault("http.retry_delay_ms", 10000)
	v.SetDefault("http.user_agent", "govdoc-harvester/0.1")
	v.SetDefault("http.rps", 0.5)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.insecure_tls", false)
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("engine.pause_poll_ms", 1000)
	v.SetDefault("engine.max_page_failures", 3)
	v.SetDefault("engine.breaker_threshold", 100)
	v.SetDefault("engine.duplicate_stop_threshold", 100)
	v.SetDefault("engine.max_attachments", source.MaxFilesPerItem)
	v.SetDefault("engine.once", false)
	v.SetDefault("engine.metrics_addr", "")
	v.SetDefault("supervisor.liveness_interval_seconds", 5)
	v.SetDefault("supervisor.stop_grace_seconds", 10)
	v.SetDefault("supervisor.stats_timeout_seconds", 300)
	v.SetDefault("supervisor.stats_refresh_minutes", 10)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.at", "08:00")
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	for _, id := range []string{"nhsa", "wjw", "flkgov"} {
		v.SetDefault("targets."+id+".enabled", true)
		v.SetDefault("targets."+id+".kind", id)
		v.SetDefault("targets."+id+".base_url", "")
		v.SetDefault("targets."+id+".page_size", 0)
		v.SetDefault("targets."+id+".proxy", "")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.State.Backend {
	case BackendPostgres:
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("state.backend %q is not one of postgres, memory", c.State.Backend)
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs", c.Storage.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RetryTimes < 0 {
		return fmt.Errorf("http.retry_times must be >= 0")
	}
	if c.HTTP.RPS < 0 {
		return fmt.Errorf("http.rps must be >= 0")
	}
	if c.Engine.BreakerThreshold <= 0 {
		return fmt.Errorf("engine.breaker_threshold must be > 0")
	}
	if c.Engine.MaxAttachments <= 0 || c.Engine.MaxAttachments > source.MaxFilesPerItem {
		return fmt.Errorf("engine.max_attachments must be between 1 and %d", source.MaxFilesPerItem)
	}
	if c.Scheduler.Enabled {
		if _, err := c.Schedule(); err != nil {
			return err
		}
	}
	if len(c.Identities()) == 0 {
		return fmt.Errorf("at least one enabled target is required")
	}
	for id, t := range c.Targets {
		if !t.Enabled {
			continue
		}
		if t.Kind == "" {
			return fmt.Errorf("targets.%s.kind is required", id)
		}
		if t.PageSize < 0 {
			return fmt.Errorf("targets.%s.page_size must be >= 0", id)
		}
	}
	return nil
}

// Identities lists the enabled targets in sorted order.
func (c Config) Identities() []string {
	ids := make([]string, 0, len(c.Targets))
	for id, t := range c.Targets {
		if t.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Target returns the enabled target for identity.
func (c Config) Target(identity string) (TargetConfig, bool) {
	t, ok := c.Targets[identity]
	if !ok || !t.Enabled {
		return TargetConfig{}, false
	}
	return t, true
}

// Schedule parses the daily re-scan time.
func (c Config) Schedule() (scheduler.TimeOfDay, error) {
	at, err := scheduler.ParseTimeOfDay(c.Scheduler.At, c.Scheduler.Timezone)
	if err != nil {
		return scheduler.TimeOfDay{}, fmt.Errorf("scheduler: %w", err)
	}
	return at, nil
}

// RequestTimeout is the per-request fetch timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// StateOpTimeout bounds each state store call.
func (c Config) StateOpTimeout() time.Duration {
	return time.Duration(c.State.OpTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// PausePollInterval is how often a paused engine re-reads the flag.
func (c Config) PausePollInterval() time.Duration {
	return time.Duration(c.Engine.PausePollMs) * time.Millisecond
}

// LivenessInterval spaces the supervisor's status re-assertions.
func (c Config) LivenessInterval() time.Duration {
	return time.Duration(c.Supervisor.LivenessIntervalSeconds) * time.Second
}

// StopGrace is how long Stop waits before killing a child.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.Supervisor.StopGraceSeconds) * time.Second
}

// StatsTimeout bounds one stats recomputation.
func (c Config) StatsTimeout() time.Duration {
	return time.Duration(c.Supervisor.StatsTimeoutSeconds) * time.Second
}

// StatsRefreshInterval spaces background stats refreshes.
func (c Config) StatsRefreshInterval() time.Duration {
	return time.Duration(c.Supervisor.StatsRefreshMinutes) * time.Minute
}

// Retry returns the effective retry count and delay for a target.
func (c Config) Retry(t TargetConfig) (int, time.Duration) {
	times, delayMs := c.HTTP.RetryTimes, c.HTTP.RetryDelayMs
	if t.RetryTimes > 0 {
		times = t.RetryTimes
	}
	if t.RetryDelayMs > 0 {
		delayMs = t.RetryDelayMs
	}
	return times, time.Duration(delayMs) * time.Millisecond
}

// HeaderMap converts the configured headers to an http.Header.
func (t TargetConfig) HeaderMap() http.Header {
	if len(t.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(t.Headers))
	for k, v := range t.Headers {
		h.Set(k, v)
	}
	return h
}
