// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SITECRAWLER_CRAWLER_CONCURRENCY.
const EnvPrefix = "SITECRAWLER"

// Storage providers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Archive providers.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl loop of every job.
type CrawlerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxDepthDefault int           `mapstructure:"max_depth_default"`
	MaxDepthLimit   int           `mapstructure:"max_depth_limit"`
	UserAgent       string        `mapstructure:"user_agent"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
	SpiderDelay     time.Duration `mapstructure:"spider_delay"`
	CompletionTopic string        `mapstructure:"completion_topic"`
}

// HeadlessConfig configures the browser rendering engine.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// StorageConfig selects where records and job snapshots are kept.
type StorageConfig struct {
	Provider string         `mapstructure:"provider"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RecordsTable    string        `mapstructure:"records_table"`
	JobsTable       string        `mapstructure:"jobs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig sets where raw pages are kept, if anywhere.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// ProjectID keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
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
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Provider = strings.ToLower(strings.TrimSpace(cfg.Storage.Provider))
	cfg.Archive.Provider = strings.ToLower(strings.TrimSpace(cfg.Archive.Provider))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key needs a default so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.request_timeout", 10*time.Second)
	v.SetDefault("crawler.max_depth_default", 3)
	v.SetDefault("crawler.max_depth_limit", 10)
	v.SetDefault("crawler.user_agent", "sitecrawler/1.0 (+https://github.com/JakeFAU/sitecrawler)")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.rate_limit_rps", 0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.retry_backoff", 2*time.Second)
	v.SetDefault("crawler.retry_backoff_max", 30*time.Second)
	v.SetDefault("crawler.spider_delay", time.Duration(0))
	v.SetDefault("crawler.completion_topic", "crawl-jobs-completed")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 2*time.Second)
	v.SetDefault("storage.provider", StorageMemory)
	v.SetDefault("storage.sqlite.path", "crawler_data.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.records_table", "crawled_pages")
	v.SetDefault("storage.postgres.jobs_table", "crawl_jobs")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.base_dir", "crawled_data")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "sitecrawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxDepthLimit < 1 {
		return fmt.Errorf("crawler.max_depth_limit must be >= 1")
	}
	if c.Crawler.MaxDepthDefault < 1 || c.Crawler.MaxDepthDefault > c.Crawler.MaxDepthLimit {
		return fmt.Errorf("crawler.max_depth_default must be between 1 and crawler.max_depth_limit")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.RateLimitRPS < 0 {
		return fmt.Errorf("crawler.rate_limit_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.SettleDelay < 0 {
		return fmt.Errorf("headless.settle_delay must be >= 0")
	}
	switch c.Storage.Provider {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite provider")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not one of memory, sqlite, postgres", c.Storage.Provider)
	}
	switch c.Archive.Provider {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.provider %q is not one of none, local, gcs", c.Archive.Provider)
	}
	return nil
}

// MaxAttempts converts MaxRetries into the retry policy's attempt budget.
func (c CrawlerConfig) MaxAttempts() int {
	return c.MaxRetries + 1
}
