package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  concurrency: 8
  request_timeout: 20s
  max_depth_default: 2
  max_depth_limit: 6
  user_agent: test-agent
  respect_robots: true
  rate_limit_rps: 2.5
  max_retries: 1
  retry_backoff: 500ms
headless:
  enabled: true
  max_parallel: 3
  settle_delay: 1s
storage:
  provider: SQLite
  sqlite:
    path: /tmp/pages.db
archive:
  provider: local
  base_dir: /tmp/archive
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, ":9090", cfg.Server.Addr())
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, 8, cfg.Crawler.Concurrency)
	require.Equal(t, 20*time.Second, cfg.Crawler.RequestTimeout)
	require.Equal(t, 6, cfg.Crawler.MaxDepthLimit)
	require.True(t, cfg.Crawler.RespectRobots)
	require.InDelta(t, 2.5, cfg.Crawler.RateLimitRPS, 0.0001)
	require.Equal(t, 2, cfg.Crawler.MaxAttempts())
	require.Equal(t, 500*time.Millisecond, cfg.Crawler.RetryBackoff)
	require.True(t, cfg.Headless.Enabled)
	require.Equal(t, time.Second, cfg.Headless.SettleDelay)
	require.Equal(t, 45*time.Second, cfg.Headless.NavTimeout)
	require.Equal(t, StorageSQLite, cfg.Storage.Provider)
	require.Equal(t, "/tmp/pages.db", cfg.Storage.SQLite.Path)
	require.Equal(t, ArchiveLocal, cfg.Archive.Provider)
	require.False(t, cfg.Logging.Development)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5, cfg.Crawler.Concurrency)
	require.Equal(t, 3, cfg.Crawler.MaxDepthDefault)
	require.Equal(t, 10, cfg.Crawler.MaxDepthLimit)
	require.Equal(t, 10*time.Second, cfg.Crawler.RequestTimeout)
	require.Equal(t, 2*time.Second, cfg.Headless.SettleDelay)
	require.Equal(t, StorageMemory, cfg.Storage.Provider)
	require.Equal(t, ArchiveNone, cfg.Archive.Provider)
	require.Equal(t, "sitecrawler", cfg.Telemetry.ServiceName)
}

// Environment tests mutate process state and cannot run in parallel.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITECRAWLER_CRAWLER_CONCURRENCY", "12")
	t.Setenv("SITECRAWLER_STORAGE_PROVIDER", "postgres")
	t.Setenv("SITECRAWLER_STORAGE_POSTGRES_DSN", "postgres://localhost/crawl")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Crawler.Concurrency)
	require.Equal(t, StoragePostgres, cfg.Storage.Provider)
	require.Equal(t, "postgres://localhost/crawl", cfg.Storage.Postgres.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"port":           func(c *Config) { c.Server.Port = 0 },
		"auth key":       func(c *Config) { c.Auth.Enabled = true },
		"concurrency":    func(c *Config) { c.Crawler.Concurrency = 0 },
		"timeout":        func(c *Config) { c.Crawler.RequestTimeout = 0 },
		"depth default":  func(c *Config) { c.Crawler.MaxDepthDefault = 11 },
		"depth limit":    func(c *Config) { c.Crawler.MaxDepthLimit = 0 },
		"retries":        func(c *Config) { c.Crawler.MaxRetries = -1 },
		"rps":            func(c *Config) { c.Crawler.RateLimitRPS = -1 },
		"headless":       func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 },
		"settle":         func(c *Config) { c.Headless.SettleDelay = -time.Second },
		"storage":        func(c *Config) { c.Storage.Provider = "redis" },
		"sqlite path":    func(c *Config) { c.Storage.Provider = StorageSQLite; c.Storage.SQLite.Path = "" },
		"postgres dsn":   func(c *Config) { c.Storage.Provider = StoragePostgres },
		"archive":        func(c *Config) { c.Archive.Provider = "s3" },
		"archive dir":    func(c *Config) { c.Archive.Provider = ArchiveLocal; c.Archive.BaseDir = "" },
		"archive bucket": func(c *Config) { c.Archive.Provider = ArchiveGCS },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, valid.Validate())
}
