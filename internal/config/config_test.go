package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFrom(New(), "")
	require.NoError(t, err)

	require.Equal(t, StrategyScrape, cfg.Crawl.Strategy)
	require.Equal(t, 50, cfg.Crawl.TargetCount)
	require.Equal(t, 20, cfg.Crawl.EffectivePageSize())
	require.Equal(t, time.Second, cfg.Crawl.Delay)
	require.Equal(t, VendorPrefixes, cfg.Crawl.ReservedPrefixes)
	require.Empty(t, cfg.Crawl.ExcludePrefixes)
	require.True(t, cfg.Crawl.ExcludeIgnoreCase)
	require.Equal(t, "https://www.nuget.org", cfg.Scrape.BaseURL)
	require.Equal(t, ".package-title a", cfg.Scrape.Selectors.Title)
	require.Equal(t, "data-package-version", cfg.Scrape.Selectors.VersionAttr)
	require.Equal(t, "https://api.nuget.org/v3/index.json", cfg.API.IndexURL)
	require.True(t, cfg.Sinks.Stdout)
	require.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	require.Equal(t, 8080, cfg.Server.Port)
	require.False(t, cfg.Tracing.Enabled)
	require.InDelta(t, 1.0, cfg.Tracing.SampleRatio, 1e-9)
	require.Empty(t, cfg.Log.Level)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
log:
  development: true
  level: warn
tracing:
  enabled: true
  sample_ratio: 0.25
crawl:
  strategy: api
  query: logging
  target_count: 250
  delay: 250ms
  exclude_prefixes: ["Microsoft.", "System."]
  exclude_ignore_case: false
  locale: de_DE.UTF-8
http:
  user_agent: test-agent
  timeout: 30s
api:
  search_service: https://search.test/query
  include_prerelease: true
  sort_by: ""
scrape:
  selectors:
    next_page: "a[rel=next]"
sinks:
  stdout: false
  csv_path: out/ranking.csv
  postgres:
    dsn: postgres://localhost/pkgrank
    table: nuget
  gcs:
    bucket: rankings
    format: csv
  pubsub:
    project_id: proj
    topic: rankings
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.Log.Development)
	require.Equal(t, "warn", cfg.Log.Level)
	require.True(t, cfg.Tracing.Enabled)
	require.InDelta(t, 0.25, cfg.Tracing.SampleRatio, 1e-9)
	require.Equal(t, StrategyAPI, cfg.Crawl.Strategy)
	require.Equal(t, "logging", cfg.Crawl.Query)
	require.Equal(t, 250, cfg.Crawl.TargetCount)
	require.Equal(t, 100, cfg.Crawl.EffectivePageSize())
	require.Equal(t, 250*time.Millisecond, cfg.Crawl.Delay)
	require.Equal(t, []string{"Microsoft.", "System."}, cfg.Crawl.ExcludePrefixes)
	require.False(t, cfg.Crawl.ExcludeIgnoreCase)
	require.Equal(t, "test-agent", cfg.HTTP.UserAgent)
	require.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	require.Equal(t, "https://search.test/query", cfg.API.SearchService)
	require.True(t, cfg.API.IncludePrerelease)
	require.Empty(t, cfg.API.SortBy)
	require.Equal(t, "a[rel=next]", cfg.Scrape.Selectors.NextPage)
	require.Equal(t, ".package", cfg.Scrape.Selectors.Item, "unset selectors keep defaults")
	require.False(t, cfg.Sinks.Stdout)
	require.Equal(t, "out/ranking.csv", cfg.Sinks.CSVPath)
	require.Equal(t, "nuget", cfg.Sinks.Postgres.Table)
	require.True(t, cfg.Sinks.Postgres.Truncate)
	require.Equal(t, "csv", cfg.Sinks.GCS.Format)
	require.Equal(t, "rankings", cfg.Sinks.PubSub.Topic)
	require.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := LoadFrom(New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "unknown strategy", mutate: func(c *Config) { c.Crawl.Strategy = "ftp" }, want: "crawl.strategy"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "tracing.sample_ratio"},
		{name: "zero target", mutate: func(c *Config) { c.Crawl.TargetCount = 0 }, want: "crawl.target_count"},
		{name: "negative page size", mutate: func(c *Config) { c.Crawl.PageSize = -1 }, want: "crawl.page_size"},
		{name: "api window too large", mutate: func(c *Config) { c.Crawl.Strategy = StrategyAPI; c.Crawl.PageSize = 5000 }, want: "crawl.page_size"},
		{name: "scrape page larger than gallery page", mutate: func(c *Config) { c.Crawl.PageSize = 50 }, want: "crawl.page_size must be <= 20 for the scrape strategy"},
		{name: "negative delay", mutate: func(c *Config) { c.Crawl.Delay = -time.Second }, want: "crawl.delay"},
		{name: "bad locale", mutate: func(c *Config) { c.Crawl.Locale = "!!" }, want: "crawl.locale"},
		{name: "zero timeout", mutate: func(c *Config) { c.HTTP.Timeout = 0 }, want: "http.timeout"},
		{name: "headless without timeout", mutate: func(c *Config) { c.HTTP.Headless = true; c.HTTP.HeadlessNavTimeout = 0 }, want: "http.headless_nav_timeout"},
		{name: "relative base url", mutate: func(c *Config) { c.Scrape.BaseURL = "/packages" }, want: "scrape.base_url"},
		{name: "relative search service", mutate: func(c *Config) { c.API.SearchService = "query" }, want: "api.search_service"},
		{name: "bad gcs format", mutate: func(c *Config) { c.Sinks.GCS.Bucket = "b"; c.Sinks.GCS.Format = "xml" }, want: "sinks.gcs.format"},
		{name: "pubsub topic without project", mutate: func(c *Config) { c.Sinks.PubSub.Topic = "t" }, want: "sinks.pubsub"},
		{name: "zero port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Crawl.ExcludePrefixes = append([]string(nil), base.Crawl.ExcludePrefixes...)
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.want), "error %q should mention %q", err, tc.want)
		})
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PKGRANK_CRAWL_QUERY", "json")
	t.Setenv("PKGRANK_CRAWL_TARGET_COUNT", "7")
	t.Setenv("PKGRANK_CRAWL_EXCLUDE_PREFIXES", "Microsoft.,System.")
	t.Setenv("PKGRANK_SINKS_POSTGRES_TABLE", "env_packages")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "json", cfg.Crawl.Query)
	require.Equal(t, 7, cfg.Crawl.TargetCount)
	require.Equal(t, []string{"Microsoft.", "System."}, cfg.Crawl.ExcludePrefixes)
	require.Equal(t, "env_packages", cfg.Sinks.Postgres.Table)
}
