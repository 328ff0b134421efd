// Package config loads and validates pkgrank configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pkgrank-crawler/internal/numfmt"
	"github.com/JakeFAU/pkgrank-crawler/internal/registry"
	"github.com/JakeFAU/pkgrank-crawler/internal/sink/file"
	"github.com/JakeFAU/pkgrank-crawler/internal/source/api"
	"github.com/JakeFAU/pkgrank-crawler/internal/source/scrape"
)

// EnvPrefix namespaces environment overrides, e.g. PKGRANK_CRAWL_QUERY.
const EnvPrefix = "PKGRANK"

// Crawl strategies.
const (
	StrategyScrape = "scrape"
	StrategyAPI    = "api"
)

// VendorPrefixes are the package ID prefixes reserved by Microsoft owned
// publishers on nuget.org.
var VendorPrefixes = []string{"Microsoft.", "System.", "Azure.", "Xamarin.", "NuGet."}

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	API     APIConfig     `mapstructure:"api"`
	Sinks   SinksConfig   `mapstructure:"sinks"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LogConfig toggles zap development features.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig toggles OpenTelemetry spans around crawls.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// CrawlConfig describes a single crawl.
type CrawlConfig struct {
	Strategy    string `mapstructure:"strategy"`
	Query       string `mapstructure:"query"`
	TargetCount int    `mapstructure:"target_count"`
	// PageSize of zero selects the strategy default.
	PageSize          int           `mapstructure:"page_size"`
	Delay             time.Duration `mapstructure:"delay"`
	ExcludePrefixes   []string      `mapstructure:"exclude_prefixes"`
	ExcludeIgnoreCase bool          `mapstructure:"exclude_ignore_case"`
	// ReservedPrefixes flag vendor packages in sinks that record it.
	ReservedPrefixes []string `mapstructure:"reserved_prefixes"`
	Locale           string   `mapstructure:"locale"`
}

// MaxPageSize is the largest page size the strategy's endpoint honours.
func (c CrawlConfig) MaxPageSize() int {
	if c.Strategy == StrategyAPI {
		return api.MaxTake
	}
	return scrape.MaxPageSize
}

// EffectivePageSize resolves a zero page size to the strategy default.
func (c CrawlConfig) EffectivePageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	if c.Strategy == StrategyAPI {
		return api.DefaultPageSize
	}
	return scrape.DefaultPageSize
}

// HTTPConfig configures the transport.
type HTTPConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	Headless           bool          `mapstructure:"headless"`
	HeadlessNavTimeout time.Duration `mapstructure:"headless_nav_timeout"`
}

// ScrapeConfig configures the HTML results source.
type ScrapeConfig struct {
	BaseURL           string           `mapstructure:"base_url"`
	Path              string           `mapstructure:"path"`
	SortBy            string           `mapstructure:"sort_by"`
	IncludePrerelease bool             `mapstructure:"include_prerelease"`
	DownloadsSuffix   string           `mapstructure:"downloads_suffix"`
	Selectors         scrape.Selectors `mapstructure:"selectors"`
}

// APIConfig configures the search API source and the service index.
type APIConfig struct {
	IndexURL          string `mapstructure:"index_url"`
	SearchService     string `mapstructure:"search_service"`
	IncludePrerelease bool   `mapstructure:"include_prerelease"`
	SemVerLevel       string `mapstructure:"semver_level"`
	SortBy            string `mapstructure:"sort_by"`
}

// SinksConfig selects where finished rankings go. Every configured sink
// receives the ranking.
type SinksConfig struct {
	Stdout   bool           `mapstructure:"stdout"`
	JSONPath string         `mapstructure:"json_path"`
	CSVPath  string         `mapstructure:"csv_path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// PostgresConfig controls the Postgres sink; an empty DSN disables it.
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	Truncate    bool   `mapstructure:"truncate"`
	CreateTable bool   `mapstructure:"create_table"`
}

// GCSConfig controls the Cloud Storage sink; an empty bucket disables it.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Format string `mapstructure:"format"`
}

// PubSubConfig controls the notification sink; an empty topic disables it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	TopN      int    `mapstructure:"top_n"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	MaxTargetCount int           `mapstructure:"max_target_count"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// New returns a Viper instance with the environment binding and defaults
// applied. Callers may bind flags onto it before calling LoadFrom.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom reads path (optional) into v and decodes the result.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
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
	selectors := scrape.DefaultSelectors()

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("crawl.strategy", StrategyScrape)
	v.SetDefault("crawl.query", "")
	v.SetDefault("crawl.target_count", 50)
	v.SetDefault("crawl.page_size", 0)
	v.SetDefault("crawl.delay", time.Second)
	v.SetDefault("crawl.exclude_prefixes", []string{})
	v.SetDefault("crawl.exclude_ignore_case", true)
	v.SetDefault("crawl.reserved_prefixes", VendorPrefixes)
	v.SetDefault("crawl.locale", "en-US")
	v.SetDefault("http.user_agent", "pkgrank/0.1 (+https://github.com/JakeFAU/pkgrank-crawler)")
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.headless", false)
	v.SetDefault("http.headless_nav_timeout", 45*time.Second)
	v.SetDefault("scrape.base_url", scrape.DefaultBaseURL)
	v.SetDefault("scrape.path", scrape.DefaultPath)
	v.SetDefault("scrape.sort_by", scrape.DefaultSortBy)
	v.SetDefault("scrape.include_prerelease", false)
	v.SetDefault("scrape.downloads_suffix", scrape.DefaultDownloadsSuffix)
	v.SetDefault("scrape.selectors.item", selectors.Item)
	v.SetDefault("scrape.selectors.title", selectors.Title)
	v.SetDefault("scrape.selectors.version_attr", selectors.VersionAttr)
	v.SetDefault("scrape.selectors.description", selectors.Description)
	v.SetDefault("scrape.selectors.downloads", selectors.Downloads)
	v.SetDefault("scrape.selectors.next_page", selectors.NextPage)
	v.SetDefault("api.index_url", registry.DefaultIndexURL)
	v.SetDefault("api.search_service", "")
	v.SetDefault("api.include_prerelease", false)
	v.SetDefault("api.semver_level", api.DefaultSemVerLevel)
	v.SetDefault("api.sort_by", "totalDownloads-desc")
	v.SetDefault("sinks.stdout", true)
	v.SetDefault("sinks.json_path", "")
	v.SetDefault("sinks.csv_path", "")
	v.SetDefault("sinks.postgres.dsn", "")
	v.SetDefault("sinks.postgres.table", "packages")
	v.SetDefault("sinks.postgres.truncate", true)
	v.SetDefault("sinks.postgres.create_table", false)
	v.SetDefault("sinks.gcs.bucket", "")
	v.SetDefault("sinks.gcs.prefix", "rankings")
	v.SetDefault("sinks.gcs.format", string(file.FormatJSON))
	v.SetDefault("sinks.pubsub.project_id", "")
	v.SetDefault("sinks.pubsub.topic", "")
	v.SetDefault("sinks.pubsub.top_n", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_target_count", 10000)
	v.SetDefault("server.request_timeout", 10*time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Crawl.Strategy {
	case StrategyScrape, StrategyAPI:
	default:
		return fmt.Errorf("crawl.strategy must be %q or %q, got %q", StrategyScrape, StrategyAPI, c.Crawl.Strategy)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Crawl.TargetCount <= 0 {
		return errors.New("crawl.target_count must be > 0")
	}
	if c.Crawl.PageSize < 0 {
		return errors.New("crawl.page_size must be >= 0")
	}
	if limit := c.Crawl.MaxPageSize(); c.Crawl.PageSize > limit {
		return fmt.Errorf("crawl.page_size must be <= %d for the %s strategy", limit, c.Crawl.Strategy)
	}
	if c.Crawl.Delay < 0 {
		return errors.New("crawl.delay must be >= 0")
	}
	if _, err := numfmt.New(c.Crawl.Locale); err != nil {
		return fmt.Errorf("crawl.locale: %w", err)
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.HTTP.Headless && c.HTTP.HeadlessNavTimeout <= 0 {
		return errors.New("http.headless_nav_timeout must be > 0 when headless is enabled")
	}
	if err := absoluteURL("scrape.base_url", c.Scrape.BaseURL); err != nil {
		return err
	}
	if err := absoluteURL("api.index_url", c.API.IndexURL); err != nil {
		return err
	}
	if c.API.SearchService != "" {
		if err := absoluteURL("api.search_service", c.API.SearchService); err != nil {
			return err
		}
	}
	if c.Sinks.GCS.Bucket != "" {
		if _, err := file.ParseFormat(c.Sinks.GCS.Format); err != nil {
			return fmt.Errorf("sinks.gcs.format: %w", err)
		}
	}
	if (c.Sinks.PubSub.Topic == "") != (c.Sinks.PubSub.ProjectID == "") {
		return errors.New("sinks.pubsub.project_id and sinks.pubsub.topic must be set together")
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.MaxTargetCount <= 0 {
		return errors.New("server.max_target_count must be > 0")
	}
	return nil
}

func absoluteURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute url, got %q", key, raw)
	}
	return nil
}
