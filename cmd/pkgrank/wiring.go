package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/clock/system"
	"github.com/JakeFAU/pkgrank-crawler/internal/config"
	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/pkgrank-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/pkgrank-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/pkgrank-crawler/internal/id/uuid"
	"github.com/JakeFAU/pkgrank-crawler/internal/registry"
	"github.com/JakeFAU/pkgrank-crawler/internal/sink/file"
	gcssink "github.com/JakeFAU/pkgrank-crawler/internal/sink/gcs"
	postgressink "github.com/JakeFAU/pkgrank-crawler/internal/sink/postgres"
	pubsubsink "github.com/JakeFAU/pkgrank-crawler/internal/sink/pubsub"
	"github.com/JakeFAU/pkgrank-crawler/internal/sink/table"
	apisource "github.com/JakeFAU/pkgrank-crawler/internal/source/api"
	"github.com/JakeFAU/pkgrank-crawler/internal/source/scrape"
)

// cleanup runs release functions in reverse registration order.
type cleanup []func() error

func (c *cleanup) add(fn func() error) {
	*c = append(*c, fn)
}

func (c cleanup) run() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newHTTPFetcher returns the plain HTTP transport used for JSON endpoints and,
// unless headless rendering is enabled, for result pages.
func newHTTPFetcher(cfg config.Config) *collyfetcher.Fetcher {
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTP.Timeout,
	})
}

// buildRunner wires the record source selected by crawl.strategy into an
// engine.
func buildRunner(cfg config.Config, logger *zap.Logger, release *cleanup) (crawler.Runner, error) {
	normalizer, err := crawler.NewNormalizer(cfg.Crawl.Locale)
	if err != nil {
		return nil, fmt.Errorf("build normalizer: %w", err)
	}
	opts := crawler.Options{
		Normalizer: normalizer,
		Delay:      crawler.FixedDelay(cfg.Crawl.Delay),
		Clock:      system.New(),
		Logger:     logger.Named("engine"),
	}

	switch cfg.Crawl.Strategy {
	case config.StrategyAPI:
		session, err := registry.NewSession(newHTTPFetcher(cfg), cfg.API.IndexURL, logger)
		if err != nil {
			return nil, fmt.Errorf("build registry session: %w", err)
		}
		source, err := apisource.New(session, apisource.Config{
			SearchService:     cfg.API.SearchService,
			IncludePrerelease: cfg.API.IncludePrerelease,
			SemVerLevel:       cfg.API.SemVerLevel,
			SortBy:            cfg.API.SortBy,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build api source: %w", err)
		}
		engine, err := crawler.NewEngine[crawler.WindowCursor](source, opts)
		if err != nil {
			return nil, fmt.Errorf("build engine: %w", err)
		}
		return engine, nil
	default:
		var fetcher crawler.Fetcher = newHTTPFetcher(cfg)
		if cfg.HTTP.Headless {
			headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
				UserAgent:         cfg.HTTP.UserAgent,
				NavigationTimeout: cfg.HTTP.HeadlessNavTimeout,
				WaitSelector:      cfg.Scrape.Selectors.Item,
			})
			if err != nil {
				return nil, fmt.Errorf("build headless fetcher: %w", err)
			}
			release.add(headless.Close)
			fetcher = headless
		}
		source, err := scrape.New(fetcher, scrape.Config{
			BaseURL:           cfg.Scrape.BaseURL,
			Path:              cfg.Scrape.Path,
			SortBy:            cfg.Scrape.SortBy,
			IncludePrerelease: cfg.Scrape.IncludePrerelease,
			DownloadsSuffix:   cfg.Scrape.DownloadsSuffix,
			Selectors:         cfg.Scrape.Selectors,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build scrape source: %w", err)
		}
		engine, err := crawler.NewEngine[crawler.PageCursor](source, opts)
		if err != nil {
			return nil, fmt.Errorf("build engine: %w", err)
		}
		return engine, nil
	}
}

// buildFilter returns the exclusion filter, or nil when no prefix is set.
func buildFilter(cfg config.CrawlConfig) crawler.Filter {
	if len(cfg.ExcludePrefixes) == 0 {
		return nil
	}
	return crawler.NewPrefixExclusion(cfg.ExcludePrefixes, cfg.ExcludeIgnoreCase)
}

// buildSinks constructs every configured sink. out receives the stdout table.
func buildSinks(ctx context.Context, cfg config.Config, out io.Writer, logger *zap.Logger, release *cleanup) (crawler.Sinks, error) {
	var sinks crawler.Sinks
	// Registered last so sinks flush before their clients close.
	defer func() { release.add(sinks.Close) }()

	if cfg.Sinks.Stdout {
		sink, err := table.New(out, table.DefaultDescriptionWidth)
		if err != nil {
			return nil, fmt.Errorf("build table sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	outputs := []struct {
		path   string
		format file.Format
	}{
		{cfg.Sinks.JSONPath, file.FormatJSON},
		{cfg.Sinks.CSVPath, file.FormatCSV},
	}
	for _, o := range outputs {
		if o.path == "" {
			continue
		}
		sink, err := file.NewWithFormat(o.path, o.format)
		if err != nil {
			return nil, fmt.Errorf("build %s file sink: %w", o.format, err)
		}
		sinks = append(sinks, sink)
	}

	if pg := cfg.Sinks.Postgres; pg.DSN != "" {
		sink, err := postgressink.New(ctx, postgressink.Config{
			DSN:              pg.DSN,
			Table:            pg.Table,
			Truncate:         pg.Truncate,
			ReservedPrefixes: cfg.Crawl.ReservedPrefixes,
			IgnoreCase:       cfg.Crawl.ExcludeIgnoreCase,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build postgres sink: %w", err)
		}
		sinks = append(sinks, sink)
		if pg.CreateTable {
			if err := sink.EnsureTable(ctx); err != nil {
				return nil, fmt.Errorf("ensure postgres table: %w", err)
			}
		}
	}

	if g := cfg.Sinks.GCS; g.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		release.add(client.Close)
		sink, err := gcssink.New(client, gcssink.Config{
			Bucket: g.Bucket,
			Prefix: g.Prefix,
			Format: file.Format(g.Format),
		}, uuid.New(), system.New(), logger)
		if err != nil {
			return nil, fmt.Errorf("build gcs sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if ps := cfg.Sinks.PubSub; ps.Topic != "" {
		client, err := pubsub.NewClient(ctx, ps.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		release.add(client.Close)
		sink, err := pubsubsink.New(client.Topic(ps.Topic), ps.TopN, system.New(), logger)
		if err != nil {
			return nil, fmt.Errorf("build pubsub sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	return sinks, nil
}
