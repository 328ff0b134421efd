package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl and hands
// the ranking to every configured sink.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Rank packages by download count",
		Long: `Crawls the registry with the configured strategy until the target count is
reached or the results run out, then delivers the ranking to the configured
sinks. Any transport, parse or normalization error aborts the crawl and nothing
is delivered.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}

	flags := cmd.Flags()
	flags.String("strategy", "", "collection strategy: scrape or api")
	flags.String("query", "", "search query; empty ranks all packages")
	flags.Int("target", 0, "number of packages to rank")
	flags.Int("page-size", 0, "page or window size; 0 selects the strategy default")
	flags.Duration("delay", 0, "politeness delay between fetches")
	flags.StringSlice("exclude-prefix", nil, "exclude package IDs with this prefix (repeatable)")
	flags.String("json", "", "write the ranking as JSON to this path")
	flags.String("csv", "", "write the ranking as CSV to this path")
	flags.Bool("stdout", true, "print the ranking as a table")

	mustBind(v, "crawl.strategy", flags.Lookup("strategy"))
	mustBind(v, "crawl.query", flags.Lookup("query"))
	mustBind(v, "crawl.target_count", flags.Lookup("target"))
	mustBind(v, "crawl.page_size", flags.Lookup("page-size"))
	mustBind(v, "crawl.delay", flags.Lookup("delay"))
	mustBind(v, "crawl.exclude_prefixes", flags.Lookup("exclude-prefix"))
	mustBind(v, "sinks.json_path", flags.Lookup("json"))
	mustBind(v, "sinks.csv_path", flags.Lookup("csv"))
	mustBind(v, "sinks.stdout", flags.Lookup("stdout"))
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := a.cfg

	var release cleanup
	defer func() {
		if cerr := release.run(); cerr != nil {
			a.logger.Warn("release resources", zap.Error(cerr))
		}
	}()

	runner, err := buildRunner(cfg, a.logger, &release)
	if err != nil {
		return err
	}
	sinks, err := buildSinks(ctx, cfg, cmd.OutOrStdout(), a.logger, &release)
	if err != nil {
		return err
	}

	result, err := crawler.Crawl(ctx, runner, crawler.Request{
		Query:       cfg.Crawl.Query,
		TargetCount: cfg.Crawl.TargetCount,
		PageSize:    cfg.Crawl.EffectivePageSize(),
		Filter:      buildFilter(cfg.Crawl),
	}, sinks)
	if err != nil {
		a.logger.Error("crawl failed", zap.String("error_kind", crawler.ErrorKind(err)), zap.Error(err))
		return fmt.Errorf("crawl: %w", err)
	}

	a.logger.Info("ranking delivered",
		zap.String("source", result.Source),
		zap.Int("packages", len(result.Packages)),
		zap.Int("fetches", result.Fetches),
		zap.Int("excluded", result.Excluded),
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int("sinks", len(sinks)),
	)
	return nil
}
