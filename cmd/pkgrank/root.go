package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/config"
	"github.com/JakeFAU/pkgrank-crawler/internal/logging"
	"github.com/JakeFAU/pkgrank-crawler/internal/telemetry"
)

// appKeyType is the key for storing the loaded application in the context.
type appKeyType string

const appKey appKeyType = "app"

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	// shutdownTracing is nil when tracing is disabled.
	shutdownTracing func(context.Context) error
}

// newLogger is a variable so tests can silence logging.
var newLogger = logging.New

// newRootCmd creates the root command and its subcommands. Every subcommand
// binds its flags onto the same viper instance the config is loaded from.
func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "pkgrank",
		Short: "Collects download-ranked package listings from a NuGet registry.",
		Long: `pkgrank crawls a package registry's search results, either by paging through
the gallery HTML or by walking the official search API, and ranks the packages
by download count. Rankings go to stdout, files, Postgres, Cloud Storage or
Pub/Sub depending on configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Log.Development, cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			a := &app{cfg: cfg, logger: logger}
			if cfg.Tracing.Enabled {
				a.shutdownTracing, err = telemetry.InitTracing(cmd.Context(), telemetry.Config{
					ServiceName: telemetry.ServiceName,
					SampleRatio: cfg.Tracing.SampleRatio,
				})
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app); ok && a != nil {
				if a.shutdownTracing != nil {
					if err := a.shutdownTracing(context.WithoutCancel(cmd.Context())); err != nil {
						a.logger.Warn("tracing shutdown failed", zap.Error(err))
					}
				}
				// Syncing stderr fails with EINVAL on terminals; nothing is lost.
				_ = a.logger.Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().Bool("dev", false, "development logging")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	mustBind(v, "log.development", cmd.PersistentFlags().Lookup("dev"))
	mustBind(v, "log.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(newCrawlCmd(v))
	cmd.AddCommand(newMetadataCmd(v))
	cmd.AddCommand(newServeCmd(v))
	return cmd
}

// resolveApp returns the application loaded by the root command.
func resolveApp(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %q: %v", key, err))
	}
}
