package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/api"
	"github.com/JakeFAU/pkgrank-crawler/internal/clock/system"
	"github.com/JakeFAU/pkgrank-crawler/internal/config"
	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
	"github.com/JakeFAU/pkgrank-crawler/internal/id/uuid"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand, which exposes crawls over HTTP.
func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crawl API",
		Long: `Starts an HTTP server exposing health probes, Prometheus metrics and a crawl
endpoint. Crawls run synchronously, one at a time, and their rankings go to the
configured sinks (the stdout table is disabled).`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
	cmd.Flags().Int("port", 0, "listen port")
	mustBind(v, "server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	var release cleanup
	defer func() {
		if cerr := release.run(); cerr != nil {
			a.logger.Warn("release resources", zap.Error(cerr))
		}
	}()

	apiServer, err := newAPIServer(ctx, a.cfg, a.logger, &release)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// newAPIServer wires a crawl runner and the non-interactive sinks into the
// HTTP API.
func newAPIServer(ctx context.Context, cfg config.Config, logger *zap.Logger, release *cleanup) (*api.Server, error) {
	runner, err := buildRunner(cfg, logger, release)
	if err != nil {
		return nil, err
	}
	cfg.Sinks.Stdout = false
	sinks, err := buildSinks(ctx, cfg, nil, logger, release)
	if err != nil {
		return nil, err
	}
	var sink crawler.Sink
	if len(sinks) > 0 {
		sink = sinks
	}
	return api.NewServer(runner, sink, uuid.New(), system.New(), api.Config{
		DefaultTargetCount:     cfg.Crawl.TargetCount,
		DefaultPageSize:        cfg.Crawl.EffectivePageSize(),
		MaxPageSize:            cfg.Crawl.MaxPageSize(),
		MaxTargetCount:         cfg.Server.MaxTargetCount,
		DefaultExcludePrefixes: cfg.Crawl.ExcludePrefixes,
		ExcludeIgnoreCase:      cfg.Crawl.ExcludeIgnoreCase,
		RequestTimeout:         cfg.Server.RequestTimeout,
	}, logger), nil
}
