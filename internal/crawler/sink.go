package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, packages []Package) error

// Accept calls f.
func (f SinkFunc) Accept(ctx context.Context, packages []Package) error { return f(ctx, packages) }

// Sinks fans a finished ranking out to every member in order. A failing
// member does not stop delivery to the rest.
type Sinks []Sink

// Accept hands packages to each sink and joins their errors.
func (s Sinks) Accept(ctx context.Context, packages []Package) error {
	var errs []error
	for i, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Accept(ctx, packages); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, sink, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every member that implements io.Closer.
func (s Sinks) Close() error {
	var errs []error
	for _, sink := range s {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Runner is the position independent face of an Engine.
type Runner interface {
	Source() string
	Run(ctx context.Context, req Request) (Result, error)
}

// Crawl runs the crawl and, only when it succeeds, delivers the ranking to
// sink. An aborted crawl never reaches the sink.
func Crawl(ctx context.Context, runner Runner, req Request, sink Sink) (Result, error) {
	ctx, span := tracer.Start(ctx, "crawl", trace.WithAttributes(
		attribute.String("pkgrank.source", runner.Source()),
		attribute.String("pkgrank.query", req.Query),
		attribute.Int("pkgrank.target_count", req.TargetCount),
	))
	defer span.End()

	result, err := runner.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("pkgrank.packages", len(result.Packages)),
		attribute.String("pkgrank.stop_reason", string(result.StopReason)),
	)
	if sink == nil {
		return result, nil
	}
	if err := sink.Accept(ctx, result.Packages); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery")
		return result, fmt.Errorf("deliver ranking: %w", err)
	}
	return result, nil
}
