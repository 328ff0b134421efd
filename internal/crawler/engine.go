package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/pkgrank-crawler/internal/crawler")

// Options wires the collaborators of an Engine. Only Normalizer is required.
type Options struct {
	Normalizer Normalizer
	// Delay defaults to FixedDelay(DefaultDelay).
	Delay   DelayStrategy
	Sleeper Sleeper
	Clock   Clock
	Logger  *zap.Logger
	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)
}

// Engine drives a single RecordSource to completion, ranking the included
// records in the order they are encountered.
type Engine[P Position[P]] struct {
	source     RecordSource[P]
	normalizer Normalizer
	delay      DelayStrategy
	sleeper    Sleeper
	clock      Clock
	logger     *zap.Logger
	observe    func(from, to State)

	running atomic.Bool
	mu      sync.Mutex
	state   State
}

// NewEngine constructs an Engine over source.
func NewEngine[P Position[P]](source RecordSource[P], opts Options) (*Engine[P], error) {
	if source == nil {
		return nil, errors.New("record source is required")
	}
	if opts.Normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if opts.Delay == nil {
		opts.Delay = FixedDelay(DefaultDelay)
	}
	if opts.Sleeper == nil {
		opts.Sleeper = TimerSleeper{}
	}
	if opts.Clock == nil {
		opts.Clock = utcClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine[P]{
		source:     source,
		normalizer: opts.Normalizer,
		delay:      opts.Delay,
		sleeper:    opts.Sleeper,
		clock:      opts.Clock,
		logger:     opts.Logger,
		observe:    opts.OnTransition,
		state:      StateIdle,
	}, nil
}

// Source returns the tag of the engine's record source.
func (e *Engine[P]) Source() string { return e.source.Tag() }

// State returns the current state of the crawl state machine.
func (e *Engine[P]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run crawls until the source is exhausted, the target count is reached, or
// the source reports the end of results. Any error aborts the crawl and the
// records accumulated so far are discarded.
//
// ctx is consulted between fetches and during the politeness delay; a fetch
// already in flight is not interrupted.
func (e *Engine[P]) Run(ctx context.Context, req Request) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrCrawlInProgress
	}
	defer e.running.Store(false)

	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid crawl request: %w", err)
	}

	tag := e.source.Tag()
	logger := e.logger.With(zap.String("source", tag), zap.String("query", req.Query))
	started := e.clock.Now()

	result, err := e.crawl(ctx, req, logger)
	if err != nil {
		e.transition(StateAborted)
		metrics.ObserveCrawl(tag, "aborted")
		logger.Error("crawl aborted", zap.String("error_kind", ErrorKind(err)), zap.Error(err))
		return Result{}, err
	}

	result.Source = tag
	result.Query = req.Query
	result.StartedAt = started
	result.FinishedAt = e.clock.Now()
	e.transition(StateDone)
	metrics.ObserveCrawl(tag, string(result.StopReason))
	logger.Info("crawl finished",
		zap.Int("packages", len(result.Packages)),
		zap.Int("fetches", result.Fetches),
		zap.Int("excluded", result.Excluded),
		zap.String("stop_reason", string(result.StopReason)),
		zap.Duration("elapsed", result.FinishedAt.Sub(started)),
	)
	e.transition(StateIdle)
	return result, nil
}

func (e *Engine[P]) crawl(ctx context.Context, req Request, logger *zap.Logger) (Result, error) {
	tag := e.source.Tag()
	filter := req.Filter
	if filter == nil {
		filter = IncludeAll
	}

	if p, ok := any(e.source).(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return Result{}, fmt.Errorf("prepare %s source: %w", tag, err)
		}
	}

	var (
		rank     int
		results  = make([]Package, 0, min(req.TargetCount, 1024))
		fetches  int
		excluded int
		pos      = e.source.Start(req.PageSize)
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("crawl interrupted before %s: %w", pos, err)
		}

		e.transition(StateFetching)
		batch, err := e.fetch(ctx, req.Query, pos)
		fetches++
		if err != nil {
			return Result{}, fmt.Errorf("fetch %s: %w", pos, err)
		}

		if len(batch.Records) == 0 {
			logger.Info("source exhausted", zap.Stringer("position", pos))
			return Result{Packages: results, Fetches: fetches, Excluded: excluded, StopReason: StopExhausted}, nil
		}

		e.transition(StateFiltering)
		included := make([]RawRecord, 0, len(batch.Records))
		for _, record := range batch.Records {
			if filter.Include(record) {
				included = append(included, record)
			}
		}
		pageExcluded := len(batch.Records) - len(included)
		excluded += pageExcluded

		e.transition(StateRanking)
		for i, record := range included {
			pkg, err := e.normalizer.Normalize(record, tag)
			if err != nil {
				return Result{}, fmt.Errorf("normalize record %d at %s: %w", i, pos, err)
			}
			rank++
			pkg.Rank = rank
			results = append(results, pkg)
		}

		e.transition(StateAccumulated)
		metrics.ObserveRecords(tag, len(included), pageExcluded)
		logger.Info("page crawled",
			zap.Stringer("position", pos),
			zap.Int("fetched", len(batch.Records)),
			zap.Int("included", len(included)),
			zap.Int("excluded", pageExcluded),
			zap.Int("total", len(results)),
		)

		if len(results) >= req.TargetCount {
			return Result{
				Packages:   results[:req.TargetCount:req.TargetCount],
				Fetches:    fetches,
				Excluded:   excluded,
				StopReason: StopTargetReached,
			}, nil
		}
		if !batch.HasMore {
			return Result{Packages: results, Fetches: fetches, Excluded: excluded, StopReason: StopEndOfResults}, nil
		}

		e.transition(StateContinuing)
		delay := e.delay(fetches)
		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			return Result{}, fmt.Errorf("wait after %s: %w", pos, err)
		}
		metrics.ObserveDelay(tag, delay)
		pos = pos.Next()
	}
}

// fetch runs one source fetch detached from ctx cancellation, so an
// in-flight request completes or fails on its own.
func (e *Engine[P]) fetch(ctx context.Context, query string, pos P) (Batch, error) {
	tag := e.source.Tag()
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "fetch", trace.WithAttributes(
		attribute.String("pkgrank.source", tag),
		attribute.String("pkgrank.position", pos.String()),
	))
	defer span.End()

	start := time.Now()
	batch, err := e.source.Fetch(ctx, query, pos)
	if err != nil {
		metrics.ObserveFetch(tag, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		return Batch{}, err
	}
	metrics.ObserveFetch(tag, "ok", time.Since(start))
	span.SetAttributes(
		attribute.Int("pkgrank.records", len(batch.Records)),
		attribute.Bool("pkgrank.has_more", batch.HasMore),
	)
	return batch, nil
}

func (e *Engine[P]) transition(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()
	if from == to {
		return
	}
	e.logger.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if e.observe != nil {
		e.observe(from, to)
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
