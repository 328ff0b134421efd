package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
	runid "github.com/JakeFAU/pkgrank-crawler/internal/id/uuid"
	"github.com/JakeFAU/pkgrank-crawler/internal/metrics"
)

// Config holds request defaults and limits for the crawl endpoints.
type Config struct {
	DefaultTargetCount int
	// DefaultPageSize applies when a request omits page_size.
	DefaultPageSize int
	// MaxPageSize, when positive, caps page_size.
	MaxPageSize            int
	MaxTargetCount         int
	DefaultExcludePrefixes []string
	ExcludeIgnoreCase      bool
	RequestTimeout         time.Duration
	RunHistory             int
}

// Server wires HTTP handlers to a crawl runner and the configured sinks.
type Server struct {
	router chi.Router
	runner crawler.Runner
	sink   crawler.Sink
	runs   *RunStore
	idGen  crawler.IDGenerator
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	// busy serializes crawls; the registry must not see parallel crawls.
	busy sync.Mutex
}

// NewServer constructs a Server with middleware and routes. sink may be nil.
func NewServer(
	runner crawler.Runner,
	sink crawler.Sink,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	s := &Server{
		runner: runner,
		sink:   sink,
		runs:   NewRunStore(cfg.RunHistory),
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/crawls", func(r chi.Router) {
		r.Post("/", s.submitCrawl)
		r.Get("/{run_id}", s.getRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Runs exposes the run history.
func (s *Server) Runs() *RunStore {
	return s.runs
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	idle := s.busy.TryLock()
	if idle {
		s.busy.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "crawling": !idle})
}

type crawlRequest struct {
	Query           string    `json:"query"`
	TargetCount     *int      `json:"target_count"`
	PageSize        *int      `json:"page_size"`
	ExcludePrefixes *[]string `json:"exclude_prefixes"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var body crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	runReq, err := s.resolveRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	if !s.busy.TryLock() {
		writeError(w, http.StatusConflict, crawler.ErrCrawlInProgress.Error(), "")
		return
	}
	defer s.busy.Unlock()

	runID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate run id: %v", err), "")
		return
	}
	run := Run{
		ID:          runID,
		Status:      RunStatusRunning,
		Source:      s.runner.Source(),
		Request:     runReq,
		SubmittedAt: s.clock.Now(),
	}
	s.runs.Put(run)

	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("crawl submitted",
		zap.String("query", runReq.Query),
		zap.Int("target_count", runReq.TargetCount),
		zap.Int("page_size", runReq.PageSize),
	)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	result, err := crawler.Crawl(ctx, s.runner, crawler.Request{
		Query:       runReq.Query,
		TargetCount: runReq.TargetCount,
		PageSize:    runReq.PageSize,
		Filter:      s.filterFor(runReq.ExcludePrefixes),
	}, s.sink)
	finished := s.clock.Now()
	run.FinishedAt = &finished

	if err != nil {
		status, kind := errorStatus(err)
		run.Status = RunStatusFailed
		run.Error = err.Error()
		run.ErrorKind = kind
		s.runs.Put(run)
		logger.Warn("crawl failed", zap.String("error_kind", kind), zap.Error(err))
		writeJSON(w, status, run)
		return
	}

	run.Status = RunStatusSucceeded
	run.Result = &result
	s.runs.Put(run)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if !runid.Valid(runID) {
		writeError(w, http.StatusBadRequest, "invalid run id", "")
		return
	}
	run, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found", "")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) resolveRequest(body crawlRequest) (RunRequest, error) {
	req := RunRequest{
		Query:           body.Query,
		TargetCount:     valueOrDefault(body.TargetCount, s.cfg.DefaultTargetCount),
		PageSize:        valueOrDefault(body.PageSize, s.cfg.DefaultPageSize),
		ExcludePrefixes: valueOrDefault(body.ExcludePrefixes, s.cfg.DefaultExcludePrefixes),
	}
	if req.TargetCount <= 0 {
		return RunRequest{}, errors.New("target_count must be > 0")
	}
	if s.cfg.MaxTargetCount > 0 && req.TargetCount > s.cfg.MaxTargetCount {
		return RunRequest{}, fmt.Errorf("target_count must be <= %d", s.cfg.MaxTargetCount)
	}
	if req.PageSize <= 0 {
		return RunRequest{}, errors.New("page_size must be > 0")
	}
	if s.cfg.MaxPageSize > 0 && req.PageSize > s.cfg.MaxPageSize {
		return RunRequest{}, fmt.Errorf("page_size must be <= %d", s.cfg.MaxPageSize)
	}
	req.ExcludePrefixes = append([]string{}, req.ExcludePrefixes...)
	return req, nil
}

func (s *Server) filterFor(prefixes []string) crawler.Filter {
	if len(prefixes) == 0 {
		return nil
	}
	return crawler.NewPrefixExclusion(prefixes, s.cfg.ExcludeIgnoreCase)
}

// errorStatus maps a failed crawl to an HTTP status and error kind.
func errorStatus(err error) (int, string) {
	switch kind := crawler.ErrorKind(err); kind {
	case "configuration":
		return http.StatusInternalServerError, kind
	case "transport", "parse", "normalization":
		return http.StatusBadGateway, kind
	}
	switch {
	case errors.Is(err, crawler.ErrCrawlInProgress):
		return http.StatusConflict, "busy"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, elapsed)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
				zap.Any("request_id", r.Context().Value(requestIDKey{})),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.Stack("stack"))
					writeError(w, http.StatusInternalServerError, "internal server error", "")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	payload := map[string]string{"error": msg}
	if kind != "" {
		payload["error_kind"] = kind
	}
	writeJSON(w, status, payload)
}
