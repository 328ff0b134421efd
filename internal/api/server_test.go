package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

const testRunID = "0190f0e2-7b5a-7c3e-8a9b-1c2d3e4f5a6b"

func TestServer_SubmitCrawl_Succeeds(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: crawler.Result{
		Source:     "api",
		Packages:   []crawler.Package{{ID: "Newtonsoft.Json", Version: "13.0.3", DownloadCount: 10, Rank: 1, Source: "api"}},
		Fetches:    1,
		StopReason: crawler.StopTargetReached,
	}}
	sink := &recordingSink{}
	server := newTestServer(runner, sink)

	rec := postCrawl(t, server, `{"query":"json","target_count":1}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, testRunID, run.ID)
	require.Equal(t, RunStatusSucceeded, run.Status)
	require.Equal(t, "api", run.Source)
	require.NotNil(t, run.Result)
	require.Len(t, run.Result.Packages, 1)
	require.NotNil(t, run.FinishedAt)

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "json", reqs[0].Query)
	require.Equal(t, 1, reqs[0].TargetCount)
	require.Equal(t, 20, reqs[0].PageSize, "default page size applies")
	require.Nil(t, reqs[0].Filter)
	require.Equal(t, [][]crawler.Package{run.Result.Packages}, sink.deliveries())

	stored, ok := server.Runs().Get(testRunID)
	require.True(t, ok)
	require.Equal(t, RunStatusSucceeded, stored.Status)
}

func TestServer_SubmitCrawl_ExcludePrefixesBuildFilter(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := newTestServer(runner, nil)

	rec := postCrawl(t, server, `{"exclude_prefixes":["Reserved."]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	reqs := runner.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, 5, reqs[0].TargetCount)
	require.NotNil(t, reqs[0].Filter)
	require.False(t, reqs[0].Filter.Include(crawler.RawRecord{ID: "reserved.A"}))
	require.True(t, reqs[0].Filter.Include(crawler.RawRecord{ID: "Real.B"}))
}

func TestServer_SubmitCrawl_DefaultExclusionCanBeCleared(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := NewServer(runner, nil, &fakeIDGen{id: testRunID}, fakeClock{}, Config{
		DefaultTargetCount:     5,
		DefaultPageSize:        20,
		DefaultExcludePrefixes: []string{"Microsoft."},
	}, zap.NewNop())

	require.Equal(t, http.StatusOK, postCrawl(t, server, `{}`).Code)
	require.Equal(t, http.StatusOK, postCrawl(t, server, `{"exclude_prefixes":[]}`).Code)

	reqs := runner.requests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[0].Filter)
	require.False(t, reqs[0].Filter.Include(crawler.RawRecord{ID: "Microsoft.Extensions.Logging"}))
	require.Nil(t, reqs[1].Filter)
}

func TestServer_SubmitCrawl_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "zero target", body: `{"target_count":0}`, want: "target_count must be > 0"},
		{name: "target above max", body: `{"target_count":501}`, want: "target_count must be <= 500"},
		{name: "zero page size", body: `{"page_size":0}`, want: "page_size must be > 0"},
		{name: "page size above max", body: `{"page_size":21}`, want: "page_size must be <= 20"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{}
			rec := postCrawl(t, newTestServer(runner, nil), tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
			require.Empty(t, runner.requests())
		})
	}
}

func TestServer_SubmitCrawl_MapsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "transport",
			err:        &crawler.TransportError{URL: "https://www.nuget.org/packages", StatusCode: 503, Err: errors.New("unavailable")},
			wantStatus: http.StatusBadGateway,
			wantKind:   "transport",
		},
		{
			name:       "configuration",
			err:        fmt.Errorf("prepare api source: %w", &crawler.ConfigurationError{Service: "SearchQueryService", Reason: "not advertised"}),
			wantStatus: http.StatusInternalServerError,
			wantKind:   "configuration",
		},
		{
			name:       "parse",
			err:        &crawler.ParseError{Source: "scrape", Position: "page=1", Index: 0, Field: "id", Err: errors.New("missing")},
			wantStatus: http.StatusBadGateway,
			wantKind:   "parse",
		},
		{
			name:       "normalization",
			err:        &crawler.NormalizationError{RecordID: "A", Field: "downloads", Value: "lots", Err: errors.New("syntax")},
			wantStatus: http.StatusBadGateway,
			wantKind:   "normalization",
		},
		{
			name:       "engine busy",
			err:        crawler.ErrCrawlInProgress,
			wantStatus: http.StatusConflict,
			wantKind:   "busy",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("crawl: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   "timeout",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &recordingSink{}
			server := newTestServer(&fakeRunner{err: tc.err}, sink)

			rec := postCrawl(t, server, `{}`)

			require.Equal(t, tc.wantStatus, rec.Code)
			var run Run
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
			require.Equal(t, RunStatusFailed, run.Status)
			require.Equal(t, tc.wantKind, run.ErrorKind)
			require.Nil(t, run.Result)
			require.Empty(t, sink.deliveries(), "failed crawls never reach the sink")
		})
	}
}

func TestServer_SubmitCrawl_SinkFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: crawler.Result{Packages: []crawler.Package{{ID: "A", Rank: 1}}}}
	sink := &recordingSink{err: errors.New("disk full")}
	server := newTestServer(runner, sink)

	rec := postCrawl(t, server, `{}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "deliver ranking")
	require.Contains(t, rec.Body.String(), `"error_kind":"internal"`)
}

func TestServer_SubmitCrawl_RejectsConcurrentCrawl(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	server := newTestServer(runner, nil)

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = postCrawl(t, server, `{}`)
	}()
	<-runner.started

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Contains(t, rec.Body.String(), `"crawling":true`)

	second := postCrawl(t, server, `{}`)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Contains(t, second.Body.String(), crawler.ErrCrawlInProgress.Error())

	close(runner.release)
	wg.Wait()
	require.Equal(t, http.StatusOK, first.Code)
	require.Len(t, runner.requests(), 1)
}

func TestServer_SubmitCrawl_RequestTimeout(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{untilDone: true}
	server := NewServer(runner, nil, &fakeIDGen{id: testRunID}, fakeClock{}, Config{
		DefaultTargetCount: 5,
		DefaultPageSize:    20,
		RequestTimeout:     20 * time.Millisecond,
	}, zap.NewNop())

	rec := postCrawl(t, server, `{}`)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, RunStatusFailed, run.Status)
	require.Equal(t, "timeout", run.ErrorKind)

	stored, ok := server.Runs().Get(testRunID)
	require.True(t, ok)
	require.Equal(t, RunStatusFailed, stored.Status)

	ready := httptest.NewRecorder()
	server.Handler().ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Contains(t, ready.Body.String(), `"crawling":false`)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, nil)
	require.Equal(t, http.StatusOK, postCrawl(t, server, `{"query":"http"}`).Code)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawls/"+testRunID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, "http", run.Request.Query)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawls/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawls/0190f0e2-0000-7000-8000-000000000000", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ProbesAndMetrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, nil)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewRunStore(2)
	store.Put(Run{ID: "a"})
	store.Put(Run{ID: "b"})
	store.Put(Run{ID: "a", Status: RunStatusSucceeded})
	store.Put(Run{ID: "c"})

	require.Equal(t, 2, store.Len())
	_, ok := store.Get("a")
	require.False(t, ok)
	_, ok = store.Get("b")
	require.True(t, ok)
	_, ok = store.Get("c")
	require.True(t, ok)
}

// --- helpers/fakes ---

type fakeRunner struct {
	result  crawler.Result
	err     error
	started chan struct{}
	release chan struct{}
	// untilDone blocks Run until its context ends.
	untilDone bool

	mu   sync.Mutex
	reqs []crawler.Request
}

func (f *fakeRunner) Source() string { return "api" }

func (f *fakeRunner) Run(ctx context.Context, req crawler.Request) (crawler.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.untilDone {
		<-ctx.Done()
		return crawler.Result{}, fmt.Errorf("fetch page 1: %w", ctx.Err())
	}
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	if f.err != nil {
		return crawler.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) requests() []crawler.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.Request(nil), f.reqs...)
}

type recordingSink struct {
	err error

	mu  sync.Mutex
	got [][]crawler.Package
}

func (s *recordingSink) Accept(_ context.Context, packages []crawler.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, packages)
	return s.err
}

func (s *recordingSink) deliveries() [][]crawler.Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

type fakeIDGen struct {
	id string
}

func (f *fakeIDGen) NewID() (string, error) {
	return f.id, nil
}

type fakeClock struct{}

func (fakeClock) Now() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func newTestServer(runner crawler.Runner, sink crawler.Sink) *Server {
	return NewServer(runner, sink, &fakeIDGen{id: testRunID}, fakeClock{}, Config{
		DefaultTargetCount: 5,
		DefaultPageSize:    20,
		MaxPageSize:        20,
		MaxTargetCount:     500,
		ExcludeIgnoreCase:  true,
		RequestTimeout:     5 * time.Second,
	}, zap.NewNop())
}

func postCrawl(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}
