package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: installs the global tracer provider.
func TestCrawlRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	source := &scriptedSource[PageCursor]{
		tag:     "traced",
		start:   PageCursor{Page: 1, Size: 2},
		batches: []Batch{{Records: records("A", "B"), HasMore: true}},
		errs:    map[int]error{1: &TransportError{URL: "https://example.test/p2", StatusCode: 500, Err: errors.New("boom")}},
	}
	engine := newTestEngine[PageCursor](t, source, &recordingSleeper{})

	_, err := Crawl(context.Background(), engine, Request{Query: "traced-query", TargetCount: 5, PageSize: 2}, nil)
	require.Error(t, err)

	var crawlSpan, failedFetch sdktrace.ReadOnlySpan
	fetches := 0
	for _, stub := range exporter.GetSpans().Snapshots() {
		if stub.Name() == "crawl" && hasAttr(stub, "pkgrank.query", "traced-query") {
			crawlSpan = stub
		}
		if stub.Name() == "fetch" && hasAttr(stub, "pkgrank.source", "traced") {
			fetches++
			if stub.Status().Code == codes.Error {
				failedFetch = stub
			}
		}
	}
	require.NotNil(t, crawlSpan)
	require.Equal(t, codes.Error, crawlSpan.Status().Code)
	require.Equal(t, "transport", crawlSpan.Status().Description)
	require.Equal(t, 2, fetches)
	require.NotNil(t, failedFetch)
	require.Equal(t, crawlSpan.SpanContext().TraceID(), failedFetch.SpanContext().TraceID())
	require.True(t, hasAttr(failedFetch, "pkgrank.position", "page=2"))
}

func hasAttr(span sdktrace.ReadOnlySpan, key, value string) bool {
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key && attr.Value.AsString() == value {
			return true
		}
	}
	return false
}
