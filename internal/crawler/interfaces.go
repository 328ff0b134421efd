package crawler

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Position is a pagination cursor that knows its successor.
type Position[P any] interface {
	Next() P
	fmt.Stringer
}

// RecordSource fetches raw records for a query at a position. A crawl is
// bound to exactly one position type, so page and window sources cannot be
// mixed mid-crawl.
type RecordSource[P Position[P]] interface {
	// Tag identifies the source for provenance.
	Tag() string
	// Start returns the first position for the given page size.
	Start(pageSize int) P
	Fetch(ctx context.Context, query string, at P) (Batch, error)
}

// Preparer is implemented by sources that must resolve configuration before
// the first fetch. The engine calls Prepare once per crawl.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Filter decides whether a raw record takes part in the ranking.
type Filter interface {
	Include(record RawRecord) bool
}

// Normalizer maps a raw record into a Package.
type Normalizer interface {
	Normalize(record RawRecord, source string) (Package, error)
}

// Sink consumes a finished, ordered, ranked sequence.
type Sink interface {
	Accept(ctx context.Context, packages []Package) error
}

// Sleeper blocks for the politeness delay.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Fetcher performs a single HTTP GET and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
