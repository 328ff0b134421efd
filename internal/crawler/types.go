package crawler

import (
	"fmt"
	"time"
)

// Package is a ranked catalog entry. Values are produced by a Normalizer,
// ranked by the Engine, and never modified afterwards.
type Package struct {
	ID            string `json:"name"`
	Version       string `json:"version"`
	Description   string `json:"description"`
	DownloadCount int64  `json:"downloads"`
	Rank          int    `json:"ranking"`
	Source        string `json:"source"`
}

// RawRecord is a catalog entry as presented by a RecordSource, before
// normalization.
type RawRecord struct {
	ID          string
	Version     string
	Description string
	// DownloadsText is the locale formatted count shown by scraped markup.
	// When set it takes precedence over Downloads.
	DownloadsText string
	// Downloads is a count the source already delivered as a number.
	Downloads int64
}

// Batch is one page or window of raw records.
type Batch struct {
	Records []RawRecord
	// HasMore is false once the source knows no further records exist.
	HasMore bool
}

// Request describes a single crawl.
type Request struct {
	// Query is passed to the source verbatim; empty means "all packages".
	Query       string
	TargetCount int
	PageSize    int
	// Filter is optional; nil includes every record.
	Filter Filter
}

// Validate checks the request bounds.
func (r Request) Validate() error {
	if r.TargetCount <= 0 {
		return fmt.Errorf("target count must be > 0, got %d", r.TargetCount)
	}
	if r.PageSize <= 0 {
		return fmt.Errorf("page size must be > 0, got %d", r.PageSize)
	}
	return nil
}

// StopReason records why a successful crawl ended.
type StopReason string

// Successful termination reasons.
const (
	StopExhausted     StopReason = "exhausted"
	StopTargetReached StopReason = "target_reached"
	StopEndOfResults  StopReason = "end_of_results"
)

// Result is the outcome of a successful crawl.
type Result struct {
	Source     string     `json:"source"`
	Query      string     `json:"query"`
	Packages   []Package  `json:"packages"`
	Fetches    int        `json:"fetches"`
	Excluded   int        `json:"excluded"`
	StopReason StopReason `json:"stop_reason"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// State is a step of the engine's crawl state machine.
type State string

// Engine states.
const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateFiltering   State = "filtering"
	StateRanking     State = "ranking"
	StateAccumulated State = "accumulated"
	StateContinuing  State = "continuing"
	StateDone        State = "done"
	StateAborted     State = "aborted"
)

// PageCursor addresses a 1-based result page. Size is the page length the
// remote is expected to serve.
type PageCursor struct {
	Page int
	Size int
}

// Next returns the following page.
func (c PageCursor) Next() PageCursor {
	return PageCursor{Page: c.Page + 1, Size: c.Size}
}

func (c PageCursor) String() string {
	return fmt.Sprintf("page=%d", c.Page)
}

// WindowCursor addresses a contiguous (skip, take) slice of a result set.
type WindowCursor struct {
	Skip int
	Take int
}

// Next advances the window by its own length.
func (c WindowCursor) Next() WindowCursor {
	return WindowCursor{Skip: c.Skip + c.Take, Take: c.Take}
}

func (c WindowCursor) String() string {
	return fmt.Sprintf("skip=%d take=%d", c.Skip, c.Take)
}
