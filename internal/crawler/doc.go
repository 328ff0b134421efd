// Package crawler implements the ranking crawl engine and the types shared by
// its record sources, filters, normalizers, and sinks.
//
// The engine drives exactly one RecordSource page-by-page (or window-by-window)
// until the source is exhausted, the target count is reached, or the source
// reports a short page. Ranks are assigned in encounter order and are never
// reassigned.
package crawler
