// Package metrics exposes Prometheus collectors for the ranking crawler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgrank_fetches_total",
			Help: "Total number of page/window fetches, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkgrank_fetch_duration_seconds",
			Help:    "Histogram of page/window fetch latencies, labeled by source.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgrank_records_total",
			Help: "Total number of raw records seen, labeled by source and disposition (included, excluded).",
		},
		[]string{"source", "disposition"},
	)

	crawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgrank_crawls_total",
			Help: "Total number of crawls, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	politenessDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkgrank_politeness_delay_seconds",
			Help:    "Histogram of politeness delays applied between fetches.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgrank_http_requests_total",
			Help: "Total number of API requests served, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkgrank_http_request_duration_seconds",
			Help:    "Histogram of API request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch and its latency.
func ObserveFetch(source, outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(source, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRecords counts included and excluded records of one batch.
func ObserveRecords(source string, included, excluded int) {
	if included > 0 {
		recordsTotal.WithLabelValues(source, "included").Add(float64(included))
	}
	if excluded > 0 {
		recordsTotal.WithLabelValues(source, "excluded").Add(float64(excluded))
	}
}

// ObserveCrawl increments the crawl counter for the given outcome.
func ObserveCrawl(source, outcome string) {
	crawlsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveDelay records a politeness delay.
func ObserveDelay(source string, duration time.Duration) {
	politenessDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
