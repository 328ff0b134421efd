// Package api hosts the HTTP server for running ranking crawls on demand.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls runs a crawl synchronously; a second request while one
//     is running gets 409.
//   - GET /v1/crawls/{run_id} returns a recorded run.
package api
