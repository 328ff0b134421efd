// Command pkgrank collects download-ranked package listings from a NuGet
// registry.
//
// Architecture overview:
//   - Collection: one of two record sources drives the crawl engine. The
//     scrape strategy pages through the gallery's HTML results; the api
//     strategy resolves the search service from the registry's service index
//     and walks it in skip/take windows.
//   - Ranking: the engine fetches strictly sequentially, waits the configured
//     politeness delay between fetches, filters reserved prefixes and ranks
//     included records in encounter order. Any transport, parse or
//     normalization error aborts the crawl and discards partial results.
//   - Delivery: a successful ranking is handed to every configured sink
//     (stdout table, JSON/CSV files, Postgres, Cloud Storage, Pub/Sub).
//   - Serving: `pkgrank serve` exposes the same crawl over HTTP with
//     Prometheus metrics; one crawl runs at a time.
//
// Quick checklist:
//   - Configure via a YAML file (--config) or PKGRANK_* environment variables,
//     e.g. PKGRANK_CRAWL_STRATEGY=api, PKGRANK_SINKS_POSTGRES_DSN=...
//   - Run locally: go run ./cmd/pkgrank crawl --target 100 --exclude-prefix Microsoft.
//   - Inspect one package: go run ./cmd/pkgrank metadata Newtonsoft.Json
package main
