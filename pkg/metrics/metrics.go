// Package metrics provides the Prometheus registry reference for ilincs-freeze.
// All metrics are defined in their respective packages (client, batch, cache,
// ratelimit, export, freeze) to maintain modularity and avoid circular
// dependencies.
//
// This package provides the /metrics handler and documentation for all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by ilincs-freeze.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - ilincs_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status or error class
//   - ilincs_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - ilincs_errors_total{class} (Counter): Errors by class (client, server, network, timeout, malformed)
//
// Retry Metrics (pkg/client):
//   - ilincs_retries_total{error_class} (Counter): Retry attempts by error class
//   - ilincs_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - ilincs_retry_exhausted_total{error_class} (Counter): Operations that exhausted their attempts
//
// Batch Metrics (pkg/batch):
//   - ilincs_batches_total{outcome} (Counter): Batches by outcome (succeeded, abandoned, cancelled)
//   - ilincs_batch_attempts_total (Counter): Signature download attempts
//   - ilincs_batch_duration_seconds (Histogram): Batch duration including backoff
//   - ilincs_signature_records_total (Counter): Records added to the aggregate
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ilincs_rate_limit_throttles_total (Counter): Requests delayed by the client-side limiter
//   - ilincs_rate_limit_wait_seconds (Histogram): Time spent waiting for the limiter
//
// Cache Metrics (pkg/cache):
//   - ilincs_cache_hits_total{backend} (Counter): Cache hits by backend (redis, pebble)
//   - ilincs_cache_misses_total{backend} (Counter): Cache misses by backend
//   - ilincs_cache_written_bytes_total{backend} (Counter): Bytes written to the cache
//   - ilincs_cache_errors_total{backend, operation} (Counter): Cache operation errors
//
// Export Metrics (pkg/export):
//   - ilincs_export_files_total{sink} (Counter): Files written by sink (dir, s3)
//   - ilincs_export_bytes_total{sink} (Counter): Bytes written by sink
//   - ilincs_export_errors_total{sink} (Counter): Failed writes by sink
//
// Freeze Metrics (pkg/freeze):
//   - ilincs_freeze_runs_total{outcome} (Counter): Runs by outcome (success, failed)
//   - ilincs_freeze_last_success_timestamp_seconds (Gauge): Unix time of the last successful run
//   - ilincs_freeze_missing_signatures (Gauge): Signatures without vectors in the last run
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(ilincs_cache_hits_total[5m])) /
//   (sum(rate(ilincs_cache_hits_total[5m])) + sum(rate(ilincs_cache_misses_total[5m])))
//
//   # Abandoned Batches in the last day
//   increase(ilincs_batches_total{outcome="abandoned"}[1d])
//
//   # Request Error Rate
//   rate(ilincs_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(ilincs_request_duration_seconds_bucket[5m]))
//
//   # Stale snapshot (no success for 8 days)
//   time() - ilincs_freeze_last_success_timestamp_seconds > 8 * 86400
