// Package metrics exposes Prometheus collectors for the ingest pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	governorWaitSeconds        *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	syncRetriesTotal           *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_total",
				Help: "Total page fetches, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Total bytes fetched from the network, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_fetch_duration_seconds",
				Help:    "Histogram of network fetch latencies, labeled by mode (plain or headless).",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		)

		governorWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_governor_wait_seconds",
				Help:    "Histogram of time spent waiting for a politeness slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_cache_lookups_total",
				Help: "Response cache lookups, labeled by result (hit, miss, expired).",
			},
			[]string{"result"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_total",
				Help: "Records leaving the pipeline, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		syncRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_sync_retries_total",
				Help: "Store writes retried after a transient failure, labeled by kind.",
			},
			[]string{"kind"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Total number of extraction jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_jobs",
				Help: "Number of extraction jobs currently running.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt and its network cost.
func ObserveFetch(site, result string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchDuration records the latency of a network fetch.
func ObserveFetchDuration(rendered bool, duration time.Duration) {
	Init()
	mode := "plain"
	if rendered {
		mode = "headless"
	}
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveGovernorWait records how long a request waited for its politeness slot.
func ObserveGovernorWait(sourceID string, duration time.Duration) {
	Init()
	governorWaitSeconds.WithLabelValues(sourceID).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a response cache lookup.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRecord counts a record leaving the pipeline.
func ObserveRecord(kind, outcome string) {
	Init()
	recordsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSyncRetry counts a retried store write.
func ObserveSyncRetry(kind string) {
	Init()
	syncRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
