// Package metrics exposes Prometheus collectors for the document store.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestDocumentsTotal       *prometheus.CounterVec
	ingestBatchDurationSeconds prometheus.Histogram
	sidecarFailuresTotal       *prometheus.CounterVec
	snapshotBytes              prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_ingest_documents_total",
				Help: "Total number of ingested documents, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestBatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docstore_ingest_batch_duration_seconds",
				Help:    "Histogram of batch ingestion wall time.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		sidecarFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_sidecar_failures_total",
				Help: "Snapshot archive and change publish failures after commit, labeled by kind.",
			},
			[]string{"kind"},
		)

		snapshotBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docstore_snapshot_bytes",
				Help:    "Size of archived revision snapshots.",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8),
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docstore_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDocument increments the per-outcome document counter.
func ObserveDocument(outcome string) {
	Init()
	ingestDocumentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch records how long one batch took.
func ObserveBatch(duration time.Duration) {
	Init()
	ingestBatchDurationSeconds.Observe(duration.Seconds())
}

// ObserveSidecarFailure counts an archive or publish failure.
func ObserveSidecarFailure(kind string) {
	Init()
	sidecarFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveSnapshot records the size of an archived snapshot body.
func ObserveSnapshot(bytes int) {
	Init()
	snapshotBytes.Observe(float64(bytes))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
