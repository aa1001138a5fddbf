// Package obs wires structured logging, Prometheus metrics, and OpenTelemetry
// tracing — the ambient observability concerns every component depends on.
package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram the service publishes.
// Global only — no unbounded label cardinality.
type Metrics struct {
	ItemsIngestedTotal   *prometheus.CounterVec
	ExtractionAttempts   *prometheus.CounterVec
	SummaryAttempts      *prometheus.CounterVec
	StaleRequeuedTotal   prometheus.Counter
	ClaimBatchSize       prometheus.Histogram
	FetchDuration        prometheus.Histogram
	ExtractDuration      prometheus.Histogram
	SummaryDuration       prometheus.Histogram
}

// NewMetrics constructs all metrics and registers them with the default
// Prometheus registry, so it must be called at most once per process.
func NewMetrics() *Metrics {
	m := &Metrics{
		ItemsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nudge_items_ingested_total",
			Help: "Total items that finished a process_item call, by outcome",
		}, []string{"outcome"}),
		ExtractionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nudge_extraction_attempts_total",
			Help: "Total ExtractionAttempt rows written, by error_code (empty for success)",
		}, []string{"error_code"}),
		SummaryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nudge_summary_attempts_total",
			Help: "Total SummaryAttempt rows written, by model_key and status",
		}, []string{"model_key", "status"}),
		StaleRequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nudge_stale_requeued_total",
			Help: "Total items moved from processing back to queued by the stale-recovery sweep",
		}),
		ClaimBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nudge_claim_batch_size",
			Help:    "Number of items claimed per worker tick",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nudge_fetch_duration_seconds",
			Help:    "Fetcher.Fetch wall time",
			Buckets: prometheus.DefBuckets,
		}),
		ExtractDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nudge_extract_duration_seconds",
			Help:    "Extractor.Extract wall time",
			Buckets: prometheus.DefBuckets,
		}),
		SummaryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nudge_summary_duration_seconds",
			Help:    "Summarizer.Summarize wall time",
			Buckets: prometheus.DefBuckets,
		}),
	}
	prometheus.MustRegister(
		m.ItemsIngestedTotal, m.ExtractionAttempts, m.SummaryAttempts,
		m.StaleRequeuedTotal, m.ClaimBatchSize, m.FetchDuration,
		m.ExtractDuration, m.SummaryDuration,
	)
	return m
}

// ServeMetrics starts a dedicated /metrics endpoint in a background goroutine.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

// TimeSince observes elapsed seconds since start on h.
func TimeSince(h prometheus.Histogram, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
