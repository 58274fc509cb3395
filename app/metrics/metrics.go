// Package metrics holds the Prometheus instrumentation for the download pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Downloads counts download requests by quota bucket and outcome
	// (denied, completed, abandoned).
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manga_downloads_total",
			Help: "Chapter PDF download requests by bucket and outcome",
		},
		[]string{"bucket", "outcome"},
	)

	PagesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manga_pdf_pages_written_total",
			Help: "Pages appended to streamed chapter PDFs",
		},
	)

	// ImageFailures counts skipped images by pipeline stage (fetch, transcode).
	ImageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manga_image_failures_total",
			Help: "Chapter images skipped because fetch or transcode failed",
		},
		[]string{"stage"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manga_image_fetch_duration_seconds",
			Help:    "Time spent fetching a single remote image",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manga_usage_commit_failures_total",
			Help: "Best-effort usage commit steps that failed after a completed stream",
		},
		[]string{"step"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open, per upstream host.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manga_image_host_breaker_state",
			Help: "Circuit breaker state per upstream image host",
		},
		[]string{"host"},
	)

	Throttled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manga_download_throttled_total",
			Help: "Download requests rejected by the per-address rate limiter",
		},
	)
)
