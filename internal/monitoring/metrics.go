package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal counts finished transfer attempts by outcome
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musicplayer_downloads_total",
			Help: "Total number of download attempts by outcome",
		},
		[]string{"outcome"},
	)

	// DownloadDuration tracks successful transfer duration in seconds
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "musicplayer_download_duration_seconds",
			Help:    "Download duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4min
		},
	)

	// ActiveDownloads tracks transfers currently streaming
	ActiveDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "musicplayer_active_downloads",
			Help: "Number of transfers in progress",
		},
	)

	// DownloadBytesTotal tracks total bytes written to committed files
	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "musicplayer_download_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	// LedgerRows mirrors the ledger row count per status
	LedgerRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "musicplayer_ledger_rows",
			Help: "Download ledger rows by status",
		},
		[]string{"status"},
	)

	// ErrorsTotal tracks errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musicplayer_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)

	// LibraryOpsTotal counts library repository operations
	LibraryOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musicplayer_library_operations_total",
			Help: "Library repository operations by name and result",
		},
		[]string{"operation", "result"},
	)

	// CatalogRequestDuration tracks catalog sync requests
	CatalogRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "musicplayer_catalog_request_duration_seconds",
			Help:    "Catalog request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// RecordDownloadStart records the start of a transfer
func RecordDownloadStart() {
	ActiveDownloads.Inc()
}

// RecordDownloadComplete records a committed transfer
func RecordDownloadComplete(duration time.Duration, bytes int64) {
	DownloadsTotal.WithLabelValues("completed").Inc()
	DownloadDuration.Observe(duration.Seconds())
	DownloadBytesTotal.Add(float64(bytes))
	ActiveDownloads.Dec()
}

// RecordDownloadFailed records a failed transfer
func RecordDownloadFailed(errorType string, retryable bool) {
	outcome := "failed"
	if retryable {
		outcome = "retry"
	}
	DownloadsTotal.WithLabelValues(outcome).Inc()
	ErrorsTotal.WithLabelValues(errorType).Inc()
	ActiveDownloads.Dec()
}

// RecordDownloadCancelled records a transfer stopped by its caller
func RecordDownloadCancelled() {
	DownloadsTotal.WithLabelValues("cancelled").Inc()
	ActiveDownloads.Dec()
}

// RecordDownloadRejected records an attempt turned away before any bytes
// were requested, e.g. by a connectivity precondition
func RecordDownloadRejected(errorType string) {
	DownloadsTotal.WithLabelValues("rejected").Inc()
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateLedgerRows sets the per-status ledger gauge
func UpdateLedgerRows(counts map[string]int) {
	for status, n := range counts {
		LedgerRows.WithLabelValues(status).Set(float64(n))
	}
}

// RecordLibraryOp records a library repository operation
func RecordLibraryOp(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	LibraryOpsTotal.WithLabelValues(operation, result).Inc()
}

// RecordCatalogRequest records a catalog sync request
func RecordCatalogRequest(status string, duration time.Duration) {
	CatalogRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordError records an error
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
