// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_requests_total",
			Help: "Queued sync requests processed, by type and result",
		},
		[]string{"type", "result"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "savesync_request_duration_seconds",
			Help:    "Time spent processing a queued request",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"type"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_transfer_bytes_total",
			Help: "File bytes moved over the network",
		},
		[]string{"direction"},
	)

	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_transactions_total",
			Help: "Upload/download transactions by terminal state",
		},
		[]string{"kind", "state"},
	)

	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "savesync_queue_length",
			Help: "Requests waiting in the queue",
		},
	)

	online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "savesync_online",
			Help: "1 when the server is reachable",
		},
	)

	hashedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "savesync_hashed_bytes_total",
			Help: "Bytes read by the content hasher",
		},
	)

	hashContainerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "savesync_hash_container_duration_seconds",
			Help:    "Time to hash one title container",
			Buckets: prometheus.DefBuckets,
		},
	)

	titlesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "savesync_titles_loaded",
			Help: "Titles with at least one accessible container",
		},
	)

	catalogRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_catalog_refreshes_total",
			Help: "Remote catalog refreshes",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a processed queue request.
func RecordRequest(kind, result string, duration time.Duration) {
	requestsTotal.WithLabelValues(kind, result).Inc()
	requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddUploaded records bytes sent to the server.
func AddUploaded(n int64) {
	transferBytes.WithLabelValues("upload").Add(float64(n))
}

// AddDownloaded records bytes received from the server.
func AddDownloaded(n int64) {
	transferBytes.WithLabelValues("download").Add(float64(n))
}

// RecordTransaction records a transaction reaching a terminal state.
func RecordTransaction(kind, state string) {
	transactionsTotal.WithLabelValues(kind, state).Inc()
}

// SetQueueLength sets the number of queued requests.
func SetQueueLength(n int) {
	queueLength.Set(float64(n))
}

// SetOnline sets the online gauge.
func SetOnline(up bool) {
	if up {
		online.Set(1)
	} else {
		online.Set(0)
	}
}

// AddHashed records bytes read by the hasher.
func AddHashed(n int64) {
	hashedBytes.Add(float64(n))
}

// RecordHashContainer records how long a container hash pass took.
func RecordHashContainer(duration time.Duration) {
	hashContainerDuration.Observe(duration.Seconds())
}

// SetTitlesLoaded sets the number of loaded titles.
func SetTitlesLoaded(n int) {
	titlesLoaded.Set(float64(n))
}

// RecordCatalogRefresh records a remote catalog refresh.
func RecordCatalogRefresh(success bool) {
	catalogRefreshes.WithLabelValues(status(success)).Inc()
}
