package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the recorder.
type Metrics struct {
	registry                *prometheus.Registry
	playlistFetchesTotal    prometheus.Counter
	segmentsDownloadedTotal prometheus.Counter
	segmentsWrittenTotal    prometheus.Counter
	segmentsDroppedTotal    prometheus.Counter
	bytesWrittenTotal       prometheus.Counter
	requestErrorsTotal      prometheus.Counter
	poolConnections         prometheus.Gauge
	poolWaiters             prometheus.Gauge
}

// New creates and registers the recorder metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	playlistFetchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsrec_playlist_fetches_total",
		Help: "Total number of playlist fetches issued",
	})
	segmentsDownloadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsrec_segments_downloaded_total",
		Help: "Total number of media segments downloaded",
	})
	segmentsWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsrec_segments_written_total",
		Help: "Total number of media segments appended to the output file",
	})
	segmentsDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsrec_segments_dropped_total",
		Help: "Total number of media segments skipped over in the output",
	})
	bytesWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsrec_bytes_written_total",
		Help: "Total bytes appended to the output file",
	})
	requestErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsrec_request_errors_total",
		Help: "Total number of requests that failed after any retry",
	})
	poolConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hlsrec_pool_connections",
		Help: "Connections currently held by the pool, idle and busy",
	})
	poolWaiters := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hlsrec_pool_waiters",
		Help: "Requests queued behind the per-host connection cap",
	})

	registry.MustRegister(
		playlistFetchesTotal,
		segmentsDownloadedTotal,
		segmentsWrittenTotal,
		segmentsDroppedTotal,
		bytesWrittenTotal,
		requestErrorsTotal,
		poolConnections,
		poolWaiters,
	)

	return &Metrics{
		registry:                registry,
		playlistFetchesTotal:    playlistFetchesTotal,
		segmentsDownloadedTotal: segmentsDownloadedTotal,
		segmentsWrittenTotal:    segmentsWrittenTotal,
		segmentsDroppedTotal:    segmentsDroppedTotal,
		bytesWrittenTotal:       bytesWrittenTotal,
		requestErrorsTotal:      requestErrorsTotal,
		poolConnections:         poolConnections,
		poolWaiters:             poolWaiters,
	}
}

// IncPlaylistFetches increments the playlist fetch counter.
func (m *Metrics) IncPlaylistFetches() {
	m.playlistFetchesTotal.Inc()
}

// IncSegmentsDownloaded increments the downloaded segment counter.
func (m *Metrics) IncSegmentsDownloaded() {
	m.segmentsDownloadedTotal.Inc()
}

// IncSegmentsWritten increments the written segment counter.
func (m *Metrics) IncSegmentsWritten() {
	m.segmentsWrittenTotal.Inc()
}

// AddSegmentsDropped adds n to the dropped segment counter.
func (m *Metrics) AddSegmentsDropped(n uint64) {
	m.segmentsDroppedTotal.Add(float64(n))
}

// AddBytesWritten adds n to the written byte counter.
func (m *Metrics) AddBytesWritten(n int) {
	m.bytesWrittenTotal.Add(float64(n))
}

// IncRequestErrors increments the failed request counter.
func (m *Metrics) IncRequestErrors() {
	m.requestErrorsTotal.Inc()
}

// SetPoolConnections sets the live connection gauge.
func (m *Metrics) SetPoolConnections(n int) {
	m.poolConnections.Set(float64(n))
}

// SetPoolWaiters sets the queued request gauge.
func (m *Metrics) SetPoolWaiters(n int) {
	m.poolWaiters.Set(float64(n))
}

// Handler returns an http.Handler that serves the registry. updateGauges is
// called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
