package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the gateway.
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	connectionsTotal  prometheus.Counter
	handshakeFailures *prometheus.CounterVec
	framesIngested    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	desyncTotal       prometheus.Counter
	segmentsFinalized prometheus.Counter
	segmentsEvicted   prometheus.Counter
	segmentDuration   prometheus.Histogram
	activeStreams     prometheus.Gauge
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_connections_total",
			Help: "Total number of accepted ingest connections",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_handshake_failures_total",
			Help: "Ingest handshakes rejected, by reason",
		}, []string{"reason"}),
		framesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_frames_total",
			Help: "Frames accepted by a segmenter, by kind",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_frames_dropped_total",
			Help: "Frames dropped before packaging, by reason",
		}, []string{"reason"}),
		desyncTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_desync_total",
			Help: "Malformed ingest messages skipped while resynchronizing",
		}),
		segmentsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_finalized_total",
			Help: "Total number of segments finalized",
		}),
		segmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_evicted_total",
			Help: "Total number of segments evicted from stream rings",
		}),
		segmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_segment_duration_seconds",
			Help:    "Duration of finalized segments",
			Buckets: []float64{0.5, 1, 2, 3, 4, 6, 8, 10, 15},
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_streams",
			Help: "Number of streams currently live",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.connectionsTotal,
		m.handshakeFailures,
		m.framesIngested,
		m.framesDropped,
		m.desyncTotal,
		m.segmentsFinalized,
		m.segmentsEvicted,
		m.segmentDuration,
		m.activeStreams,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncConnections increments the accepted ingest connection counter.
func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

// IncHandshakeFailures records a rejected handshake.
func (m *Metrics) IncHandshakeFailures(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// IncFramesIngested records a frame accepted by a segmenter.
func (m *Metrics) IncFramesIngested(kind string) {
	if m == nil {
		return
	}
	m.framesIngested.WithLabelValues(kind).Inc()
}

// IncFramesDropped records a frame dropped before packaging.
func (m *Metrics) IncFramesDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// IncDesync records a skipped malformed message.
func (m *Metrics) IncDesync() {
	if m == nil {
		return
	}
	m.desyncTotal.Inc()
}

// SegmentFinalized records a finalized segment.
func (m *Metrics) SegmentFinalized(_ string, d time.Duration, _ int) {
	if m == nil {
		return
	}
	m.segmentsFinalized.Inc()
	m.segmentDuration.Observe(d.Seconds())
}

// SegmentEvicted records an evicted segment.
func (m *Metrics) SegmentEvicted(_ string) {
	if m == nil {
		return
	}
	m.segmentsEvicted.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
