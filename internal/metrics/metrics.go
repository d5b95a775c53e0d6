// Package metrics exports relay and health counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/tvrelay/internal/relay"
)

const namespace = "tvrelay"

// Metrics holds the Prometheus collectors for the relay and the health monitor.
// It implements relay.Metrics and health.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	sessionsStarted    *prometheus.CounterVec
	sessionsFailed     *prometheus.CounterVec
	segmentsPublished  *prometheus.CounterVec
	segmentBytes       *prometheus.CounterVec
	originFailures     *prometheus.CounterVec
	reconnectsTotal    prometheus.Counter
	viewerLagTotal     prometheus.Counter
	probesTotal        *prometheus.CounterVec
	probeLatency       prometheus.Histogram
	sessions           *prometheus.GaugeVec
	viewers            prometheus.Gauge
	connectorsCreated  prometheus.Gauge
	channelsOffline    prometheus.Gauge
	lastScrapeDuration prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by status class",
		}, []string{"class"}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Relay sessions created, by stream mode",
		}, []string{"mode"}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Relay sessions that reached the failed state, by last error kind",
		}, []string{"kind"}),
		segmentsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_published_total",
			Help:      "Segments written into session buffers, by stream mode",
		}, []string{"mode"}),
		segmentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_bytes_total",
			Help:      "Bytes of segment data written into session buffers, by stream mode",
		}, []string{"mode"}),
		originFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_failures_total",
			Help:      "Origin connection failures, by error kind",
		}, []string{"kind"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an origin failure",
		}),
		viewerLagTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_lag_events_total",
			Help:      "Times a viewer fell behind the buffer and skipped ahead",
		}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Channel health probes, by outcome",
		}, []string{"status"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of channel health probes",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live relay sessions, by state",
		}, []string{"state"}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Attached viewers across all sessions",
		}),
		connectorsCreated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectors_created",
			Help:      "Origin connectors created since start",
		}),
		channelsOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_offline",
			Help:      "Channels whose latest health record is offline",
		}),
		lastScrapeDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gauge_refresh_seconds",
			Help:      "Time spent refreshing gauges for the last scrape",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.sessionsStarted,
		m.sessionsFailed,
		m.segmentsPublished,
		m.segmentBytes,
		m.originFailures,
		m.reconnectsTotal,
		m.viewerLagTotal,
		m.probesTotal,
		m.probeLatency,
		m.sessions,
		m.viewers,
		m.connectorsCreated,
		m.channelsOffline,
		m.lastScrapeDuration,
	)
	return m
}

// SessionStarted implements relay.Metrics.
func (m *Metrics) SessionStarted(mode relay.StreamMode) {
	m.sessionsStarted.WithLabelValues(mode.String()).Inc()
}

// SessionFailed implements relay.Metrics.
func (m *Metrics) SessionFailed(kind string) {
	m.sessionsFailed.WithLabelValues(kind).Inc()
}

// SegmentPublished implements relay.Metrics.
func (m *Metrics) SegmentPublished(mode relay.StreamMode, bytes int) {
	m.segmentsPublished.WithLabelValues(mode.String()).Inc()
	m.segmentBytes.WithLabelValues(mode.String()).Add(float64(bytes))
}

// OriginFailure implements relay.Metrics.
func (m *Metrics) OriginFailure(kind string) {
	m.originFailures.WithLabelValues(kind).Inc()
}

// ReconnectScheduled implements relay.Metrics.
func (m *Metrics) ReconnectScheduled() {
	m.reconnectsTotal.Inc()
}

// ViewerLagged implements relay.Metrics.
func (m *Metrics) ViewerLagged() {
	m.viewerLagTotal.Inc()
}

// ProbeCompleted records one health probe.
func (m *Metrics) ProbeCompleted(status string, latency time.Duration) {
	m.probesTotal.WithLabelValues(status).Inc()
	m.probeLatency.Observe(latency.Seconds())
}

// SetRegistryStats copies a registry snapshot into the session gauges.
func (m *Metrics) SetRegistryStats(st relay.RegistryStats) {
	for _, state := range relay.SessionStates() {
		m.sessions.WithLabelValues(state.String()).Set(float64(st.ByState[state]))
	}
	m.viewers.Set(float64(st.Viewers))
	m.connectorsCreated.Set(float64(st.ConnectorsCreated))
}

// SetChannelsOffline sets the offline channel gauge.
func (m *Metrics) SetChannelsOffline(n int) {
	m.channelsOffline.Set(float64(n))
}

// IncRequests counts a served request by status class.
func (m *Metrics) IncRequests(status int) {
	m.requestsTotal.WithLabelValues(statusClass(status)).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			start := time.Now()
			updateGauges()
			m.lastScrapeDuration.Set(time.Since(start).Seconds())
		}
		h.ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var _ relay.Metrics = (*Metrics)(nil)
