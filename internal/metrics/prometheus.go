package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. It implements the
// orchestrator's metrics hook.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions prometheus.Gauge
	SessionsOpened prometheus.Counter
	RoutedMessages *prometheus.CounterVec

	// Procedure metrics
	AnnotationRecords *prometheus.CounterVec
	NoteRequests      *prometheus.CounterVec
	PostOpRequests    *prometheus.CounterVec

	// Speech metrics
	SynthesisChunks     *prometheus.CounterVec
	SynthesisReconnects prometheus.Counter
	PlaybackDrops       *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a dedicated registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ema_active_sessions",
			Help: "Current number of open browser sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "ema_sessions_opened_total",
			Help: "Total number of sessions opened",
		}),
		RoutedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_routed_messages_total",
			Help: "Total number of user messages by routing target",
		}, []string{"target"}),

		AnnotationRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_annotation_records_total",
			Help: "Total number of annotation records appended",
		}, []string{"phase_changed"}),
		NoteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_note_requests_total",
			Help: "Total number of note requests by result",
		}, []string{"result"}),
		PostOpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_postop_requests_total",
			Help: "Total number of post-op notes generated by schema",
		}, []string{"schema"}),

		SynthesisChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_synthesis_chunks_total",
			Help: "Total number of synthesis chunks by result",
		}, []string{"result"}),
		SynthesisReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ema_synthesis_reconnects_total",
			Help: "Total number of failed synthesis connection attempts",
		}),
		PlaybackDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_playback_drops_total",
			Help: "Total number of audio buffers dropped from playback queues",
		}, []string{"reason"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ema_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionOpened() {
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

func (m *Metrics) MessageRouted(target string) {
	m.RoutedMessages.WithLabelValues(target).Inc()
}

func (m *Metrics) ChunkSynthesized(result string) {
	m.SynthesisChunks.WithLabelValues(result).Inc()
}

func (m *Metrics) SynthesisReconnected() {
	m.SynthesisReconnects.Inc()
}

func (m *Metrics) PlaybackDropped(reason string) {
	m.PlaybackDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) AnnotationRecorded(phaseChanged bool) {
	label := "false"
	if phaseChanged {
		label = "true"
	}
	m.AnnotationRecords.WithLabelValues(label).Inc()
}

func (m *Metrics) NoteRequested(result string) {
	m.NoteRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) PostOpGenerated(schema string) {
	m.PostOpRequests.WithLabelValues(schema).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
