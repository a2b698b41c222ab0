package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the harness. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	EdgeFrames     *prometheus.CounterVec
	TurnOutcomes   *prometheus.CounterVec
	ReceivedBytes  *prometheus.CounterVec
	TurnLatency    *prometheus.HistogramVec

	window *turnStageWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions holding a connected edge.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		EdgeFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_frames_total",
			Help:      "Vendor websocket frames by vendor, direction and type.",
		}, []string{"vendor", "direction", "type"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Completed turns by vendor and outcome (complete, timeout).",
		}, []string{"vendor", "outcome"}),
		ReceivedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_audio_bytes_total",
			Help:      "PCM16 bytes of agent audio received by vendor.",
		}, []string{"vendor"}),
		TurnLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Latency from end of caller audio to turn completion in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}, []string{"vendor"}),
		window: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFrame(vendor, direction, frameType string) {
	if m == nil {
		return
	}
	m.EdgeFrames.WithLabelValues(vendor, direction, frameType).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveTurn records the outcome, payload size and latency of one turn.
func (m *Metrics) ObserveTurn(vendor string, timedOut bool, received int, latency time.Duration) {
	if m == nil {
		return
	}
	outcome := "complete"
	if timedOut {
		outcome = "timeout"
		m.window.ObserveIndicator(vendor + "_timeout")
	}
	m.TurnOutcomes.WithLabelValues(vendor, outcome).Inc()
	m.ReceivedBytes.WithLabelValues(vendor).Add(float64(received))
	m.TurnLatency.WithLabelValues(vendor).Observe(float64(latency.Milliseconds()))
	m.window.Observe(vendor, float64(latency.Milliseconds()))
}

// TurnSnapshot summarises recent turn latencies per vendor.
func (m *Metrics) TurnSnapshot() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
