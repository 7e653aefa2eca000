package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveBlocks    prometheus.Gauge
	BlockEvents     *prometheus.CounterVec
	Markers         *prometheus.CounterVec
	MarkerErrors    *prometheus.CounterVec
	ReactionLatency *prometheus.HistogramVec
	WSMessages      *prometheus.CounterVec

	// Reactions mirrors ReactionLatency as a rolling window for the perf endpoint.
	Reactions *ReactionWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg; tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveBlocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_blocks",
			Help:      "Number of task blocks currently running.",
		}),
		BlockEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_events_total",
			Help:      "Block lifecycle events by type.",
		}, []string{"event"}),
		Markers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "markers_total",
			Help:      "Markers written by label.",
		}, []string{"label"}),
		MarkerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marker_errors_total",
			Help:      "Marker delivery failures by sink.",
		}, []string{"sink"}),
		ReactionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reaction_latency_seconds",
			Help:      "Reaction latency from top stimulus onset by response kind.",
			Buckets:   []float64{0.2, 0.3, 0.4, 0.5, 0.6, 0.8, 1, 1.5, 2, 3},
		}, []string{"kind"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Reactions: NewReactionWindow(256),
	}
}

// ObserveReaction records one trial outcome. condition feeds the rolling
// window; kind is LEFT, RIGHT or TIMEOUT.
func (m *Metrics) ObserveReaction(condition, kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ReactionLatency.WithLabelValues(kind).Observe(latency.Seconds())
	if kind == "TIMEOUT" {
		m.Reactions.ObserveTimeout(condition)
	}
	m.Reactions.Observe(condition, float64(latency.Microseconds())/1000)
}

// MarkerWritten counts a marker by the kind prefix of its label, so
// per-trial detail after '|' does not create new series.
func (m *Metrics) MarkerWritten(label string) {
	if m == nil {
		return
	}
	if i := strings.IndexByte(label, '|'); i >= 0 {
		label = label[:i]
	}
	m.Markers.WithLabelValues(label).Inc()
}

func (m *Metrics) MarkerFailed(sink string) {
	if m == nil {
		return
	}
	m.MarkerErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) BlockEvent(event string) {
	if m == nil {
		return
	}
	m.BlockEvents.WithLabelValues(event).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves a non-default registry.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
