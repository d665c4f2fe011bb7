package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. It also
// satisfies avatar.Observer.
type Metrics struct {
	StateTransitions *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	QueueDrops       *prometheus.CounterVec
	SessionCloses    *prometheus.CounterVec
	Heartbeats       prometheus.Counter
	LinkLatency      prometheus.Histogram
	BrowserClients   prometheus.Gauge
	BrowserMessages  *prometheus.CounterVec

	stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Avatar session state transitions by target state.",
		}, []string{"state"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Avatar websocket messages by direction and control verb or event type.",
		}, []string{"direction", "ctrl"}),
		QueueDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Driver text commands dropped before reaching the socket.",
		}, []string{"reason"}),
		SessionCloses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Avatar session closes by close kind.",
		}, []string{"kind"}),
		Heartbeats: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat pings sent while the outbound queue was idle.",
		}),
		LinkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "link_latency_ms",
			Help:      "Time from socket open to stream_info in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000},
		}),
		BrowserClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_clients",
			Help:      "Browser websocket clients attached to the stream hub.",
		}),
		BrowserMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_messages_total",
			Help:      "Browser websocket messages by direction, type and status.",
		}, []string{"direction", "type", "status"}),
		stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveState(state string) {
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveMessage(direction, ctrl string) {
	m.WSMessages.WithLabelValues(direction, ctrl).Inc()
}

func (m *Metrics) ObserveDrop(reason string) {
	m.QueueDrops.WithLabelValues(reason).Inc()
	m.stages.ObserveIndicator("drop_" + reason)
}

func (m *Metrics) ObserveClose(kind string) {
	m.SessionCloses.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHeartbeat() {
	m.Heartbeats.Inc()
	m.stages.ObserveIndicator("heartbeat")
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	if stage == StageOpenToLink {
		m.LinkLatency.Observe(ms)
	}
	m.stages.Observe(stage, ms)
}

// ObserveBrowserMessage counts one browser websocket message.
func (m *Metrics) ObserveBrowserMessage(direction, msgType, status string) {
	m.BrowserMessages.WithLabelValues(direction, msgType, status).Inc()
}

// SnapshotStages returns the rolling latency window.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
