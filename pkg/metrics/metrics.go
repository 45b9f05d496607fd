// Package metrics exposes Prometheus instrumentation for the live-session
// orchestration layer.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestration counters and gauges. A nil *Metrics is
// safe to call, so tests and optional wiring can skip it.
type Metrics struct {
	registry *prometheus.Registry

	liveSessionsActive prometheus.Gauge
	participantsActive prometheus.Gauge
	mediaElements      *prometheus.GaugeVec
	joinsTotal         prometheus.Counter
	joinRejections     *prometheus.CounterVec
}

// New creates and registers the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.liveSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_sessions_active",
		Help: "Live sessions currently in the started state.",
	})
	m.participantsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "participants_active",
		Help: "Participants currently connected across all live sessions.",
	})
	m.mediaElements = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "media_elements",
		Help: "Media-server elements currently tracked, by kind.",
	}, []string{"kind"})
	m.joinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "joins_total",
		Help: "Successful live-session joins.",
	})
	m.joinRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "join_rejections_total",
		Help: "Rejected join attempts, by failure code.",
	}, []string{"code"})

	m.registry.MustRegister(
		m.liveSessionsActive,
		m.participantsActive,
		m.mediaElements,
		m.joinsTotal,
		m.joinRejections,
	)
	return m
}

// Handler returns the gin handler serving the /metrics endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}

// SessionStarted increments the active live-session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.liveSessionsActive.Inc()
}

// SessionFinished decrements the active live-session gauge.
func (m *Metrics) SessionFinished() {
	if m == nil {
		return
	}
	m.liveSessionsActive.Dec()
}

// ParticipantJoined records a successful join.
func (m *Metrics) ParticipantJoined() {
	if m == nil {
		return
	}
	m.participantsActive.Inc()
	m.joinsTotal.Inc()
}

// ParticipantLeft records a participant leaving or disconnecting.
func (m *Metrics) ParticipantLeft() {
	if m == nil {
		return
	}
	m.participantsActive.Dec()
}

// JoinRejected records a rejected join attempt by taxonomy code.
func (m *Metrics) JoinRejected(code string) {
	if m == nil {
		return
	}
	m.joinRejections.WithLabelValues(code).Inc()
}

// ElementCreated tracks a new media element of the given kind.
func (m *Metrics) ElementCreated(kind string) {
	if m == nil {
		return
	}
	m.mediaElements.WithLabelValues(kind).Inc()
}

// ElementReleased tracks a released media element of the given kind.
func (m *Metrics) ElementReleased(kind string) {
	if m == nil {
		return
	}
	m.mediaElements.WithLabelValues(kind).Dec()
}
