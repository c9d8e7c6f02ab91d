package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "planningpoker"

// Metrics are the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	commands          *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	broadcasts        *prometheus.CounterVec
	backgroundFailure *prometheus.CounterVec
	connections       prometheus.Gauge
	evictions         prometheus.Counter
	resumes           *prometheus.CounterVec
	expired           prometheus.Counter
}

// NewMetrics registers the collectors on reg, prometheus.DefaultRegisterer if nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled, by command and outcome reason.",
		}, []string{"command", "outcome"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling latency, excluding background store writes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),

		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Notifications fanned out to session groups, by event.",
		}, []string{"event"}),

		backgroundFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_task_failures_total",
			Help:      "Detached store writes and relay publishes that failed.",
		}, []string{"task"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open WebSocket connections.",
		}),

		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_evictions_total",
			Help:      "Connections closed because their outbound buffer was full.",
		}),

		resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_resumes_total",
			Help:      "Participants whose connection dropped, by how the resume window ended.",
		}, []string{"result"}),

		expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Expired sessions reclaimed by the sweeper.",
		}),
	}
}

func (m *Metrics) CommandHandled(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) Broadcast(event string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
}

func (m *Metrics) BackgroundFailure(task string) {
	if m == nil {
		return
	}
	m.backgroundFailure.WithLabelValues(task).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// Resume records the end of a resume window: "resumed" or "expired".
func (m *Metrics) Resume(result string) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(result).Inc()
}

func (m *Metrics) Expired(n int64) {
	if m == nil {
		return
	}
	m.expired.Add(float64(n))
}
