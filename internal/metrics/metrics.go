package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/version"
)

const namespace = "marketfeed"

// Metrics records connector and archive activity. It implements
// connection.Observer and the archive writer's metrics hook.
type Metrics struct {
	registry *prometheus.Registry

	phaseTransitions *prometheus.CounterVec
	streaming        *prometheus.GaugeVec
	sessionFailures  *prometheus.CounterVec
	backoffSeconds   *prometheus.GaugeVec
	backoffResets    *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec

	archiveRows   prometheus.Counter
	archiveErrors prometheus.Counter
	archiveFlush  prometheus.Histogram
}

// New registers all metrics on reg. A nil reg gets a fresh registry with
// the Go runtime and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		phaseTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "phase_transitions_total",
				Help:      "Session phase transitions",
			},
			[]string{"exchange", "phase"},
		),
		streaming: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "streaming",
				Help:      "1 while the exchange has a streaming session",
			},
			[]string{"exchange"},
		),
		sessionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "session_failures_total",
				Help:      "Sessions that ended, by error kind",
			},
			[]string{"exchange", "kind"},
		),
		backoffSeconds: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "backoff_seconds",
				Help:      "Wait scheduled before the next connection attempt",
			},
			[]string{"exchange"},
		),
		backoffResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "backoff_resets_total",
				Help:      "Sessions that streamed past the stability window",
			},
			[]string{"exchange"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "messages_received_total",
				Help:      "Frames received from the exchange",
			},
			[]string{"exchange"},
		),
		bytesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "received_bytes_total",
				Help:      "Frame payload bytes received from the exchange",
			},
			[]string{"exchange"},
		),

		archiveRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "rows_inserted_total",
			Help:      "Raw messages written to the archive",
		}),
		archiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "flush_errors_total",
			Help:      "Archive batch inserts that failed",
		}),
		archiveFlush: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "flush_duration_seconds",
			Help:      "Duration of archive batch inserts",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build metadata, always 1",
		ConstLabels: prometheus.Labels{"version": version.Version, "commit": version.Commit},
	}).Set(1)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PhaseChanged implements connection.Observer.
func (m *Metrics) PhaseChanged(exchange string, phase connection.Phase) {
	m.phaseTransitions.WithLabelValues(exchange, phase.String()).Inc()
	if phase == connection.PhaseStreaming {
		m.streaming.WithLabelValues(exchange).Set(1)
	} else {
		m.streaming.WithLabelValues(exchange).Set(0)
	}
}

// SessionFailed implements connection.Observer.
func (m *Metrics) SessionFailed(exchange string, err *connection.SessionError, backoff time.Duration) {
	m.sessionFailures.WithLabelValues(exchange, err.Kind.String()).Inc()
	m.backoffSeconds.WithLabelValues(exchange).Set(backoff.Seconds())
}

// MessageReceived implements connection.Observer.
func (m *Metrics) MessageReceived(exchange string, size int) {
	m.messagesReceived.WithLabelValues(exchange).Inc()
	m.bytesReceived.WithLabelValues(exchange).Add(float64(size))
}

// BackoffReset implements connection.Observer.
func (m *Metrics) BackoffReset(exchange string) {
	m.backoffResets.WithLabelValues(exchange).Inc()
	m.backoffSeconds.WithLabelValues(exchange).Set(0)
}

// ArchiveFlushed records a successful batch insert.
func (m *Metrics) ArchiveFlushed(rows int, d time.Duration) {
	m.archiveRows.Add(float64(rows))
	m.archiveFlush.Observe(d.Seconds())
}

// ArchiveFailed records a failed batch insert.
func (m *Metrics) ArchiveFailed() {
	m.archiveErrors.Inc()
}

var _ connection.Observer = (*Metrics)(nil)
