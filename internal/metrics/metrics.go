// Package metrics provides Prometheus metrics for diglett.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "diglett"
)

// Metrics contains all Prometheus metrics for a diglett process.
type Metrics struct {
	// Agent link metrics
	AgentsConnected     prometheus.Gauge
	AgentsTotal         prometheus.Counter
	HandshakeErrors     *prometheus.CounterVec
	AuthFailures        prometheus.Counter
	RegistrationsActive prometheus.Gauge

	// Stream metrics
	StreamsActive prometheus.Gauge
	StreamsOpened prometheus.Counter
	StreamsClosed prometheus.Counter

	// Data transfer metrics
	BytesTransferred  *prometheus.CounterVec
	FramesTransferred *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of currently connected agents",
		}),
		AgentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_total",
			Help:      "Total number of agent connections accepted",
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by reason",
		}, []string{"reason"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total rejected login and register attempts",
		}),
		RegistrationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registrations_active",
			Help:      "Number of active subdomain registrations",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active tunneled streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes by direction",
		}, []string{"direction"}),
		FramesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames by direction",
		}, []string{"direction"}),
	}
}

// Direction label values for BytesTransferred and FramesTransferred.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)
