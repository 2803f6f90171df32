package signaling

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the signaling server.
type Metrics struct {
	Connections    prometheus.Counter
	Registrations  prometheus.Counter
	Supersessions  prometheus.Counter
	Pairings       prometheus.Counter
	ProtocolErrors *prometheus.CounterVec
	LivePeers      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates the signaling metrics and registers them with reg.
// A nil reg gets a private registry, which keeps tests independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_connections_total",
			Help: "Total number of accepted signaling connections",
		}),
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_registrations_total",
			Help: "Total number of successful register requests",
		}),
		Supersessions: f.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_supersessions_total",
			Help: "Registrations that replaced a live registration for the same username",
		}),
		Pairings: f.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_pairings_total",
			Help: "Total number of successful connect requests",
		}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_error_responses_total",
			Help: "Error records sent to clients, by error code",
		}, []string{"code"}),
		LivePeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_live_peers",
			Help: "Number of live registrations",
		}),
		gatherer: reg,
	}
}

// IncrementError records an error response with the given code.
func (m *Metrics) IncrementError(code ErrorCode) {
	m.ProtocolErrors.WithLabelValues(string(code)).Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
