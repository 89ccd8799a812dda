package dhcpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRecorder holds the Prometheus collectors the server updates as it
// processes packets. It is purely additive: absent a -metrics-addr flag,
// nothing ever scrapes these, and updating them costs a handful of atomic
// increments per packet.
type metricsRecorder struct {
	messagesByType *prometheus.CounterVec
	leasesActive   prometheus.Gauge
	decodeErrors   prometheus.Counter
}

// newMetricsRecorder creates a recorder with its own registry, so tests and
// multiple server instances never collide on Prometheus's default registry.
func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{
		messagesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcpd",
			Name:      "messages_total",
			Help:      "Number of DHCP messages processed, by type.",
		}, []string{"type"}),
		leasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhcpd",
			Name:      "leases_active",
			Help:      "Number of currently active leases.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpd",
			Name:      "decode_errors_total",
			Help:      "Number of inbound packets dropped for failing to decode.",
		}),
	}
}

// registry builds a *prometheus.Registry containing m's collectors, for
// wiring into an HTTP handler.
func (m *metricsRecorder) registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.messagesByType, m.leasesActive, m.decodeErrors)
	return reg
}

// Handler returns an http.Handler serving s's metrics in the Prometheus
// exposition format, for mounting at -metrics-addr.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.metrics.registry(), promhttp.HandlerOpts{})
}
