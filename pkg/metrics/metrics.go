// Package metrics holds the gateway's Prometheus instrumentation. Collectors
// are created against an explicit registry so tests can run side by side.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// NotificationsReceived counts accepted notify requests.
	NotificationsReceived prometheus.Counter
	// Dispatches counts per-device dispatches by pushkin and outcome.
	Dispatches *prometheus.CounterVec
	// InflightLimitDrops counts dispatches dropped because a pushkin's
	// in-flight request limit was reached.
	InflightLimitDrops *prometheus.CounterVec
	// StatusCodes counts HTTP status codes received from upstream clouds.
	StatusCodes *prometheus.CounterVec
	// CertificateExpiry exports the not-after of each APNs certificate as
	// unix seconds.
	CertificateExpiry *prometheus.GaugeVec
}

// New returns a Metrics set registered on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		NotificationsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sygnal_notifications_received",
			Help: "Number of notification requests received from homeservers.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sygnal_dispatches",
			Help: "Number of per-device dispatches by pushkin and outcome.",
		}, []string{"pushkin", "outcome"}),
		InflightLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sygnal_inflight_request_limit_drop",
			Help: "Number of notifications dropped because the number of in-flight requests exceeded the configured inflight_request_limit.",
		}, []string{"pushkin"}),
		StatusCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sygnal_upstream_status_codes",
			Help: "Number of HTTP response status codes received from upstream push clouds.",
		}, []string{"pushkin", "code"}),
		CertificateExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sygnal_apns_certificate_expiry",
			Help: "Expiry (not-after) of the APNs client certificate, as unix seconds.",
		}, []string{"pushkin"}),
	}
	registry.MustRegister(
		m.NotificationsReceived,
		m.Dispatches,
		m.InflightLimitDrops,
		m.StatusCodes,
		m.CertificateExpiry,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
