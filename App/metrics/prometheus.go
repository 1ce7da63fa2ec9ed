// Package metrics exposes the nursery's Prometheus collectors and the HTTP server
// that publishes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xaydras-2/containerNursery/App/structers"
)

var (
	BackendState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nursery_backend_state",
			Help: "1 for the current lifecycle state of a backend, 0 for the others",
		},
		[]string{"backend", "state"},
	)

	ContainerStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nursery_container_starts_total",
			Help: "Container group starts issued, by outcome",
		},
		[]string{"backend", "outcome"},
	)

	ContainerStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nursery_container_stops_total",
			Help: "Container group stops issued, by reason",
		},
		[]string{"backend", "reason"},
	)

	ActiveEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nursery_active_connections",
			Help: "In-flight requests and open streams keeping a backend busy",
		},
		[]string{"backend"},
	)

	CPUAverage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nursery_backend_cpu_average_percent",
			Help: "Smoothed CPU usage of the primary container since the idle timer was last armed",
		},
		[]string{"backend"},
	)

	ProxiedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nursery_proxied_requests_total",
			Help: "Requests forwarded, by target kind (upstream or placeholder)",
		},
		[]string{"backend", "target"},
	)

	ProxyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nursery_proxy_errors_total",
			Help: "Requests that could not be routed or forwarded, by kind",
		},
		[]string{"kind"},
	)
)

// SetState marks state as the current one for backend.
func SetState(backend string, state structers.State) {
	for _, s := range structers.States() {
		v := 0.0
		if s == state {
			v = 1
		}
		BackendState.WithLabelValues(backend, s.String()).Set(v)
	}
}

// Forget drops every per-backend series, once the backend is torn down.
func Forget(backend string) {
	labels := prometheus.Labels{"backend": backend}
	BackendState.DeletePartialMatch(labels)
	ContainerStarts.DeletePartialMatch(labels)
	ContainerStops.DeletePartialMatch(labels)
	ActiveEntries.DeletePartialMatch(labels)
	CPUAverage.DeletePartialMatch(labels)
	ProxiedRequests.DeletePartialMatch(labels)
}
