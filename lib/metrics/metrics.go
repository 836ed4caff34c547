// Package metrics defines the prometheus collectors shared by the node
// agent and the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VMBoots counts boot attempts by outcome (ok/error).
	VMBoots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetplane_vm_boots_total",
		Help: "VM boot attempts by outcome",
	}, []string{"outcome"})

	// VMStops counts stop attempts by outcome.
	VMStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetplane_vm_stops_total",
		Help: "VM stop attempts by outcome",
	}, []string{"outcome"})

	// VMBootDuration observes successful boot latency in seconds.
	VMBootDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetplane_vm_boot_duration_seconds",
		Help:    "Wall time from boot request to SSH readiness",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// ReconcilerActions counts reconciler-dispatched actions by kind.
	ReconcilerActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetplane_reconciler_actions_total",
		Help: "Actions dispatched by the reconciler",
	}, []string{"action"})

	// ReconcilerPassDuration observes reconciler pass latency.
	ReconcilerPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetplane_reconciler_pass_duration_seconds",
		Help:    "Duration of a full reconciler pass",
		Buckets: prometheus.DefBuckets,
	})

	// EditorMutations counts editor protocol mutations by action.
	EditorMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetplane_editor_mutations_total",
		Help: "Editor protocol mutations by action",
	}, []string{"action"})

	// ConsoleSessions tracks currently open console bridge sessions.
	ConsoleSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetplane_console_sessions",
		Help: "Open console bridge sessions",
	})

	// HTTPRequests counts served HTTP requests by method, route, and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetplane_http_requests_total",
		Help: "HTTP requests by method, route pattern, and status",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetplane_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
