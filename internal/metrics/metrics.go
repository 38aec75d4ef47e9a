package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API.
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OptimizerRuns counts optimization passes by tenant and outcome.
	OptimizerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizer_runs_total", Help: "Optimization passes by tenant and outcome."},
		[]string{"tenant", "outcome"},
	)
	// Assignments counts committed ride assignments by tenant.
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "assignments_total", Help: "Committed ride assignments."},
		[]string{"tenant"},
	)
	// AddedDuration tracks per-assignment added drive time in seconds.
	AddedDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "assignment_added_duration_seconds", Help: "Added drive time per committed assignment.", Buckets: []float64{30, 60, 120, 300, 600, 1200, 3600}},
	)
	// RoutingFallbacks counts degraded routing calls by endpoint.
	RoutingFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routing_fallbacks_total", Help: "Routing calls resolved by the haversine fallback."},
		[]string{"endpoint"},
	)
	// DebounceCollapsed counts trigger events absorbed by a pending timer.
	DebounceCollapsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "debounce_collapsed_total", Help: "Trigger events collapsed into an already-pending run."},
		[]string{"tenant"},
	)
	// WebhookDeliveries counts webhook delivery outcomes by event type and status.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the package registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OptimizerRuns)
		Registry.MustRegister(Assignments)
		Registry.MustRegister(AddedDuration)
		Registry.MustRegister(RoutingFallbacks)
		Registry.MustRegister(DebounceCollapsed)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
