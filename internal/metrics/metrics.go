// Package metrics exposes the orchestrator's runtime gauges and counters as
// Prometheus collectors: context-pool occupancy, session/tab counts,
// download registry size, rate-limit rejections, and per-route request
// counts. Grounded on the business-metrics registry pattern used elsewhere
// in the pack (a private prometheus.Registry owned by one struct, built
// once at startup and scraped via promhttp), adapted from app-engagement
// counters to the orchestrator's own components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every collector the orchestrator reports and the private
// prometheus.Registry they're registered against.
type Registry struct {
	registry *prometheus.Registry

	poolSize     prometheus.Gauge
	poolCapacity prometheus.Gauge
	poolInUse    prometheus.Gauge

	sessionsActive prometheus.Gauge
	tabsOpen       prometheus.Gauge

	downloadsTracked *prometheus.GaugeVec
	rateLimitDenied  *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	healthUnhealthyUsers prometheus.Gauge
}

// New creates a Registry and registers every collector.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserplane_context_pool_size",
		Help: "Number of persistent browser contexts currently held by the pool.",
	})
	r.poolCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserplane_context_pool_capacity",
		Help: "Configured maximum size of the context pool.",
	})
	r.poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserplane_context_pool_in_use",
		Help: "Number of context pool entries with a nonzero reference count.",
	})
	r.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserplane_sessions_active",
		Help: "Number of open sessions across all users.",
	})
	r.tabsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserplane_tabs_open",
		Help: "Number of open tabs across all sessions.",
	})
	r.downloadsTracked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "browserplane_downloads_tracked",
		Help: "Number of downloads tracked by the registry, by status.",
	}, []string{"status"})
	r.rateLimitDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "browserplane_rate_limit_denied_total",
		Help: "Total requests denied by the evaluate-extended rate limiter.",
	}, []string{"route"})
	r.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "browserplane_http_requests_total",
		Help: "Total HTTP requests by route and status class.",
	}, []string{"route", "status"})
	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "browserplane_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	r.healthUnhealthyUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserplane_health_unhealthy_users",
		Help: "Number of users currently flagged unhealthy by the health tracker.",
	})

	reg.MustRegister(
		r.poolSize, r.poolCapacity, r.poolInUse,
		r.sessionsActive, r.tabsOpen,
		r.downloadsTracked, r.rateLimitDenied,
		r.requestsTotal, r.requestDuration,
		r.healthUnhealthyUsers,
	)
	return r
}

// Handler returns the promhttp handler scraping this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SetPoolStats records a ContextPool.Stats snapshot.
func (r *Registry) SetPoolStats(size, capacity, inUse int) {
	r.poolSize.Set(float64(size))
	r.poolCapacity.Set(float64(capacity))
	r.poolInUse.Set(float64(inUse))
}

// SetSessionStats records session/tab counts.
func (r *Registry) SetSessionStats(sessions, tabs int) {
	r.sessionsActive.Set(float64(sessions))
	r.tabsOpen.Set(float64(tabs))
}

// SetDownloadsTracked records the count of tracked downloads in one status.
func (r *Registry) SetDownloadsTracked(status string, count int) {
	r.downloadsTracked.WithLabelValues(status).Set(float64(count))
}

// IncRateLimitDenied records one evaluate-extended rejection for route.
func (r *Registry) IncRateLimitDenied(route string) {
	r.rateLimitDenied.WithLabelValues(route).Inc()
}

// SetUnhealthyUsers records the number of users currently unhealthy.
func (r *Registry) SetUnhealthyUsers(n int) {
	r.healthUnhealthyUsers.Set(float64(n))
}

// ObserveRequest records one completed HTTP request's outcome and latency.
func (r *Registry) ObserveRequest(route, statusClass string, seconds float64) {
	r.requestsTotal.WithLabelValues(route, statusClass).Inc()
	r.requestDuration.WithLabelValues(route).Observe(seconds)
}
