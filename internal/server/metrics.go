package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dgellow/fin-auth/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the backend's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	logins   *prometheus.CounterVec
	handoffs *prometheus.CounterVec
	refresh  *prometheus.CounterVec
	purged   *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors, plus the Go and process
// collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fin_auth",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fin_auth",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fin_auth",
			Name:      "logins_total",
			Help:      "Provider callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fin_auth",
			Name:      "popup_handoffs_total",
			Help:      "Popup grant redemptions by outcome.",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fin_auth",
			Name:      "token_refreshes_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fin_auth",
			Name:      "expired_records_purged_total",
			Help:      "Expired records removed by the cleanup loop, by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.requests, m.duration, m.logins, m.handoffs, m.refresh, m.purged,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) login(provider, outcome string) {
	m.logins.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) handoff(outcome string) {
	m.handoffs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) refreshed(outcome string) {
	m.refresh.WithLabelValues(outcome).Inc()
}

// RecordPurge counts one cleanup pass. It fits storage.CleanupManager.OnPurge.
func (m *Metrics) RecordPurge(p storage.Purged) {
	m.purged.WithLabelValues("refresh_session").Add(float64(p.RefreshSessions))
	m.purged.WithLabelValues("popup_grant").Add(float64(p.PopupGrants))
}

// NewMetricsMiddleware records request counts and latency. The route label
// is the matched ServeMux pattern, so it must wrap the mux.
func NewMetricsMiddleware(m *Metrics) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.requests.WithLabelValues(route, r.Method, strconv.Itoa(wrapped.Status())).Inc()
			m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}
