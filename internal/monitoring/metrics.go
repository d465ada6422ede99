package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	registry *prometheus.Registry

	ConnectAttempts *prometheus.CounterVec
	Upserts         *prometheus.CounterVec
	ListingsTagged  prometheus.Counter
	Sessions        *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_db_connect_attempts_total",
			Help: "Database connect attempts by result.",
		}, []string{"result"}), // success, failure
		Upserts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_upserts_total",
			Help: "Listing upserts by outcome.",
		}, []string{"outcome"}),
		ListingsTagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "listings_tagged_total",
			Help: "Listings classified by the tagging run.",
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_scrape_sessions_total",
			Help: "Scrape sessions by lifecycle status (started, completed, aborted).",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncUpsert(outcome string) {
	if m == nil {
		return
	}
	m.Upserts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddTagged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ListingsTagged.Add(float64(n))
}

func (m *Metrics) IncSession(status string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncHTTPRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
}
