package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService owns the Prometheus registry and the identity-specific
// collectors. A nil *MetricsService is a no-op so tests can skip metrics
// wiring entirely.
type MetricsService struct {
	registry *prometheus.Registry

	httpDuration  *prometheus.HistogramVec
	httpTotal     *prometheus.CounterVec
	loginAttempts *prometheus.CounterVec
	revocations   prometheus.Counter
}

// NewMetricsService constructs the registry with collectors registered.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &MetricsService{
		registry: registry,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "identity_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_http_requests_total",
			Help: "Total HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_login_attempts_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_token_revocations_total",
			Help: "Access tokens added to the denylist.",
		}),
	}

	registry.MustRegister(s.httpDuration, s.httpTotal, s.loginAttempts, s.revocations)
	return s
}

// Handler exposes the registry for the /metrics endpoint.
func (s *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RegisterDenylistGauge exports the denylist size through a gauge func.
func (s *MetricsService) RegisterDenylistGauge(size func() int) {
	if s == nil || size == nil {
		return
	}
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "identity_denylist_entries",
		Help: "Access tokens currently held in the revocation denylist.",
	}, func() float64 { return float64(size()) }))
}

// ObserveHTTPRequest records one served request.
func (s *MetricsService) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if s == nil {
		return
	}
	code := strconv.Itoa(status)
	s.httpDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
	s.httpTotal.WithLabelValues(method, route, code).Inc()
}

// IncLogin records a login attempt outcome.
func (s *MetricsService) IncLogin(success bool) {
	if s == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	s.loginAttempts.WithLabelValues(result).Inc()
}

// IncTokenRevoked records one denylisted access token.
func (s *MetricsService) IncTokenRevoked() {
	if s == nil {
		return
	}
	s.revocations.Inc()
}
