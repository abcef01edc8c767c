package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/hd-request-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the workflow engine.
type MetricsService struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	transitionTotal    *prometheus.CounterVec
	transitionFailures *prometheus.CounterVec
	sweepDuration      prometheus.Observer
	expiredGrants      prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_transitions_total",
		Help: "Successful workflow transitions by action and resulting status",
	}, []string{"action", "to_status"})

	transitionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_transition_failures_total",
		Help: "Rejected workflow transitions by error code",
	}, []string{"code"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "workflow_sweep_duration_seconds",
		Help:    "Duration of expired grant sweeps",
		Buckets: prometheus.DefBuckets,
	})

	expiredGrants := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workflow_expired_grants_total",
		Help: "Access grants referred back by the expiry sweep",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitionTotal, transitionFailures, sweepDuration, expiredGrants, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		transitionTotal:    transitionTotal,
		transitionFailures: transitionFailures,
		sweepDuration:      sweepDuration,
		expiredGrants:      expiredGrants,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveTransition counts one committed workflow step.
func (m *MetricsService) ObserveTransition(action models.RequestAction, to models.RequestStatus) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(string(action), string(to)).Inc()
}

// ObserveTransitionFailure counts one rejected workflow step.
func (m *MetricsService) ObserveTransitionFailure(code string) {
	if m == nil {
		return
	}
	m.transitionFailures.WithLabelValues(code).Inc()
}

// ObserveSweep records one expiry scan cycle.
func (m *MetricsService) ObserveSweep(duration time.Duration, expired int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
	if expired > 0 {
		m.expiredGrants.Add(float64(expired))
	}
}
