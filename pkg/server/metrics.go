package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the HTTP API metrics. Socket metrics live in relay.Metrics.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Account metrics
	accountsCreated prometheus.Counter
	loginFailures   prometheus.Counter
	logouts         prometheus.Counter
}

// NewMetrics registers the HTTP metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total number of HTTP API requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP API request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		accountsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_accounts_created_total",
			Help: "Total number of accounts registered",
		}),
		loginFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_login_failures_total",
			Help: "Total number of rejected login attempts",
		}),
		logouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_logouts_total",
			Help: "Total number of logouts",
		}),
	}
}

// instrument wraps an API handler with request counting and latency
func (m *Metrics) instrument(route string, h http.HandlerFunc) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(
		m.requestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), h),
	)
}

func (m *Metrics) RecordAccountCreated() { m.accountsCreated.Inc() }

func (m *Metrics) RecordLoginFailure() { m.loginFailures.Inc() }

func (m *Metrics) RecordLogout() { m.logouts.Inc() }
