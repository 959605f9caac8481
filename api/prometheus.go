package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "watchtower"

// authMetrics are the Prometheus counters for the auth endpoints. A nil
// *authMetrics records nothing.
type authMetrics struct {
	registry      *prometheus.Registry
	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	statusChecks  *prometheus.CounterVec
	logouts       prometheus.Counter
	registrations prometheus.Counter
}

func newAuthMetrics() *authMetrics {
	reg := prometheus.NewRegistry()
	m := &authMetrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes by result.",
		}, []string{"result"}),
		statusChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "status_checks_total",
			Help:      "Session status checks by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logouts_total",
			Help:      "Completed logouts.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "Accounts created.",
		}),
	}
	reg.MustRegister(
		m.logins, m.refreshes, m.statusChecks, m.logouts, m.registrations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *authMetrics) observeLogin(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}

func (m *authMetrics) observeRefresh(ok bool) {
	if m != nil {
		m.refreshes.WithLabelValues(resultLabel(ok)).Inc()
	}
}

func (m *authMetrics) observeStatus(ok bool) {
	if m != nil {
		m.statusChecks.WithLabelValues(resultLabel(ok)).Inc()
	}
}

func (m *authMetrics) observeLogout() {
	if m != nil {
		m.logouts.Inc()
	}
}

func (m *authMetrics) observeRegistration() {
	if m != nil {
		m.registrations.Inc()
	}
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Metrics handles GET /metrics.
func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
