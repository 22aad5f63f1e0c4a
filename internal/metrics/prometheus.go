package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for orbit metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	invocationsTotal        *prometheus.CounterVec
	retriesTotal            *prometheus.CounterVec
	degradationsTotal       *prometheus.CounterVec
	multicastBranchFailures *prometheus.CounterVec
	authRefreshTotal        *prometheus.CounterVec
	remoteRequestsTotal     *prometheus.CounterVec

	// Histograms
	invocationDuration *prometheus.HistogramVec
	remoteDuration     *prometheus.HistogramVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of genericable invocations",
			},
			[]string{"genericable", "fitable", "status"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried fitable attempts",
			},
			[]string{"genericable", "fitable"},
		),

		degradationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "degradations_total",
				Help:      "Total number of degradation hops",
			},
			[]string{"genericable", "from", "to"},
		),

		multicastBranchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "multicast_branch_failures_total",
				Help:      "Total number of failed multicast branches",
			},
			[]string{"genericable", "level"},
		),

		authRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_refresh_total",
				Help:      "Total number of access token refreshes after a rejected request",
			},
			[]string{"result"},
		),

		remoteRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_requests_total",
				Help:      "Total number of envelopes sent to remote workers",
			},
			[]string{"protocol", "format", "status"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Duration of genericable invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"genericable", "communication"},
		),

		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_request_duration_ms",
				Help:      "Duration of remote requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"protocol"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per worker (0=closed, 1=open, 2=half_open)",
			},
			[]string{"worker"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"worker", "to_state"},
		),
	}

	registry.MustRegister(
		pm.invocationsTotal,
		pm.retriesTotal,
		pm.degradationsTotal,
		pm.multicastBranchFailures,
		pm.authRefreshTotal,
		pm.remoteRequestsTotal,
		pm.invocationDuration,
		pm.remoteDuration,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusInvocation records a finished genericable invocation.
func RecordPrometheusInvocation(genericable, fitable, communication string, durationMs float64, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationsTotal.WithLabelValues(genericable, fitable, status).Inc()
	promMetrics.invocationDuration.WithLabelValues(genericable, communication).Observe(durationMs)
}

// RecordRetry records one retried attempt.
func RecordRetry(genericable, fitable string) {
	if promMetrics == nil {
		return
	}
	promMetrics.retriesTotal.WithLabelValues(genericable, fitable).Inc()
}

// RecordDegradation records one hop to a degradation target.
func RecordDegradation(genericable, from, to string) {
	if promMetrics == nil {
		return
	}
	promMetrics.degradationsTotal.WithLabelValues(genericable, from, to).Inc()
}

// RecordBranchFailure records a failed multicast branch. level is
// "fitable" or "target".
func RecordBranchFailure(genericable, level string) {
	if promMetrics == nil {
		return
	}
	promMetrics.multicastBranchFailures.WithLabelValues(genericable, level).Inc()
}

// RecordAuthRefresh records a token refresh and whether the resent
// request was accepted.
func RecordAuthRefresh(accepted bool) {
	if promMetrics == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	promMetrics.authRefreshTotal.WithLabelValues(result).Inc()
}

// RecordRemoteRequest records one envelope exchange.
func RecordRemoteRequest(protocol, format, status string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.remoteRequestsTotal.WithLabelValues(protocol, format, status).Inc()
	promMetrics.remoteDuration.WithLabelValues(protocol).Observe(durationMs)
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a worker.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(workerID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(workerID).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(workerID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(workerID, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
