package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	remoteCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmconductor",
			Name:      "remote_calls_total",
			Help:      "Total number of backend calls by method and result",
		},
		[]string{"method", "result"},
	)

	remoteCallAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bmconductor",
			Name:      "remote_call_attempts",
			Help:      "Number of attempts made per backend call",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 7), // 1 to 64
		},
		[]string{"method"},
	)

	credentialRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmconductor",
			Name:      "credential_refresh_total",
			Help:      "Total number of credential exchanges by result",
		},
		[]string{"result"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		remoteCallsTotal,
		remoteCallAttempts,
		credentialRefreshTotal,
	)
}

// recordRemoteCallMetric records a finished backend call.
func recordRemoteCallMetric(method, result string, attempts int) {
	remoteCallsTotal.WithLabelValues(method, result).Inc()
	remoteCallAttempts.WithLabelValues(method).Observe(float64(attempts))
}

// recordCredentialRefreshMetric records a credential exchange.
func recordCredentialRefreshMetric(result string) {
	credentialRefreshTotal.WithLabelValues(result).Inc()
}
