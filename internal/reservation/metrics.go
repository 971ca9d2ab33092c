package reservation

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var reservationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bmconductor",
		Name:      "reservation_total",
		Help:      "Total number of reservation operations by operation and result",
	},
	[]string{"operation", "result"},
)

func init() {
	metrics.Registry.MustRegister(reservationTotal)
}

// recordReservationMetric records a reserve or release outcome.
func recordReservationMetric(operation, result string) {
	reservationTotal.WithLabelValues(operation, result).Inc()
}
