package conductor

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var transitionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bmconductor",
		Name:      "transition_total",
		Help:      "Total number of power and provision transitions by axis and result",
	},
	[]string{"axis", "result"},
)

func init() {
	metrics.Registry.MustRegister(transitionTotal)
}

// recordTransitionMetric records the outcome of a transition request or of
// the worker that carried it out.
func recordTransitionMetric(axis, result string) {
	transitionTotal.WithLabelValues(axis, result).Inc()
}
