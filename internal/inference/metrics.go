package inference

import "github.com/prometheus/client_golang/prometheus"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoaid",
			Subsystem: "inference",
			Name:      "generations_total",
			Help:      "Total generations by mode and result",
		},
		[]string{"mode", "result"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoaid",
			Subsystem: "inference",
			Name:      "generation_duration_seconds",
			Help:      "Duration of generations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, generationDuration)
}
