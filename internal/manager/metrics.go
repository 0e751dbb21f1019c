package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoaid",
			Subsystem: "model",
			Name:      "loads_total",
			Help:      "Total model load attempts by result",
		},
		[]string{"result"},
	)

	modelLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "memoaid",
			Subsystem: "model",
			Name:      "load_duration_seconds",
			Help:      "Duration of model loads in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	modelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memoaid",
			Subsystem: "model",
			Name:      "loaded",
			Help:      "1 when a model is loaded, 0 otherwise",
		},
	)
)

func init() {
	prometheus.MustRegister(modelLoadsTotal, modelLoadDuration, modelLoaded)
}
