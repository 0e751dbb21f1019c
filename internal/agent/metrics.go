package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoaid",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Total agent runs by terminal status",
		},
		[]string{"status"},
	)

	iterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "memoaid",
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Model iterations per run",
			Buckets:   prometheus.LinearBuckets(1, 1, 11),
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, iterations)
}
