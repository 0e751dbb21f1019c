package toolrpc

import "github.com/prometheus/client_golang/prometheus"

var (
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoaid",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls by server and result",
		},
		[]string{"server", "result"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoaid",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server"},
	)
)

func init() {
	prometheus.MustRegister(toolCallsTotal, toolCallDuration)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
