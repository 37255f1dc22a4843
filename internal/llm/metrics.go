package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examforge",
		Subsystem: "llm",
		Name:      "requests_total",
		Help:      "Chat completion requests by purpose and result.",
	}, []string{"purpose", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "examforge",
		Subsystem: "llm",
		Name:      "request_duration_seconds",
		Help:      "Duration of chat completion requests.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"purpose"})

	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examforge",
		Subsystem: "llm",
		Name:      "repairs_total",
		Help:      "JSON recoveries by the repair strategy that succeeded, or exhausted.",
	}, []string{"strategy"})
)
