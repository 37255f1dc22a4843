package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pavelanni/examforge/internal/outcome"
)

var (
	stageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examforge",
		Name:      "stage_outcomes_total",
		Help:      "Pipeline stage executions by stage and outcome status.",
	}, []string{"stage", "status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "examforge",
		Subsystem: "stage",
		Name:      "duration_seconds",
		Help:      "Duration of pipeline stage executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})
)

func observe(stage Stage, status outcome.Status, elapsed time.Duration) {
	stageOutcomes.WithLabelValues(string(stage), string(status)).Inc()
	stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}
