package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "stage_duration_seconds",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Duration of stage executions inside the sandbox.",
		Buckets:   []float64{.01, .05, .1, .2, .5, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048},
	}, []string{"stage", "status"})
)

var (
	RunningStages = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "running_stages",
		Namespace: namespace,
		Subsystem: subsystem,
		Help:      "Stages currently executing in a sandbox.",
	})
)

func StartStageMetrics() {
	RunningStages.Inc()
}

// FinishStageMetrics records a finished execution. status is the final
// sandbox state: succeeded, failed or timed-out.
func FinishStageMetrics(stage, status string, started time.Time) {
	RunningStages.Dec()
	StageDuration.WithLabelValues(stage, status).Observe(time.Since(started).Seconds())
}
