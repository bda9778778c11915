package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "enroller",
		Name:      "pool_devices",
		Help:      "Device pool occupancy by status.",
	}, []string{"status"})

	attemptsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "enroller",
		Name:      "attempts_started_total",
		Help:      "Attempts admitted by the scheduler.",
	})

	attemptsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enroller",
		Name:      "attempts_finished_total",
		Help:      "Terminal attempt outcomes.",
	}, []string{"outcome"})

	stageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enroller",
		Name:      "stage_retries_total",
		Help:      "Stage retries by stage name.",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "enroller",
		Name:      "stage_duration_seconds",
		Help:      "Single stage execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
)

// SetPoolOccupancy ...
func SetPoolOccupancy(status string, count int) {
	poolOccupancy.WithLabelValues(status).Set(float64(count))
}

// AttemptStarted ...
func AttemptStarted() {
	attemptsStarted.Inc()
}

// AttemptFinished ...
func AttemptFinished(outcome string) {
	attemptsFinished.WithLabelValues(outcome).Inc()
}

// StageRetried ...
func StageRetried(stage string) {
	stageRetries.WithLabelValues(stage).Inc()
}

// ObserveStage ...
func ObserveStage(stage string, elapsed time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
