package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codeloom/loom/internal/analyticsingester/model"
)

const MetricsPrefix = "loom_analytics_ingester_"

var runsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "runs_total",
		Help: "Number of completed pipeline runs",
	},
	[]string{"pipeline"},
)

var runFailuresCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "run_failures_total",
		Help: "Number of failed pipeline runs",
	},
	[]string{"pipeline"},
)

var lockSkipsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "lock_skips_total",
		Help: "Number of ticks skipped because another instance held the pipeline lock",
	},
	[]string{"pipeline"},
)

var recordsProcessedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_processed_total",
		Help: "Number of derived analytics records produced",
	},
	[]string{"pipeline"},
)

var telemetryEventsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "telemetry_events_scanned_total",
		Help: "Number of raw telemetry rows scanned",
	},
	[]string{"pipeline"},
)

var runDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricsPrefix + "run_duration_seconds",
		Help:    "Pipeline run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	},
	[]string{"pipeline"},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

// RecordRun emits the per-run observation for a successfully completed run.
func (m *Metrics) RecordRun(observation model.RunObservation) {
	runsCounter.WithLabelValues(observation.Pipeline).Add(float64(observation.WindowsProcessed))
	recordsProcessedCounter.WithLabelValues(observation.Pipeline).Add(float64(observation.RecordsProcessed))
	telemetryEventsCounter.WithLabelValues(observation.Pipeline).Add(float64(observation.TelemetryEventsScanned))
	runDurationHist.WithLabelValues(observation.Pipeline).Observe(float64(observation.DurationMs) / 1000)
}

func (m *Metrics) RecordRunFailure(pipeline string) {
	runFailuresCounter.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) RecordLockSkip(pipeline string) {
	lockSkipsCounter.WithLabelValues(pipeline).Inc()
}
