package configuration

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

type AnalyticsIngesterConfiguration struct {
	// Database configuration
	Postgres PostgresConfig
	// Shared cache holding the cross-instance pipeline locks
	Redis redis.UniversalOptions
	// Metrics configuration
	Metrics MetricsConfig
	// Time after which an unreleased pipeline lock expires on its own
	LockTTL time.Duration
	// Per-pipeline schedules keyed by pipeline name
	Pipelines map[string]PipelineScheduleConfig
	// Thresholds for the anomaly detection pipeline
	Anomalies AnomalyThresholds
}

type PostgresConfig struct {
	MaxOpenPoolSize int
	Connection      map[string]string
}

type MetricsConfig struct {
	Port uint16
}

type PipelineScheduleConfig struct {
	// Interval between runs. Ignored when Expression is set.
	Interval time.Duration
	// Expression is an optional standard 5-field cron schedule.
	Expression string
	// Timezone in which Expression is evaluated, e.g. "UTC". Defaults to UTC.
	Timezone string
}

type AnomalyThresholds struct {
	// Minimum number of baseline samples required before statistical comparison is applied
	MinSamples int
	// Number of standard deviations above the baseline mean that marks a latency anomaly
	StdDeviations float64
	// Success rate below which a stage is flagged critical regardless of baseline
	CriticalSuccessRate float64
	// Multiplier on the baseline mean used as a floor when the baseline stddev degenerates to zero
	WarningLatencyFactor float64
}

// Validate checks the configuration surface the ingester cannot run without.
// It is called once at startup, before any scheduler is created.
func (c *AnalyticsIngesterConfiguration) Validate() error {
	if c.LockTTL <= 0 {
		return errors.New("lockTTL must be positive")
	}
	if len(c.Pipelines) == 0 {
		return errors.New("at least one pipeline schedule must be configured")
	}
	for name, schedule := range c.Pipelines {
		if schedule.Expression == "" && schedule.Interval <= 0 {
			return errors.Errorf("pipeline %s: either expression or a positive interval is required", name)
		}
		if schedule.Timezone != "" {
			if _, err := time.LoadLocation(schedule.Timezone); err != nil {
				return errors.Wrapf(err, "pipeline %s: invalid timezone %s", name, schedule.Timezone)
			}
		}
	}
	return c.Anomalies.Validate()
}

func (t *AnomalyThresholds) Validate() error {
	if t.MinSamples <= 0 {
		return errors.New("anomalies.minSamples must be positive")
	}
	if t.StdDeviations <= 0 {
		return errors.New("anomalies.stdDeviations must be positive")
	}
	if t.CriticalSuccessRate <= 0 || t.CriticalSuccessRate > 1 {
		return errors.New("anomalies.criticalSuccessRate must be in (0, 1]")
	}
	if t.WarningLatencyFactor <= 1 {
		return errors.New("anomalies.warningLatencyFactor must be greater than 1")
	}
	return nil
}
