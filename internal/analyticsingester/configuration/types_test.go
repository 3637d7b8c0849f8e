package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() AnalyticsIngesterConfiguration {
	return AnalyticsIngesterConfiguration{
		LockTTL: 5 * time.Minute,
		Pipelines: map[string]PipelineScheduleConfig{
			"agent-anomaly-detection": {Interval: 15 * time.Minute},
			"repository-analytics":    {Expression: "*/30 * * * *"},
		},
		Anomalies: AnomalyThresholds{
			MinSamples:           1,
			StdDeviations:        2,
			CriticalSuccessRate:  0.6,
			WarningLatencyFactor: 1.5,
		},
	}
}

func TestValidate_AcceptsValidConfig(t *testing.T) {
	config := validConfig()
	assert.NoError(t, config.Validate())
}

func TestValidate_RejectsMissingLockTTL(t *testing.T) {
	config := validConfig()
	config.LockTTL = 0
	assert.Error(t, config.Validate())
}

func TestValidate_RejectsEmptyPipelines(t *testing.T) {
	config := validConfig()
	config.Pipelines = nil
	assert.Error(t, config.Validate())
}

func TestValidate_RejectsScheduleWithoutIntervalOrExpression(t *testing.T) {
	config := validConfig()
	config.Pipelines["agent-anomaly-detection"] = PipelineScheduleConfig{}
	assert.Error(t, config.Validate())
}

func TestValidate_RejectsUnknownTimezone(t *testing.T) {
	config := validConfig()
	config.Pipelines["repository-analytics"] = PipelineScheduleConfig{
		Expression: "*/30 * * * *",
		Timezone:   "Mars/Olympus",
	}
	assert.Error(t, config.Validate())
}

func TestValidate_RejectsMissingAnomalyThresholds(t *testing.T) {
	for _, mutate := range []func(*AnomalyThresholds){
		func(a *AnomalyThresholds) { a.MinSamples = 0 },
		func(a *AnomalyThresholds) { a.StdDeviations = 0 },
		func(a *AnomalyThresholds) { a.CriticalSuccessRate = 0 },
		func(a *AnomalyThresholds) { a.CriticalSuccessRate = 1.5 },
		func(a *AnomalyThresholds) { a.WarningLatencyFactor = 1 },
	} {
		config := validConfig()
		mutate(&config.Anomalies)
		assert.Error(t, config.Validate())
	}
}
