package pipelines

import (
	"time"

	"github.com/pkg/errors"

	"github.com/codeloom/loom/internal/analyticsingester/configuration"
	"github.com/codeloom/loom/internal/analyticsingester/model"
	"github.com/codeloom/loom/internal/analyticsingester/recorder"
	"github.com/codeloom/loom/internal/analyticsingester/telemetry"
)

const (
	AnomalyDetectionPipelineName    = "agent-anomaly-detection"
	RepositoryAnalyticsPipelineName = "repository-analytics"

	defaultInterval = 15 * time.Minute
)

// Dependencies is the explicit context handed to every pipeline at construction.
type Dependencies struct {
	Telemetry           telemetry.Repository
	Anomalies           recorder.AnomalyRecorder
	RepositoryAnalytics recorder.RepositoryAnalyticsRecorder
	Config              *configuration.AnalyticsIngesterConfiguration
}

// Registry returns the static, ordered list of pipeline definitions. Adding a
// pipeline means adding an entry here and implementing its Run function.
func Registry(deps Dependencies) ([]*model.PipelineDefinition, error) {
	anomaly, err := NewAnomalyDetectionPipeline(deps.Telemetry, deps.Anomalies, deps.Config.Anomalies)
	if err != nil {
		return nil, err
	}
	repository := NewRepositoryAnalyticsPipeline(deps.Telemetry, deps.RepositoryAnalytics)

	anomalySchedule := scheduleFor(deps.Config, AnomalyDetectionPipelineName)
	repositorySchedule := scheduleFor(deps.Config, RepositoryAnalyticsPipelineName)
	anomalyLocation, err := locationFor(AnomalyDetectionPipelineName, anomalySchedule)
	if err != nil {
		return nil, err
	}
	repositoryLocation, err := locationFor(RepositoryAnalyticsPipelineName, repositorySchedule)
	if err != nil {
		return nil, err
	}

	return []*model.PipelineDefinition{
		{
			Name:           AnomalyDetectionPipelineName,
			Description:    "Detects per-stage performance and quality anomalies against the preceding window",
			Interval:       anomalySchedule.Interval,
			CronExpression: anomalySchedule.Expression,
			Location:       anomalyLocation,
			Run:            anomaly.Run,
		},
		{
			Name:           RepositoryAnalyticsPipelineName,
			Description:    "Derives commit velocity and coverage drift per repository and branch",
			Interval:       repositorySchedule.Interval,
			CronExpression: repositorySchedule.Expression,
			Location:       repositoryLocation,
			Run:            repository.Run,
		},
	}, nil
}

func locationFor(name string, schedule configuration.PipelineScheduleConfig) (*time.Location, error) {
	if schedule.Timezone == "" {
		return time.UTC, nil
	}
	location, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s: invalid timezone %s", name, schedule.Timezone)
	}
	return location, nil
}

func scheduleFor(config *configuration.AnalyticsIngesterConfiguration, name string) configuration.PipelineScheduleConfig {
	if schedule, ok := config.Pipelines[name]; ok {
		return schedule
	}
	return configuration.PipelineScheduleConfig{Interval: defaultInterval}
}
