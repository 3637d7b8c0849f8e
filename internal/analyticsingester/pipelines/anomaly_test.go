package pipelines

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom/loom/internal/analyticsingester/configuration"
	"github.com/codeloom/loom/internal/analyticsingester/model"
)

var testThresholds = configuration.AnomalyThresholds{
	MinSamples:           1,
	StdDeviations:        2,
	CriticalSuccessRate:  0.6,
	WarningLatencyFactor: 1.5,
}

var (
	windowStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(time.Hour)
)

func testWindow() model.Window {
	return model.Window{Start: windowStart, End: windowEnd}
}

func performanceRow(stage string, successRate, latency float64, at time.Time) model.AgentPerformanceMetric {
	return model.AgentPerformanceMetric{
		AgentStage:   stage,
		SuccessRate:  successRate,
		AvgLatencyMs: latency,
		WindowStart:  at.Add(-time.Minute),
		WindowEnd:    at,
	}
}

func runAnomaly(t *testing.T, repo *fakeTelemetry, rec *fakeAnomalyRecorder) (*model.PipelineRunResult, error) {
	t.Helper()
	pipeline, err := NewAnomalyDetectionPipeline(repo, rec, testThresholds)
	require.NoError(t, err)
	return pipeline.Run(context.Background(), &model.PipelineContext{
		Window:  testWindow(),
		Scratch: map[string]interface{}{},
	})
}

func TestAnomaly_CriticalSuccessRate(t *testing.T) {
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.5, 2500, windowStart.Add(30*time.Minute)),
			performanceRow("stage-1", 0.9, 1200, windowStart.Add(-30*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RecordsProcessed)
	assert.Equal(t, 2, result.TelemetryEventsScanned)
	require.Len(t, rec.recorded, 1)
	assert.Equal(t, "stage-1", rec.recorded[0].Source)
	assert.Equal(t, model.SeverityCritical, rec.recorded[0].Severity)
	assert.Contains(t, rec.recorded[0].Description, "Anomaly detected for stage stage-1")
}

func TestAnomaly_EmptyWindowSkipsDetection(t *testing.T) {
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.9, 1200, windowStart.Add(-30*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 0, result.RecordsProcessed)
	assert.Equal(t, 1, result.TelemetryEventsScanned)
	assert.Equal(t, []string{"No metrics recorded during ingestion window; anomaly detection skipped."}, result.Warnings)
	assert.Empty(t, rec.recorded)
}

func TestAnomaly_LatencyFactorFloorWithSingleBaselineSample(t *testing.T) {
	// A single baseline row has zero stddev, so the warning factor governs:
	// threshold = 1000 * 1.5 = 1500.
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.9, 2000, windowStart.Add(30*time.Minute)),
			performanceRow("stage-1", 0.9, 1000, windowStart.Add(-30*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RecordsProcessed)
	require.Len(t, rec.recorded, 1)
	assert.Equal(t, model.SeverityWarning, rec.recorded[0].Severity)
	assert.Contains(t, rec.recorded[0].Description, "latency")
}

func TestAnomaly_LatencyStdDevThreshold(t *testing.T) {
	// Baseline latencies 1000 and 1200: mean 1100, population stddev 100,
	// threshold 1100 + 2*100 = 1300.
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.9, 1400, windowStart.Add(30*time.Minute)),
			performanceRow("stage-1", 0.9, 1000, windowStart.Add(-40*time.Minute)),
			performanceRow("stage-1", 0.9, 1200, windowStart.Add(-20*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RecordsProcessed)
	require.Len(t, rec.recorded, 1)
	assert.Equal(t, model.SeverityWarning, rec.recorded[0].Severity)
}

func TestAnomaly_LatencyWithinThresholdIsNotAnomalous(t *testing.T) {
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.9, 1250, windowStart.Add(30*time.Minute)),
			performanceRow("stage-1", 0.9, 1000, windowStart.Add(-40*time.Minute)),
			performanceRow("stage-1", 0.9, 1200, windowStart.Add(-20*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 0, result.RecordsProcessed)
	assert.Empty(t, rec.recorded)
}

func TestAnomaly_QualityScoreDrop(t *testing.T) {
	// Latency is healthy; quality drops from a 0.9 baseline (zero stddev, so the
	// factor floor 0.9/1.5 = 0.6 governs) to 0.5.
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.9, 1000, windowStart.Add(30*time.Minute)),
			performanceRow("stage-1", 0.9, 1000, windowStart.Add(-30*time.Minute)),
		},
		scores: []model.QualityScoreObservation{
			{AgentStage: "stage-1", Score: 0.5, OccurredAt: windowStart.Add(30 * time.Minute)},
			{AgentStage: "stage-1", Score: 0.9, OccurredAt: windowStart.Add(-30 * time.Minute)},
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RecordsProcessed)
	assert.Equal(t, 4, result.TelemetryEventsScanned)
	require.Len(t, rec.recorded, 1)
	assert.Equal(t, model.SeverityWarning, rec.recorded[0].Severity)
	assert.Contains(t, rec.recorded[0].Description, "quality score")
}

func TestAnomaly_HealthyStagesRecordNothing(t *testing.T) {
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.95, 1000, windowStart.Add(30*time.Minute)),
			performanceRow("stage-2", 0.85, 900, windowStart.Add(30*time.Minute)),
			performanceRow("stage-1", 0.9, 1000, windowStart.Add(-30*time.Minute)),
			performanceRow("stage-2", 0.9, 900, windowStart.Add(-30*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 0, result.RecordsProcessed)
	assert.Equal(t, 4, result.TelemetryEventsScanned)
	assert.Empty(t, rec.recorded)
}

func TestAnomaly_MultipleStagesRecordedInOrder(t *testing.T) {
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-b", 0.4, 1000, windowStart.Add(30*time.Minute)),
			performanceRow("stage-a", 0.5, 1000, windowStart.Add(30*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{}

	result, err := runAnomaly(t, repo, rec)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RecordsProcessed)
	require.Len(t, rec.recorded, 2)
	assert.Equal(t, "stage-a", rec.recorded[0].Source)
	assert.Equal(t, "stage-b", rec.recorded[1].Source)
}

func TestAnomaly_RecorderErrorFailsRun(t *testing.T) {
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.5, 1000, windowStart.Add(30*time.Minute)),
		},
	}
	rec := &fakeAnomalyRecorder{err: errRecorder}

	_, err := runAnomaly(t, repo, rec)
	assert.Error(t, err)
}

func TestAnomaly_Idempotent(t *testing.T) {
	repo := &fakeTelemetry{
		metrics: []model.AgentPerformanceMetric{
			performanceRow("stage-1", 0.5, 2500, windowStart.Add(30*time.Minute)),
			performanceRow("stage-1", 0.9, 1200, windowStart.Add(-30*time.Minute)),
		},
	}

	first, err := runAnomaly(t, repo, &fakeAnomalyRecorder{})
	require.NoError(t, err)
	second, err := runAnomaly(t, repo, &fakeAnomalyRecorder{})
	require.NoError(t, err)

	assert.Equal(t, first.RecordsProcessed, second.RecordsProcessed)
	assert.Equal(t, first.TelemetryEventsScanned, second.TelemetryEventsScanned)
	assert.Equal(t, first.Warnings, second.Warnings)
	assert.Equal(t, first.Metadata, second.Metadata)
}

func TestAnomaly_RejectsInvalidThresholds(t *testing.T) {
	_, err := NewAnomalyDetectionPipeline(&fakeTelemetry{}, &fakeAnomalyRecorder{}, configuration.AnomalyThresholds{})
	assert.Error(t, err)
}
