package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/codeloom/loom/internal/analyticsingester/configuration"
	"github.com/codeloom/loom/internal/analyticsingester/model"
	"github.com/codeloom/loom/internal/analyticsingester/recorder"
	"github.com/codeloom/loom/internal/analyticsingester/telemetry"
)

const noMetricsWarning = "No metrics recorded during ingestion window; anomaly detection skipped."

// AnomalyDetectionPipeline compares each agent stage's current-window performance
// and quality scores against the immediately preceding window of equal length and
// records an anomaly for every stage that deviates. A stage is critical when its
// success rate falls below an absolute threshold; it is a warning when latency
// rises, or quality falls, beyond the configured number of standard deviations
// from the baseline mean.
type AnomalyDetectionPipeline struct {
	telemetry  telemetry.Repository
	recorder   recorder.AnomalyRecorder
	thresholds configuration.AnomalyThresholds
}

func NewAnomalyDetectionPipeline(
	repository telemetry.Repository,
	anomalyRecorder recorder.AnomalyRecorder,
	thresholds configuration.AnomalyThresholds,
) (*AnomalyDetectionPipeline, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid anomaly thresholds")
	}
	return &AnomalyDetectionPipeline{
		telemetry:  repository,
		recorder:   anomalyRecorder,
		thresholds: thresholds,
	}, nil
}

type stageBaseline struct {
	latencies []float64
	scores    []float64
}

func (p *AnomalyDetectionPipeline) Run(ctx context.Context, pc *model.PipelineContext) (*model.PipelineRunResult, error) {
	start := time.Now()
	window := pc.Window
	baselineStart := window.Start.Add(-window.Duration())

	currentMetrics, err := p.telemetry.PerformanceMetrics(ctx, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	baselineMetrics, err := p.telemetry.PerformanceMetrics(ctx, baselineStart, window.Start)
	if err != nil {
		return nil, err
	}
	currentScores, err := p.telemetry.QualityScores(ctx, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	baselineScores, err := p.telemetry.QualityScores(ctx, baselineStart, window.Start)
	if err != nil {
		return nil, err
	}
	scanned := len(currentMetrics) + len(baselineMetrics) + len(currentScores) + len(baselineScores)

	if len(currentMetrics) == 0 {
		return &model.PipelineRunResult{
			TelemetryEventsScanned: scanned,
			DurationMs:             time.Since(start).Milliseconds(),
			Warnings:               []string{noMetricsWarning},
		}, nil
	}

	currentByStage := map[string][]model.AgentPerformanceMetric{}
	for _, m := range currentMetrics {
		currentByStage[m.AgentStage] = append(currentByStage[m.AgentStage], m)
	}
	baselines := map[string]*stageBaseline{}
	for _, m := range baselineMetrics {
		baselineFor(baselines, m.AgentStage).latencies = append(baselineFor(baselines, m.AgentStage).latencies, m.AvgLatencyMs)
	}
	for _, s := range baselineScores {
		baselineFor(baselines, s.AgentStage).scores = append(baselineFor(baselines, s.AgentStage).scores, s.Score)
	}
	currentScoresByStage := map[string][]float64{}
	for _, s := range currentScores {
		currentScoresByStage[s.AgentStage] = append(currentScoresByStage[s.AgentStage], s.Score)
	}

	stages := maps.Keys(currentByStage)
	slices.Sort(stages)

	anomalous := make([]string, 0, len(stages))
	for _, stage := range stages {
		entry, found := p.evaluateStage(stage, currentByStage[stage], currentScoresByStage[stage], baselines[stage])
		if !found {
			continue
		}
		if err := p.recorder.RecordAnalyticsAnomaly(ctx, entry); err != nil {
			return nil, errors.WithMessagef(err, "error recording anomaly for stage %s", stage)
		}
		log.WithField("stage", stage).WithField("severity", entry.Severity).Info("Recorded agent stage anomaly")
		anomalous = append(anomalous, stage)
	}

	metadata, err := json.Marshal(map[string]interface{}{"anomalousStages": anomalous})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &model.PipelineRunResult{
		RecordsProcessed:       len(anomalous),
		TelemetryEventsScanned: scanned,
		DurationMs:             time.Since(start).Milliseconds(),
		Metadata:               metadata,
	}, nil
}

// evaluateStage applies the anomaly rules in order of precedence: the absolute
// success-rate threshold first, then latency against the baseline, then quality
// scores against the baseline. At most one anomaly is produced per stage.
func (p *AnomalyDetectionPipeline) evaluateStage(
	stage string,
	current []model.AgentPerformanceMetric,
	currentScores []float64,
	baseline *stageBaseline,
) (model.AnomalyRecord, bool) {
	successRates := make([]float64, len(current))
	latencies := make([]float64, len(current))
	for i, m := range current {
		successRates[i] = m.SuccessRate
		latencies[i] = m.AvgLatencyMs
	}
	successRate := mean(successRates)
	latency := mean(latencies)

	if successRate < p.thresholds.CriticalSuccessRate {
		return model.AnomalyRecord{
			Source:   stage,
			Severity: model.SeverityCritical,
			Description: fmt.Sprintf(
				"Anomaly detected for stage %s: success rate %.2f below critical threshold %.2f",
				stage, successRate, p.thresholds.CriticalSuccessRate),
		}, true
	}

	if baseline != nil && len(baseline.latencies) >= p.thresholds.MinSamples {
		baselineMean := mean(baseline.latencies)
		threshold := baselineMean + p.thresholds.StdDeviations*populationStdDev(baseline.latencies)
		if populationStdDev(baseline.latencies) == 0 {
			threshold = baselineMean * p.thresholds.WarningLatencyFactor
		}
		if latency > threshold {
			return model.AnomalyRecord{
				Source:   stage,
				Severity: model.SeverityWarning,
				Description: fmt.Sprintf(
					"Anomaly detected for stage %s: average latency %.0fms above baseline threshold %.0fms",
					stage, latency, threshold),
			}, true
		}
	}

	if baseline != nil && len(baseline.scores) >= p.thresholds.MinSamples && len(currentScores) > 0 {
		score := mean(currentScores)
		baselineMean := mean(baseline.scores)
		threshold := baselineMean - p.thresholds.StdDeviations*populationStdDev(baseline.scores)
		if populationStdDev(baseline.scores) == 0 {
			threshold = baselineMean / p.thresholds.WarningLatencyFactor
		}
		if score < threshold {
			return model.AnomalyRecord{
				Source:   stage,
				Severity: model.SeverityWarning,
				Description: fmt.Sprintf(
					"Anomaly detected for stage %s: quality score %.2f below baseline threshold %.2f",
					stage, score, threshold),
			}, true
		}
	}

	return model.AnomalyRecord{}, false
}

func baselineFor(baselines map[string]*stageBaseline, stage string) *stageBaseline {
	b, ok := baselines[stage]
	if !ok {
		b = &stageBaseline{}
		baselines[stage] = b
	}
	return b
}
