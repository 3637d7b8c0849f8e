package pipelines

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/codeloom/loom/internal/analyticsingester/model"
)

// fakeTelemetry serves rows from memory with the same half-open window
// semantics as the postgres repository.
type fakeTelemetry struct {
	metrics []model.AgentPerformanceMetric
	scores  []model.QualityScoreObservation
	events  []model.TelemetryEvent
}

func (f *fakeTelemetry) PerformanceMetrics(_ context.Context, start, end time.Time) ([]model.AgentPerformanceMetric, error) {
	var result []model.AgentPerformanceMetric
	for _, m := range f.metrics {
		if inWindow(m.WindowEnd, start, end) {
			result = append(result, m)
		}
	}
	return result, nil
}

func (f *fakeTelemetry) QualityScores(_ context.Context, start, end time.Time) ([]model.QualityScoreObservation, error) {
	var result []model.QualityScoreObservation
	for _, s := range f.scores {
		if inWindow(s.OccurredAt, start, end) {
			result = append(result, s)
		}
	}
	return result, nil
}

func (f *fakeTelemetry) Events(_ context.Context, eventTypes []string, start, end time.Time) ([]model.TelemetryEvent, error) {
	types := map[string]bool{}
	for _, t := range eventTypes {
		types[t] = true
	}
	var result []model.TelemetryEvent
	for _, e := range f.events {
		if types[e.EventType] && inWindow(e.OccurredAt, start, end) {
			result = append(result, e)
		}
	}
	return result, nil
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

type fakeAnomalyRecorder struct {
	recorded []model.AnomalyRecord
	err      error
}

func (f *fakeAnomalyRecorder) RecordAnalyticsAnomaly(_ context.Context, entry model.AnomalyRecord) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, entry)
	return nil
}

type fakeRepositoryRecorder struct {
	recorded []model.RepositoryAnalyticsRecord
	err      error
}

func (f *fakeRepositoryRecorder) RecordRepositoryAnalytics(_ context.Context, entry model.RepositoryAnalyticsRecord) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, entry)
	return nil
}

var errRecorder = errors.New("recorder unavailable")
