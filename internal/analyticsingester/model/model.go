package model

import (
	"context"
	"time"
)

// PipelineDefinition describes one analytics pipeline: what it is called, how often it
// runs and the function that processes a single ingestion window. Definitions are
// constructed once at startup by the registry and never mutated afterwards.
type PipelineDefinition struct {
	Name        string
	Description string
	// Interval between runs. Ignored when CronExpression is set.
	Interval time.Duration
	// CronExpression is an optional standard 5-field cron schedule.
	CronExpression string
	// Location in which CronExpression is evaluated. Nil means UTC.
	Location *time.Location
	Run      func(ctx context.Context, pc *PipelineContext) (*PipelineRunResult, error)
}

// IngestionState is the persisted cursor for a pipeline. LastProcessedAt is
// monotonically non-decreasing across successful runs.
type IngestionState struct {
	Pipeline        string
	LastProcessedAt time.Time
	// Metadata is opaque JSON produced by the pipeline's last run, nil if none.
	Metadata  []byte
	UpdatedAt time.Time
}

// Window is the half-open time range [Start, End) a single pipeline run is
// responsible for. State is the ingestion state as loaded at tick time.
type Window struct {
	Start time.Time
	End   time.Time
	State *IngestionState
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Lock is a TTL-bounded mutual exclusion token held in the shared cache. Only the
// holder of the matching Token may release Key.
type Lock struct {
	Key   string
	Token string
}

// PipelineContext carries everything a pipeline run needs. Scratch is shared
// per-run working storage for anything a pipeline wants to hand to its metadata.
type PipelineContext struct {
	Window  Window
	Scratch map[string]interface{}
}

// PipelineRunResult summarises a single completed pipeline run. Results are
// produced fresh by every run and never mutated afterwards.
type PipelineRunResult struct {
	RecordsProcessed       int
	DurationMs             int64
	TelemetryEventsScanned int
	Warnings               []string
	Metadata               []byte
	// NextCursor, when set, overrides the window end as the next cursor position.
	NextCursor *time.Time
}

// RunObservation is the metrics payload emitted once per completed run.
type RunObservation struct {
	Pipeline               string
	WindowsProcessed       int
	RecordsProcessed       int
	TelemetryEventsScanned int
	DurationMs             int64
}

// Severity levels for recorded anomalies.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AnomalyRecord is handed to the alerting collaborator when a stage deviates
// from its baseline.
type AnomalyRecord struct {
	Source      string
	Severity    string
	Description string
}

// RepositoryAnalyticsRecord is the derived per-repository health metric.
type RepositoryAnalyticsRecord struct {
	Repository     string
	Branch         string
	CommitVelocity float64
	CoverageDrift  float64
}

// AgentPerformanceMetric is a read-only telemetry input row.
type AgentPerformanceMetric struct {
	AgentStage       string
	SuccessRate      float64
	FallbackRate     float64
	HumanHandOffRate float64
	AvgLatencyMs     float64
	TasksProcessed   int
	WindowStart      time.Time
	WindowEnd        time.Time
}

// QualityScoreObservation is a read-only telemetry input row.
type QualityScoreObservation struct {
	AgentStage string
	Score      float64
	OccurredAt time.Time
}

// TelemetryEvent is a read-only telemetry input row with a JSON payload.
type TelemetryEvent struct {
	EventType  string
	Payload    []byte
	OccurredAt time.Time
}
