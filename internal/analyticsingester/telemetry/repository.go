package telemetry

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/codeloom/loom/internal/analyticsingester/model"
)

// Repository provides read-only, window-filtered access to raw telemetry rows.
// All windows are half-open: [start, end).
type Repository interface {
	PerformanceMetrics(ctx context.Context, start, end time.Time) ([]model.AgentPerformanceMetric, error)
	QualityScores(ctx context.Context, start, end time.Time) ([]model.QualityScoreObservation, error)
	Events(ctx context.Context, eventTypes []string, start, end time.Time) ([]model.TelemetryEvent, error)
}

var dialect = goqu.Dialect("postgres")

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) PerformanceMetrics(ctx context.Context, start, end time.Time) ([]model.AgentPerformanceMetric, error) {
	query, args, err := dialect.
		From("agent_performance_metrics").
		Select("agent_stage", "success_rate", "fallback_rate", "human_hand_off_rate",
			"avg_latency_ms", "tasks_processed", "window_start", "window_end").
		Where(goqu.C("window_end").Gte(start), goqu.C("window_end").Lt(end)).
		Order(goqu.C("window_end").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error querying agent performance metrics")
	}
	defer rows.Close()

	var metrics []model.AgentPerformanceMetric
	for rows.Next() {
		var m model.AgentPerformanceMetric
		if err := rows.Scan(&m.AgentStage, &m.SuccessRate, &m.FallbackRate, &m.HumanHandOffRate,
			&m.AvgLatencyMs, &m.TasksProcessed, &m.WindowStart, &m.WindowEnd); err != nil {
			return nil, errors.WithStack(err)
		}
		metrics = append(metrics, m)
	}
	return metrics, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) QualityScores(ctx context.Context, start, end time.Time) ([]model.QualityScoreObservation, error) {
	query, args, err := dialect.
		From("quality_score_observations").
		Select("agent_stage", "score", "occurred_at").
		Where(goqu.C("occurred_at").Gte(start), goqu.C("occurred_at").Lt(end)).
		Order(goqu.C("occurred_at").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error querying quality score observations")
	}
	defer rows.Close()

	var observations []model.QualityScoreObservation
	for rows.Next() {
		var o model.QualityScoreObservation
		if err := rows.Scan(&o.AgentStage, &o.Score, &o.OccurredAt); err != nil {
			return nil, errors.WithStack(err)
		}
		observations = append(observations, o)
	}
	return observations, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) Events(ctx context.Context, eventTypes []string, start, end time.Time) ([]model.TelemetryEvent, error) {
	query, args, err := dialect.
		From("telemetry_events").
		Select("event_type", "payload", "occurred_at").
		Where(
			goqu.C("event_type").In(eventTypes),
			goqu.C("occurred_at").Gte(start),
			goqu.C("occurred_at").Lt(end)).
		Order(goqu.C("occurred_at").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error querying telemetry events")
	}
	defer rows.Close()

	var events []model.TelemetryEvent
	for rows.Next() {
		var e model.TelemetryEvent
		if err := rows.Scan(&e.EventType, &e.Payload, &e.OccurredAt); err != nil {
			return nil, errors.WithStack(err)
		}
		events = append(events, e)
	}
	return events, errors.WithStack(rows.Err())
}
