package recorder

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/codeloom/loom/internal/analyticsingester/model"
)

// AnomalyRecorder receives one entry per anomalous stage detected in a window.
type AnomalyRecorder interface {
	RecordAnalyticsAnomaly(ctx context.Context, entry model.AnomalyRecord) error
}

// RepositoryAnalyticsRecorder receives one entry per repository/branch group per window.
type RepositoryAnalyticsRecorder interface {
	RecordRepositoryAnalytics(ctx context.Context, entry model.RepositoryAnalyticsRecord) error
}

var dialect = goqu.Dialect("postgres")

// PostgresRecorder writes derived analytics records to postgres. Writes are
// fire-and-forget from the pipelines' point of view: nothing downstream of the
// insert is awaited.
type PostgresRecorder struct {
	db *pgxpool.Pool
}

func NewPostgresRecorder(db *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) RecordAnalyticsAnomaly(ctx context.Context, entry model.AnomalyRecord) error {
	query, args, err := dialect.
		Insert("analytics_anomalies").
		Cols("source", "severity", "description", "detected_at").
		Vals(goqu.Vals{entry.Source, entry.Severity, entry.Description, goqu.L("now()")}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "error recording anomaly for source %s", entry.Source)
	}
	return nil
}

func (r *PostgresRecorder) RecordRepositoryAnalytics(ctx context.Context, entry model.RepositoryAnalyticsRecord) error {
	query, args, err := dialect.
		Insert("repository_analytics").
		Cols("repository", "branch", "commit_velocity", "coverage_drift", "computed_at").
		Vals(goqu.Vals{entry.Repository, entry.Branch, entry.CommitVelocity, entry.CoverageDrift, goqu.L("now()")}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "error recording repository analytics for %s/%s", entry.Repository, entry.Branch)
	}
	return nil
}
