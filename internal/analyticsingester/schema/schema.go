package schema

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Tables owned by the analytics ingester. Raw telemetry tables are written by
// the collectors and only read here, so they are not created by this migration.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS analytics_ingestion_state (
		pipeline          text PRIMARY KEY,
		last_processed_at timestamptz NOT NULL,
		metadata          jsonb,
		updated_at        timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analytics_anomalies (
		id          bigserial PRIMARY KEY,
		source      text NOT NULL,
		severity    text NOT NULL,
		description text NOT NULL,
		detected_at timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS repository_analytics (
		id              bigserial PRIMARY KEY,
		repository      text NOT NULL,
		branch          text NOT NULL,
		commit_velocity double precision NOT NULL,
		coverage_drift  double precision NOT NULL,
		computed_at     timestamptz NOT NULL
	)`,
}

// Migrate creates the ingester-owned tables if they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, statement := range ddl {
		if _, err := db.Exec(ctx, statement); err != nil {
			return errors.Wrap(err, "error applying analytics schema")
		}
	}
	log.Info("Analytics schema up to date")
	return nil
}
