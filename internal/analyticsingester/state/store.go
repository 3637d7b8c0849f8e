package state

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/codeloom/loom/internal/analyticsingester/model"
)

// Store persists the per-pipeline ingestion cursor.
type Store interface {
	// Get returns the state for a pipeline, or (nil, nil) if none has been persisted yet.
	Get(ctx context.Context, pipeline string) (*model.IngestionState, error)
	// Upsert creates or updates the state row for a pipeline.
	Upsert(ctx context.Context, pipeline string, lastProcessedAt time.Time, metadata []byte) error
}

// PostgresStore keeps ingestion state in the analytics_ingestion_state table.
type PostgresStore struct {
	db *pgxpool.Pool
}

const getStateSQL = "SELECT pipeline, last_processed_at, metadata, updated_at FROM analytics_ingestion_state WHERE pipeline = $1"

// GREATEST keeps last_processed_at monotonically non-decreasing even if a stale
// run commits after a newer one (possible under the documented lock TTL race).
const upsertStateSQL = `INSERT INTO analytics_ingestion_state (pipeline, last_processed_at, metadata, updated_at)
 VALUES ($1, $2, $3, now())
 ON CONFLICT (pipeline) DO UPDATE SET
   last_processed_at = GREATEST(analytics_ingestion_state.last_processed_at, excluded.last_processed_at),
   metadata = excluded.metadata,
   updated_at = now()`

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, pipeline string) (*model.IngestionState, error) {
	row := s.db.QueryRow(ctx, getStateSQL, pipeline)
	st := &model.IngestionState{}
	err := row.Scan(&st.Pipeline, &st.LastProcessedAt, &st.Metadata, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading ingestion state for pipeline %s", pipeline)
	}
	return st, nil
}

// Upsert advances the cursor for a pipeline.
func (s *PostgresStore) Upsert(ctx context.Context, pipeline string, lastProcessedAt time.Time, metadata []byte) error {
	_, err := s.db.Exec(ctx, upsertStateSQL, pipeline, lastProcessedAt, metadata)
	if err != nil {
		return errors.Wrapf(err, "error upserting ingestion state for pipeline %s", pipeline)
	}
	return nil
}
