package analyticsingester

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codeloom/loom/internal/analyticsingester/configuration"
	"github.com/codeloom/loom/internal/analyticsingester/lock"
	"github.com/codeloom/loom/internal/analyticsingester/metrics"
	"github.com/codeloom/loom/internal/analyticsingester/orchestrator"
	"github.com/codeloom/loom/internal/analyticsingester/pipelines"
	"github.com/codeloom/loom/internal/analyticsingester/recorder"
	"github.com/codeloom/loom/internal/analyticsingester/schema"
	"github.com/codeloom/loom/internal/analyticsingester/state"
	"github.com/codeloom/loom/internal/analyticsingester/telemetry"
	"github.com/codeloom/loom/internal/common"
	"github.com/codeloom/loom/internal/common/app"
	"github.com/codeloom/loom/internal/common/database"
)

// Run wires up and drives the analytics ingestion service until a SIGTERM is
// received. All dependencies are constructed here, once, and passed down
// explicitly; nothing below this function reaches for globals.
func Run(config *configuration.AnalyticsIngesterConfiguration) {
	if err := config.Validate(); err != nil {
		panic(errors.WithMessage(err, "Invalid configuration"))
	}

	ctx := app.CreateContextWithShutdown()

	log.Info("Opening connection pool to postgres")
	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		panic(errors.WithMessage(err, "Error opening connection to postgres"))
	}
	defer db.Close()

	if err := schema.Migrate(ctx, db); err != nil {
		panic(errors.WithMessage(err, "Error migrating analytics schema"))
	}

	redisClient := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("Error closing redis client")
		}
	}()

	pgRecorder := recorder.NewPostgresRecorder(db)
	definitions, err := pipelines.Registry(pipelines.Dependencies{
		Telemetry:           telemetry.NewPostgresRepository(db),
		Anomalies:           pgRecorder,
		RepositoryAnalytics: pgRecorder,
		Config:              config,
	})
	if err != nil {
		panic(errors.WithMessage(err, "Error building pipeline registry"))
	}

	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	ingestion := orchestrator.New(orchestrator.Deps{
		Pipelines: definitions,
		Locks:     lock.NewManager(redisClient),
		States:    state.NewPostgresStore(db),
		Observer:  metrics.Get(),
		LockTTL:   config.LockTTL,
	})
	if err := ingestion.Start(ctx); err != nil {
		panic(errors.WithMessage(err, "Error starting ingestion orchestrator"))
	}

	log.Info("Analytics ingester running until shutdown event received")
	<-ctx.Done()
	log.Info("Shutdown event received - stopping ingestion")
	ingestion.Stop()
}
