package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeloom/loom/internal/analyticsingester/model"
	"github.com/codeloom/loom/internal/analyticsingester/scheduler"
	"github.com/codeloom/loom/internal/analyticsingester/state"
	"github.com/codeloom/loom/internal/common/util"
)

const lockKeyPrefix = "analytics:ingestion:"

// sentinelEpoch is the cursor used for a pipeline's very first window, before any
// state row exists.
var sentinelEpoch = time.Unix(0, 0).UTC()

// LockManager serializes a pipeline across ingester instances.
type LockManager interface {
	Acquire(key string, ttl time.Duration) (*model.Lock, error)
	Release(lock *model.Lock) error
}

// Observer is the sink for per-run observations.
type Observer interface {
	RecordRun(observation model.RunObservation)
	RecordRunFailure(pipeline string)
	RecordLockSkip(pipeline string)
}

type stopper interface {
	Stop()
}

type Deps struct {
	Pipelines []*model.PipelineDefinition
	Locks     LockManager
	States    state.Store
	Observer  Observer
	LockTTL   time.Duration
	Clock     util.Clock
}

// Orchestrator drives every registered pipeline on its own schedule. Each tick
// runs the guarded execution protocol: acquire the pipeline's distributed lock,
// load the cursor, run the pipeline over [cursor, now), persist the advanced
// cursor and emit the run observation. A failed run leaves the cursor untouched
// so the same window is retried on the next tick; that retry is the only retry
// mechanism.
type Orchestrator struct {
	deps    Deps
	ctx     context.Context
	tracer  trace.Tracer
	handles []stopper

	// schedule is swapped out in tests.
	schedule func(label string, handler func(), opts scheduler.Options) (stopper, error)
}

func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = &util.DefaultClock{}
	}
	return &Orchestrator{
		deps:   deps,
		tracer: otel.Tracer("loom/analyticsingester"),
		schedule: func(label string, handler func(), opts scheduler.Options) (stopper, error) {
			return scheduler.Schedule(label, handler, opts)
		},
	}
}

// Start registers one schedule per pipeline, each with an immediate initial run.
// On a scheduling error any schedules already created are stopped before
// returning.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx
	for _, pipeline := range o.deps.Pipelines {
		pipeline := pipeline
		handle, err := o.schedule(pipeline.Name, func() {
			if err := o.runOnce(o.ctx, pipeline); err != nil {
				log.WithField("pipeline", pipeline.Name).Errorf("Ingestion tick failed: %+v", err)
			}
		}, scheduler.Options{
			Interval:   pipeline.Interval,
			Expression: pipeline.CronExpression,
			Location:   pipeline.Location,
			RunOnInit:  true,
		})
		if err != nil {
			o.Stop()
			return errors.WithMessagef(err, "error scheduling pipeline %s", pipeline.Name)
		}
		o.handles = append(o.handles, handle)
		log.WithField("pipeline", pipeline.Name).Info("Ingestion pipeline scheduled")
	}
	return nil
}

// Stop stops every schedule created by Start, waiting for in-flight runs to
// finish. Runs are not aborted mid-flight.
func (o *Orchestrator) Stop() {
	for _, handle := range o.handles {
		handle.Stop()
	}
	o.handles = nil
}

// runOnce executes one guarded tick for a pipeline. The returned error covers
// lock-transport and state-persistence failures only; pipeline execution errors
// are logged and swallowed here so the scheduler keeps ticking and the
// unadvanced cursor retries the window.
func (o *Orchestrator) runOnce(ctx context.Context, pipeline *model.PipelineDefinition) error {
	lock, err := o.deps.Locks.Acquire(lockKeyPrefix+pipeline.Name, o.deps.LockTTL)
	if err != nil {
		return err
	}
	if lock == nil {
		log.WithField("pipeline", pipeline.Name).Info("Pipeline lock held by another instance; skipping tick")
		o.deps.Observer.RecordLockSkip(pipeline.Name)
		return nil
	}
	defer func() {
		if err := o.deps.Locks.Release(lock); err != nil {
			log.WithField("pipeline", pipeline.Name).WithError(err).Warn("Error releasing pipeline lock")
		}
	}()

	st, err := o.deps.States.Get(ctx, pipeline.Name)
	if err != nil {
		return err
	}
	if st == nil {
		st = &model.IngestionState{Pipeline: pipeline.Name, LastProcessedAt: sentinelEpoch}
	}
	window := model.Window{
		Start: st.LastProcessedAt,
		End:   o.deps.Clock.Now().UTC(),
		State: st,
	}

	runCtx, span := o.tracer.Start(ctx, pipeline.Name,
		trace.WithAttributes(
			attribute.String("pipeline", pipeline.Name),
			attribute.String("window.start", window.Start.Format(time.RFC3339)),
			attribute.String("window.end", window.End.Format(time.RFC3339)),
		))
	result, err := pipeline.Run(runCtx, &model.PipelineContext{
		Window:  window,
		Scratch: map[string]interface{}{},
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		o.deps.Observer.RecordRunFailure(pipeline.Name)
		log.WithField("pipeline", pipeline.Name).Errorf("Pipeline run failed; window will be retried: %+v", err)
		return nil
	}
	span.SetAttributes(attribute.Int("records.processed", result.RecordsProcessed))
	span.End()

	for _, warning := range result.Warnings {
		log.WithField("pipeline", pipeline.Name).Warn(warning)
	}

	nextCursor := window.End
	if result.NextCursor != nil {
		nextCursor = *result.NextCursor
	}
	if err := o.deps.States.Upsert(ctx, pipeline.Name, nextCursor, result.Metadata); err != nil {
		return err
	}

	o.deps.Observer.RecordRun(model.RunObservation{
		Pipeline:               pipeline.Name,
		WindowsProcessed:       1,
		RecordsProcessed:       result.RecordsProcessed,
		TelemetryEventsScanned: result.TelemetryEventsScanned,
		DurationMs:             result.DurationMs,
	})
	log.WithField("pipeline", pipeline.Name).
		WithField("recordsProcessed", result.RecordsProcessed).
		WithField("telemetryEventsScanned", result.TelemetryEventsScanned).
		WithField("durationMs", result.DurationMs).
		Info("Ingestion window committed")
	return nil
}
