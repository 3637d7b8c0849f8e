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

	"github.com/codeloom/loom/internal/analyticsingester/model"
	"github.com/codeloom/loom/internal/analyticsingester/recorder"
	"github.com/codeloom/loom/internal/analyticsingester/telemetry"
)

const (
	EventTypeCommitActivity   = "repository.commit.activity"
	EventTypeCoverageSnapshot = "repository.coverage.snapshot"

	noRepositoryEventsWarning = "No repository telemetry events detected in window"
)

// RepositoryAnalyticsPipeline turns raw repository telemetry events into one
// derived health record per repository/branch: commit velocity over the window
// and the coverage drift reported by the most recent coverage snapshot.
type RepositoryAnalyticsPipeline struct {
	telemetry telemetry.Repository
	recorder  recorder.RepositoryAnalyticsRecorder
}

func NewRepositoryAnalyticsPipeline(
	repository telemetry.Repository,
	analyticsRecorder recorder.RepositoryAnalyticsRecorder,
) *RepositoryAnalyticsPipeline {
	return &RepositoryAnalyticsPipeline{
		telemetry: repository,
		recorder:  analyticsRecorder,
	}
}

type repositoryEventPayload struct {
	Repository       string   `json:"repository"`
	Branch           string   `json:"branch"`
	Commits          int      `json:"commits"`
	Coverage         *float64 `json:"coverage"`
	PreviousCoverage *float64 `json:"previousCoverage"`
}

type repositoryGroup struct {
	repository    string
	branch        string
	commits       int
	coverageDrift float64
}

func (p *RepositoryAnalyticsPipeline) Run(ctx context.Context, pc *model.PipelineContext) (*model.PipelineRunResult, error) {
	start := time.Now()
	window := pc.Window

	events, err := p.telemetry.Events(ctx,
		[]string{EventTypeCommitActivity, EventTypeCoverageSnapshot},
		window.Start, window.End)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return &model.PipelineRunResult{
			DurationMs: time.Since(start).Milliseconds(),
			Warnings:   []string{noRepositoryEventsWarning},
		}, nil
	}

	var warnings []string
	groups := map[string]*repositoryGroup{}
	// Events arrive ordered by occurred_at, so the last coverage snapshot seen
	// per group is the most recent one.
	for _, event := range events {
		var payload repositoryEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			warnings = append(warnings, fmt.Sprintf("skipped malformed %s payload: %v", event.EventType, err))
			continue
		}
		if payload.Repository == "" {
			warnings = append(warnings, fmt.Sprintf("skipped %s payload without repository", event.EventType))
			continue
		}
		key := payload.Repository + "\x00" + payload.Branch
		group, ok := groups[key]
		if !ok {
			group = &repositoryGroup{repository: payload.Repository, branch: payload.Branch}
			groups[key] = group
		}
		switch event.EventType {
		case EventTypeCommitActivity:
			group.commits += payload.Commits
		case EventTypeCoverageSnapshot:
			if payload.Coverage == nil || payload.PreviousCoverage == nil {
				warnings = append(warnings, fmt.Sprintf(
					"skipped %s payload for %s/%s without coverage fields",
					event.EventType, payload.Repository, payload.Branch))
				continue
			}
			group.coverageDrift = *payload.Coverage - *payload.PreviousCoverage
		}
	}

	windowHours := window.Duration().Hours()
	keys := maps.Keys(groups)
	slices.Sort(keys)

	recorded := 0
	for _, key := range keys {
		group := groups[key]
		velocity := 0.0
		if windowHours > 0 {
			velocity = float64(group.commits) / windowHours
		}
		entry := model.RepositoryAnalyticsRecord{
			Repository:     group.repository,
			Branch:         group.branch,
			CommitVelocity: velocity,
			CoverageDrift:  group.coverageDrift,
		}
		if err := p.recorder.RecordRepositoryAnalytics(ctx, entry); err != nil {
			return nil, errors.WithMessagef(err, "error recording repository analytics for %s/%s", group.repository, group.branch)
		}
		log.WithField("repository", group.repository).WithField("branch", group.branch).
			Debug("Recorded repository analytics")
		recorded++
	}

	return &model.PipelineRunResult{
		RecordsProcessed:       recorded,
		TelemetryEventsScanned: len(events),
		DurationMs:             time.Since(start).Milliseconds(),
		Warnings:               warnings,
	}, nil
}
