package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/mesa-payments/internal/webhooks"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
)

const (
	defaultMaxEventAttempts = 12
	defaultBatchSize        = 100
)

type deferredEventStore interface {
	ListDeferred(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error)
	MarkOutcome(ctx context.Context, id uuid.UUID, outcome webhooks.Outcome) error
}

type eventRetrier interface {
	Retry(ctx context.Context, event *models.WebhookEvent) (*webhooks.Result, error)
}

type DeferredEventsJobParams struct {
	Logger      *logger.Logger
	Events      deferredEventStore
	Ingestor    eventRetrier
	MaxAttempts int
	BatchSize   int
}

// NewDeferredEventsJob retries verified webhooks that arrived before their
// transaction was recorded. Events still unresolved after MaxAttempts are
// parked as errors.
func NewDeferredEventsJob(params DeferredEventsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("webhook event store required")
	}
	if params.Ingestor == nil {
		return nil, fmt.Errorf("ingestor required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxEventAttempts
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &deferredEventsJob{
		logg:        params.Logger,
		events:      params.Events,
		ingestor:    params.Ingestor,
		maxAttempts: maxAttempts,
		batch:       batch,
	}, nil
}

type deferredEventsJob struct {
	logg        *logger.Logger
	events      deferredEventStore
	ingestor    eventRetrier
	maxAttempts int
	batch       int
}

func (j *deferredEventsJob) Name() string { return "deferred-webhooks" }

func (j *deferredEventsJob) Run(ctx context.Context) (Report, error) {
	rows, err := j.events.ListDeferred(ctx, j.maxAttempts, j.batch)
	if err != nil {
		return nil, fmt.Errorf("list deferred webhooks: %w", err)
	}

	report := Report{"candidates": len(rows)}
	var errs error
	for idx := range rows {
		event := &rows[idx]
		res, err := j.ingestor.Retry(ctx, event)
		if err != nil {
			report.Add("failed", 1)
			errs = multierr.Append(errs, fmt.Errorf("retry webhook %s: %w", event.ID, err))
			continue
		}
		if res.Status != enums.WebhookStatusDeferred {
			report.Add("resolved", 1)
			continue
		}
		// Retry already counted this attempt.
		if event.Attempts+1 < j.maxAttempts {
			report.Add("still_deferred", 1)
			continue
		}
		err = j.events.MarkOutcome(ctx, event.ID, webhooks.Outcome{
			Status: enums.WebhookStatusError,
			Err:    fmt.Errorf("transaction still unknown after %d attempts", event.Attempts+1),
		})
		if err != nil {
			report.Add("failed", 1)
			errs = multierr.Append(errs, fmt.Errorf("park webhook %s: %w", event.ID, err))
			continue
		}
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"webhook_event_id": event.ID.String(),
			"gateway":          event.GatewayType,
			"attempts":         event.Attempts + 1,
		}), "webhook.parked")
		report.Add("parked", 1)
	}
	return report, errs
}
