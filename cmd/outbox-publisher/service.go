package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
	"github.com/angelmondragon/mesa-payments/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultMaxAttempts    = 10
	defaultPublishTimeout = 15 * time.Second
	maxFailureBackoff     = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	ClaimBatch(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(tx *gorm.DB, ids []uuid.UUID, at time.Time) error
	MarkFailed(tx *gorm.DB, id uuid.UUID, cause error) error
	DeadLetter(tx *gorm.DB, event models.OutboxEvent, reason enums.DeadLetterReason, cause error, ceiling int) error
}

type router interface {
	Resolve(models.OutboxEvent) (*registry.Resolved, error)
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           config.OutboxConfig
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Router           router
	PublisherFactory publisherFactory
	Metrics          *metrics.OutboxMetrics
}

// Service drains outbox_events into Pub/Sub. Rows are claimed inside a
// transaction, published, and settled before the transaction commits, so a
// crash mid-batch republishes rather than loses events.
type Service struct {
	logg             *logger.Logger
	db               dbClient
	repo             outboxRepository
	pubsub           pubSubClient
	router           router
	publisherFactory publisherFactory
	metrics          *metrics.OutboxMetrics
	batchSize        int
	maxAttempts      int
	pollInterval     time.Duration
	publishTimeout   time.Duration
	now              func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Router == nil:
		return nil, errors.New("event router is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			p := params.PubSub.Publisher(topic)
			if p == nil {
				return nil
			}
			return &gcpPublisher{Publisher: p}
		}
	}

	s := &Service{
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		pubsub:           params.PubSub,
		router:           params.Router,
		publisherFactory: factory,
		metrics:          params.Metrics,
		batchSize:        params.Config.BatchSize,
		maxAttempts:      params.Config.MaxAttempts,
		pollInterval:     time.Duration(params.Config.PollIntervalMS) * time.Millisecond,
		publishTimeout:   defaultPublishTimeout,
		now:              time.Now,
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	return s, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if err := s.pubsub.Ping(ctx); err != nil {
		return fmt.Errorf("pubsub ping: %w", err)
	}
	return nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one; an empty batch waits one jittered poll interval; a failed
// batch backs off exponentially up to maxFailureBackoff.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	idle := retry.WithJitter(jitterWindow, retry.NewConstant(s.pollInterval))
	failing := s.failureBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := s.processBatch(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox.batch_failed", err)
			wait, _ = failing.Next()
		case n > 0:
			failing = s.failureBackoff()
			continue
		default:
			failing = s.failureBackoff()
			wait, _ = idle.Next()
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Service) failureBackoff() retry.Backoff {
	b := retry.NewExponential(s.pollInterval)
	b = retry.WithCappedDuration(maxFailureBackoff, b)
	return retry.WithJitter(jitterWindow, b)
}

type outcome struct {
	event    models.OutboxEvent
	resolved *registry.Resolved
	err      error
}

// processBatch claims, publishes and settles one batch and reports how many
// rows it claimed.
func (s *Service) processBatch(ctx context.Context) (int, error) {
	start := time.Now()
	claimed := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.ClaimBatch(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		claimed = len(events)
		if claimed == 0 {
			return nil
		}
		return s.settle(ctx, tx, s.publishAll(ctx, events))
	})
	if claimed > 0 {
		s.metrics.ObserveBatch(time.Since(start))
	}
	return claimed, err
}

// publishAll hands every message to its publisher before waiting on any
// result so the client can batch them. Outcomes keep claim order.
func (s *Service) publishAll(ctx context.Context, events []models.OutboxEvent) []outcome {
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	outcomes := make([]outcome, len(events))
	pending := make([]publishResult, len(events))
	for i, event := range events {
		outcomes[i].event = event
		resolved, err := s.router.Resolve(event)
		if err != nil {
			outcomes[i].err = err
			continue
		}
		outcomes[i].resolved = resolved

		pub := s.publisherFactory(resolved.Topic)
		if pub == nil {
			outcomes[i].err = registry.Unpublishable(fmt.Errorf("no publisher for topic %s", resolved.Topic))
			continue
		}
		resolved.Attributes["created_at"] = event.CreatedAt.UTC().Format(time.RFC3339Nano)
		res := pub.Publish(ctx, &gcppubsub.Message{
			Data:       event.Payload,
			Attributes: resolved.Attributes,
			// Subscribers see one transaction's events in emission order.
			OrderingKey: event.AggregateID.String(),
		})
		if res == nil {
			outcomes[i].err = registry.Unpublishable(fmt.Errorf("publisher for %s returned no result", resolved.Topic))
			continue
		}
		pending[i] = res
	}

	for i, res := range pending {
		if res == nil {
			continue
		}
		if _, err := res.Get(ctx); err != nil {
			outcomes[i].err = err
		}
	}
	return outcomes
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, outcomes []outcome) error {
	published := make([]uuid.UUID, 0, len(outcomes))
	for _, o := range outcomes {
		eventType := string(o.event.EventType)
		switch {
		case o.err == nil:
			published = append(published, o.event.ID)
			s.metrics.IncEvent(eventType, "published")
			s.logg.Debug(s.logg.WithFields(ctx, s.eventFields(o)), "outbox.published")
		case registry.IsUnpublishable(o.err):
			if err := s.deadLetter(ctx, tx, o, enums.DeadLetterUnpublishable, o.err); err != nil {
				return err
			}
		case o.event.AttemptCount+1 >= s.maxAttempts:
			o.event.AttemptCount++
			cause := fmt.Errorf("gave up after %d attempts: %w", o.event.AttemptCount, o.err)
			if err := s.deadLetter(ctx, tx, o, enums.DeadLetterMaxAttempts, cause); err != nil {
				return err
			}
		default:
			fields := s.eventFields(o)
			fields["error"] = o.err.Error()
			s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox.publish_failed")
			if err := s.repo.MarkFailed(tx, o.event.ID, o.err); err != nil {
				return fmt.Errorf("mark failed %s: %w", o.event.ID, err)
			}
			s.metrics.IncEvent(eventType, "retry")
		}
	}

	if err := s.repo.MarkPublished(tx, published, s.now()); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if len(published) > 0 {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"published": len(published),
			"claimed":   len(outcomes),
		}), "outbox.batch_published")
	}
	return nil
}

func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, o outcome, reason enums.DeadLetterReason, cause error) error {
	fields := s.eventFields(o)
	fields["reason"] = reason
	fields["error"] = cause.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox.dead_lettered")
	if err := s.repo.DeadLetter(tx, o.event, reason, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("dead-letter %s: %w", o.event.ID, err)
	}
	s.metrics.IncEvent(string(o.event.EventType), "dead_letter")
	return nil
}

func (s *Service) eventFields(o outcome) map[string]any {
	fields := map[string]any{
		"outbox_id":      o.event.ID.String(),
		"event_type":     o.event.EventType,
		"transaction_id": o.event.AggregateID.String(),
		"attempt_count":  o.event.AttemptCount,
	}
	if o.resolved != nil {
		fields["event_id"] = o.resolved.Envelope.EventID
		fields["topic"] = o.resolved.Topic
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return &gcpPublishResult{
		PublishResult: p.Publisher.Publish(ctx, msg),
		publisher:     p.Publisher,
		orderingKey:   msg.OrderingKey,
	}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
	publisher   *gcppubsub.Publisher
	orderingKey string
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	id, err := r.PublishResult.Get(ctx)
	if err != nil && r.orderingKey != "" {
		// A failed ordered publish pauses the key until resumed; the row is
		// retried on a later batch.
		r.publisher.ResumePublish(r.orderingKey)
	}
	return id, err
}
