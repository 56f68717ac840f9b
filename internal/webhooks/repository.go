package webhooks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mesa-payments/internal/repo"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

const maxProcessingError = 1000

// Repository stores one row per inbound delivery. Rows are never deleted or
// merged; only the processing columns move after insert.
type Repository struct {
	repo.Base
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(conn)}
}

func (r *Repository) Insert(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	if event.ProcessingStatus == "" {
		event.ProcessingStatus = enums.WebhookStatusReceived
	}
	return r.DB(ctx).Create(event).Error
}

// Outcome is the processing result stamped on an event row.
type Outcome struct {
	Status        enums.WebhookProcessingStatus
	TransactionID *uuid.UUID
	Err           error
}

// MarkOutcome records a processing attempt and bumps the attempt counter.
func (r *Repository) MarkOutcome(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	updates := map[string]any{
		"processing_status": outcome.Status,
		"attempts":          gorm.Expr("attempts + 1"),
		"processing_error":  nil,
	}
	if outcome.TransactionID != nil {
		updates["transaction_id"] = *outcome.TransactionID
	}
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		if len(msg) > maxProcessingError {
			msg = msg[:maxProcessingError]
		}
		updates["processing_error"] = msg
	}
	if outcome.Status == enums.WebhookStatusProcessed {
		updates["processed_at"] = time.Now().UTC()
	}
	return r.DB(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	return repo.Take[models.WebhookEvent](r.DB(ctx).Where("id = ?", id), nil)
}

// ListDeferred returns verified events still waiting for their transaction,
// oldest first, that have been tried fewer than maxAttempts times.
func (r *Repository) ListDeferred(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error) {
	var rows []models.WebhookEvent
	err := r.DB(ctx).
		Where("processing_status = ? AND signature_valid = ?", enums.WebhookStatusDeferred, true).
		Where("attempts < ?", maxAttempts).
		Order("received_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
