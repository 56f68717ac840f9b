package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/mesa-payments/internal/repo"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

const maxErrorLen = 1024

// ErrNotDeadLettered is returned by Requeue for an event with no DLQ row.
var ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")

// Repository stores outbox_events and their dead letters in outbox_dlq.
type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(&event).Error
}

// ClaimBatch returns up to limit unpublished rows below maxAttempts, oldest
// first. On Postgres the rows stay locked until tx ends and concurrent
// publishers skip them.
func (r *Repository) ClaimBatch(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	q := tx.Where("published_at IS NULL")
	if maxAttempts > 0 {
		q = q.Where("attempt_count < ?", maxAttempts)
	}
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []models.OutboxEvent
	err := q.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkPublished(tx *gorm.DB, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"published_at": at.UTC(), "last_error": nil}).Error
}

func (r *Repository) MarkFailed(tx *gorm.DB, id uuid.UUID, cause error) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    truncateError(cause),
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

// DeadLetter copies event into outbox_dlq and pins its attempt_count at
// ceiling so ClaimBatch never returns it again.
func (r *Repository) DeadLetter(tx *gorm.DB, event models.OutboxEvent, reason enums.DeadLetterReason, cause error, ceiling int) error {
	msg := truncateError(cause)
	entry := models.OutboxDeadLetter{
		ID:            uuid.New(),
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		Reason:        reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return err
	}
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{"last_error": msg, "attempt_count": ceiling}).Error
}

// ListDeadLetters returns the most recent dead letters first.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]models.OutboxDeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxDeadLetter
	err := r.DB(ctx).Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Requeue drops the dead letter for eventID and resets the outbox row so
// the publisher picks it up on its next batch.
func (r *Repository) Requeue(ctx context.Context, eventID uuid.UUID) error {
	return r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("event_id = ?", eventID).Delete(&models.OutboxDeadLetter{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotDeadLettered
		}
		return tx.Model(&models.OutboxEvent{}).
			Where("id = ? AND published_at IS NULL", eventID).
			Updates(map[string]any{"attempt_count": 0, "last_error": nil}).Error
	})
}

// DeletePublishedBefore prunes rows published before cutoff. Rows that
// needed at least minAttempts tries are kept for inspection.
func (r *Repository) DeletePublishedBefore(ctx context.Context, cutoff time.Time, minAttempts int) (int64, error) {
	q := r.DB(ctx).Where("published_at IS NOT NULL AND published_at < ?", cutoff)
	if minAttempts > 0 {
		q = q.Where("attempt_count < ?", minAttempts)
	}
	res := q.Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = strings.ToValidUTF8(msg[:maxErrorLen], "")
	}
	return msg
}
