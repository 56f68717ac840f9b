package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/mesa-payments/internal/testdb"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

func seedEvent(t *testing.T, conn *gorm.DB, createdAt time.Time, mutate func(*models.OutboxEvent)) models.OutboxEvent {
	t.Helper()
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventTransactionStatusChanged,
		AggregateType: enums.AggregateTransaction,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"version":1,"data":{}}`),
		CreatedAt:     createdAt,
	}
	if mutate != nil {
		mutate(&event)
	}
	require.NoError(t, conn.Create(&event).Error)
	return event
}

func reload(t *testing.T, conn *gorm.DB, id uuid.UUID) models.OutboxEvent {
	t.Helper()
	var row models.OutboxEvent
	require.NoError(t, conn.Where("id = ?", id).Take(&row).Error)
	return row
}

func TestClaimBatchSkipsPublishedAndExhausted(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	second := seedEvent(t, conn, base.Add(time.Minute), nil)
	first := seedEvent(t, conn, base, nil)
	published := base.Add(time.Hour)
	seedEvent(t, conn, base, func(e *models.OutboxEvent) { e.PublishedAt = &published })
	seedEvent(t, conn, base, func(e *models.OutboxEvent) { e.AttemptCount = 3 })

	rows, err := repo.ClaimBatch(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.ID, rows[0].ID)
	assert.Equal(t, second.ID, rows[1].ID)

	rows, err = repo.ClaimBatch(conn, 1, 3)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMarkPublishedAndFailed(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	ok := seedEvent(t, conn, now, nil)
	bad := seedEvent(t, conn, now, nil)

	require.NoError(t, repo.MarkFailed(conn, bad.ID, errors.New("unavailable")))
	require.NoError(t, repo.MarkFailed(conn, bad.ID, errors.New(strings.Repeat("x", 2*maxErrorLen))))
	require.NoError(t, repo.MarkPublished(conn, []uuid.UUID{ok.ID}, now))
	require.NoError(t, repo.MarkPublished(conn, nil, now))

	got := reload(t, conn, ok.ID)
	require.NotNil(t, got.PublishedAt)
	assert.True(t, got.PublishedAt.Equal(now))

	failed := reload(t, conn, bad.ID)
	assert.Nil(t, failed.PublishedAt)
	assert.Equal(t, 2, failed.AttemptCount)
	require.NotNil(t, failed.LastError)
	assert.Len(t, *failed.LastError, maxErrorLen)
}

func TestDeadLetterAndRequeue(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	event := seedEvent(t, conn, time.Now().UTC(), func(e *models.OutboxEvent) { e.AttemptCount = 4 })

	require.NoError(t, repo.DeadLetter(conn, event, enums.DeadLetterMaxAttempts, errors.New("gave up"), 10))

	pinned := reload(t, conn, event.ID)
	assert.Equal(t, 10, pinned.AttemptCount)
	rows, err := repo.ClaimBatch(conn, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	letters, err := repo.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, event.ID, letters[0].EventID)
	assert.Equal(t, enums.DeadLetterMaxAttempts, letters[0].Reason)
	assert.Equal(t, 4, letters[0].AttemptCount)
	assert.JSONEq(t, string(event.Payload), string(letters[0].Payload))

	require.NoError(t, repo.Requeue(ctx, event.ID))
	requeued := reload(t, conn, event.ID)
	assert.Equal(t, 0, requeued.AttemptCount)
	assert.Nil(t, requeued.LastError)
	letters, err = repo.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)

	assert.ErrorIs(t, repo.Requeue(ctx, event.ID), ErrNotDeadLettered)
}

func TestDeletePublishedBefore(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	cutoff := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	recent := cutoff.Add(time.Hour)

	gone := seedEvent(t, conn, old, func(e *models.OutboxEvent) { e.PublishedAt = &old })
	troubled := seedEvent(t, conn, old, func(e *models.OutboxEvent) {
		e.PublishedAt = &old
		e.AttemptCount = 6
	})
	fresh := seedEvent(t, conn, old, func(e *models.OutboxEvent) { e.PublishedAt = &recent })
	pending := seedEvent(t, conn, old, nil)

	n, err := repo.DeletePublishedBefore(context.Background(), cutoff, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var remaining []uuid.UUID
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Pluck("id", &remaining).Error)
	assert.ElementsMatch(t, []uuid.UUID{troubled.ID, fresh.ID, pending.ID}, remaining)
	assert.NotContains(t, remaining, gone.ID)
}
