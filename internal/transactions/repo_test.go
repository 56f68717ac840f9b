package transactions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mesa-payments/internal/testdb"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

func TestRepositoryInsertRejectsDuplicateProviderID(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	first := &models.Transaction{
		RestaurantID:          uuid.New(),
		GatewayType:           enums.GatewayCardA,
		ProviderTransactionID: "pi_123",
		ExternalReference:     "order-1",
		Amount:                decimal.RequireFromString("42.00"),
		Currency:              "BRL",
		IdempotencyKey:        "k1",
	}
	require.NoError(t, repo.Insert(ctx, first))
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.Equal(t, enums.TransactionStatusPending, first.Status)

	dup := *first
	dup.ID = uuid.Nil
	dup.IdempotencyKey = "k2"
	assert.ErrorIs(t, repo.Insert(ctx, &dup), ErrDuplicateProvider)

	// Same provider id under another gateway is a different transaction.
	other := *first
	other.ID = uuid.Nil
	other.GatewayType = enums.GatewayCardC
	require.NoError(t, repo.Insert(ctx, &other))
}

func TestRepositoryLookups(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	seeded := testdb.SeedTransaction(t, conn, models.Transaction{
		GatewayType: enums.GatewayCardB,
		Amount:      decimal.RequireFromString("10.00"),
	})

	byProvider, err := repo.FindByProvider(ctx, enums.GatewayCardB, seeded.ProviderTransactionID)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, byProvider.ID)

	_, err = repo.FindByProvider(ctx, enums.GatewayCardA, seeded.ProviderTransactionID)
	assert.ErrorIs(t, err, ErrNotFound)

	byRef, err := repo.FindByReference(ctx, enums.GatewayCardB, seeded.ID.String())
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, byRef.ID)

	_, err = repo.FindByReference(ctx, enums.GatewayCardB, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	byKey, err := repo.FindByIdempotencyKey(ctx, seeded.RestaurantID, seeded.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, byKey.ID)
}

func TestRepositoryUpdateStatusIsConditional(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	seeded := testdb.SeedTransaction(t, conn, models.Transaction{Amount: decimal.RequireFromString("10.00")})

	affected, err := repo.UpdateStatusTx(conn, seeded.ID,
		[]enums.TransactionStatus{enums.TransactionStatusProcessing},
		map[string]any{"status": enums.TransactionStatusCompleted})
	require.NoError(t, err)
	assert.Zero(t, affected)

	affected, err = repo.UpdateStatusTx(conn, seeded.ID,
		[]enums.TransactionStatus{enums.TransactionStatusPending, enums.TransactionStatusProcessing},
		map[string]any{"status": enums.TransactionStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	row, err := repo.FindByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusCompleted, row.Status)
}

func TestRepositoryRefundLedgerIsIdempotent(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	seeded := testdb.SeedTransaction(t, conn, models.Transaction{Amount: decimal.RequireFromString("10.00")})

	entry := func() *models.RefundEntry {
		return &models.RefundEntry{TransactionID: seeded.ID, ProviderRefundID: "re_1", Amount: decimal.RequireFromString("4.00")}
	}
	inserted, err := repo.InsertRefundTx(conn, entry())
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertRefundTx(conn, entry())
	require.NoError(t, err)
	assert.False(t, inserted)

	refunds, err := repo.ListRefunds(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}

func TestRepositoryListStaleOpen(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	now := time.Now().UTC()

	stale := testdb.SeedTransaction(t, conn, models.Transaction{Amount: decimal.RequireFromString("10.00")})
	fresh := testdb.SeedTransaction(t, conn, models.Transaction{Amount: decimal.RequireFromString("10.00")})
	settled := testdb.SeedTransaction(t, conn, models.Transaction{Amount: decimal.RequireFromString("10.00"), Status: enums.TransactionStatusCompleted})
	ancient := testdb.SeedTransaction(t, conn, models.Transaction{Amount: decimal.RequireFromString("10.00")})

	backdate := func(id uuid.UUID, created, updated time.Time) {
		require.NoError(t, conn.Model(&models.Transaction{}).Where("id = ?", id).
			UpdateColumns(map[string]any{"created_at": created, "updated_at": updated}).Error)
	}
	backdate(stale.ID, now.Add(-time.Hour), now.Add(-30*time.Minute))
	backdate(settled.ID, now.Add(-time.Hour), now.Add(-30*time.Minute))
	backdate(ancient.ID, now.Add(-100*time.Hour), now.Add(-99*time.Hour))
	_ = fresh

	rows, err := repo.ListStaleOpen(context.Background(), now.Add(-10*time.Minute), now.Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale.ID, rows[0].ID)
}
