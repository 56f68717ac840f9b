package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/mesa-payments/internal/repo"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/pagination"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicateProvider = errors.New("provider transaction id already recorded")
)

// Repository is the durable record of payment attempts and their refund
// ledger.
type Repository struct {
	repo.Base
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(conn)}
}

// Insert stores a new transaction. A second row for the same gateway and
// provider id fails with ErrDuplicateProvider.
func (r *Repository) Insert(ctx context.Context, tx *models.Transaction) error {
	return r.InsertTx(r.DB(ctx), tx)
}

func (r *Repository) InsertTx(conn *gorm.DB, tx *models.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = enums.TransactionStatusPending
	}
	if err := conn.Create(tx).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrDuplicateProvider
		}
		return err
	}
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.FindByIDTx(r.DB(ctx), id)
}

// FindByIDTx reads the row inside conn. On Postgres the row is locked for
// the rest of the surrounding transaction.
func (r *Repository) FindByIDTx(conn *gorm.DB, id uuid.UUID) (*models.Transaction, error) {
	q := conn
	if conn.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return first(q.Where("id = ?", id))
}

func (r *Repository) FindByProvider(ctx context.Context, gw enums.GatewayType, providerID string) (*models.Transaction, error) {
	return first(r.DB(ctx).Where("gateway_type = ? AND provider_transaction_id = ?", gw, providerID))
}

// FindByReference resolves the local transaction id a provider echoes back.
func (r *Repository) FindByReference(ctx context.Context, gw enums.GatewayType, reference string) (*models.Transaction, error) {
	id, err := uuid.Parse(reference)
	if err != nil {
		return nil, ErrNotFound
	}
	return first(r.DB(ctx).Where("id = ? AND gateway_type = ?", id, gw))
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, restaurantID uuid.UUID, key string) (*models.Transaction, error) {
	return first(r.DB(ctx).Where("restaurant_id = ? AND idempotency_key = ?", restaurantID, key))
}

func first(q *gorm.DB) (*models.Transaction, error) {
	return repo.Take[models.Transaction](q, ErrNotFound)
}

// UpdateStatusTx applies updates only while the row is still in one of the
// from statuses. The affected row count tells the caller whether it won.
func (r *Repository) UpdateStatusTx(conn *gorm.DB, id uuid.UUID, from []enums.TransactionStatus, updates map[string]any) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := conn.Model(&models.Transaction{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected, res.Error
}

// TouchTx records the latest provider view without changing status.
func (r *Repository) TouchTx(conn *gorm.DB, id uuid.UUID, rawStatus string, payload []byte) error {
	updates := map[string]any{
		"last_raw_status": rawStatus,
		"updated_at":      time.Now().UTC(),
	}
	if len(payload) > 0 {
		updates["last_provider_payload"] = payload
	}
	return conn.Model(&models.Transaction{}).Where("id = ?", id).Updates(updates).Error
}

// InsertRefundTx appends to the refund ledger. It reports false when the
// provider refund id was already recorded for the transaction.
func (r *Repository) InsertRefundTx(conn *gorm.DB, entry *models.RefundEntry) (bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	res := conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}, {Name: "provider_refund_id"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]models.RefundEntry, error) {
	var rows []models.RefundEntry
	err := r.DB(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ListStaleOpen returns pending or processing transactions untouched since
// staleBefore and created after createdAfter, oldest first.
func (r *Repository) ListStaleOpen(ctx context.Context, staleBefore, createdAfter time.Time, limit int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := r.DB(ctx).
		Where("status IN ?", []enums.TransactionStatus{enums.TransactionStatusPending, enums.TransactionStatusProcessing}).
		Where("updated_at < ? AND created_at > ?", staleBefore, createdAfter).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListByRestaurant pages a restaurant's transactions newest first. An empty
// status lists every status.
func (r *Repository) ListByRestaurant(ctx context.Context, restaurantID uuid.UUID, status enums.TransactionStatus, cursor *pagination.Cursor, limit int) ([]models.Transaction, error) {
	q := r.DB(ctx).Where("restaurant_id = ?", restaurantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if cursor != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.Transaction
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
