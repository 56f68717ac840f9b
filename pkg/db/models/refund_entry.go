package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RefundEntry is one provider refund applied to a transaction.
type RefundEntry struct {
	ID               uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	TransactionID    uuid.UUID       `gorm:"column:transaction_id;type:uuid;not null"`
	ProviderRefundID string          `gorm:"column:provider_refund_id;not null"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(14,2);not null"`
	Status           string          `gorm:"column:status;not null;default:''"`
	Payload          datatypes.JSON  `gorm:"column:payload;type:jsonb"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (RefundEntry) TableName() string { return "transaction_refunds" }
