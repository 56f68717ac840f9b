package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

// Transaction is the canonical record of one payment attempt.
type Transaction struct {
	ID                    uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	RestaurantID          uuid.UUID               `gorm:"column:restaurant_id;type:uuid;not null"`
	OrderID               *uuid.UUID              `gorm:"column:order_id;type:uuid"`
	GatewayType           enums.GatewayType       `gorm:"column:gateway_type;type:gateway_type_enum;not null"`
	ProviderTransactionID string                  `gorm:"column:provider_transaction_id;not null"`
	ExternalReference     string                  `gorm:"column:external_reference;not null"`
	PaymentMethod         *string                 `gorm:"column:payment_method"`
	Amount                decimal.Decimal         `gorm:"column:amount;type:numeric(14,2);not null"`
	Currency              string                  `gorm:"column:currency;not null"`
	Fees                  decimal.Decimal         `gorm:"column:fees;type:numeric(14,2);not null;default:0"`
	NetAmount             decimal.NullDecimal     `gorm:"column:net_amount;type:numeric(14,2)"`
	RefundedAmount        decimal.Decimal         `gorm:"column:refunded_amount;type:numeric(14,2);not null;default:0"`
	Status                enums.TransactionStatus `gorm:"column:status;type:transaction_status_enum;not null;default:'pending'"`
	LastRawStatus         string                  `gorm:"column:last_raw_status;not null;default:''"`
	LastProviderPayload   datatypes.JSON          `gorm:"column:last_provider_payload;type:jsonb"`
	CheckoutURL           *string                 `gorm:"column:checkout_url"`
	PixPayload            *string                 `gorm:"column:pix_payload"`
	IdempotencyKey        string                  `gorm:"column:idempotency_key;not null"`
	CreatedAt             time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time               `gorm:"column:updated_at;autoUpdateTime"`
	ProcessedAt           *time.Time              `gorm:"column:processed_at"`
}

func (Transaction) TableName() string { return "transactions" }
