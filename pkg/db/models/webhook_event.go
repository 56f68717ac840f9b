package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

// WebhookEvent is the append-only audit row for one inbound provider delivery.
// Only the processing columns change after insert.
type WebhookEvent struct {
	ID                    uuid.UUID                     `gorm:"column:id;type:uuid;primaryKey"`
	GatewayType           enums.GatewayType             `gorm:"column:gateway_type;type:gateway_type_enum;not null"`
	RestaurantID          *uuid.UUID                    `gorm:"column:restaurant_id;type:uuid"`
	EventType             string                        `gorm:"column:event_type;not null;default:''"`
	ProviderEventID       *string                       `gorm:"column:provider_event_id"`
	ProviderTransactionID *string                       `gorm:"column:provider_transaction_id"`
	Payload               []byte                        `gorm:"column:payload;type:bytea;not null"`
	SignatureValid        bool                          `gorm:"column:signature_valid;not null"`
	TransactionID         *uuid.UUID                    `gorm:"column:transaction_id;type:uuid"`
	ProcessingStatus      enums.WebhookProcessingStatus `gorm:"column:processing_status;type:webhook_processing_status_enum;not null"`
	ProcessingError       *string                       `gorm:"column:processing_error"`
	Attempts              int                           `gorm:"column:attempts;not null;default:0"`
	ReceivedAt            time.Time                     `gorm:"column:received_at;not null"`
	ProcessedAt           *time.Time                    `gorm:"column:processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
