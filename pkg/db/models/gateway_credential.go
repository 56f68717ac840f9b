package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

// GatewayCredential holds one restaurant's secrets for one provider. The
// restaurant configuration service owns the rows; this module only reads them.
type GatewayCredential struct {
	ID                uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	RestaurantID      uuid.UUID                `gorm:"column:restaurant_id;type:uuid;not null"`
	GatewayType       enums.GatewayType        `gorm:"column:gateway_type;type:gateway_type_enum;not null"`
	Environment       enums.GatewayEnvironment `gorm:"column:environment;not null;default:'sandbox'"`
	SecretKey         string                   `gorm:"column:secret_key;not null;default:''"`
	PublicKey         string                   `gorm:"column:public_key;not null;default:''"`
	WebhookSecret     string                   `gorm:"column:webhook_secret;not null;default:''"`
	LocationID        string                   `gorm:"column:location_id;not null;default:''"`
	NotificationURL   string                   `gorm:"column:notification_url;not null;default:''"`
	PixKey            string                   `gorm:"column:pix_key;not null;default:''"`
	MerchantName      string                   `gorm:"column:merchant_name;not null;default:''"`
	MerchantCity      string                   `gorm:"column:merchant_city;not null;default:''"`
	SettlementBaseURL string                   `gorm:"column:settlement_base_url;not null;default:''"`
	Enabled           bool                     `gorm:"column:enabled;not null;default:true"`
	CreatedAt         time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (GatewayCredential) TableName() string { return "gateway_credentials" }
