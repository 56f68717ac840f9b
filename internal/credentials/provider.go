// Package credentials reads per-restaurant gateway credential sets.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/repo"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/security"
)

// Provider implements gateway.CredentialSource over gateway_credentials.
// Rows are owned by the restaurant configuration service and never written
// here. Secret columns may be sealed; a nil sealer reads plaintext only.
type Provider struct {
	repo.Base
	sealer *security.Sealer
}

func NewProvider(db *gorm.DB, sealer *security.Sealer) *Provider {
	return &Provider{Base: repo.NewBase(db), sealer: sealer}
}

var _ gateway.CredentialSource = (*Provider)(nil)

func (p *Provider) Credentials(ctx context.Context, restaurantID uuid.UUID, gw enums.GatewayType) (*gateway.Credentials, error) {
	notConfigured := gateway.NotConfigured(gw, restaurantID)
	row, err := repo.Take[models.GatewayCredential](p.DB(ctx).
		Where("restaurant_id = ? AND gateway_type = ?", restaurantID, gw), notConfigured)
	if err != nil {
		return nil, err
	}
	if !row.Enabled {
		return nil, notConfigured
	}
	return p.toCredentials(*row)
}

// Enabled lists the gateways a restaurant can take payments through.
func (p *Provider) Enabled(ctx context.Context, restaurantID uuid.UUID) ([]enums.GatewayType, error) {
	var rows []models.GatewayCredential
	if err := p.DB(ctx).
		Where("restaurant_id = ? AND enabled = ?", restaurantID, true).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]enums.GatewayType, 0, len(rows))
	for _, gw := range enums.GatewayTypes() {
		for _, row := range rows {
			if row.GatewayType == gw {
				out = append(out, gw)
			}
		}
	}
	return out, nil
}

// SealBinding ties a sealed value to its column and row.
func SealBinding(credentialID uuid.UUID, column string) string {
	return credentialID.String() + ":" + column
}

func (p *Provider) toCredentials(row models.GatewayCredential) (*gateway.Credentials, error) {
	secretKey, err := p.sealer.Open(row.SecretKey, SealBinding(row.ID, "secret_key"))
	if err != nil {
		return nil, openError(row, "secret_key", err)
	}
	webhookSecret, err := p.sealer.Open(row.WebhookSecret, SealBinding(row.ID, "webhook_secret"))
	if err != nil {
		return nil, openError(row, "webhook_secret", err)
	}
	return &gateway.Credentials{
		RestaurantID:      row.RestaurantID,
		Gateway:           row.GatewayType,
		Environment:       row.Environment,
		SecretKey:         secretKey,
		PublicKey:         row.PublicKey,
		WebhookSecret:     webhookSecret,
		LocationID:        row.LocationID,
		NotificationURL:   row.NotificationURL,
		PixKey:            row.PixKey,
		MerchantName:      row.MerchantName,
		MerchantCity:      row.MerchantCity,
		SettlementBaseURL: row.SettlementBaseURL,
	}, nil
}

// openError classifies an unseal failure. A missing key is a deployment
// configuration gap, surfaced as NotConfigured; anything else is tampering
// or a wrong binding.
func openError(row models.GatewayCredential, column string, err error) error {
	err = fmt.Errorf("open %s %s for restaurant %s: %w", row.GatewayType, column, row.RestaurantID, err)
	if errors.Is(err, security.ErrNoKey) {
		return gateway.MisconfiguredCredentials(row.GatewayType, err)
	}
	return err
}
