package credentials

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/testdb"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/security"
)

func TestCredentialsResolvesEnabledSet(t *testing.T) {
	db := testdb.Open(t)
	restaurantID := uuid.New()
	testdb.SeedCredentials(t, db, models.GatewayCredential{
		RestaurantID:  restaurantID,
		GatewayType:   enums.GatewayCardA,
		Environment:   enums.GatewayEnvironmentProduction,
		SecretKey:     "sk_live_123",
		WebhookSecret: "whsec_abc",
		Enabled:       true,
	})

	creds, err := NewProvider(db, nil).Credentials(context.Background(), restaurantID, enums.GatewayCardA)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_123", creds.SecretKey)
	assert.Equal(t, enums.GatewayEnvironmentProduction, creds.Environment)
	assert.Equal(t, "whsec_abc", creds.Webhook().Key)
}

func TestCredentialsMissingOrDisabled(t *testing.T) {
	db := testdb.Open(t)
	restaurantID := uuid.New()
	cred := testdb.SeedCredentials(t, db, models.GatewayCredential{
		RestaurantID: restaurantID,
		GatewayType:  enums.GatewayCardB,
		SecretKey:    "APP_USR",
		Enabled:      true,
	})
	require.NoError(t, db.Model(&models.GatewayCredential{}).Where("id = ?", cred.ID).Update("enabled", false).Error)

	p := NewProvider(db, nil)
	_, err := p.Credentials(context.Background(), restaurantID, enums.GatewayCardB)
	assert.True(t, gateway.IsKind(err, gateway.KindNotConfigured))

	_, err = p.Credentials(context.Background(), restaurantID, enums.GatewayTransfer)
	assert.True(t, gateway.IsKind(err, gateway.KindNotConfigured))
}

func TestEnabledKeepsCanonicalOrder(t *testing.T) {
	db := testdb.Open(t)
	restaurantID := uuid.New()
	for _, gw := range []enums.GatewayType{enums.GatewayTransfer, enums.GatewayCardA} {
		testdb.SeedCredentials(t, db, models.GatewayCredential{RestaurantID: restaurantID, GatewayType: gw, Enabled: true})
	}

	got, err := NewProvider(db, nil).Enabled(context.Background(), restaurantID)
	require.NoError(t, err)
	assert.Equal(t, []enums.GatewayType{enums.GatewayCardA, enums.GatewayTransfer}, got)
}

func TestCredentialsOpensSealedSecrets(t *testing.T) {
	sealer, err := security.NewSealer(config.CredentialsConfig{
		EncryptionKey:    "test-passphrase",
		KeySalt:          "mesa-payments-test",
		ArgonMemoryKB:    8 * 1024,
		ArgonTime:        1,
		ArgonParallelism: 1,
	})
	require.NoError(t, err)

	db := testdb.Open(t)
	restaurantID := uuid.New()
	credID := uuid.New()
	secret, err := sealer.Seal("sk_live_sealed", SealBinding(credID, "secret_key"))
	require.NoError(t, err)
	testdb.SeedCredentials(t, db, models.GatewayCredential{
		ID:            credID,
		RestaurantID:  restaurantID,
		GatewayType:   enums.GatewayCardA,
		SecretKey:     secret,
		WebhookSecret: "whsec_plain",
		Enabled:       true,
	})

	creds, err := NewProvider(db, sealer).Credentials(context.Background(), restaurantID, enums.GatewayCardA)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_sealed", creds.SecretKey)
	assert.Equal(t, "whsec_plain", creds.WebhookSecret)

	_, err = NewProvider(db, nil).Credentials(context.Background(), restaurantID, enums.GatewayCardA)
	assert.ErrorIs(t, err, security.ErrNoKey)
	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gateway.KindNotConfigured, gwErr.Kind)
}
