// Package testdb opens in-memory sqlite databases carrying the payment
// tables, for package tests.
package testdb

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS gateway_credentials (
  id TEXT PRIMARY KEY,
  restaurant_id TEXT NOT NULL,
  gateway_type TEXT NOT NULL,
  environment TEXT NOT NULL DEFAULT 'sandbox',
  secret_key TEXT NOT NULL DEFAULT '',
  public_key TEXT NOT NULL DEFAULT '',
  webhook_secret TEXT NOT NULL DEFAULT '',
  location_id TEXT NOT NULL DEFAULT '',
  notification_url TEXT NOT NULL DEFAULT '',
  pix_key TEXT NOT NULL DEFAULT '',
  merchant_name TEXT NOT NULL DEFAULT '',
  merchant_city TEXT NOT NULL DEFAULT '',
  settlement_base_url TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (restaurant_id, gateway_type)
);`, `
CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  restaurant_id TEXT NOT NULL,
  order_id TEXT,
  gateway_type TEXT NOT NULL,
  provider_transaction_id TEXT NOT NULL,
  external_reference TEXT NOT NULL,
  payment_method TEXT,
  amount NUMERIC NOT NULL,
  currency TEXT NOT NULL,
  fees NUMERIC NOT NULL DEFAULT 0,
  net_amount NUMERIC,
  refunded_amount NUMERIC NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending',
  last_raw_status TEXT NOT NULL DEFAULT '',
  last_provider_payload TEXT,
  checkout_url TEXT,
  pix_payload TEXT,
  idempotency_key TEXT NOT NULL,
  created_at DATETIME,
  updated_at DATETIME,
  processed_at DATETIME,
  UNIQUE (gateway_type, provider_transaction_id)
);`, `
CREATE TABLE IF NOT EXISTS transaction_refunds (
  id TEXT PRIMARY KEY,
  transaction_id TEXT NOT NULL,
  provider_refund_id TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  payload TEXT,
  created_at DATETIME,
  UNIQUE (transaction_id, provider_refund_id)
);`, `
CREATE TABLE IF NOT EXISTS webhook_events (
  id TEXT PRIMARY KEY,
  gateway_type TEXT NOT NULL,
  restaurant_id TEXT,
  event_type TEXT NOT NULL DEFAULT '',
  provider_event_id TEXT,
  provider_transaction_id TEXT,
  payload BLOB NOT NULL,
  signature_valid INTEGER NOT NULL,
  transaction_id TEXT,
  processing_status TEXT NOT NULL DEFAULT 'received',
  processing_error TEXT,
  attempts INTEGER NOT NULL DEFAULT 0,
  received_at DATETIME NOT NULL,
  processed_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`, `
CREATE TABLE IF NOT EXISTS outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME
);`,
}

// Open returns a private in-memory database with every payment table. The
// pool is held to one connection so concurrent test goroutines serialize on
// sqlite instead of failing with a locked table.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

// SeedCredentials stores an enabled credential set.
func SeedCredentials(t *testing.T, db *gorm.DB, cred models.GatewayCredential) models.GatewayCredential {
	t.Helper()
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if cred.Environment == "" {
		cred.Environment = enums.GatewayEnvironmentSandbox
	}
	require.NoError(t, db.Create(&cred).Error)
	return cred
}

// SeedTransaction stores tx, filling identity and bookkeeping defaults.
func SeedTransaction(t *testing.T, db *gorm.DB, tx models.Transaction) models.Transaction {
	t.Helper()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.RestaurantID == uuid.Nil {
		tx.RestaurantID = uuid.New()
	}
	if tx.GatewayType == "" {
		tx.GatewayType = enums.GatewayCardA
	}
	if tx.ProviderTransactionID == "" {
		tx.ProviderTransactionID = "prov-" + tx.ID.String()[:8]
	}
	if tx.ExternalReference == "" {
		tx.ExternalReference = tx.ID.String()
	}
	if tx.Currency == "" {
		tx.Currency = "BRL"
	}
	if tx.Status == "" {
		tx.Status = enums.TransactionStatusPending
	}
	if tx.IdempotencyKey == "" {
		tx.IdempotencyKey = "seed-" + tx.ID.String()
	}
	require.NoError(t, db.Create(&tx).Error)
	return tx
}
