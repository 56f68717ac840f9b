package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/reconciler"
	"github.com/angelmondragon/mesa-payments/internal/testdb"
	"github.com/angelmondragon/mesa-payments/internal/transactions"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
)

const testSecret = "whsec_test"

// stubAdapter accepts bodies of the form
// "<provider id>[:<raw status>[:<reference>]]" signed with a header equal to
// the secret.
type stubAdapter struct {
	statusRes *gateway.StatusResult
	statusErr error
	queries   int
}

func (s *stubAdapter) Type() enums.GatewayType { return enums.GatewayCardB }

func (s *stubAdapter) Create(context.Context, gateway.CreateRequest) (*gateway.CreateResult, error) {
	return nil, gateway.NotImplemented(enums.GatewayCardB, "create")
}

func (s *stubAdapter) Confirm(ctx context.Context, q gateway.StatusQuery, _ gateway.PaymentDetails) (*gateway.StatusResult, error) {
	return s.QueryStatus(ctx, q)
}

func (s *stubAdapter) QueryStatus(context.Context, gateway.StatusQuery) (*gateway.StatusResult, error) {
	s.queries++
	return s.statusRes, s.statusErr
}

func (s *stubAdapter) Refund(context.Context, gateway.RefundRequest) (*gateway.RefundResult, error) {
	return nil, gateway.NotImplemented(enums.GatewayCardB, "refund")
}

func (s *stubAdapter) VerifyWebhook(_ []byte, headers http.Header, secret gateway.WebhookSecret) bool {
	return secret.Key != "" && headers.Get("X-Test-Signature") == secret.Key
}

func (s *stubAdapter) MapStatus(raw string) enums.TransactionStatus {
	switch raw {
	case "approved":
		return enums.TransactionStatusCompleted
	case "in_process":
		return enums.TransactionStatusProcessing
	default:
		return enums.TransactionStatusPending
	}
}

func (s *stubAdapter) ParseWebhook(body []byte) (*gateway.WebhookNotification, error) {
	switch string(body) {
	case "ignored":
		return nil, fmt.Errorf("merchant_order: %w", gateway.ErrIgnoredEvent)
	case "garbage":
		return nil, errors.New("decode notification: invalid character")
	}
	parts := strings.SplitN(string(body), ":", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return &gateway.WebhookNotification{
		EventID:    "evt-" + parts[0],
		EventType:  "payment",
		ProviderID: parts[0],
		RawStatus:  parts[1],
		Reference:  parts[2],
		Payload:    []byte(`{}`),
	}, nil
}

type ingestFixture struct {
	conn         *gorm.DB
	adapter      *stubAdapter
	ingestor     *Ingestor
	events       *Repository
	restaurantID uuid.UUID
}

func newIngestFixture(t *testing.T) *ingestFixture {
	conn := testdb.Open(t)
	adapter := &stubAdapter{}
	registry, err := gateway.NewRegistry(adapter)
	require.NoError(t, err)

	restaurantID := uuid.New()
	txRepo := transactions.NewRepository(conn)
	events := NewRepository(conn)
	ingestor, err := NewIngestor(IngestorParams{
		Gateways: registry,
		Credentials: gateway.StaticCredentials{{
			RestaurantID:  restaurantID,
			Gateway:       enums.GatewayCardB,
			WebhookSecret: testSecret,
		}},
		Transactions: txRepo,
		Reconciler:   reconciler.New(db.NewFromConn(conn), txRepo, outbox.NewService(outbox.NewRepository(conn), nil), nil, nil),
		Events:       events,
	})
	require.NoError(t, err)
	return &ingestFixture{conn: conn, adapter: adapter, ingestor: ingestor, events: events, restaurantID: restaurantID}
}

func (f *ingestFixture) seed(t *testing.T, providerID string) models.Transaction {
	return testdb.SeedTransaction(t, f.conn, models.Transaction{
		RestaurantID:          f.restaurantID,
		GatewayType:           enums.GatewayCardB,
		ProviderTransactionID: providerID,
		Amount:                decimal.RequireFromString("100.00"),
	})
}

func (f *ingestFixture) delivery(body string) Delivery {
	headers := http.Header{}
	headers.Set("X-Test-Signature", testSecret)
	rid := f.restaurantID
	return Delivery{Gateway: enums.GatewayCardB, RestaurantID: &rid, Body: []byte(body), Headers: headers}
}

func (f *ingestFixture) event(t *testing.T, id uuid.UUID) *models.WebhookEvent {
	event, err := f.events.FindByID(context.Background(), id)
	require.NoError(t, err)
	return event
}

func (f *ingestFixture) status(t *testing.T, id uuid.UUID) enums.TransactionStatus {
	var row models.Transaction
	require.NoError(t, f.conn.Where("id = ?", id).Take(&row).Error)
	return row.Status
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newIngestFixture(t)
	tx := f.seed(t, "pay-1")

	d := f.delivery("pay-1:approved")
	d.Headers.Set("X-Test-Signature", "forged")
	_, err := f.ingestor.Ingest(context.Background(), d)
	require.Error(t, err)
	assert.True(t, gateway.IsKind(err, gateway.KindSignatureInvalid))

	var rows []models.WebhookEvent
	require.NoError(t, f.conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].SignatureValid)
	assert.Equal(t, enums.WebhookStatusRejected, rows[0].ProcessingStatus)
	assert.Equal(t, enums.TransactionStatusPending, f.status(t, tx.ID))
}

func TestIngestStoresBinaryBodies(t *testing.T) {
	bodies := map[string][]byte{
		"nul byte":      []byte("pay-1:approved\x00"),
		"invalid utf-8": {0xff, 0xfe, 'p', 'a', 'y', 0xc3, 0x28},
		"empty":         nil,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newIngestFixture(t)
			d := f.delivery("")
			d.Body = body
			d.Headers.Set("X-Test-Signature", "forged")

			_, err := f.ingestor.Ingest(context.Background(), d)
			require.Error(t, err)
			assert.True(t, gateway.IsKind(err, gateway.KindSignatureInvalid), "got %v", err)

			var rows []models.WebhookEvent
			require.NoError(t, f.conn.Find(&rows).Error)
			require.Len(t, rows, 1)
			assert.Equal(t, enums.WebhookStatusRejected, rows[0].ProcessingStatus)
			if len(body) > 0 {
				assert.Equal(t, body, rows[0].Payload)
			} else {
				assert.Empty(t, rows[0].Payload)
			}
		})
	}

	t.Run("verified body replays byte for byte", func(t *testing.T) {
		f := newIngestFixture(t)
		body := "pay-2:approved:\xff\x00"
		res, err := f.ingestor.Ingest(context.Background(), f.delivery(body))
		require.NoError(t, err)
		assert.Equal(t, enums.WebhookStatusDeferred, res.Status)

		event := f.event(t, res.EventID)
		assert.Equal(t, []byte(body), event.Payload)

		tx := f.seed(t, "pay-2")
		retried, err := f.ingestor.Retry(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, enums.WebhookStatusProcessed, retried.Status)
		assert.Equal(t, enums.TransactionStatusCompleted, f.status(t, tx.ID))
	})
}

func TestIngestRejectsUnknownRestaurant(t *testing.T) {
	f := newIngestFixture(t)

	d := f.delivery("pay-1:approved")
	other := uuid.New()
	d.RestaurantID = &other
	_, err := f.ingestor.Ingest(context.Background(), d)
	assert.True(t, gateway.IsKind(err, gateway.KindSignatureInvalid))

	d.RestaurantID = nil
	_, err = f.ingestor.Ingest(context.Background(), d)
	assert.True(t, gateway.IsKind(err, gateway.KindSignatureInvalid))
}

func TestIngestAppliesStatus(t *testing.T) {
	f := newIngestFixture(t)
	tx := f.seed(t, "pay-1")

	res, err := f.ingestor.Ingest(context.Background(), f.delivery("pay-1:approved"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusProcessed, res.Status)
	assert.Equal(t, reconciler.OutcomeApplied, res.Reconcile)
	assert.Equal(t, enums.TransactionStatusCompleted, f.status(t, tx.ID))

	event := f.event(t, res.EventID)
	assert.True(t, event.SignatureValid)
	require.NotNil(t, event.TransactionID)
	assert.Equal(t, tx.ID, *event.TransactionID)
	require.NotNil(t, event.ProviderEventID)
	assert.Equal(t, "evt-pay-1", *event.ProviderEventID)
	assert.Equal(t, 1, event.Attempts)
	assert.NotNil(t, event.ProcessedAt)
}

func TestIngestDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newIngestFixture(t)
	tx := f.seed(t, "pay-1")
	ctx := context.Background()

	first, err := f.ingestor.Ingest(ctx, f.delivery("pay-1:approved"))
	require.NoError(t, err)
	second, err := f.ingestor.Ingest(ctx, f.delivery("pay-1:approved"))
	require.NoError(t, err)

	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, reconciler.OutcomeNoop, second.Reconcile)
	assert.Equal(t, enums.WebhookStatusProcessed, second.Status)

	var events, notifications int64
	require.NoError(t, f.conn.Model(&models.WebhookEvent{}).Count(&events).Error)
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("aggregate_id = ?", tx.ID).Count(&notifications).Error)
	assert.Equal(t, int64(2), events)
	assert.Equal(t, int64(1), notifications)
}

func TestIngestDefersUntilTransactionExists(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	res, err := f.ingestor.Ingest(ctx, f.delivery("pay-9:approved"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusDeferred, res.Status)

	deferred, err := f.events.ListDeferred(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, deferred, 1)

	tx := f.seed(t, "pay-9")
	retried, err := f.ingestor.Retry(ctx, &deferred[0])
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusProcessed, retried.Status)
	assert.Equal(t, enums.TransactionStatusCompleted, f.status(t, tx.ID))

	event := f.event(t, res.EventID)
	assert.Equal(t, 2, event.Attempts)

	deferred, err = f.events.ListDeferred(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, deferred)
}

func TestIngestResolvesByReference(t *testing.T) {
	f := newIngestFixture(t)
	tx := f.seed(t, "pref-abc")

	// The provider reports its own payment id and echoes our reference.
	res, err := f.ingestor.Ingest(context.Background(), f.delivery("pay-77:in_process:"+tx.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusProcessed, res.Status)
	assert.Equal(t, enums.TransactionStatusProcessing, f.status(t, tx.ID))
	assert.Zero(t, f.adapter.queries)
}

func TestIngestFetchesUnknownProviderObject(t *testing.T) {
	f := newIngestFixture(t)
	tx := f.seed(t, "pref-abc")
	f.adapter.statusRes = &gateway.StatusResult{
		ProviderID: "555",
		Reference:  tx.ID.String(),
		Status:     enums.TransactionStatusCompleted,
		RawStatus:  "approved",
	}

	// Only the payment id arrives; the row is keyed by the preference.
	res, err := f.ingestor.Ingest(context.Background(), f.delivery("555"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusProcessed, res.Status)
	require.NotNil(t, res.TransactionID)
	assert.Equal(t, tx.ID, *res.TransactionID)
	assert.Equal(t, enums.TransactionStatusCompleted, f.status(t, tx.ID))
	assert.Equal(t, 1, f.adapter.queries, "the fetched status is reused")
}

func TestIngestFetchOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result func(tx models.Transaction) *gateway.StatusResult
		err    error
		want   enums.WebhookProcessingStatus
	}{
		{
			name: "provider does not know the object",
			err:  gateway.UnknownTransaction(enums.GatewayCardB, "555"),
			want: enums.WebhookStatusDeferred,
		},
		{
			name: "provider unreachable",
			err:  gateway.Unreachable(enums.GatewayCardB, "query", errors.New("timeout")),
			want: enums.WebhookStatusDeferred,
		},
		{
			name: "object without reference",
			result: func(models.Transaction) *gateway.StatusResult {
				return &gateway.StatusResult{ProviderID: "555", Status: enums.TransactionStatusCompleted}
			},
			want: enums.WebhookStatusDeferred,
		},
		{
			name: "reference to no local row",
			result: func(models.Transaction) *gateway.StatusResult {
				return &gateway.StatusResult{ProviderID: "555", Reference: uuid.NewString(), Status: enums.TransactionStatusCompleted}
			},
			want: enums.WebhookStatusDeferred,
		},
		{
			name: "provider rejects the lookup",
			err:  gateway.Rejected(enums.GatewayCardB, "query", http.StatusForbidden, "forbidden"),
			want: enums.WebhookStatusError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIngestFixture(t)
			tx := f.seed(t, "pref-abc")
			f.adapter.statusErr = tt.err
			if tt.result != nil {
				f.adapter.statusRes = tt.result(tx)
			}

			res, err := f.ingestor.Ingest(context.Background(), f.delivery("555"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, enums.TransactionStatusPending, f.status(t, tx.ID))
		})
	}
}

func TestIngestQueriesProviderWhenEventHasNoStatus(t *testing.T) {
	f := newIngestFixture(t)
	tx := f.seed(t, "pay-1")
	fees := decimal.RequireFromString("4.99")
	f.adapter.statusRes = &gateway.StatusResult{Status: enums.TransactionStatusCompleted, RawStatus: "approved", Fees: &fees}

	res, err := f.ingestor.Ingest(context.Background(), f.delivery("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.adapter.queries)
	assert.Equal(t, enums.WebhookStatusProcessed, res.Status)

	var row models.Transaction
	require.NoError(t, f.conn.Where("id = ?", tx.ID).Take(&row).Error)
	assert.True(t, row.Fees.Equal(fees))
}

func TestIngestDefersWhenProviderUnreachable(t *testing.T) {
	f := newIngestFixture(t)
	f.seed(t, "pay-1")
	f.adapter.statusErr = gateway.Unreachable(enums.GatewayCardB, "query", errors.New("timeout"))

	res, err := f.ingestor.Ingest(context.Background(), f.delivery("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusDeferred, res.Status)
	require.NotNil(t, f.event(t, res.EventID).ProcessingError)
}

func TestIngestIgnoredEventType(t *testing.T) {
	f := newIngestFixture(t)

	res, err := f.ingestor.Ingest(context.Background(), f.delivery("ignored"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusProcessed, res.Status)
	assert.True(t, f.event(t, res.EventID).SignatureValid)
}

func TestIngestUnparsablePayload(t *testing.T) {
	f := newIngestFixture(t)

	_, err := f.ingestor.Ingest(context.Background(), f.delivery("garbage"))
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	var rows []models.WebhookEvent
	require.NoError(t, f.conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.WebhookStatusError, rows[0].ProcessingStatus)
}

func TestIngestRestaurantMismatch(t *testing.T) {
	f := newIngestFixture(t)
	testdb.SeedTransaction(t, f.conn, models.Transaction{
		GatewayType:           enums.GatewayCardB,
		ProviderTransactionID: "pay-x",
		Amount:                decimal.RequireFromString("10.00"),
	})

	res, err := f.ingestor.Ingest(context.Background(), f.delivery("pay-x:approved"))
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusError, res.Status)
}
