package cardb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

var restaurantID = uuid.MustParse("2b1f7a8e-5f0c-4a52-9b0e-6c7d1e2f3a44")

func testAdapter(baseURL string, env enums.GatewayEnvironment) *Adapter {
	creds := gateway.StaticCredentials{{
		RestaurantID:  restaurantID,
		Gateway:       enums.GatewayCardB,
		Environment:   env,
		SecretKey:     "APP_USR-token",
		WebhookSecret: "mp-secret",
	}}
	return New(Config{
		Provider:        config.ProviderConfig{BaseURL: baseURL, MaxRetries: 2, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond},
		NotificationURL: "https://pay.example.com/webhooks/card-b",
		SuccessURL:      "https://app.example.com/ok",
	}, creds, nil, nil)
}

func TestStatusTableIsExhaustive(t *testing.T) {
	assert.Len(t, statusTable, len(knownStatuses))
	for _, raw := range knownStatuses {
		_, ok := statusTable[raw]
		assert.True(t, ok, "missing %s", raw)
	}
}

func TestMapStatus(t *testing.T) {
	a := testAdapter("", enums.GatewayEnvironmentProduction)
	cases := map[string]enums.TransactionStatus{
		"pending":      enums.TransactionStatusPending,
		"in_process":   enums.TransactionStatusProcessing,
		"authorized":   enums.TransactionStatusProcessing,
		"approved":     enums.TransactionStatusCompleted,
		"APPROVED":     enums.TransactionStatusCompleted,
		"rejected":     enums.TransactionStatusFailed,
		"cancelled":    enums.TransactionStatusCancelled,
		"refunded":     enums.TransactionStatusRefunded,
		"charged_back": enums.TransactionStatusRefunded,
		"mystery":      enums.TransactionStatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, a.MapStatus(raw), raw)
	}
}

func TestCreatePreference(t *testing.T) {
	reference := uuid.New()
	var got preferenceRequest
	var attempts atomic.Int32
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer APP_USR-token", r.Header.Get("Authorization"))
		keys = append(keys, r.Header.Get(idempotencyHeader))
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"pref-123","init_point":"https://mp.example/checkout","sandbox_init_point":"https://sandbox.mp.example/checkout"}`))
	}))
	defer srv.Close()

	res, err := testAdapter(srv.URL, enums.GatewayEnvironmentSandbox).Create(context.Background(), gateway.CreateRequest{
		RestaurantID:   restaurantID,
		Reference:      reference,
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "brl",
		OrderRef:       "M12",
		IdempotencyKey: "checkout-1",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, []string{"checkout-1", "checkout-1"}, keys)
	assert.Equal(t, "pref-123", res.ProviderID)
	assert.Equal(t, "https://sandbox.mp.example/checkout", res.CheckoutURL)
	assert.Equal(t, enums.TransactionStatusPending, res.Status)

	require.Len(t, got.Items, 1)
	assert.Equal(t, "BRL", got.Items[0].CurrencyID)
	assert.Equal(t, json.Number("100.00"), got.Items[0].UnitPrice)
	assert.Equal(t, reference.String(), got.ExternalReference)
	assert.Equal(t, "https://pay.example.com/webhooks/card-b?restaurant="+restaurantID.String(), got.NotificationURL)
	assert.Equal(t, "approved", got.AutoReturn)
}

func TestCreateRejectedIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid unit_price"}`))
	}))
	defer srv.Close()

	_, err := testAdapter(srv.URL, enums.GatewayEnvironmentProduction).Create(context.Background(), gateway.CreateRequest{
		RestaurantID: restaurantID, Reference: uuid.New(), Amount: decimal.NewFromInt(1), Currency: "BRL",
	})
	require.Error(t, err)
	assert.True(t, gateway.IsKind(err, gateway.KindProviderRejected))
	assert.Equal(t, http.StatusBadRequest, gateway.StatusCodeOf(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCreateWithoutCredentials(t *testing.T) {
	_, err := testAdapter("", enums.GatewayEnvironmentProduction).Create(context.Background(), gateway.CreateRequest{RestaurantID: uuid.New()})
	assert.True(t, gateway.IsKind(err, gateway.KindNotConfigured))
}

func TestQueryStatusSearchesNewestPayment(t *testing.T) {
	reference := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/search", r.URL.Path)
		assert.Equal(t, reference.String(), r.URL.Query().Get("external_reference"))
		_, _ = w.Write([]byte(`{"results":[
			{"id":1001,"status":"rejected","external_reference":"` + reference.String() + `","date_created":"2026-10-01T10:00:00.000-03:00"},
			{"id":1002,"status":"approved","external_reference":"` + reference.String() + `","payment_method_id":"visa","date_created":"2026-10-01T10:05:00.000-03:00",
			 "transaction_amount":100.00,"fee_details":[{"type":"mercadopago_fee","amount":2.5,"fee_payer":"collector"},{"type":"financing_fee","amount":1.0,"fee_payer":"payer"}]}
		]}`))
	}))
	defer srv.Close()

	res, err := testAdapter(srv.URL, enums.GatewayEnvironmentProduction).QueryStatus(context.Background(), gateway.StatusQuery{
		RestaurantID: restaurantID, ProviderID: "pref-123", Reference: reference,
	})
	require.NoError(t, err)
	assert.Equal(t, "1002", res.ProviderID)
	assert.Equal(t, enums.TransactionStatusCompleted, res.Status)
	assert.Equal(t, "visa", res.PaymentMethod)
	require.NotNil(t, res.Fees)
	assert.True(t, res.Fees.Equal(decimal.RequireFromString("2.50")), res.Fees.String())
	assert.Nil(t, res.Refund)
}

func TestQueryStatusWithoutPayments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	res, err := testAdapter(srv.URL, enums.GatewayEnvironmentProduction).QueryStatus(context.Background(), gateway.StatusQuery{
		RestaurantID: restaurantID, ProviderID: "pref-123", Reference: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusPending, res.Status)
	assert.Equal(t, "pref-123", res.ProviderID)
}

func TestQueryStatusByPaymentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payments/555":
			_, _ = w.Write([]byte(`{"id":555,"status":"approved","transaction_amount":100,"transaction_amount_refunded":50,
				"refunds":[{"id":9001,"amount":30,"status":"approved"},{"id":9002,"amount":20,"status":"approved"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := testAdapter(srv.URL, enums.GatewayEnvironmentProduction)
	res, err := a.QueryStatus(context.Background(), gateway.StatusQuery{RestaurantID: restaurantID, ProviderID: "555"})
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, "9002", res.Refund.RefundID)
	assert.True(t, res.Refund.Amount.Equal(decimal.NewFromInt(20)))
	require.NotNil(t, res.Refund.Total)
	assert.True(t, res.Refund.Total.Equal(decimal.NewFromInt(50)))
	require.Len(t, res.Refund.Items, 2)
	assert.Equal(t, "9001", res.Refund.Items[0].RefundID)
	assert.True(t, res.Refund.Items[0].Amount.Equal(decimal.NewFromInt(30)))

	_, err = a.QueryStatus(context.Background(), gateway.StatusQuery{RestaurantID: restaurantID, ProviderID: "404"})
	assert.True(t, gateway.IsKind(err, gateway.KindUnknownTransaction))
}

func TestRefundPostsAmount(t *testing.T) {
	var body map[string]json.Number
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/555/refunds", r.URL.Path)
		assert.Equal(t, "refund-key", r.Header.Get(idempotencyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":9002,"payment_id":555,"amount":70,"status":"approved"}`))
	}))
	defer srv.Close()

	res, err := testAdapter(srv.URL, enums.GatewayEnvironmentProduction).Refund(context.Background(), gateway.RefundRequest{
		RestaurantID:      restaurantID,
		ProviderID:        "555",
		TransactionAmount: decimal.NewFromInt(100),
		AlreadyRefunded:   decimal.NewFromInt(30),
		IdempotencyKey:    "refund-key",
	})
	require.NoError(t, err)
	assert.Equal(t, json.Number("70.00"), body["amount"])
	assert.Equal(t, "9002", res.RefundID)
	assert.Equal(t, enums.TransactionStatusRefunded, res.Status)
}

func TestRefundRejectsExcess(t *testing.T) {
	excess := decimal.NewFromInt(150)
	_, err := testAdapter("", enums.GatewayEnvironmentProduction).Refund(context.Background(), gateway.RefundRequest{
		RestaurantID: restaurantID, ProviderID: "555", Amount: &excess, TransactionAmount: decimal.NewFromInt(100),
	})
	assert.True(t, gateway.IsKind(err, gateway.KindProviderRejected))
}

func TestVerifyWebhook(t *testing.T) {
	a := testAdapter("", enums.GatewayEnvironmentProduction)
	secret := gateway.WebhookSecret{Key: "mp-secret"}
	body := []byte(`{"id":12,"type":"payment","action":"payment.updated","data":{"id":"555"}}`)
	ts := "1704908010"
	signed := func(manifest string) http.Header {
		h := http.Header{}
		h.Set(signatureHeader, "ts="+ts+",v1="+gateway.SignHex(secret.Key, []byte(manifest)))
		h.Set(requestIDHeader, "req-abc")
		return h
	}

	headers := signed("id:555;request-id:req-abc;ts:" + ts + ";")
	assert.True(t, a.VerifyWebhook(body, headers, secret))

	// data.id in the body is part of what was signed.
	other := []byte(`{"id":12,"type":"payment","action":"payment.updated","data":{"id":"556"}}`)
	assert.False(t, a.VerifyWebhook(other, headers, secret))

	tampered := headers.Clone()
	tampered.Set(requestIDHeader, "req-xyz")
	assert.False(t, a.VerifyWebhook(body, tampered, secret))

	assert.False(t, a.VerifyWebhook(body, headers, gateway.WebhookSecret{Key: "other"}))
	assert.False(t, a.VerifyWebhook(body, http.Header{}, secret))
	assert.False(t, a.VerifyWebhook([]byte(`{`), headers, secret))

	// A body-over-timestamp signature is not Mercado Pago's scheme.
	bodySigned := http.Header{}
	bodySigned.Set(signatureHeader, "ts="+ts+",v1="+gateway.SignHex(secret.Key, []byte(ts), []byte("."), body))
	assert.False(t, a.VerifyWebhook(body, bodySigned, secret))
}

func TestVerifyWebhookManifestVariants(t *testing.T) {
	a := testAdapter("", enums.GatewayEnvironmentProduction)
	secret := gateway.WebhookSecret{Key: "mp-secret"}
	ts := "1704908010"

	tests := []struct {
		name      string
		body      string
		requestID string
		manifest  string
	}{
		{"numeric id", `{"type":"payment","data":{"id":555}}`, "req-1", "id:555;request-id:req-1;ts:" + ts + ";"},
		{"no request id", `{"type":"payment","data":{"id":"555"}}`, "", "id:555;ts:" + ts + ";"},
		{"alphanumeric id lowercased", `{"type":"payment","data":{"id":"ABC123"}}`, "req-2", "id:abc123;request-id:req-2;ts:" + ts + ";"},
		{"no data id", `{"type":"payment"}`, "req-3", "request-id:req-3;ts:" + ts + ";"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set(signatureHeader, "ts="+ts+",v1="+gateway.SignHex(secret.Key, []byte(tt.manifest)))
			if tt.requestID != "" {
				h.Set(requestIDHeader, tt.requestID)
			}
			assert.True(t, a.VerifyWebhook([]byte(tt.body), h, secret))
		})
	}
}

func TestParseWebhook(t *testing.T) {
	a := testAdapter("", enums.GatewayEnvironmentProduction)

	n, err := a.ParseWebhook([]byte(`{"id":12,"type":"payment","action":"payment.updated","data":{"id":555}}`))
	require.NoError(t, err)
	assert.Equal(t, "12", n.EventID)
	assert.Equal(t, "payment.updated", n.EventType)
	assert.Equal(t, "555", n.ProviderID)
	assert.True(t, n.NeedsQuery())

	_, err = a.ParseWebhook([]byte(`{"id":13,"type":"merchant_order","data":{"id":"1"}}`))
	assert.ErrorIs(t, err, gateway.ErrIgnoredEvent)

	_, err = a.ParseWebhook([]byte(`{"id":14,"type":"payment","data":{}}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, gateway.ErrIgnoredEvent)

	_, err = a.ParseWebhook([]byte(`{`))
	assert.Error(t, err)
}
