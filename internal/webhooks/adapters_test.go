package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/gateway/carda"
	"github.com/angelmondragon/mesa-payments/internal/gateway/cardb"
	"github.com/angelmondragon/mesa-payments/internal/gateway/cardc"
	"github.com/angelmondragon/mesa-payments/internal/gateway/transfer"
	"github.com/angelmondragon/mesa-payments/internal/reconciler"
	"github.com/angelmondragon/mesa-payments/internal/testdb"
	"github.com/angelmondragon/mesa-payments/internal/transactions"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
)

const (
	mpPreferenceID   = "123456-pref-abc"
	mpPaymentID      = "555"
	stripeIntentID   = "pi_mesa"
	squareOrderID    = "ord_mesa"
	squareNotifyURL  = "https://pay.example.com/webhooks/card-c"
	squareLocationID = "L1"
	providerTimeout  = 5 * time.Second
)

// fakeProviders answers the Stripe, Mercado Pago and Square calls the
// adapters make and remembers the reference each checkout was opened with.
type fakeProviders struct {
	t *testing.T

	mu        sync.Mutex
	reference string
}

func (p *fakeProviders) remember(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reference = ref
}

func (p *fakeProviders) ref() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reference
}

func (p *fakeProviders) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(p.t, r.ParseForm())
		p.remember(r.PostForm.Get("metadata[transaction_id]"))
		writeJSON(w, map[string]any{
			"id":            stripeIntentID,
			"object":        "payment_intent",
			"status":        "requires_payment_method",
			"client_secret": stripeIntentID + "_secret_x",
			"metadata":      map[string]string{"transaction_id": p.ref()},
		})
	})
	mux.HandleFunc("GET /v1/payment_intents/"+stripeIntentID, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":                   stripeIntentID,
			"object":               "payment_intent",
			"status":               "succeeded",
			"metadata":             map[string]string{"transaction_id": p.ref()},
			"payment_method_types": []string{"card"},
			"latest_charge": map[string]any{
				"id":     "ch_mesa",
				"object": "charge",
				"balance_transaction": map[string]any{
					"id":     "txn_mesa",
					"object": "balance_transaction",
					"fee":    349,
				},
			},
		})
	})

	mux.HandleFunc("POST /checkout/preferences", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExternalReference string `json:"external_reference"`
		}
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&req))
		p.remember(req.ExternalReference)
		writeJSON(w, map[string]any{
			"id":                 mpPreferenceID,
			"init_point":         "https://mp.example/checkout",
			"sandbox_init_point": "https://sandbox.mp.example/checkout",
		})
	})
	mux.HandleFunc("GET /v1/payments/"+mpPaymentID, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":                 555,
			"status":             "approved",
			"external_reference": p.ref(),
			"transaction_amount": 100.00,
			"payment_method_id":  "visa",
			"payment_type_id":    "credit_card",
		})
	})

	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Order struct {
				ReferenceID string `json:"reference_id"`
			} `json:"order"`
		}
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&req))
		p.remember(req.Order.ReferenceID)
		writeJSON(w, map[string]any{"order": map[string]any{
			"id":           squareOrderID,
			"location_id":  squareLocationID,
			"state":        "OPEN",
			"reference_id": p.ref(),
			"version":      1,
		}})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.t.Errorf("unexpected provider call %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type gatewayFixture struct {
	service      *transactions.Service
	ingestor     *Ingestor
	repo         *transactions.Repository
	restaurantID uuid.UUID
}

func newGatewayFixture(t *testing.T, apiURL string) *gatewayFixture {
	conn := testdb.Open(t)
	restaurantID := uuid.New()

	creds := gateway.StaticCredentials{
		{
			RestaurantID:  restaurantID,
			Gateway:       enums.GatewayCardA,
			Environment:   enums.GatewayEnvironmentSandbox,
			SecretKey:     "sk_test_mesa",
			WebhookSecret: "whsec_card_a",
		},
		{
			RestaurantID:  restaurantID,
			Gateway:       enums.GatewayCardB,
			Environment:   enums.GatewayEnvironmentSandbox,
			SecretKey:     "APP_USR-token",
			WebhookSecret: "mp-secret",
		},
		{
			RestaurantID:    restaurantID,
			Gateway:         enums.GatewayCardC,
			Environment:     enums.GatewayEnvironmentSandbox,
			SecretKey:       "EAAA-token",
			LocationID:      squareLocationID,
			WebhookSecret:   "sq-signature-key",
			NotificationURL: squareNotifyURL,
		},
		{
			RestaurantID:  restaurantID,
			Gateway:       enums.GatewayTransfer,
			PixKey:        "restaurante@example.com",
			MerchantName:  "Cantina da Nona",
			MerchantCity:  "Sao Paulo",
			WebhookSecret: "pix-secret",
		},
	}
	provider := config.ProviderConfig{BaseURL: apiURL, Timeout: providerTimeout}

	registry, err := gateway.NewRegistry(
		carda.New(carda.Config{Provider: provider, SignatureTolerance: 5 * time.Minute, BaseURL: apiURL}, creds, nil, nil),
		cardb.New(cardb.Config{Provider: provider, NotificationURL: "https://pay.example.com/webhooks/card-b"}, creds, nil, nil),
		cardc.New(cardc.Config{Provider: provider}, creds, nil, nil),
		transfer.New(transfer.Config{Provider: provider}, creds, nil, nil),
	)
	require.NoError(t, err)

	repo := transactions.NewRepository(conn)
	rec := reconciler.New(db.NewFromConn(conn), repo, outbox.NewService(outbox.NewRepository(conn), nil), nil, nil)
	service, err := transactions.NewService(transactions.ServiceParams{Repo: repo, Gateways: registry, Reconciler: rec})
	require.NoError(t, err)
	ingestor, err := NewIngestor(IngestorParams{
		Gateways:     registry,
		Credentials:  creds,
		Transactions: repo,
		Reconciler:   rec,
		Events:       NewRepository(conn),
	})
	require.NoError(t, err)
	return &gatewayFixture{service: service, ingestor: ingestor, repo: repo, restaurantID: restaurantID}
}

func stripeSigned(secret string, body []byte) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := http.Header{}
	h.Set("Stripe-Signature", "t="+ts+",v1="+gateway.SignHex(secret, []byte(ts), []byte("."), body))
	return h
}

func mercadoPagoSigned(secret, dataID, requestID string) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	manifest := "id:" + dataID + ";request-id:" + requestID + ";ts:" + ts + ";"
	h := http.Header{}
	h.Set("x-signature", "ts="+ts+",v1="+gateway.SignHex(secret, []byte(manifest)))
	h.Set("x-request-id", requestID)
	return h
}

func squareSigned(secret, url string, body []byte) http.Header {
	h := http.Header{}
	h.Set("x-square-hmacsha256-signature", gateway.SignBase64(secret, []byte(url), body))
	return h
}

func pixSigned(secret string, body []byte) http.Header {
	h := http.Header{}
	h.Set("X-Webhook-Signature", gateway.SignHex(secret, body))
	return h
}

// TestIngestWithProviderAdapters drives each provider's real adapter from
// checkout creation to a signed webhook, so the ids a provider sends back
// have to meet the ids Create stored.
func TestIngestWithProviderAdapters(t *testing.T) {
	tests := []struct {
		name     string
		gw       enums.GatewayType
		wantID   string
		webhook  func(tx *models.Transaction) ([]byte, http.Header)
		wantFees string
	}{
		{
			name:   "card-a succeeded intent fetched with fees",
			gw:     enums.GatewayCardA,
			wantID: stripeIntentID,
			webhook: func(tx *models.Transaction) ([]byte, http.Header) {
				body := []byte(fmt.Sprintf(`{"id":"evt_mesa","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":%q,"object":"payment_intent","status":"succeeded","metadata":{"transaction_id":%q}}}}`,
					tx.ProviderTransactionID, tx.ID.String()))
				return body, stripeSigned("whsec_card_a", body)
			},
			wantFees: "3.49",
		},
		{
			name:   "card-b payment notification for a preference checkout",
			gw:     enums.GatewayCardB,
			wantID: mpPreferenceID,
			webhook: func(*models.Transaction) ([]byte, http.Header) {
				body := []byte(`{"id":9001,"type":"payment","action":"payment.updated","data":{"id":"` + mpPaymentID + `"}}`)
				return body, mercadoPagoSigned("mp-secret", mpPaymentID, "req-mesa-1")
			},
			wantFees: "0.00",
		},
		{
			name:   "card-c completed payment on the order",
			gw:     enums.GatewayCardC,
			wantID: squareOrderID,
			webhook: func(tx *models.Transaction) ([]byte, http.Header) {
				body := []byte(fmt.Sprintf(`{"merchant_id":"M1","type":"payment.updated","event_id":"evt-sq-1","data":{"type":"payment","id":"pay_sq_1","object":{"payment":{"id":"pay_sq_1","order_id":%q,"reference_id":%q,"status":"COMPLETED","source_type":"CARD","amount_money":{"amount":10000,"currency":"BRL"},"processing_fee":[{"amount_money":{"amount":290,"currency":"BRL"},"type":"INITIAL"}]}}}}`,
					tx.ProviderTransactionID, tx.ID.String()))
				return body, squareSigned("sq-signature-key", squareNotifyURL, body)
			},
			wantFees: "2.90",
		},
		{
			name: "transfer pix callback by txid",
			gw:   enums.GatewayTransfer,
			webhook: func(tx *models.Transaction) ([]byte, http.Header) {
				body := []byte(fmt.Sprintf(`{"pix":[{"endToEndId":"E18236120202610181200s0000000001","txid":%q,"valor":"100.00","horario":"2026-10-18T12:00:00Z"}]}`,
					tx.ProviderTransactionID))
				return body, pixSigned("pix-secret", body)
			},
			wantFees: "0.00",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeProviders{t: t}
			srv := httptest.NewServer(fake.handler())
			defer srv.Close()
			f := newGatewayFixture(t, srv.URL)
			ctx := context.Background()

			out, err := f.service.Create(ctx, transactions.CreateInput{
				RestaurantID: f.restaurantID,
				Gateway:      tc.gw,
				Amount:       decimal.RequireFromString("100.00"),
				Currency:     "BRL",
				OrderRef:     "M12",
			})
			require.NoError(t, err)
			tx := out.Transaction
			require.Equal(t, enums.TransactionStatusPending, tx.Status)
			if tc.wantID != "" {
				require.Equal(t, tc.wantID, tx.ProviderTransactionID)
			}

			body, headers := tc.webhook(tx)
			rid := f.restaurantID
			res, err := f.ingestor.Ingest(ctx, Delivery{Gateway: tc.gw, RestaurantID: &rid, Body: body, Headers: headers})
			require.NoError(t, err)
			assert.Equal(t, enums.WebhookStatusProcessed, res.Status)
			require.NotNil(t, res.TransactionID)
			assert.Equal(t, tx.ID, *res.TransactionID)

			stored, err := f.repo.FindByID(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, enums.TransactionStatusCompleted, stored.Status)
			assert.Equal(t, tc.wantFees, stored.Fees.StringFixed(2))
		})
	}
}
