// Package transfer implements the PIX transfer gateway. Checkout codes are
// built locally with pkg/pix; settlement is read from the restaurant's PSP
// cob API when one is configured.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
	"github.com/angelmondragon/mesa-payments/pkg/pix"
)

const (
	signatureHeader = "X-Webhook-Signature"
	txIDLength      = 25
	paymentMethod   = "pix"
)

// cobStatus is the PSP cob vocabulary plus the short codes used by the
// simple notification body.
type cobStatus string

const (
	cobActive          cobStatus = "ATIVA"
	cobCompleted       cobStatus = "CONCLUIDA"
	cobRemovedByPayee  cobStatus = "REMOVIDA_PELO_USUARIO_RECEBEDOR"
	cobRemovedByPSP    cobStatus = "REMOVIDA_PELO_PSP"
	statusCreated      cobStatus = "created"
	statusPending      cobStatus = "pending"
	statusPaid         cobStatus = "paid"
	statusApproved     cobStatus = "approved"
	statusCancelled    cobStatus = "cancelled"
	statusExpired      cobStatus = "expired"
	statusFailed       cobStatus = "failed"
	devolutionDone     cobStatus = "DEVOLVIDO"
	devolutionRunning  cobStatus = "EM_PROCESSAMENTO"
	devolutionRejected cobStatus = "NAO_REALIZADO"
)

var knownStatuses = []cobStatus{
	cobActive, cobCompleted, cobRemovedByPayee, cobRemovedByPSP,
	statusCreated, statusPending, statusPaid, statusApproved,
	statusCancelled, statusExpired, statusFailed,
}

var statusTable = map[cobStatus]enums.TransactionStatus{
	cobActive:         enums.TransactionStatusPending,
	statusCreated:     enums.TransactionStatusPending,
	statusPending:     enums.TransactionStatusPending,
	cobCompleted:      enums.TransactionStatusCompleted,
	statusPaid:        enums.TransactionStatusCompleted,
	statusApproved:    enums.TransactionStatusCompleted,
	cobRemovedByPayee: enums.TransactionStatusCancelled,
	statusCancelled:   enums.TransactionStatusCancelled,
	cobRemovedByPSP:   enums.TransactionStatusFailed,
	statusExpired:     enums.TransactionStatusFailed,
	statusFailed:      enums.TransactionStatusFailed,
}

// ExpiredStatus is the raw status the sweep reports when a code outlives
// its validity without a settlement answer.
const ExpiredStatus = string(statusExpired)

type Config struct {
	Provider config.ProviderConfig
	// SettlementQuery enables the PSP cob lookup for restaurants that
	// configured a settlement_base_url.
	SettlementQuery bool
	HTTPClient      *http.Client
}

type Adapter struct {
	creds           gateway.CredentialSource
	caller          *gateway.Caller
	client          gateway.JSONClient
	statuses        *gateway.StatusTable[cobStatus]
	settlementQuery bool
	logg            *logger.Logger
}

func New(cfg Config, creds gateway.CredentialSource, m *metrics.GatewayMetrics, logg *logger.Logger) *Adapter {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Adapter{
		creds:           creds,
		caller:          gateway.NewCaller(enums.GatewayTransfer, cfg.Provider, m, logg),
		client:          gateway.JSONClient{Gateway: enums.GatewayTransfer, HTTP: cfg.HTTPClient},
		statuses:        gateway.NewStatusTable(enums.GatewayTransfer, statusTable, m, logg),
		settlementQuery: cfg.SettlementQuery,
		logg:            logg,
	}
}

func (a *Adapter) Type() enums.GatewayType {
	return enums.GatewayTransfer
}

func (a *Adapter) MapStatus(raw string) enums.TransactionStatus {
	return a.statuses.Map(raw)
}

// TxIDFor derives the 25 character alphanumeric txid carried in the PIX
// payload from the local transaction id.
func TxIDFor(reference uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(reference.String(), "-", ""))[:txIDLength]
}

func (a *Adapter) Create(ctx context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	creds, err := a.creds.Credentials(ctx, req.RestaurantID, enums.GatewayTransfer)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(creds.PixKey) == "" || strings.TrimSpace(creds.MerchantName) == "" || strings.TrimSpace(creds.MerchantCity) == "" {
		return nil, gateway.NotConfigured(enums.GatewayTransfer, req.RestaurantID)
	}
	if !strings.EqualFold(req.Currency, "BRL") {
		return nil, gateway.Rejected(enums.GatewayTransfer, "create", 0, fmt.Sprintf("transfer payments settle in BRL, got %s", req.Currency))
	}

	txid := TxIDFor(req.Reference)
	code, err := pix.Encode(pix.Payload{
		Key:          creds.PixKey,
		Description:  req.Description,
		MerchantName: creds.MerchantName,
		MerchantCity: creds.MerchantCity,
		Amount:       req.Amount,
		TxID:         txid,
	})
	if err != nil {
		return nil, gateway.Rejected(enums.GatewayTransfer, "create", 0, err.Error())
	}

	payload, _ := json.Marshal(map[string]string{
		"txid":        txid,
		"pix_payload": code,
		"amount":      pix.FormatAmount(req.Amount),
	})
	return &gateway.CreateResult{
		ProviderID: txid,
		PixPayload: code,
		Status:     enums.TransactionStatusPending,
		RawStatus:  string(statusCreated),
		Payload:    payload,
	}, nil
}

// Confirm has no second step for transfers; it reports the current status.
func (a *Adapter) Confirm(ctx context.Context, query gateway.StatusQuery, _ gateway.PaymentDetails) (*gateway.StatusResult, error) {
	return a.QueryStatus(ctx, query)
}

type cobValue struct {
	Original string `json:"original"`
}

type cobPix struct {
	EndToEndID string `json:"endToEndId"`
	TxID       string `json:"txid"`
	Valor      string `json:"valor"`
	Horario    string `json:"horario"`
}

type cobResponse struct {
	TxID   string   `json:"txid"`
	Status string   `json:"status"`
	Valor  cobValue `json:"valor"`
	Pix    []cobPix `json:"pix"`
}

func (a *Adapter) settlementBase(ctx context.Context, restaurantID uuid.UUID, op string) (*gateway.Credentials, string, error) {
	creds, err := a.creds.Credentials(ctx, restaurantID, enums.GatewayTransfer)
	if err != nil {
		return nil, "", err
	}
	base := strings.TrimRight(strings.TrimSpace(creds.SettlementBaseURL), "/")
	if !a.settlementQuery || base == "" {
		return nil, "", gateway.NotImplemented(enums.GatewayTransfer, op)
	}
	return creds, base, nil
}

func authHeaders(creds *gateway.Credentials) http.Header {
	h := http.Header{}
	if creds.SecretKey != "" {
		h.Set("Authorization", "Bearer "+creds.SecretKey)
	}
	return h
}

func (a *Adapter) fetchCob(ctx context.Context, creds *gateway.Credentials, base, txid string) (*cobResponse, json.RawMessage, error) {
	var (
		out cobResponse
		raw json.RawMessage
	)
	err := a.caller.Do(ctx, "query", func(ctx context.Context) error {
		var callErr error
		raw, callErr = a.client.Do(ctx, "query", http.MethodGet, base+"/v2/cob/"+txid, authHeaders(creds), nil, &out)
		return callErr
	})
	if err != nil {
		if gateway.StatusCodeOf(err) == http.StatusNotFound {
			return nil, nil, gateway.UnknownTransaction(enums.GatewayTransfer, txid)
		}
		return nil, nil, err
	}
	return &out, raw, nil
}

// QueryStatus reads the cob from the PSP. Without a settlement API the
// status cannot be known and NotImplemented is returned.
func (a *Adapter) QueryStatus(ctx context.Context, query gateway.StatusQuery) (*gateway.StatusResult, error) {
	creds, base, err := a.settlementBase(ctx, query.RestaurantID, "query")
	if err != nil {
		return nil, err
	}
	cob, raw, err := a.fetchCob(ctx, creds, base, query.ProviderID)
	if err != nil {
		return nil, err
	}
	return &gateway.StatusResult{
		ProviderID:    query.ProviderID,
		Reference:     query.Reference.String(),
		Status:        a.MapStatus(cob.Status),
		RawStatus:     cob.Status,
		PaymentMethod: paymentMethod,
		Payload:       raw,
	}, nil
}

type devolutionRequest struct {
	Valor string `json:"valor"`
}

type devolutionResponse struct {
	ID     string `json:"id"`
	RtrID  string `json:"rtrId"`
	Valor  string `json:"valor"`
	Status string `json:"status"`
}

// refundID fits the PSP's devolution id rules: alphanumeric, at most 35.
func refundID(idempotencyKey string) string {
	var b strings.Builder
	for _, r := range idempotencyKey {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if len(id) > 35 {
		id = id[:35]
	}
	return id
}

// Refund requests a devolution of the settled PIX through the PSP.
func (a *Adapter) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	amount, err := req.RefundAmount()
	if err != nil {
		return nil, gateway.Rejected(enums.GatewayTransfer, "refund", 0, err.Error())
	}
	creds, base, err := a.settlementBase(ctx, req.RestaurantID, "refund")
	if err != nil {
		return nil, err
	}
	cob, _, err := a.fetchCob(ctx, creds, base, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if len(cob.Pix) == 0 || cob.Pix[0].EndToEndID == "" {
		return nil, gateway.Rejected(enums.GatewayTransfer, "refund", 0, "no settled pix to refund")
	}

	id := refundID(req.IdempotencyKey)
	url := fmt.Sprintf("%s/v2/pix/%s/devolucao/%s", base, cob.Pix[0].EndToEndID, id)
	var (
		out devolutionResponse
		raw json.RawMessage
	)
	err = a.caller.Do(ctx, "refund", func(ctx context.Context) error {
		var callErr error
		raw, callErr = a.client.Do(ctx, "refund", http.MethodPut, url, authHeaders(creds), devolutionRequest{Valor: pix.FormatAmount(amount)}, &out)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if cobStatus(out.Status) == devolutionRejected {
		return nil, gateway.Rejected(enums.GatewayTransfer, "refund", 0, string(raw))
	}

	refunded := amount
	if v, parseErr := decimal.NewFromString(out.Valor); parseErr == nil && v.IsPositive() {
		refunded = v
	}
	status := enums.TransactionStatusPartiallyRefunded
	if req.AlreadyRefunded.Add(refunded).GreaterThanOrEqual(req.TransactionAmount) {
		status = enums.TransactionStatusRefunded
	}
	if out.ID == "" {
		out.ID = id
	}
	return &gateway.RefundResult{
		RefundID:  out.ID,
		Amount:    refunded,
		Status:    status,
		RawStatus: out.Status,
		Payload:   raw,
	}, nil
}

// VerifyWebhook checks the optional hex HMAC header. Without a configured
// secret the delivery passes and authenticity rests on the txid matching a
// local transaction.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header, secret gateway.WebhookSecret) bool {
	if secret.Key == "" {
		return true
	}
	sig := headers.Get(signatureHeader)
	if sig == "" {
		return false
	}
	return gateway.EqualHex(gateway.HMACSHA256(secret.Key, rawBody), sig)
}

type simpleEvent struct {
	EventType     string   `json:"event_type"`
	TransactionID string   `json:"transaction_id"`
	Status        string   `json:"status"`
	Pix           []cobPix `json:"pix"`
}

// ParseWebhook accepts the simple `{event_type, transaction_id, status}`
// body and the PSP `{pix:[...]}` settlement callback.
func (a *Adapter) ParseWebhook(rawBody []byte) (*gateway.WebhookNotification, error) {
	var ev simpleEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("decode transfer event: %w", err)
	}

	if len(ev.Pix) > 0 {
		settled := ev.Pix[0]
		if settled.TxID == "" {
			return nil, fmt.Errorf("pix callback without txid")
		}
		return &gateway.WebhookNotification{
			EventID:       settled.EndToEndID,
			EventType:     "pix.received",
			ProviderID:    settled.TxID,
			RawStatus:     string(cobCompleted),
			PaymentMethod: paymentMethod,
			Payload:       json.RawMessage(rawBody),
		}, nil
	}

	if strings.TrimSpace(ev.TransactionID) == "" {
		return nil, fmt.Errorf("transfer event without transaction_id")
	}
	raw := ev.Status
	if raw == "" {
		raw = rawFromEventType(ev.EventType)
	}
	return &gateway.WebhookNotification{
		EventType:     ev.EventType,
		ProviderID:    ev.TransactionID,
		RawStatus:     raw,
		PaymentMethod: paymentMethod,
		Payload:       json.RawMessage(rawBody),
	}, nil
}

func rawFromEventType(eventType string) string {
	switch strings.ToLower(eventType) {
	case "payment.paid", "pix.paid", "payment_received":
		return string(statusPaid)
	case "payment.expired", "pix.expired":
		return string(statusExpired)
	case "payment.cancelled", "pix.cancelled":
		return string(statusCancelled)
	default:
		return ""
	}
}
