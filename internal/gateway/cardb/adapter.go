// Package cardb integrates Mercado Pago hosted checkout (preferences) as
// the card-b gateway.
package cardb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

const (
	signatureHeader   = "x-signature"
	requestIDHeader   = "x-request-id"
	idempotencyHeader = "X-Idempotency-Key"
	collectorPayer    = "collector"
)

type paymentStatus string

const (
	paymentPending     paymentStatus = "pending"
	paymentAuthorized  paymentStatus = "authorized"
	paymentInProcess   paymentStatus = "in_process"
	paymentInMediation paymentStatus = "in_mediation"
	paymentApproved    paymentStatus = "approved"
	paymentRejected    paymentStatus = "rejected"
	paymentCancelled   paymentStatus = "cancelled"
	paymentRefunded    paymentStatus = "refunded"
	paymentChargedBack paymentStatus = "charged_back"
)

var knownStatuses = []paymentStatus{
	paymentPending, paymentAuthorized, paymentInProcess, paymentInMediation,
	paymentApproved, paymentRejected, paymentCancelled, paymentRefunded, paymentChargedBack,
}

var statusTable = map[paymentStatus]enums.TransactionStatus{
	paymentPending:     enums.TransactionStatusPending,
	paymentAuthorized:  enums.TransactionStatusProcessing,
	paymentInProcess:   enums.TransactionStatusProcessing,
	paymentInMediation: enums.TransactionStatusProcessing,
	paymentApproved:    enums.TransactionStatusCompleted,
	paymentRejected:    enums.TransactionStatusFailed,
	paymentCancelled:   enums.TransactionStatusCancelled,
	paymentRefunded:    enums.TransactionStatusRefunded,
	paymentChargedBack: enums.TransactionStatusRefunded,
}

type Config struct {
	Provider        config.ProviderConfig
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	HTTPClient      *http.Client
}

type Adapter struct {
	cfg      Config
	baseURL  string
	creds    gateway.CredentialSource
	caller   *gateway.Caller
	client   gateway.JSONClient
	statuses *gateway.StatusTable[paymentStatus]
	logg     *logger.Logger
}

func New(cfg Config, creds gateway.CredentialSource, m *metrics.GatewayMetrics, logg *logger.Logger) *Adapter {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Adapter{
		cfg:      cfg,
		baseURL:  cfg.Provider.BaseURLFor(false),
		creds:    creds,
		caller:   gateway.NewCaller(enums.GatewayCardB, cfg.Provider, m, logg),
		client:   gateway.JSONClient{Gateway: enums.GatewayCardB, HTTP: cfg.HTTPClient},
		statuses: gateway.NewStatusTable(enums.GatewayCardB, statusTable, m, logg),
		logg:     logg,
	}
}

func (a *Adapter) Type() enums.GatewayType {
	return enums.GatewayCardB
}

func (a *Adapter) MapStatus(raw string) enums.TransactionStatus {
	return a.statuses.Map(raw)
}

func (a *Adapter) credentials(ctx context.Context, restaurantID uuid.UUID) (*gateway.Credentials, error) {
	creds, err := a.creds.Credentials(ctx, restaurantID, enums.GatewayCardB)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(creds.SecretKey) == "" {
		return nil, gateway.NotConfigured(enums.GatewayCardB, restaurantID)
	}
	return creds, nil
}

func headers(creds *gateway.Credentials, idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+creds.SecretKey)
	if idempotencyKey != "" {
		h.Set(idempotencyHeader, idempotencyKey)
	}
	return h
}

// call runs one REST call under the retry policy with a fixed idempotency key.
func (a *Adapter) call(ctx context.Context, op, method, path string, creds *gateway.Credentials, key string, body, out any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := a.caller.Do(ctx, op, func(ctx context.Context) error {
		var callErr error
		raw, callErr = a.client.Do(ctx, op, method, a.baseURL+path, headers(creds, key), body, out)
		return callErr
	})
	return raw, err
}

type preferenceItem struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	CurrencyID string      `json:"currency_id"`
	UnitPrice  json.Number `json:"unit_price"`
}

type backURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	BackURLs          *backURLs         `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

func (a *Adapter) notificationURL(creds *gateway.Credentials, restaurantID uuid.UUID) string {
	base := strings.TrimSpace(creds.NotificationURL)
	if base == "" {
		base = strings.TrimSpace(a.cfg.NotificationURL)
	}
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	if q.Get("restaurant") == "" {
		q.Set("restaurant", restaurantID.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Create opens a hosted checkout preference. The preference id is the
// provider id; payments made against it carry our transaction id as
// external_reference.
func (a *Adapter) Create(ctx context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	creds, err := a.credentials(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}

	title := req.Description
	if title == "" {
		title = "Pedido " + req.OrderRef
	}
	body := preferenceRequest{
		Items: []preferenceItem{{
			ID:         req.OrderRef,
			Title:      strings.TrimSpace(title),
			Quantity:   1,
			CurrencyID: strings.ToUpper(req.Currency),
			UnitPrice:  json.Number(req.Amount.StringFixed(2)),
		}},
		ExternalReference: req.Reference.String(),
		NotificationURL:   a.notificationURL(creds, req.RestaurantID),
		Metadata:          req.Metadata,
	}
	if a.cfg.SuccessURL != "" || a.cfg.FailureURL != "" || a.cfg.PendingURL != "" {
		body.BackURLs = &backURLs{Success: a.cfg.SuccessURL, Failure: a.cfg.FailureURL, Pending: a.cfg.PendingURL}
		if a.cfg.SuccessURL != "" {
			body.AutoReturn = "approved"
		}
	}

	var pref preferenceResponse
	raw, err := a.call(ctx, "create", http.MethodPost, "/checkout/preferences", creds, req.IdempotencyKey, body, &pref)
	if err != nil {
		return nil, err
	}

	checkoutURL := pref.InitPoint
	if creds.Environment.IsSandbox() && pref.SandboxInitPoint != "" {
		checkoutURL = pref.SandboxInitPoint
	}
	return &gateway.CreateResult{
		ProviderID:  pref.ID,
		CheckoutURL: checkoutURL,
		Status:      enums.TransactionStatusPending,
		RawStatus:   string(paymentPending),
		Payload:     raw,
	}, nil
}

// Confirm is a no-op for hosted checkout; it reports the current status.
func (a *Adapter) Confirm(ctx context.Context, query gateway.StatusQuery, _ gateway.PaymentDetails) (*gateway.StatusResult, error) {
	return a.QueryStatus(ctx, query)
}

type flexibleID string

// UnmarshalJSON accepts ids sent as JSON numbers or strings.
func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type feeDetail struct {
	Type     string          `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	FeePayer string          `json:"fee_payer"`
}

type paymentRefund struct {
	ID     flexibleID      `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

type payment struct {
	ID                        flexibleID      `json:"id"`
	Status                    string          `json:"status"`
	StatusDetail              string          `json:"status_detail"`
	ExternalReference         string          `json:"external_reference"`
	TransactionAmount         decimal.Decimal `json:"transaction_amount"`
	TransactionAmountRefunded decimal.Decimal `json:"transaction_amount_refunded"`
	PaymentMethodID           string          `json:"payment_method_id"`
	PaymentTypeID             string          `json:"payment_type_id"`
	FeeDetails                []feeDetail     `json:"fee_details"`
	Refunds                   []paymentRefund `json:"refunds"`
	DateCreated               string          `json:"date_created"`
}

type searchResponse struct {
	Results []json.RawMessage `json:"results"`
}

// fees sums the fees charged to the collector (the restaurant).
func (p payment) fees() *decimal.Decimal {
	if len(p.FeeDetails) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, fd := range p.FeeDetails {
		if fd.FeePayer == "" || fd.FeePayer == collectorPayer {
			total = total.Add(fd.Amount)
		}
	}
	return &total
}

func (p payment) refund() *gateway.RefundInfo {
	if !p.TransactionAmountRefunded.IsPositive() && len(p.Refunds) == 0 {
		return nil
	}
	total := p.TransactionAmountRefunded
	info := &gateway.RefundInfo{Total: &total, RawStatus: p.Status}
	if len(p.Refunds) > 0 {
		sum := decimal.Zero
		for _, r := range p.Refunds {
			info.Items = append(info.Items, gateway.RefundItem{RefundID: string(r.ID), Amount: r.Amount, RawStatus: r.Status})
			sum = sum.Add(r.Amount)
		}
		latest := info.Items[len(info.Items)-1]
		info.RefundID = latest.RefundID
		info.Amount = latest.Amount
		info.RawStatus = latest.RawStatus
		if !total.IsPositive() {
			info.Total = &sum
		}
		return info
	}
	info.RefundID = string(p.ID) + ":" + total.StringFixed(2)
	info.Amount = total
	return info
}

func (a *Adapter) statusFromPayment(p payment, raw json.RawMessage) *gateway.StatusResult {
	method := p.PaymentMethodID
	if method == "" {
		method = p.PaymentTypeID
	}
	return &gateway.StatusResult{
		ProviderID:    string(p.ID),
		Reference:     p.ExternalReference,
		Status:        a.MapStatus(p.Status),
		RawStatus:     p.Status,
		Fees:          p.fees(),
		PaymentMethod: method,
		Refund:        p.refund(),
		Payload:       raw,
	}
}

func isPaymentID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// latestPayment finds the payment behind a provider id. Payment ids are
// numeric; anything else is a preference id and the newest payment for our
// external reference is used.
func (a *Adapter) latestPayment(ctx context.Context, creds *gateway.Credentials, query gateway.StatusQuery) (*payment, json.RawMessage, error) {
	if isPaymentID(query.ProviderID) {
		var p payment
		raw, err := a.call(ctx, "query", http.MethodGet, "/v1/payments/"+query.ProviderID, creds, "", nil, &p)
		if err != nil {
			if gateway.StatusCodeOf(err) == http.StatusNotFound {
				return nil, nil, gateway.UnknownTransaction(enums.GatewayCardB, query.ProviderID)
			}
			return nil, nil, err
		}
		return &p, raw, nil
	}

	if query.Reference == uuid.Nil {
		return nil, nil, gateway.UnknownTransaction(enums.GatewayCardB, query.ProviderID)
	}
	params := url.Values{}
	params.Set("external_reference", query.Reference.String())
	params.Set("sort", "date_created")
	params.Set("criteria", "desc")

	var search searchResponse
	if _, err := a.call(ctx, "query", http.MethodGet, "/v1/payments/search?"+params.Encode(), creds, "", nil, &search); err != nil {
		return nil, nil, err
	}
	if len(search.Results) == 0 {
		return nil, nil, nil
	}
	payments := make([]payment, 0, len(search.Results))
	for _, r := range search.Results {
		var p payment
		if err := json.Unmarshal(r, &p); err != nil {
			return nil, nil, gateway.Unreachable(enums.GatewayCardB, "query", fmt.Errorf("decode search result: %w", err))
		}
		payments = append(payments, p)
	}
	newest := 0
	for i := range payments {
		if payments[i].DateCreated > payments[newest].DateCreated {
			newest = i
		}
	}
	return &payments[newest], search.Results[newest], nil
}

func (a *Adapter) QueryStatus(ctx context.Context, query gateway.StatusQuery) (*gateway.StatusResult, error) {
	creds, err := a.credentials(ctx, query.RestaurantID)
	if err != nil {
		return nil, err
	}
	p, raw, err := a.latestPayment(ctx, creds, query)
	if err != nil {
		return nil, err
	}
	if p == nil {
		// Nobody has paid the preference yet.
		return &gateway.StatusResult{
			ProviderID: query.ProviderID,
			Reference:  query.Reference.String(),
			Status:     enums.TransactionStatusPending,
			RawStatus:  string(paymentPending),
		}, nil
	}
	return a.statusFromPayment(*p, raw), nil
}

type refundRequest struct {
	Amount json.Number `json:"amount"`
}

type refundResponse struct {
	ID        flexibleID      `json:"id"`
	PaymentID flexibleID      `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
}

func (a *Adapter) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	amount, err := req.RefundAmount()
	if err != nil {
		return nil, gateway.Rejected(enums.GatewayCardB, "refund", 0, err.Error())
	}
	creds, err := a.credentials(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}

	paymentID := req.ProviderID
	if !isPaymentID(paymentID) {
		p, _, err := a.latestPayment(ctx, creds, gateway.StatusQuery{RestaurantID: req.RestaurantID, ProviderID: req.ProviderID, Reference: req.Reference})
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, gateway.Rejected(enums.GatewayCardB, "refund", 0, "preference has no payment to refund")
		}
		paymentID = string(p.ID)
	}

	var out refundResponse
	raw, err := a.call(ctx, "refund", http.MethodPost, "/v1/payments/"+paymentID+"/refunds", creds, req.IdempotencyKey,
		refundRequest{Amount: json.Number(amount.StringFixed(2))}, &out)
	if err != nil {
		return nil, err
	}

	refunded := amount
	if out.Amount.IsPositive() {
		refunded = out.Amount
	}
	status := enums.TransactionStatusPartiallyRefunded
	if req.AlreadyRefunded.Add(refunded).GreaterThanOrEqual(req.TransactionAmount) {
		status = enums.TransactionStatusRefunded
	}
	return &gateway.RefundResult{
		RefundID:  string(out.ID),
		Amount:    refunded,
		Status:    status,
		RawStatus: out.Status,
		Payload:   raw,
	}, nil
}

// VerifyWebhook checks `x-signature: ts=<unix>,v1=<hex>` against
// HMAC-SHA256(secret, manifest), the manifest being
// `id:<data.id>;request-id:<x-request-id>;ts:<ts>;`. Parts absent from the
// delivery are left out of the manifest, as Mercado Pago does when signing.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header, secret gateway.WebhookSecret) bool {
	header := gateway.ParseSignatureHeader(headers.Get(signatureHeader))
	if !header.Valid() {
		return false
	}
	var n notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return false
	}
	return gateway.VerifyHMAC(header, secret.Key, signatureManifest(string(n.Data.ID), headers.Get(requestIDHeader), header.Timestamp))
}

// signatureManifest renders the string Mercado Pago signs. Alphanumeric
// data ids are signed lowercased.
func signatureManifest(dataID, requestID, ts string) []byte {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return []byte(b.String())
}

type notification struct {
	ID     flexibleID `json:"id"`
	Type   string     `json:"type"`
	Topic  string     `json:"topic"`
	Action string     `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// ParseWebhook reads the `{id, type, action, data:{id}}` notification. It
// never carries a status, so the payment is always fetched afterwards.
func (a *Adapter) ParseWebhook(rawBody []byte) (*gateway.WebhookNotification, error) {
	var n notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("decode mercado pago notification: %w", err)
	}
	kind := n.Type
	if kind == "" {
		kind = n.Topic
	}
	if kind != "payment" {
		return nil, fmt.Errorf("mercado pago %q notification: %w", kind, gateway.ErrIgnoredEvent)
	}
	if n.Data.ID == "" {
		return nil, fmt.Errorf("mercado pago notification without data.id")
	}
	eventType := n.Action
	if eventType == "" {
		eventType = kind
	}
	return &gateway.WebhookNotification{
		EventID:    string(n.ID),
		EventType:  eventType,
		ProviderID: string(n.Data.ID),
		Payload:    json.RawMessage(rawBody),
	}, nil
}
