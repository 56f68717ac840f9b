// Package cardc integrates Square orders and payments as the card-c gateway.
//
// A checkout is a Square order carrying our transaction id as reference_id.
// The order id is the provider id; the diner's card is tokenized in the
// browser and charged against the order on Confirm.
package cardc

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
)

const signatureHeader = "x-square-hmacsha256-signature"

type paymentStatus string

const (
	paymentPending   paymentStatus = "PENDING"
	paymentApproved  paymentStatus = "APPROVED"
	paymentCompleted paymentStatus = "COMPLETED"
	paymentFailed    paymentStatus = "FAILED"
	paymentCanceled  paymentStatus = "CANCELED"
)

var knownStatuses = []paymentStatus{
	paymentPending, paymentApproved, paymentCompleted, paymentFailed, paymentCanceled,
}

var statusTable = map[paymentStatus]enums.TransactionStatus{
	paymentPending:   enums.TransactionStatusPending,
	paymentApproved:  enums.TransactionStatusProcessing,
	paymentCompleted: enums.TransactionStatusCompleted,
	paymentFailed:    enums.TransactionStatusFailed,
	paymentCanceled:  enums.TransactionStatusCancelled,
}

type Config struct {
	Provider config.ProviderConfig
	// NotificationURL is the signed URL used when a restaurant has not
	// stored its own subscription URL.
	NotificationURL string
	HTTPClient      *http.Client
}

type Adapter struct {
	cfg      Config
	creds    gateway.CredentialSource
	api      squareAPI
	caller   *gateway.Caller
	statuses *gateway.StatusTable[paymentStatus]
	logg     *logger.Logger
}

func New(cfg Config, creds gateway.CredentialSource, m *metrics.GatewayMetrics, logg *logger.Logger) *Adapter {
	if logg == nil {
		logg = logger.Nop()
	}
	return newAdapter(cfg, creds, newSDKClient(cfg.HTTPClient, logg), m, logg)
}

func newAdapter(cfg Config, creds gateway.CredentialSource, api squareAPI, m *metrics.GatewayMetrics, logg *logger.Logger) *Adapter {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Adapter{
		cfg:      cfg,
		creds:    creds,
		api:      api,
		caller:   gateway.NewCaller(enums.GatewayCardC, cfg.Provider, m, logg),
		statuses: gateway.NewStatusTable(enums.GatewayCardC, statusTable, m, logg),
		logg:     logg,
	}
}

func (a *Adapter) Type() enums.GatewayType {
	return enums.GatewayCardC
}

func (a *Adapter) MapStatus(raw string) enums.TransactionStatus {
	return a.statuses.Map(raw)
}

func (a *Adapter) access(ctx context.Context, restaurantID uuid.UUID) (*gateway.Credentials, access, error) {
	creds, err := a.creds.Credentials(ctx, restaurantID, enums.GatewayCardC)
	if err != nil {
		return nil, access{}, err
	}
	token := strings.TrimSpace(creds.SecretKey)
	if token == "" || strings.TrimSpace(creds.LocationID) == "" {
		return nil, access{}, gateway.NotConfigured(enums.GatewayCardC, restaurantID)
	}
	return creds, access{Token: token, BaseURL: a.cfg.Provider.BaseURLFor(creds.Environment.IsSandbox())}, nil
}

func (a *Adapter) Create(ctx context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	creds, acc, err := a.access(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = strings.TrimSpace("Pedido " + req.OrderRef)
	}
	orderReq := orderRequest{
		LocationID:     creds.LocationID,
		ReferenceID:    req.Reference.String(),
		Name:           name,
		AmountCents:    gateway.ToMinorUnits(req.Amount),
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	}

	var (
		order *orderView
		raw   json.RawMessage
	)
	err = a.caller.Do(ctx, "create", func(ctx context.Context) error {
		var callErr error
		order, raw, callErr = a.api.CreateOrder(ctx, acc, orderReq)
		return mapSquareError("create", callErr)
	})
	if err != nil {
		return nil, err
	}

	return &gateway.CreateResult{
		ProviderID: order.ID,
		Status:     enums.TransactionStatusPending,
		RawStatus:  string(paymentPending),
		Payload:    raw,
	}, nil
}

// confirmKey derives a stable Square idempotency key (at most 45
// characters) from the order and the card token.
func confirmKey(orderID, token string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("square-confirm:"+orderID+":"+token)).String()
}

// Confirm charges the tokenized card against the order. Without a token it
// reports the current status.
func (a *Adapter) Confirm(ctx context.Context, query gateway.StatusQuery, details gateway.PaymentDetails) (*gateway.StatusResult, error) {
	token := strings.TrimSpace(details.PaymentMethodToken)
	if token == "" {
		return a.QueryStatus(ctx, query)
	}
	creds, acc, err := a.access(ctx, query.RestaurantID)
	if err != nil {
		return nil, err
	}

	payReq := paymentRequest{
		SourceID:       token,
		OrderID:        query.ProviderID,
		LocationID:     creds.LocationID,
		AmountCents:    gateway.ToMinorUnits(query.Amount),
		Currency:       query.Currency,
		IdempotencyKey: confirmKey(query.ProviderID, token),
	}
	if query.Reference != uuid.Nil {
		payReq.ReferenceID = query.Reference.String()
	}

	var (
		payment *paymentView
		raw     json.RawMessage
	)
	err = a.caller.Do(ctx, "confirm", func(ctx context.Context) error {
		var callErr error
		payment, raw, callErr = a.api.CreatePayment(ctx, acc, payReq)
		return mapSquareError("confirm", callErr)
	})
	if err != nil {
		return nil, err
	}
	return a.statusFromPayment(query.ProviderID, payment, raw), nil
}

func (a *Adapter) order(ctx context.Context, acc access, orderID string) (*orderView, error) {
	var order *orderView
	err := a.caller.Do(ctx, "query", func(ctx context.Context) error {
		var callErr error
		order, _, callErr = a.api.GetOrder(ctx, acc, orderID)
		return mapSquareError("query", callErr)
	})
	if err != nil {
		if gateway.StatusCodeOf(err) == http.StatusNotFound {
			return nil, gateway.UnknownTransaction(enums.GatewayCardC, orderID)
		}
		return nil, err
	}
	return order, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, query gateway.StatusQuery) (*gateway.StatusResult, error) {
	_, acc, err := a.access(ctx, query.RestaurantID)
	if err != nil {
		return nil, err
	}
	order, err := a.order(ctx, acc, query.ProviderID)
	if err != nil {
		return nil, err
	}
	paymentID := order.lastPaymentID()
	if paymentID == "" {
		return &gateway.StatusResult{
			ProviderID: order.ID,
			Reference:  order.ReferenceID,
			Status:     enums.TransactionStatusPending,
			RawStatus:  string(paymentPending),
		}, nil
	}

	var (
		payment *paymentView
		raw     json.RawMessage
	)
	err = a.caller.Do(ctx, "query", func(ctx context.Context) error {
		var callErr error
		payment, raw, callErr = a.api.GetPayment(ctx, acc, paymentID)
		return mapSquareError("query", callErr)
	})
	if err != nil {
		return nil, err
	}
	return a.statusFromPayment(order.ID, payment, raw), nil
}

func (a *Adapter) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	amount, err := req.RefundAmount()
	if err != nil {
		return nil, gateway.Rejected(enums.GatewayCardC, "refund", 0, err.Error())
	}
	_, acc, err := a.access(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	order, err := a.order(ctx, acc, req.ProviderID)
	if err != nil {
		return nil, err
	}
	paymentID := order.lastPaymentID()
	if paymentID == "" {
		return nil, gateway.Rejected(enums.GatewayCardC, "refund", 0, "order has no payment to refund")
	}

	refReq := refundRequest{
		PaymentID:      paymentID,
		AmountCents:    gateway.ToMinorUnits(amount),
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	}
	var (
		refund *refundView
		raw    json.RawMessage
	)
	err = a.caller.Do(ctx, "refund", func(ctx context.Context) error {
		var callErr error
		refund, raw, callErr = a.api.RefundPayment(ctx, acc, refReq)
		return mapSquareError("refund", callErr)
	})
	if err != nil {
		return nil, err
	}

	refunded := amount
	if cents := refund.AmountMoney.cents(); cents > 0 {
		refunded = gateway.FromMinorUnits(cents)
	}
	status := enums.TransactionStatusPartiallyRefunded
	if req.AlreadyRefunded.Add(refunded).GreaterThanOrEqual(req.TransactionAmount) {
		status = enums.TransactionStatusRefunded
	}
	return &gateway.RefundResult{
		RefundID:  refund.ID,
		Amount:    refunded,
		Status:    status,
		RawStatus: refund.Status,
		Payload:   raw,
	}, nil
}

func paymentFees(p *paymentView) *decimal.Decimal {
	if len(p.ProcessingFee) == 0 {
		return nil
	}
	var cents int64
	for _, fee := range p.ProcessingFee {
		cents += fee.AmountMoney.cents()
	}
	fees := gateway.FromMinorUnits(cents)
	return &fees
}

func paymentRefund(p *paymentView) *gateway.RefundInfo {
	cents := p.RefundedMoney.cents()
	if cents <= 0 {
		return nil
	}
	total := gateway.FromMinorUnits(cents)
	info := &gateway.RefundInfo{Amount: total, Total: &total, RawStatus: p.Status}
	if n := len(p.RefundIDs); n > 0 {
		info.RefundID = p.RefundIDs[n-1]
	} else {
		info.RefundID = fmt.Sprintf("%s:%d", p.ID, cents)
	}
	return info
}

func (a *Adapter) statusFromPayment(orderID string, p *paymentView, raw json.RawMessage) *gateway.StatusResult {
	providerID := p.OrderID
	if providerID == "" {
		providerID = orderID
	}
	return &gateway.StatusResult{
		ProviderID:    providerID,
		Reference:     p.ReferenceID,
		Status:        a.MapStatus(p.Status),
		RawStatus:     p.Status,
		Fees:          paymentFees(p),
		PaymentMethod: strings.ToLower(p.SourceType),
		Refund:        paymentRefund(p),
		Payload:       raw,
	}
}

// VerifyWebhook checks base64 HMAC-SHA256(key, notification URL + body).
// Square signs the subscription URL exactly as registered.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header, secret gateway.WebhookSecret) bool {
	sig := headers.Get(signatureHeader)
	url := secret.NotificationURL
	if url == "" {
		url = a.cfg.NotificationURL
	}
	if secret.Key == "" || url == "" || sig == "" {
		return false
	}
	expected := gateway.HMACSHA256(secret.Key, []byte(url), rawBody)
	return gateway.EqualBase64(expected, sig)
}

type event struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *paymentView `json:"payment"`
			Refund  *refundView  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

func (a *Adapter) ParseWebhook(rawBody []byte) (*gateway.WebhookNotification, error) {
	var evt event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return nil, fmt.Errorf("decode square event: %w", err)
	}

	switch evt.Type {
	case "payment.created", "payment.updated":
		p := evt.Data.Object.Payment
		if p == nil {
			return nil, fmt.Errorf("square %s event without payment object", evt.Type)
		}
		providerID := p.OrderID
		if providerID == "" {
			return nil, fmt.Errorf("square payment %s has no order", p.ID)
		}
		n := &gateway.WebhookNotification{
			EventID:       evt.EventID,
			EventType:     evt.Type,
			ProviderID:    providerID,
			Reference:     p.ReferenceID,
			RawStatus:     p.Status,
			Fees:          paymentFees(p),
			PaymentMethod: strings.ToLower(p.SourceType),
			Refund:        paymentRefund(p),
			Payload:       json.RawMessage(rawBody),
		}
		// Processing fees are attached after completion; fetch them instead
		// of settling at zero.
		if paymentStatus(p.Status) == paymentCompleted && n.Fees == nil {
			n.RawStatus = ""
		}
		return n, nil

	case "refund.created", "refund.updated":
		r := evt.Data.Object.Refund
		if r == nil {
			return nil, fmt.Errorf("square %s event without refund object", evt.Type)
		}
		if r.Status != string(paymentCompleted) {
			return nil, fmt.Errorf("square refund %s is %s: %w", r.ID, r.Status, gateway.ErrIgnoredEvent)
		}
		if r.OrderID == "" {
			return nil, fmt.Errorf("square refund %s has no order", r.ID)
		}
		return &gateway.WebhookNotification{
			EventID:    evt.EventID,
			EventType:  evt.Type,
			ProviderID: r.OrderID,
			// The payment itself stays COMPLETED at Square after a refund.
			RawStatus: string(paymentCompleted),
			Refund: &gateway.RefundInfo{
				RefundID:  r.ID,
				Amount:    gateway.FromMinorUnits(r.AmountMoney.cents()),
				RawStatus: r.Status,
			},
			Payload: json.RawMessage(rawBody),
		}, nil
	}
	return nil, fmt.Errorf("square event %s: %w", evt.Type, gateway.ErrIgnoredEvent)
}
