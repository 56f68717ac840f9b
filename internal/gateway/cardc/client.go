package cardc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
)

// access selects the Square account and environment of one call.
type access struct {
	Token   string
	BaseURL string
}

type orderRequest struct {
	LocationID     string
	ReferenceID    string
	Name           string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

type paymentRequest struct {
	SourceID       string
	OrderID        string
	LocationID     string
	ReferenceID    string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

type refundRequest struct {
	PaymentID      string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// squareAPI is the part of Square the adapter drives. Results come back in
// Square's wire shape so webhook payloads and API answers share one decoder.
type squareAPI interface {
	CreateOrder(ctx context.Context, acc access, req orderRequest) (*orderView, json.RawMessage, error)
	GetOrder(ctx context.Context, acc access, orderID string) (*orderView, json.RawMessage, error)
	CreatePayment(ctx context.Context, acc access, req paymentRequest) (*paymentView, json.RawMessage, error)
	GetPayment(ctx context.Context, acc access, paymentID string) (*paymentView, json.RawMessage, error)
	RefundPayment(ctx context.Context, acc access, req refundRequest) (*refundView, json.RawMessage, error)
}

type moneyView struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m *moneyView) cents() int64 {
	if m == nil {
		return 0
	}
	return m.Amount
}

type processingFee struct {
	AmountMoney *moneyView `json:"amount_money"`
	Type        string     `json:"type"`
}

type paymentView struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	OrderID       string          `json:"order_id"`
	ReferenceID   string          `json:"reference_id"`
	SourceType    string          `json:"source_type"`
	AmountMoney   *moneyView      `json:"amount_money"`
	RefundedMoney *moneyView      `json:"refunded_money"`
	RefundIDs     []string        `json:"refund_ids"`
	ProcessingFee []processingFee `json:"processing_fee"`
}

type tenderView struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
}

type orderView struct {
	ID          string       `json:"id"`
	State       string       `json:"state"`
	ReferenceID string       `json:"reference_id"`
	Tenders     []tenderView `json:"tenders"`
}

// lastPaymentID is the payment of the most recent tender.
func (o *orderView) lastPaymentID() string {
	for i := len(o.Tenders) - 1; i >= 0; i-- {
		if id := o.Tenders[i].PaymentID; id != "" {
			return id
		}
		if id := o.Tenders[i].ID; id != "" {
			return id
		}
	}
	return ""
}

type refundView struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	PaymentID   string     `json:"payment_id"`
	OrderID     string     `json:"order_id"`
	AmountMoney *moneyView `json:"amount_money"`
}

// sdkClient keeps one Square client per access token. SDK retries are
// turned off; gateway.Caller owns the retry policy.
type sdkClient struct {
	httpClient *http.Client
	logg       *logger.Logger

	mu      sync.Mutex
	clients map[access]*sqclient.Client
}

func newSDKClient(httpClient *http.Client, logg *logger.Logger) *sdkClient {
	return &sdkClient{
		httpClient: httpClient,
		logg:       logg,
		clients:    make(map[access]*sqclient.Client),
	}
}

func (s *sdkClient) client(acc access) *sqclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[acc]; ok {
		return c
	}
	opts := []sqoption.RequestOption{
		sqoption.WithBaseURL(acc.BaseURL),
		sqoption.WithToken(acc.Token),
		sqoption.WithMaxAttempts(1),
	}
	if s.httpClient != nil {
		opts = append(opts, sqoption.WithHTTPClient(s.httpClient))
	}
	c := sqclient.NewClient(opts...)
	s.clients[acc] = c
	return c
}

func (s *sdkClient) CreateOrder(ctx context.Context, acc access, req orderRequest) (*orderView, json.RawMessage, error) {
	s.log(ctx, "request", "create_order", map[string]any{"location_id": req.LocationID, "reference_id": req.ReferenceID, "amount": req.AmountCents})
	resp, err := s.client(acc).Orders.Create(ctx, &sq.CreateOrderRequest{
		IdempotencyKey: ptrString(req.IdempotencyKey),
		Order: &sq.Order{
			LocationID:  req.LocationID,
			ReferenceID: ptrString(req.ReferenceID),
			LineItems: []*sq.OrderLineItem{{
				Name:           ptrString(req.Name),
				Quantity:       "1",
				BasePriceMoney: moneyPtr(req.AmountCents, req.Currency),
			}},
		},
	})
	if err != nil {
		s.log(ctx, "error", "create_order", map[string]any{"error": err.Error()})
		return nil, nil, err
	}
	return decodeObject[orderView](resp.GetOrder())
}

func (s *sdkClient) GetOrder(ctx context.Context, acc access, orderID string) (*orderView, json.RawMessage, error) {
	resp, err := s.client(acc).Orders.Get(ctx, &sq.GetOrdersRequest{OrderID: orderID})
	if err != nil {
		s.log(ctx, "error", "get_order", map[string]any{"order_id": orderID, "error": err.Error()})
		return nil, nil, err
	}
	return decodeObject[orderView](resp.GetOrder())
}

func (s *sdkClient) CreatePayment(ctx context.Context, acc access, req paymentRequest) (*paymentView, json.RawMessage, error) {
	s.log(ctx, "request", "create_payment", map[string]any{"order_id": req.OrderID, "amount": req.AmountCents, "source_token": req.SourceID})
	resp, err := s.client(acc).Payments.Create(ctx, &sq.CreatePaymentRequest{
		IdempotencyKey: req.IdempotencyKey,
		SourceID:       req.SourceID,
		AmountMoney:    moneyPtr(req.AmountCents, req.Currency),
		OrderID:        ptrString(req.OrderID),
		LocationID:     ptrString(req.LocationID),
		ReferenceID:    ptrString(req.ReferenceID),
		Autocomplete:   boolPtr(true),
	})
	if err != nil {
		s.log(ctx, "error", "create_payment", map[string]any{"error": err.Error()})
		return nil, nil, err
	}
	payment, raw, err := decodeObject[paymentView](resp.GetPayment())
	if err == nil {
		s.log(ctx, "response", "create_payment", map[string]any{"payment_id": payment.ID, "status": payment.Status})
	}
	return payment, raw, err
}

func (s *sdkClient) GetPayment(ctx context.Context, acc access, paymentID string) (*paymentView, json.RawMessage, error) {
	resp, err := s.client(acc).Payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: paymentID})
	if err != nil {
		s.log(ctx, "error", "get_payment", map[string]any{"payment_id": paymentID, "error": err.Error()})
		return nil, nil, err
	}
	return decodeObject[paymentView](resp.GetPayment())
}

func (s *sdkClient) RefundPayment(ctx context.Context, acc access, req refundRequest) (*refundView, json.RawMessage, error) {
	s.log(ctx, "request", "refund_payment", map[string]any{"payment_id": req.PaymentID, "amount": req.AmountCents})
	resp, err := s.client(acc).Refunds.RefundPayment(ctx, &sq.RefundPaymentRequest{
		IdempotencyKey: req.IdempotencyKey,
		PaymentID:      ptrString(req.PaymentID),
		AmountMoney:    moneyPtr(req.AmountCents, req.Currency),
	})
	if err != nil {
		s.log(ctx, "error", "refund_payment", map[string]any{"error": err.Error()})
		return nil, nil, err
	}
	return decodeObject[refundView](resp.GetRefund())
}

// decodeObject reads an SDK object through its JSON form.
func decodeObject[T any](obj any) (*T, json.RawMessage, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("encode square object: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("decode square object: %w", err)
	}
	return &out, raw, nil
}

func (s *sdkClient) log(ctx context.Context, phase, op string, fields map[string]any) {
	if s.logg == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
		"gateway":   enums.GatewayCardC.String(),
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = s.logg.WithFields(ctx, logFields)
	switch phase {
	case "error":
		s.logg.Warn(ctx, fmt.Sprintf("square %s failed", op))
	default:
		s.logg.Debug(ctx, fmt.Sprintf("square %s", phase))
	}
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "nonce", "token", "cvv", "cvc", "secret", "email", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

// mapSquareError classifies SDK failures. Anything that is not an API
// answer never reached Square.
func mapSquareError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return err
	}
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		body := err.Error()
		if codes := squareErrorCodes(apiErr); codes != "" {
			body = codes
		}
		return gateway.FromHTTPStatus(enums.GatewayCardC, op, apiErr.StatusCode, body)
	}
	return gateway.Unreachable(enums.GatewayCardC, op, err)
}

func squareErrorCodes(apiErr *sqcore.APIError) string {
	inner := apiErr.Unwrap()
	if inner == nil {
		return ""
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return ""
	}
	var payload struct {
		Errors []struct {
			Category string `json:"category"`
			Code     string `json:"code"`
			Detail   string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return raw
	}
	parts := make([]string, 0, len(payload.Errors))
	for _, e := range payload.Errors {
		parts = append(parts, strings.TrimSpace(e.Code+": "+e.Detail))
	}
	return strings.Join(parts, "; ")
}

func ptrString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}

func moneyPtr(amount int64, currency string) *sq.Money {
	if amount == 0 {
		return nil
	}
	c := sq.Currency(strings.ToUpper(strings.TrimSpace(currency)))
	return &sq.Money{Amount: &amount, Currency: &c}
}
