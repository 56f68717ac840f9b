package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

// Adapter is the contract every payment provider integration implements.
// Methods that talk to the provider resolve the restaurant's credentials
// themselves and return *Error values classified by Kind.
type Adapter interface {
	Type() enums.GatewayType
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Confirm(ctx context.Context, query StatusQuery, details PaymentDetails) (*StatusResult, error)
	QueryStatus(ctx context.Context, query StatusQuery) (*StatusResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// VerifyWebhook is pure: no I/O, no clock other than the adapter's own.
	VerifyWebhook(rawBody []byte, headers http.Header, secret WebhookSecret) bool
	MapStatus(raw string) enums.TransactionStatus
	ParseWebhook(rawBody []byte) (*WebhookNotification, error)
}

// CreateRequest opens a checkout at the provider.
type CreateRequest struct {
	RestaurantID uuid.UUID
	// Reference is the local transaction id, generated before the provider
	// call so it can travel as the provider-side external reference.
	Reference      uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	OrderRef       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type CreateResult struct {
	ProviderID   string
	CheckoutURL  string
	ClientSecret string
	PixPayload   string
	Status       enums.TransactionStatus
	RawStatus    string
	Payload      json.RawMessage
}

// PaymentDetails carries the second step of tokenized card flows.
type PaymentDetails struct {
	PaymentMethodToken string
	ReturnURL          string
}

type StatusQuery struct {
	RestaurantID uuid.UUID
	ProviderID   string
	Reference    uuid.UUID
	Amount       decimal.Decimal
	Currency     string
}

// RefundInfo describes a refund observed in a provider status or event.
type RefundInfo struct {
	RefundID string
	Amount   decimal.Decimal
	// Total is the provider's cumulative refunded amount when it reports one.
	Total     *decimal.Decimal
	RawStatus string
	// Items is the provider's itemized refund list, oldest first. When set
	// each item is recorded under its own id and RefundID/Amount are only
	// the latest item.
	Items []RefundItem
}

type RefundItem struct {
	RefundID  string
	Amount    decimal.Decimal
	RawStatus string
}

type StatusResult struct {
	ProviderID    string
	Reference     string
	Status        enums.TransactionStatus
	RawStatus     string
	Fees          *decimal.Decimal
	PaymentMethod string
	Refund        *RefundInfo
	Payload       json.RawMessage
}

type RefundRequest struct {
	RestaurantID uuid.UUID
	ProviderID   string
	Reference    uuid.UUID
	// Amount nil means refund whatever is left.
	Amount            *decimal.Decimal
	TransactionAmount decimal.Decimal
	AlreadyRefunded   decimal.Decimal
	Currency          string
	IdempotencyKey    string
}

type RefundResult struct {
	RefundID  string
	Amount    decimal.Decimal
	Status    enums.TransactionStatus
	RawStatus string
	Payload   json.RawMessage
}

// WebhookNotification is the provider event reduced to what reconciliation
// needs. An empty RawStatus means the event only names the payment and the
// current status has to be fetched with QueryStatus.
type WebhookNotification struct {
	EventID       string
	EventType     string
	ProviderID    string
	Reference     string
	RawStatus     string
	Fees          *decimal.Decimal
	PaymentMethod string
	Refund        *RefundInfo
	Payload       json.RawMessage
}

// NeedsQuery reports whether the notification lacks a status of its own.
func (n *WebhookNotification) NeedsQuery() bool {
	return n != nil && n.RawStatus == ""
}

type WebhookSecret struct {
	Key             string
	NotificationURL string
}

// Credentials is one restaurant's configuration for one provider.
type Credentials struct {
	RestaurantID      uuid.UUID
	Gateway           enums.GatewayType
	Environment       enums.GatewayEnvironment
	SecretKey         string
	PublicKey         string
	WebhookSecret     string
	LocationID        string
	NotificationURL   string
	PixKey            string
	MerchantName      string
	MerchantCity      string
	SettlementBaseURL string
}

func (c Credentials) Webhook() WebhookSecret {
	return WebhookSecret{Key: c.WebhookSecret, NotificationURL: c.NotificationURL}
}

// CredentialSource resolves credentials. Missing or disabled sets come back
// as a NotConfigured *Error.
type CredentialSource interface {
	Credentials(ctx context.Context, restaurantID uuid.UUID, gw enums.GatewayType) (*Credentials, error)
}

// StaticCredentials serves a fixed list, used by tests and the operator CLI.
type StaticCredentials []Credentials

func (s StaticCredentials) Credentials(_ context.Context, restaurantID uuid.UUID, gw enums.GatewayType) (*Credentials, error) {
	for i := range s {
		if s[i].RestaurantID == restaurantID && s[i].Gateway == gw {
			creds := s[i]
			return &creds, nil
		}
	}
	return nil, NotConfigured(gw, restaurantID)
}

// ErrIgnoredEvent marks a well-formed webhook whose type carries nothing to
// reconcile. It is recorded and acknowledged.
var ErrIgnoredEvent = errors.New("event type not reconciled")
