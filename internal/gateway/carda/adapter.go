// Package carda integrates Stripe PaymentIntents as the card-a gateway.
package carda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

const (
	feeExpand          = "latest_charge.balance_transaction"
	eventRefunded      = "charge.refunded"
	eventPaymentFailed = "payment_intent.payment_failed"
)

var signatureHeaders = []string{"Signature", "Stripe-Signature"}

type intentStatus string

const (
	intentRequiresPaymentMethod intentStatus = "requires_payment_method"
	intentRequiresConfirmation  intentStatus = "requires_confirmation"
	intentRequiresAction        intentStatus = "requires_action"
	intentProcessing            intentStatus = "processing"
	intentRequiresCapture       intentStatus = "requires_capture"
	intentSucceeded             intentStatus = "succeeded"
	intentCanceled              intentStatus = "canceled"
	intentPaymentFailed         intentStatus = "payment_failed"
	intentRefunded              intentStatus = "refunded"
	intentChargeRefunded        intentStatus = eventRefunded
)

var knownStatuses = []intentStatus{
	intentRequiresPaymentMethod, intentRequiresConfirmation, intentRequiresAction,
	intentProcessing, intentRequiresCapture, intentSucceeded, intentCanceled,
	intentPaymentFailed, intentRefunded, intentChargeRefunded,
}

var statusTable = map[intentStatus]enums.TransactionStatus{
	intentRequiresPaymentMethod: enums.TransactionStatusPending,
	intentRequiresConfirmation:  enums.TransactionStatusPending,
	intentRequiresAction:        enums.TransactionStatusProcessing,
	intentProcessing:            enums.TransactionStatusProcessing,
	intentRequiresCapture:       enums.TransactionStatusProcessing,
	intentSucceeded:             enums.TransactionStatusCompleted,
	intentCanceled:              enums.TransactionStatusCancelled,
	intentPaymentFailed:         enums.TransactionStatusFailed,
	intentRefunded:              enums.TransactionStatusRefunded,
	intentChargeRefunded:        enums.TransactionStatusRefunded,
}

type Config struct {
	Provider config.ProviderConfig
	// SignatureTolerance bounds the age of a signed webhook. Zero disables
	// the timestamp check.
	SignatureTolerance time.Duration
	// BaseURL overrides the Stripe API host, used against stripe-mock.
	BaseURL    string
	HTTPClient *http.Client
}

type Adapter struct {
	creds     gateway.CredentialSource
	api       intentsAPI
	caller    *gateway.Caller
	statuses  *gateway.StatusTable[intentStatus]
	tolerance time.Duration
	logg      *logger.Logger
}

func New(cfg Config, creds gateway.CredentialSource, m *metrics.GatewayMetrics, logg *logger.Logger) *Adapter {
	return newAdapter(cfg, creds, newSDKClient(cfg.BaseURL, cfg.HTTPClient), m, logg)
}

func newAdapter(cfg Config, creds gateway.CredentialSource, api intentsAPI, m *metrics.GatewayMetrics, logg *logger.Logger) *Adapter {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Adapter{
		creds:     creds,
		api:       api,
		caller:    gateway.NewCaller(enums.GatewayCardA, cfg.Provider, m, logg),
		statuses:  gateway.NewStatusTable(enums.GatewayCardA, statusTable, m, logg),
		tolerance: cfg.SignatureTolerance,
		logg:      logg,
	}
}

func (a *Adapter) Type() enums.GatewayType {
	return enums.GatewayCardA
}

func (a *Adapter) MapStatus(raw string) enums.TransactionStatus {
	return a.statuses.Map(raw)
}

func (a *Adapter) secretKey(ctx context.Context, restaurantID uuid.UUID) (string, error) {
	creds, err := a.creds.Credentials(ctx, restaurantID, enums.GatewayCardA)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(creds.SecretKey)
	if err := validateAPIKey(creds.Environment, key); err != nil {
		ctx = a.logg.WithRestaurantID(ctx, creds.RestaurantID.String())
		a.logg.Warn(ctx, err.Error())
		return "", gateway.NotConfigured(enums.GatewayCardA, creds.RestaurantID)
	}
	return key, nil
}

// validateAPIKey keeps sandbox restaurants on test keys and production
// restaurants on live keys.
func validateAPIKey(env enums.GatewayEnvironment, key string) error {
	if key == "" {
		return errors.New("stripe secret key is empty")
	}
	if env.IsSandbox() || env == "" {
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("sandbox credentials require a test secret key (sk_test/rk_test)")
	}
	if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
		return nil
	}
	return fmt.Errorf("production credentials require a live secret key (sk_live/rk_live)")
}

func (a *Adapter) Create(ctx context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	key, err := a.secretKey(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"transaction_id": req.Reference.String(),
		"restaurant_id":  req.RestaurantID.String(),
	}
	if req.OrderRef != "" {
		metadata["order_ref"] = req.OrderRef
	}
	for k, v := range req.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(gateway.ToMinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Metadata: metadata,
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	var pi *stripe.PaymentIntent
	err = a.caller.Do(ctx, "create", func(ctx context.Context) error {
		var callErr error
		pi, callErr = a.api.CreateIntent(ctx, key, params)
		return mapStripeError("create", callErr)
	})
	if err != nil {
		return nil, err
	}

	raw := string(pi.Status)
	return &gateway.CreateResult{
		ProviderID:   pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       a.MapStatus(raw),
		RawStatus:    raw,
		Payload:      marshal(pi),
	}, nil
}

// Confirm attaches the tokenized payment method and confirms the intent.
func (a *Adapter) Confirm(ctx context.Context, query gateway.StatusQuery, details gateway.PaymentDetails) (*gateway.StatusResult, error) {
	if strings.TrimSpace(details.PaymentMethodToken) == "" {
		return nil, gateway.Rejected(enums.GatewayCardA, "confirm", 0, "payment method token is required")
	}
	key, err := a.secretKey(ctx, query.RestaurantID)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(details.PaymentMethodToken),
	}
	if details.ReturnURL != "" {
		params.ReturnURL = stripe.String(details.ReturnURL)
	}
	params.AddExpand(feeExpand)
	params.SetIdempotencyKey("confirm-" + query.ProviderID + "-" + details.PaymentMethodToken)

	var pi *stripe.PaymentIntent
	err = a.caller.Do(ctx, "confirm", func(ctx context.Context) error {
		var callErr error
		pi, callErr = a.api.ConfirmIntent(ctx, key, query.ProviderID, params)
		return mapStripeError("confirm", callErr)
	})
	if err != nil {
		return nil, err
	}
	return a.statusFromIntent(pi), nil
}

func (a *Adapter) QueryStatus(ctx context.Context, query gateway.StatusQuery) (*gateway.StatusResult, error) {
	key, err := a.secretKey(ctx, query.RestaurantID)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand(feeExpand)

	var pi *stripe.PaymentIntent
	err = a.caller.Do(ctx, "query", func(ctx context.Context) error {
		var callErr error
		pi, callErr = a.api.RetrieveIntent(ctx, key, query.ProviderID, params)
		return mapStripeError("query", callErr)
	})
	if err != nil {
		if gateway.StatusCodeOf(err) == http.StatusNotFound {
			return nil, gateway.UnknownTransaction(enums.GatewayCardA, query.ProviderID)
		}
		return nil, err
	}
	return a.statusFromIntent(pi), nil
}

func (a *Adapter) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	amount, err := req.RefundAmount()
	if err != nil {
		return nil, gateway.Rejected(enums.GatewayCardA, "refund", 0, err.Error())
	}
	key, err := a.secretKey(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(req.ProviderID),
		Amount:        stripe.Int64(gateway.ToMinorUnits(amount)),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	var refund *stripe.Refund
	err = a.caller.Do(ctx, "refund", func(ctx context.Context) error {
		var callErr error
		refund, callErr = a.api.CreateRefund(ctx, key, params)
		return mapStripeError("refund", callErr)
	})
	if err != nil {
		return nil, err
	}

	refunded := gateway.FromMinorUnits(refund.Amount)
	status := enums.TransactionStatusPartiallyRefunded
	if req.AlreadyRefunded.Add(refunded).GreaterThanOrEqual(req.TransactionAmount) {
		status = enums.TransactionStatusRefunded
	}
	return &gateway.RefundResult{
		RefundID:  refund.ID,
		Amount:    refunded,
		Status:    status,
		RawStatus: string(refund.Status),
		Payload:   marshal(refund),
	}, nil
}

func (a *Adapter) statusFromIntent(pi *stripe.PaymentIntent) *gateway.StatusResult {
	raw := string(pi.Status)
	res := &gateway.StatusResult{
		ProviderID: pi.ID,
		Reference:  pi.Metadata["transaction_id"],
		Status:     a.MapStatus(raw),
		RawStatus:  raw,
		Fees:       intentFee(pi),
		Payload:    marshal(pi),
	}
	if len(pi.PaymentMethodTypes) > 0 {
		res.PaymentMethod = pi.PaymentMethodTypes[0]
	}
	if pi.LatestCharge != nil && pi.LatestCharge.PaymentMethodDetails != nil && pi.LatestCharge.PaymentMethodDetails.Type != "" {
		res.PaymentMethod = string(pi.LatestCharge.PaymentMethodDetails.Type)
	}
	return res
}

// intentFee reads the Stripe fee from an expanded balance transaction.
func intentFee(pi *stripe.PaymentIntent) *decimal.Decimal {
	if pi == nil || pi.LatestCharge == nil || pi.LatestCharge.BalanceTransaction == nil {
		return nil
	}
	fee := gateway.FromMinorUnits(pi.LatestCharge.BalanceTransaction.Fee)
	return &fee
}

// VerifyWebhook checks the `t=,v1=` header with stripe's validator.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header, secret gateway.WebhookSecret) bool {
	if secret.Key == "" {
		return false
	}
	var header string
	for _, name := range signatureHeaders {
		if header = headers.Get(name); header != "" {
			break
		}
	}
	if header == "" {
		return false
	}
	if a.tolerance <= 0 {
		return webhook.ValidatePayloadIgnoringTolerance(rawBody, header, secret.Key) == nil
	}
	return webhook.ValidatePayloadWithTolerance(rawBody, header, secret.Key, a.tolerance) == nil
}

// ParseWebhook handles payment_intent.* and charge.refunded events. A
// succeeded intent without an expanded fee is returned without a status so
// the caller fetches it with fees through QueryStatus.
func (a *Adapter) ParseWebhook(rawBody []byte) (*gateway.WebhookNotification, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("stripe event %s has no data object", event.ID)
	}

	n := &gateway.WebhookNotification{
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   json.RawMessage(rawBody),
	}

	eventType := string(event.Type)
	switch {
	case eventType == eventRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("decode refunded charge: %w", err)
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			return nil, fmt.Errorf("refunded charge %s has no payment intent", charge.ID)
		}
		n.ProviderID = charge.PaymentIntent.ID
		n.RawStatus = eventRefunded
		n.Refund = chargeRefund(&charge)
		return n, nil

	case strings.HasPrefix(eventType, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		n.ProviderID = pi.ID
		n.Reference = pi.Metadata["transaction_id"]
		n.Fees = intentFee(&pi)
		if len(pi.PaymentMethodTypes) > 0 {
			n.PaymentMethod = pi.PaymentMethodTypes[0]
		}
		n.RawStatus = string(pi.Status)
		if eventType == eventPaymentFailed {
			n.RawStatus = string(intentPaymentFailed)
		}
		if intentStatus(n.RawStatus) == intentSucceeded && n.Fees == nil {
			n.RawStatus = ""
		}
		return n, nil

	default:
		return nil, fmt.Errorf("stripe event %s: %w", eventType, gateway.ErrIgnoredEvent)
	}
}

// chargeRefund reads the refunds listed on a charge. Stripe lists them
// newest first; the ledger wants them oldest first.
func chargeRefund(charge *stripe.Charge) *gateway.RefundInfo {
	total := gateway.FromMinorUnits(charge.AmountRefunded)
	info := &gateway.RefundInfo{Total: &total, RawStatus: eventRefunded}
	if charge.Refunds != nil && len(charge.Refunds.Data) > 0 {
		for i := len(charge.Refunds.Data) - 1; i >= 0; i-- {
			r := charge.Refunds.Data[i]
			if r == nil || r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
				continue
			}
			info.Items = append(info.Items, gateway.RefundItem{
				RefundID:  r.ID,
				Amount:    gateway.FromMinorUnits(r.Amount),
				RawStatus: string(r.Status),
			})
		}
		if n := len(info.Items); n > 0 {
			latest := info.Items[n-1]
			info.RefundID = latest.RefundID
			info.Amount = latest.Amount
			info.RawStatus = latest.RawStatus
			return info
		}
	}
	// Without the refund list the whole refunded total is one entry keyed by
	// the charge.
	info.RefundID = charge.ID + ":" + total.StringFixed(2)
	info.Amount = total
	return info
}

// mapStripeError classifies SDK failures. Errors without an HTTP status
// never reached Stripe.
func mapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 0 {
			return gateway.Unreachable(enums.GatewayCardA, op, err)
		}
		body := stripeErr.Msg
		if stripeErr.Code != "" {
			body = string(stripeErr.Code) + ": " + body
		}
		return gateway.FromHTTPStatus(enums.GatewayCardA, op, stripeErr.HTTPStatusCode, body)
	}
	return gateway.Unreachable(enums.GatewayCardA, op, err)
}

func marshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
