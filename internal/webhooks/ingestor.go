// Package webhooks receives provider deliveries, keeps an audit row for each
// one and hands verified events to the reconciler.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/reconciler"
	"github.com/angelmondragon/mesa-payments/internal/transactions"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
)

const SourceWebhook = "webhook"

type adapterLookup interface {
	Get(gw enums.GatewayType) (gateway.Adapter, error)
}

type transactionFinder interface {
	FindByProvider(ctx context.Context, gw enums.GatewayType, providerID string) (*models.Transaction, error)
	FindByReference(ctx context.Context, gw enums.GatewayType, reference string) (*models.Transaction, error)
}

type applier interface {
	Apply(ctx context.Context, obs reconciler.Observation) (*reconciler.Result, error)
}

type eventStore interface {
	Insert(ctx context.Context, event *models.WebhookEvent) error
	MarkOutcome(ctx context.Context, id uuid.UUID, outcome Outcome) error
}

type IngestorParams struct {
	Gateways     adapterLookup
	Credentials  gateway.CredentialSource
	Transactions transactionFinder
	Reconciler   applier
	Events       eventStore
	Metrics      *metrics.GatewayMetrics
	Logger       *logger.Logger
}

type Ingestor struct {
	gateways     adapterLookup
	credentials  gateway.CredentialSource
	transactions transactionFinder
	reconciler   applier
	events       eventStore
	metrics      *metrics.GatewayMetrics
	logg         *logger.Logger
}

func NewIngestor(params IngestorParams) (*Ingestor, error) {
	switch {
	case params.Gateways == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway registry required")
	case params.Credentials == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credential source required")
	case params.Transactions == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction finder required")
	case params.Reconciler == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	case params.Events == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook event store required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Ingestor{
		gateways:     params.Gateways,
		credentials:  params.Credentials,
		transactions: params.Transactions,
		reconciler:   params.Reconciler,
		events:       params.Events,
		metrics:      params.Metrics,
		logg:         logg,
	}, nil
}

// Delivery is one inbound HTTP call from a provider.
type Delivery struct {
	Gateway enums.GatewayType
	// RestaurantID comes from the registered notification URL and selects
	// the webhook secret.
	RestaurantID *uuid.UUID
	Body         []byte
	Headers      http.Header
}

// Result says what happened to a delivery once its row is durable.
type Result struct {
	EventID       uuid.UUID
	Status        enums.WebhookProcessingStatus
	TransactionID *uuid.UUID
	Reconcile     reconciler.Outcome
}

// Ingest verifies, records and reconciles one delivery.
//
// A signature failure returns a SignatureInvalid *gateway.Error and a
// payload the adapter cannot parse returns a validation error; both are
// recorded first. Every other outcome, including a failed reconciliation,
// returns a Result because the row is durable and the sweep or a poll can
// finish the work.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (*Result, error) {
	ctx = i.logg.WithGateway(ctx, d.Gateway.String())
	adapter, err := i.gateways.Get(d.Gateway)
	if err != nil {
		return nil, err
	}

	body := d.Body
	if body == nil {
		body = []byte{}
	}
	event := &models.WebhookEvent{
		GatewayType:  d.Gateway,
		RestaurantID: d.RestaurantID,
		Payload:      body,
	}

	if !i.verify(ctx, adapter, d) {
		event.ProcessingStatus = enums.WebhookStatusRejected
		if err := i.events.Insert(ctx, event); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store rejected webhook")
		}
		i.metrics.IncWebhook(d.Gateway.String(), string(enums.WebhookStatusRejected))
		i.logg.Warn(i.logg.WithField(ctx, "webhook_event_id", event.ID.String()), "webhook signature rejected")
		return nil, gateway.SignatureInvalid(d.Gateway)
	}
	event.SignatureValid = true

	n, parseErr := adapter.ParseWebhook(d.Body)
	if n != nil {
		fillEvent(event, n)
	}
	switch {
	case errors.Is(parseErr, gateway.ErrIgnoredEvent):
		event.ProcessingStatus = enums.WebhookStatusProcessed
		if err := i.events.Insert(ctx, event); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store webhook")
		}
		i.metrics.IncWebhook(d.Gateway.String(), "ignored")
		i.logg.Debug(i.logg.WithField(ctx, "webhook_event_id", event.ID.String()), "webhook event type ignored")
		return &Result{EventID: event.ID, Status: enums.WebhookStatusProcessed, Reconcile: reconciler.OutcomeNoop}, nil
	case parseErr != nil:
		event.ProcessingStatus = enums.WebhookStatusError
		msg := parseErr.Error()
		event.ProcessingError = &msg
		if err := i.events.Insert(ctx, event); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store webhook")
		}
		i.metrics.IncWebhook(d.Gateway.String(), string(enums.WebhookStatusError))
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, parseErr, "unparsable webhook payload")
	}

	if err := i.events.Insert(ctx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store webhook")
	}
	return i.process(ctx, adapter, event, n), nil
}

// Retry reprocesses a stored, verified event. The sweep uses it for events
// that arrived before their transaction was recorded.
func (i *Ingestor) Retry(ctx context.Context, event *models.WebhookEvent) (*Result, error) {
	if !event.SignatureValid {
		return nil, fmt.Errorf("webhook event %s was never verified", event.ID)
	}
	ctx = i.logg.WithGateway(ctx, event.GatewayType.String())
	adapter, err := i.gateways.Get(event.GatewayType)
	if err != nil {
		return nil, err
	}
	n, err := adapter.ParseWebhook(event.Payload)
	if err != nil {
		outcome := Outcome{Status: enums.WebhookStatusError, Err: err}
		if errors.Is(err, gateway.ErrIgnoredEvent) {
			outcome = Outcome{Status: enums.WebhookStatusProcessed}
		}
		if markErr := i.events.MarkOutcome(ctx, event.ID, outcome); markErr != nil {
			return nil, markErr
		}
		return &Result{EventID: event.ID, Status: outcome.Status}, nil
	}
	return i.process(ctx, adapter, event, n), nil
}

func (i *Ingestor) verify(ctx context.Context, adapter gateway.Adapter, d Delivery) bool {
	if d.RestaurantID == nil {
		return false
	}
	creds, err := i.credentials.Credentials(ctx, *d.RestaurantID, d.Gateway)
	if err != nil {
		i.logg.Warn(i.logg.WithField(ctx, "error", err.Error()), "webhook secret unavailable")
		return false
	}
	return adapter.VerifyWebhook(d.Body, d.Headers, creds.Webhook())
}

func fillEvent(event *models.WebhookEvent, n *gateway.WebhookNotification) {
	event.EventType = n.EventType
	if n.EventID != "" {
		id := n.EventID
		event.ProviderEventID = &id
	}
	if n.ProviderID != "" {
		id := n.ProviderID
		event.ProviderTransactionID = &id
	}
}

// process resolves the transaction and applies the event. It always stamps
// an outcome on the row and never returns an error: once the row exists the
// delivery is acknowledged.
func (i *Ingestor) process(ctx context.Context, adapter gateway.Adapter, event *models.WebhookEvent, n *gateway.WebhookNotification) *Result {
	gw := event.GatewayType
	ctx = i.logg.WithField(ctx, "webhook_event_id", event.ID.String())
	res := &Result{EventID: event.ID}

	finish := func(outcome Outcome) *Result {
		res.Status = outcome.Status
		res.TransactionID = outcome.TransactionID
		if err := i.events.MarkOutcome(ctx, event.ID, outcome); err != nil {
			i.logg.Error(ctx, "mark webhook outcome failed", err)
		}
		i.metrics.IncWebhook(gw.String(), string(outcome.Status))
		return res
	}

	tx, fetched, err := i.resolve(ctx, adapter, event, n)
	if err != nil {
		if errors.Is(err, transactions.ErrNotFound) {
			i.logg.Info(i.logg.WithField(ctx, "provider_transaction_id", n.ProviderID), "webhook deferred, transaction not recorded yet")
			return finish(Outcome{Status: enums.WebhookStatusDeferred})
		}
		i.logg.Error(ctx, "resolve webhook transaction failed", err)
		outcome := Outcome{Status: enums.WebhookStatusError, Err: err}
		if gateway.Retryable(err) {
			outcome.Status = enums.WebhookStatusDeferred
		}
		return finish(outcome)
	}
	if event.RestaurantID != nil && *event.RestaurantID != tx.RestaurantID {
		err := fmt.Errorf("transaction %s belongs to another restaurant", tx.ID)
		i.logg.Warn(i.logg.WithField(ctx, "error", err.Error()), "webhook restaurant mismatch")
		return finish(Outcome{Status: enums.WebhookStatusError, Err: err})
	}
	ctx = i.logg.WithTransactionID(ctx, tx.ID.String())
	source := outbox.Source{Kind: SourceWebhook, Ref: event.ID.String()}

	var obs reconciler.Observation
	switch {
	case fetched != nil:
		obs = reconciler.FromStatus(tx.ID, fetched, source)
		if obs.Refund == nil && n.Refund != nil {
			obs.Refund = n.Refund
		}
	case n.NeedsQuery():
		status, err := adapter.QueryStatus(ctx, gateway.StatusQuery{
			RestaurantID: tx.RestaurantID,
			ProviderID:   tx.ProviderTransactionID,
			Reference:    tx.ID,
			Amount:       tx.Amount,
			Currency:     tx.Currency,
		})
		if err != nil {
			i.logg.Error(ctx, "webhook status lookup failed", err)
			outcome := Outcome{Status: enums.WebhookStatusError, TransactionID: &tx.ID, Err: err}
			if gateway.Retryable(err) {
				outcome.Status = enums.WebhookStatusDeferred
			}
			return finish(outcome)
		}
		obs = reconciler.FromStatus(tx.ID, status, source)
		if obs.Refund == nil && n.Refund != nil {
			obs.Refund = n.Refund
		}
	default:
		obs = reconciler.FromNotification(tx.ID, n, adapter.MapStatus(n.RawStatus), source)
	}

	applied, err := i.reconciler.Apply(ctx, obs)
	if err != nil {
		i.logg.Error(ctx, "webhook reconciliation failed", err)
		return finish(Outcome{Status: enums.WebhookStatusError, TransactionID: &tx.ID, Err: err})
	}
	res.Reconcile = applied.Outcome
	return finish(Outcome{Status: enums.WebhookStatusProcessed, TransactionID: &tx.ID})
}

// resolve finds the transaction by provider id first and by the local
// reference the provider echoes back second.
//
// A status-less notification may name a provider object the row is not
// keyed by: Mercado Pago reports the payment id while the row holds the
// preference id. Such an object is fetched with the delivering restaurant's
// credentials and resolved through the external reference it carries. The
// fetched status is returned so process does not query twice.
func (i *Ingestor) resolve(ctx context.Context, adapter gateway.Adapter, event *models.WebhookEvent, n *gateway.WebhookNotification) (*models.Transaction, *gateway.StatusResult, error) {
	gw := event.GatewayType
	if n.ProviderID != "" {
		tx, err := i.transactions.FindByProvider(ctx, gw, n.ProviderID)
		if err == nil || !errors.Is(err, transactions.ErrNotFound) {
			return tx, nil, err
		}
	}
	if n.Reference != "" {
		tx, err := i.transactions.FindByReference(ctx, gw, n.Reference)
		if err == nil || !errors.Is(err, transactions.ErrNotFound) {
			return tx, nil, err
		}
	}
	if !n.NeedsQuery() || n.ProviderID == "" || event.RestaurantID == nil {
		return nil, nil, transactions.ErrNotFound
	}

	status, err := adapter.QueryStatus(ctx, gateway.StatusQuery{
		RestaurantID: *event.RestaurantID,
		ProviderID:   n.ProviderID,
	})
	switch {
	case gateway.IsKind(err, gateway.KindUnknownTransaction):
		return nil, nil, transactions.ErrNotFound
	case err != nil:
		return nil, nil, err
	case status == nil || status.Reference == "" || status.Reference == n.Reference:
		return nil, nil, transactions.ErrNotFound
	}
	tx, err := i.transactions.FindByReference(ctx, gw, status.Reference)
	if err != nil {
		return nil, nil, err
	}
	return tx, status, nil
}
