// Package bootstrap assembles the gateway layer shared by the api server,
// the reconcile worker and gatewayctl.
package bootstrap

import (
	"errors"
	"net/http"

	"github.com/angelmondragon/mesa-payments/internal/credentials"
	"github.com/angelmondragon/mesa-payments/internal/cron"
	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/gateway/carda"
	"github.com/angelmondragon/mesa-payments/internal/gateway/cardb"
	"github.com/angelmondragon/mesa-payments/internal/gateway/cardc"
	"github.com/angelmondragon/mesa-payments/internal/gateway/transfer"
	"github.com/angelmondragon/mesa-payments/internal/reconciler"
	"github.com/angelmondragon/mesa-payments/internal/transactions"
	"github.com/angelmondragon/mesa-payments/internal/webhooks"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
	"github.com/angelmondragon/mesa-payments/pkg/security"
)

type Params struct {
	Config  *config.Config
	DB      *db.Client
	Metrics *metrics.GatewayMetrics
	Logger  *logger.Logger
	// HTTPClient overrides the transport of every adapter. Nil keeps each
	// adapter's default.
	HTTPClient *http.Client
}

// Components is the wired gateway layer.
type Components struct {
	Credentials      *credentials.Provider
	Gateways         *gateway.Registry
	OutboxRepo       *outbox.Repository
	Outbox           *outbox.Service
	Reconciler       *reconciler.Reconciler
	TransactionsRepo *transactions.Repository
	Transactions     *transactions.Service
	WebhookEvents    *webhooks.Repository
	Ingestor         *webhooks.Ingestor
}

func New(p Params) (*Components, error) {
	if p.Config == nil {
		return nil, errors.New("config required")
	}
	if p.DB == nil {
		return nil, errors.New("db client required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	cfg := p.Config
	conn := p.DB.DB()

	sealer, err := security.NewSealer(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	creds := credentials.NewProvider(conn, sealer)
	registry, err := NewGateways(cfg, creds, p.Metrics, logg, p.HTTPClient)
	if err != nil {
		return nil, err
	}

	outboxRepo := outbox.NewRepository(conn)
	outboxService := outbox.NewService(outboxRepo, logg)
	txRepo := transactions.NewRepository(conn)
	rec := reconciler.New(p.DB, txRepo, outboxService, p.Metrics, logg)

	txService, err := transactions.NewService(transactions.ServiceParams{
		Repo:       txRepo,
		Gateways:   registry,
		Reconciler: rec,
		Logger:     logg,
	})
	if err != nil {
		return nil, err
	}

	events := webhooks.NewRepository(conn)
	ingestor, err := webhooks.NewIngestor(webhooks.IngestorParams{
		Gateways:     registry,
		Credentials:  creds,
		Transactions: txRepo,
		Reconciler:   rec,
		Events:       events,
		Metrics:      p.Metrics,
		Logger:       logg,
	})
	if err != nil {
		return nil, err
	}

	return &Components{
		Credentials:      creds,
		Gateways:         registry,
		OutboxRepo:       outboxRepo,
		Outbox:           outboxService,
		Reconciler:       rec,
		TransactionsRepo: txRepo,
		Transactions:     txService,
		WebhookEvents:    events,
		Ingestor:         ingestor,
	}, nil
}

// NewGateways builds the four adapters from their typed config records.
func NewGateways(cfg *config.Config, creds gateway.CredentialSource, m *metrics.GatewayMetrics, logg *logger.Logger, client *http.Client) (*gateway.Registry, error) {
	gw := cfg.Gateways
	return gateway.NewRegistry(
		carda.New(carda.Config{
			Provider:           gw.CardA.Provider(),
			SignatureTolerance: gw.CardA.SignatureTolerance,
			HTTPClient:         client,
		}, creds, m, logg),
		cardb.New(cardb.Config{
			Provider:        gw.CardB.Provider(),
			NotificationURL: gw.CardB.NotificationURL,
			SuccessURL:      gw.CardB.SuccessURL,
			FailureURL:      gw.CardB.FailureURL,
			PendingURL:      gw.CardB.PendingURL,
			HTTPClient:      client,
		}, creds, m, logg),
		cardc.New(cardc.Config{
			Provider:        gw.CardC.Provider(),
			NotificationURL: gw.CardC.NotificationURL,
			HTTPClient:      client,
		}, creds, m, logg),
		transfer.New(transfer.Config{
			Provider:        gw.Transfer.Provider(),
			SettlementQuery: cfg.FeatureFlags.TransferSettlementQuery,
			HTTPClient:      client,
		}, creds, m, logg),
	)
}

// NewSweepJobs registers the reconciliation jobs run by the reconcile worker
// and by gatewayctl sweep.
func NewSweepJobs(cfg *config.Config, c *Components, logg *logger.Logger) (*cron.Registry, error) {
	deferred, err := cron.NewDeferredEventsJob(cron.DeferredEventsJobParams{
		Logger:      logg,
		Events:      c.WebhookEvents,
		Ingestor:    c.Ingestor,
		MaxAttempts: cfg.Reconcile.MaxEventAttempts,
		BatchSize:   cfg.Reconcile.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	stale, err := cron.NewStalePollJob(cron.StalePollJobParams{
		Logger:         logg,
		Transactions:   c.TransactionsRepo,
		Poller:         c.Transactions,
		Gateways:       c.Gateways,
		Reconciler:     c.Reconciler,
		StaleAfter:     cfg.Reconcile.StaleAfter,
		Lookback:       cfg.Reconcile.Lookback,
		TransferExpiry: cfg.Gateways.Transfer.Expiry,
		BatchSize:      cfg.Reconcile.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(c.OutboxRepo, cfg.Outbox.Retention)
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(deferred, stale, retention)
}
