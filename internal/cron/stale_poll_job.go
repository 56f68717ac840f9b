package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/gateway/transfer"
	"github.com/angelmondragon/mesa-payments/internal/reconciler"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
)

const SourceSweep = "sweep"

const (
	defaultStaleAfter     = 10 * time.Minute
	defaultLookback       = 72 * time.Hour
	defaultTransferExpiry = 30 * time.Minute
)

type staleLister interface {
	ListStaleOpen(ctx context.Context, staleBefore, createdAfter time.Time, limit int) ([]models.Transaction, error)
}

type poller interface {
	Poll(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
}

type adapterLookup interface {
	Get(gw enums.GatewayType) (gateway.Adapter, error)
}

type applier interface {
	Apply(ctx context.Context, obs reconciler.Observation) (*reconciler.Result, error)
}

type StalePollJobParams struct {
	Logger       *logger.Logger
	Transactions staleLister
	Poller       poller
	Gateways     adapterLookup
	Reconciler   applier
	StaleAfter   time.Duration
	Lookback     time.Duration
	// TransferExpiry is the validity of a generated transfer code. Transfers
	// that cannot be polled are failed once it passes.
	TransferExpiry time.Duration
	BatchSize      int
}

// NewStalePollJob polls providers for open transactions no webhook has
// moved in a while. It is the safety net for lost deliveries.
func NewStalePollJob(params StalePollJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Transactions == nil:
		return nil, fmt.Errorf("transaction lister required")
	case params.Poller == nil:
		return nil, fmt.Errorf("poller required")
	case params.Gateways == nil:
		return nil, fmt.Errorf("gateway registry required")
	case params.Reconciler == nil:
		return nil, fmt.Errorf("reconciler required")
	}
	job := &stalePollJob{
		logg:           params.Logger,
		transactions:   params.Transactions,
		poller:         params.Poller,
		gateways:       params.Gateways,
		reconciler:     params.Reconciler,
		staleAfter:     params.StaleAfter,
		lookback:       params.Lookback,
		transferExpiry: params.TransferExpiry,
		batch:          params.BatchSize,
		now:            time.Now,
	}
	if job.staleAfter <= 0 {
		job.staleAfter = defaultStaleAfter
	}
	if job.lookback <= 0 {
		job.lookback = defaultLookback
	}
	if job.transferExpiry <= 0 {
		job.transferExpiry = defaultTransferExpiry
	}
	if job.batch <= 0 {
		job.batch = defaultBatchSize
	}
	return job, nil
}

type stalePollJob struct {
	logg           *logger.Logger
	transactions   staleLister
	poller         poller
	gateways       adapterLookup
	reconciler     applier
	staleAfter     time.Duration
	lookback       time.Duration
	transferExpiry time.Duration
	batch          int
	now            func() time.Time
}

func (j *stalePollJob) Name() string { return "stale-poll" }

func (j *stalePollJob) Run(ctx context.Context) (Report, error) {
	now := j.now().UTC()
	rows, err := j.transactions.ListStaleOpen(ctx, now.Add(-j.staleAfter), now.Add(-j.lookback), j.batch)
	if err != nil {
		return nil, fmt.Errorf("list stale transactions: %w", err)
	}

	report := Report{"candidates": len(rows)}
	var errs error
	for idx := range rows {
		row := &rows[idx]
		if ctx.Err() != nil {
			return report, multierr.Append(errs, ctx.Err())
		}
		_, err := j.poller.Poll(ctx, row.ID)
		switch {
		case err == nil:
			report.Add("polled", 1)
		case gateway.IsKind(err, gateway.KindNotImplemented):
			ok, expireErr := j.expireTransfer(ctx, row, now)
			switch {
			case expireErr != nil:
				report.Add("failed", 1)
				errs = multierr.Append(errs, expireErr)
			case ok:
				report.Add("expired", 1)
			default:
				report.Add("skipped", 1)
			}
		case gateway.IsKind(err, gateway.KindNotConfigured):
			// Credentials were removed after checkout; nothing to poll with.
			report.Add("skipped", 1)
		default:
			report.Add("failed", 1)
			errs = multierr.Append(errs, fmt.Errorf("poll transaction %s: %w", row.ID, err))
		}
	}
	return report, errs
}

// expireTransfer fails a transfer whose code outlived its validity without
// a settlement answer.
func (j *stalePollJob) expireTransfer(ctx context.Context, row *models.Transaction, now time.Time) (bool, error) {
	if row.GatewayType != enums.GatewayTransfer || row.CreatedAt.After(now.Add(-j.transferExpiry)) {
		return false, nil
	}
	adapter, err := j.gateways.Get(row.GatewayType)
	if err != nil {
		return false, err
	}
	_, err = j.reconciler.Apply(ctx, reconciler.Observation{
		TransactionID: row.ID,
		Status:        adapter.MapStatus(transfer.ExpiredStatus),
		RawStatus:     transfer.ExpiredStatus,
		Source:        outbox.Source{Kind: SourceSweep},
	})
	if err != nil {
		return false, fmt.Errorf("expire transfer %s: %w", row.ID, err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"transaction_id": row.ID.String(),
		"restaurant_id":  row.RestaurantID.String(),
		"age":            now.Sub(row.CreatedAt).Round(time.Second).String(),
	}), "transfer.expired")
	return true, nil
}
