package transactions

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/reconciler"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
	"github.com/angelmondragon/mesa-payments/pkg/pagination"
)

// Source kinds stamped on outbox events produced through this service.
const (
	SourceAPI  = "api"
	SourcePoll = "poll"
)

type adapterLookup interface {
	Get(gw enums.GatewayType) (gateway.Adapter, error)
}

type applier interface {
	Apply(ctx context.Context, obs reconciler.Observation) (*reconciler.Result, error)
}

type ServiceParams struct {
	Repo       *Repository
	Gateways   adapterLookup
	Reconciler applier
	Logger     *logger.Logger
}

// Service orchestrates checkout creation and the provider round trips that
// follow it. Every status it learns is handed to the reconciler.
type Service struct {
	repo       *Repository
	gateways   adapterLookup
	reconciler applier
	logg       *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction repo required")
	}
	if params.Gateways == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway registry required")
	}
	if params.Reconciler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		repo:       params.Repo,
		gateways:   params.Gateways,
		reconciler: params.Reconciler,
		logg:       logg,
	}, nil
}

type CreateInput struct {
	RestaurantID   uuid.UUID
	OrderID        *uuid.UUID
	Gateway        enums.GatewayType
	Amount         decimal.Decimal
	Currency       string
	OrderRef       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type CreateOutput struct {
	Transaction *models.Transaction
	// ClientSecret is handed to the browser for tokenized card flows and
	// never stored.
	ClientSecret string
	// Replayed is true when the idempotency key matched an earlier checkout.
	Replayed bool
}

// Create opens a checkout at the provider and records it as pending. The
// local id is generated first and travels as the provider reference; the
// idempotency key is reused on every provider retry.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateOutput, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	} else {
		existing, err := s.repo.FindByIdempotencyKey(ctx, in.RestaurantID, key)
		switch {
		case err == nil:
			if existing.GatewayType != in.Gateway || !existing.Amount.Equal(in.Amount) || existing.Currency != currency {
				return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different checkout")
			}
			return &CreateOutput{Transaction: existing, Replayed: true}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup idempotency key")
		}
	}

	adapter, err := s.gateways.Get(in.Gateway)
	if err != nil {
		return nil, gateway.ToAPIError(err)
	}

	id := uuid.New()
	ctx = s.logg.WithFields(ctx, map[string]any{
		"transaction_id": id.String(),
		"restaurant_id":  in.RestaurantID.String(),
		"gateway":        in.Gateway,
	})

	res, err := adapter.Create(ctx, gateway.CreateRequest{
		RestaurantID:   in.RestaurantID,
		Reference:      id,
		Amount:         in.Amount,
		Currency:       currency,
		OrderRef:       in.OrderRef,
		Description:    in.Description,
		Metadata:       in.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		s.logg.Error(ctx, "provider create failed", err)
		return nil, gateway.ToAPIError(err)
	}

	externalRef := strings.TrimSpace(in.OrderRef)
	if externalRef == "" {
		externalRef = id.String()
	}
	row := &models.Transaction{
		ID:                    id,
		RestaurantID:          in.RestaurantID,
		OrderID:               in.OrderID,
		GatewayType:           in.Gateway,
		ProviderTransactionID: res.ProviderID,
		ExternalReference:     externalRef,
		Amount:                in.Amount,
		Currency:              currency,
		Status:                enums.TransactionStatusPending,
		LastRawStatus:         res.RawStatus,
		IdempotencyKey:        key,
	}
	if res.CheckoutURL != "" {
		row.CheckoutURL = &res.CheckoutURL
	}
	if res.PixPayload != "" {
		row.PixPayload = &res.PixPayload
	}
	if len(res.Payload) > 0 {
		row.LastProviderPayload = datatypes.JSON(res.Payload)
	}
	if err := s.repo.Insert(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateProvider) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "provider transaction already recorded")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store transaction")
	}
	s.logg.Info(ctx, "checkout created")

	// Some providers answer create with a status past pending.
	if res.Status != "" && res.Status != enums.TransactionStatusPending {
		if _, err := s.reconciler.Apply(ctx, reconciler.Observation{
			TransactionID: id,
			Status:        res.Status,
			RawStatus:     res.RawStatus,
			Payload:       res.Payload,
			Source:        outbox.Source{Kind: SourceAPI},
		}); err != nil {
			s.logg.Error(ctx, "apply create status failed", err)
		}
		if fresh, err := s.repo.FindByID(ctx, id); err == nil {
			row = fresh
		}
	}
	return &CreateOutput{Transaction: row, ClientSecret: res.ClientSecret}, nil
}

func validateCreate(in CreateInput) error {
	if in.RestaurantID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "restaurant id required")
	}
	if !in.Gateway.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown gateway type")
	}
	if !in.Amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !in.Amount.Equal(in.Amount.Round(2)) {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must have at most two decimals")
	}
	if len(strings.TrimSpace(in.Currency)) != 3 {
		return pkgerrors.New(pkgerrors.CodeValidation, "currency must be a three letter code")
	}
	return nil
}

// Get returns the local record and its refund ledger without calling the
// provider.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, []models.RefundEntry, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	refunds, err := s.repo.ListRefunds(ctx, id)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list refunds")
	}
	return row, refunds, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "transaction not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load transaction")
	}
	return row, nil
}

func statusQuery(row *models.Transaction) gateway.StatusQuery {
	return gateway.StatusQuery{
		RestaurantID: row.RestaurantID,
		ProviderID:   row.ProviderTransactionID,
		Reference:    row.ID,
		Amount:       row.Amount,
		Currency:     row.Currency,
	}
}

// Confirm runs the second step of a tokenized card flow and reconciles the
// provider's answer.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, details gateway.PaymentDetails) (*models.Transaction, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !row.Status.IsOpen() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "transaction is no longer awaiting payment")
	}
	adapter, err := s.gateways.Get(row.GatewayType)
	if err != nil {
		return nil, gateway.ToAPIError(err)
	}
	ctx = s.logg.WithTransactionID(s.logg.WithGateway(ctx, row.GatewayType.String()), row.ID.String())

	res, err := adapter.Confirm(ctx, statusQuery(row), details)
	if err != nil {
		s.logg.Error(ctx, "provider confirm failed", err)
		return nil, gateway.ToAPIError(err)
	}
	return s.apply(ctx, reconciler.FromStatus(row.ID, res, outbox.Source{Kind: SourceAPI}))
}

// Poll asks the provider for the current status and reconciles it. It is
// the fallback path when webhooks are late or lost.
func (s *Service) Poll(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	adapter, err := s.gateways.Get(row.GatewayType)
	if err != nil {
		return nil, gateway.ToAPIError(err)
	}
	ctx = s.logg.WithTransactionID(s.logg.WithGateway(ctx, row.GatewayType.String()), row.ID.String())

	res, err := adapter.QueryStatus(ctx, statusQuery(row))
	if err != nil {
		if !gateway.IsKind(err, gateway.KindNotImplemented) {
			s.logg.Error(ctx, "provider status query failed", err)
		}
		return nil, gateway.ToAPIError(err)
	}
	return s.apply(ctx, reconciler.FromStatus(row.ID, res, outbox.Source{Kind: SourcePoll}))
}

type RefundInput struct {
	// Amount nil refunds whatever has not been refunded yet.
	Amount         *decimal.Decimal
	IdempotencyKey string
}

// Refund issues a refund at the provider and records it in the ledger
// through the reconciler, so a later webhook for the same refund is a
// no-op.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, in RefundInput) (*models.Transaction, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Status != enums.TransactionStatusCompleted && row.Status != enums.TransactionStatusPartiallyRefunded {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only completed transactions can be refunded")
	}
	req := gateway.RefundRequest{
		RestaurantID:      row.RestaurantID,
		ProviderID:        row.ProviderTransactionID,
		Reference:         row.ID,
		Amount:            in.Amount,
		TransactionAmount: row.Amount,
		AlreadyRefunded:   row.RefundedAmount,
		Currency:          row.Currency,
		IdempotencyKey:    strings.TrimSpace(in.IdempotencyKey),
	}
	if _, err := req.RefundAmount(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	adapter, err := s.gateways.Get(row.GatewayType)
	if err != nil {
		return nil, gateway.ToAPIError(err)
	}
	ctx = s.logg.WithTransactionID(s.logg.WithGateway(ctx, row.GatewayType.String()), row.ID.String())

	res, err := adapter.Refund(ctx, req)
	if err != nil {
		s.logg.Error(ctx, "provider refund failed", err)
		return nil, gateway.ToAPIError(err)
	}
	return s.apply(ctx, reconciler.Observation{
		TransactionID: row.ID,
		Status:        res.Status,
		RawStatus:     res.RawStatus,
		Refund: &gateway.RefundInfo{
			RefundID:  res.RefundID,
			Amount:    res.Amount,
			RawStatus: res.RawStatus,
		},
		Payload: res.Payload,
		Source:  outbox.Source{Kind: SourceAPI},
	})
}

func (s *Service) apply(ctx context.Context, obs reconciler.Observation) (*models.Transaction, error) {
	if _, err := s.reconciler.Apply(ctx, obs); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reconcile transaction")
	}
	return s.load(ctx, obs.TransactionID)
}

type ListResult struct {
	Transactions []models.Transaction
	NextCursor   string
}

// List pages a restaurant's transactions newest first, optionally narrowed
// to one canonical status.
func (s *Service) List(ctx context.Context, restaurantID uuid.UUID, params pagination.Params) (*ListResult, error) {
	var status enums.TransactionStatus
	if params.Status != "" {
		parsed, err := enums.ParseTransactionStatus(params.Status)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		status = parsed
	}
	cursor, err := pagination.ParseCursor(params.Cursor, string(status))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.ListByRestaurant(ctx, restaurantID, status, cursor, limit+1)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list transactions")
	}
	page, last, more := pagination.Trim(rows, limit)
	out := &ListResult{Transactions: page}
	if more {
		out.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID, Filter: string(status)})
	}
	return out, nil
}
