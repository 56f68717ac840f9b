// Package reconciler applies provider observations to transactions through
// the canonical state machine.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
	"github.com/angelmondragon/mesa-payments/pkg/outbox/payloads"
)

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeNoop              Outcome = "noop"
	OutcomeInvalidTransition Outcome = "invalid_transition"
)

// Observation is one provider report about a transaction, already mapped to
// the canonical vocabulary.
type Observation struct {
	TransactionID uuid.UUID
	Status        enums.TransactionStatus
	RawStatus     string
	Fees          *decimal.Decimal
	PaymentMethod string
	Refund        *gateway.RefundInfo
	Payload       json.RawMessage
	Source        outbox.Source
}

// FromStatus builds an observation from a QueryStatus or Confirm answer.
func FromStatus(transactionID uuid.UUID, res *gateway.StatusResult, source outbox.Source) Observation {
	return Observation{
		TransactionID: transactionID,
		Status:        res.Status,
		RawStatus:     res.RawStatus,
		Fees:          res.Fees,
		PaymentMethod: res.PaymentMethod,
		Refund:        res.Refund,
		Payload:       res.Payload,
		Source:        source,
	}
}

// FromNotification builds an observation from a parsed webhook whose raw
// status has been mapped by the owning adapter.
func FromNotification(transactionID uuid.UUID, n *gateway.WebhookNotification, status enums.TransactionStatus, source outbox.Source) Observation {
	return Observation{
		TransactionID: transactionID,
		Status:        status,
		RawStatus:     n.RawStatus,
		Fees:          n.Fees,
		PaymentMethod: n.PaymentMethod,
		Refund:        n.Refund,
		Payload:       n.Payload,
		Source:        source,
	}
}

type Result struct {
	Outcome        Outcome
	From           enums.TransactionStatus
	To             enums.TransactionStatus
	RefundRecorded bool
	Transaction    *models.Transaction
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type store interface {
	FindByIDTx(conn *gorm.DB, id uuid.UUID) (*models.Transaction, error)
	UpdateStatusTx(conn *gorm.DB, id uuid.UUID, from []enums.TransactionStatus, updates map[string]any) (int64, error)
	InsertRefundTx(conn *gorm.DB, entry *models.RefundEntry) (bool, error)
}

type Reconciler struct {
	tx      txRunner
	store   store
	outbox  outbox.Emitter
	metrics *metrics.GatewayMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func New(tx txRunner, st store, emitter outbox.Emitter, m *metrics.GatewayMetrics, logg *logger.Logger) *Reconciler {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Reconciler{
		tx:      tx,
		store:   st,
		outbox:  emitter,
		metrics: m,
		logg:    logg,
		now:     time.Now,
	}
}

// Apply moves the transaction toward the observed status with one
// conditional write. Repeated or stale observations are no-ops and invalid
// moves are logged and dropped; neither is an error.
func (r *Reconciler) Apply(ctx context.Context, obs Observation) (*Result, error) {
	ctx = r.logg.WithTransactionID(ctx, obs.TransactionID.String())

	var result *Result
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		row, err := r.store.FindByIDTx(tx, obs.TransactionID)
		if err != nil {
			return err
		}
		res := &Result{Outcome: OutcomeNoop, From: row.Status}

		target := obs.Status
		refund := obs.Refund
		if isRefundStatus(target) {
			if refund == nil && target == enums.TransactionStatusRefunded {
				refund = &gateway.RefundInfo{
					RefundID:  "status:" + obs.RawStatus,
					Amount:    row.Amount.Sub(row.RefundedAmount),
					RawStatus: obs.RawStatus,
				}
			}
			// Refund states are reached through the ledger, never directly.
			target = ""
		}

		// A refund report restating that the payment completed says nothing
		// new about an already refunded transaction.
		if refund != nil && target == enums.TransactionStatusCompleted && refundable(row.Status) {
			target = ""
		}

		if target != "" && target != row.Status {
			if !CanTransition(row.Status, target) {
				if refund == nil {
					res.Outcome = OutcomeInvalidTransition
				}
				r.logInvalid(ctx, row, target)
			} else {
				applied, err := r.transition(ctx, tx, row, target, obs)
				if err != nil {
					return err
				}
				if applied {
					res.Outcome = OutcomeApplied
				} else if fresh, err := r.store.FindByIDTx(tx, row.ID); err == nil && fresh.Status != target {
					res.Outcome = OutcomeInvalidTransition
					r.logInvalid(ctx, fresh, target)
				}
			}
		}

		if refund != nil {
			switch {
			case refundable(row.Status):
				recorded, err := r.refund(ctx, tx, row, refund, obs)
				if err != nil {
					return err
				}
				if recorded {
					res.Outcome = OutcomeApplied
					res.RefundRecorded = true
				}
			case row.Status == enums.TransactionStatusRefunded:
			default:
				if res.Outcome == OutcomeNoop {
					res.Outcome = OutcomeInvalidTransition
				}
				r.logInvalid(ctx, row, enums.TransactionStatusRefunded)
			}
		}

		res.To = row.Status
		res.Transaction = row
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transition performs the status write guarded by the predecessor set and
// queues the change notification in the same database transaction.
func (r *Reconciler) transition(ctx context.Context, tx *gorm.DB, row *models.Transaction, target enums.TransactionStatus, obs Observation) (bool, error) {
	now := r.now().UTC()
	updates := map[string]any{
		"status":          target,
		"last_raw_status": obs.RawStatus,
		"updated_at":      now,
	}
	if len(obs.Payload) > 0 {
		updates["last_provider_payload"] = datatypes.JSON(obs.Payload)
	}
	if obs.PaymentMethod != "" {
		updates["payment_method"] = obs.PaymentMethod
	}

	fees := row.Fees
	net := row.NetAmount
	if target == enums.TransactionStatusCompleted {
		fees = decimal.Zero
		if obs.Fees != nil {
			fees = *obs.Fees
		}
		net = decimal.NewNullDecimal(row.Amount.Sub(fees).Sub(row.RefundedAmount))
		updates["fees"] = fees
		updates["net_amount"] = net.Decimal
	}
	processedAt := row.ProcessedAt
	if target.IsSettled() && processedAt == nil {
		processedAt = &now
		updates["processed_at"] = now
	}

	affected, err := r.store.UpdateStatusTx(tx, row.ID, Predecessors(target), updates)
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	previous := row.Status
	row.Status = target
	row.LastRawStatus = obs.RawStatus
	row.Fees = fees
	row.NetAmount = net
	row.ProcessedAt = processedAt
	row.UpdatedAt = now
	if len(obs.Payload) > 0 {
		row.LastProviderPayload = datatypes.JSON(obs.Payload)
	}
	if obs.PaymentMethod != "" {
		method := obs.PaymentMethod
		row.PaymentMethod = &method
	}

	if err := r.emitStatusChanged(ctx, tx, row, previous, obs); err != nil {
		return false, err
	}
	r.metrics.IncTransition(row.GatewayType.String(), target.String(), string(OutcomeApplied))
	r.logg.Info(r.logg.WithFields(ctx, map[string]any{
		"gateway": row.GatewayType,
		"from":    previous,
		"to":      target,
		"source":  obs.Source.Kind,
	}), "transaction status applied")
	return true, nil
}

// refund appends to the ledger and recomputes refunded and net amounts. A
// provider-reported cumulative total wins over the single refund amount so
// replays of the same total never double count. An itemized list records
// every refund under its own id, whatever order the reports arrive in.
func (r *Reconciler) refund(ctx context.Context, tx *gorm.DB, row *models.Transaction, info *gateway.RefundInfo, obs Observation) (bool, error) {
	ceiling := row.Amount
	if info.Total != nil && info.Total.LessThan(ceiling) {
		ceiling = *info.Total
	}

	refunded := row.RefundedAmount
	var recorded []models.RefundEntry
	for _, item := range ledgerItems(info, row.RefundedAmount) {
		amount := item.Amount
		if remaining := row.Amount.Sub(refunded); amount.GreaterThan(remaining) && remaining.IsPositive() {
			r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
				"refund_id":     item.RefundID,
				"refund_amount": amount.StringFixed(2),
				"remaining":     remaining.StringFixed(2),
			}), "refund exceeds remaining amount, capping")
		}
		if room := ceiling.Sub(refunded); amount.GreaterThan(room) {
			amount = room
		}
		if !amount.IsPositive() {
			continue
		}

		refundID := item.RefundID
		if refundID == "" {
			refundID = "total:" + refunded.Add(amount).StringFixed(2)
		}
		entry := models.RefundEntry{
			TransactionID:    row.ID,
			ProviderRefundID: refundID,
			Amount:           amount,
			Status:           item.RawStatus,
		}
		if len(obs.Payload) > 0 {
			entry.Payload = datatypes.JSON(obs.Payload)
		}
		inserted, err := r.store.InsertRefundTx(tx, &entry)
		if err != nil {
			return false, err
		}
		if !inserted {
			continue
		}
		refunded = refunded.Add(amount)
		recorded = append(recorded, entry)
	}
	if len(recorded) == 0 {
		return false, nil
	}

	now := r.now().UTC()
	target := refundStatus(row.Amount, refunded)
	net := row.Amount.Sub(row.Fees).Sub(refunded)
	updates := map[string]any{
		"status":          target,
		"refunded_amount": refunded,
		"net_amount":      net,
		"updated_at":      now,
	}
	if obs.RawStatus != "" {
		updates["last_raw_status"] = obs.RawStatus
	}
	affected, err := r.store.UpdateStatusTx(tx, row.ID,
		[]enums.TransactionStatus{enums.TransactionStatusCompleted, enums.TransactionStatusPartiallyRefunded}, updates)
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Rolls back the ledger rows with the rest of the transaction.
		return false, fmt.Errorf("transaction %s left refundable state during refund", row.ID)
	}

	previous := row.Status
	running := row.RefundedAmount
	for _, entry := range recorded {
		running = running.Add(entry.Amount)
		if err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:   enums.EventTransactionRefunded,
			AggregateID: row.ID,
			Source:      sourcePtr(obs.Source),
			Data: payloads.TransactionRefundedEvent{
				TransactionID:    row.ID,
				RestaurantID:     row.RestaurantID,
				GatewayType:      row.GatewayType,
				ProviderRefundID: entry.ProviderRefundID,
				RefundAmount:     entry.Amount,
				RefundedTotal:    running,
				NetAmount:        row.Amount.Sub(row.Fees).Sub(running),
				Status:           refundStatus(row.Amount, running),
			},
		}); err != nil {
			return false, err
		}
		r.logg.Info(r.logg.WithFields(ctx, map[string]any{
			"gateway":         row.GatewayType,
			"refund_id":       entry.ProviderRefundID,
			"refund_amount":   entry.Amount.StringFixed(2),
			"refunded_amount": running.StringFixed(2),
		}), "refund recorded")
	}

	row.Status = target
	row.RefundedAmount = refunded
	row.NetAmount = decimal.NewNullDecimal(net)
	row.UpdatedAt = now
	if obs.RawStatus != "" {
		row.LastRawStatus = obs.RawStatus
	}
	if previous != target {
		if err := r.emitStatusChanged(ctx, tx, row, previous, obs); err != nil {
			return false, err
		}
	}
	r.metrics.IncTransition(row.GatewayType.String(), target.String(), string(OutcomeApplied))
	return true, nil
}

// ledgerItems lists the entries a refund report can add. Without an
// itemized list the report is one entry worth its amount, or the growth of
// the cumulative total when one is reported.
func ledgerItems(info *gateway.RefundInfo, alreadyRefunded decimal.Decimal) []gateway.RefundItem {
	if len(info.Items) > 0 {
		return info.Items
	}
	amount := info.Amount
	if info.Total != nil {
		amount = info.Total.Sub(alreadyRefunded)
	}
	return []gateway.RefundItem{{RefundID: info.RefundID, Amount: amount, RawStatus: info.RawStatus}}
}

func refundStatus(amount, refunded decimal.Decimal) enums.TransactionStatus {
	if refunded.GreaterThanOrEqual(amount) {
		return enums.TransactionStatusRefunded
	}
	return enums.TransactionStatusPartiallyRefunded
}

func (r *Reconciler) emitStatusChanged(ctx context.Context, tx *gorm.DB, row *models.Transaction, previous enums.TransactionStatus, obs Observation) error {
	event := payloads.TransactionStatusChangedEvent{
		TransactionID:         row.ID,
		RestaurantID:          row.RestaurantID,
		OrderID:               row.OrderID,
		GatewayType:           row.GatewayType,
		ProviderTransactionID: row.ProviderTransactionID,
		ExternalReference:     row.ExternalReference,
		PreviousStatus:        previous,
		Status:                row.Status,
		RawStatus:             row.LastRawStatus,
		Amount:                row.Amount,
		Currency:              row.Currency,
		ProcessedAt:           row.ProcessedAt,
	}
	if row.Status == enums.TransactionStatusCompleted || isRefundStatus(row.Status) {
		fees := row.Fees
		event.Fees = &fees
		if row.NetAmount.Valid {
			net := row.NetAmount.Decimal
			event.NetAmount = &net
		}
	}
	return r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:   enums.EventTransactionStatusChanged,
		AggregateID: row.ID,
		Source:      sourcePtr(obs.Source),
		Data:        event,
	})
}

func (r *Reconciler) logInvalid(ctx context.Context, row *models.Transaction, target enums.TransactionStatus) {
	r.metrics.IncTransition(row.GatewayType.String(), target.String(), string(OutcomeInvalidTransition))
	r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
		"gateway": row.GatewayType,
		"from":    row.Status,
		"to":      target,
	}), "invalid transition dropped")
}

func sourcePtr(s outbox.Source) *outbox.Source {
	if s.Kind == "" {
		return nil
	}
	return &s
}
