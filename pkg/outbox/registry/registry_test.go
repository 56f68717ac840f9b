package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
	"github.com/angelmondragon/mesa-payments/pkg/outbox/payloads"
)

func TestResolveBuildsAttributes(t *testing.T) {
	reg := newRegistry(t)
	txID, restaurant := uuid.New(), uuid.New()
	event := models.OutboxEvent{
		EventType:     enums.EventTransactionStatusChanged,
		AggregateType: enums.AggregateTransaction,
		AggregateID:   txID,
		Payload: envelope(t, &outbox.Source{Kind: "webhook"}, payloads.TransactionStatusChangedEvent{
			TransactionID:  txID,
			RestaurantID:   restaurant,
			GatewayType:    enums.GatewayCardA,
			PreviousStatus: enums.TransactionStatusPending,
			Status:         enums.TransactionStatusCompleted,
			Amount:         decimal.RequireFromString("100.00"),
		}),
	}

	resolved, err := reg.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "transactions-topic", resolved.Topic)
	assert.NotEmpty(t, resolved.Envelope.EventID)
	assert.Equal(t, map[string]string{
		"restaurant_id":  restaurant.String(),
		"gateway":        "card-a",
		"status":         string(enums.TransactionStatusCompleted),
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(enums.EventTransactionStatusChanged),
		"transaction_id": txID.String(),
		"source":         "webhook",
	}, resolved.Attributes)
}

func TestResolveRejectsBadRows(t *testing.T) {
	reg := newRegistry(t)
	valid := envelope(t, nil, payloads.TransactionRefundedEvent{TransactionID: uuid.New()})

	cases := map[string]models.OutboxEvent{
		"unknown type": {
			EventType:     enums.OutboxEventType("order_paid"),
			AggregateType: enums.AggregateTransaction,
			AggregateID:   uuid.New(),
			Payload:       valid,
		},
		"aggregate mismatch": {
			EventType:     enums.EventTransactionRefunded,
			AggregateType: enums.OutboxAggregateType("order"),
			AggregateID:   uuid.New(),
			Payload:       valid,
		},
		"missing aggregate id": {
			EventType:     enums.EventTransactionRefunded,
			AggregateType: enums.AggregateTransaction,
			Payload:       valid,
		},
		"null data": {
			EventType:     enums.EventTransactionRefunded,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   uuid.New(),
			Payload:       envelope(t, nil, nil),
		},
		"broken envelope": {
			EventType:     enums.EventTransactionRefunded,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   uuid.New(),
			Payload:       []byte("{"),
		},
		"wrong data shape": {
			EventType:     enums.EventTransactionRefunded,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   uuid.New(),
			Payload:       envelope(t, nil, []int{1}),
		},
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(event)
			require.Error(t, err)
			assert.True(t, IsUnpublishable(err))
		})
	}
}

func TestNewRequiresTopic(t *testing.T) {
	_, err := New(config.PubSubConfig{})
	require.Error(t, err)
	assert.Equal(t, []string{"transactions-topic"}, newRegistry(t).Topics())
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(config.PubSubConfig{TransactionsTopic: "transactions-topic"})
	require.NoError(t, err)
	return reg
}

func envelope(t *testing.T, source *outbox.Source, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(outbox.Envelope{
		Version:    outbox.EnvelopeVersion,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Source:     source,
		Data:       raw,
	})
	require.NoError(t, err)
	return b
}
