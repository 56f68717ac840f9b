package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
// Transactions are the only aggregate that emits events today.
type OutboxAggregateType string

const AggregateTransaction OutboxAggregateType = "transaction"

func (a OutboxAggregateType) IsValid() bool {
	return a == AggregateTransaction
}

// OutboxEventType maps to the event_type column of outbox_events.
type OutboxEventType string

const (
	EventTransactionStatusChanged OutboxEventType = "transaction_status_changed"
	EventTransactionRefunded      OutboxEventType = "transaction_refunded"
)

func (e OutboxEventType) IsValid() bool {
	switch e {
	case EventTransactionStatusChanged, EventTransactionRefunded:
		return true
	}
	return false
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	if e := OutboxEventType(value); e.IsValid() {
		return e, nil
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// DeadLetterReason records why the publisher gave up on an outbox row.
type DeadLetterReason string

const (
	// DeadLetterMaxAttempts: the broker kept failing until the attempt ceiling.
	DeadLetterMaxAttempts DeadLetterReason = "max_attempts"
	// DeadLetterUnpublishable: the row can never be published as stored,
	// e.g. an unknown event type or a payload that does not decode.
	DeadLetterUnpublishable DeadLetterReason = "non_retryable"
)

func (r DeadLetterReason) IsValid() bool {
	return r == DeadLetterMaxAttempts || r == DeadLetterUnpublishable
}
