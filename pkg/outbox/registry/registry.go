package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
	"github.com/angelmondragon/mesa-payments/pkg/outbox/payloads"
)

// UnpublishableError marks a row that will fail the same way on every
// attempt. The publisher dead-letters it instead of retrying.
type UnpublishableError struct {
	Err error
}

func (e UnpublishableError) Error() string {
	if e.Err == nil {
		return "unpublishable outbox event"
	}
	return e.Err.Error()
}

func (e UnpublishableError) Unwrap() error { return e.Err }

func Unpublishable(err error) error {
	return UnpublishableError{Err: err}
}

func IsUnpublishable(err error) bool {
	var target UnpublishableError
	return errors.As(err, &target)
}

type attributer interface {
	Attributes() map[string]string
}

// Route says which topic an event type goes to and how its data decodes.
type Route struct {
	Topic  string
	decode func(json.RawMessage) (attributer, error)
}

func route[T attributer](topic string) Route {
	return Route{
		Topic: topic,
		decode: func(raw json.RawMessage) (attributer, error) {
			var payload T
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}
}

// Resolved is an outbox row ready to publish.
type Resolved struct {
	Topic      string
	Envelope   outbox.Envelope
	Attributes map[string]string
}

// Registry routes outbox event types to Pub/Sub topics.
type Registry struct {
	routes map[enums.OutboxEventType]Route
}

func New(cfg config.PubSubConfig) (*Registry, error) {
	if cfg.TransactionsTopic == "" {
		return nil, errors.New("transactions topic is required")
	}
	return &Registry{routes: map[enums.OutboxEventType]Route{
		enums.EventTransactionStatusChanged: route[payloads.TransactionStatusChangedEvent](cfg.TransactionsTopic),
		enums.EventTransactionRefunded:      route[payloads.TransactionRefundedEvent](cfg.TransactionsTopic),
	}}, nil
}

// Topics lists the distinct topics, sorted.
func (r *Registry) Topics() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, rt := range r.routes {
		if _, ok := seen[rt.Topic]; ok {
			continue
		}
		seen[rt.Topic] = struct{}{}
		out = append(out, rt.Topic)
	}
	sort.Strings(out)
	return out
}

// Resolve validates the row and builds the message attributes. Every error
// it returns is unpublishable.
func (r *Registry) Resolve(event models.OutboxEvent) (*Resolved, error) {
	rt, ok := r.routes[event.EventType]
	if !ok {
		return nil, Unpublishable(fmt.Errorf("no route for event type %q", event.EventType))
	}
	if event.AggregateType != enums.AggregateTransaction {
		return nil, Unpublishable(fmt.Errorf("unexpected aggregate type %q", event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, Unpublishable(errors.New("missing aggregate_id"))
	}
	env, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, Unpublishable(err)
	}
	payload, err := rt.decode(env.Data)
	if err != nil {
		return nil, Unpublishable(fmt.Errorf("decode %s: %w", event.EventType, err))
	}

	attrs := payload.Attributes()
	attrs["event_id"] = env.EventID
	attrs["event_type"] = string(event.EventType)
	attrs["transaction_id"] = event.AggregateID.String()
	if env.Source != nil && env.Source.Kind != "" {
		attrs["source"] = env.Source.Kind
	}
	return &Resolved{Topic: rt.Topic, Envelope: env, Attributes: attrs}, nil
}
