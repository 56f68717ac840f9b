package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/mesa-payments/api/responses"
	"github.com/angelmondragon/mesa-payments/internal/webhooks"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
)

// Providers send small JSON bodies; anything larger is not a notification.
const maxWebhookBody = 1 << 20

type Ingestor interface {
	Ingest(ctx context.Context, d webhooks.Delivery) (*webhooks.Result, error)
}

type ackResponse struct {
	EventID uuid.UUID `json:"event_id"`
	Status  string    `json:"status"`
}

// Receive accepts provider notifications on /webhooks/{gateway}. The
// restaurant query param comes from the notification URL registered with
// the provider and selects the signing secret.
//
// Once the event row is durable the provider gets a 200, even when the
// transaction is not known yet or reconciliation failed, so it stops
// redelivering; the sweep finishes the work.
func Receive(ingestor Ingestor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ingestor == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook ingestor unavailable"))
			return
		}

		gw, err := enums.ParseGatewayType(chi.URLParam(r, "gateway"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "unknown gateway"))
			return
		}

		var restaurantID *uuid.UUID
		if raw := strings.TrimSpace(r.URL.Query().Get("restaurant")); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid restaurant"))
				return
			}
			restaurantID = &id
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}
		if len(payload) > maxWebhookBody {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "payload too large"))
			return
		}

		res, err := ingestor.Ingest(ctx, webhooks.Delivery{
			Gateway:      gw,
			RestaurantID: restaurantID,
			Body:         payload,
			Headers:      r.Header,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, ackResponse{EventID: res.EventID, Status: string(res.Status)})
	}
}
