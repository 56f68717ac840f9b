package transactions

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/mesa-payments/api/responses"
	"github.com/angelmondragon/mesa-payments/api/validators"
	"github.com/angelmondragon/mesa-payments/internal/gateway"
	"github.com/angelmondragon/mesa-payments/internal/transactions"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/pagination"
)

// Service is the transaction surface the handlers drive.
type Service interface {
	Create(ctx context.Context, in transactions.CreateInput) (*transactions.CreateOutput, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Transaction, []models.RefundEntry, error)
	Confirm(ctx context.Context, id uuid.UUID, details gateway.PaymentDetails) (*models.Transaction, error)
	Poll(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	Refund(ctx context.Context, id uuid.UUID, in transactions.RefundInput) (*models.Transaction, error)
	List(ctx context.Context, restaurantID uuid.UUID, params pagination.Params) (*transactions.ListResult, error)
}

// CreateCheckout opens a checkout for a restaurant. The Idempotency-Key
// header doubles as the provider idempotency key.
func CreateCheckout(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction service unavailable"))
			return
		}

		restaurantID, err := validators.URLParamUUID(r, "restaurantId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req createCheckoutRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		in := transactions.CreateInput{
			RestaurantID:   restaurantID,
			Gateway:        enums.GatewayType(strings.ToLower(strings.TrimSpace(req.Gateway))),
			Amount:         req.Amount,
			Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
			OrderRef:       validators.SanitizeString(req.OrderRef, 64),
			Description:    validators.SanitizeString(req.Description, 255),
			Metadata:       validators.SanitizeMetadata(req.Metadata),
			IdempotencyKey: validators.IdempotencyKey(r),
		}
		if req.OrderID != nil {
			orderID, err := uuid.Parse(*req.OrderID)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order_id"))
				return
			}
			in.OrderID = &orderID
		}

		out, err := svc.Create(ctx, in)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		status := http.StatusCreated
		if out.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, checkoutResponse{
			Transaction:  toTransactionResponse(out.Transaction, nil),
			ClientSecret: out.ClientSecret,
		})
	}
}

// ListTransactions pages a restaurant's transactions newest first.
func ListTransactions(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction service unavailable"))
			return
		}

		restaurantID, err := validators.URLParamUUID(r, "restaurantId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		res, err := svc.List(ctx, restaurantID, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
			Status: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		out := listResponse{
			Transactions: make([]transactionResponse, 0, len(res.Transactions)),
			NextCursor:   res.NextCursor,
		}
		for i := range res.Transactions {
			out.Transactions = append(out.Transactions, toTransactionResponse(&res.Transactions[i], nil))
		}
		responses.WriteSuccess(w, out)
	}
}

// GetTransaction returns the local record with its refunds. It never calls
// the provider.
func GetTransaction(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction service unavailable"))
			return
		}
		id, err := validators.URLParamUUID(r, "transactionId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		row, refunds, err := svc.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toTransactionResponse(row, refunds))
	}
}

func ConfirmTransaction(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction service unavailable"))
			return
		}
		id, err := validators.URLParamUUID(r, "transactionId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req confirmRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		row, err := svc.Confirm(ctx, id, gateway.PaymentDetails{
			PaymentMethodToken: strings.TrimSpace(req.PaymentMethodToken),
			ReturnURL:          strings.TrimSpace(req.ReturnURL),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toTransactionResponse(row, nil))
	}
}

// PollTransaction asks the provider for the current status and reconciles
// the answer before returning the record.
func PollTransaction(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction service unavailable"))
			return
		}
		id, err := validators.URLParamUUID(r, "transactionId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		row, err := svc.Poll(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toTransactionResponse(row, nil))
	}
}

func RefundTransaction(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction service unavailable"))
			return
		}
		id, err := validators.URLParamUUID(r, "transactionId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req refundRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if _, err := svc.Refund(ctx, id, transactions.RefundInput{
			Amount:         req.Amount,
			IdempotencyKey: validators.IdempotencyKey(r),
		}); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		row, refunds, err := svc.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toTransactionResponse(row, refunds))
	}
}
