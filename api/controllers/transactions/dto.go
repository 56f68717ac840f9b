package transactions

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/mesa-payments/pkg/db/models"
)

type createCheckoutRequest struct {
	Gateway     string            `json:"gateway" validate:"required,gateway"`
	Amount      decimal.Decimal   `json:"amount" validate:"money"`
	Currency    string            `json:"currency" validate:"required,currency"`
	OrderID     *string           `json:"order_id" validate:"omitempty,uuid"`
	OrderRef    string            `json:"order_ref" validate:"max=64"`
	Description string            `json:"description" validate:"max=255"`
	Metadata    map[string]string `json:"metadata" validate:"max=20"`
}

type confirmRequest struct {
	PaymentMethodToken string `json:"payment_method_token" validate:"required"`
	ReturnURL          string `json:"return_url" validate:"omitempty,url"`
}

type refundRequest struct {
	// Amount omitted refunds the remaining balance.
	Amount *decimal.Decimal `json:"amount" validate:"omitempty,money"`
}

type refundResponse struct {
	ID               uuid.UUID       `json:"id"`
	ProviderRefundID string          `json:"provider_refund_id"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

type transactionResponse struct {
	ID                    uuid.UUID           `json:"id"`
	RestaurantID          uuid.UUID           `json:"restaurant_id"`
	OrderID               *uuid.UUID          `json:"order_id,omitempty"`
	Gateway               string              `json:"gateway"`
	ProviderTransactionID string              `json:"provider_transaction_id"`
	ExternalReference     string              `json:"external_reference"`
	PaymentMethod         *string             `json:"payment_method,omitempty"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	Fees                  decimal.Decimal     `json:"fees"`
	NetAmount             decimal.NullDecimal `json:"net_amount"`
	RefundedAmount        decimal.Decimal     `json:"refunded_amount"`
	Status                string              `json:"status"`
	ProviderStatus        string              `json:"provider_status"`
	CheckoutURL           *string             `json:"checkout_url,omitempty"`
	PixPayload            *string             `json:"pix_payload,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
	ProcessedAt           *time.Time          `json:"processed_at,omitempty"`
	Refunds               []refundResponse    `json:"refunds,omitempty"`
}

type checkoutResponse struct {
	Transaction  transactionResponse `json:"transaction"`
	ClientSecret string              `json:"client_secret,omitempty"`
}

type listResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	NextCursor   string                `json:"next_cursor,omitempty"`
}

func toTransactionResponse(row *models.Transaction, refunds []models.RefundEntry) transactionResponse {
	out := transactionResponse{
		ID:                    row.ID,
		RestaurantID:          row.RestaurantID,
		OrderID:               row.OrderID,
		Gateway:               row.GatewayType.String(),
		ProviderTransactionID: row.ProviderTransactionID,
		ExternalReference:     row.ExternalReference,
		PaymentMethod:         row.PaymentMethod,
		Amount:                row.Amount,
		Currency:              row.Currency,
		Fees:                  row.Fees,
		NetAmount:             row.NetAmount,
		RefundedAmount:        row.RefundedAmount,
		Status:                string(row.Status),
		ProviderStatus:        row.LastRawStatus,
		CheckoutURL:           row.CheckoutURL,
		PixPayload:            row.PixPayload,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
		ProcessedAt:           row.ProcessedAt,
	}
	for _, r := range refunds {
		out.Refunds = append(out.Refunds, refundResponse{
			ID:               r.ID,
			ProviderRefundID: r.ProviderRefundID,
			Amount:           r.Amount,
			Status:           r.Status,
			CreatedAt:        r.CreatedAt,
		})
	}
	return out
}
