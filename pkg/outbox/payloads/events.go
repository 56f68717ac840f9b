package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

// TransactionStatusChangedEvent fires once per applied canonical transition.
type TransactionStatusChangedEvent struct {
	TransactionID         uuid.UUID               `json:"transactionId"`
	RestaurantID          uuid.UUID               `json:"restaurantId"`
	OrderID               *uuid.UUID              `json:"orderId,omitempty"`
	GatewayType           enums.GatewayType       `json:"gatewayType"`
	ProviderTransactionID string                  `json:"providerTransactionId"`
	ExternalReference     string                  `json:"externalReference"`
	PreviousStatus        enums.TransactionStatus `json:"previousStatus"`
	Status                enums.TransactionStatus `json:"status"`
	RawStatus             string                  `json:"rawStatus"`
	Amount                decimal.Decimal         `json:"amount"`
	Currency              string                  `json:"currency"`
	Fees                  *decimal.Decimal        `json:"fees,omitempty"`
	NetAmount             *decimal.Decimal        `json:"netAmount,omitempty"`
	ProcessedAt           *time.Time              `json:"processedAt,omitempty"`
}

// TransactionRefundedEvent fires once per new refund ledger entry.
type TransactionRefundedEvent struct {
	TransactionID    uuid.UUID               `json:"transactionId"`
	RestaurantID     uuid.UUID               `json:"restaurantId"`
	GatewayType      enums.GatewayType       `json:"gatewayType"`
	ProviderRefundID string                  `json:"providerRefundId"`
	RefundAmount     decimal.Decimal         `json:"refundAmount"`
	RefundedTotal    decimal.Decimal         `json:"refundedTotal"`
	NetAmount        decimal.Decimal         `json:"netAmount"`
	Status           enums.TransactionStatus `json:"status"`
}

// Attributes are the Pub/Sub message attributes subscribers filter on.
func (e TransactionStatusChangedEvent) Attributes() map[string]string {
	return routing(e.RestaurantID, e.GatewayType, e.Status)
}

func (e TransactionRefundedEvent) Attributes() map[string]string {
	return routing(e.RestaurantID, e.GatewayType, e.Status)
}

func routing(restaurant uuid.UUID, gateway enums.GatewayType, status enums.TransactionStatus) map[string]string {
	return map[string]string{
		"restaurant_id": restaurant.String(),
		"gateway":       gateway.String(),
		"status":        string(status),
	}
}
