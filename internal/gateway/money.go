package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a two-decimal amount to cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// RefundAmount resolves the amount a refund request asks for. A nil amount
// is whatever has not been refunded yet.
func (r RefundRequest) RefundAmount() (decimal.Decimal, error) {
	remaining := r.TransactionAmount.Sub(r.AlreadyRefunded)
	if r.Amount == nil {
		if !remaining.IsPositive() {
			return decimal.Zero, fmt.Errorf("nothing left to refund")
		}
		return remaining, nil
	}
	amount := *r.Amount
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("refund amount must be positive")
	}
	if amount.GreaterThan(remaining) {
		return decimal.Zero, fmt.Errorf("refund amount %s exceeds refundable %s", amount.StringFixed(2), remaining.StringFixed(2))
	}
	return amount, nil
}
