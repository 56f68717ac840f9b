package enums

import "fmt"

// TransactionStatus is the provider-agnostic lifecycle of a payment attempt.
type TransactionStatus string

const (
	TransactionStatusPending           TransactionStatus = "pending"
	TransactionStatusProcessing        TransactionStatus = "processing"
	TransactionStatusCompleted         TransactionStatus = "completed"
	TransactionStatusFailed            TransactionStatus = "failed"
	TransactionStatusCancelled         TransactionStatus = "cancelled"
	TransactionStatusRefunded          TransactionStatus = "refunded"
	TransactionStatusPartiallyRefunded TransactionStatus = "partially_refunded"
)

var validTransactionStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusProcessing,
	TransactionStatusCompleted,
	TransactionStatusFailed,
	TransactionStatusCancelled,
	TransactionStatusRefunded,
	TransactionStatusPartiallyRefunded,
}

func (s TransactionStatus) String() string {
	return string(s)
}

func (s TransactionStatus) IsValid() bool {
	for _, candidate := range validTransactionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsOpen reports whether the provider may still move the transaction on its own.
func (s TransactionStatus) IsOpen() bool {
	return s == TransactionStatusPending || s == TransactionStatusProcessing
}

// IsSettled reports whether processed_at is stamped on entry into s.
func (s TransactionStatus) IsSettled() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	default:
		return false
	}
}

func ParseTransactionStatus(value string) (TransactionStatus, error) {
	for _, candidate := range validTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction status %q", value)
}
