package reconciler

import "github.com/angelmondragon/mesa-payments/pkg/enums"

// predecessors lists, for every status, the statuses it may be entered from.
// Providers may skip intermediate reporting, so terminal payment outcomes are
// reachable straight from pending.
var predecessors = map[enums.TransactionStatus][]enums.TransactionStatus{
	enums.TransactionStatusProcessing:        {enums.TransactionStatusPending},
	enums.TransactionStatusCompleted:         {enums.TransactionStatusPending, enums.TransactionStatusProcessing},
	enums.TransactionStatusFailed:            {enums.TransactionStatusPending, enums.TransactionStatusProcessing},
	enums.TransactionStatusCancelled:         {enums.TransactionStatusPending, enums.TransactionStatusProcessing},
	enums.TransactionStatusPartiallyRefunded: {enums.TransactionStatusCompleted},
	enums.TransactionStatusRefunded:          {enums.TransactionStatusCompleted, enums.TransactionStatusPartiallyRefunded},
}

// Predecessors returns the statuses from which to may be entered.
func Predecessors(to enums.TransactionStatus) []enums.TransactionStatus {
	out := make([]enums.TransactionStatus, len(predecessors[to]))
	copy(out, predecessors[to])
	return out
}

// CanTransition reports whether from -> to is a valid canonical move.
func CanTransition(from, to enums.TransactionStatus) bool {
	for _, candidate := range predecessors[to] {
		if candidate == from {
			return true
		}
	}
	return false
}

// refundable are the statuses a refund can be recorded against.
func refundable(s enums.TransactionStatus) bool {
	return s == enums.TransactionStatusCompleted || s == enums.TransactionStatusPartiallyRefunded
}

func isRefundStatus(s enums.TransactionStatus) bool {
	return s == enums.TransactionStatusRefunded || s == enums.TransactionStatusPartiallyRefunded
}
