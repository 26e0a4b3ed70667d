package payments

import (
	"fmt"
	"strings"
)

// PaymentStatus is the normalized payment state shared by every provider.
type PaymentStatus string

const (
	StatusWaiting       PaymentStatus = "waiting"
	StatusConfirming    PaymentStatus = "confirming"
	StatusConfirmed     PaymentStatus = "confirmed"
	StatusSending       PaymentStatus = "sending"
	StatusPartiallyPaid PaymentStatus = "partially_paid"
	StatusPaidOver      PaymentStatus = "paid_over"
	StatusWrongAmount   PaymentStatus = "wrong_amount"
	StatusFinished      PaymentStatus = "finished"
	StatusFailed        PaymentStatus = "failed"
	StatusExpired       PaymentStatus = "expired"
	StatusRefunded      PaymentStatus = "refunded"
)

// StatusClass groups statuses by the action the gate takes.
type StatusClass int

const (
	ClassPending StatusClass = iota
	ClassGranting
	ClassClosing
	ClassAnomaly
)

var statusRanks = map[PaymentStatus]int{
	StatusWaiting:       10,
	StatusConfirming:    20,
	StatusConfirmed:     30,
	StatusSending:       40,
	StatusPartiallyPaid: 45,
	StatusPaidOver:      45,
	StatusWrongAmount:   45,
	StatusFinished:      50,
	StatusFailed:        60,
	StatusExpired:       60,
	StatusRefunded:      70,
}

// ParsePaymentStatus validates a normalized status name.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	status := PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, known := statusRanks[status]; !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return status, nil
}

func (status PaymentStatus) String() string {
	return string(status)
}

// Rank orders statuses along the payment lifecycle. Unknown statuses rank zero.
func (status PaymentStatus) Rank() int {
	return statusRanks[status]
}

// IsBehind reports whether status would move a payment backwards from stored.
func (status PaymentStatus) IsBehind(stored PaymentStatus) bool {
	return status.Rank() < stored.Rank()
}

// Class returns the gate branch for the status.
func (status PaymentStatus) Class() StatusClass {
	switch status {
	case StatusConfirmed, StatusFinished:
		return ClassGranting
	case StatusFailed, StatusExpired, StatusRefunded:
		return ClassClosing
	case StatusPartiallyPaid, StatusPaidOver, StatusWrongAmount:
		return ClassAnomaly
	default:
		return ClassPending
	}
}

// IsTerminal reports whether no further provider updates are expected.
func (status PaymentStatus) IsTerminal() bool {
	class := status.Class()
	return class == ClassGranting || class == ClassClosing
}
