package payments

import (
	"errors"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

var (
	// ErrUnknownPayment marks a notification for a payment this system never registered.
	ErrUnknownPayment        = errors.New("unknown payment")
	ErrUnknownProduct        = errors.New("unknown product")
	ErrUnknownStatus         = errors.New("unknown payment status")
	ErrUnsupportedProvider   = errors.New("unsupported payment provider")
	ErrInvalidNotification   = errors.New("invalid notification")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrInvalidPaymentIntent  = errors.New("invalid payment intent")
	ErrPaymentConflict       = errors.New("payment id already registered for another checkout")
	ErrEventNotFound         = errors.New("webhook event not found")
	ErrEventAlreadyProcessed = errors.New("webhook event already processed")
	ErrInvalidGateConfig     = errors.New("invalid gate configuration")
)

// IsPermanent reports processing errors that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownPayment) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ledger.ErrInvalidUserID)
}
