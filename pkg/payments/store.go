package payments

import "context"

// Store persists payment records and webhook events.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// FindRecentEvent returns the newest event for (paymentID, status) created at or after sinceUnixUTC,
	// or ErrEventNotFound.
	FindRecentEvent(ctx context.Context, paymentID string, status PaymentStatus, sinceUnixUTC int64) (WebhookEvent, error)
	InsertEvent(ctx context.Context, event WebhookEvent) error
	// GetEvent returns ErrEventNotFound when the id is unknown.
	GetEvent(ctx context.Context, eventID string) (WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string, atUnixUTC int64) error
	// MarkEventError records a processing error and leaves the event unprocessed.
	// reviewRequired takes the event out of ListPendingEvents.
	MarkEventError(ctx context.Context, eventID string, message string, reviewRequired bool) error
	// ListPendingEvents returns verified, unprocessed events created before the cutoff that are not
	// awaiting review, oldest first.
	ListPendingEvents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]WebhookEvent, error)
	DeleteProcessedEventsBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error)

	// InsertPayment reports false when the payment id already exists.
	InsertPayment(ctx context.Context, record PaymentRecord) (bool, error)
	// GetPayment returns ErrUnknownPayment when the id is unknown.
	GetPayment(ctx context.Context, paymentID string) (PaymentRecord, error)
	// LockPayment is GetPayment under a row lock held until the transaction ends.
	LockPayment(ctx context.Context, paymentID string) (PaymentRecord, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, status PaymentStatus, reviewRequired bool, atUnixUTC int64) error
	MarkPaymentProcessed(ctx context.Context, paymentID string, creditsExpiresAtUnixUTC int64, atUnixUTC int64) error
}
