package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	errorSubjectEvent   = "webhook_event"
	errorSubjectPayment = "payment"
	errorCodeUpdate     = "update"
)

// PaymentStore implements payments.Store using GORM.
type PaymentStore struct {
	db *gorm.DB
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &PaymentStore{db: transaction})
	})
}

func (store *PaymentStore) FindRecentEvent(ctx context.Context, paymentID string, status payments.PaymentStatus, sinceUnixUTC int64) (payments.WebhookEvent, error) {
	var row WebhookEvent
	err := store.db.WithContext(ctx).
		Where("payment_id = ? AND status = ? AND created_at >= ?", paymentID, status.String(), unixTime(sinceUnixUTC)).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.WebhookEvent{}, payments.ErrEventNotFound
	}
	if err != nil {
		return payments.WebhookEvent{}, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return mapWebhookEvent(row), nil
}

func (store *PaymentStore) InsertEvent(ctx context.Context, event payments.WebhookEvent) error {
	row := WebhookEvent{
		EventID:           event.EventID,
		Provider:          event.Provider.String(),
		PaymentID:         event.PaymentID,
		OrderID:           event.OrderID,
		Status:            event.Status.String(),
		RawStatus:         event.RawStatus,
		Signature:         event.Signature,
		SignatureVerified: event.SignatureVerified,
		Payload:           event.Payload,
		Processed:         event.Processed,
		ProcessedAt:       optionalTime(event.ProcessedAtUnixUTC),
		ProcessingError:   event.ProcessingError,
		ReviewRequired:    event.ReviewRequired,
		CreatedAt:         unixTime(event.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *PaymentStore) GetEvent(ctx context.Context, eventID string) (payments.WebhookEvent, error) {
	var row WebhookEvent
	err := store.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.WebhookEvent{}, payments.ErrEventNotFound
	}
	if err != nil {
		return payments.WebhookEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return mapWebhookEvent(row), nil
}

func (store *PaymentStore) MarkEventProcessed(ctx context.Context, eventID string, atUnixUTC int64) error {
	return store.updateEvent(ctx, eventID, map[string]any{
		"processed":        true,
		"processed_at":     unixTime(atUnixUTC),
		"processing_error": "",
		"review_required":  false,
	})
}

func (store *PaymentStore) MarkEventError(ctx context.Context, eventID string, message string, reviewRequired bool) error {
	return store.updateEvent(ctx, eventID, map[string]any{"processing_error": message, "review_required": reviewRequired})
}

func (store *PaymentStore) ListPendingEvents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]payments.WebhookEvent, error) {
	var rows []WebhookEvent
	err := store.db.WithContext(ctx).
		Where("processed = ? AND signature_verified = ? AND review_required = ? AND created_at < ?", false, true, false, unixTime(createdBeforeUnixUTC)).
		Order("created_at ASC, event_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]payments.WebhookEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, mapWebhookEvent(row))
	}
	return events, nil
}

func (store *PaymentStore) DeleteProcessedEventsBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", true, unixTime(cutoffUnixUTC)).
		Delete(&WebhookEvent{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *PaymentStore) InsertPayment(ctx context.Context, record payments.PaymentRecord) (bool, error) {
	row := PaymentRecord{
		PaymentID:        record.PaymentID,
		Provider:         record.Provider.String(),
		UserID:           record.UserID,
		OrderID:          record.OrderID,
		ProductID:        record.ProductID,
		PriceAmount:      record.PriceAmount,
		PriceCurrency:    record.PriceCurrency,
		Status:           record.Status.String(),
		Processed:        record.Processed,
		ReviewRequired:   record.ReviewRequired,
		CreditsExpiresAt: optionalTime(record.CreditsExpiresAtUnixUTC),
		CreatedAt:        unixTime(record.CreatedUnixUTC),
		UpdatedAt:        unixTime(record.UpdatedUnixUTC),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "payment_id"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPayment, errorCodeInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *PaymentStore) GetPayment(ctx context.Context, paymentID string) (payments.PaymentRecord, error) {
	return store.getPayment(store.db.WithContext(ctx), paymentID)
}

func (store *PaymentStore) LockPayment(ctx context.Context, paymentID string) (payments.PaymentRecord, error) {
	return store.getPayment(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), paymentID)
}

func (store *PaymentStore) UpdatePaymentStatus(ctx context.Context, paymentID string, status payments.PaymentStatus, reviewRequired bool, atUnixUTC int64) error {
	return store.updatePayment(ctx, paymentID, map[string]any{
		"status":          status.String(),
		"review_required": reviewRequired,
		"updated_at":      unixTime(atUnixUTC),
	})
}

func (store *PaymentStore) MarkPaymentProcessed(ctx context.Context, paymentID string, creditsExpiresAtUnixUTC int64, atUnixUTC int64) error {
	return store.updatePayment(ctx, paymentID, map[string]any{
		"processed":          true,
		"credits_expires_at": optionalTime(creditsExpiresAtUnixUTC),
		"updated_at":         unixTime(atUnixUTC),
	})
}

func (store *PaymentStore) getPayment(db *gorm.DB, paymentID string) (payments.PaymentRecord, error) {
	var row PaymentRecord
	err := db.Where("payment_id = ?", paymentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.PaymentRecord{}, payments.ErrUnknownPayment
	}
	if err != nil {
		return payments.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return payments.PaymentRecord{
		PaymentID:               row.PaymentID,
		Provider:                payments.Provider(row.Provider),
		UserID:                  row.UserID,
		OrderID:                 row.OrderID,
		ProductID:               row.ProductID,
		PriceAmount:             row.PriceAmount,
		PriceCurrency:           row.PriceCurrency,
		Status:                  payments.PaymentStatus(row.Status),
		Processed:               row.Processed,
		ReviewRequired:          row.ReviewRequired,
		CreditsExpiresAtUnixUTC: timeOrZero(row.CreditsExpiresAt),
		CreatedUnixUTC:          row.CreatedAt.Unix(),
		UpdatedUnixUTC:          row.UpdatedAt.Unix(),
	}, nil
}

func (store *PaymentStore) updatePayment(ctx context.Context, paymentID string, values map[string]any) error {
	result := store.db.WithContext(ctx).Model(&PaymentRecord{}).Where("payment_id = ?", paymentID).Updates(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return payments.ErrUnknownPayment
	}
	return nil
}

func (store *PaymentStore) updateEvent(ctx context.Context, eventID string, values map[string]any) error {
	result := store.db.WithContext(ctx).Model(&WebhookEvent{}).Where("event_id = ?", eventID).Updates(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return payments.ErrEventNotFound
	}
	return nil
}

func mapWebhookEvent(row WebhookEvent) payments.WebhookEvent {
	return payments.WebhookEvent{
		EventID:            row.EventID,
		Provider:           payments.Provider(row.Provider),
		PaymentID:          row.PaymentID,
		OrderID:            row.OrderID,
		Status:             payments.PaymentStatus(row.Status),
		RawStatus:          row.RawStatus,
		Signature:          row.Signature,
		SignatureVerified:  row.SignatureVerified,
		Payload:            row.Payload,
		Processed:          row.Processed,
		ProcessedAtUnixUTC: timeOrZero(row.ProcessedAt),
		ProcessingError:    row.ProcessingError,
		ReviewRequired:     row.ReviewRequired,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
	}
}
