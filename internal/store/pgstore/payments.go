package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	errorSubjectEvent   = "webhook_event"
	errorSubjectPayment = "payment"

	eventColumns = `
		event_id, provider, payment_id, order_id, status, raw_status, signature, signature_verified,
		payload, processed, coalesce(extract(epoch from processed_at)::bigint,0), processing_error,
		review_required, extract(epoch from created_at)::bigint
	`

	paymentColumns = `
		payment_id, provider, user_id, order_id, product_id, price_amount::text, price_currency, status,
		processed, review_required, coalesce(extract(epoch from credits_expires_at)::bigint,0),
		extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
	`

	sqlFindRecentEvent = `select` + eventColumns + `
		from webhook_events
		where payment_id = $1 and status = $2 and created_at >= to_timestamp($3)
		order by created_at desc
		limit 1
	`

	sqlInsertEvent = `
		insert into webhook_events(
			event_id, provider, payment_id, order_id, status, raw_status, signature, signature_verified,
			payload, processed, processed_at, processing_error, review_required, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, to_timestamp(nullif($11::bigint,0)), $12, $13, to_timestamp($14))
	`

	sqlGetEvent = `select` + eventColumns + `from webhook_events where event_id = $1`

	sqlMarkEventProcessed = `
		update webhook_events
		set processed = true, processed_at = to_timestamp($2), processing_error = '', review_required = false
		where event_id = $1
	`

	sqlMarkEventError = `update webhook_events set processing_error = $2, review_required = $3 where event_id = $1`

	sqlListPendingEvents = `select` + eventColumns + `
		from webhook_events
		where not processed and signature_verified and not review_required and created_at < to_timestamp($1)
		order by created_at, event_id
		limit $2
	`

	sqlDeleteProcessedEvents = `delete from webhook_events where processed and created_at < to_timestamp($1)`

	sqlInsertPayment = `
		insert into payment_records(
			payment_id, provider, user_id, order_id, product_id, price_amount, price_currency, status,
			processed, review_required, credits_expires_at, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, to_timestamp(nullif($11::bigint,0)), to_timestamp($12), to_timestamp($13))
		on conflict (payment_id) do nothing
	`

	sqlGetPayment  = `select` + paymentColumns + `from payment_records where payment_id = $1`
	sqlLockPayment = sqlGetPayment + ` for update`

	sqlUpdatePaymentStatus = `
		update payment_records set status = $2, review_required = $3, updated_at = to_timestamp($4)
		where payment_id = $1
	`

	sqlMarkPaymentProcessed = `
		update payment_records
		set processed = true, credits_expires_at = to_timestamp(nullif($2::bigint,0)), updated_at = to_timestamp($3)
		where payment_id = $1
	`
)

// PaymentStore implements payments.Store on pgx.
type PaymentStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPaymentStore returns a PaymentStore backed by a pgx pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool, db: pool}
}

func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	return runInTx(ctx, store.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PaymentStore{db: tx})
	})
}

func (store *PaymentStore) FindRecentEvent(ctx context.Context, paymentID string, status payments.PaymentStatus, sinceUnixUTC int64) (payments.WebhookEvent, error) {
	event, err := scanEvent(store.db.QueryRow(ctx, sqlFindRecentEvent, paymentID, status.String(), sinceUnixUTC))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.WebhookEvent{}, payments.ErrEventNotFound
	}
	if err != nil {
		return payments.WebhookEvent{}, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return event, nil
}

func (store *PaymentStore) InsertEvent(ctx context.Context, event payments.WebhookEvent) error {
	_, err := store.db.Exec(ctx, sqlInsertEvent,
		event.EventID,
		event.Provider.String(),
		event.PaymentID,
		event.OrderID,
		event.Status.String(),
		event.RawStatus,
		event.Signature,
		event.SignatureVerified,
		event.Payload,
		event.Processed,
		event.ProcessedAtUnixUTC,
		event.ProcessingError,
		event.ReviewRequired,
		event.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *PaymentStore) GetEvent(ctx context.Context, eventID string) (payments.WebhookEvent, error) {
	event, err := scanEvent(store.db.QueryRow(ctx, sqlGetEvent, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.WebhookEvent{}, payments.ErrEventNotFound
	}
	if err != nil {
		return payments.WebhookEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return event, nil
}

func (store *PaymentStore) MarkEventProcessed(ctx context.Context, eventID string, atUnixUTC int64) error {
	return store.execEvent(ctx, sqlMarkEventProcessed, eventID, atUnixUTC)
}

func (store *PaymentStore) MarkEventError(ctx context.Context, eventID string, message string, reviewRequired bool) error {
	return store.execEvent(ctx, sqlMarkEventError, eventID, message, reviewRequired)
}

func (store *PaymentStore) ListPendingEvents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]payments.WebhookEvent, error) {
	rows, err := store.db.Query(ctx, sqlListPendingEvents, createdBeforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()
	var events []payments.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return events, nil
}

func (store *PaymentStore) DeleteProcessedEventsBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlDeleteProcessedEvents, cutoffUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (store *PaymentStore) InsertPayment(ctx context.Context, record payments.PaymentRecord) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertPayment,
		record.PaymentID,
		record.Provider.String(),
		record.UserID,
		record.OrderID,
		record.ProductID,
		record.PriceAmount.String(),
		record.PriceCurrency,
		record.Status.String(),
		record.Processed,
		record.ReviewRequired,
		record.CreditsExpiresAtUnixUTC,
		record.CreatedUnixUTC,
		record.UpdatedUnixUTC,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *PaymentStore) GetPayment(ctx context.Context, paymentID string) (payments.PaymentRecord, error) {
	return store.getPayment(ctx, sqlGetPayment, paymentID)
}

func (store *PaymentStore) LockPayment(ctx context.Context, paymentID string) (payments.PaymentRecord, error) {
	return store.getPayment(ctx, sqlLockPayment, paymentID)
}

func (store *PaymentStore) UpdatePaymentStatus(ctx context.Context, paymentID string, status payments.PaymentStatus, reviewRequired bool, atUnixUTC int64) error {
	return store.execPayment(ctx, sqlUpdatePaymentStatus, paymentID, status.String(), reviewRequired, atUnixUTC)
}

func (store *PaymentStore) MarkPaymentProcessed(ctx context.Context, paymentID string, creditsExpiresAtUnixUTC int64, atUnixUTC int64) error {
	return store.execPayment(ctx, sqlMarkPaymentProcessed, paymentID, creditsExpiresAtUnixUTC, atUnixUTC)
}

func (store *PaymentStore) getPayment(ctx context.Context, sql string, paymentID string) (payments.PaymentRecord, error) {
	var (
		record        payments.PaymentRecord
		providerValue string
		statusValue   string
		priceValue    string
	)
	err := store.db.QueryRow(ctx, sql, paymentID).Scan(
		&record.PaymentID,
		&providerValue,
		&record.UserID,
		&record.OrderID,
		&record.ProductID,
		&priceValue,
		&record.PriceCurrency,
		&statusValue,
		&record.Processed,
		&record.ReviewRequired,
		&record.CreditsExpiresAtUnixUTC,
		&record.CreatedUnixUTC,
		&record.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.PaymentRecord{}, payments.ErrUnknownPayment
	}
	if err != nil {
		return payments.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	price, err := decimal.NewFromString(priceValue)
	if err != nil {
		return payments.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	record.Provider = payments.Provider(providerValue)
	record.Status = payments.PaymentStatus(statusValue)
	record.PriceAmount = price
	return record, nil
}

func (store *PaymentStore) execPayment(ctx context.Context, sql string, args ...any) error {
	tag, err := store.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return payments.ErrUnknownPayment
	}
	return nil
}

func (store *PaymentStore) execEvent(ctx context.Context, sql string, args ...any) error {
	tag, err := store.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return payments.ErrEventNotFound
	}
	return nil
}

func scanEvent(row rowScanner) (payments.WebhookEvent, error) {
	var (
		event         payments.WebhookEvent
		providerValue string
		statusValue   string
	)
	err := row.Scan(
		&event.EventID,
		&providerValue,
		&event.PaymentID,
		&event.OrderID,
		&statusValue,
		&event.RawStatus,
		&event.Signature,
		&event.SignatureVerified,
		&event.Payload,
		&event.Processed,
		&event.ProcessedAtUnixUTC,
		&event.ProcessingError,
		&event.ReviewRequired,
		&event.CreatedUnixUTC,
	)
	if err != nil {
		return payments.WebhookEvent{}, err
	}
	event.Provider = payments.Provider(providerValue)
	event.Status = payments.PaymentStatus(statusValue)
	return event, nil
}
