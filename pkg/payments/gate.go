package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

// Granter issues credits exactly once per source id.
type Granter interface {
	Grant(ctx context.Context, request ledger.GrantRequest) (ledger.GrantResult, error)
}

// Gate applies provider notifications to payments and the ledger at most once.
type Gate struct {
	store       Store
	granter     Granter
	catalog     ProductCatalog
	nowFn       func() int64
	dedupWindow time.Duration
	logger      EventLogger
	newID       func() string
}

// NewGate wires a Gate.
func NewGate(store Store, granter Granter, catalog ProductCatalog, now func() int64, options ...GateOption) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidGateConfig)
	}
	if granter == nil {
		return nil, fmt.Errorf("%w: granter dependency is nil", ErrInvalidGateConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidGateConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidGateConfig)
	}
	gate := &Gate{
		store:       store,
		granter:     granter,
		catalog:     catalog,
		nowFn:       now,
		dedupWindow: DefaultDedupWindow,
		newID:       uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// Receive acknowledges a notification and, unless it is a recent duplicate, applies it.
func (gate *Gate) Receive(ctx context.Context, notification Notification) (Receipt, ProcessResult, error) {
	receipt, err := gate.Acknowledge(ctx, notification)
	if err != nil || receipt.Duplicate {
		return receipt, ProcessResult{EventID: receipt.EventID, PaymentID: notification.PaymentID}, err
	}
	result, err := gate.Process(ctx, receipt.EventID)
	return receipt, result, err
}

// Acknowledge deduplicates by (payment id, status) inside the dedup window and records the event.
// Events are recorded even when the signature did not verify.
func (gate *Gate) Acknowledge(ctx context.Context, notification Notification) (Receipt, error) {
	receipt, operationError := gate.acknowledge(ctx, notification)
	gate.logEvent(ctx, EventLog{
		Operation: operationAcknowledge,
		Provider:  notification.Provider,
		PaymentID: notification.PaymentID,
		EventID:   receipt.EventID,
		Status:    notification.Status,
		Duplicate: receipt.Duplicate,
		Error:     operationError,
	})
	return receipt, operationError
}

func (gate *Gate) acknowledge(ctx context.Context, notification Notification) (Receipt, error) {
	if err := validateNotification(notification); err != nil {
		return Receipt{}, err
	}
	paymentID := strings.TrimSpace(notification.PaymentID)
	nowUnixUTC := gate.nowFn()
	sinceUnixUTC := nowUnixUTC - int64(gate.dedupWindow/time.Second)
	existing, err := gate.store.FindRecentEvent(ctx, paymentID, notification.Status, sinceUnixUTC)
	if err != nil && !errors.Is(err, ErrEventNotFound) {
		return Receipt{}, err
	}
	// A forged delivery must not shadow the genuine one that follows it.
	if err == nil && (existing.SignatureVerified || !notification.SignatureVerified) {
		return Receipt{EventID: existing.EventID, Duplicate: true, SignatureVerified: existing.SignatureVerified}, nil
	}
	event := WebhookEvent{
		EventID:           gate.newID(),
		Provider:          notification.Provider,
		PaymentID:         paymentID,
		OrderID:           strings.TrimSpace(notification.OrderID),
		Status:            notification.Status,
		RawStatus:         notification.RawStatus,
		Signature:         notification.Signature,
		SignatureVerified: notification.SignatureVerified,
		Payload:           string(notification.Payload),
		CreatedUnixUTC:    nowUnixUTC,
	}
	if err := gate.store.InsertEvent(ctx, event); err != nil {
		return Receipt{}, err
	}
	return Receipt{EventID: event.EventID, SignatureVerified: event.SignatureVerified}, nil
}

// Process applies a recorded event to its payment.
// Grant failures leave the event unprocessed with the error text so a retry or replay completes crediting.
func (gate *Gate) Process(ctx context.Context, eventID string) (ProcessResult, error) {
	result, operationError := gate.process(ctx, eventID)
	entry := EventLog{
		Operation: operationProcess,
		PaymentID: result.PaymentID,
		EventID:   eventID,
		Outcome:   result.Outcome,
		Count:     result.Credits,
		Error:     operationError,
	}
	gate.logEvent(ctx, entry)
	return result, operationError
}

func (gate *Gate) process(ctx context.Context, eventID string) (ProcessResult, error) {
	event, err := gate.store.GetEvent(ctx, eventID)
	if err != nil {
		return ProcessResult{EventID: eventID}, err
	}
	result := ProcessResult{EventID: event.EventID, PaymentID: event.PaymentID}
	if event.Processed {
		result.Outcome = OutcomeAlreadyProcessed
		return result, nil
	}
	if !event.SignatureVerified {
		result.Outcome = OutcomeSignatureInvalid
		if err := gate.store.MarkEventError(ctx, event.EventID, string(OutcomeSignatureInvalid), false); err != nil {
			return result, err
		}
		return result, nil
	}

	var pendingGrant *PaymentRecord
	err = gate.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		payment, err := transactionStore.LockPayment(ctx, event.PaymentID)
		if err != nil {
			return err
		}
		nowUnixUTC := gate.nowFn()
		if event.Status.IsBehind(payment.Status) {
			result.Outcome = OutcomeStale
			return transactionStore.MarkEventProcessed(ctx, event.EventID, nowUnixUTC)
		}
		class := event.Status.Class()
		reviewRequired := payment.ReviewRequired || class == ClassAnomaly
		if err := transactionStore.UpdatePaymentStatus(ctx, payment.PaymentID, event.Status, reviewRequired, nowUnixUTC); err != nil {
			return err
		}
		switch class {
		case ClassGranting:
			if payment.Processed {
				result.Outcome = OutcomeAlreadyProcessed
				return transactionStore.MarkEventProcessed(ctx, event.EventID, nowUnixUTC)
			}
			payment.Status = event.Status
			pendingGrant = &payment
			return nil
		case ClassClosing:
			result.Outcome = OutcomeClosedWithoutGrant
			if !payment.Processed {
				if err := transactionStore.MarkPaymentProcessed(ctx, payment.PaymentID, 0, nowUnixUTC); err != nil {
					return err
				}
			}
		case ClassAnomaly:
			result.Outcome = OutcomeReviewRequired
		default:
			result.Outcome = OutcomeStatusRecorded
		}
		return transactionStore.MarkEventProcessed(ctx, event.EventID, nowUnixUTC)
	})
	if err != nil {
		return result, gate.recordFailure(ctx, event.EventID, err)
	}
	if pendingGrant == nil {
		return result, nil
	}

	grantResult, product, err := gate.grantFor(ctx, *pendingGrant)
	if err != nil {
		return result, gate.recordFailure(ctx, event.EventID, err)
	}
	result.GrantID = grantResult.GrantID.String()
	result.Credits = product.Credits
	result.Outcome = OutcomeGranted
	var creditsExpiresAtUnixUTC int64
	if product.Kind == ProductKindSubscription {
		creditsExpiresAtUnixUTC = grantResult.ExpiresAtUnixUTC
	}

	err = gate.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		payment, err := transactionStore.LockPayment(ctx, event.PaymentID)
		if err != nil {
			return err
		}
		nowUnixUTC := gate.nowFn()
		if !payment.Processed {
			if err := transactionStore.MarkPaymentProcessed(ctx, payment.PaymentID, creditsExpiresAtUnixUTC, nowUnixUTC); err != nil {
				return err
			}
		}
		return transactionStore.MarkEventProcessed(ctx, event.EventID, nowUnixUTC)
	})
	if err != nil {
		return result, gate.recordFailure(ctx, event.EventID, err)
	}
	return result, nil
}

// grantFor issues the product credits keyed by the payment id, so concurrent deliveries credit once.
func (gate *Gate) grantFor(ctx context.Context, payment PaymentRecord) (ledger.GrantResult, Product, error) {
	product, found := gate.catalog.Product(payment.ProductID)
	if !found {
		return ledger.GrantResult{}, Product{}, fmt.Errorf("%w: %q", ErrUnknownProduct, payment.ProductID)
	}
	userID, err := ledger.NewUserID(payment.UserID)
	if err != nil {
		return ledger.GrantResult{}, Product{}, err
	}
	amount, err := ledger.NewPositiveCredits(product.Credits)
	if err != nil {
		return ledger.GrantResult{}, Product{}, err
	}
	sourceID, err := ledger.NewSourceID(payment.PaymentID)
	if err != nil {
		return ledger.GrantResult{}, Product{}, err
	}
	metadata, err := ledger.MergeMetadata(ledger.MetadataJSON{}, map[string]any{
		"provider":   payment.Provider.String(),
		"payment_id": payment.PaymentID,
		"order_id":   payment.OrderID,
		"product_id": product.ID,
		"status":     payment.Status.String(),
	})
	if err != nil {
		return ledger.GrantResult{}, Product{}, err
	}
	request := ledger.GrantRequest{
		UserID:      userID,
		Amount:      amount,
		Source:      GrantSourceFor(payment.Provider, product.Kind),
		SourceID:    sourceID,
		Metadata:    metadata,
		Description: product.Name,
	}
	if product.Kind == ProductKindSubscription {
		request.PlanID = product.ID
	}
	result, err := gate.granter.Grant(ctx, request)
	if err != nil {
		return ledger.GrantResult{}, Product{}, err
	}
	return result, product, nil
}

// GrantSourceFor maps a product bought through a provider to the ledger grant source.
func GrantSourceFor(provider Provider, kind ProductKind) ledger.GrantSource {
	if kind != ProductKindSubscription {
		return ledger.GrantSourcePurchase
	}
	if provider.IsCrypto() {
		return ledger.GrantSourceCrypto
	}
	return ledger.GrantSourceSubscription
}

// recordFailure stores the error text on the event and returns the original error.
// Permanent failures put the event under review so maintenance stops retrying it.
func (gate *Gate) recordFailure(ctx context.Context, eventID string, cause error) error {
	if markErr := gate.store.MarkEventError(ctx, eventID, cause.Error(), IsPermanent(cause)); markErr != nil {
		return errors.Join(cause, markErr)
	}
	return cause
}

// RegisterPayment records a checkout so later notifications can be matched to a user and product.
// Registering the same payment again for the same user and product returns the stored record.
func (gate *Gate) RegisterPayment(ctx context.Context, intent PaymentIntent) (PaymentRecord, error) {
	record, operationError := gate.registerPayment(ctx, intent)
	gate.logEvent(ctx, EventLog{
		Operation: operationRegisterPayment,
		Provider:  intent.Provider,
		PaymentID: intent.PaymentID,
		Status:    record.Status,
		Error:     operationError,
	})
	return record, operationError
}

func (gate *Gate) registerPayment(ctx context.Context, intent PaymentIntent) (PaymentRecord, error) {
	paymentID := strings.TrimSpace(intent.PaymentID)
	userID := strings.TrimSpace(intent.UserID)
	if paymentID == "" || userID == "" {
		return PaymentRecord{}, fmt.Errorf("%w: payment id and user id are required", ErrInvalidPaymentIntent)
	}
	if _, err := ParseProvider(intent.Provider.String()); err != nil {
		return PaymentRecord{}, err
	}
	if intent.PriceAmount.IsNegative() {
		return PaymentRecord{}, fmt.Errorf("%w: negative price", ErrInvalidPaymentIntent)
	}
	if _, found := gate.catalog.Product(intent.ProductID); !found {
		return PaymentRecord{}, fmt.Errorf("%w: %q", ErrUnknownProduct, intent.ProductID)
	}
	nowUnixUTC := gate.nowFn()
	record := PaymentRecord{
		PaymentID:      paymentID,
		Provider:       intent.Provider,
		UserID:         userID,
		OrderID:        strings.TrimSpace(intent.OrderID),
		ProductID:      intent.ProductID,
		PriceAmount:    intent.PriceAmount,
		PriceCurrency:  strings.ToUpper(strings.TrimSpace(intent.PriceCurrency)),
		Status:         StatusWaiting,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	inserted, err := gate.store.InsertPayment(ctx, record)
	if err != nil {
		return PaymentRecord{}, err
	}
	if inserted {
		return record, nil
	}
	existing, err := gate.store.GetPayment(ctx, paymentID)
	if err != nil {
		return PaymentRecord{}, err
	}
	if existing.UserID != record.UserID || existing.ProductID != record.ProductID {
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrPaymentConflict, paymentID)
	}
	return existing, nil
}

// Replay re-applies an unprocessed event on operator request.
func (gate *Gate) Replay(ctx context.Context, eventID string) (ProcessResult, error) {
	event, err := gate.store.GetEvent(ctx, eventID)
	if err != nil {
		gate.logEvent(ctx, EventLog{Operation: operationReplay, EventID: eventID, Error: err})
		return ProcessResult{EventID: eventID}, err
	}
	if event.Processed {
		err := fmt.Errorf("%w: %s", ErrEventAlreadyProcessed, eventID)
		gate.logEvent(ctx, EventLog{Operation: operationReplay, EventID: eventID, PaymentID: event.PaymentID, Error: err})
		return ProcessResult{EventID: eventID, PaymentID: event.PaymentID, Outcome: OutcomeAlreadyProcessed}, err
	}
	if !event.SignatureVerified {
		err := fmt.Errorf("%w: %s", ErrInvalidSignature, eventID)
		gate.logEvent(ctx, EventLog{Operation: operationReplay, EventID: eventID, PaymentID: event.PaymentID, Error: err})
		return ProcessResult{EventID: eventID, PaymentID: event.PaymentID, Outcome: OutcomeSignatureInvalid}, err
	}
	return gate.Process(ctx, eventID)
}

// ReprocessPending re-drives verified events that stayed unprocessed for at least olderThan.
// Events under review are left to Replay.
func (gate *Gate) ReprocessPending(ctx context.Context, olderThan time.Duration, limit int) (ReprocessReport, error) {
	if limit <= 0 {
		limit = defaultReprocessLimit
	}
	cutoffUnixUTC := gate.nowFn() - int64(olderThan/time.Second)
	events, err := gate.store.ListPendingEvents(ctx, cutoffUnixUTC, limit)
	if err != nil {
		gate.logEvent(ctx, EventLog{Operation: operationReprocess, Error: err})
		return ReprocessReport{}, err
	}
	var report ReprocessReport
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if _, err := gate.Process(ctx, event.EventID); err != nil {
			report.Failed++
			continue
		}
		report.Succeeded++
	}
	gate.logEvent(ctx, EventLog{Operation: operationReprocess, Count: int64(report.Succeeded)})
	return report, nil
}

// PruneEvents deletes processed events older than retention. Unprocessed events are kept.
func (gate *Gate) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	cutoffUnixUTC := gate.nowFn() - int64(retention/time.Second)
	deleted, err := gate.store.DeleteProcessedEventsBefore(ctx, cutoffUnixUTC)
	gate.logEvent(ctx, EventLog{Operation: operationPrune, Count: deleted, Error: err})
	return deleted, err
}

// Payment returns the stored payment record.
func (gate *Gate) Payment(ctx context.Context, paymentID string) (PaymentRecord, error) {
	return gate.store.GetPayment(ctx, strings.TrimSpace(paymentID))
}

func (gate *Gate) logEvent(ctx context.Context, entry EventLog) {
	if gate.logger == nil {
		return
	}
	if entry.Result == "" {
		if entry.Error != nil {
			entry.Result = eventStatusError
		} else {
			entry.Result = eventStatusOK
		}
	}
	gate.logger.LogEvent(ctx, entry)
}

func validateNotification(notification Notification) error {
	if _, err := ParseProvider(notification.Provider.String()); err != nil {
		return err
	}
	if strings.TrimSpace(notification.PaymentID) == "" {
		return fmt.Errorf("%w: payment id is required", ErrInvalidNotification)
	}
	if _, err := ParsePaymentStatus(notification.Status.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return nil
}
