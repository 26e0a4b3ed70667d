package payments

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

const testStartUnixUTC = int64(1_700_000_000)

type testClock struct {
	now atomic.Int64
}

func newTestClock() *testClock {
	clock := &testClock{}
	clock.now.Store(testStartUnixUTC)
	return clock
}

func (clock *testClock) Now() int64 {
	return clock.now.Load()
}

func (clock *testClock) advanceSeconds(seconds int64) {
	clock.now.Add(seconds)
}

type memoryStore struct {
	txMutex sync.Mutex
	mutex   sync.Mutex

	events   []WebhookEvent
	payments map[string]PaymentRecord

	insertEventError error
	lockPaymentError error
	markProcessedErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{payments: map[string]PaymentRecord{}}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.mutex.Lock()
	savedEvents := append([]WebhookEvent(nil), store.events...)
	savedPayments := make(map[string]PaymentRecord, len(store.payments))
	for key, value := range store.payments {
		savedPayments[key] = value
	}
	store.mutex.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mutex.Lock()
		store.events = savedEvents
		store.payments = savedPayments
		store.mutex.Unlock()
		return err
	}
	return nil
}

func (store *memoryStore) FindRecentEvent(_ context.Context, paymentID string, status PaymentStatus, sinceUnixUTC int64) (WebhookEvent, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index := len(store.events) - 1; index >= 0; index-- {
		event := store.events[index]
		if event.PaymentID == paymentID && event.Status == status && event.CreatedUnixUTC >= sinceUnixUTC {
			return event, nil
		}
	}
	return WebhookEvent{}, ErrEventNotFound
}

func (store *memoryStore) InsertEvent(_ context.Context, event WebhookEvent) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertEventError != nil {
		return store.insertEventError
	}
	store.events = append(store.events, event)
	return nil
}

func (store *memoryStore) GetEvent(_ context.Context, eventID string) (WebhookEvent, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, event := range store.events {
		if event.EventID == eventID {
			return event, nil
		}
	}
	return WebhookEvent{}, ErrEventNotFound
}

func (store *memoryStore) MarkEventProcessed(_ context.Context, eventID string, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.markProcessedErr != nil {
		return store.markProcessedErr
	}
	return store.updateEvent(eventID, func(event *WebhookEvent) {
		event.Processed = true
		event.ProcessedAtUnixUTC = atUnixUTC
		event.ProcessingError = ""
		event.ReviewRequired = false
	})
}

func (store *memoryStore) MarkEventError(_ context.Context, eventID string, message string, reviewRequired bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.updateEvent(eventID, func(event *WebhookEvent) {
		event.ProcessingError = message
		event.ReviewRequired = reviewRequired
	})
}

func (store *memoryStore) ListPendingEvents(_ context.Context, createdBeforeUnixUTC int64, limit int) ([]WebhookEvent, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var pending []WebhookEvent
	for _, event := range store.events {
		if !event.Processed && event.SignatureVerified && !event.ReviewRequired && event.CreatedUnixUTC < createdBeforeUnixUTC {
			pending = append(pending, event)
		}
	}
	sort.SliceStable(pending, func(left, right int) bool {
		return pending[left].CreatedUnixUTC < pending[right].CreatedUnixUTC
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (store *memoryStore) DeleteProcessedEventsBefore(_ context.Context, cutoffUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var (
		kept    []WebhookEvent
		deleted int64
	)
	for _, event := range store.events {
		if event.Processed && event.CreatedUnixUTC < cutoffUnixUTC {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	store.events = kept
	return deleted, nil
}

func (store *memoryStore) InsertPayment(_ context.Context, record PaymentRecord) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.payments[record.PaymentID]; exists {
		return false, nil
	}
	store.payments[record.PaymentID] = record
	return true, nil
}

func (store *memoryStore) GetPayment(_ context.Context, paymentID string) (PaymentRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, found := store.payments[paymentID]
	if !found {
		return PaymentRecord{}, ErrUnknownPayment
	}
	return record, nil
}

func (store *memoryStore) LockPayment(ctx context.Context, paymentID string) (PaymentRecord, error) {
	if store.lockPaymentError != nil {
		return PaymentRecord{}, store.lockPaymentError
	}
	return store.GetPayment(ctx, paymentID)
}

func (store *memoryStore) UpdatePaymentStatus(_ context.Context, paymentID string, status PaymentStatus, reviewRequired bool, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, found := store.payments[paymentID]
	if !found {
		return ErrUnknownPayment
	}
	record.Status = status
	record.ReviewRequired = reviewRequired
	record.UpdatedUnixUTC = atUnixUTC
	store.payments[paymentID] = record
	return nil
}

func (store *memoryStore) MarkPaymentProcessed(_ context.Context, paymentID string, creditsExpiresAtUnixUTC int64, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, found := store.payments[paymentID]
	if !found {
		return ErrUnknownPayment
	}
	record.Processed = true
	record.CreditsExpiresAtUnixUTC = creditsExpiresAtUnixUTC
	record.UpdatedUnixUTC = atUnixUTC
	store.payments[paymentID] = record
	return nil
}

func (store *memoryStore) updateEvent(eventID string, mutate func(event *WebhookEvent)) error {
	for index := range store.events {
		if store.events[index].EventID == eventID {
			mutate(&store.events[index])
			return nil
		}
	}
	return ErrEventNotFound
}

func (store *memoryStore) event(test *testing.T, eventID string) WebhookEvent {
	test.Helper()
	event, err := store.GetEvent(context.Background(), eventID)
	if err != nil {
		test.Fatalf("event %s: %v", eventID, err)
	}
	return event
}

func (store *memoryStore) payment(test *testing.T, paymentID string) PaymentRecord {
	test.Helper()
	record, err := store.GetPayment(context.Background(), paymentID)
	if err != nil {
		test.Fatalf("payment %s: %v", paymentID, err)
	}
	return record
}

// recordingGranter mimics the ledger's source id idempotency.
type recordingGranter struct {
	mutex    sync.Mutex
	grants   map[string]ledger.GrantRequest
	calls    int
	failNext error
	nowFn    func() int64
}

func newRecordingGranter(now func() int64) *recordingGranter {
	return &recordingGranter{grants: map[string]ledger.GrantRequest{}, nowFn: now}
}

func (granter *recordingGranter) Grant(_ context.Context, request ledger.GrantRequest) (ledger.GrantResult, error) {
	granter.mutex.Lock()
	defer granter.mutex.Unlock()
	granter.calls++
	if granter.failNext != nil {
		err := granter.failNext
		granter.failNext = nil
		return ledger.GrantResult{}, err
	}
	grantID, err := ledger.NewGrantID("grant-" + request.SourceID.String())
	if err != nil {
		return ledger.GrantResult{}, err
	}
	expiresAt := ledger.DefaultExpiryPolicy(request.Source).ExpiresAt(granter.nowFn())
	if _, exists := granter.grants[request.SourceID.String()]; exists {
		return ledger.GrantResult{GrantID: grantID, Duplicate: true, ExpiresAtUnixUTC: expiresAt}, nil
	}
	granter.grants[request.SourceID.String()] = request
	return ledger.GrantResult{GrantID: grantID, ExpiresAtUnixUTC: expiresAt, BalanceAfter: ledger.Credits(request.Amount)}, nil
}

func (granter *recordingGranter) grantCount() int {
	granter.mutex.Lock()
	defer granter.mutex.Unlock()
	return len(granter.grants)
}

type staticCatalog map[string]Product

func (catalog staticCatalog) Product(productID string) (Product, bool) {
	product, found := catalog[productID]
	return product, found
}

func testCatalog() staticCatalog {
	return staticCatalog{
		"creator_monthly": {ID: "creator_monthly", Kind: ProductKindSubscription, Credits: 2000, Name: "Creator monthly"},
		"pack_small":      {ID: "pack_small", Kind: ProductKindPack, Credits: 500, Name: "Small pack"},
	}
}

type recordingEventLogger struct {
	mutex   sync.Mutex
	entries []EventLog
}

func (logger *recordingEventLogger) LogEvent(_ context.Context, entry EventLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

type gateFixture struct {
	store   *memoryStore
	granter *recordingGranter
	clock   *testClock
	gate    *Gate
}

func newGateFixture(test *testing.T, options ...GateOption) gateFixture {
	test.Helper()
	store := newMemoryStore()
	clock := newTestClock()
	granter := newRecordingGranter(clock.Now)
	var counter atomic.Int64
	options = append([]GateOption{WithEventIDGenerator(func() string {
		return fmt.Sprintf("evt-%d", counter.Add(1))
	})}, options...)
	gate, err := NewGate(store, granter, testCatalog(), clock.Now, options...)
	if err != nil {
		test.Fatalf("gate init failed: %v", err)
	}
	return gateFixture{store: store, granter: granter, clock: clock, gate: gate}
}

func (fixture gateFixture) registerPayment(test *testing.T, paymentID string, provider Provider, productID string) PaymentRecord {
	test.Helper()
	record, err := fixture.gate.RegisterPayment(context.Background(), PaymentIntent{
		PaymentID:     paymentID,
		Provider:      provider,
		UserID:        "user-1",
		OrderID:       "order-" + paymentID,
		ProductID:     productID,
		PriceAmount:   decimal.RequireFromString("9.99"),
		PriceCurrency: "usd",
	})
	if err != nil {
		test.Fatalf("register payment failed: %v", err)
	}
	return record
}

func verifiedNotification(provider Provider, paymentID string, status PaymentStatus) Notification {
	return Notification{
		Provider:          provider,
		PaymentID:         paymentID,
		OrderID:           "order-" + paymentID,
		Status:            status,
		RawStatus:         status.String(),
		Signature:         "sig",
		SignatureVerified: true,
		Payload:           []byte(`{"payment_id":"` + paymentID + `"}`),
	}
}
