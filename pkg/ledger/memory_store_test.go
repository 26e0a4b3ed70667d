package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	testStartUnixUTC = int64(1_700_000_000)
	secondsInDay     = int64(86400)
)

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

func (clock *testClock) advanceDays(days int64) {
	clock.now.Add(days * secondsInDay)
}

type memoryGrant struct {
	id       string
	userID   string
	amount   int64
	consumed int64
	source   GrantSource
	sourceID string
	granted  int64
	expires  int64
	recorded bool
	metadata MetadataJSON
}

type memoryStore struct {
	txMutex sync.Mutex
	mutex   sync.Mutex

	grants        []*memoryGrant
	transactions  []BalanceTransaction
	snapshots     map[string]BalanceSnapshot
	subscriptions map[string]SubscriptionStatus
	nextID        int

	lockCalls  int
	applyCalls int

	// concurrentSourceIDs simulates another transaction committing the same source id between pre-check and insert.
	concurrentSourceIDs map[string]bool

	lockError        error
	sumError         error
	lockGrantsError  error
	applyError       error
	findError        error
	insertGrantError error
	insertTxError    error
	snapshotError    error
	listGrantsError  error
	listExpiredError error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		snapshots:           map[string]BalanceSnapshot{},
		subscriptions:       map[string]SubscriptionStatus{},
		concurrentSourceIDs: map[string]bool{},
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	saved := store.clone()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *memoryStore) LockUserLedger(_ context.Context, _ UserID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.lockCalls++
	return store.lockError
}

func (store *memoryStore) SumActiveBalance(_ context.Context, userID UserID, atUnixUTC int64) (Credits, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total int64
	for _, grant := range store.grants {
		if grant.userID == userID.String() && grant.expires > atUnixUTC && grant.amount > grant.consumed {
			total += grant.amount - grant.consumed
		}
	}
	return Credits(total), nil
}

func (store *memoryStore) LockActiveGrants(_ context.Context, userID UserID, atUnixUTC int64) ([]CreditGrant, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.lockGrantsError != nil {
		return nil, store.lockGrantsError
	}
	var grants []CreditGrant
	for _, grant := range store.grants {
		if grant.userID == userID.String() && grant.expires > atUnixUTC && grant.amount > grant.consumed {
			grants = append(grants, grant.toCreditGrant())
		}
	}
	sortGrantsForConsumption(grants)
	return grants, nil
}

func (store *memoryStore) ApplyConsumption(_ context.Context, allocations []Allocation) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.applyCalls++
	if store.applyError != nil {
		return store.applyError
	}
	for _, allocation := range allocations {
		grant := store.grantByID(allocation.GrantID.String())
		if grant == nil {
			return fmt.Errorf("unknown grant %s", allocation.GrantID)
		}
		if grant.consumed+allocation.Amount.Int64() > grant.amount {
			return fmt.Errorf("overdraw of grant %s", allocation.GrantID)
		}
		grant.consumed += allocation.Amount.Int64()
	}
	return nil
}

func (store *memoryStore) FindGrantBySourceID(_ context.Context, sourceID SourceID) (CreditGrant, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.findError != nil {
		return CreditGrant{}, store.findError
	}
	for _, grant := range store.grants {
		if grant.sourceID == sourceID.String() {
			return grant.toCreditGrant(), nil
		}
	}
	return CreditGrant{}, ErrGrantNotFound
}

func (store *memoryStore) InsertGrant(_ context.Context, input GrantInput) (GrantID, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertGrantError != nil {
		return GrantID{}, false, store.insertGrantError
	}
	if store.concurrentSourceIDs[input.SourceID().String()] {
		delete(store.concurrentSourceIDs, input.SourceID().String())
		store.appendGrant(input)
		return GrantID{}, false, nil
	}
	for _, grant := range store.grants {
		if grant.sourceID == input.SourceID().String() {
			return GrantID{}, false, nil
		}
	}
	return GrantID{value: store.appendGrant(input).id}, true, nil
}

func (store *memoryStore) ListGrants(_ context.Context, userID UserID) ([]CreditGrant, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.listGrantsError != nil {
		return nil, store.listGrantsError
	}
	var grants []CreditGrant
	for _, grant := range store.grants {
		if grant.userID == userID.String() {
			grants = append(grants, grant.toCreditGrant())
		}
	}
	return grants, nil
}

func (store *memoryStore) InsertTransaction(_ context.Context, input TransactionInput) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertTxError != nil {
		return store.insertTxError
	}
	store.nextID++
	store.transactions = append(store.transactions, BalanceTransaction{
		TransactionID:  fmt.Sprintf("tx-%d", store.nextID),
		UserID:         input.UserID(),
		Type:           input.Type(),
		Amount:         input.Amount(),
		Description:    input.Description(),
		BalanceBefore:  input.BalanceBefore(),
		BalanceAfter:   input.BalanceAfter(),
		Metadata:       input.Metadata(),
		CreatedUnixUTC: input.CreatedUnixUTC(),
	})
	return nil
}

func (store *memoryStore) ListTransactions(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]BalanceTransaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var transactions []BalanceTransaction
	for index := len(store.transactions) - 1; index >= 0 && len(transactions) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.UserID == userID && transaction.CreatedUnixUTC < beforeUnixUTC {
			transactions = append(transactions, transaction)
		}
	}
	return transactions, nil
}

func (store *memoryStore) UpsertBalanceSnapshot(_ context.Context, snapshot BalanceSnapshot) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.snapshotError != nil {
		return store.snapshotError
	}
	store.snapshots[CacheKey(snapshot.UserID)] = snapshot
	return nil
}

func (store *memoryStore) GetBalanceSnapshot(_ context.Context, userID UserID) (BalanceSnapshot, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot, found := store.snapshots[CacheKey(userID)]
	if !found {
		return BalanceSnapshot{}, ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (store *memoryStore) UpsertSubscriptionStatus(_ context.Context, status SubscriptionStatus) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.subscriptions[status.UserID.String()] = status
	return nil
}

func (store *memoryStore) ListUnrecordedExpiredGrants(_ context.Context, atUnixUTC int64, limit int) ([]CreditGrant, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.listExpiredError != nil {
		return nil, store.listExpiredError
	}
	var grants []CreditGrant
	for _, grant := range store.grants {
		if grant.expires <= atUnixUTC && !grant.recorded {
			grants = append(grants, grant.toCreditGrant())
		}
	}
	sort.SliceStable(grants, func(left, right int) bool {
		if grants[left].UserID() != grants[right].UserID() {
			return grants[left].UserID().String() < grants[right].UserID().String()
		}
		return grants[left].ExpiresUnixUTC() < grants[right].ExpiresUnixUTC()
	})
	if len(grants) > limit {
		grants = grants[:limit]
	}
	return grants, nil
}

func (store *memoryStore) ListUserUnrecordedExpiredGrants(_ context.Context, userID UserID, atUnixUTC int64) ([]CreditGrant, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var grants []CreditGrant
	for _, grant := range store.grants {
		if grant.userID == userID.String() && grant.expires <= atUnixUTC && !grant.recorded {
			grants = append(grants, grant.toCreditGrant())
		}
	}
	sort.SliceStable(grants, func(left, right int) bool {
		return grants[left].ExpiresUnixUTC() < grants[right].ExpiresUnixUTC()
	})
	return grants, nil
}

func (store *memoryStore) MarkExpirationRecorded(_ context.Context, grantIDs []GrantID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, grantID := range grantIDs {
		if grant := store.grantByID(grantID.String()); grant != nil {
			grant.recorded = true
		}
	}
	return nil
}

func (store *memoryStore) DeleteRetiredGrants(_ context.Context, cutoffUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var (
		kept    []*memoryGrant
		deleted int64
	)
	for _, grant := range store.grants {
		retired := (grant.recorded && grant.expires < cutoffUnixUTC) || (grant.consumed == grant.amount && grant.granted < cutoffUnixUTC)
		if retired {
			deleted++
			continue
		}
		kept = append(kept, grant)
	}
	store.grants = kept
	return deleted, nil
}

func (store *memoryStore) appendGrant(input GrantInput) *memoryGrant {
	store.nextID++
	grant := &memoryGrant{
		id:       fmt.Sprintf("grant-%d", store.nextID),
		userID:   input.UserID().String(),
		amount:   input.Amount().Int64(),
		source:   input.Source(),
		sourceID: input.SourceID().String(),
		granted:  input.GrantedUnixUTC(),
		expires:  input.ExpiresUnixUTC(),
		metadata: input.Metadata(),
	}
	store.grants = append(store.grants, grant)
	return grant
}

func (store *memoryStore) grantByID(grantID string) *memoryGrant {
	for _, grant := range store.grants {
		if grant.id == grantID {
			return grant
		}
	}
	return nil
}

func (store *memoryStore) grantBySource(test *testing.T, sourceID string) *memoryGrant {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, grant := range store.grants {
		if grant.sourceID == sourceID {
			copied := *grant
			return &copied
		}
	}
	test.Fatalf("grant with source %q not found", sourceID)
	return nil
}

func (store *memoryStore) transactionsFor(userID UserID) []BalanceTransaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var transactions []BalanceTransaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			transactions = append(transactions, transaction)
		}
	}
	return transactions
}

type memorySnapshot struct {
	grants       []memoryGrant
	transactions []BalanceTransaction
	snapshots    map[string]BalanceSnapshot
	nextID       int
}

func (store *memoryStore) clone() memorySnapshot {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	saved := memorySnapshot{
		transactions: append([]BalanceTransaction(nil), store.transactions...),
		snapshots:    map[string]BalanceSnapshot{},
		nextID:       store.nextID,
	}
	for _, grant := range store.grants {
		saved.grants = append(saved.grants, *grant)
	}
	for key, value := range store.snapshots {
		saved.snapshots[key] = value
	}
	return saved
}

func (store *memoryStore) restore(saved memorySnapshot) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.grants = nil
	for index := range saved.grants {
		grant := saved.grants[index]
		store.grants = append(store.grants, &grant)
	}
	store.transactions = saved.transactions
	store.snapshots = saved.snapshots
	store.nextID = saved.nextID
}

func (grant *memoryGrant) toCreditGrant() CreditGrant {
	return CreditGrant{
		grantID:            GrantID{value: grant.id},
		userID:             UserID{value: grant.userID},
		amount:             PositiveCredits(grant.amount),
		consumed:           Credits(grant.consumed),
		source:             grant.source,
		sourceID:           SourceID{value: grant.sourceID},
		grantedUnixUTC:     grant.granted,
		expiresUnixUTC:     grant.expires,
		expirationRecorded: grant.recorded,
		metadata:           grant.metadata,
	}
}

type failingStore struct {
	*memoryStore
	err error
}

func newFailingStore(err error) *failingStore {
	return &failingStore{memoryStore: newMemoryStore(), err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) SumActiveBalance(context.Context, UserID, int64) (Credits, error) {
	return 0, store.err
}

func (store *failingStore) ListGrants(context.Context, UserID) ([]CreditGrant, error) {
	return nil, store.err
}

type recordingMirror struct {
	mutex     sync.Mutex
	snapshots map[string]BalanceSnapshot
	storeErr  error
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{snapshots: map[string]BalanceSnapshot{}}
}

func (mirror *recordingMirror) StoreBalance(_ context.Context, snapshot BalanceSnapshot) error {
	mirror.mutex.Lock()
	defer mirror.mutex.Unlock()
	if mirror.storeErr != nil {
		return mirror.storeErr
	}
	mirror.snapshots[CacheKey(snapshot.UserID)] = snapshot
	return nil
}

func (mirror *recordingMirror) LoadBalance(_ context.Context, userID UserID) (BalanceSnapshot, bool, error) {
	mirror.mutex.Lock()
	defer mirror.mutex.Unlock()
	snapshot, found := mirror.snapshots[CacheKey(userID)]
	return snapshot, found, nil
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustSourceID(test *testing.T, raw string) SourceID {
	test.Helper()
	sourceID, err := NewSourceID(raw)
	if err != nil {
		test.Fatalf("source id: %v", err)
	}
	return sourceID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustExpiresInDays(test *testing.T, days int) ExpiryPolicy {
	test.Helper()
	policy, err := ExpiresInDays(days)
	if err != nil {
		test.Fatalf("expiry: %v", err)
	}
	return policy
}

func mustGrant(test *testing.T, service *Service, request GrantRequest) GrantResult {
	test.Helper()
	result, err := service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("grant %s failed: %v", request.SourceID, err)
	}
	return result
}

func mustBalance(test *testing.T, service *Service, userID UserID) Credits {
	test.Helper()
	balance, err := service.ActiveBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance failed: %v", err)
	}
	return balance
}
