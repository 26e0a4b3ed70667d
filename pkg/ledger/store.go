package ledger

import "context"

// Store is the persistence contract used by Service.
// gormstore and pgstore implement it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockUserLedger serializes mutations of one user's ledger until the transaction ends.
	// It must never block other users.
	LockUserLedger(ctx context.Context, userID UserID) error
	SumActiveBalance(ctx context.Context, userID UserID, atUnixUTC int64) (Credits, error)
	// LockActiveGrants returns active grants ordered by expiry, grant time, then id, locked for update.
	LockActiveGrants(ctx context.Context, userID UserID, atUnixUTC int64) ([]CreditGrant, error)
	// ApplyConsumption increments consumed for every allocation in one statement.
	ApplyConsumption(ctx context.Context, allocations []Allocation) error

	FindGrantBySourceID(ctx context.Context, sourceID SourceID) (CreditGrant, error)
	// InsertGrant reports inserted=false when the source id already exists.
	InsertGrant(ctx context.Context, grant GrantInput) (GrantID, bool, error)
	ListGrants(ctx context.Context, userID UserID) ([]CreditGrant, error)

	InsertTransaction(ctx context.Context, transaction TransactionInput) error
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]BalanceTransaction, error)

	UpsertBalanceSnapshot(ctx context.Context, snapshot BalanceSnapshot) error
	GetBalanceSnapshot(ctx context.Context, userID UserID) (BalanceSnapshot, error)
	UpsertSubscriptionStatus(ctx context.Context, status SubscriptionStatus) error

	// ListUnrecordedExpiredGrants returns expired grants whose burn has not been logged, ordered by user then expiry.
	ListUnrecordedExpiredGrants(ctx context.Context, atUnixUTC int64, limit int) ([]CreditGrant, error)
	// ListUserUnrecordedExpiredGrants returns every unlogged expired grant of one user, ordered by expiry.
	ListUserUnrecordedExpiredGrants(ctx context.Context, userID UserID, atUnixUTC int64) ([]CreditGrant, error)
	MarkExpirationRecorded(ctx context.Context, grantIDs []GrantID) error
	// DeleteRetiredGrants removes grants that can no longer contribute to any balance and are older than the cutoff.
	DeleteRetiredGrants(ctx context.Context, cutoffUnixUTC int64) (int64, error)
}

// BalanceMirror is an advisory balance copy outside the database (for example Redis).
type BalanceMirror interface {
	StoreBalance(ctx context.Context, snapshot BalanceSnapshot) error
	LoadBalance(ctx context.Context, userID UserID) (BalanceSnapshot, bool, error)
}
