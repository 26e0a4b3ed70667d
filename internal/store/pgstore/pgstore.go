package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

const (
	pgUniqueViolationCode   = "23505"
	pgCheckViolationCode    = "23514"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectCache       = "cache"
	errorSubjectGrant       = "grant"
	errorSubjectLock        = "lock"
	errorSubjectSubscribe   = "subscription"
	errorSubjectTransaction = "transaction"
	errorCodeApply          = "apply"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDelete         = "delete"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeMark           = "mark"
	errorCodeSumActive      = "sum_active"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"

	grantColumns = `
		grant_id, user_id, amount, consumed, source, source_id,
		extract(epoch from granted_at)::bigint,
		extract(epoch from expires_at)::bigint,
		expiration_recorded,
		metadata::text
	`

	sqlLockUserLedger = `select pg_advisory_xact_lock(hashtextextended($1, 0))`

	sqlSumActiveBalance = `
		select coalesce(sum(remaining),0)::bigint from credit_grants
		where user_id = $1 and expires_at > to_timestamp($2) and remaining > 0
	`

	sqlLockActiveGrants = `select` + grantColumns + `
		from credit_grants
		where user_id = $1 and expires_at > to_timestamp($2) and remaining > 0
		order by expires_at, granted_at, grant_id
		for update
	`

	sqlApplyConsumption = `
		update credit_grants g
		set consumed = g.consumed + d.delta
		from unnest($1::text[], $2::bigint[]) as d(grant_id, delta)
		where g.grant_id = d.grant_id and g.consumed + d.delta <= g.amount
	`

	sqlFindGrantBySourceID = `select` + grantColumns + `from credit_grants where source_id = $1`

	sqlInsertGrant = `
		insert into credit_grants(grant_id, user_id, amount, source, source_id, granted_at, expires_at, metadata)
		values(gen_random_uuid()::text, $1, $2, $3, $4, to_timestamp($5), to_timestamp($6), coalesce(nullif($7,''),'{}')::jsonb)
		on conflict (source_id) do nothing
		returning grant_id
	`

	sqlListGrants = `select` + grantColumns + `
		from credit_grants where user_id = $1
		order by expires_at, granted_at, grant_id
	`

	sqlInsertTransaction = `
		insert into balance_transactions(
			transaction_id, user_id, type, amount, description, balance_before, balance_after, metadata, created_at
		)
		values(gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, coalesce(nullif($7,''),'{}')::jsonb, to_timestamp($8))
	`

	sqlListTransactions = `
		select transaction_id, user_id, type, amount, description, balance_before, balance_after,
			metadata::text, extract(epoch from created_at)::bigint
		from balance_transactions
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, transaction_id desc
		limit $3
	`

	sqlUpsertBalanceCache = `
		insert into balance_cache(cache_key, user_id, balance, valid_until, updated_at)
		values($1, $2, $3, to_timestamp(nullif($4::bigint,0)), to_timestamp($5))
		on conflict (cache_key) do update
		set balance = excluded.balance, valid_until = excluded.valid_until, updated_at = excluded.updated_at
	`

	sqlGetBalanceCache = `
		select balance, coalesce(extract(epoch from valid_until)::bigint,0), extract(epoch from updated_at)::bigint
		from balance_cache where cache_key = $1
	`

	sqlUpsertSubscription = `
		insert into subscription_status(user_id, plan_id, status, period_end, updated_at)
		values($1, $2, $3, to_timestamp($4), to_timestamp($5))
		on conflict (user_id) do update
		set plan_id = excluded.plan_id, status = excluded.status, period_end = excluded.period_end, updated_at = excluded.updated_at
	`

	sqlListUnrecordedExpired = `select` + grantColumns + `
		from credit_grants
		where expires_at <= to_timestamp($1) and not expiration_recorded
		order by user_id, expires_at, grant_id
		limit $2
	`

	sqlListUserUnrecordedExpired = `select` + grantColumns + `
		from credit_grants
		where user_id = $1 and expires_at <= to_timestamp($2) and not expiration_recorded
		order by expires_at, grant_id
	`

	sqlMarkExpirationRecorded = `update credit_grants set expiration_recorded = true where grant_id = any($1::text[])`

	sqlDeleteRetiredGrants = `
		delete from credit_grants
		where (expiration_recorded and expires_at < to_timestamp($1))
			or (remaining = 0 and granted_at < to_timestamp($1))
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements ledger.Store on a pgx pool, or on an open transaction inside WithTx.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	return runInTx(ctx, store.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{db: tx})
	})
}

func (store *Store) LockUserLedger(ctx context.Context, userID ledger.UserID) error {
	if _, err := store.db.Exec(ctx, sqlLockUserLedger, userID.String()); err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeLock, err)
	}
	return nil
}

func (store *Store) SumActiveBalance(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.Credits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumActiveBalance, userID.String(), atUnixUTC).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumActive, err)
	}
	balance, err := ledger.NewCredits(sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) LockActiveGrants(ctx context.Context, userID ledger.UserID, atUnixUTC int64) ([]ledger.CreditGrant, error) {
	return store.queryGrants(ctx, errorCodeLock, sqlLockActiveGrants, userID.String(), atUnixUTC)
}

// ApplyConsumption updates every allocated grant in one statement.
func (store *Store) ApplyConsumption(ctx context.Context, allocations []ledger.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	grantIDs := make([]string, 0, len(allocations))
	deltas := make([]int64, 0, len(allocations))
	for _, allocation := range allocations {
		grantIDs = append(grantIDs, allocation.GrantID.String())
		deltas = append(deltas, allocation.Amount.Int64())
	}
	tag, err := store.db.Exec(ctx, sqlApplyConsumption, grantIDs, deltas)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeApply, err)
	}
	if tag.RowsAffected() != int64(len(allocations)) {
		return wrapStoreError(errorSubjectGrant, errorCodeApply, fmt.Errorf("updated %d of %d grants", tag.RowsAffected(), len(allocations)))
	}
	return nil
}

func (store *Store) FindGrantBySourceID(ctx context.Context, sourceID ledger.SourceID) (ledger.CreditGrant, error) {
	grant, err := scanGrant(store.db.QueryRow(ctx, sqlFindGrantBySourceID, sourceID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeLookup, ledger.ErrGrantNotFound)
	}
	if err != nil {
		return ledger.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return grant, nil
}

// InsertGrant uses ON CONFLICT DO NOTHING: a unique violation would abort the surrounding transaction.
func (store *Store) InsertGrant(ctx context.Context, input ledger.GrantInput) (ledger.GrantID, bool, error) {
	var grantIDValue string
	err := store.db.QueryRow(ctx, sqlInsertGrant,
		input.UserID().String(),
		input.Amount().Int64(),
		input.Source().String(),
		input.SourceID().String(),
		input.GrantedUnixUTC(),
		input.ExpiresUnixUTC(),
		input.Metadata().String(),
	).Scan(&grantIDValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.GrantID{}, false, nil
	}
	if err != nil {
		return ledger.GrantID{}, false, wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	grantID, err := ledger.NewGrantID(grantIDValue)
	if err != nil {
		return ledger.GrantID{}, false, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grantID, true, nil
}

func (store *Store) ListGrants(ctx context.Context, userID ledger.UserID) ([]ledger.CreditGrant, error) {
	return store.queryGrants(ctx, errorCodeList, sqlListGrants, userID.String())
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		input.UserID().String(),
		input.Type().String(),
		input.Amount().Int64(),
		input.Description(),
		input.BalanceBefore().Int64(),
		input.BalanceAfter().Int64(),
		input.Metadata().String(),
		input.CreatedUnixUTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.BalanceTransaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []ledger.BalanceTransaction
	for rows.Next() {
		var (
			transaction   ledger.BalanceTransaction
			userIDValue   string
			typeValue     string
			amount        int64
			balanceBefore int64
			balanceAfter  int64
			metadataValue string
		)
		if err := rows.Scan(&transaction.TransactionID, &userIDValue, &typeValue, &amount, &transaction.Description,
			&balanceBefore, &balanceAfter, &metadataValue, &transaction.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		if transaction.UserID, err = ledger.NewUserID(userIDValue); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		if transaction.Type, err = ledger.ParseTransactionType(typeValue); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		if transaction.Metadata, err = ledger.NewMetadataJSON(metadataValue); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transaction.Amount = ledger.SignedCredits(amount)
		transaction.BalanceBefore = ledger.Credits(balanceBefore)
		transaction.BalanceAfter = ledger.Credits(balanceAfter)
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) UpsertBalanceSnapshot(ctx context.Context, snapshot ledger.BalanceSnapshot) error {
	_, err := store.db.Exec(ctx, sqlUpsertBalanceCache,
		ledger.CacheKey(snapshot.UserID),
		snapshot.UserID.String(),
		snapshot.Balance.Int64(),
		snapshot.ValidUntilUnixUTC,
		snapshot.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetBalanceSnapshot(ctx context.Context, userID ledger.UserID) (ledger.BalanceSnapshot, error) {
	var balance int64
	snapshot := ledger.BalanceSnapshot{UserID: userID}
	err := store.db.QueryRow(ctx, sqlGetBalanceCache, ledger.CacheKey(userID)).Scan(&balance, &snapshot.ValidUntilUnixUTC, &snapshot.UpdatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectCache, errorCodeGet, ledger.ErrSnapshotNotFound)
	}
	if err != nil {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectCache, errorCodeGet, err)
	}
	if snapshot.Balance, err = ledger.NewCredits(balance); err != nil {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectCache, errorCodeInvalid, err)
	}
	return snapshot, nil
}

func (store *Store) UpsertSubscriptionStatus(ctx context.Context, status ledger.SubscriptionStatus) error {
	_, err := store.db.Exec(ctx, sqlUpsertSubscription,
		status.UserID.String(),
		status.PlanID,
		status.Status,
		status.PeriodEndUnixUTC,
		status.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscribe, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListUnrecordedExpiredGrants(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.CreditGrant, error) {
	return store.queryGrants(ctx, errorCodeList, sqlListUnrecordedExpired, atUnixUTC, limit)
}

func (store *Store) ListUserUnrecordedExpiredGrants(ctx context.Context, userID ledger.UserID, atUnixUTC int64) ([]ledger.CreditGrant, error) {
	return store.queryGrants(ctx, errorCodeList, sqlListUserUnrecordedExpired, userID.String(), atUnixUTC)
}

func (store *Store) MarkExpirationRecorded(ctx context.Context, grantIDs []ledger.GrantID) error {
	if len(grantIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(grantIDs))
	for _, grantID := range grantIDs {
		ids = append(ids, grantID.String())
	}
	if _, err := store.db.Exec(ctx, sqlMarkExpirationRecorded, ids); err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeMark, err)
	}
	return nil
}

func (store *Store) DeleteRetiredGrants(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlDeleteRetiredGrants, cutoffUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectGrant, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) queryGrants(ctx context.Context, code string, sql string, args ...any) ([]ledger.CreditGrant, error) {
	rows, err := store.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, code, err)
	}
	defer rows.Close()
	var grants []ledger.CreditGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, code, err)
	}
	return grants, nil
}

func scanGrant(row rowScanner) (ledger.CreditGrant, error) {
	var (
		grantIDValue  string
		userIDValue   string
		amountValue   int64
		consumedValue int64
		sourceValue   string
		sourceIDValue string
		grantedUnix   int64
		expiresUnix   int64
		recorded      bool
		metadataValue string
	)
	if err := row.Scan(&grantIDValue, &userIDValue, &amountValue, &consumedValue, &sourceValue, &sourceIDValue,
		&grantedUnix, &expiresUnix, &recorded, &metadataValue); err != nil {
		return ledger.CreditGrant{}, err
	}
	grantID, err := ledger.NewGrantID(grantIDValue)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	amount, err := ledger.NewPositiveCredits(amountValue)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	consumed, err := ledger.NewCredits(consumedValue)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	source, err := ledger.ParseGrantSource(sourceValue)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	sourceID, err := ledger.NewSourceID(sourceIDValue)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	return ledger.NewCreditGrant(grantID, userID, amount, consumed, source, sourceID, grantedUnix, expiresUnix, recorded, metadata)
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
