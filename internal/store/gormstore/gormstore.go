package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

const (
	dialectPostgres         = "postgres"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectCache       = "cache"
	errorSubjectGrant       = "grant"
	errorSubjectLock        = "lock"
	errorSubjectSubscribe   = "subscription"
	errorSubjectTransaction = "transaction"
	errorCodeApply          = "apply"
	errorCodeDelete         = "delete"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeMark           = "mark"
	errorCodeSumActive      = "sum_active"
	errorCodeUpsert         = "upsert"
)

// Store implements ledger.Store using GORM on PostgreSQL or SQLite.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockUserLedger takes a transaction-scoped advisory lock on PostgreSQL.
// SQLite serializes writers on its single connection, so no lock is needed there.
func (store *Store) LockUserLedger(ctx context.Context, userID ledger.UserID) error {
	if store.db.Dialector.Name() != dialectPostgres {
		return nil
	}
	err := store.db.WithContext(ctx).Exec("select pg_advisory_xact_lock(hashtextextended(?, 0))", userID.String()).Error
	if err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeLock, err)
	}
	return nil
}

func (store *Store) SumActiveBalance(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.Credits, error) {
	var sum sqlSum
	err := store.activeGrants(ctx, userID, atUnixUTC).
		Select("coalesce(sum(amount - consumed),0) as total").
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumActive, err)
	}
	balance, err := ledger.NewCredits(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) LockActiveGrants(ctx context.Context, userID ledger.UserID, atUnixUTC int64) ([]ledger.CreditGrant, error) {
	var rows []CreditGrant
	err := store.activeGrants(ctx, userID, atUnixUTC).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Order("expires_at ASC, granted_at ASC, grant_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeLock, err)
	}
	return mapCreditGrants(rows)
}

// ApplyConsumption adds every allocation to its grant in one statement.
func (store *Store) ApplyConsumption(ctx context.Context, allocations []ledger.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	var (
		caseSQL  strings.Builder
		caseArgs []any
		grantIDs []string
	)
	caseSQL.WriteString("case grant_id")
	for _, allocation := range allocations {
		caseSQL.WriteString(" when ? then ?")
		caseArgs = append(caseArgs, allocation.GrantID.String(), allocation.Amount.Int64())
		grantIDs = append(grantIDs, allocation.GrantID.String())
	}
	caseSQL.WriteString(" else 0 end")
	statement := fmt.Sprintf("update credit_grants set consumed = consumed + (%s) where grant_id in ? and consumed + (%s) <= amount", caseSQL.String(), caseSQL.String())
	params := make([]any, 0, 2*len(caseArgs)+1)
	params = append(params, caseArgs...)
	params = append(params, grantIDs)
	params = append(params, caseArgs...)
	result := store.db.WithContext(ctx).Exec(statement, params...)
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeApply, result.Error)
	}
	if result.RowsAffected != int64(len(allocations)) {
		return wrapStoreError(errorSubjectGrant, errorCodeApply, fmt.Errorf("updated %d of %d grants", result.RowsAffected, len(allocations)))
	}
	return nil
}

func (store *Store) FindGrantBySourceID(ctx context.Context, sourceID ledger.SourceID) (ledger.CreditGrant, error) {
	var row CreditGrant
	err := store.db.WithContext(ctx).Where("source_id = ?", sourceID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeLookup, ledger.ErrGrantNotFound)
	}
	if err != nil {
		return ledger.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	grant, err := mapCreditGrant(row)
	if err != nil {
		return ledger.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grant, nil
}

// InsertGrant relies on ON CONFLICT DO NOTHING so a racing duplicate never aborts the transaction.
func (store *Store) InsertGrant(ctx context.Context, input ledger.GrantInput) (ledger.GrantID, bool, error) {
	row := CreditGrant{
		UserID:    input.UserID().String(),
		Amount:    input.Amount().Int64(),
		Source:    input.Source().String(),
		SourceID:  input.SourceID().String(),
		GrantedAt: unixTime(input.GrantedUnixUTC()),
		ExpiresAt: unixTime(input.ExpiresUnixUTC()),
		Metadata:  datatypesJSON(input.Metadata().String()),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_id"}}, DoNothing: true}).
		Create(&row)
	if isUniqueViolation(result.Error) {
		return ledger.GrantID{}, false, nil
	}
	if result.Error != nil {
		return ledger.GrantID{}, false, wrapStoreError(errorSubjectGrant, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.GrantID{}, false, nil
	}
	grantID, err := ledger.NewGrantID(row.GrantID)
	if err != nil {
		return ledger.GrantID{}, false, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grantID, true, nil
}

func (store *Store) ListGrants(ctx context.Context, userID ledger.UserID) ([]ledger.CreditGrant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("expires_at ASC, granted_at ASC, grant_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return mapCreditGrants(rows)
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) error {
	row := BalanceTransaction{
		UserID:        input.UserID().String(),
		Type:          input.Type().String(),
		Amount:        input.Amount().Int64(),
		Description:   input.Description(),
		BalanceBefore: input.BalanceBefore().Int64(),
		BalanceAfter:  input.BalanceAfter().Int64(),
		Metadata:      datatypesJSON(input.Metadata().String()),
		CreatedAt:     unixTime(input.CreatedUnixUTC()),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.BalanceTransaction, error) {
	var rows []BalanceTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), unixTime(beforeUnixUTC)).
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.BalanceTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapBalanceTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) UpsertBalanceSnapshot(ctx context.Context, snapshot ledger.BalanceSnapshot) error {
	row := BalanceCache{
		CacheKey:   ledger.CacheKey(snapshot.UserID),
		UserID:     snapshot.UserID.String(),
		Balance:    snapshot.Balance.Int64(),
		ValidUntil: optionalTime(snapshot.ValidUntilUnixUTC),
		UpdatedAt:  unixTime(snapshot.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "valid_until", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetBalanceSnapshot(ctx context.Context, userID ledger.UserID) (ledger.BalanceSnapshot, error) {
	var row BalanceCache
	err := store.db.WithContext(ctx).Where("cache_key = ?", ledger.CacheKey(userID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectCache, errorCodeGet, ledger.ErrSnapshotNotFound)
	}
	if err != nil {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectCache, errorCodeGet, err)
	}
	balance, err := ledger.NewCredits(row.Balance)
	if err != nil {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectCache, errorCodeInvalid, err)
	}
	return ledger.BalanceSnapshot{
		UserID:            userID,
		Balance:           balance,
		ValidUntilUnixUTC: timeOrZero(row.ValidUntil),
		UpdatedUnixUTC:    row.UpdatedAt.Unix(),
	}, nil
}

func (store *Store) UpsertSubscriptionStatus(ctx context.Context, status ledger.SubscriptionStatus) error {
	row := SubscriptionStatus{
		UserID:    status.UserID.String(),
		PlanID:    status.PlanID,
		Status:    status.Status,
		PeriodEnd: unixTime(status.PeriodEndUnixUTC),
		UpdatedAt: unixTime(status.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"plan_id", "status", "period_end", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscribe, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListUnrecordedExpiredGrants(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.CreditGrant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("expires_at <= ? AND expiration_recorded = ?", unixTime(atUnixUTC), false).
		Order("user_id ASC, expires_at ASC, grant_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return mapCreditGrants(rows)
}

func (store *Store) ListUserUnrecordedExpiredGrants(ctx context.Context, userID ledger.UserID, atUnixUTC int64) ([]ledger.CreditGrant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND expires_at <= ? AND expiration_recorded = ?", userID.String(), unixTime(atUnixUTC), false).
		Order("expires_at ASC, grant_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return mapCreditGrants(rows)
}

func (store *Store) MarkExpirationRecorded(ctx context.Context, grantIDs []ledger.GrantID) error {
	if len(grantIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(grantIDs))
	for _, grantID := range grantIDs {
		ids = append(ids, grantID.String())
	}
	err := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Where("grant_id IN ?", ids).
		Update("expiration_recorded", true).Error
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeMark, err)
	}
	return nil
}

func (store *Store) DeleteRetiredGrants(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	cutoff := unixTime(cutoffUnixUTC)
	result := store.db.WithContext(ctx).
		Where("(expiration_recorded = ? AND expires_at < ?) OR (consumed = amount AND granted_at < ?)", true, cutoff, cutoff).
		Delete(&CreditGrant{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectGrant, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) activeGrants(ctx context.Context, userID ledger.UserID, atUnixUTC int64) *gorm.DB {
	return store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Where("user_id = ? AND expires_at > ? AND consumed < amount", userID.String(), unixTime(atUnixUTC))
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapCreditGrants(rows []CreditGrant) ([]ledger.CreditGrant, error) {
	grants := make([]ledger.CreditGrant, 0, len(rows))
	for _, row := range rows {
		grant, err := mapCreditGrant(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

func mapCreditGrant(row CreditGrant) (ledger.CreditGrant, error) {
	grantID, err := ledger.NewGrantID(row.GrantID)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	amount, err := ledger.NewPositiveCredits(row.Amount)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	consumed, err := ledger.NewCredits(row.Consumed)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	source, err := ledger.ParseGrantSource(row.Source)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	sourceID, err := ledger.NewSourceID(row.SourceID)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	return ledger.NewCreditGrant(
		grantID,
		userID,
		amount,
		consumed,
		source,
		sourceID,
		row.GrantedAt.Unix(),
		row.ExpiresAt.Unix(),
		row.ExpirationRecorded,
		metadata,
	)
}

func mapBalanceTransaction(row BalanceTransaction) (ledger.BalanceTransaction, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.BalanceTransaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.BalanceTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.BalanceTransaction{}, err
	}
	return ledger.BalanceTransaction{
		TransactionID:  row.TransactionID,
		UserID:         userID,
		Type:           transactionType,
		Amount:         ledger.SignedCredits(row.Amount),
		Description:    row.Description,
		BalanceBefore:  ledger.Credits(row.BalanceBefore),
		BalanceAfter:   ledger.Credits(row.BalanceAfter),
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func unixTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := unixTime(unixUTC)
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation recognizes duplicate keys from PostgreSQL and SQLite drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
