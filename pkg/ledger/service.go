package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	mirror BalanceMirror
	newID  func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ActiveBalance returns the sum of remaining credits over unexpired grants.
// A user without grants has a zero balance.
func (service *Service) ActiveBalance(ctx context.Context, userID UserID) (Credits, error) {
	return service.store.SumActiveBalance(ctx, userID, service.nowFn())
}

// CachedBalance serves the advisory mirror when it is fresh and recomputes otherwise.
func (service *Service) CachedBalance(ctx context.Context, userID UserID) (Credits, error) {
	nowUnixUTC := service.nowFn()
	if service.mirror != nil {
		snapshot, found, err := service.mirror.LoadBalance(ctx, userID)
		if err == nil && found && snapshot.IsFresh(nowUnixUTC) {
			return snapshot.Balance, nil
		}
	}
	snapshot, err := service.store.GetBalanceSnapshot(ctx, userID)
	if err == nil && snapshot.IsFresh(nowUnixUTC) {
		return snapshot.Balance, nil
	}
	return service.ResyncBalanceCache(ctx, userID)
}

// ResyncBalanceCache overwrites the cache row and the mirror from the grants table.
func (service *Service) ResyncBalanceCache(ctx context.Context, userID UserID) (Credits, error) {
	var snapshot BalanceSnapshot
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		grants, err := transactionStore.LockActiveGrants(ctx, userID, nowUnixUTC)
		if err != nil {
			return err
		}
		snapshot = BalanceSnapshot{
			UserID:            userID,
			Balance:           SumRemaining(grants, nowUnixUTC),
			ValidUntilUnixUTC: NextExpiry(grants, nowUnixUTC),
			UpdatedUnixUTC:    nowUnixUTC,
		}
		return transactionStore.UpsertBalanceSnapshot(ctx, snapshot)
	})
	if operationError != nil {
		service.logOperation(ctx, OperationLog{Operation: operationResyncCache, UserID: userID, Error: operationError})
		return 0, operationError
	}
	service.publishSnapshot(ctx, snapshot)
	return snapshot.Balance, nil
}

// ListTransactions returns the newest transactions created before the cutoff.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]BalanceTransaction, error) {
	normalizedLimit, err := NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, normalizedLimit)
}

// NormalizeListLimit applies the default and rejects limits over the maximum.
func NormalizeListLimit(limit int) (int, error) {
	if limit <= 0 {
		return DefaultListLimit, nil
	}
	if limit > MaxListLimit {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidListLimit, limit, MaxListLimit)
	}
	return limit, nil
}

func (service *Service) publishSnapshot(ctx context.Context, snapshot BalanceSnapshot) {
	if service.mirror == nil {
		return
	}
	if err := service.mirror.StoreBalance(ctx, snapshot); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:    operationMirrorBalance,
			UserID:       snapshot.UserID,
			BalanceAfter: snapshot.Balance,
			Error:        err,
		})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveSourceID(prefix string, reference string) (SourceID, error) {
	return NewSourceID(prefix + sourceIDDelimiter + reference)
}

func isInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}
