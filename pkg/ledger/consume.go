package ledger

import "context"

// ConsumeRequest describes a debit against a user's active grants.
type ConsumeRequest struct {
	UserID      UserID
	Amount      PositiveCredits
	Description string
	Metadata    MetadataJSON
	// Type defaults to usage.
	Type TransactionType
}

// ConsumeResult reports the outcome of a debit.
type ConsumeResult struct {
	Applied       bool
	BalanceBefore Credits
	BalanceAfter  Credits
	FromExpiring  Credits
	FromPermanent Credits
	Allocations   []Allocation
}

// Consume debits amount from the soonest-expiring grants first.
// When the active balance is too small it returns an error matching ErrInsufficientBalance
// and leaves every grant untouched.
func (service *Service) Consume(ctx context.Context, request ConsumeRequest) (ConsumeResult, error) {
	return service.consume(ctx, request, operationConsume)
}

func (service *Service) consume(ctx context.Context, request ConsumeRequest, operation string) (ConsumeResult, error) {
	var (
		result   ConsumeResult
		snapshot BalanceSnapshot
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, snapshot, err = service.consumeInTx(ctx, transactionStore, request)
		return err
	})
	if operationError == nil {
		service.publishSnapshot(ctx, snapshot)
	}
	entry := OperationLog{
		Operation:    operation,
		UserID:       request.UserID,
		Amount:       request.Amount.Int64(),
		BalanceAfter: result.BalanceAfter,
		Metadata:     request.Metadata,
		Error:        operationError,
	}
	if isInsufficientBalance(operationError) {
		entry.Status = operationStatusRejected
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return ConsumeResult{BalanceBefore: result.BalanceBefore, BalanceAfter: result.BalanceBefore}, operationError
	}
	return result, nil
}

func (service *Service) consumeInTx(ctx context.Context, transactionStore Store, request ConsumeRequest) (ConsumeResult, BalanceSnapshot, error) {
	if request.Amount <= 0 {
		return ConsumeResult{}, BalanceSnapshot{}, WrapError(operationConsume, "amount", "invalid", ErrInvalidCredits)
	}
	if err := transactionStore.LockUserLedger(ctx, request.UserID); err != nil {
		return ConsumeResult{}, BalanceSnapshot{}, err
	}
	nowUnixUTC := service.nowFn()
	grants, err := transactionStore.LockActiveGrants(ctx, request.UserID, nowUnixUTC)
	if err != nil {
		return ConsumeResult{}, BalanceSnapshot{}, err
	}
	plan, err := PlanConsumption(grants, request.Amount, nowUnixUTC)
	if err != nil {
		return ConsumeResult{BalanceBefore: plan.Available}, BalanceSnapshot{}, err
	}
	if err := transactionStore.ApplyConsumption(ctx, plan.Allocations); err != nil {
		return ConsumeResult{}, BalanceSnapshot{}, err
	}

	balanceAfter := Credits(plan.Available.Int64() - request.Amount.Int64())
	metadata, err := MergeMetadata(request.Metadata, map[string]any{
		metadataKeyFromExpiring:  plan.FromExpiring.Int64(),
		metadataKeyFromPermanent: plan.FromPermanent.Int64(),
		metadataKeyGrantCount:    len(plan.Allocations),
	})
	if err != nil {
		return ConsumeResult{}, BalanceSnapshot{}, err
	}
	transactionType := request.Type
	if transactionType == "" {
		transactionType = TransactionUsage
	}
	transactionInput, err := NewTransactionInput(
		request.UserID,
		transactionType,
		SignedCredits(-request.Amount.Int64()),
		request.Description,
		plan.Available,
		balanceAfter,
		metadata,
		nowUnixUTC,
	)
	if err != nil {
		return ConsumeResult{}, BalanceSnapshot{}, err
	}
	if err := transactionStore.InsertTransaction(ctx, transactionInput); err != nil {
		return ConsumeResult{}, BalanceSnapshot{}, err
	}

	snapshot := BalanceSnapshot{
		UserID:            request.UserID,
		Balance:           balanceAfter,
		ValidUntilUnixUTC: plan.NextExpiryUnixUTC,
		UpdatedUnixUTC:    nowUnixUTC,
	}
	if err := transactionStore.UpsertBalanceSnapshot(ctx, snapshot); err != nil {
		return ConsumeResult{}, BalanceSnapshot{}, err
	}
	return ConsumeResult{
		Applied:       true,
		BalanceBefore: plan.Available,
		BalanceAfter:  balanceAfter,
		FromExpiring:  plan.FromExpiring,
		FromPermanent: plan.FromPermanent,
		Allocations:   plan.Allocations,
	}, snapshot, nil
}
