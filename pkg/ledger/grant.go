package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// GrantRequest describes a new credit issuance.
type GrantRequest struct {
	UserID   UserID
	Amount   PositiveCredits
	Source   GrantSource
	SourceID SourceID
	// Expiry defaults to DefaultExpiryPolicy(Source).
	Expiry      ExpiryPolicy
	Metadata    MetadataJSON
	Description string
	// PlanID marks a recurring grant as a subscription entitlement.
	PlanID string
	// TransactionType defaults to the type matching Source.
	TransactionType TransactionType
}

// GrantResult reports the grant that holds the credits for a source id.
// Duplicate is true when the source id had already been granted; BalanceAfter is zero in that case.
type GrantResult struct {
	GrantID          GrantID
	Duplicate        bool
	ExpiresAtUnixUTC int64
	BalanceAfter     Credits
}

// RefundRequest returns credits for work that did not complete.
type RefundRequest struct {
	UserID    UserID
	Amount    PositiveCredits
	Reference string
	Reason    string
	Metadata  MetadataJSON
}

// Grant issues credits exactly once per source id.
func (service *Service) Grant(ctx context.Context, request GrantRequest) (GrantResult, error) {
	var (
		result   GrantResult
		snapshot BalanceSnapshot
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, snapshot, err = service.grantInTx(ctx, transactionStore, request)
		return err
	})
	if operationError == nil && !result.Duplicate {
		service.publishSnapshot(ctx, snapshot)
	}
	service.logOperation(ctx, OperationLog{
		Operation:    operationGrant,
		UserID:       request.UserID,
		Amount:       request.Amount.Int64(),
		SourceID:     request.SourceID,
		GrantID:      result.GrantID,
		BalanceAfter: result.BalanceAfter,
		Duplicate:    result.Duplicate,
		Metadata:     request.Metadata,
		Error:        operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// Refund grants bonus credits keyed by the reference, so repeated refunds of one job credit once.
func (service *Service) Refund(ctx context.Context, request RefundRequest) (GrantResult, error) {
	reference := strings.TrimSpace(request.Reference)
	if reference == "" {
		err := fmt.Errorf("%w: refund reference is required", ErrInvalidSourceID)
		service.logOperation(ctx, OperationLog{Operation: operationRefund, UserID: request.UserID, Amount: request.Amount.Int64(), Error: err})
		return GrantResult{}, err
	}
	sourceID, err := deriveSourceID(sourceIDPrefixRefund, reference)
	if err != nil {
		return GrantResult{}, err
	}
	metadata, err := MergeMetadata(request.Metadata, map[string]any{
		metadataKeyReason:    request.Reason,
		metadataKeyReference: request.Reference,
	})
	if err != nil {
		return GrantResult{}, err
	}
	return service.Grant(ctx, GrantRequest{
		UserID:          request.UserID,
		Amount:          request.Amount,
		Source:          GrantSourceBonus,
		SourceID:        sourceID,
		Metadata:        metadata,
		Description:     request.Reason,
		TransactionType: TransactionRefund,
	})
}

func (service *Service) grantInTx(ctx context.Context, transactionStore Store, request GrantRequest) (GrantResult, BalanceSnapshot, error) {
	existing, err := transactionStore.FindGrantBySourceID(ctx, request.SourceID)
	if err == nil {
		return duplicateGrantResult(existing), BalanceSnapshot{}, nil
	}
	if !errors.Is(err, ErrGrantNotFound) {
		return GrantResult{}, BalanceSnapshot{}, err
	}

	if err := transactionStore.LockUserLedger(ctx, request.UserID); err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}
	nowUnixUTC := service.nowFn()
	grants, err := transactionStore.LockActiveGrants(ctx, request.UserID, nowUnixUTC)
	if err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}
	balanceBefore := SumRemaining(grants, nowUnixUTC)

	expiresUnixUTC := resolveExpiryPolicy(request.Expiry, request.Source).ExpiresAt(nowUnixUTC)
	grantInput, err := NewGrantInput(request.UserID, request.Amount, request.Source, request.SourceID, nowUnixUTC, expiresUnixUTC, request.Metadata)
	if err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}
	grantID, inserted, err := transactionStore.InsertGrant(ctx, grantInput)
	if err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}
	if !inserted {
		// A concurrent delivery committed the same source id first.
		existing, err := transactionStore.FindGrantBySourceID(ctx, request.SourceID)
		if err != nil {
			return GrantResult{}, BalanceSnapshot{}, err
		}
		return duplicateGrantResult(existing), BalanceSnapshot{}, nil
	}

	balanceAfter := Credits(balanceBefore.Int64() + request.Amount.Int64())
	transactionType := request.TransactionType
	if transactionType == "" {
		transactionType = transactionTypeForSource(request.Source)
	}
	metadata, err := MergeMetadata(request.Metadata, map[string]any{metadataKeyGrantID: grantID.String()})
	if err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}
	transactionInput, err := NewTransactionInput(
		request.UserID,
		transactionType,
		SignedCredits(request.Amount.Int64()),
		request.Description,
		balanceBefore,
		balanceAfter,
		metadata,
		nowUnixUTC,
	)
	if err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}
	if err := transactionStore.InsertTransaction(ctx, transactionInput); err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}

	snapshot := BalanceSnapshot{
		UserID:            request.UserID,
		Balance:           balanceAfter,
		ValidUntilUnixUTC: earliestExpiry(NextExpiry(grants, nowUnixUTC), expiresUnixUTC),
		UpdatedUnixUTC:    nowUnixUTC,
	}
	if err := transactionStore.UpsertBalanceSnapshot(ctx, snapshot); err != nil {
		return GrantResult{}, BalanceSnapshot{}, err
	}

	planID := strings.TrimSpace(request.PlanID)
	if request.Source.IsRecurring() && planID != "" {
		err := transactionStore.UpsertSubscriptionStatus(ctx, SubscriptionStatus{
			UserID:           request.UserID,
			PlanID:           planID,
			Status:           subscriptionStatusActive,
			PeriodEndUnixUTC: expiresUnixUTC,
			UpdatedUnixUTC:   nowUnixUTC,
		})
		if err != nil {
			return GrantResult{}, BalanceSnapshot{}, err
		}
	}

	return GrantResult{
		GrantID:          grantID,
		ExpiresAtUnixUTC: expiresUnixUTC,
		BalanceAfter:     balanceAfter,
	}, snapshot, nil
}

func duplicateGrantResult(existing CreditGrant) GrantResult {
	return GrantResult{
		GrantID:          existing.GrantID(),
		Duplicate:        true,
		ExpiresAtUnixUTC: existing.ExpiresUnixUTC(),
	}
}
