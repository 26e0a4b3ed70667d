package ledger

import (
	"context"
	"fmt"
	"strings"
)

// AdminGrantRequest is a manual credit issuance.
type AdminGrantRequest struct {
	UserID UserID
	Amount PositiveCredits
	// Source defaults to admin_grant.
	Source GrantSource
	Reason string
	// ExpiresInDays defaults to the source policy when zero.
	ExpiresInDays int
	AdminID       string
}

// BalanceAdjustment reports the effect of SetExactBalance.
// GrantID is set only when the adjustment issued credits.
type BalanceAdjustment struct {
	GrantID  GrantID
	Previous Credits
	Current  Credits
	Delta    SignedCredits
}

// CreditDetails lists every stored grant of a user next to the active balance.
type CreditDetails struct {
	UserID    UserID
	Balance   Credits
	Grants    []CreditGrant
	AtUnixUTC int64
}

// GrantCredits issues credits on behalf of an operator.
func (service *Service) GrantCredits(ctx context.Context, request AdminGrantRequest) (GrantID, error) {
	grantRequest, err := service.adminGrantRequest(request)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationAdminGrant, UserID: request.UserID, Amount: request.Amount.Int64(), Error: err})
		return GrantID{}, err
	}
	result, err := service.Grant(ctx, grantRequest)
	if err != nil {
		return GrantID{}, err
	}
	return result.GrantID, nil
}

// DeductCredits debits credits on behalf of an operator using the FIFO order.
func (service *Service) DeductCredits(ctx context.Context, userID UserID, amount PositiveCredits, reason string, adminID string) (ConsumeResult, error) {
	metadata, err := adminMetadata(reason, adminID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationAdminDeduct, UserID: userID, Amount: amount.Int64(), Error: err})
		return ConsumeResult{}, err
	}
	return service.consume(ctx, ConsumeRequest{
		UserID:      userID,
		Amount:      amount,
		Description: reason,
		Metadata:    metadata,
		Type:        TransactionAdminDeduction,
	}, operationAdminDeduct)
}

// SetExactBalance moves the active balance to target by granting or consuming the difference.
// A negative target is rejected with both balances named; nothing is clamped.
func (service *Service) SetExactBalance(ctx context.Context, userID UserID, target int64, reason string, adminID string) (BalanceAdjustment, error) {
	var (
		adjustment BalanceAdjustment
		snapshot   BalanceSnapshot
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUserLedger(ctx, userID); err != nil {
			return err
		}
		current, err := transactionStore.SumActiveBalance(ctx, userID, service.nowFn())
		if err != nil {
			return err
		}
		adjustment.Previous = current
		adjustment.Current = current
		if target < 0 {
			return fmt.Errorf("%w: current balance %d, requested %d", ErrInvalidTargetBalance, current, target)
		}
		delta := target - current.Int64()
		adjustment.Delta = SignedCredits(delta)
		if delta == 0 {
			return nil
		}
		metadata, err := adminMetadata(reason, adminID)
		if err != nil {
			return err
		}
		metadata, err = MergeMetadata(metadata, map[string]any{metadataKeyTarget: target})
		if err != nil {
			return err
		}
		if delta > 0 {
			sourceID, err := deriveSourceID(sourceIDPrefixAdmin, service.newID())
			if err != nil {
				return err
			}
			result, grantSnapshot, err := service.grantInTx(ctx, transactionStore, GrantRequest{
				UserID:          userID,
				Amount:          PositiveCredits(delta),
				Source:          GrantSourceAdminGrant,
				SourceID:        sourceID,
				Metadata:        metadata,
				Description:     reason,
				TransactionType: TransactionAdminAdjustment,
			})
			if err != nil {
				return err
			}
			adjustment.GrantID = result.GrantID
			adjustment.Current = result.BalanceAfter
			snapshot = grantSnapshot
			return nil
		}
		result, consumeSnapshot, err := service.consumeInTx(ctx, transactionStore, ConsumeRequest{
			UserID:      userID,
			Amount:      PositiveCredits(-delta),
			Description: reason,
			Metadata:    metadata,
			Type:        TransactionAdminAdjustment,
		})
		if err != nil {
			if isInsufficientBalance(err) {
				return fmt.Errorf("current balance %d, requested %d: %w", current, target, err)
			}
			return err
		}
		adjustment.Current = result.BalanceAfter
		snapshot = consumeSnapshot
		return nil
	})
	if operationError == nil && adjustment.Delta != 0 {
		service.publishSnapshot(ctx, snapshot)
	}
	service.logOperation(ctx, OperationLog{
		Operation:    operationSetExactBalance,
		UserID:       userID,
		Amount:       adjustment.Delta.Int64(),
		GrantID:      adjustment.GrantID,
		BalanceAfter: adjustment.Current,
		Error:        operationError,
	})
	if operationError != nil {
		return BalanceAdjustment{Previous: adjustment.Previous, Current: adjustment.Previous}, operationError
	}
	return adjustment, nil
}

// GetCreditDetails lists a user's grants with their remaining credits and expiry.
func (service *Service) GetCreditDetails(ctx context.Context, userID UserID) (CreditDetails, error) {
	nowUnixUTC := service.nowFn()
	grants, err := service.store.ListGrants(ctx, userID)
	if err != nil {
		return CreditDetails{}, err
	}
	return CreditDetails{
		UserID:    userID,
		Balance:   SumRemaining(grants, nowUnixUTC),
		Grants:    grants,
		AtUnixUTC: nowUnixUTC,
	}, nil
}

func (service *Service) adminGrantRequest(request AdminGrantRequest) (GrantRequest, error) {
	source := request.Source
	if source == "" {
		source = GrantSourceAdminGrant
	}
	if _, err := ParseGrantSource(source.String()); err != nil {
		return GrantRequest{}, err
	}
	expiry := DefaultExpiryPolicy(source)
	if request.ExpiresInDays != 0 {
		explicit, err := ExpiresInDays(request.ExpiresInDays)
		if err != nil {
			return GrantRequest{}, err
		}
		expiry = explicit
	}
	sourceID, err := deriveSourceID(sourceIDPrefixAdmin, service.newID())
	if err != nil {
		return GrantRequest{}, err
	}
	metadata, err := adminMetadata(request.Reason, request.AdminID)
	if err != nil {
		return GrantRequest{}, err
	}
	return GrantRequest{
		UserID:          request.UserID,
		Amount:          request.Amount,
		Source:          source,
		SourceID:        sourceID,
		Expiry:          expiry,
		Metadata:        metadata,
		Description:     request.Reason,
		TransactionType: TransactionAdminGrant,
	}, nil
}

func adminMetadata(reason string, adminID string) (MetadataJSON, error) {
	values := map[string]any{metadataKeyReason: strings.TrimSpace(reason)}
	if trimmed := strings.TrimSpace(adminID); trimmed != "" {
		values[metadataKeyAdminID] = trimmed
	}
	return MergeMetadata(MetadataJSON{}, values)
}
