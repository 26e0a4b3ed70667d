package ledger

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsGrantOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newMemoryStore(), newTestClock(), WithOperationLogger(logger))
	user := mustUserID(test, userIDValue)
	sourceID := mustSourceID(test, "grant-1")
	metadata := mustMetadata(test, `{"action":"test"}`)

	result := mustGrant(test, service, GrantRequest{
		UserID:   user,
		Amount:   mustPositiveCredits(test, 100),
		Source:   GrantSourceBonus,
		SourceID: sourceID,
		Metadata: metadata,
	})
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationGrant || entry.UserID != user || entry.Amount != 100 || entry.SourceID != sourceID {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.GrantID != result.GrantID || entry.BalanceAfter != 100 || entry.Duplicate {
		test.Fatalf("unexpected grant details: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsDuplicateGrant(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newMemoryStore(), newTestClock(), WithOperationLogger(logger))
	request := GrantRequest{
		UserID:   mustUserID(test, userIDValue),
		Amount:   mustPositiveCredits(test, 5),
		Source:   GrantSourcePurchase,
		SourceID: mustSourceID(test, "pay-1"),
	}
	mustGrant(test, service, request)
	mustGrant(test, service, request)
	if len(logger.entries) != 2 || !logger.entries[1].Duplicate || logger.entries[1].Status != operationStatusOK {
		test.Fatalf("expected duplicate entry, got %+v", logger.entries)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	boom := errors.New("boom")
	logger := &recorderLogger{}
	service := mustNewService(test, newFailingStore(boom), newTestClock(), WithOperationLogger(logger))

	_, err := service.Grant(context.Background(), GrantRequest{
		UserID:   mustUserID(test, userIDValue),
		Amount:   mustPositiveCredits(test, 100),
		Source:   GrantSourceBonus,
		SourceID: mustSourceID(test, "grant-1"),
	})
	if !errors.Is(err, boom) {
		test.Fatalf(errorMismatchMessage, boom, err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Status != operationStatusError || !errors.Is(entry.Error, boom) {
		test.Fatalf("expected error status, got %+v", entry)
	}
}

func TestServiceLogsAdminOperations(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newMemoryStore(), newTestClock(), WithOperationLogger(logger), WithIDGenerator(func() string { return "fixed" }))
	user := mustUserID(test, userIDValue)

	if _, err := service.GrantCredits(context.Background(), AdminGrantRequest{UserID: user, Amount: 50, Reason: "support"}); err != nil {
		test.Fatalf("admin grant failed: %v", err)
	}
	if _, err := service.SetExactBalance(context.Background(), user, 20, "correction", "ops-1"); err != nil {
		test.Fatalf("set balance failed: %v", err)
	}
	operations := make([]string, 0, len(logger.entries))
	for _, entry := range logger.entries {
		operations = append(operations, entry.Operation)
	}
	expected := []string{operationGrant, operationSetExactBalance}
	if len(operations) != len(expected) || operations[0] != expected[0] || operations[1] != expected[1] {
		test.Fatalf("unexpected operations %v", operations)
	}
	if logger.entries[0].SourceID.String() != "admin:fixed" {
		test.Fatalf("unexpected admin source id %q", logger.entries[0].SourceID)
	}
	if logger.entries[1].Amount != -30 || logger.entries[1].BalanceAfter != 20 {
		test.Fatalf("unexpected adjustment entry: %+v", logger.entries[1])
	}
}

func TestDeductCreditsLogsUnderAdminOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newMemoryStore(), newTestClock(), WithOperationLogger(logger))
	user := mustUserID(test, userIDValue)
	mustGrant(test, service, GrantRequest{UserID: user, Amount: 40, Source: GrantSourcePurchase, SourceID: mustSourceID(test, "pack-1")})

	if _, err := service.DeductCredits(context.Background(), user, 15, "chargeback", "ops-1"); err != nil {
		test.Fatalf("deduct failed: %v", err)
	}
	if _, err := service.DeductCredits(context.Background(), user, 100, "chargeback", "ops-1"); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientBalance, err)
	}
	entries := logger.entries[1:]
	if len(entries) != 2 {
		test.Fatalf("expected two deduction entries, got %+v", entries)
	}
	if entries[0].Operation != operationAdminDeduct || entries[0].Status != operationStatusOK || entries[0].BalanceAfter != 25 {
		test.Fatalf("unexpected deduction entry: %+v", entries[0])
	}
	if entries[1].Operation != operationAdminDeduct || entries[1].Status != operationStatusRejected {
		test.Fatalf("unexpected rejected deduction entry: %+v", entries[1])
	}
}

func TestServiceWithoutLoggerIsSilent(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newMemoryStore(), newTestClock())
	if _, err := service.Consume(context.Background(), ConsumeRequest{UserID: mustUserID(test, userIDValue), Amount: 1}); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientBalance, err)
	}
}
