package oplog

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return New(zap.New(core)), logs
}

func TestLogOperationSuccess(test *testing.T) {
	test.Parallel()
	logger, logs := observed()
	userID, err := ledger.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	logger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:    "consume",
		UserID:       userID,
		Amount:       40,
		BalanceAfter: ledger.Credits(60),
		Status:       "ok",
	})
	entries := logs.All()
	if len(entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel || entry.Message != messageLedgerOperation {
		test.Fatalf("unexpected entry %v %q", entry.Level, entry.Message)
	}
	fields := entry.ContextMap()
	if fields["user_id"] != "user-1" || fields["balance_after"] != int64(60) {
		test.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields["grant_id"]; ok {
		test.Fatalf("empty grant id must be omitted")
	}
}

func TestLogOperationErrorIsWarn(test *testing.T) {
	test.Parallel()
	logger, logs := observed()
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: "grant", Status: "error", Error: errors.New("boom")})
	entries := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(entries) != 1 || entries[0].ContextMap()["error"] != "boom" {
		test.Fatalf("expected one warn entry with the error, got %v", logs.All())
	}
	if _, ok := entries[0].ContextMap()["balance_after"]; ok {
		test.Fatalf("failed operations must not report a balance")
	}
}

func TestLogEventFields(test *testing.T) {
	test.Parallel()
	logger, logs := observed()
	logger.LogEvent(context.Background(), payments.EventLog{
		Operation: "process",
		Provider:  payments.ProviderPaddle,
		PaymentID: "txn_1",
		EventID:   "event-1",
		Status:    payments.StatusFinished,
		Outcome:   payments.OutcomeGranted,
		Result:    "ok",
	})
	entries := logs.All()
	if len(entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["provider"] != "paddle" || fields["outcome"] != "granted" || fields["payment_status"] != "finished" {
		test.Fatalf("unexpected fields %v", fields)
	}
}

func TestNilLoggerDiscards(test *testing.T) {
	test.Parallel()
	New(nil).LogEvent(context.Background(), payments.EventLog{Operation: "prune_events", Result: "ok"})
}
