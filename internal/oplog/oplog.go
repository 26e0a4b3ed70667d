// Package oplog writes ledger and payment gate operation records to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	messageLedgerOperation = "ledger operation"
	messageGateOperation   = "payment gate operation"
	statusError            = "error"
)

// Logger implements ledger.OperationLogger and payments.EventLogger.
type Logger struct {
	logger *zap.Logger
}

// New wraps a zap logger. A nil logger discards every record.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

func (oplogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if sourceID := entry.SourceID.String(); sourceID != "" {
		fields = append(fields, zap.String("source_id", sourceID))
	}
	if grantID := entry.GrantID.String(); grantID != "" {
		fields = append(fields, zap.String("grant_id", grantID))
	}
	if entry.Duplicate {
		fields = append(fields, zap.Bool("duplicate", true))
	} else if entry.Status != statusError {
		fields = append(fields, zap.Int64("balance_after", entry.BalanceAfter.Int64()))
	}
	oplogger.write(entry.Status, entry.Error, messageLedgerOperation, fields)
}

func (oplogger *Logger) LogEvent(_ context.Context, entry payments.EventLog) {
	fields := []zap.Field{zap.String("operation", entry.Operation)}
	if entry.Provider != "" {
		fields = append(fields, zap.String("provider", entry.Provider.String()))
	}
	if entry.PaymentID != "" {
		fields = append(fields, zap.String("payment_id", entry.PaymentID))
	}
	if entry.EventID != "" {
		fields = append(fields, zap.String("event_id", entry.EventID))
	}
	if entry.Status != "" {
		fields = append(fields, zap.String("payment_status", entry.Status.String()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(entry.Outcome)))
	}
	if entry.Duplicate {
		fields = append(fields, zap.Bool("duplicate", true))
	}
	if entry.Count != 0 {
		fields = append(fields, zap.Int64("count", entry.Count))
	}
	fields = append(fields, zap.String("status", entry.Result))
	oplogger.write(entry.Result, entry.Error, messageGateOperation, fields)
}

func (oplogger *Logger) write(status string, err error, message string, fields []zap.Field) {
	level := zapcore.InfoLevel
	if status == statusError || err != nil {
		level = zapcore.WarnLevel
		fields = append(fields, zap.Error(err))
	}
	if checked := oplogger.logger.Check(level, message); checked != nil {
		checked.Write(fields...)
	}
}
