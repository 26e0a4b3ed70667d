package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrGrantNotFound          = errors.New("grant not found")
	ErrSnapshotNotFound       = errors.New("balance snapshot not found")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidGrantID         = errors.New("invalid grant id")
	ErrInvalidSourceID        = errors.New("invalid source id")
	ErrInvalidCredits         = errors.New("invalid credits")
	ErrInvalidGrantSource     = errors.New("invalid grant source")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidExpiry          = errors.New("invalid expiry")
	ErrInvalidGrant           = errors.New("invalid grant")
	ErrInvalidTransaction     = errors.New("invalid balance transaction")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidTargetBalance   = errors.New("invalid target balance")
	ErrInvalidListLimit       = errors.New("invalid list limit")
)

// InsufficientBalanceError reports the balance observed when a debit was refused.
type InsufficientBalanceError struct {
	Available Credits
	Requested Credits
}

// Error returns the formatted error message.
func (insufficientError InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: available %d, requested %d", ErrInsufficientBalance, insufficientError.Available, insufficientError.Requested)
}

// Unwrap returns ErrInsufficientBalance.
func (insufficientError InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
