package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrHolderNotFound         = errors.New("holder not found")
	ErrCapExceeded            = errors.New("cap exceeded")
	ErrHolderExists           = errors.New("holder already exists")
	ErrInvalidHolderID        = errors.New("invalid holder id")
	ErrInvalidHolderType      = errors.New("invalid holder type")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidRefillPolicy    = errors.New("invalid refill policy")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// InsufficientFundsError reports a rejected debit with the figures the caller
// needs for its response. It unwraps to ErrInsufficientFunds.
type InsufficientFundsError struct {
	HolderID  HolderID
	Available Amount
	Requested Amount
}

// Error returns the formatted error message.
func (insufficientFunds InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %d, requested %d",
		insufficientFunds.HolderID.String(), insufficientFunds.Available, insufficientFunds.Requested)
}

// Unwrap links the typed error to the ErrInsufficientFunds sentinel.
func (insufficientFunds InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
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
