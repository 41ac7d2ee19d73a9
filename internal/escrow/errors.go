package escrow

import (
	"fmt"

	"SecureEscrow/internal/models"
)

// ValidationError is user-correctable bad input. Nothing was written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// AuthorizationError means the caller may not perform the action.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// StateConflictError means the requested transition is illegal from the
// current status.
type StateConflictError struct {
	Reason string
	Status models.TransactionStatus
}

func (e *StateConflictError) Error() string { return e.Reason }

// AdapterError is a provider failure that left the transaction unchanged.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ReconciliationRequiredError means money may have moved and the transaction
// now waits for an operator. AlreadyFlagged is set when the transaction was
// parked before this call started.
type ReconciliationRequiredError struct {
	TransactionID  string
	Reason         string
	AlreadyFlagged bool
	Err            error
}

func (e *ReconciliationRequiredError) Error() string {
	return fmt.Sprintf("transaction %s requires manual reconciliation: %s", e.TransactionID, e.Reason)
}

func (e *ReconciliationRequiredError) Unwrap() error { return e.Err }

func conflict(t *models.Transaction, format string, args ...interface{}) error {
	return &StateConflictError{Reason: fmt.Sprintf(format, args...), Status: t.Status}
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func forbidden(reason string) error {
	return &AuthorizationError{Reason: reason}
}
