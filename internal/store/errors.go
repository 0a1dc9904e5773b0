package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every task.Manager implementation.
var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate means an insert hit a unique key.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity means the row or the request was rejected before or by
	// a table constraint. The wrapped error names the constraint.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrClaimLost is returned when a caller acts on a row it no longer holds
	// a claim on, either because the lease expired and another owner took it
	// or because the claim was already released.
	ErrClaimLost = errors.New("claim lost")

	// ErrTransactionFailed covers begin and commit failures and aborted
	// transactions (serialization failures, deadlocks). Retrying is safe.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrUnavailable means the database could not be reached or dropped the
	// connection. Handles should be rebuilt.
	ErrUnavailable = errors.New("store unavailable")

	// ErrTaskNotFound is ErrNotFound for a task row.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)
)

// StoreError describes a failed store operation on one entity.
type StoreError struct {
	Entity    string
	Operation string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Entity, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Entity, e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError builds a StoreError wrapping err, which may be nil.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
