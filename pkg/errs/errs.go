// Package errs holds the error taxonomy shared by the queue, the engine and
// the HTTP surface.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func NewValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StorageError means the backing store could not serve Op. The job keeps its
// previous state, so the surrounding call is safe to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NodeExecutionError is recorded on a single node. It fails the run only when
// the node kind's policy says so.
type NodeExecutionError struct {
	NodeID string
	Kind   string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.Kind, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// RunFailure marks the whole execution failed.
type RunFailure struct {
	ExecutionID string
	Reason      string
	Err         error
}

func (e *RunFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("run %s failed: %s: %v", e.ExecutionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("run %s failed: %s", e.ExecutionID, e.Reason)
}

func (e *RunFailure) Unwrap() error { return e.Err }

// RetryExhausted is terminal: the job or execution is not retried again.
type RetryExhausted struct {
	ID         string
	RetryCount int
	MaxRetries int
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("%s: retry count %d reached max retries %d", e.ID, e.RetryCount, e.MaxRetries)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

func IsRunFailure(err error) bool {
	var target *RunFailure
	return errors.As(err, &target)
}

func IsRetryExhausted(err error) bool {
	var target *RetryExhausted
	return errors.As(err, &target)
}
