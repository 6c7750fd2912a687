package collection

import (
	"errors"
	"fmt"
)

// ErrorCode classifies remote request failures so callers can react without
// string matching.
type ErrorCode string

const (
	// CodeUniqueViolation marks a duplicate write on an idempotent action.
	// The optimistic state is kept; no rollback occurs.
	CodeUniqueViolation ErrorCode = "unique_violation"
	// CodePermissionDenied marks a row-level authorization rejection.
	CodePermissionDenied ErrorCode = "permission_denied"
	// CodeNotFound marks a write against a row the backend does not hold.
	CodeNotFound ErrorCode = "not_found"
	// CodeWriteRejected marks a validation or generic write failure.
	CodeWriteRejected ErrorCode = "write_rejected"
	// CodeTimedOut marks an intent that neither confirmed nor failed within
	// the configured window. Treated as a rejection.
	CodeTimedOut ErrorCode = "timed_out"
)

// RequestError carries a machine-readable code alongside the underlying cause.
type RequestError struct {
	Code ErrorCode
	Err  error
}

// NewRequestError wraps cause with the provided code.
func NewRequestError(code ErrorCode, cause error) *RequestError {
	return &RequestError{Code: code, Err: cause}
}

func (e *RequestError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the machine code from err, defaulting to CodeWriteRejected
// for errors produced outside the taxonomy.
func CodeOf(err error) ErrorCode {
	var requestError *RequestError
	if errors.As(err, &requestError) {
		return requestError.Code
	}
	return CodeWriteRejected
}
