package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorCode is the stable machine-readable error classification returned to
// callers. Clients retry CONFLICT and transient INTERNAL errors with the
// same idempotency key; everything else is terminal for an unchanged request.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Error is the ledger's coded error. RequestID is threaded through from the
// request-tracing middleware so callers can correlate across services.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`

	// Set only for CodeInsufficientFunds.
	Available decimal.Decimal `json:"available,omitempty"`
	Shortfall decimal.Decimal `json:"shortfall,omitempty"`

	// RetryAfter hints how long to wait before retrying a CONFLICT.
	RetryAfter time.Duration `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithRequestID returns a copy carrying the request id.
func (e *Error) WithRequestID(id string) *Error {
	clone := *e
	clone.RequestID = id
	return &clone
}

func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

func InsufficientFunds(available, shortfall decimal.Decimal) *Error {
	return &Error{
		Code:      CodeInsufficientFunds,
		Message:   "insufficient funds",
		Available: available,
		Shortfall: shortfall,
	}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// CodeOf extracts the error code, defaulting to CodeInternal for errors
// that did not originate in the domain.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
